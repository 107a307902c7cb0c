package mot

import (
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Snapshot is deep copy of tracker state between frames.
// It can only be restored into the tracker which produced it.
type Snapshot struct {
	sessionID uuid.UUID

	tracked []*Track
	lost    []*Track
	removed []*Track

	ids          IDCounter
	frameID      int
	frameCount   int
	embeddingDim int
}

// SessionID returns identifier of tracker which produced the snapshot
func (s *Snapshot) SessionID() uuid.UUID {
	return s.sessionID
}

// FrameID returns last processed frame at the moment of snapshot
func (s *Snapshot) FrameID() int {
	return s.frameID
}

// Snapshot captures tracker state. Later updates do not affect returned value.
func (t *Tracker) Snapshot() *Snapshot {
	return &Snapshot{
		sessionID:    t.sessionID,
		tracked:      cloneTracks(t.tracked),
		lost:         cloneTracks(t.lost),
		removed:      cloneTracks(t.removed),
		ids:          t.ids,
		frameID:      t.frameID,
		frameCount:   t.frameCount,
		embeddingDim: t.embeddingDim,
	}
}

// Restore replaces tracker state with snapshot content. Snapshot stays reusable.
func (t *Tracker) Restore(snapshot *Snapshot) error {
	if snapshot == nil {
		return errors.Wrap(ErrSnapshot, "nil snapshot")
	}
	if snapshot.sessionID != t.sessionID {
		return errors.Wrapf(ErrSnapshot, "snapshot of tracker %s can't be restored into tracker %s", snapshot.sessionID, t.sessionID)
	}
	t.restore(snapshot)
	return nil
}

func (t *Tracker) restore(snapshot *Snapshot) {
	t.tracked = cloneTracks(snapshot.tracked)
	t.lost = cloneTracks(snapshot.lost)
	t.removed = cloneTracks(snapshot.removed)
	t.ids = snapshot.ids
	t.frameID = snapshot.frameID
	t.frameCount = snapshot.frameCount
	t.embeddingDim = snapshot.embeddingDim
}

func cloneTracks(tracks []*Track) []*Track {
	if tracks == nil {
		return nil
	}
	cpy := make([]*Track, len(tracks))
	for i, track := range tracks {
		cpy[i] = track.Clone()
	}
	return cpy
}
