package mot

import (
	"math"
	"slices"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Tracker is multi-object tracker which associates detections with tracks by appearance
// (gallery smooth features) gated by Kalman motion, with IoU fallback stages.
// Gallery growth of every track is decided by the injected AdmissionPolicy.
//
// Tracker is not safe for concurrent use: frames must be fed sequentially.
type Tracker struct {
	cfg       Config
	policy    AdmissionPolicy
	kf        *KalmanFilter
	solver    AssignmentSolver
	sessionID uuid.UUID

	// Track containers. Every live track is in exactly one of them.
	tracked []*Track
	lost    []*Track
	// Tracks removed during the last processed frame
	removed []*Track

	ids IDCounter
	// Last processed frame identifier
	frameID int
	// Number of frames processed since reset
	frameCount int
	// Embedding dimension learned from the first detection
	embeddingDim int
}

// TrackerOption customizes Tracker
type TrackerOption func(*Tracker)

// WithKalmanFilter sets motion model instead of one built from configuration noise weights
func WithKalmanFilter(kf *KalmanFilter) TrackerOption {
	return func(t *Tracker) {
		if kf != nil {
			t.kf = kf
		}
	}
}

// WithSolver overrides assignment solver from configuration
func WithSolver(solver AssignmentSolver) TrackerOption {
	return func(t *Tracker) {
		t.solver = solver
	}
}

// NewTracker creates a new instance of Tracker with specified parameters and admission policy.
func NewTracker(cfg Config, policy AdmissionPolicy, options ...TrackerOption) (*Tracker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if policy == nil {
		return nil, errors.Wrap(ErrConfig, "admission policy is required")
	}
	solver, err := ParseSolver(cfg.Solver)
	if err != nil {
		return nil, err
	}
	tracker := &Tracker{
		cfg:       cfg,
		policy:    policy,
		kf:        NewKalmanFilter(cfg.StdWeightPosition, cfg.StdWeightVelocity),
		solver:    solver,
		sessionID: uuid.New(),
		frameID:   -1,
	}
	for _, option := range options {
		option(tracker)
	}
	Logf("mot: tracker %s created: solver=%s, max time lost=%d frames", tracker.sessionID, tracker.solver, cfg.MaxTimeLost())
	if !tracker.solver.IsExact() {
		Logf("mot: tracker %s: solver %s is approximate, assignments may not have minimum total cost", tracker.sessionID, tracker.solver)
	}
	return tracker, nil
}

// Config returns tracker configuration
func (t *Tracker) Config() Config {
	return t.cfg
}

// SessionID returns identifier of tracker instance. Snapshots are bound to it.
func (t *Tracker) SessionID() uuid.UUID {
	return t.sessionID
}

// FrameID returns last processed frame identifier (-1 if none)
func (t *Tracker) FrameID() int {
	return t.frameID
}

// Tracked returns tracks in tracked container, including unconfirmed ones
func (t *Tracker) Tracked() []*Track {
	return slices.Clone(t.tracked)
}

// Lost returns tracks in lost container
func (t *Tracker) Lost() []*Track {
	return slices.Clone(t.lost)
}

// Removed returns tracks removed during the last processed frame
func (t *Tracker) Removed() []*Track {
	return slices.Clone(t.removed)
}

// Reset clears every container and restarts identifiers from 1
func (t *Tracker) Reset() {
	t.tracked = nil
	t.lost = nil
	t.removed = nil
	t.ids.Reset()
	t.frameID = -1
	t.frameCount = 0
	t.embeddingDim = 0
}

// UpdateRaw is Update for detections given as (x1, y1, x2, y2, score) rows with embeddings in separate slice.
func (t *Tracker) UpdateRaw(dets [][5]float64, embeddings [][]float64, frameID int) ([]*Track, error) {
	if len(dets) != len(embeddings) {
		return nil, errors.Wrapf(ErrPrecondition, "detections and embeddings arrays must have the same length. Detections array size: %d. Embeddings array size: %d",
			len(dets), len(embeddings))
	}
	detections := make([]Detection, len(dets))
	for i, d := range dets {
		detections[i] = NewDetectionTLBR(d[0], d[1], d[2], d[3], d[4], embeddings[i])
	}
	return t.Update(detections, frameID)
}

// Update advances tracker by one frame and returns activated tracked tracks ordered by identifier.
// Malformed input is rejected before any state change. Failure during association
// (policy failure, invalid transition) rolls tracker back to pre-frame state if RollbackOnFailure is set.
func (t *Tracker) Update(dets []Detection, frameID int) ([]*Track, error) {
	dim, err := t.validate(dets, frameID)
	if err != nil {
		return nil, err
	}
	var snapshot *Snapshot
	if t.cfg.RollbackOnFailure {
		snapshot = t.Snapshot()
	}
	output, err := t.step(dets, frameID, dim)
	if err != nil {
		if snapshot != nil {
			t.restore(snapshot)
			Logf("mot: tracker %s: frame %d rolled back: %v", t.sessionID, frameID, err)
		}
		return nil, errors.Wrapf(err, "frame %d", frameID)
	}
	return output, nil
}

func (t *Tracker) validate(dets []Detection, frameID int) (int, error) {
	if frameID < 0 {
		return 0, errors.Wrapf(ErrPrecondition, "negative frame id %d", frameID)
	}
	if t.frameCount > 0 && frameID <= t.frameID {
		return 0, errors.Wrapf(ErrPrecondition, "frame id %d is not after last processed frame %d", frameID, t.frameID)
	}
	dim := t.embeddingDim
	for i, det := range dets {
		if !det.Box.isFinite() || det.Box.Width <= 0 || det.Box.Height <= 0 {
			return 0, errors.Wrapf(ErrPrecondition, "detection %d has invalid box %+v", i, det.Box)
		}
		if math.IsNaN(det.Score) || math.IsInf(det.Score, 0) {
			return 0, errors.Wrapf(ErrPrecondition, "detection %d has invalid score %f", i, det.Score)
		}
		if len(det.Embedding) == 0 {
			return 0, errors.Wrapf(ErrPrecondition, "detection %d has empty embedding", i)
		}
		if dim == 0 {
			dim = len(det.Embedding)
		}
		if len(det.Embedding) != dim {
			return 0, errors.Wrapf(ErrPrecondition, "detection %d has embedding of size %d, expected %d", i, len(det.Embedding), dim)
		}
	}
	return dim, nil
}

// step runs association cascade for validated frame
func (t *Tracker) step(dets []Detection, frameID, dim int) ([]*Track, error) {
	t.frameID = frameID
	t.frameCount++
	t.embeddingDim = dim
	firstFrame := t.frameCount == 1

	cands := make([]*candidate, len(dets))
	for i := range dets {
		cands[i] = newCandidate(dets[i])
	}

	// Tracks seen once are associated separately
	unconfirmed := make([]*Track, 0)
	confirmed := make([]*Track, 0, len(t.tracked))
	for _, track := range t.tracked {
		if !track.activated {
			unconfirmed = append(unconfirmed, track)
		} else {
			confirmed = append(confirmed, track)
		}
	}

	activated := make([]*Track, 0)
	refound := make([]*Track, 0)
	lostNow := make([]*Track, 0)
	removedNow := make([]*Track, 0)

	// 1. Appearance association gated by motion: confirmed tracked + lost tracks
	pool := jointTracks(confirmed, t.lost)
	t.predict(pool)

	dists := embeddingDistance(pool, cands)
	dists = fuseMotion(t.kf, dists, pool, cands, t.cfg.MotionWeight, t.cfg.GatingThreshold)
	matches, unmatchedTracks, unmatchedDets := linearAssignment(dists, len(pool), len(cands), t.cfg.AppearanceThresh, t.solver)
	for _, match := range matches {
		track := pool[match[0]]
		c := cands[match[1]]
		if track.state == StateTracked {
			if err := track.update(c, t.kf, frameID); err != nil {
				return nil, errors.Wrap(err, "appearance association")
			}
			activated = append(activated, track)
		} else {
			if err := track.reActivate(c, t.kf, frameID, &t.ids, true); err != nil {
				return nil, errors.Wrap(err, "appearance association")
			}
			refound = append(refound, track)
		}
	}

	// 2. IoU association of remaining tracked tracks
	cands = pickCandidates(cands, unmatchedDets)
	remainingTracked := make([]*Track, 0, len(unmatchedTracks))
	for _, idx := range unmatchedTracks {
		if pool[idx].state == StateTracked {
			remainingTracked = append(remainingTracked, pool[idx])
		}
	}
	dists = tracksIoUDistance(remainingTracked, cands)
	matches, unmatchedTracks, unmatchedDets = linearAssignment(dists, len(remainingTracked), len(cands), t.cfg.IoUThresh, t.solver)
	for _, match := range matches {
		track := remainingTracked[match[0]]
		if err := track.update(cands[match[1]], t.kf, frameID); err != nil {
			return nil, errors.Wrap(err, "IoU association")
		}
		activated = append(activated, track)
	}
	for _, idx := range unmatchedTracks {
		track := remainingTracked[idx]
		if track.state != StateLost {
			if err := track.MarkLost(); err != nil {
				return nil, err
			}
			lostNow = append(lostNow, track)
		}
	}

	// 3. Unconfirmed tracks: matched ones get confirmed, others are discarded
	cands = pickCandidates(cands, unmatchedDets)
	dists = tracksIoUDistance(unconfirmed, cands)
	matches, unmatchedUnconfirmed, unmatchedDets := linearAssignment(dists, len(unconfirmed), len(cands), t.cfg.UnconfirmedThresh, t.solver)
	for _, match := range matches {
		track := unconfirmed[match[0]]
		if err := track.update(cands[match[1]], t.kf, frameID); err != nil {
			return nil, errors.Wrap(err, "unconfirmed association")
		}
		activated = append(activated, track)
	}
	for _, idx := range unmatchedUnconfirmed {
		track := unconfirmed[idx]
		if err := track.MarkRemoved(); err != nil {
			return nil, err
		}
		removedNow = append(removedNow, track)
	}

	// 4. New tracks for confident unmatched detections
	for _, idx := range unmatchedDets {
		c := cands[idx]
		if c.score < t.cfg.DetThresh {
			continue
		}
		track := newTrackFrom(c, t.policy, t.cfg.GalleryLookup, t.cfg.FreezeGallery)
		if err := track.Activate(t.kf, frameID, &t.ids, firstFrame); err != nil {
			return nil, err
		}
		activated = append(activated, track)
	}

	// 5. Remove tracks which are lost for too long
	maxTimeLost := t.cfg.MaxTimeLost()
	for _, track := range t.lost {
		if track.state == StateLost && frameID-track.EndFrame() > maxTimeLost {
			if err := track.MarkRemoved(); err != nil {
				return nil, err
			}
			removedNow = append(removedNow, track)
		}
	}

	tracked := filterTracks(t.tracked, StateTracked)
	tracked = jointTracks(tracked, activated)
	tracked = jointTracks(tracked, refound)
	lost := subTracks(t.lost, tracked)
	lost = append(lost, lostNow...)
	lost = filterTracks(lost, StateLost)

	tracked, lost, duplicates := removeDuplicateTracks(tracked, lost, t.cfg.DuplicateThresh)
	for _, track := range duplicates {
		if err := track.MarkRemoved(); err != nil {
			return nil, err
		}
		removedNow = append(removedNow, track)
	}

	t.tracked = tracked
	t.lost = lost
	t.removed = removedNow

	output := make([]*Track, 0, len(t.tracked))
	for _, track := range t.tracked {
		if track.activated {
			output = append(output, track)
		}
	}
	slices.SortFunc(output, CmpTrackID)

	if t.cfg.Verbose {
		Logf("mot: frame %d: activated %v, refound %v, lost %v, removed %v",
			frameID, trackIDs(activated), trackIDs(refound), trackIDs(lostNow), trackIDs(removedNow))
	}
	return output, nil
}

// predict advances Kalman beliefs of tracks as one batch.
// Height velocity of tracks which are not tracked is reset.
func (t *Tracker) predict(tracks []*Track) {
	if len(tracks) == 0 {
		return
	}
	means := make([]StateMean, len(tracks))
	covs := make([]StateCov, len(tracks))
	for i, track := range tracks {
		means[i] = track.mean
		if track.state != StateTracked {
			means[i][7] = 0
		}
		covs[i] = track.cov
	}
	t.kf.MultiPredict(means, covs)
	for i, track := range tracks {
		track.mean = means[i]
		track.cov = covs[i]
	}
}

func pickCandidates(cands []*candidate, indices []int) []*candidate {
	picked := make([]*candidate, len(indices))
	for i, idx := range indices {
		picked[i] = cands[idx]
	}
	return picked
}

// jointTracks returns a followed by tracks of b which are not in a
func jointTracks(a, b []*Track) []*Track {
	exists := make(map[*Track]struct{}, len(a))
	res := make([]*Track, 0, len(a)+len(b))
	for _, track := range a {
		exists[track] = struct{}{}
		res = append(res, track)
	}
	for _, track := range b {
		if _, ok := exists[track]; !ok {
			exists[track] = struct{}{}
			res = append(res, track)
		}
	}
	return res
}

// subTracks returns tracks of a which are not in b
func subTracks(a, b []*Track) []*Track {
	exclude := make(map[*Track]struct{}, len(b))
	for _, track := range b {
		exclude[track] = struct{}{}
	}
	res := make([]*Track, 0, len(a))
	for _, track := range a {
		if _, ok := exclude[track]; !ok {
			res = append(res, track)
		}
	}
	return res
}

func filterTracks(tracks []*Track, state TrackState) []*Track {
	res := make([]*Track, 0, len(tracks))
	for _, track := range tracks {
		if track.state == state {
			res = append(res, track)
		}
	}
	return res
}

// removeDuplicateTracks finds pairs of tracked and lost tracks overlapping more than (1 - thresh) IoU.
// The one followed for fewer frames is dropped.
func removeDuplicateTracks(a, b []*Track, thresh float64) ([]*Track, []*Track, []*Track) {
	dists := tracksDistance(a, b)
	dupA := make([]bool, len(a))
	dupB := make([]bool, len(b))
	for p, row := range dists {
		for q, dist := range row {
			if dist >= thresh {
				continue
			}
			timeP := a[p].frameID - a[p].startFrame
			timeQ := b[q].frameID - b[q].startFrame
			if timeP > timeQ {
				dupB[q] = true
			} else {
				dupA[p] = true
			}
		}
	}
	resA := make([]*Track, 0, len(a))
	resB := make([]*Track, 0, len(b))
	duplicates := make([]*Track, 0)
	for i, track := range a {
		if dupA[i] {
			duplicates = append(duplicates, track)
		} else {
			resA = append(resA, track)
		}
	}
	for i, track := range b {
		if dupB[i] {
			duplicates = append(duplicates, track)
		} else {
			resB = append(resB, track)
		}
	}
	return resA, resB, duplicates
}

// tracksDistance returns (1 - IoU) between current boxes of two track sets
func tracksDistance(a, b []*Track) [][]float64 {
	boxesA := make([]Rectangle, len(a))
	for i, track := range a {
		boxesA[i] = track.TLWH()
	}
	boxesB := make([]Rectangle, len(b))
	for i, track := range b {
		boxesB[i] = track.TLWH()
	}
	return iouDistance(boxesA, boxesB)
}

func trackIDs(tracks []*Track) []int {
	ids := make([]int, len(tracks))
	for i, track := range tracks {
		ids[i] = track.id
	}
	return ids
}
