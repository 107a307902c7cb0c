package mot

import (
	"fmt"
	"image"

	"github.com/pkg/errors"
)

// TrackState is lifecycle state of a track
type TrackState uint8

const (
	// StateNew is a candidate built from detection which has not been activated yet
	StateNew TrackState = iota
	// StateTracked is a track matched in current frame
	StateTracked
	// StateLost is a track missed in current frame but kept for re-identification
	StateLost
	// StateRemoved is terminal state
	StateRemoved
)

func (s TrackState) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateTracked:
		return "tracked"
	case StateLost:
		return "lost"
	case StateRemoved:
		return "removed"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

const defaultMaxTrackLen = 150

// IDCounter hands out track identifiers. Identifiers start from 1 and are never reused until Reset.
type IDCounter struct {
	last int
}

// Next returns next identifier
func (c *IDCounter) Next() int {
	c.last++
	return c.last
}

// Last returns last handed out identifier (0 if none)
func (c *IDCounter) Last() int {
	return c.last
}

// Reset makes counter start from 1 again
func (c *IDCounter) Reset() {
	c.last = 0
}

// Detection is single observation of a frame
type Detection struct {
	// Bounding box in top-left/width/height form
	Box   Rectangle
	Score float64
	// Raw appearance embedding (not normalized)
	Embedding []float64
}

// NewDetectionTLBR creates detection from corner form box
func NewDetectionTLBR(x1, y1, x2, y2, score float64, embedding []float64) Detection {
	return Detection{
		Box:       NewRectFromTLBR(x1, y1, x2, y2),
		Score:     score,
		Embedding: embedding,
	}
}

// NewDetectionFromImageRect creates detection from integer pixel box
func NewDetectionFromImageRect(rect image.Rectangle, score float64, embedding []float64) Detection {
	return Detection{
		Box:       NewRectFrom(rect.Canon()),
		Score:     score,
		Embedding: embedding,
	}
}

// candidate is detection prepared for association: normalized embedding and measurement form of its box
type candidate struct {
	box   Rectangle
	score float64
	feat  []float64
	xyah  Measurement
}

func newCandidate(det Detection) *candidate {
	feat, _ := normalize(det.Embedding)
	return &candidate{
		box:   det.Box,
		score: det.Score,
		feat:  feat,
		xyah:  det.Box.XYAH(),
	}
}

// Track is hypothesis about identity of a single object across frames.
// It owns its Kalman belief and its appearance gallery; admission of new appearance
// samples is delegated to the injected policy.
type Track struct {
	id        int
	state     TrackState
	activated bool

	mean StateMean
	cov  StateCov
	// Box of originating detection, used until belief is initiated
	tlwh  Rectangle
	score float64

	gallery  *Gallery
	currFeat []float64
	// Whether currFeat is already stored in gallery
	admitted bool
	lastObs  Observation

	frameID     int
	startFrame  int
	trackletLen int

	// Centers of track's box after every association
	trajectory  []Point
	maxTrackLen int

	freezeGallery bool
	policy        AdmissionPolicy
}

// NewTrack creates track candidate in StateNew. The detection embedding is seeded into the gallery unconditionally.
// galleryLookup limits similarity queries to most recent gallery entries (0 - whole gallery).
// With freezeGallery set, matched detections never change the gallery.
func NewTrack(det Detection, policy AdmissionPolicy, galleryLookup int, freezeGallery bool) *Track {
	return newTrackFrom(newCandidate(det), policy, galleryLookup, freezeGallery)
}

func newTrackFrom(c *candidate, policy AdmissionPolicy, galleryLookup int, freezeGallery bool) *Track {
	gallery := NewGallery(galleryLookup)
	gallery.Seed(c.feat)
	return &Track{
		state:         StateNew,
		tlwh:          c.box,
		score:         c.score,
		gallery:       gallery,
		currFeat:      c.feat,
		admitted:      true,
		trajectory:    make([]Point, 0, defaultMaxTrackLen),
		maxTrackLen:   defaultMaxTrackLen,
		freezeGallery: freezeGallery,
		policy:        policy,
	}
}

// ID returns track's identifier (0 before activation)
func (t *Track) ID() int {
	return t.id
}

// State returns track's lifecycle state
func (t *Track) State() TrackState {
	return t.state
}

// IsActivated returns whether track has passed confirmation
func (t *Track) IsActivated() bool {
	return t.activated
}

// IsConfirmed returns true for activated track which is not removed
func (t *Track) IsConfirmed() bool {
	return t.activated && (t.state == StateTracked || t.state == StateLost)
}

// Score returns latest detection confidence
func (t *Track) Score() float64 {
	return t.score
}

// TLWH returns track's current box. Before activation it is the box of originating detection,
// after activation it is derived from the Kalman belief.
func (t *Track) TLWH() Rectangle {
	if t.state == StateNew {
		return t.tlwh
	}
	var m Measurement
	copy(m[:], t.mean[:ndim])
	return NewRectFromXYAH(m)
}

// TLBR returns track's current box in corner form
func (t *Track) TLBR() [4]float64 {
	return t.TLWH().TLBR()
}

// Mean returns Kalman state mean
func (t *Track) Mean() StateMean {
	return t.mean
}

// Covariance returns Kalman state covariance
func (t *Track) Covariance() StateCov {
	return t.cov
}

// Gallery returns track's gallery. Be careful: this is not copy, but reference to it
func (t *Track) Gallery() *Gallery {
	return t.gallery
}

// GallerySize returns number of stored appearance embeddings
func (t *Track) GallerySize() int {
	return t.gallery.Size()
}

// SmoothFeature returns aggregate appearance descriptor
func (t *Track) SmoothFeature() []float64 {
	return t.gallery.SmoothFeature()
}

// CurrentFeature returns normalized embedding of the last associated detection
func (t *Track) CurrentFeature() []float64 {
	return t.currFeat
}

// LastObservation returns observation last passed to admission policy
func (t *Track) LastObservation() Observation {
	return t.lastObs
}

// StartFrame returns frame of activation
func (t *Track) StartFrame() int {
	return t.startFrame
}

// EndFrame returns last frame where track was associated with detection
func (t *Track) EndFrame() int {
	return t.frameID
}

// TrackletLen returns number of consecutive updates since (re-)activation
func (t *Track) TrackletLen() int {
	return t.trackletLen
}

// Trajectory returns centers of the track's box recorded after activation and every association
func (t *Track) Trajectory() []Point {
	return t.trajectory
}

// MaxTrackLen returns max number of trajectory points
func (t *Track) MaxTrackLen() int {
	return t.maxTrackLen
}

// SetMaxTrackLen sets max number of trajectory points. Oldest points are dropped first.
func (t *Track) SetMaxTrackLen(newMaxTrackLen int) {
	if newMaxTrackLen < 1 {
		newMaxTrackLen = 1
	}
	t.maxTrackLen = newMaxTrackLen
	if len(t.trajectory) > t.maxTrackLen {
		t.trajectory = t.trajectory[len(t.trajectory)-t.maxTrackLen:]
	}
}

func (t *Track) record() {
	t.trajectory = append(t.trajectory, t.TLWH().Center())
	if len(t.trajectory) > t.maxTrackLen {
		t.trajectory = t.trajectory[1:]
	}
}

// Activate starts new track: assigns fresh identifier and initiates Kalman belief.
// Only tracks started on the very first frame of a session are activated immediately,
// others stay unconfirmed until matched again.
func (t *Track) Activate(kf *KalmanFilter, frameID int, ids *IDCounter, firstFrame bool) error {
	if t.state != StateNew {
		return errors.Wrapf(ErrInvalidState, "can't activate track %d in state %s", t.id, t.state)
	}
	t.id = ids.Next()
	t.mean, t.cov = kf.Initiate(t.tlwh.XYAH())
	t.trackletLen = 0
	t.state = StateTracked
	t.activated = firstFrame
	t.frameID = frameID
	t.startFrame = frameID
	t.record()
	return nil
}

// Update refreshes tracked track with matched detection. Identifier is kept.
func (t *Track) Update(det Detection, kf *KalmanFilter, frameID int) error {
	return t.update(newCandidate(det), kf, frameID)
}

func (t *Track) update(c *candidate, kf *KalmanFilter, frameID int) error {
	if t.state != StateTracked {
		return errors.Wrapf(ErrInvalidState, "can't update track %d in state %s", t.id, t.state)
	}
	obs, decision, err := t.consult(c)
	if err != nil {
		return errors.Wrapf(err, "track %d", t.id)
	}
	t.frameID = frameID
	t.trackletLen++
	t.mean, t.cov = kf.Update(t.mean, t.cov, c.xyah)
	t.activated = true
	t.score = c.score
	t.record()
	return t.observe(c, obs, decision)
}

// ReActivate brings lost track back with matched detection.
// With keepID unset track gets fresh identifier.
func (t *Track) ReActivate(det Detection, kf *KalmanFilter, frameID int, ids *IDCounter, keepID bool) error {
	return t.reActivate(newCandidate(det), kf, frameID, ids, keepID)
}

func (t *Track) reActivate(c *candidate, kf *KalmanFilter, frameID int, ids *IDCounter, keepID bool) error {
	if t.state != StateLost {
		return errors.Wrapf(ErrInvalidState, "can't re-activate track %d in state %s", t.id, t.state)
	}
	obs, decision, err := t.consult(c)
	if err != nil {
		return errors.Wrapf(err, "track %d", t.id)
	}
	t.mean, t.cov = kf.Update(t.mean, t.cov, c.xyah)
	t.trackletLen = 0
	t.state = StateTracked
	t.activated = true
	t.frameID = frameID
	t.score = c.score
	if !keepID {
		t.id = ids.Next()
	}
	t.record()
	return t.observe(c, obs, decision)
}

// consult computes observation for candidate and asks policy. Nothing is mutated.
func (t *Track) consult(c *candidate) (Observation, Decision, error) {
	obs := t.gallery.Observe(c.score, c.feat)
	if t.freezeGallery {
		return obs, DecisionReject, nil
	}
	decision, err := decide(t.policy, obs, t.gallery.Size())
	return obs, decision, err
}

// observe stores observation and applies admission decision
func (t *Track) observe(c *candidate, obs Observation, decision Decision) error {
	t.lastObs = obs
	t.currFeat = c.feat
	t.admitted = false
	if t.freezeGallery {
		return nil
	}
	if err := t.gallery.Admit(c.feat, decision); err != nil {
		return err
	}
	t.admitted = decision == DecisionAdmit
	return nil
}

// ApplyDecision applies externally made admission decision to the embedding of last associated detection.
// It is meant for decision sources that act after the frame has been processed.
// An embedding is stored at most once: admitting it again is no-op.
func (t *Track) ApplyDecision(decision Decision) error {
	if t.state != StateTracked {
		return errors.Wrapf(ErrInvalidState, "can't change gallery of track %d in state %s", t.id, t.state)
	}
	if t.freezeGallery {
		return nil
	}
	if t.admitted && decision == DecisionAdmit {
		return nil
	}
	if err := t.gallery.Admit(t.currFeat, decision); err != nil {
		return err
	}
	t.admitted = t.admitted || decision == DecisionAdmit
	return nil
}

// MarkLost moves tracked track to lost
func (t *Track) MarkLost() error {
	if t.state != StateTracked {
		return errors.Wrapf(ErrInvalidState, "can't mark track %d lost in state %s", t.id, t.state)
	}
	t.state = StateLost
	return nil
}

// MarkRemoved moves tracked or lost track to terminal state
func (t *Track) MarkRemoved() error {
	if t.state != StateTracked && t.state != StateLost {
		return errors.Wrapf(ErrInvalidState, "can't remove track %d in state %s", t.id, t.state)
	}
	t.state = StateRemoved
	return nil
}

// Clone returns deep copy of track. Policy is shared.
func (t *Track) Clone() *Track {
	cpy := *t
	cpy.gallery = t.gallery.Clone()
	if t.currFeat != nil {
		cpy.currFeat = append([]float64(nil), t.currFeat...)
	}
	cpy.trajectory = append(make([]Point, 0, cap(t.trajectory)), t.trajectory...)
	return &cpy
}

// CmpTrackID compares tracks by identifier
func CmpTrackID(t1, t2 *Track) int {
	if t1.id < t2.id {
		return -1
	}
	if t1.id > t2.id {
		return 1
	}
	return 0
}
