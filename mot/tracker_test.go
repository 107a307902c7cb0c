package mot

import (
	"fmt"
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/floats"
)

func newTestTracker(t *testing.T, policy AdmissionPolicy, options ...TrackerOption) *Tracker {
	t.Helper()
	SetLogger(t.Logf)
	t.Cleanup(func() { SetLogger(nil) })
	tracker, err := NewTracker(DefaultConfig(), policy, options...)
	require.NoError(t, err)
	return tracker
}

func outputIDs(tracks []*Track) []int {
	return trackIDs(tracks)
}

// requireConsistent checks container invariants of tracker after a frame
func requireConsistent(t *testing.T, tracker *Tracker, output []*Track) {
	t.Helper()
	seen := make(map[*Track]string)
	ids := make(map[int]bool)
	for _, track := range tracker.Tracked() {
		require.Equal(t, StateTracked, track.State())
		seen[track] = "tracked"
	}
	for _, track := range tracker.Lost() {
		require.Equal(t, StateLost, track.State())
		_, ok := seen[track]
		require.False(t, ok, "track %d is both tracked and lost", track.ID())
		seen[track] = "lost"
	}
	for track := range seen {
		require.False(t, ids[track.ID()], "duplicated id %d", track.ID())
		ids[track.ID()] = true
		require.GreaterOrEqual(t, track.GallerySize(), 1)
		require.LessOrEqual(t, track.ID(), tracker.ids.Last())
		if norm := floats.Norm(track.SmoothFeature(), 2); norm != 0 {
			require.InDelta(t, 1.0, norm, 1e-9)
		}
	}
	for _, track := range tracker.Removed() {
		require.Equal(t, StateRemoved, track.State())
		_, ok := seen[track]
		require.False(t, ok)
	}
	for i, track := range output {
		require.True(t, track.IsActivated())
		require.Equal(t, StateTracked, track.State())
		if i > 0 {
			require.Less(t, output[i-1].ID(), track.ID())
		}
	}
}

func TestTrackerKeepsIdentity(t *testing.T) {
	tracker := newTestTracker(t, GreedyPolicy{})

	output, err := tracker.Update([]Detection{newTestDetection(100, 100, 50, 100, 0.9, 1, 0, 0)}, 1)
	require.NoError(t, err)
	require.Equal(t, []int{1}, outputIDs(output))
	require.True(t, output[0].IsActivated())
	require.Equal(t, 1, output[0].GallerySize())

	output, err = tracker.Update([]Detection{newTestDetection(102, 101, 50, 100, 0.8, 1, 0, 0)}, 2)
	require.NoError(t, err)
	require.Equal(t, []int{1}, outputIDs(output))
	require.Equal(t, 2, output[0].GallerySize())
	require.Equal(t, 1, output[0].TrackletLen())
	require.Equal(t, 0.8, output[0].Score())
	require.Equal(t, 2, tracker.FrameID())
	requireConsistent(t, tracker, output)
}

func TestTrackerSpawnsTracks(t *testing.T) {
	tracker := newTestTracker(t, GreedyPolicy{})
	output, err := tracker.Update([]Detection{
		newTestDetection(600, 100, 50, 100, 0.9, 0, 1),
		newTestDetection(0, 0, 50, 100, 0.9, 1, 0),
		newTestDetection(300, 300, 50, 100, 0.3, 1, 1),
	}, 1)
	require.NoError(t, err)
	require.Equal(t, []int{1, 2}, outputIDs(output))
	require.Len(t, tracker.Tracked(), 2)
	require.Equal(t, 600.0, output[0].TLWH().X)
	requireConsistent(t, tracker, output)
}

func TestTrackerLostAndRemoved(t *testing.T) {
	tracker := newTestTracker(t, GreedyPolicy{})
	_, err := tracker.Update([]Detection{newTestDetection(100, 100, 50, 100, 0.9, 1, 0)}, 1)
	require.NoError(t, err)

	output, err := tracker.Update(nil, 2)
	require.NoError(t, err)
	require.Len(t, output, 0)
	require.Len(t, tracker.Tracked(), 0)
	lost := tracker.Lost()
	require.Len(t, lost, 1)
	require.Equal(t, 1, lost[0].ID())
	require.Equal(t, 1, lost[0].EndFrame())
	requireConsistent(t, tracker, output)

	maxTimeLost := tracker.Config().MaxTimeLost()
	require.Equal(t, 30, maxTimeLost)
	for frame := 3; frame <= 1+maxTimeLost; frame++ {
		output, err = tracker.Update([]Detection{}, frame)
		require.NoError(t, err)
		require.Len(t, tracker.Lost(), 1, "frame %d", frame)
		requireConsistent(t, tracker, output)
	}

	_, err = tracker.Update(nil, 2+maxTimeLost)
	require.NoError(t, err)
	require.Len(t, tracker.Lost(), 0)
	removed := tracker.Removed()
	require.Len(t, removed, 1)
	require.Equal(t, 1, removed[0].ID())
	require.Equal(t, StateRemoved, removed[0].State())

	_, err = tracker.Update(nil, 3+maxTimeLost)
	require.NoError(t, err)
	require.Len(t, tracker.Removed(), 0)
}

func TestTrackerRecoversLostTrack(t *testing.T) {
	tracker := newTestTracker(t, GreedyPolicy{})
	det := newTestDetection(100, 100, 50, 100, 0.9, 1, 0)
	_, err := tracker.Update([]Detection{det}, 1)
	require.NoError(t, err)
	_, err = tracker.Update(nil, 2)
	require.NoError(t, err)
	_, err = tracker.Update(nil, 3)
	require.NoError(t, err)
	require.Len(t, tracker.Lost(), 1)

	output, err := tracker.Update([]Detection{det}, 4)
	require.NoError(t, err)
	require.Equal(t, []int{1}, outputIDs(output))
	require.Len(t, tracker.Lost(), 0)
	require.Equal(t, 0, output[0].TrackletLen())
	require.Equal(t, 4, output[0].EndFrame())
	require.Equal(t, 2, output[0].GallerySize())
	requireConsistent(t, tracker, output)
}

func TestTrackerUnconfirmedTracks(t *testing.T) {
	tracker := newTestTracker(t, GreedyPolicy{})
	a := newTestDetection(0, 0, 50, 100, 0.9, 1, 0)
	b := newTestDetection(500, 300, 50, 100, 0.9, 0, 1)
	c := newTestDetection(900, 50, 50, 100, 0.9, 1, 1)

	output, err := tracker.Update([]Detection{a}, 1)
	require.NoError(t, err)
	require.Equal(t, []int{1}, outputIDs(output))

	// Tracks started after the first frame wait for confirmation
	output, err = tracker.Update([]Detection{a, b, c}, 2)
	require.NoError(t, err)
	require.Equal(t, []int{1}, outputIDs(output))
	require.Len(t, tracker.Tracked(), 3)
	requireConsistent(t, tracker, output)

	// b is confirmed, c is not seen again and discarded
	output, err = tracker.Update([]Detection{a, b}, 3)
	require.NoError(t, err)
	require.Equal(t, []int{1, 2}, outputIDs(output))
	require.True(t, output[1].IsActivated())
	removed := tracker.Removed()
	require.Len(t, removed, 1)
	require.Equal(t, 3, removed[0].ID())
	requireConsistent(t, tracker, output)

	// Discarded identity is never handed out again
	output, err = tracker.Update([]Detection{a, b, c}, 4)
	require.NoError(t, err)
	require.Equal(t, []int{1, 2}, outputIDs(output))
	require.Equal(t, 4, tracker.ids.Last())
}

func TestTrackerIoUFallback(t *testing.T) {
	tracker := newTestTracker(t, GreedyPolicy{})
	_, err := tracker.Update([]Detection{newTestDetection(100, 100, 50, 100, 0.9, 1, 0)}, 1)
	require.NoError(t, err)

	// Appearance changes completely, but the box overlaps
	output, err := tracker.Update([]Detection{newTestDetection(104, 100, 50, 100, 0.9, 0, 1)}, 2)
	require.NoError(t, err)
	require.Equal(t, []int{1}, outputIDs(output))
	require.Equal(t, 2, output[0].GallerySize())
	require.InDelta(t, 0.0, output[0].LastObservation().MinSimilarity, eps)
}

func TestTrackerSolvers(t *testing.T) {
	for _, solver := range []AssignmentSolver{SolverKuhnMunkres, SolverHungarian, SolverGreedy} {
		t.Run(solver.String(), func(t *testing.T) {
			tracker := newTestTracker(t, GreedyPolicy{}, WithSolver(solver), WithKalmanFilter(DefaultKalmanFilter()))
			first := []Detection{
				newTestDetection(0, 0, 50, 100, 0.9, 1, 0),
				newTestDetection(400, 0, 50, 100, 0.9, 0, 1),
			}
			_, err := tracker.Update(first, 1)
			require.NoError(t, err)
			second := []Detection{
				newTestDetection(402, 1, 50, 100, 0.9, 0, 1),
				newTestDetection(2, 1, 50, 100, 0.9, 1, 0),
			}
			output, err := tracker.Update(second, 2)
			require.NoError(t, err)
			require.Equal(t, []int{1, 2}, outputIDs(output))
			require.InDelta(t, 0.0, output[0].TLWH().X, 2.0)
			require.InDelta(t, 400.0, output[1].TLWH().X, 2.0)
		})
	}
}

func TestTrackerPreconditions(t *testing.T) {
	tracker := newTestTracker(t, GreedyPolicy{})
	_, err := tracker.Update([]Detection{newTestDetection(0, 0, 50, 100, 0.9, 1, 0)}, 5)
	require.NoError(t, err)

	cases := []struct {
		name    string
		dets    []Detection
		frameID int
	}{
		{"negative frame", nil, -1},
		{"same frame", nil, 5},
		{"past frame", nil, 4},
		{"zero width", []Detection{newTestDetection(0, 0, 0, 100, 0.9, 1, 0)}, 6},
		{"negative height", []Detection{newTestDetection(0, 0, 50, -1, 0.9, 1, 0)}, 6},
		{"nan box", []Detection{newTestDetection(math.NaN(), 0, 50, 100, 0.9, 1, 0)}, 6},
		{"nan score", []Detection{newTestDetection(0, 0, 50, 100, math.NaN(), 1, 0)}, 6},
		{"empty embedding", []Detection{newTestDetection(0, 0, 50, 100, 0.9)}, 6},
		{"embedding size", []Detection{newTestDetection(0, 0, 50, 100, 0.9, 1, 0, 0)}, 6},
		{"mixed embedding sizes", []Detection{
			newTestDetection(0, 0, 50, 100, 0.9, 1, 0),
			newTestDetection(0, 0, 50, 100, 0.9, 1),
		}, 6},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			output, err := tracker.Update(tc.dets, tc.frameID)
			require.ErrorIs(t, err, ErrPrecondition)
			require.Nil(t, output)
			require.Equal(t, 5, tracker.FrameID())
			require.Len(t, tracker.Tracked(), 1)
			require.Equal(t, 1, tracker.Tracked()[0].GallerySize())
		})
	}

	_, err = tracker.UpdateRaw([][5]float64{{0, 0, 50, 100, 0.9}}, nil, 6)
	require.ErrorIs(t, err, ErrPrecondition)

	output, err := tracker.UpdateRaw([][5]float64{{0, 0, 50, 100, 0.9}}, [][]float64{{1, 0}}, 6)
	require.NoError(t, err)
	require.Equal(t, []int{1}, outputIDs(output))
}

func TestTrackerPolicyFailure(t *testing.T) {
	fail := false
	policy := PolicyFunc(func(Observation, int) (Decision, error) {
		if fail {
			return DecisionReject, fmt.Errorf("agent is down")
		}
		return DecisionAdmit, nil
	})
	tracker := newTestTracker(t, policy)
	first := []Detection{
		newTestDetection(0, 0, 50, 100, 0.9, 1, 0),
		newTestDetection(400, 0, 50, 100, 0.9, 0, 1),
	}
	_, err := tracker.Update(first, 1)
	require.NoError(t, err)
	before := tracker.Snapshot()

	fail = true
	second := []Detection{
		newTestDetection(1, 0, 50, 100, 0.9, 1, 0),
		newTestDetection(401, 0, 50, 100, 0.9, 0, 1),
		newTestDetection(800, 0, 50, 100, 0.9, 1, 1),
	}
	output, err := tracker.Update(second, 2)
	require.ErrorIs(t, err, ErrPolicy)
	require.Nil(t, output)
	require.Equal(t, 1, tracker.FrameID())
	require.Equal(t, 2, tracker.ids.Last())
	for _, track := range tracker.Tracked() {
		require.Equal(t, 1, track.GallerySize())
		require.Equal(t, 1, track.EndFrame())
	}
	requireSnapshotEqual(t, before, tracker.Snapshot())

	fail = false
	output, err = tracker.Update(second, 2)
	require.NoError(t, err)
	require.Equal(t, []int{1, 2}, outputIDs(output))
	for _, track := range output {
		require.Equal(t, 2, track.GallerySize())
	}
	require.Len(t, tracker.Tracked(), 3)
}

func TestTrackerPolicyFailureWithoutRollback(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RollbackOnFailure = false
	failing := PolicyFunc(func(Observation, int) (Decision, error) {
		return DecisionReject, fmt.Errorf("agent is down")
	})
	tracker, err := NewTracker(cfg, failing)
	require.NoError(t, err)
	_, err = tracker.Update([]Detection{newTestDetection(0, 0, 50, 100, 0.9, 1, 0)}, 1)
	require.NoError(t, err)
	_, err = tracker.Update([]Detection{newTestDetection(0, 0, 50, 100, 0.9, 1, 0)}, 2)
	require.ErrorIs(t, err, ErrPolicy)
	require.Equal(t, 2, tracker.FrameID())
}

func TestTrackerReset(t *testing.T) {
	tracker := newTestTracker(t, GreedyPolicy{})
	for frame := 1; frame <= 3; frame++ {
		_, err := tracker.Update([]Detection{
			newTestDetection(float64(frame), 0, 50, 100, 0.9, 1, 0),
			newTestDetection(300, float64(frame), 50, 100, 0.9, 0, 1),
		}, frame)
		require.NoError(t, err)
	}
	_, err := tracker.Update(nil, 4)
	require.NoError(t, err)
	require.Len(t, tracker.Lost(), 2)
	session := tracker.SessionID()

	tracker.Reset()
	require.Len(t, tracker.Tracked(), 0)
	require.Len(t, tracker.Lost(), 0)
	require.Len(t, tracker.Removed(), 0)
	require.Equal(t, -1, tracker.FrameID())
	require.Equal(t, session, tracker.SessionID())

	// Embedding dimension is learned again
	output, err := tracker.Update([]Detection{newTestDetection(0, 0, 50, 100, 0.9, 1, 0, 0, 0)}, 0)
	require.NoError(t, err)
	require.Equal(t, []int{1}, outputIDs(output))
	require.True(t, output[0].IsActivated())
}

func TestTrackerDuplicates(t *testing.T) {
	kf := DefaultKalmanFilter()
	ids := IDCounter{}
	box := newTestDetection(0, 0, 50, 100, 0.9, 1, 0)
	older := newActiveTrack(t, kf, &ids, box, GreedyPolicy{})
	older.frameID = 10
	younger := newActiveTrack(t, kf, &ids, box, GreedyPolicy{})
	younger.startFrame = 6
	younger.frameID = 8
	require.NoError(t, younger.MarkLost())
	far := newActiveTrack(t, kf, &ids, newTestDetection(500, 0, 50, 100, 0.9, 1, 0), GreedyPolicy{})

	tracked, lost, duplicates := removeDuplicateTracks([]*Track{older, far}, []*Track{younger}, 0.15)
	require.Equal(t, []*Track{older, far}, tracked)
	require.Len(t, lost, 0)
	require.Equal(t, []*Track{younger}, duplicates)

	// Equal age drops the tracked one
	younger.startFrame = 1
	younger.frameID = 10
	tracked, lost, duplicates = removeDuplicateTracks([]*Track{older}, []*Track{younger}, 0.15)
	require.Len(t, tracked, 0)
	require.Equal(t, []*Track{younger}, lost)
	require.Equal(t, []*Track{older}, duplicates)
}

func TestTrackerConfig(t *testing.T) {
	_, err := NewTracker(DefaultConfig(), nil)
	require.ErrorIs(t, err, ErrConfig)

	cfg := DefaultConfig()
	cfg.IoUThresh = 0
	_, err = NewTracker(cfg, GreedyPolicy{})
	require.ErrorIs(t, err, ErrConfig)

	var messages []string
	SetLogger(func(format string, v ...interface{}) {
		messages = append(messages, fmt.Sprintf(format, v...))
	})
	defer SetLogger(nil)

	cfg = DefaultConfig()
	cfg.Verbose = true
	cfg.Solver = "greedy"
	tracker, err := NewTracker(cfg, GreedyPolicy{})
	require.NoError(t, err)
	require.Equal(t, SolverGreedy, tracker.solver)
	require.Len(t, messages, 2)
	require.Contains(t, messages[0], tracker.SessionID().String())
	require.Contains(t, messages[1], "approximate")

	_, err = tracker.Update([]Detection{newTestDetection(0, 0, 50, 100, 0.9, 1, 0)}, 1)
	require.NoError(t, err)
	require.Len(t, messages, 3)
	require.Contains(t, messages[2], "frame 1")

	messages = messages[:0]
	_, err = NewTracker(DefaultConfig(), GreedyPolicy{})
	require.NoError(t, err)
	require.Len(t, messages, 1)
}

// TestTrackerSequence runs a recorded multi-object sequence with identical appearances,
// so association is driven by motion and overlap only.
func TestTrackerSequence(t *testing.T) {
	bboxesIterations := [][]Rectangle{
		{NewRect(378.0, 147.0, 173.0, 243.0)},
		{NewRect(374.0, 147.0, 180.0, 253.0)},
		{NewRect(375.0, 154.0, 178.0, 256.0)},
		{NewRect(376.0, 162.0, 177.0, 267.0)},
		{NewRect(375.0, 166.0, 178.0, 268.0)},
		{NewRect(375.0, 177.0, 186.0, 266.0)},
		{NewRect(370.0, 185.0, 197.0, 273.0)},
		{NewRect(363.0, 209.0, 203.0, 264.0)},
		{NewRect(70.0, 14.0, 227.0, 254.0), NewRect(364.0, 214.0, 200.0, 262.0)},
		{NewRect(365.0, 218.0, 205.0, 263.0)},
		{NewRect(67.0, 23.0, 236.0, 246.0), NewRect(366.0, 231.0, 209.0, 260.0)},
		{NewRect(73.0, 18.0, 227.0, 264.0), NewRect(610.0, 47.0, 324.0, 355.0), NewRect(370.0, 238.0, 199.0, 259.0), NewRect(381.0, -1.0, 103.0, 60.0)},
		{NewRect(67.0, 16.0, 229.0, 271.0), NewRect(370.0, 250.0, 195.0, 264.0), NewRect(381.0, -2.0, 106.0, 58.0)},
		{NewRect(62.0, 15.0, 233.0, 268.0), NewRect(365.0, 257.0, 205.0, 264.0), NewRect(379.0, -1.0, 109.0, 59.0)},
		{NewRect(60.0, 7.0, 234.0, 279.0), NewRect(360.0, 269.0, 212.0, 260.0), NewRect(380.0, -1.0, 109.0, 60.0)},
		{NewRect(50.0, 41.0, 251.0, 295.0), NewRect(619.0, 25.0, 308.0, 399.0), NewRect(361.0, 276.0, 215.0, 265.0), NewRect(380.0, -1.0, 110.0, 63.0)},
		{NewRect(48.0, 36.0, 242.0, 302.0), NewRect(622.0, 21.0, 299.0, 411.0), NewRect(357.0, 283.0, 222.0, 255.0), NewRect(379.0, 0.0, 113.0, 64.0)},
		{NewRect(41.0, 28.0, 245.0, 319.0), NewRect(625.0, 31.0, 308.0, 392.0), NewRect(350.0, 306.0, 239.0, 231.0), NewRect(377.0, 0.0, 116.0, 65.0)},
		{NewRect(630.0, 98.0, 294.0, 324.0), NewRect(346.0, 310.0, 250.0, 239.0), NewRect(378.0, 0.0, 112.0, 65.0)},
		{NewRect(636.0, 99.0, 290.0, 323.0), NewRect(344.0, 320.0, 254.0, 229.0), NewRect(378.0, 2.0, 114.0, 65.0)},
		{NewRect(636.0, 103.0, 295.0, 318.0), NewRect(347.0, 332.0, 251.0, 211.0)},
		{NewRect(362.0, 1.0, 147.0, 90.0), NewRect(637.0, 104.0, 292.0, 321.0), NewRect(337.0, 344.0, 272.0, 196.0)},
		{NewRect(360.0, -2.0, 152.0, 97.0), NewRect(12.0, 74.0, 237.0, 324.0), NewRect(639.0, 104.0, 293.0, 316.0), NewRect(347.0, 350.0, 258.0, 185.0)},
		{NewRect(361.0, -4.0, 149.0, 99.0), NewRect(9.0, 112.0, 251.0, 313.0), NewRect(627.0, 106.0, 314.0, 321.0)},
		{NewRect(360.0, -3.0, 151.0, 99.0), NewRect(15.0, 115.0, 231.0, 311.0), NewRect(633.0, 91.0, 297.0, 346.0)},
		{NewRect(362.0, -7.0, 148.0, 106.0), NewRect(10.0, 109.0, 241.0, 320.0), NewRect(639.0, 93.0, 294.0, 347.0)},
		{NewRect(362.0, -9.0, 146.0, 109.0), NewRect(12.0, 109.0, 233.0, 326.0), NewRect(639.0, 95.0, 288.0, 347.0)},
	}

	tracker := newTestTracker(t, ThresholdPolicy{MinScore: 0.5, MaxSimilarity: 0.99, MaxSize: 10})
	for i, iteration := range bboxesIterations {
		dets := make([]Detection, len(iteration))
		for j, bbox := range iteration {
			dets[j] = Detection{Box: bbox, Score: 0.9, Embedding: []float64{1, 1, 1, 1}}
		}
		output, err := tracker.Update(dets, i+1)
		require.NoError(t, err, "frame %d", i+1)
		requireConsistent(t, tracker, output)
		if i < 8 {
			require.Equal(t, []int{1}, outputIDs(output), "frame %d", i+1)
		}
	}
}

func TestTrackerRandomSequences(t *testing.T) {
	rnd := rand.New(rand.NewSource(7))
	const dim = 8
	for run := 0; run < 5; run++ {
		tracker := newTestTracker(t, NewRandomPolicy(0.5, int64(run)))
		type object struct {
			box       Rectangle
			vx, vy    float64
			embedding []float64
		}
		objects := make([]object, 6)
		for i := range objects {
			embedding := make([]float64, dim)
			embedding[i%dim] = 1
			objects[i] = object{
				box:       NewRect(rnd.Float64()*1000, rnd.Float64()*500, 30+rnd.Float64()*50, 80+rnd.Float64()*100),
				vx:        rnd.NormFloat64() * 3,
				vy:        rnd.NormFloat64() * 3,
				embedding: embedding,
			}
		}
		for frame := 1; frame <= 60; frame++ {
			dets := make([]Detection, 0, len(objects))
			for i := range objects {
				objects[i].box.X += objects[i].vx
				objects[i].box.Y += objects[i].vy
				if rnd.Float64() < 0.2 {
					continue
				}
				embedding := append([]float64(nil), objects[i].embedding...)
				for k := range embedding {
					embedding[k] += rnd.NormFloat64() * 0.05
				}
				dets = append(dets, Detection{Box: objects[i].box, Score: 0.3 + 0.7*rnd.Float64(), Embedding: embedding})
			}
			// Spurious detection
			if rnd.Float64() < 0.3 {
				dets = append(dets, Detection{
					Box:       NewRect(rnd.Float64()*1000, rnd.Float64()*500, 40, 90),
					Score:     rnd.Float64(),
					Embedding: []float64{rnd.NormFloat64(), rnd.NormFloat64(), rnd.NormFloat64(), rnd.NormFloat64(), rnd.NormFloat64(), rnd.NormFloat64(), rnd.NormFloat64(), rnd.NormFloat64()},
				})
			}
			output, err := tracker.Update(dets, frame)
			require.NoError(t, err)
			requireConsistent(t, tracker, output)
		}
	}
}
