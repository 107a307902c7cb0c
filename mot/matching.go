package mot

import (
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// Cosine distance of pair with zero embedding on either side
const maxEmbeddingDistance = 2.0

// embeddingDistance returns max(0, 1 - cos) between tracks' smooth features (rows) and
// candidates' normalized embeddings (columns).
func embeddingDistance(tracks []*Track, cands []*candidate) [][]float64 {
	rows := len(tracks)
	cols := len(cands)
	dists := make([][]float64, rows)
	if rows == 0 || cols == 0 {
		for i := range dists {
			dists[i] = make([]float64, cols)
		}
		return dists
	}
	dim := len(cands[0].feat)

	tracksMat := mat.NewDense(rows, dim, nil)
	trackZero := make([]bool, rows)
	for i, track := range tracks {
		feat := track.SmoothFeature()
		tracksMat.SetRow(i, feat)
		trackZero[i] = floats.Norm(feat, 2) == 0
	}
	candsMat := mat.NewDense(cols, dim, nil)
	candZero := make([]bool, cols)
	for j, c := range cands {
		candsMat.SetRow(j, c.feat)
		candZero[j] = floats.Norm(c.feat, 2) == 0
	}

	var sim mat.Dense
	sim.Mul(tracksMat, candsMat.T())

	for i := 0; i < rows; i++ {
		row := make([]float64, cols)
		for j := 0; j < cols; j++ {
			if trackZero[i] || candZero[j] {
				row[j] = maxEmbeddingDistance
				continue
			}
			row[j] = math.Max(0, 1-sim.At(i, j))
		}
		dists[i] = row
	}
	return dists
}

// fuseMotion gates appearance cost by motion and blends both.
// Pairs with squared Mahalanobis distance above gate become +Inf, the rest are
// lambda*cost + (1-lambda)*distance/gate. Cost matrix is modified in place.
func fuseMotion(kf *KalmanFilter, cost [][]float64, tracks []*Track, cands []*candidate, lambda, gate float64) [][]float64 {
	if len(tracks) == 0 || len(cands) == 0 {
		return cost
	}
	measurements := make([]Measurement, len(cands))
	for j, c := range cands {
		measurements[j] = c.xyah
	}
	for i, track := range tracks {
		gating := kf.GatingDistance(track.mean, track.cov, measurements, false)
		for j, d := range gating {
			if d > gate || math.IsNaN(d) {
				cost[i][j] = math.Inf(1)
				continue
			}
			cost[i][j] = lambda*cost[i][j] + (1-lambda)*d/gate
		}
	}
	return cost
}

// tracksIoUDistance returns (1 - IoU) between tracks' current boxes and candidates' boxes
func tracksIoUDistance(tracks []*Track, cands []*candidate) [][]float64 {
	trackBoxes := make([]Rectangle, len(tracks))
	for i, track := range tracks {
		trackBoxes[i] = track.TLWH()
	}
	candBoxes := make([]Rectangle, len(cands))
	for j, c := range cands {
		candBoxes[j] = c.box
	}
	return iouDistance(trackBoxes, candBoxes)
}
