package mot

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

const (
	ndim = 4

	// Chi2Inv95 is the 0.95 quantile of the chi-square distribution with 4 degrees of freedom.
	// Used as gating threshold for squared Mahalanobis distance in measurement space.
	Chi2Inv95 = 9.4877
	// Chi2Inv95Position is the same quantile for 2 degrees of freedom (position-only gating).
	Chi2Inv95Position = 5.9915

	defaultStdWeightPosition = 1.0 / 20
	defaultStdWeightVelocity = 1.0 / 160

	// Lower bound for posterior variances
	covarianceFloor = 1e-9
	choleskyJitter  = 1e-9
	choleskyRetries = 6
)

// StateMean is Kalman state: (cx, cy, a, h, vcx, vcy, va, vh).
type StateMean [2 * ndim]float64

// StateCov is 8x8 state covariance, row-major.
type StateCov [4 * ndim * ndim]float64

// Measurement is observed box in (cx, cy, a, h) form.
type Measurement [ndim]float64

// KalmanFilter is constant-velocity Kalman filter for bounding boxes in image space.
// Process and measurement noise are diagonal and scaled by current box height.
// The filter itself is stateless: beliefs are owned by tracks as plain arrays,
// so copying a track copies its belief.
type KalmanFilter struct {
	motionMat         *mat.Dense
	updateMat         *mat.Dense
	stdWeightPosition float64
	stdWeightVelocity float64
}

// NewKalmanFilter creates new filter with given noise weights (relative to box height)
func NewKalmanFilter(stdWeightPosition, stdWeightVelocity float64) *KalmanFilter {
	dt := 1.0
	motionMat := mat.NewDense(2*ndim, 2*ndim, nil)
	updateMat := mat.NewDense(ndim, 2*ndim, nil)
	for i := 0; i < 2*ndim; i++ {
		motionMat.Set(i, i, 1.0)
		if i < ndim {
			motionMat.Set(i, ndim+i, dt)
		}
	}
	for i := 0; i < ndim; i++ {
		updateMat.Set(i, i, 1.0)
	}
	return &KalmanFilter{
		motionMat:         motionMat,
		updateMat:         updateMat,
		stdWeightPosition: stdWeightPosition,
		stdWeightVelocity: stdWeightVelocity,
	}
}

// DefaultKalmanFilter creates filter with weights 1/20 (position) and 1/160 (velocity)
func DefaultKalmanFilter() *KalmanFilter {
	return NewKalmanFilter(defaultStdWeightPosition, defaultStdWeightVelocity)
}

// Initiate creates track belief from unassociated measurement.
// Velocities are zero, uncertainty is proportional to box height.
func (kf *KalmanFilter) Initiate(m Measurement) (StateMean, StateCov) {
	var mean StateMean
	copy(mean[:ndim], m[:])

	h := m[3]
	wp := kf.stdWeightPosition * h
	wv := kf.stdWeightVelocity * h
	std := [2 * ndim]float64{2 * wp, 2 * wp, 1e-2, 2 * wp, 10 * wv, 10 * wv, 1e-5, 10 * wv}

	var cov StateCov
	for i, s := range std {
		cov[i*2*ndim+i] = s * s
	}
	return mean, cov
}

// processNoise returns diagonal of motion noise covariance for given box height
func (kf *KalmanFilter) processNoise(h float64) [2 * ndim]float64 {
	wp := kf.stdWeightPosition * h
	wv := kf.stdWeightVelocity * h
	std := [2 * ndim]float64{wp, wp, 1e-2, wp, wv, wv, 1e-5, wv}
	for i := range std {
		std[i] *= std[i]
	}
	return std
}

// Predict runs prediction step for single belief
func (kf *KalmanFilter) Predict(mean StateMean, cov StateCov) (StateMean, StateCov) {
	means := []StateMean{mean}
	covs := []StateCov{cov}
	kf.MultiPredict(means, covs)
	return means[0], covs[0]
}

// MultiPredict runs prediction step for every belief in place.
// Means are advanced as one (n x 8) matrix product, covariances one by one.
func (kf *KalmanFilter) MultiPredict(means []StateMean, covs []StateCov) {
	n := len(means)
	if n == 0 {
		return
	}
	meansMat := mat.NewDense(n, 2*ndim, nil)
	for i := range means {
		meansMat.SetRow(i, means[i][:])
	}
	var predicted mat.Dense
	predicted.Mul(meansMat, kf.motionMat.T())

	var left, right mat.Dense
	for i := 0; i < n; i++ {
		// Noise is scaled by height before the step
		noise := kf.processNoise(means[i][3])
		covMat := mat.NewDense(2*ndim, 2*ndim, covs[i][:])
		left.Mul(kf.motionMat, covMat)
		right.Mul(&left, kf.motionMat.T())
		for j := 0; j < 2*ndim; j++ {
			right.Set(j, j, right.At(j, j)+noise[j])
		}
		copy(covs[i][:], right.RawMatrix().Data)
		copy(means[i][:], predicted.RawRowView(i))
	}
}

// Project maps belief into measurement space. Returns projected mean and 4x4 innovation covariance (row-major).
func (kf *KalmanFilter) Project(mean StateMean, cov StateCov) (Measurement, [ndim * ndim]float64) {
	wp := kf.stdWeightPosition * mean[3]
	std := [ndim]float64{wp, wp, 1e-1, wp}

	meanVec := mat.NewVecDense(2*ndim, mean[:])
	var projectedMean mat.VecDense
	projectedMean.MulVec(kf.updateMat, meanVec)

	covMat := mat.NewDense(2*ndim, 2*ndim, cov[:])
	var tmp, projectedCov mat.Dense
	tmp.Mul(kf.updateMat, covMat)
	projectedCov.Mul(&tmp, kf.updateMat.T())

	var m Measurement
	var s [ndim * ndim]float64
	for i := 0; i < ndim; i++ {
		m[i] = projectedMean.AtVec(i)
		for j := 0; j < ndim; j++ {
			s[i*ndim+j] = projectedCov.At(i, j)
		}
		s[i*ndim+i] += std[i] * std[i]
	}
	return m, s
}

// Update runs correction step and returns posterior belief.
// Degenerate innovation covariance is regularized with diagonal jitter and the
// posterior covariance is symmetrized with its diagonal clamped to a positive floor.
func (kf *KalmanFilter) Update(mean StateMean, cov StateCov, m Measurement) (StateMean, StateCov) {
	projectedMean, projectedCov := kf.Project(mean, cov)
	chol, ok := factorizeSym(projectedCov[:], ndim, true)
	if !ok {
		return mean, cov
	}

	covMat := mat.NewDense(2*ndim, 2*ndim, cov[:])
	var pht mat.Dense
	pht.Mul(covMat, kf.updateMat.T())

	// gainT = S^-1 * (P * H^T)^T, i.e. transposed Kalman gain (4 x 8)
	var gainT mat.Dense
	if err := chol.SolveTo(&gainT, pht.T()); err != nil {
		if _, isCond := err.(mat.Condition); !isCond {
			return mean, cov
		}
	}

	innovation := mat.NewVecDense(ndim, nil)
	for i := 0; i < ndim; i++ {
		innovation.SetVec(i, m[i]-projectedMean[i])
	}
	var delta mat.VecDense
	delta.MulVec(gainT.T(), innovation)

	var newMean StateMean
	for i := range newMean {
		newMean[i] = mean[i] + delta.AtVec(i)
	}

	s := mat.NewDense(ndim, ndim, projectedCov[:])
	var ks, kskt, updated mat.Dense
	ks.Mul(gainT.T(), s)
	kskt.Mul(&ks, &gainT)
	updated.Sub(covMat, &kskt)

	var newCov StateCov
	for i := 0; i < 2*ndim; i++ {
		for j := 0; j < 2*ndim; j++ {
			newCov[i*2*ndim+j] = 0.5 * (updated.At(i, j) + updated.At(j, i))
		}
		d := newCov[i*2*ndim+i]
		if d < covarianceFloor || math.IsNaN(d) {
			newCov[i*2*ndim+i] = covarianceFloor
		}
	}
	return newMean, newCov
}

// GatingDistance returns squared Mahalanobis distance between belief and every measurement.
// If onlyPosition is set, only (cx, cy) are compared.
// Singular innovation covariance yields +Inf for every measurement.
func (kf *KalmanFilter) GatingDistance(mean StateMean, cov StateCov, ms []Measurement, onlyPosition bool) []float64 {
	dists := make([]float64, len(ms))
	if len(ms) == 0 {
		return dists
	}
	projectedMean, projectedCov := kf.Project(mean, cov)
	dim := ndim
	if onlyPosition {
		dim = 2
	}
	data := make([]float64, dim*dim)
	for i := 0; i < dim; i++ {
		for j := 0; j < dim; j++ {
			data[i*dim+j] = projectedCov[i*ndim+j]
		}
	}
	chol, ok := factorizeSym(data, dim, false)
	if !ok {
		for k := range dists {
			dists[k] = math.Inf(1)
		}
		return dists
	}
	d := mat.NewVecDense(dim, nil)
	var z mat.VecDense
	for k, m := range ms {
		for i := 0; i < dim; i++ {
			d.SetVec(i, m[i]-projectedMean[i])
		}
		if err := chol.SolveVecTo(&z, d); err != nil {
			if _, isCond := err.(mat.Condition); !isCond {
				dists[k] = math.Inf(1)
				continue
			}
		}
		dists[k] = mat.Dot(d, &z)
	}
	return dists
}

// factorizeSym computes Cholesky factorization of symmetric part of n x n row-major matrix.
// With jitter enabled, failed factorization is retried with growing diagonal loading.
func factorizeSym(data []float64, n int, jitter bool) (*mat.Cholesky, bool) {
	sym := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			sym.SetSym(i, j, 0.5*(data[i*n+j]+data[j*n+i]))
		}
	}
	var chol mat.Cholesky
	if chol.Factorize(sym) {
		return &chol, true
	}
	if !jitter {
		return nil, false
	}
	load := choleskyJitter
	for attempt := 0; attempt < choleskyRetries; attempt++ {
		for i := 0; i < n; i++ {
			sym.SetSym(i, i, sym.At(i, i)+load)
		}
		if chol.Factorize(sym) {
			return &chol, true
		}
		load *= 100
	}
	return nil, false
}
