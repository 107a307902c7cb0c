package mot

import (
	"fmt"
	"math/rand"

	"github.com/pkg/errors"
)

// Decision is outcome of gallery admission policy
type Decision uint8

const (
	// DecisionReject keeps gallery as is
	DecisionReject Decision = iota
	// DecisionAdmit appends new embedding to gallery
	DecisionAdmit
)

func (d Decision) String() string {
	switch d {
	case DecisionReject:
		return "reject"
	case DecisionAdmit:
		return "admit"
	default:
		return fmt.Sprintf("decision(%d)", uint8(d))
	}
}

// AdmissionPolicy decides whether new appearance sample of matched track goes into its gallery.
// Implementations may be deterministic heuristics or external decision sources (e.g. learned agent).
type AdmissionPolicy interface {
	Decide(obs Observation, gallerySize int) (Decision, error)
}

// PolicyFunc is an adapter to allow the use of ordinary functions as AdmissionPolicy
type PolicyFunc func(obs Observation, gallerySize int) (Decision, error)

// Decide calls f(obs, gallerySize)
func (f PolicyFunc) Decide(obs Observation, gallerySize int) (Decision, error) {
	return f(obs, gallerySize)
}

// GreedyPolicy admits every sample
type GreedyPolicy struct{}

// Decide always returns DecisionAdmit
func (GreedyPolicy) Decide(Observation, int) (Decision, error) {
	return DecisionAdmit, nil
}

// ThresholdPolicy admits samples which are confident and novel enough: score not less
// than MinScore and min similarity to gallery below MaxSimilarity. Galleries at MaxSize are not grown.
type ThresholdPolicy struct {
	MinScore      float64
	MaxSimilarity float64
	// Zero means no limit
	MaxSize int
}

// Decide applies thresholds
func (p ThresholdPolicy) Decide(obs Observation, gallerySize int) (Decision, error) {
	if p.MaxSize > 0 && gallerySize >= p.MaxSize {
		return DecisionReject, nil
	}
	if obs.Score >= p.MinScore && obs.MinSimilarity < p.MaxSimilarity {
		return DecisionAdmit, nil
	}
	return DecisionReject, nil
}

// RandomPolicy admits samples with probability P. Not safe for concurrent use.
type RandomPolicy struct {
	P   float64
	rnd *rand.Rand
}

// NewRandomPolicy creates seeded random policy
func NewRandomPolicy(p float64, seed int64) *RandomPolicy {
	return &RandomPolicy{
		P:   p,
		rnd: rand.New(rand.NewSource(seed)),
	}
}

// Decide draws decision
func (p *RandomPolicy) Decide(Observation, int) (Decision, error) {
	if p.rnd.Float64() < p.P {
		return DecisionAdmit, nil
	}
	return DecisionReject, nil
}

// decide consults policy and converts errors, panics and unknown decisions into ErrPolicy
func decide(policy AdmissionPolicy, obs Observation, gallerySize int) (decision Decision, err error) {
	if policy == nil {
		return DecisionReject, errors.Wrap(ErrPolicy, "no admission policy")
	}
	defer func() {
		if r := recover(); r != nil {
			decision = DecisionReject
			err = errors.Wrapf(ErrPolicy, "policy panicked: %v", r)
		}
	}()
	decision, err = policy.Decide(obs, gallerySize)
	if err != nil {
		return DecisionReject, errors.Wrapf(ErrPolicy, "policy failed: %v", err)
	}
	if decision != DecisionAdmit && decision != DecisionReject {
		return DecisionReject, errors.Wrapf(ErrPolicy, "policy returned unknown %s", decision)
	}
	return decision, nil
}
