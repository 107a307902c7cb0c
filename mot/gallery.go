package mot

import (
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
)

// Observation is the input of admission decision: confidence of the new
// detection and its worst-case similarity to the stored appearances.
type Observation struct {
	Score         float64
	MinSimilarity float64
}

// Gallery is ordered collection of unit-normalized appearance embeddings of a single track.
// The smooth feature is the normalized mean of every stored embedding and is what
// appearance distances are computed against.
type Gallery struct {
	features [][]float64
	smooth   []float64
	// Number of most recent entries scanned by MinSimilarity. Zero means whole gallery.
	lookup int
}

// NewGallery creates empty gallery. Lookup limits similarity queries to most recent entries (0 - no limit).
func NewGallery(lookup int) *Gallery {
	return &Gallery{
		features: make([][]float64, 0, 8),
		lookup:   lookup,
	}
}

// Seed admits embedding unconditionally
func (g *Gallery) Seed(embedding []float64) {
	feat, _ := normalize(embedding)
	g.features = append(g.features, feat)
	g.refresh()
}

// Size returns number of stored embeddings
func (g *Gallery) Size() int {
	return len(g.features)
}

// Features returns stored embeddings. Be careful: this is not copy, but reference.
// Entries may be shared with clones and must not be modified.
func (g *Gallery) Features() [][]float64 {
	return g.features
}

// SmoothFeature returns aggregate descriptor. Be careful: this is not copy, but reference
func (g *Gallery) SmoothFeature() []float64 {
	return g.smooth
}

// MinSimilarity returns the minimum cosine similarity between query and stored embeddings
// and index of that embedding. A query only resembles the track if it resembles every stored appearance.
// Empty gallery gives (1, -1).
func (g *Gallery) MinSimilarity(query []float64) (float64, int) {
	minSim := 1.0
	idx := -1
	start := 0
	if g.lookup > 0 && len(g.features) > g.lookup {
		start = len(g.features) - g.lookup
	}
	for i := start; i < len(g.features); i++ {
		sim := cosineSimilarity(query, g.features[i])
		if idx == -1 || sim < minSim {
			minSim = sim
			idx = i
		}
	}
	return minSim, idx
}

// Observe builds admission observation for new detection. Gallery is not mutated.
func (g *Gallery) Observe(score float64, embedding []float64) Observation {
	sim, _ := g.MinSimilarity(embedding)
	return Observation{
		Score:         score,
		MinSimilarity: sim,
	}
}

// Admit applies admission decision. Embedding is appended on DecisionAdmit; smooth feature
// is recomputed for any valid decision.
func (g *Gallery) Admit(embedding []float64, decision Decision) error {
	switch decision {
	case DecisionAdmit:
		feat, _ := normalize(embedding)
		g.features = append(g.features, feat)
	case DecisionReject:
	default:
		return errors.Wrapf(ErrPolicy, "unknown decision %d", decision)
	}
	g.refresh()
	return nil
}

// refresh recomputes smooth feature as normalized mean of stored embeddings.
// Zero mean leaves zero descriptor which compares as maximally dissimilar to everything.
func (g *Gallery) refresh() {
	if len(g.features) == 0 {
		g.smooth = nil
		return
	}
	mean := make([]float64, len(g.features[0]))
	for _, feat := range g.features {
		floats.Add(mean, feat)
	}
	floats.Scale(1.0/float64(len(g.features)), mean)
	g.smooth, _ = normalize(mean)
}

// Clone returns copy of gallery which shares stored embeddings with the original.
// Embeddings are never mutated once stored and smooth feature is replaced on every refresh,
// so only the index slice is copied. Capacity is clipped so appends on either side never alias.
func (g *Gallery) Clone() *Gallery {
	n := len(g.features)
	return &Gallery{
		features: g.features[:n:n],
		smooth:   g.smooth,
		lookup:   g.lookup,
	}
}

// normalize returns unit L2 copy of vector. Zero or non-finite norm gives zero vector and false.
func normalize(v []float64) ([]float64, bool) {
	out := make([]float64, len(v))
	norm := floats.Norm(v, 2)
	if norm == 0 || math.IsNaN(norm) || math.IsInf(norm, 0) {
		return out, false
	}
	floats.ScaleTo(out, 1.0/norm, v)
	return out, true
}

// cosineSimilarity of two vectors clamped into [-1, 1]. Zero vector on either side gives -1.
func cosineSimilarity(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return -1
	}
	na := floats.Norm(a, 2)
	nb := floats.Norm(b, 2)
	if na == 0 || nb == 0 {
		return -1
	}
	sim := floats.Dot(a, b) / (na * nb)
	if sim > 1 {
		return 1
	}
	if sim < -1 {
		return -1
	}
	return sim
}
