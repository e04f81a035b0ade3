package ucp

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"strconv"

	"github.com/patrickwarner/openadbuyer/internal/models"
)

// CreateEmbedding wraps vector with a descriptor for the default model. A nil
// consent is replaced with DefaultConsent.
func CreateEmbedding(vector []float64, et EmbeddingType, st SignalType, consent *Consent) (*Embedding, error) {
	dim := len(vector)
	if dim < MinDimension || dim > MaxDimension {
		return nil, &models.ValidationError{
			Fields: []string{"vector"},
			Reason: fmt.Sprintf("embedding dimension %d outside %d-%d", dim, MinDimension, MaxDimension),
		}
	}
	c := DefaultConsent()
	if consent != nil {
		c = *consent
	}
	return &Embedding{
		EmbeddingType: et,
		SignalType:    st,
		Vector:        vector,
		Dimension:     dim,
		Model: ModelDescriptor{
			ID:        DefaultModelID,
			Version:   DefaultModelVersion,
			Dimension: dim,
			Metric:    MetricCosine,
		},
		Consent: c,
	}, nil
}

// Similarity compares two equal-length vectors. Callers check dimensions first.
func Similarity(a, b []float64, metric SimilarityMetric) float64 {
	switch metric {
	case MetricDot:
		return dot(a, b)
	case MetricL2:
		var sum float64
		for i := range a {
			d := a[i] - b[i]
			sum += d * d
		}
		return math.Sqrt(sum)
	default:
		na, nb := math.Sqrt(dot(a, a)), math.Sqrt(dot(b, b))
		if na == 0 || nb == 0 {
			return 0
		}
		return dot(a, b) / (na * nb)
	}
}

func dot(a, b []float64) float64 {
	var sum float64
	for i := range a {
		sum += a[i] * b[i]
	}
	return sum
}

// VectorSource turns audience requirements into a vector.
type VectorSource interface {
	Vector(requirements map[string]any, dimension int) ([]float64, error)
}

// SyntheticSource derives a deterministic unit vector from a hash of the
// requirements. It stands in for a trained signal model: equal requirements
// always produce equal vectors, and scores carry no meaning beyond that.
type SyntheticSource struct{}

// Vector seeds a Gaussian generator with the first 32 bits of the SHA-256 of
// the canonical (key-sorted) JSON encoding of requirements.
func (SyntheticSource) Vector(requirements map[string]any, dimension int) ([]float64, error) {
	canonical, err := json.Marshal(requirements)
	if err != nil {
		return nil, fmt.Errorf("encode requirements: %w", err)
	}
	sum := sha256.Sum256(canonical)
	seed, err := strconv.ParseInt(hex.EncodeToString(sum[:])[:8], 16, 64)
	if err != nil {
		return nil, fmt.Errorf("derive seed: %w", err)
	}

	rng := rand.New(rand.NewSource(seed))
	vec := make([]float64, dimension)
	for i := range vec {
		vec[i] = rng.NormFloat64()
	}
	norm := math.Sqrt(dot(vec, vec))
	if norm > 0 {
		for i := range vec {
			vec[i] /= norm
		}
	}
	return vec, nil
}

// Classify maps a similarity score to a validation status and compatibility flag.
func Classify(score float64) (string, bool) {
	switch {
	case score >= 0.70:
		return StatusValid, true
	case score >= 0.50:
		return StatusPartialMatch, true
	case score >= 0.30:
		return StatusPartialMatch, false
	default:
		return StatusNoMatch, false
	}
}
