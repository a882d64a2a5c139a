// Package ltr implements learned-to-rank reranking: pairwise feature
// extraction, training dataset construction from user feedback, and two
// trainer backends (gradient-boosted trees and a feed-forward network)
// behind a common interface.
package ltr

import (
	"fmt"
	"math"
)

// Scheme selects the feature layout. Training and inference must use the
// same scheme; mixing them silently produces garbage predictions.
type Scheme string

const (
	// SchemeCompact is 10 statistical features, suited to the tree backend.
	SchemeCompact Scheme = "compact"

	// SchemeWide is the raw vector concatenation (3d) plus the 6
	// similarity/distance features, suited to the neural backend.
	SchemeWide Scheme = "wide"
)

// ParseScheme converts a config string to a Scheme.
func ParseScheme(s string) (Scheme, error) {
	switch Scheme(s) {
	case SchemeCompact, SchemeWide:
		return Scheme(s), nil
	}
	return "", fmt.Errorf("unknown feature scheme %q", s)
}

// compactFeatureNames is the fixed order of the compact scheme.
var compactFeatureNames = []string{
	"query_candidate_sim",
	"query_reference_sim",
	"candidate_reference_sim",
	"sim_diff",
	"query_candidate_dist",
	"query_reference_dist",
	"dist_diff",
	"query_norm",
	"candidate_norm",
	"reference_norm",
}

// Extractor computes pairwise ranking features from
// (query, candidate, reference) vector triples. It is stateless and
// deterministic; inputs are never mutated.
type Extractor struct {
	scheme Scheme
	dim    int
}

// NewExtractor creates an extractor for vectors of the given dimension.
func NewExtractor(scheme Scheme, dim int) (*Extractor, error) {
	if dim <= 0 {
		return nil, fmt.Errorf("vector dimension must be positive, got %d", dim)
	}
	switch scheme {
	case SchemeCompact, SchemeWide:
	default:
		return nil, fmt.Errorf("unknown feature scheme %q", scheme)
	}
	return &Extractor{scheme: scheme, dim: dim}, nil
}

// Scheme returns the configured feature scheme.
func (e *Extractor) Scheme() Scheme {
	return e.scheme
}

// Dimension returns the expected input vector dimension.
func (e *Extractor) Dimension() int {
	return e.dim
}

// FeatureCount returns the length of the feature vectors this extractor emits.
func (e *Extractor) FeatureCount() int {
	if e.scheme == SchemeWide {
		return 3*e.dim + 6
	}
	return len(compactFeatureNames)
}

// FeatureNames returns feature names in extraction order.
func (e *Extractor) FeatureNames() []string {
	if e.scheme == SchemeCompact {
		names := make([]string, len(compactFeatureNames))
		copy(names, compactFeatureNames)
		return names
	}

	names := make([]string, 0, e.FeatureCount())
	for _, prefix := range []string{"query", "candidate", "reference"} {
		for i := 0; i < e.dim; i++ {
			names = append(names, fmt.Sprintf("%s_%d", prefix, i))
		}
	}
	names = append(names,
		"query_candidate_sim",
		"query_reference_sim",
		"candidate_reference_sim",
		"query_candidate_dist",
		"query_reference_dist",
		"candidate_reference_dist",
	)
	return names
}

// Extract computes the feature vector for one (query, candidate, reference)
// triple. During training the candidate is the chosen image and the
// reference a non-chosen one; during ranking inference the reference is the
// mean of the candidate batch. Nil or wrong-dimension inputs are treated as
// zero vectors so a degraded upstream never panics a request.
func (e *Extractor) Extract(query, candidate, reference []float32) []float64 {
	query = e.sanitize(query)
	candidate = e.sanitize(candidate)
	reference = e.sanitize(reference)

	if e.scheme == SchemeWide {
		return e.extractWide(query, candidate, reference)
	}
	return e.extractCompact(query, candidate, reference)
}

// sanitize replaces a vector of unexpected length with a zero vector of the
// configured dimension.
func (e *Extractor) sanitize(vec []float32) []float32 {
	if len(vec) != e.dim {
		return make([]float32, e.dim)
	}
	return vec
}

func (e *Extractor) extractCompact(query, candidate, reference []float32) []float64 {
	// Vectors arrive normalized from the embedding model, but norms are
	// computed rather than assumed to equal 1.
	qcSim := dot(query, candidate)
	qrSim := dot(query, reference)
	crSim := dot(candidate, reference)

	qcDist := euclidean(query, candidate)
	qrDist := euclidean(query, reference)

	return []float64{
		qcSim,
		qrSim,
		crSim,
		qcSim - qrSim,
		qcDist,
		qrDist,
		// Smaller distance is better, so reference minus candidate.
		qrDist - qcDist,
		norm(query),
		norm(candidate),
		norm(reference),
	}
}

func (e *Extractor) extractWide(query, candidate, reference []float32) []float64 {
	features := make([]float64, 0, e.FeatureCount())
	for _, vec := range [][]float32{query, candidate, reference} {
		for _, v := range vec {
			features = append(features, float64(v))
		}
	}
	features = append(features,
		dot(query, candidate),
		dot(query, reference),
		dot(candidate, reference),
		euclidean(query, candidate),
		euclidean(query, reference),
		euclidean(candidate, reference),
	)
	return features
}

// RankingFeatures computes feature rows for a batch of candidates against
// one query. The reference role is filled by the element-wise mean of the
// candidate vectors present in the batch, so each candidate is scored
// against the average of its peers. Candidates without a usable vector
// (missing, or the wrong dimension) get a zero feature row; if no candidate
// has one, every row is zero.
func (e *Extractor) RankingFeatures(query []float32, candidateVectors [][]float32) [][]float64 {
	rows := make([][]float64, len(candidateVectors))

	reference := meanVector(candidateVectors, e.dim)
	if reference == nil {
		for i := range rows {
			rows[i] = make([]float64, e.FeatureCount())
		}
		return rows
	}

	for i, vec := range candidateVectors {
		if len(vec) != e.dim {
			rows[i] = make([]float64, e.FeatureCount())
			continue
		}
		rows[i] = e.Extract(query, vec, reference)
	}
	return rows
}

// meanVector returns the element-wise mean of the non-empty vectors, or nil
// if there are none.
func meanVector(vectors [][]float32, dim int) []float32 {
	sum := make([]float64, dim)
	count := 0
	for _, vec := range vectors {
		if len(vec) != dim {
			continue
		}
		for i, v := range vec {
			sum[i] += float64(v)
		}
		count++
	}
	if count == 0 {
		return nil
	}

	mean := make([]float32, dim)
	for i, v := range sum {
		mean[i] = float32(v / float64(count))
	}
	return mean
}

func dot(a, b []float32) float64 {
	var sum float64
	for i := range a {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}

func norm(a []float32) float64 {
	var sum float64
	for _, v := range a {
		sum += float64(v) * float64(v)
	}
	return math.Sqrt(sum)
}

func euclidean(a, b []float32) float64 {
	var sum float64
	for i := range a {
		d := float64(a[i]) - float64(b[i])
		sum += d * d
	}
	return math.Sqrt(sum)
}
