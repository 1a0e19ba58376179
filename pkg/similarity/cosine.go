// Package similarity provides vector similarity utilities.
package similarity

import "math"

// Cosine calculates the cosine similarity between two equal-length vectors:
// dot(a,b) / (‖a‖·‖b‖). Returns a value between -1 and 1 for non-degenerate
// input. If either vector has zero magnitude, or the lengths differ, the
// result is NaN; callers must treat non-finite scores as "no match".
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) {
		return math.NaN()
	}

	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}

	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// Finite reports whether a score is a usable similarity value.
// NaN and infinities come from degenerate (zero) vectors.
func Finite(score float64) bool {
	return !math.IsNaN(score) && !math.IsInf(score, 0)
}
