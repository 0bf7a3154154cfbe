package vectorutil

import (
	"fmt"
	"math"
	"slices"
	"sort"
)

// LogSoftMax returns the natural-log probabilities of a logit vector. The maximum is subtracted
// before exponentiating and the accumulation runs in float64.
func LogSoftMax(vector []float32) []float64 {
	if len(vector) == 0 {
		return nil
	}
	maxLogit := float64(slices.Max(vector))
	sumExp := 0.0
	for _, logit := range vector {
		sumExp += math.Exp(float64(logit) - maxLogit)
	}
	logSumExp := maxLogit + math.Log(sumExp)
	out := make([]float64, len(vector))
	for i, logit := range vector {
		out[i] = float64(logit) - logSumExp
	}
	return out
}

// LogProbAt is LogSoftMax(vector)[index] without materialising the whole distribution.
func LogProbAt(vector []float32, index int) (float64, error) {
	if index < 0 || index >= len(vector) {
		return 0, fmt.Errorf("index %d out of range for vector of length %d", index, len(vector))
	}
	maxLogit := float64(slices.Max(vector))
	sumExp := 0.0
	for _, logit := range vector {
		sumExp += math.Exp(float64(logit) - maxLogit)
	}
	return float64(vector[index]) - maxLogit - math.Log(sumExp), nil
}

// ArgSortDesc returns the indices of s ordered by decreasing value. Ties keep index order.
func ArgSortDesc(s []float64) []int {
	indices := make([]int, len(s))
	for i := range indices {
		indices[i] = i
	}
	sort.SliceStable(indices, func(a, b int) bool {
		return s[indices[a]] > s[indices[b]]
	})
	return indices
}
