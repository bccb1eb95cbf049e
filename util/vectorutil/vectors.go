package vectorutil

import (
	"errors"
	"math"
	"slices"

	"golang.org/x/exp/constraints"
)

var errEmptySlice = errors.New("attempted to calculate argmax of empty slice")

// SoftMax take a vector and calculate softmax scores of its values.
// The maximum logit is subtracted before exponentiating so large logits do not overflow.
func SoftMax[T constraints.Float](vector []T) []T {
	if len(vector) == 0 {
		return []T{}
	}
	maxLogit := slices.Max(vector)
	shiftedExp := make([]float64, len(vector))
	for i, logit := range vector {
		shiftedExp[i] = math.Exp(float64(logit - maxLogit))
	}
	sumExp := SumSlice(shiftedExp)
	scores := make([]T, len(vector))
	for i, exp := range shiftedExp {
		scores[i] = T(exp / sumExp)
	}
	return scores
}

func SumSlice[T constraints.Float | constraints.Integer](s []T) T {
	var sum T
	for _, v := range s {
		sum += v
	}
	return sum
}

// ArgMax find both index of max value in s and max value.
// Ties resolve to the lowest index.
func ArgMax[T constraints.Float](s []T) (int, T, error) {
	if len(s) == 0 {
		return 0, 0, errEmptySlice
	}
	maxIndex := 0
	maxValue := s[0]
	for i, v := range s {
		if v > maxValue {
			maxValue = v
			maxIndex = i
		}
	}
	return maxIndex, maxValue, nil
}

// TopK returns the indices of the k largest values in descending order.
// Equal values keep their original order.
func TopK[T constraints.Float](s []T, k int) []int {
	indices := make([]int, len(s))
	for i := range s {
		indices[i] = i
	}
	slices.SortStableFunc(indices, func(a, b int) int {
		switch {
		case s[a] > s[b]:
			return -1
		case s[a] < s[b]:
			return 1
		default:
			return 0
		}
	})
	if k < 0 || k > len(indices) {
		k = len(indices)
	}
	return indices[:k]
}

// AllFinite reports the index of the first NaN or infinite value, or -1.
func AllFinite[T constraints.Float](s []T) int {
	for i, v := range s {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return i
		}
	}
	return -1
}
