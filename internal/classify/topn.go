// Package classify turns model output scores into ranked, named predictions.
package classify

import (
	"cmp"
	"fmt"
	"math"
	"slices"
)

// Prediction is one class index with its score.
type Prediction struct {
	Index int     `json:"index"`
	Score float32 `json:"score"`
}

// TopN returns the n highest-scoring entries of scores, ordered by descending
// score with ties broken by ascending index. The result has min(n, len(scores))
// entries; n <= 0 or empty scores give an empty, non-nil slice.
func TopN(scores map[int]float32, n int) []Prediction {
	if n <= 0 || len(scores) == 0 {
		return []Prediction{}
	}

	all := make([]Prediction, 0, len(scores))
	for idx, s := range scores {
		all = append(all, Prediction{Index: idx, Score: s})
	}
	slices.SortFunc(all, comparePredictions)

	if n > len(all) {
		n = len(all)
	}
	return all[:n:n]
}

// comparePredictions orders by score descending, then index ascending.
// NaN scores sort after every number.
func comparePredictions(a, b Prediction) int {
	an, bn := isNaN(a.Score), isNaN(b.Score)
	switch {
	case an && !bn:
		return 1
	case bn && !an:
		return -1
	case !an && !bn && a.Score != b.Score:
		return cmp.Compare(b.Score, a.Score)
	}
	return cmp.Compare(a.Index, b.Index)
}

func isNaN(f float32) bool { return f != f }

// ScoresFromSlice maps position i of a flat output vector to class index i.
func ScoresFromSlice(out []float32) map[int]float32 {
	scores := make(map[int]float32, len(out))
	for i, v := range out {
		scores[i] = v
	}
	return scores
}

// Softmax converts logits to probabilities. It is stable for large inputs.
func Softmax(logits []float32) []float32 {
	if len(logits) == 0 {
		return []float32{}
	}
	maxv := logits[0]
	for _, v := range logits[1:] {
		if v > maxv {
			maxv = v
		}
	}

	out := make([]float32, len(logits))
	var sum float64
	for i, v := range logits {
		e := math.Exp(float64(v - maxv))
		out[i] = float32(e)
		sum += e
	}
	if sum == 0 || math.IsNaN(sum) || math.IsInf(sum, 0) {
		return out
	}
	for i := range out {
		out[i] = float32(float64(out[i]) / sum)
	}
	return out
}

// UnknownLabel is the placeholder for an index missing from the class table.
func UnknownLabel(index int) string {
	return fmt.Sprintf("Unknown(%d)", index)
}

// NamesFor maps each prediction to its class name, in order. Indices absent from
// table get UnknownLabel. A nil table behaves as empty.
func NamesFor(preds []Prediction, table *Table) []string {
	names := make([]string, len(preds))
	for i, p := range preds {
		names[i] = table.Name(p.Index)
	}
	return names
}
