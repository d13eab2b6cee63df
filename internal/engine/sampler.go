package engine

import (
	"math"

	"github.com/23skdu/longbow-bodkin/internal/logger"
)

// Sampler selects the next token for every batch row of a decode step.
// Greedy mode is pure argmax with no randomness; sampling mode draws
// from the categorical distribution defined by each row, advancing the
// splittable key exactly once per step regardless of batch size.
type Sampler struct {
	DoSample bool
	key      Key
}

func NewSampler(doSample bool, seed uint64) *Sampler {
	return &Sampler{DoSample: doSample, key: NewKey(seed)}
}

// SampleStep returns one chosen token id per batch row. The key is
// split once for the whole step; row b draws from the step subkey
// folded with b, so rows stay independent without extra splits.
func (s *Sampler) SampleStep(rows [][]float32) []int {
	out := make([]int, len(rows))
	if !s.DoSample {
		for b, row := range rows {
			out[b] = ArgMax(row)
		}
		return out
	}
	next, sub := s.key.Split()
	s.key = next
	for b, row := range rows {
		out[b] = Categorical(sub.Fold(uint64(b)), row)
	}
	return out
}

// ArgMax returns the index of the largest finite logit, guarding
// against NaN rows from upstream numerical trouble.
func ArgMax(logits []float32) int {
	maxIdx := 0
	maxVal := logits[0]

	allNaN := true
	for i, v := range logits {
		if !math.IsNaN(float64(v)) {
			allNaN = false
			if v > maxVal || math.IsNaN(float64(maxVal)) {
				maxVal = v
				maxIdx = i
			}
		}
	}

	if allNaN {
		logger.Component("engine").Warn("argmax over all-NaN logits, returning index 0")
		return 0
	}
	return maxIdx
}

// Categorical draws from softmax(logits) via the Gumbel-max trick: one
// independent Gumbel perturbation per index, then argmax. Equivalent to
// a temperature-1.0 categorical draw without computing the softmax.
func Categorical(k Key, logits []float32) int {
	bestIdx := 0
	bestVal := math.Inf(-1)
	for i, v := range logits {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			continue
		}
		u := k.Fold(uint64(i)).Uniform()
		g := -math.Log(-math.Log(u))
		if f+g > bestVal {
			bestVal = f + g
			bestIdx = i
		}
	}
	return bestIdx
}
