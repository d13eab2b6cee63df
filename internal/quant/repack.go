package quant

import "fmt"

// RotaryRepackSpec describes the head geometry of a query or key
// projection. Weight files pair rotary dimensions as interleaved
// (x0, y0, x1, y1, ...) while the compute side expects split halves
// (x0..x_{d/2-1}, y0..y_{d/2-1}). The repack is a fixed permutation of
// the projection rows, applied once at load time.
type RotaryRepackSpec struct {
	Heads    int
	HeadDim  int
	EmbedDim int
}

func (s RotaryRepackSpec) validate() error {
	if s.Heads <= 0 || s.HeadDim <= 0 || s.EmbedDim <= 0 {
		return fmt.Errorf("invalid rotary spec: heads=%d head_dim=%d embed_dim=%d", s.Heads, s.HeadDim, s.EmbedDim)
	}
	if s.HeadDim%2 != 0 {
		return fmt.Errorf("invalid rotary spec: head_dim %d must be even", s.HeadDim)
	}
	return nil
}

// Permutation returns perm over the heads*headDim projection rows such
// that newRow[i] = oldRow[perm[i]]. Within each head, row (pair p,
// interleave i) at offset i*2+p moves to offset p*(headDim/2)+i.
func (s RotaryRepackSpec) Permutation() ([]int, error) {
	if err := s.validate(); err != nil {
		return nil, err
	}
	half := s.HeadDim / 2
	perm := make([]int, s.Heads*s.HeadDim)
	for h := 0; h < s.Heads; h++ {
		base := h * s.HeadDim
		for p := 0; p < 2; p++ {
			for i := 0; i < half; i++ {
				perm[base+p*half+i] = base + i*2 + p
			}
		}
	}
	return perm, nil
}

// InversePermutation returns the permutation undoing Permutation.
func (s RotaryRepackSpec) InversePermutation() ([]int, error) {
	perm, err := s.Permutation()
	if err != nil {
		return nil, err
	}
	inv := make([]int, len(perm))
	for i, p := range perm {
		inv[p] = i
	}
	return inv, nil
}

// repackRows reorders the leading (row) axis of a flat row-major array.
// rowWidth is whatever the trailing layout holds per projection row:
// K floats for a dense weight, K quants or K/32 scales for q8_0 arrays.
// The permutation is value-independent, so it applies to scales and
// quants alike before any quantization-aware reshaping.
func repackRows[T int8 | uint16 | float32](data []T, rowWidth int, perm []int) ([]T, error) {
	if rowWidth <= 0 {
		return nil, fmt.Errorf("invalid row width %d", rowWidth)
	}
	if len(data) != len(perm)*rowWidth {
		return nil, fmt.Errorf("%w: %d elements for %d rows of width %d", ErrShapeMismatch, len(data), len(perm), rowWidth)
	}
	out := make([]T, len(data))
	for i, src := range perm {
		copy(out[i*rowWidth:(i+1)*rowWidth], data[src*rowWidth:(src+1)*rowWidth])
	}
	return out, nil
}

// RepackRotaryF32 applies the rotary row permutation to a dense
// (heads*headDim, embedDim) weight.
func RepackRotaryF32(data []float32, spec RotaryRepackSpec) ([]float32, error) {
	perm, err := spec.Permutation()
	if err != nil {
		return nil, err
	}
	return repackRows(data, spec.EmbedDim, perm)
}

// RepackRotaryQ8 applies the rotary row permutation to raw q8_0 arrays
// in the ingestion layout (rows = heads*headDim, blocks along embed).
func RepackRotaryQ8(scales []uint16, quants []int8, spec RotaryRepackSpec) ([]uint16, []int8, error) {
	if spec.EmbedDim%BlockSize != 0 {
		return nil, nil, fmt.Errorf("embed_dim %d not a multiple of block size %d", spec.EmbedDim, BlockSize)
	}
	perm, err := spec.Permutation()
	if err != nil {
		return nil, nil, err
	}
	s, err := repackRows(scales, spec.EmbedDim/BlockSize, perm)
	if err != nil {
		return nil, nil, err
	}
	q, err := repackRows(quants, spec.EmbedDim, perm)
	if err != nil {
		return nil, nil, err
	}
	return s, q, nil
}
