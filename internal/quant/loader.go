package quant

import (
	"errors"
	"fmt"
	"strings"

	"github.com/x448/float16"

	"github.com/23skdu/longbow-bodkin/internal/logger"
	"github.com/23skdu/longbow-bodkin/internal/metrics"
)

// RawTensor carries the arrays a weight file hands us for one tensor.
// Exactly the fields matching the scheme are set: F32 for fp32, F16
// (binary16 bits) for fp16, Scales+Quants for q8_0. Arrays are in the
// ingestion layout: row-major (out, in), q8_0 blocks along in.
type RawTensor struct {
	F32    []float32
	F16    []uint16
	Scales []uint16
	Quants []int8
}

// Weight is a load-time resolved tensor. Either Q8 (kernel path) or
// Dense (direct path) is set, decided once here and never re-dispatched
// per forward call.
type Weight struct {
	Name   string
	Scheme Scheme

	// Q8 holds kernel-layout quantized data when the scheme has a kernel
	// and the tensor is used transposed.
	Q8 *Q8Tensor

	// Dense holds the fully reconstructed matrix in compute layout
	// (Rows, Cols) for everything else.
	Dense []float32
	Rows  int
	Cols  int

	Transposed bool
	Shape      []int
}

// InFeatures returns the reduction-axis length of the compute layout.
func (w *Weight) InFeatures() int {
	if w.Q8 != nil {
		return w.Q8.InFeatures
	}
	return w.Rows
}

// OutFeatures returns the output-column count of the compute layout.
func (w *Weight) OutFeatures() int {
	if w.Q8 != nil {
		return w.Q8.OutFeatures
	}
	return w.Cols
}

// LoadTensor converts one ingested tensor into the representation the
// linear layer embeds. shape is the logical (leading..., in) shape; its
// trailing extent is the contiguous axis of the raw arrays. rotary is
// consulted only for query/key projection tensors, detected by name.
func LoadTensor(name string, scheme Scheme, raw RawTensor, shape []int, rotary *RotaryRepackSpec) (*Weight, error) {
	if len(shape) < 2 {
		return nil, fmt.Errorf("%w: tensor %s has shape %v, need at least 2 axes", ErrShapeMismatch, name, shape)
	}
	rows := 1
	for _, d := range shape[:len(shape)-1] {
		rows *= d
	}
	cols := shape[len(shape)-1]
	count := rows * cols

	if err := checkRawSize(scheme, raw, count); err != nil {
		metrics.QuantLoadErrorsTotal.WithLabelValues(errClass(err)).Inc()
		return nil, fmt.Errorf("tensor %s: %w", name, err)
	}

	if IsRotaryProjection(name) && rotary != nil {
		spec := *rotary
		if rows != spec.Heads*spec.HeadDim || cols != spec.EmbedDim {
			metrics.QuantLoadErrorsTotal.WithLabelValues("shape_mismatch").Inc()
			return nil, fmt.Errorf("%w: tensor %s shape (%d, %d) does not match rotary spec %+v",
				ErrShapeMismatch, name, rows, cols, spec)
		}
		var err error
		raw, err = repackRaw(scheme, raw, spec)
		if err != nil {
			metrics.QuantLoadErrorsTotal.WithLabelValues(errClass(err)).Inc()
			return nil, fmt.Errorf("tensor %s: %w", name, err)
		}
		logger.Component("quant").Debug("applied rotary repack", "tensor", name, "heads", spec.Heads, "head_dim", spec.HeadDim)
	}

	doTranspose := !IsEmbedding(name)

	w := &Weight{
		Name:       name,
		Scheme:     scheme,
		Transposed: doTranspose,
		Shape:      append([]int(nil), shape...),
	}

	if scheme == SchemeQ8_0 && doTranspose {
		q8, err := buildKernelLayout(raw.Scales, raw.Quants, rows, cols)
		if err != nil {
			metrics.QuantLoadErrorsTotal.WithLabelValues(errClass(err)).Inc()
			return nil, fmt.Errorf("tensor %s: %w", name, err)
		}
		q8.Transposed = true
		q8.Shape = w.Shape
		w.Q8 = q8
		observeScales(raw.Scales)
		return w, nil
	}

	dense, err := reconstructDense(scheme, raw, rows, cols)
	if err != nil {
		metrics.QuantLoadErrorsTotal.WithLabelValues(errClass(err)).Inc()
		return nil, fmt.Errorf("tensor %s: %w", name, err)
	}
	if doTranspose {
		w.Dense = transpose(dense, rows, cols)
		w.Rows, w.Cols = cols, rows
	} else {
		w.Dense = dense
		w.Rows, w.Cols = rows, cols
	}
	return w, nil
}

// IsEmbedding reports whether the tensor is an embedding table, the one
// weight class used in its stored orientation.
func IsEmbedding(name string) bool {
	return strings.HasSuffix(name, ".embeddings") ||
		strings.HasSuffix(name, "token_embd.weight") ||
		strings.HasSuffix(name, "embed_tokens.weight")
}

// IsRotaryProjection reports whether the tensor is a query or key
// projection whose rows need the rotary pairing fixup.
func IsRotaryProjection(name string) bool {
	return strings.Contains(name, ".attn.query") ||
		strings.Contains(name, ".attn.key") ||
		strings.Contains(name, "attn_q.weight") ||
		strings.Contains(name, "attn_k.weight")
}

func checkRawSize(scheme Scheme, raw RawTensor, count int) error {
	switch scheme {
	case SchemeF32:
		if len(raw.F32) != count {
			return fmt.Errorf("%w: %d fp32 elements, declared %d", ErrShapeMismatch, len(raw.F32), count)
		}
	case SchemeF16:
		if len(raw.F16) != count {
			return fmt.Errorf("%w: %d fp16 elements, declared %d", ErrShapeMismatch, len(raw.F16), count)
		}
	case SchemeQ8_0:
		if count%BlockSize != 0 {
			return fmt.Errorf("%w: %d elements not a multiple of block size %d", ErrShapeMismatch, count, BlockSize)
		}
		if len(raw.Quants) != count {
			return fmt.Errorf("%w: %d quants, declared %d", ErrShapeMismatch, len(raw.Quants), count)
		}
		if len(raw.Scales) != count/BlockSize {
			return fmt.Errorf("%w: %d scales for %d blocks", ErrShapeMismatch, len(raw.Scales), count/BlockSize)
		}
	default:
		return fmt.Errorf("%w: %v", ErrUnsupportedScheme, scheme)
	}
	return nil
}

func repackRaw(scheme Scheme, raw RawTensor, spec RotaryRepackSpec) (RawTensor, error) {
	switch scheme {
	case SchemeF32:
		f, err := RepackRotaryF32(raw.F32, spec)
		if err != nil {
			return raw, err
		}
		return RawTensor{F32: f}, nil
	case SchemeF16:
		perm, err := spec.Permutation()
		if err != nil {
			return raw, err
		}
		h, err := repackRows(raw.F16, spec.EmbedDim, perm)
		if err != nil {
			return raw, err
		}
		return RawTensor{F16: h}, nil
	case SchemeQ8_0:
		s, q, err := RepackRotaryQ8(raw.Scales, raw.Quants, spec)
		if err != nil {
			return raw, err
		}
		return RawTensor{Scales: s, Quants: q}, nil
	default:
		return raw, fmt.Errorf("%w: %v", ErrUnsupportedScheme, scheme)
	}
}

// buildKernelLayout transposes raw (N rows, K cols) q8_0 arrays into
// the kernel's (block, element, column) grouping.
func buildKernelLayout(scales []uint16, quants []int8, rows, cols int) (*Q8Tensor, error) {
	if cols%BlockSize != 0 {
		return nil, fmt.Errorf("%w: reduction axis %d not a multiple of block size %d", ErrShapeMismatch, cols, BlockSize)
	}
	k, n := cols, rows
	numBlocks := k / BlockSize
	blocksPerRow := numBlocks

	t := &Q8Tensor{
		InFeatures:  k,
		OutFeatures: n,
		NumBlocks:   numBlocks,
		Quants:      make([]int8, numBlocks*BlockSize*n),
		Scales:      make([]uint16, numBlocks*n),
	}
	for r := 0; r < n; r++ {
		for kb := 0; kb < numBlocks; kb++ {
			t.Scales[kb*n+r] = scales[r*blocksPerRow+kb]
			src := r*k + kb*BlockSize
			for e := 0; e < BlockSize; e++ {
				t.Quants[(kb*BlockSize+e)*n+r] = quants[src+e]
			}
		}
	}
	return t, nil
}

func reconstructDense(scheme Scheme, raw RawTensor, rows, cols int) ([]float32, error) {
	switch scheme {
	case SchemeF32:
		out := make([]float32, len(raw.F32))
		copy(out, raw.F32)
		return out, nil
	case SchemeF16:
		out := make([]float32, len(raw.F16))
		for i, b := range raw.F16 {
			out[i] = float16.Frombits(b).Float32()
		}
		return out, nil
	case SchemeQ8_0:
		return DequantizeQ8(raw.Scales, raw.Quants, rows, cols)
	default:
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedScheme, scheme)
	}
}

func transpose(m []float32, rows, cols int) []float32 {
	out := make([]float32, len(m))
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			out[c*rows+r] = m[r*cols+c]
		}
	}
	return out
}

func errClass(err error) string {
	switch {
	case errors.Is(err, ErrShapeMismatch):
		return "shape_mismatch"
	case errors.Is(err, ErrUnsupportedScheme):
		return "unsupported_scheme"
	default:
		return "other"
	}
}

// observeScales samples block scales into the load-time histogram.
func observeScales(scales []uint16) {
	limit := len(scales)
	if limit > 64 {
		limit = 64
	}
	for _, b := range scales[:limit] {
		metrics.QuantBlockScale.Observe(float64(float16.Frombits(b).Float32()))
	}
}
