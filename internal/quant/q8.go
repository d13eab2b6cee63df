package quant

import (
	"fmt"

	"github.com/x448/float16"
)

// BlockSize is the q8_0 quantization group: one half-precision scale
// per 32 consecutive weights along the quantized axis.
const BlockSize = 32

// Q8Tensor is a block-quantized weight matrix laid out for the tiled
// kernel: quants grouped (NumBlocks, BlockSize, OutFeatures) along the
// reduction axis, one scale per (block, output column). Built once at
// load time and immutable afterwards.
type Q8Tensor struct {
	InFeatures  int // reduction axis length (K), multiple of BlockSize
	OutFeatures int // output columns (N)
	NumBlocks   int // InFeatures / BlockSize

	Quants []int8   // (NumBlocks, BlockSize, OutFeatures)
	Scales []uint16 // (NumBlocks, OutFeatures), IEEE 754 binary16 bits

	// Transposed records that the reconstructed matrix is used as the
	// transpose of its stored (out, in) layout. Every weight except
	// embedding tables is.
	Transposed bool

	// Shape is the logical shape declared at ingestion.
	Shape []int
}

// Validate checks the block-count invariants.
func (t *Q8Tensor) Validate() error {
	if t.InFeatures%BlockSize != 0 {
		return fmt.Errorf("in_features %d not a multiple of block size %d", t.InFeatures, BlockSize)
	}
	if t.NumBlocks != t.InFeatures/BlockSize {
		return fmt.Errorf("num_blocks %d != in_features/%d", t.NumBlocks, BlockSize)
	}
	if len(t.Quants) != t.NumBlocks*BlockSize*t.OutFeatures {
		return fmt.Errorf("quants length %d != blocks*%d*cols", len(t.Quants), BlockSize)
	}
	if len(t.Scales) != t.NumBlocks*t.OutFeatures {
		return fmt.Errorf("scales length %d != blocks*cols", len(t.Scales))
	}
	return nil
}

// QuantizeQ8 quantizes a dense row-major (rows, cols) matrix into raw
// q8_0 arrays: blocks of 32 run along the contiguous cols axis, scale =
// maxAbs/127 rounded to half precision. This is the ingestion-side
// layout, one scale and 32 quants per block, row by row.
func QuantizeQ8(w []float32, rows, cols int) (scales []uint16, quants []int8, err error) {
	if len(w) != rows*cols {
		return nil, nil, fmt.Errorf("%w: %d elements for shape (%d, %d)", ErrShapeMismatch, len(w), rows, cols)
	}
	if cols%BlockSize != 0 {
		return nil, nil, fmt.Errorf("cols %d not a multiple of block size %d", cols, BlockSize)
	}

	blocksPerRow := cols / BlockSize
	scales = make([]uint16, rows*blocksPerRow)
	quants = make([]int8, rows*cols)

	for r := 0; r < rows; r++ {
		for b := 0; b < blocksPerRow; b++ {
			off := r*cols + b*BlockSize

			maxAbs := float32(0)
			for i := 0; i < BlockSize; i++ {
				v := w[off+i]
				if v < 0 {
					v = -v
				}
				if v > maxAbs {
					maxAbs = v
				}
			}

			s := float16.Fromfloat32(maxAbs / 127)
			// Round the stored scale up to the next representable half so
			// round(x/scale) never leaves int8 range after f16 rounding.
			if maxAbs > 0 && s.Float32()*127 < maxAbs {
				s = float16.Frombits(s.Bits() + 1)
			}
			scales[r*blocksPerRow+b] = s.Bits()

			sf := s.Float32()
			for i := 0; i < BlockSize; i++ {
				q := int32(0)
				if sf != 0 {
					x := w[off+i] / sf
					if x >= 0 {
						q = int32(x + 0.5)
					} else {
						q = int32(x - 0.5)
					}
				}
				if q > 127 {
					q = 127
				}
				if q < -127 {
					q = -127
				}
				quants[off+i] = int8(q)
			}
		}
	}
	return scales, quants, nil
}

// DequantizeQ8 reconstructs the dense matrix from raw q8_0 arrays in
// the ingestion layout produced by QuantizeQ8.
func DequantizeQ8(scales []uint16, quants []int8, rows, cols int) ([]float32, error) {
	if cols%BlockSize != 0 {
		return nil, fmt.Errorf("cols %d not a multiple of block size %d", cols, BlockSize)
	}
	if len(quants) != rows*cols {
		return nil, fmt.Errorf("%w: %d quants for shape (%d, %d)", ErrShapeMismatch, len(quants), rows, cols)
	}
	blocksPerRow := cols / BlockSize
	if len(scales) != rows*blocksPerRow {
		return nil, fmt.Errorf("%w: %d scales for %d blocks", ErrShapeMismatch, len(scales), rows*blocksPerRow)
	}

	out := make([]float32, rows*cols)
	for r := 0; r < rows; r++ {
		for b := 0; b < blocksPerRow; b++ {
			s := float16.Frombits(scales[r*blocksPerRow+b]).Float32()
			off := r*cols + b*BlockSize
			for i := 0; i < BlockSize; i++ {
				out[off+i] = s * float32(quants[off+i])
			}
		}
	}
	return out, nil
}

// Dequantize reconstructs the kernel-layout tensor back into a dense
// (InFeatures, OutFeatures) matrix. Used by the slow path and by tests
// as the reference for kernel equivalence.
func (t *Q8Tensor) Dequantize() []float32 {
	out := make([]float32, t.InFeatures*t.OutFeatures)
	n := t.OutFeatures
	for kb := 0; kb < t.NumBlocks; kb++ {
		for j := 0; j < n; j++ {
			s := float16.Frombits(t.Scales[kb*n+j]).Float32()
			for e := 0; e < BlockSize; e++ {
				k := kb*BlockSize + e
				out[k*n+j] = s * float32(t.Quants[k*n+j])
			}
		}
	}
	return out
}
