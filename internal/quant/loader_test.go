package quant

import (
	"errors"
	"math/rand"
	"testing"

	"github.com/x448/float16"
)

func randomRaw(t *testing.T, seed int64, rows, cols int) ([]float32, RawTensor) {
	t.Helper()
	rng := rand.New(rand.NewSource(seed))
	dense := make([]float32, rows*cols)
	for i := range dense {
		dense[i] = rng.Float32()*2 - 1
	}
	scales, quants, err := QuantizeQ8(dense, rows, cols)
	if err != nil {
		t.Fatalf("QuantizeQ8 failed: %v", err)
	}
	return dense, RawTensor{Scales: scales, Quants: quants}
}

func TestLoadTensor_EmbeddingStaysUntransposed(t *testing.T) {
	vocab, embed := 16, 64
	_, raw := randomRaw(t, 1, vocab, embed)

	w, err := LoadTensor("token_embd.weight", SchemeQ8_0, raw, []int{vocab, embed}, nil)
	if err != nil {
		t.Fatalf("LoadTensor failed: %v", err)
	}
	if w.Transposed {
		t.Error("embedding table must not be transposed")
	}
	if w.Q8 != nil {
		t.Error("embedding table must take the dense path")
	}
	if w.Rows != vocab || w.Cols != embed {
		t.Errorf("dense shape (%d, %d), want (%d, %d)", w.Rows, w.Cols, vocab, embed)
	}

	// Row lookup must reconstruct the quantized values of row 3.
	row, err := w.Row(3)
	if err != nil {
		t.Fatalf("Row failed: %v", err)
	}
	back, err := DequantizeQ8(raw.Scales, raw.Quants, vocab, embed)
	if err != nil {
		t.Fatalf("DequantizeQ8 failed: %v", err)
	}
	for i := range row {
		if row[i] != back[3*embed+i] {
			t.Fatalf("row value mismatch at %d", i)
		}
	}
}

func TestLoadTensor_LinearTakesKernelLayout(t *testing.T) {
	out, in := 24, 96
	_, raw := randomRaw(t, 2, out, in)

	w, err := LoadTensor("blk.3.ffn_up.weight", SchemeQ8_0, raw, []int{out, in}, nil)
	if err != nil {
		t.Fatalf("LoadTensor failed: %v", err)
	}
	if !w.Transposed {
		t.Error("linear weight must be transposed")
	}
	if w.Q8 == nil {
		t.Fatal("q8_0 linear weight must take the kernel path")
	}
	if w.InFeatures() != in || w.OutFeatures() != out {
		t.Errorf("features (%d, %d), want (%d, %d)", w.InFeatures(), w.OutFeatures(), in, out)
	}
	if err := w.Q8.Validate(); err != nil {
		t.Errorf("kernel layout invalid: %v", err)
	}
}

func TestLoadTensor_F16DensePath(t *testing.T) {
	rows, cols := 4, 8
	raw := RawTensor{F16: make([]uint16, rows*cols)}
	for i := range raw.F16 {
		raw.F16[i] = float16.Fromfloat32(float32(i) * 0.25).Bits()
	}
	w, err := LoadTensor("blk.0.attn_norm.weight", SchemeF16, raw, []int{rows, cols}, nil)
	if err != nil {
		t.Fatalf("LoadTensor failed: %v", err)
	}
	if w.Q8 != nil {
		t.Error("f16 weight must not take the kernel path")
	}
	// Transposed dense layout: (cols, rows).
	if w.Rows != cols || w.Cols != rows {
		t.Errorf("dense shape (%d, %d), want (%d, %d)", w.Rows, w.Cols, cols, rows)
	}
	if w.Dense[0*rows+1] != float16.Frombits(raw.F16[1*cols+0]).Float32() {
		t.Error("transpose did not move (1,0) to (0,1)")
	}
}

func TestLoadTensor_RotaryRepackAppliedByName(t *testing.T) {
	heads, headDim, embed := 2, 4, 32
	rows := heads * headDim
	_, raw := randomRaw(t, 3, rows, embed)
	spec := &RotaryRepackSpec{Heads: heads, HeadDim: headDim, EmbedDim: embed}

	plain, err := LoadTensor("blk.0.ffn_gate.weight", SchemeQ8_0, raw, []int{rows, embed}, spec)
	if err != nil {
		t.Fatalf("LoadTensor (plain) failed: %v", err)
	}
	repacked, err := LoadTensor("blk.0.attn_q.weight", SchemeQ8_0, raw, []int{rows, embed}, spec)
	if err != nil {
		t.Fatalf("LoadTensor (rotary) failed: %v", err)
	}

	// Kernel layout column j corresponds to projection row j. Row 1 of
	// the repacked weight must be row 2 of the plain one (pair 0,
	// element 1 of an interleaved head of dim 4).
	pd := plain.Q8.Dequantize()
	rd := repacked.Q8.Dequantize()
	n := rows
	for k := 0; k < embed; k++ {
		if rd[k*n+1] != pd[k*n+2] {
			t.Fatalf("rotary repack did not permute row 1 <- row 2 at k=%d", k)
		}
	}
}

func TestLoadTensor_RotarySpecShapeMismatch(t *testing.T) {
	_, raw := randomRaw(t, 4, 8, 32)
	spec := &RotaryRepackSpec{Heads: 4, HeadDim: 4, EmbedDim: 64} // wrong embed
	_, err := LoadTensor("blk.0.attn_k.weight", SchemeQ8_0, raw, []int{8, 32}, spec)
	if !errors.Is(err, ErrShapeMismatch) {
		t.Errorf("expected ErrShapeMismatch, got %v", err)
	}
}

func TestLoadTensor_RawSizeErrors(t *testing.T) {
	cases := []struct {
		name   string
		scheme Scheme
		raw    RawTensor
		shape  []int
	}{
		{"short quants", SchemeQ8_0, RawTensor{Quants: make([]int8, 16), Scales: make([]uint16, 1)}, []int{1, 32}},
		{"short scales", SchemeQ8_0, RawTensor{Quants: make([]int8, 64), Scales: make([]uint16, 1)}, []int{2, 32}},
		{"non-block count", SchemeQ8_0, RawTensor{Quants: make([]int8, 33), Scales: make([]uint16, 2)}, []int{3, 11}},
		{"short f32", SchemeF32, RawTensor{F32: make([]float32, 5)}, []int{2, 3}},
		{"short f16", SchemeF16, RawTensor{F16: make([]uint16, 5)}, []int{2, 3}},
	}
	for _, tc := range cases {
		if _, err := LoadTensor("w", tc.scheme, tc.raw, tc.shape, nil); !errors.Is(err, ErrShapeMismatch) {
			t.Errorf("%s: expected ErrShapeMismatch, got %v", tc.name, err)
		}
	}

	if _, err := LoadTensor("w", Scheme(99), RawTensor{}, []int{2, 32}, nil); !errors.Is(err, ErrUnsupportedScheme) {
		t.Errorf("expected ErrUnsupportedScheme, got %v", err)
	}

	if _, err := LoadTensor("w", SchemeF32, RawTensor{F32: make([]float32, 4)}, []int{4}, nil); !errors.Is(err, ErrShapeMismatch) {
		t.Errorf("expected shape error for 1-axis tensor, got %v", err)
	}
}

func TestTensorNames(t *testing.T) {
	if !IsEmbedding("token_embd.weight") || !IsEmbedding("model.embed_tokens.weight") {
		t.Error("embedding names not recognized")
	}
	if IsEmbedding("blk.0.attn_q.weight") {
		t.Error("projection misclassified as embedding")
	}
	if !IsRotaryProjection("blk.0.attn_q.weight") || !IsRotaryProjection("layers.1.attn.key.w") {
		t.Error("rotary projection names not recognized")
	}
	if IsRotaryProjection("blk.0.attn_v.weight") {
		t.Error("value projection misclassified as rotary")
	}
}
