package kernel

import (
	"errors"
	"math"
	"math/rand"
	"testing"

	"github.com/x448/float16"
)

// quantizeKernelLayout builds (k/32, 32, n) quants and (k/32, n) scales
// directly in the kernel's grouping, plus the dequantized dense (k, n)
// reference.
func quantizeKernelLayout(t *testing.T, rng *rand.Rand, k, n int) ([]int8, []uint16, []float32) {
	t.Helper()
	numBlocks := k / QuantGroupSize
	quants := make([]int8, k*n)
	scales := make([]uint16, numBlocks*n)
	dense := make([]float32, k*n)

	for kb := 0; kb < numBlocks; kb++ {
		for j := 0; j < n; j++ {
			maxAbs := float32(0)
			vals := make([]float32, QuantGroupSize)
			for e := range vals {
				v := rng.Float32()*2 - 1
				vals[e] = v
				if a := float32(math.Abs(float64(v))); a > maxAbs {
					maxAbs = a
				}
			}
			s := float16.Fromfloat32(maxAbs / 127)
			sf := s.Float32()
			scales[kb*n+j] = s.Bits()
			for e, v := range vals {
				q := int8(0)
				if sf != 0 {
					x := v / sf
					if x > 127 {
						x = 127
					}
					if x < -127 {
						x = -127
					}
					q = int8(math.Round(float64(x)))
				}
				idx := (kb*QuantGroupSize+e)*n + j
				quants[idx] = q
				dense[idx] = sf * float32(q)
			}
		}
	}
	return quants, scales, dense
}

func denseMatMul(in []float32, m, k int, w []float32, n int) []float32 {
	out := make([]float32, m*n)
	for i := 0; i < m; i++ {
		for kk := 0; kk < k; kk++ {
			a := in[i*k+kk]
			if a == 0 {
				continue
			}
			for j := 0; j < n; j++ {
				out[i*n+j] += a * w[kk*n+j]
			}
		}
	}
	return out
}

func maxRelDiff(a, b []float32) float64 {
	var worst float64
	for i := range a {
		diff := math.Abs(float64(a[i] - b[i]))
		denom := math.Max(math.Abs(float64(b[i])), 1e-6)
		if r := diff / denom; r > worst {
			worst = r
		}
	}
	return worst
}

func TestMatMul8Bit_MatchesDenseReference(t *testing.T) {
	shapes := []struct{ m, k, n int }{
		{16, 64, 8},    // sub-tile in every dimension
		{5, 32, 3},     // m below MinBlockX, padded to 16
		{40, 96, 20},   // ragged rows and columns
		{64, 512, 48},  // exactly one reduction chunk
		{32, 1024, 16}, // two reduction chunks
	}
	rng := rand.New(rand.NewSource(21))
	for _, sh := range shapes {
		quants, scales, dense := quantizeKernelLayout(t, rng, sh.k, sh.n)
		in := make([]float32, sh.m*sh.k)
		for i := range in {
			in[i] = rng.Float32()*2 - 1
		}

		got, err := MatMul8Bit(in, sh.m, sh.k, quants, scales, sh.n, AutoTiles(sh.m))
		if err != nil {
			t.Fatalf("MatMul8Bit(%+v) failed: %v", sh, err)
		}
		if len(got) != sh.m*sh.n {
			t.Fatalf("shape %+v: got %d outputs, want %d (padding not trimmed?)", sh, len(got), sh.m*sh.n)
		}

		want := denseMatMul(in, sh.m, sh.k, dense, sh.n)
		if rel := maxRelDiff(got, want); rel > 1e-5 {
			t.Errorf("shape %+v: max relative diff %g exceeds 1e-5", sh, rel)
		} else {
			t.Logf("shape %+v: max relative diff %g", sh, rel)
		}
	}
}

func TestMatMul8Bit_ZeroInputRowsStayZero(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	m, k, n := 17, 64, 4
	quants, scales, _ := quantizeKernelLayout(t, rng, k, n)
	in := make([]float32, m*k) // all zeros

	out, err := MatMul8Bit(in, m, k, quants, scales, n, AutoTiles(m))
	if err != nil {
		t.Fatalf("MatMul8Bit failed: %v", err)
	}
	for i, v := range out {
		if v != 0 {
			t.Fatalf("output %d = %g, want 0", i, v)
		}
	}
}

func TestAutoTiles(t *testing.T) {
	cases := []struct{ m, wantBX int }{
		{1, MinBlockX},
		{5, MinBlockX},
		{16, 16},
		{40, 32},
		{255, 128},
		{256, DefaultBlockX},
		{1000, DefaultBlockX},
	}
	for _, tc := range cases {
		if got := AutoTiles(tc.m).BlockX; got != tc.wantBX {
			t.Errorf("AutoTiles(%d).BlockX = %d, want %d", tc.m, got, tc.wantBX)
		}
	}
}

func TestMatMul8Bit_InvalidConfigs(t *testing.T) {
	rng := rand.New(rand.NewSource(9))
	m, k, n := 16, 1024, 8
	quants, scales, _ := quantizeKernelLayout(t, rng, k, n)
	in := make([]float32, m*k)

	// block_k that does not divide k
	cfg := TileConfig{BlockX: 16, BlockY: 256, BlockK: 768}
	if _, err := MatMul8Bit(in, m, k, quants, scales, n, cfg); !errors.Is(err, ErrInvalidTileConfig) {
		t.Errorf("non-dividing block_k: expected ErrInvalidTileConfig, got %v", err)
	}

	// block_k not a multiple of the quant group
	cfg = TileConfig{BlockX: 16, BlockY: 256, BlockK: 48}
	if _, err := MatMul8Bit(in, m, k, quants, scales, n, cfg); !errors.Is(err, ErrInvalidTileConfig) {
		t.Errorf("unaligned block_k: expected ErrInvalidTileConfig, got %v", err)
	}

	// zero tile dimension
	cfg = TileConfig{BlockX: 0, BlockY: 256, BlockK: 512}
	if _, err := MatMul8Bit(in, m, k, quants, scales, n, cfg); !errors.Is(err, ErrInvalidTileConfig) {
		t.Errorf("zero block_x: expected ErrInvalidTileConfig, got %v", err)
	}

	// reduction axis not a multiple of the quant group
	if _, err := MatMul8Bit(make([]float32, 16*33), 16, 33, quants, scales, n, DefaultTiles()); !errors.Is(err, ErrInvalidTileConfig) {
		t.Errorf("k=33: expected ErrInvalidTileConfig, got %v", err)
	}

	// weight arrays shorter than (k, n)
	if _, err := MatMul8Bit(in, m, k, quants[:10], scales, n, DefaultTiles()); !errors.Is(err, ErrInvalidTileConfig) {
		t.Errorf("short quants: expected ErrInvalidTileConfig, got %v", err)
	}

	// input length mismatch
	if _, err := MatMul8Bit(in[:10], m, k, quants, scales, n, DefaultTiles()); !errors.Is(err, ErrInvalidTileConfig) {
		t.Errorf("short input: expected ErrInvalidTileConfig, got %v", err)
	}
}

func TestMatMul8Bit_RaggedColumnsSplitIntoTiles(t *testing.T) {
	// n far above block_y must not collapse into one wide tile: full
	// tiles plus a narrow remainder keep per-worker scratch at bx*by.
	rng := rand.New(rand.NewSource(17))
	m, k, n := 8, 64, 300
	quants, scales, dense := quantizeKernelLayout(t, rng, k, n)
	in := make([]float32, m*k)
	for i := range in {
		in[i] = rng.Float32()*2 - 1
	}
	want := denseMatMul(in, m, k, dense, n)

	// Two full 128-column tiles plus a 44-column remainder.
	cfg := TileConfig{BlockX: 8, BlockY: 128, BlockK: 64}
	got, err := MatMul8Bit(in, m, k, quants, scales, n, cfg)
	if err != nil {
		t.Fatalf("MatMul8Bit failed: %v", err)
	}
	if rel := maxRelDiff(got, want); rel > 1e-5 {
		t.Errorf("block_y 128: max relative diff %g exceeds 1e-5", rel)
	}

	// Default tiles over the same ragged n: one full tile + remainder.
	got, err = MatMul8Bit(in, m, k, quants, scales, n, AutoTiles(m))
	if err != nil {
		t.Fatalf("MatMul8Bit failed: %v", err)
	}
	if rel := maxRelDiff(got, want); rel > 1e-5 {
		t.Errorf("default block_y: max relative diff %g exceeds 1e-5", rel)
	}
}

func TestMatMul8Bit_DegenerateShortK(t *testing.T) {
	// k shorter than the default reduction chunk collapses to one chunk.
	rng := rand.New(rand.NewSource(13))
	m, k, n := 16, 32, 4
	quants, scales, dense := quantizeKernelLayout(t, rng, k, n)
	in := make([]float32, m*k)
	for i := range in {
		in[i] = rng.Float32()
	}

	got, err := MatMul8Bit(in, m, k, quants, scales, n, DefaultTiles())
	if err != nil {
		t.Fatalf("MatMul8Bit failed: %v", err)
	}
	want := denseMatMul(in, m, k, dense, n)
	if rel := maxRelDiff(got, want); rel > 1e-5 {
		t.Errorf("max relative diff %g exceeds 1e-5", rel)
	}
}
