// Package kernel implements the tiled block-quantized matmul: the
// weight is reconstructed 32-element block by block inside the tile
// loop, never materialized as a full dense matrix.
package kernel

import (
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/x448/float16"

	"github.com/23skdu/longbow-bodkin/internal/logger"
	"github.com/23skdu/longbow-bodkin/internal/metrics"
)

const (
	DefaultBlockX = 256 // activation rows per tile
	DefaultBlockY = 256 // output columns per tile
	DefaultBlockK = 512 // reduction-axis chunk

	// MinBlockX is the floor for the auto-reduced row tile; callers with
	// fewer rows than this should prefer the dense path.
	MinBlockX = 16

	// QuantGroupSize must match the quantizer's block size.
	QuantGroupSize = 32
)

// ErrInvalidTileConfig signals tile sizes incompatible with the input
// dimensions. The caller owns the padding contract, so hitting this is
// a programming error, not a runtime condition to recover from.
var ErrInvalidTileConfig = errors.New("invalid tile configuration")

type TileConfig struct {
	BlockX int
	BlockY int
	BlockK int
}

func DefaultTiles() TileConfig {
	return TileConfig{BlockX: DefaultBlockX, BlockY: DefaultBlockY, BlockK: DefaultBlockK}
}

// AutoTiles shrinks the row tile for small inputs: the largest power of
// two not above m, floored at MinBlockX, so a handful of rows does not
// pay for a 256-row tile of zero padding.
func AutoTiles(m int) TileConfig {
	cfg := DefaultTiles()
	if m < cfg.BlockX {
		bx := 1
		for bx*2 <= m {
			bx *= 2
		}
		if bx < MinBlockX {
			bx = MinBlockX
		}
		cfg.BlockX = bx
	}
	return cfg
}

// MatMul8Bit computes inputs (m x k) times the dequantization of the
// block-quantized weight (k x n) without materializing the dense
// weight. quants is grouped (k/32, 32, n); scales is (k/32, n) as
// binary16 bits, each broadcast over its block's 32 elements.
//
// Accumulation is float32 regardless of storage precision; the
// half-precision scales are a documented tolerance, not exact math.
func MatMul8Bit(inputs []float32, m, k int, quants []int8, scales []uint16, n int, cfg TileConfig) ([]float32, error) {
	start := time.Now()
	defer func() {
		metrics.RecordKernelDuration("matmul_q8", time.Since(start))
	}()

	if m <= 0 || k <= 0 || n <= 0 {
		return nil, fmt.Errorf("%w: non-positive dims m=%d k=%d n=%d", ErrInvalidTileConfig, m, k, n)
	}
	if len(inputs) != m*k {
		return nil, fmt.Errorf("%w: %d input elements for (%d, %d)", ErrInvalidTileConfig, len(inputs), m, k)
	}
	if k%QuantGroupSize != 0 {
		return nil, fmt.Errorf("%w: reduction axis %d not a multiple of %d", ErrInvalidTileConfig, k, QuantGroupSize)
	}
	if len(quants) != k*n || len(scales) != (k/QuantGroupSize)*n {
		return nil, fmt.Errorf("%w: weight arrays do not match (%d, %d)", ErrInvalidTileConfig, k, n)
	}

	bx, by, bk := cfg.BlockX, cfg.BlockY, cfg.BlockK
	if bx <= 0 || by <= 0 || bk <= 0 || bk%QuantGroupSize != 0 {
		return nil, fmt.Errorf("%w: blocks x=%d y=%d k=%d", ErrInvalidTileConfig, bx, by, bk)
	}
	// A reduction axis shorter than one chunk degenerates to a single
	// iteration covering the whole axis.
	if k < bk {
		bk = k
	} else if k%bk != 0 {
		return nil, fmt.Errorf("%w: block_k %d does not divide reduction axis %d", ErrInvalidTileConfig, bk, k)
	}
	paddedM := ((m + bx - 1) / bx) * bx
	in := inputs
	if paddedM != m {
		logger.Component("kernel").Debug("padding activation rows", "rows", m, "padded", paddedM)
		in = make([]float32, paddedM*k)
		copy(in, inputs)
	}

	out := make([]float32, paddedM*n)

	gridX := paddedM / bx
	// Ragged column counts get full-width tiles plus one narrower
	// remainder tile, keeping worker scratch bounded by bx*by.
	gridY := (n + by - 1) / by
	numTiles := gridX * gridY
	workers := runtime.NumCPU()
	if workers > numTiles {
		workers = numTiles
	}

	// Tiles are independent: each writes only its own output block, so
	// the grid is embarrassingly parallel.
	jobs := make(chan [2]int, numTiles)
	for ti := 0; ti < gridX; ti++ {
		for tj := 0; tj < gridY; tj++ {
			jobs <- [2]int{ti, tj}
		}
	}
	close(jobs)

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			accum := make([]float32, bx*by)
			wbuf := make([]float32, QuantGroupSize*by)
			for job := range jobs {
				computeTile(in, quants, scales, out, k, n, bx, by, bk, job[0], job[1], accum, wbuf)
			}
		}()
	}
	wg.Wait()

	// Trim the padded rows.
	return out[:m*n], nil
}

// computeTile accumulates one (bx x by) output block. accum plays the
// role of the on-chip scratch: it lives for the whole tile and is cast
// out to the output buffer only after the last reduction chunk.
func computeTile(in []float32, quants []int8, scales []uint16, out []float32, k, n, bx, by, bk, ti, tj int, accum, wbuf []float32) {
	i0 := ti * bx
	j0 := tj * by
	// The last column tile of a ragged n is narrower; scratch is sized
	// for a full tile and sliced down.
	jw := by
	if j0+jw > n {
		jw = n - j0
	}

	accum = accum[:bx*jw]
	for i := range accum {
		accum[i] = 0
	}

	blocksPerChunk := bk / QuantGroupSize
	numChunks := k / bk

	for chunk := 0; chunk < numChunks; chunk++ {
		for bg := 0; bg < blocksPerChunk; bg++ {
			kb := chunk*blocksPerChunk + bg

			// Reconstruct this (32 x jw) slab of the weight: broadcast each
			// column's block scale over its 32 quantized elements.
			for jj := 0; jj < jw; jj++ {
				s := float16.Frombits(scales[kb*n+j0+jj]).Float32()
				for e := 0; e < QuantGroupSize; e++ {
					wbuf[e*jw+jj] = s * float32(quants[(kb*QuantGroupSize+e)*n+j0+jj])
				}
			}

			kOff := kb * QuantGroupSize
			for ii := 0; ii < bx; ii++ {
				row := in[(i0+ii)*k+kOff : (i0+ii)*k+kOff+QuantGroupSize]
				acc := accum[ii*jw : ii*jw+jw]
				for e := 0; e < QuantGroupSize; e++ {
					a := row[e]
					if a == 0 {
						continue
					}
					w := wbuf[e*jw : e*jw+jw]
					for jj := range acc {
						acc[jj] += a * w[jj]
					}
				}
			}
		}
	}

	for ii := 0; ii < bx; ii++ {
		copy(out[(i0+ii)*n+j0:(i0+ii)*n+j0+jw], accum[ii*jw:ii*jw+jw])
	}
}
