package engine

import (
	"errors"
	"fmt"

	"github.com/23skdu/longbow-bodkin/internal/logger"
	"github.com/23skdu/longbow-bodkin/internal/metrics"
)

// ErrCacheExhausted signals that the decode cursor reached capacity.
// Recoverable: the orchestrator stops requesting steps and returns what
// has been generated so far.
var ErrCacheExhausted = errors.New("kv cache exhausted")

// KVCache holds per-layer key/value history shaped
// (batch, maxSeqLen, kvHeads, headDim) plus the single write cursor
// shared across all layers. Positions [0, cursor) are valid history;
// everything at or past the cursor is stale. One cache belongs to
// exactly one generation session.
type KVCache struct {
	layers    int
	batch     int
	maxSeqLen int
	kvHeads   int
	headDim   int

	k [][]float32
	v [][]float32

	cursor int
}

// NewKVCache allocates zero-filled key/value buffers for every layer
// and sets the cursor to zero.
func NewKVCache(layers, batch, maxSeqLen, kvHeads, headDim int) (*KVCache, error) {
	if layers <= 0 {
		return nil, fmt.Errorf("invalid layers: %d", layers)
	}
	if batch <= 0 {
		return nil, fmt.Errorf("invalid batch: %d", batch)
	}
	if maxSeqLen <= 0 {
		return nil, fmt.Errorf("invalid max_seq_len: %d", maxSeqLen)
	}
	kvDim := kvHeads * headDim
	if kvDim <= 0 {
		return nil, fmt.Errorf("invalid kv dims: heads=%d head_dim=%d", kvHeads, headDim)
	}

	c := &KVCache{
		layers:    layers,
		batch:     batch,
		maxSeqLen: maxSeqLen,
		kvHeads:   kvHeads,
		headDim:   headDim,
		k:         make([][]float32, layers),
		v:         make([][]float32, layers),
	}
	size := batch * maxSeqLen * kvDim
	for i := 0; i < layers; i++ {
		c.k[i] = make([]float32, size)
		c.v[i] = make([]float32, size)
	}

	capacityBytes := int64(layers) * 2 * int64(size) * 4
	metrics.RecordKVCacheStats(capacityBytes, 0)
	metrics.RecordCursor(0)
	logger.Component("cache").Debug("kv cache allocated",
		"layers", layers, "batch", batch, "max_seq_len", maxSeqLen, "bytes", capacityBytes)
	return c, nil
}

func (c *KVCache) Layers() int    { return c.layers }
func (c *KVCache) Batch() int     { return c.batch }
func (c *KVCache) MaxSeqLen() int { return c.maxSeqLen }
func (c *KVCache) KVHeads() int   { return c.kvHeads }
func (c *KVCache) HeadDim() int   { return c.headDim }

// Cursor is the next writable position; equivalently the count of valid
// cached positions.
func (c *KVCache) Cursor() int { return c.cursor }

// Remaining returns how many positions can still be written.
func (c *KVCache) Remaining() int { return c.maxSeqLen - c.cursor }

func (c *KVCache) offset(b, pos int) int {
	return (b*c.maxSeqLen + pos) * c.kvHeads * c.headDim
}

// Write stores one position's key and value rows for a layer. Rows are
// kvHeads*headDim wide. Bounds violations are rejected, counted, and
// reported; the attention layer writing past capacity is a bug.
func (c *KVCache) Write(layer, b, pos int, key, value []float32) error {
	if layer < 0 || layer >= c.layers {
		return fmt.Errorf("invalid layer index: %d", layer)
	}
	if b < 0 || b >= c.batch {
		return fmt.Errorf("invalid batch index: %d", b)
	}
	if pos < 0 || pos >= c.maxSeqLen {
		metrics.KVCacheOutOfBounds.Inc()
		return fmt.Errorf("position out of bounds: %d (max %d)", pos, c.maxSeqLen)
	}
	kvDim := c.kvHeads * c.headDim
	if len(key) != kvDim || len(value) != kvDim {
		return fmt.Errorf("kv row width %d/%d, want %d", len(key), len(value), kvDim)
	}
	off := c.offset(b, pos)
	copy(c.k[layer][off:off+kvDim], key)
	copy(c.v[layer][off:off+kvDim], value)
	return nil
}

// KeyAt returns the cached key row for one position.
func (c *KVCache) KeyAt(layer, b, pos int) []float32 {
	kvDim := c.kvHeads * c.headDim
	off := c.offset(b, pos)
	return c.k[layer][off : off+kvDim]
}

// ValueAt returns the cached value row for one position.
func (c *KVCache) ValueAt(layer, b, pos int) []float32 {
	kvDim := c.kvHeads * c.headDim
	off := c.offset(b, pos)
	return c.v[layer][off : off+kvDim]
}

// Advance moves the cursor forward by n. The cursor never moves
// backwards and never passes maxSeqLen.
func (c *KVCache) Advance(n int) error {
	if n < 0 {
		return fmt.Errorf("cursor cannot move backwards: %d", n)
	}
	if c.cursor+n > c.maxSeqLen {
		return fmt.Errorf("%w: cursor %d + %d exceeds capacity %d", ErrCacheExhausted, c.cursor, n, c.maxSeqLen)
	}
	c.cursor += n

	kvDim := c.kvHeads * c.headDim
	usedBytes := int64(c.layers) * 2 * int64(c.batch*c.cursor*kvDim) * 4
	metrics.KVCacheUsedBytes.Set(float64(usedBytes))
	metrics.RecordCursor(c.cursor)
	return nil
}
