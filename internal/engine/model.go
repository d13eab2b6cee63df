package engine

import "context"

// Model is the transformer body collaborator. The core owns the cache,
// masks, and the decode state machine; the body owns layer topology.
// Forward runs one pass over the given query positions and returns
// logit rows indexed [b*len(positions)+q]. Attention layers write their
// keys/values into the cache at the positions they process; the row at
// the current position must come from the pass itself, never from the
// cache (the mask forbids reading it).
type Model interface {
	Forward(tokens [][]int, positions []int, mask *Mask, cache *KVCache) ([][]float32, error)
}

// Tokenizer is the text collaborator.
type Tokenizer interface {
	Encode(text string) []int
	Decode(ids []int) string
}

// LogitSink receives per-step logit rows, one call per decode step.
// Export failures are diagnostics, not generation failures.
type LogitSink interface {
	ExportStep(ctx context.Context, step int, logits [][]float32) error
}
