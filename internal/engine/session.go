package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/23skdu/longbow-bodkin/internal/config"
	"github.com/23skdu/longbow-bodkin/internal/logger"
	"github.com/23skdu/longbow-bodkin/internal/metrics"
)

// ErrStateDonated flags reuse of a decode state after it was consumed
// by a step. That is an orchestration bug (the buffers may already have
// been rewritten in place), so it fails loudly instead of recovering.
var ErrStateDonated = errors.New("decode state reused after donation")

// GenerateOptions are the per-call knobs of the sampling entry point.
// PadTokenID is optional; nil falls back to the config's pad sentinel,
// so an explicit pad id of zero stays requestable.
type GenerateOptions struct {
	Batch      int
	MaxSeqLen  int
	PadTokenID *int
	DoSample   bool
	Seed       uint64
}

// Session drives prefill followed by repeated single-step decode,
// feeding each sampled token back in. A session is single-writer: its
// cache is never shared, and its scratch (positions, token buffers) is
// sized once for the (maxSeqLen, batch) pair and reused every step.
type Session struct {
	cfg   config.Config
	model Model
	tok   Tokenizer
	sink  LogitSink
}

func NewSession(cfg config.Config, model Model, tok Tokenizer) (*Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if model == nil {
		return nil, fmt.Errorf("nil model")
	}
	if tok == nil {
		return nil, fmt.Errorf("nil tokenizer")
	}
	return &Session{cfg: cfg, model: model, tok: tok}, nil
}

// SetLogitSink attaches an optional per-step logit exporter.
func (s *Session) SetLogitSink(sink LogitSink) {
	s.sink = sink
}

// DecodeState is the owning handle for one in-flight generation. Each
// Step consumes the previous state and returns a fresh handle over the
// same underlying buffers; holding on to the old handle is an error.
type DecodeState struct {
	cache     *KVCache
	tokens    [][]int
	live      [][]bool
	promptLen int
	sampler   *Sampler
	positions []int

	donated bool
}

// Cursor exposes the cache write cursor.
func (st *DecodeState) Cursor() int { return st.cache.Cursor() }

// PromptLen is the true (unpadded) prompt length.
func (st *DecodeState) PromptLen() int { return st.promptLen }

// Tokens returns the token grid, batch rows of maxSeqLen ids.
func (st *DecodeState) Tokens() [][]int { return st.tokens }

// Cache exposes the session's cache, mainly for assertions in tests.
func (st *DecodeState) Cache() *KVCache { return st.cache }

func (s *Session) resolve(opts GenerateOptions) GenerateOptions {
	if opts.Batch <= 0 {
		opts.Batch = 1
	}
	if opts.MaxSeqLen <= 0 {
		opts.MaxSeqLen = s.cfg.MaxSeqLen
	}
	if opts.PadTokenID == nil {
		pad := s.cfg.PadTokenID
		opts.PadTokenID = &pad
	}
	return opts
}

// Prefill allocates the cache, runs one forward pass over the whole
// padded prompt with the causal+non-pad mask, advances the cursor to
// the true prompt length, and samples the first generated token from
// the logits at the last real position.
func (s *Session) Prefill(promptIDs []int, opts GenerateOptions) (*DecodeState, error) {
	opts = s.resolve(opts)
	trueLen := len(promptIDs)
	if trueLen == 0 {
		return nil, fmt.Errorf("empty prompt")
	}
	if trueLen > opts.MaxSeqLen {
		return nil, fmt.Errorf("prompt length %d exceeds max_seq_len %d", trueLen, opts.MaxSeqLen)
	}

	start := time.Now()
	pad := *opts.PadTokenID

	tokens := make([][]int, opts.Batch)
	live := make([][]bool, opts.Batch)
	for b := range tokens {
		tokens[b] = make([]int, opts.MaxSeqLen)
		live[b] = make([]bool, opts.MaxSeqLen)
		copy(tokens[b], promptIDs)
		for i := trueLen; i < opts.MaxSeqLen; i++ {
			tokens[b][i] = pad
		}
		for i := 0; i < trueLen; i++ {
			live[b][i] = promptIDs[i] != pad
		}
	}

	cache, err := NewKVCache(s.cfg.Layers, opts.Batch, opts.MaxSeqLen, s.cfg.KVHeads, s.cfg.HeadDim)
	if err != nil {
		return nil, err
	}

	positions := make([]int, opts.MaxSeqLen)
	for i := range positions {
		positions[i] = i
	}

	mask := PrefillMask(tokens, pad)
	logits, err := s.model.Forward(tokens, positions, mask, cache)
	if err != nil {
		return nil, fmt.Errorf("prefill forward: %w", err)
	}
	if err := cache.Advance(trueLen); err != nil {
		return nil, err
	}

	st := &DecodeState{
		cache:     cache,
		tokens:    tokens,
		live:      live,
		promptLen: trueLen,
		sampler:   NewSampler(opts.DoSample, opts.Seed),
		positions: make([]int, 1),
	}

	// First generated token comes from the last real prompt position.
	// One key split covers the whole batch.
	rows := make([][]float32, opts.Batch)
	for b := range rows {
		rows[b] = logits[b*opts.MaxSeqLen+trueLen-1]
	}
	for b, tok := range st.sampler.SampleStep(rows) {
		if trueLen < opts.MaxSeqLen {
			st.tokens[b][trueLen] = tok
		}
	}

	metrics.PrefillDuration.Observe(time.Since(start).Seconds())
	logger.Component("engine").Debug("prefill complete", "prompt_len", trueLen, "batch", opts.Batch, "max_seq_len", opts.MaxSeqLen)
	return st, nil
}

// Step consumes the state, runs one forward pass at the cursor over the
// most recently sampled token, writes the new key/value row, advances
// the cursor by one, and samples the following token. The returned
// handle replaces the argument; the argument is donated.
func (s *Session) Step(ctx context.Context, st *DecodeState) (*DecodeState, error) {
	if st.donated {
		return nil, ErrStateDonated
	}
	cursor := st.cache.Cursor()
	if cursor >= st.cache.MaxSeqLen() {
		metrics.CacheExhaustedTotal.Inc()
		return nil, ErrCacheExhausted
	}

	start := time.Now()
	batch := st.cache.Batch()

	stepTokens := make([][]int, batch)
	for b := 0; b < batch; b++ {
		stepTokens[b] = []int{st.tokens[b][cursor]}
	}
	st.positions[0] = cursor

	mask := StepMask(st.live, cursor)
	logits, err := s.model.Forward(stepTokens, st.positions, mask, st.cache)
	if err != nil {
		return nil, fmt.Errorf("decode step at %d: %w", cursor, err)
	}
	if err := st.cache.Advance(1); err != nil {
		return nil, err
	}

	next := &DecodeState{
		cache:     st.cache,
		tokens:    st.tokens,
		live:      st.live,
		promptLen: st.promptLen,
		sampler:   st.sampler,
		positions: st.positions,
	}
	st.donated = true

	drawn := next.sampler.SampleStep(logits)
	for b := 0; b < batch; b++ {
		next.live[b][cursor] = true
		if cursor+1 < next.cache.MaxSeqLen() {
			next.tokens[b][cursor+1] = drawn[b]
		}
	}

	if s.sink != nil {
		if err := s.sink.ExportStep(ctx, cursor, logits); err != nil {
			metrics.LogitExportErrors.Inc()
			logger.Component("engine").Warn("logit export failed", "step", cursor, "error", err)
		} else {
			metrics.LogitExportTotal.Inc()
		}
	}

	metrics.StepDuration.Observe(time.Since(start).Seconds())
	metrics.RecordTokens(batch)
	return next, nil
}

// Generate is the sampling entry point: encode, prefill, step until the
// cache is exhausted, decode. Returns one decoded string per batch
// element. Cache exhaustion is the loop's normal exit, not a failure.
func (s *Session) Generate(ctx context.Context, prompt string, opts GenerateOptions) ([]string, error) {
	opts = s.resolve(opts)

	ids := s.tok.Encode(prompt)
	st, err := s.Prefill(ids, opts)
	if err != nil {
		return nil, err
	}

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		next, err := s.Step(ctx, st)
		if errors.Is(err, ErrCacheExhausted) {
			break
		}
		if err != nil {
			return nil, err
		}
		st = next
	}

	texts := make([]string, len(st.tokens))
	for b, row := range st.tokens {
		texts[b] = s.tok.Decode(row)
	}
	logger.Component("engine").Info("generation complete", "batch", len(texts), "tokens_per_seq", opts.MaxSeqLen)
	return texts, nil
}
