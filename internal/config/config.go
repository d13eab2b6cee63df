package config

import "fmt"

// Config describes the model geometry the decode state machine needs.
// Weight ingestion and layer topology live with the caller; the cache
// only cares about how many layers write into it and how wide each
// key/value row is.
type Config struct {
	Layers    int
	Heads     int
	KVHeads   int
	HeadDim   int
	VocabSize int

	MaxSeqLen  int
	PadTokenID int

	LogLevel  string
	LogFormat string
}

func (c *Config) Validate() error {
	if c.Layers <= 0 {
		return fmt.Errorf("invalid layers: %d (must be positive)", c.Layers)
	}
	if c.Heads <= 0 {
		return fmt.Errorf("invalid heads: %d (must be positive)", c.Heads)
	}
	if c.KVHeads <= 0 {
		return fmt.Errorf("invalid kv_heads: %d (must be positive)", c.KVHeads)
	}
	if c.KVHeads > c.Heads {
		return fmt.Errorf("invalid kv_heads: %d (must be <= heads: %d)", c.KVHeads, c.Heads)
	}
	if c.Heads%c.KVHeads != 0 {
		return fmt.Errorf("invalid kv_heads: %d (must divide heads: %d)", c.KVHeads, c.Heads)
	}
	if c.HeadDim <= 0 {
		return fmt.Errorf("invalid head_dim: %d (must be positive)", c.HeadDim)
	}
	if c.VocabSize <= 0 {
		return fmt.Errorf("invalid vocab_size: %d (must be positive)", c.VocabSize)
	}
	if c.MaxSeqLen <= 0 {
		return fmt.Errorf("invalid max_seq_len: %d (must be positive)", c.MaxSeqLen)
	}
	if c.PadTokenID < 0 {
		return fmt.Errorf("invalid pad_token_id: %d (must be non-negative)", c.PadTokenID)
	}
	if c.PadTokenID >= c.VocabSize {
		return fmt.Errorf("invalid pad_token_id: %d (must be < vocab_size: %d)", c.PadTokenID, c.VocabSize)
	}
	return nil
}

// KVDim is the width of one cached key or value row
func (c *Config) KVDim() int {
	return c.KVHeads * c.HeadDim
}

func Default() Config {
	return Config{
		Layers:     1,
		Heads:      4,
		KVHeads:    4,
		HeadDim:    16,
		VocabSize:  128256,
		MaxSeqLen:  64,
		PadTokenID: 128020,
		LogLevel:   "INFO",
		LogFormat:  "console",
	}
}
