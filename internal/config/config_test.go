package config

import "testing"

func TestValidate_Default(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.KVDim() != cfg.KVHeads*cfg.HeadDim {
		t.Errorf("KVDim = %d", cfg.KVDim())
	}
}

func TestValidate_RejectsBadGeometry(t *testing.T) {
	mutations := []struct {
		name string
		mut  func(*Config)
	}{
		{"zero layers", func(c *Config) { c.Layers = 0 }},
		{"zero heads", func(c *Config) { c.Heads = 0 }},
		{"zero kv heads", func(c *Config) { c.KVHeads = 0 }},
		{"kv heads above heads", func(c *Config) { c.KVHeads = c.Heads + 1 }},
		{"kv heads not dividing heads", func(c *Config) { c.Heads = 4; c.KVHeads = 3 }},
		{"zero head dim", func(c *Config) { c.HeadDim = 0 }},
		{"zero vocab", func(c *Config) { c.VocabSize = 0 }},
		{"zero max seq len", func(c *Config) { c.MaxSeqLen = 0 }},
		{"negative pad id", func(c *Config) { c.PadTokenID = -1 }},
		{"pad id past vocab", func(c *Config) { c.PadTokenID = c.VocabSize }},
	}
	for _, m := range mutations {
		cfg := Default()
		m.mut(&cfg)
		if err := cfg.Validate(); err == nil {
			t.Errorf("%s: expected validation error", m.name)
		}
	}
}
