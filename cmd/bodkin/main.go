package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/23skdu/longbow-bodkin/internal/config"
	"github.com/23skdu/longbow-bodkin/internal/engine"
	"github.com/23skdu/longbow-bodkin/internal/flightexport"
	"github.com/23skdu/longbow-bodkin/internal/logger"
	"github.com/23skdu/longbow-bodkin/internal/model"
	"github.com/23skdu/longbow-bodkin/internal/monitoring"
	"github.com/23skdu/longbow-bodkin/internal/tokenizer"
)

var (
	prompt      = flag.String("prompt", "the quick brown fox", "Prompt to generate from")
	batch       = flag.Int("batch", 1, "Number of parallel sequences")
	maxSeqLen   = flag.Int("max-seq-len", 128, "Cache capacity in positions")
	layers      = flag.Int("layers", 2, "Transformer layers")
	heads       = flag.Int("heads", 8, "Attention heads")
	kvHeads     = flag.Int("kv-heads", 4, "Key/value heads")
	headDim     = flag.Int("head-dim", 32, "Per-head dimension")
	vocabSize   = flag.Int("vocab", 512, "Vocabulary size")
	seed        = flag.Int64("seed", 42, "Weight and sampling seed")
	doSample    = flag.Bool("sample", false, "Sample instead of greedy argmax")
	metricsAddr = flag.String("metrics", ":9090", "Address to serve Prometheus metrics")
	flightAddr  = flag.String("flight", "", "Arrow Flight endpoint for per-step logits (empty disables)")
	logLevel    = flag.String("log-level", "info", "Log level: debug, info, warn, error")
	logFormat   = flag.String("log-format", "console", "Log format: console or json")
)

func main() {
	flag.Parse()
	logger.Setup(*logLevel, *logFormat)

	cfg := config.Config{
		Layers:     *layers,
		Heads:      *heads,
		KVHeads:    *kvHeads,
		HeadDim:    *headDim,
		VocabSize:  *vocabSize,
		MaxSeqLen:  *maxSeqLen,
		PadTokenID: *vocabSize - 1,
		LogLevel:   *logLevel,
		LogFormat:  *logFormat,
	}
	if err := cfg.Validate(); err != nil {
		logger.Log.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	mon := monitoring.NewMonitor()
	go func() {
		if err := mon.Start(*metricsAddr); err != nil && err != http.ErrServerClosed {
			logger.Log.Warn("monitoring server stopped", "error", err)
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		mon.Stop(shutdownCtx)
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tok, err := tokenizer.New(demoVocab(cfg.VocabSize))
	if err != nil {
		logger.Log.Error("tokenizer init failed", "error", err)
		os.Exit(1)
	}

	logger.Log.Info("building model", "layers", cfg.Layers, "heads", cfg.Heads, "vocab", cfg.VocabSize)
	mdl, err := model.NewTiny(cfg, *seed)
	if err != nil {
		logger.Log.Error("model init failed", "error", err)
		os.Exit(1)
	}

	sess, err := engine.NewSession(cfg, mdl, tok)
	if err != nil {
		logger.Log.Error("session init failed", "error", err)
		os.Exit(1)
	}

	if *flightAddr != "" {
		exp := flightexport.NewExporter(*flightAddr)
		if err := exp.Connect(); err != nil {
			logger.Log.Error("flight connect failed", "addr", *flightAddr, "error", err)
			os.Exit(1)
		}
		defer exp.Close()
		sess.SetLogitSink(exp)
	}

	opts := engine.GenerateOptions{
		Batch:      *batch,
		MaxSeqLen:  cfg.MaxSeqLen,
		PadTokenID: &cfg.PadTokenID,
		DoSample:   *doSample,
		Seed:       uint64(*seed),
	}

	start := time.Now()
	texts, err := sess.Generate(ctx, *prompt, opts)
	if err != nil {
		logger.Log.Error("generation failed", "error", err)
		os.Exit(1)
	}
	elapsed := time.Since(start)

	total := *batch * cfg.MaxSeqLen
	logger.Log.Info("generation finished",
		"sequences", len(texts),
		"elapsed", elapsed.String(),
		"tokens_per_sec", fmt.Sprintf("%.1f", float64(total)/elapsed.Seconds()))
	for b, text := range texts {
		fmt.Printf("[%d] %s\n", b, text)
	}
}

// demoVocab builds a byte-level vocabulary padded out with synthetic
// pieces. Ids stay dense so any sampled id decodes to something.
func demoVocab(n int) []string {
	vocab := make([]string, 0, n)
	for b := 0; b < 256 && len(vocab) < n; b++ {
		vocab = append(vocab, string(rune(b)))
	}
	for i := len(vocab); i < n; i++ {
		vocab = append(vocab, fmt.Sprintf("<tok%d>", i))
	}
	return vocab
}
