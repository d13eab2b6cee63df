package main

import (
	"flag"
	"fmt"
	"log"
	"math/rand"
	"time"

	"github.com/23skdu/longbow-bodkin/internal/kernel"
	"github.com/23skdu/longbow-bodkin/internal/quant"
)

var (
	m     = flag.Int("m", 256, "Batch rows")
	k     = flag.Int("k", 2048, "Input features")
	n     = flag.Int("n", 2048, "Output features")
	iters = flag.Int("iters", 10, "Timed iterations")
	seed  = flag.Int64("seed", 1, "Data seed")
)

func main() {
	flag.Parse()
	rows, inF, outF := *m, *k, *n

	rng := rand.New(rand.NewSource(*seed))

	weights := make([]float32, outF*inF)
	for i := range weights {
		weights[i] = rng.Float32()*2 - 1
	}
	scales, quants, err := quant.QuantizeQ8(weights, outF, inF)
	if err != nil {
		log.Fatalf("quantize: %v", err)
	}
	w, err := quant.LoadTensor("bench.weight", quant.SchemeQ8_0,
		quant.RawTensor{Scales: scales, Quants: quants}, []int{outF, inF}, nil)
	if err != nil {
		log.Fatalf("load: %v", err)
	}

	inputs := make([]float32, rows*inF)
	for i := range inputs {
		inputs[i] = rng.Float32()*2 - 1
	}

	// One warm-up pass before timing.
	cfg := kernel.AutoTiles(rows)
	if _, err := kernel.MatMul8Bit(inputs, rows, inF, w.Q8.Quants, w.Q8.Scales, outF, cfg); err != nil {
		log.Fatalf("matmul: %v", err)
	}

	start := time.Now()
	for i := 0; i < *iters; i++ {
		if _, err := kernel.MatMul8Bit(inputs, rows, inF, w.Q8.Quants, w.Q8.Scales, outF, cfg); err != nil {
			log.Fatalf("matmul: %v", err)
		}
	}
	elapsed := time.Since(start)

	perIter := elapsed / time.Duration(*iters)
	flops := 2 * float64(rows) * float64(inF) * float64(outF)
	fmt.Printf("shape (%d x %d) @ (%d x %d), tiles %dx%dx%d\n", rows, inF, inF, outF, cfg.BlockX, cfg.BlockY, cfg.BlockK)
	fmt.Printf("%d iters in %v (%v/iter, %.2f GFLOP/s)\n", *iters, elapsed, perIter, flops/perIter.Seconds()/1e9)
}
