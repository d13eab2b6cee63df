// Package model provides a small self-contained transformer built from
// quantized linear layers. It exists so the decode loop, cache, and
// kernel can run end to end without an external weight file: weights
// are generated from a seed and pushed through the same load path a
// real checkpoint would take.
package model

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/23skdu/longbow-bodkin/internal/config"
	"github.com/23skdu/longbow-bodkin/internal/engine"
	"github.com/23skdu/longbow-bodkin/internal/quant"
	"github.com/23skdu/longbow-bodkin/internal/tensor"
)

// Tiny is a toy attention-only transformer. Every projection is a
// quantized linear layer loaded through the standard tensor loader, so
// the q8_0 kernel, the rotary repack, and the dense fallback all see
// real traffic.
type Tiny struct {
	cfg config.Config

	embed *quant.Weight
	qproj *quant.Linear
	kproj *quant.Linear
	vproj *quant.Linear
	oproj *quant.Linear
	out   *quant.Linear
}

var _ engine.Model = (*Tiny)(nil)

// NewTiny builds the model from seeded pseudo-random weights.
func NewTiny(cfg config.Config, seed int64) (*Tiny, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	embedDim := cfg.Heads * cfg.HeadDim
	kvDim := cfg.KVHeads * cfg.HeadDim
	rng := rand.New(rand.NewSource(seed))

	rotary := &quant.RotaryRepackSpec{Heads: cfg.Heads, HeadDim: cfg.HeadDim, EmbedDim: embedDim}
	kvRotary := &quant.RotaryRepackSpec{Heads: cfg.KVHeads, HeadDim: cfg.HeadDim, EmbedDim: embedDim}

	embed, err := loadRandom(rng, "token_embd.weight", cfg.VocabSize, embedDim, nil)
	if err != nil {
		return nil, err
	}
	qw, err := loadRandom(rng, "blk.0.attn_q.weight", embedDim, embedDim, rotary)
	if err != nil {
		return nil, err
	}
	kw, err := loadRandom(rng, "blk.0.attn_k.weight", kvDim, embedDim, kvRotary)
	if err != nil {
		return nil, err
	}
	vw, err := loadRandom(rng, "blk.0.attn_v.weight", kvDim, embedDim, nil)
	if err != nil {
		return nil, err
	}
	ow, err := loadRandom(rng, "blk.0.attn_output.weight", embedDim, embedDim, nil)
	if err != nil {
		return nil, err
	}
	outw, err := loadRandom(rng, "output.weight", cfg.VocabSize, embedDim, nil)
	if err != nil {
		return nil, err
	}

	embedAxes := []tensor.Axis{{Name: "embed", Size: embedDim}}
	m := &Tiny{cfg: cfg, embed: embed}
	if m.qproj, err = quant.NewLinear(embedAxes, []tensor.Axis{{Name: "heads", Size: cfg.Heads}, {Name: "head_dim", Size: cfg.HeadDim}}, qw); err != nil {
		return nil, err
	}
	if m.kproj, err = quant.NewLinear(embedAxes, []tensor.Axis{{Name: "kv_heads", Size: cfg.KVHeads}, {Name: "head_dim", Size: cfg.HeadDim}}, kw); err != nil {
		return nil, err
	}
	if m.vproj, err = quant.NewLinear(embedAxes, []tensor.Axis{{Name: "kv_heads", Size: cfg.KVHeads}, {Name: "head_dim", Size: cfg.HeadDim}}, vw); err != nil {
		return nil, err
	}
	if m.oproj, err = quant.NewLinear(embedAxes, embedAxes, ow); err != nil {
		return nil, err
	}
	if m.out, err = quant.NewLinear(embedAxes, []tensor.Axis{{Name: "vocab", Size: cfg.VocabSize}}, outw); err != nil {
		return nil, err
	}
	return m, nil
}

// loadRandom quantizes a random (rows, cols) matrix and feeds it through
// the standard loader, raw layout and all.
func loadRandom(rng *rand.Rand, name string, rows, cols int, rotary *quant.RotaryRepackSpec) (*quant.Weight, error) {
	w := make([]float32, rows*cols)
	scale := float32(1.0 / math.Sqrt(float64(cols)))
	for i := range w {
		w[i] = (rng.Float32()*2 - 1) * scale
	}
	scales, quants, err := quant.QuantizeQ8(w, rows, cols)
	if err != nil {
		return nil, fmt.Errorf("quantize %s: %w", name, err)
	}
	return quant.LoadTensor(name, quant.SchemeQ8_0, quant.RawTensor{Scales: scales, Quants: quants}, []int{rows, cols}, rotary)
}

// Forward runs the attention stack over the given positions, writing
// key/value rows into the cache at those positions, and returns logit
// rows indexed [b*len(positions)+q].
func (m *Tiny) Forward(tokens [][]int, positions []int, mask *engine.Mask, cache *engine.KVCache) ([][]float32, error) {
	batch := len(tokens)
	qLen := len(positions)
	embedDim := m.cfg.Heads * m.cfg.HeadDim
	kvDim := m.cfg.KVHeads * m.cfg.HeadDim
	headDim := m.cfg.HeadDim
	groups := m.cfg.Heads / m.cfg.KVHeads

	hidden := make([]float32, batch*qLen*embedDim)
	for b := 0; b < batch; b++ {
		if len(tokens[b]) != qLen {
			return nil, fmt.Errorf("batch row %d has %d tokens, want %d", b, len(tokens[b]), qLen)
		}
		for q := 0; q < qLen; q++ {
			row, err := m.embed.Row(tokens[b][q])
			if err != nil {
				return nil, err
			}
			copy(hidden[(b*qLen+q)*embedDim:], row)
		}
	}

	for layer := 0; layer < m.cfg.Layers; layer++ {
		x, err := tensor.New(hidden,
			tensor.Axis{Name: "batch", Size: batch},
			tensor.Axis{Name: "seq", Size: qLen},
			tensor.Axis{Name: "embed", Size: embedDim})
		if err != nil {
			return nil, err
		}

		qs, err := m.qproj.Forward(x)
		if err != nil {
			return nil, err
		}
		ks, err := m.kproj.Forward(x)
		if err != nil {
			return nil, err
		}
		vs, err := m.vproj.Forward(x)
		if err != nil {
			return nil, err
		}

		for b := 0; b < batch; b++ {
			for q := 0; q < qLen; q++ {
				// Pad slots never enter the cache; their positions stay
				// stale until a decode step claims them.
				if tokens[b][q] == m.cfg.PadTokenID && qLen > 1 {
					continue
				}
				off := (b*qLen + q) * kvDim
				if err := cache.Write(layer, b, positions[q], ks.Data[off:off+kvDim], vs.Data[off:off+kvDim]); err != nil {
					return nil, err
				}
			}
		}

		ctx := make([]float32, batch*qLen*embedDim)
		invSqrt := float32(1.0 / math.Sqrt(float64(headDim)))
		scores := make([]float32, mask.KLen)
		for b := 0; b < batch; b++ {
			for q := 0; q < qLen; q++ {
				qOff := (b*qLen + q) * embedDim
				for h := 0; h < m.cfg.Heads; h++ {
					kvHead := h / groups
					qVec := qs.Data[qOff+h*headDim : qOff+(h+1)*headDim]

					maxScore := float32(math.Inf(-1))
					for kp := 0; kp < mask.KLen; kp++ {
						if !mask.Allowed(b, q, kp) {
							scores[kp] = float32(math.Inf(-1))
							continue
						}
						key := cache.KeyAt(layer, b, kp)
						s := dot(qVec, key[kvHead*headDim:(kvHead+1)*headDim]) * invSqrt
						scores[kp] = s
						if s > maxScore {
							maxScore = s
						}
					}
					if math.IsInf(float64(maxScore), -1) {
						continue
					}

					var sum float32
					for kp := 0; kp < mask.KLen; kp++ {
						if math.IsInf(float64(scores[kp]), -1) {
							scores[kp] = 0
							continue
						}
						scores[kp] = float32(math.Exp(float64(scores[kp] - maxScore)))
						sum += scores[kp]
					}

					out := ctx[qOff+h*headDim : qOff+(h+1)*headDim]
					for kp := 0; kp < mask.KLen; kp++ {
						if scores[kp] == 0 {
							continue
						}
						w := scores[kp] / sum
						val := cache.ValueAt(layer, b, kp)
						axpy(out, val[kvHead*headDim:(kvHead+1)*headDim], w)
					}
				}
			}
		}

		ct, err := tensor.New(ctx,
			tensor.Axis{Name: "batch", Size: batch},
			tensor.Axis{Name: "seq", Size: qLen},
			tensor.Axis{Name: "embed", Size: embedDim})
		if err != nil {
			return nil, err
		}
		attnOut, err := m.oproj.Forward(ct)
		if err != nil {
			return nil, err
		}
		for i := range hidden {
			hidden[i] += attnOut.Data[i]
		}
	}

	xt, err := tensor.New(hidden,
		tensor.Axis{Name: "batch", Size: batch},
		tensor.Axis{Name: "seq", Size: qLen},
		tensor.Axis{Name: "embed", Size: embedDim})
	if err != nil {
		return nil, err
	}
	logits, err := m.out.Forward(xt)
	if err != nil {
		return nil, err
	}

	rows := make([][]float32, batch*qLen)
	for i := range rows {
		rows[i] = logits.Data[i*m.cfg.VocabSize : (i+1)*m.cfg.VocabSize]
	}
	return rows, nil
}

func dot(a, b []float32) float32 {
	var s float32
	for i := range a {
		s += a[i] * b[i]
	}
	return s
}

func axpy(dst, src []float32, w float32) {
	for i := range dst {
		dst[i] += w * src[i]
	}
}
