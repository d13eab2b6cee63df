package quant

import (
	"fmt"
	"sync"

	"gonum.org/v1/gonum/mat"

	"github.com/23skdu/longbow-bodkin/internal/kernel"
	"github.com/23skdu/longbow-bodkin/internal/logger"
	"github.com/23skdu/longbow-bodkin/internal/metrics"
	"github.com/23skdu/longbow-bodkin/internal/tensor"
)

// Linear is the quantized linear layer: named input feature axes in,
// named output feature axes out. Forward flattens leading batch axes
// and the input feature axes into a (batch, in_features) matrix,
// invokes the kernel, and unflattens back into the named output axes.
// The named-axis handling is marshalling only; the weight never leaves
// its load-time representation.
type Linear struct {
	In  []tensor.Axis
	Out []tensor.Axis

	weight   *Weight
	warnOnce sync.Once
}

// NewLinear wraps a loaded weight behind the linear-layer contract.
func NewLinear(in, out []tensor.Axis, w *Weight) (*Linear, error) {
	if w == nil {
		return nil, fmt.Errorf("nil weight")
	}
	if !w.Transposed {
		return nil, fmt.Errorf("weight %s: embedding tables are not linear layers", w.Name)
	}
	inCount := tensor.Product(in)
	outCount := tensor.Product(out)
	if w.InFeatures() != inCount {
		return nil, fmt.Errorf("weight %s: in_features %d != named axes product %d", w.Name, w.InFeatures(), inCount)
	}
	if w.OutFeatures() != outCount {
		return nil, fmt.Errorf("weight %s: out_features %d != named axes product %d", w.Name, w.OutFeatures(), outCount)
	}
	return &Linear{In: in, Out: out, weight: w}, nil
}

// Forward maps an activation tensor indexed by the input axes to one
// indexed by the output axes. Leading axes are treated as batch.
func (l *Linear) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	leading, m, k, err := x.SplitTrailing(l.In)
	if err != nil {
		return nil, fmt.Errorf("linear %s: %w", l.weight.Name, err)
	}

	var out []float32
	if l.weight.Q8 != nil && m >= kernel.MinBlockX {
		q8 := l.weight.Q8
		out, err = kernel.MatMul8Bit(x.Data, m, k, q8.Quants, q8.Scales, q8.OutFeatures, kernel.AutoTiles(m))
		if err != nil {
			return nil, fmt.Errorf("linear %s: %w", l.weight.Name, err)
		}
	} else {
		out = l.forwardDense(x.Data, m, k)
	}

	axes := make([]tensor.Axis, 0, len(leading)+len(l.Out))
	axes = append(axes, leading...)
	axes = append(axes, l.Out...)
	return tensor.New(out, axes...)
}

// forwardDense is the slow path: full dequantization then an ordinary
// multiply. Not an error path, but it means the kernel was skipped, so
// it is surfaced once per layer and counted.
func (l *Linear) forwardDense(in []float32, m, k int) []float32 {
	reason := "no_kernel"
	if l.weight.Q8 != nil {
		reason = "small_batch"
	}
	metrics.RecordFallback(reason)
	l.warnOnce.Do(func() {
		logger.Component("quant").Warn("quantized linear taking dense slow path",
			"tensor", l.weight.Name, "scheme", l.weight.Scheme.String(), "reason", reason)
	})

	var w []float32
	if l.weight.Q8 != nil {
		w = l.weight.Q8.Dequantize()
	} else {
		w = l.weight.Dense
	}
	n := l.weight.OutFeatures()

	a := mat.NewDense(m, k, widen(in))
	b := mat.NewDense(k, n, widen(w))
	var c mat.Dense
	c.Mul(a, b)

	raw := c.RawMatrix()
	out := make([]float32, m*n)
	for r := 0; r < m; r++ {
		for j := 0; j < n; j++ {
			out[r*n+j] = float32(raw.Data[r*raw.Stride+j])
		}
	}
	return out
}

// Row returns one row of a non-transposed dense weight, the embedding
// lookup primitive.
func (w *Weight) Row(i int) ([]float32, error) {
	if w.Dense == nil || w.Transposed {
		return nil, fmt.Errorf("weight %s is not an embedding table", w.Name)
	}
	if i < 0 || i >= w.Rows {
		return nil, fmt.Errorf("weight %s: row %d out of range [0, %d)", w.Name, i, w.Rows)
	}
	return w.Dense[i*w.Cols : (i+1)*w.Cols], nil
}

func widen(in []float32) []float64 {
	out := make([]float64, len(in))
	for i, v := range in {
		out[i] = float64(v)
	}
	return out
}
