// Package tensor provides a minimal named-axis view over flat float32
// buffers. Names exist only at component boundaries; compute kernels
// receive plain row-major matrices with axis order fixed by contract.
package tensor

import "fmt"

// Axis is a named dimension extent.
type Axis struct {
	Name string
	Size int
}

// Tensor is a named-axis view over a contiguous row-major buffer.
// The last axis varies fastest.
type Tensor struct {
	Axes []Axis
	Data []float32
}

// New wraps data with the given axes, validating the element count.
func New(data []float32, axes ...Axis) (*Tensor, error) {
	n := 1
	for _, a := range axes {
		if a.Size <= 0 {
			return nil, fmt.Errorf("axis %q has invalid size %d", a.Name, a.Size)
		}
		n *= a.Size
	}
	if len(data) != n {
		return nil, fmt.Errorf("data length %d does not match axes (%d elements)", len(data), n)
	}
	return &Tensor{Axes: axes, Data: data}, nil
}

// Zeros allocates a zero-filled tensor with the given axes.
func Zeros(axes ...Axis) *Tensor {
	n := 1
	for _, a := range axes {
		n *= a.Size
	}
	return &Tensor{Axes: axes, Data: make([]float32, n)}
}

// NumElements returns the flat element count.
func (t *Tensor) NumElements() int {
	n := 1
	for _, a := range t.Axes {
		n *= a.Size
	}
	return n
}

// AxisSize looks up an axis extent by name.
func (t *Tensor) AxisSize(name string) (int, bool) {
	for _, a := range t.Axes {
		if a.Name == name {
			return a.Size, true
		}
	}
	return 0, false
}

// SplitTrailing checks that the tensor's trailing axes match want (same
// names, same order, same sizes) and returns the leading axes plus the
// flattened (rows, cols) split: rows is the product of the leading
// extents, cols the product of the trailing ones. This is the
// marshalling step before handing the buffer to a 2D kernel.
func (t *Tensor) SplitTrailing(want []Axis) (leading []Axis, rows, cols int, err error) {
	if len(t.Axes) < len(want) {
		return nil, 0, 0, fmt.Errorf("tensor has %d axes, need at least %d", len(t.Axes), len(want))
	}
	off := len(t.Axes) - len(want)
	for i, w := range want {
		got := t.Axes[off+i]
		if got.Name != w.Name || got.Size != w.Size {
			return nil, 0, 0, fmt.Errorf("trailing axis %d: have %s=%d, want %s=%d",
				i, got.Name, got.Size, w.Name, w.Size)
		}
	}
	leading = t.Axes[:off]
	rows, cols = 1, 1
	for _, a := range leading {
		rows *= a.Size
	}
	for _, a := range want {
		cols *= a.Size
	}
	return leading, rows, cols, nil
}

// Product returns the total extent of a set of axes.
func Product(axes []Axis) int {
	n := 1
	for _, a := range axes {
		n *= a.Size
	}
	return n
}
