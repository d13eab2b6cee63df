package quant

import (
	"errors"
	"fmt"
)

var (
	// ErrUnsupportedScheme is returned for scheme identifiers outside the
	// supported set. Fatal at load time.
	ErrUnsupportedScheme = errors.New("unsupported quantization scheme")

	// ErrShapeMismatch is returned when an ingested tensor's element count
	// disagrees with its declared logical shape. Fatal at load time.
	ErrShapeMismatch = errors.New("tensor shape mismatch")
)

// Scheme is the closed set of weight storage formats. Dispatch on it is
// resolved once at load time, never per kernel call.
type Scheme int

const (
	SchemeF32 Scheme = iota
	SchemeF16
	SchemeQ8_0
)

func (s Scheme) String() string {
	switch s {
	case SchemeF32:
		return "fp32"
	case SchemeF16:
		return "fp16"
	case SchemeQ8_0:
		return "q8_0"
	default:
		return fmt.Sprintf("scheme(%d)", int(s))
	}
}

// ParseScheme maps a weight-file scheme identifier onto the closed enum.
func ParseScheme(id string) (Scheme, error) {
	switch id {
	case "fp32", "f32":
		return SchemeF32, nil
	case "fp16", "f16":
		return SchemeF16, nil
	case "q8_0":
		return SchemeQ8_0, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnsupportedScheme, id)
	}
}

// HasKernel reports whether the tiled matmul kernel can consume weights
// stored in this scheme directly. Everything else takes the dense path.
func (s Scheme) HasKernel() bool {
	return s == SchemeQ8_0
}
