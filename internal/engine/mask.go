package engine

// Mask is the boolean attention mask over (batch, query, key)
// positions. It is recomputed for every forward pass from the causal
// condition, the cache cursor, and pad liveness; it is never stored
// across steps.
type Mask struct {
	Batch int
	QLen  int
	KLen  int
	data  []bool
}

func NewMask(batch, qLen, kLen int) *Mask {
	return &Mask{
		Batch: batch,
		QLen:  qLen,
		KLen:  kLen,
		data:  make([]bool, batch*qLen*kLen),
	}
}

func (m *Mask) idx(b, q, k int) int {
	return (b*m.QLen+q)*m.KLen + k
}

// Allowed reports whether query position q may attend to key position k
// for batch element b.
func (m *Mask) Allowed(b, q, k int) bool {
	return m.data[m.idx(b, q, k)]
}

func (m *Mask) set(b, q, k int, v bool) {
	m.data[m.idx(b, q, k)] = v
}

// PrefillMask combines the static causal condition with "key position
// holds a real (non-pad) prompt token". tokens rows are already padded
// to the cache capacity.
func PrefillMask(tokens [][]int, padTokenID int) *Mask {
	batch := len(tokens)
	seqLen := len(tokens[0])
	m := NewMask(batch, seqLen, seqLen)
	for b := 0; b < batch; b++ {
		for q := 0; q < seqLen; q++ {
			for k := 0; k <= q; k++ {
				m.set(b, q, k, tokens[b][k] != padTokenID)
			}
		}
	}
	return m
}

// StepMask permits a single query at the cursor to attend to every live
// key strictly before the cursor: original prompt positions and
// previously generated ones, but never pad slots and never the
// query's own not-yet-written position.
func StepMask(live [][]bool, cursor int) *Mask {
	batch := len(live)
	kLen := len(live[0])
	m := NewMask(batch, 1, kLen)
	for b := 0; b < batch; b++ {
		for k := 0; k < cursor && k < kLen; k++ {
			m.set(b, 0, k, live[b][k])
		}
	}
	return m
}
