package tokenizer

import (
	"fmt"
	"unicode/utf8"

	"github.com/23skdu/longbow-bodkin/internal/logger"
)

// Tokenizer maps text to vocabulary ids with greedy longest-prefix
// matching over an in-memory vocabulary. Pieces carry their own
// whitespace, so Decode is plain concatenation.
type Tokenizer struct {
	Tokens []string
	Vocab  map[string]int

	maxPiece int
}

// New builds a tokenizer from an ordered vocabulary. The slice index is
// the token id.
func New(tokens []string) (*Tokenizer, error) {
	if len(tokens) == 0 {
		return nil, fmt.Errorf("empty vocabulary")
	}
	vocab := make(map[string]int, len(tokens))
	maxPiece := 0
	for i, s := range tokens {
		if s == "" {
			return nil, fmt.Errorf("token %d is empty", i)
		}
		if prev, dup := vocab[s]; dup {
			return nil, fmt.Errorf("token %q appears at both %d and %d", s, prev, i)
		}
		vocab[s] = i
		if len(s) > maxPiece {
			maxPiece = len(s)
		}
	}
	return &Tokenizer{Tokens: tokens, Vocab: vocab, maxPiece: maxPiece}, nil
}

// VocabSize is the number of pieces in the vocabulary.
func (t *Tokenizer) VocabSize() int { return len(t.Tokens) }

// Encode greedily matches the longest vocabulary piece at each byte
// offset. A position with no matching piece skips one rune and logs;
// skipped runes are lost, matching the lossy behavior of an id-only
// vocabulary.
func (t *Tokenizer) Encode(text string) []int {
	var ids []int
	for i := 0; i < len(text); {
		end := i + t.maxPiece
		if end > len(text) {
			end = len(text)
		}
		matched := false
		for j := end; j > i; j-- {
			if id, ok := t.Vocab[text[i:j]]; ok {
				ids = append(ids, id)
				i = j
				matched = true
				break
			}
		}
		if !matched {
			r, size := utf8.DecodeRuneInString(text[i:])
			logger.Component("tokenizer").Warn("no vocabulary piece at offset", "offset", i, "rune", string(r))
			i += size
		}
	}
	return ids
}

// Decode concatenates pieces. Out-of-range ids are dropped silently;
// padded sequences routinely contain ids the caller never sampled.
func (t *Tokenizer) Decode(ids []int) string {
	n := 0
	for _, id := range ids {
		if id >= 0 && id < len(t.Tokens) {
			n += len(t.Tokens[id])
		}
	}
	buf := make([]byte, 0, n)
	for _, id := range ids {
		if id >= 0 && id < len(t.Tokens) {
			buf = append(buf, t.Tokens[id]...)
		}
	}
	return string(buf)
}
