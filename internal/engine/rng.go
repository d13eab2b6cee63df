package engine

import "math"

// Key is a splittable random state. Advancing it is a pure function:
// Split consumes the key and yields a successor plus an independent
// subkey, exactly one split per sampling step. There is no global
// random state anywhere in the decode loop.
type Key uint64

// NewKey derives a key from a seed.
func NewKey(seed uint64) Key {
	return Key(splitmix64(seed))
}

// Split returns the successor key and a one-use subkey. The original
// key must not be reused afterwards.
func (k Key) Split() (next Key, sub Key) {
	next = Key(splitmix64(uint64(k)))
	sub = Key(splitmix64(uint64(k) ^ 0xda942042e4dd58b5))
	return next, sub
}

// Fold derives a stream-indexed key, used to draw many independent
// values from one subkey without mutating it.
func (k Key) Fold(i uint64) Key {
	return Key(splitmix64(uint64(k) ^ (i+1)*0x9e3779b97f4a7c15))
}

// Uniform returns a draw in the open interval (0, 1).
func (k Key) Uniform() float64 {
	u := float64(uint64(k)>>11) / (1 << 53)
	if u <= 0 {
		u = math.SmallestNonzeroFloat64
	}
	return u
}

func splitmix64(x uint64) uint64 {
	x += 0x9e3779b97f4a7c15
	z := x
	z = (z ^ (z >> 30)) * 0xbf58476d1ce4e5b9
	z = (z ^ (z >> 27)) * 0x94d049bb133111eb
	return z ^ (z >> 31)
}
