package engine

import (
	"errors"
	"testing"
)

func TestKVCache_Lifecycle(t *testing.T) {
	cache, err := NewKVCache(2, 3, 8, 4, 16)
	if err != nil {
		t.Fatalf("NewKVCache failed: %v", err)
	}
	if cache.Cursor() != 0 {
		t.Errorf("fresh cursor = %d, want 0", cache.Cursor())
	}
	if cache.Remaining() != 8 {
		t.Errorf("Remaining = %d, want 8", cache.Remaining())
	}
	if cache.Layers() != 2 || cache.Batch() != 3 || cache.MaxSeqLen() != 8 {
		t.Errorf("geometry accessors wrong: %d %d %d", cache.Layers(), cache.Batch(), cache.MaxSeqLen())
	}
}

func TestNewKVCache_InvalidGeometry(t *testing.T) {
	cases := [][5]int{
		{0, 1, 8, 2, 4},
		{1, 0, 8, 2, 4},
		{1, 1, 0, 2, 4},
		{1, 1, 8, 0, 4},
		{1, 1, 8, 2, 0},
	}
	for _, c := range cases {
		if _, err := NewKVCache(c[0], c[1], c[2], c[3], c[4]); err == nil {
			t.Errorf("NewKVCache(%v) should fail", c)
		}
	}
}

func TestKVCache_WriteReadBack(t *testing.T) {
	cache, err := NewKVCache(2, 2, 4, 2, 3)
	if err != nil {
		t.Fatalf("NewKVCache failed: %v", err)
	}
	kvDim := 2 * 3

	key := make([]float32, kvDim)
	val := make([]float32, kvDim)
	for i := range key {
		key[i] = float32(i + 1)
		val[i] = float32(-(i + 1))
	}
	if err := cache.Write(1, 1, 2, key, val); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	gotK := cache.KeyAt(1, 1, 2)
	gotV := cache.ValueAt(1, 1, 2)
	for i := range key {
		if gotK[i] != key[i] || gotV[i] != val[i] {
			t.Fatalf("read-back mismatch at %d", i)
		}
	}

	// Other slots stay zero.
	for _, v := range cache.KeyAt(0, 1, 2) {
		if v != 0 {
			t.Fatal("write leaked into another layer")
		}
	}
	for _, v := range cache.KeyAt(1, 0, 2) {
		if v != 0 {
			t.Fatal("write leaked into another batch row")
		}
	}
}

func TestKVCache_WriteBounds(t *testing.T) {
	cache, err := NewKVCache(1, 1, 4, 2, 2)
	if err != nil {
		t.Fatalf("NewKVCache failed: %v", err)
	}
	row := make([]float32, 4)

	if err := cache.Write(1, 0, 0, row, row); err == nil {
		t.Error("expected layer bounds error")
	}
	if err := cache.Write(0, 1, 0, row, row); err == nil {
		t.Error("expected batch bounds error")
	}
	if err := cache.Write(0, 0, 4, row, row); err == nil {
		t.Error("expected position bounds error")
	}
	if err := cache.Write(0, 0, -1, row, row); err == nil {
		t.Error("expected negative position error")
	}
	if err := cache.Write(0, 0, 0, row[:3], row); err == nil {
		t.Error("expected row width error")
	}
}

func TestKVCache_CursorMonotone(t *testing.T) {
	cache, err := NewKVCache(1, 1, 10, 1, 4)
	if err != nil {
		t.Fatalf("NewKVCache failed: %v", err)
	}

	if err := cache.Advance(4); err != nil {
		t.Fatalf("Advance(4) failed: %v", err)
	}
	if cache.Cursor() != 4 {
		t.Errorf("cursor = %d, want 4", cache.Cursor())
	}
	if err := cache.Advance(0); err != nil {
		t.Errorf("Advance(0) should be a no-op: %v", err)
	}
	if err := cache.Advance(-1); err == nil {
		t.Error("cursor must never move backwards")
	}
	if cache.Cursor() != 4 {
		t.Errorf("failed Advance moved the cursor to %d", cache.Cursor())
	}

	for i := 0; i < 6; i++ {
		if err := cache.Advance(1); err != nil {
			t.Fatalf("Advance step %d failed: %v", i, err)
		}
	}
	if cache.Remaining() != 0 {
		t.Errorf("Remaining = %d, want 0", cache.Remaining())
	}

	err = cache.Advance(1)
	if !errors.Is(err, ErrCacheExhausted) {
		t.Errorf("expected ErrCacheExhausted, got %v", err)
	}
	if cache.Cursor() != 10 {
		t.Errorf("exhausted Advance moved the cursor to %d", cache.Cursor())
	}
}

func TestKVCache_AdvancePastCapacityInOneJump(t *testing.T) {
	cache, err := NewKVCache(1, 1, 8, 1, 2)
	if err != nil {
		t.Fatalf("NewKVCache failed: %v", err)
	}
	if err := cache.Advance(9); !errors.Is(err, ErrCacheExhausted) {
		t.Errorf("expected ErrCacheExhausted, got %v", err)
	}
	if cache.Cursor() != 0 {
		t.Errorf("failed jump moved the cursor to %d", cache.Cursor())
	}
}
