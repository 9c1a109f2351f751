package heap

import (
	"encoding/binary"
	"errors"
	"strings"
	"testing"

	"github.com/zboralski/memlift/internal/memory"
)

func newHeap(t *testing.T) (*memory.AddressSpace, *Allocator) {
	t.Helper()
	as, err := memory.New(64)
	if err != nil {
		t.Fatalf("Failed to create address space: %v", err)
	}
	a, err := New(as, DefaultConfig())
	if err != nil {
		t.Fatalf("Failed to create allocator: %v", err)
	}
	return as, a
}

func TestMallocMapsRange(t *testing.T) {
	as, a := newHeap(t)

	ptr, err := a.Malloc(24)
	if err != nil {
		t.Fatalf("Failed to malloc: %v", err)
	}
	if ptr != DefaultBase+memory.PageSize {
		t.Errorf("Expected first allocation at 0x%x, got 0x%x", DefaultBase+memory.PageSize, ptr)
	}
	if ptr%16 != 0 {
		t.Errorf("Expected 16-byte aligned pointer, got 0x%x", ptr)
	}
	if !as.CanRead(ptr) || !as.CanWrite(ptr+23) {
		t.Error("Expected allocation to be readable and writable")
	}
	r, ok := as.FindRange(ptr)
	if !ok || !strings.HasPrefix(r.Name, "heap_") {
		t.Errorf("Expected heap_ range, got %+v", r)
	}
	if n, ok := a.UsableSize(ptr); !ok || n != 24 {
		t.Errorf("Expected usable size 24, got %d (%v)", n, ok)
	}
}

func TestMallocZeroAndTooLarge(t *testing.T) {
	_, a := newHeap(t)

	ptr, err := a.Malloc(0)
	if ptr != 0 || err != nil {
		t.Errorf("Expected malloc(0) = 0, nil; got 0x%x, %v", ptr, err)
	}

	_, err = a.Malloc(DefaultMaxAlloc + 1)
	if !errors.Is(err, ErrTooLarge) {
		t.Fatalf("Expected ErrTooLarge, got %v", err)
	}
	if IsFatal(err) {
		t.Error("Expected oversized malloc to be recoverable")
	}
}

func TestFree(t *testing.T) {
	as, a := newHeap(t)

	ptr, _ := a.Malloc(32)
	if err := a.Free(ptr); err != nil {
		t.Fatalf("Failed to free: %v", err)
	}
	if as.IsMapped(ptr) {
		t.Error("Expected freed allocation to be unmapped")
	}
	if rec, ok := a.Record(ptr); !ok || rec.State != Freed {
		t.Errorf("Expected freed record, got %+v (%v)", rec, ok)
	}
	if _, ok := a.UsableSize(ptr); ok {
		t.Error("Expected no usable size for freed pointer")
	}

	err := a.Free(ptr)
	if !errors.Is(err, ErrDeferToHost) || IsFatal(err) {
		t.Errorf("Expected second free to defer, got %v", err)
	}
	if st := a.Stats(); st.Frees != 1 || st.Live != 0 {
		t.Errorf("Expected one free and nothing live, got %+v", st)
	}

	if err := a.Free(0); err != nil {
		t.Errorf("Expected free(0) to succeed, got %v", err)
	}

	err = a.Free(0x1234)
	if !errors.Is(err, ErrDeferToHost) || IsFatal(err) {
		t.Errorf("Expected recoverable defer for foreign pointer, got %v", err)
	}
}

func TestFreedRegionReused(t *testing.T) {
	_, a := newHeap(t)

	p1, _ := a.Malloc(64)
	if err := a.Free(p1); err != nil {
		t.Fatalf("Failed to free: %v", err)
	}
	p2, err := a.Malloc(64)
	if err != nil {
		t.Fatalf("Failed to malloc: %v", err)
	}
	if p2 != p1 {
		t.Errorf("Expected lowest hole 0x%x to be reused, got 0x%x", p1, p2)
	}
	if rec, _ := a.Record(p2); rec.State != Live {
		t.Errorf("Expected live record, got %s", rec.State)
	}
}

func TestCalloc(t *testing.T) {
	as, a := newHeap(t)

	ptr, err := a.Calloc(4, 8)
	if err != nil {
		t.Fatalf("Failed to calloc: %v", err)
	}
	data, err := as.ReadBytes(ptr, 32)
	if err != nil {
		t.Fatalf("Failed to read: %v", err)
	}
	for i, b := range data {
		if b != 0 {
			t.Fatalf("Expected zero byte at %d, got 0x%x", i, b)
		}
	}

	if ptr, err := a.Calloc(0, 8); ptr != 0 || err != nil {
		t.Errorf("Expected calloc(0, 8) = 0, nil; got 0x%x, %v", ptr, err)
	}

	_, err = a.Calloc(1<<33, 1<<33)
	if KindOf(err) != TooLarge || IsFatal(err) {
		t.Errorf("Expected recoverable TooLarge on overflow, got %v", err)
	}
}

func TestReallocGrowCopies(t *testing.T) {
	as, a := newHeap(t)

	p, _ := a.Malloc(16)
	blocker, _ := a.Malloc(16)
	if err := as.WriteBytes(p, []byte("0123456789abcdef")); err != nil {
		t.Fatalf("Failed to write: %v", err)
	}

	q, err := a.Realloc(p, 64)
	if err != nil {
		t.Fatalf("Failed to realloc: %v", err)
	}
	if q == p || q == blocker {
		t.Fatalf("Expected a new region, got 0x%x", q)
	}
	data, _ := as.ReadBytes(q, 16)
	if string(data) != "0123456789abcdef" {
		t.Errorf("Expected contents to be copied, got %q", data)
	}
	if as.IsMapped(p) {
		t.Error("Expected old region to be released")
	}
	if rec, _ := a.Record(p); rec.State != Freed {
		t.Errorf("Expected old record freed, got %s", rec.State)
	}
}

func TestReallocInPlace(t *testing.T) {
	_, a := newHeap(t)

	p, _ := a.Malloc(20) // capacity 32
	q, err := a.Realloc(p, 30)
	if err != nil || q != p {
		t.Fatalf("Expected in-place grow, got 0x%x, %v", q, err)
	}
	q, err = a.Realloc(p, 8)
	if err != nil || q != p {
		t.Fatalf("Expected in-place shrink, got 0x%x, %v", q, err)
	}
	if n, _ := a.UsableSize(p); n != 8 {
		t.Errorf("Expected usable size 8, got %d", n)
	}
}

func TestReallocEdges(t *testing.T) {
	as, a := newHeap(t)

	p, err := a.Realloc(0, 40)
	if err != nil || p == 0 {
		t.Fatalf("Expected realloc(0, n) to allocate, got 0x%x, %v", p, err)
	}

	q, err := a.Realloc(p, 0)
	if q != 0 || err != nil {
		t.Fatalf("Expected realloc(p, 0) = 0, nil; got 0x%x, %v", q, err)
	}
	if as.IsMapped(p) {
		t.Error("Expected realloc(p, 0) to free")
	}

	tests := []struct {
		name string
		ptr  uint64
		size uint64
		want error
	}{
		{"internal", DefaultBase + 8, 16, ErrInternalPointer},
		{"untracked", 0x1234, 16, ErrUntrackedPointer},
		{"freed", p, 16, ErrFreedPointer},
		{"too large", p, DefaultMaxAlloc + 1, ErrTooLarge},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := a.Realloc(tt.ptr, tt.size)
			if !errors.Is(err, tt.want) {
				t.Fatalf("Expected %v, got %v", tt.want, err)
			}
			if !IsFatal(err) {
				t.Errorf("Expected %v to be fatal", err)
			}
		})
	}
}

func TestMemalign(t *testing.T) {
	_, a := newHeap(t)

	_, err := a.Memalign(24, 16)
	if !errors.Is(err, ErrBadAlignment) || IsFatal(err) {
		t.Errorf("Expected recoverable bad alignment, got %v", err)
	}

	if _, err := a.Malloc(32); err != nil {
		t.Fatalf("Failed to malloc: %v", err)
	}
	p, err := a.Memalign(0x100, 16)
	if err != nil {
		t.Fatalf("Failed to memalign: %v", err)
	}
	if p%0x100 != 0 {
		t.Errorf("Expected 0x100 alignment, got 0x%x", p)
	}
	if err := a.Free(p); err != nil {
		t.Errorf("Expected aligned pointer to be freeable, got %v", err)
	}
}

func TestMetadataPage(t *testing.T) {
	as, a := newHeap(t)

	r, ok := as.FindRange(DefaultBase)
	if !ok || r.Name != MetaName {
		t.Fatalf("Expected metadata page at base, got %+v", r)
	}
	_, _ = a.Malloc(16)
	p, _ := a.Malloc(48)
	_ = a.Free(p)

	hdr, err := as.Peek(DefaultBase, 40)
	if err != nil {
		t.Fatalf("Failed to peek: %v", err)
	}
	if string(hdr[:8]) != metaMagic {
		t.Errorf("Expected magic %q, got %q", metaMagic, hdr[:8])
	}
	if live := binary.LittleEndian.Uint64(hdr[8:]); live != 1 {
		t.Errorf("Expected 1 live allocation, got %d", live)
	}
	st := a.Stats()
	if st.Allocs != 2 || st.Frees != 1 || st.LiveBytes != 16 {
		t.Errorf("Unexpected stats %+v", st)
	}
}

func TestNewRejectsBadConfig(t *testing.T) {
	as, _ := memory.New(64)
	if _, err := New(as, Config{Base: 0x1001, Limit: 0x10000}); err == nil {
		t.Error("Expected error for unaligned base")
	}
	if _, err := New(as, Config{Base: 0x1000, Limit: 0x2000}); err == nil {
		t.Error("Expected error for heap without arena")
	}
}
