package memory

import (
	"errors"
	"testing"
)

func newSpace(t *testing.T) *AddressSpace {
	t.Helper()
	as, err := New(64)
	if err != nil {
		t.Fatalf("Failed to create address space: %v", err)
	}
	return as
}

func TestAddMapIsMapped(t *testing.T) {
	as := newSpace(t)

	if err := as.AddMap(0x1000, 0x800, "a", 0); err != nil {
		t.Fatalf("Failed to map a: %v", err)
	}
	if err := as.AddMap(0x2000, 0x400, "b", 0); err != nil {
		t.Fatalf("Failed to map b: %v", err)
	}

	cases := map[uint64]bool{
		0x0fff: false,
		0x1000: true,
		0x17ff: true,
		0x1800: false,
		0x1fff: false,
		0x2000: true,
		0x23ff: true,
		0x2400: false,
	}
	for addr, want := range cases {
		if got := as.IsMapped(addr); got != want {
			t.Errorf("IsMapped(0x%x) = %v, expected %v", addr, got, want)
		}
	}
}

func TestAddMapOverlap(t *testing.T) {
	as := newSpace(t)
	if err := as.AddMap(0x1000, 0x1000, "a", 0); err != nil {
		t.Fatalf("Failed to map: %v", err)
	}

	for _, span := range [][2]uint64{
		{0x1000, 0x1000},
		{0x0800, 0x0900},
		{0x1fff, 0x10},
		{0x0000, 0x10000},
	} {
		err := as.AddMap(span[0], span[1], "x", 0)
		var oe *OverlapError
		if !errors.As(err, &oe) {
			t.Errorf("AddMap(0x%x, 0x%x): expected OverlapError, got %v", span[0], span[1], err)
			continue
		}
		if !errors.Is(err, ErrOverlap) {
			t.Errorf("OverlapError should match ErrOverlap")
		}
		if oe.Existing.Name != "a" {
			t.Errorf("Expected overlap with a, got %q", oe.Existing.Name)
		}
	}

	// Adjacent ranges do not overlap.
	if err := as.AddMap(0x2000, 0x1000, "b", 0); err != nil {
		t.Errorf("Adjacent map failed: %v", err)
	}
	if err := as.AddMap(0x0, 0x1000, "c", 0); err != nil {
		t.Errorf("Adjacent map failed: %v", err)
	}
	if n := len(as.Ranges()); n != 3 {
		t.Errorf("Expected 3 ranges, got %d", n)
	}
}

func TestAddMapBadSize(t *testing.T) {
	as := newSpace(t)
	if err := as.AddMap(0x1000, 0, "empty", 0); !errors.Is(err, ErrBadSize) {
		t.Errorf("Expected ErrBadSize for empty map, got %v", err)
	}
	if err := as.AddMap(^uint64(0)-0x10, 0x100, "wrap", 0); !errors.Is(err, ErrBadSize) {
		t.Errorf("Expected ErrBadSize for wrapping map, got %v", err)
	}
}

func TestSpanAtTopOfSpace(t *testing.T) {
	as, err := New(32)
	if err != nil {
		t.Fatalf("Failed to create address space: %v", err)
	}
	if err := as.AddMap(0xfffff000, 0x1000, "top", 0); err != nil {
		t.Fatalf("Expected map ending at 2^32 to succeed, got %v", err)
	}
	if !as.IsMapped(0xffffffff) {
		t.Error("Expected last byte to be mapped")
	}
	if !as.TryWrite(0xfffffffc, Width32, Concrete(7)) {
		t.Error("Expected write of the last word to succeed")
	}
	if v, ok := as.TryRead(0xfffffffc, Width32); !ok || v.Bits != 7 {
		t.Errorf("Expected 7 from the last word, got %v (%v)", v, ok)
	}
	if _, ok := as.TryRead(0xfffffffe, Width32); ok {
		t.Error("Expected read past the top to fail")
	}
	if err := as.AddMap(0xfffff800, 0x1000, "past", 0); !errors.Is(err, ErrBadSize) {
		t.Errorf("Expected ErrBadSize past the top, got %v", err)
	}
	if addr, ok := as.FindHole(0xffffe000, 0x100000000, 0x1000); !ok || addr != 0xffffe000 {
		t.Errorf("FindHole = 0x%x, %v; expected 0xffffe000", addr, ok)
	}
	if err := as.RemoveMap(0xfffff000, 0x1000); err != nil {
		t.Fatalf("RemoveMap failed: %v", err)
	}
	if addr, ok := as.FindHole(0xfffff000, 0x100000000, 0x1000); !ok || addr != 0xfffff000 {
		t.Errorf("FindHole = 0x%x, %v; expected 0xfffff000", addr, ok)
	}

	as64 := newSpace(t)
	if err := as64.AddMap(^uint64(0)-0x1000, 0x1000, "top", 0); err != nil {
		t.Errorf("Expected map below 2^64-1 to succeed, got %v", err)
	}
	if err := as64.AddMap(^uint64(0)-0xfff, 0x1000, "wrap", 0); !errors.Is(err, ErrBadSize) {
		t.Errorf("Expected ErrBadSize for a limit of 2^64, got %v", err)
	}
}

func TestFindHole(t *testing.T) {
	as := newSpace(t)
	as.AddMap(0x1000, 0x800, "a", 0)
	as.AddMap(0x2000, 0x400, "b", 0)

	addr, ok := as.FindHole(0x1000, 0x3000, 0x400)
	if !ok || addr != 0x1800 {
		t.Errorf("FindHole = 0x%x, %v; expected 0x1800", addr, ok)
	}

	// Exact fit.
	addr, ok = as.FindHole(0x1000, 0x3000, 0x800)
	if !ok || addr != 0x1800 {
		t.Errorf("FindHole exact = 0x%x, %v; expected 0x1800", addr, ok)
	}

	// Too big for the gap, fits after b.
	addr, ok = as.FindHole(0x1000, 0x3000, 0x900)
	if !ok || addr != 0x2400 {
		t.Errorf("FindHole after b = 0x%x, %v; expected 0x2400", addr, ok)
	}

	// Base inside a range.
	addr, ok = as.FindHole(0x1100, 0x3000, 0x10)
	if !ok || addr != 0x1800 {
		t.Errorf("FindHole from inside a = 0x%x, %v; expected 0x1800", addr, ok)
	}

	// Nothing fits under the limit.
	if addr, ok = as.FindHole(0x1000, 0x2800, 0xc00); ok {
		t.Errorf("FindHole should fail, got 0x%x", addr)
	}

	// Unmapped region before a.
	addr, ok = as.FindHole(0, 0x3000, 0x1000)
	if !ok || addr != 0 {
		t.Errorf("FindHole at zero = 0x%x, %v; expected 0", addr, ok)
	}
}

func TestRemoveMapSplitAndRoundTrip(t *testing.T) {
	as := newSpace(t)
	as.AddMap(0x10000, 0x4000, "heap", 0x100)

	addrs := []uint64{0xffff, 0x10000, 0x11000, 0x11fff, 0x12000, 0x13fff, 0x14000}
	before := make([]bool, len(addrs))
	for i, a := range addrs {
		before[i] = as.IsMapped(a)
	}

	if err := as.RemoveMap(0x11000, 0x1000); err != nil {
		t.Fatalf("Failed to unmap: %v", err)
	}
	ranges := as.Ranges()
	if len(ranges) != 2 {
		t.Fatalf("Expected split into 2 ranges, got %d", len(ranges))
	}
	if ranges[0].Limit != 0x11000 || ranges[1].Base != 0x12000 {
		t.Errorf("Unexpected split: %v", ranges)
	}
	if ranges[1].Offset != 0x100+0x2000 {
		t.Errorf("Expected right offset 0x2100, got 0x%x", ranges[1].Offset)
	}
	if ranges[1].Name != "heap" {
		t.Errorf("Split should keep the label, got %q", ranges[1].Name)
	}
	if as.IsMapped(0x11800) {
		t.Error("Removed span still mapped")
	}

	// Removing unmapped space is a no-op.
	if err := as.RemoveMap(0x50000, 0x1000); err != nil {
		t.Errorf("Unmapping a hole failed: %v", err)
	}

	if err := as.AddMap(0x11000, 0x1000, "heap", 0); err != nil {
		t.Fatalf("Failed to remap: %v", err)
	}
	for i, a := range addrs {
		if got := as.IsMapped(a); got != before[i] {
			t.Errorf("IsMapped(0x%x) = %v after round trip, expected %v", a, got, before[i])
		}
	}
}

func TestRemoveMapClearsBytes(t *testing.T) {
	as := newSpace(t)
	as.AddMap(0x1000, 0x1000, "a", 0)
	if !as.TryWrite(0x1010, Width64, Concrete(0x1122334455667788)) {
		t.Fatal("Failed to write")
	}
	as.RemoveMap(0x1000, 0x1000)
	as.AddMap(0x1000, 0x1000, "a", 0)
	v, ok := as.TryRead(0x1010, Width64)
	if !ok || v.Bits != 0 {
		t.Errorf("Expected zeroed memory after remap, got %v", v)
	}
}

func TestSetPermissions(t *testing.T) {
	as := newSpace(t)
	as.AddMap(0x1000, 0x3000, "text", 0)

	if err := as.SetPermissions(0x2000, 0x1000, true, false, true); err != nil {
		t.Fatalf("Failed to protect: %v", err)
	}
	ranges := as.Ranges()
	if len(ranges) != 3 {
		t.Fatalf("Expected 3 ranges after protect, got %d: %v", len(ranges), ranges)
	}
	if ranges[1].Perm != PermRX {
		t.Errorf("Expected r-x, got %s", ranges[1].Perm)
	}
	if !as.CanWrite(0x1fff) || as.CanWrite(0x2000) || !as.CanWrite(0x3000) {
		t.Error("Permission change leaked outside the span")
	}
	if !as.CanExecute(0x2800) || !as.CanRead(0x2800) {
		t.Error("Expected r-x inside the span")
	}

	err := as.SetPermissions(0x3800, 0x1000, true, true, false)
	if !errors.Is(err, ErrNotMapped) {
		t.Errorf("Expected ErrNotMapped for partially mapped span, got %v", err)
	}
}

func TestTryReadWriteWidths(t *testing.T) {
	as := newSpace(t)
	as.AddMap(0x1000, 0x1000, "data", 0)

	if !as.TryWrite(0x1000, Width64, Concrete(0x8877665544332211)) {
		t.Fatal("Failed to write 64")
	}
	expect := map[Width]uint64{
		Width8:  0x11,
		Width16: 0x2211,
		Width32: 0x44332211,
		Width64: 0x8877665544332211,
	}
	for w, want := range expect {
		v, ok := as.TryRead(0x1000, w)
		if !ok || v.Bits != want || v.IsSymbolic() {
			t.Errorf("TryRead width %d = %v, %v; expected 0x%x", w, v, ok, want)
		}
	}

	// Writes truncate to width.
	as.TryWrite(0x1000, Width8, Concrete(0x1ff))
	v, _ := as.TryRead(0x1000, Width16)
	if v.Bits != 0x22ff {
		t.Errorf("Expected 0x22ff after byte write, got %v", v)
	}

	if _, ok := as.TryRead(0x1000, Width(12)); ok {
		t.Error("Invalid width should fail")
	}
}

func TestTryReadWriteFailures(t *testing.T) {
	as := newSpace(t)
	as.AddMapPerm(0x1000, 0x1000, "ro", 0, PermRead)
	as.AddMap(0x2000, 0x1000, "rw", 0)

	if as.TryWrite(0x1000, Width32, Concrete(1)) {
		t.Error("Write to read-only memory should fail")
	}
	if _, ok := as.TryRead(0x5000, Width8); ok {
		t.Error("Read of unmapped memory should fail")
	}
	// Straddles the end of rw into unmapped space.
	if as.TryWrite(0x2ffc, Width64, Concrete(1)) {
		t.Error("Write past the end of a range should fail")
	}
	// Straddles ro and rw: readable on both sides.
	if _, ok := as.TryRead(0x1ffc, Width64); !ok {
		t.Error("Read across adjacent readable ranges should succeed")
	}
	if as.TryWrite(0x1ffc, Width64, Concrete(1)) {
		t.Error("Write across a read-only range should fail")
	}
}

func TestSymbolicBinding(t *testing.T) {
	as := newSpace(t)
	as.AddMap(0x1000, 0x1000, "data", 0)
	as.TryWrite(0x1100, Width32, Concrete(0xdeadbeef))

	sym := NamedSymbol("argv0")
	if !as.TryWrite(0x1100, Width32, Symbolic(sym)) {
		t.Fatal("Failed to bind symbol")
	}

	v, ok := as.TryRead(0x1100, Width32)
	if !ok || !v.IsSymbolic() || v.Sym.Name() != "argv0" {
		t.Fatalf("Expected symbolic read, got %v", v)
	}
	// Any read overlapping the binding is shadowed.
	if v, _ := as.TryRead(0x1102, Width8); !v.IsSymbolic() {
		t.Errorf("Expected shadowed byte read, got %v", v)
	}
	if v, _ := as.TryRead(0x10fc, Width64); !v.IsSymbolic() {
		t.Errorf("Expected shadowed wide read, got %v", v)
	}
	if v, _ := as.TryRead(0x1104, Width32); v.IsSymbolic() {
		t.Errorf("Read after the binding should be concrete, got %v", v)
	}

	// Concrete bytes were not touched by the binding.
	raw, err := as.Peek(0x1100, 4)
	if err != nil || raw[0] != 0xef {
		t.Errorf("Concrete bytes changed under binding: %x %v", raw, err)
	}

	// Replacing the binding keeps one binding per address.
	as.TryWrite(0x1100, Width32, Symbolic(NamedSymbol("argv1")))
	if n := len(as.Bindings()); n != 1 {
		t.Errorf("Expected 1 binding, got %d", n)
	}

	// A concrete write clears the binding.
	as.TryWrite(0x1102, Width16, Concrete(0xabcd))
	if _, ok := as.Binding(0x1100); ok {
		t.Error("Concrete write should clear the overlapping binding")
	}
	v, _ = as.TryRead(0x1100, Width32)
	if v.IsSymbolic() || v.Bits != 0xabcdbeef {
		t.Errorf("Expected 0xabcdbeef, got %v", v)
	}
}

func TestRemoveMapDropsBindings(t *testing.T) {
	as := newSpace(t)
	as.AddMap(0x1000, 0x1000, "data", 0)
	as.TryWrite(0x1800, Width64, Symbolic(NamedSymbol("s")))
	as.RemoveMap(0x1000, 0x1000)
	if n := as.Stats().Bindings; n != 0 {
		t.Errorf("Expected bindings dropped with the range, got %d", n)
	}
}

func TestCopyMovesBindings(t *testing.T) {
	as := newSpace(t)
	as.AddMap(0x1000, 0x1000, "src", 0)
	as.AddMap(0x4000, 0x1000, "dst", 0)
	as.WriteBytes(0x1000, []byte("hello"))
	as.TryWrite(0x1008, Width32, Symbolic(NamedSymbol("len")))

	if err := as.Copy(0x4000, 0x1000, 0x10); err != nil {
		t.Fatalf("Failed to copy: %v", err)
	}
	s, err := as.ReadCString(0x4000, 16)
	if err != nil || s != "hello" {
		t.Errorf("Expected copied string, got %q %v", s, err)
	}
	b, ok := as.Binding(0x4008)
	if !ok || b.Sym.Name() != "len" {
		t.Errorf("Expected binding at 0x4008, got %v %v", b, ok)
	}
}

func TestFetchCode(t *testing.T) {
	as := newSpace(t)
	as.AddMapPerm(0x1000, 0x10, "text", 0, PermRX)
	as.AddMap(0x1010, 0x10, "data", 0)
	as.Poke(0x1000, []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16})

	code := as.FetchCode(0x1008, 16)
	if len(code) != 8 || code[0] != 9 {
		t.Errorf("Expected 8 bytes stopping at data, got %v", code)
	}
	if as.FetchCode(0x1010, 4) != nil {
		t.Error("Data range should not yield code")
	}
}

func TestAddressMask32(t *testing.T) {
	as, err := New(32)
	if err != nil {
		t.Fatalf("Failed to create address space: %v", err)
	}
	if err := as.AddMap(0x1_0000_1000, 0x1000, "masked", 0); err != nil {
		t.Fatalf("Failed to map: %v", err)
	}
	r, ok := as.FindRange(0x1000)
	if !ok || r.Base != 0x1000 {
		t.Errorf("Expected masked base 0x1000, got %v", r)
	}
	if !as.IsMapped(0xffff_ffff_0000_1800) {
		t.Error("High bits should be masked on lookup")
	}
	if _, err := New(48); err == nil {
		t.Error("Expected error for unsupported width")
	}
}

func TestTranslations(t *testing.T) {
	as := newSpace(t)
	as.AttachTranslation("text", span{0x1000, 0x1020})
	as.AttachTranslation("text", span{0x1040, 0x1080})
	if n := len(as.Translations("text")); n != 2 {
		t.Errorf("Expected 2 translations, got %d", n)
	}
	if n := len(as.Translations("data")); n != 0 {
		t.Errorf("Expected none for data, got %d", n)
	}
}

type span [2]uint64

func (s span) Span() (uint64, uint64) { return s[0], s[1] }
