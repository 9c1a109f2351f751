package intercept

import (
	"errors"
	"math"
	"slices"
	"testing"

	"github.com/zboralski/memlift/internal/heap"
	"github.com/zboralski/memlift/internal/memory"
)

func newEnv(t *testing.T) *Env {
	t.Helper()
	as, err := memory.New(64)
	if err != nil {
		t.Fatalf("Failed to create address space: %v", err)
	}
	h, err := heap.New(as, heap.DefaultConfig())
	if err != nil {
		t.Fatalf("Failed to create heap: %v", err)
	}
	return &Env{Space: as, Heap: h}
}

func call(env *Env, name string, args ...uint64) Result {
	return Dispatch(env, Call{Name: name, PC: 0x4000, Args: args})
}

func expectReturn(t *testing.T, res Result, want uint64) {
	t.Helper()
	if res.Outcome != Return || res.Value != want {
		t.Errorf("Expected return 0x%x, got %s 0x%x (%v)", want, res.Outcome, res.Value, res.Err)
	}
}

func TestUnknownNameDefers(t *testing.T) {
	res := call(newEnv(t), "does_not_exist")
	if res.Outcome != DeferToHost || !errors.Is(res.Err, ErrUnknown) {
		t.Errorf("Expected defer with ErrUnknown, got %s %v", res.Outcome, res.Err)
	}
}

func TestMemorySurface(t *testing.T) {
	env := newEnv(t)

	expectReturn(t, call(env, "mem.map", 0x1000, 0x1000, ProtRead|ProtWrite), 1)
	expectReturn(t, call(env, "mem.is_mapped", 0x1800), 1)
	expectReturn(t, call(env, "mem.write32", 0x1010, 0xcafebabe), 1)
	expectReturn(t, call(env, "mem.read32", 0x1010), 0xcafebabe)
	expectReturn(t, call(env, "mem.read8", 0x1010), 0xbe)

	res := call(env, "mem.read64", 0x5000)
	if res.Value != math.MaxUint64 || !errors.Is(res.Err, ErrFault) {
		t.Errorf("Expected all-ones fault, got 0x%x %v", res.Value, res.Err)
	}
	res = call(env, "mem.read16", 0x5000)
	if res.Value != 0xffff {
		t.Errorf("Expected 0xffff for failed 16-bit read, got 0x%x", res.Value)
	}

	expectReturn(t, call(env, "mem.protect", 0x1000, 0x1000, ProtRead), 1)
	expectReturn(t, call(env, "mem.can_write", 0x1010), 0)
	expectReturn(t, call(env, "mem.can_read", 0x1010), 1)
	res = call(env, "mem.write8", 0x1010, 1)
	if res.Value != 0 || !errors.Is(res.Err, ErrFault) {
		t.Errorf("Expected write fault on read-only memory, got %v", res.Err)
	}

	expectReturn(t, call(env, "mem.find_hole", 0x1000, 0x4000, 0x800), 0x2000)
	res = call(env, "mem.find_hole", 0x1000, 0x2000, 0x10)
	if !errors.Is(res.Err, ErrNoHole) {
		t.Errorf("Expected ErrNoHole, got %v", res.Err)
	}

	expectReturn(t, call(env, "mem.unmap", 0x1000, 0x1000), 1)
	expectReturn(t, call(env, "mem.is_mapped", 0x1800), 0)
	expectReturn(t, call(env, "lift.lookup", 0x1000), 0)
}

func TestSymbolicRead(t *testing.T) {
	env := newEnv(t)
	if err := env.Space.AddMap(0x1000, 0x1000, "data", 0); err != nil {
		t.Fatalf("Failed to map: %v", err)
	}
	env.Space.TryWrite(0x1000, memory.Width64, memory.Symbolic(memory.NamedSymbol("argc")))

	res := call(env, "mem.read64", 0x1000)
	if res.Sym == nil || res.Sym.Name() != "argc" {
		t.Errorf("Expected symbolic argc, got %+v", res)
	}
}

func TestSymbolicWrite(t *testing.T) {
	env := newEnv(t)
	if err := env.Space.AddMap(0x1000, 0x1000, "data", 0); err != nil {
		t.Fatalf("Failed to map: %v", err)
	}
	_ = env.Space.WriteBytes(0x1000, []byte{1, 2, 3, 4})

	var detail string
	r := NewRegistry()
	RegisterBuiltins(r)
	r.OnCall = func(_ uint64, _, _, d string, _ Result) { detail = d }

	res := r.Dispatch(env, Call{
		Name: "mem.write32",
		Args: []uint64{0x1000, 0},
		Syms: []memory.Symbol{nil, memory.NamedSymbol("len")},
	})
	expectReturn(t, res, 1)
	if detail != "0x1000 sym:len -> 0x1" {
		t.Errorf("Expected symbolic argument in detail, got %q", detail)
	}

	res = r.Dispatch(env, Call{Name: "mem.read32", Args: []uint64{0x1000}})
	if res.Sym == nil || res.Sym.Name() != "len" {
		t.Errorf("Expected symbolic len, got %+v", res)
	}
	if b, _ := env.Space.Peek(0x1000, 4); b[0] != 1 {
		t.Errorf("Expected concrete bytes untouched, got %v", b)
	}

	// a concrete write clears the binding
	expectReturn(t, r.Dispatch(env, Call{Name: "mem.write32", Args: []uint64{0x1000, 7}}), 1)
	res = r.Dispatch(env, Call{Name: "mem.read32", Args: []uint64{0x1000}})
	if res.Sym != nil || res.Value != 7 {
		t.Errorf("Expected concrete 7, got %+v", res)
	}
}

func TestAllocatorSurface(t *testing.T) {
	env := newEnv(t)

	res := call(env, "malloc", 32)
	if res.Outcome != Return || res.Value == 0 {
		t.Fatalf("Expected allocation, got %+v", res)
	}
	p := res.Value
	expectReturn(t, call(env, "malloc_usable_size", p), 32)
	expectReturn(t, call(env, "malloc", 0), 0)

	res = call(env, "free", 0x1234)
	if res.Outcome != DeferToHost {
		t.Errorf("Expected free of foreign pointer to defer, got %s", res.Outcome)
	}

	expectReturn(t, call(env, "free", p), 0)
	res = call(env, "free", p)
	if res.Outcome != DeferToHost || !errors.Is(res.Err, heap.ErrDeferToHost) {
		t.Errorf("Expected second free to defer, got %s %v", res.Outcome, res.Err)
	}
	res = call(env, "realloc", p, 64)
	if res.Outcome != Abort || !errors.Is(res.Err, heap.ErrFreedPointer) {
		t.Errorf("Expected freed pointer abort, got %s %v", res.Outcome, res.Err)
	}
	res = call(env, "realloc", 0x1234, 64)
	if res.Outcome != Abort || !errors.Is(res.Err, heap.ErrUntrackedPointer) {
		t.Errorf("Expected untracked pointer abort, got %s %v", res.Outcome, res.Err)
	}

	res = call(env, "aligned_alloc", 0x100, 16)
	if res.Outcome != Return || res.Value%0x100 != 0 {
		t.Errorf("Expected aligned allocation, got %+v", res)
	}
	res = call(env, "memalign", 3, 16)
	if res.Outcome != DeferToHost || !errors.Is(res.Err, heap.ErrBadAlignment) {
		t.Errorf("Expected bad alignment defer, got %s %v", res.Outcome, res.Err)
	}

	res = call(env, "_Znwm", 0)
	if res.Outcome != Return || res.Value == 0 {
		t.Errorf("Expected operator new(0) to allocate, got %+v", res)
	}
	expectReturn(t, call(env, "_ZdlPvm", res.Value, 0), 0)

	res = call(&Env{Space: env.Space}, "malloc", 16)
	if res.Outcome != DeferToHost || !errors.Is(res.Err, ErrNoHeap) {
		t.Errorf("Expected ErrNoHeap defer, got %s %v", res.Outcome, res.Err)
	}
}

func TestPosixMemalign(t *testing.T) {
	env := newEnv(t)
	if err := env.Space.AddMap(0x1000, 0x1000, "data", 0); err != nil {
		t.Fatalf("Failed to map: %v", err)
	}
	expectReturn(t, call(env, "posix_memalign", 0x1100, 64, 32), 0)
	v, ok := env.Space.TryRead(0x1100, memory.Width64)
	if !ok || v.Bits == 0 || v.Bits%64 != 0 {
		t.Errorf("Expected aligned pointer stored, got 0x%x", v.Bits)
	}
	expectReturn(t, call(env, "posix_memalign", 0x1100, 48, 32), einval)
}

func TestParseLong(t *testing.T) {
	tests := []struct {
		in   string
		base int
		bits int
		want int64
		n    int
	}{
		{"  42", 10, 64, 42, 4},
		{"-0x1f", 0, 64, -31, 5},
		{"0755", 0, 64, 493, 4},
		{"zz", 36, 64, 1295, 2},
		{"12abc", 10, 64, 12, 2},
		{"abc", 10, 64, 0, 0},
		{"0x", 16, 64, 0, 1},
		{"12", 1, 64, 0, 0},
		{"9223372036854775807", 10, 64, math.MaxInt64, 19},
		{"9223372036854775808", 10, 64, math.MaxInt64, 19},
		{"-9223372036854775809", 10, 64, math.MinInt64, 20},
		{"4294967296", 10, 32, math.MaxInt32, 10},
	}
	for _, tt := range tests {
		got, n := ParseLong(tt.in, tt.base, tt.bits)
		if got != tt.want || n != tt.n {
			t.Errorf("ParseLong(%q, %d): expected %d/%d, got %d/%d", tt.in, tt.base, tt.want, tt.n, got, n)
		}
	}
}

func TestStrtolWritesEndptr(t *testing.T) {
	env := newEnv(t)
	if err := env.Space.AddMap(0x1000, 0x1000, "data", 0); err != nil {
		t.Fatalf("Failed to map: %v", err)
	}
	if err := env.Space.WriteBytes(0x1000, []byte("  123abc\x00")); err != nil {
		t.Fatalf("Failed to write: %v", err)
	}

	expectReturn(t, call(env, "strtol", 0x1000, 0x1100, 10), 123)
	v, _ := env.Space.TryRead(0x1100, memory.Width64)
	if v.Bits != 0x1005 {
		t.Errorf("Expected endptr 0x1005, got 0x%x", v.Bits)
	}

	res := call(env, "strtol", 0x9000, 0, 10)
	if res.Outcome != DeferToHost {
		t.Errorf("Expected unreadable string to defer, got %s", res.Outcome)
	}
}

func TestStringRoutines(t *testing.T) {
	env := newEnv(t)
	if err := env.Space.AddMap(0x1000, 0x1000, "data", 0); err != nil {
		t.Fatalf("Failed to map: %v", err)
	}
	_ = env.Space.WriteBytes(0x1000, []byte("hello\x00"))
	_ = env.Space.WriteBytes(0x1100, []byte("help\x00"))

	expectReturn(t, call(env, "strlen", 0x1000), 5)
	if res := call(env, "strcmp", 0x1000, 0x1100); int64(res.Value) >= 0 {
		t.Errorf("Expected hello < help, got %d", int64(res.Value))
	}
	expectReturn(t, call(env, "memcpy", 0x1200, 0x1000, 6), 0x1200)
	expectReturn(t, call(env, "memcmp", 0x1200, 0x1000, 6), 0)
	expectReturn(t, call(env, "memset", 0x1200, 'x', 3), 0x1200)
	s, _ := env.Space.ReadCString(0x1200, 16)
	if s != "xxxlo" {
		t.Errorf("Expected xxxlo, got %q", s)
	}
	if res := call(env, "memmove", 0x1200, 0x9000, 4); res.Outcome != DeferToHost {
		t.Errorf("Expected copy from unmapped memory to defer, got %s", res.Outcome)
	}
}

func TestRegistryOnCallAndList(t *testing.T) {
	r := NewRegistry()
	RegisterBuiltins(r)

	var names []string
	r.OnCall = func(pc uint64, category, name, detail string, res Result) {
		if pc != 0x4000 {
			t.Errorf("Expected pc 0x4000, got 0x%x", pc)
		}
		names = append(names, category+":"+name)
	}
	env := newEnv(t)
	r.Dispatch(env, Call{Name: "mem.is_mapped", PC: 0x4000, Args: []uint64{0}})
	r.Dispatch(env, Call{Name: "aligned_alloc", PC: 0x4000, Args: []uint64{16, 16}})
	if !slices.Equal(names, []string{"mem:mem.is_mapped", "libc:aligned_alloc"}) {
		t.Errorf("Unexpected callbacks %v", names)
	}

	list := r.List()
	if !slices.Contains(list, "memalign") || slices.Contains(list, "aligned_alloc") {
		t.Errorf("Expected primary names only, got %v", list)
	}
	if r.Count() <= len(list) {
		t.Errorf("Expected aliases to be counted, got %d <= %d", r.Count(), len(list))
	}
}
