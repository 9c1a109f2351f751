package emulator

import (
	"errors"
	"testing"

	uc "github.com/unicorn-engine/unicorn/bindings/go/unicorn"
	"github.com/zboralski/memlift/internal/heap"
	"github.com/zboralski/memlift/internal/intercept"
	"github.com/zboralski/memlift/internal/memory"
)

const codeBase = 0x10000

// ARM64 test code: MOV X0, #5; MOV X1, #3; ADD X2, X0, X1; RET
var addTestCode = []byte{
	0xa0, 0x00, 0x80, 0xd2, // MOV X0, #5
	0x61, 0x00, 0x80, 0xd2, // MOV X1, #3
	0x02, 0x00, 0x01, 0x8b, // ADD X2, X0, X1
	0xc0, 0x03, 0x5f, 0xd6, // RET
}

// ARM64: call the function pointer in X9 with X0 preserved as argument.
var callX9Code = []byte{
	0xfd, 0x7b, 0xbf, 0xa9, // STP X29, X30, [SP, #-16]!
	0x20, 0x01, 0x3f, 0xd6, // BLR X9
	0xfd, 0x7b, 0xc1, 0xa8, // LDP X29, X30, [SP], #16
	0xc0, 0x03, 0x5f, 0xd6, // RET
}

func newEmu(t *testing.T, archName string, code []byte) *Emulator {
	t.Helper()
	emu, err := New(archName)
	if err != nil {
		t.Fatalf("Failed to create emulator: %v", err)
	}
	t.Cleanup(func() { emu.Close() })

	if err := emu.Space().AddMapPerm(codeBase, memory.PageSize, "code", 0, memory.PermRX); err != nil {
		t.Fatalf("Failed to map code: %v", err)
	}
	if err := emu.Space().Poke(codeBase, code); err != nil {
		t.Fatalf("Failed to load code: %v", err)
	}
	return emu
}

func TestEmulatorBasic(t *testing.T) {
	emu := newEmu(t, "arm64", addTestCode)

	err := emu.Run(codeBase, codeBase+12)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if x2, _ := emu.mu.RegRead(uc.ARM64_REG_X2); x2 != 8 {
		t.Errorf("Expected X2=8, got X2=%d", x2)
	}
	if emu.Arg(0) != 5 {
		t.Errorf("Expected X0=5, got X0=%d", emu.Arg(0))
	}
	if emu.Arg(1) != 3 {
		t.Errorf("Expected X1=3, got X1=%d", emu.Arg(1))
	}
}

func TestGuestWritesVisibleInSpace(t *testing.T) {
	// STR X0, [X1]; RET
	code := []byte{0x20, 0x00, 0x00, 0xf9, 0xc0, 0x03, 0x5f, 0xd6}
	emu := newEmu(t, "arm64", code)
	as := emu.Space()
	if err := as.AddMap(0x20000, 0x100, "data", 0); err != nil {
		t.Fatalf("Failed to map data: %v", err)
	}

	_ = emu.SetArg(0, 0x1122334455667788)
	_ = emu.SetArg(1, 0x20010)
	if err := emu.Run(codeBase, codeBase+4); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	v, ok := as.TryRead(0x20010, memory.Width64)
	if !ok || v.Bits != 0x1122334455667788 {
		t.Errorf("Expected guest store visible, got 0x%x (%v)", v.Bits, ok)
	}
}

func TestStorePageSharing(t *testing.T) {
	emu := newEmu(t, "arm64", addTestCode)
	as := emu.Space()
	before := emu.store.Pages()

	if err := as.AddMap(0x30000, 0x800, "a", 0); err != nil {
		t.Fatalf("Failed to map a: %v", err)
	}
	if err := as.AddMap(0x30800, 0x800, "b", 0); err != nil {
		t.Fatalf("Failed to map b: %v", err)
	}
	if got := emu.store.Pages() - before; got != 1 {
		t.Errorf("Expected two half-page ranges to share 1 page, got %d", got)
	}
	_ = as.WriteBytes(0x30900, []byte("keep"))
	_ = as.WriteBytes(0x30100, []byte("gone"))

	if err := as.RemoveMap(0x30000, 0x800); err != nil {
		t.Fatalf("Failed to unmap a: %v", err)
	}
	data, err := as.ReadBytes(0x30900, 4)
	if err != nil || string(data) != "keep" {
		t.Errorf("Expected b intact after unmapping a, got %q (%v)", data, err)
	}

	if err := as.AddMap(0x30000, 0x800, "a2", 0); err != nil {
		t.Fatalf("Failed to remap a: %v", err)
	}
	data, _ = as.ReadBytes(0x30100, 4)
	if string(data) != "\x00\x00\x00\x00" {
		t.Errorf("Expected released bytes zeroed, got %q", data)
	}

	_ = as.RemoveMap(0x30000, 0x1000)
	if got := emu.store.Pages(); got != before {
		t.Errorf("Expected %d pages after unmapping everything, got %d", before, got)
	}
}

func TestAddressHook(t *testing.T) {
	emu := newEmu(t, "arm64", addTestCode)

	hookCalled := false
	emu.HookAddress(codeBase+4, func(e *Emulator) bool {
		hookCalled = true
		return true
	})
	_ = emu.Run(codeBase, codeBase+12)

	if !hookCalled {
		t.Error("Address hook was not called")
	}
	if !emu.Stopped() {
		t.Error("Expected hook to stop emulation")
	}
	if x1 := emu.Arg(1); x1 == 3 {
		t.Error("Expected MOV X1, #3 not to run after stop")
	}
}

func TestCodeHook(t *testing.T) {
	emu := newEmu(t, "arm64", addTestCode)

	instrCount := 0
	emu.HookCode(func(e *Emulator, addr uint64, size uint32) {
		instrCount++
	})
	_ = emu.Run(codeBase, codeBase+12)

	if instrCount != 3 {
		t.Errorf("Expected 3 instructions, got %d", instrCount)
	}
}

func TestCallAMD64(t *testing.T) {
	// LEA RAX, [RDI+RSI]; RET
	emu := newEmu(t, "amd64", []byte{0x48, 0x8d, 0x04, 0x37, 0xc3})
	r, err := NewRunner(emu, nil, nil)
	if err != nil {
		t.Fatalf("Failed to create runner: %v", err)
	}

	ret, err := r.Call(codeBase, 2, 3)
	if err != nil {
		t.Fatalf("Call failed: %v", err)
	}
	if ret != 5 {
		t.Errorf("Expected 5, got %d", ret)
	}
}

func TestRunnerDispatchesMalloc(t *testing.T) {
	emu := newEmu(t, "arm64", callX9Code)
	h, err := heap.New(emu.Space(), heap.DefaultConfig())
	if err != nil {
		t.Fatalf("Failed to create heap: %v", err)
	}
	r, err := NewRunner(emu, h, nil)
	if err != nil {
		t.Fatalf("Failed to create runner: %v", err)
	}

	stub, err := r.Stub("malloc")
	if err != nil {
		t.Fatalf("Failed to create stub: %v", err)
	}
	_ = emu.mu.RegWrite(uc.ARM64_REG_X9, stub)

	ptr, err := r.Call(codeBase, 32)
	if err != nil {
		t.Fatalf("Call failed: %v", err)
	}
	if _, ok := h.Record(ptr); !ok {
		t.Errorf("Expected 0x%x to be a live allocation", ptr)
	}
	if again, _ := r.Stub("malloc"); again != stub {
		t.Errorf("Expected stub reuse, got 0x%x and 0x%x", stub, again)
	}
}

func TestRunnerBindWritesGOT(t *testing.T) {
	emu := newEmu(t, "arm64", callX9Code)
	if err := emu.Space().AddMap(0x20000, 0x1000, "got", 0); err != nil {
		t.Fatalf("Failed to map GOT: %v", err)
	}
	r, err := NewRunner(emu, nil, nil)
	if err != nil {
		t.Fatalf("Failed to create runner: %v", err)
	}
	if err := r.Bind(0x20008, "strlen"); err != nil {
		t.Fatalf("Bind failed: %v", err)
	}
	stub, _ := r.Stub("strlen")
	v, _ := emu.Space().TryRead(0x20008, memory.Width64)
	if v.Bits != stub {
		t.Errorf("Expected GOT slot 0x%x, got 0x%x", stub, v.Bits)
	}
}

func TestRunnerAbortAndDefer(t *testing.T) {
	reg := intercept.NewRegistry()
	reg.RegisterFunc("test", "boom", func(*intercept.Env, intercept.Call) intercept.Result {
		return intercept.Fail(errors.New("misuse"))
	})

	emu := newEmu(t, "arm64", callX9Code)
	r, err := NewRunner(emu, nil, reg)
	if err != nil {
		t.Fatalf("Failed to create runner: %v", err)
	}

	stub, _ := r.Stub("boom")
	_ = emu.mu.RegWrite(uc.ARM64_REG_X9, stub)
	if _, err := r.Call(codeBase); !errors.Is(err, ErrAborted) {
		t.Errorf("Expected ErrAborted, got %v", err)
	}

	stub, _ = r.Stub("missing")
	_ = emu.mu.RegWrite(uc.ARM64_REG_X9, stub)
	ret, err := r.Call(codeBase, 7)
	if err != nil || ret != 0 {
		t.Errorf("Expected deferred call to return 0, got %d (%v)", ret, err)
	}

	r.OnDefer = DeferStop
	_ = emu.mu.RegWrite(uc.ARM64_REG_X9, stub)
	_, err = r.Call(codeBase)
	var de *DeferredError
	if !errors.As(err, &de) || de.Name != "missing" || !errors.Is(err, intercept.ErrUnknown) {
		t.Errorf("Expected DeferredError for missing, got %v", err)
	}
}
