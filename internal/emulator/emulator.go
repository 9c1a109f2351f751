// Package emulator executes ARM64 and x86-64 code with Unicorn Engine on top
// of a memory.AddressSpace.
package emulator

import (
	"encoding/binary"
	"fmt"
	"sync"

	uc "github.com/unicorn-engine/unicorn/bindings/go/unicorn"
	"github.com/zboralski/memlift/internal/arch"
	"github.com/zboralski/memlift/internal/memory"
)

// Memory layout constants
const (
	StackBase = 0x80000000
	StackSize = 0x00100000 // 1MB stack
	StubBase  = 0xF0000000 // intercept stubs mapped here
	StubSize  = 0x00100000
	StubSlot  = 16
)

// CodeHookFunc is called for each instruction
type CodeHookFunc func(emu *Emulator, addr uint64, size uint32)

// AddressHookFunc is called when execution reaches a specific address
type AddressHookFunc func(emu *Emulator) bool // return true to stop emulation

// regFile names the unicorn registers of one calling convention.
type regFile struct {
	args []int
	ret  int
	pc   int
	sp   int
	lr   int // -1 when the return address lives on the stack
}

var (
	arm64Regs = regFile{
		args: []int{uc.ARM64_REG_X0, uc.ARM64_REG_X1, uc.ARM64_REG_X2, uc.ARM64_REG_X3,
			uc.ARM64_REG_X4, uc.ARM64_REG_X5, uc.ARM64_REG_X6, uc.ARM64_REG_X7},
		ret: uc.ARM64_REG_X0,
		pc:  uc.ARM64_REG_PC,
		sp:  uc.ARM64_REG_SP,
		lr:  uc.ARM64_REG_LR,
	}
	amd64Regs = regFile{
		args: []int{uc.X86_REG_RDI, uc.X86_REG_RSI, uc.X86_REG_RDX, uc.X86_REG_RCX,
			uc.X86_REG_R8, uc.X86_REG_R9},
		ret: uc.X86_REG_RAX,
		pc:  uc.X86_REG_RIP,
		sp:  uc.X86_REG_RSP,
		lr:  -1,
	}
)

// retInsn is the return instruction written into stub slots.
var retInsn = map[string][]byte{
	"arm64": {0xc0, 0x03, 0x5f, 0xd6},
	"amd64": {0xc3},
}

// Emulator wraps Unicorn. Guest memory is owned by Space; mapping a range in
// Space maps it in the guest.
type Emulator struct {
	mu    uc.Unicorn
	dec   arch.Decoder
	regs  regFile
	store *Store
	space *memory.AddressSpace

	// Hooks
	codeHooks   []CodeHookFunc
	addrHooks   map[uint64]AddressHookFunc
	addrHooksMu sync.RWMutex

	// Stop flag
	stopped bool
}

// New creates an emulator for the named architecture ("arm64" or "amd64")
// with a stack and a stub region mapped.
func New(archName string) (*Emulator, error) {
	dec, err := arch.ByName(archName)
	if err != nil {
		return nil, err
	}

	var mu uc.Unicorn
	var regs regFile
	switch dec.Name() {
	case "arm64":
		mu, err = uc.NewUnicorn(uc.ARCH_ARM64, uc.MODE_ARM)
		regs = arm64Regs
	case "amd64":
		mu, err = uc.NewUnicorn(uc.ARCH_X86, uc.MODE_64)
		regs = amd64Regs
	default:
		return nil, fmt.Errorf("no emulator for %s", dec.Name())
	}
	if err != nil {
		return nil, fmt.Errorf("create unicorn: %w", err)
	}

	store := NewStore(mu)
	space, err := memory.New(64, memory.WithStore(store))
	if err != nil {
		mu.Close()
		return nil, err
	}

	emu := &Emulator{
		mu:        mu,
		dec:       dec,
		regs:      regs,
		store:     store,
		space:     space,
		addrHooks: make(map[uint64]AddressHookFunc),
	}

	if err := emu.mapMemory(); err != nil {
		mu.Close()
		return nil, err
	}
	if err := emu.setupHooks(); err != nil {
		mu.Close()
		return nil, err
	}
	return emu, nil
}

func (e *Emulator) mapMemory() error {
	if err := e.space.AddMapPerm(StackBase, StackSize, "[stack]", 0, memory.PermRW); err != nil {
		return fmt.Errorf("map stack: %w", err)
	}
	if err := e.space.AddMapPerm(StubBase, StubSize, "[stubs]", 0, memory.PermRX); err != nil {
		return fmt.Errorf("map stubs: %w", err)
	}
	return e.ResetStack()
}

// ResetStack points SP near the top of the stack region.
func (e *Emulator) ResetStack() error {
	return e.SetSP(StackBase + StackSize - 0x1000)
}

// setupHooks installs the code hook that drives address hooks
func (e *Emulator) setupHooks() error {
	_, err := e.mu.HookAdd(uc.HOOK_CODE, func(mu uc.Unicorn, addr uint64, size uint32) {
		if e.stopped {
			e.mu.Stop()
			return
		}

		e.addrHooksMu.RLock()
		hook, ok := e.addrHooks[addr]
		e.addrHooksMu.RUnlock()

		if ok {
			if hook(e) {
				e.Stop()
				return
			}
		}

		for _, h := range e.codeHooks {
			h(e, addr, size)
		}
	}, 1, 0)

	return err
}

// Close releases the Unicorn instance
func (e *Emulator) Close() error {
	return e.mu.Close()
}

// Space returns the address space backed by guest memory.
func (e *Emulator) Space() *memory.AddressSpace { return e.space }

// Decoder returns the instruction decoder for the guest architecture.
func (e *Emulator) Decoder() arch.Decoder { return e.dec }

// Arch returns the guest architecture name.
func (e *Emulator) Arch() string { return e.dec.Name() }

// RetInsn returns the encoding of the guest return instruction.
func (e *Emulator) RetInsn() []byte { return retInsn[e.dec.Name()] }

// Arg reads integer argument register n.
func (e *Emulator) Arg(n int) uint64 {
	if n < 0 || n >= len(e.regs.args) {
		return 0
	}
	val, _ := e.mu.RegRead(e.regs.args[n])
	return val
}

// SetArg writes integer argument register n.
func (e *Emulator) SetArg(n int, val uint64) error {
	if n < 0 || n >= len(e.regs.args) {
		return fmt.Errorf("no argument register %d on %s", n, e.Arch())
	}
	return e.mu.RegWrite(e.regs.args[n], val)
}

// ArgCount returns the number of register arguments.
func (e *Emulator) ArgCount() int { return len(e.regs.args) }

// Ret reads the return value register.
func (e *Emulator) Ret() uint64 {
	val, _ := e.mu.RegRead(e.regs.ret)
	return val
}

// SetRet writes the return value register.
func (e *Emulator) SetRet(val uint64) error {
	return e.mu.RegWrite(e.regs.ret, val)
}

// PC returns the program counter
func (e *Emulator) PC() uint64 {
	pc, _ := e.mu.RegRead(e.regs.pc)
	return pc
}

// SetPC sets the program counter
func (e *Emulator) SetPC(val uint64) error {
	return e.mu.RegWrite(e.regs.pc, val)
}

// SP returns the stack pointer
func (e *Emulator) SP() uint64 {
	sp, _ := e.mu.RegRead(e.regs.sp)
	return sp
}

// SetSP sets the stack pointer
func (e *Emulator) SetSP(val uint64) error {
	return e.mu.RegWrite(e.regs.sp, val)
}

// ReturnAddress returns where the current call returns to: LR on ARM64, the
// word at SP on x86-64.
func (e *Emulator) ReturnAddress() uint64 {
	if e.regs.lr >= 0 {
		lr, _ := e.mu.RegRead(e.regs.lr)
		return lr
	}
	data, err := e.mu.MemRead(e.SP(), 8)
	if err != nil {
		return 0
	}
	return binary.LittleEndian.Uint64(data)
}

// setReturnAddress arranges for the next return to land on addr.
func (e *Emulator) setReturnAddress(addr uint64) error {
	if e.regs.lr >= 0 {
		return e.mu.RegWrite(e.regs.lr, addr)
	}
	sp := e.SP() - 8
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], addr)
	if err := e.mu.MemWrite(sp, buf[:]); err != nil {
		return err
	}
	return e.SetSP(sp)
}

// HookCode adds a hook called for every instruction
func (e *Emulator) HookCode(fn CodeHookFunc) {
	e.codeHooks = append(e.codeHooks, fn)
}

// HookAddress adds a hook for a specific address
func (e *Emulator) HookAddress(addr uint64, fn AddressHookFunc) {
	e.addrHooksMu.Lock()
	defer e.addrHooksMu.Unlock()
	e.addrHooks[addr] = fn
}

// RemoveAddressHook removes a hook for a specific address
func (e *Emulator) RemoveAddressHook(addr uint64) {
	e.addrHooksMu.Lock()
	defer e.addrHooksMu.Unlock()
	delete(e.addrHooks, addr)
}

// Run starts emulation from start until end is reached
func (e *Emulator) Run(start, end uint64) error {
	e.stopped = false
	return e.mu.Start(start, end)
}

// Call runs the function at entry with integer arguments and returns the
// return register once it returns to the trap address.
func (e *Emulator) Call(entry, trap uint64, args ...uint64) (uint64, error) {
	for i, a := range args {
		if err := e.SetArg(i, a); err != nil {
			return 0, err
		}
	}
	if err := e.setReturnAddress(trap); err != nil {
		return 0, fmt.Errorf("set return address: %w", err)
	}
	if err := e.Run(entry, trap); err != nil {
		return 0, fmt.Errorf("emulate 0x%x: %w", entry, err)
	}
	return e.Ret(), nil
}

// Stop halts emulation
func (e *Emulator) Stop() {
	e.stopped = true
	e.mu.Stop()
}

// Stopped reports whether the last run was halted by a hook.
func (e *Emulator) Stopped() bool { return e.stopped }
