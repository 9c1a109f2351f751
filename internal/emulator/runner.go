package emulator

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/zboralski/memlift/internal/heap"
	"github.com/zboralski/memlift/internal/intercept"
	glog "github.com/zboralski/memlift/internal/log"
)

// DeferPolicy decides what a stub does when the handler defers to the host.
// There is no host routine under emulation.
type DeferPolicy uint8

const (
	// DeferReturnZero returns 0 to the caller and keeps running.
	DeferReturnZero DeferPolicy = iota
	// DeferStop halts emulation with a *DeferredError.
	DeferStop
)

var (
	// ErrStubsExhausted is returned when the stub region is full.
	ErrStubsExhausted = errors.New("stub region exhausted")
	// ErrAborted wraps the error of a handler that aborted the program.
	ErrAborted = errors.New("aborted")
)

// DeferredError reports a call the intercept surface declined under
// DeferStop.
type DeferredError struct {
	Name string
	PC   uint64
	Err  error
}

func (e *DeferredError) Error() string {
	return fmt.Sprintf("%s from 0x%x deferred: %v", e.Name, e.PC, e.Err)
}

func (e *DeferredError) Unwrap() error { return e.Err }

// Runner routes calls to imported names through an intercept registry.
// Each name gets a stub slot holding a return instruction; the slot's
// address hook dispatches the call and sets the return register before the
// return executes.
type Runner struct {
	emu   *Emulator
	env   *intercept.Env
	reg   *intercept.Registry
	next  uint64
	stubs map[string]uint64
	trap  uint64
	err   error
	log   *glog.Logger

	OnDefer DeferPolicy
}

// NewRunner binds emu to reg. h may be nil, in which case allocator calls
// defer.
func NewRunner(emu *Emulator, h *heap.Allocator, reg *intercept.Registry) (*Runner, error) {
	if reg == nil {
		reg = intercept.DefaultRegistry
	}
	r := &Runner{
		emu:   emu,
		env:   &intercept.Env{Space: emu.Space(), Heap: h},
		reg:   reg,
		next:  StubBase,
		stubs: make(map[string]uint64),
		log:   glog.Get().WithComponent("runner"),
	}
	trap, err := r.slot()
	if err != nil {
		return nil, err
	}
	r.trap = trap
	return r, nil
}

// Env returns the handler environment.
func (r *Runner) Env() *intercept.Env { return r.env }

// slot reserves the next stub slot and writes a return instruction to it.
func (r *Runner) slot() (uint64, error) {
	if r.next+StubSlot > StubBase+StubSize {
		return 0, ErrStubsExhausted
	}
	addr := r.next
	if err := r.env.Space.Poke(addr, r.emu.RetInsn()); err != nil {
		return 0, fmt.Errorf("write stub at 0x%x: %w", addr, err)
	}
	r.next += StubSlot
	return addr, nil
}

// Stub returns the stub address for name, creating it on first use.
func (r *Runner) Stub(name string) (uint64, error) {
	if addr, ok := r.stubs[name]; ok {
		return addr, nil
	}
	addr, err := r.slot()
	if err != nil {
		return 0, err
	}
	r.stubs[name] = addr
	r.emu.HookAddress(addr, func(emu *Emulator) bool {
		return r.dispatch(name)
	})
	return addr, nil
}

// Bind points the pointer-sized slot at addr (a GOT entry) to name's stub.
func (r *Runner) Bind(addr uint64, name string) error {
	stub, err := r.Stub(name)
	if err != nil {
		return err
	}
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], stub)
	if err := r.env.Space.Poke(addr, buf[:]); err != nil {
		return fmt.Errorf("bind %s at 0x%x: %w", name, addr, err)
	}
	return nil
}

// Hook dispatches name whenever execution reaches addr, for imports reached
// through PLT entries rather than GOT slots. The PLT entry itself never runs:
// the hook returns to the caller directly.
func (r *Runner) Hook(addr uint64, name string) error {
	stub, err := r.Stub(name)
	if err != nil {
		return err
	}
	r.emu.HookAddress(addr, func(emu *Emulator) bool {
		if err := emu.SetPC(stub); err != nil {
			r.err = err
			return true
		}
		return false
	})
	return nil
}

func (r *Runner) dispatch(name string) bool {
	emu := r.emu
	args := make([]uint64, emu.ArgCount())
	for i := range args {
		args[i] = emu.Arg(i)
	}
	pc := emu.ReturnAddress()
	res := r.reg.Dispatch(r.env, intercept.Call{Name: name, PC: pc, Args: args})

	switch res.Outcome {
	case intercept.Abort:
		r.err = fmt.Errorf("%s from 0x%x: %w: %w", name, pc, ErrAborted, res.Err)
		return true
	case intercept.DeferToHost:
		if r.OnDefer == DeferStop {
			r.err = &DeferredError{Name: name, PC: pc, Err: res.Err}
			return true
		}
		r.log.Debug("deferred call returns 0", glog.Fn(name), glog.Addr(pc))
		res.Value = 0
	}
	if err := emu.SetRet(res.Value); err != nil {
		r.err = err
		return true
	}
	return false
}

// Call runs entry with args until it returns and yields the return register.
// A handler that aborts or, under DeferStop, defers ends the run with an
// error.
func (r *Runner) Call(entry uint64, args ...uint64) (uint64, error) {
	r.err = nil
	if err := r.emu.ResetStack(); err != nil {
		return 0, err
	}
	ret, err := r.emu.Call(entry, r.trap, args...)
	if r.err != nil {
		return 0, r.err
	}
	if err != nil {
		return 0, err
	}
	return ret, nil
}
