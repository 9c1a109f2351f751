package intercept

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/zboralski/memlift/internal/lift"
	"github.com/zboralski/memlift/internal/memory"
)

// Protection bits accepted by mem.map and mem.protect.
const (
	ProtRead  = 1
	ProtWrite = 2
	ProtExec  = 4
)

var (
	// ErrFault marks a read or write the address space rejected.
	ErrFault = errors.New("memory fault")
	// ErrNoHole is returned by mem.find_hole when nothing fits.
	ErrNoHole = errors.New("no hole")
)

var widths = []memory.Width{memory.Width8, memory.Width16, memory.Width32, memory.Width64}

func registerMemory(r *Registry) {
	for _, w := range widths {
		n := strconv.Itoa(int(w))
		r.RegisterFunc("mem", "mem.read"+n, readHandler(w))
		r.RegisterFunc("mem", "mem.write"+n, writeHandler(w))
	}
	r.RegisterFunc("mem", "mem.is_mapped", func(env *Env, c Call) Result {
		return Bool(env.Space.IsMapped(c.Arg(0)))
	})
	r.RegisterFunc("mem", "mem.can_read", func(env *Env, c Call) Result {
		return Bool(env.Space.CanRead(c.Arg(0)))
	})
	r.RegisterFunc("mem", "mem.can_write", func(env *Env, c Call) Result {
		return Bool(env.Space.CanWrite(c.Arg(0)))
	})
	r.RegisterFunc("mem", "mem.map", memMap)
	r.RegisterFunc("mem", "mem.unmap", memUnmap)
	r.RegisterFunc("mem", "mem.protect", memProtect)
	r.RegisterFunc("mem", "mem.find_hole", memFindHole)
	r.RegisterFunc("lift", "lift.lookup", liftLookup)
}

// readHandler returns the all-ones value of the width on failure.
func readHandler(w memory.Width) Handler {
	return func(env *Env, c Call) Result {
		addr := c.Arg(0)
		v, ok := env.Space.TryRead(addr, w)
		if !ok {
			return Result{Value: memory.AllOnes(w), Err: fmt.Errorf("read%d 0x%x: %w", w, addr, ErrFault)}
		}
		return Result{Value: v.Bits, Sym: v.Sym}
	}
}

// writeHandler stores argument 1, installing a binding when it is symbolic.
func writeHandler(w memory.Width) Handler {
	return func(env *Env, c Call) Result {
		addr := c.Arg(0)
		if !env.Space.TryWrite(addr, w, c.Value(1)) {
			return Result{Err: fmt.Errorf("write%d 0x%x: %w", w, addr, ErrFault)}
		}
		return Ret(1)
	}
}

func protPerm(prot uint64) memory.Perm {
	return memory.NewPerm(prot&ProtRead != 0, prot&ProtWrite != 0, prot&ProtExec != 0)
}

// mem.map(base, size, prot)
func memMap(env *Env, c Call) Result {
	base, size := c.Arg(0), c.Arg(1)
	perm := memory.PermRW
	if len(c.Args) > 2 {
		perm = protPerm(c.Arg(2))
	}
	name := "map_" + strconv.FormatUint(base, 16)
	if err := env.Space.AddMapPerm(base, size, name, 0, perm); err != nil {
		return Result{Err: err}
	}
	return Ret(1)
}

// mem.unmap(base, size)
func memUnmap(env *Env, c Call) Result {
	if err := env.Space.RemoveMap(c.Arg(0), c.Arg(1)); err != nil {
		return Result{Err: err}
	}
	return Ret(1)
}

// mem.protect(base, size, prot)
func memProtect(env *Env, c Call) Result {
	p := protPerm(c.Arg(2))
	if err := env.Space.SetPermissions(c.Arg(0), c.Arg(1), p.CanRead(), p.CanWrite(), p.CanExecute()); err != nil {
		return Result{Err: err}
	}
	return Ret(1)
}

// mem.find_hole(base, limit, size)
func memFindHole(env *Env, c Call) Result {
	addr, ok := env.Space.FindHole(c.Arg(0), c.Arg(1), c.Arg(2))
	if !ok {
		return Result{Value: memory.AllOnes(memory.Width64), Err: ErrNoHole}
	}
	return Ret(addr)
}

// lift.lookup(pc) returns the entry of the lifted function covering pc,
// or 0.
func liftLookup(env *Env, c Call) Result {
	f, ok := lift.Lookup(env.Space, c.Arg(0))
	if !ok {
		return Ret(0)
	}
	return Ret(f.Entry)
}
