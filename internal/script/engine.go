// Package script lets JavaScript files register intercept handlers.
//
// A script calls intercept(name, fn) to handle a routine. fn receives the
// argument array and the caller pc. Returning a number returns it, returning
// undefined or null defers to the host, and throwing aborts the program.
// Scripts reach memory through mem.read8/16/32/64, mem.write8/16/32/64,
// mem.readString and mem.writeString, and the heap through malloc and free.
// Values are JavaScript numbers, exact up to 2^53. A symbolic value is its
// symbol name as a string: reads and handler arguments yield one, and
// writing a string installs a binding.
package script

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"sync"

	"github.com/dop251/goja"
	"github.com/zboralski/memlift/internal/intercept"
	glog "github.com/zboralski/memlift/internal/log"
	"github.com/zboralski/memlift/internal/memory"
	"go.uber.org/zap"
)

// Category is the registry category of script handlers.
const Category = "script"

var (
	// ErrDeclined is the error of a handler that returned undefined.
	ErrDeclined = errors.New("script declined")
	// ErrNoEnv is thrown by helpers used outside a handler.
	ErrNoEnv = errors.New("no call in progress")
)

// Error wraps an exception thrown by a handler.
type Error struct {
	Name string
	Err  error
}

func (e *Error) Error() string { return fmt.Sprintf("script %s: %v", e.Name, e.Err) }
func (e *Error) Unwrap() error { return e.Err }

// Engine owns one JavaScript runtime. Handlers run one at a time.
type Engine struct {
	mu    sync.Mutex
	vm    *goja.Runtime
	reg   *intercept.Registry
	env   *intercept.Env // set while a handler runs
	names []string
	log   *glog.Logger
}

// New creates an engine registering into reg (the default registry when
// nil).
func New(reg *intercept.Registry) *Engine {
	if reg == nil {
		reg = intercept.DefaultRegistry
	}
	e := &Engine{
		vm:  goja.New(),
		reg: reg,
		log: glog.Get().WithComponent("script"),
	}
	e.install()
	return e
}

// Names returns the routines registered by loaded scripts.
func (e *Engine) Names() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return slices.Clone(e.names)
}

// Load runs src. name labels stack traces.
func (e *Engine) Load(name, src string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, err := e.vm.RunScript(name, src); err != nil {
		return fmt.Errorf("load %s: %w", name, err)
	}
	return nil
}

// LoadFile runs the script at path.
func (e *Engine) LoadFile(path string) error {
	src, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return e.Load(filepath.Base(path), string(src))
}

func (e *Engine) throw(err error) {
	panic(e.vm.NewGoError(err))
}

func (e *Engine) current() *intercept.Env {
	if e.env == nil {
		e.throw(ErrNoEnv)
	}
	return e.env
}

func (e *Engine) addr(v goja.Value) uint64 {
	return uint64(v.ToInteger())
}

func (e *Engine) value(v goja.Value) memory.Value {
	if name, ok := v.Export().(string); ok {
		return memory.Symbolic(memory.NamedSymbol(name))
	}
	return memory.Concrete(e.addr(v))
}

func (e *Engine) toValue(v memory.Value) goja.Value {
	if v.IsSymbolic() {
		return e.vm.ToValue(v.Sym.Name())
	}
	return e.vm.ToValue(v.Bits)
}

func (e *Engine) install() {
	vm := e.vm
	_ = vm.Set("intercept", e.intercept)
	_ = vm.Set("log", func(call goja.FunctionCall) goja.Value {
		e.log.Info(call.Argument(0).String())
		return goja.Undefined()
	})

	mem := vm.NewObject()
	for _, w := range []memory.Width{memory.Width8, memory.Width16, memory.Width32, memory.Width64} {
		n := strconv.Itoa(int(w))
		_ = mem.Set("read"+n, func(call goja.FunctionCall) goja.Value {
			v, ok := e.current().Space.TryRead(e.addr(call.Argument(0)), w)
			if !ok {
				e.throw(fmt.Errorf("read%d 0x%x: %w", w, e.addr(call.Argument(0)), intercept.ErrFault))
			}
			return e.toValue(v)
		})
		_ = mem.Set("write"+n, func(call goja.FunctionCall) goja.Value {
			addr := e.addr(call.Argument(0))
			if !e.current().Space.TryWrite(addr, w, e.value(call.Argument(1))) {
				e.throw(fmt.Errorf("write%d 0x%x: %w", w, addr, intercept.ErrFault))
			}
			return goja.Undefined()
		})
	}
	_ = mem.Set("readString", func(call goja.FunctionCall) goja.Value {
		limit := 4096
		if n := call.Argument(1); !goja.IsUndefined(n) {
			limit = int(n.ToInteger())
		}
		s, err := e.current().Space.ReadCString(e.addr(call.Argument(0)), limit)
		if err != nil {
			e.throw(err)
		}
		return vm.ToValue(s)
	})
	_ = mem.Set("writeString", func(call goja.FunctionCall) goja.Value {
		data := append([]byte(call.Argument(1).String()), 0)
		if err := e.current().Space.WriteBytes(e.addr(call.Argument(0)), data); err != nil {
			e.throw(err)
		}
		return goja.Undefined()
	})
	_ = vm.Set("mem", mem)

	_ = vm.Set("malloc", func(call goja.FunctionCall) goja.Value {
		env := e.current()
		if env.Heap == nil {
			e.throw(intercept.ErrNoHeap)
		}
		p, err := env.Heap.Malloc(e.addr(call.Argument(0)))
		if err != nil {
			e.throw(err)
		}
		return vm.ToValue(p)
	})
	_ = vm.Set("free", func(call goja.FunctionCall) goja.Value {
		env := e.current()
		if env.Heap == nil {
			e.throw(intercept.ErrNoHeap)
		}
		if err := env.Heap.Free(e.addr(call.Argument(0))); err != nil {
			e.throw(err)
		}
		return goja.Undefined()
	})
}

// intercept(name, fn) registers fn for name.
func (e *Engine) intercept(call goja.FunctionCall) goja.Value {
	name := call.Argument(0).String()
	fn, ok := goja.AssertFunction(call.Argument(1))
	if name == "" || !ok {
		panic(e.vm.NewTypeError("intercept(name, fn) needs a name and a function"))
	}
	e.reg.RegisterFunc(Category, name, e.handler(name, fn))
	if !slices.Contains(e.names, name) {
		e.names = append(e.names, name)
	}
	e.log.Debug("intercept", glog.Fn(name))
	return goja.Undefined()
}

func (e *Engine) handler(name string, fn goja.Callable) intercept.Handler {
	return func(env *intercept.Env, c intercept.Call) intercept.Result {
		e.mu.Lock()
		defer e.mu.Unlock()
		e.env = env
		defer func() { e.env = nil }()

		args := make([]any, len(c.Args))
		for i := range c.Args {
			args[i] = e.toValue(c.Value(i))
		}
		v, err := fn(goja.Undefined(), e.vm.ToValue(args), e.vm.ToValue(c.PC))
		if err != nil {
			e.log.Debug("script threw", glog.Fn(name), zap.Error(err))
			return intercept.Fail(&Error{Name: name, Err: err})
		}
		if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
			return intercept.Defer(ErrDeclined)
		}
		if name, ok := v.Export().(string); ok {
			return intercept.Result{Sym: memory.NamedSymbol(name)}
		}
		return intercept.Ret(uint64(v.ToInteger()) & env.Space.Mask())
	}
}
