// Package intercept provides the named call surface exposed to translated
// code: memory accessors, the allocator family and a few libc routines.
// Handlers are registered by name and dispatched with an explicit Env.
package intercept

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/zboralski/memlift/internal/heap"
	glog "github.com/zboralski/memlift/internal/log"
	"github.com/zboralski/memlift/internal/memory"
	"go.uber.org/zap"
)

// Outcome tells the caller what to do with a Result.
type Outcome uint8

const (
	// Return means Value is the call's return value.
	Return Outcome = iota
	// DeferToHost means the model declined; run the unmodeled routine.
	DeferToHost
	// Abort means the modeled program misused the surface; stop it.
	Abort
)

func (o Outcome) String() string {
	switch o {
	case Return:
		return "return"
	case DeferToHost:
		return "defer"
	case Abort:
		return "abort"
	}
	return fmt.Sprintf("Outcome(%d)", int(o))
}

// Result is the tagged outcome of a call. A Return may still carry Err,
// for example a failed read that yields the all-ones value.
type Result struct {
	Outcome Outcome
	Value   uint64
	Sym     memory.Symbol
	Err     error
}

// Ret returns v.
func Ret(v uint64) Result { return Result{Value: v} }

// Defer declines the call.
func Defer(err error) Result { return Result{Outcome: DeferToHost, Err: err} }

// Fail aborts the modeled program.
func Fail(err error) Result { return Result{Outcome: Abort, Err: err} }

// Bool returns 1 or 0.
func Bool(b bool) Result {
	if b {
		return Ret(1)
	}
	return Ret(0)
}

var (
	// ErrUnknown is returned for names with no handler.
	ErrUnknown = errors.New("no handler")
	// ErrNoHeap is returned by allocator calls when Env has no allocator.
	ErrNoHeap = errors.New("no heap configured")
)

// Env is the state a handler operates on.
type Env struct {
	Space *memory.AddressSpace
	Heap  *heap.Allocator
}

// Call is one invocation: the name, the caller pc and integer arguments.
// Syms runs parallel to Args; a non-nil entry makes that argument symbolic.
type Call struct {
	Name string
	PC   uint64
	Args []uint64
	Syms []memory.Symbol
}

// Arg returns argument i, or 0 when absent.
func (c Call) Arg(i int) uint64 {
	if i < len(c.Args) {
		return c.Args[i]
	}
	return 0
}

// Value returns argument i as a memory value, symbolic when Syms binds it.
func (c Call) Value(i int) memory.Value {
	if i < len(c.Syms) && c.Syms[i] != nil {
		return memory.Symbolic(c.Syms[i])
	}
	return memory.Concrete(c.Arg(i))
}

// Handler implements one named routine.
type Handler func(env *Env, c Call) Result

// Def defines a handler with its symbol name.
type Def struct {
	Name     string
	Aliases  []string
	Category string
	Handler  Handler
}

// Registry maps names to handlers.
type Registry struct {
	mu   sync.RWMutex
	defs map[string]*Def

	// OnCall receives every dispatched call, for trace event collection.
	OnCall func(pc uint64, category, name, detail string, res Result)
}

// DefaultRegistry holds the builtin surface.
var DefaultRegistry = NewRegistry()

func init() {
	RegisterBuiltins(DefaultRegistry)
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{defs: make(map[string]*Def)}
}

// RegisterBuiltins adds the memory, allocator, libc and pthread handlers
// to r.
func RegisterBuiltins(r *Registry) {
	registerMemory(r)
	registerHeap(r)
	registerLibc(r)
	registerStrings(r)
	registerFormat(r)
	registerRuntime(r)
}

// Register adds def under its name and aliases, replacing earlier entries.
func (r *Registry) Register(def Def) {
	r.mu.Lock()
	defer r.mu.Unlock()

	d := &def
	r.defs[def.Name] = d
	for _, alias := range def.Aliases {
		r.defs[alias] = d
	}
	glog.Get().Debug("registered",
		zap.String("cat", def.Category),
		glog.Fn(def.Name),
		zap.Strings("aliases", def.Aliases))
}

// RegisterFunc registers a handler without building a Def.
func (r *Registry) RegisterFunc(category, name string, h Handler, aliases ...string) {
	r.Register(Def{Name: name, Aliases: aliases, Category: category, Handler: h})
}

// Lookup returns the definition registered under name.
func (r *Registry) Lookup(name string) (*Def, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.defs[name]
	return d, ok
}

// Dispatch runs the handler for c.Name. Unknown names defer to the host.
func (r *Registry) Dispatch(env *Env, c Call) Result {
	def, ok := r.Lookup(c.Name)
	if !ok {
		res := Defer(fmt.Errorf("%s: %w", c.Name, ErrUnknown))
		r.log(c, "unknown", res)
		return res
	}
	res := def.Handler(env, c)
	r.log(c, def.Category, res)
	return res
}

func (r *Registry) log(c Call, category string, res Result) {
	detail := formatCall(c, res)

	r.mu.RLock()
	cb := r.OnCall
	r.mu.RUnlock()
	if cb != nil {
		cb(c.PC, category, c.Name, detail, res)
	}

	l := glog.Get()
	switch res.Outcome {
	case DeferToHost:
		l.Deferred(c.Name, detail)
	case Abort:
		l.Error("abort", glog.Fn(c.Name), zap.String("detail", detail), glog.Addr(c.PC))
	default:
		l.Intercept(c.PC, category, c.Name, detail)
	}
}

// Count returns the number of registered names, aliases included.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.defs)
}

// List returns the primary names in sorted order.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]bool)
	var names []string
	for _, def := range r.defs {
		if !seen[def.Name] {
			seen[def.Name] = true
			names = append(names, def.Name)
		}
	}
	slices.Sort(names)
	return names
}

// Register adds def to the default registry.
func Register(def Def) { DefaultRegistry.Register(def) }

// Dispatch runs c against the default registry.
func Dispatch(env *Env, c Call) Result { return DefaultRegistry.Dispatch(env, c) }

// FormatHex formats a value as hex.
func FormatHex(v uint64) string {
	if v == 0 {
		return "0"
	}
	return fmt.Sprintf("0x%x", v)
}

// FormatPtr formats a name=value pair.
func FormatPtr(name string, val uint64) string {
	return name + "=" + FormatHex(val)
}

func formatCall(c Call, res Result) string {
	var sb strings.Builder
	for i, a := range c.Args {
		if i > 0 {
			sb.WriteByte(' ')
		}
		if v := c.Value(i); v.IsSymbolic() {
			sb.WriteString(v.String())
			continue
		}
		sb.WriteString(FormatHex(a))
	}
	sb.WriteString(" -> ")
	switch {
	case res.Outcome != Return:
		sb.WriteString(res.Outcome.String())
	case res.Sym != nil:
		sb.WriteString("sym:" + res.Sym.Name())
	default:
		sb.WriteString(FormatHex(res.Value))
	}
	if res.Err != nil {
		sb.WriteString(" (" + res.Err.Error() + ")")
	}
	return sb.String()
}

// heapResult maps an allocator outcome onto a Result.
func heapResult(v uint64, err error) Result {
	switch {
	case err == nil:
		return Ret(v)
	case heap.IsFatal(err):
		return Fail(err)
	default:
		return Defer(err)
	}
}
