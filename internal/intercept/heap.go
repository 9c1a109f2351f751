package intercept

import (
	"errors"

	"github.com/zboralski/memlift/internal/heap"
	"github.com/zboralski/memlift/internal/memory"
)

const einval = 22

func registerHeap(r *Registry) {
	r.RegisterFunc("libc", "malloc", withHeap(func(h *heap.Allocator, _ *Env, c Call) Result {
		return heapResult(h.Malloc(c.Arg(0)))
	}))
	r.RegisterFunc("libc", "free", withHeap(func(h *heap.Allocator, _ *Env, c Call) Result {
		return heapResult(0, h.Free(c.Arg(0)))
	}))
	r.RegisterFunc("libc", "calloc", withHeap(func(h *heap.Allocator, _ *Env, c Call) Result {
		return heapResult(h.Calloc(c.Arg(0), c.Arg(1)))
	}))
	r.RegisterFunc("libc", "realloc", withHeap(func(h *heap.Allocator, _ *Env, c Call) Result {
		return heapResult(h.Realloc(c.Arg(0), c.Arg(1)))
	}))
	r.RegisterFunc("libc", "memalign", withHeap(func(h *heap.Allocator, _ *Env, c Call) Result {
		return heapResult(h.Memalign(c.Arg(0), c.Arg(1)))
	}), "aligned_alloc")
	r.RegisterFunc("libc", "posix_memalign", withHeap(posixMemalign))
	r.RegisterFunc("libc", "malloc_usable_size", withHeap(func(h *heap.Allocator, _ *Env, c Call) Result {
		n, _ := h.UsableSize(c.Arg(0))
		return Ret(n)
	}))

	// C++ operator new/delete
	r.RegisterFunc("libc", "_Znwm", withHeap(func(h *heap.Allocator, _ *Env, c Call) Result {
		return heapResult(h.Malloc(max(c.Arg(0), 1)))
	}), "_Znam")
	r.RegisterFunc("libc", "_ZdlPv", withHeap(func(h *heap.Allocator, _ *Env, c Call) Result {
		return heapResult(0, h.Free(c.Arg(0)))
	}), "_ZdaPv", "_ZdlPvm", "_ZdaPvm")
}

type heapHandler func(h *heap.Allocator, env *Env, c Call) Result

func withHeap(fn heapHandler) Handler {
	return func(env *Env, c Call) Result {
		if env.Heap == nil {
			return Defer(ErrNoHeap)
		}
		return fn(env.Heap, env, c)
	}
}

// posix_memalign(memptr, alignment, size) stores the pointer and returns
// 0, or EINVAL for a bad alignment.
func posixMemalign(h *heap.Allocator, env *Env, c Call) Result {
	ptr, err := h.Memalign(c.Arg(1), c.Arg(2))
	if errors.Is(err, heap.ErrBadAlignment) {
		return Ret(einval)
	}
	if err != nil {
		return heapResult(0, err)
	}
	w := memory.Width(env.Space.Bits())
	if !env.Space.TryWrite(c.Arg(0), w, memory.Concrete(ptr)) {
		return Fail(errors.Join(ErrFault, h.Free(ptr)))
	}
	return Ret(0)
}
