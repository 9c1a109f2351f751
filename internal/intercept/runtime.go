package intercept

import (
	"errors"
	"fmt"
	"sync"

	"github.com/zboralski/memlift/internal/memory"
)

// ErrStackSmash is the abort raised by __stack_chk_fail.
var ErrStackSmash = errors.New("stack smashing detected")

// ExitError is the abort raised by exit and abort.
type ExitError struct {
	Name string
	Code int
}

func (e *ExitError) Error() string { return fmt.Sprintf("%s(%d)", e.Name, e.Code) }

// threadState models the one thread an emulated program runs on: locks are
// always free and thread-specific data is a single map.
type threadState struct {
	mu      sync.Mutex
	nextKey uint64
	tls     map[uint64]uint64
	once    map[uint64]bool
}

func retZero(*Env, Call) Result { return Ret(0) }

func registerRuntime(r *Registry) {
	for _, name := range []string{
		"pthread_mutex_init", "pthread_mutex_destroy", "pthread_mutex_lock",
		"pthread_mutex_trylock", "pthread_mutex_unlock",
		"pthread_mutexattr_init", "pthread_mutexattr_destroy", "pthread_mutexattr_settype",
		"pthread_rwlock_init", "pthread_rwlock_destroy", "pthread_rwlock_rdlock",
		"pthread_rwlock_wrlock", "pthread_rwlock_unlock",
		"pthread_cond_init", "pthread_cond_destroy", "pthread_cond_signal", "pthread_cond_broadcast",
		"pthread_spin_init", "pthread_spin_destroy", "pthread_spin_lock", "pthread_spin_unlock",
		"sched_yield",
	} {
		r.RegisterFunc("pthread", name, retZero)
	}
	r.RegisterFunc("pthread", "pthread_self", func(*Env, Call) Result { return Ret(1) })

	ts := &threadState{tls: make(map[uint64]uint64), once: make(map[uint64]bool)}
	r.RegisterFunc("pthread", "pthread_key_create", ts.keyCreate)
	r.RegisterFunc("pthread", "pthread_key_delete", func(_ *Env, c Call) Result {
		ts.mu.Lock()
		delete(ts.tls, c.Arg(0))
		ts.mu.Unlock()
		return Ret(0)
	})
	r.RegisterFunc("pthread", "pthread_setspecific", func(_ *Env, c Call) Result {
		ts.mu.Lock()
		ts.tls[c.Arg(0)] = c.Arg(1)
		ts.mu.Unlock()
		return Ret(0)
	})
	r.RegisterFunc("pthread", "pthread_getspecific", func(_ *Env, c Call) Result {
		ts.mu.Lock()
		defer ts.mu.Unlock()
		return Ret(ts.tls[c.Arg(0)])
	})
	r.RegisterFunc("pthread", "pthread_once", ts.runOnce)

	r.RegisterFunc("libc", "atexit", retZero, "__cxa_atexit")
	r.RegisterFunc("libc", "exit", func(_ *Env, c Call) Result {
		return Fail(&ExitError{Name: "exit", Code: int(int32(c.Arg(0)))})
	}, "_exit", "_Exit")
	r.RegisterFunc("libc", "abort", func(*Env, Call) Result {
		return Fail(&ExitError{Name: "abort", Code: 134})
	})
	r.RegisterFunc("libc", "__stack_chk_fail", func(*Env, Call) Result {
		return Fail(ErrStackSmash)
	})
}

// pthread_key_create(key*, destructor); destructors never run.
func (ts *threadState) keyCreate(env *Env, c Call) Result {
	ts.mu.Lock()
	key := ts.nextKey
	ts.nextKey++
	ts.mu.Unlock()
	if ptr := c.Arg(0); ptr != 0 {
		if !env.Space.TryWrite(ptr, memory.Width32, memory.Concrete(key)) {
			return Fail(fmt.Errorf("pthread_key_create 0x%x: %w", ptr, ErrFault))
		}
	}
	return Ret(0)
}

// pthread_once(control, init) cannot call back into the program from a
// handler, so the first call defers to the host and later calls return 0.
func (ts *threadState) runOnce(_ *Env, c Call) Result {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if ts.once[c.Arg(0)] {
		return Ret(0)
	}
	ts.once[c.Arg(0)] = true
	return Defer(fmt.Errorf("pthread_once init 0x%x not run", c.Arg(1)))
}
