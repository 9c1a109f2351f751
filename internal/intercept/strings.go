package intercept

import (
	"fmt"
	"strings"

	"github.com/zboralski/memlift/internal/heap"
)

func registerStrings(r *Registry) {
	r.RegisterFunc("libc", "strncmp", libcStrncmp)
	r.RegisterFunc("libc", "strcpy", libcStrcpy)
	r.RegisterFunc("libc", "strncpy", libcStrncpy)
	r.RegisterFunc("libc", "strcat", libcStrcat)
	r.RegisterFunc("libc", "strncat", libcStrncat)
	r.RegisterFunc("libc", "strchr", libcStrchr)
	r.RegisterFunc("libc", "strrchr", libcStrrchr)
	r.RegisterFunc("libc", "strstr", libcStrstr)
	r.RegisterFunc("libc", "strdup", withHeap(libcStrdup))
	r.RegisterFunc("libc", "strndup", withHeap(libcStrndup))
}

// cstring reads the NUL-terminated string at addr, at most limit bytes.
func cstring(env *Env, addr uint64, limit int) (string, error) {
	s, err := env.Space.ReadCString(addr, limit)
	if err != nil {
		return "", fmt.Errorf("string at 0x%x: %w", addr, err)
	}
	return s, nil
}

// putCString writes s and its terminator at addr.
func putCString(env *Env, addr uint64, s string) error {
	if err := env.Space.WriteBytes(addr, append([]byte(s), 0)); err != nil {
		return fmt.Errorf("write string at 0x%x: %w", addr, err)
	}
	return nil
}

func strLimit(n uint64) int {
	return int(min(n, maxString))
}

func libcStrncmp(env *Env, c Call) Result {
	n := c.Arg(2)
	if n == 0 {
		return Ret(0)
	}
	a, err := cstring(env, c.Arg(0), strLimit(n))
	if err != nil {
		return Defer(err)
	}
	b, err := cstring(env, c.Arg(1), strLimit(n))
	if err != nil {
		return Defer(err)
	}
	return Ret(uint64(int64(compare([]byte(a), []byte(b)))) & env.Space.Mask())
}

// strcpy(dst, src)
func libcStrcpy(env *Env, c Call) Result {
	dst := c.Arg(0)
	s, err := cstring(env, c.Arg(1), maxString)
	if err != nil {
		return Defer(err)
	}
	if err := putCString(env, dst, s); err != nil {
		return Defer(err)
	}
	return Ret(dst)
}

// strncpy(dst, src, n) pads with NULs up to n and does not terminate a
// source of n bytes or more.
func libcStrncpy(env *Env, c Call) Result {
	dst, n := c.Arg(0), c.Arg(2)
	if n > maxCopy {
		return Defer(fmt.Errorf("strncpy of 0x%x bytes", n))
	}
	s, err := cstring(env, c.Arg(1), strLimit(n))
	if err != nil {
		return Defer(err)
	}
	buf := make([]byte, n)
	copy(buf, s)
	if err := env.Space.WriteBytes(dst, buf); err != nil {
		return Defer(err)
	}
	return Ret(dst)
}

func libcStrcat(env *Env, c Call) Result {
	return concat(env, c.Arg(0), c.Arg(1), maxString)
}

func libcStrncat(env *Env, c Call) Result {
	return concat(env, c.Arg(0), c.Arg(1), strLimit(c.Arg(2)))
}

func concat(env *Env, dst, src uint64, limit int) Result {
	head, err := cstring(env, dst, maxString)
	if err != nil {
		return Defer(err)
	}
	tail, err := cstring(env, src, limit)
	if err != nil {
		return Defer(err)
	}
	if err := putCString(env, dst+uint64(len(head)), tail); err != nil {
		return Defer(err)
	}
	return Ret(dst)
}

// strchr(s, c); searching for NUL finds the terminator.
func libcStrchr(env *Env, c Call) Result {
	addr := c.Arg(0)
	s, err := cstring(env, addr, maxString)
	if err != nil {
		return Defer(err)
	}
	ch := byte(c.Arg(1))
	if ch == 0 {
		return Ret(addr + uint64(len(s)))
	}
	if i := strings.IndexByte(s, ch); i >= 0 {
		return Ret(addr + uint64(i))
	}
	return Ret(0)
}

func libcStrrchr(env *Env, c Call) Result {
	addr := c.Arg(0)
	s, err := cstring(env, addr, maxString)
	if err != nil {
		return Defer(err)
	}
	ch := byte(c.Arg(1))
	if ch == 0 {
		return Ret(addr + uint64(len(s)))
	}
	if i := strings.LastIndexByte(s, ch); i >= 0 {
		return Ret(addr + uint64(i))
	}
	return Ret(0)
}

func libcStrstr(env *Env, c Call) Result {
	addr := c.Arg(0)
	haystack, err := cstring(env, addr, maxString)
	if err != nil {
		return Defer(err)
	}
	needle, err := cstring(env, c.Arg(1), maxString)
	if err != nil {
		return Defer(err)
	}
	if i := strings.Index(haystack, needle); i >= 0 {
		return Ret(addr + uint64(i))
	}
	return Ret(0)
}

func libcStrdup(h *heap.Allocator, env *Env, c Call) Result {
	s, err := cstring(env, c.Arg(0), maxString)
	if err != nil {
		return Defer(err)
	}
	return dup(h, env, s)
}

func libcStrndup(h *heap.Allocator, env *Env, c Call) Result {
	s, err := cstring(env, c.Arg(0), strLimit(c.Arg(1)))
	if err != nil {
		return Defer(err)
	}
	return dup(h, env, s)
}

func dup(h *heap.Allocator, env *Env, s string) Result {
	ptr, err := h.Malloc(uint64(len(s)) + 1)
	if err != nil {
		return heapResult(0, err)
	}
	if err := putCString(env, ptr, s); err != nil {
		return Fail(err)
	}
	return Ret(ptr)
}
