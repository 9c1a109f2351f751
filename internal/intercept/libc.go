package intercept

import (
	"bytes"
	"fmt"

	"github.com/zboralski/memlift/internal/memory"
)

// maxString bounds C string reads.
const maxString = 4096

// maxCopy bounds memcpy-style transfers.
const maxCopy = 0x100000

func registerLibc(r *Registry) {
	r.RegisterFunc("libc", "strtol", libcStrtol)
	r.RegisterFunc("libc", "strlen", libcStrlen)
	r.RegisterFunc("libc", "strcmp", libcStrcmp)
	r.RegisterFunc("libc", "memcpy", libcMemcpy, "memmove")
	r.RegisterFunc("libc", "memset", libcMemset)
	r.RegisterFunc("libc", "memcmp", libcMemcmp)
	r.RegisterFunc("libc", "getpagesize", func(*Env, Call) Result { return Ret(memory.PageSize) })
}

// strtol(nptr, endptr, base)
func libcStrtol(env *Env, c Call) Result {
	nptr, endptr := c.Arg(0), c.Arg(1)
	base := int(int32(c.Arg(2)))

	s, err := env.Space.ReadCString(nptr, maxString)
	if err != nil {
		return Defer(fmt.Errorf("strtol 0x%x: %w", nptr, err))
	}
	bits := env.Space.Bits()
	v, n := ParseLong(s, base, bits)

	if endptr != 0 {
		if !env.Space.TryWrite(endptr, memory.Width(bits), memory.Concrete(nptr+uint64(n))) {
			return Fail(fmt.Errorf("strtol endptr 0x%x: %w", endptr, ErrFault))
		}
	}
	return Ret(uint64(v) & env.Space.Mask())
}

// ParseLong parses s the way C strtol does for a long of the given bit
// width. It returns the value and the number of bytes consumed; zero bytes
// consumed means no conversion. Out-of-range values clamp to the limits.
func ParseLong(s string, base, bits int) (int64, int) {
	if base != 0 && (base < 2 || base > 36) {
		return 0, 0
	}
	i := 0
	for i < len(s) && isSpace(s[i]) {
		i++
	}
	neg := false
	if i < len(s) && (s[i] == '+' || s[i] == '-') {
		neg = s[i] == '-'
		i++
	}

	hexPrefix := i+2 < len(s) && s[i] == '0' && s[i+1]|0x20 == 'x' && digit(s[i+2]) < 16
	switch {
	case (base == 0 || base == 16) && hexPrefix:
		base = 16
		i += 2
	case base == 0 && i < len(s) && s[i] == '0':
		base = 8
	case base == 0:
		base = 10
	}

	limit := uint64(1)<<(bits-1) - 1
	if neg {
		limit++
	}
	ub := uint64(base)

	start := i
	var acc uint64
	overflow := false
	for ; i < len(s); i++ {
		d := uint64(digit(s[i]))
		if d >= ub {
			break
		}
		if overflow || acc > (limit-d)/ub {
			overflow = true
			continue
		}
		acc = acc*ub + d
	}
	if i == start {
		return 0, 0
	}
	if overflow {
		acc = limit
	}
	if neg {
		return int64(-acc), i
	}
	return int64(acc), i
}

func isSpace(b byte) bool {
	return b == ' ' || (b >= '\t' && b <= '\r')
}

func digit(b byte) int {
	switch {
	case b >= '0' && b <= '9':
		return int(b - '0')
	case b >= 'a' && b <= 'z':
		return int(b-'a') + 10
	case b >= 'A' && b <= 'Z':
		return int(b-'A') + 10
	}
	return 99
}

func libcStrlen(env *Env, c Call) Result {
	s, err := env.Space.ReadCString(c.Arg(0), maxString)
	if err != nil {
		return Defer(err)
	}
	return Ret(uint64(len(s)))
}

func libcStrcmp(env *Env, c Call) Result {
	a, err := env.Space.ReadCString(c.Arg(0), maxString)
	if err != nil {
		return Defer(err)
	}
	b, err := env.Space.ReadCString(c.Arg(1), maxString)
	if err != nil {
		return Defer(err)
	}
	return Ret(uint64(int64(compare([]byte(a), []byte(b)))) & env.Space.Mask())
}

// memcpy(dst, src, n), also serving memmove.
func libcMemcpy(env *Env, c Call) Result {
	dst, src, n := c.Arg(0), c.Arg(1), c.Arg(2)
	if n > maxCopy {
		return Defer(fmt.Errorf("copy of 0x%x bytes", n))
	}
	if n > 0 {
		as := env.Space
		if !as.CanRead(src) || !as.CanRead(src+n-1) || !as.CanWrite(dst) || !as.CanWrite(dst+n-1) {
			return Defer(fmt.Errorf("copy 0x%x -> 0x%x: %w", src, dst, ErrFault))
		}
		if err := as.Copy(dst, src, n); err != nil {
			return Defer(err)
		}
	}
	return Ret(dst)
}

// memset(dst, c, n)
func libcMemset(env *Env, c Call) Result {
	dst, n := c.Arg(0), c.Arg(2)
	if n > maxCopy {
		return Defer(fmt.Errorf("memset of 0x%x bytes", n))
	}
	if n > 0 {
		if err := env.Space.WriteBytes(dst, bytes.Repeat([]byte{byte(c.Arg(1))}, int(n))); err != nil {
			return Defer(err)
		}
	}
	return Ret(dst)
}

// memcmp(a, b, n)
func libcMemcmp(env *Env, c Call) Result {
	n := c.Arg(2)
	if n > maxCopy {
		return Defer(fmt.Errorf("memcmp of 0x%x bytes", n))
	}
	if n == 0 {
		return Ret(0)
	}
	a, err := env.Space.ReadBytes(c.Arg(0), n)
	if err != nil {
		return Defer(err)
	}
	b, err := env.Space.ReadBytes(c.Arg(1), n)
	if err != nil {
		return Defer(err)
	}
	return Ret(uint64(int64(compare(a, b))) & env.Space.Mask())
}

// compare returns the signed difference of the first differing bytes.
func compare(a, b []byte) int {
	for i := 0; i < len(a) && i < len(b); i++ {
		if a[i] != b[i] {
			return int(a[i]) - int(b[i])
		}
	}
	return len(a) - len(b)
}
