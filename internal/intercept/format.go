package intercept

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	// ErrFormat marks a conversion the formatter does not model, such as
	// floating point, which arrives in vector registers.
	ErrFormat = errors.New("unsupported format conversion")
	// ErrArgs means a format consumed more arguments than the call carries.
	ErrArgs = errors.New("format needs more arguments")
)

// printf-family entries and the index of their format argument.
var printfFamily = []struct {
	name string
	dst  int // destination buffer argument, -1 for none
	size int // buffer size argument, -1 for unbounded
	fmt  int
}{
	{"printf", -1, -1, 0},
	{"fprintf", -1, -1, 1},
	{"__printf_chk", -1, -1, 1},
	{"__fprintf_chk", -1, -1, 2},
	{"sprintf", 0, -1, 1},
	{"__sprintf_chk", 0, -1, 3},
	{"snprintf", 0, 1, 2},
	{"__snprintf_chk", 0, 1, 4},
}

func registerFormat(r *Registry) {
	for _, f := range printfFamily {
		r.RegisterFunc("libc", f.name, printfHandler(f.dst, f.size, f.fmt))
	}
	r.RegisterFunc("libc", "puts", func(env *Env, c Call) Result {
		s, err := cstring(env, c.Arg(0), maxString)
		if err != nil {
			return Defer(err)
		}
		return Ret(uint64(len(s)) + 1)
	})
}

func printfHandler(dst, size, fmtArg int) Handler {
	return func(env *Env, c Call) Result {
		format, err := cstring(env, c.Arg(fmtArg), maxString)
		if err != nil {
			return Defer(err)
		}
		var rest []uint64
		if fmtArg+1 < len(c.Args) {
			rest = c.Args[fmtArg+1:]
		}
		out, err := FormatC(env, format, rest)
		if err != nil {
			return Defer(err)
		}
		if dst >= 0 {
			s := out
			if size >= 0 {
				n := c.Arg(size)
				if n == 0 {
					return Ret(uint64(len(out)))
				}
				if uint64(len(s)) >= n {
					s = s[:n-1]
				}
			}
			if err := putCString(env, c.Arg(dst), s); err != nil {
				return Defer(err)
			}
		}
		return Ret(uint64(len(out)))
	}
}

// FormatC renders a C format string. Integer, character, string and
// pointer conversions are supported; arguments are taken from args in
// order, strings are read through env.
func FormatC(env *Env, format string, args []uint64) (string, error) {
	var b strings.Builder
	next := func() (uint64, error) {
		if len(args) == 0 {
			return 0, ErrArgs
		}
		v := args[0]
		args = args[1:]
		return v, nil
	}

	for i := 0; i < len(format); i++ {
		ch := format[i]
		if ch != '%' {
			b.WriteByte(ch)
			continue
		}
		i++
		if i >= len(format) {
			return "", fmt.Errorf("%w: trailing %%", ErrFormat)
		}
		if format[i] == '%' {
			b.WriteByte('%')
			continue
		}

		spec := []byte{'%'}
		for ; i < len(format) && strings.IndexByte("-+ #0", format[i]) >= 0; i++ {
			spec = append(spec, format[i])
		}
		if i < len(format) && format[i] == '*' {
			w, err := next()
			if err != nil {
				return "", err
			}
			spec = strconv.AppendInt(spec, int64(int32(w)), 10)
			i++
		}
		for ; i < len(format) && format[i] >= '0' && format[i] <= '9'; i++ {
			spec = append(spec, format[i])
		}
		precision := -1
		if i < len(format) && format[i] == '.' {
			i++
			precision = 0
			if i < len(format) && format[i] == '*' {
				p, err := next()
				if err != nil {
					return "", err
				}
				precision = max(int(int32(p)), 0)
				i++
			}
			for ; i < len(format) && format[i] >= '0' && format[i] <= '9'; i++ {
				precision = precision*10 + int(format[i]-'0')
			}
			spec = append(spec, '.')
			spec = strconv.AppendInt(spec, int64(precision), 10)
		}

		bits := 32
		for ; i < len(format) && strings.IndexByte("hlqjzt", format[i]) >= 0; i++ {
			switch format[i] {
			case 'h':
				bits /= 2
			default:
				bits = 64
			}
		}
		if i >= len(format) {
			return "", fmt.Errorf("%w: truncated conversion", ErrFormat)
		}
		verb := format[i]

		switch verb {
		case 'd', 'i', 'u', 'x', 'X', 'o', 'c', 'p':
			v, err := next()
			if err != nil {
				return "", err
			}
			b.WriteString(formatInt(spec, verb, v, bits))
		case 's':
			addr, err := next()
			if err != nil {
				return "", err
			}
			if addr == 0 {
				b.WriteString(fmt.Sprintf(string(spec)+"s", "(null)"))
				continue
			}
			limit := maxString
			if precision >= 0 {
				limit = min(precision, maxString)
			}
			s, err := cstring(env, addr, limit)
			if err != nil {
				return "", err
			}
			b.WriteString(fmt.Sprintf(string(spec)+"s", s))
		default:
			return "", fmt.Errorf("%w: %%%c", ErrFormat, verb)
		}
	}
	return b.String(), nil
}

// formatInt applies the C integer conversions to v, truncated to bits.
func formatInt(spec []byte, verb byte, v uint64, bits int) string {
	mask := uint64(1)<<bits - 1
	if bits == 64 {
		mask = ^uint64(0)
	}
	u := v & mask
	switch verb {
	case 'd', 'i':
		shift := 64 - bits
		return fmt.Sprintf(string(spec)+"d", int64(u<<shift)>>shift)
	case 'u':
		return fmt.Sprintf(string(spec)+"d", u)
	case 'c':
		return fmt.Sprintf(string(spec)+"c", rune(byte(v)))
	case 'p':
		if v == 0 {
			return fmt.Sprintf(string(spec)+"s", "(nil)")
		}
		return fmt.Sprintf(string(spec)+"s", "0x"+strconv.FormatUint(v, 16))
	}
	return fmt.Sprintf(string(spec)+string(verb), u)
}
