package memory

import (
	"fmt"
	"strings"
)

// Perm is a set of page permissions.
type Perm uint8

const (
	PermRead Perm = 1 << iota
	PermWrite
	PermExec

	PermNone Perm = 0
	PermRW        = PermRead | PermWrite
	PermRX        = PermRead | PermExec
	PermRWX       = PermRead | PermWrite | PermExec
)

// NewPerm builds a Perm from individual bits.
func NewPerm(r, w, x bool) Perm {
	var p Perm
	if r {
		p |= PermRead
	}
	if w {
		p |= PermWrite
	}
	if x {
		p |= PermExec
	}
	return p
}

func (p Perm) CanRead() bool    { return p&PermRead != 0 }
func (p Perm) CanWrite() bool   { return p&PermWrite != 0 }
func (p Perm) CanExecute() bool { return p&PermExec != 0 }

// Has reports whether p includes every bit of need.
func (p Perm) Has(need Perm) bool { return p&need == need }

// String renders the permissions in ls/procfs style, e.g. "r-x".
func (p Perm) String() string {
	b := []byte("---")
	if p.CanRead() {
		b[0] = 'r'
	}
	if p.CanWrite() {
		b[1] = 'w'
	}
	if p.CanExecute() {
		b[2] = 'x'
	}
	return string(b)
}

// ParsePerm parses strings like "rwx", "r-x" or "rw".
func ParsePerm(s string) (Perm, error) {
	var p Perm
	for _, c := range strings.ToLower(s) {
		switch c {
		case 'r':
			p |= PermRead
		case 'w':
			p |= PermWrite
		case 'x':
			p |= PermExec
		case '-', 'p', 's':
		default:
			return 0, fmt.Errorf("invalid permission %q", s)
		}
	}
	return p, nil
}
