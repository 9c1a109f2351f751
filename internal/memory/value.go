package memory

import "fmt"

// Width is an access width in bits.
type Width uint8

const (
	Width8  Width = 8
	Width16 Width = 16
	Width32 Width = 32
	Width64 Width = 64
)

// Valid reports whether w is one of the supported access widths.
func (w Width) Valid() bool {
	switch w {
	case Width8, Width16, Width32, Width64:
		return true
	}
	return false
}

// Bytes returns the width in bytes.
func (w Width) Bytes() uint64 { return uint64(w) / 8 }

// Mask returns the bit mask of a value of this width.
func (w Width) Mask() uint64 {
	if w >= Width64 {
		return ^uint64(0)
	}
	return (uint64(1) << w) - 1
}

// AllOnes is the value reported for a failed read of width w.
func AllOnes(w Width) uint64 { return w.Mask() }

// Symbol is an external symbolic object owned by the analysis engine.
type Symbol interface {
	Name() string
}

// NamedSymbol is a Symbol identified only by its name.
type NamedSymbol string

func (s NamedSymbol) Name() string { return string(s) }

// Value is either a concrete integer or a reference to a symbolic object.
type Value struct {
	Bits uint64
	Sym  Symbol
}

// Concrete returns a literal value.
func Concrete(v uint64) Value { return Value{Bits: v} }

// Symbolic returns a value whose origin is the symbolic object s.
func Symbolic(s Symbol) Value { return Value{Sym: s} }

// IsSymbolic reports whether v refers to a symbolic object.
func (v Value) IsSymbolic() bool { return v.Sym != nil }

func (v Value) String() string {
	if v.Sym != nil {
		return "sym:" + v.Sym.Name()
	}
	return fmt.Sprintf("0x%x", v.Bits)
}

// Binding associates an address span with a symbolic object.
// A binding shadows the concrete bytes of [Addr, Addr+Width/8).
type Binding struct {
	Addr  uint64
	Width Width
	Sym   Symbol
}

func (b Binding) end() uint64 { return b.Addr + b.Width.Bytes() }
