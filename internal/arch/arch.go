// Package arch decodes single machine instructions and classifies them by
// control-flow effect.
package arch

import (
	"errors"
	"fmt"
	"strings"
)

// Category is the control-flow class of a decoded instruction.
type Category uint8

const (
	Other Category = iota
	NoOp
	DirectCall
	IndirectCall
	DirectJump
	IndirectJump
	ConditionalBranch
	Return
)

var categoryNames = [...]string{
	Other:             "other",
	NoOp:              "nop",
	DirectCall:        "call",
	IndirectCall:      "icall",
	DirectJump:        "jump",
	IndirectJump:      "ijump",
	ConditionalBranch: "cbranch",
	Return:            "ret",
}

func (c Category) String() string {
	if int(c) < len(categoryNames) {
		return categoryNames[c]
	}
	return fmt.Sprintf("Category(%d)", int(c))
}

// IsControlTransfer reports whether the category ends a straight-line run.
func (c Category) IsControlTransfer() bool {
	return c != Other && c != NoOp
}

// Instruction is one decoded instruction.
type Instruction struct {
	PC       uint64
	Size     int
	Category Category
	// Target is the taken destination of direct calls, direct jumps and
	// conditional branches.
	Target uint64
	Text   string
	Bytes  []byte
}

// NextPC is the fall-through address.
func (i Instruction) NextPC() uint64 { return i.PC + uint64(i.Size) }

// ErrDecode is returned when bytes do not form a valid instruction.
var ErrDecode = errors.New("cannot decode instruction")

// Decoder decodes one instruction at pc from code.
type Decoder interface {
	Name() string
	MaxInstructionSize() int
	Decode(pc uint64, code []byte) (Instruction, error)
}

// ByName returns the decoder for an architecture name.
func ByName(name string) (Decoder, error) {
	switch strings.ToLower(name) {
	case "arm64", "aarch64":
		return ARM64{}, nil
	case "amd64", "x86_64", "x86-64":
		return AMD64{}, nil
	}
	return nil, fmt.Errorf("unsupported architecture %q", name)
}
