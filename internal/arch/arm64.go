package arch

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/arch/arm64/arm64asm"
)

// ARM64 decodes fixed-width AArch64 instructions.
type ARM64 struct{}

func (ARM64) Name() string            { return "arm64" }
func (ARM64) MaxInstructionSize() int { return 4 }

func (ARM64) Decode(pc uint64, code []byte) (Instruction, error) {
	if len(code) < 4 {
		return Instruction{}, fmt.Errorf("arm64 at 0x%x: %w", pc, ErrDecode)
	}
	inst, err := arm64asm.Decode(code[:4])
	if err != nil {
		return Instruction{}, fmt.Errorf("arm64 .word 0x%08x at 0x%x: %w",
			binary.LittleEndian.Uint32(code), pc, ErrDecode)
	}

	out := Instruction{
		PC:    pc,
		Size:  4,
		Text:  inst.String(),
		Bytes: append([]byte(nil), code[:4]...),
	}

	switch inst.Op {
	case arm64asm.BL:
		out.Category = DirectCall
	case arm64asm.B:
		out.Category = DirectJump
		if _, ok := inst.Args[0].(arm64asm.Cond); ok {
			out.Category = ConditionalBranch
		}
	case arm64asm.CBZ, arm64asm.CBNZ, arm64asm.TBZ, arm64asm.TBNZ:
		out.Category = ConditionalBranch
	case arm64asm.BR:
		out.Category = IndirectJump
	case arm64asm.BLR:
		out.Category = IndirectCall
	case arm64asm.RET:
		out.Category = Return
	case arm64asm.NOP:
		out.Category = NoOp
	}

	switch out.Category {
	case DirectCall, DirectJump, ConditionalBranch:
		rel, ok := pcRel(inst.Args)
		if !ok {
			return Instruction{}, fmt.Errorf("arm64 %s at 0x%x without target: %w", inst.Op, pc, ErrDecode)
		}
		out.Target = uint64(int64(pc) + rel)
	}
	return out, nil
}

// pcRel returns the last PC-relative operand.
func pcRel(args arm64asm.Args) (int64, bool) {
	for i := len(args) - 1; i >= 0; i-- {
		if r, ok := args[i].(arm64asm.PCRel); ok {
			return int64(r), true
		}
	}
	return 0, false
}
