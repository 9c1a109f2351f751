package arch

import (
	"fmt"

	"golang.org/x/arch/x86/x86asm"
)

// AMD64 decodes variable-length x86-64 instructions.
type AMD64 struct{}

func (AMD64) Name() string            { return "amd64" }
func (AMD64) MaxInstructionSize() int { return 15 }

var x86Conditional = map[x86asm.Op]bool{
	x86asm.JA: true, x86asm.JAE: true, x86asm.JB: true, x86asm.JBE: true,
	x86asm.JCXZ: true, x86asm.JECXZ: true, x86asm.JRCXZ: true,
	x86asm.JE: true, x86asm.JNE: true, x86asm.JG: true, x86asm.JGE: true,
	x86asm.JL: true, x86asm.JLE: true, x86asm.JNO: true, x86asm.JNP: true,
	x86asm.JNS: true, x86asm.JO: true, x86asm.JP: true, x86asm.JS: true,
	x86asm.LOOP: true, x86asm.LOOPE: true, x86asm.LOOPNE: true,
}

func (AMD64) Decode(pc uint64, code []byte) (Instruction, error) {
	inst, err := x86asm.Decode(code, 64)
	if err != nil {
		return Instruction{}, fmt.Errorf("amd64 at 0x%x: %v: %w", pc, err, ErrDecode)
	}

	out := Instruction{
		PC:    pc,
		Size:  inst.Len,
		Text:  x86asm.GNUSyntax(inst, pc, nil),
		Bytes: append([]byte(nil), code[:inst.Len]...),
	}

	rel, direct := inst.Args[0].(x86asm.Rel)
	switch {
	case inst.Op == x86asm.CALL:
		out.Category = IndirectCall
		if direct {
			out.Category = DirectCall
		}
	case inst.Op == x86asm.JMP:
		out.Category = IndirectJump
		if direct {
			out.Category = DirectJump
		}
	case x86Conditional[inst.Op]:
		out.Category = ConditionalBranch
	case inst.Op == x86asm.LCALL:
		out.Category = IndirectCall
	case inst.Op == x86asm.LJMP:
		out.Category = IndirectJump
	case inst.Op == x86asm.RET, inst.Op == x86asm.LRET, inst.Op == x86asm.IRET:
		out.Category = Return
	case inst.Op == x86asm.NOP:
		out.Category = NoOp
	}

	if direct {
		out.Target = uint64(int64(out.NextPC()) + int64(rel))
	}
	return out, nil
}
