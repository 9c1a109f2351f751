package lift

import (
	"fmt"

	"github.com/zboralski/memlift/internal/arch"
	"google.golang.org/protobuf/encoding/protowire"
)

// Artifact wire layout.
//
//	Module:      1 start, 2 end, 3 arch, 4 run_id, 5 function*, 6 guide bits
//	Function:    1 name, 2 entry, 3 linkage, 4 block*
//	Block:       1 start, 2 instruction*
//	Instruction: 1 pc, 2 size, 3 category, 4 target, 5 text, 6 bytes

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendBytes(b []byte, num protowire.Number, v []byte) []byte {
	if len(v) == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

// MarshalBinary encodes the module.
func (m *Module) MarshalBinary() ([]byte, error) {
	var b []byte
	b = appendVarint(b, 1, m.Start)
	b = appendVarint(b, 2, m.End)
	b = appendBytes(b, 3, []byte(m.Arch))
	b = appendBytes(b, 4, []byte(m.RunID))
	for _, f := range m.Functions {
		b = protowire.AppendTag(b, 5, protowire.BytesType)
		b = protowire.AppendBytes(b, marshalFunction(f))
	}
	b = appendVarint(b, 6, m.Guide.bits())
	return b, nil
}

func marshalFunction(f Function) []byte {
	var b []byte
	b = appendBytes(b, 1, []byte(f.Name))
	b = appendVarint(b, 2, f.Entry)
	b = appendVarint(b, 3, uint64(f.Linkage))
	for _, blk := range f.Blocks {
		var bb []byte
		bb = appendVarint(bb, 1, blk.Start)
		for _, inst := range blk.Instructions {
			bb = protowire.AppendTag(bb, 2, protowire.BytesType)
			bb = protowire.AppendBytes(bb, marshalInstruction(inst))
		}
		b = protowire.AppendTag(b, 4, protowire.BytesType)
		b = protowire.AppendBytes(b, bb)
	}
	return b
}

func marshalInstruction(inst arch.Instruction) []byte {
	var b []byte
	b = appendVarint(b, 1, inst.PC)
	b = appendVarint(b, 2, uint64(inst.Size))
	b = appendVarint(b, 3, uint64(inst.Category))
	b = appendVarint(b, 4, inst.Target)
	b = appendBytes(b, 5, []byte(inst.Text))
	b = appendBytes(b, 6, inst.Bytes)
	return b
}

type field struct {
	num protowire.Number
	typ protowire.Type
	v   uint64
	b   []byte
}

// walk calls fn for every field of a message, skipping unknown types.
func walk(b []byte, fn func(f field) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		f := field{num: num, typ: typ}
		switch typ {
		case protowire.VarintType:
			f.v, n = protowire.ConsumeVarint(b)
		case protowire.BytesType:
			f.b, n = protowire.ConsumeBytes(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		if err := fn(f); err != nil {
			return err
		}
	}
	return nil
}

// UnmarshalBinary decodes a module written by MarshalBinary.
func (m *Module) UnmarshalBinary(data []byte) error {
	*m = Module{}
	err := walk(data, func(f field) error {
		switch f.num {
		case 1:
			m.Start = f.v
		case 2:
			m.End = f.v
		case 3:
			m.Arch = string(f.b)
		case 4:
			m.RunID = string(f.b)
		case 5:
			fn, err := unmarshalFunction(f.b)
			if err != nil {
				return err
			}
			m.Functions = append(m.Functions, fn)
		case 6:
			m.Guide = guideFromBits(f.v)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("decode module: %w", err)
	}
	return nil
}

func unmarshalFunction(data []byte) (Function, error) {
	var fn Function
	err := walk(data, func(f field) error {
		switch f.num {
		case 1:
			fn.Name = string(f.b)
		case 2:
			fn.Entry = f.v
		case 3:
			fn.Linkage = Linkage(f.v)
		case 4:
			blk, err := unmarshalBlock(f.b)
			if err != nil {
				return err
			}
			fn.Blocks = append(fn.Blocks, blk)
		}
		return nil
	})
	return fn, err
}

func unmarshalBlock(data []byte) (Block, error) {
	var blk Block
	err := walk(data, func(f field) error {
		switch f.num {
		case 1:
			blk.Start = f.v
		case 2:
			var inst arch.Instruction
			err := walk(f.b, func(f field) error {
				switch f.num {
				case 1:
					inst.PC = f.v
				case 2:
					inst.Size = int(f.v)
				case 3:
					inst.Category = arch.Category(f.v)
				case 4:
					inst.Target = f.v
				case 5:
					inst.Text = string(f.b)
				case 6:
					inst.Bytes = append([]byte(nil), f.b...)
				}
				return nil
			})
			if err != nil {
				return err
			}
			blk.Instructions = append(blk.Instructions, inst)
		}
		return nil
	})
	return blk, err
}
