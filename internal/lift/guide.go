package lift

import (
	"fmt"

	"github.com/zboralski/memlift/internal/arch"
)

// Guide selects the passes run over a lifted function. Every flag is
// recorded in artifacts for consumers that optimize further; the vectorizer
// flags have no pass here.
type Guide struct {
	SLPVectorize  bool
	LoopVectorize bool
	VerifyInput   bool
	// EliminateDeadStores is recorded for downstream optimizers. Blocks
	// carry control flow only, no data flow, so locally it strips no-ops,
	// the one class of instruction known to have no effect.
	EliminateDeadStores bool
}

// DefaultGuide disables vectorization and verification and keeps dead
// store elimination.
func DefaultGuide() Guide {
	return Guide{EliminateDeadStores: true}
}

const (
	guideSLP uint64 = 1 << iota
	guideLoop
	guideVerify
	guideDSE
)

func (g Guide) bits() uint64 {
	var v uint64
	if g.SLPVectorize {
		v |= guideSLP
	}
	if g.LoopVectorize {
		v |= guideLoop
	}
	if g.VerifyInput {
		v |= guideVerify
	}
	if g.EliminateDeadStores {
		v |= guideDSE
	}
	return v
}

func guideFromBits(v uint64) Guide {
	return Guide{
		SLPVectorize:        v&guideSLP != 0,
		LoopVectorize:       v&guideLoop != 0,
		VerifyInput:         v&guideVerify != 0,
		EliminateDeadStores: v&guideDSE != 0,
	}
}

// Apply runs the enabled passes over f.
func (g Guide) Apply(f *Function) error {
	if g.VerifyInput {
		if err := verify(f); err != nil {
			return fmt.Errorf("verify %s: %w", f.Name, err)
		}
	}
	if g.EliminateDeadStores {
		for i := range f.Blocks {
			f.Blocks[i].Instructions = stripNoOps(f.Blocks[i].Instructions)
		}
	}
	return nil
}

// stripNoOps removes arch.NoOp instructions in place.
func stripNoOps(insts []arch.Instruction) []arch.Instruction {
	out := insts[:0]
	for _, inst := range insts {
		if inst.Category != arch.NoOp {
			out = append(out, inst)
		}
	}
	return out
}

// verify checks that the entry block exists and every block is a
// contiguous instruction run.
func verify(f *Function) error {
	entry := false
	for _, b := range f.Blocks {
		if b.Start == f.Entry {
			entry = true
		}
		pc := b.Start
		for _, inst := range b.Instructions {
			if inst.PC != pc {
				return fmt.Errorf("block 0x%x: gap at 0x%x", b.Start, pc)
			}
			pc = inst.NextPC()
		}
	}
	if !entry {
		return fmt.Errorf("no entry block at 0x%x", f.Entry)
	}
	return nil
}
