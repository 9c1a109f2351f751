package lift

import (
	"errors"
	"fmt"
	"slices"

	"github.com/zboralski/memlift/internal/arch"
	"github.com/zboralski/memlift/internal/memory"
)

// Lifter limits.
const (
	DefaultMaxBlocks     = 256
	DefaultMaxBlockInsts = 4096
)

var (
	// ErrNotExecutable is returned when a trace head is not in r-x memory.
	ErrNotExecutable = errors.New("trace head not executable")
	// ErrTooManyBlocks is returned when a trace exceeds MaxBlocks.
	ErrTooManyBlocks = errors.New("trace has too many blocks")
)

// TraceError reports one trace that could not be lifted.
type TraceError struct {
	PC  uint64
	Err error
}

func (e *TraceError) Error() string { return fmt.Sprintf("trace 0x%x: %v", e.PC, e.Err) }
func (e *TraceError) Unwrap() error { return e.Err }

// Lifter translates a trace head into a Function. A Lifter is not safe for
// concurrent use; each worker owns one.
type Lifter struct {
	as            *memory.AddressSpace
	dec           arch.Decoder
	MaxBlocks     int
	MaxBlockInsts int
}

// NewLifter returns a lifter reading code from as.
func NewLifter(as *memory.AddressSpace, dec arch.Decoder) *Lifter {
	return &Lifter{
		as:            as,
		dec:           dec,
		MaxBlocks:     DefaultMaxBlocks,
		MaxBlockInsts: DefaultMaxBlockInsts,
	}
}

// Lift decodes the blocks reachable from pc without leaving its range.
// Calls end a block and continue at the return address; returns and
// indirect jumps end a path.
func (l *Lifter) Lift(pc uint64) (Function, error) {
	r, ok := l.as.FindRange(pc)
	if !ok || !r.Perm.Has(memory.PermRX) {
		return Function{}, &TraceError{PC: pc, Err: ErrNotExecutable}
	}

	blocks := make(map[uint64]*Block)
	queue := []uint64{pc}
	for len(queue) > 0 {
		start := queue[0]
		queue = queue[1:]
		if _, seen := blocks[start]; seen || !r.Contains(start) {
			continue
		}
		if len(blocks) >= l.MaxBlocks {
			return Function{}, &TraceError{PC: pc, Err: ErrTooManyBlocks}
		}
		b, succ, err := l.block(r, start)
		if err != nil {
			return Function{}, &TraceError{PC: pc, Err: err}
		}
		blocks[start] = b
		queue = append(queue, succ...)
	}

	f := Function{Name: functionName(pc), Entry: pc}
	for _, b := range blocks {
		f.Blocks = append(f.Blocks, *b)
	}
	slices.SortFunc(f.Blocks, func(x, y Block) int {
		switch {
		case x.Start < y.Start:
			return -1
		case x.Start > y.Start:
			return 1
		}
		return 0
	})
	return f, nil
}

func (l *Lifter) block(r memory.MappedRange, start uint64) (*Block, []uint64, error) {
	b := &Block{Start: start}
	for pc := start; ; {
		if len(b.Instructions) >= l.MaxBlockInsts || pc >= r.Limit {
			return b, nil, nil
		}
		code := l.as.FetchCode(pc, l.dec.MaxInstructionSize())
		inst, err := l.dec.Decode(pc, code)
		if err != nil {
			return nil, nil, err
		}
		b.Instructions = append(b.Instructions, inst)

		switch inst.Category {
		case arch.DirectJump:
			return b, []uint64{inst.Target}, nil
		case arch.ConditionalBranch:
			return b, []uint64{inst.Target, inst.NextPC()}, nil
		case arch.DirectCall, arch.IndirectCall:
			return b, []uint64{inst.NextPC()}, nil
		case arch.Return, arch.IndirectJump:
			return b, nil, nil
		}
		pc = inst.NextPC()
	}
}
