// Package lift translates trace heads into functions of basic blocks, runs
// the translation in parallel per mapped range and loads the persisted
// artifacts back into the address space.
package lift

import (
	"fmt"

	"github.com/zboralski/memlift/internal/arch"
)

// Linkage of a lifted function.
type Linkage uint8

const (
	Internal Linkage = iota
	External
)

func (l Linkage) String() string {
	if l == External {
		return "external"
	}
	return "internal"
}

// Block is a straight-line run of instructions ending in a control transfer
// or at the start of another block.
type Block struct {
	Start        uint64
	Instructions []arch.Instruction
}

// End is the address after the last instruction.
func (b Block) End() uint64 {
	if len(b.Instructions) == 0 {
		return b.Start
	}
	return b.Instructions[len(b.Instructions)-1].NextPC()
}

// Function is one lifted trace.
type Function struct {
	Name    string
	Entry   uint64
	Linkage Linkage
	Blocks  []Block
}

// Contains reports whether pc lies inside one of the function's blocks.
func (f *Function) Contains(pc uint64) bool {
	for _, b := range f.Blocks {
		if pc >= b.Start && pc < b.End() {
			return true
		}
	}
	return false
}

// Instructions returns the instruction count over all blocks.
func (f *Function) Instructions() int {
	n := 0
	for _, b := range f.Blocks {
		n += len(b.Instructions)
	}
	return n
}

// Module holds the functions lifted for one batch.
type Module struct {
	Start     uint64
	End       uint64
	Arch      string
	RunID     string
	Guide     Guide
	Functions []Function
}

// Span is the inclusive [first, last] trace head span the module covers.
func (m *Module) Span() (uint64, uint64) { return m.Start, m.End }

// Name is the artifact name of the module.
func (m *Module) Name() string { return ArtifactName(m.Start, m.End) }

// Add registers f, replacing a function with the same entry.
func (m *Module) Add(f Function) {
	for i := range m.Functions {
		if m.Functions[i].Entry == f.Entry {
			m.Functions[i] = f
			return
		}
	}
	m.Functions = append(m.Functions, f)
}

// Lookup returns the function entered at pc, or failing that the function
// whose blocks contain pc.
func (m *Module) Lookup(pc uint64) (*Function, bool) {
	for i := range m.Functions {
		if m.Functions[i].Entry == pc {
			return &m.Functions[i], true
		}
	}
	for i := range m.Functions {
		if m.Functions[i].Contains(pc) {
			return &m.Functions[i], true
		}
	}
	return nil, false
}

// ArtifactName formats the persisted name of a module spanning [start, end].
func ArtifactName(start, end uint64) string {
	return fmt.Sprintf("0x%x-0x%x", start, end)
}

// ParseArtifactName is the inverse of ArtifactName.
func ParseArtifactName(name string) (uint64, uint64, error) {
	var start, end uint64
	var rest string
	n, _ := fmt.Sscanf(name, "0x%x-0x%x%s", &start, &end, &rest)
	if n != 2 {
		return 0, 0, fmt.Errorf("malformed artifact name %q", name)
	}
	if start > end {
		return 0, 0, fmt.Errorf("artifact %q: start after end", name)
	}
	return start, end, nil
}

func functionName(pc uint64) string { return fmt.Sprintf("sub_%x", pc) }
