// Package loader maps ELF shared objects and memory snapshots into a
// memory.AddressSpace.
package loader

import (
	"debug/elf"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	glog "github.com/zboralski/memlift/internal/log"
	"github.com/zboralski/memlift/internal/memory"
	"go.uber.org/zap"
)

// DefaultBase is where position-independent objects are placed.
const DefaultBase = 0x40000000

// PLT layouts: header size and entry size.
const (
	arm64PLTHeader = 32
	amd64PLTHeader = 16
	pltEntry       = 16
	relaSize       = 24
)

// Image describes a loaded ELF object.
type Image struct {
	Name     string // range name used for every segment
	Machine  elf.Machine
	Arch     string // "arm64" or "amd64"
	Entry    uint64
	Base     uint64 // lowest mapped address
	End      uint64 // end of mapped memory
	Bias     uint64 // added to every file virtual address
	Symbols  map[string]uint64
	Imports  []Import
	Segments []Segment
}

// Import is an external symbol the object expects the dynamic linker to
// resolve.
type Import struct {
	Name string
	Slot uint64 // GOT entry holding the resolved address
	PLT  uint64 // PLT entry, or 0 for data references
}

// Segment is a mapped PT_LOAD segment.
type Segment struct {
	VAddr  uint64
	Offset uint64
	Size   uint64 // file size
	MemSz  uint64
	Perm   memory.Perm
}

// Binder receives import slots, e.g. an emulator runner.
type Binder interface {
	Bind(slot uint64, name string) error
}

func permOf(flags elf.ProgFlag) memory.Perm {
	return memory.NewPerm(flags&elf.PF_R != 0, flags&elf.PF_W != 0, flags&elf.PF_X != 0)
}

func archOf(m elf.Machine) (string, error) {
	switch m {
	case elf.EM_AARCH64:
		return "arm64", nil
	case elf.EM_X86_64:
		return "amd64", nil
	}
	return "", fmt.Errorf("unsupported machine %v", m)
}

// DetectArch returns the architecture name of the ELF object at path without
// mapping it.
func DetectArch(path string) (string, error) {
	f, err := elf.Open(path)
	if err != nil {
		return "", fmt.Errorf("open ELF: %w", err)
	}
	defer f.Close()
	return archOf(f.Machine)
}

// stripVersion drops @VERSION and @@VERSION suffixes.
func stripVersion(name string) string {
	if i := strings.Index(name, "@"); i != -1 {
		return name[:i]
	}
	return name
}

// LoadELF maps the ELF object at path into as. A base of 0 keeps the file's
// addresses unless the object is position independent, in which case it is
// placed at DefaultBase.
func LoadELF(as *memory.AddressSpace, path string, base uint64) (*Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open ELF: %w", err)
	}
	defer f.Close()
	return Load(as, f, filepath.Base(path), base)
}

// Load maps the ELF object read from r, naming its ranges name.
func Load(as *memory.AddressSpace, r io.ReaderAt, name string, base uint64) (*Image, error) {
	f, err := elf.NewFile(r)
	if err != nil {
		return nil, fmt.Errorf("parse ELF: %w", err)
	}
	defer f.Close()

	if f.Class != elf.ELFCLASS64 {
		return nil, fmt.Errorf("expected ELFCLASS64, got %v", f.Class)
	}
	archName, err := archOf(f.Machine)
	if err != nil {
		return nil, err
	}

	fileBase := ^uint64(0)
	fileEnd := uint64(0)
	for _, prog := range f.Progs {
		if prog.Type != elf.PT_LOAD {
			continue
		}
		fileBase = min(fileBase, prog.Vaddr)
		fileEnd = max(fileEnd, prog.Vaddr+prog.Memsz)
	}
	if fileBase == ^uint64(0) {
		return nil, fmt.Errorf("no PT_LOAD segments found")
	}

	var bias uint64
	switch {
	case base != 0:
		bias = base - fileBase
	case fileBase < 0x10000:
		bias = DefaultBase - fileBase
	}

	img := &Image{
		Name:    name,
		Machine: f.Machine,
		Arch:    archName,
		Entry:   f.Entry + bias,
		Base:    fileBase + bias,
		End:     fileEnd + bias,
		Bias:    bias,
		Symbols: make(map[string]uint64),
	}
	log := glog.Get().WithComponent("loader").With(zap.String("file", name))

	for _, prog := range f.Progs {
		if prog.Type != elf.PT_LOAD || prog.Memsz == 0 {
			continue
		}
		seg := Segment{
			VAddr:  prog.Vaddr + bias,
			Offset: prog.Off,
			Size:   prog.Filesz,
			MemSz:  prog.Memsz,
			Perm:   permOf(prog.Flags),
		}
		if err := as.AddMapPerm(seg.VAddr, seg.MemSz, name, seg.Offset, seg.Perm); err != nil {
			return nil, fmt.Errorf("map segment at 0x%x: %w", seg.VAddr, err)
		}
		if prog.Filesz > 0 {
			data := make([]byte, min(prog.Filesz, prog.Memsz))
			if _, err := prog.ReadAt(data, 0); err != nil {
				return nil, fmt.Errorf("read segment at 0x%x: %w", seg.VAddr, err)
			}
			if err := as.Poke(seg.VAddr, data); err != nil {
				return nil, fmt.Errorf("write segment at 0x%x: %w", seg.VAddr, err)
			}
		}
		log.Debug("segment", glog.Addr(seg.VAddr), glog.Size(seg.MemSz), zap.Stringer("perm", seg.Perm))
		img.Segments = append(img.Segments, seg)
	}

	dynSyms, _ := f.DynamicSymbols()
	for _, sym := range dynSyms {
		if sym.Value != 0 && sym.Name != "" {
			img.Symbols[sym.Name] = sym.Value + bias
			img.Symbols[stripVersion(sym.Name)] = sym.Value + bias
		}
	}
	if syms, err := f.Symbols(); err == nil {
		for _, sym := range syms {
			if sym.Value != 0 && sym.Name != "" {
				img.Symbols[sym.Name] = sym.Value + bias
			}
		}
	}

	rl := &relocator{as: as, img: img, syms: dynSyms, order: f.ByteOrder}
	if err := rl.run(f); err != nil {
		return nil, fmt.Errorf("apply relocations: %w", err)
	}
	log.Info("loaded",
		glog.Span(img.Base, img.End),
		zap.Int("segments", len(img.Segments)),
		zap.Int("imports", len(img.Imports)))
	return img, nil
}

// rela is one Elf64_Rela entry.
type rela struct {
	Off    uint64
	Type   uint32
	Sym    int // index into the dynamic symbol table, 0 for none
	Addend int64
}

func parseRela(data []byte, order binary.ByteOrder) []rela {
	out := make([]rela, 0, len(data)/relaSize)
	for i := 0; i+relaSize <= len(data); i += relaSize {
		info := order.Uint64(data[i+8:])
		out = append(out, rela{
			Off:    order.Uint64(data[i:]),
			Type:   uint32(info),
			Sym:    int(info >> 32),
			Addend: int64(order.Uint64(data[i+16:])),
		})
	}
	return out
}

// relocator applies the relocations a dynamic linker would, leaving external
// references recorded as imports.
type relocator struct {
	as    *memory.AddressSpace
	img   *Image
	syms  []elf.Symbol // DynamicSymbols omits index 0
	order binary.ByteOrder
}

func (rl *relocator) symbol(idx int) (elf.Symbol, bool) {
	if idx <= 0 || idx > len(rl.syms) {
		return elf.Symbol{}, false
	}
	return rl.syms[idx-1], true
}

func (rl *relocator) put(addr, val uint64) error {
	var buf [8]byte
	rl.order.PutUint64(buf[:], val)
	return rl.as.Poke(addr, buf[:])
}

func (rl *relocator) run(f *elf.File) error {
	if plt := f.Section(".rela.plt"); plt != nil {
		data, err := plt.Data()
		if err != nil {
			return err
		}
		rl.pltImports(f, parseRela(data, rl.order))
	}
	for _, sec := range f.Sections {
		if sec.Type != elf.SHT_RELA || (sec.Name != ".rela.dyn" && sec.Name != ".rela.plt") {
			continue
		}
		data, err := sec.Data()
		if err != nil {
			return fmt.Errorf("%s: %w", sec.Name, err)
		}
		for _, r := range parseRela(data, rl.order) {
			if err := rl.apply(r); err != nil {
				return fmt.Errorf("%s at 0x%x: %w", sec.Name, r.Off, err)
			}
		}
	}
	return nil
}

// pltImports assigns PLT entry addresses to external jump slots in
// .rela.plt order.
func (rl *relocator) pltImports(f *elf.File, rels []rela) {
	sec := f.Section(".plt")
	if sec == nil {
		return
	}
	header := uint64(arm64PLTHeader)
	if rl.img.Arch == "amd64" {
		header = amd64PLTHeader
	}
	base := sec.Addr + rl.img.Bias + header
	for i, r := range rels {
		sym, ok := rl.symbol(r.Sym)
		if !ok || sym.Name == "" || sym.Value != 0 {
			continue
		}
		name := stripVersion(sym.Name)
		plt := base + uint64(i)*pltEntry
		rl.img.Symbols[name] = plt
		rl.img.Imports = append(rl.img.Imports, Import{Name: name, Slot: r.Off + rl.img.Bias, PLT: plt})
	}
}

// kind folds the architecture-specific relocation types.
type kind uint8

const (
	kindOther kind = iota
	kindRelative
	kindSlot // GLOB_DAT and JUMP_SLOT: S
	kindAbs  // S + A
)

func (rl *relocator) kindOf(t uint32) kind {
	if rl.img.Arch == "amd64" {
		switch elf.R_X86_64(t) {
		case elf.R_X86_64_RELATIVE:
			return kindRelative
		case elf.R_X86_64_GLOB_DAT, elf.R_X86_64_JMP_SLOT:
			return kindSlot
		case elf.R_X86_64_64:
			return kindAbs
		}
		return kindOther
	}
	switch elf.R_AARCH64(t) {
	case elf.R_AARCH64_RELATIVE:
		return kindRelative
	case elf.R_AARCH64_GLOB_DAT, elf.R_AARCH64_JUMP_SLOT:
		return kindSlot
	case elf.R_AARCH64_ABS64:
		return kindAbs
	}
	return kindOther
}

func (rl *relocator) apply(r rela) error {
	target := r.Off + rl.img.Bias
	switch rl.kindOf(r.Type) {
	case kindRelative:
		return rl.put(target, rl.img.Bias+uint64(r.Addend))

	case kindSlot, kindAbs:
		addend := uint64(r.Addend)
		if rl.kindOf(r.Type) == kindSlot {
			addend = 0
		}
		sym, ok := rl.symbol(r.Sym)
		if !ok {
			if r.Addend != 0 {
				return rl.put(target, rl.img.Bias+addend)
			}
			return nil
		}
		if sym.Value != 0 {
			return rl.put(target, sym.Value+rl.img.Bias+addend)
		}
		if sym.Name == "" {
			return nil
		}
		name := stripVersion(sym.Name)
		for _, imp := range rl.img.Imports {
			if imp.Slot == target {
				return nil
			}
		}
		rl.img.Imports = append(rl.img.Imports, Import{Name: name, Slot: target})
	}
	return nil
}

// BindImports hands every import slot to b.
func (img *Image) BindImports(b Binder) error {
	for _, imp := range img.Imports {
		if err := b.Bind(imp.Slot, imp.Name); err != nil {
			return fmt.Errorf("bind %s: %w", imp.Name, err)
		}
	}
	return nil
}

// FindSymbol looks up a symbol by name, returns 0 if not found
func (img *Image) FindSymbol(name string) uint64 {
	return img.Symbols[name]
}

// FindEntryPoint resolves name to an address: a symbol (exact, then
// case-insensitive), a hex address, or the ELF entry when name is empty.
func (img *Image) FindEntryPoint(name string) (uint64, error) {
	if name == "" {
		return img.Entry, nil
	}
	if addr := img.FindSymbol(name); addr != 0 {
		return addr, nil
	}
	for sym, addr := range img.Symbols {
		if strings.EqualFold(sym, name) {
			return addr, nil
		}
	}
	if addr, err := ParseHex(name); err == nil {
		return addr, nil
	}
	return 0, fmt.Errorf("symbol %q not found", name)
}

// Executable returns the executable segments.
func (img *Image) Executable() []Segment {
	var out []Segment
	for _, s := range img.Segments {
		if s.Perm.CanExecute() {
			out = append(out, s)
		}
	}
	return out
}
