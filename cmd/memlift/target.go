package main

import (
	"errors"
	"fmt"
	"slices"

	"github.com/spf13/cobra"
	"github.com/zboralski/memlift/internal/arch"
	"github.com/zboralski/memlift/internal/loader"
	glog "github.com/zboralski/memlift/internal/log"
	"github.com/zboralski/memlift/internal/memory"
	"go.uber.org/zap"
)

// target is a program image mapped into an address space.
type target struct {
	path    string
	arch    string
	image   *loader.Image // nil for snapshots
	regions []loader.Region
	as      *memory.AddressSpace
}

func snapshotDir(cmd *cobra.Command) string {
	dir, _ := cmd.Flags().GetString("snapshot")
	return dir
}

// targetArch names the architecture of the input before anything is mapped.
func targetArch(cmd *cobra.Command, args []string) (string, error) {
	if snapshotDir(cmd) != "" {
		return cfg.Arch, nil
	}
	if len(args) == 0 {
		return "", errors.New("need an ELF object or --snapshot")
	}
	return loader.DetectArch(args[0])
}

// loadTarget maps the command's input into as, or into a fresh space when
// as is nil.
func loadTarget(cmd *cobra.Command, args []string, as *memory.AddressSpace) (*target, error) {
	if as == nil {
		var err error
		if as, err = memory.New(cfg.Bits); err != nil {
			return nil, err
		}
	}
	t := &target{as: as, arch: cfg.Arch}

	if dir := snapshotDir(cmd); dir != "" {
		regions, err := loader.LoadSnapshot(as, dir)
		if err != nil {
			if len(regions) == 0 {
				return nil, err
			}
			glog.Get().Warn("snapshot partially loaded", zap.Int("regions", len(regions)), zap.Error(err))
		}
		t.path = dir
		t.regions = regions
		return t, nil
	}

	if len(args) == 0 {
		return nil, errors.New("need an ELF object or --snapshot")
	}
	var base uint64
	if s, _ := cmd.Flags().GetString("base"); s != "" {
		b, err := loader.ParseHex(s)
		if err != nil {
			return nil, fmt.Errorf("bad --base: %w", err)
		}
		base = b
	}
	img, err := loader.LoadELF(as, args[0], base)
	if err != nil {
		return nil, err
	}
	t.path = args[0]
	t.image = img
	t.arch = img.Arch
	return t, nil
}

func (t *target) decoder() (arch.Decoder, error) {
	return arch.ByName(t.arch)
}

// entries returns the ELF entry and every symbol inside an executable range.
func (t *target) entries() []uint64 {
	if t.image == nil {
		return nil
	}
	var out []uint64
	if t.image.Entry != 0 {
		out = append(out, t.image.Entry)
	}
	for _, addr := range t.image.Symbols {
		if t.as.CanExecute(addr) {
			out = append(out, addr)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}

// symbolNames maps addresses to their shortest symbol name.
func (t *target) symbolNames() map[uint64]string {
	names := make(map[uint64]string)
	if t.image == nil {
		return names
	}
	for name, addr := range t.image.Symbols {
		if existing, ok := names[addr]; !ok || len(name) < len(existing) {
			names[addr] = name
		}
	}
	return names
}

// resolve turns a symbol name or hex address into an address. Empty means
// the ELF entry, or the first executable range of a snapshot.
func (t *target) resolve(name string) (uint64, error) {
	if t.image != nil {
		return t.image.FindEntryPoint(name)
	}
	if name != "" {
		return loader.ParseHex(name)
	}
	for _, r := range t.as.Ranges() {
		if r.Perm.CanExecute() {
			return r.Base, nil
		}
	}
	return 0, errors.New("no executable range")
}

// execRanges returns the executable ranges, or the one named by rangeName.
func (t *target) execRanges(rangeName string) []memory.MappedRange {
	var out []memory.MappedRange
	for _, r := range t.as.Ranges() {
		if !r.Perm.CanExecute() {
			continue
		}
		if rangeName != "" && r.Name != rangeName {
			continue
		}
		out = append(out, r)
	}
	return out
}
