package loader

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	glog "github.com/zboralski/memlift/internal/log"
	"github.com/zboralski/memlift/internal/memory"
	"go.uber.org/zap"
)

// ErrSnapshotName is returned for files not named <base>_<limit>_<perm>[_name].
var ErrSnapshotName = errors.New("bad snapshot file name")

// Region is one memory range of a snapshot directory.
type Region struct {
	Base  uint64
	Limit uint64
	Perm  memory.Perm
	Name  string
	Path  string
}

// ParseHex parses an address with or without a 0x prefix.
func ParseHex(s string) (uint64, error) {
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	return strconv.ParseUint(s, 16, 64)
}

// ParseRegionName parses a snapshot file name like
// "40000000_40010000_r-x_libfoo.so". The name part is optional and may itself
// contain underscores; it defaults to the file name.
func ParseRegionName(file string) (Region, error) {
	parts := strings.SplitN(file, "_", 4)
	if len(parts) < 3 {
		return Region{}, fmt.Errorf("%s: %w", file, ErrSnapshotName)
	}
	base, err := ParseHex(parts[0])
	if err != nil {
		return Region{}, fmt.Errorf("%s: base: %w", file, ErrSnapshotName)
	}
	limit, err := ParseHex(parts[1])
	if err != nil || limit <= base {
		return Region{}, fmt.Errorf("%s: limit: %w", file, ErrSnapshotName)
	}
	perm, err := memory.ParsePerm(parts[2])
	if err != nil {
		return Region{}, fmt.Errorf("%s: %w: %w", file, ErrSnapshotName, err)
	}
	r := Region{Base: base, Limit: limit, Perm: perm, Name: file}
	if len(parts) == 4 && parts[3] != "" {
		r.Name = parts[3]
	}
	return r, nil
}

// LoadSnapshot maps every region file of dir into as. Files with other names
// are skipped; per-file failures are joined and the remaining files still
// load.
func LoadSnapshot(as *memory.AddressSpace, dir string) ([]Region, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read snapshot: %w", err)
	}
	log := glog.Get().WithComponent("snapshot")

	var regions []Region
	var errs []error
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		r, err := ParseRegionName(e.Name())
		if err != nil {
			log.Debug("skip", zap.String("file", e.Name()))
			continue
		}
		r.Path = filepath.Join(dir, e.Name())
		if err := loadRegion(as, r); err != nil {
			errs = append(errs, err)
			continue
		}
		log.Debug("region", glog.Range(r.Name), glog.Span(r.Base, r.Limit), zap.Stringer("perm", r.Perm))
		regions = append(regions, r)
	}
	slices.SortFunc(regions, func(a, b Region) int {
		switch {
		case a.Base < b.Base:
			return -1
		case a.Base > b.Base:
			return 1
		}
		return 0
	})
	return regions, errors.Join(errs...)
}

func loadRegion(as *memory.AddressSpace, r Region) error {
	data, err := os.ReadFile(r.Path)
	if err != nil {
		return err
	}
	size := r.Limit - r.Base
	if uint64(len(data)) > size {
		return fmt.Errorf("%s: 0x%x bytes exceed range size 0x%x", r.Path, len(data), size)
	}
	if err := as.AddMapPerm(r.Base, size, r.Name, 0, r.Perm); err != nil {
		return fmt.Errorf("%s: %w", r.Path, err)
	}
	if len(data) > 0 {
		if err := as.Poke(r.Base, data); err != nil {
			return fmt.Errorf("%s: %w", r.Path, err)
		}
	}
	return nil
}
