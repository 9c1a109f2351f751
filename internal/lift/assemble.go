package lift

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	glog "github.com/zboralski/memlift/internal/log"
	"github.com/zboralski/memlift/internal/memory"
	"go.uber.org/zap"
)

// ArtifactError reports one artifact that could not be assembled.
type ArtifactError struct {
	Name string
	Err  error
}

func (e *ArtifactError) Error() string { return fmt.Sprintf("artifact %s: %v", e.Name, e.Err) }
func (e *ArtifactError) Unwrap() error { return e.Err }

// Assemble loads every artifact in dir and attaches each module to the
// mapped range containing its span start, keyed by the range name.
// Failures are per artifact; the remaining artifacts still load.
func Assemble(as *memory.AddressSpace, dir string) ([]*Module, []error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, []error{fmt.Errorf("read cache: %w", err)}
	}

	log := glog.Get().WithComponent("assemble")
	var (
		modules []*Module
		errs    []error
	)
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") {
			continue
		}
		m, err := loadArtifact(as, filepath.Join(dir, name))
		if err != nil {
			log.Warn("artifact skipped", zap.String("name", name), zap.Error(err))
			errs = append(errs, &ArtifactError{Name: name, Err: err})
			continue
		}
		modules = append(modules, m)
	}
	return modules, errs
}

func loadArtifact(as *memory.AddressSpace, path string) (*Module, error) {
	start, _, err := ParseArtifactName(filepath.Base(path))
	if err != nil {
		return nil, err
	}
	r, ok := as.FindRange(start)
	if !ok {
		return nil, fmt.Errorf("span start 0x%x: %w", start, memory.ErrNotMapped)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	m := &Module{}
	if err := m.UnmarshalBinary(data); err != nil {
		return nil, err
	}
	as.AttachTranslation(r.Name, m)
	return m, nil
}

// Lookup returns the lifted function for pc among the modules attached to
// the range containing pc.
func Lookup(as *memory.AddressSpace, pc uint64) (*Function, bool) {
	r, ok := as.FindRange(pc)
	if !ok {
		return nil, false
	}
	for _, t := range as.Translations(r.Name) {
		m, ok := t.(*Module)
		if !ok {
			continue
		}
		if f, ok := m.Lookup(pc); ok {
			return f, true
		}
	}
	return nil, false
}
