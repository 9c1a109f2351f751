package emulator

import (
	"fmt"
	"sync"

	uc "github.com/unicorn-engine/unicorn/bindings/go/unicorn"
	"github.com/zboralski/memlift/internal/memory"
)

const pageMask = memory.PageSize - 1

// Store backs a memory.AddressSpace with unicorn guest memory so that
// emulated loads and stores see the same bytes as the address space.
//
// Address-space ranges need not be page aligned while unicorn maps whole
// pages, so each page counts the reserved bytes it holds and is unmapped
// when that count drops to zero. Guest permissions are left at PROT_ALL;
// the address space enforces its own.
type Store struct {
	mu   sync.Mutex
	uc   uc.Unicorn
	used map[uint64]uint64 // page -> reserved bytes
}

// NewStore wraps mu.
func NewStore(mu uc.Unicorn) *Store {
	return &Store{uc: mu, used: make(map[uint64]uint64)}
}

// eachPage calls fn with every page touched by [base, base+size) and the
// number of span bytes inside it.
func eachPage(base, size uint64, fn func(page, n uint64)) {
	end := base + size
	for addr := base; addr < end; {
		page := addr &^ pageMask
		n := min(page+memory.PageSize, end) - addr
		fn(page, n)
		addr += n
	}
}

// runs groups sorted pages into contiguous [start, start+size) spans.
func runs(pages []uint64, fn func(start, size uint64) error) error {
	for i := 0; i < len(pages); {
		j := i + 1
		for j < len(pages) && pages[j] == pages[j-1]+memory.PageSize {
			j++
		}
		if err := fn(pages[i], uint64(j-i)*memory.PageSize); err != nil {
			return err
		}
		i = j
	}
	return nil
}

func (s *Store) Reserve(base, size uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var fresh []uint64
	eachPage(base, size, func(page, n uint64) {
		if s.used[page] == 0 {
			fresh = append(fresh, page)
		}
		s.used[page] += n
	})

	var mapped []uint64
	err := runs(fresh, func(start, n uint64) error {
		if err := s.uc.MemMapProt(start, n, uc.PROT_ALL); err != nil {
			return fmt.Errorf("unicorn map 0x%x+0x%x: %w", start, n, err)
		}
		mapped = append(mapped, start, n)
		return nil
	})
	if err == nil {
		return nil
	}

	for i := 0; i < len(mapped); i += 2 {
		_ = s.uc.MemUnmap(mapped[i], mapped[i+1])
	}
	eachPage(base, size, func(page, n uint64) {
		s.used[page] -= n
		if s.used[page] == 0 {
			delete(s.used, page)
		}
	})
	return err
}

// Release zeroes the span and unmaps pages left without reserved bytes.
func (s *Store) Release(base, size uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var idle []uint64
	var firstErr error
	eachPage(base, size, func(page, n uint64) {
		used, ok := s.used[page]
		if !ok {
			return
		}
		if used <= n {
			delete(s.used, page)
			idle = append(idle, page)
			return
		}
		s.used[page] = used - n
		addr := max(base, page)
		if err := s.uc.MemWrite(addr, make([]byte, n)); err != nil && firstErr == nil {
			firstErr = err
		}
	})
	err := runs(idle, func(start, n uint64) error {
		return s.uc.MemUnmap(start, n)
	})
	if firstErr != nil {
		return firstErr
	}
	return err
}

func (s *Store) ReadAt(p []byte, addr uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := s.uc.MemRead(addr, uint64(len(p)))
	if err != nil {
		return err
	}
	copy(p, data)
	return nil
}

func (s *Store) WriteAt(p []byte, addr uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.uc.MemWrite(addr, p)
}

// Pages returns the number of mapped guest pages.
func (s *Store) Pages() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.used)
}
