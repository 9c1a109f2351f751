package memory

// PageSize is the granularity of the default store and of page-backed stores.
const PageSize = 0x1000

// Store holds the concrete bytes of an AddressSpace.
// The AddressSpace only calls a Store for spans it has mapped,
// and never for overlapping Reserve calls.
type Store interface {
	Reserve(base, size uint64) error
	Release(base, size uint64) error
	ReadAt(p []byte, addr uint64) error
	WriteAt(p []byte, addr uint64) error
}

// PageStore is a sparse in-memory Store. Pages are allocated on first
// write; unwritten bytes read as zero.
type PageStore struct {
	pages map[uint64]*[PageSize]byte
}

// NewPageStore creates an empty sparse store.
func NewPageStore() *PageStore {
	return &PageStore{pages: make(map[uint64]*[PageSize]byte)}
}

func (s *PageStore) Reserve(base, size uint64) error { return nil }

// Release zeroes [base, base+size) and drops pages it fully covers.
func (s *PageStore) Release(base, size uint64) error {
	end := base + size
	for addr := base; addr < end; {
		page := addr &^ (PageSize - 1)
		off := addr - page
		n := min(PageSize-off, end-addr)
		if pg, ok := s.pages[page]; ok {
			if off == 0 && n == PageSize {
				delete(s.pages, page)
			} else {
				clear(pg[off : off+n])
			}
		}
		addr += n
	}
	return nil
}

func (s *PageStore) ReadAt(p []byte, addr uint64) error {
	for done := 0; done < len(p); {
		page := addr &^ (PageSize - 1)
		off := addr - page
		n := min(int(PageSize-off), len(p)-done)
		if pg, ok := s.pages[page]; ok {
			copy(p[done:done+n], pg[off:])
		} else {
			clear(p[done : done+n])
		}
		done += n
		addr += uint64(n)
	}
	return nil
}

func (s *PageStore) WriteAt(p []byte, addr uint64) error {
	for done := 0; done < len(p); {
		page := addr &^ (PageSize - 1)
		off := addr - page
		n := min(int(PageSize-off), len(p)-done)
		pg, ok := s.pages[page]
		if !ok {
			pg = new([PageSize]byte)
			s.pages[page] = pg
		}
		copy(pg[off:], p[done:done+n])
		done += n
		addr += uint64(n)
	}
	return nil
}

// Pages returns the number of resident pages.
func (s *PageStore) Pages() int { return len(s.pages) }
