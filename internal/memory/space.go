// Package memory models the address space of a target program: ordered,
// non-overlapping mapped ranges with permissions, a concrete byte store and
// an address-keyed table of symbolic bindings that shadow concrete bytes.
package memory

import (
	"encoding/binary"
	"fmt"
	"slices"
	"sort"
	"sync"
)

// MappedRange describes one contiguous mapped region [Base, Limit).
type MappedRange struct {
	Base   uint64
	Limit  uint64
	Perm   Perm
	Name   string
	Offset uint64 // offset of Base in the backing file, if any
}

// Size returns the number of bytes in the range.
func (r MappedRange) Size() uint64 { return r.Limit - r.Base }

// Contains reports whether addr lies inside the range.
func (r MappedRange) Contains(addr uint64) bool { return addr >= r.Base && addr < r.Limit }

func (r MappedRange) String() string {
	return fmt.Sprintf("[0x%x, 0x%x) %s %s", r.Base, r.Limit, r.Perm, r.Name)
}

// Translation is a translated code unit attached to a range.
type Translation interface {
	Span() (start, end uint64)
}

// Stats summarizes an AddressSpace.
type Stats struct {
	Ranges   int
	Mapped   uint64
	Bindings int
}

// AddressSpace is safe for concurrent use. Readers (TryRead, FetchCode,
// predicates) share a read lock.
type AddressSpace struct {
	mu           sync.RWMutex
	bits         int
	mask         uint64
	ranges       []MappedRange // sorted by Base, non-overlapping
	store        Store
	bindings     map[uint64]Binding
	translations map[string][]Translation
}

// Option configures an AddressSpace.
type Option func(*AddressSpace)

// WithStore replaces the default sparse page store.
func WithStore(s Store) Option {
	return func(as *AddressSpace) { as.store = s }
}

// New creates an empty address space for a target with the given pointer
// width in bits (32 or 64).
func New(bits int, opts ...Option) (*AddressSpace, error) {
	var mask uint64
	switch bits {
	case 32:
		mask = 0xffffffff
	case 64:
		mask = ^uint64(0)
	default:
		return nil, fmt.Errorf("unsupported address width %d", bits)
	}
	as := &AddressSpace{
		bits:         bits,
		mask:         mask,
		store:        NewPageStore(),
		bindings:     make(map[uint64]Binding),
		translations: make(map[string][]Translation),
	}
	for _, opt := range opts {
		opt(as)
	}
	return as, nil
}

// Bits returns the pointer width of the address space.
func (as *AddressSpace) Bits() int { return as.bits }

// Mask returns the address mask.
func (as *AddressSpace) Mask() uint64 { return as.mask }

// top is the exclusive end of the address space. A 64-bit space ends one
// byte short of 2^64 so that every Limit stays representable.
func (as *AddressSpace) top() uint64 {
	if as.mask == ^uint64(0) {
		return as.mask
	}
	return as.mask + 1
}

// fits reports whether n bytes from the masked addr end at or below top.
func (as *AddressSpace) fits(addr, n uint64) bool {
	return n != 0 && n <= as.top()-addr
}

// span masks base and validates that [base, base+size) neither is empty nor
// reaches past the top of the address space.
func (as *AddressSpace) span(base, size uint64) (uint64, uint64, error) {
	base &= as.mask
	if !as.fits(base, size) {
		return 0, 0, fmt.Errorf("span 0x%x+0x%x: %w", base, size, ErrBadSize)
	}
	return base, base + size, nil
}

// search returns the index of the first range whose Limit is above addr.
func (as *AddressSpace) search(addr uint64) int {
	return sort.Search(len(as.ranges), func(i int) bool { return as.ranges[i].Limit > addr })
}

func (as *AddressSpace) lookup(addr uint64) (int, bool) {
	i := as.search(addr)
	if i < len(as.ranges) && as.ranges[i].Base <= addr {
		return i, true
	}
	return i, false
}

// AddMap maps [base, base+size) read/write.
func (as *AddressSpace) AddMap(base, size uint64, name string, offset uint64) error {
	return as.AddMapPerm(base, size, name, offset, PermRW)
}

// AddMapPerm maps [base, base+size) with explicit permissions. It fails with
// an *OverlapError if any byte of the span is already mapped.
func (as *AddressSpace) AddMapPerm(base, size uint64, name string, offset uint64, perm Perm) error {
	as.mu.Lock()
	defer as.mu.Unlock()

	base, end, err := as.span(base, size)
	if err != nil {
		return fmt.Errorf("map %s: %w", name, err)
	}
	i := as.search(base)
	if i < len(as.ranges) && as.ranges[i].Base < end {
		return &OverlapError{Base: base, Size: size, Existing: as.ranges[i]}
	}
	if err := as.store.Reserve(base, size); err != nil {
		return fmt.Errorf("map %s at 0x%x: %w", name, base, err)
	}
	as.ranges = slices.Insert(as.ranges, i, MappedRange{
		Base:   base,
		Limit:  end,
		Perm:   perm,
		Name:   name,
		Offset: offset,
	})
	return nil
}

// RemoveMap unmaps [base, base+size). Ranges partially covered are split;
// unmapped parts of the span are ignored.
func (as *AddressSpace) RemoveMap(base, size uint64) error {
	if size == 0 {
		return nil
	}
	as.mu.Lock()
	defer as.mu.Unlock()

	base, end, err := as.span(base, size)
	if err != nil {
		return fmt.Errorf("unmap: %w", err)
	}
	i := as.search(base)
	j := i
	for j < len(as.ranges) && as.ranges[j].Base < end {
		j++
	}
	if i == j {
		return nil
	}

	removed := slices.Clone(as.ranges[i:j])
	var repl []MappedRange
	for _, r := range removed {
		if r.Base < base {
			left := r
			left.Limit = base
			repl = append(repl, left)
		}
		if r.Limit > end {
			right := r
			right.Base = end
			right.Offset = r.Offset + (end - r.Base)
			repl = append(repl, right)
		}
	}
	as.ranges = slices.Replace(as.ranges, i, j, repl...)
	as.dropBindings(base, end)

	var firstErr error
	for _, r := range removed {
		lo, hi := max(r.Base, base), min(r.Limit, end)
		if err := as.store.Release(lo, hi-lo); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("unmap [0x%x, 0x%x): %w", lo, hi, err)
		}
	}
	return firstErr
}

// SetPermissions changes the permissions of [base, base+size). The whole
// span must be mapped; ranges are split at the span boundaries.
func (as *AddressSpace) SetPermissions(base, size uint64, r, w, x bool) error {
	as.mu.Lock()
	defer as.mu.Unlock()

	base, end, err := as.span(base, size)
	if err != nil {
		return fmt.Errorf("protect: %w", err)
	}
	if !as.covered(base, end, PermNone) {
		return fmt.Errorf("protect [0x%x, 0x%x): %w", base, end, ErrNotMapped)
	}
	as.splitAt(base)
	as.splitAt(end)
	perm := NewPerm(r, w, x)
	for i := as.search(base); i < len(as.ranges) && as.ranges[i].Base < end; i++ {
		as.ranges[i].Perm = perm
	}
	return nil
}

func (as *AddressSpace) splitAt(addr uint64) {
	i, ok := as.lookup(addr)
	if !ok || as.ranges[i].Base == addr {
		return
	}
	r := as.ranges[i]
	left, right := r, r
	left.Limit = addr
	right.Base = addr
	right.Offset = r.Offset + (addr - r.Base)
	as.ranges = slices.Replace(as.ranges, i, i+1, left, right)
}

// covered reports whether every byte of [base, end) is mapped with need.
func (as *AddressSpace) covered(base, end uint64, need Perm) bool {
	cur := base
	for i := as.search(base); cur < end; i++ {
		if i >= len(as.ranges) {
			return false
		}
		r := as.ranges[i]
		if r.Base > cur || !r.Perm.Has(need) {
			return false
		}
		cur = r.Limit
	}
	return true
}

// access masks addr and checks that n bytes from it are mapped with need.
func (as *AddressSpace) access(addr, n uint64, need Perm) (uint64, uint64, bool) {
	addr &= as.mask
	if !as.fits(addr, n) {
		return 0, 0, false
	}
	end := addr + n
	return addr, end, as.covered(addr, end, need)
}

// IsMapped reports whether addr lies in a mapped range.
func (as *AddressSpace) IsMapped(addr uint64) bool {
	as.mu.RLock()
	defer as.mu.RUnlock()
	_, ok := as.lookup(addr & as.mask)
	return ok
}

func (as *AddressSpace) hasPerm(addr uint64, p Perm) bool {
	as.mu.RLock()
	defer as.mu.RUnlock()
	i, ok := as.lookup(addr & as.mask)
	return ok && as.ranges[i].Perm.Has(p)
}

func (as *AddressSpace) CanRead(addr uint64) bool    { return as.hasPerm(addr, PermRead) }
func (as *AddressSpace) CanWrite(addr uint64) bool   { return as.hasPerm(addr, PermWrite) }
func (as *AddressSpace) CanExecute(addr uint64) bool { return as.hasPerm(addr, PermExec) }

// TryRead reads a little-endian value of width w. If any byte of the span is
// shadowed by a symbolic binding, the binding with the lowest address wins
// and the concrete bytes are not consulted. The result is false when the
// span is unmapped or not readable.
func (as *AddressSpace) TryRead(addr uint64, w Width) (Value, bool) {
	if !w.Valid() {
		return Value{}, false
	}
	as.mu.RLock()
	defer as.mu.RUnlock()

	addr, end, ok := as.access(addr, w.Bytes(), PermRead)
	if !ok {
		return Value{}, false
	}
	if b, ok := as.bindingIn(addr, end); ok {
		return Symbolic(b.Sym), true
	}
	var buf [8]byte
	if err := as.store.ReadAt(buf[:w.Bytes()], addr); err != nil {
		return Value{}, false
	}
	return Concrete(binary.LittleEndian.Uint64(buf[:])), true
}

// TryWrite writes v with width w. A symbolic v installs (or replaces) the
// binding at addr and leaves concrete bytes alone; a concrete v updates the
// bytes and clears any binding overlapping the span.
func (as *AddressSpace) TryWrite(addr uint64, w Width, v Value) bool {
	if !w.Valid() {
		return false
	}
	as.mu.Lock()
	defer as.mu.Unlock()

	addr, end, ok := as.access(addr, w.Bytes(), PermWrite)
	if !ok {
		return false
	}
	as.dropBindings(addr, end)
	if v.IsSymbolic() {
		as.bindings[addr] = Binding{Addr: addr, Width: w, Sym: v.Sym}
		return true
	}
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v.Bits&w.Mask())
	return as.store.WriteAt(buf[:w.Bytes()], addr) == nil
}

// bindingIn returns the lowest binding overlapping [addr, end).
func (as *AddressSpace) bindingIn(addr, end uint64) (Binding, bool) {
	if len(as.bindings) == 0 {
		return Binding{}, false
	}
	start := addr - min(addr, 7)
	for a := start; a < end; a++ {
		if b, ok := as.bindings[a]; ok && b.end() > addr {
			return b, true
		}
	}
	return Binding{}, false
}

func (as *AddressSpace) dropBindings(addr, end uint64) {
	if len(as.bindings) == 0 {
		return
	}
	if uint64(len(as.bindings)) < end-addr {
		for a, b := range as.bindings {
			if a < end && b.end() > addr {
				delete(as.bindings, a)
			}
		}
		return
	}
	start := addr - min(addr, 7)
	for a := start; a < end; a++ {
		if b, ok := as.bindings[a]; ok && b.end() > addr {
			delete(as.bindings, a)
		}
	}
}

// Binding returns the symbolic binding shadowing addr, if any.
func (as *AddressSpace) Binding(addr uint64) (Binding, bool) {
	as.mu.RLock()
	defer as.mu.RUnlock()
	addr &= as.mask
	return as.bindingIn(addr, addr+1)
}

// Bindings returns every binding ordered by address.
func (as *AddressSpace) Bindings() []Binding {
	as.mu.RLock()
	defer as.mu.RUnlock()
	out := make([]Binding, 0, len(as.bindings))
	for _, b := range as.bindings {
		out = append(out, b)
	}
	slices.SortFunc(out, func(a, b Binding) int {
		switch {
		case a.Addr < b.Addr:
			return -1
		case a.Addr > b.Addr:
			return 1
		}
		return 0
	})
	return out
}

// ReadBytes reads concrete bytes from readable memory.
func (as *AddressSpace) ReadBytes(addr, n uint64) ([]byte, error) {
	return as.read(addr, n, PermRead, ErrAccess)
}

// Peek reads concrete bytes from mapped memory regardless of permissions.
func (as *AddressSpace) Peek(addr, n uint64) ([]byte, error) {
	return as.read(addr, n, PermNone, ErrNotMapped)
}

func (as *AddressSpace) read(addr, n uint64, need Perm, fail error) ([]byte, error) {
	as.mu.RLock()
	defer as.mu.RUnlock()
	a, _, ok := as.access(addr, n, need)
	if !ok {
		return nil, fmt.Errorf("read %d bytes at 0x%x: %w", n, addr, fail)
	}
	buf := make([]byte, n)
	if err := as.store.ReadAt(buf, a); err != nil {
		return nil, fmt.Errorf("read %d bytes at 0x%x: %w", n, a, err)
	}
	return buf, nil
}

// WriteBytes writes concrete bytes to writable memory.
func (as *AddressSpace) WriteBytes(addr uint64, data []byte) error {
	return as.write(addr, data, PermWrite, ErrAccess)
}

// Poke writes concrete bytes to mapped memory regardless of permissions.
// Loaders use it to populate read-only segments.
func (as *AddressSpace) Poke(addr uint64, data []byte) error {
	return as.write(addr, data, PermNone, ErrNotMapped)
}

func (as *AddressSpace) write(addr uint64, data []byte, need Perm, fail error) error {
	if len(data) == 0 {
		return nil
	}
	as.mu.Lock()
	defer as.mu.Unlock()
	a, end, ok := as.access(addr, uint64(len(data)), need)
	if !ok {
		return fmt.Errorf("write %d bytes at 0x%x: %w", len(data), addr, fail)
	}
	if err := as.store.WriteAt(data, a); err != nil {
		return fmt.Errorf("write %d bytes at 0x%x: %w", len(data), a, err)
	}
	as.dropBindings(a, end)
	return nil
}

// ReadCString reads a NUL-terminated string of at most limit bytes.
func (as *AddressSpace) ReadCString(addr uint64, limit int) (string, error) {
	as.mu.RLock()
	defer as.mu.RUnlock()
	var out []byte
	var b [1]byte
	for i := 0; i < limit; i++ {
		a, _, ok := as.access(addr+uint64(i), 1, PermRead)
		if !ok {
			return string(out), fmt.Errorf("read string at 0x%x: %w", addr+uint64(i), ErrAccess)
		}
		if err := as.store.ReadAt(b[:], a); err != nil {
			return string(out), err
		}
		if b[0] == 0 {
			break
		}
		out = append(out, b[0])
	}
	return string(out), nil
}

// FetchCode returns up to n bytes starting at addr that are both readable
// and executable. The result is shorter than n when the executable span
// ends, and nil when addr itself is not executable.
func (as *AddressSpace) FetchCode(addr uint64, n int) []byte {
	as.mu.RLock()
	defer as.mu.RUnlock()

	addr &= as.mask
	i, ok := as.lookup(addr)
	if !ok || n <= 0 {
		return nil
	}
	cur := addr
	for cur-addr < uint64(n) && i < len(as.ranges) && as.ranges[i].Base <= cur && as.ranges[i].Perm.Has(PermRX) {
		cur = as.ranges[i].Limit
		i++
	}
	size := min(cur-addr, uint64(n))
	if size == 0 {
		return nil
	}
	buf := make([]byte, size)
	if err := as.store.ReadAt(buf, addr); err != nil {
		return nil
	}
	return buf
}

// Copy moves n bytes from src to dst within mapped memory, carrying any
// binding that lies entirely inside the source span.
func (as *AddressSpace) Copy(dst, src, n uint64) error {
	if n == 0 {
		return nil
	}
	as.mu.Lock()
	defer as.mu.Unlock()

	s, sEnd, ok := as.access(src, n, PermNone)
	if !ok {
		return fmt.Errorf("copy from 0x%x: %w", src, ErrNotMapped)
	}
	d, dEnd, ok := as.access(dst, n, PermNone)
	if !ok {
		return fmt.Errorf("copy to 0x%x: %w", dst, ErrNotMapped)
	}
	buf := make([]byte, n)
	if err := as.store.ReadAt(buf, s); err != nil {
		return fmt.Errorf("copy from 0x%x: %w", s, err)
	}
	var moved []Binding
	for a, b := range as.bindings {
		if a >= s && b.end() <= sEnd {
			b.Addr = d + (a - s)
			moved = append(moved, b)
		}
	}
	if err := as.store.WriteAt(buf, d); err != nil {
		return fmt.Errorf("copy to 0x%x: %w", d, err)
	}
	as.dropBindings(d, dEnd)
	for _, b := range moved {
		as.bindings[b.Addr] = b
	}
	return nil
}

// FindHole returns the lowest address a such that [a, a+size) lies within
// [base, limit) and intersects no mapped range.
func (as *AddressSpace) FindHole(base, limit, size uint64) (uint64, bool) {
	as.mu.RLock()
	defer as.mu.RUnlock()

	base &= as.mask
	limit = min(limit, as.top())
	if base >= limit {
		return 0, false
	}
	if size == 0 {
		return base, true
	}
	cur := base
	for i := as.search(base); i < len(as.ranges); i++ {
		r := as.ranges[i]
		if r.Base >= limit {
			break
		}
		if r.Base > cur && r.Base-cur >= size {
			return cur, true
		}
		cur = max(cur, r.Limit)
		if cur >= limit {
			return 0, false
		}
	}
	if limit-cur >= size {
		return cur, true
	}
	return 0, false
}

// FindRange returns the range containing addr.
func (as *AddressSpace) FindRange(addr uint64) (MappedRange, bool) {
	as.mu.RLock()
	defer as.mu.RUnlock()
	i, ok := as.lookup(addr & as.mask)
	if !ok {
		return MappedRange{}, false
	}
	return as.ranges[i], true
}

// IsSameRange reports whether a and b are mapped by the same range.
func (as *AddressSpace) IsSameRange(a, b uint64) bool {
	as.mu.RLock()
	defer as.mu.RUnlock()
	i, ok := as.lookup(a & as.mask)
	if !ok {
		return false
	}
	return as.ranges[i].Contains(b & as.mask)
}

// Ranges returns a snapshot of all ranges ordered by base address.
func (as *AddressSpace) Ranges() []MappedRange {
	as.mu.RLock()
	defer as.mu.RUnlock()
	return slices.Clone(as.ranges)
}

// AttachTranslation records t under the label of the range that owns it.
func (as *AddressSpace) AttachTranslation(label string, t Translation) {
	as.mu.Lock()
	defer as.mu.Unlock()
	as.translations[label] = append(as.translations[label], t)
}

// Translations returns the translations attached under label.
func (as *AddressSpace) Translations(label string) []Translation {
	as.mu.RLock()
	defer as.mu.RUnlock()
	return slices.Clone(as.translations[label])
}

// Stats returns a summary of the address space.
func (as *AddressSpace) Stats() Stats {
	as.mu.RLock()
	defer as.mu.RUnlock()
	s := Stats{Ranges: len(as.ranges), Bindings: len(as.bindings)}
	for _, r := range as.ranges {
		s.Mapped += r.Size()
	}
	return s
}
