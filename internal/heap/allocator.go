// Package heap implements malloc-family semantics on top of a modeled
// address space. Each allocation is its own read/write mapped range.
package heap

import (
	"encoding/binary"
	"fmt"
	"math/bits"
	"slices"
	"strconv"
	"sync"

	glog "github.com/zboralski/memlift/internal/log"
	"github.com/zboralski/memlift/internal/memory"
	"go.uber.org/zap"
)

// Default heap layout.
const (
	DefaultBase     = 0x90000000
	DefaultSize     = 0x10000000 // 256MB
	DefaultMaxAlloc = 0x04000000 // 64MB

	// MetaName labels the metadata page at the heap base.
	MetaName = "[heap-meta]"

	minAlign  = 16
	metaMagic = "MLHEAP01"
)

// Config describes the heap span and the allocation ceiling.
type Config struct {
	Base     uint64
	Limit    uint64
	MaxAlloc uint64
}

// DefaultConfig returns the default heap layout.
func DefaultConfig() Config {
	return Config{
		Base:     DefaultBase,
		Limit:    DefaultBase + DefaultSize,
		MaxAlloc: DefaultMaxAlloc,
	}
}

// State is the lifecycle state of an allocation record.
type State uint8

const (
	Live State = iota
	Freed
)

func (s State) String() string {
	if s == Freed {
		return "freed"
	}
	return "live"
}

// Record tracks one allocation. Size is the requested size; Capacity is
// the mapped size.
type Record struct {
	Start    uint64
	Size     uint64
	Capacity uint64
	Name     string
	State    State
}

// Stats are allocator counters.
type Stats struct {
	Live      int
	LiveBytes uint64
	Allocs    uint64
	Frees     uint64
}

// Allocator services malloc-family calls from a reserved heap span.
type Allocator struct {
	mu      sync.Mutex
	as      *memory.AddressSpace
	cfg     Config
	records map[uint64]*Record
	stats   Stats
	log     *glog.Logger
}

// New maps the metadata page at cfg.Base and returns an allocator serving
// [cfg.Base+PageSize, cfg.Limit).
func New(as *memory.AddressSpace, cfg Config) (*Allocator, error) {
	if cfg.Base%memory.PageSize != 0 {
		return nil, fmt.Errorf("heap base 0x%x not page aligned", cfg.Base)
	}
	if cfg.Limit <= cfg.Base+memory.PageSize {
		return nil, fmt.Errorf("heap [0x%x, 0x%x) too small", cfg.Base, cfg.Limit)
	}
	if cfg.MaxAlloc == 0 {
		cfg.MaxAlloc = DefaultMaxAlloc
	}
	if err := as.AddMap(cfg.Base, memory.PageSize, MetaName, 0); err != nil {
		return nil, fmt.Errorf("map heap metadata: %w", err)
	}
	a := &Allocator{
		as:      as,
		cfg:     cfg,
		records: make(map[uint64]*Record),
		log:     glog.Get().WithComponent("heap"),
	}
	a.syncMeta()
	return a, nil
}

// SetLogger replaces the allocator's logger.
func (a *Allocator) SetLogger(l *glog.Logger) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.log = l.WithComponent("heap")
}

// Config returns the heap configuration.
func (a *Allocator) Config() Config { return a.cfg }

func (a *Allocator) arena() uint64 { return a.cfg.Base + memory.PageSize }

func (a *Allocator) isInternal(ptr uint64) bool {
	return ptr >= a.cfg.Base && ptr < a.arena()
}

// Malloc allocates size bytes. A zero size returns 0 without allocating.
func (a *Allocator) Malloc(size uint64) (uint64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.alloc("malloc", size, minAlign)
}

// Calloc allocates num*size zeroed bytes.
func (a *Allocator) Calloc(num, size uint64) (uint64, error) {
	hi, total := bits.Mul64(num, size)
	if hi == 0 && total == 0 {
		return 0, nil
	}
	if hi != 0 {
		return 0, recoverable("calloc", TooLarge, 0, size)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.alloc("calloc", total, minAlign)
}

// Memalign allocates size bytes aligned to alignment, which must be a
// non-zero power of two.
func (a *Allocator) Memalign(alignment, size uint64) (uint64, error) {
	if alignment == 0 || alignment&(alignment-1) != 0 {
		return 0, recoverable("memalign", BadAlignment, 0, size)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.alloc("memalign", size, max(alignment, minAlign))
}

func (a *Allocator) alloc(op string, size, align uint64) (uint64, error) {
	if size == 0 {
		return 0, nil
	}
	if size > a.cfg.MaxAlloc {
		a.log.Deferred(op, "size="+glog.Hex(size)+" too large")
		return 0, recoverable(op, TooLarge, 0, size)
	}
	ptr, err := a.place(size, align)
	if err != nil {
		a.log.Deferred(op, "size="+glog.Hex(size)+": "+err.Error())
		return 0, recoverable(op, DeferToHost, 0, size)
	}
	return ptr, nil
}

// place finds, maps and records a region of size bytes.
func (a *Allocator) place(size, align uint64) (uint64, error) {
	capacity := alignUp(size, minAlign)
	hole, ok := a.as.FindHole(a.arena(), a.cfg.Limit, capacity+align-minAlign)
	if !ok {
		return 0, fmt.Errorf("heap exhausted")
	}
	ptr := alignUp(hole, align)
	name := "heap_" + strconv.FormatUint(ptr, 16)
	if err := a.as.AddMap(ptr, capacity, name, 0); err != nil {
		return 0, err
	}

	// Freed records overlapping the new region are forgotten.
	for start, r := range a.records {
		if r.State == Freed && start < ptr+capacity && start+r.Capacity > ptr {
			delete(a.records, start)
		}
	}
	a.records[ptr] = &Record{Start: ptr, Size: size, Capacity: capacity, Name: name}
	a.stats.Allocs++
	a.stats.Live++
	a.stats.LiveBytes += size
	a.syncMeta()

	a.log.Debug("alloc", glog.Addr(ptr), glog.Size(size))
	return ptr, nil
}

// Free releases the allocation starting at ptr. Anything that is not a
// live allocation, a second free included, is deferred to the host.
func (a *Allocator) Free(ptr uint64) error {
	if ptr == 0 {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	rec, ok := a.records[ptr]
	if !ok {
		a.log.Deferred("free", "ptr="+glog.Hex(ptr))
		return recoverable("free", DeferToHost, ptr, 0)
	}
	if rec.State == Freed {
		a.log.Deferred("free", "freed ptr="+glog.Hex(ptr))
		return recoverable("free", DeferToHost, ptr, rec.Size)
	}
	return a.release(rec)
}

func (a *Allocator) release(rec *Record) error {
	if err := a.as.RemoveMap(rec.Start, rec.Capacity); err != nil {
		return fmt.Errorf("unmap %s: %w", rec.Name, err)
	}
	rec.State = Freed
	a.stats.Frees++
	a.stats.Live--
	a.stats.LiveBytes -= rec.Size
	a.syncMeta()
	a.log.Debug("free", glog.Addr(rec.Start), glog.Size(rec.Size))
	return nil
}

// Realloc resizes the allocation at ptr. A zero ptr behaves like Malloc.
// Misuse (internal, untracked or freed pointers, oversized requests) is
// reported as a fatal *Error before any byte is copied.
func (a *Allocator) Realloc(ptr, size uint64) (uint64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if ptr == 0 {
		return a.alloc("realloc", size, minAlign)
	}
	if a.isInternal(ptr) {
		return 0, misuse("realloc", InternalPointer, ptr, size)
	}
	if size > a.cfg.MaxAlloc {
		return 0, misuse("realloc", TooLarge, ptr, size)
	}
	rec, ok := a.records[ptr]
	if !ok {
		return 0, misuse("realloc", UntrackedPointer, ptr, size)
	}
	if rec.State == Freed {
		return 0, misuse("realloc", FreedPointer, ptr, size)
	}

	if size == 0 {
		return 0, a.release(rec)
	}
	if size <= rec.Capacity {
		a.stats.LiveBytes += size - rec.Size
		rec.Size = size
		a.syncMeta()
		return ptr, nil
	}

	oldSize := rec.Size
	newPtr, err := a.place(size, minAlign)
	if err != nil {
		a.log.Deferred("realloc", "ptr="+glog.Hex(ptr)+" size="+glog.Hex(size))
		return 0, recoverable("realloc", DeferToHost, ptr, size)
	}
	if err := a.as.Copy(newPtr, ptr, min(oldSize, size)); err != nil {
		return 0, fmt.Errorf("realloc copy: %w", err)
	}
	if err := a.release(rec); err != nil {
		return 0, err
	}
	a.log.Debug("realloc", glog.Ptr("from", ptr), glog.Ptr("to", newPtr), glog.Size(size))
	return newPtr, nil
}

// UsableSize returns the requested size of the live allocation at ptr.
func (a *Allocator) UsableSize(ptr uint64) (uint64, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	rec, ok := a.records[ptr]
	if !ok || rec.State != Live {
		return 0, false
	}
	return rec.Size, true
}

// Record returns a copy of the record starting at ptr.
func (a *Allocator) Record(ptr uint64) (Record, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	rec, ok := a.records[ptr]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

// Records returns all records ordered by start address.
func (a *Allocator) Records() []Record {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]Record, 0, len(a.records))
	for _, r := range a.records {
		out = append(out, *r)
	}
	slices.SortFunc(out, func(x, y Record) int {
		switch {
		case x.Start < y.Start:
			return -1
		case x.Start > y.Start:
			return 1
		}
		return 0
	})
	return out
}

// Stats returns the allocator counters.
func (a *Allocator) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stats
}

// syncMeta mirrors the counters into the metadata page header:
// magic, live count, live bytes, allocs, frees.
func (a *Allocator) syncMeta() {
	var hdr [40]byte
	copy(hdr[:8], metaMagic)
	binary.LittleEndian.PutUint64(hdr[8:], uint64(a.stats.Live))
	binary.LittleEndian.PutUint64(hdr[16:], a.stats.LiveBytes)
	binary.LittleEndian.PutUint64(hdr[24:], a.stats.Allocs)
	binary.LittleEndian.PutUint64(hdr[32:], a.stats.Frees)
	if err := a.as.Poke(a.cfg.Base, hdr[:]); err != nil {
		a.log.Warn("heap metadata", zap.Error(err))
	}
}

func alignUp(v, align uint64) uint64 {
	return (v + align - 1) &^ (align - 1)
}
