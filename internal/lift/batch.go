package lift

import (
	"github.com/zboralski/memlift/internal/arch"
	"github.com/zboralski/memlift/internal/discovery"
	"github.com/zboralski/memlift/internal/memory"
)

// Batch is an ordered list of trace heads inside one mapped range.
type Batch struct {
	Range  memory.MappedRange
	Traces []uint64
}

// Span returns the lowest and highest trace head.
func (b Batch) Span() (uint64, uint64) {
	if len(b.Traces) == 0 {
		return 0, 0
	}
	lo, hi := b.Traces[0], b.Traces[0]
	for _, t := range b.Traces[1:] {
		lo = min(lo, t)
		hi = max(hi, t)
	}
	return lo, hi
}

// Name is the artifact name of the batch.
func (b Batch) Name() string { return ArtifactName(b.Span()) }

// BatchTraces groups consecutive addresses that share a mapped range.
// A new batch starts exactly when the owning range changes. Unmapped
// addresses and repeats are skipped; the unmapped ones are returned.
func BatchTraces(as *memory.AddressSpace, addrs []uint64) ([]Batch, []uint64) {
	var (
		batches  []Batch
		unmapped []uint64
		seen     = make(map[uint64]bool, len(addrs))
	)
	for _, a := range addrs {
		if seen[a] {
			continue
		}
		seen[a] = true
		r, ok := as.FindRange(a)
		if !ok {
			unmapped = append(unmapped, a)
			continue
		}
		if n := len(batches); n > 0 && batches[n-1].Range.Base == r.Base {
			batches[n-1].Traces = append(batches[n-1].Traces, a)
			continue
		}
		batches = append(batches, Batch{Range: r, Traces: []uint64{a}})
	}
	return batches, unmapped
}

// DiscoverBatches runs discovery over every executable range and returns
// one batch per range that yielded trace heads. Entries seed the range
// containing them; ranges without entries are seeded at their base.
func DiscoverBatches(as *memory.AddressSpace, dec arch.Decoder, entries []uint64, opts discovery.Options) []Batch {
	var batches []Batch
	for _, r := range as.Ranges() {
		if !r.Perm.Has(memory.PermRX) {
			continue
		}
		var seeds []uint64
		for _, e := range entries {
			if r.Contains(e) {
				seeds = append(seeds, e)
			}
		}
		heads := discovery.Discover(as, dec, r, seeds, opts)
		if len(heads) > 0 {
			batches = append(batches, Batch{Range: r, Traces: heads})
		}
	}
	return batches
}
