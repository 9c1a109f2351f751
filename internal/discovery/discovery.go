// Package discovery finds trace-head addresses inside one executable range
// with a recursive-descent pass followed by a linear-sweep pass.
package discovery

import (
	"slices"

	"github.com/zboralski/memlift/internal/arch"
	glog "github.com/zboralski/memlift/internal/log"
	"github.com/zboralski/memlift/internal/memory"
	"go.uber.org/zap"
)

// DefaultMaxSteps bounds the decode attempts of one Discover call.
const DefaultMaxSteps = 1 << 20

// Options tune discovery.
type Options struct {
	// SweepAfterReturn queues the address after a return as a targeted
	// sweep item.
	SweepAfterReturn bool
	// MaxSteps bounds decode attempts; zero means DefaultMaxSteps.
	MaxSteps int
}

// Item is a linear-sweep work item. Targeted items were reached through an
// explicit branch target rather than fall-through.
type Item struct {
	Addr     uint64
	Targeted bool
}

// pass holds the state shared by both passes over one range.
type pass struct {
	as    *memory.AddressSpace
	dec   arch.Decoder
	r     memory.MappedRange
	opts  Options
	heads map[uint64]struct{}
	work  []Item
	steps int
	log   *glog.Logger
}

func newPass(as *memory.AddressSpace, dec arch.Decoder, r memory.MappedRange, opts Options) *pass {
	if opts.MaxSteps <= 0 {
		opts.MaxSteps = DefaultMaxSteps
	}
	return &pass{
		as:    as,
		dec:   dec,
		r:     r,
		opts:  opts,
		heads: make(map[uint64]struct{}),
		log:   glog.Get().WithComponent("discovery"),
	}
}

func (p *pass) decode(pc uint64) (arch.Instruction, bool) {
	if p.steps >= p.opts.MaxSteps {
		return arch.Instruction{}, false
	}
	p.steps++
	code := p.as.FetchCode(pc, p.dec.MaxInstructionSize())
	if len(code) == 0 {
		return arch.Instruction{}, false
	}
	inst, err := p.dec.Decode(pc, code)
	if err != nil {
		p.log.Debug("decode failed", glog.Addr(pc), zap.Error(err))
		return arch.Instruction{}, false
	}
	return inst, true
}

func (p *pass) mark(addr uint64) {
	if p.r.Contains(addr) {
		p.heads[addr] = struct{}{}
	}
}

func (p *pass) push(addr uint64, targeted bool) {
	if p.r.Contains(addr) {
		p.work = append(p.work, Item{Addr: addr, Targeted: targeted})
	}
}

// Heads returns the sorted trace heads found so far.
func (p *pass) Heads() []uint64 {
	out := make([]uint64, 0, len(p.heads))
	for a := range p.heads {
		out = append(out, a)
	}
	slices.Sort(out)
	return out
}

// RecursiveDescent follows control flow from entries and returns the trace
// heads it marks together with the work list for LinearSweep. Entries are
// not trace heads themselves.
func RecursiveDescent(as *memory.AddressSpace, dec arch.Decoder, r memory.MappedRange, entries []uint64, opts Options) ([]uint64, []Item) {
	p := newPass(as, dec, r, opts)
	p.descend(entries)
	return p.Heads(), p.work
}

func (p *pass) descend(entries []uint64) {
	visited := make(map[uint64]bool)
	queue := slices.Clone(entries)

	for len(queue) > 0 {
		pc := queue[0]
		queue = queue[1:]
		if visited[pc] || !p.r.Contains(pc) {
			continue
		}
		inst, ok := p.decode(pc)
		if !ok {
			continue
		}
		visited[pc] = true

		follow := func(addr uint64) {
			if !p.r.Contains(addr) {
				return
			}
			p.mark(addr)
			p.push(addr, true)
			if !visited[addr] {
				queue = append(queue, addr)
			}
		}

		switch inst.Category {
		case arch.DirectCall:
			follow(inst.Target)
			queue = append(queue, inst.NextPC())
		case arch.DirectJump:
			follow(inst.Target)
		case arch.ConditionalBranch:
			follow(inst.Target)
			follow(inst.NextPC())
		case arch.IndirectCall, arch.IndirectJump:
			p.push(pc, false)
		case arch.Return:
			if p.opts.SweepAfterReturn {
				p.push(inst.NextPC(), true)
			}
		default:
			queue = append(queue, inst.NextPC())
		}
	}
}

// LinearSweep consumes work items last-in first-out and returns the trace
// heads it confirms.
func LinearSweep(as *memory.AddressSpace, dec arch.Decoder, r memory.MappedRange, work []Item, opts Options) []uint64 {
	p := newPass(as, dec, r, opts)
	p.work = slices.Clone(work)
	p.sweep()
	return p.Heads()
}

func (p *pass) sweep() {
	done := make(map[Item]bool)

	for len(p.work) > 0 {
		item := p.work[len(p.work)-1]
		p.work = p.work[:len(p.work)-1]
		if done[item] {
			continue
		}
		done[item] = true

		start := item.Addr
		if item.Targeted {
			start = p.skipZeros(start)
		}
		if start >= p.r.Limit {
			continue
		}
		p.run(start, item.Targeted)
		if p.steps >= p.opts.MaxSteps {
			p.log.Warn("discovery step limit reached", glog.Range(p.r.Name), zap.Int("steps", p.steps))
			return
		}
	}
}

func (p *pass) skipZeros(addr uint64) uint64 {
	for addr < p.r.Limit {
		b := p.as.FetchCode(addr, 1)
		if len(b) == 0 || b[0] != 0 {
			break
		}
		addr++
	}
	return addr
}

// run decodes straight-line code from start until a control transfer.
func (p *pass) run(start uint64, targeted bool) {
	for pc := start; pc < p.r.Limit; {
		inst, ok := p.decode(pc)
		if !ok {
			return
		}
		switch inst.Category {
		case arch.Other:
			pc = inst.NextPC()
			continue
		case arch.NoOp:
			if !targeted {
				return
			}
			pc = inst.NextPC()
			continue
		}

		p.mark(start)
		switch inst.Category {
		case arch.DirectCall:
			p.mark(inst.Target)
			p.push(inst.Target, true)
			p.push(inst.NextPC(), false)
		case arch.IndirectCall:
			p.push(inst.NextPC(), false)
		case arch.DirectJump:
			p.mark(inst.Target)
			p.push(inst.Target, true)
		case arch.ConditionalBranch:
			p.mark(inst.Target)
			p.mark(inst.NextPC())
			p.push(inst.Target, true)
			p.push(inst.NextPC(), false)
		case arch.Return:
			if p.opts.SweepAfterReturn {
				p.push(inst.NextPC(), true)
			}
		}
		return
	}
}

// Discover runs both passes over r. Without entries the range base seeds
// the descent.
func Discover(as *memory.AddressSpace, dec arch.Decoder, r memory.MappedRange, entries []uint64, opts Options) []uint64 {
	if len(entries) == 0 {
		entries = []uint64{r.Base}
	}
	p := newPass(as, dec, r, opts)
	p.descend(entries)
	p.sweep()

	heads := p.Heads()
	p.log.Debug("discovered",
		glog.Range(r.Name),
		zap.Int("heads", len(heads)),
		zap.Int("steps", p.steps))
	return heads
}

// Locate returns the block starts of r plus every return address that
// follows a call, the set written to a trace list.
func Locate(as *memory.AddressSpace, dec arch.Decoder, r memory.MappedRange, entries []uint64, opts Options) []uint64 {
	heads := Discover(as, dec, r, entries, opts)
	if len(entries) == 0 {
		entries = []uint64{r.Base}
	}

	p := newPass(as, dec, r, opts)
	for _, a := range heads {
		p.heads[a] = struct{}{}
	}
	for _, e := range entries {
		p.mark(e)
	}
	for _, start := range append(heads, entries...) {
		for pc := start; pc < r.Limit; {
			inst, ok := p.decode(pc)
			if !ok {
				break
			}
			if inst.Category == arch.DirectCall || inst.Category == arch.IndirectCall {
				p.mark(inst.NextPC())
			}
			if inst.Category.IsControlTransfer() {
				break
			}
			pc = inst.NextPC()
		}
	}
	return p.Heads()
}
