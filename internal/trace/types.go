// Package trace collects intercept events for display and inspection.
package trace

import (
	"slices"
	"sync"
	"time"
)

// Tag represents a trace event category.
// Tags are stored without # prefix; the prefix is added on rendering.
type Tag string

// Standard tags for trace events.
const (
	Mem      Tag = "mem"
	Malloc   Tag = "malloc"
	Lift     Tag = "lift"
	Libc     Tag = "libc"
	String   Tag = "string"
	Deferred Tag = "deferred"
	Abort    Tag = "abort"
	Fault    Tag = "fault"
	Symbolic Tag = "symbolic"
	Script   Tag = "script"
	Import   Tag = "import"
)

// Tags is a collection of tags with helper methods.
type Tags []Tag

// Has returns true if the tag collection contains the given tag.
func (t Tags) Has(tag Tag) bool {
	return slices.Contains(t, tag)
}

// Add adds a tag if not already present.
func (t *Tags) Add(tag Tag) {
	if !t.Has(tag) {
		*t = append(*t, tag)
	}
}

// Strings returns tags as strings with # prefix for display.
func (t Tags) Strings() []string {
	out := make([]string, len(t))
	for i, tag := range t {
		out[i] = "#" + string(tag)
	}
	return out
}

// Primary returns the first tag or empty string if none.
func (t Tags) Primary() Tag {
	if len(t) > 0 {
		return t[0]
	}
	return ""
}

// Annotations holds key-value metadata for trace events.
type Annotations map[string]string

// Event is one dispatched call.
type Event struct {
	PC          uint64 // caller pc
	Tags        Tags   // first is primary
	Name        string // e.g. "malloc", "mem.read32"
	Detail      string // e.g. "0x20 -> 0x90001000"
	Outcome     string // "return", "defer" or "abort"
	Annotations Annotations
	Timestamp   time.Time
}

// NewEvent creates a new trace event with the given parameters.
func NewEvent(pc uint64, category, name, detail, outcome string) *Event {
	return &Event{
		PC:          pc,
		Tags:        Tags{Tag(category)},
		Name:        name,
		Detail:      detail,
		Outcome:     outcome,
		Annotations: make(Annotations),
		Timestamp:   time.Now(),
	}
}

// AddTag adds a tag to the event.
func (e *Event) AddTag(tag Tag) {
	e.Tags.Add(tag)
}

// Annotate sets an annotation on the event.
func (e *Event) Annotate(k, v string) {
	if e.Annotations == nil {
		e.Annotations = make(Annotations)
	}
	e.Annotations[k] = v
}

// PrimaryTag returns the primary (first) tag with # prefix.
func (e *Event) PrimaryTag() string {
	if len(e.Tags) > 0 {
		return "#" + string(e.Tags[0])
	}
	return ""
}

// Enricher enriches trace events based on category and name.
type Enricher func(e *Event)

// DefaultEnricher adds tags derived from the category, name and outcome.
func DefaultEnricher(e *Event) {
	if len(e.Tags) == 0 {
		return
	}

	switch string(e.Tags[0]) {
	case "libc":
		switch e.Name {
		case "malloc", "calloc", "realloc", "free", "memalign", "aligned_alloc",
			"posix_memalign", "malloc_usable_size", "_Znwm", "_Znam", "_ZdlPv", "_ZdaPv", "_ZdlPvm", "_ZdaPvm":
			e.AddTag(Malloc)
		case "memcpy", "memmove", "memset", "memcmp", "strlen", "strcmp", "strncmp", "strtol",
			"strcpy", "strncpy", "strcat", "strncat", "strchr", "strrchr", "strstr",
			"sprintf", "snprintf", "__sprintf_chk", "__snprintf_chk":
			e.AddTag(String)
		case "strdup", "strndup":
			e.AddTag(String)
			e.AddTag(Malloc)
		}
	case "mem":
		if e.Annotations["fault"] != "" {
			e.AddTag(Fault)
		}
		if e.Annotations["sym"] != "" {
			e.AddTag(Symbolic)
		}
	}

	switch e.Outcome {
	case "defer":
		e.AddTag(Deferred)
	case "abort":
		e.AddTag(Abort)
	}
}

// Collector accumulates events from concurrent dispatchers.
type Collector struct {
	mu       sync.Mutex
	events   []*Event
	Enricher Enricher
}

// NewCollector returns a collector using DefaultEnricher.
func NewCollector() *Collector {
	return &Collector{Enricher: DefaultEnricher}
}

// Add enriches and stores e.
func (c *Collector) Add(e *Event) {
	if c.Enricher != nil {
		c.Enricher(e)
	}
	c.mu.Lock()
	c.events = append(c.events, e)
	c.mu.Unlock()
}

// Events returns a copy of the collected events.
func (c *Collector) Events() []*Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.events)
}

// Since returns the events added after the first n.
func (c *Collector) Since(n int) []*Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	if n >= len(c.events) {
		return nil
	}
	return slices.Clone(c.events[n:])
}

// Len returns the number of collected events.
func (c *Collector) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}

// Count returns the number of events carrying tag.
func (c *Collector) Count(tag Tag) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, e := range c.events {
		if e.Tags.Has(tag) {
			n++
		}
	}
	return n
}
