package trace

import (
	"sync"
	"testing"
)

func TestDefaultEnricherTags(t *testing.T) {
	tests := []struct {
		category, name, outcome string
		annotate                string
		want                    []Tag
	}{
		{"libc", "malloc", "return", "", []Tag{Libc, Malloc}},
		{"libc", "_ZdlPv", "return", "", []Tag{Libc, Malloc}},
		{"libc", "memcpy", "defer", "", []Tag{Libc, String, Deferred}},
		{"libc", "free", "abort", "", []Tag{Libc, Malloc, Abort}},
		{"mem", "mem.read32", "return", "fault", []Tag{Mem, Fault}},
		{"mem", "mem.read64", "return", "sym", []Tag{Mem, Symbolic}},
		{"lift", "lift.lookup", "return", "", []Tag{Lift}},
	}

	for _, tt := range tests {
		e := NewEvent(0x1000, tt.category, tt.name, "", tt.outcome)
		if tt.annotate != "" {
			e.Annotate(tt.annotate, "1")
		}
		DefaultEnricher(e)
		if len(e.Tags) != len(tt.want) {
			t.Errorf("%s: expected tags %v, got %v", tt.name, tt.want, e.Tags)
			continue
		}
		for i, tag := range tt.want {
			if e.Tags[i] != tag {
				t.Errorf("%s: expected tag %d to be %s, got %s", tt.name, i, tag, e.Tags[i])
			}
		}
	}
}

func TestTagsStrings(t *testing.T) {
	tags := Tags{Libc, Malloc}
	tags.Add(Libc)
	got := tags.Strings()
	if len(got) != 2 || got[0] != "#libc" || got[1] != "#malloc" {
		t.Errorf("Expected [#libc #malloc], got %v", got)
	}
	if tags.Primary() != Libc {
		t.Errorf("Expected primary libc, got %s", tags.Primary())
	}
	if (Tags{}).Primary() != "" {
		t.Error("Expected empty primary for no tags")
	}
}

func TestCollectorConcurrent(t *testing.T) {
	c := NewCollector()
	var wg sync.WaitGroup
	for i := range 8 {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := range 10 {
				c.Add(NewEvent(uint64(i*100+j), "libc", "malloc", "", "return"))
			}
		}(i)
	}
	wg.Wait()

	if n := len(c.Events()); n != 80 {
		t.Errorf("Expected 80 events, got %d", n)
	}
	if n := c.Count(Malloc); n != 80 {
		t.Errorf("Expected 80 malloc events, got %d", n)
	}
	if n := c.Count(Deferred); n != 0 {
		t.Errorf("Expected no deferred events, got %d", n)
	}
}

func TestCollectorSince(t *testing.T) {
	c := NewCollector()
	c.Add(NewEvent(0x10, "libc", "malloc", "", "return"))
	c.Add(NewEvent(0x20, "libc", "free", "", "return"))

	if got := c.Since(1); len(got) != 1 || got[0].Name != "free" {
		t.Errorf("Expected [free], got %v", got)
	}
	if got := c.Since(2); got != nil {
		t.Errorf("Expected nil past the end, got %v", got)
	}
	if c.Len() != 2 {
		t.Errorf("Expected 2 events, got %d", c.Len())
	}
}
