// Package config loads memlift settings from YAML.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/zboralski/memlift/internal/discovery"
	"github.com/zboralski/memlift/internal/heap"
	"github.com/zboralski/memlift/internal/lift"
	"gopkg.in/yaml.v3"
)

// Addr is an address that accepts YAML integers or hex strings like
// "0x90000000".
type Addr uint64

func (a *Addr) UnmarshalYAML(n *yaml.Node) error {
	if n.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: address must be a scalar", n.Line)
	}
	v, err := strconv.ParseUint(strings.ReplaceAll(n.Value, "_", ""), 0, 64)
	if err != nil {
		return fmt.Errorf("line %d: bad address %q", n.Line, n.Value)
	}
	*a = Addr(v)
	return nil
}

func (a Addr) MarshalYAML() (any, error) {
	return fmt.Sprintf("0x%x", uint64(a)), nil
}

// Heap configures the allocator arena.
type Heap struct {
	Base     Addr `yaml:"base"`
	Limit    Addr `yaml:"limit"`
	MaxAlloc Addr `yaml:"max_alloc"`
}

// Discovery configures trace-head discovery.
type Discovery struct {
	SweepAfterReturn bool `yaml:"sweep_after_return"`
	MaxSteps         int  `yaml:"max_steps"`
}

// Guide mirrors lift.Guide.
type Guide struct {
	SLPVectorize        bool `yaml:"slp_vectorize"`
	LoopVectorize       bool `yaml:"loop_vectorize"`
	VerifyInput         bool `yaml:"verify_input"`
	EliminateDeadStores bool `yaml:"eliminate_dead_stores"`
}

// Config is the full settings file.
type Config struct {
	Workspace string    `yaml:"workspace"`
	Arch      string    `yaml:"arch"`
	Bits      int       `yaml:"bits"`
	Workers   int       `yaml:"workers"`
	Reuse     bool      `yaml:"reuse"`
	Heap      Heap      `yaml:"heap"`
	Discovery Discovery `yaml:"discovery"`
	Guide     Guide     `yaml:"guide"`
	Listen    string    `yaml:"listen"`
}

// Default returns the settings used when no file is given.
func Default() *Config {
	h := heap.DefaultConfig()
	g := lift.DefaultGuide()
	return &Config{
		Workspace: ".memlift",
		Arch:      "arm64",
		Bits:      64,
		Heap: Heap{
			Base:     Addr(h.Base),
			Limit:    Addr(h.Limit),
			MaxAlloc: Addr(h.MaxAlloc),
		},
		Discovery: Discovery{MaxSteps: discovery.DefaultMaxSteps},
		Guide: Guide{
			SLPVectorize:        g.SLPVectorize,
			LoopVectorize:       g.LoopVectorize,
			VerifyInput:         g.VerifyInput,
			EliminateDeadStores: g.EliminateDeadStores,
		},
		Listen: "127.0.0.1:7788",
	}
}

// Load reads path over the defaults. A missing file is not an error when
// optional is set.
func Load(path string, optional bool) (*Config, error) {
	c := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		if optional && errors.Is(err, os.ErrNotExist) {
			return c, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return c, nil
}

// Validate checks values the components would reject later.
func (c *Config) Validate() error {
	var errs []error
	if c.Bits != 32 && c.Bits != 64 {
		errs = append(errs, fmt.Errorf("bits must be 32 or 64, got %d", c.Bits))
	}
	if c.Workers < 0 {
		errs = append(errs, fmt.Errorf("workers must not be negative"))
	}
	if c.Heap.Limit <= c.Heap.Base {
		errs = append(errs, fmt.Errorf("heap limit 0x%x not above base 0x%x", c.Heap.Limit, c.Heap.Base))
	}
	return errors.Join(errs...)
}

// HeapConfig converts to the allocator's configuration.
func (c *Config) HeapConfig() heap.Config {
	return heap.Config{Base: uint64(c.Heap.Base), Limit: uint64(c.Heap.Limit), MaxAlloc: uint64(c.Heap.MaxAlloc)}
}

// DiscoveryOptions converts to discovery options.
func (c *Config) DiscoveryOptions() discovery.Options {
	return discovery.Options{SweepAfterReturn: c.Discovery.SweepAfterReturn, MaxSteps: c.Discovery.MaxSteps}
}

// LiftGuide converts to a lift.Guide.
func (c *Config) LiftGuide() lift.Guide {
	return lift.Guide{
		SLPVectorize:        c.Guide.SLPVectorize,
		LoopVectorize:       c.Guide.LoopVectorize,
		VerifyInput:         c.Guide.VerifyInput,
		EliminateDeadStores: c.Guide.EliminateDeadStores,
	}
}

// Save writes c to path as YAML.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
