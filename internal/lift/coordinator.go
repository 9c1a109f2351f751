package lift

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/google/uuid"
	"github.com/zboralski/memlift/internal/arch"
	glog "github.com/zboralski/memlift/internal/log"
	"github.com/zboralski/memlift/internal/memory"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Options configure a Coordinator run.
type Options struct {
	// Workers bounds the number of batches translated at once; zero uses
	// GOMAXPROCS.
	Workers int
	Guide   Guide
	// Reuse keeps artifacts already present in the cache instead of
	// translating their batch again.
	Reuse bool
	// RunID stamps artifacts; empty generates one.
	RunID string
	// Progress is called from the coordinator goroutine after each batch.
	Progress func(Progress)
}

// Progress reports one finished batch.
type Progress struct {
	Done   int
	Total  int
	Result WorkerResult
}

// WorkerResult is what a worker hands back to the coordinator.
type WorkerResult struct {
	Worker int
	Name   string
	Path   string
	Lifted int
	Reused bool
	Failed []*TraceError
	Err    error
}

// Report summarises a run.
type Report struct {
	RunID     string
	Batches   int
	Lifted    int
	Reused    int
	Artifacts []string
	Modules   []*Module
	// Failures holds per-trace, per-batch and per-artifact errors.
	Failures []error
}

// Err joins all failures.
func (r *Report) Err() error { return errors.Join(r.Failures...) }

// Coordinator runs workers over batches and assembles their artifacts.
type Coordinator struct {
	as   *memory.AddressSpace
	dec  arch.Decoder
	ws   Workspace
	opts Options
	log  *glog.Logger
}

// NewCoordinator returns a coordinator over a read-only address space.
func NewCoordinator(as *memory.AddressSpace, dec arch.Decoder, ws Workspace, opts Options) *Coordinator {
	if opts.Workers <= 0 {
		opts.Workers = runtime.GOMAXPROCS(0)
	}
	if opts.RunID == "" {
		opts.RunID = uuid.NewString()
	}
	return &Coordinator{
		as:   as,
		dec:  dec,
		ws:   ws,
		opts: opts,
		log:  glog.Get().WithComponent("prelift"),
	}
}

// RunID identifies the run in artifacts and logs.
func (c *Coordinator) RunID() string { return c.opts.RunID }

// Run translates every batch in parallel, waits for all workers, then
// assembles the cache into the address space. Cancelling ctx stops new
// batches from starting; batches already running finish.
func (c *Coordinator) Run(ctx context.Context, batches []Batch) (*Report, error) {
	if err := c.ws.Prepare(); err != nil {
		return nil, err
	}
	report := &Report{RunID: c.opts.RunID, Batches: len(batches)}

	results := make(chan WorkerResult, len(batches))
	var g errgroup.Group
	g.SetLimit(c.opts.Workers)

	go func() {
		for i, b := range batches {
			if ctx.Err() != nil {
				c.log.Warn("scheduling stopped", zap.Int("pending", len(batches)-i), zap.Error(ctx.Err()))
				break
			}
			w := &Worker{
				ID:     i,
				Batch:  b,
				Lifter: NewLifter(c.as, c.dec),
				Module: &Module{Arch: c.dec.Name(), RunID: c.opts.RunID, Guide: c.opts.Guide},
			}
			path := c.ws.ArtifactPath(b.Span())
			g.Go(func() error {
				results <- w.Run(path, c.opts.Reuse)
				return nil
			})
		}
		g.Wait()
		close(results)
	}()

	done := 0
	for res := range results {
		done++
		report.Lifted += res.Lifted
		if res.Reused {
			report.Reused++
		}
		for _, te := range res.Failed {
			report.Failures = append(report.Failures, te)
		}
		if res.Err != nil {
			report.Failures = append(report.Failures, fmt.Errorf("batch %s: %w", res.Name, res.Err))
		} else {
			report.Artifacts = append(report.Artifacts, res.Path)
		}
		if c.opts.Progress != nil {
			c.opts.Progress(Progress{Done: done, Total: len(batches), Result: res})
		}
	}

	modules, errs := Assemble(c.as, c.ws.CacheDir())
	report.Modules = modules
	report.Failures = append(report.Failures, errs...)

	c.log.Info("prelift done",
		zap.String("run", c.opts.RunID),
		zap.Int("batches", len(batches)),
		zap.Int("lifted", report.Lifted),
		zap.Int("modules", len(modules)),
		zap.Int("failures", len(report.Failures)))
	return report, ctx.Err()
}

// Worker owns one batch, a private lifter and the module it fills.
type Worker struct {
	ID     int
	Batch  Batch
	Lifter *Lifter
	Module *Module
}

// Run lifts the batch last-in first-out and persists the module at path.
// A trace that fails is recorded and skipped.
func (w *Worker) Run(path string, reuse bool) WorkerResult {
	res := WorkerResult{Worker: w.ID, Name: w.Batch.Name(), Path: path}
	log := glog.Get().WithComponent("worker").With(glog.Worker(w.ID), zap.String("batch", res.Name))

	if reuse {
		if _, err := os.Stat(path); err == nil {
			log.Debug("reusing artifact")
			res.Reused = true
			return res
		}
	}

	w.Module.Start, w.Module.End = w.Batch.Span()
	guide := w.Module.Guide
	for i := len(w.Batch.Traces) - 1; i >= 0; i-- {
		pc := w.Batch.Traces[i]
		f, err := w.Lifter.Lift(pc)
		if err == nil {
			err = guide.Apply(&f)
		}
		if err != nil {
			var te *TraceError
			if !errors.As(err, &te) {
				te = &TraceError{PC: pc, Err: err}
			}
			log.Debug("trace failed", glog.Addr(pc), zap.Error(err))
			res.Failed = append(res.Failed, te)
			continue
		}
		f.Linkage = External
		w.Module.Add(f)
		res.Lifted++
	}

	if err := writeArtifact(path, w.Module); err != nil {
		res.Err = err
		return res
	}
	log.Debug("artifact written", zap.Int("functions", len(w.Module.Functions)))
	return res
}

// writeArtifact persists m at path through a temporary file and rename.
func writeArtifact(path string, m *Module) error {
	data, err := m.MarshalBinary()
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".artifact-*")
	if err != nil {
		return fmt.Errorf("create artifact: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write artifact: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("close artifact: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("rename artifact: %w", err)
	}
	return nil
}
