package main

import (
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"github.com/zboralski/memlift/internal/arch"
	"github.com/zboralski/memlift/internal/emulator"
	"github.com/zboralski/memlift/internal/heap"
	"github.com/zboralski/memlift/internal/intercept"
	"github.com/zboralski/memlift/internal/loader"
	glog "github.com/zboralski/memlift/internal/log"
	"github.com/zboralski/memlift/internal/script"
	"github.com/zboralski/memlift/internal/trace"
	"github.com/zboralski/memlift/internal/ui/colorize"
	"go.uber.org/zap"
)

// newSurface builds the builtin registry with scripts layered on top.
func newSurface(scripts []string) (*intercept.Registry, *script.Engine, error) {
	reg := intercept.NewRegistry()
	intercept.RegisterBuiltins(reg)
	engine := script.New(reg)
	for _, path := range scripts {
		if err := engine.LoadFile(path); err != nil {
			return nil, nil, err
		}
	}
	return reg, engine, nil
}

func parseArgs(raw []string) ([]uint64, error) {
	args := make([]uint64, 0, len(raw))
	for _, s := range raw {
		v, err := loader.ParseHex(s)
		if err != nil {
			return nil, fmt.Errorf("bad argument %q: %w", s, err)
		}
		args = append(args, v)
	}
	return args, nil
}

func newRunCmd() *cobra.Command {
	var (
		entryName   string
		scripts     []string
		rawArgs     []string
		maxShow     int
		limit       int
		quiet       bool
		stopOnDefer bool
	)
	cmd := &cobra.Command{
		Use:   "run [object]",
		Short: "Emulate a function against the intercepted surface",
		Long: `run maps the input into an emulator, binds every import to the intercept
registry (builtins first, then --script handlers), and calls the entry with
the given arguments until it returns. Each executed instruction is printed
with the intercept events it raised.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			archName, err := targetArch(cmd, args)
			if err != nil {
				return err
			}
			callArgs, err := parseArgs(rawArgs)
			if err != nil {
				return err
			}
			emu, err := emulator.New(archName)
			if err != nil {
				return fmt.Errorf("create emulator: %w", err)
			}
			defer emu.Close()

			t, err := loadTarget(cmd, args, emu.Space())
			if err != nil {
				return err
			}
			h, err := heap.New(emu.Space(), cfg.HeapConfig())
			if err != nil {
				return err
			}
			reg, engine, err := newSurface(scripts)
			if err != nil {
				return err
			}
			runner, err := emulator.NewRunner(emu, h, reg)
			if err != nil {
				return err
			}
			if stopOnDefer {
				runner.OnDefer = emulator.DeferStop
			}
			if t.image != nil {
				if err := t.image.BindImports(runner); err != nil {
					return err
				}
			}
			entry, err := t.resolve(entryName)
			if err != nil {
				return err
			}

			collector := trace.NewCollector()
			reg.OnCall = func(pc uint64, category, name, detail string, res intercept.Result) {
				collector.Add(trace.NewEvent(pc, category, name, detail, res.Outcome.String()))
			}

			out := cmd.OutOrStdout()
			var ow *outputWriter
			if !quiet {
				ow = newOutputWriter(out)
				printRunHeader(ow, t, entry, len(engine.Names()), reg.Count())
			}

			names := t.symbolNames()
			count, seen := 0, 0
			emu.HookCode(func(e *emulator.Emulator, addr uint64, size uint32) {
				count++
				if limit > 0 && count >= limit {
					e.Stop()
				}
				if ow == nil || count > maxShow {
					return
				}
				code, _ := e.Space().Peek(addr, uint64(size))
				inst := decodeAt(e.Decoder(), code, addr)
				events := collector.Since(seen)
				seen += len(events)
				ow.Write(formatLine(t.arch, inst, names[addr], events))
				if inst.Category == arch.Return || inst.Category == arch.IndirectJump {
					ow.Write("")
				}
			})

			ret, runErr := runner.Call(entry, callArgs...)
			if ow != nil {
				ow.Close()
			}
			printRunStats(out, count, ret, collector, h, runErr)
			if runErr != nil && !errors.Is(runErr, emulator.ErrAborted) {
				var de *emulator.DeferredError
				if !errors.As(runErr, &de) {
					return runErr
				}
			}
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVarP(&entryName, "entry", "e", "", "symbol or hex address to call (default: ELF entry)")
	f.StringArrayVarP(&scripts, "script", "s", nil, "JavaScript intercept file (repeatable)")
	f.StringArrayVarP(&rawArgs, "arg", "a", nil, "call argument in hex (repeatable)")
	f.IntVarP(&maxShow, "num", "n", 500, "max instructions to show")
	f.IntVar(&limit, "limit", 0, "stop after this many instructions (0: no limit)")
	f.BoolVarP(&quiet, "quiet", "q", false, "summary only")
	f.BoolVar(&stopOnDefer, "stop-on-defer", false, "stop at the first call the surface does not model")
	return cmd
}

func printRunHeader(w *outputWriter, t *target, entry uint64, scripted, handlers int) {
	w.Write("")
	w.Write(fmt.Sprintf("%s memlift %s %s", colorize.Header("▶"), colorize.Detail("─"), t.path))
	w.Write(fmt.Sprintf("  %s %s  %s %s",
		colorize.Detail("Arch:"), t.arch,
		colorize.Detail("Entry:"), colorize.Address(entry)))
	imports := 0
	if t.image != nil {
		imports = len(t.image.Imports)
	}
	w.Write(fmt.Sprintf("  %s %s  %s %s  %s %s",
		colorize.Detail("Imports:"), colorize.Number(fmt.Sprint(imports)),
		colorize.Detail("Handlers:"), colorize.Number(fmt.Sprint(handlers)),
		colorize.Detail("Scripted:"), colorize.Number(fmt.Sprint(scripted))))
	w.Write("")
}

func printRunStats(w io.Writer, count int, ret uint64, c *trace.Collector, h *heap.Allocator, err error) {
	st := h.Stats()
	fmt.Fprintln(w)
	fmt.Fprint(w, colorize.Border("──────────────────────────────── "))
	fmt.Fprintf(w, "%s insn  %s calls  %s heap  %s deferred",
		colorize.Number(fmt.Sprint(count)),
		colorize.Number(fmt.Sprint(c.Len())),
		colorize.Number(fmt.Sprint(c.Count(trace.Malloc))),
		colorize.Number(fmt.Sprint(c.Count(trace.Deferred))))
	fmt.Fprintf(w, "  %s %s", colorize.Detail("live"), colorize.Number(fmt.Sprint(st.Live)))
	if err != nil {
		fmt.Fprintf(w, "  %s", colorize.Error(err.Error()))
	} else {
		fmt.Fprintf(w, "  %s %s", colorize.Detail("ret"), colorize.Address(ret))
	}
	fmt.Fprintln(w)
	glog.Get().Debug("run finished", zap.Int("insn", count), zap.Error(err))
}
