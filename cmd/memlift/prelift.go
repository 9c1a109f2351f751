package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"

	"github.com/spf13/cobra"
	"github.com/zboralski/memlift/internal/arch"
	"github.com/zboralski/memlift/internal/discovery"
	"github.com/zboralski/memlift/internal/lift"
	glog "github.com/zboralski/memlift/internal/log"
	"github.com/zboralski/memlift/internal/ui/progress"
	"go.uber.org/zap"
)

func newPreliftCmd() *cobra.Command {
	var (
		showProgress bool
		clean        bool
		discover     bool
	)
	cmd := &cobra.Command{
		Use:   "prelift [object]",
		Short: "Lift every trace of the trace list into the workspace cache",
		Long: `prelift reads <workspace>/trace_list and groups the traces by mapped
range. When the list is missing, or with --discover, it runs discovery over
each executable range instead and lifts one batch per range. Every batch is
lifted on its own worker; artifacts land in <workspace>/prelift_traces and
are assembled back into the address space when every worker is done.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()

			t, err := loadTarget(cmd, args, nil)
			if err != nil {
				return err
			}
			dec, err := t.decoder()
			if err != nil {
				return err
			}
			ws := lift.Workspace{Dir: cfg.Workspace}
			if clean {
				if err := ws.Clean(); err != nil {
					return err
				}
			}

			batches, err := preliftBatches(t, dec, ws, discover, discoveryOptions(cmd))
			if err != nil {
				return err
			}

			opts := lift.Options{
				Workers: cfg.Workers,
				Guide:   cfg.LiftGuide(),
				Reuse:   cfg.Reuse,
			}
			work := func(ctx context.Context, report func(lift.Progress)) (*lift.Report, error) {
				o := opts
				o.Progress = report
				return lift.NewCoordinator(t.as, dec, ws, o).Run(ctx, batches)
			}

			out := cmd.OutOrStdout()
			var report *lift.Report
			if showProgress {
				report, err = progress.Run(ctx, out, cmd.InOrStdin(), len(batches), work)
			} else {
				report, err = work(ctx, progress.Plain(cmd.ErrOrStderr()))
				fmt.Fprint(out, progress.Summary(report, err))
			}
			if err != nil {
				return err
			}
			for _, f := range report.Failures {
				glog.Get().Warn("prelift failure", zap.Error(f))
			}
			return nil
		},
	}
	f := cmd.Flags()
	f.BoolVarP(&showProgress, "progress", "p", false, "interactive progress view")
	f.BoolVar(&clean, "clean", false, "remove cached artifacts first")
	f.BoolVar(&discover, "discover", false, "batch the discovered trace heads per range, ignoring the trace list")
	f.Bool("sweep-after-return", false, "sweep the bytes after each return")
	f.Int("workers", 0, "parallel workers (default: GOMAXPROCS)")
	f.Bool("reuse", false, "keep artifacts already in the cache")
	return cmd
}

// preliftBatches batches the workspace trace list, or the discovered trace
// heads of every executable range when the list is missing or discover is
// set.
func preliftBatches(t *target, dec arch.Decoder, ws lift.Workspace, discover bool, opts discovery.Options) ([]lift.Batch, error) {
	if !discover {
		addrs, err := ws.LoadTraceList()
		switch {
		case err == nil:
			batches, unmapped := lift.BatchTraces(t.as, addrs)
			if len(unmapped) > 0 {
				glog.Get().Warn("traces outside any range", zap.Int("count", len(unmapped)))
			}
			return batches, nil
		case !errors.Is(err, fs.ErrNotExist):
			return nil, err
		}
		glog.Get().Info("no trace list, discovering", zap.String("path", ws.TraceListPath()))
	}
	return lift.DiscoverBatches(t.as, dec, t.entries(), opts), nil
}
