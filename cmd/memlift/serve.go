package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/zboralski/memlift/internal/heap"
	"github.com/zboralski/memlift/internal/intercept"
	"github.com/zboralski/memlift/internal/rpc"
	"github.com/zboralski/memlift/internal/ui/colorize"
)

func newServeCmd() *cobra.Command {
	var scripts []string
	cmd := &cobra.Command{
		Use:   "serve [object]",
		Short: "Serve the intercepted surface of the input over Connect",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			t, err := loadTarget(cmd, args, nil)
			if err != nil {
				return err
			}
			h, err := heap.New(t.as, cfg.HeapConfig())
			if err != nil {
				return err
			}
			reg, _, err := newSurface(scripts)
			if err != nil {
				return err
			}
			svc := rpc.NewService(&intercept.Env{Space: t.as, Heap: h}, reg)
			fmt.Fprintf(cmd.OutOrStdout(), "%s serving %s on %s %s\n",
				colorize.Header("▶"), t.path, cfg.Listen,
				colorize.Detail("session "+svc.Session()))
			return rpc.Serve(ctx, cfg.Listen, svc)
		},
	}
	cmd.Flags().StringArrayVarP(&scripts, "script", "s", nil, "JavaScript intercept file (repeatable)")
	cmd.Flags().String("listen", "", "listen address (overrides config)")
	return cmd
}
