package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/zboralski/memlift/internal/discovery"
	"github.com/zboralski/memlift/internal/lift"
	glog "github.com/zboralski/memlift/internal/log"
	"github.com/zboralski/memlift/internal/ui/colorize"
	"go.uber.org/zap"
)

func addDiscoveryFlags(cmd *cobra.Command) {
	cmd.Flags().String("range", "", "only this range name")
	cmd.Flags().Bool("sweep-after-return", false, "sweep the bytes after each return")
}

func discoveryOptions(cmd *cobra.Command) discovery.Options {
	opts := cfg.DiscoveryOptions()
	if cmd.Flags().Changed("sweep-after-return") {
		opts.SweepAfterReturn, _ = cmd.Flags().GetBool("sweep-after-return")
	}
	return opts
}

// seedsIn returns the entries that fall inside [base, limit).
func seedsIn(entries []uint64, base, limit uint64) []uint64 {
	var out []uint64
	for _, e := range entries {
		if e >= base && e < limit {
			out = append(out, e)
		}
	}
	return out
}

func newDiscoverCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "discover [object]",
		Short: "Print the trace heads of every executable range",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := loadTarget(cmd, args, nil)
			if err != nil {
				return err
			}
			dec, err := t.decoder()
			if err != nil {
				return err
			}
			rangeName, _ := cmd.Flags().GetString("range")
			opts := discoveryOptions(cmd)
			names := t.symbolNames()
			entries := t.entries()
			out := cmd.OutOrStdout()

			total := 0
			for _, r := range t.execRanges(rangeName) {
				heads := discovery.Discover(t.as, dec, r, seedsIn(entries, r.Base, r.Limit), opts)
				fmt.Fprintf(out, "%s %s %s\n", colorize.Header("▶"), colorize.FuncName(r.Name),
					colorize.Detail(fmt.Sprintf("%d heads", len(heads))))
				for _, h := range heads {
					line := "  " + colorize.Address(h)
					if n := names[h]; n != "" {
						line += " " + colorize.FuncName(n)
					}
					fmt.Fprintln(out, line)
				}
				total += len(heads)
			}
			glog.Get().Info("discovery done", zap.Int("heads", total))
			return nil
		},
	}
	addDiscoveryFlags(cmd)
	return cmd
}

func newLocateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "locate [object]",
		Short: "Write the trace list of the input to the workspace",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := loadTarget(cmd, args, nil)
			if err != nil {
				return err
			}
			ws := lift.Workspace{Dir: cfg.Workspace}
			rangeName, _ := cmd.Flags().GetString("range")
			addrs, err := locate(t, rangeName, discoveryOptions(cmd))
			if err != nil {
				return err
			}
			if err := ws.Prepare(); err != nil {
				return err
			}
			if err := ws.SaveTraceList(addrs); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s traces written to %s\n",
				colorize.Number(fmt.Sprint(len(addrs))), ws.TraceListPath())
			return nil
		},
	}
	addDiscoveryFlags(cmd)
	return cmd
}

// locate runs the trace locator over every executable range in address
// order.
func locate(t *target, rangeName string, opts discovery.Options) ([]uint64, error) {
	dec, err := t.decoder()
	if err != nil {
		return nil, err
	}
	entries := t.entries()
	var addrs []uint64
	for _, r := range t.execRanges(rangeName) {
		addrs = append(addrs, discovery.Locate(t.as, dec, r, seedsIn(entries, r.Base, r.Limit), opts)...)
	}
	return addrs, nil
}
