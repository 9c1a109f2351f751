package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/zboralski/memlift/internal/config"
	glog "github.com/zboralski/memlift/internal/log"
	"github.com/zboralski/memlift/internal/ui/colorize"
)

const defaultConfig = "memlift.yaml"

var (
	verbose    bool
	configPath string
	cfg        *config.Config
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, colorize.Error(err.Error()))
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "memlift",
		Short: "Model the memory and executable surface of a native program",
		Long: `memlift maps a program image (an ELF object or a memory snapshot) into a
modeled address space, finds the executable traces in it, lifts them into
cached modules in parallel, and runs code against intercepted libc and heap
routines.

Examples:
  memlift info libgame.so                 # Image summary and imports
  memlift maps --snapshot ./dump          # Ranges of a snapshot directory
  memlift locate libgame.so               # Write the trace list
  memlift prelift libgame.so --progress   # Lift every trace into the cache
  memlift run libgame.so -e init -s hooks.js
  memlift serve libgame.so                # Expose the surface over Connect`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			glog.Init(verbose)
			c, err := config.Load(configPath, !cmd.Flags().Changed("config"))
			if err != nil {
				return err
			}
			cfg = c
			return applyOverrides(cmd, cfg)
		},
	}

	pf := rootCmd.PersistentFlags()
	pf.BoolVarP(&verbose, "verbose", "v", false, "verbose debug output")
	pf.StringVarP(&configPath, "config", "c", defaultConfig, "settings file")
	pf.String("workspace", "", "workspace directory (overrides config)")
	pf.String("arch", "", "architecture of snapshot inputs: arm64 or amd64")
	pf.String("snapshot", "", "load a snapshot directory instead of an ELF object")
	pf.String("base", "", "load address for position-independent objects")

	rootCmd.AddCommand(
		newInfoCmd(),
		newMapsCmd(),
		newDisasmCmd(),
		newDiscoverCmd(),
		newLocateCmd(),
		newPreliftCmd(),
		newRunCmd(),
		newServeCmd(),
	)
	return rootCmd
}

func applyOverrides(cmd *cobra.Command, c *config.Config) error {
	f := cmd.Flags()
	if f.Changed("workspace") {
		c.Workspace, _ = f.GetString("workspace")
	}
	if f.Changed("arch") {
		c.Arch, _ = f.GetString("arch")
	}
	if f.Changed("workers") {
		c.Workers, _ = f.GetInt("workers")
	}
	if f.Changed("reuse") {
		c.Reuse, _ = f.GetBool("reuse")
	}
	if f.Changed("listen") {
		c.Listen, _ = f.GetString("listen")
	}
	return c.Validate()
}
