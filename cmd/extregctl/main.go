// Command extregctl inspects an on-disk registry cache directory
// without bringing up a full ingest pipeline, useful for diagnosing a
// stale or corrupted cache.
package main

import (
	"fmt"
	"os"

	"github.com/go-logr/logr"
	"github.com/spf13/cobra"

	extreg "github.com/pumped-fn/extreg"
	"github.com/pumped-fn/extreg/extensions"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "extregctl",
		Short: "inspect an extension registry cache directory",
	}
	root.AddCommand(newInspectCmd())
	return root
}

func newInspectCmd() *cobra.Command {
	var debug bool
	cmd := &cobra.Command{
		Use:   "inspect <cache-dir>",
		Short: "load a cache directory and print its namespace/extension tree",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			log := logr.Discard()
			reg := extreg.Open(args[0], extreg.Config{NoLazyCacheLoading: true}, 0, log)
			if debug {
				reg.Dispatcher().AddListener(extensions.NewLoggingListener(log), nil)
			}
			defer reg.Stop(0)

			out, err := extensions.TreeDump(reg)
			if err != nil {
				return fmt.Errorf("dump registry: %w", err)
			}
			fmt.Println(out)
			return nil
		},
	}
	cmd.Flags().BoolVar(&debug, "debug", false, "attach the logging listener before dumping")
	return cmd
}
