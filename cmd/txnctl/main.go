// Command txnctl is a small runnable demonstration of the lock manager
// and recovery manager: it drives a synthetic workload through a
// disk/buffer pair, then either shuts down cleanly or simulates a
// crash and replays restart recovery.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:   "txnctl",
		Short: "Drive the txnstore lock and recovery engine",
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to a YAML config file (optional)")

	root.AddCommand(newDemoCmd(&configPath))
	root.AddCommand(newCrashTestCmd(&configPath))
	return root
}
