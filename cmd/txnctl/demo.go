package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func newDemoCmd(configPath *string) *cobra.Command {
	var txnCount int

	cmd := &cobra.Command{
		Use:   "demo",
		Short: "Run a small workload end to end and shut down cleanly",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			e, err := openEngine(cfg)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			if cfg.CheckpointInterval > 0 {
				go e.manager.RunCheckpoints(ctx, cfg.CheckpointInterval)
			}

			pages, err := runWorkload(e, txnCount)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %d pages: %v\n", len(pages), pages)

			if err := e.manager.Checkpoint(); err != nil {
				return fmt.Errorf("checkpointing: %w", err)
			}
			cancel()
			time.Sleep(10 * time.Millisecond)
			return e.close()
		},
	}
	cmd.Flags().IntVar(&txnCount, "txns", 4, "number of synthetic transactions to run")
	return cmd
}
