package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/TwoKai-LTD/xynenyx-agent/internal/checkpoint"
)

func newSweepCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Delete checkpoints older than the TTL",
		Example: `
# Use checkpoint.ttl from the config
xynenyx-agent sweep

# Keep only the last day
xynenyx-agent sweep --ttl 24h
`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			b, err := baseFor(cmd)
			if err != nil {
				return err
			}
			ttl, _ := cmd.Flags().GetDuration("ttl")
			if ttl <= 0 {
				ttl = b.cfg.Checkpoint.TTL
			}
			store, err := b.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer store.Close()

			n, err := store.Sweep(cmd.Context(), ttl)
			if err != nil {
				return fmt.Errorf("sweep checkpoints: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %d checkpoint(s) older than %s\n", n, ttl)
			return nil
		},
	}
	cmd.Flags().Duration("ttl", 0, "Maximum checkpoint age (default: checkpoint.ttl)")
	return cmd
}

// runSweeper sweeps on a ticker until ctx ends. It stands in for the
// Temporal schedule when Temporal is disabled.
func runSweeper(ctx context.Context, store checkpoint.Store, every, ttl time.Duration, logger *zap.Logger) {
	if every <= 0 {
		every = time.Hour
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := store.Sweep(ctx, ttl)
			if err != nil {
				logger.Warn("Checkpoint sweep failed", zap.Error(err))
				continue
			}
			logger.Debug("Checkpoint sweep finished", zap.Int64("deleted", n))
		}
	}
}
