// Package cli implements the xynenyx-agent command line.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

// NewRootCommand builds the command tree.
func NewRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "xynenyx-agent",
		Short:         "Research agent for startup and venture-capital intelligence",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringP("config", "c", "", "Config file (default: $CONFIG_PATH)")

	root.AddCommand(
		newServeCommand(),
		newWorkerCommand(),
		newChatCommand(),
		newMigrateCommand(),
		newSweepCommand(),
		newCheckpointsCommand(),
	)
	return root
}

// Execute runs the CLI with ctx, which is cancelled on shutdown signals.
func Execute(ctx context.Context, args []string) error {
	root := NewRootCommand()
	root.SetArgs(args)
	return root.ExecuteContext(ctx)
}

func baseFor(cmd *cobra.Command) (*base, error) {
	path, _ := cmd.Flags().GetString("config")
	return loadBase(path)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	return nil
}
