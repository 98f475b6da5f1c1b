package cli

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/TwoKai-LTD/xynenyx-agent/internal/checkpoint"
)

func newCheckpointsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "checkpoints",
		Aliases: []string{"cp"},
		Short:   "Inspect and delete thread checkpoints",
		Example: `
# Newest five checkpoints of a thread
xynenyx-agent checkpoints list --thread conv-42 -n 5

# Walk the parent chain of the latest checkpoint
xynenyx-agent checkpoints chain --thread conv-42
`,
	}
	cmd.PersistentFlags().StringP("thread", "t", "", "Thread (conversation) id")
	_ = cmd.MarkPersistentFlagRequired("thread")

	list := &cobra.Command{
		Use:   "list",
		Short: "List checkpoints newest first",
		Args:  cobra.NoArgs,
		RunE: withStore(func(cmd *cobra.Command, store checkpoint.Store, thread string, _ []string) error {
			limit, _ := cmd.Flags().GetInt("limit")
			list, err := store.List(cmd.Context(), thread, limit)
			if err != nil {
				return err
			}
			return printTable(cmd, list)
		}),
	}
	list.Flags().IntP("limit", "n", 20, "Maximum number of checkpoints (0 for all)")

	show := &cobra.Command{
		Use:   "show [checkpoint-id]",
		Short: "Print one checkpoint with its state (default: latest)",
		Args:  cobra.MaximumNArgs(1),
		RunE: withStore(func(cmd *cobra.Command, store checkpoint.Store, thread string, args []string) error {
			id := ""
			if len(args) == 1 {
				id = args[0]
			}
			cp, err := store.Get(cmd.Context(), thread, id)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), cp)
		}),
	}

	chain := &cobra.Command{
		Use:   "chain",
		Short: "Print the parent chain from the latest checkpoint to the root",
		Args:  cobra.NoArgs,
		RunE: withStore(func(cmd *cobra.Command, store checkpoint.Store, thread string, _ []string) error {
			chain, err := checkpoint.Chain(cmd.Context(), store, thread)
			if err != nil {
				return err
			}
			return printTable(cmd, chain)
		}),
	}

	del := &cobra.Command{
		Use:   "delete [checkpoint-id]",
		Short: "Delete one checkpoint, or the whole thread without an id",
		Args:  cobra.MaximumNArgs(1),
		RunE: withStore(func(cmd *cobra.Command, store checkpoint.Store, thread string, args []string) error {
			id := ""
			if len(args) == 1 {
				id = args[0]
			}
			n, err := store.Delete(cmd.Context(), thread, id)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %d checkpoint(s)\n", n)
			return nil
		}),
	}

	cmd.AddCommand(list, show, chain, del)
	return cmd
}

func withStore(fn func(cmd *cobra.Command, store checkpoint.Store, thread string, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		b, err := baseFor(cmd)
		if err != nil {
			return err
		}
		thread, _ := cmd.Flags().GetString("thread")
		store, err := b.openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer store.Close()
		return fn(cmd, store, thread, args)
	}
}

func printTable(cmd *cobra.Command, list []checkpoint.Checkpoint) error {
	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "CHECKPOINT\tPARENT\tNODE\tNEXT\tSTEP\tCREATED")
	for _, cp := range list {
		step := ""
		if v, ok := cp.Metadata["step"].(float64); ok {
			step = fmt.Sprintf("%d", int(v))
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			cp.CheckpointID,
			dash(cp.ParentCheckpointID),
			dash(cp.MetaString("node")),
			dash(cp.MetaString("next")),
			dash(step),
			cp.CreatedAt.Format(time.RFC3339),
		)
	}
	return tw.Flush()
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
