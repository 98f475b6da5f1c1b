package cli

import (
	"context"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/TwoKai-LTD/xynenyx-agent/internal/checkpoint"
)

func newMigrateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the checkpoint database schema",
	}
	cmd.AddCommand(
		migrateSubcommand("up", "Apply all pending migrations", func(ctx context.Context, s *checkpoint.SQLStore, c *cobra.Command) error {
			if err := s.Migrate(ctx); err != nil {
				return err
			}
			fmt.Fprintln(c.OutOrStdout(), "migrations applied")
			return nil
		}),
		migrateSubcommand("down", "Roll back the most recent migration", func(ctx context.Context, s *checkpoint.SQLStore, c *cobra.Command) error {
			if err := s.MigrateDown(ctx); err != nil {
				return err
			}
			fmt.Fprintln(c.OutOrStdout(), "rolled back one migration")
			return nil
		}),
		migrateSubcommand("status", "Show applied and pending migrations", func(ctx context.Context, s *checkpoint.SQLStore, c *cobra.Command) error {
			status, err := s.MigrationStatus(ctx)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(c.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "VERSION\tSTATE\tFILE")
			for _, st := range status {
				fmt.Fprintf(tw, "%d\t%s\t%s\n", st.Source.Version, st.State, st.Source.Path)
			}
			return tw.Flush()
		}),
	)
	return cmd
}

func migrateSubcommand(use, short string, run func(context.Context, *checkpoint.SQLStore, *cobra.Command) error) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			b, err := baseFor(cmd)
			if err != nil {
				return err
			}
			// migrations are explicit here, never automatic
			b.cfg.Checkpoint.AutoMigrate = false
			store, err := b.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer store.Close()
			sql, ok := store.(*checkpoint.SQLStore)
			if !ok {
				return fmt.Errorf("checkpoint driver %q has no schema to migrate", b.cfg.Checkpoint.Driver)
			}
			return run(cmd.Context(), sql, cmd)
		},
	}
}
