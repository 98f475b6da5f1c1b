package cli

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/TwoKai-LTD/xynenyx-agent/internal/checkpoint"
	"github.com/TwoKai-LTD/xynenyx-agent/internal/state"
)

func newChatCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chat <message>",
		Short: "Run one turn and print the answer",
		Example: `
# One-off question
xynenyx-agent chat "Which fintech startups raised a Series B last quarter?"

# Continue a conversation stored in the checkpoint database
xynenyx-agent chat --thread conv-42 "How does that compare to Stripe?"
`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := baseFor(cmd)
			if err != nil {
				return err
			}
			thread, _ := cmd.Flags().GetString("thread")
			user, _ := cmd.Flags().GetString("user")
			asJSON, _ := cmd.Flags().GetBool("json")
			if thread == "" {
				thread = uuid.NewString()
			}

			ctx := cmd.Context()
			a, err := newApp(ctx, b)
			if err != nil {
				return err
			}
			defer a.Close(context.Background())

			history := priorMessages(ctx, a.store, thread, b.logger)
			out, err := a.executor.Run(ctx, state.New(user, thread, history, args[0]))
			if err != nil {
				return err
			}
			if asJSON {
				return printJSON(cmd.OutOrStdout(), out)
			}
			printAnswer(cmd, out)
			return nil
		},
	}
	cmd.Flags().StringP("thread", "t", "", "Thread id (default: a new one)")
	cmd.Flags().StringP("user", "u", "cli", "User id")
	cmd.Flags().BoolP("json", "j", false, "Print the full conversation state as JSON")
	return cmd
}

// priorMessages restores the conversation so far from the thread's latest
// checkpoint. A missing thread starts fresh.
func priorMessages(ctx context.Context, store checkpoint.Store, thread string, logger *zap.Logger) []state.Message {
	if store == nil {
		return nil
	}
	cp, err := store.Get(ctx, thread, "")
	if err != nil {
		if !errors.Is(err, checkpoint.ErrNotFound) {
			logger.Warn("Could not load conversation history", zap.String("thread_id", thread), zap.Error(err))
		}
		return nil
	}
	s, err := state.Restore(cp.State)
	if err != nil {
		logger.Warn("Stored conversation state is unreadable", zap.String("checkpoint_id", cp.CheckpointID), zap.Error(err))
		return nil
	}
	return s.Messages
}

func printAnswer(cmd *cobra.Command, s *state.ConversationState) {
	w := cmd.OutOrStdout()
	if last, ok := s.LastAssistantMessage(); ok {
		fmt.Fprintln(w, last.Content)
	}
	if len(s.Sources) > 0 {
		fmt.Fprintln(w, "\nSources:")
		for i, src := range s.Sources {
			title := src.Title
			if title == "" {
				title = src.ChunkID
			}
			fmt.Fprintf(w, "  [%d] %s %s\n", i+1, title, strings.TrimSpace(src.ArticleURL+" "+src.PublishedDate))
		}
	}
	fmt.Fprintf(w, "\nthread=%s intent=%s tokens=%d\n", s.ConversationID, s.Intent, s.Usage.Total())
}
