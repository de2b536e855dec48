package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/joescharf/relay/internal/output"
	"github.com/joescharf/relay/internal/store"
)

var sessionLimit int

var sessionCmd = &cobra.Command{
	Use:     "session",
	Aliases: []string{"sess"},
	Short:   "Inspect and manage agent sessions",
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var sessionListCmd = &cobra.Command{
	Use:     "list <conversation-id>",
	Aliases: []string{"ls"},
	Short:   "List sessions for a conversation",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return sessionListRun(args[0])
	},
}

var sessionEndCmd = &cobra.Command{
	Use:   "end <conversation-id>",
	Short: "End the conversation's active session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return sessionEndRun(args[0])
	},
}

func init() {
	sessionListCmd.Flags().IntVar(&sessionLimit, "limit", 20, "Max sessions to show")

	sessionCmd.AddCommand(sessionListCmd)
	sessionCmd.AddCommand(sessionEndCmd)
	rootCmd.AddCommand(sessionCmd)
}

func sessionListRun(conversationID string) error {
	s, err := getStore()
	if err != nil {
		return err
	}
	ctx := context.Background()

	sessions, err := s.ListSessions(ctx, conversationID, sessionLimit)
	if err != nil {
		return err
	}
	if len(sessions) == 0 {
		ui.Info("No sessions for conversation %s", conversationID)
		return nil
	}

	table := ui.Table([]string{"ID", "STATE", "TOKEN", "LAST CMD", "STARTED", "ENDED"})
	for _, sess := range sessions {
		state := "ended"
		if sess.Active {
			state = "active"
		}
		token := "-"
		if sess.ResumeToken != "" {
			token = "yes"
		}
		lastCmd := sess.Meta.LastCommand
		if lastCmd == "" {
			lastCmd = "-"
		}
		ended := "-"
		if sess.EndedAt != nil {
			ended = sess.EndedAt.Format("2006-01-02 15:04")
		}
		_ = table.Append([]string{
			shortID(sess.ID),
			output.SessionColor(state),
			token,
			lastCmd,
			sess.StartedAt.Format("2006-01-02 15:04"),
			ended,
		})
	}
	return table.Render()
}

func sessionEndRun(conversationID string) error {
	s, err := getStore()
	if err != nil {
		return err
	}
	ctx := context.Background()

	if _, err := s.GetConversation(ctx, conversationID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("conversation not found: %s", conversationID)
		}
		return err
	}

	if err := getSessionManager(s).End(ctx, conversationID); err != nil {
		return err
	}
	ui.Success("Active session ended for conversation %s", conversationID)
	return nil
}
