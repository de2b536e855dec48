package cmd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/joescharf/relay/internal/output"
	"github.com/joescharf/relay/internal/store"
)

var conversationCodebase string

var conversationCmd = &cobra.Command{
	Use:     "conversation",
	Aliases: []string{"conv"},
	Short:   "Inspect conversations",
	RunE: func(cmd *cobra.Command, args []string) error {
		return conversationListRun()
	},
}

var conversationListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List conversations",
	RunE: func(cmd *cobra.Command, args []string) error {
		return conversationListRun()
	},
}

var conversationShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a conversation and its sessions",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return conversationShowRun(args[0])
	},
}

func init() {
	conversationListCmd.Flags().StringVar(&conversationCodebase, "codebase", "", "Filter by codebase name")

	conversationCmd.AddCommand(conversationListCmd)
	conversationCmd.AddCommand(conversationShowCmd)
	rootCmd.AddCommand(conversationCmd)
}

func conversationListRun() error {
	s, err := getStore()
	if err != nil {
		return err
	}
	ctx := context.Background()

	var codebaseID string
	if conversationCodebase != "" {
		c, err := resolveCodebase(ctx, s, conversationCodebase)
		if err != nil {
			return err
		}
		codebaseID = c.ID
	}

	conversations, err := s.ListConversations(ctx, codebaseID)
	if err != nil {
		return err
	}
	if len(conversations) == 0 {
		ui.Info("No conversations")
		return nil
	}

	table := ui.Table([]string{"ID", "PLATFORM", "THREAD", "WORKTREE", "UPDATED"})
	for _, c := range conversations {
		wt := c.WorktreePath
		if wt == "" {
			wt = "-"
		}
		_ = table.Append([]string{
			shortID(c.ID),
			string(c.Platform),
			c.PlatformConversationID,
			wt,
			c.UpdatedAt.Format("2006-01-02 15:04"),
		})
	}
	return table.Render()
}

func conversationShowRun(id string) error {
	s, err := getStore()
	if err != nil {
		return err
	}
	ctx := context.Background()

	conv, err := s.GetConversation(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("conversation not found: %s", id)
	}
	if err != nil {
		return err
	}

	ui.Info("ID:       %s", conv.ID)
	ui.Info("Platform: %s / %s", conv.Platform, conv.PlatformConversationID)
	if conv.CodebaseID != "" {
		if c, err := s.GetCodebase(ctx, conv.CodebaseID); err == nil {
			ui.Info("Codebase: %s", output.Cyan(c.Name))
		}
	}
	if conv.Cwd != "" {
		ui.Info("Cwd:      %s", conv.Cwd)
	}
	if conv.WorktreePath != "" {
		ui.Info("Worktree: %s", conv.WorktreePath)
	}
	ui.Info("Created:  %s", conv.CreatedAt.Format(time.RFC3339))

	sessions, err := s.ListSessions(ctx, conv.ID, 10)
	if err != nil {
		return err
	}
	if len(sessions) == 0 {
		return nil
	}

	fmt.Fprintln(ui.Out)
	table := ui.Table([]string{"SESSION", "STATE", "TOKEN", "LAST CMD", "STARTED"})
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
		_ = table.Append([]string{
			shortID(sess.ID),
			output.SessionColor(state),
			token,
			lastCmd,
			sess.StartedAt.Format("2006-01-02 15:04"),
		})
	}
	return table.Render()
}

// shortID truncates a ULID for table display.
func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
