package cmd

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/joescharf/relay/internal/lifecycle"
	"github.com/joescharf/relay/internal/models"
	"github.com/joescharf/relay/internal/orchestrator"
)

var (
	eventPlatform string
	eventThread   string
	eventCommand  string
	eventCodebase string
	eventIssue    int
	eventPR       int
	eventHeadRef  string
	eventHeadSHA  string
	eventLinked   []int
)

var eventCmd = &cobra.Command{
	Use:   "event",
	Short: "Inject surface events from the command line",
	Long: `Inject events as a surface connector would, delivering agent
output to the console. Useful for local development and for driving
relay from scripts.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var eventSendCmd = &cobra.Command{
	Use:   "send <prompt>",
	Short: "Send a prompt to the agent for a conversation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return eventSendRun(args[0])
	},
}

var eventCloseCmd = &cobra.Command{
	Use:   "close",
	Short: "Signal that an issue or PR was closed or merged",
	RunE: func(cmd *cobra.Command, args []string) error {
		return eventCloseRun()
	},
}

var eventResumeCmd = &cobra.Command{
	Use:   "resume [transcript-file]",
	Short: "Request resumption of a conversation with prior context",
	Long: `Mark the conversation for resumption. The transcript is read from
the given file, or from stdin when no file is named; it is digested and
prepended to the next prompt.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var file string
		if len(args) > 0 {
			file = args[0]
		}
		return eventResumeRun(file)
	},
}

func init() {
	eventCmd.PersistentFlags().StringVar(&eventPlatform, "platform", string(models.PlatformCLI), "Surface platform")
	eventCmd.PersistentFlags().StringVar(&eventThread, "thread", "", "Surface-native conversation ID")

	eventSendCmd.Flags().StringVar(&eventCommand, "command", "", "Agent-directed command name")
	eventSendCmd.Flags().StringVar(&eventCodebase, "codebase", "", "Codebase name (links on first contact)")
	eventSendCmd.Flags().IntVar(&eventIssue, "issue", 0, "Issue number this event refers to")
	eventSendCmd.Flags().IntVar(&eventPR, "pr", 0, "Pull request number this event refers to")
	eventSendCmd.Flags().StringVar(&eventHeadRef, "head-ref", "", "PR head branch")
	eventSendCmd.Flags().StringVar(&eventHeadSHA, "head-sha", "", "PR head commit")
	eventSendCmd.Flags().IntSliceVar(&eventLinked, "linked-issue", nil, "Issue number the PR closes or references (repeatable)")

	eventCloseCmd.Flags().IntVar(&eventIssue, "issue", 0, "Closed issue number")
	eventCloseCmd.Flags().IntVar(&eventPR, "pr", 0, "Closed or merged PR number")

	eventCmd.AddCommand(eventSendCmd)
	eventCmd.AddCommand(eventCloseCmd)
	eventCmd.AddCommand(eventResumeCmd)
	rootCmd.AddCommand(eventCmd)
}

func eventSendRun(prompt string) error {
	orch, err := getOrchestrator(nil)
	if err != nil {
		return err
	}

	req := orchestrator.Request{
		Platform:     models.Platform(eventPlatform),
		Prompt:       prompt,
		Command:      eventCommand,
		CodebaseName: eventCodebase,
	}

	switch {
	case eventPR > 0:
		req.Issue = &lifecycle.IssueEvent{
			Number:        eventPR,
			IsPullRequest: true,
			HeadRef:       eventHeadRef,
			HeadSHA:       eventHeadSHA,
			LinkedIssues:  eventLinked,
		}
	case eventIssue > 0:
		req.Issue = &lifecycle.IssueEvent{Number: eventIssue}
	}

	// Issue events imply the thread id convention; otherwise --thread is required.
	req.PlatformConversationID = eventThread
	if req.PlatformConversationID == "" {
		if req.Issue == nil {
			return fmt.Errorf("specify --thread, --issue, or --pr")
		}
		req.PlatformConversationID = req.Issue.ThreadID()
	}

	return orch.HandleRequest(context.Background(), req)
}

func eventCloseRun() error {
	orch, err := getOrchestrator(nil)
	if err != nil {
		return err
	}

	ev := orchestrator.CloseEvent{Platform: models.Platform(eventPlatform)}
	switch {
	case eventPR > 0:
		ev.Number = eventPR
		ev.IsPR = true
	case eventIssue > 0:
		ev.Number = eventIssue
	default:
		return fmt.Errorf("specify --issue or --pr")
	}

	if err := orch.HandleClose(context.Background(), ev); err != nil {
		return err
	}
	ui.Success("Close handled")
	return nil
}

func eventResumeRun(file string) error {
	if eventThread == "" {
		return fmt.Errorf("specify --thread")
	}

	var transcript []byte
	var err error
	if file != "" {
		transcript, err = os.ReadFile(file)
	} else {
		transcript, err = io.ReadAll(os.Stdin)
	}
	if err != nil {
		return fmt.Errorf("read transcript: %w", err)
	}

	orch, err := getOrchestrator(nil)
	if err != nil {
		return err
	}
	if err := orch.RequestResume(context.Background(),
		models.Platform(eventPlatform), eventThread, string(transcript)); err != nil {
		return err
	}
	ui.Success("Resume requested for %s", eventThread)
	return nil
}
