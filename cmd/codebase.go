package cmd

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/joescharf/relay/internal/commands"
	"github.com/joescharf/relay/internal/models"
	"github.com/joescharf/relay/internal/output"
	"github.com/joescharf/relay/internal/store"
)

var codebaseRepoURL string

var codebaseCmd = &cobra.Command{
	Use:     "codebase",
	Aliases: []string{"cb"},
	Short:   "Manage registered codebases",
	RunE: func(cmd *cobra.Command, args []string) error {
		return codebaseListRun()
	},
}

var codebaseAddCmd = &cobra.Command{
	Use:   "add <name> <path>",
	Short: "Register a local repository as a codebase",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return codebaseAddRun(args[0], args[1])
	},
}

var codebaseListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List registered codebases",
	RunE: func(cmd *cobra.Command, args []string) error {
		return codebaseListRun()
	},
}

var codebaseShowCmd = &cobra.Command{
	Use:   "show <name>",
	Short: "Show a codebase and its command templates",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return codebaseShowRun(args[0])
	},
}

var codebaseRemoveCmd = &cobra.Command{
	Use:     "remove <name>",
	Aliases: []string{"rm"},
	Short:   "Remove a codebase and unlink its conversations",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return codebaseRemoveRun(args[0])
	},
}

var codebaseReloadCmd = &cobra.Command{
	Use:   "reload <name>",
	Short: "Reload command templates from the repo's manifest",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return codebaseReloadRun(args[0])
	},
}

func init() {
	codebaseAddCmd.Flags().StringVar(&codebaseRepoURL, "repo-url", "", "Remote repository URL")

	codebaseCmd.AddCommand(codebaseAddCmd)
	codebaseCmd.AddCommand(codebaseListCmd)
	codebaseCmd.AddCommand(codebaseShowCmd)
	codebaseCmd.AddCommand(codebaseRemoveCmd)
	codebaseCmd.AddCommand(codebaseReloadCmd)
	rootCmd.AddCommand(codebaseCmd)
}

func codebaseAddRun(name, path string) error {
	s, err := getStore()
	if err != nil {
		return err
	}
	ctx := context.Background()

	absPath, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve path: %w", err)
	}

	templates, err := commands.Load(absPath)
	if err != nil {
		ui.Warning("Command manifest could not be read: %v", err)
		templates = map[string]models.CommandTemplate{}
	}

	codebase := &models.Codebase{
		Name:     name,
		Path:     absPath,
		RepoURL:  codebaseRepoURL,
		Commands: templates,
	}
	if err := s.CreateCodebase(ctx, codebase); err != nil {
		return fmt.Errorf("create codebase: %w", err)
	}

	ui.Success("Codebase %s registered at %s", output.Cyan(name), absPath)
	if len(templates) > 0 {
		ui.Info("Loaded %d command template(s)", len(templates))
	}
	return nil
}

func codebaseListRun() error {
	s, err := getStore()
	if err != nil {
		return err
	}
	ctx := context.Background()

	codebases, err := s.ListCodebases(ctx)
	if err != nil {
		return err
	}
	if len(codebases) == 0 {
		ui.Info("No codebases registered. Add one with: relay codebase add <name> <path>")
		return nil
	}

	table := ui.Table([]string{"NAME", "PATH", "COMMANDS", "CREATED"})
	for _, c := range codebases {
		_ = table.Append([]string{
			c.Name,
			c.Path,
			fmt.Sprintf("%d", len(c.Commands)),
			c.CreatedAt.Format("2006-01-02"),
		})
	}
	return table.Render()
}

func codebaseShowRun(name string) error {
	s, err := getStore()
	if err != nil {
		return err
	}
	ctx := context.Background()

	codebase, err := resolveCodebase(ctx, s, name)
	if err != nil {
		return err
	}

	ui.Info("Name:     %s", output.Cyan(codebase.Name))
	ui.Info("Path:     %s", codebase.Path)
	if codebase.RepoURL != "" {
		ui.Info("Repo URL: %s", codebase.RepoURL)
	}
	ui.Info("Created:  %s", codebase.CreatedAt.Format(time.RFC3339))

	if len(codebase.Commands) > 0 {
		fmt.Fprintln(ui.Out)
		table := ui.Table([]string{"COMMAND", "TEMPLATE", "DESCRIPTION"})
		for _, tmpl := range codebase.Commands {
			_ = table.Append([]string{tmpl.Name, tmpl.Path, tmpl.Description})
		}
		if err := table.Render(); err != nil {
			return err
		}
	}

	conversations, err := s.ListConversations(ctx, codebase.ID)
	if err != nil {
		return err
	}
	fmt.Fprintln(ui.Out)
	ui.Info("Conversations: %d", len(conversations))
	return nil
}

func codebaseRemoveRun(name string) error {
	s, err := getStore()
	if err != nil {
		return err
	}
	ctx := context.Background()

	codebase, err := resolveCodebase(ctx, s, name)
	if err != nil {
		return err
	}
	if err := s.DeleteCodebase(ctx, codebase.ID); err != nil {
		return fmt.Errorf("delete codebase: %w", err)
	}

	ui.Success("Codebase %s removed", output.Cyan(codebase.Name))
	return nil
}

func codebaseReloadRun(name string) error {
	s, err := getStore()
	if err != nil {
		return err
	}
	ctx := context.Background()

	codebase, err := resolveCodebase(ctx, s, name)
	if err != nil {
		return err
	}

	templates, err := commands.Load(codebase.Path)
	if err != nil {
		return fmt.Errorf("load commands: %w", err)
	}
	codebase.Commands = templates
	if err := s.UpdateCodebase(ctx, codebase); err != nil {
		return fmt.Errorf("update codebase: %w", err)
	}

	ui.Success("Reloaded %d command template(s) for %s", len(templates), output.Cyan(codebase.Name))
	return nil
}

// resolveCodebase finds a codebase by name first, then by ID.
func resolveCodebase(ctx context.Context, s store.Store, ref string) (*models.Codebase, error) {
	if c, err := s.GetCodebaseByName(ctx, ref); err == nil {
		return c, nil
	}
	c, err := s.GetCodebase(ctx, ref)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("codebase not found: %s", ref)
	}
	return c, err
}
