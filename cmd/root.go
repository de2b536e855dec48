package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/joescharf/relay/internal/agent"
	"github.com/joescharf/relay/internal/lifecycle"
	"github.com/joescharf/relay/internal/llm"
	"github.com/joescharf/relay/internal/orchestrator"
	"github.com/joescharf/relay/internal/output"
	"github.com/joescharf/relay/internal/sessions"
	"github.com/joescharf/relay/internal/store"
	"github.com/joescharf/relay/internal/surface"
	"github.com/joescharf/relay/internal/worktree"
)

// Package-level shared dependencies, initialized in cobra.OnInitialize.
var (
	ui        *output.UI
	dataStore store.Store

	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "relay",
	Short: "Relay - drive a coding agent from chat and issue trackers",
	Long: `relay is the coordination core between conversation surfaces
(GitHub issues, chat channels) and an AI coding agent running against
local git repositories. It maps conversations to codebases, provisions
git worktrees per issue or PR, and keeps agent sessions resumable.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	DisableAutoGenTag: true,
}

// Execute is the main entry point called from main.go.
func Execute(version, commit, date string) {
	buildVersion = version
	buildCommit = commit
	buildDate = date

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig, initDeps)

	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose output")
	rootCmd.PersistentFlags().String("config", "", "Config file (default ~/.config/relay/config.yaml)")
}

func initConfig() {
	// If --config is explicitly set, use that file
	if cfgFile, _ := rootCmd.PersistentFlags().GetString("config"); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: cannot find home directory: %v\n", err)
			os.Exit(1)
		}

		configDir := filepath.Join(home, ".config", "relay")
		viper.AddConfigPath(configDir)
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("RELAY")
	viper.AutomaticEnv()

	// Defaults via viper.SetDefault()
	home, _ := os.UserHomeDir()
	defaultConfigDir := filepath.Join(home, ".config", "relay")

	viper.SetDefault("state_dir", defaultConfigDir)
	viper.SetDefault("db_path", filepath.Join(defaultConfigDir, "relay.db"))
	viper.SetDefault("worktree_base", "")
	viper.SetDefault("agent.command", "claude")
	viper.SetDefault("agent.model", "")
	viper.SetDefault("anthropic.api_key", "")
	viper.SetDefault("anthropic.model", "claude-haiku-4-5-20251001")
	viper.SetDefault("phases.plan", "plan")
	viper.SetDefault("phases.execute", "execute")
	viper.SetDefault("delivery.retries", 3)
	viper.SetDefault("delivery.backoff", "2s")

	// Read config file if it exists (optional)
	_ = viper.ReadInConfig()
}

func initDeps() {
	ui = output.New()
	ui.Verbose = verbose

	// Store is initialized lazily so config/version commands run without a db.
}

// getStore returns the shared store, initializing it on first call.
func getStore() (store.Store, error) {
	if dataStore != nil {
		return dataStore, nil
	}

	dbPath := viper.GetString("db_path")
	s, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := s.Migrate(rootCmd.Context()); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}

	dataStore = s
	return dataStore, nil
}

// getSessionManager builds a session manager from the configured phase names.
func getSessionManager(s store.Store) *sessions.Manager {
	return sessions.NewManager(s,
		viper.GetString("phases.plan"),
		viper.GetString("phases.execute"))
}

// getOrchestrator assembles the full coordination stack around the given
// messenger. Pass nil to deliver to the console.
func getOrchestrator(messenger surface.Messenger) (*orchestrator.Orchestrator, error) {
	s, err := getStore()
	if err != nil {
		return nil, err
	}

	logger := slog.Default()
	if messenger == nil {
		messenger = &surface.ConsoleMessenger{Out: os.Stdout}
	}
	messenger = surface.NewRetryingMessenger(messenger,
		viper.GetInt("delivery.retries"),
		viper.GetDuration("delivery.backoff"),
		logger)

	sm := getSessionManager(s)
	wtMgr := worktree.NewManager(viper.GetString("worktree_base"))
	coord := lifecycle.NewCoordinator(s, wtMgr, sm, nil, logger)
	querier := agent.NewCLIQuerier(
		viper.GetString("agent.command"),
		viper.GetString("agent.model"))

	var summarizer orchestrator.Summarizer
	if key := viper.GetString("anthropic.api_key"); key != "" {
		summarizer = llm.NewClient(key, viper.GetString("anthropic.model"))
	}

	return orchestrator.New(s, sm, coord, querier, messenger, summarizer, logger), nil
}
