package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"winter/internal/app"
	"winter/internal/config"
	"winter/internal/logging"
	"winter/internal/model"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	// Global flags
	configPath string
	verbose    bool
	workspace  string
	remoteURL  string

	// Logger
	logger *zap.Logger
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "winter",
	Short: "Winter - conversational assistant client core",
	Long: `Winter is the client core of a conversational AI assistant.

It keeps chat sessions in a local document store, streams assistant
responses turn by turn, and reconciles with a remote session service
when one is reachable. Without a service it falls back to a local
chat-completion model.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		zapCfg := zap.NewProductionConfig()
		if verbose {
			zapCfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zapCfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

// runCmd sends one message through the core and prints the reply.
var runCmd = &cobra.Command{
	Use:   "run [message]",
	Short: "Send a message and stream the reply",
	Long: `Starts the core, sends the message against the active session
(creating one if none exists), waits for the streaming turn to finish,
and prints the assistant's reply.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runMessage,
}

// sessionsCmd lists stored sessions.
var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List sessions",
	RunE:  listSessions,
}

// usageCmd prints token usage counters.
var usageCmd = &cobra.Command{
	Use:   "usage",
	Short: "Show token usage",
	RunE:  showUsage,
}

func init() {
	defaultConfig := ""
	if home, err := os.UserHomeDir(); err == nil {
		defaultConfig = filepath.Join(home, ".winter", "config.yaml")
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", defaultConfig, "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose logging")
	rootCmd.PersistentFlags().StringVar(&workspace, "workspace", "", "workspace directory (defaults to cwd)")
	rootCmd.PersistentFlags().StringVar(&remoteURL, "remote-url", "", "remote session service URL")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(sessionsCmd)
	rootCmd.AddCommand(usageCmd)
}

// loadCore loads config, initializes logging, and builds the core.
func loadCore() (*app.App, *config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	if workspace != "" {
		cfg.Workspace = workspace
	}
	if remoteURL != "" {
		cfg.Remote.BaseURL = remoteURL
	}
	if verbose {
		cfg.Logging.Debug = true
		cfg.Logging.Level = "debug"
	}

	if err := logging.Initialize(cfg.DataDir, cfg.Logging.Debug, cfg.Logging.Level); err != nil {
		return nil, nil, fmt.Errorf("failed to initialize logging: %w", err)
	}

	core, err := app.New(cfg)
	if err != nil {
		return nil, nil, err
	}
	return core, cfg, nil
}

func runMessage(cmd *cobra.Command, args []string) error {
	core, cfg, err := loadCore()
	if err != nil {
		return err
	}
	defer logging.CloseAll()
	defer core.Stop()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	core.Start(ctx)
	logger.Info("core started",
		zap.Bool("connected", core.Connected()),
		zap.String("workspace", cfg.Workspace))

	// Hot-reload is log-only here; a long-lived frontend rebuilds clients
	// on change.
	if watcher, werr := config.NewWatcher(configPath, func(newCfg *config.Config) {
		logger.Info("config changed", zap.String("path", configPath))
	}); werr == nil {
		_ = watcher.Start(ctx)
	}

	text := args[0]
	if err := core.SendMessage(ctx, text, nil); err != nil {
		return err
	}

	// Wait for the turn to settle, then print the reply.
	for core.IsStreaming() {
		select {
		case <-ctx.Done():
			core.AbortStream()
		case <-time.After(100 * time.Millisecond):
		}
	}

	sess, ok := core.ActiveSession()
	if !ok {
		return fmt.Errorf("no active session after send")
	}
	for i := len(sess.Messages) - 1; i >= 0; i-- {
		if sess.Messages[i].Role == model.RoleAssistant {
			fmt.Println(sess.Messages[i].Content)
			return nil
		}
	}
	fmt.Println("(no reply)")
	return nil
}

func listSessions(cmd *cobra.Command, args []string) error {
	core, _, err := loadCore()
	if err != nil {
		return err
	}
	defer logging.CloseAll()
	defer core.Stop()

	sessions := core.Sessions()
	if len(sessions) == 0 {
		fmt.Println("No sessions.")
		return nil
	}
	activeID := ""
	if active, ok := core.ActiveSession(); ok {
		activeID = active.ID
	}
	for _, s := range sessions {
		marker := " "
		if s.ID == activeID {
			marker = "*"
		}
		suffix := ""
		if s.Archived {
			suffix = " [archived]"
		}
		if s.RemoteBacked() {
			suffix += " [remote]"
		}
		fmt.Printf("%s %-36s  %-30s  %d messages%s\n", marker, s.ID, s.Name, len(s.Messages), suffix)
	}
	return nil
}

func showUsage(cmd *cobra.Command, args []string) error {
	core, _, err := loadCore()
	if err != nil {
		return err
	}
	defer logging.CloseAll()
	defer core.Stop()

	fmt.Printf("Tokens this week: %d\n", core.WeeklyUsage())
	fmt.Printf("Tokens lifetime:  %d\n", core.Usage())
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
