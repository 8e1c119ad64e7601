package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/andresmejia3/facemood/internal/config"
	"github.com/andresmejia3/facemood/internal/store"
	"github.com/spf13/cobra"
)

var (
	// Cfg is the configuration loaded from the environment before any subcommand runs
	Cfg *config.Config
	// Logger is shared by subcommands
	Logger *slog.Logger
	// DB is the database connection, opened only by commands that need it
	DB *store.Store
	// dbURL overrides Cfg.DatabaseURL
	dbURL string
	// logPath overrides Cfg.LogFile
	logPath string
	logFile *os.File
)

// Version is the application version.
const Version = "0.1.0"

var rootCmd = &cobra.Command{
	Use:     "facemood",
	Short:   "Real-time facial emotion recognition from a live camera",
	Version: Version, // This enables the --version flag
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		Cfg, err = config.Load()
		if err != nil {
			return err
		}
		if dbURL != "" {
			Cfg.DatabaseURL = dbURL
		}
		if logPath != "" {
			Cfg.LogFile = logPath
		}

		out := io.Writer(os.Stderr)
		if Cfg.LogFile != "" {
			logFile, err = os.OpenFile(Cfg.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
			if err != nil {
				return fmt.Errorf("open log file: %w", err)
			}
			out = logFile
		}
		Logger = config.NewLogger(Cfg.Environment, out)
		slog.SetDefault(Logger)
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if DB != nil {
			DB.Close()
		}
		if logFile != nil {
			logFile.Close()
		}
	},
}

// openStore connects to the database on first use.
func openStore(ctx context.Context) (*store.Store, error) {
	if DB != nil {
		return DB, nil
	}
	s, err := store.New(ctx, Cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	DB = s
	return DB, nil
}

func Execute() {
	// Create a context that listens for Ctrl+C (SIGINT) or Kill (SIGTERM)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// This tells Cobra not to print the version in the help text, which is cleaner.
	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&dbURL, "db", "", "PostgreSQL connection string (default: $FACEMOOD_DATABASE_URL or postgres://localhost:5432/facemood)")
	rootCmd.PersistentFlags().StringVar(&logPath, "log-file", "", "Write logs to this file instead of stderr (default: $FACEMOOD_LOG_FILE)")
}
