// Package cli implements the rangefetch command-line front end: a thin,
// short-lived driver over internal/manager.Manager.
package cli

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"rangefetch/internal/config"
	"rangefetch/internal/history"
	"rangefetch/internal/logger"
	"rangefetch/internal/manager"
)

var verboseFlag bool

var rootCmd = &cobra.Command{
	Use:   "rangefetch",
	Short: "A multi-connection, resumable download manager",
}

// Execute runs the CLI; called from main.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verboseFlag, "verbose", "v", false, "mirror log lines to stderr")
}

// buildManager constructs a Manager from the on-disk config, wiring in
// the shared logger and history store. Every subcommand that needs the
// engine calls this once and defers m.Close().
func buildManager() (*manager.Manager, error) {
	if err := config.EnsureDirs(); err != nil {
		return nil, fmt.Errorf("cli: could not prepare config directories: %w", err)
	}
	cfg, err := config.Load(config.FilePath())
	if err != nil {
		return nil, fmt.Errorf("cli: could not load config: %w", err)
	}
	if verboseFlag {
		cfg.Verbose = true
	}

	log, err := logger.New(config.LogsDir(), cfg.Verbose)
	if err != nil {
		return nil, fmt.Errorf("cli: could not open log file: %w", err)
	}
	if err := logger.CleanupLogs(config.LogsDir(), cfg.LogRetentionCount); err != nil {
		log.Warn("log cleanup failed: %v", err)
	}

	hist, err := history.Open(filepath.Join(config.StateDir(), "history.db"))
	if err != nil {
		log.Close()
		return nil, fmt.Errorf("cli: could not open history store: %w", err)
	}

	m, err := manager.New(cfg, log, hist)
	if err != nil {
		hist.Close()
		log.Close()
		return nil, err
	}

	if _, err := m.Recover(cfg.DefaultSaveDir); err != nil {
		log.Warn("recovery scan failed: %v", err)
	}
	return m, nil
}
