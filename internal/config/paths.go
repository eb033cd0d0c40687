package config

import (
	"os"
	"path/filepath"
	"runtime"
)

// Dir returns the per-user config root based on OS conventions.
func Dir() string {
	switch runtime.GOOS {
	case "windows":
		appData := os.Getenv("APPDATA")
		if appData == "" {
			appData = filepath.Join(os.Getenv("USERPROFILE"), "AppData", "Roaming")
		}
		return filepath.Join(appData, "rangefetch")
	case "darwin":
		home, _ := os.UserHomeDir()
		return filepath.Join(home, "Library", "Application Support", "rangefetch")
	default:
		configHome := os.Getenv("XDG_CONFIG_HOME")
		if configHome == "" {
			home, _ := os.UserHomeDir()
			configHome = filepath.Join(home, ".config")
		}
		return filepath.Join(configHome, "rangefetch")
	}
}

// EnsureAbsPath normalizes a path for consistent persistence and resume
// logic; used when a relative save directory is given on the CLI.
func EnsureAbsPath(path string) string {
	if path == "" {
		path = "."
	}
	if abs, err := filepath.Abs(path); err == nil {
		return abs
	}
	return path
}

// StateDir returns the directory for persistent state (history DB).
func StateDir() string {
	return filepath.Join(Dir(), "state")
}

// LogsDir returns the directory for log files.
func LogsDir() string {
	return filepath.Join(Dir(), "logs")
}

// FilePath returns the path to the config file itself.
func FilePath() string {
	return filepath.Join(Dir(), "config.toml")
}

// EnsureDirs creates every directory rangefetch needs before first use.
func EnsureDirs() error {
	for _, dir := range []string{Dir(), StateDir(), LogsDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return nil
}
