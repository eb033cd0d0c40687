// Package config loads and validates the manager's persisted settings.
package config

import (
	"os"
	"path/filepath"

	"github.com/pelletier/go-toml/v2"
)

// Settings governs every clampable Manager knob plus logging behavior.
type Settings struct {
	DefaultSaveDir      string              `toml:"default_save_dir"`
	MaxBlocksPerTask    int                 `toml:"max_blocks_per_task"`
	MaxConcurrentTasks  int                 `toml:"max_concurrent_tasks"`
	ThreadPoolSize      int                 `toml:"thread_pool_size"`
	SpeedLimit          int64               `toml:"speed_limit"`
	ClassificationRules map[string][]string `toml:"classification_rules"`
	Verbose             bool                `toml:"verbose"`
	LogRetentionCount   int                 `toml:"log_retention_count"`
}

// Default returns the built-in defaults used when no config file exists
// or a field is left unset.
func Default() Settings {
	return Settings{
		DefaultSaveDir:     EnsureAbsPath("."),
		MaxBlocksPerTask:   8,
		MaxConcurrentTasks: 3,
		ThreadPoolSize:     16,
		SpeedLimit:         0,
		Verbose:            false,
		LogRetentionCount:  10,
	}
}

// Clamp enforces every numeric bound named in the component design.
func (s *Settings) Clamp() {
	if s.MaxBlocksPerTask < 1 {
		s.MaxBlocksPerTask = 1
	} else if s.MaxBlocksPerTask > 32 {
		s.MaxBlocksPerTask = 32
	}
	if s.MaxConcurrentTasks < 1 {
		s.MaxConcurrentTasks = 1
	} else if s.MaxConcurrentTasks > 10 {
		s.MaxConcurrentTasks = 10
	}
	if s.ThreadPoolSize < 1 {
		s.ThreadPoolSize = 1
	}
	if s.SpeedLimit < 0 {
		s.SpeedLimit = 0
	}
	if s.DefaultSaveDir == "" {
		s.DefaultSaveDir = EnsureAbsPath(".")
	}
}

// Load reads Settings from path, falling back to defaults field-by-field
// when the file is absent or a field is unset.
func Load(path string) (Settings, error) {
	s := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return s, err
	}
	loaded := Settings{}
	if err := toml.Unmarshal(data, &loaded); err != nil {
		return s, err
	}
	mergeNonZero(&s, loaded)
	s.Clamp()
	return s, nil
}

func mergeNonZero(dst *Settings, src Settings) {
	if src.DefaultSaveDir != "" {
		dst.DefaultSaveDir = src.DefaultSaveDir
	}
	if src.MaxBlocksPerTask != 0 {
		dst.MaxBlocksPerTask = src.MaxBlocksPerTask
	}
	if src.MaxConcurrentTasks != 0 {
		dst.MaxConcurrentTasks = src.MaxConcurrentTasks
	}
	if src.ThreadPoolSize != 0 {
		dst.ThreadPoolSize = src.ThreadPoolSize
	}
	if src.SpeedLimit != 0 {
		dst.SpeedLimit = src.SpeedLimit
	}
	if src.ClassificationRules != nil {
		dst.ClassificationRules = src.ClassificationRules
	}
	dst.Verbose = src.Verbose
	if src.LogRetentionCount != 0 {
		dst.LogRetentionCount = src.LogRetentionCount
	}
}

// Save writes s to path as TOML, creating parent directories as needed.
func Save(path string, s Settings) error {
	data, err := toml.Marshal(s)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
