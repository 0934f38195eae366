// Package config loads substrate's runtime configuration from environment
// variables and an optional project-local config file, layered over
// built-in defaults.
package config

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Config holds all configuration sections for the orchestration core.
type Config struct {
	Store    StoreConfig    `mapstructure:"store"`
	Events   EventsConfig   `mapstructure:"events"`
	Worktree WorktreeConfig `mapstructure:"worktree"`
	Pool     PoolConfig     `mapstructure:"pool"`
	Session  SessionConfig  `mapstructure:"session"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// StoreConfig configures the embedded relational store.
type StoreConfig struct {
	Driver string `mapstructure:"driver"` // sqlite | postgres
	Path   string `mapstructure:"path"`   // sqlite file path
	DSN    string `mapstructure:"dsn"`    // postgres DSN, if driver=postgres
}

// EventsConfig configures the event bus.
type EventsConfig struct {
	// Driver selects the bus backend: "memory" (default, synchronous,
	// in-process) or "nats" (distributed, for split-process deployments).
	Driver string `mapstructure:"driver"`
	// NATSURL is used only when Driver == "nats".
	NATSURL string `mapstructure:"natsUrl"`
}

// WorktreeConfig configures the git worktree manager.
type WorktreeConfig struct {
	ProjectRoot string `mapstructure:"projectRoot"`
	BaseDir     string `mapstructure:"baseDir"` // defaults to <projectRoot>/.substrate-worktrees
}

// PoolConfig configures the worker-pool manager.
type PoolConfig struct {
	MaxConcurrentTasks int `mapstructure:"maxConcurrentTasks"`
	GracePeriodSeconds int `mapstructure:"gracePeriodSeconds"`
	TaskTimeoutSeconds int `mapstructure:"taskTimeoutSeconds"`
}

// SessionConfig configures default session policy.
type SessionConfig struct {
	DefaultMaxRetries int `mapstructure:"defaultMaxRetries"`
}

// LoggingConfig configures the structured logger.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// Load reads configuration for a project rooted at projectRoot, applying
// defaults, an optional substrate.yaml / .substrate/config.yaml file, and
// SUBSTRATE_*-prefixed environment variable overrides.
func Load(projectRoot string) (*Config, error) {
	v, err := newViper(projectRoot)
	if err != nil {
		return nil, err
	}
	return unmarshal(v)
}

// Watch re-reads the project's config file whenever it changes on disk and
// invokes fn with the freshly parsed configuration. A running orchestrator
// picks up a new max_concurrent_tasks mid-session this way: the caller
// turns each reload into a config:reloaded event on the bus.
func Watch(projectRoot string, fn func(*Config)) error {
	v, err := newViper(projectRoot)
	if err != nil {
		return err
	}
	v.OnConfigChange(func(fsnotify.Event) {
		cfg, err := unmarshal(v)
		if err != nil {
			return
		}
		fn(cfg)
	})
	v.WatchConfig()
	return nil
}

func newViper(projectRoot string) (*viper.Viper, error) {
	v := viper.New()
	setDefaults(v, projectRoot)

	v.SetConfigName("substrate")
	v.SetConfigType("yaml")
	v.AddConfigPath(projectRoot)
	v.AddConfigPath(filepath.Join(projectRoot, ".substrate"))

	v.SetEnvPrefix("SUBSTRATE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}
	return v, nil
}

func unmarshal(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse configuration: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper, projectRoot string) {
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.path", filepath.Join(projectRoot, ".substrate", "state.db"))
	v.SetDefault("events.driver", "memory")
	v.SetDefault("worktree.projectRoot", projectRoot)
	v.SetDefault("worktree.baseDir", filepath.Join(projectRoot, ".substrate-worktrees"))
	v.SetDefault("pool.maxConcurrentTasks", 4)
	v.SetDefault("pool.gracePeriodSeconds", 5)
	v.SetDefault("pool.taskTimeoutSeconds", 1800)
	v.SetDefault("session.defaultMaxRetries", 2)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("logging.outputPath", "stdout")
}
