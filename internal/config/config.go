// Package config holds environment configuration and the persisted project
// registry.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config holds all daemon configuration loaded from environment variables.
type Config struct {
	// General
	Environment string `envconfig:"ENVIRONMENT" default:"development"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`
	HTTPPort    int    `envconfig:"HTTP_PORT" default:"8080"`
	APIAddr     string `envconfig:"API_LISTEN_ADDR" default:":8090"`

	// DataDir holds the project registry, dedup records and the retry queue.
	DataDir      string `envconfig:"WARDEN_DATA_DIR" default:"~/.warden"`
	ProjectsFile string `envconfig:"WARDEN_PROJECTS_FILE"` // defaults to <DataDir>/projects.json

	// Telegram (primary notification channel)
	TelegramToken  string `envconfig:"WARDEN_TELEGRAM_TOKEN"`
	TelegramChatID int64  `envconfig:"WARDEN_TELEGRAM_CHAT_ID"`

	// Slack (optional secondary channel)
	SlackBotToken string `envconfig:"WARDEN_SLACK_BOT_TOKEN"`
	SlackChannel  string `envconfig:"WARDEN_SLACK_CHANNEL"`

	// Inbox watching
	WatchExtension string `envconfig:"WATCH_EXTENSION" default:".md"`

	// Delivery
	RedriveInterval time.Duration `envconfig:"REDRIVE_INTERVAL" default:"30s"`
	MaxAttempts     int           `envconfig:"MAX_DELIVERY_ATTEMPTS" default:"3"`

	// External process manager
	DockerBin      string        `envconfig:"DOCKER_BIN" default:"docker"`
	ManagerWorkers int           `envconfig:"MANAGER_WORKERS" default:"5"`
	CommandTimeout time.Duration `envconfig:"MANAGER_COMMAND_TIMEOUT" default:"30s"`

	// Ephemeral question jobs
	AskMaxWait      time.Duration `envconfig:"ASK_MAX_WAIT" default:"5m"`
	AskPollInterval time.Duration `envconfig:"ASK_POLL_INTERVAL" default:"5s"`
	AskLogTail      int           `envconfig:"ASK_LOG_TAIL" default:"100"`
}

// TelegramEnabled returns true if Telegram credentials are configured.
func (c *Config) TelegramEnabled() bool {
	return c.TelegramToken != "" && c.TelegramChatID != 0
}

// SlackEnabled returns true if Slack credentials are configured.
func (c *Config) SlackEnabled() bool {
	return c.SlackBotToken != "" && c.SlackChannel != ""
}

// RegistryPath returns the resolved path of the project registry file.
func (c *Config) RegistryPath() string {
	if c.ProjectsFile != "" {
		return c.ProjectsFile
	}
	return filepath.Join(c.DataDir, "projects.json")
}

// ProcessedDir returns the directory holding per-project dedup records.
func (c *Config) ProcessedDir() string {
	return filepath.Join(c.DataDir, "processed")
}

// RetryQueuePath returns the path of the persisted retry queue.
func (c *Config) RetryQueuePath() string {
	return filepath.Join(c.DataDir, "retry_queue.json")
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	cfg.DataDir = expandHome(cfg.DataDir)
	if cfg.ProjectsFile != "" {
		cfg.ProjectsFile = expandHome(cfg.ProjectsFile)
	}
	return &cfg, nil
}

func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, strings.TrimPrefix(path[1:], "/"))
	}
	return path
}
