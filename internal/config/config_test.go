package config

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("WARDEN_DATA_DIR", "/var/lib/warden")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "development", cfg.Environment)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, ".md", cfg.WatchExtension)
	assert.Equal(t, 30*time.Second, cfg.RedriveInterval)
	assert.Equal(t, 3, cfg.MaxAttempts)
	assert.Equal(t, "docker", cfg.DockerBin)
	assert.Equal(t, 5, cfg.ManagerWorkers)
	assert.Equal(t, 5*time.Minute, cfg.AskMaxWait)
	assert.Equal(t, 5*time.Second, cfg.AskPollInterval)
}

func TestChannelPredicates(t *testing.T) {
	cfg := &Config{}
	assert.False(t, cfg.TelegramEnabled())
	assert.False(t, cfg.SlackEnabled())

	cfg.TelegramToken = "123:abc"
	assert.False(t, cfg.TelegramEnabled(), "token without chat id is not enough")
	cfg.TelegramChatID = 42
	assert.True(t, cfg.TelegramEnabled())

	cfg.SlackBotToken = "xoxb-test"
	cfg.SlackChannel = "C123"
	assert.True(t, cfg.SlackEnabled())
}

func TestDerivedPaths(t *testing.T) {
	cfg := &Config{DataDir: "/var/lib/warden"}
	assert.Equal(t, filepath.Join("/var/lib/warden", "projects.json"), cfg.RegistryPath())
	assert.Equal(t, filepath.Join("/var/lib/warden", "processed"), cfg.ProcessedDir())
	assert.Equal(t, filepath.Join("/var/lib/warden", "retry_queue.json"), cfg.RetryQueuePath())

	cfg.ProjectsFile = "/etc/warden/projects.json"
	assert.Equal(t, "/etc/warden/projects.json", cfg.RegistryPath())
}

func TestExpandHome(t *testing.T) {
	t.Setenv("HOME", "/home/op")
	assert.Equal(t, "/home/op/.warden", expandHome("~/.warden"))
	assert.Equal(t, "/var/lib/warden", expandHome("/var/lib/warden"))
	assert.Equal(t, "/home/op", expandHome("~"))
}
