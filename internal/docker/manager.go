// Package docker drives the external process manager through the docker CLI.
// Every call runs under a bounded worker pool so slow introspection can never
// saturate the callers.
package docker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/projectwarden/warden/internal/werr"
)

// Info is the normalized result of inspecting one container.
type Info struct {
	Exists     bool
	Running    bool
	Paused     bool
	ExitCode   int
	StartedAt  time.Time
	FinishedAt time.Time
}

// Stats is a point-in-time resource usage sample.
type Stats struct {
	CPUPercent float64
	MemoryMB   float64
}

// RunFunc executes one CLI invocation and returns stdout, stderr and the
// process error. Injectable for tests.
type RunFunc func(ctx context.Context, bin string, args ...string) (string, string, error)

// Manager shells out to the docker CLI.
type Manager struct {
	bin     string
	timeout time.Duration
	sem     chan struct{}
	run     RunFunc
	logger  zerolog.Logger
}

// Config holds manager settings.
type Config struct {
	Bin            string
	Workers        int
	CommandTimeout time.Duration
}

// NewManager creates a Manager. Zero config fields get defaults.
func NewManager(cfg Config, logger zerolog.Logger) *Manager {
	if cfg.Bin == "" {
		cfg.Bin = "docker"
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 5
	}
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = 30 * time.Second
	}
	return &Manager{
		bin:     cfg.Bin,
		timeout: cfg.CommandTimeout,
		sem:     make(chan struct{}, cfg.Workers),
		run:     execRun,
		logger:  logger.With().Str("component", "docker").Logger(),
	}
}

// SetRunFunc replaces the CLI executor. Test hook.
func (m *Manager) SetRunFunc(fn RunFunc) { m.run = fn }

// Inspect returns the container's raw lifecycle fields. A container that the
// manager does not know yields Exists=false, not an error.
func (m *Manager) Inspect(ctx context.Context, name string) (Info, error) {
	stdout, _, err := m.exec(ctx, "inspect", "--format", "{{json .State}}", name)
	if err != nil {
		// Non-zero inspect means the container does not exist.
		return Info{Exists: false}, nil
	}

	var state struct {
		Running    bool   `json:"Running"`
		Paused     bool   `json:"Paused"`
		ExitCode   int    `json:"ExitCode"`
		StartedAt  string `json:"StartedAt"`
		FinishedAt string `json:"FinishedAt"`
	}
	if err := json.Unmarshal([]byte(strings.TrimSpace(stdout)), &state); err != nil {
		return Info{}, fmt.Errorf("parsing inspect output for %s: %w", name, err)
	}

	info := Info{
		Exists:   true,
		Running:  state.Running,
		Paused:   state.Paused,
		ExitCode: state.ExitCode,
	}
	info.StartedAt = parseDockerTime(state.StartedAt)
	info.FinishedAt = parseDockerTime(state.FinishedAt)
	return info, nil
}

// Stats samples CPU and memory usage of a running container.
func (m *Manager) Stats(ctx context.Context, name string) (Stats, error) {
	stdout, _, err := m.exec(ctx, "stats", name, "--no-stream", "--format", "{{json .}}")
	if err != nil {
		return Stats{}, err
	}

	var raw struct {
		CPUPerc  string `json:"CPUPerc"`
		MemUsage string `json:"MemUsage"`
	}
	if err := json.Unmarshal([]byte(strings.TrimSpace(stdout)), &raw); err != nil {
		return Stats{}, fmt.Errorf("parsing stats output for %s: %w", name, err)
	}
	return Stats{
		CPUPercent: ParseCPUPercent(raw.CPUPerc),
		MemoryMB:   ParseMemoryMB(raw.MemUsage),
	}, nil
}

// Logs returns the last tail lines of the container's output. Stdout and
// stderr are combined, matching how workers interleave their progress lines.
func (m *Manager) Logs(ctx context.Context, name string, tail int) (string, error) {
	stdout, stderr, err := m.exec(ctx, "logs", "--tail", strconv.Itoa(tail), name)
	if err != nil {
		return "", err
	}
	return stdout + stderr, nil
}

// LastLogTime returns the timestamp of the container's most recent log line.
func (m *Manager) LastLogTime(ctx context.Context, name string) (time.Time, error) {
	stdout, stderr, err := m.exec(ctx, "logs", "--tail", "1", "--timestamps", name)
	if err != nil {
		return time.Time{}, err
	}
	line := strings.TrimSpace(stdout + stderr)
	if line == "" {
		return time.Time{}, werr.ErrNotFound
	}
	fields := strings.Fields(line)
	ts, err := time.Parse(time.RFC3339Nano, fields[0])
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing log timestamp %q: %w", fields[0], err)
	}
	return ts, nil
}

// Start resumes an existing stopped container.
func (m *Manager) Start(ctx context.Context, name string) error {
	_, _, err := m.exec(ctx, "start", name)
	return err
}

// Run launches a fresh detached container by name with the given run
// arguments (image plus command flags).
func (m *Manager) Run(ctx context.Context, name string, args []string) error {
	cli := append([]string{"run", "--detach", "--name", name}, args...)
	_, _, err := m.exec(ctx, cli...)
	return err
}

// ImageOf returns the image a container was created from.
func (m *Manager) ImageOf(ctx context.Context, name string) (string, error) {
	stdout, _, err := m.exec(ctx, "inspect", "--format", "{{.Config.Image}}", name)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(stdout), nil
}

// Pause suspends a running container.
func (m *Manager) Pause(ctx context.Context, name string) error {
	_, _, err := m.exec(ctx, "pause", name)
	return err
}

// Unpause resumes a paused container.
func (m *Manager) Unpause(ctx context.Context, name string) error {
	_, _, err := m.exec(ctx, "unpause", name)
	return err
}

// Stop stops a running or paused container.
func (m *Manager) Stop(ctx context.Context, name string) error {
	_, _, err := m.exec(ctx, "stop", name)
	return err
}

// Remove deletes a container. With force it also kills a running one.
func (m *Manager) Remove(ctx context.Context, name string, force bool) error {
	args := []string{"rm"}
	if force {
		args = append(args, "-f")
	}
	args = append(args, name)
	_, _, err := m.exec(ctx, args...)
	return err
}

// exec runs one docker invocation under the worker pool. Non-zero results
// become *werr.ManagerError carrying stderr verbatim.
func (m *Manager) exec(ctx context.Context, args ...string) (string, string, error) {
	select {
	case m.sem <- struct{}{}:
		defer func() { <-m.sem }()
	case <-ctx.Done():
		return "", "", ctx.Err()
	}

	cctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	m.logger.Debug().Strs("args", args).Msg("docker")
	stdout, stderr, err := m.run(cctx, m.bin, args...)
	if err != nil {
		output := strings.TrimSpace(stderr)
		if output == "" {
			output = strings.TrimSpace(stdout)
		}
		return stdout, stderr, &werr.ManagerError{
			Command: m.bin + " " + strings.Join(args, " "),
			Output:  output,
			Err:     err,
		}
	}
	return stdout, stderr, nil
}

func execRun(ctx context.Context, bin string, args ...string) (string, string, error) {
	cmd := exec.CommandContext(ctx, bin, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stdout.String(), stderr.String(), err
}

// ParseCPUPercent parses docker's "12.3%" CPU format. Unparseable input
// yields zero.
func ParseCPUPercent(s string) float64 {
	v, err := strconv.ParseFloat(strings.TrimSuffix(strings.TrimSpace(s), "%"), 64)
	if err != nil {
		return 0
	}
	return v
}

// ParseMemoryMB parses the used part of docker's "100MiB / 1GiB" format
// into megabytes. Unparseable input yields zero.
func ParseMemoryMB(s string) float64 {
	used := strings.TrimSpace(strings.SplitN(s, "/", 2)[0])
	i := strings.IndexFunc(used, func(r rune) bool {
		return (r < '0' || r > '9') && r != '.'
	})
	if i <= 0 {
		return 0
	}
	v, err := strconv.ParseFloat(used[:i], 64)
	if err != nil {
		return 0
	}
	switch strings.TrimSpace(used[i:]) {
	case "B":
		return v / (1024 * 1024)
	case "KiB", "KB":
		return v / 1024
	case "MiB", "MB":
		return v
	case "GiB", "GB":
		return v * 1024
	default:
		return 0
	}
}

func parseDockerTime(s string) time.Time {
	// Docker uses "0001-01-01T00:00:00Z" for never-set timestamps.
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil || t.Year() <= 1 {
		return time.Time{}
	}
	return t
}
