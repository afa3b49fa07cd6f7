// Package supervisor normalizes raw container state into project lifecycle
// states and serializes mutating commands per project.
package supervisor

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/projectwarden/warden/internal/config"
	"github.com/projectwarden/warden/internal/docker"
)

// State is the normalized lifecycle state of a project's worker container.
type State string

const (
	StateNotStarted State = "not_started"
	StateRunning    State = "running"
	StatePaused     State = "paused"
	StateCompleted  State = "completed"
	StateStopped    State = "stopped"
)

// DeriveState maps raw inspect fields to a lifecycle state. Completed means
// the worker exited clean; any non-zero exit is stopped.
func DeriveState(info docker.Info) State {
	switch {
	case !info.Exists:
		return StateNotStarted
	case info.Paused:
		return StatePaused
	case info.Running:
		return StateRunning
	case info.ExitCode == 0:
		return StateCompleted
	default:
		return StateStopped
	}
}

// progressRe matches worker progress lines. The last match in the log tail
// wins.
var progressRe = regexp.MustCompile(`Iteration (\d+)/(\d+)`)

// Progress is the worker's self-reported iteration counter.
type Progress struct {
	Current int     `json:"current"`
	Total   int     `json:"total"`
	Percent float64 `json:"percent"`
}

// Status is a point-in-time view of one project.
type Status struct {
	Project      string    `json:"project"`
	Container    string    `json:"container"`
	State        State     `json:"state"`
	Progress     Progress  `json:"progress"`
	CPUPercent   float64   `json:"cpu_percent"`
	MemoryMB     float64   `json:"memory_mb"`
	Uptime       string    `json:"uptime,omitempty"`
	LastActivity string    `json:"last_activity,omitempty"`
	ExitCode     int       `json:"exit_code"`
	StartedAt    time.Time `json:"started_at,omitempty"`
}

// CommandResult is the outcome of one project in a batch command.
type CommandResult struct {
	Project string `json:"project"`
	OK      bool   `json:"ok"`
	Detail  string `json:"detail,omitempty"`
}

// ContainerManager is the process-manager surface the supervisor needs.
type ContainerManager interface {
	Inspect(ctx context.Context, name string) (docker.Info, error)
	Stats(ctx context.Context, name string) (docker.Stats, error)
	Logs(ctx context.Context, name string, tail int) (string, error)
	LastLogTime(ctx context.Context, name string) (time.Time, error)
	Start(ctx context.Context, name string) error
	Run(ctx context.Context, name string, args []string) error
	Pause(ctx context.Context, name string) error
	Unpause(ctx context.Context, name string) error
	Stop(ctx context.Context, name string) error
}

// Supervisor drives project lifecycle through the container manager.
type Supervisor struct {
	registry *config.Registry
	mgr      ContainerManager
	logTail  int
	logger   zerolog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New creates a Supervisor. logTail is how many log lines to scan for
// progress.
func New(registry *config.Registry, mgr ContainerManager, logTail int, logger zerolog.Logger) *Supervisor {
	if logTail <= 0 {
		logTail = 100
	}
	return &Supervisor{
		registry: registry,
		mgr:      mgr,
		logTail:  logTail,
		logger:   logger.With().Str("component", "supervisor").Logger(),
		locks:    make(map[string]*sync.Mutex),
	}
}

// lock returns the mutex serializing mutating commands for one project.
func (s *Supervisor) lock(project string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[project]
	if !ok {
		l = &sync.Mutex{}
		s.locks[project] = l
	}
	return l
}

func (s *Supervisor) container(project string) (config.Project, error) {
	p, ok := s.registry.Get(project)
	if !ok {
		return config.Project{}, fmt.Errorf("project %q not found", project)
	}
	return p, nil
}

// Start brings a not-started, stopped or completed worker up. A container
// that does not exist yet is created from the project's configured image;
// a stopped one is restarted in place. Starting a running or paused worker
// is rejected without touching the manager.
func (s *Supervisor) Start(ctx context.Context, project string) error {
	l := s.lock(project)
	l.Lock()
	defer l.Unlock()

	p, err := s.container(project)
	if err != nil {
		return err
	}
	info, err := s.mgr.Inspect(ctx, p.ContainerName)
	if err != nil {
		return err
	}

	switch DeriveState(info) {
	case StateRunning:
		return fmt.Errorf("%s is already running", project)
	case StatePaused:
		return fmt.Errorf("%s is paused, resume it instead", project)
	case StateNotStarted:
		err = s.create(ctx, p)
	default: // stopped or completed: the container exists, restart it
		err = s.mgr.Start(ctx, p.ContainerName)
	}
	if err != nil {
		s.logger.Error().Err(err).Str("project", project).Str("action", "start").Msg("lifecycle command failed")
		return err
	}
	s.logger.Info().Str("project", project).Str("action", "start").Msg("lifecycle command ok")
	return nil
}

// create launches the project's worker container from its configured image,
// with the project directory mounted as the workspace.
func (s *Supervisor) create(ctx context.Context, p config.Project) error {
	if p.Image == "" {
		return fmt.Errorf("%s has no container and no image configured", p.Name)
	}
	args := []string{"-v", p.Path + ":/workspace", p.Image}
	args = append(args, p.RunArgs...)
	return s.mgr.Run(ctx, p.ContainerName, args)
}

// Pause suspends a running worker.
func (s *Supervisor) Pause(ctx context.Context, project string) error {
	return s.command(ctx, project, "pause",
		func(st State) error {
			if st != StateRunning {
				return fmt.Errorf("%s is %s, only a running project can be paused", project, st)
			}
			return nil
		},
		s.mgr.Pause)
}

// Resume unpauses a paused worker.
func (s *Supervisor) Resume(ctx context.Context, project string) error {
	return s.command(ctx, project, "resume",
		func(st State) error {
			if st != StatePaused {
				return fmt.Errorf("%s is %s, only a paused project can be resumed", project, st)
			}
			return nil
		},
		s.mgr.Unpause)
}

// Stop stops a running or paused worker.
func (s *Supervisor) Stop(ctx context.Context, project string) error {
	return s.command(ctx, project, "stop",
		func(st State) error {
			if st != StateRunning && st != StatePaused {
				return fmt.Errorf("%s is %s, nothing to stop", project, st)
			}
			return nil
		},
		s.mgr.Stop)
}

// command runs one mutating lifecycle operation under the project lock:
// derive current state, check the transition, execute. Manager errors pass
// through verbatim and leave the state untouched.
func (s *Supervisor) command(ctx context.Context, project, action string,
	check func(State) error, op func(context.Context, string) error) error {

	l := s.lock(project)
	l.Lock()
	defer l.Unlock()

	p, err := s.container(project)
	if err != nil {
		return err
	}
	info, err := s.mgr.Inspect(ctx, p.ContainerName)
	if err != nil {
		return err
	}
	if err := check(DeriveState(info)); err != nil {
		return err
	}
	if err := op(ctx, p.ContainerName); err != nil {
		s.logger.Error().Err(err).Str("project", project).Str("action", action).Msg("lifecycle command failed")
		return err
	}
	s.logger.Info().Str("project", project).Str("action", action).Msg("lifecycle command ok")
	return nil
}

// Status recomputes a fresh view of one project. Stats and activity lookups
// are best-effort; their failures degrade fields to zero values rather than
// failing the whole status.
func (s *Supervisor) Status(ctx context.Context, project string) (Status, error) {
	p, err := s.container(project)
	if err != nil {
		return Status{}, err
	}

	info, err := s.mgr.Inspect(ctx, p.ContainerName)
	if err != nil {
		return Status{}, err
	}

	st := Status{
		Project:   project,
		Container: p.ContainerName,
		State:     DeriveState(info),
		ExitCode:  info.ExitCode,
		StartedAt: info.StartedAt,
	}

	if !info.Exists {
		return st, nil
	}

	if logs, err := s.mgr.Logs(ctx, p.ContainerName, s.logTail); err == nil {
		st.Progress = ParseProgress(logs)
	}

	if st.State == StateRunning || st.State == StatePaused {
		if stats, err := s.mgr.Stats(ctx, p.ContainerName); err == nil {
			st.CPUPercent = stats.CPUPercent
			st.MemoryMB = stats.MemoryMB
		}
		if !info.StartedAt.IsZero() {
			st.Uptime = FormatDuration(time.Since(info.StartedAt))
		}
		if last, err := s.mgr.LastLogTime(ctx, p.ContainerName); err == nil && !last.IsZero() {
			st.LastActivity = FormatDuration(time.Since(last)) + " ago"
		}
	}
	return st, nil
}

// StatusAll returns the status of every registered project in registry
// order. Projects whose status cannot be computed report state not_started
// with the error in Detail via the log.
func (s *Supervisor) StatusAll(ctx context.Context) []Status {
	var out []Status
	for _, p := range s.registry.List() {
		st, err := s.Status(ctx, p.Name)
		if err != nil {
			s.logger.Warn().Err(err).Str("project", p.Name).Msg("status lookup failed")
			st = Status{Project: p.Name, Container: p.ContainerName, State: StateNotStarted}
		}
		out = append(out, st)
	}
	return out
}

// StartAll starts every enabled project whose container does not exist yet;
// stopped and completed projects must be restarted individually. One failure
// never aborts the batch.
func (s *Supervisor) StartAll(ctx context.Context) []CommandResult {
	return s.batch(ctx, "start", func(st State) bool { return st == StateNotStarted }, s.Start)
}

// PauseAll pauses every enabled running project.
func (s *Supervisor) PauseAll(ctx context.Context) []CommandResult {
	return s.batch(ctx, "pause", func(st State) bool { return st == StateRunning }, s.Pause)
}

// StopAll stops every enabled running or paused project.
func (s *Supervisor) StopAll(ctx context.Context) []CommandResult {
	return s.batch(ctx, "stop", func(st State) bool { return st == StateRunning || st == StatePaused }, s.Stop)
}

func (s *Supervisor) batch(ctx context.Context, action string,
	eligible func(State) bool, op func(context.Context, string) error) []CommandResult {

	var out []CommandResult
	for _, p := range s.registry.Enabled() {
		info, err := s.mgr.Inspect(ctx, p.ContainerName)
		if err != nil {
			out = append(out, CommandResult{Project: p.Name, OK: false, Detail: err.Error()})
			continue
		}
		st := DeriveState(info)
		if !eligible(st) {
			out = append(out, CommandResult{Project: p.Name, OK: true, Detail: "skipped, " + string(st)})
			continue
		}
		if err := op(ctx, p.Name); err != nil {
			out = append(out, CommandResult{Project: p.Name, OK: false, Detail: err.Error()})
			continue
		}
		out = append(out, CommandResult{Project: p.Name, OK: true, Detail: action + " ok"})
	}
	return out
}

// ParseProgress extracts the last iteration counter from a log tail. No
// match yields zero progress.
func ParseProgress(logs string) Progress {
	matches := progressRe.FindAllStringSubmatch(logs, -1)
	if len(matches) == 0 {
		return Progress{}
	}
	last := matches[len(matches)-1]
	cur, _ := strconv.Atoi(last[1])
	total, _ := strconv.Atoi(last[2])
	p := Progress{Current: cur, Total: total}
	if total > 0 {
		p.Percent = float64(cur) / float64(total) * 100
	}
	return p
}

// FormatDuration renders a duration as a compact "2h15m" / "3d4h" string.
func FormatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	d = d.Round(time.Minute)
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	mins := int(d.Minutes()) % 60

	var b strings.Builder
	switch {
	case days > 0:
		fmt.Fprintf(&b, "%dd%dh", days, hours)
	case hours > 0:
		fmt.Fprintf(&b, "%dh%dm", hours, mins)
	default:
		fmt.Fprintf(&b, "%dm", mins)
	}
	return b.String()
}
