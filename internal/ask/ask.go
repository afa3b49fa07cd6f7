// Package ask runs one-off questions against a project by launching a
// disposable single-iteration worker container and harvesting its answer
// from the logs.
package ask

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/projectwarden/warden/internal/config"
	"github.com/projectwarden/warden/internal/docker"
)

// Reason explains how a run ended.
type Reason string

const (
	ReasonCompleted Reason = "completed"
	ReasonTimeout   Reason = "timeout"
	ReasonError     Reason = "error"
)

// Result is the outcome of one ephemeral run.
type Result struct {
	Answer string
	Reason Reason
}

// fallbackLines is how many trailing log lines stand in for an answer when
// the worker printed no response markers.
const fallbackLines = 20

// Manager is the process-manager surface the runner needs.
type Manager interface {
	Run(ctx context.Context, name string, args []string) error
	Inspect(ctx context.Context, name string) (docker.Info, error)
	Logs(ctx context.Context, name string, tail int) (string, error)
	Stop(ctx context.Context, name string) error
	Remove(ctx context.Context, name string, force bool) error
	ImageOf(ctx context.Context, name string) (string, error)
}

// Runner launches and tears down ephemeral question containers.
type Runner struct {
	registry *config.Registry
	mgr      Manager
	maxWait  time.Duration
	poll     time.Duration
	logTail  int
	logger   zerolog.Logger
}

// NewRunner creates a Runner with the given wait and poll settings.
func NewRunner(registry *config.Registry, mgr Manager, maxWait, poll time.Duration, logTail int, logger zerolog.Logger) *Runner {
	if maxWait <= 0 {
		maxWait = 5 * time.Minute
	}
	if poll <= 0 {
		poll = 5 * time.Second
	}
	if logTail <= 0 {
		logTail = 100
	}
	return &Runner{
		registry: registry,
		mgr:      mgr,
		maxWait:  maxWait,
		poll:     poll,
		logTail:  logTail,
		logger:   logger.With().Str("component", "ask").Logger(),
	}
}

// Run asks one question. The ephemeral container runs the project's worker
// image for a single iteration with the question appended to its prompt, and
// is force-removed on every exit path.
func (r *Runner) Run(ctx context.Context, project, question string) (Result, error) {
	p, ok := r.registry.Get(project)
	if !ok {
		return Result{Reason: ReasonError}, fmt.Errorf("project %q not found", project)
	}

	image, err := r.mgr.ImageOf(ctx, p.ContainerName)
	if err != nil {
		return Result{Reason: ReasonError}, fmt.Errorf("resolving worker image for %s: %w", project, err)
	}

	name := "ask-" + uuid.NewString()[:8]
	args := []string{
		"-v", p.Path + ":/workspace",
		image,
		"--iterations", "1",
		"--prompt-append", question,
	}

	log := r.logger.With().Str("project", project).Str("container", name).Logger()
	log.Info().Msg("starting ephemeral question run")

	if err := r.mgr.Run(ctx, name, args); err != nil {
		return Result{Reason: ReasonError}, err
	}
	// Teardown must survive context cancellation, so it gets its own deadline.
	defer func() {
		rmCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := r.mgr.Remove(rmCtx, name, true); err != nil {
			log.Warn().Err(err).Msg("removing ephemeral container")
		}
	}()

	reason, err := r.wait(ctx, name)
	if err != nil {
		return Result{Reason: ReasonError}, err
	}
	if reason == ReasonTimeout {
		if err := r.mgr.Stop(ctx, name); err != nil {
			log.Warn().Err(err).Msg("stopping timed-out container")
		}
		log.Warn().Dur("max_wait", r.maxWait).Msg("question run timed out")
		return Result{Reason: ReasonTimeout}, nil
	}

	logs, err := r.mgr.Logs(ctx, name, r.logTail)
	if err != nil {
		return Result{Reason: ReasonError}, err
	}
	answer := ExtractResponse(logs)
	log.Info().Int("answer_len", len(answer)).Msg("question run completed")
	return Result{Answer: answer, Reason: ReasonCompleted}, nil
}

// wait polls until the container stops or maxWait elapses.
func (r *Runner) wait(ctx context.Context, name string) (Reason, error) {
	deadline := time.Now().Add(r.maxWait)
	ticker := time.NewTicker(r.poll)
	defer ticker.Stop()

	for {
		info, err := r.mgr.Inspect(ctx, name)
		if err != nil {
			return ReasonError, err
		}
		if !info.Exists || !info.Running {
			return ReasonCompleted, nil
		}
		if time.Now().After(deadline) {
			return ReasonTimeout, nil
		}
		select {
		case <-ctx.Done():
			return ReasonError, ctx.Err()
		case <-ticker.C:
		}
	}
}

// ExtractResponse pulls the worker's answer out of a log tail. It collects
// the lines between a RESPONSE:/Answer: marker and a ---/END terminator; when
// no marker is present it falls back to the last non-empty lines that are not
// bracketed log noise.
func ExtractResponse(logs string) string {
	lines := strings.Split(logs, "\n")

	var answer []string
	capturing := false
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if !capturing {
			for _, marker := range []string{"RESPONSE:", "Answer:"} {
				if idx := strings.Index(trimmed, marker); idx >= 0 {
					capturing = true
					if rest := strings.TrimSpace(trimmed[idx+len(marker):]); rest != "" {
						answer = append(answer, rest)
					}
					break
				}
			}
			continue
		}
		if trimmed == "---" || trimmed == "END" {
			break
		}
		answer = append(answer, line)
	}
	if capturing && len(answer) > 0 {
		return strings.TrimSpace(strings.Join(answer, "\n"))
	}

	// Fallback: tail of the log minus blank and bracketed lines.
	var tail []string
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "[") {
			continue
		}
		tail = append(tail, trimmed)
	}
	if len(tail) > fallbackLines {
		tail = tail[len(tail)-fallbackLines:]
	}
	return strings.Join(tail, "\n")
}
