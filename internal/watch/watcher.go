// Package watch runs one filesystem watcher per enabled project and feeds
// file-appeared events into the dispatcher over a single channel — the only
// crossing from watcher goroutines into the dispatch loop.
package watch

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/projectwarden/warden/internal/config"
)

// Event is one observed inbox file for a project.
type Event struct {
	Project string
	Path    string
	SeenAt  time.Time
}

// joinTimeout bounds how long StopAll waits for each watcher goroutine.
const joinTimeout = 2 * time.Second

// Manager owns the per-project watcher goroutines.
type Manager struct {
	mu       sync.Mutex
	registry *config.Registry
	ext      string
	out      chan<- Event
	logger   zerolog.Logger
	watchers map[string]*projectWatcher
}

type projectWatcher struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// NewManager creates a watch manager emitting into out. ext is the inbox
// file extension (e.g. ".md").
func NewManager(registry *config.Registry, ext string, out chan<- Event, logger zerolog.Logger) *Manager {
	return &Manager{
		registry: registry,
		ext:      ext,
		out:      out,
		logger:   logger.With().Str("component", "watch").Logger(),
		watchers: make(map[string]*projectWatcher),
	}
}

// StartAll starts a watcher for every enabled project.
func (m *Manager) StartAll(ctx context.Context) {
	for _, p := range m.registry.Enabled() {
		if err := m.Start(ctx, p.Name); err != nil {
			m.logger.Warn().Err(err).Str("project", p.Name).Msg("watcher not started")
		}
	}
}

// Start begins watching a project's outbound inbox directory. The directory
// is created if missing.
func (m *Manager) Start(ctx context.Context, project string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, running := m.watchers[project]; running {
		return nil
	}

	p, ok := m.registry.Get(project)
	if !ok {
		return fmt.Errorf("project %q not found", project)
	}
	dir := p.OutboundDir()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating inbox dir %s: %w", dir, err)
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	if err := fw.Add(dir); err != nil {
		fw.Close()
		return fmt.Errorf("watching %s: %w", dir, err)
	}

	wctx, cancel := context.WithCancel(ctx)
	pw := &projectWatcher{cancel: cancel, done: make(chan struct{})}
	m.watchers[project] = pw

	go m.run(wctx, fw, project, pw.done)

	m.logger.Info().Str("project", project).Str("dir", dir).Msg("watching inbox")
	return nil
}

// Stop shuts down the watcher for one project, waiting up to joinTimeout.
func (m *Manager) Stop(project string) {
	m.mu.Lock()
	pw, ok := m.watchers[project]
	if ok {
		delete(m.watchers, project)
	}
	m.mu.Unlock()
	if !ok {
		return
	}

	pw.cancel()
	select {
	case <-pw.done:
	case <-time.After(joinTimeout):
		m.logger.Warn().Str("project", project).Msg("watcher did not stop within timeout")
	}
}

// StopAll shuts down every watcher.
func (m *Manager) StopAll() {
	m.mu.Lock()
	names := make([]string, 0, len(m.watchers))
	for name := range m.watchers {
		names = append(names, name)
	}
	m.mu.Unlock()

	for _, name := range names {
		m.Stop(name)
	}
}

// Watching reports whether a project currently has a live watcher.
func (m *Manager) Watching(project string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.watchers[project]
	return ok
}

// run blocks on OS change notifications for one project directory until the
// context is cancelled.
func (m *Manager) run(ctx context.Context, fw *fsnotify.Watcher, project string, done chan<- struct{}) {
	defer close(done)
	defer fw.Close()

	for {
		select {
		case <-ctx.Done():
			return

		case ev, ok := <-fw.Events:
			if !ok {
				return
			}
			if !ev.Op.Has(fsnotify.Create) && !ev.Op.Has(fsnotify.Write) {
				continue
			}
			if !Eligible(ev.Name, m.ext) {
				continue
			}
			// Attribute by path prefix against the currently enabled
			// projects; drop events for removed or disabled ones.
			owner, ok := m.registry.ProjectForPath(ev.Name)
			if !ok || owner.Name != project {
				continue
			}

			select {
			case m.out <- Event{Project: project, Path: ev.Name, SeenAt: time.Now().UTC()}:
			case <-ctx.Done():
				return
			}

		case err, ok := <-fw.Errors:
			if !ok {
				return
			}
			m.logger.Error().Err(err).Str("project", project).Msg("watcher error")
		}
	}
}

// Eligible reports whether a path looks like a deliverable inbox file:
// matching extension, not hidden, not an already-processed marker.
func Eligible(path, ext string) bool {
	base := filepath.Base(path)
	if base == "" || strings.HasPrefix(base, ".") {
		return false
	}
	if strings.HasSuffix(base, ".processed") {
		return false
	}
	return strings.HasSuffix(base, ext)
}
