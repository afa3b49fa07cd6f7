package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/projectwarden/warden/internal/ask"
	"github.com/projectwarden/warden/internal/config"
	"github.com/projectwarden/warden/internal/metrics"
	"github.com/projectwarden/warden/internal/supervisor"
)

type fakeLifecycle struct {
	states map[string]supervisor.State
	err    error
	calls  []string
}

func (f *fakeLifecycle) op(name, action string) error {
	f.calls = append(f.calls, action+" "+name)
	return f.err
}

func (f *fakeLifecycle) Start(_ context.Context, name string) error  { return f.op(name, "start") }
func (f *fakeLifecycle) Pause(_ context.Context, name string) error  { return f.op(name, "pause") }
func (f *fakeLifecycle) Resume(_ context.Context, name string) error { return f.op(name, "resume") }
func (f *fakeLifecycle) Stop(_ context.Context, name string) error   { return f.op(name, "stop") }

func (f *fakeLifecycle) Status(_ context.Context, name string) (supervisor.Status, error) {
	st, ok := f.states[name]
	if !ok {
		return supervisor.Status{}, fmt.Errorf("project %q not found", name)
	}
	return supervisor.Status{Project: name, State: st}, nil
}

func (f *fakeLifecycle) StatusAll(_ context.Context) []supervisor.Status {
	var out []supervisor.Status
	for name, st := range f.states {
		out = append(out, supervisor.Status{Project: name, State: st})
	}
	return out
}

type fakeAsker struct {
	res ask.Result
	err error
}

func (f *fakeAsker) Run(_ context.Context, _, _ string) (ask.Result, error) {
	return f.res, f.err
}

// fakeWatchers records watcher lifecycle calls.
type fakeWatchers struct {
	started []string
	stopped []string
	err     error
}

func (f *fakeWatchers) Start(project string) error {
	f.started = append(f.started, project)
	return f.err
}

func (f *fakeWatchers) Stop(project string) {
	f.stopped = append(f.stopped, project)
}

func testServer(t *testing.T, life *fakeLifecycle, asker *fakeAsker) (*Server, *fakeWatchers) {
	t.Helper()
	registry := config.LoadRegistry(filepath.Join(t.TempDir(), "projects.json"), zerolog.Nop())
	require.NoError(t, registry.Add(config.Project{Name: "alpha", Path: "/srv/alpha", ContainerName: "alpha-worker"}))
	watchers := &fakeWatchers{}
	return New(registry, life, asker, watchers, metrics.New(), zerolog.Nop()), watchers
}

func TestListProjects(t *testing.T) {
	life := &fakeLifecycle{states: map[string]supervisor.State{"alpha": supervisor.StateRunning}}
	s, _ := testServer(t, life, &fakeAsker{})

	resp, err := s.app.Test(httptest.NewRequest(http.MethodGet, "/api/v1/projects", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Projects []supervisor.Status `json:"projects"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Len(t, body.Projects, 1)
	assert.Equal(t, supervisor.StateRunning, body.Projects[0].State)
}

func TestProjectStatus(t *testing.T) {
	life := &fakeLifecycle{states: map[string]supervisor.State{"alpha": supervisor.StatePaused}}
	s, _ := testServer(t, life, &fakeAsker{})

	resp, err := s.app.Test(httptest.NewRequest(http.MethodGet, "/api/v1/projects/alpha/status", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var st supervisor.Status
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&st))
	assert.Equal(t, supervisor.StatePaused, st.State)

	resp, err = s.app.Test(httptest.NewRequest(http.MethodGet, "/api/v1/projects/ghost/status", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestLifecycleEndpoints(t *testing.T) {
	life := &fakeLifecycle{states: map[string]supervisor.State{"alpha": supervisor.StateRunning}}
	s, _ := testServer(t, life, &fakeAsker{})

	for _, action := range []string{"start", "pause", "resume", "stop"} {
		resp, err := s.app.Test(httptest.NewRequest(http.MethodPost, "/api/v1/projects/alpha/"+action, nil))
		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, resp.StatusCode, action)
	}
	assert.Equal(t, []string{"start alpha", "pause alpha", "resume alpha", "stop alpha"}, life.calls)

	// Unknown project is rejected before the supervisor is consulted.
	resp, err := s.app.Test(httptest.NewRequest(http.MethodPost, "/api/v1/projects/ghost/start", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Len(t, life.calls, 4)
}

func TestLifecycleConflict(t *testing.T) {
	life := &fakeLifecycle{err: fmt.Errorf("alpha is already running")}
	s, _ := testServer(t, life, &fakeAsker{})

	resp, err := s.app.Test(httptest.NewRequest(http.MethodPost, "/api/v1/projects/alpha/start", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestAskEndpoint(t *testing.T) {
	asker := &fakeAsker{res: ask.Result{Answer: "the answer", Reason: ask.ReasonCompleted}}
	s, _ := testServer(t, &fakeLifecycle{}, asker)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/projects/alpha/ask",
		strings.NewReader(`{"question":"how far along?"}`))
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.app.Test(req, 5000)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Reason string `json:"reason"`
		Answer string `json:"answer"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "completed", body.Reason)
	assert.Equal(t, "the answer", body.Answer)
}

func TestAddProjectStartsWatcher(t *testing.T) {
	s, watchers := testServer(t, &fakeLifecycle{}, &fakeAsker{})

	req := httptest.NewRequest(http.MethodPost, "/api/v1/projects",
		strings.NewReader(`{"name":"beta","path":"/srv/beta","image":"beta-image"}`))
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)

	p, ok := s.registry.Get("beta")
	require.True(t, ok)
	assert.True(t, p.Enabled)
	assert.Equal(t, "beta", p.ContainerName, "container name defaults to the project name")
	assert.Equal(t, "beta-image", p.Image)
	assert.Equal(t, []string{"beta"}, watchers.started)
}

func TestAddProjectValidation(t *testing.T) {
	s, watchers := testServer(t, &fakeLifecycle{}, &fakeAsker{})

	// Missing path.
	req := httptest.NewRequest(http.MethodPost, "/api/v1/projects", strings.NewReader(`{"name":"beta"}`))
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// Duplicate name.
	req = httptest.NewRequest(http.MethodPost, "/api/v1/projects",
		strings.NewReader(`{"name":"alpha","path":"/srv/alpha"}`))
	req.Header.Set("Content-Type", "application/json")
	resp, err = s.app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	assert.Empty(t, watchers.started, "rejected projects must not be watched")
}

func TestRemoveProjectStopsWatcher(t *testing.T) {
	s, watchers := testServer(t, &fakeLifecycle{}, &fakeAsker{})

	resp, err := s.app.Test(httptest.NewRequest(http.MethodDelete, "/api/v1/projects/alpha", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	_, ok := s.registry.Get("alpha")
	assert.False(t, ok)
	assert.Equal(t, []string{"alpha"}, watchers.stopped)

	resp, err = s.app.Test(httptest.NewRequest(http.MethodDelete, "/api/v1/projects/ghost", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Len(t, watchers.stopped, 1)
}

func TestEnableDisableTogglesWatcher(t *testing.T) {
	s, watchers := testServer(t, &fakeLifecycle{}, &fakeAsker{})

	resp, err := s.app.Test(httptest.NewRequest(http.MethodPost, "/api/v1/projects/alpha/disable", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	p, _ := s.registry.Get("alpha")
	assert.False(t, p.Enabled)
	assert.Equal(t, []string{"alpha"}, watchers.stopped)

	resp, err = s.app.Test(httptest.NewRequest(http.MethodPost, "/api/v1/projects/alpha/enable", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	p, _ = s.registry.Get("alpha")
	assert.True(t, p.Enabled)
	assert.Equal(t, []string{"alpha"}, watchers.started)

	resp, err = s.app.Test(httptest.NewRequest(http.MethodPost, "/api/v1/projects/ghost/enable", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAskRequiresQuestion(t *testing.T) {
	s, _ := testServer(t, &fakeLifecycle{}, &fakeAsker{})

	req := httptest.NewRequest(http.MethodPost, "/api/v1/projects/alpha/ask", strings.NewReader(`{}`))
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
