package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/rs/zerolog"
)

// Project is one supervised worker container plus its inbox directories.
// Image and RunArgs describe how to create the container when it does not
// exist yet; without an Image, start requires a pre-created container.
type Project struct {
	Name          string   `json:"name"`
	Path          string   `json:"path"`
	ContainerName string   `json:"container_name"`
	Image         string   `json:"image,omitempty"`
	RunArgs       []string `json:"run_args,omitempty"`
	Enabled       bool     `json:"enabled"`
}

// OutboundDir returns the worker → human inbox directory.
func (p Project) OutboundDir() string {
	return filepath.Join(p.Path, "inbox", "to_human")
}

// InboundDir returns the human → worker inbox directory.
func (p Project) InboundDir() string {
	return filepath.Join(p.Path, "inbox", "from_human")
}

type registryFile struct {
	Projects map[string]Project `json:"projects"`
}

// Registry is the persisted set of supervised projects. Mutations rewrite
// the whole file; a single lock scopes save/load.
type Registry struct {
	mu       sync.RWMutex
	path     string
	projects map[string]Project
	logger   zerolog.Logger
}

// LoadRegistry reads the registry file at path. A missing or unreadable file
// yields an empty registry — supervision must always be able to start.
func LoadRegistry(path string, logger zerolog.Logger) *Registry {
	r := &Registry{
		path:     path,
		projects: make(map[string]Project),
		logger:   logger.With().Str("component", "config.registry").Logger(),
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			r.logger.Warn().Err(err).Str("path", path).Msg("cannot read project registry, starting empty")
		}
		return r
	}

	var f registryFile
	if err := json.Unmarshal(data, &f); err != nil {
		r.logger.Warn().Err(err).Str("path", path).Msg("corrupt project registry, starting empty")
		return r
	}
	for name, p := range f.Projects {
		p.Name = name
		r.projects[name] = p
	}
	return r
}

// Add registers a project. Fails if the name is already taken.
func (r *Registry) Add(p Project) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.projects[p.Name]; exists {
		return fmt.Errorf("project %q already exists", p.Name)
	}
	p.Enabled = true
	r.projects[p.Name] = p
	return r.save()
}

// Remove deletes a project by name.
func (r *Registry) Remove(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.projects[name]; !exists {
		return fmt.Errorf("project %q not found", name)
	}
	delete(r.projects, name)
	return r.save()
}

// SetEnabled flips a project's enabled flag.
func (r *Registry) SetEnabled(name string, enabled bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, exists := r.projects[name]
	if !exists {
		return fmt.Errorf("project %q not found", name)
	}
	p.Enabled = enabled
	r.projects[name] = p
	return r.save()
}

// Get returns a project by name.
func (r *Registry) Get(name string) (Project, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.projects[name]
	return p, ok
}

// List returns all projects sorted by name.
func (r *Registry) List() []Project {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Project, 0, len(r.projects))
	for _, p := range r.projects {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Enabled returns all enabled projects sorted by name.
func (r *Registry) Enabled() []Project {
	all := r.List()
	out := all[:0]
	for _, p := range all {
		if p.Enabled {
			out = append(out, p)
		}
	}
	return out
}

// ProjectForPath resolves a filesystem path to the enabled project whose
// root is a prefix of it. Used to attribute watcher events.
func (r *Registry) ProjectForPath(path string) (Project, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	abs, err := filepath.Abs(path)
	if err != nil {
		return Project{}, false
	}
	for _, p := range r.projects {
		if !p.Enabled {
			continue
		}
		root, err := filepath.Abs(p.Path)
		if err != nil {
			continue
		}
		if rel, err := filepath.Rel(root, abs); err == nil && rel != ".." && !filepath.IsAbs(rel) && !hasDotDotPrefix(rel) {
			return p, true
		}
	}
	return Project{}, false
}

func hasDotDotPrefix(rel string) bool {
	return rel == ".." || len(rel) > 2 && rel[:3] == ".."+string(filepath.Separator)
}

// save rewrites the registry file. Caller must hold the lock.
func (r *Registry) save() error {
	if err := os.MkdirAll(filepath.Dir(r.path), 0o755); err != nil {
		return fmt.Errorf("creating registry dir: %w", err)
	}
	data, err := json.MarshalIndent(registryFile{Projects: r.projects}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling registry: %w", err)
	}
	if err := os.WriteFile(r.path, data, 0o644); err != nil {
		return fmt.Errorf("writing registry: %w", err)
	}
	return nil
}
