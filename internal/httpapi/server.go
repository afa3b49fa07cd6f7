// Package httpapi exposes the operator control surface over HTTP.
package httpapi

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/projectwarden/warden/internal/ask"
	"github.com/projectwarden/warden/internal/config"
	"github.com/projectwarden/warden/internal/metrics"
	"github.com/projectwarden/warden/internal/supervisor"
)

// Lifecycle is the supervisor surface the API drives.
type Lifecycle interface {
	Start(ctx context.Context, project string) error
	Pause(ctx context.Context, project string) error
	Resume(ctx context.Context, project string) error
	Stop(ctx context.Context, project string) error
	Status(ctx context.Context, project string) (supervisor.Status, error)
	StatusAll(ctx context.Context) []supervisor.Status
}

// Asker runs one-off questions.
type Asker interface {
	Run(ctx context.Context, project, question string) (ask.Result, error)
}

// Watchers controls the per-project inbox watchers, so registry changes
// take effect in the running daemon without a restart.
type Watchers interface {
	Start(project string) error
	Stop(project string)
}

// Server is the operator HTTP API.
type Server struct {
	app      *fiber.App
	registry *config.Registry
	sup      Lifecycle
	asker    Asker
	watchers Watchers
	met      *metrics.Metrics
	logger   zerolog.Logger
}

// New creates the API server and registers its routes.
func New(registry *config.Registry, sup Lifecycle, asker Asker, watchers Watchers, met *metrics.Metrics, logger zerolog.Logger) *Server {
	s := &Server{
		app: fiber.New(fiber.Config{
			DisableStartupMessage: true,
			ReadTimeout:           30 * time.Second,
			WriteTimeout:          10 * time.Minute, // ask runs are slow
		}),
		registry: registry,
		sup:      sup,
		asker:    asker,
		watchers: watchers,
		met:      met,
		logger:   logger.With().Str("component", "httpapi").Logger(),
	}

	api := s.app.Group("/api/v1")
	api.Get("/projects", s.listProjects)
	api.Post("/projects", s.addProject)
	api.Delete("/projects/:name", s.removeProject)
	api.Post("/projects/:name/enable", s.enableProject)
	api.Post("/projects/:name/disable", s.disableProject)
	api.Get("/projects/:name/status", s.projectStatus)
	api.Post("/projects/:name/start", s.lifecycle("start", s.sup.Start))
	api.Post("/projects/:name/pause", s.lifecycle("pause", s.sup.Pause))
	api.Post("/projects/:name/resume", s.lifecycle("resume", s.sup.Resume))
	api.Post("/projects/:name/stop", s.lifecycle("stop", s.sup.Stop))
	api.Post("/projects/:name/ask", s.askProject)

	return s
}

// Start listens on addr until Shutdown is called.
func (s *Server) Start(addr string) error {
	s.logger.Info().Str("addr", addr).Msg("api server listening")
	return s.app.Listen(addr)
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.app.ShutdownWithContext(ctx)
}

func (s *Server) listProjects(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"projects": s.sup.StatusAll(c.UserContext())})
}

func (s *Server) addProject(c *fiber.Ctx) error {
	var req struct {
		Name          string   `json:"name"`
		Path          string   `json:"path"`
		ContainerName string   `json:"container_name"`
		Image         string   `json:"image"`
		RunArgs       []string `json:"run_args"`
	}
	if err := c.BodyParser(&req); err != nil || req.Name == "" || req.Path == "" {
		return fiber.NewError(fiber.StatusBadRequest, "name and path are required")
	}
	if req.ContainerName == "" {
		req.ContainerName = req.Name
	}

	p := config.Project{
		Name:          req.Name,
		Path:          req.Path,
		ContainerName: req.ContainerName,
		Image:         req.Image,
		RunArgs:       req.RunArgs,
	}
	if err := s.registry.Add(p); err != nil {
		return fiber.NewError(fiber.StatusConflict, err.Error())
	}
	if err := s.watchers.Start(p.Name); err != nil {
		s.logger.Error().Err(err).Str("project", p.Name).Msg("watcher failed to start for new project")
		return fiber.NewError(fiber.StatusInternalServerError, err.Error())
	}
	s.logger.Info().Str("project", p.Name).Msg("project added via api")
	return c.Status(fiber.StatusCreated).JSON(p)
}

func (s *Server) removeProject(c *fiber.Ctx) error {
	name := c.Params("name")
	if _, ok := s.registry.Get(name); !ok {
		return fiber.NewError(fiber.StatusNotFound, "project not found")
	}
	s.watchers.Stop(name)
	if err := s.registry.Remove(name); err != nil {
		return fiber.NewError(fiber.StatusInternalServerError, err.Error())
	}
	s.logger.Info().Str("project", name).Msg("project removed via api")
	return c.JSON(fiber.Map{"project": name, "removed": true})
}

func (s *Server) enableProject(c *fiber.Ctx) error {
	name := c.Params("name")
	if err := s.registry.SetEnabled(name, true); err != nil {
		return fiber.NewError(fiber.StatusNotFound, err.Error())
	}
	if err := s.watchers.Start(name); err != nil {
		return fiber.NewError(fiber.StatusInternalServerError, err.Error())
	}
	s.logger.Info().Str("project", name).Msg("project enabled via api")
	return c.JSON(fiber.Map{"project": name, "enabled": true})
}

func (s *Server) disableProject(c *fiber.Ctx) error {
	name := c.Params("name")
	if _, ok := s.registry.Get(name); !ok {
		return fiber.NewError(fiber.StatusNotFound, "project not found")
	}
	s.watchers.Stop(name)
	if err := s.registry.SetEnabled(name, false); err != nil {
		return fiber.NewError(fiber.StatusInternalServerError, err.Error())
	}
	s.logger.Info().Str("project", name).Msg("project disabled via api")
	return c.JSON(fiber.Map{"project": name, "enabled": false})
}

func (s *Server) projectStatus(c *fiber.Ctx) error {
	name := c.Params("name")
	st, err := s.sup.Status(c.UserContext(), name)
	if err != nil {
		return fiber.NewError(fiber.StatusNotFound, err.Error())
	}
	return c.JSON(st)
}

// lifecycle adapts one mutating supervisor command to a handler. Illegal
// transitions and manager failures come back as 409 with the message
// verbatim.
func (s *Server) lifecycle(action string, op func(context.Context, string) error) fiber.Handler {
	return func(c *fiber.Ctx) error {
		name := c.Params("name")
		if _, ok := s.registry.Get(name); !ok {
			return fiber.NewError(fiber.StatusNotFound, "project not found")
		}
		if err := op(c.UserContext(), name); err != nil {
			s.met.CommandsTotal.WithLabelValues(action, "failed").Inc()
			return fiber.NewError(fiber.StatusConflict, err.Error())
		}
		s.met.CommandsTotal.WithLabelValues(action, "ok").Inc()
		s.logger.Info().Str("project", name).Str("action", action).Msg("lifecycle via api")
		return c.JSON(fiber.Map{"project": name, "action": action, "ok": true})
	}
}

func (s *Server) askProject(c *fiber.Ctx) error {
	name := c.Params("name")
	if _, ok := s.registry.Get(name); !ok {
		return fiber.NewError(fiber.StatusNotFound, "project not found")
	}

	var req struct {
		Question string `json:"question"`
	}
	if err := c.BodyParser(&req); err != nil || req.Question == "" {
		return fiber.NewError(fiber.StatusBadRequest, "question is required")
	}

	res, err := s.asker.Run(c.UserContext(), name, req.Question)
	if err != nil {
		return fiber.NewError(fiber.StatusInternalServerError, err.Error())
	}
	return c.JSON(fiber.Map{
		"project": name,
		"reason":  res.Reason,
		"answer":  res.Answer,
	})
}
