// Package api serves generations over a small REST surface: a bare prompt
// endpoint, an OpenAI-shaped chat completions endpoint and a store of recent
// generations.
package api

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v5"

	"github.com/samcharles93/stepwise/internal/inference"
	"github.com/samcharles93/stepwise/internal/logger"
	"github.com/samcharles93/stepwise/internal/version"
)

const defaultModelName = "stepwise"

type Server struct {
	engine  inference.Engine
	store   *GenerationStore
	log     logger.Logger
	model   string
	clock   func() time.Time
	started time.Time
}

type Options struct {
	// Model is reported in chat completion responses.
	Model string
	Store *GenerationStore
	Log   logger.Logger
}

func NewServer(engine inference.Engine, opts Options) *Server {
	s := &Server{
		engine: engine,
		store:  opts.Store,
		log:    opts.Log,
		model:  opts.Model,
		clock:  time.Now,
	}
	if s.store == nil {
		s.store = NewGenerationStore(DefaultStoreCapacity)
	}
	if s.log == nil {
		s.log = logger.Default()
	}
	if s.model == "" {
		s.model = defaultModelName
	}
	s.started = s.clock()
	return s
}

func (s *Server) Register(e *echo.Echo) {
	e.GET("/v1/health", s.handleHealth)
	e.POST("/v1/prompt", s.handlePrompt)
	e.GET("/v1/generations/:id", s.handleGetGeneration)
	e.DELETE("/v1/generations/:id", s.handleDeleteGeneration)
	e.POST("/v1/generations/:id/cancel", s.handleCancelGeneration)
	s.RegisterChatCompletions(e)
}

func (s *Server) handleHealth(c *echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{
		Status:  "ok",
		Version: version.String(),
		Uptime:  s.clock().Sub(s.started).Round(time.Second).String(),
	})
}

func (s *Server) handleGetGeneration(c *echo.Context) error {
	rec, ok := s.store.Get(c.Param("id"))
	if !ok {
		return writeNotFound(c, "generation not found")
	}
	return c.JSON(http.StatusOK, rec)
}

func (s *Server) handleDeleteGeneration(c *echo.Context) error {
	id := c.Param("id")
	if !s.store.Delete(id) {
		return writeNotFound(c, "generation not found")
	}
	return c.JSON(http.StatusOK, map[string]any{
		"id":      id,
		"object":  "generation.deleted",
		"deleted": true,
	})
}

func (s *Server) handleCancelGeneration(c *echo.Context) error {
	rec, ok := s.store.Cancel(c.Param("id"))
	if !ok {
		return writeNotFound(c, "generation not found")
	}
	return c.JSON(http.StatusOK, rec)
}
