package api

import (
	"context"
	"net/http"
	"strings"

	"github.com/labstack/echo/v5"

	"github.com/samcharles93/stepwise/internal/inference"
	"github.com/samcharles93/stepwise/internal/logger"
)

// generationRun tracks one generation in the store while it executes.
type generationRun struct {
	id     string
	ctx    context.Context
	cancel context.CancelFunc
}

func (s *Server) startRun(c *echo.Context) *generationRun {
	id := newGenerationID()
	ctx, cancel := context.WithCancel(c.Request().Context())
	ctx = logger.WithContext(ctx, s.log.With("generation_id", id))
	s.store.Begin(id, s.clock(), cancel)
	return &generationRun{id: id, ctx: ctx, cancel: cancel}
}

func (s *Server) finishRun(r *generationRun, res *inference.Result, err error) {
	defer r.cancel()
	var stats GenerateStats
	var text string
	if res != nil {
		stats = statsFrom(res.Stats)
		text = res.Text
	}
	if err != nil {
		_, errType := classify(err)
		s.store.Fail(r.id, text, stats, ResponseError{Message: err.Error(), Type: errType}, s.clock())
		return
	}
	s.store.Complete(r.id, text, stats, finishReason(res.Stats), s.clock())
}

func (s *Server) handlePrompt(c *echo.Context) error {
	req, err := decodeJSON[PromptRequest](c.Request().Body)
	if err != nil {
		return writeBadRequest(c, err.Error())
	}
	if strings.TrimSpace(req.Prompt) == "" {
		return writeBadRequest(c, "prompt is required")
	}
	inferReq := &inference.Request{Prompt: req.Prompt, System: req.System, Raw: req.Raw}

	if req.Stream != nil && *req.Stream {
		return s.handlePromptStream(c, inferReq)
	}

	run := s.startRun(c)
	res, err := s.engine.Generate(run.ctx, inferReq, nil)
	s.finishRun(run, res, err)
	if err != nil {
		return writeGenerationError(c, run.id, err, resultText(res))
	}

	return c.JSON(http.StatusOK, PromptResponse{
		ID:           run.id,
		Object:       "prompt.completion",
		Created:      s.clock().Unix(),
		Text:         res.Text,
		FinishReason: finishReason(res.Stats),
		Stats:        statsFrom(res.Stats),
	})
}

func (s *Server) handlePromptStream(c *echo.Context, inferReq *inference.Request) error {
	sse, ok := newSSEWriter(c)
	if !ok {
		return writeBadRequest(c, "streaming unsupported")
	}

	run := s.startRun(c)
	res, err := s.engine.Generate(run.ctx, inferReq, func(chunk string) {
		_ = sse.send(PromptChunk{ID: run.id, Object: "prompt.chunk", Delta: chunk})
	})
	s.finishRun(run, res, err)

	final := PromptChunk{ID: run.id, Object: "prompt.chunk"}
	if res != nil {
		stats := statsFrom(res.Stats)
		final.Stats = &stats
	}
	if err != nil {
		_, errType := classify(err)
		final.Error = &ResponseError{Message: err.Error(), Type: errType}
	} else {
		final.FinishReason = finishReason(res.Stats)
	}
	_ = sse.send(final)
	sse.done()
	return nil
}

func resultText(res *inference.Result) string {
	if res == nil {
		return ""
	}
	return res.Text
}
