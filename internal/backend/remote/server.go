package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/labstack/echo/v5"

	"github.com/samcharles93/stepwise/internal/backend"
	"github.com/samcharles93/stepwise/internal/backend/wire"
	"github.com/samcharles93/stepwise/internal/logger"
	"github.com/samcharles93/stepwise/internal/session"
)

const maxRequestBytes = 1 << 30

// Server answers the routes Client calls by delegating to a Backend.
type Server struct {
	backend backend.Backend
	log     logger.Logger
}

func NewServer(b backend.Backend, log logger.Logger) *Server {
	if log == nil {
		log = logger.Default()
	}
	return &Server{backend: b, log: log}
}

func (s *Server) Register(e *echo.Echo) {
	e.POST(wire.Path(string(backend.OpStartPrompt)), s.handleStartPrompt)
	e.POST(wire.Path(string(backend.OpBeginStart)), s.handleBeginStart)
	e.POST(wire.Path(string(backend.OpForward)), s.handleForward)
	e.POST(wire.Path(string(backend.OpEndStart)), s.handleEndStart)
	e.POST(wire.Path(string(backend.OpBeginStep)), s.handleBeginStep)
	e.POST(wire.Path(string(backend.OpEndStep)), s.handleEndStep)
}

func (s *Server) handleStartPrompt(c *echo.Context) error {
	return serve(s, c, backend.OpStartPrompt, func(ctx context.Context, req wire.StartPromptRequest) (any, error) {
		sess, err := s.backend.StartPrompt(ctx, req.Prompt)
		return wire.StartPromptResponse{Session: sess}, err
	})
}

func (s *Server) handleBeginStart(c *echo.Context) error {
	return serve(s, c, backend.OpBeginStart, func(ctx context.Context, req wire.BeginStartRequest) (any, error) {
		if err := req.Session.Validate(); err != nil {
			return nil, invalid(err)
		}
		return s.backend.BeginStart(ctx, req.Session, req.Iterative)
	})
}

func (s *Server) handleForward(c *echo.Context) error {
	return serve(s, c, backend.OpForward, func(ctx context.Context, req wire.ForwardRequest) (any, error) {
		if req.Chunk == 0 {
			return nil, invalid(errors.New("chunk must be positive"))
		}
		if err := validateCall(req.Run, req.Session); err != nil {
			return nil, err
		}
		return s.backend.Forward(ctx, req.Chunk, req.Run, req.Session)
	})
}

func (s *Server) handleEndStart(c *echo.Context) error {
	return serve(s, c, backend.OpEndStart, func(ctx context.Context, req wire.EndStartRequest) (any, error) {
		if err := validateCall(req.Run, req.Session); err != nil {
			return nil, err
		}
		return s.backend.EndStart(ctx, req.Run, req.Session)
	})
}

func (s *Server) handleBeginStep(c *echo.Context) error {
	return serve(s, c, backend.OpBeginStep, func(ctx context.Context, req wire.BeginStepRequest) (any, error) {
		if err := req.Session.Validate(); err != nil {
			return nil, invalid(err)
		}
		run, err := s.backend.BeginStep(ctx, req.Session)
		return wire.BeginStepResponse{Run: run}, err
	})
}

func (s *Server) handleEndStep(c *echo.Context) error {
	return serve(s, c, backend.OpEndStep, func(ctx context.Context, req wire.EndStepRequest) (any, error) {
		if err := validateCall(req.Run, req.Session); err != nil {
			return nil, err
		}
		return s.backend.EndStep(ctx, req.Run, req.Session)
	})
}

// serve decodes a call body of type T with the codec named by Content-Type,
// runs fn and encodes its reply with the same codec.
func serve[T any](s *Server, c *echo.Context, op backend.Op, fn func(context.Context, T) (any, error)) error {
	r := c.Request()
	codec := wire.JSON
	if ct := r.Header.Get("Content-Type"); ct != "" {
		var ok bool
		codec, ok = wire.ForContentType(ct)
		if !ok {
			return writeError(c, http.StatusUnsupportedMediaType, wire.ErrorTypeInvalidRequest, op, fmt.Sprintf("unsupported content type %q", ct))
		}
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBytes))
	if err != nil {
		return writeError(c, http.StatusBadRequest, wire.ErrorTypeInvalidRequest, op, fmt.Sprintf("read body: %v", err))
	}
	var req T
	if err := codec.Unmarshal(body, &req); err != nil {
		return writeError(c, http.StatusBadRequest, wire.ErrorTypeInvalidRequest, op, fmt.Sprintf("invalid %s body: %v", codec.Name, err))
	}

	log := s.log.With("op", string(op), "call_id", r.Header.Get(wire.RequestIDHeader))
	ctx := logger.WithContext(r.Context(), log)

	resp, err := fn(ctx, req)
	if err != nil {
		if errors.Is(err, backend.ErrInvalidCall) {
			log.Warn("rejected call", "error", err)
			return writeError(c, http.StatusBadRequest, wire.ErrorTypeInvalidRequest, op, err.Error())
		}
		log.Error("backend call failed", "error", err)
		return writeError(c, http.StatusInternalServerError, wire.ErrorTypeBackend, op, err.Error())
	}

	data, err := codec.Marshal(resp)
	if err != nil {
		return writeError(c, http.StatusInternalServerError, wire.ErrorTypeBackend, op, fmt.Sprintf("encode response: %v", err))
	}
	w := c.Response()
	w.Header().Set("Content-Type", codec.ContentType)
	w.WriteHeader(http.StatusOK)
	_, err = w.Write(data)
	return err
}

func writeError(c *echo.Context, status int, errType string, op backend.Op, msg string) error {
	return c.JSON(status, wire.ErrorResponse{Error: wire.ErrorBody{
		Message: msg,
		Type:    errType,
		Op:      string(op),
	}})
}

func validateCall(run session.ModelRun, s session.Session) error {
	if err := run.Validate(); err != nil {
		return invalid(err)
	}
	if err := s.Validate(); err != nil {
		return invalid(err)
	}
	return nil
}

func invalid(err error) error {
	return fmt.Errorf("%w: %v", backend.ErrInvalidCall, err)
}
