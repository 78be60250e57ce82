// Package remote carries backend calls over HTTP. Client implements
// backend.Backend against a server; Server exposes any backend.Backend.
package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/samcharles93/stepwise/internal/backend"
	"github.com/samcharles93/stepwise/internal/backend/wire"
	"github.com/samcharles93/stepwise/internal/logger"
	"github.com/samcharles93/stepwise/internal/session"
)

const (
	DefaultTimeout = 2 * time.Minute

	maxResponseBytes = 1 << 30
	maxErrorBytes    = 64 << 10
)

type Config struct {
	BaseURL string
	// Codec defaults to JSON.
	Codec wire.Codec
	// Timeout bounds a single call, including reading the reply.
	Timeout time.Duration
	// CallsPerSecond paces calls when positive.
	CallsPerSecond float64
	// HTTPClient replaces the default client; Timeout is then ignored.
	HTTPClient *http.Client
}

type Client struct {
	base    string
	codec   wire.Codec
	http    *http.Client
	limiter *rate.Limiter
}

var _ backend.Backend = (*Client)(nil)

func NewClient(cfg Config) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, fmt.Errorf("backend url is required")
	}
	u, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("backend url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("backend url: unsupported scheme %q", u.Scheme)
	}

	codec := cfg.Codec
	if codec.Name == "" {
		codec = wire.JSON
	}
	hc := cfg.HTTPClient
	if hc == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = DefaultTimeout
		}
		hc = &http.Client{Timeout: timeout}
	}

	c := &Client{base: base, codec: codec, http: hc}
	if cfg.CallsPerSecond > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(cfg.CallsPerSecond), 1)
	}
	return c, nil
}

func (c *Client) Close() error {
	c.http.CloseIdleConnections()
	return nil
}

func (c *Client) StartPrompt(ctx context.Context, prompt string) (session.Session, error) {
	var resp wire.StartPromptResponse
	if err := c.call(ctx, backend.OpStartPrompt, wire.StartPromptRequest{Prompt: prompt}, &resp); err != nil {
		return session.Session{}, err
	}
	if err := checkSession(backend.OpStartPrompt, resp.Session); err != nil {
		return session.Session{}, err
	}
	return resp.Session, nil
}

func (c *Client) BeginStart(ctx context.Context, s session.Session, iterative bool) (backend.BeginStartResult, error) {
	var resp backend.BeginStartResult
	if err := c.call(ctx, backend.OpBeginStart, wire.BeginStartRequest{Session: s, Iterative: iterative}, &resp); err != nil {
		return backend.BeginStartResult{}, err
	}
	if err := checkSession(backend.OpBeginStart, resp.Session); err != nil {
		return backend.BeginStartResult{}, err
	}
	if resp.Run != nil {
		if err := checkRun(backend.OpBeginStart, *resp.Run); err != nil {
			return backend.BeginStartResult{}, err
		}
	}
	return resp, nil
}

func (c *Client) Forward(ctx context.Context, chunk uint8, run session.ModelRun, s session.Session) (backend.ForwardResult, error) {
	var resp backend.ForwardResult
	if err := c.call(ctx, backend.OpForward, wire.ForwardRequest{Chunk: chunk, Run: run, Session: s}, &resp); err != nil {
		return backend.ForwardResult{}, err
	}
	if err := checkRun(backend.OpForward, resp.Run); err != nil {
		return backend.ForwardResult{}, err
	}
	if err := checkSession(backend.OpForward, resp.Session); err != nil {
		return backend.ForwardResult{}, err
	}
	return resp, nil
}

func (c *Client) EndStart(ctx context.Context, run session.ModelRun, s session.Session) (backend.EndStartResult, error) {
	var resp backend.EndStartResult
	if err := c.call(ctx, backend.OpEndStart, wire.EndStartRequest{Run: run, Session: s}, &resp); err != nil {
		return backend.EndStartResult{}, err
	}
	if err := checkSession(backend.OpEndStart, resp.Session); err != nil {
		return backend.EndStartResult{}, err
	}
	return resp, nil
}

func (c *Client) BeginStep(ctx context.Context, s session.Session) (session.ModelRun, error) {
	var resp wire.BeginStepResponse
	if err := c.call(ctx, backend.OpBeginStep, wire.BeginStepRequest{Session: s}, &resp); err != nil {
		return session.ModelRun{}, err
	}
	if err := checkRun(backend.OpBeginStep, resp.Run); err != nil {
		return session.ModelRun{}, err
	}
	return resp.Run, nil
}

func (c *Client) EndStep(ctx context.Context, run session.ModelRun, s session.Session) (backend.EndStepResult, error) {
	var resp backend.EndStepResult
	if err := c.call(ctx, backend.OpEndStep, wire.EndStepRequest{Run: run, Session: s}, &resp); err != nil {
		return backend.EndStepResult{}, err
	}
	if err := checkSession(backend.OpEndStep, resp.Session); err != nil {
		return backend.EndStepResult{}, err
	}
	return resp, nil
}

// call performs one POST. It is never retried.
func (c *Client) call(ctx context.Context, op backend.Op, req, resp any) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return backend.Wrap(op, err)
		}
	}

	body, err := c.codec.Marshal(req)
	if err != nil {
		return backend.Wrap(op, fmt.Errorf("encode request: %w", err))
	}

	requestID := uuid.NewString()
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+wire.Path(string(op)), bytes.NewReader(body))
	if err != nil {
		return backend.Wrap(op, err)
	}
	httpReq.Header.Set("Content-Type", c.codec.ContentType)
	httpReq.Header.Set("Accept", c.codec.ContentType)
	httpReq.Header.Set(wire.RequestIDHeader, requestID)

	start := time.Now()
	httpResp, err := c.http.Do(httpReq)
	if err != nil {
		return backend.Wrap(op, err)
	}
	defer httpResp.Body.Close()

	logger.FromContext(ctx).Debug("backend call",
		"op", string(op),
		"call_id", requestID,
		"status", httpResp.StatusCode,
		"sent_bytes", len(body),
		"duration", time.Since(start),
	)

	if httpResp.StatusCode < 200 || httpResp.StatusCode > 299 {
		return &backend.CallError{Op: op, Status: httpResp.StatusCode, Err: decodeError(httpResp.Body)}
	}

	data, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseBytes))
	if err != nil {
		return &backend.CallError{Op: op, Status: httpResp.StatusCode, Err: fmt.Errorf("read response: %w", err)}
	}
	codec, ok := wire.ForContentType(httpResp.Header.Get("Content-Type"))
	if !ok {
		codec = c.codec
	}
	if err := codec.Unmarshal(data, resp); err != nil {
		return &backend.CallError{Op: op, Status: httpResp.StatusCode, Err: fmt.Errorf("%w: decode %s response: %v", backend.ErrProtocolViolation, codec.Name, err)}
	}
	return nil
}

func decodeError(r io.Reader) error {
	data, err := io.ReadAll(io.LimitReader(r, maxErrorBytes))
	if err != nil {
		return fmt.Errorf("read error response: %w", err)
	}
	var env wire.ErrorResponse
	if err := json.Unmarshal(data, &env); err != nil || env.Error.Message == "" {
		msg := strings.TrimSpace(string(data))
		if msg == "" {
			msg = "empty error response"
		}
		return errors.New(msg)
	}
	if env.Error.Type == wire.ErrorTypeInvalidRequest {
		msg := strings.TrimPrefix(env.Error.Message, backend.ErrInvalidCall.Error()+": ")
		return fmt.Errorf("%w: %s", backend.ErrInvalidCall, msg)
	}
	return errors.New(env.Error.Message)
}

func checkSession(op backend.Op, s session.Session) error {
	if err := s.Validate(); err != nil {
		return &backend.CallError{Op: op, Err: fmt.Errorf("%w: %w", backend.ErrProtocolViolation, err)}
	}
	return nil
}

func checkRun(op backend.Op, run session.ModelRun) error {
	if err := run.Validate(); err != nil {
		return &backend.CallError{Op: op, Err: fmt.Errorf("%w: %w", backend.ErrProtocolViolation, err)}
	}
	return nil
}
