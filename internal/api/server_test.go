package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/labstack/echo/v5"

	"github.com/samcharles93/stepwise/internal/backend"
	"github.com/samcharles93/stepwise/internal/inference"
)

// testEngine replays a fixed generation.
type testEngine struct {
	chunks []string
	stats  inference.Stats
	err    error
	// block waits for cancellation before returning.
	block   bool
	started chan struct{}

	mu   sync.Mutex
	reqs []inference.Request
}

func (e *testEngine) Generate(ctx context.Context, req *inference.Request, stream inference.StreamFunc) (*inference.Result, error) {
	e.mu.Lock()
	e.reqs = append(e.reqs, *req)
	e.mu.Unlock()

	res := &inference.Result{Stats: e.stats}
	for _, c := range e.chunks {
		res.Text += c
		if stream != nil {
			stream(c)
		}
	}
	if e.block {
		if e.started != nil {
			close(e.started)
		}
		<-ctx.Done()
		return res, ctx.Err()
	}
	return res, e.err
}

func (e *testEngine) Close() error { return nil }

func (e *testEngine) requests() []inference.Request {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]inference.Request(nil), e.reqs...)
}

func okEngine() *testEngine {
	return &testEngine{
		chunks: []string{"o", "k"},
		stats:  inference.Stats{PromptTokens: 4, PrefillRounds: 1, DecodeSteps: 2, EndOfSequence: true},
	}
}

func newTestEchoWith(engine inference.Engine, store *GenerationStore) *echo.Echo {
	server := NewServer(engine, Options{Model: "stepwise-test", Store: store})
	e := echo.New()
	server.Register(e)
	return e
}

func newTestEcho() *echo.Echo {
	return newTestEchoWith(okEngine(), nil)
}

func doJSON(t *testing.T, e *echo.Echo, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode body %q: %v", rec.Body.String(), err)
	}
	return out
}

// sseEvents returns the data payloads of an SSE body.
func sseEvents(body string) []string {
	var events []string
	for _, line := range strings.Split(body, "\n") {
		if data, ok := strings.CutPrefix(line, "data: "); ok {
			events = append(events, data)
		}
	}
	return events
}

func TestHealth(t *testing.T) {
	t.Parallel()

	rec := doJSON(t, newTestEcho(), http.MethodGet, "/v1/health", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("health status: got %d body=%s", rec.Code, rec.Body.String())
	}
	resp := decodeBody[HealthResponse](t, rec)
	if resp.Status != "ok" || resp.Version == "" {
		t.Fatalf("unexpected health response: %+v", resp)
	}
}

func TestPromptLifecycle(t *testing.T) {
	t.Parallel()

	engine := okEngine()
	e := newTestEchoWith(engine, nil)

	rec := doJSON(t, e, http.MethodPost, "/v1/prompt", `{"prompt":"hello","system":"be brief"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("prompt status: got %d body=%s", rec.Code, rec.Body.String())
	}
	created := decodeBody[PromptResponse](t, rec)
	if !strings.HasPrefix(created.ID, "gen_") {
		t.Fatalf("unexpected id %q", created.ID)
	}
	if created.Text != "ok" || created.FinishReason != "stop" {
		t.Fatalf("unexpected response: %+v", created)
	}
	if created.Stats.DecodeSteps != 2 || !created.Stats.EndOfSequence {
		t.Fatalf("unexpected stats: %+v", created.Stats)
	}
	reqs := engine.requests()
	if len(reqs) != 1 || reqs[0].Prompt != "hello" || reqs[0].System != "be brief" {
		t.Fatalf("engine saw %+v", reqs)
	}

	getRec := doJSON(t, e, http.MethodGet, "/v1/generations/"+created.ID, "")
	if getRec.Code != http.StatusOK {
		t.Fatalf("get status: got %d body=%s", getRec.Code, getRec.Body.String())
	}
	record := decodeBody[GenerationRecord](t, getRec)
	if record.Status != StatusCompleted || record.Text != "ok" || record.CompletedAt == nil {
		t.Fatalf("unexpected record: %+v", record)
	}

	delRec := doJSON(t, e, http.MethodDelete, "/v1/generations/"+created.ID, "")
	if delRec.Code != http.StatusOK {
		t.Fatalf("delete status: got %d body=%s", delRec.Code, delRec.Body.String())
	}
	missing := doJSON(t, e, http.MethodGet, "/v1/generations/"+created.ID, "")
	if missing.Code != http.StatusNotFound {
		t.Fatalf("expected 404 after delete, got %d", missing.Code)
	}
}

func TestPromptValidation(t *testing.T) {
	t.Parallel()

	e := newTestEcho()
	tests := []struct {
		name string
		body string
	}{
		{name: "malformed", body: `{"prompt":`},
		{name: "missing prompt", body: `{}`},
		{name: "blank prompt", body: `{"prompt":"  "}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doJSON(t, e, http.MethodPost, "/v1/prompt", tt.body)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d body=%s", rec.Code, rec.Body.String())
			}
			resp := decodeBody[ErrorResponse](t, rec)
			if resp.Error.Type != "invalid_request_error" {
				t.Fatalf("unexpected error type %q", resp.Error.Type)
			}
		})
	}
}

func TestPromptTruncatedFinishReason(t *testing.T) {
	t.Parallel()

	engine := okEngine()
	engine.stats.EndOfSequence = false
	engine.stats.Truncated = true
	rec := doJSON(t, newTestEchoWith(engine, nil), http.MethodPost, "/v1/prompt", `{"prompt":"hi"}`)
	resp := decodeBody[PromptResponse](t, rec)
	if resp.FinishReason != "length" {
		t.Fatalf("expected finish_reason length, got %q", resp.FinishReason)
	}
}

func TestPromptErrorsKeepPartialText(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantType   string
	}{
		{
			name:       "protocol violation",
			err:        fmt.Errorf("%w: begin_start returned no run", inference.ErrProtocolViolation),
			wantStatus: http.StatusBadGateway,
			wantType:   "backend_error",
		},
		{
			name:       "call error",
			err:        backend.Wrap(backend.OpForward, errors.New("connection reset")),
			wantStatus: http.StatusBadGateway,
			wantType:   "backend_error",
		},
		{
			name:       "prefill budget",
			err:        inference.ErrPrefillBudget,
			wantStatus: http.StatusBadGateway,
			wantType:   "backend_error",
		},
		{
			name:       "deadline",
			err:        context.DeadlineExceeded,
			wantStatus: http.StatusGatewayTimeout,
			wantType:   "timeout_error",
		},
		{
			name:       "empty prompt",
			err:        inference.ErrEmptyPrompt,
			wantStatus: http.StatusBadRequest,
			wantType:   "invalid_request_error",
		},
		{
			name:       "other",
			err:        errors.New("boom"),
			wantStatus: http.StatusInternalServerError,
			wantType:   "server_error",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			store := NewGenerationStore(0)
			engine := &testEngine{chunks: []string{"War", "saw"}, err: tt.err}
			rec := doJSON(t, newTestEchoWith(engine, store), http.MethodPost, "/v1/prompt", `{"prompt":"hi"}`)
			if rec.Code != tt.wantStatus {
				t.Fatalf("status: got %d want %d body=%s", rec.Code, tt.wantStatus, rec.Body.String())
			}
			resp := decodeBody[ErrorResponse](t, rec)
			if resp.Error.Type != tt.wantType {
				t.Fatalf("type: got %q want %q", resp.Error.Type, tt.wantType)
			}
			if resp.Text != "Warsaw" {
				t.Fatalf("expected partial text, got %q", resp.Text)
			}
			record, ok := store.Get(resp.ID)
			if !ok || record.Status != StatusFailed || record.Text != "Warsaw" {
				t.Fatalf("unexpected stored record %+v (found=%v)", record, ok)
			}
		})
	}
}

func TestPromptStreaming(t *testing.T) {
	t.Parallel()

	rec := doJSON(t, newTestEcho(), http.MethodPost, "/v1/prompt", `{"prompt":"hello","stream":true}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get(echo.HeaderContentType); ct != "text/event-stream" {
		t.Fatalf("unexpected content type %q", ct)
	}

	events := sseEvents(rec.Body.String())
	if len(events) != 4 {
		t.Fatalf("expected 4 events, got %d: %q", len(events), events)
	}
	var deltas string
	for _, ev := range events[:2] {
		var chunk PromptChunk
		if err := json.Unmarshal([]byte(ev), &chunk); err != nil {
			t.Fatalf("decode chunk %q: %v", ev, err)
		}
		deltas += chunk.Delta
	}
	if deltas != "ok" {
		t.Fatalf("expected deltas to join to 'ok', got %q", deltas)
	}
	var final PromptChunk
	if err := json.Unmarshal([]byte(events[2]), &final); err != nil {
		t.Fatalf("decode final chunk: %v", err)
	}
	if final.FinishReason != "stop" || final.Stats == nil || final.Error != nil {
		t.Fatalf("unexpected final chunk %+v", final)
	}
	if events[3] != "[DONE]" {
		t.Fatalf("expected [DONE], got %q", events[3])
	}
}

func TestPromptStreamingReportsError(t *testing.T) {
	t.Parallel()

	engine := &testEngine{chunks: []string{"par"}, err: inference.ErrForwardBudget}
	rec := doJSON(t, newTestEchoWith(engine, nil), http.MethodPost, "/v1/prompt", `{"prompt":"hi","stream":true}`)

	events := sseEvents(rec.Body.String())
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %q", events)
	}
	var final PromptChunk
	if err := json.Unmarshal([]byte(events[1]), &final); err != nil {
		t.Fatalf("decode final chunk: %v", err)
	}
	if final.Error == nil || final.Error.Type != "backend_error" || final.FinishReason != "" {
		t.Fatalf("unexpected final chunk %+v", final)
	}
}

func TestCancelGeneration(t *testing.T) {
	t.Parallel()

	store := NewGenerationStore(0)
	engine := &testEngine{chunks: []string{"slow"}, block: true, started: make(chan struct{})}
	e := newTestEchoWith(engine, store)

	done := make(chan *httptest.ResponseRecorder)
	go func() {
		req := httptest.NewRequest(http.MethodPost, "/v1/prompt", strings.NewReader(`{"prompt":"hi"}`))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, req)
		done <- rec
	}()

	select {
	case <-engine.started:
	case <-time.After(5 * time.Second):
		t.Fatal("generation did not start")
	}

	store.mu.Lock()
	var id string
	if n := len(store.order); n > 0 {
		id = store.order[n-1]
	}
	store.mu.Unlock()
	if id == "" {
		t.Fatal("expected a running generation in the store")
	}
	running, _ := store.Get(id)
	if running.Status != StatusInProgress {
		t.Fatalf("expected in_progress, got %q", running.Status)
	}

	cancelRec := doJSON(t, e, http.MethodPost, "/v1/generations/"+id+"/cancel", "")
	if cancelRec.Code != http.StatusOK {
		t.Fatalf("cancel status: got %d body=%s", cancelRec.Code, cancelRec.Body.String())
	}

	var rec *httptest.ResponseRecorder
	select {
	case rec = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("generation did not stop after cancel")
	}
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 after cancel, got %d body=%s", rec.Code, rec.Body.String())
	}
	record, _ := store.Get(id)
	if record.Status != StatusCancelled || record.Text != "slow" {
		t.Fatalf("unexpected record after cancel: %+v", record)
	}
}

func TestGenerationNotFound(t *testing.T) {
	t.Parallel()

	e := newTestEcho()
	for _, tc := range []struct{ method, path string }{
		{http.MethodGet, "/v1/generations/gen_missing"},
		{http.MethodDelete, "/v1/generations/gen_missing"},
		{http.MethodPost, "/v1/generations/gen_missing/cancel"},
	} {
		rec := doJSON(t, e, tc.method, tc.path, "")
		if rec.Code != http.StatusNotFound {
			t.Fatalf("%s %s: expected 404, got %d", tc.method, tc.path, rec.Code)
		}
	}
}

func TestGenerationStoreEvictsOldestFinished(t *testing.T) {
	t.Parallel()

	store := NewGenerationStore(2)
	now := time.Unix(1_700_000_000, 0)
	noop := func() {}

	store.Begin("a", now, noop)
	store.Begin("b", now, noop)
	store.Complete("b", "b", GenerateStats{}, "stop", now)
	store.Begin("c", now, noop)
	// "a" is still running, so the finished "b" goes first.
	if _, ok := store.Get("b"); ok {
		t.Fatal("expected b to be evicted")
	}
	if _, ok := store.Get("a"); !ok {
		t.Fatal("running generation must not be evicted")
	}

	store.Complete("a", "a", GenerateStats{}, "stop", now)
	store.Complete("c", "c", GenerateStats{}, "stop", now)
	store.Begin("d", now, noop)
	if store.Len() != 2 {
		t.Fatalf("expected 2 records, got %d", store.Len())
	}
	if _, ok := store.Get("a"); ok {
		t.Fatal("expected a to be evicted")
	}
}

func TestGenerationStoreCancelFinishedIsNoop(t *testing.T) {
	t.Parallel()

	store := NewGenerationStore(0)
	now := time.Unix(1_700_000_000, 0)
	cancelled := false
	store.Begin("x", now, func() { cancelled = true })
	store.Complete("x", "done", GenerateStats{}, "stop", now)

	rec, ok := store.Cancel("x")
	if !ok || rec.Status != StatusCompleted || cancelled {
		t.Fatalf("cancel of finished record changed it: %+v cancelled=%v", rec, cancelled)
	}
}
