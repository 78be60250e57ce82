package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"testing"

	"github.com/samcharles93/stepwise/internal/inference"
	"github.com/samcharles93/stepwise/internal/tplparser"
)

func TestChatCompletionsBasic(t *testing.T) {
	t.Parallel()

	engine := okEngine()
	e := newTestEchoWith(engine, nil)
	body := `{"model":"stepwise-test","messages":[{"role":"user","content":"hello"}]}`
	rec := doJSON(t, e, http.MethodPost, "/v1/chat/completions", body)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", rec.Code, rec.Body.String())
	}

	var resp ChatCompletionResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}

	if resp.Object != "chat.completion" {
		t.Fatalf("unexpected object: %q", resp.Object)
	}
	if !strings.HasPrefix(resp.ID, "chatcmpl-") {
		t.Fatalf("unexpected id format: %q", resp.ID)
	}
	if len(resp.Choices) != 1 {
		t.Fatalf("expected 1 choice, got %d", len(resp.Choices))
	}
	if resp.Choices[0].Message == nil {
		t.Fatal("expected message in choice")
	}
	if resp.Choices[0].Message.Role != "assistant" {
		t.Fatalf("expected assistant role, got %q", resp.Choices[0].Message.Role)
	}
	if resp.Choices[0].Message.Content != "ok" {
		t.Fatalf("expected 'ok' content, got %q", resp.Choices[0].Message.Content)
	}
	if resp.Choices[0].FinishReason == nil || *resp.Choices[0].FinishReason != "stop" {
		t.Fatal("expected finish_reason 'stop'")
	}
	// one token from prefill, two decode steps, the last of which ended the sequence
	if resp.Usage.PromptTokens != 4 || resp.Usage.CompletionTokens != 2 || resp.Usage.TotalTokens != 6 {
		t.Fatalf("unexpected usage: %+v", resp.Usage)
	}

	reqs := engine.requests()
	if len(reqs) != 1 || len(reqs[0].Messages) != 1 || reqs[0].Messages[0].Role != tplparser.User {
		t.Fatalf("engine saw %+v", reqs)
	}
}

func TestChatCompletionsEmptyMessages(t *testing.T) {
	t.Parallel()

	e := newTestEcho()
	body := `{"model":"stepwise-test","messages":[]}`
	rec := doJSON(t, e, http.MethodPost, "/v1/chat/completions", body)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for empty messages, got %d body=%s", rec.Code, rec.Body.String())
	}
}

func TestChatCompletionsUnknownRole(t *testing.T) {
	t.Parallel()

	e := newTestEcho()
	body := `{"messages":[{"role":"tool","content":"{}"}]}`
	rec := doJSON(t, e, http.MethodPost, "/v1/chat/completions", body)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown role, got %d body=%s", rec.Code, rec.Body.String())
	}
}

func TestChatCompletionsMaxTokensCapsDecodeSteps(t *testing.T) {
	t.Parallel()

	for maxTokens, wantSteps := range map[int]int{1: 0, 8: 7} {
		engine := okEngine()
		e := newTestEchoWith(engine, nil)
		body := fmt.Sprintf(`{"messages":[{"role":"user","content":"hi"}],"max_tokens":%d}`, maxTokens)
		rec := doJSON(t, e, http.MethodPost, "/v1/chat/completions", body)
		if rec.Code != http.StatusOK {
			t.Fatalf("max_tokens=%d: expected 200, got %d body=%s", maxTokens, rec.Code, rec.Body.String())
		}
		reqs := engine.requests()
		if len(reqs) != 1 || reqs[0].MaxSteps == nil || *reqs[0].MaxSteps != wantSteps {
			t.Fatalf("max_tokens=%d: engine saw %+v", maxTokens, reqs)
		}
	}

	engine := okEngine()
	e := newTestEchoWith(engine, nil)
	doJSON(t, e, http.MethodPost, "/v1/chat/completions", `{"messages":[{"role":"user","content":"hi"}]}`)
	if reqs := engine.requests(); len(reqs) != 1 || reqs[0].MaxSteps != nil {
		t.Fatalf("expected no per-request cap, engine saw %+v", reqs)
	}
}

func TestChatCompletionsRejectsUnsupportedParams(t *testing.T) {
	t.Parallel()

	for _, extra := range []string{`"max_tokens":0`, `"max_tokens":-3`, `"temperature":0.7`, `"top_p":0.9`} {
		engine := okEngine()
		e := newTestEchoWith(engine, nil)
		body := `{"messages":[{"role":"user","content":"hi"}],` + extra + `}`
		rec := doJSON(t, e, http.MethodPost, "/v1/chat/completions", body)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d body=%s", extra, rec.Code, rec.Body.String())
		}
		if len(engine.requests()) != 0 {
			t.Fatalf("%s: engine should not run", extra)
		}
	}
}

func TestChatCompletionsWithSystemMessage(t *testing.T) {
	t.Parallel()

	engine := okEngine()
	e := newTestEchoWith(engine, nil)
	body := `{"model":"other","messages":[{"role":"system","content":"You are helpful."},{"role":"user","content":"hi"}]}`
	rec := doJSON(t, e, http.MethodPost, "/v1/chat/completions", body)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", rec.Code, rec.Body.String())
	}

	var resp ChatCompletionResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Model != "other" {
		t.Fatalf("expected model 'other', got %q", resp.Model)
	}
	msgs := engine.requests()[0].Messages
	if len(msgs) != 2 || msgs[0].Role != tplparser.System || msgs[0].Content != "You are helpful." {
		t.Fatalf("unexpected messages %+v", msgs)
	}
}

func TestChatCompletionsStreaming(t *testing.T) {
	t.Parallel()

	e := newTestEcho()
	body := `{"model":"stepwise-test","messages":[{"role":"user","content":"hello"}],"stream":true}`
	rec := doJSON(t, e, http.MethodPost, "/v1/chat/completions", body)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", rec.Code, rec.Body.String())
	}

	events := sseEvents(rec.Body.String())
	// role, two deltas, finish, [DONE]
	if len(events) != 5 {
		t.Fatalf("expected 5 events, got %d: %q", len(events), events)
	}
	if events[4] != "[DONE]" {
		t.Fatalf("expected [DONE] sentinel, got %q", events[4])
	}

	var chunks []ChatCompletionChunk
	for _, ev := range events[:4] {
		var chunk ChatCompletionChunk
		if err := json.Unmarshal([]byte(ev), &chunk); err != nil {
			t.Fatalf("decode chunk %q: %v", ev, err)
		}
		if chunk.Object != "chat.completion.chunk" {
			t.Fatalf("unexpected object %q", chunk.Object)
		}
		chunks = append(chunks, chunk)
	}
	if chunks[0].Choices[0].Delta.Role != "assistant" {
		t.Fatalf("expected role chunk first, got %+v", chunks[0].Choices[0].Delta)
	}
	text := ""
	for _, c := range chunks[1:3] {
		s, _ := c.Choices[0].Delta.Content.(string)
		text += s
	}
	if text != "ok" {
		t.Fatalf("expected streamed 'ok', got %q", text)
	}
	if fr := chunks[3].Choices[0].FinishReason; fr == nil || *fr != "stop" {
		t.Fatalf("expected finish_reason stop, got %v", fr)
	}
}

func TestChatCompletionsStreamingError(t *testing.T) {
	t.Parallel()

	engine := &testEngine{err: inference.ErrProtocolViolation}
	body := `{"messages":[{"role":"user","content":"hello"}],"stream":true}`
	rec := doJSON(t, newTestEchoWith(engine, nil), http.MethodPost, "/v1/chat/completions", body)

	events := sseEvents(rec.Body.String())
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %q", events)
	}
	var final ChatCompletionChunk
	if err := json.Unmarshal([]byte(events[1]), &final); err != nil {
		t.Fatalf("decode final chunk: %v", err)
	}
	if final.Error == nil || final.Error.Type != "backend_error" {
		t.Fatalf("expected backend error chunk, got %+v", final)
	}
}

func TestChatCompletionsDefaultModel(t *testing.T) {
	t.Parallel()

	e := newTestEcho()
	body := `{"messages":[{"role":"user","content":"hello"}],"temperature":0.5,"max_tokens":50}`
	rec := doJSON(t, e, http.MethodPost, "/v1/chat/completions", body)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", rec.Code, rec.Body.String())
	}

	var resp ChatCompletionResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Model != "stepwise-test" {
		t.Fatalf("expected default model 'stepwise-test', got %q", resp.Model)
	}
}

func TestListModels(t *testing.T) {
	t.Parallel()

	e := newTestEcho()
	rec := doJSON(t, e, http.MethodGet, "/v1/models", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", rec.Code, rec.Body.String())
	}

	var resp map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp["object"] != "list" {
		t.Fatalf("expected object 'list', got %q", resp["object"])
	}
	data, ok := resp["data"].([]any)
	if !ok || len(data) == 0 {
		t.Fatal("expected non-empty data array")
	}
}

func TestChatMessageContentTypes(t *testing.T) {
	t.Parallel()

	// Test string content
	msgs := []ChatMessage{
		{Role: "user", Content: "hello"},
	}
	result, err := chatMessagesToTemplateMessages(msgs)
	if err != nil {
		t.Fatalf("string content: %v", err)
	}
	if len(result) != 1 {
		t.Fatalf("expected 1 message, got %d", len(result))
	}
	if result[0].Content != "hello" {
		t.Fatalf("expected 'hello', got %v", result[0].Content)
	}

	// Test nil content
	msgs = []ChatMessage{
		{Role: "assistant", Content: nil},
	}
	result, err = chatMessagesToTemplateMessages(msgs)
	if err != nil {
		t.Fatalf("nil content: %v", err)
	}
	if result[0].Content != "" {
		t.Fatalf("expected empty string for nil content, got %v", result[0].Content)
	}

	// Test multi-part content
	msgs = []ChatMessage{
		{
			Role: "user",
			Content: []any{
				map[string]any{"type": "text", "text": "hello"},
				map[string]any{"type": "text", "text": "world"},
			},
		},
	}
	result, err = chatMessagesToTemplateMessages(msgs)
	if err != nil {
		t.Fatalf("multi-part content: %v", err)
	}
	if result[0].Content != "hello\nworld" {
		t.Fatalf("expected 'hello\\nworld', got %v", result[0].Content)
	}

	// Image parts are not supported
	msgs = []ChatMessage{
		{Role: "user", Content: []any{map[string]any{"type": "image_url"}}},
	}
	if _, err := chatMessagesToTemplateMessages(msgs); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest, got %v", err)
	}
}

func TestCompletionTokens(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		stats inference.Stats
		want  int
	}{
		{name: "no prefill", stats: inference.Stats{}, want: 0},
		{name: "prefill only", stats: inference.Stats{PrefillRounds: 2}, want: 1},
		{name: "truncated", stats: inference.Stats{PrefillRounds: 1, DecodeSteps: 3, Truncated: true}, want: 4},
		{name: "end of sequence", stats: inference.Stats{PrefillRounds: 1, DecodeSteps: 3, EndOfSequence: true}, want: 3},
	}
	for _, tt := range tests {
		if got := completionTokens(tt.stats); got != tt.want {
			t.Fatalf("%s: got %d want %d", tt.name, got, tt.want)
		}
	}
}
