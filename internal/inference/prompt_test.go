package inference

import (
	"errors"
	"strings"
	"testing"

	"github.com/samcharles93/stepwise/internal/tplparser"
)

func TestRenderPrompt(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()

	t.Run("raw prompt passes through", func(t *testing.T) {
		t.Parallel()
		got, err := RenderPrompt(&Request{Prompt: "plain text", Raw: true}, cfg)
		if err != nil {
			t.Fatalf("RenderPrompt: %v", err)
		}
		if got != "plain text" {
			t.Fatalf("got %q", got)
		}
	})

	t.Run("request system prompt wins", func(t *testing.T) {
		t.Parallel()
		c := cfg
		c.SystemPrompt = "configured"
		got, err := RenderPrompt(&Request{Prompt: "q", System: "override"}, c)
		if err != nil {
			t.Fatalf("RenderPrompt: %v", err)
		}
		if !strings.Contains(got, "<|end_header_id|>override<|eot_id|>") || strings.Contains(got, "configured") {
			t.Fatalf("unexpected system prompt in %q", got)
		}
	})

	t.Run("configured system prompt", func(t *testing.T) {
		t.Parallel()
		c := cfg
		c.SystemPrompt = "configured"
		got, err := RenderPrompt(&Request{Prompt: "q"}, c)
		if err != nil {
			t.Fatalf("RenderPrompt: %v", err)
		}
		if !strings.Contains(got, "<|end_header_id|>configured<|eot_id|>") {
			t.Fatalf("configured system prompt missing from %q", got)
		}
	})

	t.Run("messages are rendered as given", func(t *testing.T) {
		t.Parallel()
		got, err := RenderPrompt(&Request{Messages: []tplparser.Message{
			{Role: tplparser.User, Content: "one"},
			{Role: tplparser.Assistant, Content: "two"},
			{Role: tplparser.User, Content: "three"},
		}}, cfg)
		if err != nil {
			t.Fatalf("RenderPrompt: %v", err)
		}
		if strings.Contains(got, tplparser.DefaultSystemPrompt) {
			t.Fatalf("default system prompt should not be added to conversations: %q", got)
		}
		if !strings.HasSuffix(got, "<|start_header_id|>assistant<|end_header_id|>") {
			t.Fatalf("missing generation prompt: %q", got)
		}
	})

	t.Run("empty", func(t *testing.T) {
		t.Parallel()
		if _, err := RenderPrompt(&Request{}, cfg); !errors.Is(err, ErrEmptyPrompt) {
			t.Fatalf("expected ErrEmptyPrompt, got %v", err)
		}
		if _, err := RenderPrompt(&Request{Raw: true}, cfg); !errors.Is(err, ErrEmptyPrompt) {
			t.Fatalf("expected ErrEmptyPrompt for raw, got %v", err)
		}
	})

	t.Run("prompt and messages", func(t *testing.T) {
		t.Parallel()
		_, err := RenderPrompt(&Request{Prompt: "x", Messages: []tplparser.Message{{Role: tplparser.User, Content: "y"}}}, cfg)
		if err == nil {
			t.Fatal("expected error")
		}
	})

	t.Run("unsupported family", func(t *testing.T) {
		t.Parallel()
		c := cfg
		c.Family = "gemma3"
		if _, err := RenderPrompt(&Request{Prompt: "x"}, c); err == nil {
			t.Fatal("expected error")
		}
	})
}
