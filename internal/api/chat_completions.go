package api

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/labstack/echo/v5"

	"github.com/samcharles93/stepwise/internal/inference"
	"github.com/samcharles93/stepwise/internal/tplparser"
)

// ChatCompletionRequest represents an OpenAI-compatible chat completion request.
// MaxTokens caps the reply length. Temperature and TopP are rejected: the
// backend fixes sampling when the session starts.
type ChatCompletionRequest struct {
	Model       string        `json:"model"`
	Messages    []ChatMessage `json:"messages"`
	Stream      *bool         `json:"stream,omitempty"`
	Temperature *float64      `json:"temperature,omitempty"`
	TopP        *float64      `json:"top_p,omitempty"`
	MaxTokens   *int          `json:"max_tokens,omitempty"`
	User        string        `json:"user,omitempty"`
}

type ChatMessage struct {
	Role    string `json:"role,omitempty"`
	Content any    `json:"content,omitempty"`
}

// ChatCompletionResponse is the response for non-streaming chat completions.
type ChatCompletionResponse struct {
	ID      string       `json:"id"`
	Object  string       `json:"object"`
	Created int64        `json:"created"`
	Model   string       `json:"model"`
	Choices []ChatChoice `json:"choices"`
	Usage   ChatUsage    `json:"usage"`
}

type ChatChoice struct {
	Index        int          `json:"index"`
	Message      *ChatMessage `json:"message,omitempty"`
	Delta        *ChatMessage `json:"delta,omitempty"`
	FinishReason *string      `json:"finish_reason"`
}

type ChatUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ChatCompletionChunk is a streaming SSE chunk.
type ChatCompletionChunk struct {
	ID      string         `json:"id"`
	Object  string         `json:"object"`
	Created int64          `json:"created"`
	Model   string         `json:"model"`
	Choices []ChatChoice   `json:"choices"`
	Error   *ResponseError `json:"error,omitempty"`
}

func (s *Server) RegisterChatCompletions(e *echo.Echo) {
	e.POST("/v1/chat/completions", s.handleChatCompletions)
	e.GET("/v1/models", s.handleListModels)
}

func (s *Server) handleListModels(c *echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"object": "list",
		"data": []map[string]any{{
			"id":       s.model,
			"object":   "model",
			"created":  s.started.Unix(),
			"owned_by": "remote",
		}},
	})
}

func (s *Server) handleChatCompletions(c *echo.Context) error {
	req, err := decodeJSON[ChatCompletionRequest](c.Request().Body)
	if err != nil {
		return writeBadRequest(c, err.Error())
	}
	if len(req.Messages) == 0 {
		return writeBadRequest(c, "messages is required and must not be empty")
	}
	if req.Temperature != nil || req.TopP != nil {
		return writeBadRequest(c, "temperature and top_p are not supported: sampling is set by the backend")
	}
	msgs, err := chatMessagesToTemplateMessages(req.Messages)
	if err != nil {
		return writeBadRequest(c, err.Error())
	}

	model := req.Model
	if model == "" {
		model = s.model
	}
	inferReq := &inference.Request{Messages: msgs}
	if req.MaxTokens != nil {
		if *req.MaxTokens < 1 {
			return writeBadRequest(c, "max_tokens must be >= 1")
		}
		// prefill emits the first token, each decode step one more
		steps := *req.MaxTokens - 1
		inferReq.MaxSteps = &steps
	}

	if req.Stream != nil && *req.Stream {
		return s.handleChatCompletionsStream(c, inferReq, model)
	}
	return s.handleChatCompletionsSync(c, inferReq, model)
}

func (s *Server) handleChatCompletionsSync(c *echo.Context, inferReq *inference.Request, model string) error {
	run := s.startRun(c)
	res, err := s.engine.Generate(run.ctx, inferReq, nil)
	s.finishRun(run, res, err)
	if err != nil {
		return writeGenerationError(c, run.id, err, resultText(res))
	}

	reason := finishReason(res.Stats)
	completion := completionTokens(res.Stats)
	return c.JSON(http.StatusOK, ChatCompletionResponse{
		ID:      chatCompletionID(run.id),
		Object:  "chat.completion",
		Created: s.clock().Unix(),
		Model:   model,
		Choices: []ChatChoice{{
			Index:        0,
			Message:      &ChatMessage{Role: string(tplparser.Assistant), Content: res.Text},
			FinishReason: &reason,
		}},
		Usage: ChatUsage{
			PromptTokens:     res.Stats.PromptTokens,
			CompletionTokens: completion,
			TotalTokens:      res.Stats.PromptTokens + completion,
		},
	})
}

func (s *Server) handleChatCompletionsStream(c *echo.Context, inferReq *inference.Request, model string) error {
	sse, ok := newSSEWriter(c)
	if !ok {
		return writeBadRequest(c, "streaming unsupported")
	}

	run := s.startRun(c)
	created := s.clock().Unix()
	chunk := func(delta *ChatMessage, reason *string) ChatCompletionChunk {
		return ChatCompletionChunk{
			ID:      chatCompletionID(run.id),
			Object:  "chat.completion.chunk",
			Created: created,
			Model:   model,
			Choices: []ChatChoice{{Index: 0, Delta: delta, FinishReason: reason}},
		}
	}

	// Send initial chunk with role
	if err := sse.send(chunk(&ChatMessage{Role: string(tplparser.Assistant)}, nil)); err != nil {
		run.cancel()
		return err
	}

	res, err := s.engine.Generate(run.ctx, inferReq, func(tok string) {
		_ = sse.send(chunk(&ChatMessage{Content: tok}, nil))
	})
	s.finishRun(run, res, err)

	if err != nil {
		final := chunk(&ChatMessage{}, nil)
		_, errType := classify(err)
		final.Error = &ResponseError{Message: err.Error(), Type: errType}
		_ = sse.send(final)
	} else {
		reason := finishReason(res.Stats)
		_ = sse.send(chunk(&ChatMessage{}, &reason))
	}
	sse.done()
	return nil
}

func chatMessagesToTemplateMessages(msgs []ChatMessage) ([]tplparser.Message, error) {
	out := make([]tplparser.Message, 0, len(msgs))
	for i, m := range msgs {
		role, err := tplparser.ParseRole(m.Role)
		if err != nil {
			return nil, newInvalidRequest(fmt.Sprintf("messages[%d]: %v", i, err))
		}
		msg := tplparser.Message{Role: role}

		switch content := m.Content.(type) {
		case string:
			msg.Content = content
		case nil:
			msg.Content = ""
		case []any:
			var textParts []string
			for _, part := range content {
				pm, ok := part.(map[string]any)
				if !ok {
					return nil, newInvalidRequest(fmt.Sprintf("messages[%d]: invalid content part", i))
				}
				typ, _ := pm["type"].(string)
				if typ != "text" {
					return nil, newInvalidRequest(fmt.Sprintf("messages[%d]: unsupported content type %q", i, typ))
				}
				if text, ok := pm["text"].(string); ok {
					textParts = append(textParts, text)
				}
			}
			msg.Content = strings.Join(textParts, "\n")
		default:
			return nil, newInvalidRequest(fmt.Sprintf("messages[%d]: content must be a string or an array of text parts", i))
		}
		out = append(out, msg)
	}
	return out, nil
}

// completionTokens counts emitted tokens: one from prefill and one per
// decode step, except the step that reported end of sequence.
func completionTokens(s inference.Stats) int {
	if s.PrefillRounds == 0 {
		return 0
	}
	n := 1 + s.DecodeSteps
	if s.EndOfSequence {
		n--
	}
	return n
}

func chatCompletionID(generationID string) string {
	return "chatcmpl-" + strings.TrimPrefix(generationID, "gen_")
}
