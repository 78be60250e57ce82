package api

import (
	"time"

	"github.com/samcharles93/stepwise/internal/inference"
)

type ErrorResponse struct {
	Error ResponseError `json:"error"`
	// ID and Text are set when a generation failed part way.
	ID   string `json:"id,omitempty"`
	Text string `json:"text,omitempty"`
}

type ResponseError struct {
	Message string `json:"message,omitempty"`
	Type    string `json:"type,omitempty"`
	Code    string `json:"code,omitempty"`
	Param   string `json:"param,omitempty"`
}

// PromptRequest asks for a single completion of a bare prompt.
type PromptRequest struct {
	Prompt string `json:"prompt"`
	System string `json:"system,omitempty"`
	// Raw sends the prompt without chat markup.
	Raw    bool  `json:"raw,omitempty"`
	Stream *bool `json:"stream,omitempty"`
}

type PromptResponse struct {
	ID           string        `json:"id"`
	Object       string        `json:"object"`
	Created      int64         `json:"created"`
	Text         string        `json:"text"`
	FinishReason string        `json:"finish_reason"`
	Stats        GenerateStats `json:"stats"`
}

// PromptChunk is one SSE event of a streamed prompt.
type PromptChunk struct {
	ID           string         `json:"id"`
	Object       string         `json:"object"`
	Delta        string         `json:"delta,omitempty"`
	FinishReason string         `json:"finish_reason,omitempty"`
	Stats        *GenerateStats `json:"stats,omitempty"`
	Error        *ResponseError `json:"error,omitempty"`
}

type GenerateStats struct {
	PromptTokens  int     `json:"prompt_tokens"`
	PrefillRounds int     `json:"prefill_rounds"`
	DecodeSteps   int     `json:"decode_steps"`
	ForwardCalls  int     `json:"forward_calls"`
	EndOfSequence bool    `json:"end_of_sequence"`
	Truncated     bool    `json:"truncated"`
	PrefillMillis float64 `json:"prefill_ms"`
	TotalMillis   float64 `json:"total_ms"`
}

type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Uptime  string `json:"uptime"`
}

func statsFrom(s inference.Stats) GenerateStats {
	return GenerateStats{
		PromptTokens:  s.PromptTokens,
		PrefillRounds: s.PrefillRounds,
		DecodeSteps:   s.DecodeSteps,
		ForwardCalls:  s.ForwardCalls,
		EndOfSequence: s.EndOfSequence,
		Truncated:     s.Truncated,
		PrefillMillis: millis(s.PrefillDuration),
		TotalMillis:   millis(s.Duration),
	}
}

func millis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

// finishReason follows the OpenAI convention: "length" when the step budget
// ran out before end of sequence.
func finishReason(s inference.Stats) string {
	if s.Truncated {
		return "length"
	}
	return "stop"
}
