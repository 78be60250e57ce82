// Package tplparser flattens a role-tagged conversation into the prompt text
// a backend expects.
package tplparser

import "strings"

const (
	Llama3 = "llama3"
	ChatML = "chatml"
)

// DefaultSystemPrompt is prepended when a bare prompt is wrapped into a
// conversation.
const DefaultSystemPrompt = "You are a helpful assistant. Respond using one sentence"

// Render returns (output, ok). ok=false means the family is unsupported.
func Render(opts RenderOptions) (string, bool, error) {
	switch strings.ToLower(strings.TrimSpace(opts.Family)) {
	case "", Llama3:
		return renderLlama3(opts)
	case ChatML:
		return renderChatML(opts)
	default:
		return "", false, nil
	}
}

// Wrap turns a bare prompt into a system+user conversation.
func Wrap(prompt, system string) []Message {
	if system == "" {
		system = DefaultSystemPrompt
	}
	return []Message{
		{Role: System, Content: system},
		{Role: User, Content: prompt},
	}
}

// SpecialTokens lists the markup tokens of every supported family.
func SpecialTokens() []string {
	return []string{
		llama3BeginOfText,
		llama3StartHeader,
		llama3EndHeader,
		llama3EndOfTurn,
		"<|end_of_text|>",
		chatMLStart,
		chatMLEnd,
	}
}
