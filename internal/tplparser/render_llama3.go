package tplparser

import (
	"fmt"
	"strings"
)

const (
	llama3BeginOfText = "<|begin_of_text|>"
	llama3StartHeader = "<|start_header_id|>"
	llama3EndHeader   = "<|end_header_id|>"
	llama3EndOfTurn   = "<|eot_id|>"
)

func renderLlama3(opts RenderOptions) (string, bool, error) {
	var b strings.Builder

	// The backend tokenizer does not add BOS itself.
	if !opts.AddBOS {
		b.WriteString(llama3BeginOfText)
	}

	for i, m := range opts.Messages {
		role, err := ParseRole(string(m.Role))
		if err != nil {
			return "", false, fmt.Errorf("llama3: message %d: %w", i, err)
		}
		writeLlama3Header(&b, role)
		b.WriteString(m.Content)
		b.WriteString(llama3EndOfTurn)
	}

	if opts.AddGenerationPrompt {
		writeLlama3Header(&b, Assistant)
	}
	return b.String(), true, nil
}

func writeLlama3Header(b *strings.Builder, role Role) {
	b.WriteString(llama3StartHeader)
	b.WriteString(string(role))
	b.WriteString(llama3EndHeader)
}
