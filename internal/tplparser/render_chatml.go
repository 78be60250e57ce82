package tplparser

import (
	"fmt"
	"strings"
)

const (
	chatMLStart = "<|im_start|>"
	chatMLEnd   = "<|im_end|>"
)

func renderChatML(opts RenderOptions) (string, bool, error) {
	var b strings.Builder
	for i, m := range opts.Messages {
		role, err := ParseRole(string(m.Role))
		if err != nil {
			return "", false, fmt.Errorf("chatml: message %d: %w", i, err)
		}
		b.WriteString(chatMLStart)
		b.WriteString(string(role))
		b.WriteString("\n")
		b.WriteString(m.Content)
		b.WriteString(chatMLEnd)
		b.WriteString("\n")
	}
	if opts.AddGenerationPrompt {
		b.WriteString(chatMLStart)
		b.WriteString("assistant\n")
	}
	return b.String(), true, nil
}
