package tplparser

import (
	"fmt"
	"strings"
)

type Role string

const (
	System    Role = "system"
	User      Role = "user"
	Assistant Role = "assistant"
)

// ParseRole accepts the role tags the chat formats understand.
func ParseRole(s string) (Role, error) {
	switch r := Role(strings.ToLower(strings.TrimSpace(s))); r {
	case System, User, Assistant:
		return r, nil
	default:
		return "", fmt.Errorf("unknown role %q (expected system, user or assistant)", s)
	}
}

// Message is one conversation turn.
type Message struct {
	Role    Role   `json:"role" yaml:"role"`
	Content string `json:"content" yaml:"content"`
}

type RenderOptions struct {
	// Family selects the turn markup; empty means llama3.
	Family              string
	AddBOS              bool
	AddGenerationPrompt bool
	Messages            []Message
}
