package inference

import (
	"errors"
	"fmt"

	"github.com/samcharles93/stepwise/internal/tplparser"
)

var ErrEmptyPrompt = errors.New("prompt or messages required")

// RenderPrompt turns a request into the text sent to start_prompt.
func RenderPrompt(req *Request, cfg Config) (string, error) {
	if req.Raw {
		if req.Prompt == "" {
			return "", ErrEmptyPrompt
		}
		if len(req.Messages) > 0 {
			return "", fmt.Errorf("raw requests take a prompt, not messages")
		}
		return req.Prompt, nil
	}

	msgs := req.Messages
	switch {
	case len(msgs) > 0 && req.Prompt != "":
		return "", fmt.Errorf("prompt and messages are mutually exclusive")
	case len(msgs) == 0 && req.Prompt == "":
		return "", ErrEmptyPrompt
	case len(msgs) == 0:
		system := req.System
		if system == "" {
			system = cfg.SystemPrompt
		}
		msgs = tplparser.Wrap(req.Prompt, system)
	}

	rendered, ok, err := tplparser.Render(tplparser.RenderOptions{
		Family:              cfg.Family,
		AddGenerationPrompt: true,
		Messages:            msgs,
	})
	if err != nil {
		return "", err
	}
	if !ok {
		return "", fmt.Errorf("unsupported prompt family %q", cfg.Family)
	}
	return rendered, nil
}
