package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"

	"github.com/samcharles93/stepwise/internal/inference"
	"github.com/samcharles93/stepwise/internal/tplparser"
)

func chatCmd() *cli.Command {
	var (
		messages     []string
		messagesFile string
		out          outputOptions
	)

	return &cli.Command{
		Name:  "chat",
		Usage: "Generate the next assistant turn of a conversation, or chat interactively",
		Description: "Messages come from repeated --message role=content flags or a YAML file\n" +
			"holding a list of {role, content}. Without either, stdin is read\n" +
			"interactively, one user turn per line.",
		Before: prepare,
		Flags: append([]cli.Flag{
			&cli.StringSliceFlag{
				Name:        "message",
				Aliases:     []string{"m"},
				Usage:       "conversation turn as role=content (repeatable)",
				Destination: &messages,
			},
			&cli.StringFlag{
				Name:        "messages",
				Usage:       "YAML file with the conversation",
				Destination: &messagesFile,
			},
		}, out.flags()...),
		Action: func(ctx context.Context, c *cli.Command) error {
			var msgs []tplparser.Message
			if messagesFile != "" {
				loaded, err := loadMessages(messagesFile)
				if err != nil {
					return cli.Exit(fmt.Sprintf("error: %v", err), 1)
				}
				msgs = loaded
			}
			for _, m := range messages {
				msg, err := parseMessageFlag(m)
				if err != nil {
					return cli.Exit(fmt.Sprintf("error: %v", err), 1)
				}
				msgs = append(msgs, msg)
			}

			if len(msgs) > 0 {
				return generateToStdout(ctx, &inference.Request{Messages: msgs}, out)
			}
			mode, err := parseStreamMode(out.streamMode)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			engine, err := newEngine(opts)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			defer func() { _ = engine.Close() }()
			return chatInteractive(ctx, engine, os.Stdin, func() *StreamWriter {
				return NewStreamWriter(os.Stdout, mode, out.escape)
			})
		},
	}
}

func parseMessageFlag(s string) (tplparser.Message, error) {
	roleStr, content, ok := strings.Cut(s, "=")
	if !ok {
		return tplparser.Message{}, fmt.Errorf("message %q: expected role=content", s)
	}
	role, err := tplparser.ParseRole(roleStr)
	if err != nil {
		return tplparser.Message{}, fmt.Errorf("message %q: %w", s, err)
	}
	return tplparser.Message{Role: role, Content: content}, nil
}

func loadMessages(path string) ([]tplparser.Message, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var raw []struct {
		Role    string `yaml:"role"`
		Content string `yaml:"content"`
	}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	msgs := make([]tplparser.Message, 0, len(raw))
	for i, m := range raw {
		role, err := tplparser.ParseRole(m.Role)
		if err != nil {
			return nil, fmt.Errorf("%s: message %d: %w", path, i, err)
		}
		msgs = append(msgs, tplparser.Message{Role: role, Content: m.Content})
	}
	if len(msgs) == 0 {
		return nil, fmt.Errorf("%s: no messages", path)
	}
	return msgs, nil
}

// chatInteractive keeps the conversation in memory and sends it whole on
// every turn; each turn is an independent generation.
func chatInteractive(ctx context.Context, engine inference.Engine, in io.Reader, newWriter func() *StreamWriter) error {
	interactive := false
	if f, ok := in.(*os.File); ok {
		interactive = isTerminal(f)
	}
	if interactive {
		_, _ = fmt.Fprintln(os.Stderr, "chat: enter a message, or /exit to quit")
	}

	var history []tplparser.Message
	scanner := bufio.NewScanner(in)
	for {
		if interactive {
			_, _ = fmt.Fprint(os.Stderr, "> ")
		}
		if !scanner.Scan() {
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		switch line {
		case "":
			continue
		case "/exit", "/quit":
			return nil
		case "/reset":
			history = nil
			continue
		}

		history = append(history, tplparser.Message{Role: tplparser.User, Content: line})
		reply, err := chatTurn(ctx, engine, history, newWriter())
		if err != nil {
			return err
		}
		history = append(history, tplparser.Message{Role: tplparser.Assistant, Content: reply})
	}
}

func chatTurn(ctx context.Context, engine inference.Engine, history []tplparser.Message, w *StreamWriter) (string, error) {
	_, err := engine.Generate(ctx, &inference.Request{Messages: history}, w.Write)
	reply := w.Flush()
	fmt.Println()
	if err != nil {
		return "", cli.Exit(fmt.Sprintf("error: generate: %v", err), 1)
	}
	return reply, nil
}
