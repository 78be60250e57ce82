package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/schollz/progressbar/v3"
	"github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"

	"github.com/samcharles93/stepwise/internal/inference"
	"github.com/samcharles93/stepwise/internal/logger"
	"github.com/samcharles93/stepwise/internal/tplparser"
)

// batchItem is one line of batch input.
type batchItem struct {
	ID       string              `json:"id,omitempty"`
	Prompt   string              `json:"prompt,omitempty"`
	System   string              `json:"system,omitempty"`
	Raw      bool                `json:"raw,omitempty"`
	Messages []tplparser.Message `json:"messages,omitempty"`
}

// batchResult is one line of batch output, written in input order.
type batchResult struct {
	ID           string          `json:"id"`
	Text         string          `json:"text"`
	FinishReason string          `json:"finish_reason,omitempty"`
	Stats        inference.Stats `json:"stats"`
	Error        string          `json:"error,omitempty"`
}

func batchCmd() *cli.Command {
	var (
		input       string
		output      string
		concurrency int64
		noProgress  bool
	)

	return &cli.Command{
		Name:  "batch",
		Usage: "Run many generations from a JSON lines file",
		Description: "Each input line is an object with a prompt or messages, plus an optional id.\n" +
			"Results are written as JSON lines in input order. A failed item is reported\n" +
			"in its error field and does not stop the batch.",
		Before: prepare,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "input",
				Aliases:     []string{"i"},
				Usage:       "input JSON lines file (- for stdin)",
				Value:       "-",
				Destination: &input,
			},
			&cli.StringFlag{
				Name:        "output",
				Aliases:     []string{"o"},
				Usage:       "output JSON lines file (- for stdout)",
				Value:       "-",
				Destination: &output,
			},
			&cli.Int64Flag{
				Name:        "concurrency",
				Aliases:     []string{"j"},
				Usage:       "generations in flight",
				Value:       int64(runtime.GOMAXPROCS(0)),
				Destination: &concurrency,
			},
			&cli.BoolFlag{
				Name:        "no-progress",
				Usage:       "hide the progress bar",
				Destination: &noProgress,
			},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			log := logger.FromContext(ctx)

			in, closeIn, err := openInput(input)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			items, err := readBatch(in)
			closeIn()
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}

			engine, err := newEngine(opts)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			defer func() { _ = engine.Close() }()

			var done func()
			if !noProgress && isTerminal(os.Stderr) {
				bar := progressbar.NewOptions(len(items),
					progressbar.OptionSetWriter(os.Stderr),
					progressbar.OptionSetDescription("batch"),
					progressbar.OptionSetWidth(40),
					progressbar.OptionShowCount(),
					progressbar.OptionShowIts(),
				)
				defer func() { _ = bar.Finish() }()
				done = func() { _ = bar.Add(1) }
			}

			start := time.Now()
			results, err := runBatch(ctx, engine, items, int(concurrency), done)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}

			out, closeOut, err := openOutput(output)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			defer closeOut()
			if err := writeBatch(out, results); err != nil {
				return cli.Exit(fmt.Sprintf("error: write results: %v", err), 1)
			}

			failed := 0
			for _, r := range results {
				if r.Error != "" {
					failed++
				}
			}
			log.Info("batch finished", "items", len(results), "failed", failed, "elapsed", time.Since(start))
			return nil
		},
	}
}

func openInput(path string) (io.Reader, func(), error) {
	if path == "" || path == "-" {
		return os.Stdin, func() {}, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	return f, func() { _ = f.Close() }, nil
}

func openOutput(path string) (io.Writer, func(), error) {
	if path == "" || path == "-" {
		return os.Stdout, func() {}, nil
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, nil, err
	}
	return f, func() { _ = f.Close() }, nil
}

func readBatch(r io.Reader) ([]batchItem, error) {
	var items []batchItem
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		var item batchItem
		if err := json.Unmarshal([]byte(text), &item); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		if strings.TrimSpace(item.Prompt) == "" && len(item.Messages) == 0 {
			return nil, fmt.Errorf("line %d: prompt or messages is required", line)
		}
		if item.ID == "" {
			item.ID = strconv.Itoa(line)
		}
		items = append(items, item)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

// runBatch runs every item with at most concurrency generations in flight.
// Item failures are recorded in the results; only cancellation of ctx stops
// the batch early.
func runBatch(ctx context.Context, engine inference.Engine, items []batchItem, concurrency int, done func()) ([]batchResult, error) {
	if concurrency < 1 {
		concurrency = 1
	}
	results := make([]batchResult, len(items))

	var g errgroup.Group
	g.SetLimit(concurrency)
	for i, item := range items {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			results[i] = runBatchItem(ctx, engine, item)
			if done != nil {
				done()
			}
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return results, err
	}
	return results, nil
}

func runBatchItem(ctx context.Context, engine inference.Engine, item batchItem) batchResult {
	ctx, _ = logger.Scoped(ctx, "item", item.ID)
	req := &inference.Request{
		Prompt:   item.Prompt,
		System:   item.System,
		Raw:      item.Raw,
		Messages: item.Messages,
	}
	out := batchResult{ID: item.ID}
	res, err := engine.Generate(ctx, req, nil)
	if res != nil {
		out.Text = res.Text
		out.Stats = res.Stats
	}
	if err != nil {
		out.Error = err.Error()
		return out
	}
	out.FinishReason = "stop"
	if res.Stats.Truncated {
		out.FinishReason = "length"
	}
	return out
}

func writeBatch(w io.Writer, results []batchResult) error {
	bw := bufio.NewWriter(w)
	enc := json.NewEncoder(bw)
	for _, r := range results {
		if err := enc.Encode(r); err != nil {
			return err
		}
	}
	return bw.Flush()
}
