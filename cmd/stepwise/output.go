package main

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
)

type StreamMode string

const (
	StreamInstant StreamMode = "instant"
	StreamQuiet   StreamMode = "quiet"
)

func parseStreamMode(s string) (StreamMode, error) {
	switch m := StreamMode(strings.ToLower(strings.TrimSpace(s))); m {
	case "", StreamInstant:
		return StreamInstant, nil
	case StreamQuiet:
		return m, nil
	default:
		return "", fmt.Errorf("unknown stream mode %q (expected instant or quiet)", s)
	}
}

// StreamWriter prints emitted text as it arrives, or all at once in quiet
// mode. With escape set, control characters are printed as escapes.
type StreamWriter struct {
	mode   StreamMode
	escape bool
	buffer *bufio.Writer

	mu          sync.Mutex
	accumulator strings.Builder
}

func NewStreamWriter(w io.Writer, mode StreamMode, escape bool) *StreamWriter {
	return &StreamWriter{
		mode:   mode,
		escape: escape,
		buffer: bufio.NewWriterSize(w, 4096),
	}
}

// Write handles one emitted chunk. It matches inference.StreamFunc.
func (w *StreamWriter) Write(chunk string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.accumulator.WriteString(chunk)
	if w.mode == StreamQuiet {
		return
	}
	w.write(chunk)
	_ = w.buffer.Flush()
}

// Flush writes anything held back and returns the full text.
func (w *StreamWriter) Flush() string {
	w.mu.Lock()
	defer w.mu.Unlock()

	result := w.accumulator.String()
	if w.mode == StreamQuiet {
		w.write(result)
	}
	_ = w.buffer.Flush()
	return result
}

func (w *StreamWriter) write(s string) {
	if w.escape {
		s = escapeRawOutput(s)
	}
	_, _ = w.buffer.WriteString(s)
}

func escapeRawOutput(s string) string {
	var b strings.Builder
	for _, r := range s {
		b.WriteString(escapeRawOutputRune(r))
	}
	return b.String()
}

func escapeRawOutputRune(r rune) string {
	switch r {
	case '\n':
		return `\n`
	case '\r':
		return `\r`
	case '\t':
		return `\t`
	case '\\':
		return `\\`
	default:
		if strconv.IsPrint(r) {
			return string(r)
		}
		return fmt.Sprintf(`\u%04x`, r)
	}
}
