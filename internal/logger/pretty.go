package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorYellow = "\033[33m"
	colorBlue   = "\033[34m"
	colorGray   = "\033[90m"
	colorCyan   = "\033[36m"
	colorBold   = "\033[1m"
)

// correlationKeys are lifted out of the attribute list and printed, shortened,
// in front of the message so the lines of one generation line up.
var correlationKeys = map[string]bool{
	"request_id":    true,
	"generation_id": true,
}

// PrettyHandler is a slog.Handler for terminals:
//
//	15:04:05.000 INF [gen_1b4e28ba] prefill complete rounds=3 elapsed=41ms
type PrettyHandler struct {
	opts  slog.HandlerOptions
	w     io.Writer
	mu    *sync.Mutex
	group string
	pre   []byte // attrs from WithAttrs, already rendered
	ids   []string
}

func NewPrettyHandler(w io.Writer, opts *slog.HandlerOptions) *PrettyHandler {
	if opts == nil {
		opts = &slog.HandlerOptions{}
	}
	return &PrettyHandler{opts: *opts, w: w, mu: &sync.Mutex{}}
}

func (h *PrettyHandler) Enabled(_ context.Context, level slog.Level) bool {
	minLevel := slog.LevelInfo
	if h.opts.Level != nil {
		minLevel = h.opts.Level.Level()
	}
	return level >= minLevel
}

func (h *PrettyHandler) Handle(_ context.Context, r slog.Record) error {
	buf := make([]byte, 0, 256)

	buf = append(buf, colorGray...)
	buf = r.Time.AppendFormat(buf, "15:04:05.000")
	buf = append(buf, colorReset...)
	buf = append(buf, ' ')

	buf = append(buf, levelColor(r.Level)...)
	buf = append(buf, colorBold...)
	buf = append(buf, levelTag(r.Level)...)
	buf = append(buf, colorReset...)
	buf = append(buf, ' ')

	ids := h.ids
	attrs := make([]slog.Attr, 0, r.NumAttrs())
	r.Attrs(func(a slog.Attr) bool {
		if h.group == "" && correlationKeys[a.Key] {
			ids = append(ids[:len(ids):len(ids)], shortID(a.Value.String()))
			return true
		}
		attrs = append(attrs, a)
		return true
	})

	if len(ids) > 0 {
		buf = append(buf, colorGray...)
		buf = append(buf, '[')
		buf = append(buf, strings.Join(ids, " ")...)
		buf = append(buf, ']')
		buf = append(buf, colorReset...)
		buf = append(buf, ' ')
	}

	buf = append(buf, r.Message...)
	buf = append(buf, h.pre...)
	for _, attr := range attrs {
		buf = appendColoredAttr(buf, attr, h.group)
	}

	if h.opts.AddSource && r.PC != 0 {
		if src := r.Source(); src != nil {
			buf = append(buf, colorGray...)
			buf = fmt.Appendf(buf, " (%s:%d)", shortFile(src.File), src.Line)
			buf = append(buf, colorReset...)
		}
	}
	buf = append(buf, '\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := h.w.Write(buf)
	return err
}

func (h *PrettyHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := h.clone()
	for _, a := range attrs {
		if h.group == "" && correlationKeys[a.Key] {
			next.ids = append(next.ids, shortID(a.Value.String()))
			continue
		}
		next.pre = appendColoredAttr(next.pre, a, h.group)
	}
	return next
}

func (h *PrettyHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	next := h.clone()
	if h.group != "" {
		name = h.group + "." + name
	}
	next.group = name
	return next
}

func (h *PrettyHandler) clone() *PrettyHandler {
	return &PrettyHandler{
		opts:  h.opts,
		w:     h.w,
		mu:    h.mu,
		group: h.group,
		pre:   append([]byte(nil), h.pre...),
		ids:   append([]string(nil), h.ids...),
	}
}

func levelColor(level slog.Level) string {
	switch {
	case level >= slog.LevelError:
		return colorRed
	case level >= slog.LevelWarn:
		return colorYellow
	case level >= slog.LevelInfo:
		return colorBlue
	default:
		return colorGray
	}
}

func levelTag(level slog.Level) string {
	switch {
	case level >= slog.LevelError:
		return "ERR"
	case level >= slog.LevelWarn:
		return "WRN"
	case level >= slog.LevelInfo:
		return "INF"
	default:
		return "DBG"
	}
}

// shortID keeps an optional "prefix_" and the first 8 characters of the rest.
func shortID(id string) string {
	prefix := ""
	if i := strings.IndexByte(id, '_'); i >= 0 {
		prefix, id = id[:i+1], id[i+1:]
	}
	if len(id) > 8 {
		id = id[:8]
	}
	return prefix + id
}

func shortFile(path string) string {
	if i := strings.LastIndexByte(path, '/'); i >= 0 {
		if j := strings.LastIndexByte(path[:i], '/'); j >= 0 {
			return path[j+1:]
		}
	}
	return path
}

func appendColoredAttr(buf []byte, attr slog.Attr, group string) []byte {
	buf = append(buf, ' ')
	color := colorCyan
	if _, isErr := attr.Value.Any().(error); isErr {
		color = colorRed
	}
	buf = append(buf, color...)
	buf = appendAttr(buf, attr, group)
	return append(buf, colorReset...)
}

func appendAttr(buf []byte, attr slog.Attr, group string) []byte {
	attr.Value = attr.Value.Resolve()
	key := attr.Key
	if group != "" {
		key = group + "." + key
	}

	if attr.Value.Kind() == slog.KindGroup {
		for i, a := range attr.Value.Group() {
			if i > 0 {
				buf = append(buf, ' ')
			}
			buf = appendAttr(buf, a, key)
		}
		return buf
	}

	buf = append(buf, key...)
	buf = append(buf, '=')

	switch attr.Value.Kind() {
	case slog.KindString:
		s := attr.Value.String()
		if needsQuoting(s) {
			buf = strconv.AppendQuote(buf, s)
		} else {
			buf = append(buf, s...)
		}
	case slog.KindDuration:
		buf = append(buf, roundDuration(attr.Value.Duration()).String()...)
	case slog.KindTime:
		buf = attr.Value.Time().AppendFormat(buf, time.RFC3339)
	default:
		s := fmt.Sprint(attr.Value.Any())
		if needsQuoting(s) {
			buf = strconv.AppendQuote(buf, s)
		} else {
			buf = append(buf, s...)
		}
	}
	return buf
}

// roundDuration keeps three significant digits, enough to compare call
// latencies at a glance.
func roundDuration(d time.Duration) time.Duration {
	switch {
	case d >= time.Second:
		return d.Round(10 * time.Millisecond)
	case d >= time.Millisecond:
		return d.Round(10 * time.Microsecond)
	case d >= time.Microsecond:
		return d.Round(10 * time.Nanosecond)
	default:
		return d
	}
}

func needsQuoting(s string) bool {
	return strings.ContainsAny(s, " \t\n\"=")
}
