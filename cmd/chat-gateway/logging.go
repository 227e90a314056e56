// ABOUTME: slog setup for the chat-gateway binary.
// ABOUTME: JSON output for machines, a colorized handler for terminals.

package main

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/fatih/color"

	"github.com/trovia/chat-gateway/internal/config"
)

func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	}
	return slog.New(newColorHandler(os.Stdout, level))
}

var levelTags = map[slog.Level]string{
	slog.LevelDebug: color.MagentaString("DBG"),
	slog.LevelInfo:  color.CyanString("INF"),
	slog.LevelWarn:  color.YellowString("WRN"),
	slog.LevelError: color.New(color.FgRed, color.Bold).Sprint("ERR"),
}

// colorHandler writes colorized log lines, safe for concurrent use.
// Attr keys accumulated under WithGroup are dot-qualified in the output.
type colorHandler struct {
	mu     *sync.Mutex
	out    io.Writer
	level  slog.Level
	prefix string // rendered WithAttrs context, already colorized
	groups string // dot-joined group path, "" at the root
}

func newColorHandler(out io.Writer, level slog.Level) *colorHandler {
	return &colorHandler{mu: &sync.Mutex{}, out: out, level: level}
}

func (h *colorHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *colorHandler) Handle(_ context.Context, r slog.Record) error {
	var buf strings.Builder
	buf.WriteString(color.HiBlackString(r.Time.Format("15:04:05")))
	buf.WriteByte(' ')

	if tag, ok := levelTags[r.Level]; ok {
		buf.WriteString(tag)
	} else {
		buf.WriteString(r.Level.String())
	}
	buf.WriteByte(' ')

	buf.WriteString(r.Message)
	buf.WriteString(h.prefix)
	r.Attrs(func(a slog.Attr) bool {
		h.writeAttr(&buf, a)
		return true
	})
	buf.WriteByte('\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := io.WriteString(h.out, buf.String())
	return err
}

func (h *colorHandler) writeAttr(buf *strings.Builder, a slog.Attr) {
	key := a.Key
	if h.groups != "" {
		key = h.groups + "." + key
	}
	buf.WriteString(color.HiBlackString(" " + key + "="))
	buf.WriteString(a.Value.String())
}

func (h *colorHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	nh := *h
	var buf strings.Builder
	buf.WriteString(h.prefix)
	for _, a := range attrs {
		h.writeAttr(&buf, a)
	}
	nh.prefix = buf.String()
	return &nh
}

func (h *colorHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	nh := *h
	if h.groups == "" {
		nh.groups = name
	} else {
		nh.groups = h.groups + "." + name
	}
	return &nh
}
