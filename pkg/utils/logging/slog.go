// Package logging provides the slog handler both binaries install: a
// human-readable line format with colored levels, meant for a terminal.
package logging

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"
)

var bufPool = sync.Pool{
	New: func() interface{} {
		return new(bytes.Buffer)
	},
}

type Options struct {
	Level      slog.Level
	UseColor   bool
	TimeFormat string
}

func DefaultOptions() Options {
	return Options{
		Level:      slog.LevelInfo,
		UseColor:   true,
		TimeFormat: time.RFC3339,
	}
}

// Handler renders records as "<time> | LEVEL | message | k=v ...".
type Handler struct {
	opts   Options
	writer io.Writer
	mu     *sync.Mutex
	attrs  []slog.Attr

	colorTime  func(...any) string
	colorLevel map[slog.Level]func(...any) string
}

func NewHandler(w io.Writer, opts *Options) *Handler {
	if opts == nil {
		defaultOpts := DefaultOptions()
		opts = &defaultOpts
	}
	if opts.TimeFormat == "" {
		opts.TimeFormat = time.RFC3339
	}

	h := &Handler{
		opts:   *opts,
		writer: w,
		mu:     &sync.Mutex{},
	}
	h.initColorFuncs()

	return h
}

func (h *Handler) initColorFuncs() {
	if !h.opts.UseColor {
		plain := func(a ...any) string { return fmt.Sprint(a...) }
		h.colorTime = plain
		h.colorLevel = map[slog.Level]func(...any) string{
			slog.LevelDebug: plain,
			slog.LevelInfo:  plain,
			slog.LevelWarn:  plain,
			slog.LevelError: plain,
		}
		return
	}

	h.colorTime = color.New(color.FgHiBlack).SprintFunc()
	h.colorLevel = map[slog.Level]func(...any) string{
		slog.LevelDebug: color.New(color.FgMagenta).SprintFunc(),
		slog.LevelInfo:  color.New(color.FgBlue).SprintFunc(),
		slog.LevelWarn:  color.New(color.FgYellow).SprintFunc(),
		slog.LevelError: color.New(color.FgRed).SprintFunc(),
	}
}

func (h *Handler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.opts.Level
}

func (h *Handler) Handle(_ context.Context, r slog.Record) error {
	buf := bufPool.Get().(*bytes.Buffer)
	defer func() {
		buf.Reset()
		bufPool.Put(buf)
	}()

	buf.WriteString(h.colorTime(r.Time.Format(h.opts.TimeFormat)))
	buf.WriteString(" | ")
	buf.WriteString(h.formatLevel(r.Level))
	buf.WriteString(" | ")
	buf.WriteString(r.Message)

	for _, attr := range h.attrs {
		writeAttr(buf, attr)
	}
	r.Attrs(func(attr slog.Attr) bool {
		writeAttr(buf, attr)
		return true
	})

	buf.WriteByte('\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := h.writer.Write(buf.Bytes())
	return err
}

func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	if len(attrs) == 0 {
		return h
	}

	clone := &Handler{
		opts:   h.opts,
		writer: h.writer,
		mu:     h.mu,
		attrs:  append(append([]slog.Attr(nil), h.attrs...), attrs...),
	}
	clone.initColorFuncs()

	return clone
}

func (h *Handler) WithGroup(name string) slog.Handler {
	// Groups are flattened; nothing in this codebase nests them.
	return h
}

func (h *Handler) formatLevel(level slog.Level) string {
	text := fmt.Sprintf("%-5s", strings.ToUpper(level.String()))
	if colorFunc, ok := h.colorLevel[level]; ok {
		return colorFunc(text)
	}
	return text
}

func writeAttr(buf *bytes.Buffer, attr slog.Attr) {
	value := attr.Value.Resolve()

	buf.WriteByte(' ')
	buf.WriteString(attr.Key)
	buf.WriteByte('=')
	fmt.Fprintf(buf, "%v", value.Any())
}
