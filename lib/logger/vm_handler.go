package logger

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

// VMLogHandler wraps an slog.Handler and additionally writes log records
// carrying a "vm" attribute to that VM's own log file, so an operator can
// tail one VM's hotplug activity without grepping the daemon's combined
// log. Adapted from the teacher's InstanceLogHandler (lib/logger/instance_handler.go),
// which does the same thing keyed on "instance_id" instead of "vm".
//
// Implementation follows the slog handler guide for shared state across
// WithAttrs/WithGroup: https://pkg.go.dev/golang.org/x/example/slog-handler-guide
type VMLogHandler struct {
	slog.Handler
	logPathFunc func(vmName string) string
	preAttrs    []slog.Attr
}

// NewVMLogHandler wraps handler, writing records with a "vm" attribute to
// logPathFunc(vmName) in addition to passing them through.
func NewVMLogHandler(wrapped slog.Handler, logPathFunc func(vmName string) string) *VMLogHandler {
	return &VMLogHandler{Handler: wrapped, logPathFunc: logPathFunc}
}

func (h *VMLogHandler) Handle(ctx context.Context, r slog.Record) error {
	if err := h.Handler.Handle(ctx, r); err != nil {
		return err
	}

	var vmName string
	for _, a := range h.preAttrs {
		if a.Key == "vm" {
			vmName = a.Value.String()
			break
		}
	}
	r.Attrs(func(a slog.Attr) bool {
		if a.Key == "vm" {
			vmName = a.Value.String()
			return false
		}
		return true
	})

	if vmName != "" {
		h.writeToVMLog(vmName, r)
	}
	return nil
}

func (h *VMLogHandler) writeToVMLog(vmName string, r slog.Record) {
	logPath := h.logPathFunc(vmName)
	if logPath == "" {
		return
	}
	dir := filepath.Dir(logPath)

	var attrs []string
	for _, a := range h.preAttrs {
		if a.Key != "vm" {
			attrs = append(attrs, fmt.Sprintf("%s=%v", a.Key, a.Value))
		}
	}
	r.Attrs(func(a slog.Attr) bool {
		if a.Key != "vm" {
			attrs = append(attrs, fmt.Sprintf("%s=%v", a.Key, a.Value))
		}
		return true
	})

	line := fmt.Sprintf("%s %s %s", r.Time.Format(time.RFC3339), r.Level.String(), r.Message)
	for _, attr := range attrs {
		line += " " + attr
	}
	line += "\n"

	if err := os.MkdirAll(dir, 0755); err != nil {
		slog.Warn("failed to create vm log directory", "path", dir, "error", err)
		return
	}

	f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		slog.Warn("failed to open vm log file", "path", logPath, "error", err)
		return
	}
	defer f.Close()

	if _, err := f.WriteString(line); err != nil {
		slog.Warn("failed to write to vm log file", "path", logPath, "error", err)
	}
}

func (h *VMLogHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.Handler.Enabled(ctx, level)
}

func (h *VMLogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	newPreAttrs := make([]slog.Attr, len(h.preAttrs), len(h.preAttrs)+len(attrs))
	copy(newPreAttrs, h.preAttrs)
	newPreAttrs = append(newPreAttrs, attrs...)

	return &VMLogHandler{
		Handler:     h.Handler.WithAttrs(attrs),
		logPathFunc: h.logPathFunc,
		preAttrs:    newPreAttrs,
	}
}

func (h *VMLogHandler) WithGroup(name string) slog.Handler {
	return &VMLogHandler{
		Handler:     h.Handler.WithGroup(name),
		logPathFunc: h.logPathFunc,
		preAttrs:    h.preAttrs,
	}
}
