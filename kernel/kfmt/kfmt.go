// Package kfmt provides the kernel's diagnostic output. Each kernel module
// obtains a logger tagged with its name; output is discarded unless a real
// handler has been installed (the vmmctl tool installs one when running with
// --verbose).
package kfmt

import (
	"context"
	"log/slog"
)

var output = slog.New(discardHandler{})

// SetOutput installs the logger that backs all module loggers obtained after
// the call. Passing nil restores the discarding default.
func SetOutput(l *slog.Logger) {
	if l == nil {
		output = slog.New(discardHandler{})
		return
	}
	output = l
}

// Logger returns a logger tagged with the supplied module name.
func Logger(module string) *slog.Logger {
	return output.With(slog.String("module", module))
}

// discardHandler drops all records. slog.DiscardHandler only exists from Go
// 1.24 onwards.
type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }
