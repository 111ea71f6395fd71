// Package logging holds the silent default logger shared by every guestgpu
// package. Each package keeps its own atomic logger pointer and falls back to
// Nop when its SetLogger receives nil.
package logging

import (
	"context"
	"log/slog"
)

// nopHandler silently discards all log records.
type nopHandler struct{}

func (nopHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (nopHandler) Handle(context.Context, slog.Record) error { return nil }
func (nopHandler) WithAttrs([]slog.Attr) slog.Handler        { return nopHandler{} }
func (nopHandler) WithGroup(string) slog.Handler             { return nopHandler{} }

// Nop returns a logger that discards everything. Enabled reports false so
// callers skip formatting entirely.
func Nop() *slog.Logger { return slog.New(nopHandler{}) }

// OrNop returns l, or Nop if l is nil.
func OrNop(l *slog.Logger) *slog.Logger {
	if l == nil {
		return Nop()
	}
	return l
}
