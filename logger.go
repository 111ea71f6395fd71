package guestgpu

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/gogpu/guestgpu/config"
	"github.com/gogpu/guestgpu/executor"
	"github.com/gogpu/guestgpu/fence"
	"github.com/gogpu/guestgpu/internal/logging"
	"github.com/gogpu/guestgpu/scheduler"
	"github.com/gogpu/guestgpu/texture"
)

// loggerPtr stores the active logger. Accessed atomically so that
// SetLogger can be called concurrently with logging from any goroutine.
var loggerPtr atomic.Pointer[slog.Logger]

func init() {
	loggerPtr.Store(logging.Nop())
}

// SetLogger configures the logger for guestgpu and all its sub-packages.
// By default, guestgpu produces no log output. Call SetLogger to enable
// logging.
//
// SetLogger is safe for concurrent use: it stores the new logger atomically.
// Pass nil to disable logging (restore default silent behavior).
//
// Log levels used by guestgpu:
//   - [slog.LevelDebug]: per-operation tracing (texture created, merge, slot pool growth)
//   - [slog.LevelInfo]: lifecycle events (GPU created, settings reloaded)
//   - [slog.LevelWarn]: recoverable failures (placeholder texture, fence wait errors)
//   - [slog.LevelError]: fatal conditions, before they reach OnFatal handlers
//
// Example:
//
//	guestgpu.SetLogger(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
//	    Level: slog.LevelDebug,
//	})))
func SetLogger(l *slog.Logger) {
	l = logging.OrNop(l)
	loggerPtr.Store(l)

	for _, set := range packageLoggers {
		set(l)
	}

	// Propagate to live host devices that log on their own.
	gpusMu.RLock()
	defer gpusMu.RUnlock()
	for g := range gpus {
		propagateLogger(g.device, l)
	}
}

// packageLoggers are the SetLogger functions of the sub-packages.
var packageLoggers = []func(*slog.Logger){
	config.SetLogger,
	executor.SetLogger,
	fence.SetLogger,
	scheduler.SetLogger,
	texture.SetLogger,
}

// Logger returns the current logger used by guestgpu.
//
// Logger is safe for concurrent use.
func Logger() *slog.Logger {
	return loggerPtr.Load()
}

// loggerSetter is implemented by host devices that accept a logger.
type loggerSetter interface {
	SetLogger(*slog.Logger)
}

// propagateLogger passes the logger to a device if it implements the
// loggerSetter interface. Called from both SetLogger and New so that a
// device always has the current logger.
func propagateLogger(d any, l *slog.Logger) {
	if ls, ok := d.(loggerSetter); ok {
		ls.SetLogger(l)
	}
}

var (
	gpusMu sync.RWMutex
	gpus   = map[*GPU]struct{}{}
)
