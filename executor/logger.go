package executor

import (
	"log/slog"
	"sync/atomic"

	"github.com/gogpu/guestgpu/internal/logging"
)

var loggerPtr atomic.Pointer[slog.Logger]

func init() { loggerPtr.Store(logging.Nop()) }

func slogger() *slog.Logger { return loggerPtr.Load() }

// SetLogger sets the logger used by the executor package. Pass nil to
// disable logging.
func SetLogger(l *slog.Logger) { loggerPtr.Store(logging.OrNop(l)) }
