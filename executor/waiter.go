package executor

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/gogpu/guestgpu/fence"
	"github.com/gogpu/guestgpu/internal/spsc"
)

// DefaultWaiterQueueSize bounds the callbacks awaiting their cycle.
const DefaultWaiterQueueSize = 1024

type waitItem struct {
	cycle    *fence.Cycle
	callback func()
}

// WaiterThread runs callbacks once the GPU has finished the work they
// depend on, in the order they were queued.
type WaiterThread struct {
	queue *spsc.Queue[waitItem]
	idle  atomic.Bool

	cancel context.CancelFunc
	done   chan struct{}
}

// NewWaiterThread starts a waiter goroutine.
func NewWaiterThread(queueSize int) *WaiterThread {
	w := &WaiterThread{
		queue: spsc.New[waitItem](max(queueSize, 1)),
		done:  make(chan struct{}),
	}
	w.idle.Store(true)
	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	go w.run(ctx)
	return w
}

func (w *WaiterThread) run(ctx context.Context) {
	defer close(w.done)
	err := w.queue.Process(ctx, func(it waitItem) {
		w.idle.Store(false)
		it.run()
	}, func() { w.idle.Store(true) })
	if err != nil && !errors.Is(err, spsc.ErrClosed) && !errors.Is(err, context.Canceled) {
		slogger().Warn("executor: waiter stopped", "err", err)
	}
}

func (it waitItem) run() {
	if it.cycle != nil {
		it.cycle.Wait(false)
	}
	if it.callback != nil {
		it.callback()
	}
}

// Queue runs callback after cycle has signalled. Either may be nil: a nil
// cycle runs callback as soon as everything queued before it has run, and
// a nil callback only waits.
func (w *WaiterThread) Queue(cycle *fence.Cycle, callback func()) {
	if err := w.queue.Push(waitItem{cycle: cycle, callback: callback}); err != nil {
		// Closed; keep the ordering promise on the caller's goroutine.
		waitItem{cycle: cycle, callback: callback}.run()
	}
}

// IsIdle reports whether nothing is queued.
func (w *WaiterThread) IsIdle() bool { return w.idle.Load() && w.queue.Len() == 0 }

// Close runs every queued item and stops the goroutine.
func (w *WaiterThread) Close() {
	w.queue.Close()
	<-w.done
	w.cancel()
	for {
		it, ok := w.queue.TryPop()
		if !ok {
			return
		}
		it.run()
	}
}
