package soft

import (
	"sync"
	"time"
)

// Fence is a host.Fence signalled by the queue goroutine.
type Fence struct {
	mu sync.Mutex
	ch chan struct{} // closed while signalled
}

func newFence(signaled bool) *Fence {
	f := &Fence{ch: make(chan struct{})}
	if signaled {
		close(f.ch)
	}
	return f
}

func (f *Fence) signal() {
	f.mu.Lock()
	defer f.mu.Unlock()
	select {
	case <-f.ch:
	default:
		close(f.ch)
	}
}

// Wait implements host.Fence.
func (f *Fence) Wait(timeout time.Duration) (bool, error) {
	f.mu.Lock()
	ch := f.ch
	f.mu.Unlock()

	select {
	case <-ch:
		return true, nil
	default:
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-ch:
		return true, nil
	case <-t.C:
		return false, nil
	}
}

// Signaled implements host.Fence.
func (f *Fence) Signaled() (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	select {
	case <-f.ch:
		return true, nil
	default:
		return false, nil
	}
}

// Reset implements host.Fence.
func (f *Fence) Reset() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	select {
	case <-f.ch:
		f.ch = make(chan struct{})
	default:
	}
	return nil
}

// Destroy implements host.Fence.
func (*Fence) Destroy() {}
