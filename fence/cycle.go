// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

// Package fence provides Cycle, the completion token of one host submission.
//
// A Cycle wraps a host fence and semaphore pair. Objects attached to a cycle
// are kept alive until the GPU has finished the submission, and cycles can
// be chained so that waiting on the newest cycle of a resource also waits on
// every older one.
package fence

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/gogpu/guestgpu/host"
)

// DefaultWaitSlice is the longest single host fence wait issued by Wait.
const DefaultWaitSlice = time.Second

// Releaser is implemented by attached objects that must run cleanup when
// the cycle retires. Objects attached to an already signalled cycle are
// released immediately.
type Releaser interface {
	Release()
}

// ReleaseFunc adapts a function to Releaser.
type ReleaseFunc func()

// Release calls f.
func (f ReleaseFunc) Release() { f() }

// Cycle is the completion token of one submission.
type Cycle struct {
	fence     host.Fence
	semaphore host.Semaphore
	waitSlice time.Duration

	signalled atomic.Bool
	queued    atomic.Bool

	mu       sync.Mutex
	deps     []any
	chained  []*Cycle
	released bool

	submitMu   sync.Mutex
	submitCond *sync.Cond
	submitted  bool

	// semaphoreSubmitWait means the semaphore was signalled by the previous
	// submission on this fence and must be waited on before reuse.
	semaphoreSubmitWait bool
}

// New returns a cycle over fence and semaphore. A signalled cycle is
// already complete; it is used to seed slot pools.
func New(fence host.Fence, semaphore host.Semaphore, signalled bool) *Cycle {
	c := &Cycle{fence: fence, semaphore: semaphore, waitSlice: DefaultWaitSlice}
	c.submitCond = sync.NewCond(&c.submitMu)
	if signalled {
		c.signalled.Store(true)
		c.submitted = true
		c.released = true
	}
	return c
}

// Successor returns a fresh cycle reusing the fence and semaphore of c.
// c must be complete. The fence is reset.
func (c *Cycle) Successor() (*Cycle, error) {
	if err := c.fence.Reset(); err != nil {
		return nil, err
	}
	n := New(c.fence, c.semaphore, false)
	n.waitSlice = c.waitSlice
	// Only a cycle that reached the queue signalled the semaphore.
	n.semaphoreSubmitWait = c.queued.Load()
	return n, nil
}

// SetWaitSlice changes the longest single host fence wait.
func (c *Cycle) SetWaitSlice(d time.Duration) {
	if d > 0 {
		c.waitSlice = d
	}
}

// Fence returns the host fence signalled by the submission.
func (c *Cycle) Fence() host.Fence { return c.fence }

// Semaphore returns the host semaphore signalled by the submission.
func (c *Cycle) Semaphore() host.Semaphore { return c.semaphore }

// SemaphoreSubmitWait reports whether the submission must wait on the
// semaphore before it is signalled again.
func (c *Cycle) SemaphoreSubmitWait() bool { return c.semaphoreSubmitWait }

// NotifySubmitted marks the cycle as handed to the host queue and wakes
// WaitSubmit callers.
func (c *Cycle) NotifySubmitted() {
	c.queued.Store(true)
	c.submitMu.Lock()
	c.submitted = true
	c.submitMu.Unlock()
	c.submitCond.Broadcast()
}

// WaitSubmit blocks until the cycle has been submitted or has completed.
func (c *Cycle) WaitSubmit() {
	c.submitMu.Lock()
	for !c.submitted {
		c.submitCond.Wait()
	}
	c.submitMu.Unlock()
}

// Submitted reports whether the cycle was submitted or cancelled.
func (c *Cycle) Submitted() bool {
	c.submitMu.Lock()
	defer c.submitMu.Unlock()
	return c.submitted
}

// Signalled reports whether the cycle is known to be complete without
// querying the host.
func (c *Cycle) Signalled() bool { return c.signalled.Load() }

// Wait blocks until the submission and every chained cycle have completed.
// If release is set, attached objects are released afterwards.
//
// Host errors while waiting are logged and treated as completion.
func (c *Cycle) Wait(release bool) {
	if c.signalled.Load() {
		if release {
			c.releaseDeps()
		}
		return
	}

	c.WaitSubmit()

	for _, cc := range c.chainedSnapshot() {
		cc.Wait(false)
	}

	for !c.signalled.Load() {
		ok, err := c.fence.Wait(c.waitSlice)
		if err != nil {
			slogger().Warn("fence: wait failed, treating cycle as complete", "err", err)
			break
		}
		if ok {
			break
		}
	}
	c.signalled.Store(true)
	if release {
		c.releaseDeps()
	}
}

// Poll reports whether the submission and every chained cycle have
// completed, without blocking. A complete cycle releases its attached
// objects.
func (c *Cycle) Poll() bool {
	if c.signalled.Load() {
		c.releaseDeps()
		return true
	}

	c.submitMu.Lock()
	submitted := c.submitted
	c.submitMu.Unlock()
	if !submitted {
		return false
	}

	for _, cc := range c.chainedSnapshot() {
		if !cc.Poll() {
			return false
		}
	}

	ok, err := c.fence.Signaled()
	if err != nil {
		slogger().Warn("fence: status query failed, treating cycle as complete", "err", err)
		ok = true
	}
	if !ok {
		return false
	}
	c.signalled.Store(true)
	c.releaseDeps()
	return true
}

// Cancel marks a cycle that will never be submitted as complete and
// releases its attached objects.
func (c *Cycle) Cancel() {
	c.signalled.Store(true)
	c.submitMu.Lock()
	c.submitted = true
	c.submitMu.Unlock()
	c.submitCond.Broadcast()
	c.releaseDeps()
}

// ChainCycle makes waiting on c also wait on other. Nil, complete and
// self cycles are ignored.
func (c *Cycle) ChainCycle(other *Cycle) {
	if other == nil || other == c || other.Signalled() || c.Signalled() {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, cc := range c.chained {
		if cc == other {
			return
		}
	}
	c.chained = append(c.chained, other)
}

// AttachObject keeps obj alive until the cycle completes. A Releaser is
// released at that point, or immediately if the cycle already completed.
func (c *Cycle) AttachObject(obj any) {
	c.mu.Lock()
	if !c.released {
		c.deps = append(c.deps, obj)
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	if r, ok := obj.(Releaser); ok {
		r.Release()
	}
}

// AttachObjects attaches every obj in order.
func (c *Cycle) AttachObjects(objs ...any) {
	for _, o := range objs {
		c.AttachObject(o)
	}
}

func (c *Cycle) chainedSnapshot() []*Cycle {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*Cycle(nil), c.chained...)
}

func (c *Cycle) releaseDeps() {
	c.mu.Lock()
	if c.released {
		c.mu.Unlock()
		return
	}
	c.released = true
	deps := c.deps
	c.deps = nil
	c.chained = nil
	c.mu.Unlock()

	for _, d := range deps {
		if r, ok := d.(Releaser); ok {
			r.Release()
		}
	}
}
