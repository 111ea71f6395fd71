// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

// Package scheduler owns the pool of host command buffers and their fence
// cycles, submits recorded work to the host queue and retires finished
// submissions on a waiter goroutine.
//
// A slot is a command buffer paired with the cycle of its last submission.
// Slots are recycled as soon as their cycle has signalled, so the pool only
// grows while the GPU lags behind the recording side.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gogpu/guestgpu/fence"
	"github.com/gogpu/guestgpu/host"
	"github.com/gogpu/guestgpu/internal/spsc"
)

var (
	// ErrDeviceLost is returned when a submission still fails with device
	// loss after the retry.
	ErrDeviceLost = errors.New("scheduler: device lost")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("scheduler: closed")
)

// Defaults used when the corresponding option is not given.
const (
	DefaultDeviceLossBackoff = 5 * time.Second
	DefaultWaiterQueueSize   = 512
)

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithDeviceLossBackoff sets the delay before a submission that failed
// with device loss is retried.
func WithDeviceLossBackoff(d time.Duration) Option {
	return func(s *Scheduler) { s.backoff = d }
}

// WithWaitSlice sets the longest single fence wait of every cycle.
func WithWaitSlice(d time.Duration) Option {
	return func(s *Scheduler) { s.waitSlice = d }
}

// WithWaiterQueueSize bounds the number of submissions awaiting
// retirement. Submitting blocks while the queue is full.
func WithWaiterQueueSize(n int) Option {
	return func(s *Scheduler) { s.queueSize = max(n, 1) }
}

type slot struct {
	active atomic.Bool
	cmd    host.CommandBuffer
	cycle  *fence.Cycle
}

// CommandBuffer is a slot handed out by AllocateCommandBuffer. It is in the
// recording state until submitted. Release returns it to the pool.
type CommandBuffer struct {
	slot *slot
}

// Cmd returns the host command buffer to record into.
func (b *CommandBuffer) Cmd() host.CommandBuffer { return b.slot.cmd }

// Cycle returns the cycle the next submission of the buffer signals.
func (b *CommandBuffer) Cycle() *fence.Cycle { return b.slot.cycle }

// Release returns the slot to the pool. It is reused once its cycle has
// signalled; a cycle that was never submitted is cancelled.
func (b *CommandBuffer) Release() {
	if c := b.slot.cycle; !c.Submitted() {
		c.Cancel()
	}
	b.slot.active.Store(false)
}

// Scheduler submits command buffers to one host queue.
type Scheduler struct {
	device    host.Device
	backoff   time.Duration
	waitSlice time.Duration
	queueSize int

	mu     sync.Mutex
	slots  []*slot
	closed bool

	// submitMu serializes access to the host queue.
	submitMu sync.Mutex

	waiter *spsc.Queue[*fence.Cycle]
	cancel context.CancelFunc
	done   chan struct{}
}

// New returns a Scheduler for device and starts its waiter goroutine.
func New(device host.Device, opts ...Option) *Scheduler {
	s := &Scheduler{
		device:    device,
		backoff:   DefaultDeviceLossBackoff,
		waitSlice: fence.DefaultWaitSlice,
		queueSize: DefaultWaiterQueueSize,
		done:      make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	s.waiter = spsc.New[*fence.Cycle](s.queueSize)

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	go s.wait(ctx)
	return s
}

// wait retires submissions in order, releasing the objects attached to
// their cycles.
func (s *Scheduler) wait(ctx context.Context) {
	defer close(s.done)
	err := s.waiter.Process(ctx, func(c *fence.Cycle) { c.Wait(true) }, nil)
	if err != nil && !errors.Is(err, spsc.ErrClosed) && !errors.Is(err, context.Canceled) {
		slogger().Warn("scheduler: waiter stopped", "err", err)
	}
}

// Slots returns the size of the pool.
func (s *Scheduler) Slots() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.slots)
}

// AllocateCommandBuffer returns a slot ready for recording. A slot whose
// last submission has completed is reused; otherwise the pool grows.
func (s *Scheduler) AllocateCommandBuffer() (*CommandBuffer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}

	for _, sl := range s.slots {
		if !sl.active.CompareAndSwap(false, true) {
			continue
		}
		if !sl.cycle.Poll() {
			sl.active.Store(false)
			continue
		}
		if err := s.prepare(sl); err != nil {
			sl.active.Store(false)
			return nil, err
		}
		return &CommandBuffer{slot: sl}, nil
	}

	sl, err := s.newSlot()
	if errors.Is(err, host.ErrOutOfPoolMemory) {
		// Pool memory comes back with the oldest in-flight slot.
		if sl, err = s.reclaimLocked(); err == nil {
			return &CommandBuffer{slot: sl}, nil
		}
	}
	if err != nil {
		return nil, err
	}
	s.slots = append(s.slots, sl)
	slogger().Debug("scheduler: slot pool grew", "slots", len(s.slots))
	return &CommandBuffer{slot: sl}, nil
}

func (s *Scheduler) newSlot() (*slot, error) {
	cmd, err := s.device.CreateCommandBuffer()
	if err != nil {
		return nil, fmt.Errorf("scheduler: command buffer: %w", err)
	}
	f, err := s.device.CreateFence(true)
	if err != nil {
		cmd.Destroy()
		return nil, fmt.Errorf("scheduler: fence: %w", err)
	}
	sem, err := s.device.CreateSemaphore()
	if err != nil {
		f.Destroy()
		cmd.Destroy()
		return nil, fmt.Errorf("scheduler: semaphore: %w", err)
	}
	sl := &slot{cmd: cmd, cycle: fence.New(f, sem, true)}
	sl.active.Store(true)
	if err := s.prepare(sl); err != nil {
		sem.Destroy()
		f.Destroy()
		cmd.Destroy()
		return nil, err
	}
	return sl, nil
}

// reclaimLocked blocks until the first slot not held by a caller retires
// and returns it prepared.
func (s *Scheduler) reclaimLocked() (*slot, error) {
	for _, sl := range s.slots {
		if !sl.active.CompareAndSwap(false, true) {
			continue
		}
		sl.cycle.Wait(true)
		if err := s.prepare(sl); err != nil {
			sl.active.Store(false)
			return nil, err
		}
		return sl, nil
	}
	return nil, fmt.Errorf("scheduler: no slot to reclaim: %w", host.ErrOutOfPoolMemory)
}

// prepare moves sl to a fresh cycle and begins recording.
func (s *Scheduler) prepare(sl *slot) error {
	next, err := sl.cycle.Successor()
	if err != nil {
		return fmt.Errorf("scheduler: reset fence: %w", err)
	}
	next.SetWaitSlice(s.waitSlice)
	sl.cycle = next

	if err := sl.cmd.Reset(); err != nil {
		return fmt.Errorf("scheduler: reset command buffer: %w", err)
	}
	if err := sl.cmd.Begin(); err != nil {
		return fmt.Errorf("scheduler: begin command buffer: %w", err)
	}
	return nil
}

// SubmitCommandBuffer submits cmd, which must have ended recording, so
// that it signals cycle. The cycle's own semaphore is always signalled and
// is waited on first when a previous submission left it signalled.
//
// A submission failing with device loss is retried once after the backoff.
// On failure the cycle is cancelled.
func (s *Scheduler) SubmitCommandBuffer(cmd host.CommandBuffer, cycle *fence.Cycle, wait []host.SemaphoreWait, signal []host.Semaphore) error {
	waits := wait
	if cycle.SemaphoreSubmitWait() {
		waits = append(append(make([]host.SemaphoreWait, 0, len(wait)+1), wait...),
			host.SemaphoreWait{Semaphore: cycle.Semaphore(), Stage: host.StageAllCommands})
	}
	signals := append(append(make([]host.Semaphore, 0, len(signal)+1), signal...), cycle.Semaphore())

	info := host.SubmitInfo{
		CommandBuffers: []host.CommandBuffer{cmd},
		Wait:           waits,
		Signal:         signals,
	}

	err := s.submit(info, cycle.Fence())
	if errors.Is(err, host.ErrDeviceLost) {
		slogger().Error("scheduler: device lost during submission, retrying", "backoff", s.backoff, "err", err)
		time.Sleep(s.backoff)
		err = s.submit(info, cycle.Fence())
		if errors.Is(err, host.ErrDeviceLost) {
			cycle.Cancel()
			return fmt.Errorf("%w: %w", ErrDeviceLost, err)
		}
	}
	if err != nil {
		cycle.Cancel()
		return fmt.Errorf("scheduler: submit: %w", err)
	}

	cycle.NotifySubmitted()
	if err := s.waiter.Push(cycle); err != nil {
		// The waiter is gone; retire the cycle here.
		cycle.Wait(true)
	}
	return nil
}

func (s *Scheduler) submit(info host.SubmitInfo, f host.Fence) error {
	s.submitMu.Lock()
	defer s.submitMu.Unlock()
	return s.device.Submit(info, f)
}

// Submit records commands with record into a pooled command buffer and
// submits it. It returns the cycle signalled when the GPU finishes.
func (s *Scheduler) Submit(record func(cmd host.CommandBuffer, cycle *fence.Cycle), wait []host.SemaphoreWait, signal []host.Semaphore) (*fence.Cycle, error) {
	b, err := s.AllocateCommandBuffer()
	if err != nil {
		return nil, err
	}
	defer b.Release()

	cmd, cycle := b.Cmd(), b.Cycle()
	record(cmd, cycle)
	if err := cmd.End(); err != nil {
		cycle.Cancel()
		return nil, fmt.Errorf("scheduler: end command buffer: %w", err)
	}
	if err := s.SubmitCommandBuffer(cmd, cycle, wait, signal); err != nil {
		return nil, err
	}
	return cycle, nil
}

// Close stops accepting work, waits for every outstanding submission and
// releases the pool.
func (s *Scheduler) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	slots := s.slots
	s.slots = nil
	s.mu.Unlock()

	s.waiter.Close()
	<-s.done
	s.cancel()
	for {
		c, ok := s.waiter.TryPop()
		if !ok {
			break
		}
		c.Wait(true)
	}

	for _, sl := range slots {
		if sl.cycle.Submitted() {
			sl.cycle.Wait(true)
		} else {
			sl.cycle.Cancel()
		}
		sl.cycle.Fence().Destroy()
		sl.cycle.Semaphore().Destroy()
		sl.cmd.Destroy()
	}
}
