package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gogpu/guestgpu/ctxlock"
	"github.com/gogpu/guestgpu/fence"
	"github.com/gogpu/guestgpu/host"
	"github.com/gogpu/guestgpu/internal/spsc"
)

// GrowThreshold is the wait for a free slot after which the record thread
// adds slots to its pool.
const GrowThreshold = time.Millisecond / 50

// Submitter submits a recorded command buffer. It is implemented by
// scheduler.Scheduler.
type Submitter interface {
	SubmitCommandBuffer(cmd host.CommandBuffer, cycle *fence.Cycle, wait []host.SemaphoreWait, signal []host.Semaphore) error
}

// Slot is one command buffer passed back and forth between the executor
// and the record thread, with the nodes queued for it.
type Slot struct {
	cmd   host.CommandBuffer
	cycle *fence.Cycle

	nodes          []node
	postRenderPass []node

	executionTag ctxlock.Tag
	didWait      atomic.Bool

	readyMu   sync.Mutex
	readyCond *sync.Cond
	ready     bool
}

func newSlot(device host.Device, waitSlice time.Duration) (*Slot, error) {
	cmd, err := device.CreateCommandBuffer()
	if err != nil {
		return nil, fmt.Errorf("executor: command buffer: %w", err)
	}
	f, err := device.CreateFence(true)
	if err != nil {
		cmd.Destroy()
		return nil, fmt.Errorf("executor: fence: %w", err)
	}
	sem, err := device.CreateSemaphore()
	if err != nil {
		f.Destroy()
		cmd.Destroy()
		return nil, fmt.Errorf("executor: semaphore: %w", err)
	}
	s := &Slot{cmd: cmd, cycle: fence.New(f, sem, true)}
	s.cycle.SetWaitSlice(waitSlice)
	s.readyCond = sync.NewCond(&s.readyMu)
	s.begin()
	return s, nil
}

// Cycle returns the cycle the slot's next submission signals.
func (s *Slot) Cycle() *fence.Cycle { return s.cycle }

// Reset waits for the previous submission of the slot and moves it to a
// fresh cycle, which it returns.
func (s *Slot) Reset() (*fence.Cycle, error) {
	start := time.Now()
	s.cycle.Wait(true)
	next, err := s.cycle.Successor()
	if err != nil {
		return nil, fmt.Errorf("executor: reset slot fence: %w", err)
	}
	s.cycle = next
	if time.Since(start) > GrowThreshold {
		s.didWait.Store(true)
	}
	return next, nil
}

// waitReady blocks until the command buffer has begun recording. The
// buffer is begun again once the upcoming submission retires.
func (s *Slot) waitReady() {
	s.readyMu.Lock()
	for !s.ready {
		s.readyCond.Wait()
	}
	s.readyMu.Unlock()
	s.cycle.AttachObject(fence.ReleaseFunc(s.begin))
}

func (s *Slot) begin() {
	s.readyMu.Lock()
	defer s.readyMu.Unlock()
	if err := s.cmd.Reset(); err != nil {
		slogger().Warn("executor: command buffer reset failed", "err", err)
	}
	if err := s.cmd.Begin(); err != nil {
		slogger().Error("executor: command buffer begin failed", "err", err)
		return
	}
	s.ready = true
	s.readyCond.Broadcast()
}

func (s *Slot) setNotReady() {
	s.readyMu.Lock()
	s.ready = false
	s.readyMu.Unlock()
}

func (s *Slot) destroy() {
	s.cycle.Fence().Destroy()
	s.cycle.Semaphore().Destroy()
	s.cmd.Destroy()
}

// RecordThread records the nodes of released slots into their command
// buffers and submits them on a goroutine of its own, so the executor can
// fill the next slot while the previous one is recorded.
type RecordThread struct {
	device    host.Device
	sched     Submitter
	maxSlots  int
	waitSlice time.Duration
	onError   func(error)

	incoming *spsc.Queue[*Slot]
	outgoing *spsc.Queue[*Slot]

	// slots is owned by the record goroutine once it runs.
	slots []*Slot
	count atomic.Int32
	idle  atomic.Bool

	cancel context.CancelFunc
	done   chan struct{}
}

// NewRecordThread starts a record thread with one slot. The pool grows up
// to 1<<scale slots. onError receives submission failures.
func NewRecordThread(device host.Device, sched Submitter, scale uint, waitSlice time.Duration, onError func(error)) (*RecordThread, error) {
	if onError == nil {
		onError = func(error) {}
	}
	n := 1 << scale
	r := &RecordThread{
		device:    device,
		sched:     sched,
		maxSlots:  n,
		waitSlice: waitSlice,
		onError:   onError,
		incoming:  spsc.New[*Slot](n),
		outgoing:  spsc.New[*Slot](n),
		done:      make(chan struct{}),
	}
	s, err := newSlot(device, waitSlice)
	if err != nil {
		return nil, err
	}
	r.slots = append(r.slots, s)
	r.count.Store(1)
	_ = r.outgoing.Push(s)
	r.idle.Store(true)

	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	go r.run(ctx)
	return r, nil
}

// Slots returns the size of the slot pool.
func (r *RecordThread) Slots() int { return int(r.count.Load()) }

// IsIdle reports whether no slot is being recorded.
func (r *RecordThread) IsIdle() bool { return r.idle.Load() }

// AcquireSlot returns a free slot. Slot.Reset must be called before it is
// used.
func (r *RecordThread) AcquireSlot() (*Slot, error) {
	start := time.Now()
	s, err := r.outgoing.Pop(context.Background())
	if err != nil {
		return nil, fmt.Errorf("executor: acquire slot: %w", err)
	}
	if time.Since(start) > GrowThreshold {
		s.didWait.Store(true)
	}
	return s, nil
}

// ReleaseSlot hands s to the record goroutine.
func (r *RecordThread) ReleaseSlot(s *Slot) error {
	if err := r.incoming.Push(s); err != nil {
		return fmt.Errorf("executor: release slot: %w", err)
	}
	return nil
}

func (r *RecordThread) run(ctx context.Context) {
	defer close(r.done)
	err := r.incoming.Process(ctx, r.processSlot, func() { r.idle.Store(true) })
	if err != nil && !errors.Is(err, spsc.ErrClosed) && !errors.Is(err, context.Canceled) {
		slogger().Warn("executor: record thread stopped", "err", err)
	}
}

func (r *RecordThread) processSlot(s *Slot) {
	r.idle.Store(false)
	r.record(s)

	if s.didWait.Load() && len(r.slots)+1 < r.maxSlots {
		for range 2 {
			ns, err := newSlot(r.device, r.waitSlice)
			if err != nil {
				slogger().Warn("executor: slot pool growth failed", "err", err)
				break
			}
			r.slots = append(r.slots, ns)
			r.count.Add(1)
			_ = r.outgoing.Push(ns)
		}
		s.didWait.Store(false)
		slogger().Debug("executor: slot pool grew", "slots", len(r.slots))
	}
	_ = r.outgoing.Push(s)
}

// record records the nodes of s and submits its command buffer.
func (r *RecordThread) record(s *Slot) {
	for _, n := range s.nodes {
		recordNode(n, s.cmd, s.cycle)
	}
	clear(s.nodes)
	s.nodes = s.nodes[:0]

	err := s.cmd.End()
	s.setNotReady()
	if err != nil {
		s.cycle.Cancel()
		r.onError(fmt.Errorf("executor: end command buffer: %w", err))
		return
	}
	if err := r.sched.SubmitCommandBuffer(s.cmd, s.cycle, nil, nil); err != nil {
		r.onError(err)
	}
}

// Close records every released slot, waits for all submissions and
// destroys the pool.
func (r *RecordThread) Close() {
	r.incoming.Close()
	<-r.done
	r.cancel()
	for {
		s, ok := r.incoming.TryPop()
		if !ok {
			break
		}
		r.record(s)
	}
	r.outgoing.Close()
	for _, s := range r.slots {
		if s.cycle.Submitted() {
			s.cycle.Wait(true)
		} else {
			s.cycle.Cancel()
		}
		s.destroy()
	}
	r.slots = nil
	r.count.Store(0)
}
