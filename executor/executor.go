// Package executor batches emulated GPU work into host command buffers.
//
// The Executor collects command nodes for the current slot on the goroutine
// driving the emulated GPU, merging consecutive subpasses with compatible
// attachments into one render pass. Submit hands the slot to a
// RecordThread that records and submits it while the next slot is filled,
// and a WaiterThread runs completion callbacks in submission order.
package executor

import (
	"errors"
	"fmt"
	"slices"
	"sync/atomic"
	"time"

	"github.com/gogpu/guestgpu/ctxlock"
	"github.com/gogpu/guestgpu/fence"
	"github.com/gogpu/guestgpu/host"
	"github.com/gogpu/guestgpu/texture"
)

// Defaults used when the corresponding option is not given.
const (
	DefaultSlotCountScale = 4
	DefaultFlushThreshold = 256
)

// ErrClosed is returned after Close.
var ErrClosed = errors.New("executor: closed")

// Buffer is a guest buffer whose use by an execution is tracked like a
// texture's.
type Buffer interface {
	LockWithTag(tag ctxlock.Tag) bool
	Unlock()
	// SynchronizeHost makes guest writes visible to the host.
	SynchronizeHost() error
	// AttachCycle records c as the outstanding GPU use of the buffer.
	AttachCycle(c *fence.Cycle)
}

// Option configures an Executor.
type Option func(*Executor)

// WithSlotCountScale bounds the slot pool to 1<<scale slots.
func WithSlotCountScale(scale uint) Option {
	return func(e *Executor) { e.slotScale = scale }
}

// WithFlushThreshold sets the node count after which opening a render pass
// submits the pending work.
func WithFlushThreshold(n int) Option {
	return func(e *Executor) { e.flushThreshold.Store(int64(n)) }
}

// WithDirectMemoryImport runs submission callbacks and deferred actions in
// sequence with the GPU instead of right after submission.
func WithDirectMemoryImport(enabled bool) Option {
	return func(e *Executor) { e.directMemoryImport.Store(enabled) }
}

// WithWaitSlice sets the longest single fence wait of slot cycles.
func WithWaitSlice(d time.Duration) Option {
	return func(e *Executor) { e.waitSlice = d }
}

// WithErrorHandler receives failures of asynchronous submissions.
func WithErrorHandler(fn func(error)) Option {
	return func(e *Executor) { e.onError = fn }
}

// Executor assembles command nodes and submits them. It is not safe for
// concurrent use; one goroutine drives it.
type Executor struct {
	slotScale          uint
	waitSlice          time.Duration
	flushThreshold     atomic.Int64
	directMemoryImport atomic.Bool
	onError            func(error)

	record *RecordThread
	waiter *WaiterThread

	slot  *Slot
	cycle *fence.Cycle

	renderPass      *renderPassNode
	renderPassAt    int
	renderPassIndex uint32

	tag              ctxlock.Tag
	executionTag     ctxlock.Tag
	submissionNumber uint64

	attachedTextures []*texture.Texture
	attachedBuffers  []Buffer
	preserveTextures []*texture.Texture
	preserveBuffers  []Buffer
	preserveLocked   bool

	flushCallbacks          []func()
	pipelineChangeCallbacks []func()
	deferredActions         []func()

	closed bool
}

// New returns an Executor recording on its own slots and submitting through
// sched.
func New(device host.Device, sched Submitter, opts ...Option) (*Executor, error) {
	e := &Executor{
		slotScale: DefaultSlotCountScale,
		waitSlice: fence.DefaultWaitSlice,
		tag:       ctxlock.NewTag(),
	}
	e.flushThreshold.Store(DefaultFlushThreshold)
	for _, o := range opts {
		o(e)
	}
	if e.onError == nil {
		e.onError = func(err error) { slogger().Error("executor: submission failed", "err", err) }
	}

	r, err := NewRecordThread(device, sched, e.slotScale, e.waitSlice, e.onError)
	if err != nil {
		return nil, err
	}
	e.record = r
	e.waiter = NewWaiterThread(DefaultWaiterQueueSize)
	if err := e.rotateRecordSlot(); err != nil {
		e.waiter.Close()
		r.Close()
		return nil, err
	}
	return e, nil
}

// Tag returns the tag resources attached to the executor are locked with.
// Lookups on the executor's goroutine pass it so they do not block on
// resources the executor already holds.
func (e *Executor) Tag() ctxlock.Tag { return e.tag }

// ExecutionTag identifies the current submission.
func (e *Executor) ExecutionTag() ctxlock.Tag { return e.executionTag }

// Cycle returns the cycle signalled by the current submission.
func (e *Executor) Cycle() *fence.Cycle { return e.cycle }

// SubmissionNumber returns the number of non-empty submissions so far.
func (e *Executor) SubmissionNumber() uint64 { return e.submissionNumber }

// RenderPassIndex returns the index of the current render pass within the
// current submission.
func (e *Executor) RenderPassIndex() uint32 { return e.renderPassIndex }

// IsIdle reports whether no recorded work is being processed.
func (e *Executor) IsIdle() bool { return e.record.IsIdle() && e.waiter.IsIdle() }

// SetFlushThreshold changes the auto-submit node count.
func (e *Executor) SetFlushThreshold(n int) { e.flushThreshold.Store(int64(n)) }

// SetDirectMemoryImport changes how submission callbacks are sequenced.
func (e *Executor) SetDirectMemoryImport(enabled bool) { e.directMemoryImport.Store(enabled) }

func (e *Executor) rotateRecordSlot() error {
	if e.slot != nil {
		if err := e.record.ReleaseSlot(e.slot); err != nil {
			return err
		}
		e.slot = nil
	}
	s, err := e.record.AcquireSlot()
	if err != nil {
		return err
	}
	c, err := s.Reset()
	if err != nil {
		return err
	}
	s.executionTag = e.executionTag
	e.slot, e.cycle = s, c
	return nil
}

// AttachTexture locks the texture behind view with the executor's tag until
// the next submission and synchronizes it then. It reports whether this
// call performed the lock; only then is the texture tracked. Stale views
// are refused and must be looked up again.
func (e *Executor) AttachTexture(view *texture.HostTextureView) bool {
	if !e.lockLive(view) {
		return false
	}
	e.attachedTextures = append(e.attachedTextures, view.Texture())
	return true
}

// lockLive locks view's texture with the executor's tag unless the view is
// stale. Staleness is checked under the lock since textures are only
// destroyed while locked.
func (e *Executor) lockLive(view *texture.HostTextureView) bool {
	if !view.LockWithTag(e.tag) {
		return false
	}
	if view.Stale() {
		view.Unlock()
		slogger().Debug("executor: stale texture view refused")
		return false
	}
	return true
}

// AttachBuffer is AttachTexture for buffers.
func (e *Executor) AttachBuffer(b Buffer) bool {
	if !b.LockWithTag(e.tag) {
		return false
	}
	e.attachedBuffers = append(e.attachedBuffers, b)
	return true
}

// AttachLockedBuffer tracks a buffer the caller already locked with Tag.
// The executor takes over the lock.
func (e *Executor) AttachLockedBuffer(b Buffer) {
	e.attachedBuffers = append(e.attachedBuffers, b)
}

// PreserveTexture attaches the texture behind view across submissions. It
// stays locked until UnlockPreserve or the periodic preserve reset.
func (e *Executor) PreserveTexture(view *texture.HostTextureView) bool {
	e.LockPreserve()
	if !e.lockLive(view) {
		return false
	}
	e.preserveTextures = append(e.preserveTextures, view.Texture())
	return true
}

// PreserveBuffer is PreserveTexture for buffers.
func (e *Executor) PreserveBuffer(b Buffer) bool {
	e.LockPreserve()
	if !b.LockWithTag(e.tag) {
		return false
	}
	e.preserveBuffers = append(e.preserveBuffers, b)
	return true
}

// LockPreserve locks every preserved resource. It must be called before
// attaching resources to an execution.
func (e *Executor) LockPreserve() {
	if e.preserveLocked {
		return
	}
	e.preserveLocked = true
	for _, b := range e.preserveBuffers {
		b.LockWithTag(e.tag)
	}
	for _, t := range e.preserveTextures {
		t.LockWithTag(e.tag)
	}
}

// UnlockPreserve unlocks every preserved resource. It must be called when
// no GPU work is pending so that guest accesses waiting on them can
// proceed.
func (e *Executor) UnlockPreserve() {
	if !e.preserveLocked {
		return
	}
	for _, b := range e.preserveBuffers {
		b.Unlock()
	}
	for _, t := range e.preserveTextures {
		t.Unlock()
	}
	e.preserveLocked = false
}

// AttachDependency keeps obj alive until the current submission completes.
func (e *Executor) AttachDependency(obj any) { e.cycle.AttachObject(obj) }

// CreateRenderPassWithAttachments makes a render pass with the given
// attachments current, reusing the open one when the attachments extend it
// and none of the textures changes role within it. src and dst are merged
// into the dependency of the pass. It reports whether a new pass was
// opened.
func (e *Executor) CreateRenderPassWithAttachments(area host.Rect2D, sampled, color []*texture.HostTextureView, depthStencil *texture.HostTextureView, src, dst host.PipelineStage) bool {
	outputs := color
	if depthStencil != nil {
		outputs = append(slices.Clip(color), depthStencil)
	}

	newPass := e.renderPass == nil || e.renderPass.area != area
	if !newPass {
		for _, v := range outputs {
			if v != nil && !v.Texture().ValidateRenderPassUsage(e.renderPassIndex, texture.UsageRenderTarget) {
				newPass = true
				break
			}
		}
	}
	if !newPass {
		for _, v := range sampled {
			if v != nil && !v.Texture().ValidateRenderPassUsage(e.renderPassIndex, texture.UsageSampled) {
				newPass = true
				break
			}
		}
	}
	if !newPass {
		newPass = !e.renderPass.bindAttachments(color, depthStencil)
	}

	if newPass {
		e.finishRenderPass()
		e.renderPass = newRenderPassNode(area, color, depthStencil)
		e.renderPassAt = len(e.slot.nodes)
		e.slot.nodes = append(e.slot.nodes, e.renderPass)
	}
	e.renderPass.updateDependency(src, dst)

	for _, v := range outputs {
		if v != nil {
			v.Texture().UpdateRenderPassUsage(e.renderPassIndex, texture.UsageRenderTarget)
		}
	}
	for _, v := range sampled {
		if v != nil {
			v.Texture().UpdateRenderPassUsage(e.renderPassIndex, texture.UsageSampled)
		}
	}
	return newPass
}

// finishRenderPass ends the open render pass, if any, and queues the
// commands waiting for it to end.
func (e *Executor) finishRenderPass() {
	if e.renderPass == nil {
		return
	}
	e.slot.nodes = append(e.slot.nodes, renderPassEndNode{})
	e.slot.nodes = append(e.slot.nodes, e.slot.postRenderPass...)
	clear(e.slot.postRenderPass)
	e.slot.postRenderPass = e.slot.postRenderPass[:0]
	e.renderPassIndex++
	e.renderPass = nil
}

// AddSubpass adds fn as a subpass rendering to the given attachments. Nil
// views are ignored. Attached textures must not change layout before the
// submission.
func (e *Executor) AddSubpass(fn Command, area host.Rect2D, sampled, color []*texture.HostTextureView, depthStencil *texture.HostTextureView, src, dst host.PipelineStage) error {
	newPass := e.CreateRenderPassWithAttachments(area, sampled, color, depthStencil, src, dst)
	e.renderPass.subpasses++
	e.slot.nodes = append(e.slot.nodes, functionNode{fn: fn})

	if newPass && int64(len(e.slot.nodes)) > e.flushThreshold.Load() {
		return e.Submit(nil, false)
	}
	return nil
}

// AddClearColorSubpass clears the whole of view to value. The clear is
// folded into the load of the attachment when it opens the pass.
func (e *Executor) AddClearColorSubpass(view *texture.HostTextureView, value host.ClearValue) {
	d := view.Host().Dimensions
	area := host.Rect2D{Width: d.Width, Height: d.Height}
	e.CreateRenderPassWithAttachments(area, nil, []*texture.HostTextureView{view}, nil, 0, 0)
	if !e.renderPass.clearColor(0, value) {
		e.slot.nodes = append(e.slot.nodes, functionNode{fn: func(cmd host.CommandBuffer, _ *fence.Cycle) {
			cmd.ClearAttachments(
				[]host.ClearAttachment{{Aspect: host.AspectColor, ColorAttachment: 0, Value: value}},
				[]host.ClearRect{{Rect: area, LayerCount: 1}},
			)
		}})
	}
	e.renderPass.subpasses++
}

// AddClearDepthStencilSubpass clears the whole of view to the depth and
// stencil of value.
func (e *Executor) AddClearDepthStencilSubpass(view *texture.HostTextureView, value host.ClearValue) {
	d := view.Host().Dimensions
	area := host.Rect2D{Width: d.Width, Height: d.Height}
	e.CreateRenderPassWithAttachments(area, nil, nil, view, 0, 0)
	if !e.renderPass.clearDepthStencil(value) {
		aspect := view.Host().Format.Aspect
		e.slot.nodes = append(e.slot.nodes, functionNode{fn: func(cmd host.CommandBuffer, _ *fence.Cycle) {
			cmd.ClearAttachments(
				[]host.ClearAttachment{{Aspect: aspect, Value: value}},
				[]host.ClearRect{{Rect: area, LayerCount: 1}},
			)
		}})
	}
	e.renderPass.subpasses++
}

// AddOutsideRpCommand adds fn after ending the open render pass.
func (e *Executor) AddOutsideRpCommand(fn Command) {
	e.finishRenderPass()
	e.slot.nodes = append(e.slot.nodes, functionNode{fn: fn})
}

// AddCommand adds fn inside or outside the open render pass.
func (e *Executor) AddCommand(fn Command) {
	e.slot.nodes = append(e.slot.nodes, functionNode{fn: fn})
}

// InsertPreExecuteCommand adds fn at the start of the submission.
func (e *Executor) InsertPreExecuteCommand(fn Command) {
	e.slot.nodes = slices.Insert(e.slot.nodes, 0, node(functionNode{fn: fn}))
	if e.renderPass != nil {
		e.renderPassAt++
	}
}

// InsertPreRpCommand adds fn before the open render pass begins, or at the
// end when none is open.
func (e *Executor) InsertPreRpCommand(fn Command) {
	if e.renderPass == nil {
		e.slot.nodes = append(e.slot.nodes, functionNode{fn: fn})
		return
	}
	e.slot.nodes = slices.Insert(e.slot.nodes, e.renderPassAt, node(functionNode{fn: fn}))
	e.renderPassAt++
}

// InsertPostRpCommand adds fn after the open render pass ends, or at the
// end of the submission.
func (e *Executor) InsertPostRpCommand(fn Command) {
	e.slot.postRenderPass = append(e.slot.postRenderPass, functionNode{fn: fn})
}

// AddFullBarrier adds a barrier between all prior and later commands.
func (e *Executor) AddFullBarrier() {
	e.AddOutsideRpCommand(func(cmd host.CommandBuffer, _ *fence.Cycle) { fullBarrier(cmd) })
}

// AddFlushCallback registers fn to run at the start of every Submit.
func (e *Executor) AddFlushCallback(fn func()) {
	e.flushCallbacks = append(e.flushCallbacks, fn)
}

// AddPipelineChangeCallback registers fn to run on NotifyPipelineChange.
func (e *Executor) AddPipelineChangeCallback(fn func()) {
	e.pipelineChangeCallbacks = append(e.pipelineChangeCallbacks, fn)
}

// NotifyPipelineChange runs every pipeline change callback.
func (e *Executor) NotifyPipelineChange() {
	for _, fn := range e.pipelineChangeCallbacks {
		fn()
	}
}

// AddDeferredAction runs fn once the current submission completes when
// direct memory import is on, otherwise right after it is submitted.
func (e *Executor) AddDeferredAction(fn func()) {
	e.deferredActions = append(e.deferredActions, fn)
}

// Submit submits the pending nodes. callback runs as for AddDeferredAction.
// With wait set, Submit returns only after the GPU finished the submission
// and every callback queued before it ran.
func (e *Executor) Submit(callback func(), wait bool) error {
	if e.closed {
		return ErrClosed
	}
	for _, fn := range e.flushCallbacks {
		fn()
	}
	e.executionTag = ctxlock.NewTag()

	hasWork := len(e.slot.nodes) != 0
	if hasWork {
		e.waiter.Queue(e.cycle, nil)
	}

	dmi := e.directMemoryImport.Load()
	if dmi {
		for _, fn := range e.deferredActions {
			e.waiter.Queue(nil, fn)
		}
		e.deferredActions = e.deferredActions[:0]
		if callback != nil {
			e.waiter.Queue(nil, callback)
		}
	}

	var err error
	if hasWork {
		err = e.submitInternal()
		e.submissionNumber++
	}

	if !dmi {
		for _, fn := range e.deferredActions {
			fn()
		}
		e.deferredActions = e.deferredActions[:0]
		if callback != nil {
			callback()
		}
	}

	e.resetInternal()

	if wait {
		done := make(chan struct{})
		e.waiter.Queue(nil, func() { close(done) })
		<-done
	}
	return err
}

func (e *Executor) submitInternal() error {
	e.finishRenderPass()
	s := e.slot
	s.nodes = append(s.nodes, s.postRenderPass...)
	clear(s.postRenderPass)
	s.postRenderPass = s.postRenderPass[:0]

	s.waitReady()

	// Resources must not be overwritten while earlier work still uses
	// them.
	fullBarrier(s.cmd)
	for _, t := range slices.Concat(e.attachedTextures, e.preserveTextures) {
		if err := t.SynchronizeHostInline(s.cmd, e.cycle, true); err != nil {
			slogger().Warn("executor: texture upload failed", "err", err)
		}
		t.AttachCycle(e.cycle)
		t.UpdateRenderPassUsage(0, texture.UsageNone)
	}
	// Uploads finish before the recorded nodes run.
	fullBarrier(s.cmd)

	for _, b := range slices.Concat(e.attachedBuffers, e.preserveBuffers) {
		if err := b.SynchronizeHost(); err != nil {
			slogger().Warn("executor: buffer upload failed", "err", err)
		}
		e.cycle.AttachObject(b)
		b.AttachCycle(e.cycle)
	}

	if err := e.rotateRecordSlot(); err != nil {
		return fmt.Errorf("executor: submit: %w", err)
	}
	return nil
}

func (e *Executor) resetInternal() {
	for _, t := range e.attachedTextures {
		t.Unlock()
	}
	for _, b := range e.attachedBuffers {
		b.Unlock()
	}
	clear(e.attachedTextures)
	e.attachedTextures = e.attachedTextures[:0]
	clear(e.attachedBuffers)
	e.attachedBuffers = e.attachedBuffers[:0]
	e.renderPassIndex = 0

	// Preserved resources are dropped now and then so that guest accesses
	// waiting on them are not starved.
	if e.submissionNumber%(2<<e.slotScale) == 0 {
		e.UnlockPreserve()
		e.preserveTextures = nil
		e.preserveBuffers = nil
	}
}

// Close submits pending work, waits for the GPU and stops the record and
// waiter goroutines.
func (e *Executor) Close() error {
	if e.closed {
		return nil
	}
	err := e.Submit(nil, true)
	e.UnlockPreserve()
	e.closed = true
	e.record.Close()
	e.waiter.Close()
	return err
}
