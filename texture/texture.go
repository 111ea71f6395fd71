// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

package texture

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gogpu/guestgpu/ctxlock"
	"github.com/gogpu/guestgpu/fence"
	"github.com/gogpu/guestgpu/host"
	"github.com/gogpu/guestgpu/memtrap"
)

// skipReadbackWaitCountThreshold is the number of guest waits on a texture
// before the time spent waiting starts to count towards the fast readback
// heuristic.
const skipReadbackWaitCountThreshold = 6

// Texture ties one guest surface to its host images and keeps the two
// coherent.
//
// The texture lock gives exclusive access to the host variants, the
// outstanding cycle and the render-pass usage. The dirty state has its own
// lock so guest memory traps can inspect it without blocking on the texture.
type Texture struct {
	mgr   *Manager
	guest *GuestTexture

	mutableFormat bool

	mu ctxlock.Mutex

	stateMu    sync.Mutex
	dirtyState DirtyState

	hosts      []*HostTexture
	activeHost *HostTexture

	cycle atomic.Pointer[fence.Cycle]

	trap memtrap.Handle

	// gathered holds the guest bytes of a multi-mapping surface.
	gathered []byte

	download host.Buffer

	guestWaits    atomic.Uint32
	guestWaitTime atomic.Int64

	lastUsage        RenderPassUsage
	lastPassIndex    uint32
	pendingStageMask host.PipelineStage
	readStageMask    host.PipelineStage
	everUsedAsRT     bool

	destroyed atomic.Bool
}

func newTexture(m *Manager, g *GuestTexture, mutableFormat bool) *Texture {
	t := &Texture{
		mgr:           m,
		guest:         g,
		mutableFormat: mutableFormat || !m.device.Traits().MutableFormatCostly,
		dirtyState:    CpuDirty,
	}
	t.trap = m.traps.CreateTrap(g.Mappings, memtrap.Callbacks{
		Lock:  t.trapLock,
		Read:  t.trapRead,
		Write: t.trapWrite,
	})
	return t
}

// initialize creates the first host variant. The caller holds t's lock.
func (t *Texture) initialize(viewType host.ImageViewType) error {
	g := t.guest
	h, err := newHostTexture(t, g.ImageDimensions, g.SampleCount, g.Format, ConvertViewType(viewType, g.ImageDimensions))
	if err != nil {
		return err
	}
	t.hosts = append(t.hosts, h)
	t.activeHost = h
	return nil
}

// Guest returns the guest description of the texture.
func (t *Texture) Guest() *GuestTexture { return t.guest }

// ActiveHost returns the host variant synchronized with guest memory.
func (t *Texture) ActiveHost() *HostTexture { return t.activeHost }

// Hosts returns every host variant.
func (t *Texture) Hosts() []*HostTexture { return t.hosts }

// DirtyState returns the current dirty state.
func (t *Texture) DirtyState() DirtyState {
	t.stateMu.Lock()
	defer t.stateMu.Unlock()
	return t.dirtyState
}

// Cycle returns the outstanding cycle of the texture, if any.
func (t *Texture) Cycle() *fence.Cycle { return t.cycle.Load() }

// Destroyed reports whether the manager has superseded the texture.
func (t *Texture) Destroyed() bool { return t.destroyed.Load() }

// EverUsedAsRenderTarget reports whether the texture was ever bound as a
// render target.
func (t *Texture) EverUsedAsRenderTarget() bool { return t.everUsedAsRT }

func (t *Texture) baseAddr() uint64 {
	if len(t.guest.Mappings) == 0 {
		return 0
	}
	return t.guest.Mappings[0].Addr
}

// Lock acquires the texture.
func (t *Texture) Lock() { t.mu.Lock() }

// Unlock releases the texture.
func (t *Texture) Unlock() { t.mu.Unlock() }

// TryLock acquires the texture if it is free.
func (t *Texture) TryLock() bool { return t.mu.TryLock() }

// LockWithTag acquires the texture for tag. It returns false without
// blocking if tag already holds it, in which case the caller must not
// unlock.
func (t *Texture) LockWithTag(tag ctxlock.Tag) bool { return t.mu.LockWithTag(tag) }

// guestBytes returns the surface bytes in guest order. A single mapping is
// aliased; several mappings are gathered into a private buffer.
func (t *Texture) guestBytes() []byte {
	m := t.guest.Mappings
	if len(m) == 1 {
		return m[0].Data
	}
	if t.gathered == nil {
		t.gathered = make([]byte, mappingsSize(m))
	}
	off := 0
	for _, r := range m {
		off += copy(t.gathered[off:], r.Data)
	}
	return t.gathered
}

// flushGuest scatters buf back over the mappings when it was gathered.
func (t *Texture) flushGuest(buf []byte) {
	m := t.guest.Mappings
	if len(m) == 1 {
		return
	}
	off := 0
	for _, r := range m {
		off += copy(r.Data, buf[off:])
	}
}

// freeMirror drops guest-side staging that is no longer needed once the
// host copy is authoritative.
func (t *Texture) freeMirror() {
	t.gathered = nil
}

// WaitOnFence blocks until the outstanding cycle completes and clears it.
func (t *Texture) WaitOnFence() {
	if c := t.cycle.Load(); c != nil {
		c.Wait(true)
		t.cycle.CompareAndSwap(c, nil)
	}
}

// AttachCycle makes c the outstanding cycle of t, keeping t alive until c
// completes and making c wait on the previous cycle.
func (t *Texture) AttachCycle(c *fence.Cycle) {
	c.AttachObject(t)
	c.ChainCycle(t.cycle.Load())
	t.cycle.Store(c)
}

// hostTransition performs the state change of a host synchronization and
// reports whether guest data must be uploaded.
func (t *Texture) hostTransition(gpuDirty bool) bool {
	t.stateMu.Lock()
	defer t.stateMu.Unlock()

	if gpuDirty && t.dirtyState == Clean {
		// The host copy becomes authoritative without an upload.
		t.dirtyState = GpuDirty
		t.mgr.traps.TrapRegions(t.trap, false)
		t.freeMirror()
		return false
	}
	if t.dirtyState != CpuDirty {
		return false
	}

	if gpuDirty {
		t.dirtyState = GpuDirty
	} else {
		t.dirtyState = Clean
	}
	t.mgr.traps.TrapRegions(t.trap, !gpuDirty)
	return true
}

func (t *Texture) afterHostSync(gpuDirty bool) {
	t.stateMu.Lock()
	if gpuDirty && t.dirtyState != CpuDirty {
		t.freeMirror()
	}
	t.stateMu.Unlock()
}

// SynchronizeHost uploads guest memory to the active host variant when the
// guest wrote to it, in a submission of its own. gpuDirty marks the host
// copy as about to be written. The caller holds t's lock.
func (t *Texture) SynchronizeHost(gpuDirty bool) error {
	if !t.hostTransition(gpuDirty) {
		return nil
	}

	h := t.activeHost
	staging, err := h.synchronizeHostImpl()
	if err != nil {
		return err
	}
	if staging != nil {
		prev := t.cycle.Load()
		if prev != nil {
			prev.WaitSubmit()
		}
		c, err := t.mgr.sched.Submit(func(cmd host.CommandBuffer, _ *fence.Cycle) {
			h.copyFromStagingBuffer(cmd, staging)
		}, nil, nil)
		if err != nil {
			staging.Destroy()
			return fmt.Errorf("texture: upload: %w", err)
		}
		c.AttachObjects(fence.ReleaseFunc(staging.Destroy), t)
		c.ChainCycle(prev)
		t.cycle.Store(c)
	}
	t.mgr.stats.uploads.Add(1)

	t.afterHostSync(gpuDirty)
	return nil
}

// SynchronizeHostInline is SynchronizeHost recorded into cmd, which will be
// submitted with cycle.
func (t *Texture) SynchronizeHostInline(cmd host.CommandBuffer, cycle *fence.Cycle, gpuDirty bool) error {
	if !t.hostTransition(gpuDirty) {
		return nil
	}

	h := t.activeHost
	staging, err := h.synchronizeHostImpl()
	if err != nil {
		return err
	}
	if staging != nil {
		h.copyFromStagingBuffer(cmd, staging)
		cycle.AttachObjects(fence.ReleaseFunc(staging.Destroy), t)
		cycle.ChainCycle(t.cycle.Load())
		t.cycle.Store(cycle)
	}
	t.mgr.stats.uploads.Add(1)

	t.afterHostSync(gpuDirty)
	return nil
}

// guestTransitionLocked performs the state change of a guest
// synchronization and reports whether host data must be downloaded. The
// caller holds stateMu.
func (t *Texture) guestTransitionLocked(cpuDirty, skipTrap bool) bool {
	if cpuDirty && t.dirtyState == Clean {
		t.dirtyState = CpuDirty
		if !skipTrap {
			t.mgr.traps.RemoveTrap(t.trap)
		}
		return false
	}
	if t.dirtyState != GpuDirty {
		return false
	}
	if cpuDirty {
		t.dirtyState = CpuDirty
	} else {
		t.dirtyState = Clean
	}
	return true
}

// SynchronizeGuest downloads the active host variant into guest memory
// when the host wrote to it. It blocks until the copy completes. cpuDirty
// marks guest memory as about to be written. The caller holds t's lock.
func (t *Texture) SynchronizeGuest(cpuDirty, skipTrap bool) error {
	t.stateMu.Lock()
	download := t.guestTransitionLocked(cpuDirty, skipTrap)
	t.stateMu.Unlock()
	if !download {
		return nil
	}
	return t.finishGuestSync(cpuDirty, skipTrap)
}

func (t *Texture) finishGuestSync(cpuDirty, skipTrap bool) error {
	h := t.activeHost
	if h.layout == host.ImageLayoutUndefined || h.NeedsDecompression {
		// Undefined contents have nothing to copy and decoded data cannot
		// be compressed again.
		return nil
	}

	var err error
	if h.Tiling == host.TilingLinear {
		err = t.downloadMapped(h)
	} else {
		err = t.downloadStaged(h)
	}
	if err != nil {
		return err
	}
	t.mgr.stats.downloads.Add(1)

	if !skipTrap {
		if cpuDirty {
			t.mgr.traps.RemoveTrap(t.trap)
		} else {
			t.mgr.traps.TrapRegions(t.trap, true)
		}
	}
	return nil
}

func (t *Texture) downloadStaged(h *HostTexture) error {
	if t.download == nil {
		b, err := t.mgr.device.CreateBuffer(h.hostSize())
		if err != nil {
			return fmt.Errorf("texture: download buffer: %w", err)
		}
		t.download = b
	}

	t.WaitOnFence()
	c, err := t.mgr.sched.Submit(func(cmd host.CommandBuffer, _ *fence.Cycle) {
		h.copyIntoStagingBuffer(cmd, t.download)
	}, nil, nil)
	if err != nil {
		return fmt.Errorf("texture: download: %w", err)
	}
	c.Wait(true)

	if err := t.download.Invalidate(); err != nil {
		return err
	}
	return h.copyToGuest(t.download.Bytes())
}

func (t *Texture) downloadMapped(h *HostTexture) error {
	mapped, ok := h.image.(host.MappedImage)
	if !ok {
		return t.downloadStaged(h)
	}
	t.WaitOnFence()
	data, err := mapped.Map()
	if err != nil {
		return fmt.Errorf("texture: map image: %w", err)
	}
	return h.copyToGuest(data)
}

// UseHost makes h the variant synchronized with guest memory. Pending host
// writes to the previous variant are written back to the guest first, and
// h is uploaded on its next host synchronization. The caller holds t's
// lock.
func (t *Texture) UseHost(h *HostTexture) error {
	if h == nil || h == t.activeHost || h.texture != t {
		return nil
	}
	if err := t.SynchronizeGuest(true, false); err != nil {
		return err
	}
	t.activeHost = h
	return nil
}

// trapLock blocks a guest access until the GPU work writing the texture
// has finished.
func (t *Texture) trapLock() {
	t.stateMu.Lock()
	dirty := t.dirtyState == GpuDirty
	t.stateMu.Unlock()
	if !dirty {
		return
	}

	// The cycle can be replaced while waiting without the lock, so loop
	// until the cycle waited on is still the current one.
	var wait *fence.Cycle
	for {
		if wait != nil {
			counted := t.guestWaits.Load() > skipReadbackWaitCountThreshold
			start := time.Now()
			wait.Wait(true)
			if counted {
				t.guestWaitTime.Add(int64(time.Since(start)))
			}
			t.guestWaits.Add(1)
		}

		t.mu.Lock()
		cur := t.cycle.Load()
		if wait != nil && cur == wait {
			t.cycle.CompareAndSwap(cur, nil)
			wait = nil
		} else {
			wait = cur
		}
		t.mu.Unlock()

		if wait == nil {
			return
		}
	}
}

// trapRead runs before a guest read of a trapped texture.
func (t *Texture) trapRead() bool {
	if !t.stateMu.TryLock() {
		return false
	}
	defer t.stateMu.Unlock()

	if t.dirtyState != GpuDirty {
		return true
	}
	if !t.mu.TryLock() {
		return false
	}
	defer t.mu.Unlock()
	if t.cycle.Load() != nil {
		return false
	}

	// The trap is re-armed by the caller.
	if t.guestTransitionLocked(false, true) {
		if err := t.finishGuestSync(false, true); err != nil {
			slogger().Warn("texture: guest read sync failed", "addr", fmt.Sprintf("0x%X", t.baseAddr()), "err", err)
		}
	}
	return true
}

// trapWrite runs before a guest write to a trapped texture.
func (t *Texture) trapWrite() bool {
	if !t.stateMu.TryLock() {
		return false
	}
	defer t.stateMu.Unlock()

	if t.dirtyState != GpuDirty {
		t.dirtyState = CpuDirty
		return true
	}

	if enabled, threshold := t.mgr.fastReadback(); enabled && time.Duration(t.guestWaitTime.Load()) > threshold {
		// Frequently waited textures drop the write-back and let the guest
		// overwrite them.
		t.dirtyState = CpuDirty
		return true
	}

	if !t.mu.TryLock() {
		return false
	}
	defer t.mu.Unlock()
	if t.cycle.Load() != nil {
		return false
	}

	// The guest may overwrite any part of the texture.
	if t.guestTransitionLocked(true, true) {
		if err := t.finishGuestSync(true, true); err != nil {
			slogger().Warn("texture: guest write sync failed", "addr", fmt.Sprintf("0x%X", t.baseAddr()), "err", err)
		}
	}
	return true
}

// ValidateRenderPassUsage reports whether t can be used with usage in the
// render pass with the given index without ending it.
func (t *Texture) ValidateRenderPassUsage(index uint32, usage RenderPassUsage) bool {
	return t.lastUsage == usage || t.lastPassIndex != index || t.lastUsage == UsageNone
}

// UpdateRenderPassUsage records usage in the render pass with the given
// index.
func (t *Texture) UpdateRenderPassUsage(index uint32, usage RenderPassUsage) {
	t.lastUsage = usage
	t.lastPassIndex = index

	switch usage {
	case UsageRenderTarget:
		t.everUsedAsRT = true
		t.pendingStageMask = host.StageAllShaders
		t.readStageMask = 0
	case UsageNone:
		t.pendingStageMask = 0
		t.readStageMask = 0
	}
}

// LastRenderPassUsage returns the usage recorded last.
func (t *Texture) LastRenderPassUsage() RenderPassUsage { return t.lastUsage }

// ReadStageMask returns the stages that read t since it was last rendered
// to.
func (t *Texture) ReadStageMask() host.PipelineStage { return t.readStageMask }

// PopulateReadBarrier adds the dependency needed before dstStage reads a
// texture rendered to in an earlier pass. Each stage is synchronized once.
func (t *Texture) PopulateReadBarrier(dstStage host.PipelineStage, srcMask, dstMask *host.PipelineStage) {
	t.readStageMask |= dstStage
	if t.pendingStageMask&dstStage == 0 {
		return
	}

	aspect := t.activeHost.Format.Aspect
	switch {
	case aspect&(host.AspectDepth|host.AspectStencil) != 0:
		*srcMask |= host.StageFragmentTests
	case aspect&host.AspectColor != 0:
		*srcMask |= host.StageColorAttachmentOutput
	}
	t.pendingStageMask &^= dstStage
	*dstMask |= dstStage
}

// FindOrCreateView returns a view of t matching the request, creating a
// host variant when no existing one has the requested shape. It returns nil
// when a variant matches but cannot be reinterpreted as format; the caller
// then replaces t with a mutable-format successor. The caller holds t's
// lock.
func (t *Texture) FindOrCreateView(d Dimensions, format *Format, viewType host.ImageViewType, rng host.SubresourceRange, components host.ComponentMapping, samples host.SampleCount) (*HostTextureView, error) {
	imageType := ConvertViewType(viewType, d)

	for _, h := range t.hosts {
		if h.Dimensions != d || h.ImageType != imageType || h.SampleCount != samples {
			continue
		}

		// A request for the guest format means the host format, which
		// may be a decoded substitute.
		viewFormat := format
		if format == t.guest.Format {
			viewFormat = h.Format
		}
		viewRange, viewComponents := rng, components

		if viewFormat.Aspect&format.Aspect == 0 {
			viewFormat = format
			viewRange.Aspect = format.AspectFor(components.Normalized().R == host.SwizzleR)
		}

		// An RGBA view swizzled to BGRA over a BGRA image reads the image
		// directly.
		if viewFormat == R8G8B8A8Unorm && h.Format == B8G8R8A8Unorm &&
			components.Normalized() == (host.ComponentMapping{R: host.SwizzleB, G: host.SwizzleG, B: host.SwizzleR, A: host.SwizzleA}) {
			viewFormat = h.Format
			viewComponents = host.ComponentMapping{}
		}

		key := viewKey{typ: viewType, format: viewFormat, components: viewComponents, rng: viewRange}
		if v, ok := h.lookupView(key); ok {
			return v, nil
		}

		if h.NeedsDecompression && viewFormat != h.Format {
			continue
		}
		if !h.Format.viewCompatible(viewFormat) {
			continue
		}
		if h.Format == viewFormat || h.Flags&host.CreateMutableFormat != 0 {
			return h.createView(key)
		}
		return nil, nil
	}

	h, err := newHostTexture(t, d, samples, format, imageType)
	if err != nil {
		return nil, err
	}
	t.hosts = append(t.hosts, h)
	return h.createView(viewKey{typ: viewType, format: h.Format, components: components, rng: rng})
}

// destroy marks every view stale, writes pending host data back to guest
// memory and detaches t from it. Host objects are released later by the
// manager once t is idle. The caller holds t's lock.
func (t *Texture) destroy() {
	if t.destroyed.Swap(true) {
		return
	}
	for _, h := range t.hosts {
		for _, v := range h.views {
			v.markStale()
		}
	}
	if err := t.SynchronizeGuest(true, true); err != nil {
		slogger().Warn("texture: write-back of destroyed texture failed", "addr", fmt.Sprintf("0x%X", t.baseAddr()), "err", err)
	}
	t.mgr.traps.DeleteTrap(t.trap)
}

// releaseHost destroys the host objects of a destroyed texture. The caller
// holds t's lock and t has no outstanding work.
func (t *Texture) releaseHost() {
	for _, h := range t.hosts {
		h.destroy()
	}
	t.hosts = nil
	t.activeHost = nil
	if t.download != nil {
		t.download.Destroy()
		t.download = nil
	}
	t.gathered = nil
}
