package texture

import (
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gogpu/guestgpu/ctxlock"
	"github.com/gogpu/guestgpu/fence"
	"github.com/gogpu/guestgpu/host"
	"github.com/gogpu/guestgpu/memtrap"
)

// Submitter records commands into a fresh command buffer and submits it.
// It is implemented by scheduler.Scheduler.
type Submitter interface {
	Submit(record func(cmd host.CommandBuffer, cycle *fence.Cycle), wait []host.SemaphoreWait, signal []host.Semaphore) (*fence.Cycle, error)
}

// Descriptor is a guest surface request.
type Descriptor struct {
	Mappings Mappings

	SampleDimensions Dimensions
	ImageDimensions  Dimensions
	SampleCount      host.SampleCount

	Format     *Format
	ViewType   host.ImageViewType
	Components host.ComponentMapping
	TileConfig TileConfig

	LevelCount  uint32
	LayerCount  uint32
	LayerStride uint32

	// ViewMipBase and ViewMipCount restrict the returned view. A zero
	// ViewMipCount covers the remaining levels.
	ViewMipBase  uint32
	ViewMipCount uint32
}

func (d *Descriptor) normalize() {
	if d.LevelCount == 0 {
		d.LevelCount = 1
	}
	if d.LayerCount == 0 {
		d.LayerCount = 1
	}
	if d.SampleCount == 0 {
		d.SampleCount = host.Samples1
	}
	if d.ImageDimensions == (Dimensions{}) {
		d.ImageDimensions = d.SampleDimensions
	}
	if d.LayerStride == 0 {
		d.LayerStride = CalculateLayerStride(d.SampleDimensions, d.Format, d.TileConfig, d.LevelCount, d.LayerCount)
	}
}

// viewRange is the range of the requested view inside a surface whose
// subresources start at base.
func (d *Descriptor) viewRange(base host.SubresourceRange) host.SubresourceRange {
	r := base
	r.Aspect = d.Format.AspectFor(d.Components.Normalized().R == host.SwizzleR)
	r.BaseMipLevel += d.ViewMipBase
	r.LevelCount = d.ViewMipCount
	if r.LevelCount == 0 {
		r.LevelCount = d.LevelCount - min(d.ViewMipBase, d.LevelCount)
	}
	return r
}

// Option configures a Manager.
type Option func(*options)

type options struct {
	forceDecompression bool
	linearTiling       bool
	viewCacheSize      int
	fastReadback       bool
	readbackThreshold  time.Duration
}

// WithForceDecompression decodes block-compressed formats even when the
// host can sample them.
func WithForceDecompression(force bool) Option {
	return func(o *options) { o.forceDecompression = force }
}

// WithLinearTiling creates uncompressed single-sample images with linear
// tiling so they are written through their mapping instead of a staging
// buffer.
func WithLinearTiling(linear bool) Option {
	return func(o *options) { o.linearTiling = linear }
}

// WithViewCacheSize bounds the per-image view index.
func WithViewCacheSize(n int) Option {
	return func(o *options) { o.viewCacheSize = n }
}

// WithFastReadback enables dropping the write-back of textures the guest
// has waited on for longer than threshold in total.
func WithFastReadback(enabled bool, threshold time.Duration) Option {
	return func(o *options) {
		o.fastReadback = enabled
		o.readbackThreshold = threshold
	}
}

type entry struct {
	memtrap.Region
	texture *Texture
}

// Manager binds guest surfaces to host textures. It deduplicates requests
// for the same memory and reconciles overlapping surfaces of different
// shapes.
type Manager struct {
	device host.Device
	sched  Submitter
	traps  memtrap.Manager
	opts   options

	readbackEnabled   atomic.Bool
	readbackThreshold atomic.Int64

	// mu guards the address index and the graveyard. It is never held
	// while blocking on a texture lock.
	mu        sync.Mutex
	entries   []entry
	maxEntry  uint64
	graveyard []*Texture

	placeholderMu sync.Mutex
	placeholder   *HostTextureView

	stats counters
}

// NewManager returns a Manager creating images on device, submitting
// transfers through sched and trapping guest memory through traps.
func NewManager(device host.Device, sched Submitter, traps memtrap.Manager, opts ...Option) *Manager {
	o := options{viewCacheSize: 256, readbackThreshold: 2 * time.Millisecond}
	for _, fn := range opts {
		fn(&o)
	}
	m := &Manager{
		device: device,
		sched:  sched,
		traps:  traps,
		opts:   o,
	}
	m.SetFastReadback(o.fastReadback, o.readbackThreshold)
	return m
}

// SetFastReadback changes the fast readback heuristic at runtime.
func (m *Manager) SetFastReadback(enabled bool, threshold time.Duration) {
	m.readbackThreshold.Store(int64(threshold))
	m.readbackEnabled.Store(enabled)
}

func (m *Manager) fastReadback() (bool, time.Duration) {
	return m.readbackEnabled.Load(), time.Duration(m.readbackThreshold.Load())
}

// LookupRange returns every live texture with a mapping overlapping r, in
// address order without duplicates.
func (m *Manager) LookupRange(r memtrap.Region) []*Texture {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lookupLocked(r, nil)
}

func (m *Manager) lookupLocked(r memtrap.Region, out []*Texture) []*Texture {
	end := r.End()
	n := len(out)
	hi, _ := slices.BinarySearchFunc(m.entries, end, func(e entry, addr uint64) int {
		if e.Addr < addr {
			return -1
		}
		return 1
	})
	for i := hi - 1; i >= 0; i-- {
		e := m.entries[i]
		if e.Addr+m.maxEntry <= r.Addr {
			break
		}
		if e.Addr < end && r.Addr < e.End() && !slices.Contains(out, e.texture) {
			out = append(out, e.texture)
		}
	}
	slices.Reverse(out[n:])
	return out
}

func (m *Manager) insertLocked(t *Texture) {
	for _, r := range t.guest.Mappings {
		i, _ := slices.BinarySearchFunc(m.entries, r.Addr, func(e entry, addr uint64) int {
			if e.Addr < addr {
				return -1
			}
			return 1
		})
		m.entries = slices.Insert(m.entries, i, entry{Region: r, texture: t})
		m.maxEntry = max(m.maxEntry, uint64(len(r.Data)))
	}
}

func (m *Manager) removeLocked(t *Texture) {
	m.entries = slices.DeleteFunc(m.entries, func(e entry) bool { return e.texture == t })
}

// mappingOffset reports whether inner lies inside outer along a compatible
// mapping sequence and returns its byte offset from the start of outer.
// Interior mappings must match exactly; only the first mapping of inner may
// start late and only its last may end early.
func mappingOffset(outer, inner Mappings) (uint64, bool) {
	if len(inner) == 0 {
		return 0, false
	}
	first := inner[0]
	var base uint64
	for i, o := range outer {
		if first.Addr < o.Addr || first.Addr >= o.End() {
			base += uint64(len(o.Data))
			continue
		}
		if len(outer)-i < len(inner) {
			return 0, false
		}
		for j, r := range inner {
			c := outer[i+j]
			last := j == len(inner)-1
			if j > 0 && r.Addr != c.Addr {
				return 0, false
			}
			if last && r.End() > c.End() {
				return 0, false
			}
			if !last && r.End() != c.End() {
				return 0, false
			}
		}
		return base + (first.Addr - o.Addr), true
	}
	return 0, false
}

// match reports the subresource of t a request addresses, if t can serve
// it.
func match(t *Texture, d *Descriptor) (host.SubresourceRange, bool) {
	g := t.guest
	if g.SampleCount != d.SampleCount {
		return host.SubresourceRange{}, false
	}
	offset, ok := mappingOffset(g.Mappings, d.Mappings)
	if !ok || offset > uint64(^uint32(0)) {
		return host.SubresourceRange{}, false
	}
	rng, ok := g.CalculateSubresource(d.TileConfig, uint32(offset), d.LevelCount, d.LayerCount, d.LayerStride, d.Format.Aspect)
	if !ok {
		return host.SubresourceRange{}, false
	}
	if g.ImageDimensions.Mip(rng.BaseMipLevel) != d.ImageDimensions {
		return host.SubresourceRange{}, false
	}
	return rng, true
}

func unmapped(m Mappings) bool {
	if len(m) == 0 {
		return true
	}
	for _, r := range m {
		if r.Data == nil {
			return true
		}
	}
	return false
}

// FindOrCreate returns a view of a host texture backing the surface d
// describes.
//
// A texture already covering the surface is reused. Otherwise a new texture
// is created and every texture it contains with an addressable layout is
// copied into it and destroyed; their views turn stale. Overlapping
// textures of other layouts keep their own copy of the memory.
//
// Lookup and indexing of a new texture are one step under the manager
// lock, so concurrent requests for the same surface share one texture.
//
// Unmapped surfaces yield a nil view and no error. Host failures degrade to
// the placeholder view. Constructs the core cannot represent return an
// error wrapping ErrUnsupported.
//
// tag is the caller's context tag; textures it already holds are not locked
// again.
func (m *Manager) FindOrCreate(tag ctxlock.Tag, d Descriptor) (*HostTextureView, error) {
	if unmapped(d.Mappings) {
		return nil, nil
	}
	if d.Format == nil {
		return nil, fmt.Errorf("%w: nil format", ErrUnsupported)
	}
	d.normalize()
	if d.LevelCount > 1 && d.TileConfig.Mode != TileBlock {
		return nil, fmt.Errorf("%w: %d levels with %v tiling", ErrUnsupported, d.LevelCount, d.TileConfig)
	}

	m.Collect()

	for {
		t, rng := m.find(&d)
		if t == nil {
			view, raced, err := m.create(tag, d)
			if raced {
				continue
			}
			return view, err
		}
		acquired := t.LockWithTag(tag)
		if t.Destroyed() {
			if acquired {
				t.Unlock()
			}
			continue
		}
		view, err := t.FindOrCreateView(t.guest.ImageDimensions, d.Format, d.ViewType, d.viewRange(rng), d.Components, d.SampleCount)
		if err == nil && view == nil {
			// The variant cannot be reinterpreted; supersede t with a
			// texture of the same shape created with a mutable format.
			view, err = m.supersede(tag, t, d, rng)
		}
		if acquired {
			t.Unlock()
		}
		if err != nil {
			return m.degrade(d, err)
		}
		return view, nil
	}
}

func (m *Manager) find(d *Descriptor) (*Texture, host.SubresourceRange) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.findLocked(d)
}

func (m *Manager) findLocked(d *Descriptor) (*Texture, host.SubresourceRange) {
	for _, t := range m.lookupLocked(d.Mappings[0], nil) {
		if t.Destroyed() {
			continue
		}
		if rng, ok := match(t, d); ok {
			return t, rng
		}
	}
	return nil, host.SubresourceRange{}
}

// contains reports whether old lies inside t with a layout t can address,
// so that t supersedes it.
func contains(t, old *Texture) bool {
	og := old.guest
	if og.SampleCount != t.guest.SampleCount {
		return false
	}
	offset, ok := mappingOffset(t.guest.Mappings, og.Mappings)
	if !ok || offset > uint64(^uint32(0)) {
		return false
	}
	_, ok = t.guest.CalculateSubresource(og.TileConfig, uint32(offset), og.LevelCount, og.LayerCount, og.LayerStride, og.Format.Aspect)
	return ok
}

// insert creates and indexes a texture for g, locked with tag. It returns
// nil without error when matches finds an existing texture first; matches
// runs under the manager lock.
func (m *Manager) insert(tag ctxlock.Tag, g *GuestTexture, mutable bool, viewType host.ImageViewType, matches func() bool) (*Texture, []*Texture, error) {
	m.mu.Lock()
	if matches != nil && matches() {
		m.mu.Unlock()
		return nil, nil, nil
	}
	t := newTexture(m, g, mutable)
	t.LockWithTag(tag)
	if err := t.initialize(viewType); err != nil {
		m.mu.Unlock()
		t.Unlock()
		m.traps.DeleteTrap(t.trap)
		return nil, nil, err
	}
	var overlaps []*Texture
	for _, r := range g.Mappings {
		overlaps = m.lookupLocked(r, overlaps)
	}
	m.insertLocked(t)
	m.mu.Unlock()

	m.stats.created.Add(1)
	slogger().Debug("texture: created",
		"addr", fmt.Sprintf("0x%X", t.baseAddr()),
		"format", g.Format,
		"dims", g.ImageDimensions,
		"tiling", g.TileConfig,
		"levels", g.LevelCount,
		"layers", g.LayerCount,
		"mutable", t.mutableFormat,
		"overlaps", len(overlaps),
	)
	return t, overlaps, nil
}

// create makes a texture for d and supersedes the textures it contains.
// Overlapping textures it cannot address are left alone. raced reports that
// another caller indexed a matching texture after d was looked up.
func (m *Manager) create(tag ctxlock.Tag, d Descriptor) (view *HostTextureView, raced bool, err error) {
	g := NewGuestTexture(d.Mappings, d.SampleDimensions, d.ImageDimensions, d.SampleCount, d.Format, d.TileConfig, d.LevelCount, d.LayerCount, d.LayerStride)
	t, overlaps, err := m.insert(tag, g, false, d.ViewType, func() bool {
		found, _ := m.findLocked(&d)
		return found != nil
	})
	if err != nil {
		view, err = m.degrade(d, err)
		return view, false, err
	}
	if t == nil {
		return nil, true, nil
	}
	defer t.Unlock()

	for _, old := range overlaps {
		if !contains(t, old) {
			continue
		}
		acquired := old.LockWithTag(tag)
		if !old.Destroyed() {
			m.merge(t, old)
			m.destroyLocked(old)
		}
		if acquired {
			old.Unlock()
		}
	}

	full := host.SubresourceRange{LevelCount: g.LevelCount, LayerCount: g.LayerCount}
	view, err = t.FindOrCreateView(g.ImageDimensions, d.Format, d.ViewType, d.viewRange(full), d.Components, d.SampleCount)
	if err == nil && view == nil {
		err = ErrIncompatibleFormat
	}
	if err != nil {
		view, err = m.degrade(d, err)
	}
	return view, false, err
}

// supersede replaces old with a mutable-format texture of the same guest
// shape and returns the view d asks for at rng. The caller holds old's
// lock.
func (m *Manager) supersede(tag ctxlock.Tag, old *Texture, d Descriptor, rng host.SubresourceRange) (*HostTextureView, error) {
	og := old.guest
	g := NewGuestTexture(og.Mappings, og.Dimensions, og.ImageDimensions, og.SampleCount, og.Format, og.TileConfig, og.LevelCount, og.LayerCount, og.LayerStride)
	t, _, err := m.insert(tag, g, true, d.ViewType, nil)
	if err != nil {
		return nil, err
	}
	defer t.Unlock()

	m.merge(t, old)
	m.destroyLocked(old)

	view, err := t.FindOrCreateView(g.ImageDimensions, d.Format, d.ViewType, d.viewRange(rng), d.Components, d.SampleCount)
	if err == nil && view == nil {
		err = ErrIncompatibleFormat
	}
	return view, err
}

// merge copies the GPU-written contents of old into t where t contains old
// with a compatible layout. Both locks are held.
func (m *Manager) merge(t, old *Texture) {
	if old.DirtyState() != GpuDirty || old.activeHost == nil || t.activeHost == nil {
		return
	}
	og := old.guest
	offset, ok := mappingOffset(t.guest.Mappings, og.Mappings)
	if !ok {
		return
	}
	dst, ok := t.guest.CalculateSubresource(og.TileConfig, uint32(offset), og.LevelCount, og.LayerCount, og.LayerStride, t.activeHost.copyAspect())
	if !ok || !og.Format.IsCompatible(t.guest.Format) {
		return
	}
	for level := range og.LevelCount {
		if og.ImageDimensions.Mip(level) != t.guest.ImageDimensions.Mip(dst.BaseMipLevel+level) {
			slogger().Debug("texture: merge skipped, level dimensions differ",
				"addr", fmt.Sprintf("0x%X", old.baseAddr()), "level", level)
			return
		}
	}

	// t receives the guest data first so the copy lands on top of it.
	if err := t.SynchronizeHost(true); err != nil {
		slogger().Warn("texture: merge upload failed", "err", err)
		return
	}
	src := host.SubresourceRange{Aspect: dst.Aspect, LevelCount: og.LevelCount, LayerCount: og.LayerCount}
	if err := m.CopyToTexture(old, t, src, dst); err != nil {
		slogger().Warn("texture: merge copy failed", "err", err)
		return
	}
	m.stats.merged.Add(1)
	slogger().Debug("texture: merged",
		"from", fmt.Sprintf("0x%X", old.baseAddr()),
		"into", fmt.Sprintf("0x%X", t.baseAddr()),
		"level", dst.BaseMipLevel,
		"layer", dst.BaseArrayLayer,
	)
}

// CopyToTexture copies srcRange of src into dstRange of dst on the host in
// a submission of its own. Both textures are locked by the caller.
func (m *Manager) CopyToTexture(src, dst *Texture, srcRange, dstRange host.SubresourceRange) error {
	src.WaitOnFence()
	dst.WaitOnFence()
	c, err := m.sched.Submit(func(cmd host.CommandBuffer, _ *fence.Cycle) {
		RecordCopy(cmd, src.activeHost, dst.activeHost, srcRange, dstRange)
	}, nil, nil)
	if err != nil {
		return fmt.Errorf("texture: copy: %w", err)
	}
	src.AttachCycle(c)
	dst.AttachCycle(c)
	return nil
}

// RecordCopy records a per-level copy of srcRange of src into dstRange of
// dst with the layout transitions around it.
func RecordCopy(cmd host.CommandBuffer, src, dst *HostTexture, srcRange, dstRange host.SubresourceRange) {
	srcLayout, dstLayout := src.layout, dst.layout
	cmd.PipelineBarrier(host.Barrier{
		SrcStage: host.StageTopOfPipe,
		DstStage: host.StageTransfer,
		Images: []host.ImageBarrier{
			{
				Image:     src.image,
				DstAccess: host.AccessTransferRead,
				OldLayout: srcLayout,
				NewLayout: host.ImageLayoutTransferSrcOptimal,
				Range:     srcRange,
			},
			{
				Image:     dst.image,
				DstAccess: host.AccessTransferWrite,
				OldLayout: dstLayout,
				NewLayout: host.ImageLayoutTransferDstOptimal,
				Range:     dstRange,
			},
		},
	})

	levels := min(srcRange.LevelCount, dstRange.LevelCount)
	regions := make([]host.ImageCopy, 0, levels)
	for i := range levels {
		ext := src.Dimensions.Mip(srcRange.BaseMipLevel + i)
		regions = append(regions, host.ImageCopy{
			Src: host.SubresourceLayers{
				Aspect:         srcRange.Aspect,
				MipLevel:       srcRange.BaseMipLevel + i,
				BaseArrayLayer: srcRange.BaseArrayLayer,
				LayerCount:     srcRange.LayerCount,
			},
			Dst: host.SubresourceLayers{
				Aspect:         dstRange.Aspect,
				MipLevel:       dstRange.BaseMipLevel + i,
				BaseArrayLayer: dstRange.BaseArrayLayer,
				LayerCount:     dstRange.LayerCount,
			},
			Extent: host.Extent3D{Width: ext.Width, Height: ext.Height, Depth: ext.Depth},
		})
	}
	cmd.CopyImage(src.image, host.ImageLayoutTransferSrcOptimal, dst.image, host.ImageLayoutTransferDstOptimal, regions)

	if dstLayout == host.ImageLayoutUndefined {
		dstLayout = host.ImageLayoutGeneral
	}
	cmd.PipelineBarrier(host.Barrier{
		SrcStage: host.StageTransfer,
		DstStage: host.StageBottomOfPipe,
		Images: []host.ImageBarrier{
			{
				Image:     src.image,
				SrcAccess: host.AccessTransferRead,
				OldLayout: host.ImageLayoutTransferSrcOptimal,
				NewLayout: srcLayout,
				Range:     srcRange,
			},
			{
				Image:     dst.image,
				SrcAccess: host.AccessTransferWrite,
				OldLayout: host.ImageLayoutTransferDstOptimal,
				NewLayout: dstLayout,
				Range:     dstRange,
			},
		},
	})
	dst.layout = dstLayout
}

// DestroyTexture supersedes t: its views turn stale, pending host data is
// written back and its memory is no longer tracked. The caller holds t's
// lock.
func (m *Manager) DestroyTexture(t *Texture) { m.destroyLocked(t) }

func (m *Manager) destroyLocked(t *Texture) {
	if t.Destroyed() {
		return
	}
	t.destroy()

	m.mu.Lock()
	m.removeLocked(t)
	m.graveyard = append(m.graveyard, t)
	m.mu.Unlock()

	m.stats.destroyed.Add(1)
	slogger().Debug("texture: destroyed", "addr", fmt.Sprintf("0x%X", t.baseAddr()))
}

// Collect releases the host objects of destroyed textures that are neither
// locked nor in use by the GPU.
func (m *Manager) Collect() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.graveyard = slices.DeleteFunc(m.graveyard, func(t *Texture) bool {
		if !t.TryLock() {
			return false
		}
		defer t.Unlock()
		if c := t.cycle.Load(); c != nil && !c.Poll() {
			return false
		}
		t.releaseHost()
		return true
	})
}

// degrade logs a failed request and returns the placeholder, unless the
// failure is fatal for the guest.
func (m *Manager) degrade(d Descriptor, err error) (*HostTextureView, error) {
	if errors.Is(err, ErrUnsupported) {
		return nil, err
	}
	slogger().Warn("texture: using placeholder",
		"addr", fmt.Sprintf("0x%X", d.Mappings[0].Addr),
		"format", d.Format,
		"err", err,
	)
	return m.Placeholder()
}

// Placeholder returns a 1x1 black view used in place of surfaces the host
// cannot represent.
func (m *Manager) Placeholder() (*HostTextureView, error) {
	m.placeholderMu.Lock()
	defer m.placeholderMu.Unlock()
	if m.placeholder != nil {
		return m.placeholder, nil
	}

	one := Dimensions{Width: 1, Height: 1, Depth: 1}
	g := NewGuestTexture(nil, one, one, host.Samples1, R8G8B8A8Unorm, LinearTiling(), 1, 1,
		CalculateLayerStride(one, R8G8B8A8Unorm, LinearTiling(), 1, 1))
	t := newTexture(m, g, false)
	t.gathered = make([]byte, g.Size)

	t.Lock()
	defer t.Unlock()
	if err := t.initialize(host.ViewType2D); err != nil {
		return nil, fmt.Errorf("texture: placeholder: %w", err)
	}
	if err := t.SynchronizeHost(false); err != nil {
		return nil, fmt.Errorf("texture: placeholder: %w", err)
	}
	v, err := t.activeHost.createView(viewKey{
		typ:        host.ViewType2D,
		format:     R8G8B8A8Unorm,
		components: host.ComponentMapping{R: host.SwizzleZero, G: host.SwizzleZero, B: host.SwizzleZero, A: host.SwizzleOne},
		rng:        host.SubresourceRange{Aspect: host.AspectColor, LevelCount: 1, LayerCount: 1},
	})
	if err != nil {
		return nil, fmt.Errorf("texture: placeholder: %w", err)
	}
	m.placeholder = v
	return v, nil
}

// Close waits for every texture to go idle and releases all host objects.
// Guest memory is left as it is.
func (m *Manager) Close() {
	m.mu.Lock()
	var live []*Texture
	for _, e := range m.entries {
		if !slices.Contains(live, e.texture) {
			live = append(live, e.texture)
		}
	}
	m.entries = nil
	live = append(live, m.graveyard...)
	m.graveyard = nil
	m.mu.Unlock()

	m.placeholderMu.Lock()
	if m.placeholder != nil {
		live = append(live, m.placeholder.texture)
		m.placeholder = nil
	}
	m.placeholderMu.Unlock()

	for _, t := range live {
		t.Lock()
		t.WaitOnFence()
		t.destroyed.Store(true)
		t.releaseHost()
		m.traps.DeleteTrap(t.trap)
		t.Unlock()
	}
}
