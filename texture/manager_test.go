package texture

import (
	"bytes"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gogpu/guestgpu/ctxlock"
	"github.com/gogpu/guestgpu/fence"
	"github.com/gogpu/guestgpu/host"
	"github.com/gogpu/guestgpu/host/soft"
	"github.com/gogpu/guestgpu/memtrap"
	"github.com/gogpu/guestgpu/scheduler"
)

type testEnv struct {
	dev   *soft.Device
	sched *scheduler.Scheduler
	mem   *memtrap.Memory
	mgr   *Manager
}

func newTestEnv(t *testing.T, devOpts []soft.Option, opts ...Option) *testEnv {
	t.Helper()
	dev := soft.NewDevice(devOpts...)
	sched := scheduler.New(dev, scheduler.WithWaitSlice(100*time.Millisecond))
	mem := memtrap.NewMemory()
	mgr := NewManager(dev, sched, mem, opts...)
	t.Cleanup(func() {
		mgr.Close()
		sched.Close()
		dev.Destroy()
	})
	return &testEnv{dev: dev, sched: sched, mem: mem, mgr: mgr}
}

func (e *testEnv) mapRegion(t *testing.T, addr, size uint64) memtrap.Region {
	t.Helper()
	r, err := e.mem.Map(addr, size)
	require.NoError(t, err)
	return r
}

func blockRGBA(m Mappings, d Dimensions, layers uint32) Descriptor {
	return Descriptor{
		Mappings:         m,
		SampleDimensions: d,
		ImageDimensions:  d,
		Format:           R8G8B8A8Unorm,
		ViewType:         host.ViewType2D,
		Components:       host.IdentityMapping,
		TileConfig:       BlockTiling(16, 1),
		LevelCount:       1,
		LayerCount:       layers,
	}
}

func fill(b, texel []byte) {
	for i := 0; i+len(texel) <= len(b); i += len(texel) {
		copy(b[i:], texel)
	}
}

func allTexels(t *testing.T, b, texel []byte) {
	t.Helper()
	for i := 0; i+len(texel) <= len(b); i += len(texel) {
		if !bytes.Equal(b[i:i+len(texel)], texel) {
			t.Fatalf("texel at byte %d = %v, want %v", i, b[i:i+len(texel)], texel)
		}
	}
}

func softImage(v *HostTextureView) *soft.Image {
	return v.Image().(*soft.Image)
}

// A guest write reaches the host image, and a host clear reaches guest
// memory on the next guest read.
func TestGuestHostRoundTrip(t *testing.T) {
	e := newTestEnv(t, nil)
	d := Dimensions{Width: 256, Height: 256, Depth: 1}
	size := uint64(CalculateLayerStride(d, R8G8B8A8Unorm, BlockTiling(16, 1), 1, 1))
	const addr = 0x100000
	r := e.mapRegion(t, addr, size)

	view, err := e.mgr.FindOrCreate(0, blockRGBA(Mappings{r}, d, 1))
	require.NoError(t, err)
	require.NotNil(t, view)
	tex := view.Texture()
	assert.Equal(t, CpuDirty, tex.DirtyState())

	color := []byte{0x11, 0x22, 0x33, 0xFF}
	guest := make([]byte, size)
	fill(guest, color)
	require.NoError(t, e.mem.Write(addr, guest))

	view.Lock()
	require.NoError(t, tex.SynchronizeHost(false))
	tex.WaitOnFence()
	view.Unlock()

	assert.Equal(t, Clean, tex.DirtyState())
	assert.Equal(t, memtrap.WriteProtected, e.mem.Protection(tex.trap))
	allTexels(t, softImage(view).Subresource(0, 0), color)

	// Render a clear into the texture.
	view.Lock()
	require.NoError(t, tex.SynchronizeHost(true))
	assert.Equal(t, GpuDirty, tex.DirtyState())
	c, err := e.sched.Submit(func(cmd host.CommandBuffer, _ *fence.Cycle) {
		cmd.BeginRenderPass(host.RenderPassInfo{
			Area: host.Rect2D{Width: d.Width, Height: d.Height},
			Color: []host.Attachment{{
				View:   view.ImageView(),
				Layout: host.ImageLayoutGeneral,
				LoadOp: host.LoadOpClear,
				Clear:  host.ClearValue{Color: [4]float32{0, 1, 0, 1}},
			}},
		})
		cmd.EndRenderPass()
	}, nil, nil)
	require.NoError(t, err)
	tex.AttachCycle(c)
	view.Unlock()

	// The guest read waits for the clear and pulls it back.
	got := make([]byte, size)
	require.NoError(t, e.mem.Read(addr, got))
	allTexels(t, got, []byte{0x00, 0xFF, 0x00, 0xFF})
	assert.Equal(t, Clean, tex.DirtyState())
	assert.Equal(t, memtrap.WriteProtected, e.mem.Protection(tex.trap))

	// A guest write through the trap marks the texture CPU dirty again.
	require.NoError(t, e.mem.Write(addr, []byte{1, 2, 3, 4}))
	assert.Equal(t, CpuDirty, tex.DirtyState())
	assert.Equal(t, memtrap.Unprotected, e.mem.Protection(tex.trap))
}

func TestFindOrCreateDeduplicates(t *testing.T) {
	e := newTestEnv(t, nil)
	d := Dimensions{Width: 64, Height: 64, Depth: 1}
	desc := blockRGBA(nil, d, 1)
	desc.Mappings = Mappings{e.mapRegion(t, 0x4000, uint64(CalculateLayerStride(d, R8G8B8A8Unorm, desc.TileConfig, 1, 1)))}

	a, err := e.mgr.FindOrCreate(0, desc)
	require.NoError(t, err)
	b, err := e.mgr.FindOrCreate(0, desc)
	require.NoError(t, err)

	assert.Same(t, a, b)
	assert.Same(t, a.Image(), b.Image())
	assert.Equal(t, 1, e.mgr.Stats().Live)
	assert.Equal(t, uint64(1), e.mgr.Stats().Created)
}

func TestFindOrCreateLayerOfArray(t *testing.T) {
	e := newTestEnv(t, nil)
	d := Dimensions{Width: 64, Height: 64, Depth: 1}
	tc := BlockTiling(16, 1)
	stride := CalculateLayerStride(d, R8G8B8A8Unorm, tc, 1, 4)
	const addr = 0x8000
	r := e.mapRegion(t, addr, uint64(stride)*4)

	array := blockRGBA(Mappings{r}, d, 4)
	array.ViewType = host.ViewType2DArray
	array.LayerStride = stride
	av, err := e.mgr.FindOrCreate(0, array)
	require.NoError(t, err)

	// The third layer alone, addressed through its own mapping.
	sub, err := e.mem.Region(addr+2*uint64(stride), uint64(stride))
	require.NoError(t, err)
	one := blockRGBA(Mappings{sub}, d, 1)
	one.LayerStride = stride
	lv, err := e.mgr.FindOrCreate(0, one)
	require.NoError(t, err)

	assert.Same(t, av.Texture(), lv.Texture())
	assert.Equal(t, uint32(2), lv.Range.BaseArrayLayer)
	assert.Equal(t, uint32(1), lv.Range.LayerCount)
	assert.Equal(t, 1, e.mgr.Stats().Live)
}

// A larger surface over an existing one supersedes it: the GPU contents of
// the old texture survive and its views turn stale.
func TestFindOrCreateMergesContainedTexture(t *testing.T) {
	e := newTestEnv(t, nil)
	d := Dimensions{Width: 64, Height: 64, Depth: 1}
	tc := BlockTiling(16, 1)
	stride := CalculateLayerStride(d, R8G8B8A8Unorm, tc, 1, 2)
	const addr = 0x20000
	r := e.mapRegion(t, addr, uint64(stride)*2)

	first, err := e.mem.Region(addr, uint64(stride))
	require.NoError(t, err)
	small := blockRGBA(Mappings{first}, d, 1)
	small.LayerStride = stride
	oldView, err := e.mgr.FindOrCreate(0, small)
	require.NoError(t, err)
	old := oldView.Texture()

	// Clear the old texture on the GPU.
	oldView.Lock()
	require.NoError(t, old.SynchronizeHost(true))
	c, err := e.sched.Submit(func(cmd host.CommandBuffer, _ *fence.Cycle) {
		cmd.BeginRenderPass(host.RenderPassInfo{
			Area: host.Rect2D{Width: d.Width, Height: d.Height},
			Color: []host.Attachment{{
				View:   oldView.ImageView(),
				LoadOp: host.LoadOpClear,
				Clear:  host.ClearValue{Color: [4]float32{1, 0, 0, 1}},
			}},
		})
		cmd.EndRenderPass()
	}, nil, nil)
	require.NoError(t, err)
	old.AttachCycle(c)
	oldView.Unlock()

	big := blockRGBA(Mappings{r}, d, 2)
	big.ViewType = host.ViewType2DArray
	big.LayerStride = stride
	newView, err := e.mgr.FindOrCreate(0, big)
	require.NoError(t, err)

	assert.True(t, oldView.Stale())
	assert.True(t, old.Destroyed())
	assert.NotSame(t, old, newView.Texture())
	assert.Equal(t, uint64(1), e.mgr.Stats().Merged)
	assert.Equal(t, []*Texture{newView.Texture()}, e.mgr.LookupRange(r))

	// The clear was copied into layer 0 of the new texture and written
	// back to guest memory.
	tex := newView.Texture()
	tex.Lock()
	tex.WaitOnFence()
	tex.Unlock()
	allTexels(t, softImage(newView).Subresource(0, 0), []byte{0xFF, 0x00, 0x00, 0xFF})
	// Only texel bytes are compared; GOB padding is never written.
	written := make([]byte, old.Guest().LinearSize)
	require.NoError(t, deswizzle(old.Guest(), first.Data, written))
	allTexels(t, written, []byte{0xFF, 0x00, 0x00, 0xFF})

	// Host objects of the superseded texture are released once idle.
	e.mgr.Collect()
	assert.Equal(t, 0, e.mgr.Stats().Pending)
	assert.Nil(t, old.ActiveHost())
}

func TestFindOrCreateConcurrentRequestsShareTexture(t *testing.T) {
	e := newTestEnv(t, nil)
	d := Dimensions{Width: 64, Height: 64, Depth: 1}
	desc := blockRGBA(nil, d, 1)
	desc.Mappings = Mappings{e.mapRegion(t, 0x4000, uint64(CalculateLayerStride(d, R8G8B8A8Unorm, desc.TileConfig, 1, 1)))}

	const workers, rounds = 8, 200
	views := make([][]*HostTextureView, workers)
	var wg sync.WaitGroup
	for w := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range rounds {
				v, err := e.mgr.FindOrCreate(0, desc)
				if err != nil || v == nil {
					t.Errorf("FindOrCreate = %v, %v", v, err)
					return
				}
				views[w] = append(views[w], v)
			}
		}()
	}
	wg.Wait()

	want := views[0][0]
	for w := range workers {
		for _, v := range views[w] {
			assert.Same(t, want, v)
		}
	}
	assert.False(t, want.Stale())
	assert.Equal(t, uint64(1), e.mgr.Stats().Created)
	assert.Zero(t, e.mgr.Stats().Destroyed)
}

// Surfaces of different layouts over the same memory are both kept.
func TestIncompatibleAliasSurvives(t *testing.T) {
	e := newTestEnv(t, nil)
	d := Dimensions{Width: 64, Height: 64, Depth: 1}
	const addr = 0x80000
	r := e.mapRegion(t, addr, uint64(CalculateLayerStride(d, R8G8B8A8Unorm, BlockTiling(16, 1), 1, 1)))
	block := blockRGBA(Mappings{r}, d, 1)
	a, err := e.mgr.FindOrCreate(0, block)
	require.NoError(t, err)

	pr, err := e.mem.Region(addr, uint64(d.Width*d.Height*4))
	require.NoError(t, err)
	pitch := blockRGBA(Mappings{pr}, d, 1)
	pitch.TileConfig = PitchTiling(d.Width * 4)
	b, err := e.mgr.FindOrCreate(0, pitch)
	require.NoError(t, err)

	assert.NotSame(t, a.Texture(), b.Texture())
	assert.False(t, a.Stale())
	assert.False(t, a.Texture().Destroyed())
	assert.ElementsMatch(t, []*Texture{a.Texture(), b.Texture()}, e.mgr.LookupRange(r))

	// Alternating requests reuse both textures.
	again, err := e.mgr.FindOrCreate(0, block)
	require.NoError(t, err)
	assert.Same(t, a, again)
	again, err = e.mgr.FindOrCreate(0, pitch)
	require.NoError(t, err)
	assert.Same(t, b, again)

	s := e.mgr.Stats()
	assert.Equal(t, uint64(2), s.Created)
	assert.Zero(t, s.Destroyed)
	assert.Equal(t, 2, s.Live)
}

func TestFindOrCreateUnmapped(t *testing.T) {
	e := newTestEnv(t, nil)
	d := Dimensions{Width: 16, Height: 16, Depth: 1}

	v, err := e.mgr.FindOrCreate(0, blockRGBA(nil, d, 1))
	assert.NoError(t, err)
	assert.Nil(t, v)

	v, err = e.mgr.FindOrCreate(0, blockRGBA(Mappings{{Addr: 0x1000}}, d, 1))
	assert.NoError(t, err)
	assert.Nil(t, v)
}

func TestFindOrCreateUnsupported(t *testing.T) {
	e := newTestEnv(t, nil)
	d := Dimensions{Width: 16, Height: 16, Depth: 1}
	desc := blockRGBA(Mappings{e.mapRegion(t, 0x1000, 0x10000)}, d, 1)
	desc.TileConfig = PitchTiling(64)
	desc.LevelCount = 2

	_, err := e.mgr.FindOrCreate(0, desc)
	assert.ErrorIs(t, err, ErrUnsupported)
}

func TestFindOrCreateFallsBackToPlaceholder(t *testing.T) {
	// ASTC is neither supported by the device nor decoded.
	e := newTestEnv(t, nil)
	d := Dimensions{Width: 16, Height: 16, Depth: 1}
	desc := Descriptor{
		Mappings:         Mappings{e.mapRegion(t, 0x1000, uint64(Astc4x4Unorm.Size(d)))},
		SampleDimensions: d,
		Format:           Astc4x4Unorm,
		ViewType:         host.ViewType2D,
		TileConfig:       LinearTiling(),
	}

	v, err := e.mgr.FindOrCreate(0, desc)
	require.NoError(t, err)
	p, err := e.mgr.Placeholder()
	require.NoError(t, err)
	assert.Same(t, p, v)

	assert.Equal(t, host.ComponentMapping{R: host.SwizzleZero, G: host.SwizzleZero, B: host.SwizzleZero, A: host.SwizzleOne}, p.Components)
	assert.Equal(t, make([]byte, 4), softImage(p).Subresource(0, 0))
}

func TestBCnDecodedWhenUnsupported(t *testing.T) {
	e := newTestEnv(t, []soft.Option{soft.WithTraits(host.Traits{Name: "no-bcn"})})
	d := Dimensions{Width: 8, Height: 8, Depth: 1}
	r := e.mapRegion(t, 0x3000, uint64(BC1Unorm.Size(d)))
	// Solid red: both endpoints 0xF800, every index 0.
	fill(r.Data, []byte{0x00, 0xF8, 0x00, 0xF8, 0, 0, 0, 0})

	v, err := e.mgr.FindOrCreate(0, Descriptor{
		Mappings:         Mappings{r},
		SampleDimensions: d,
		Format:           BC1Unorm,
		ViewType:         host.ViewType2D,
		Components:       host.IdentityMapping,
		TileConfig:       LinearTiling(),
	})
	require.NoError(t, err)
	require.NotNil(t, v)
	assert.Same(t, R8G8B8A8Unorm, v.Format)
	assert.True(t, v.Host().NeedsDecompression)

	tex := v.Texture()
	tex.Lock()
	require.NoError(t, tex.SynchronizeHost(false))
	tex.WaitOnFence()
	tex.Unlock()
	allTexels(t, softImage(v).Subresource(0, 0), []byte{0xFF, 0x00, 0x00, 0xFF})
}

func TestLinearTilingWritesMappedImage(t *testing.T) {
	e := newTestEnv(t, nil, WithLinearTiling(true))
	d := Dimensions{Width: 32, Height: 32, Depth: 1}
	desc := blockRGBA(Mappings{e.mapRegion(t, 0x40000, uint64(CalculateLayerStride(d, R8G8B8A8Unorm, BlockTiling(16, 1), 1, 1)))}, d, 1)
	fill(desc.Mappings[0].Data, []byte{9, 8, 7, 6})

	v, err := e.mgr.FindOrCreate(0, desc)
	require.NoError(t, err)
	assert.Equal(t, host.TilingLinear, v.Host().Tiling)

	tex := v.Texture()
	tex.Lock()
	require.NoError(t, tex.SynchronizeHost(false))
	tex.WaitOnFence()
	tex.Unlock()
	allTexels(t, softImage(v).Subresource(0, 0), []byte{9, 8, 7, 6})
}

func TestViewsAreCachedPerShape(t *testing.T) {
	e := newTestEnv(t, nil)
	d := Dimensions{Width: 16, Height: 16, Depth: 1}
	desc := blockRGBA(Mappings{e.mapRegion(t, 0x1000, uint64(CalculateLayerStride(d, R8G8B8A8Unorm, BlockTiling(16, 1), 1, 1)))}, d, 1)

	a, err := e.mgr.FindOrCreate(0, desc)
	require.NoError(t, err)

	swizzled := desc
	swizzled.Components = host.ComponentMapping{R: host.SwizzleB, G: host.SwizzleG, B: host.SwizzleR, A: host.SwizzleA}
	b, err := e.mgr.FindOrCreate(0, swizzled)
	require.NoError(t, err)
	c, err := e.mgr.FindOrCreate(0, swizzled)
	require.NoError(t, err)

	assert.NotSame(t, a, b)
	assert.Same(t, b, c)
	assert.Same(t, a.Host(), b.Host())
	assert.Len(t, a.Host().views, 2)
}

func TestReinterpretedFormatNeedsMutableImage(t *testing.T) {
	// Mutable formats cost extra here, so images start immutable.
	e := newTestEnv(t, []soft.Option{soft.WithTraits(host.Traits{SupportsBCn: true, MutableFormatCostly: true})})
	d := Dimensions{Width: 16, Height: 16, Depth: 1}
	desc := blockRGBA(Mappings{e.mapRegion(t, 0x1000, uint64(CalculateLayerStride(d, R8G8B8A8Unorm, BlockTiling(16, 1), 1, 1)))}, d, 1)

	a, err := e.mgr.FindOrCreate(0, desc)
	require.NoError(t, err)
	assert.Zero(t, a.Host().Flags&host.CreateMutableFormat)

	asUint := desc
	asUint.Format = R32Uint
	b, err := e.mgr.FindOrCreate(0, asUint)
	require.NoError(t, err)

	assert.True(t, a.Stale())
	assert.NotZero(t, b.Host().Flags&host.CreateMutableFormat)
	assert.Same(t, R32Uint, b.Format)
}

// A reinterpreting view of one level replaces the texture with a mutable
// one covering the whole guest surface.
func TestSuccessorKeepsGuestShape(t *testing.T) {
	e := newTestEnv(t, []soft.Option{soft.WithTraits(host.Traits{SupportsBCn: true, MutableFormatCostly: true})})
	d := Dimensions{Width: 64, Height: 64, Depth: 1}
	tc := BlockTiling(16, 1)
	stride := CalculateLayerStride(d, R8G8B8A8Unorm, tc, 3, 1)
	const addr = 0x60000
	r := e.mapRegion(t, addr, uint64(stride))

	full := blockRGBA(Mappings{r}, d, 1)
	full.LevelCount = 3
	a, err := e.mgr.FindOrCreate(0, full)
	require.NoError(t, err)
	old := a.Texture()

	level0 := old.Guest().levelGuestSize(0)
	sub, err := e.mem.Region(addr+level0, uint64(stride)-level0)
	require.NoError(t, err)
	mip := blockRGBA(Mappings{sub}, d.Mip(1), 1)
	mip.Format = R32Uint
	b, err := e.mgr.FindOrCreate(0, mip)
	require.NoError(t, err)

	assert.True(t, a.Stale())
	assert.True(t, old.Destroyed())
	succ := b.Texture()
	require.NotSame(t, old, succ)
	assert.Equal(t, uint32(3), succ.Guest().LevelCount)
	assert.Equal(t, d, succ.Guest().ImageDimensions)
	assert.Equal(t, old.Guest().Mappings, succ.Guest().Mappings)
	assert.NotZero(t, b.Host().Flags&host.CreateMutableFormat)
	assert.Same(t, R32Uint, b.Format)
	assert.Equal(t, uint32(1), b.Range.BaseMipLevel)
	assert.Equal(t, uint32(1), b.Range.LevelCount)

	// The whole surface is served by the successor.
	c, err := e.mgr.FindOrCreate(0, full)
	require.NoError(t, err)
	assert.Same(t, succ, c.Texture())
	assert.Equal(t, uint32(3), c.Range.LevelCount)
	assert.Equal(t, uint64(2), e.mgr.Stats().Created)
}

func TestLockWithTagThroughViews(t *testing.T) {
	e := newTestEnv(t, nil)
	d := Dimensions{Width: 16, Height: 16, Depth: 1}
	desc := blockRGBA(Mappings{e.mapRegion(t, 0x1000, uint64(CalculateLayerStride(d, R8G8B8A8Unorm, BlockTiling(16, 1), 1, 1)))}, d, 1)
	v, err := e.mgr.FindOrCreate(0, desc)
	require.NoError(t, err)

	tag := ctxlock.NewTag()
	assert.True(t, v.LockWithTag(tag))
	assert.False(t, v.LockWithTag(tag))
	assert.False(t, v.TryLock())

	// Lookups under the same tag do not block on the held texture.
	again, err := e.mgr.FindOrCreate(tag, desc)
	require.NoError(t, err)
	assert.Same(t, v, again)

	v.Unlock()
	assert.True(t, v.TryLock())
	v.Unlock()
}

func TestRenderPassUsage(t *testing.T) {
	e := newTestEnv(t, nil)
	d := Dimensions{Width: 16, Height: 16, Depth: 1}
	desc := blockRGBA(Mappings{e.mapRegion(t, 0x1000, uint64(CalculateLayerStride(d, R8G8B8A8Unorm, BlockTiling(16, 1), 1, 1)))}, d, 1)
	v, err := e.mgr.FindOrCreate(0, desc)
	require.NoError(t, err)
	tex := v.Texture()

	assert.True(t, tex.ValidateRenderPassUsage(1, UsageRenderTarget))
	tex.UpdateRenderPassUsage(1, UsageRenderTarget)
	assert.True(t, tex.EverUsedAsRenderTarget())
	assert.False(t, tex.ValidateRenderPassUsage(1, UsageSampled))
	assert.True(t, tex.ValidateRenderPassUsage(2, UsageSampled))

	var src, dst host.PipelineStage
	tex.PopulateReadBarrier(host.StageFragmentShader, &src, &dst)
	assert.Equal(t, host.StageColorAttachmentOutput, src)
	assert.Equal(t, host.StageFragmentShader, dst)

	// A stage already synchronized adds nothing.
	src, dst = 0, 0
	tex.PopulateReadBarrier(host.StageFragmentShader, &src, &dst)
	assert.Zero(t, src)
	assert.Zero(t, dst)
	assert.Equal(t, host.StageFragmentShader, tex.ReadStageMask())

	tex.UpdateRenderPassUsage(2, UsageNone)
	assert.Equal(t, UsageNone, tex.LastRenderPassUsage())
}

func TestMemoryStatsString(t *testing.T) {
	s := MemoryStats{Live: 2, HostBytes: 1 << 20, Created: 3, Uploads: 1234}
	assert.Contains(t, s.String(), "1,048,576 bytes")
	assert.Contains(t, s.String(), "1,234 uploads")
}
