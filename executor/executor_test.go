package executor

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
	"github.com/gogpu/guestgpu/texture"
)

type testEnv struct {
	dev   *soft.Device
	sched *scheduler.Scheduler
	mem   *memtrap.Memory
	mgr   *texture.Manager
	exec  *Executor

	next uint64
}

func newTestEnv(t *testing.T, opts ...Option) *testEnv {
	t.Helper()
	dev := soft.NewDevice()
	sched := scheduler.New(dev)
	mem := memtrap.NewMemory()
	mgr := texture.NewManager(dev, sched, mem)
	exec, err := New(dev, sched, opts...)
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, exec.Close())
		mgr.Close()
		sched.Close()
		dev.Destroy()
	})
	return &testEnv{dev: dev, sched: sched, mem: mem, mgr: mgr, exec: exec, next: 0x10000}
}

// view maps a fresh linear surface and returns a view of it.
func (e *testEnv) view(t *testing.T, format *texture.Format, w, h uint32) (*texture.HostTextureView, memtrap.Region) {
	t.Helper()
	d := texture.Dimensions{Width: w, Height: h, Depth: 1}
	size := format.Size(d)
	r, err := e.mem.Map(e.next, size)
	require.NoError(t, err)
	e.next += (size + 0xFFFF) &^ 0xFFFF

	v, err := e.mgr.FindOrCreate(e.exec.Tag(), texture.Descriptor{
		Mappings:         texture.Mappings{r},
		SampleDimensions: d,
		Format:           format,
		ViewType:         host.ViewType2D,
		Components:       host.IdentityMapping,
		TileConfig:       texture.LinearTiling(),
	})
	require.NoError(t, err)
	require.NotNil(t, v)
	return v, r
}

func texels(t *testing.T, b, texel []byte) {
	t.Helper()
	for i := 0; i+len(texel) <= len(b); i += len(texel) {
		if !bytes.Equal(b[i:i+len(texel)], texel) {
			t.Fatalf("texel at byte %d = %v, want %v", i, b[i:i+len(texel)], texel)
		}
	}
}

func image(v *texture.HostTextureView) *soft.Image { return v.Image().(*soft.Image) }

func area(w, h uint32) host.Rect2D { return host.Rect2D{Width: w, Height: h} }

func noop(host.CommandBuffer, *fence.Cycle) {}

func TestClearColorSubpassReachesGuest(t *testing.T) {
	e := newTestEnv(t)
	v, r := e.view(t, texture.R8G8B8A8Unorm, 16, 16)

	require.True(t, e.exec.AttachTexture(v))
	assert.False(t, e.exec.AttachTexture(v), "second attach with the same tag")

	e.exec.AddClearColorSubpass(v, host.ClearValue{Color: [4]float32{0, 1, 0, 1}})
	require.NoError(t, e.exec.Submit(nil, true))

	green := []byte{0x00, 0xFF, 0x00, 0xFF}
	texels(t, image(v).Subresource(0, 0), green)
	stats := e.dev.Stats()
	assert.Equal(t, uint64(1), stats.RenderPasses)
	assert.Zero(t, stats.Clears, "the clear is folded into the attachment load")

	tex := v.Texture()
	assert.Equal(t, texture.GpuDirty, tex.DirtyState())
	require.True(t, v.TryLock(), "submission releases attached textures")
	v.Unlock()

	got := make([]byte, len(r.Data))
	require.NoError(t, e.mem.Read(r.Addr, got))
	texels(t, got, green)
	assert.Equal(t, texture.Clean, tex.DirtyState())
}

func TestAttachTextureRefusesStaleView(t *testing.T) {
	e := newTestEnv(t)
	v, _ := e.view(t, texture.R8G8B8A8Unorm, 8, 8)

	v.Lock()
	e.mgr.DestroyTexture(v.Texture())
	v.Unlock()
	require.True(t, v.Stale())

	assert.False(t, e.exec.AttachTexture(v))
	require.True(t, v.TryLock(), "a refused view is not left locked")
	v.Unlock()
}

func TestLaterClearUsesClearAttachments(t *testing.T) {
	e := newTestEnv(t)
	v, _ := e.view(t, texture.R8G8B8A8Unorm, 8, 8)
	e.exec.AttachTexture(v)

	e.exec.AddClearColorSubpass(v, host.ClearValue{Color: [4]float32{1, 0, 0, 1}})
	e.exec.AddClearColorSubpass(v, host.ClearValue{Color: [4]float32{0, 0, 1, 1}})
	require.NoError(t, e.exec.Submit(nil, true))

	stats := e.dev.Stats()
	assert.Equal(t, uint64(1), stats.RenderPasses)
	assert.Equal(t, uint64(1), stats.Clears)
	texels(t, image(v).Subresource(0, 0), []byte{0x00, 0x00, 0xFF, 0xFF})
}

func TestClearDepthStencilSubpass(t *testing.T) {
	e := newTestEnv(t)
	v, _ := e.view(t, texture.D32Float, 4, 4)
	e.exec.AttachTexture(v)

	e.exec.AddClearDepthStencilSubpass(v, host.ClearValue{Depth: 0.5})
	require.NoError(t, e.exec.Submit(nil, true))
	texels(t, image(v).Subresource(0, 0), []byte{0x00, 0x00, 0x00, 0x3F})
}

func TestRenderPassMerging(t *testing.T) {
	e := newTestEnv(t)
	a, _ := e.view(t, texture.R8G8B8A8Unorm, 16, 16)
	b, _ := e.view(t, texture.R8G8B8A8Unorm, 16, 16)
	e.exec.AttachTexture(a)
	e.exec.AttachTexture(b)
	ab := []*texture.HostTextureView{a, b}

	assert.True(t, e.exec.CreateRenderPassWithAttachments(area(16, 16), nil, ab, nil, 0, 0))
	assert.False(t, e.exec.CreateRenderPassWithAttachments(area(16, 16), nil, ab[:1], nil, 0, 0), "prefix of the bound attachments")
	assert.Equal(t, uint32(0), e.exec.RenderPassIndex())

	assert.True(t, e.exec.CreateRenderPassWithAttachments(area(16, 16), nil, ab[1:], nil, 0, 0), "different attachment in slot 0")
	assert.Equal(t, uint32(1), e.exec.RenderPassIndex())
	// b was rendered to in the previous pass.
	assert.Equal(t, host.StageColorAttachmentOutput, e.exec.renderPass.srcStage)
	assert.Equal(t, host.StageColorAttachmentOutput, e.exec.renderPass.dstStage)

	assert.True(t, e.exec.CreateRenderPassWithAttachments(area(8, 8), nil, ab[1:], nil, 0, 0), "different render area")

	// Sampling a texture rendered in an earlier pass keeps the pass open,
	// rendering to it after sampling it in this pass does not.
	assert.False(t, e.exec.CreateRenderPassWithAttachments(area(8, 8), ab[:1], ab[1:], nil, host.StageColorAttachmentOutput, host.StageFragmentShader))
	assert.Equal(t, host.StageFragmentShader, e.exec.renderPass.dstStage&host.StageFragmentShader)
	assert.True(t, e.exec.CreateRenderPassWithAttachments(area(8, 8), nil, ab[:1], nil, 0, 0))
	assert.Equal(t, uint32(3), e.exec.RenderPassIndex())

	require.NoError(t, e.exec.Submit(nil, true))
	assert.Equal(t, uint64(4), e.dev.Stats().RenderPasses)
	assert.Equal(t, uint32(0), e.exec.RenderPassIndex())
	assert.Equal(t, texture.UsageNone, a.Texture().LastRenderPassUsage())
}

type orderLog struct {
	mu  sync.Mutex
	ops []string
}

func (l *orderLog) cmd(name string) Command {
	return func(host.CommandBuffer, *fence.Cycle) { l.add(name) }
}

func (l *orderLog) add(name string) {
	l.mu.Lock()
	l.ops = append(l.ops, name)
	l.mu.Unlock()
}

func (l *orderLog) get() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.ops...)
}

func TestCommandPlacement(t *testing.T) {
	e := newTestEnv(t)
	v, _ := e.view(t, texture.R8G8B8A8Unorm, 8, 8)
	e.exec.AttachTexture(v)
	var log orderLog

	e.exec.AddCommand(log.cmd("command"))
	require.NoError(t, e.exec.AddSubpass(log.cmd("subpass"), area(8, 8), nil, []*texture.HostTextureView{v}, nil, 0, 0))
	e.exec.InsertPreRpCommand(log.cmd("pre-rp"))
	e.exec.InsertPostRpCommand(log.cmd("post-rp"))
	e.exec.AddOutsideRpCommand(log.cmd("outside"))
	e.exec.InsertPreExecuteCommand(log.cmd("pre-execute"))
	e.exec.InsertPostRpCommand(log.cmd("trailing"))
	require.NoError(t, e.exec.Submit(nil, true))

	assert.Equal(t, []string{"pre-execute", "command", "pre-rp", "subpass", "post-rp", "outside", "trailing"}, log.get())
}

func TestFlushThresholdSubmits(t *testing.T) {
	e := newTestEnv(t, WithFlushThreshold(2))
	a, _ := e.view(t, texture.R8G8B8A8Unorm, 8, 8)
	b, _ := e.view(t, texture.R8G8B8A8Unorm, 8, 8)
	e.exec.AttachTexture(a)
	e.exec.AttachTexture(b)

	require.NoError(t, e.exec.AddSubpass(noop, area(8, 8), nil, []*texture.HostTextureView{a}, nil, 0, 0))
	assert.Zero(t, e.exec.SubmissionNumber())
	require.NoError(t, e.exec.AddSubpass(noop, area(8, 8), nil, []*texture.HostTextureView{b}, nil, 0, 0))
	assert.Equal(t, uint64(1), e.exec.SubmissionNumber())
	assert.Empty(t, e.exec.slot.nodes)
}

func TestSubmitCallbacksRunAfterSubmission(t *testing.T) {
	e := newTestEnv(t)
	var log orderLog
	e.exec.AddFlushCallback(func() { log.add("flush") })
	e.exec.AddDeferredAction(func() { log.add("deferred") })
	e.exec.AddCommand(noop)

	require.NoError(t, e.exec.Submit(func() { log.add("callback") }, false))
	assert.Equal(t, []string{"flush", "deferred", "callback"}, log.get())
	assert.Equal(t, uint64(1), e.exec.SubmissionNumber())
}

func TestDirectMemoryImportSequencesCallbacks(t *testing.T) {
	e := newTestEnv(t, WithDirectMemoryImport(true))
	e.exec.AddCommand(noop)
	c := e.exec.Cycle()

	var signalled []bool
	e.exec.AddDeferredAction(func() { signalled = append(signalled, c.Signalled()) })
	require.NoError(t, e.exec.Submit(func() { signalled = append(signalled, c.Signalled()) }, true))
	assert.Equal(t, []bool{true, true}, signalled)
}

func TestEmptySubmitDoesNotReachHost(t *testing.T) {
	e := newTestEnv(t)
	ran := false
	require.NoError(t, e.exec.Submit(func() { ran = true }, true))
	assert.True(t, ran)
	assert.Zero(t, e.exec.SubmissionNumber())
	assert.Zero(t, e.dev.Stats().Submits)
}

type fakeBuffer struct {
	mu     ctxlock.Mutex
	syncs  int
	cycles []*fence.Cycle
}

func (b *fakeBuffer) LockWithTag(tag ctxlock.Tag) bool { return b.mu.LockWithTag(tag) }
func (b *fakeBuffer) Unlock()                          { b.mu.Unlock() }
func (b *fakeBuffer) SynchronizeHost() error           { b.syncs++; return nil }
func (b *fakeBuffer) AttachCycle(c *fence.Cycle)       { b.cycles = append(b.cycles, c) }

func TestAttachBuffer(t *testing.T) {
	e := newTestEnv(t)
	b := &fakeBuffer{}
	require.True(t, e.exec.AttachBuffer(b))
	assert.False(t, e.exec.AttachBuffer(b))
	e.exec.AddCommand(noop)
	c := e.exec.Cycle()

	require.NoError(t, e.exec.Submit(nil, true))
	assert.Equal(t, 1, b.syncs)
	require.Equal(t, []*fence.Cycle{c}, b.cycles)
	assert.True(t, c.Signalled())
	require.True(t, b.mu.TryLock())
	b.mu.Unlock()
}

func TestPreservedTexturesSurviveSubmissions(t *testing.T) {
	// Preserved resources are dropped every 2<<1 submissions.
	e := newTestEnv(t, WithSlotCountScale(1))
	v, _ := e.view(t, texture.R8G8B8A8Unorm, 8, 8)

	require.True(t, e.exec.PreserveTexture(v))
	assert.False(t, e.exec.AttachTexture(v), "already held through the preserve list")

	submit := func() {
		t.Helper()
		e.exec.AddCommand(noop)
		require.NoError(t, e.exec.Submit(nil, true))
	}

	submit()
	assert.False(t, v.TryLock(), "preserved texture stays locked")

	e.exec.UnlockPreserve()
	require.True(t, v.TryLock())
	v.Unlock()
	e.exec.LockPreserve()
	assert.False(t, v.TryLock())

	for e.exec.SubmissionNumber() < 4 {
		submit()
	}
	require.True(t, v.TryLock(), "preserve list reset")
	v.Unlock()
}

func TestPipelineChangeCallbacks(t *testing.T) {
	e := newTestEnv(t)
	n := 0
	e.exec.AddPipelineChangeCallback(func() { n++ })
	e.exec.AddPipelineChangeCallback(func() { n += 10 })
	e.exec.NotifyPipelineChange()
	assert.Equal(t, 11, n)
}

func TestAttachDependencyReleasedOnCompletion(t *testing.T) {
	e := newTestEnv(t)
	released := make(chan struct{})
	e.exec.AttachDependency(fence.ReleaseFunc(func() { close(released) }))
	e.exec.AddCommand(noop)
	require.NoError(t, e.exec.Submit(nil, false))

	select {
	case <-released:
	case <-time.After(5 * time.Second):
		t.Fatal("dependency not released")
	}
}

func TestSubmitAfterClose(t *testing.T) {
	dev := soft.NewDevice()
	sched := scheduler.New(dev)
	defer func() {
		sched.Close()
		dev.Destroy()
	}()
	exec, err := New(dev, sched)
	require.NoError(t, err)
	exec.AddCommand(noop)
	require.NoError(t, exec.Close())
	assert.Equal(t, uint64(1), exec.SubmissionNumber())
	assert.ErrorIs(t, exec.Submit(nil, false), ErrClosed)
}
