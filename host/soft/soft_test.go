package soft

import (
	"errors"
	"testing"
	"time"

	"github.com/gogpu/guestgpu/host"
)

func newTestDevice(t *testing.T, opts ...Option) *Device {
	t.Helper()
	d := NewDevice(opts...)
	t.Cleanup(d.Destroy)
	return d
}

func submitAndWait(t *testing.T, d *Device, cb host.CommandBuffer) {
	t.Helper()
	f, _ := d.CreateFence(false)
	if err := d.Submit(host.SubmitInfo{CommandBuffers: []host.CommandBuffer{cb}}, f); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if ok, err := f.Wait(5 * time.Second); !ok || err != nil {
		t.Fatalf("fence Wait = %v, %v", ok, err)
	}
}

func rgbaImage(t *testing.T, d *Device, w, h, levels, layers uint32) *Image {
	t.Helper()
	img, err := d.CreateImage(host.ImageInfo{
		Type:        host.ImageType2D,
		Format:      host.FormatR8G8B8A8Unorm,
		Extent:      host.Extent3D{Width: w, Height: h, Depth: 1},
		MipLevels:   levels,
		ArrayLayers: layers,
		Samples:     host.Samples1,
	})
	if err != nil {
		t.Fatalf("CreateImage: %v", err)
	}
	return img.(*Image)
}

func TestFence(t *testing.T) {
	f := newFence(true)
	if ok, _ := f.Signaled(); !ok {
		t.Fatal("created signalled fence reports unsignalled")
	}
	_ = f.Reset()
	if ok, _ := f.Wait(time.Millisecond); ok {
		t.Fatal("reset fence reports signalled")
	}
	f.signal()
	f.signal()
	if ok, _ := f.Wait(time.Millisecond); !ok {
		t.Fatal("fence not signalled")
	}
}

func TestCopyRoundTrip(t *testing.T) {
	d := newTestDevice(t)
	img := rgbaImage(t, d, 4, 4, 2, 2)

	level0 := uint64(4 * 4 * 4 * 2)
	level1 := uint64(2 * 2 * 4 * 2)
	up, _ := d.CreateBuffer(level0 + level1)
	for i := range up.Bytes() {
		up.Bytes()[i] = byte(i)
	}
	regions := []host.BufferImageCopy{
		{Subresource: host.SubresourceLayers{Aspect: host.AspectColor, MipLevel: 0, LayerCount: 2}, Extent: host.Extent3D{Width: 4, Height: 4, Depth: 1}},
		{BufferOffset: level0, Subresource: host.SubresourceLayers{Aspect: host.AspectColor, MipLevel: 1, LayerCount: 2}, Extent: host.Extent3D{Width: 2, Height: 2, Depth: 1}},
	}

	cb, _ := d.CreateCommandBuffer()
	_ = cb.Begin()
	cb.CopyBufferToImage(up, img, host.ImageLayoutTransferDstOptimal, regions)
	_ = cb.End()
	submitAndWait(t, d, cb)

	if got := img.Subresource(1, 1)[0]; got != byte(level0+2*2*4) {
		t.Errorf("level 1 layer 1 first byte = %d", got)
	}

	down, _ := d.CreateBuffer(level0 + level1)
	_ = cb.Begin()
	cb.CopyImageToBuffer(img, host.ImageLayoutTransferSrcOptimal, down, regions)
	_ = cb.End()
	submitAndWait(t, d, cb)

	for i, b := range down.Bytes() {
		if b != up.Bytes()[i] {
			t.Fatalf("byte %d = %d, want %d", i, b, up.Bytes()[i])
		}
	}
}

func TestClearAttachments(t *testing.T) {
	d := newTestDevice(t)
	img := rgbaImage(t, d, 4, 4, 1, 1)
	view, _ := d.CreateImageView(img, host.ViewInfo{
		Type:   host.ViewType2D,
		Format: host.FormatR8G8B8A8Unorm,
		Range:  host.SubresourceRange{Aspect: host.AspectColor, LevelCount: 1, LayerCount: 1},
	})

	cb, _ := d.CreateCommandBuffer()
	_ = cb.Begin()
	cb.BeginRenderPass(host.RenderPassInfo{
		Area:  host.Rect2D{Width: 4, Height: 4},
		Color: []host.Attachment{{View: view, LoadOp: host.LoadOpLoad}},
	})
	cb.ClearAttachments(
		[]host.ClearAttachment{{Aspect: host.AspectColor, Value: host.ClearValue{Color: [4]float32{1, 0, 0, 1}}}},
		[]host.ClearRect{{Rect: host.Rect2D{X: 2, Y: 0, Width: 2, Height: 4}, LayerCount: 1}},
	)
	cb.EndRenderPass()
	if err := cb.End(); err != nil {
		t.Fatalf("End: %v", err)
	}
	submitAndWait(t, d, cb)

	data := img.Subresource(0, 0)
	if got := [4]byte(data[0:4]); got != [4]byte{} {
		t.Errorf("(0,0) = %v, want untouched", got)
	}
	if got := [4]byte(data[2*4 : 3*4]); got != [4]byte{255, 0, 0, 255} {
		t.Errorf("(2,0) = %v, want red", got)
	}
	if s := d.Stats(); s.Clears != 1 || s.RenderPasses != 1 {
		t.Errorf("stats = %+v", s)
	}
}

func TestDepthStencilClearMasksAspect(t *testing.T) {
	texel, mask := encodeClear(host.FormatD24UnormS8Uint, host.AspectStencil, host.ClearValue{Depth: 1, Stencil: 0x7F})
	if texel[3] != 0x7F || mask[0] != 0 || mask[3] != 0xFF {
		t.Errorf("texel %v mask %v", texel, mask)
	}
}

func TestBarrierSetsLayout(t *testing.T) {
	d := newTestDevice(t)
	img := rgbaImage(t, d, 1, 1, 1, 1)
	cb, _ := d.CreateCommandBuffer()
	_ = cb.Begin()
	cb.PipelineBarrier(host.Barrier{
		SrcStage: host.StageTopOfPipe,
		DstStage: host.StageTransfer,
		Images:   []host.ImageBarrier{{Image: img, NewLayout: host.ImageLayoutGeneral}},
	})
	_ = cb.End()
	submitAndWait(t, d, cb)
	if img.Layout() != host.ImageLayoutGeneral {
		t.Errorf("layout = %d", img.Layout())
	}
}

func TestRecordingOutsideBeginFails(t *testing.T) {
	d := newTestDevice(t)
	cb, _ := d.CreateCommandBuffer()
	cb.PipelineBarrier(host.Barrier{})
	if err := d.Submit(host.SubmitInfo{CommandBuffers: []host.CommandBuffer{cb}}, nil); !errors.Is(err, host.ErrNotRecording) {
		t.Errorf("Submit err = %v", err)
	}
}

func TestSubmitHook(t *testing.T) {
	d := newTestDevice(t, WithSubmitHook(func(host.SubmitInfo) error { return host.ErrDeviceLost }))
	if err := d.Submit(host.SubmitInfo{}, nil); !errors.Is(err, host.ErrDeviceLost) {
		t.Errorf("Submit err = %v", err)
	}
}

func TestUnsupportedFormats(t *testing.T) {
	d := newTestDevice(t, WithTraits(host.Traits{Name: "nobc"}))
	_, err := d.CreateImage(host.ImageInfo{Format: host.FormatBC1RGBAUnormBlock, Extent: host.Extent3D{Width: 4, Height: 4, Depth: 1}})
	if !errors.Is(err, host.ErrUnsupportedFormat) {
		t.Errorf("CreateImage err = %v", err)
	}
}

func TestDestroyedDeviceRejectsSubmit(t *testing.T) {
	d := NewDevice()
	d.Destroy()
	d.Destroy()
	if err := d.Submit(host.SubmitInfo{}, nil); !errors.Is(err, host.ErrDeviceLost) {
		t.Errorf("Submit err = %v", err)
	}
}

func TestHalfFromFloat(t *testing.T) {
	tests := []struct {
		in   float32
		want uint16
	}{
		{0, 0},
		{1, 0x3C00},
		{-2, 0xC000},
		{0.5, 0x3800},
		{70000, 0x7C00},
	}
	for _, tt := range tests {
		if got := halfFromFloat(tt.in); got != tt.want {
			t.Errorf("halfFromFloat(%v) = %#x, want %#x", tt.in, got, tt.want)
		}
	}
}
