//go:build !nogpu

package halhost

import (
	"fmt"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/guestgpu/host"
)

// CommandBuffer is a host.CommandBuffer recording into a HAL encoder.
// Recording errors are kept and returned by End.
type CommandBuffer struct {
	dev *Device

	encoder   hal.CommandEncoder
	recording bool
	cmd       hal.CommandBuffer
	err       error

	pass     hal.RenderPassEncoder
	passInfo host.RenderPassInfo

	staging []hal.Buffer
}

func (c *CommandBuffer) fail(err error) {
	if c.err == nil {
		c.err = err
	}
}

func (c *CommandBuffer) active(op string) bool {
	if !c.recording {
		c.fail(fmt.Errorf("halhost: %s: %w", op, host.ErrNotRecording))
		return false
	}
	return c.err == nil
}

// Begin implements host.CommandBuffer.
func (c *CommandBuffer) Begin() error {
	if err := c.Reset(); err != nil {
		return err
	}
	enc, err := c.dev.device.CreateCommandEncoder(&hal.CommandEncoderDescriptor{Label: "halhost"})
	if err != nil {
		return fmt.Errorf("halhost: create command encoder: %w", mapError(err))
	}
	if err := enc.BeginEncoding("halhost"); err != nil {
		return fmt.Errorf("halhost: begin encoding: %w", mapError(err))
	}
	c.encoder, c.recording = enc, true
	return nil
}

// End implements host.CommandBuffer.
func (c *CommandBuffer) End() error {
	if !c.recording {
		return fmt.Errorf("halhost: end: %w", host.ErrNotRecording)
	}
	c.recording = false
	if c.pass != nil {
		c.pass.End()
		c.pass = nil
	}
	if c.err != nil {
		c.encoder.DiscardEncoding()
		return c.err
	}
	cmd, err := c.encoder.EndEncoding()
	if err != nil {
		return fmt.Errorf("halhost: end encoding: %w", mapError(err))
	}
	c.cmd = cmd
	return nil
}

// Reset implements host.CommandBuffer. It must only be called once the
// last submission of c has completed.
func (c *CommandBuffer) Reset() error {
	if c.recording {
		if c.pass != nil {
			c.pass.End()
			c.pass = nil
		}
		c.encoder.DiscardEncoding()
		c.recording = false
	}
	if c.cmd != nil {
		c.dev.device.FreeCommandBuffer(c.cmd)
		c.cmd = nil
	}
	for _, b := range c.staging {
		c.dev.device.DestroyBuffer(b)
	}
	c.staging = c.staging[:0]
	c.encoder, c.err = nil, nil
	return nil
}

// Destroy implements host.CommandBuffer.
func (c *CommandBuffer) Destroy() { _ = c.Reset() }

func (c *CommandBuffer) transition(barriers []hal.TextureBarrier, img *Image, usage gputypes.TextureUsage) []hal.TextureBarrier {
	if b, ok := img.transition(usage); ok {
		barriers = append(barriers, b)
	}
	return barriers
}

func (c *CommandBuffer) flushBarriers(barriers []hal.TextureBarrier) {
	if len(barriers) > 0 {
		c.encoder.TransitionTextures(barriers)
	}
}

func asImage(img host.Image) (*Image, error) {
	im, ok := img.(*Image)
	if !ok {
		return nil, fmt.Errorf("halhost: foreign image %T", img)
	}
	return im, nil
}

// PipelineBarrier implements host.CommandBuffer. Only image layout changes
// that imply a usage are recorded.
func (c *CommandBuffer) PipelineBarrier(b host.Barrier) {
	if !c.active("barrier") {
		return
	}
	var barriers []hal.TextureBarrier
	for _, ib := range b.Images {
		usage, ok := layoutUsage(ib.NewLayout)
		if !ok {
			continue
		}
		im, err := asImage(ib.Image)
		if err != nil {
			c.fail(err)
			return
		}
		barriers = c.transition(barriers, im, usage)
	}
	c.flushBarriers(barriers)
}

func imageCopy(img *Image, sub host.SubresourceLayers, off host.Offset3D) hal.ImageCopyTexture {
	z := uint32(off.Z)
	if img.info.Type != host.ImageType3D {
		z = sub.BaseArrayLayer
	}
	return hal.ImageCopyTexture{
		Texture:  img.tex,
		MipLevel: sub.MipLevel,
		Origin:   hal.Origin3D{X: uint32(off.X), Y: uint32(off.Y), Z: z},
		Aspect:   aspect(img.info.Format, sub.Aspect),
	}
}

func copySize(img *Image, sub host.SubresourceLayers, e host.Extent3D) hal.Extent3D {
	depth := max(e.Depth, 1)
	if img.info.Type != host.ImageType3D {
		depth = max(sub.LayerCount, 1)
	}
	return hal.Extent3D{Width: e.Width, Height: e.Height, DepthOrArrayLayers: depth}
}

// CopyBufferToImage implements host.CommandBuffer. The regions are packed
// from the buffer's current contents into a staging buffer.
func (c *CommandBuffer) CopyBufferToImage(src host.Buffer, dst host.Image, _ host.ImageLayout, regions []host.BufferImageCopy) {
	if !c.active("copy buffer to image") {
		return
	}
	im, err := asImage(dst)
	if err != nil {
		c.fail(err)
		return
	}
	c.flushBarriers(c.transition(nil, im, gputypes.TextureUsageCopyDst))

	for _, r := range regions {
		l, err := newCopyLayout(im.info.Format, r)
		if err != nil {
			c.fail(err)
			return
		}
		data, err := l.pack(src.Bytes())
		if err != nil {
			c.fail(err)
			return
		}
		staging, err := c.dev.device.CreateBuffer(&hal.BufferDescriptor{
			Label: "halhost_upload",
			Size:  uint64(len(data)),
			Usage: gputypes.BufferUsageCopySrc | gputypes.BufferUsageCopyDst,
		})
		if err != nil {
			c.fail(fmt.Errorf("halhost: upload buffer: %w", mapError(err)))
			return
		}
		c.staging = append(c.staging, staging)
		c.dev.queue.WriteBuffer(staging, 0, data)

		c.encoder.CopyBufferToTexture(staging, im.tex, []hal.BufferTextureCopy{{
			BufferLayout: hal.ImageDataLayout{Offset: 0, BytesPerRow: l.paddedPitch, RowsPerImage: l.rows},
			TextureBase:  imageCopy(im, r.Subresource, r.Offset),
			Size:         copySize(im, r.Subresource, r.Extent),
		}})
	}
}

// CopyImageToBuffer implements host.CommandBuffer. The buffer receives the
// data on its next Invalidate.
func (c *CommandBuffer) CopyImageToBuffer(src host.Image, _ host.ImageLayout, dst host.Buffer, regions []host.BufferImageCopy) {
	if !c.active("copy image to buffer") {
		return
	}
	im, err := asImage(src)
	if err != nil {
		c.fail(err)
		return
	}
	buf, ok := dst.(*Buffer)
	if !ok {
		c.fail(fmt.Errorf("halhost: foreign buffer %T", dst))
		return
	}
	c.flushBarriers(c.transition(nil, im, gputypes.TextureUsageCopySrc))

	for _, r := range regions {
		l, err := newCopyLayout(im.info.Format, r)
		if err != nil {
			c.fail(err)
			return
		}
		if l.srcEnd() > buf.Size() {
			c.fail(fmt.Errorf("halhost: copy region ends at %d, buffer holds %d", l.srcEnd(), buf.Size()))
			return
		}
		rb, err := c.dev.device.CreateBuffer(&hal.BufferDescriptor{
			Label: "halhost_readback",
			Size:  l.paddedSize(),
			Usage: gputypes.BufferUsageMapRead | gputypes.BufferUsageCopyDst,
		})
		if err != nil {
			c.fail(fmt.Errorf("halhost: readback buffer: %w", mapError(err)))
			return
		}
		c.encoder.CopyTextureToBuffer(im.tex, rb, []hal.BufferTextureCopy{{
			BufferLayout: hal.ImageDataLayout{Offset: 0, BytesPerRow: l.paddedPitch, RowsPerImage: l.rows},
			TextureBase:  imageCopy(im, r.Subresource, r.Offset),
			Size:         copySize(im, r.Subresource, r.Extent),
		}})
		buf.addReadback(readback{buf: rb, layout: l})
	}
}

// CopyImage implements host.CommandBuffer.
func (c *CommandBuffer) CopyImage(src host.Image, _ host.ImageLayout, dst host.Image, _ host.ImageLayout, regions []host.ImageCopy) {
	if !c.active("copy image") {
		return
	}
	s, err := asImage(src)
	if err != nil {
		c.fail(err)
		return
	}
	d, err := asImage(dst)
	if err != nil {
		c.fail(err)
		return
	}
	barriers := c.transition(nil, s, gputypes.TextureUsageCopySrc)
	c.flushBarriers(c.transition(barriers, d, gputypes.TextureUsageCopyDst))

	copies := make([]hal.TextureCopy, 0, len(regions))
	for _, r := range regions {
		copies = append(copies, hal.TextureCopy{
			SrcBase: imageCopy(s, r.Src, r.SrcOffset),
			DstBase: imageCopy(d, r.Dst, r.DstOffset),
			Size:    copySize(s, r.Src, r.Extent),
		})
	}
	c.encoder.CopyTextureToTexture(s.tex, d.tex, copies)
}

// BeginRenderPass implements host.CommandBuffer. HAL passes cover whole
// attachments, so the render area only bounds clears.
func (c *CommandBuffer) BeginRenderPass(info host.RenderPassInfo) {
	if !c.active("begin render pass") {
		return
	}
	if c.pass != nil {
		c.fail(fmt.Errorf("halhost: render pass already active"))
		return
	}
	c.passInfo = info
	c.beginPass(info)
}

func (c *CommandBuffer) beginPass(info host.RenderPassInfo) {
	var barriers []hal.TextureBarrier
	desc := &hal.RenderPassDescriptor{Label: "halhost_pass"}
	for _, a := range info.Color {
		v, ok := a.View.(*ImageView)
		if !ok {
			c.fail(fmt.Errorf("halhost: foreign view %T", a.View))
			return
		}
		barriers = c.transition(barriers, v.img, gputypes.TextureUsageRenderAttachment)
		desc.ColorAttachments = append(desc.ColorAttachments, hal.RenderPassColorAttachment{
			View:    v.view,
			LoadOp:  loadOp(a.LoadOp),
			StoreOp: storeOp(a.StoreOp),
			ClearValue: gputypes.Color{
				R: float64(a.Clear.Color[0]),
				G: float64(a.Clear.Color[1]),
				B: float64(a.Clear.Color[2]),
				A: float64(a.Clear.Color[3]),
			},
		})
	}
	if ds := info.DepthStencil; ds != nil {
		v, ok := ds.View.(*ImageView)
		if !ok {
			c.fail(fmt.Errorf("halhost: foreign view %T", ds.View))
			return
		}
		barriers = c.transition(barriers, v.img, gputypes.TextureUsageRenderAttachment)
		desc.DepthStencilAttachment = &hal.RenderPassDepthStencilAttachment{
			View:              v.view,
			DepthLoadOp:       loadOp(ds.LoadOp),
			DepthStoreOp:      storeOp(ds.StoreOp),
			DepthClearValue:   ds.Clear.Depth,
			StencilLoadOp:     loadOp(ds.LoadOp),
			StencilStoreOp:    storeOp(ds.StoreOp),
			StencilClearValue: ds.Clear.Stencil,
		}
	}
	c.flushBarriers(barriers)
	c.pass = c.encoder.BeginRenderPass(desc)
}

// ClearAttachments implements host.CommandBuffer. HAL has no in-pass
// clear, so a clear covering the render area restarts the pass with the
// cleared attachments loaded by clearing. Partial clears are dropped.
func (c *CommandBuffer) ClearAttachments(attachments []host.ClearAttachment, rects []host.ClearRect) {
	if !c.active("clear attachments") {
		return
	}
	if c.pass == nil {
		c.fail(fmt.Errorf("halhost: clear attachments outside a render pass"))
		return
	}
	full := false
	for _, r := range rects {
		if r.Rect == c.passInfo.Area {
			full = true
			break
		}
	}
	if !full {
		c.dev.log().Warn("halhost: partial attachment clear dropped", "rects", len(rects))
		return
	}

	info := c.passInfo
	info.Color = make([]host.Attachment, len(c.passInfo.Color))
	for i, a := range c.passInfo.Color {
		a.LoadOp = host.LoadOpLoad
		info.Color[i] = a
	}
	if c.passInfo.DepthStencil != nil {
		ds := *c.passInfo.DepthStencil
		ds.LoadOp = host.LoadOpLoad
		info.DepthStencil = &ds
	}
	for _, a := range attachments {
		switch {
		case a.Aspect&host.AspectColor != 0 && int(a.ColorAttachment) < len(info.Color):
			info.Color[a.ColorAttachment].LoadOp = host.LoadOpClear
			info.Color[a.ColorAttachment].Clear = a.Value
		case a.Aspect&(host.AspectDepth|host.AspectStencil) != 0 && info.DepthStencil != nil:
			info.DepthStencil.LoadOp = host.LoadOpClear
			info.DepthStencil.Clear = a.Value
		}
	}

	c.pass.End()
	c.pass = nil
	c.beginPass(info)
}

// EndRenderPass implements host.CommandBuffer.
func (c *CommandBuffer) EndRenderPass() {
	if !c.active("end render pass") {
		return
	}
	if c.pass == nil {
		c.fail(fmt.Errorf("halhost: no active render pass"))
		return
	}
	c.pass.End()
	c.pass = nil
}
