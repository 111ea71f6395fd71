package soft

import (
	"fmt"
	"sync"

	"github.com/gogpu/guestgpu/host"
)

// CommandBuffer records closures executed by the queue goroutine.
type CommandBuffer struct {
	dev *Device

	mu        sync.Mutex
	recording bool
	cmds      []func()
	err       error
	pass      *host.RenderPassInfo
}

// Begin implements host.CommandBuffer. It discards previous contents.
func (c *CommandBuffer) Begin() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.recording = true
	c.cmds = nil
	c.err = nil
	c.pass = nil
	return nil
}

// End implements host.CommandBuffer.
func (c *CommandBuffer) End() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.recording {
		return host.ErrNotRecording
	}
	c.recording = false
	if c.pass != nil {
		return fmt.Errorf("soft: command buffer ended inside a render pass")
	}
	return c.err
}

// Reset implements host.CommandBuffer.
func (c *CommandBuffer) Reset() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.recording = false
	c.cmds = nil
	c.err = nil
	c.pass = nil
	return nil
}

// Destroy implements host.CommandBuffer.
func (c *CommandBuffer) Destroy() { _ = c.Reset() }

// Recording reports whether the buffer is between Begin and End.
func (c *CommandBuffer) Recording() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.recording
}

// Len returns the number of recorded commands.
func (c *CommandBuffer) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.cmds)
}

func (c *CommandBuffer) snapshot() ([]func(), error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.recording {
		return nil, fmt.Errorf("soft: submitting a command buffer that is still recording")
	}
	if c.err != nil {
		return nil, c.err
	}
	return append([]func(){}, c.cmds...), nil
}

func (c *CommandBuffer) record(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.recording {
		if c.err == nil {
			c.err = host.ErrNotRecording
		}
		return
	}
	c.cmds = append(c.cmds, fn)
}

// PipelineBarrier implements host.CommandBuffer. Image barriers update the
// layout reported by Image.Layout.
func (c *CommandBuffer) PipelineBarrier(b host.Barrier) {
	images := append([]host.ImageBarrier{}, b.Images...)
	c.record(func() {
		c.dev.barriers.Add(1)
		for _, ib := range images {
			if img, ok := ib.Image.(*Image); ok {
				img.setLayout(ib.NewLayout)
			}
		}
	})
}

// CopyBufferToImage implements host.CommandBuffer.
func (c *CommandBuffer) CopyBufferToImage(src host.Buffer, dst host.Image, _ host.ImageLayout, regions []host.BufferImageCopy) {
	img := dst.(*Image)
	regions = append([]host.BufferImageCopy{}, regions...)
	c.record(func() {
		c.dev.copies.Add(1)
		for _, r := range regions {
			copyBufferImage(src.Bytes(), img, r, true)
		}
	})
}

// CopyImageToBuffer implements host.CommandBuffer.
func (c *CommandBuffer) CopyImageToBuffer(src host.Image, _ host.ImageLayout, dst host.Buffer, regions []host.BufferImageCopy) {
	img := src.(*Image)
	regions = append([]host.BufferImageCopy{}, regions...)
	c.record(func() {
		c.dev.copies.Add(1)
		for _, r := range regions {
			copyBufferImage(dst.Bytes(), img, r, false)
		}
	})
}

// copyBufferImage copies one region between a buffer and an image, in
// whole blocks.
func copyBufferImage(buf []byte, img *Image, r host.BufferImageCopy, toImage bool) {
	b := img.block
	rowLength := r.BufferRowLength
	if rowLength == 0 {
		rowLength = r.Extent.Width
	}
	imageHeight := r.BufferImageHeight
	if imageHeight == 0 {
		imageHeight = r.Extent.Height
	}
	rowBlocks := ceilDiv(rowLength, b.BlockWidth)
	heightBlocks := ceilDiv(imageHeight, b.BlockHeight)
	wBlocks := ceilDiv(r.Extent.Width, b.BlockWidth)
	hBlocks := ceilDiv(r.Extent.Height, b.BlockHeight)
	depth := max(r.Extent.Depth, 1)
	x0 := uint32(r.Offset.X) / b.BlockWidth
	y0 := uint32(r.Offset.Y) / b.BlockHeight
	z0 := uint32(r.Offset.Z)
	n := wBlocks * b.Bpb
	layers := max(r.Subresource.LayerCount, 1)

	for l := range layers {
		layer := r.Subresource.BaseArrayLayer + l
		for z := range depth {
			for y := range hBlocks {
				off := r.BufferOffset + ((uint64(l)*uint64(depth)+uint64(z))*uint64(heightBlocks)+uint64(y))*uint64(rowBlocks)*uint64(b.Bpb)
				if off+uint64(n) > uint64(len(buf)) {
					return
				}
				row := img.rowAt(r.Subresource.MipLevel, layer, x0, y0+y, z0+z, n)
				if toImage {
					copy(row, buf[off:])
				} else {
					copy(buf[off:off+uint64(n)], row)
				}
			}
		}
	}
}

// CopyImage implements host.CommandBuffer.
func (c *CommandBuffer) CopyImage(src host.Image, _ host.ImageLayout, dst host.Image, _ host.ImageLayout, regions []host.ImageCopy) {
	s, d := src.(*Image), dst.(*Image)
	regions = append([]host.ImageCopy{}, regions...)
	c.record(func() {
		c.dev.copies.Add(1)
		for _, r := range regions {
			b := s.block
			n := ceilDiv(r.Extent.Width, b.BlockWidth) * b.Bpb
			for l := range max(r.Src.LayerCount, 1) {
				for z := range max(r.Extent.Depth, 1) {
					for y := range ceilDiv(r.Extent.Height, b.BlockHeight) {
						from := s.rowAt(r.Src.MipLevel, r.Src.BaseArrayLayer+l,
							uint32(r.SrcOffset.X)/b.BlockWidth, uint32(r.SrcOffset.Y)/b.BlockHeight+y, uint32(r.SrcOffset.Z)+z, n)
						to := d.rowAt(r.Dst.MipLevel, r.Dst.BaseArrayLayer+l,
							uint32(r.DstOffset.X)/b.BlockWidth, uint32(r.DstOffset.Y)/b.BlockHeight+y, uint32(r.DstOffset.Z)+z, n)
						copy(to, from)
					}
				}
			}
		}
	})
}

// BeginRenderPass implements host.CommandBuffer. Attachments with
// LoadOpClear are cleared over the render area.
func (c *CommandBuffer) BeginRenderPass(info host.RenderPassInfo) {
	c.mu.Lock()
	if c.pass != nil && c.err == nil {
		c.err = fmt.Errorf("soft: nested render pass")
	}
	p := info
	p.Color = append([]host.Attachment{}, info.Color...)
	c.pass = &p
	c.mu.Unlock()

	c.record(func() {
		c.dev.passes.Add(1)
		for _, a := range p.Color {
			if a.LoadOp == host.LoadOpClear {
				clearView(a.View, host.AspectColor, a.Clear, p.Area, 0, 0)
			}
		}
		if ds := p.DepthStencil; ds != nil && ds.LoadOp == host.LoadOpClear {
			clearView(ds.View, ds.View.Info().Range.Aspect, ds.Clear, p.Area, 0, 0)
		}
	})
}

// ClearAttachments implements host.CommandBuffer.
func (c *CommandBuffer) ClearAttachments(attachments []host.ClearAttachment, rects []host.ClearRect) {
	c.mu.Lock()
	p := c.pass
	if p == nil && c.err == nil {
		c.err = fmt.Errorf("soft: ClearAttachments outside a render pass")
	}
	c.mu.Unlock()
	if p == nil {
		return
	}
	attachments = append([]host.ClearAttachment{}, attachments...)
	rects = append([]host.ClearRect{}, rects...)

	c.record(func() {
		for _, a := range attachments {
			var view host.ImageView
			if a.Aspect&host.AspectColor != 0 {
				if int(a.ColorAttachment) >= len(p.Color) {
					continue
				}
				view = p.Color[a.ColorAttachment].View
			} else if p.DepthStencil != nil {
				view = p.DepthStencil.View
			}
			if view == nil {
				continue
			}
			for _, r := range rects {
				c.dev.clears.Add(1)
				clearView(view, a.Aspect, a.Value, r.Rect, r.BaseArrayLayer, max(r.LayerCount, 1))
			}
		}
	})
}

// EndRenderPass implements host.CommandBuffer.
func (c *CommandBuffer) EndRenderPass() {
	c.mu.Lock()
	if c.pass == nil && c.err == nil {
		c.err = fmt.Errorf("soft: EndRenderPass without a render pass")
	}
	c.pass = nil
	c.mu.Unlock()
	c.record(func() {})
}

// clearView fills rect of the view's base level. A layerCount of 0 covers
// every layer of the view.
func clearView(v host.ImageView, aspect host.ImageAspect, value host.ClearValue, rect host.Rect2D, baseLayer, layerCount uint32) {
	img := v.Image().(*Image)
	info := v.Info()
	texel, mask := encodeClear(info.Format, aspect, value)
	level := info.Range.BaseMipLevel
	e := mipExtent(img.info.Extent, level)

	if layerCount == 0 {
		layerCount = max(info.Range.LayerCount, 1)
	}
	x0, y0 := uint32(max(rect.X, 0)), uint32(max(rect.Y, 0))
	x1, y1 := min(x0+rect.Width, e.Width), min(y0+rect.Height, e.Height)
	bpb := uint32(len(texel))

	for l := range layerCount {
		layer := info.Range.BaseArrayLayer + baseLayer + l
		if layer >= img.info.ArrayLayers {
			break
		}
		for z := range e.Depth {
			for y := y0; y < y1; y++ {
				if x1 <= x0 {
					continue
				}
				row := img.rowAt(level, layer, x0, y, z, (x1-x0)*bpb)
				for x := uint32(0); x < x1-x0; x++ {
					px := row[x*bpb : (x+1)*bpb]
					for i := range px {
						px[i] = px[i]&^mask[i] | texel[i]&mask[i]
					}
				}
			}
		}
	}
}
