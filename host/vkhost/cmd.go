//go:build !nogpu

package vkhost

import (
	"fmt"

	vk "github.com/goki/vulkan"

	"github.com/gogpu/guestgpu/host"
)

// CommandBuffer is a host.CommandBuffer on a primary VkCommandBuffer.
// Recording errors are kept and returned by End.
type CommandBuffer struct {
	dev  *Device
	pool vk.CommandPool
	cmd  vk.CommandBuffer

	recording bool
	inPass    bool
	err       error
}

func (c *CommandBuffer) fail(err error) {
	if c.err == nil {
		c.err = err
	}
}

func (c *CommandBuffer) active(op string) bool {
	if !c.recording {
		c.fail(fmt.Errorf("vkhost: %s: %w", op, host.ErrNotRecording))
		return false
	}
	return c.err == nil
}

// Begin implements host.CommandBuffer.
func (c *CommandBuffer) Begin() error {
	if err := c.Reset(); err != nil {
		return err
	}
	ret := vk.BeginCommandBuffer(c.cmd, &vk.CommandBufferBeginInfo{
		SType: vk.StructureTypeCommandBufferBeginInfo,
		Flags: vk.CommandBufferUsageFlags(vk.CommandBufferUsageOneTimeSubmitBit),
	})
	if err := result(ret, "begin command buffer"); err != nil {
		return err
	}
	c.recording = true
	return nil
}

// End implements host.CommandBuffer.
func (c *CommandBuffer) End() error {
	if !c.recording {
		return fmt.Errorf("vkhost: end: %w", host.ErrNotRecording)
	}
	c.recording = false
	if c.inPass {
		vk.CmdEndRenderPass(c.cmd)
		c.inPass = false
	}
	if err := result(vk.EndCommandBuffer(c.cmd), "end command buffer"); err != nil {
		c.fail(err)
	}
	return c.err
}

// Reset implements host.CommandBuffer. It must only be called once the
// last submission of c has completed.
func (c *CommandBuffer) Reset() error {
	c.recording, c.inPass, c.err = false, false, nil
	return result(vk.ResetCommandBuffer(c.cmd, 0), "reset command buffer")
}

// Destroy implements host.CommandBuffer. The buffer and its pool are
// freed with the next batch of retired objects.
func (c *CommandBuffer) Destroy() {
	d := c.dev
	pool, cmd := c.pool, c.cmd
	d.retire(func() {
		vk.FreeCommandBuffers(d.device, pool, 1, []vk.CommandBuffer{cmd})
		vk.DestroyCommandPool(d.device, pool, nil)
	})
}

func asImage(img host.Image) (*Image, error) {
	im, ok := img.(*Image)
	if !ok {
		return nil, fmt.Errorf("vkhost: foreign image %T", img)
	}
	return im, nil
}

func asBuffer(buf host.Buffer) (*Buffer, error) {
	b, ok := buf.(*Buffer)
	if !ok {
		return nil, fmt.Errorf("vkhost: foreign buffer %T", buf)
	}
	return b, nil
}

// PipelineBarrier implements host.CommandBuffer.
func (c *CommandBuffer) PipelineBarrier(b host.Barrier) {
	if !c.active("barrier") {
		return
	}
	memory := make([]vk.MemoryBarrier, 0, len(b.Memory))
	for _, m := range b.Memory {
		memory = append(memory, vk.MemoryBarrier{
			SType:         vk.StructureTypeMemoryBarrier,
			SrcAccessMask: accessMask(m.SrcAccess),
			DstAccessMask: accessMask(m.DstAccess),
		})
	}
	images := make([]vk.ImageMemoryBarrier, 0, len(b.Images))
	for _, ib := range b.Images {
		im, err := asImage(ib.Image)
		if err != nil {
			c.fail(err)
			return
		}
		images = append(images, vk.ImageMemoryBarrier{
			SType:               vk.StructureTypeImageMemoryBarrier,
			SrcAccessMask:       accessMask(ib.SrcAccess),
			DstAccessMask:       accessMask(ib.DstAccess),
			OldLayout:           vk.ImageLayout(ib.OldLayout),
			NewLayout:           vk.ImageLayout(ib.NewLayout),
			SrcQueueFamilyIndex: vk.QueueFamilyIgnored,
			DstQueueFamilyIndex: vk.QueueFamilyIgnored,
			Image:               im.image,
			SubresourceRange:    subresourceRange(ib.Range),
		})
	}
	vk.CmdPipelineBarrier(c.cmd,
		stageMask(b.SrcStage, vk.PipelineStageTopOfPipeBit),
		stageMask(b.DstStage, vk.PipelineStageBottomOfPipeBit),
		0,
		uint32(len(memory)), memory,
		0, nil,
		uint32(len(images)), images)
}

// CopyBufferToImage implements host.CommandBuffer.
func (c *CommandBuffer) CopyBufferToImage(src host.Buffer, dst host.Image, dstLayout host.ImageLayout, regions []host.BufferImageCopy) {
	if !c.active("copy buffer to image") || len(regions) == 0 {
		return
	}
	b, err := asBuffer(src)
	if err != nil {
		c.fail(err)
		return
	}
	im, err := asImage(dst)
	if err != nil {
		c.fail(err)
		return
	}
	vk.CmdCopyBufferToImage(c.cmd, b.buffer, im.image, vk.ImageLayout(dstLayout),
		uint32(len(regions)), bufferImageCopies(regions))
}

// CopyImageToBuffer implements host.CommandBuffer.
func (c *CommandBuffer) CopyImageToBuffer(src host.Image, srcLayout host.ImageLayout, dst host.Buffer, regions []host.BufferImageCopy) {
	if !c.active("copy image to buffer") || len(regions) == 0 {
		return
	}
	im, err := asImage(src)
	if err != nil {
		c.fail(err)
		return
	}
	b, err := asBuffer(dst)
	if err != nil {
		c.fail(err)
		return
	}
	vk.CmdCopyImageToBuffer(c.cmd, im.image, vk.ImageLayout(srcLayout), b.buffer,
		uint32(len(regions)), bufferImageCopies(regions))
}

// CopyImage implements host.CommandBuffer.
func (c *CommandBuffer) CopyImage(src host.Image, srcLayout host.ImageLayout, dst host.Image, dstLayout host.ImageLayout, regions []host.ImageCopy) {
	if !c.active("copy image") || len(regions) == 0 {
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
	copies := make([]vk.ImageCopy, len(regions))
	for i, r := range regions {
		copies[i] = vk.ImageCopy{
			SrcSubresource: subresourceLayers(r.Src),
			SrcOffset:      offset3D(r.SrcOffset),
			DstSubresource: subresourceLayers(r.Dst),
			DstOffset:      offset3D(r.DstOffset),
			Extent:         extent3D(r.Extent),
		}
	}
	vk.CmdCopyImage(c.cmd, s.image, vk.ImageLayout(srcLayout), d.image, vk.ImageLayout(dstLayout),
		uint32(len(copies)), copies)
}

// BeginRenderPass implements host.CommandBuffer. Render passes and
// framebuffers come from the device caches.
func (c *CommandBuffer) BeginRenderPass(info host.RenderPassInfo) {
	if !c.active("begin render pass") {
		return
	}
	if c.inPass {
		c.fail(fmt.Errorf("vkhost: render pass already active"))
		return
	}
	rp, fb, err := c.dev.renderPassFor(info)
	if err != nil {
		c.fail(err)
		return
	}
	clears := make([]vk.ClearValue, 0, len(info.Color)+1)
	for _, a := range info.Color {
		clears = append(clears, clearValue(host.AspectColor, a.Clear))
	}
	if ds := info.DepthStencil; ds != nil {
		clears = append(clears, clearValue(host.AspectDepth, ds.Clear))
	}
	vk.CmdBeginRenderPass(c.cmd, &vk.RenderPassBeginInfo{
		SType:           vk.StructureTypeRenderPassBeginInfo,
		RenderPass:      rp,
		Framebuffer:     fb,
		RenderArea:      rect2D(info.Area),
		ClearValueCount: uint32(len(clears)),
		PClearValues:    clears,
	}, vk.SubpassContentsInline)
	c.inPass = true
}

// ClearAttachments implements host.CommandBuffer.
func (c *CommandBuffer) ClearAttachments(attachments []host.ClearAttachment, rects []host.ClearRect) {
	if !c.active("clear attachments") || len(attachments) == 0 || len(rects) == 0 {
		return
	}
	if !c.inPass {
		c.fail(fmt.Errorf("vkhost: clear attachments outside a render pass"))
		return
	}
	clears := make([]vk.ClearAttachment, len(attachments))
	for i, a := range attachments {
		clears[i] = vk.ClearAttachment{
			AspectMask:      aspectMask(a.Aspect),
			ColorAttachment: a.ColorAttachment,
			ClearValue:      clearValue(a.Aspect, a.Value),
		}
	}
	vkRects := make([]vk.ClearRect, len(rects))
	for i, r := range rects {
		vkRects[i] = vk.ClearRect{
			Rect:           rect2D(r.Rect),
			BaseArrayLayer: r.BaseArrayLayer,
			LayerCount:     max(r.LayerCount, 1),
		}
	}
	vk.CmdClearAttachments(c.cmd, uint32(len(clears)), clears, uint32(len(vkRects)), vkRects)
}

// EndRenderPass implements host.CommandBuffer.
func (c *CommandBuffer) EndRenderPass() {
	if !c.active("end render pass") {
		return
	}
	if !c.inPass {
		c.fail(fmt.Errorf("vkhost: no active render pass"))
		return
	}
	vk.CmdEndRenderPass(c.cmd)
	c.inPass = false
}
