//go:build !nogpu

package vkhost

import (
	"fmt"

	vk "github.com/goki/vulkan"

	"github.com/gogpu/guestgpu/host"
)

// maxColorAttachments bounds the color attachments of one render pass.
const maxColorAttachments = 8

type attachmentKey struct {
	format  vk.Format
	samples vk.SampleCountFlagBits
	layout  vk.ImageLayout
	load    vk.AttachmentLoadOp
	store   vk.AttachmentStoreOp
}

type renderPassKey struct {
	color              [maxColorAttachments]attachmentKey
	colorCount         int
	depth              attachmentKey
	hasDepth           bool
	srcStage, dstStage vk.PipelineStageFlags
}

type framebufferKey struct {
	pass          vk.RenderPass
	views         [maxColorAttachments + 1]vk.ImageView
	count         int
	width, height uint32
	layers        uint32
}

func (k framebufferKey) uses(view vk.ImageView) bool {
	for _, v := range k.views[:k.count] {
		if v == view {
			return true
		}
	}
	return false
}

func attachmentOf(a host.Attachment) (attachmentKey, *ImageView, error) {
	v, ok := a.View.(*ImageView)
	if !ok {
		return attachmentKey{}, nil, fmt.Errorf("vkhost: foreign view %T", a.View)
	}
	return attachmentKey{
		format:  vk.Format(v.info.Format),
		samples: vk.SampleCountFlagBits(max(v.img.info.Samples, host.Samples1)),
		layout:  vk.ImageLayout(a.Layout),
		load:    vk.AttachmentLoadOp(a.LoadOp),
		store:   vk.AttachmentStoreOp(a.StoreOp),
	}, v, nil
}

// renderPassFor returns the cached render pass and framebuffer for info,
// creating them on first use.
func (d *Device) renderPassFor(info host.RenderPassInfo) (vk.RenderPass, vk.Framebuffer, error) {
	if len(info.Color) > maxColorAttachments {
		return nil, nil, fmt.Errorf("vkhost: %d color attachments, at most %d", len(info.Color), maxColorAttachments)
	}
	var (
		rk    renderPassKey
		views []*ImageView
	)
	for i, a := range info.Color {
		k, v, err := attachmentOf(a)
		if err != nil {
			return nil, nil, err
		}
		rk.color[i] = k
		views = append(views, v)
	}
	rk.colorCount = len(info.Color)
	if info.DepthStencil != nil {
		k, v, err := attachmentOf(*info.DepthStencil)
		if err != nil {
			return nil, nil, err
		}
		rk.depth, rk.hasDepth = k, true
		views = append(views, v)
	}
	rk.srcStage = stageMask(info.SrcStage, vk.PipelineStageTopOfPipeBit)
	rk.dstStage = stageMask(info.DstStage, vk.PipelineStageBottomOfPipeBit)

	var createErr error
	rp := d.renderPasses.GetOrCreate(rk, func() vk.RenderPass {
		rp, err := d.createRenderPass(rk)
		createErr = err
		return rp
	})
	if createErr != nil {
		d.renderPasses.Delete(rk)
		return nil, nil, createErr
	}

	fk := framebufferKey{pass: rp, count: len(views), layers: 1}
	for i, v := range views {
		fk.views[i] = v.view
		fk.width = max(fk.width, v.img.info.Extent.Width>>v.info.Range.BaseMipLevel)
		fk.height = max(fk.height, v.img.info.Extent.Height>>v.info.Range.BaseMipLevel)
		fk.layers = max(fk.layers, v.info.Range.LayerCount)
	}
	fb := d.framebuffers.GetOrCreate(fk, func() vk.Framebuffer {
		fb, err := d.createFramebuffer(fk)
		createErr = err
		return fb
	})
	if createErr != nil {
		d.framebuffers.Delete(fk)
		return nil, nil, createErr
	}
	return rp, fb, nil
}

func description(k attachmentKey, depth bool) vk.AttachmentDescription {
	desc := vk.AttachmentDescription{
		Format:         k.format,
		Samples:        k.samples,
		LoadOp:         k.load,
		StoreOp:        k.store,
		StencilLoadOp:  vk.AttachmentLoadOpDontCare,
		StencilStoreOp: vk.AttachmentStoreOpDontCare,
		InitialLayout:  k.layout,
		FinalLayout:    k.layout,
	}
	if depth {
		desc.StencilLoadOp, desc.StencilStoreOp = k.load, k.store
	}
	return desc
}

func (d *Device) createRenderPass(k renderPassKey) (vk.RenderPass, error) {
	var (
		attachments []vk.AttachmentDescription
		colorRefs   []vk.AttachmentReference
	)
	for i := 0; i < k.colorCount; i++ {
		attachments = append(attachments, description(k.color[i], false))
		colorRefs = append(colorRefs, vk.AttachmentReference{
			Attachment: uint32(i),
			Layout:     k.color[i].layout,
		})
	}
	subpass := vk.SubpassDescription{
		PipelineBindPoint:    vk.PipelineBindPointGraphics,
		ColorAttachmentCount: uint32(len(colorRefs)),
		PColorAttachments:    colorRefs,
	}
	if k.hasDepth {
		attachments = append(attachments, description(k.depth, true))
		subpass.PDepthStencilAttachment = &vk.AttachmentReference{
			Attachment: uint32(k.colorCount),
			Layout:     k.depth.layout,
		}
	}
	dep := vk.SubpassDependency{
		SrcSubpass:    vk.SubpassExternal,
		DstSubpass:    0,
		SrcStageMask:  k.srcStage,
		DstStageMask:  k.dstStage,
		SrcAccessMask: vk.AccessFlags(vk.AccessMemoryWriteBit),
		DstAccessMask: vk.AccessFlags(vk.AccessMemoryReadBit | vk.AccessMemoryWriteBit),
	}

	var rp vk.RenderPass
	ret := vk.CreateRenderPass(d.device, &vk.RenderPassCreateInfo{
		SType:           vk.StructureTypeRenderPassCreateInfo,
		AttachmentCount: uint32(len(attachments)),
		PAttachments:    attachments,
		SubpassCount:    1,
		PSubpasses:      []vk.SubpassDescription{subpass},
		DependencyCount: 1,
		PDependencies:   []vk.SubpassDependency{dep},
	}, nil, &rp)
	if err := result(ret, "create render pass"); err != nil {
		return nil, err
	}
	d.log().Debug("vkhost: render pass created", "color", k.colorCount, "depth", k.hasDepth)
	return rp, nil
}

func (d *Device) createFramebuffer(k framebufferKey) (vk.Framebuffer, error) {
	var fb vk.Framebuffer
	ret := vk.CreateFramebuffer(d.device, &vk.FramebufferCreateInfo{
		SType:           vk.StructureTypeFramebufferCreateInfo,
		RenderPass:      k.pass,
		AttachmentCount: uint32(k.count),
		PAttachments:    append([]vk.ImageView(nil), k.views[:k.count]...),
		Width:           k.width,
		Height:          k.height,
		Layers:          k.layers,
	}, nil, &fb)
	if err := result(ret, "create framebuffer"); err != nil {
		return nil, err
	}
	return fb, nil
}

// framebufferUsing returns the key of a cached framebuffer that references
// view.
func (d *Device) framebufferUsing(view vk.ImageView) (framebufferKey, bool) {
	var key framebufferKey
	_, ok := d.framebuffers.Find(func(k framebufferKey, _ vk.Framebuffer) bool {
		if k.uses(view) {
			key = k
			return true
		}
		return false
	})
	return key, ok
}
