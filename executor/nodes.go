package executor

import (
	"github.com/gogpu/guestgpu/fence"
	"github.com/gogpu/guestgpu/host"
	"github.com/gogpu/guestgpu/texture"
)

// Command records host commands into cmd, which will be submitted with
// cycle. Commands run on the record goroutine.
type Command func(cmd host.CommandBuffer, cycle *fence.Cycle)

// node is one entry of a slot's command list. The set of node kinds is
// closed: functionNode, *renderPassNode and renderPassEndNode.
type node interface {
	isNode()
}

type functionNode struct {
	fn Command
}

type renderPassEndNode struct{}

func (functionNode) isNode()      {}
func (*renderPassNode) isNode()   {}
func (renderPassEndNode) isNode() {}

// recordNode records n into cmd.
func recordNode(n node, cmd host.CommandBuffer, cycle *fence.Cycle) {
	switch n := n.(type) {
	case functionNode:
		n.fn(cmd, cycle)
	case *renderPassNode:
		n.record(cmd)
	case renderPassEndNode:
		cmd.EndRenderPass()
	}
}

type attachment struct {
	view   *texture.HostTextureView
	layout host.ImageLayout

	hasClear bool
	clear    host.ClearValue
}

func newAttachment(v *texture.HostTextureView) *attachment {
	if v == nil {
		return nil
	}
	return &attachment{view: v, layout: v.Host().Layout()}
}

// renderPassNode begins a render pass over the attachments bound by every
// subpass merged into it.
type renderPassNode struct {
	area         host.Rect2D
	color        []*attachment
	depthStencil *attachment

	srcStage, dstStage host.PipelineStage
	subpasses          uint32
}

func newRenderPassNode(area host.Rect2D, color []*texture.HostTextureView, depthStencil *texture.HostTextureView) *renderPassNode {
	n := &renderPassNode{area: area}
	n.bindAttachments(color, depthStencil)
	return n
}

// bindAttachments extends the pass with the given attachments. It fails if
// they are not a prefix-compatible subset of the bound ones.
func (n *renderPassNode) bindAttachments(color []*texture.HostTextureView, depthStencil *texture.HostTextureView) bool {
	common := min(len(n.color), len(color))
	for i := range common {
		if n.color[i] == nil || color[i] == nil || n.color[i].view != color[i] {
			return false
		}
	}
	if n.depthStencil != nil && depthStencil != nil && n.depthStencil.view != depthStencil {
		return false
	}

	if len(color) > len(n.color) {
		for _, v := range color[common:] {
			n.color = append(n.color, newAttachment(v))
			if v != nil {
				n.addAttachmentDependency(v, true)
			}
		}
	}
	if n.depthStencil == nil && depthStencil != nil {
		n.depthStencil = newAttachment(depthStencil)
		n.addAttachmentDependency(depthStencil, false)
	}
	return true
}

// addAttachmentDependency makes the pass wait for earlier use of v.
func (n *renderPassNode) addAttachmentDependency(v *texture.HostTextureView, color bool) {
	t := v.Texture()
	usage := t.LastRenderPassUsage()
	if usage == texture.UsageNone {
		return
	}
	stage := host.StageFragmentTests
	if color {
		stage = host.StageColorAttachmentOutput
	}
	n.dstStage |= stage
	switch usage {
	case texture.UsageRenderTarget:
		n.srcStage |= stage
	case texture.UsageSampled:
		n.srcStage |= t.ReadStageMask()
	}
}

func (n *renderPassNode) updateDependency(src, dst host.PipelineStage) {
	n.srcStage |= src
	n.dstStage |= dst
}

// clearColor turns the load of color attachment i into a clear. Only the
// first subpass of a pass may do so; later clears would discard the output
// of earlier subpasses.
func (n *renderPassNode) clearColor(i int, value host.ClearValue) bool {
	if n.subpasses != 0 || i >= len(n.color) || n.color[i] == nil {
		return false
	}
	a := n.color[i]
	a.hasClear, a.clear = true, value
	return true
}

// clearDepthStencil is clearColor for the depth/stencil attachment.
func (n *renderPassNode) clearDepthStencil(value host.ClearValue) bool {
	if n.subpasses != 0 || n.depthStencil == nil {
		return false
	}
	n.depthStencil.hasClear, n.depthStencil.clear = true, value
	return true
}

func (a *attachment) hostAttachment() host.Attachment {
	if a == nil {
		return host.Attachment{}
	}
	out := host.Attachment{
		View:    a.view.ImageView(),
		Layout:  a.layout,
		LoadOp:  host.LoadOpLoad,
		StoreOp: host.StoreOpStore,
	}
	if a.hasClear {
		out.LoadOp, out.Clear = host.LoadOpClear, a.clear
	}
	return out
}

func (n *renderPassNode) record(cmd host.CommandBuffer) {
	if n.srcStage != 0 && n.dstStage != 0 {
		cmd.PipelineBarrier(host.Barrier{
			SrcStage: n.srcStage,
			DstStage: n.dstStage,
			Memory: []host.MemoryBarrier{{
				SrcAccess: host.AccessMemoryWrite,
				DstAccess: host.AccessMemoryWrite | host.AccessMemoryRead,
			}},
		})
	}

	info := host.RenderPassInfo{
		Area:         n.area,
		Color:        make([]host.Attachment, len(n.color)),
		SrcStage:     n.srcStage,
		DstStage:     n.dstStage,
		SubpassCount: max(n.subpasses, 1),
	}
	for i, a := range n.color {
		info.Color[i] = a.hostAttachment()
	}
	if n.depthStencil != nil {
		ds := n.depthStencil.hostAttachment()
		info.DepthStencil = &ds
	}
	cmd.BeginRenderPass(info)
}

func fullBarrier(cmd host.CommandBuffer) {
	cmd.PipelineBarrier(host.Barrier{
		SrcStage: host.StageAllCommands,
		DstStage: host.StageAllCommands,
		Memory: []host.MemoryBarrier{{
			SrcAccess: host.AccessMemoryRead | host.AccessMemoryWrite,
			DstAccess: host.AccessMemoryRead | host.AccessMemoryWrite,
		}},
	})
}
