// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

package texture

import (
	"fmt"
	"runtime"

	"golang.org/x/sync/errgroup"

	"github.com/gogpu/guestgpu/fence"
	"github.com/gogpu/guestgpu/host"
	"github.com/gogpu/guestgpu/internal/bcn"
	"github.com/gogpu/guestgpu/internal/cache"
	"github.com/gogpu/guestgpu/internal/layout"
)

// HostTexture is one host image backing a Texture. A Texture may own
// several variants that differ in format, dimensions or image type.
//
// Layout and the view list are guarded by the owning Texture's lock.
type HostTexture struct {
	texture *Texture
	image   host.Image

	Dimensions  Dimensions
	SampleCount host.SampleCount
	Format      *Format
	ImageType   host.ImageType
	Tiling      host.ImageTiling
	Usage       host.ImageUsage
	Flags       host.ImageCreateFlags

	// NeedsDecompression is set when Format is the decoded substitute of a
	// block-compressed format the host cannot sample.
	NeedsDecompression bool

	layout host.ImageLayout

	views []*HostTextureView
	index *cache.Cache[viewKey, *HostTextureView]
}

type viewKey struct {
	typ        host.ImageViewType
	format     *Format
	components host.ComponentMapping
	rng        host.SubresourceRange
}

// ConvertViewType returns the image type a view of viewType needs. A 2D
// view of a surface deeper than one slice needs a 3D image.
func ConvertViewType(viewType host.ImageViewType, d Dimensions) host.ImageType {
	switch viewType {
	case host.ViewType1D, host.ViewType1DArray:
		return host.ImageType1D
	case host.ViewType2D, host.ViewType2DArray:
		if d.Depth > 1 {
			return host.ImageType3D
		}
		return host.ImageType2D
	case host.ViewType3D:
		return host.ImageType3D
	}
	return host.ImageType2D
}

func newHostTexture(t *Texture, d Dimensions, samples host.SampleCount, format *Format, imageType host.ImageType) (*HostTexture, error) {
	m := t.mgr
	hostFormat := ConvertHostCompatibleFormat(format, m.device.Traits(), m.opts.forceDecompression)

	h := &HostTexture{
		texture:            t,
		Dimensions:         d,
		SampleCount:        samples,
		Format:             hostFormat,
		ImageType:          imageType,
		Tiling:             host.TilingOptimal,
		Usage:              host.UsageTransferSrc | host.UsageTransferDst | host.UsageSampled,
		NeedsDecompression: hostFormat != format,
		layout:             host.ImageLayoutUndefined,
		index:              cache.New[viewKey, *HostTextureView](m.opts.viewCacheSize, nil),
	}
	if m.opts.linearTiling && !hostFormat.IsCompressed() && samples == host.Samples1 {
		h.Tiling = host.TilingLinear
	}
	if hostFormat.Aspect&host.AspectColor != 0 && !hostFormat.IsCompressed() {
		h.Usage |= host.UsageColorAttachment
	}
	if hostFormat.Aspect&(host.AspectDepth|host.AspectStencil) != 0 {
		h.Usage |= host.UsageDepthStencilAttachment
	}
	if t.mutableFormat {
		h.Flags |= host.CreateMutableFormat
	}

	g := t.guest
	if imageType == host.ImageType2D && d.Width == d.Height && g.LayerCount >= 6 {
		h.Flags |= host.CreateCubeCompatible
	} else if imageType == host.ImageType3D {
		h.Flags |= host.Create2DArrayCompatible
	}

	img, err := m.device.CreateImage(host.ImageInfo{
		Label:       fmt.Sprintf("guest texture 0x%X", t.baseAddr()),
		Type:        imageType,
		Format:      hostFormat.VkFormat,
		Extent:      host.Extent3D{Width: d.Width, Height: d.Height, Depth: d.Depth},
		MipLevels:   g.LevelCount,
		ArrayLayers: g.LayerCount,
		Samples:     samples,
		Tiling:      h.Tiling,
		Usage:       h.Usage,
		Flags:       h.Flags,
	})
	if err != nil {
		return nil, fmt.Errorf("texture: create %v image: %w", hostFormat, err)
	}
	h.image = img

	if err := h.TransitionLayout(host.ImageLayoutGeneral); err != nil {
		img.Destroy()
		return nil, err
	}
	return h, nil
}

// Image returns the host image.
func (h *HostTexture) Image() host.Image { return h.image }

// Texture returns the owning texture.
func (h *HostTexture) Texture() *Texture { return h.texture }

// Layout returns the layout the image was last transitioned to.
func (h *HostTexture) Layout() host.ImageLayout { return h.layout }

// SetLayout records a layout change made by recorded commands.
func (h *HostTexture) SetLayout(l host.ImageLayout) { h.layout = l }

// fullRange covers every level and layer of the image.
func (h *HostTexture) fullRange() host.SubresourceRange {
	return host.SubresourceRange{
		Aspect:     h.Format.Aspect,
		LevelCount: h.texture.guest.LevelCount,
		LayerCount: h.texture.guest.LayerCount,
	}
}

// TransitionLayout moves the image to l outside of any batch. It waits for
// the texture's outstanding work first.
func (h *HostTexture) TransitionLayout(l host.ImageLayout) error {
	t := h.texture
	t.WaitOnFence()

	if h.layout == l {
		return nil
	}
	old := h.layout
	h.layout = l
	c, err := t.mgr.sched.Submit(func(cmd host.CommandBuffer, _ *fence.Cycle) {
		cmd.PipelineBarrier(host.Barrier{
			SrcStage: host.StageTopOfPipe,
			DstStage: host.StageBottomOfPipe,
			Images: []host.ImageBarrier{{
				Image:     h.image,
				OldLayout: old,
				NewLayout: l,
				Range:     h.fullRange(),
			}},
		})
	}, nil, nil)
	if err != nil {
		return fmt.Errorf("texture: transition layout: %w", err)
	}
	c.AttachObject(t)
	t.cycle.Store(c)
	return nil
}

// hostLevelSize is the size of one layer of level in the host format.
func (h *HostTexture) hostLevelSize(level layout.MipLevel) uint64 {
	if h.NeedsDecompression {
		return h.Format.Size(level.Dimensions)
	}
	return level.LinearSize
}

// hostSize is the size of the whole image in the host format, ordered
// level by level with every layer of a level together.
func (h *HostTexture) hostSize() uint64 {
	var n uint64
	for _, lv := range h.texture.guest.MipLayouts {
		n += h.hostLevelSize(lv) * uint64(h.texture.guest.LayerCount)
	}
	return n
}

// copyAspect is the aspect buffer copies address. Packed depth/stencil
// formats move through the depth aspect only.
func (h *HostTexture) copyAspect() host.ImageAspect {
	switch a := h.Format.Aspect; {
	case a&host.AspectColor != 0:
		return host.AspectColor
	case a&host.AspectDepth != 0:
		return host.AspectDepth
	default:
		return host.AspectStencil
	}
}

// BufferImageCopies returns one region per level for a buffer laid out
// level by level, every layer of a level together.
func (h *HostTexture) BufferImageCopies() []host.BufferImageCopy {
	g := h.texture.guest
	aspect := h.copyAspect()
	regions := make([]host.BufferImageCopy, 0, len(g.MipLayouts))

	var offset uint64
	for level, lv := range g.MipLayouts {
		regions = append(regions, host.BufferImageCopy{
			BufferOffset: offset,
			Subresource: host.SubresourceLayers{
				Aspect:     aspect,
				MipLevel:   uint32(level),
				LayerCount: g.LayerCount,
			},
			Extent: host.Extent3D{Width: lv.Dimensions.Width, Height: lv.Dimensions.Height, Depth: lv.Dimensions.Depth},
		})
		offset += h.hostLevelSize(lv) * uint64(g.LayerCount)
	}
	return regions
}

// synchronizeHostImpl converts guest memory into the host layout. It
// returns a staging buffer to copy from, or nil when the image memory was
// written directly.
func (h *HostTexture) synchronizeHostImpl() (host.Buffer, error) {
	t := h.texture
	g := t.guest

	var (
		staging host.Buffer
		dst     []byte
	)
	if h.Tiling == host.TilingLinear {
		if mapped, ok := h.image.(host.MappedImage); ok {
			b, err := mapped.Map()
			if err != nil {
				return nil, fmt.Errorf("texture: map image: %w", err)
			}
			dst = b
		}
	}
	if dst == nil {
		b, err := t.mgr.device.CreateBuffer(h.hostSize())
		if err != nil {
			return nil, fmt.Errorf("texture: staging buffer: %w", err)
		}
		staging, dst = b, b.Bytes()
	}

	out := dst
	if h.NeedsDecompression {
		out = make([]byte, g.LinearSize)
	}

	if err := deswizzle(g, t.guestBytes(), out); err != nil {
		if staging != nil {
			staging.Destroy()
		}
		return nil, err
	}

	if h.NeedsDecompression {
		if err := h.decompress(out, dst); err != nil {
			if staging != nil {
				staging.Destroy()
			}
			return nil, err
		}
	}

	if staging != nil {
		if err := staging.Flush(); err != nil {
			staging.Destroy()
			return nil, err
		}
	}
	return staging, nil
}

func (h *HostTexture) decompress(src, dst []byte) error {
	g := h.texture.guest
	f, ok := g.Format.bcnFormat()
	if !ok {
		return fmt.Errorf("%w: cannot decode %v", ErrUnsupported, g.Format)
	}

	var in, out uint64
	for _, lv := range g.MipLayouts {
		d := lv.Dimensions
		hostLevel := h.hostLevelSize(lv)
		for layer := range uint64(g.LayerCount) {
			if err := bcn.Decode(f, src[in+layer*lv.LinearSize:], d.Width, d.Height, d.Depth, dst[out+layer*hostLevel:]); err != nil {
				return fmt.Errorf("texture: decode %v: %w", g.Format, err)
			}
		}
		in += lv.LinearSize * uint64(g.LayerCount)
		out += hostLevel * uint64(g.LayerCount)
	}
	return nil
}

// copyFromStagingBuffer records the upload of staging into the image.
func (h *HostTexture) copyFromStagingBuffer(cmd host.CommandBuffer, staging host.Buffer) {
	if h.layout == host.ImageLayoutUndefined {
		cmd.PipelineBarrier(host.Barrier{
			SrcStage: host.StageHost,
			DstStage: host.StageTransfer,
			Images: []host.ImageBarrier{{
				Image:     h.image,
				SrcAccess: host.AccessMemoryRead,
				DstAccess: host.AccessTransferWrite,
				OldLayout: host.ImageLayoutUndefined,
				NewLayout: host.ImageLayoutGeneral,
				Range:     h.fullRange(),
			}},
		})
		h.layout = host.ImageLayoutGeneral
	}
	cmd.CopyBufferToImage(staging, h.image, h.layout, h.BufferImageCopies())
}

// copyIntoStagingBuffer records the download of the image into staging.
func (h *HostTexture) copyIntoStagingBuffer(cmd host.CommandBuffer, staging host.Buffer) {
	cmd.PipelineBarrier(host.Barrier{
		SrcStage: host.StageBottomOfPipe,
		DstStage: host.StageTransfer,
		Images: []host.ImageBarrier{{
			Image:     h.image,
			SrcAccess: host.AccessMemoryWrite,
			DstAccess: host.AccessTransferRead,
			OldLayout: h.layout,
			NewLayout: h.layout,
			Range:     h.fullRange(),
		}},
	})
	cmd.CopyImageToBuffer(h.image, h.layout, staging, h.BufferImageCopies())
	cmd.PipelineBarrier(host.Barrier{
		SrcStage: host.StageTransfer,
		DstStage: host.StageHost,
		Memory:   []host.MemoryBarrier{{SrcAccess: host.AccessTransferWrite, DstAccess: host.AccessHostRead}},
	})
}

// copyToGuest re-tiles host-ordered data into guest memory.
func (h *HostTexture) copyToGuest(src []byte) error {
	t := h.texture
	buf := t.guestBytes()
	if err := reswizzle(t.guest, src, buf); err != nil {
		return err
	}
	t.flushGuest(buf)
	return nil
}

func (h *HostTexture) destroy() {
	for _, v := range h.views {
		v.destroy()
	}
	h.views = nil
	h.index.Purge()
	if h.image != nil {
		h.image.Destroy()
		h.image = nil
	}
}

// surfaceCopy moves one subresource between its guest location and its
// place in the level-major host order.
type surfaceCopy func(guest, linear []byte) error

// forEachSubresource runs fn for every layer in parallel, visiting levels in
// order within a layer.
func forEachSubresource(g *GuestTexture, guest, linear []byte, fn func(level layout.MipLevel) surfaceCopy) error {
	if g.LevelCount > 1 && g.TileConfig.Mode != TileBlock {
		return fmt.Errorf("%w: %d levels with %v tiling", ErrUnsupported, g.LevelCount, g.TileConfig)
	}
	if uint64(len(guest)) < g.Size {
		return fmt.Errorf("%w: guest mappings hold %d bytes, surface needs %d", layout.ErrShortBuffer, len(guest), g.Size)
	}
	if uint64(len(linear)) < g.LinearSize {
		return fmt.Errorf("%w: linear buffer holds %d bytes, surface needs %d", layout.ErrShortBuffer, len(linear), g.LinearSize)
	}

	var eg errgroup.Group
	eg.SetLimit(runtime.GOMAXPROCS(0))
	for layer := range uint64(g.LayerCount) {
		eg.Go(func() error {
			in := layer * uint64(g.LayerStride)
			var out uint64
			for level, lv := range g.MipLayouts {
				end := in + g.levelGuestSize(uint32(level))
				if end > uint64(len(guest)) {
					return fmt.Errorf("%w: layer %d level %d ends past the guest mappings", layout.ErrShortBuffer, layer, level)
				}
				if err := fn(lv)(guest[in:end], linear[out+layer*lv.LinearSize:]); err != nil {
					return fmt.Errorf("texture: layer %d level %d: %w", layer, level, err)
				}
				in = end
				out += lv.LinearSize * uint64(g.LayerCount)
			}
			return nil
		})
	}
	return eg.Wait()
}

// deswizzle converts a guest surface into packed host order.
func deswizzle(g *GuestTexture, guest, linear []byte) error {
	fi := g.Format.info()
	return forEachSubresource(g, guest, linear, func(lv layout.MipLevel) surfaceCopy {
		return func(src, dst []byte) error {
			switch g.TileConfig.Mode {
			case TileBlock:
				return layout.CopyBlockLinearToLinear(lv.Dimensions, fi, lv.BlockHeight, lv.BlockDepth, src, dst)
			case TilePitch:
				return layout.CopyPitchLinearToLinear(lv.Dimensions, fi, g.TileConfig.Pitch, src, dst)
			}
			copy(dst[:lv.LinearSize], src)
			return nil
		}
	})
}

// reswizzle converts packed host order back into the guest layout.
func reswizzle(g *GuestTexture, linear, guest []byte) error {
	fi := g.Format.info()
	return forEachSubresource(g, guest, linear, func(lv layout.MipLevel) surfaceCopy {
		return func(dst, src []byte) error {
			switch g.TileConfig.Mode {
			case TileBlock:
				return layout.CopyLinearToBlockLinear(lv.Dimensions, fi, lv.BlockHeight, lv.BlockDepth, src, dst)
			case TilePitch:
				return layout.CopyLinearToPitchLinear(lv.Dimensions, fi, g.TileConfig.Pitch, src, dst)
			}
			copy(dst, src[:lv.LinearSize])
			return nil
		}
	})
}
