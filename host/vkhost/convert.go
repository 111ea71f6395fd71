//go:build !nogpu

package vkhost

import (
	"errors"
	"fmt"

	vk "github.com/goki/vulkan"

	"github.com/gogpu/guestgpu/host"
)

// The host enums carry Vulkan values, so conversions are casts. Stage and
// access masks are folded to their legacy 32-bit forms since commands are
// recorded with vkCmdPipelineBarrier.

func stageMask(s host.PipelineStage, fallback vk.PipelineStageFlagBits) vk.PipelineStageFlags {
	s = s.Sync1()
	if s == 0 {
		return vk.PipelineStageFlags(fallback)
	}
	return vk.PipelineStageFlags(uint32(s))
}

func accessMask(a host.Access) vk.AccessFlags { return vk.AccessFlags(uint32(a.Sync1())) }

func aspectMask(a host.ImageAspect) vk.ImageAspectFlags { return vk.ImageAspectFlags(a) }

func subresourceRange(r host.SubresourceRange) vk.ImageSubresourceRange {
	return vk.ImageSubresourceRange{
		AspectMask:     aspectMask(r.Aspect),
		BaseMipLevel:   r.BaseMipLevel,
		LevelCount:     r.LevelCount,
		BaseArrayLayer: r.BaseArrayLayer,
		LayerCount:     r.LayerCount,
	}
}

func subresourceLayers(l host.SubresourceLayers) vk.ImageSubresourceLayers {
	return vk.ImageSubresourceLayers{
		AspectMask:     aspectMask(l.Aspect),
		MipLevel:       l.MipLevel,
		BaseArrayLayer: l.BaseArrayLayer,
		LayerCount:     l.LayerCount,
	}
}

func offset3D(o host.Offset3D) vk.Offset3D { return vk.Offset3D{X: o.X, Y: o.Y, Z: o.Z} }

func extent3D(e host.Extent3D) vk.Extent3D {
	return vk.Extent3D{Width: e.Width, Height: e.Height, Depth: e.Depth}
}

func rect2D(r host.Rect2D) vk.Rect2D {
	return vk.Rect2D{
		Offset: vk.Offset2D{X: r.X, Y: r.Y},
		Extent: vk.Extent2D{Width: r.Width, Height: r.Height},
	}
}

func componentMapping(m host.ComponentMapping) vk.ComponentMapping {
	return vk.ComponentMapping{
		R: vk.ComponentSwizzle(m.R),
		G: vk.ComponentSwizzle(m.G),
		B: vk.ComponentSwizzle(m.B),
		A: vk.ComponentSwizzle(m.A),
	}
}

func bufferImageCopies(regions []host.BufferImageCopy) []vk.BufferImageCopy {
	out := make([]vk.BufferImageCopy, len(regions))
	for i, r := range regions {
		out[i] = vk.BufferImageCopy{
			BufferOffset:      vk.DeviceSize(r.BufferOffset),
			BufferRowLength:   r.BufferRowLength,
			BufferImageHeight: r.BufferImageHeight,
			ImageSubresource:  subresourceLayers(r.Subresource),
			ImageOffset:       offset3D(r.Offset),
			ImageExtent:       extent3D(r.Extent),
		}
	}
	return out
}

func clearValue(aspect host.ImageAspect, v host.ClearValue) vk.ClearValue {
	if aspect&(host.AspectDepth|host.AspectStencil) != 0 {
		return vk.NewClearDepthStencil(v.Depth, v.Stencil)
	}
	return vk.NewClearValue(v.Color[:])
}

// result converts a Vulkan result into an error wrapping the matching host
// error, if any.
func result(ret vk.Result, op string) error {
	switch ret {
	case vk.Success:
		return nil
	case vk.ErrorDeviceLost:
		return fmt.Errorf("vkhost: %s: %w", op, errors.Join(host.ErrDeviceLost, vk.Error(ret)))
	case vk.ErrorOutOfPoolMemory, vk.ErrorFragmentedPool:
		return fmt.Errorf("vkhost: %s: %w", op, errors.Join(host.ErrOutOfPoolMemory, vk.Error(ret)))
	case vk.ErrorOutOfDeviceMemory, vk.ErrorOutOfHostMemory:
		return fmt.Errorf("vkhost: %s: %w", op, errors.Join(host.ErrOutOfMemory, vk.Error(ret)))
	case vk.ErrorFormatNotSupported:
		return fmt.Errorf("vkhost: %s: %w", op, errors.Join(host.ErrUnsupportedFormat, vk.Error(ret)))
	}
	return fmt.Errorf("vkhost: %s: %w", op, vk.Error(ret))
}
