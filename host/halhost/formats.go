package halhost

import (
	"github.com/gogpu/gputypes"

	"github.com/gogpu/guestgpu/host"
)

var formats = map[host.Format]gputypes.TextureFormat{
	host.FormatR8Unorm:            gputypes.TextureFormatR8Unorm,
	host.FormatR8G8Unorm:          gputypes.TextureFormatRG8Unorm,
	host.FormatR8G8B8A8Unorm:      gputypes.TextureFormatRGBA8Unorm,
	host.FormatR8G8B8A8Srgb:       gputypes.TextureFormatRGBA8UnormSrgb,
	host.FormatB8G8R8A8Unorm:      gputypes.TextureFormatBGRA8Unorm,
	host.FormatB8G8R8A8Srgb:       gputypes.TextureFormatBGRA8UnormSrgb,
	host.FormatR32Uint:            gputypes.TextureFormatR32Uint,
	host.FormatR32Sfloat:          gputypes.TextureFormatR32Float,
	host.FormatR16G16B16A16Sfloat: gputypes.TextureFormatRGBA16Float,
	host.FormatD16Unorm:           gputypes.TextureFormatDepth16Unorm,
	host.FormatD32Sfloat:          gputypes.TextureFormatDepth32Float,
	host.FormatD24UnormS8Uint:     gputypes.TextureFormatDepth24PlusStencil8,
}

// Format returns the HAL format for f and whether one exists.
func Format(f host.Format) (gputypes.TextureFormat, bool) {
	tf, ok := formats[f]
	return tf, ok
}

func textureUsage(u host.ImageUsage) gputypes.TextureUsage {
	var out gputypes.TextureUsage
	if u&host.UsageTransferSrc != 0 {
		out |= gputypes.TextureUsageCopySrc
	}
	if u&host.UsageTransferDst != 0 {
		out |= gputypes.TextureUsageCopyDst
	}
	if u&(host.UsageSampled|host.UsageInputAttachment) != 0 {
		out |= gputypes.TextureUsageTextureBinding
	}
	if u&host.UsageStorage != 0 {
		out |= gputypes.TextureUsageStorageBinding
	}
	if u&(host.UsageColorAttachment|host.UsageDepthStencilAttachment) != 0 {
		out |= gputypes.TextureUsageRenderAttachment
	}
	return out
}

// layoutUsage returns the usage an image in layout l is transitioned to.
// General and unknown layouts keep the current usage.
func layoutUsage(l host.ImageLayout) (gputypes.TextureUsage, bool) {
	switch l {
	case host.ImageLayoutTransferSrcOptimal:
		return gputypes.TextureUsageCopySrc, true
	case host.ImageLayoutTransferDstOptimal:
		return gputypes.TextureUsageCopyDst, true
	case host.ImageLayoutColorAttachmentOptimal, host.ImageLayoutDepthStencilAttachmentOptimal:
		return gputypes.TextureUsageRenderAttachment, true
	case host.ImageLayoutShaderReadOnlyOptimal, host.ImageLayoutDepthStencilReadOnlyOptimal:
		return gputypes.TextureUsageTextureBinding, true
	}
	return 0, false
}

func dimension(t host.ImageType) gputypes.TextureDimension {
	switch t {
	case host.ImageType1D:
		return gputypes.TextureDimension1D
	case host.ImageType3D:
		return gputypes.TextureDimension3D
	}
	return gputypes.TextureDimension2D
}

func viewDimension(t host.ImageViewType) gputypes.TextureViewDimension {
	switch t {
	case host.ViewType1D, host.ViewType1DArray:
		return gputypes.TextureViewDimension1D
	case host.ViewType3D:
		return gputypes.TextureViewDimension3D
	case host.ViewTypeCube:
		return gputypes.TextureViewDimensionCube
	case host.ViewTypeCubeArray:
		return gputypes.TextureViewDimensionCubeArray
	case host.ViewType2DArray:
		return gputypes.TextureViewDimension2DArray
	}
	return gputypes.TextureViewDimension2D
}

// aspect narrows combined depth/stencil formats to one aspect when only one
// is addressed.
func aspect(format host.Format, a host.ImageAspect) gputypes.TextureAspect {
	b, _ := format.Block()
	if b.Aspect == host.AspectDepth|host.AspectStencil {
		switch a {
		case host.AspectDepth:
			return gputypes.TextureAspectDepthOnly
		case host.AspectStencil:
			return gputypes.TextureAspectStencilOnly
		}
	}
	return gputypes.TextureAspectAll
}

func loadOp(op host.LoadOp) gputypes.LoadOp {
	if op == host.LoadOpClear {
		return gputypes.LoadOpClear
	}
	return gputypes.LoadOpLoad
}

func storeOp(op host.StoreOp) gputypes.StoreOp {
	if op == host.StoreOpDontCare {
		return gputypes.StoreOpDiscard
	}
	return gputypes.StoreOpStore
}
