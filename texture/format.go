// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

package texture

import (
	"github.com/gogpu/guestgpu/host"
	"github.com/gogpu/guestgpu/internal/bcn"
	"github.com/gogpu/guestgpu/internal/layout"
)

// Format describes a texel format as seen by the guest.
//
// Formats compare by pointer. Each host format has one Format value in
// this package, except S8UintD24Unorm which aliases D24UnormS8Uint with the
// stencil component first.
type Format struct {
	Name     string
	VkFormat host.Format
	Bpb      uint32 // bytes per block
	Aspect   host.ImageAspect

	BlockWidth  uint32
	BlockHeight uint32

	// Swizzle is applied on top of the view swizzle to present the guest
	// component order.
	Swizzle host.ComponentMapping

	// StencilFirst is set when stencil is the first component of a
	// combined depth/stencil format.
	StencilFirst bool

	// Components holds the bit width of every component in memory order.
	// Compressed formats report zero-width components.
	Components []uint8
}

func (f *Format) String() string {
	if f == nil {
		return "<nil>"
	}
	return f.Name
}

// IsCompressed reports whether f stores texels in blocks larger than 1x1.
func (f *Format) IsCompressed() bool {
	return f.BlockWidth != 1 || f.BlockHeight != 1
}

// Size returns the tightly packed size of a surface of f.
func (f *Format) Size(d Dimensions) uint64 {
	return f.info().Size(d)
}

func (f *Format) info() layout.FormatInfo {
	return layout.FormatInfo{BlockWidth: f.BlockWidth, BlockHeight: f.BlockHeight, Bpb: f.Bpb}
}

// IsCompatible reports whether o shares the texel layout of f: the same
// format, D32 depth read as R32 float, or the same component widths with
// an overlapping aspect.
func (f *Format) IsCompatible(o *Format) bool {
	if f == o {
		return true
	}
	if f == D32Float && o == R32Float {
		return true
	}
	if len(f.Components) != len(o.Components) || f.Aspect&o.Aspect == 0 {
		return false
	}
	for i, bits := range f.Components {
		if o.Components[i] != bits {
			return false
		}
	}
	return true
}

// viewCompatible reports whether a view of format v can be created on an
// image of format f: both must belong to the same size class.
func (f *Format) viewCompatible(v *Format) bool {
	if f == v {
		return true
	}
	if f.Aspect != v.Aspect || f.Aspect != host.AspectColor {
		return false
	}
	return f.Bpb == v.Bpb && f.BlockWidth == v.BlockWidth && f.BlockHeight == v.BlockHeight
}

// AspectFor picks the aspect to sample for a combined depth/stencil format
// from whether the first swizzle component reads the first channel.
func (f *Format) AspectFor(first bool) host.ImageAspect {
	if f.Aspect&host.AspectDepth == 0 || f.Aspect&host.AspectStencil == 0 {
		return f.Aspect
	}
	if first == f.StencilFirst {
		return host.AspectStencil
	}
	return host.AspectDepth
}

// bcnFormat returns the block-compressed encoding of f.
func (f *Format) bcnFormat() (bcn.Format, bool) {
	switch f {
	case BC1Unorm, BC1Srgb:
		return bcn.BC1, true
	case BC2Unorm, BC2Srgb:
		return bcn.BC2, true
	case BC3Unorm, BC3Srgb:
		return bcn.BC3, true
	case BC4Unorm:
		return bcn.BC4U, true
	case BC4Snorm:
		return bcn.BC4S, true
	case BC5Unorm:
		return bcn.BC5U, true
	case BC5Snorm:
		return bcn.BC5S, true
	case BC6HUfloat:
		return bcn.BC6HU, true
	case BC6HSfloat:
		return bcn.BC6HS, true
	case BC7Unorm, BC7Srgb:
		return bcn.BC7, true
	}
	return 0, false
}

// decompressed returns the uncompressed format BCn data decodes to.
func (f *Format) decompressed() *Format {
	switch f {
	case BC1Unorm, BC2Unorm, BC3Unorm, BC7Unorm:
		return R8G8B8A8Unorm
	case BC1Srgb, BC2Srgb, BC3Srgb, BC7Srgb:
		return R8G8B8A8Srgb
	case BC4Unorm:
		return R8Unorm
	case BC4Snorm:
		return R8Snorm
	case BC5Unorm:
		return R8G8Unorm
	case BC5Snorm:
		return R8G8Snorm
	case BC6HUfloat, BC6HSfloat:
		// There is no unsigned half-float format.
		return R16G16B16A16Float
	}
	return f
}

// ConvertHostCompatibleFormat returns the format the host stores f in:
// f itself when the host samples it natively, else its decoded equivalent.
// force decodes BCn even on hosts that support it.
func ConvertHostCompatibleFormat(f *Format, traits host.Traits, force bool) *Format {
	if _, ok := f.bcnFormat(); ok && (force || !traits.SupportsBCn) {
		return f.decompressed()
	}
	return f
}

// FormatByVk returns the Format for a host format.
func FormatByVk(vk host.Format) (*Format, bool) {
	f, ok := formatsByVk[vk]
	return f, ok
}

func mk(name string, vk host.Format, components ...uint8) *Format {
	b, _ := vk.Block()
	return &Format{
		Name:        name,
		VkFormat:    vk,
		Bpb:         b.Bpb,
		Aspect:      b.Aspect,
		BlockWidth:  b.BlockWidth,
		BlockHeight: b.BlockHeight,
		Swizzle:     host.IdentityMapping,
		Components:  components,
	}
}

func compressed(name string, vk host.Format, count int) *Format {
	return mk(name, vk, make([]uint8, count)...)
}

// Formats known to the guest, ordered by size, component count and order.
var (
	R8Unorm  = mk("R8Unorm", host.FormatR8Unorm, 8)
	R8Snorm  = mk("R8Snorm", host.FormatR8Snorm, 8)
	R8Uint   = mk("R8Uint", host.FormatR8Uint, 8)
	R8Sint   = mk("R8Sint", host.FormatR8Sint, 8)
	R16Unorm = mk("R16Unorm", host.FormatR16Unorm, 16)
	R16Uint  = mk("R16Uint", host.FormatR16Uint, 16)
	R16Float = mk("R16Float", host.FormatR16Sfloat, 16)

	R8G8Unorm = mk("R8G8Unorm", host.FormatR8G8Unorm, 8, 8)
	R8G8Snorm = mk("R8G8Snorm", host.FormatR8G8Snorm, 8, 8)
	R8G8Uint  = mk("R8G8Uint", host.FormatR8G8Uint, 8, 8)

	R5G6B5Unorm = mk("R5G6B5Unorm", host.FormatR5G6B5UnormPack16, 5, 6, 5)

	R32Uint  = mk("R32Uint", host.FormatR32Uint, 32)
	R32Sint  = mk("R32Sint", host.FormatR32Sint, 32)
	R32Float = mk("R32Float", host.FormatR32Sfloat, 32)

	R16G16Unorm = mk("R16G16Unorm", host.FormatR16G16Unorm, 16, 16)
	R16G16Float = mk("R16G16Float", host.FormatR16G16Sfloat, 16, 16)

	B10G11R11Float = mk("B10G11R11Float", host.FormatB10G11R11UfloatPack32, 10, 11, 11)

	R8G8B8A8Unorm = mk("R8G8B8A8Unorm", host.FormatR8G8B8A8Unorm, 8, 8, 8, 8)
	R8G8B8A8Snorm = mk("R8G8B8A8Snorm", host.FormatR8G8B8A8Snorm, 8, 8, 8, 8)
	R8G8B8A8Uint  = mk("R8G8B8A8Uint", host.FormatR8G8B8A8Uint, 8, 8, 8, 8)
	R8G8B8A8Sint  = mk("R8G8B8A8Sint", host.FormatR8G8B8A8Sint, 8, 8, 8, 8)
	R8G8B8A8Srgb  = mk("R8G8B8A8Srgb", host.FormatR8G8B8A8Srgb, 8, 8, 8, 8)
	B8G8R8A8Unorm = mk("B8G8R8A8Unorm", host.FormatB8G8R8A8Unorm, 8, 8, 8, 8)
	B8G8R8A8Srgb  = mk("B8G8R8A8Srgb", host.FormatB8G8R8A8Srgb, 8, 8, 8, 8)

	A2B10G10R10Unorm = mk("A2B10G10R10Unorm", host.FormatA2B10G10R10UnormPack32, 2, 10, 10, 10)
	E5B9G9R9Float    = mk("E5B9G9R9Float", host.FormatE5B9G9R9UfloatPack32, 5, 9, 9, 9)

	R32G32Uint  = mk("R32G32Uint", host.FormatR32G32Uint, 32, 32)
	R32G32Float = mk("R32G32Float", host.FormatR32G32Sfloat, 32, 32)

	R16G16B16A16Unorm = mk("R16G16B16A16Unorm", host.FormatR16G16B16A16Unorm, 16, 16, 16, 16)
	R16G16B16A16Uint  = mk("R16G16B16A16Uint", host.FormatR16G16B16A16Uint, 16, 16, 16, 16)
	R16G16B16A16Float = mk("R16G16B16A16Float", host.FormatR16G16B16A16Sfloat, 16, 16, 16, 16)

	R32G32B32Float = mk("R32G32B32Float", host.FormatR32G32B32Sfloat, 32, 32, 32)

	R32G32B32A32Uint  = mk("R32G32B32A32Uint", host.FormatR32G32B32A32Uint, 32, 32, 32, 32)
	R32G32B32A32Float = mk("R32G32B32A32Float", host.FormatR32G32B32A32Sfloat, 32, 32, 32, 32)

	BC1Unorm   = compressed("BC1Unorm", host.FormatBC1RGBAUnormBlock, 4)
	BC1Srgb    = compressed("BC1Srgb", host.FormatBC1RGBASrgbBlock, 4)
	BC2Unorm   = compressed("BC2Unorm", host.FormatBC2UnormBlock, 4)
	BC2Srgb    = compressed("BC2Srgb", host.FormatBC2SrgbBlock, 4)
	BC3Unorm   = compressed("BC3Unorm", host.FormatBC3UnormBlock, 4)
	BC3Srgb    = compressed("BC3Srgb", host.FormatBC3SrgbBlock, 4)
	BC4Unorm   = compressed("BC4Unorm", host.FormatBC4UnormBlock, 1)
	BC4Snorm   = compressed("BC4Snorm", host.FormatBC4SnormBlock, 1)
	BC5Unorm   = compressed("BC5Unorm", host.FormatBC5UnormBlock, 2)
	BC5Snorm   = compressed("BC5Snorm", host.FormatBC5SnormBlock, 2)
	BC6HUfloat = compressed("BC6HUfloat", host.FormatBC6HUfloatBlock, 3)
	BC6HSfloat = compressed("BC6HSfloat", host.FormatBC6HSfloatBlock, 3)
	BC7Unorm   = compressed("BC7Unorm", host.FormatBC7UnormBlock, 4)
	BC7Srgb    = compressed("BC7Srgb", host.FormatBC7SrgbBlock, 4)

	Astc4x4Unorm = compressed("Astc4x4Unorm", host.FormatASTC4x4UnormBlock, 4)
	Astc4x4Srgb  = compressed("Astc4x4Srgb", host.FormatASTC4x4SrgbBlock, 4)
	Astc8x8Unorm = compressed("Astc8x8Unorm", host.FormatASTC8x8UnormBlock, 4)
	Astc8x8Srgb  = compressed("Astc8x8Srgb", host.FormatASTC8x8SrgbBlock, 4)

	D16Unorm       = mk("D16Unorm", host.FormatD16Unorm, 16)
	X8D24Unorm     = mk("X8D24Unorm", host.FormatX8D24UnormPack32, 24)
	D32Float       = mk("D32Float", host.FormatD32Sfloat, 32)
	S8Uint         = mk("S8Uint", host.FormatS8Uint, 8)
	D24UnormS8Uint = mk("D24UnormS8Uint", host.FormatD24UnormS8Uint, 24, 8)
	D32FloatS8Uint = mk("D32FloatS8Uint", host.FormatD32SfloatS8Uint, 32, 8)
	S8UintD24Unorm = stencilFirst(mk("S8UintD24Unorm", host.FormatD24UnormS8Uint, 24, 8))
)

func stencilFirst(f *Format) *Format {
	f.StencilFirst = true
	return f
}

var formatsByVk = func() map[host.Format]*Format {
	m := make(map[host.Format]*Format)
	for _, f := range []*Format{
		R8Unorm, R8Snorm, R8Uint, R8Sint, R16Unorm, R16Uint, R16Float,
		R8G8Unorm, R8G8Snorm, R8G8Uint, R5G6B5Unorm,
		R32Uint, R32Sint, R32Float, R16G16Unorm, R16G16Float, B10G11R11Float,
		R8G8B8A8Unorm, R8G8B8A8Snorm, R8G8B8A8Uint, R8G8B8A8Sint, R8G8B8A8Srgb,
		B8G8R8A8Unorm, B8G8R8A8Srgb, A2B10G10R10Unorm, E5B9G9R9Float,
		R32G32Uint, R32G32Float, R16G16B16A16Unorm, R16G16B16A16Uint, R16G16B16A16Float,
		R32G32B32Float, R32G32B32A32Uint, R32G32B32A32Float,
		BC1Unorm, BC1Srgb, BC2Unorm, BC2Srgb, BC3Unorm, BC3Srgb, BC4Unorm, BC4Snorm,
		BC5Unorm, BC5Snorm, BC6HUfloat, BC6HSfloat, BC7Unorm, BC7Srgb,
		Astc4x4Unorm, Astc4x4Srgb, Astc8x8Unorm, Astc8x8Srgb,
		D16Unorm, X8D24Unorm, D32Float, S8Uint, D24UnormS8Uint, D32FloatS8Uint,
	} {
		m[f.VkFormat] = f
	}
	return m
}()
