package soft

import (
	"encoding/binary"
	"math"
	"sync"

	"github.com/gogpu/guestgpu/host"
)

// Image is a host.Image backed by one byte slice. Levels are stored one
// after another, each holding all of its layers.
type Image struct {
	info        host.ImageInfo
	block       host.FormatBlock
	data        []byte
	levelOffset []uint64
	levelSize   []uint64 // one layer

	mu     sync.Mutex
	layout host.ImageLayout
}

func newImage(info host.ImageInfo) *Image {
	info.MipLevels = max(info.MipLevels, 1)
	info.ArrayLayers = max(info.ArrayLayers, 1)
	info.Extent.Depth = max(info.Extent.Depth, 1)
	block, _ := info.Format.Block()

	img := &Image{info: info, block: block}
	var off uint64
	for l := range info.MipLevels {
		size := info.Format.SubresourceSize(mipExtent(info.Extent, l))
		img.levelOffset = append(img.levelOffset, off)
		img.levelSize = append(img.levelSize, size)
		off += size * uint64(info.ArrayLayers)
	}
	img.data = make([]byte, off)
	return img
}

func mipExtent(e host.Extent3D, level uint32) host.Extent3D {
	return host.Extent3D{
		Width:  max(e.Width>>level, 1),
		Height: max(e.Height>>level, 1),
		Depth:  max(e.Depth>>level, 1),
	}
}

// Info implements host.Image.
func (i *Image) Info() host.ImageInfo { return i.info }

// Destroy implements host.Image.
func (i *Image) Destroy() {}

// Map returns the image memory. Only linear-tiling images expose it through
// host.MappedImage; tests may call it on any soft image.
func (i *Image) Map() ([]byte, error) { return i.data, nil }

// Layout returns the layout set by the last barrier touching the image.
func (i *Image) Layout() host.ImageLayout {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.layout
}

func (i *Image) setLayout(l host.ImageLayout) {
	i.mu.Lock()
	i.layout = l
	i.mu.Unlock()
}

// Subresource returns the bytes of one level and layer.
func (i *Image) Subresource(level, layer uint32) []byte {
	off := i.levelOffset[level] + uint64(layer)*i.levelSize[level]
	return i.data[off : off+i.levelSize[level]]
}

// blockGrid returns the size of a level in blocks.
func (i *Image) blockGrid(level uint32) (w, h, d uint32) {
	e := mipExtent(i.info.Extent, level)
	return ceilDiv(e.Width, i.block.BlockWidth), ceilDiv(e.Height, i.block.BlockHeight), e.Depth
}

// rowAt returns n bytes of level and layer starting at block (x, y, z).
func (i *Image) rowAt(level, layer, x, y, z, n uint32) []byte {
	w, h, _ := i.blockGrid(level)
	sub := i.Subresource(level, layer)
	off := ((uint64(z)*uint64(h)+uint64(y))*uint64(w) + uint64(x)) * uint64(i.block.Bpb)
	return sub[off : off+uint64(n)]
}

func ceilDiv(a, b uint32) uint32 { return (a + b - 1) / b }

// ImageView is a host.ImageView.
type ImageView struct {
	image *Image
	info  host.ViewInfo
}

func (v *ImageView) Image() host.Image   { return v.image }
func (v *ImageView) Info() host.ViewInfo { return v.info }
func (v *ImageView) Destroy()            {}

// encodeClear packs a clear value as one texel of format f, restricted to
// aspect. The second result is a mask of the bytes the aspect owns.
func encodeClear(f host.Format, aspect host.ImageAspect, v host.ClearValue) (texel, mask []byte) {
	block, _ := f.Block()
	texel = make([]byte, block.Bpb)
	mask = make([]byte, block.Bpb)
	for i := range mask {
		mask[i] = 0xFF
	}
	unorm8 := func(c float32) byte { return byte(math.Round(float64(clamp01(c)) * 255)) }

	switch f {
	case host.FormatR8Unorm:
		texel[0] = unorm8(v.Color[0])
	case host.FormatR8G8Unorm:
		texel[0], texel[1] = unorm8(v.Color[0]), unorm8(v.Color[1])
	case host.FormatR8G8B8A8Unorm, host.FormatR8G8B8A8Srgb:
		for c := range 4 {
			texel[c] = unorm8(v.Color[c])
		}
	case host.FormatB8G8R8A8Unorm, host.FormatB8G8R8A8Srgb:
		texel[0], texel[1], texel[2], texel[3] = unorm8(v.Color[2]), unorm8(v.Color[1]), unorm8(v.Color[0]), unorm8(v.Color[3])
	case host.FormatR16G16B16A16Sfloat:
		for c := range 4 {
			binary.LittleEndian.PutUint16(texel[c*2:], halfFromFloat(v.Color[c]))
		}
	case host.FormatR32Sfloat, host.FormatR32G32Sfloat, host.FormatR32G32B32Sfloat, host.FormatR32G32B32A32Sfloat:
		for c := 0; c*4 < len(texel); c++ {
			binary.LittleEndian.PutUint32(texel[c*4:], math.Float32bits(v.Color[c]))
		}
	case host.FormatR32Uint, host.FormatR32G32B32A32Uint:
		for c := 0; c*4 < len(texel); c++ {
			binary.LittleEndian.PutUint32(texel[c*4:], uint32(v.Color[c]))
		}
	case host.FormatD32Sfloat:
		binary.LittleEndian.PutUint32(texel, math.Float32bits(v.Depth))
	case host.FormatD16Unorm:
		binary.LittleEndian.PutUint16(texel, uint16(math.Round(float64(clamp01(v.Depth))*0xFFFF)))
	case host.FormatS8Uint:
		texel[0] = byte(v.Stencil)
	case host.FormatD24UnormS8Uint:
		d := uint32(math.Round(float64(clamp01(v.Depth)) * 0xFFFFFF))
		binary.LittleEndian.PutUint32(texel, d|v.Stencil<<24)
		if aspect&host.AspectDepth == 0 {
			mask[0], mask[1], mask[2] = 0, 0, 0
		}
		if aspect&host.AspectStencil == 0 {
			mask[3] = 0
		}
	case host.FormatD32SfloatS8Uint:
		binary.LittleEndian.PutUint32(texel, math.Float32bits(v.Depth))
		texel[4] = byte(v.Stencil)
		if aspect&host.AspectDepth == 0 {
			clear(mask[:4])
		}
		if aspect&host.AspectStencil == 0 {
			clear(mask[4:])
		}
	}
	return texel, mask
}

func clamp01(v float32) float32 { return min(max(v, 0), 1) }

// halfFromFloat converts f to IEEE 754 half precision, truncating the
// mantissa.
func halfFromFloat(f float32) uint16 {
	b := math.Float32bits(f)
	sign := uint16(b>>16) & 0x8000
	exp := int32(b>>23&0xFF) - 127 + 15
	mant := b & 0x7FFFFF
	switch {
	case b&0x7FFFFFFF == 0:
		return sign
	case exp >= 0x1F:
		return sign | 0x7C00
	case exp <= 0:
		if exp < -10 {
			return sign
		}
		mant |= 0x800000
		return sign | uint16(mant>>uint32(14-exp))
	}
	return sign | uint16(exp)<<10 | uint16(mant>>13)
}
