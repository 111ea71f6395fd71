package texture

import (
	"github.com/gogpu/guestgpu/host"
	"github.com/gogpu/guestgpu/internal/layout"
)

// GuestTexture describes a surface as it is laid out in guest memory. It is
// immutable after construction.
type GuestTexture struct {
	Mappings Mappings

	// Dimensions are in samples, ImageDimensions in pixels.
	Dimensions      Dimensions
	ImageDimensions Dimensions
	SampleCount     host.SampleCount

	Format     *Format
	TileConfig TileConfig

	LevelCount  uint32
	LayerCount  uint32
	LayerStride uint32

	// Size is LayerStride * LayerCount.
	Size uint64

	MipLayouts []layout.MipLevel

	// LinearLayerStride is the packed size of every level of one layer and
	// LinearSize that of the whole surface.
	LinearLayerStride uint64
	LinearSize        uint64
}

// NewGuestTexture derives the layout of a guest surface.
func NewGuestTexture(mappings Mappings, sampleDimensions, imageDimensions Dimensions, sampleCount host.SampleCount, format *Format, tileConfig TileConfig, levelCount, layerCount, layerStride uint32) *GuestTexture {
	bh, bd := tileConfig.gobBlock()
	mips := layout.MipLayout(sampleDimensions, format.info(), bh, bd, levelCount)
	linearLayerStride := layout.LinearLayerSize(mips)
	return &GuestTexture{
		Mappings:          mappings,
		Dimensions:        sampleDimensions,
		ImageDimensions:   imageDimensions,
		SampleCount:       sampleCount,
		Format:            format,
		TileConfig:        tileConfig,
		LevelCount:        levelCount,
		LayerCount:        layerCount,
		LayerStride:       layerStride,
		Size:              uint64(layerStride) * uint64(layerCount),
		MipLayouts:        mips,
		LinearLayerStride: linearLayerStride,
		LinearSize:        linearLayerStride * uint64(layerCount),
	}
}

// CalculateLayerStride returns the distance in guest memory between two
// array layers of a surface.
func CalculateLayerStride(d Dimensions, format *Format, tileConfig TileConfig, levelCount, layerCount uint32) uint32 {
	switch tileConfig.Mode {
	case TilePitch:
		return d.Height * tileConfig.Pitch
	case TileBlock:
		bh, bd := tileConfig.gobBlock()
		return uint32(layout.BlockLinearLayerSize(d, format.info(), bh, bd, levelCount, layerCount > 1))
	}
	return uint32(format.Size(d))
}

// levelGuestSize is the size of one level of one layer in guest memory.
func (g *GuestTexture) levelGuestSize(level uint32) uint64 {
	switch g.TileConfig.Mode {
	case TileBlock:
		return g.MipLayouts[level].BlockLinearSize
	case TilePitch:
		if level == 0 {
			return uint64(g.Dimensions.Height) * uint64(g.TileConfig.Pitch)
		}
		return 0
	}
	return g.MipLayouts[level].LinearSize
}

// CalculateSubresource maps a byte offset inside the surface to the
// subresource starting there. It reports false when the layouts cannot
// share memory: the offset is out of range or not on a level boundary, the
// tiling differs, the layer stride differs for a layered request, or the
// requested levels or layers do not fit.
func (g *GuestTexture) CalculateSubresource(tileConfig TileConfig, offset, levelCount, layerCount, layerStride uint32, aspect host.ImageAspect) (host.SubresourceRange, bool) {
	if uint64(offset) >= g.Size || !tileConfig.Equal(g.TileConfig) {
		return host.SubresourceRange{}, false
	}
	if layerCount > 1 && layerStride != g.LayerStride {
		return host.SubresourceRange{}, false
	}

	layer := offset / g.LayerStride
	rel := uint64(offset - layer*g.LayerStride)

	var (
		level       uint32
		levelOffset uint64
	)
	for ; level < g.LevelCount && levelOffset < rel; level++ {
		levelOffset += g.levelGuestSize(level)
	}
	if levelOffset != rel {
		return host.SubresourceRange{}, false
	}
	if layer+layerCount > g.LayerCount || level+levelCount > g.LevelCount {
		return host.SubresourceRange{}, false
	}

	return host.SubresourceRange{
		Aspect:         aspect,
		BaseMipLevel:   level,
		LevelCount:     levelCount,
		BaseArrayLayer: layer,
		LayerCount:     layerCount,
	}, true
}
