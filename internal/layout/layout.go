// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

// Package layout implements the guest GPU memory layouts: linear, pitch-linear
// and block-linear (GOB swizzled), together with the size and mip math that
// guest applications rely on byte for byte.
//
// Block-linear surfaces are built from GOBs (groups of bytes) of 64 bytes by
// 8 lines. GOBs are stacked vertically and in depth into blocks, blocks are
// placed left to right into a ROB (row of blocks), and ROBs are stacked into a
// MOB (matrix of blocks) which is one block deep.
package layout

const (
	// GobWidth is the width of a GOB in bytes.
	GobWidth = 64
	// GobHeight is the height of a GOB in lines.
	GobHeight = 8
	// GobSize is the size of a GOB in bytes.
	GobSize = GobWidth * GobHeight

	// SectorWidth is the width of a sector in bytes.
	SectorWidth = 16
	// SectorHeight is the height of a sector in lines.
	SectorHeight = 2
)

// Dimensions is the size of a surface in texels (or samples).
type Dimensions struct {
	Width  uint32
	Height uint32
	Depth  uint32
}

// Dims2D returns Dimensions with a depth of 1.
func Dims2D(width, height uint32) Dimensions {
	return Dimensions{Width: width, Height: height, Depth: 1}
}

// Valid reports whether every axis is non-zero.
func (d Dimensions) Valid() bool {
	return d.Width != 0 && d.Height != 0 && d.Depth != 0
}

// Mip returns the dimensions of the given mip level, every axis halved per
// level with a minimum of 1.
func (d Dimensions) Mip(level uint32) Dimensions {
	return Dimensions{
		Width:  max(d.Width>>level, 1),
		Height: max(d.Height>>level, 1),
		Depth:  max(d.Depth>>level, 1),
	}
}

// FormatInfo carries the format properties the layout math depends on.
type FormatInfo struct {
	BlockWidth  uint32 // texels per block horizontally, 1 for uncompressed formats
	BlockHeight uint32 // texels per block vertically
	Bpb         uint32 // bytes per block
}

// RowBytes returns the unpadded size of one line of blocks.
func (f FormatInfo) RowBytes(width uint32) uint64 {
	return uint64(divCeil(width, f.BlockWidth)) * uint64(f.Bpb)
}

// Lines returns the number of block lines covering height texels.
func (f FormatInfo) Lines(height uint32) uint32 {
	return divCeil(height, f.BlockHeight)
}

// Size returns the tightly packed size of a surface.
func (f FormatInfo) Size(d Dimensions) uint64 {
	return f.RowBytes(d.Width) * uint64(f.Lines(d.Height)) * uint64(d.Depth)
}

// MipLevel describes one level of a mipmapped surface.
type MipLevel struct {
	Dimensions      Dimensions // exact, not aligned to GOBs
	LinearSize      uint64     // tightly packed size of the level
	BlockLinearSize uint64     // size of the level when block-linear
	BlockHeight     uint32     // block height in GOBs used by the level
	BlockDepth      uint32     // block depth in GOBs used by the level
}

// BlockGobs clamps a block extent in GOBs to the surface extent in GOBs.
// Surfaces smaller than a block shrink the block to the next power of two
// that still covers them.
func BlockGobs(blockGobs, surfaceGobs uint32) uint32 {
	if surfaceGobs > blockGobs {
		return blockGobs
	}
	return bitCeil(surfaceGobs)
}

// BlockLinearSize returns the size of a single-level block-linear surface,
// including padding GOBs on every axis.
func BlockLinearSize(d Dimensions, f FormatInfo, gobBlockHeight, gobBlockDepth uint32) uint64 {
	robLineBytes := alignUp64(f.RowBytes(d.Width), GobWidth)
	robHeight := uint64(GobHeight * gobBlockHeight)
	surfaceHeightRobs := divCeil64(uint64(f.Lines(d.Height)), robHeight)
	robDepth := uint64(alignUp(d.Depth, gobBlockDepth))
	return robLineBytes * robHeight * surfaceHeightRobs * robDepth
}

// BlockLinearLayerSize returns the size of one array layer holding
// levelCount mip levels. Multi-layer surfaces align each layer to a full
// block.
func BlockLinearLayerSize(d Dimensions, f FormatInfo, gobBlockHeight, gobBlockDepth, levelCount uint32, multiLayer bool) uint64 {
	gobsWidth := uint32(divCeil64(f.RowBytes(d.Width), GobWidth))
	gobsHeight := divCeil(f.Lines(d.Height), GobHeight)
	gobsDepth := d.Depth

	layerAlignment := uint64(GobSize) * uint64(gobBlockHeight) * uint64(gobBlockDepth)

	var total uint64
	for range levelCount {
		total += uint64(GobWidth*gobsWidth) * uint64(GobHeight*alignUp(gobsHeight, gobBlockHeight)) * uint64(alignUp(gobsDepth, gobBlockDepth))

		gobsWidth = max(divCeil(gobsWidth, 2), 1)
		gobsHeight = max(divCeil(gobsHeight, 2), 1)
		gobsDepth = max(gobsDepth/2, 1) // depth rounds down, unlike the padded axes

		gobBlockHeight = BlockGobs(gobBlockHeight, gobsHeight)
		gobBlockDepth = BlockGobs(gobBlockDepth, gobsDepth)
	}

	if multiLayer {
		return alignUp64(total, layerAlignment)
	}
	return total
}

// MipLayout returns the per-level layout of a block-linear surface. The block
// height and depth shrink with the level so that small levels are not padded
// out to the full block of the base level.
func MipLayout(d Dimensions, f FormatInfo, gobBlockHeight, gobBlockDepth, levelCount uint32) []MipLevel {
	levels := make([]MipLevel, 0, levelCount)

	gobsWidth := uint32(divCeil64(f.RowBytes(d.Width), GobWidth))
	gobsHeight := divCeil(f.Lines(d.Height), GobHeight)

	for range levelCount {
		levels = append(levels, MipLevel{
			Dimensions:      d,
			LinearSize:      f.Size(d),
			BlockLinearSize: uint64(GobWidth*gobsWidth) * uint64(GobHeight*alignUp(gobsHeight, gobBlockHeight)) * uint64(alignUp(d.Depth, gobBlockDepth)),
			BlockHeight:     gobBlockHeight,
			BlockDepth:      gobBlockDepth,
		})

		gobsWidth = max(divCeil(gobsWidth, 2), 1)
		gobsHeight = max(divCeil(gobsHeight, 2), 1)
		d = d.Mip(1)

		gobBlockHeight = BlockGobs(gobBlockHeight, gobsHeight)
		gobBlockDepth = BlockGobs(gobBlockDepth, d.Depth)
	}
	return levels
}

// LinearLayerSize returns the sum of the tightly packed sizes of levels.
func LinearLayerSize(levels []MipLevel) uint64 {
	var n uint64
	for _, l := range levels {
		n += l.LinearSize
	}
	return n
}

func divCeil(a, b uint32) uint32 {
	return (a + b - 1) / b
}

func divCeil64(a, b uint64) uint64 {
	return (a + b - 1) / b
}

func alignUp(v, a uint32) uint32 {
	return divCeil(v, a) * a
}

func alignUp64(v, a uint64) uint64 {
	return divCeil64(v, a) * a
}

func bitCeil(v uint32) uint32 {
	if v <= 1 {
		return 1
	}
	n := uint32(1)
	for n < v {
		n <<= 1
	}
	return n
}
