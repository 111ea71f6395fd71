// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

package layout

import (
	"errors"
	"fmt"
)

// ErrShortBuffer is returned when a source or destination buffer is smaller
// than the surface it is supposed to hold.
var ErrShortBuffer = errors.New("layout: buffer too small for surface")

// GobOffset returns the offset of byte x on line y inside a GOB.
//
// A GOB is made of 16x2 sectors. Sectors are ordered in two columns of
// 32 bytes, each column holding four pairs of sector rows.
func GobOffset(x, y uint32) uint32 {
	return (x&32)<<3 | ((y>>1)&3)<<6 | (x&16)<<1 | (y&1)<<4 | x&15
}

// blockLinear precomputes the strides of a block-linear surface.
type blockLinear struct {
	blockHeight uint32
	blockDepth  uint32
	blockSize   uint64 // one block, GobSize * blockHeight * blockDepth
	robSize     uint64 // one row of blocks spanning the surface width
	mobSize     uint64 // one matrix of blocks, a block deep
}

func newBlockLinear(d Dimensions, f FormatInfo, gobBlockHeight, gobBlockDepth uint32) blockLinear {
	gobsWidth := divCeil64(f.RowBytes(d.Width), GobWidth)
	blockSize := uint64(GobSize) * uint64(gobBlockHeight) * uint64(gobBlockDepth)
	robSize := blockSize * gobsWidth
	robsPerMob := divCeil64(uint64(f.Lines(d.Height)), uint64(GobHeight*gobBlockHeight))
	return blockLinear{
		blockHeight: gobBlockHeight,
		blockDepth:  gobBlockDepth,
		blockSize:   blockSize,
		robSize:     robSize,
		mobSize:     robSize * robsPerMob,
	}
}

// lineOffset returns the offset of byte 0 of line y in slice z.
func (b blockLinear) lineOffset(y, z uint32) uint64 {
	gobY := y / GobHeight
	return uint64(z/b.blockDepth)*b.mobSize +
		uint64(gobY/b.blockHeight)*b.robSize +
		uint64(z%b.blockDepth)*GobSize*uint64(b.blockHeight) +
		uint64(gobY%b.blockHeight)*GobSize +
		uint64(GobOffset(0, y))
}

// columnOffset returns the offset contributed by byte column x of a line.
func (b blockLinear) columnOffset(x uint64) uint64 {
	return (x/GobWidth)*b.blockSize + uint64(GobOffset(uint32(x%GobWidth), 0))
}

// copyBlockLinear moves a surface between block-linear and row-major memory.
// Rows are copied in sector-sized runs so any bytes-per-block value works,
// including 12-byte formats that straddle sectors.
func copyBlockLinear(d Dimensions, f FormatInfo, gobBlockHeight, gobBlockDepth uint32, pitch uint64, tiled, rows []byte, toRows bool) error {
	rowBytes := f.RowBytes(d.Width)
	lines := f.Lines(d.Height)
	if pitch == 0 {
		pitch = rowBytes
	}
	if lines == 0 || d.Depth == 0 || rowBytes == 0 {
		return nil
	}
	if need := BlockLinearSize(d, f, gobBlockHeight, gobBlockDepth); uint64(len(tiled)) < need {
		return fmt.Errorf("%w: block-linear has %d bytes, need %d", ErrShortBuffer, len(tiled), need)
	}
	if need := pitch*uint64(lines)*uint64(d.Depth) - (pitch - rowBytes); uint64(len(rows)) < need {
		return fmt.Errorf("%w: linear has %d bytes, need %d", ErrShortBuffer, len(rows), need)
	}

	b := newBlockLinear(d, f, gobBlockHeight, gobBlockDepth)
	for z := uint32(0); z < d.Depth; z++ {
		for y := uint32(0); y < lines; y++ {
			rowStart := (uint64(z)*uint64(lines) + uint64(y)) * pitch
			base := b.lineOffset(y, z)
			for x := uint64(0); x < rowBytes; {
				n := min(SectorWidth-x%SectorWidth, rowBytes-x)
				off := base + b.columnOffset(x)
				if toRows {
					copy(rows[rowStart+x:rowStart+x+n], tiled[off:off+n])
				} else {
					copy(tiled[off:off+n], rows[rowStart+x:rowStart+x+n])
				}
				x += n
			}
		}
	}
	return nil
}

// CopyBlockLinearToLinear deswizzles a single-level block-linear surface
// into tightly packed rows.
func CopyBlockLinearToLinear(d Dimensions, f FormatInfo, gobBlockHeight, gobBlockDepth uint32, blockLinear, linear []byte) error {
	return copyBlockLinear(d, f, gobBlockHeight, gobBlockDepth, 0, blockLinear, linear, true)
}

// CopyLinearToBlockLinear swizzles tightly packed rows into a single-level
// block-linear surface. Padding bytes in the destination are left untouched.
func CopyLinearToBlockLinear(d Dimensions, f FormatInfo, gobBlockHeight, gobBlockDepth uint32, linear, blockLinear []byte) error {
	return copyBlockLinear(d, f, gobBlockHeight, gobBlockDepth, 0, blockLinear, linear, false)
}

// CopyBlockLinearToPitch deswizzles a block-linear surface into rows that
// are pitch bytes apart.
func CopyBlockLinearToPitch(d Dimensions, f FormatInfo, gobBlockHeight, gobBlockDepth uint32, pitch uint32, blockLinear, pitchLinear []byte) error {
	return copyBlockLinear(d, f, gobBlockHeight, gobBlockDepth, uint64(pitch), blockLinear, pitchLinear, true)
}

// CopyPitchToBlockLinear swizzles rows that are pitch bytes apart into a
// block-linear surface.
func CopyPitchToBlockLinear(d Dimensions, f FormatInfo, gobBlockHeight, gobBlockDepth uint32, pitch uint32, pitchLinear, blockLinear []byte) error {
	return copyBlockLinear(d, f, gobBlockHeight, gobBlockDepth, uint64(pitch), blockLinear, pitchLinear, false)
}

func copyPitch(d Dimensions, f FormatInfo, pitch uint32, pitched, packed []byte, toPacked bool) error {
	rowBytes := f.RowBytes(d.Width)
	lines := uint64(f.Lines(d.Height)) * uint64(d.Depth)
	if uint64(pitch) < rowBytes {
		return fmt.Errorf("layout: pitch %d is smaller than row size %d", pitch, rowBytes)
	}
	if lines == 0 {
		return nil
	}
	if need := uint64(pitch)*(lines-1) + rowBytes; uint64(len(pitched)) < need {
		return fmt.Errorf("%w: pitch-linear has %d bytes, need %d", ErrShortBuffer, len(pitched), need)
	}
	if need := rowBytes * lines; uint64(len(packed)) < need {
		return fmt.Errorf("%w: linear has %d bytes, need %d", ErrShortBuffer, len(packed), need)
	}

	for line := uint64(0); line < lines; line++ {
		p := pitched[line*uint64(pitch) : line*uint64(pitch)+rowBytes]
		l := packed[line*rowBytes : (line+1)*rowBytes]
		if toPacked {
			copy(l, p)
		} else {
			copy(p, l)
		}
	}
	return nil
}

// CopyPitchLinearToLinear strips the row padding of a pitch-linear surface.
func CopyPitchLinearToLinear(d Dimensions, f FormatInfo, pitch uint32, pitchLinear, linear []byte) error {
	return copyPitch(d, f, pitch, pitchLinear, linear, true)
}

// CopyLinearToPitchLinear spreads tightly packed rows out to pitch bytes.
func CopyLinearToPitchLinear(d Dimensions, f FormatInfo, pitch uint32, linear, pitchLinear []byte) error {
	return copyPitch(d, f, pitch, pitchLinear, linear, false)
}
