package halhost

import (
	"fmt"

	"github.com/gogpu/guestgpu/host"
)

// copyPitchAlignment is the row alignment HAL buffer/texture copies require.
const copyPitchAlignment = 256

// copyLayout maps a tightly packed host buffer region onto the padded rows
// a HAL copy reads or writes.
type copyLayout struct {
	offset      uint64 // start of the region in the host buffer
	rowBytes    uint32 // bytes of one block row that are copied
	srcPitch    uint32 // host buffer row pitch
	srcSlice    uint64 // host buffer slice pitch
	paddedPitch uint32
	rows        uint32 // block rows per slice
	slices      uint32
}

func newCopyLayout(format host.Format, r host.BufferImageCopy) (copyLayout, error) {
	b, ok := format.Block()
	if !ok {
		return copyLayout{}, fmt.Errorf("halhost: copy of %v: %w", format, host.ErrUnsupportedFormat)
	}
	div := func(v, d uint32) uint32 { return (v + d - 1) / d }

	rowLength, imageHeight := r.BufferRowLength, r.BufferImageHeight
	if rowLength == 0 {
		rowLength = r.Extent.Width
	}
	if imageHeight == 0 {
		imageHeight = r.Extent.Height
	}
	l := copyLayout{
		offset:   r.BufferOffset,
		rowBytes: div(r.Extent.Width, b.BlockWidth) * b.Bpb,
		srcPitch: div(rowLength, b.BlockWidth) * b.Bpb,
		rows:     div(r.Extent.Height, b.BlockHeight),
		slices:   max(r.Extent.Depth, 1) * max(r.Subresource.LayerCount, 1),
	}
	l.srcSlice = uint64(l.srcPitch) * uint64(div(imageHeight, b.BlockHeight))
	l.paddedPitch = (l.rowBytes + copyPitchAlignment - 1) &^ (copyPitchAlignment - 1)
	return l, nil
}

func (l copyLayout) paddedSize() uint64 {
	return uint64(l.paddedPitch) * uint64(l.rows) * uint64(l.slices)
}

func (l copyLayout) srcEnd() uint64 {
	if l.rows == 0 || l.slices == 0 {
		return l.offset
	}
	return l.offset + uint64(l.slices-1)*l.srcSlice + uint64(l.rows-1)*uint64(l.srcPitch) + uint64(l.rowBytes)
}

func (l copyLayout) each(fn func(src uint64, padded uint64)) {
	for s := uint32(0); s < l.slices; s++ {
		for r := uint32(0); r < l.rows; r++ {
			src := l.offset + uint64(s)*l.srcSlice + uint64(r)*uint64(l.srcPitch)
			padded := (uint64(s)*uint64(l.rows) + uint64(r)) * uint64(l.paddedPitch)
			fn(src, padded)
		}
	}
}

// pack copies the region out of the host buffer src into padded rows.
func (l copyLayout) pack(src []byte) ([]byte, error) {
	if l.srcEnd() > uint64(len(src)) {
		return nil, fmt.Errorf("halhost: copy region ends at %d, buffer holds %d", l.srcEnd(), len(src))
	}
	out := make([]byte, l.paddedSize())
	l.each(func(s, p uint64) {
		copy(out[p:p+uint64(l.rowBytes)], src[s:s+uint64(l.rowBytes)])
	})
	return out, nil
}

// unpack copies padded rows back into the host buffer dst.
func (l copyLayout) unpack(dst, padded []byte) error {
	if l.srcEnd() > uint64(len(dst)) {
		return fmt.Errorf("halhost: copy region ends at %d, buffer holds %d", l.srcEnd(), len(dst))
	}
	if l.paddedSize() > uint64(len(padded)) {
		return fmt.Errorf("halhost: readback holds %d bytes, want %d", len(padded), l.paddedSize())
	}
	l.each(func(s, p uint64) {
		copy(dst[s:s+uint64(l.rowBytes)], padded[p:p+uint64(l.rowBytes)])
	})
	return nil
}
