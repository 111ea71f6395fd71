// Package bcn decodes BC1 through BC7 block-compressed texels into
// uncompressed formats for hosts that cannot sample them natively.
//
// Every format stores 4x4 texel blocks. BC1 and BC4 blocks are 8 bytes, the
// rest are 16 bytes. Blocks are read in row-major order and the decoded
// texels are written tightly packed, clipped to the image size.
package bcn

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Format identifies a block-compressed encoding.
type Format uint8

// Supported block-compressed formats.
const (
	BC1 Format = iota + 1
	BC2
	BC3
	BC4U
	BC4S
	BC5U
	BC5S
	BC6HU
	BC6HS
	BC7
)

// ErrShortBuffer is returned when src or dst cannot hold the image.
var ErrShortBuffer = errors.New("bcn: buffer too small")

// ErrUnknownFormat is returned for a Format outside the supported set.
var ErrUnknownFormat = errors.New("bcn: unknown format")

func (f Format) String() string {
	switch f {
	case BC1:
		return "BC1"
	case BC2:
		return "BC2"
	case BC3:
		return "BC3"
	case BC4U:
		return "BC4U"
	case BC4S:
		return "BC4S"
	case BC5U:
		return "BC5U"
	case BC5S:
		return "BC5S"
	case BC6HU:
		return "BC6HU"
	case BC6HS:
		return "BC6HS"
	case BC7:
		return "BC7"
	}
	return fmt.Sprintf("Format(%d)", uint8(f))
}

// BlockSize returns the size of one compressed 4x4 block in bytes.
func (f Format) BlockSize() int {
	switch f {
	case BC1, BC4U, BC4S:
		return 8
	case BC2, BC3, BC5U, BC5S, BC6HU, BC6HS, BC7:
		return 16
	}
	return 0
}

// DecodedTexelSize returns the size of one decoded texel in bytes:
// RGBA8 for BC1-3 and BC7, R8 for BC4, RG8 for BC5 and RGBA16F for BC6H.
func (f Format) DecodedTexelSize() int {
	switch f {
	case BC1, BC2, BC3, BC7:
		return 4
	case BC4U, BC4S:
		return 1
	case BC5U, BC5S:
		return 2
	case BC6HU, BC6HS:
		return 8
	}
	return 0
}

// EncodedSize returns the size of a compressed image.
func EncodedSize(f Format, width, height, depth uint32) uint64 {
	return uint64((width+3)/4) * uint64((height+3)/4) * uint64(depth) * uint64(f.BlockSize())
}

// DecodedSize returns the size of a decoded image.
func DecodedSize(f Format, width, height, depth uint32) uint64 {
	return uint64(width) * uint64(height) * uint64(depth) * uint64(f.DecodedTexelSize())
}

// Decode decompresses a width x height x depth image from src into dst.
func Decode(f Format, src []byte, width, height, depth uint32, dst []byte) error {
	bs := f.BlockSize()
	if bs == 0 {
		return fmt.Errorf("%w: %v", ErrUnknownFormat, f)
	}
	if need := EncodedSize(f, width, height, depth); uint64(len(src)) < need {
		return fmt.Errorf("%w: src has %d bytes, need %d", ErrShortBuffer, len(src), need)
	}
	if need := DecodedSize(f, width, height, depth); uint64(len(dst)) < need {
		return fmt.Errorf("%w: dst has %d bytes, need %d", ErrShortBuffer, len(dst), need)
	}

	texel := f.DecodedTexelSize()
	var block [16 * 8]byte // 16 texels of up to 8 bytes
	blocksX, blocksY := (width+3)/4, (height+3)/4
	rowPitch := int(width) * texel
	slicePitch := rowPitch * int(height)

	off := 0
	for z := 0; z < int(depth); z++ {
		for by := 0; by < int(blocksY); by++ {
			for bx := 0; bx < int(blocksX); bx++ {
				decodeBlock(f, src[off:off+bs], block[:16*texel])
				off += bs

				for py := 0; py < 4; py++ {
					y := by*4 + py
					if y >= int(height) {
						break
					}
					for px := 0; px < 4; px++ {
						x := bx*4 + px
						if x >= int(width) {
							break
						}
						d := z*slicePitch + y*rowPitch + x*texel
						s := (py*4 + px) * texel
						copy(dst[d:d+texel], block[s:s+texel])
					}
				}
			}
		}
	}
	return nil
}

func decodeBlock(f Format, src, out []byte) {
	switch f {
	case BC1:
		decodeColor(src, out, true)
	case BC2:
		decodeColor(src[8:], out, false)
		decodeExplicitAlpha(src[:8], out)
	case BC3:
		decodeColor(src[8:], out, false)
		var a [16]byte
		decodeChannel(src[:8], a[:], false)
		for i := range a {
			out[i*4+3] = a[i]
		}
	case BC4U, BC4S:
		decodeChannel(src, out, f == BC4S)
	case BC5U, BC5S:
		var r, g [16]byte
		decodeChannel(src[:8], r[:], f == BC5S)
		decodeChannel(src[8:], g[:], f == BC5S)
		for i := range r {
			out[i*2] = r[i]
			out[i*2+1] = g[i]
		}
	case BC6HU, BC6HS:
		decodeBC6H(src, out, f == BC6HS)
	case BC7:
		decodeBC7(src, out)
	}
}

func le16(b []byte) uint16 { return binary.LittleEndian.Uint16(b) }
func le32(b []byte) uint32 { return binary.LittleEndian.Uint32(b) }
func le64(b []byte) uint64 { return binary.LittleEndian.Uint64(b) }
