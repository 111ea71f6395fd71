package bcn

import (
	"encoding/binary"
	"errors"
	"testing"
)

// bitWriter packs little-endian bit fields the way block decoders read them.
type bitWriter struct {
	buf [16]byte
	pos uint
}

func (w *bitWriter) write(v uint64, n uint) {
	for i := uint(0); i < n; i++ {
		if v>>i&1 != 0 {
			w.buf[w.pos/8] |= 1 << (w.pos % 8)
		}
		w.pos++
	}
}

func bc1Block(c0, c1 uint16, indices uint32) []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint16(b[0:], c0)
	binary.LittleEndian.PutUint16(b[2:], c1)
	binary.LittleEndian.PutUint32(b[4:], indices)
	return b
}

func TestBC1Palette(t *testing.T) {
	// texel 0 -> index 0, texel 1 -> index 1, texel 2 -> index 2, texel 3 -> index 3
	src := bc1Block(0xF800, 0x001F, 0b11_10_01_00)
	dst := make([]byte, 4*4*4)
	if err := Decode(BC1, src, 4, 4, 1, dst); err != nil {
		t.Fatalf("Decode: %v", err)
	}

	tests := []struct {
		texel int
		want  [4]byte
	}{
		{0, [4]byte{255, 0, 0, 255}},
		{1, [4]byte{0, 0, 255, 255}},
		{2, [4]byte{170, 0, 85, 255}},
		{3, [4]byte{85, 0, 170, 255}},
		{4, [4]byte{255, 0, 0, 255}},
	}
	for _, tt := range tests {
		var got [4]byte
		copy(got[:], dst[tt.texel*4:])
		if got != tt.want {
			t.Errorf("texel %d = %v, want %v", tt.texel, got, tt.want)
		}
	}
}

func TestBC1PunchThrough(t *testing.T) {
	src := bc1Block(0x001F, 0xF800, 3) // c0 <= c1, texel 0 uses the transparent entry
	dst := make([]byte, 64)
	if err := Decode(BC1, src, 4, 4, 1, dst); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got := [4]byte(dst[:4]); got != [4]byte{} {
		t.Errorf("texel 0 = %v, want transparent black", got)
	}
}

func TestBC4Endpoints(t *testing.T) {
	src := make([]byte, 8)
	src[0], src[1] = 200, 100
	// 3-bit codes start at bit 16: texel 0 -> 0, texel 1 -> 1
	binary.LittleEndian.PutUint16(src[2:], 1<<3)
	dst := make([]byte, 16)
	if err := Decode(BC4U, src, 4, 4, 1, dst); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if dst[0] != 200 || dst[1] != 100 {
		t.Errorf("texels = %d, %d, want 200, 100", dst[0], dst[1])
	}
}

func TestBC2ExplicitAlpha(t *testing.T) {
	src := make([]byte, 16)
	src[0] = 0x0F // texel 0 alpha 15, texel 1 alpha 0
	copy(src[8:], bc1Block(0xFFFF, 0, 0))
	dst := make([]byte, 64)
	if err := Decode(BC2, src, 4, 4, 1, dst); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if dst[3] != 255 || dst[7] != 0 {
		t.Errorf("alpha = %d, %d, want 255, 0", dst[3], dst[7])
	}
}

func TestBC7Mode6(t *testing.T) {
	var w bitWriter
	w.write(1<<6, 7)
	for range 4 { // R, G, B, A
		w.write(0x20, 7)
		w.write(0x7F, 7)
	}
	w.write(0, 1) // p-bit endpoint 0
	w.write(1, 1) // p-bit endpoint 1
	w.write(0, 3) // anchor texel
	w.write(15, 4)
	for range 14 {
		w.write(0, 4)
	}
	if w.pos != 128 {
		t.Fatalf("block has %d bits", w.pos)
	}

	dst := make([]byte, 64)
	if err := Decode(BC7, w.buf[:], 4, 4, 1, dst); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got := [4]byte(dst[0:4]); got != [4]byte{0x40, 0x40, 0x40, 0x40} {
		t.Errorf("texel 0 = %#v", got)
	}
	if got := [4]byte(dst[4:8]); got != [4]byte{0xFF, 0xFF, 0xFF, 0xFF} {
		t.Errorf("texel 1 = %#v", got)
	}
}

func TestBC7ReservedMode(t *testing.T) {
	src := make([]byte, 16)
	src[1] = 0xFF
	dst := make([]byte, 64)
	for i := range dst {
		dst[i] = 0xAA
	}
	if err := Decode(BC7, src, 4, 4, 1, dst); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	for i, b := range dst {
		if b != 0 {
			t.Fatalf("byte %d = %#x, want 0", i, b)
		}
	}
}

func TestBC6HMode11(t *testing.T) {
	var w bitWriter
	w.write(0x03, 5)
	for range 3 {
		w.write(0, 10)
	}
	for range 3 {
		w.write(1023, 10)
	}
	w.write(0, 3)
	w.write(15, 4)
	for range 14 {
		w.write(0, 4)
	}
	if w.pos != 128 {
		t.Fatalf("block has %d bits", w.pos)
	}

	dst := make([]byte, 16*8)
	if err := Decode(BC6HU, w.buf[:], 4, 4, 1, dst); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	half := func(texel, c int) uint16 { return binary.LittleEndian.Uint16(dst[texel*8+c*2:]) }
	for c := range 3 {
		if got := half(0, c); got != 0 {
			t.Errorf("texel 0 channel %d = %#x, want 0", c, got)
		}
		if got := half(1, c); got != 0x7BFF {
			t.Errorf("texel 1 channel %d = %#x, want 0x7bff", c, got)
		}
	}
	if got := half(1, 3); got != halfOne {
		t.Errorf("alpha = %#x, want %#x", got, halfOne)
	}
}

func TestDecodeClipsToImage(t *testing.T) {
	src := append(bc1Block(0xF800, 0, 0), bc1Block(0x07E0, 0, 0)...)
	dst := make([]byte, 6*2*4)
	if err := Decode(BC1, src, 6, 2, 1, dst); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got := [4]byte(dst[3*4:]); got != [4]byte{255, 0, 0, 255} {
		t.Errorf("x=3 = %v, want red", got)
	}
	if got := [4]byte(dst[4*4:]); got != [4]byte{0, 255, 0, 255} {
		t.Errorf("x=4 = %v, want green", got)
	}
	if got := [4]byte(dst[(6+5)*4:]); got != [4]byte{0, 255, 0, 255} {
		t.Errorf("(5,1) = %v, want green", got)
	}
}

func TestDecodeErrors(t *testing.T) {
	if err := Decode(BC1, make([]byte, 4), 4, 4, 1, make([]byte, 64)); !errors.Is(err, ErrShortBuffer) {
		t.Errorf("short src: err = %v", err)
	}
	if err := Decode(BC1, make([]byte, 8), 4, 4, 1, make([]byte, 10)); !errors.Is(err, ErrShortBuffer) {
		t.Errorf("short dst: err = %v", err)
	}
	if err := Decode(Format(0), nil, 4, 4, 1, nil); !errors.Is(err, ErrUnknownFormat) {
		t.Errorf("unknown format: err = %v", err)
	}
}

func TestSizes(t *testing.T) {
	if got := EncodedSize(BC7, 5, 5, 1); got != 4*16 {
		t.Errorf("EncodedSize = %d", got)
	}
	if got := DecodedSize(BC6HS, 5, 5, 2); got != 5*5*2*8 {
		t.Errorf("DecodedSize = %d", got)
	}
	if BC5S.String() != "BC5S" || Format(99).String() != "Format(99)" {
		t.Error("String mismatch")
	}
}
