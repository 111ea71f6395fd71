package bcn

// expand565 widens a 5:6:5 color to 8 bits per channel.
func expand565(c uint16) (r, g, b int) {
	r = int(c>>11) & 0x1F
	g = int(c>>5) & 0x3F
	b = int(c) & 0x1F
	return r<<3 | r>>2, g<<2 | g>>4, b<<3 | b>>2
}

// decodeColor decodes the 8-byte color part shared by BC1, BC2 and BC3 into
// 16 RGBA8 texels. Only BC1 honours the three-color punch-through mode.
func decodeColor(src, out []byte, punchThrough bool) {
	c0, c1 := le16(src[0:]), le16(src[2:])
	indices := le32(src[4:])

	var palette [4][4]int
	r0, g0, b0 := expand565(c0)
	r1, g1, b1 := expand565(c1)
	palette[0] = [4]int{r0, g0, b0, 255}
	palette[1] = [4]int{r1, g1, b1, 255}
	if c0 > c1 || !punchThrough {
		palette[2] = [4]int{(2*r0 + r1) / 3, (2*g0 + g1) / 3, (2*b0 + b1) / 3, 255}
		palette[3] = [4]int{(r0 + 2*r1) / 3, (g0 + 2*g1) / 3, (b0 + 2*b1) / 3, 255}
	} else {
		palette[2] = [4]int{(r0 + r1) / 2, (g0 + g1) / 2, (b0 + b1) / 2, 255}
		palette[3] = [4]int{0, 0, 0, 0}
	}

	for i := 0; i < 16; i++ {
		p := palette[(indices>>(2*i))&3]
		out[i*4+0] = byte(p[0])
		out[i*4+1] = byte(p[1])
		out[i*4+2] = byte(p[2])
		out[i*4+3] = byte(p[3])
	}
}

// decodeExplicitAlpha applies the 4-bit alpha values of a BC2 block.
func decodeExplicitAlpha(src, out []byte) {
	alpha := le64(src)
	for i := 0; i < 16; i++ {
		out[i*4+3] = byte((alpha>>(4*i))&0xF) * 17
	}
}

// decodeChannel decodes a single interpolated channel as used by the BC3
// alpha block, BC4 and both halves of BC5. Signed values are written as
// two's complement bytes.
func decodeChannel(src, out []byte, signed bool) {
	codes := le64(src) >> 16

	var palette [8]int
	if signed {
		e0, e1 := max(int(int8(src[0])), -127), max(int(int8(src[1])), -127)
		palette[0], palette[1] = e0, e1
		if e0 > e1 {
			for c := 2; c < 8; c++ {
				palette[c] = ((8-c)*e0 + (c-1)*e1) / 7
			}
		} else {
			for c := 2; c < 6; c++ {
				palette[c] = ((6-c)*e0 + (c-1)*e1) / 5
			}
			palette[6], palette[7] = -127, 127
		}
	} else {
		e0, e1 := int(src[0]), int(src[1])
		palette[0], palette[1] = e0, e1
		if e0 > e1 {
			for c := 2; c < 8; c++ {
				palette[c] = ((8-c)*e0 + (c-1)*e1 + 3) / 7
			}
		} else {
			for c := 2; c < 6; c++ {
				palette[c] = ((6-c)*e0 + (c-1)*e1 + 2) / 5
			}
			palette[6], palette[7] = 0, 255
		}
	}

	for i := 0; i < 16; i++ {
		out[i] = byte(palette[(codes>>(3*i))&7])
	}
}
