package bcn

import "encoding/binary"

// bc6hField places count stream bits into bit lsb of one endpoint channel.
// Reversed fields store their most significant bit first.
type bc6hField struct {
	endpoint, channel int
	lsb, count        uint
	reversed          bool
}

type bc6hMode struct {
	regions     int
	precision   uint
	delta       [3]uint
	transformed bool
	fields      []bc6hField
}

const (
	chR = iota
	chG
	chB
)

func fld(ep, ch int, lsb, count uint) bc6hField { return bc6hField{ep, ch, lsb, count, false} }

func rev(ep, ch int, lsb, count uint) bc6hField { return bc6hField{ep, ch, lsb, count, true} }

// bc6hModes is keyed by the raw mode value: two bits for values 0 and 1,
// five bits otherwise.
var bc6hModes = map[int]*bc6hMode{
	0x00: {2, 10, [3]uint{5, 5, 5}, true, []bc6hField{
		fld(2, chG, 4, 1), fld(2, chB, 4, 1), fld(3, chB, 4, 1), fld(0, chR, 0, 10), fld(0, chG, 0, 10), fld(0, chB, 0, 10),
		fld(1, chR, 0, 5), fld(3, chG, 4, 1), fld(2, chG, 0, 4), fld(1, chG, 0, 5), fld(3, chB, 0, 1), fld(3, chG, 0, 4),
		fld(1, chB, 0, 5), fld(3, chB, 1, 1), fld(2, chB, 0, 4), fld(2, chR, 0, 5), fld(3, chB, 2, 1), fld(3, chR, 0, 5), fld(3, chB, 3, 1),
	}},
	0x01: {2, 7, [3]uint{6, 6, 6}, true, []bc6hField{
		fld(2, chG, 5, 1), fld(3, chG, 4, 1), fld(3, chG, 5, 1), fld(0, chR, 0, 7), fld(3, chB, 0, 1), fld(3, chB, 1, 1),
		fld(2, chB, 4, 1), fld(0, chG, 0, 7), fld(2, chB, 5, 1), fld(3, chB, 2, 1), fld(2, chG, 4, 1), fld(0, chB, 0, 7),
		fld(3, chB, 3, 1), fld(3, chB, 5, 1), fld(3, chB, 4, 1), fld(1, chR, 0, 6), fld(2, chG, 0, 4), fld(1, chG, 0, 6),
		fld(3, chG, 0, 4), fld(1, chB, 0, 6), fld(2, chB, 0, 4), fld(2, chR, 0, 6), fld(3, chR, 0, 6),
	}},
	0x02: {2, 11, [3]uint{5, 4, 4}, true, []bc6hField{
		fld(0, chR, 0, 10), fld(0, chG, 0, 10), fld(0, chB, 0, 10), fld(1, chR, 0, 5), fld(0, chR, 10, 1), fld(2, chG, 0, 4),
		fld(1, chG, 0, 4), fld(0, chG, 10, 1), fld(3, chB, 0, 1), fld(3, chG, 0, 4), fld(1, chB, 0, 4), fld(0, chB, 10, 1),
		fld(3, chB, 1, 1), fld(2, chB, 0, 4), fld(2, chR, 0, 5), fld(3, chB, 2, 1), fld(3, chR, 0, 5), fld(3, chB, 3, 1),
	}},
	0x06: {2, 11, [3]uint{4, 5, 4}, true, []bc6hField{
		fld(0, chR, 0, 10), fld(0, chG, 0, 10), fld(0, chB, 0, 10), fld(1, chR, 0, 4), fld(0, chR, 10, 1), fld(3, chG, 4, 1),
		fld(2, chG, 0, 4), fld(1, chG, 0, 5), fld(0, chG, 10, 1), fld(3, chG, 0, 4), fld(1, chB, 0, 4), fld(0, chB, 10, 1),
		fld(3, chB, 1, 1), fld(2, chB, 0, 4), fld(2, chR, 0, 4), fld(3, chB, 0, 1), fld(3, chB, 2, 1), fld(3, chR, 0, 4),
		fld(2, chG, 4, 1), fld(3, chB, 3, 1),
	}},
	0x0A: {2, 11, [3]uint{4, 4, 5}, true, []bc6hField{
		fld(0, chR, 0, 10), fld(0, chG, 0, 10), fld(0, chB, 0, 10), fld(1, chR, 0, 4), fld(0, chR, 10, 1), fld(2, chB, 4, 1),
		fld(2, chG, 0, 4), fld(1, chG, 0, 4), fld(0, chG, 10, 1), fld(3, chB, 0, 1), fld(3, chG, 0, 4), fld(1, chB, 0, 5),
		fld(0, chB, 10, 1), fld(2, chB, 0, 4), fld(2, chR, 0, 4), fld(3, chB, 1, 1), fld(3, chB, 2, 1), fld(3, chR, 0, 4),
		fld(3, chB, 4, 1), fld(3, chB, 3, 1),
	}},
	0x0E: {2, 9, [3]uint{5, 5, 5}, true, []bc6hField{
		fld(0, chR, 0, 9), fld(2, chB, 4, 1), fld(0, chG, 0, 9), fld(2, chG, 4, 1), fld(0, chB, 0, 9), fld(3, chB, 4, 1),
		fld(1, chR, 0, 5), fld(3, chG, 4, 1), fld(2, chG, 0, 4), fld(1, chG, 0, 5), fld(3, chB, 0, 1), fld(3, chG, 0, 4),
		fld(1, chB, 0, 5), fld(3, chB, 1, 1), fld(2, chB, 0, 4), fld(2, chR, 0, 5), fld(3, chB, 2, 1), fld(3, chR, 0, 5), fld(3, chB, 3, 1),
	}},
	0x12: {2, 8, [3]uint{6, 5, 5}, true, []bc6hField{
		fld(0, chR, 0, 8), fld(3, chG, 4, 1), fld(2, chB, 4, 1), fld(0, chG, 0, 8), fld(3, chB, 2, 1), fld(2, chG, 4, 1),
		fld(0, chB, 0, 8), fld(3, chB, 3, 1), fld(3, chB, 4, 1), fld(1, chR, 0, 6), fld(2, chG, 0, 4), fld(1, chG, 0, 5),
		fld(3, chB, 0, 1), fld(3, chG, 0, 4), fld(1, chB, 0, 5), fld(3, chB, 1, 1), fld(2, chB, 0, 4), fld(2, chR, 0, 6), fld(3, chR, 0, 6),
	}},
	0x16: {2, 8, [3]uint{5, 6, 5}, true, []bc6hField{
		fld(0, chR, 0, 8), fld(3, chB, 0, 1), fld(2, chB, 4, 1), fld(0, chG, 0, 8), fld(2, chG, 5, 1), fld(2, chG, 4, 1),
		fld(0, chB, 0, 8), fld(3, chG, 5, 1), fld(3, chB, 4, 1), fld(1, chR, 0, 5), fld(3, chG, 4, 1), fld(2, chG, 0, 4),
		fld(1, chG, 0, 6), fld(3, chG, 0, 4), fld(1, chB, 0, 5), fld(3, chB, 1, 1), fld(2, chB, 0, 4), fld(2, chR, 0, 5),
		fld(3, chB, 2, 1), fld(3, chR, 0, 5), fld(3, chB, 3, 1),
	}},
	0x1A: {2, 8, [3]uint{5, 5, 6}, true, []bc6hField{
		fld(0, chR, 0, 8), fld(3, chB, 1, 1), fld(2, chB, 4, 1), fld(0, chG, 0, 8), fld(2, chB, 5, 1), fld(2, chG, 4, 1),
		fld(0, chB, 0, 8), fld(3, chB, 5, 1), fld(3, chB, 4, 1), fld(1, chR, 0, 5), fld(3, chG, 4, 1), fld(2, chG, 0, 4),
		fld(1, chG, 0, 5), fld(3, chB, 0, 1), fld(3, chG, 0, 4), fld(1, chB, 0, 6), fld(2, chB, 0, 4), fld(2, chR, 0, 5),
		fld(3, chB, 2, 1), fld(3, chR, 0, 5), fld(3, chB, 3, 1),
	}},
	0x1E: {2, 6, [3]uint{6, 6, 6}, false, []bc6hField{
		fld(0, chR, 0, 6), fld(3, chG, 4, 1), fld(3, chB, 0, 1), fld(3, chB, 1, 1), fld(2, chB, 4, 1), fld(0, chG, 0, 6),
		fld(2, chG, 5, 1), fld(2, chB, 5, 1), fld(3, chB, 2, 1), fld(2, chG, 4, 1), fld(0, chB, 0, 6), fld(3, chG, 5, 1),
		fld(3, chB, 3, 1), fld(3, chB, 5, 1), fld(3, chB, 4, 1), fld(1, chR, 0, 6), fld(2, chG, 0, 4), fld(1, chG, 0, 6),
		fld(3, chG, 0, 4), fld(1, chB, 0, 6), fld(2, chB, 0, 4), fld(2, chR, 0, 6), fld(3, chR, 0, 6),
	}},
	0x03: {1, 10, [3]uint{10, 10, 10}, false, []bc6hField{
		fld(0, chR, 0, 10), fld(0, chG, 0, 10), fld(0, chB, 0, 10), fld(1, chR, 0, 10), fld(1, chG, 0, 10), fld(1, chB, 0, 10),
	}},
	0x07: {1, 11, [3]uint{9, 9, 9}, true, []bc6hField{
		fld(0, chR, 0, 10), fld(0, chG, 0, 10), fld(0, chB, 0, 10), fld(1, chR, 0, 9), fld(0, chR, 10, 1),
		fld(1, chG, 0, 9), fld(0, chG, 10, 1), fld(1, chB, 0, 9), fld(0, chB, 10, 1),
	}},
	0x0B: {1, 12, [3]uint{8, 8, 8}, true, []bc6hField{
		fld(0, chR, 0, 10), fld(0, chG, 0, 10), fld(0, chB, 0, 10), fld(1, chR, 0, 8), rev(0, chR, 10, 2),
		fld(1, chG, 0, 8), rev(0, chG, 10, 2), fld(1, chB, 0, 8), rev(0, chB, 10, 2),
	}},
	0x0F: {1, 16, [3]uint{4, 4, 4}, true, []bc6hField{
		fld(0, chR, 0, 10), fld(0, chG, 0, 10), fld(0, chB, 0, 10), fld(1, chR, 0, 4), rev(0, chR, 10, 6),
		fld(1, chG, 0, 4), rev(0, chG, 10, 6), fld(1, chB, 0, 4), rev(0, chB, 10, 6),
	}},
}

const halfOne = 0x3C00

func signExtend(v int, bits uint) int {
	shift := 32 - bits
	return int(int32(uint32(v)<<shift) >> shift)
}

func unquantize6(v int, bits uint, signed bool) int {
	if !signed {
		switch {
		case bits >= 15:
			return v
		case v == 0:
			return 0
		case v == 1<<bits-1:
			return 0xFFFF
		}
		return (v<<16 + 0x8000) >> bits
	}
	if bits >= 16 {
		return v
	}
	neg := v < 0
	if neg {
		v = -v
	}
	var u int
	switch {
	case v == 0:
	case v >= 1<<(bits-1)-1:
		u = 0x7FFF
	default:
		u = (v<<15 + 0x4000) >> (bits - 1)
	}
	if neg {
		return -u
	}
	return u
}

// finishUnquantize scales an interpolated value to half-float bits.
func finishUnquantize(v int, signed bool) uint16 {
	if !signed {
		return uint16(v * 31 >> 6)
	}
	if v < 0 {
		return 0x8000 | uint16((-v)*31>>5)
	}
	return uint16(v * 31 >> 5)
}

// decodeBC6H expands one 16-byte block into 16 RGBA16F texels.
func decodeBC6H(src, out []byte, signed bool) {
	r := newBitReader(src)
	code := r.read(2)
	if code > 1 {
		code |= r.read(3) << 2
	}
	m, ok := bc6hModes[code]
	if !ok {
		for i := range 16 {
			binary.LittleEndian.PutUint64(out[i*8:], uint64(halfOne)<<48)
		}
		return
	}

	var e [4][3]int
	for _, fd := range m.fields {
		if !fd.reversed {
			e[fd.endpoint][fd.channel] |= r.read(fd.count) << fd.lsb
			continue
		}
		for i := uint(0); i < fd.count; i++ {
			e[fd.endpoint][fd.channel] |= int(r.bit()) << (fd.lsb + fd.count - 1 - i)
		}
	}
	partition := 0
	if m.regions == 2 {
		partition = r.read(5)
	}

	n := m.regions * 2
	mask := 1<<m.precision - 1
	for c := range 3 {
		if signed {
			e[0][c] = signExtend(e[0][c], m.precision)
		}
		for i := 1; i < n; i++ {
			if m.transformed {
				d := signExtend(e[i][c], m.delta[c])
				e[i][c] = (e[0][c] + d) & mask
				if signed {
					e[i][c] = signExtend(e[i][c], m.precision)
				}
			} else if signed {
				e[i][c] = signExtend(e[i][c], m.precision)
			}
		}
		for i := range n {
			e[i][c] = unquantize6(e[i][c], m.precision, signed)
		}
	}

	indexBits := uint(4)
	if m.regions == 2 {
		indexBits = 3
	}
	weights := weightsFor(indexBits)
	for i := range 16 {
		bits := indexBits
		if isAnchor(m.regions, partition, i) {
			bits--
		}
		w := weights[r.read(bits)]
		s := subsetOf(m.regions, partition, i)
		px := out[i*8 : i*8+8]
		for c := range 3 {
			v := interpolate(e[s*2][c], e[s*2+1][c], w)
			binary.LittleEndian.PutUint16(px[c*2:], finishUnquantize(v, signed))
		}
		binary.LittleEndian.PutUint16(px[6:], halfOne)
	}
}
