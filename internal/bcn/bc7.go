package bcn

type bc7Mode struct {
	subsets        int
	partitionBits  uint
	rotationBits   uint
	indexSelection uint
	colorBits      uint
	alphaBits      uint
	endpointPBits  bool
	sharedPBits    bool
	indexBits      uint
	indexBits2     uint
}

var bc7Modes = [8]bc7Mode{
	{subsets: 3, partitionBits: 4, colorBits: 4, endpointPBits: true, indexBits: 3},
	{subsets: 2, partitionBits: 6, colorBits: 6, sharedPBits: true, indexBits: 3},
	{subsets: 3, partitionBits: 6, colorBits: 5, indexBits: 2},
	{subsets: 2, partitionBits: 6, colorBits: 7, endpointPBits: true, indexBits: 2},
	{subsets: 1, rotationBits: 2, indexSelection: 1, colorBits: 5, alphaBits: 6, indexBits: 2, indexBits2: 3},
	{subsets: 1, rotationBits: 2, colorBits: 7, alphaBits: 8, indexBits: 2, indexBits2: 2},
	{subsets: 1, colorBits: 7, alphaBits: 7, endpointPBits: true, indexBits: 4},
	{subsets: 2, partitionBits: 6, colorBits: 5, alphaBits: 5, endpointPBits: true, indexBits: 2},
}

func unquantize7(v int, bits uint) int {
	v <<= 8 - bits
	return v | v>>bits
}

// decodeBC7 expands one 16-byte block into 16 RGBA8 texels.
func decodeBC7(src, out []byte) {
	r := newBitReader(src)
	modeIndex := 0
	for modeIndex < 8 && r.bit() == 0 {
		modeIndex++
	}
	if modeIndex == 8 {
		clear(out[:64])
		return
	}
	m := bc7Modes[modeIndex]

	partition := r.read(m.partitionBits)
	rotation := r.read(m.rotationBits)
	selection := r.read(m.indexSelection)

	// endpoints[subset*2+i][channel]
	var endpoints [6][4]int
	n := m.subsets * 2
	for c := range 3 {
		for e := range n {
			endpoints[e][c] = r.read(m.colorBits)
		}
	}
	if m.alphaBits > 0 {
		for e := range n {
			endpoints[e][3] = r.read(m.alphaBits)
		}
	}

	colorBits, alphaBits := m.colorBits, m.alphaBits
	switch {
	case m.endpointPBits:
		for e := range n {
			p := r.read(1)
			for c := range 4 {
				endpoints[e][c] = endpoints[e][c]<<1 | p
			}
		}
		colorBits++
		if alphaBits > 0 {
			alphaBits++
		}
	case m.sharedPBits:
		for s := range m.subsets {
			p := r.read(1)
			for e := s * 2; e < s*2+2; e++ {
				for c := range 4 {
					endpoints[e][c] = endpoints[e][c]<<1 | p
				}
			}
		}
		colorBits++
	}

	for e := range n {
		for c := range 3 {
			endpoints[e][c] = unquantize7(endpoints[e][c], colorBits)
		}
		if alphaBits > 0 {
			endpoints[e][3] = unquantize7(endpoints[e][3], alphaBits)
		} else {
			endpoints[e][3] = 255
		}
	}

	var primary, secondary [16]int
	for i := range 16 {
		bits := m.indexBits
		if isAnchor(m.subsets, partition, i) {
			bits--
		}
		primary[i] = r.read(bits)
	}
	if m.indexBits2 > 0 {
		for i := range 16 {
			bits := m.indexBits2
			if i == 0 {
				bits--
			}
			secondary[i] = r.read(bits)
		}
	}

	for i := range 16 {
		s := subsetOf(m.subsets, partition, i)
		e0, e1 := endpoints[s*2], endpoints[s*2+1]

		colorIdx, colorW := primary[i], weightsFor(m.indexBits)
		alphaIdx, alphaW := primary[i], colorW
		if m.indexBits2 > 0 {
			alphaIdx, alphaW = secondary[i], weightsFor(m.indexBits2)
			if selection == 1 {
				colorIdx, alphaIdx = alphaIdx, colorIdx
				colorW, alphaW = alphaW, colorW
			}
		}

		var px [4]int
		for c := range 3 {
			px[c] = interpolate(e0[c], e1[c], colorW[colorIdx])
		}
		px[3] = interpolate(e0[3], e1[3], alphaW[alphaIdx])
		if rotation > 0 {
			px[3], px[rotation-1] = px[rotation-1], px[3]
		}
		for c := range 4 {
			out[i*4+c] = byte(px[c])
		}
	}
}
