// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

package host

// FormatBlock describes the storage of a host format.
type FormatBlock struct {
	Bpb         uint32 // bytes per block
	BlockWidth  uint32
	BlockHeight uint32
	Aspect      ImageAspect
}

var formatBlocks = map[Format]FormatBlock{
	FormatR5G6B5UnormPack16:      {2, 1, 1, AspectColor},
	FormatR8Unorm:                {1, 1, 1, AspectColor},
	FormatR8Snorm:                {1, 1, 1, AspectColor},
	FormatR8Uint:                 {1, 1, 1, AspectColor},
	FormatR8Sint:                 {1, 1, 1, AspectColor},
	FormatR8G8Unorm:              {2, 1, 1, AspectColor},
	FormatR8G8Snorm:              {2, 1, 1, AspectColor},
	FormatR8G8Uint:               {2, 1, 1, AspectColor},
	FormatR8G8B8A8Unorm:          {4, 1, 1, AspectColor},
	FormatR8G8B8A8Snorm:          {4, 1, 1, AspectColor},
	FormatR8G8B8A8Uint:           {4, 1, 1, AspectColor},
	FormatR8G8B8A8Sint:           {4, 1, 1, AspectColor},
	FormatR8G8B8A8Srgb:           {4, 1, 1, AspectColor},
	FormatB8G8R8A8Unorm:          {4, 1, 1, AspectColor},
	FormatB8G8R8A8Srgb:           {4, 1, 1, AspectColor},
	FormatA2B10G10R10UnormPack32: {4, 1, 1, AspectColor},
	FormatR16Unorm:               {2, 1, 1, AspectColor},
	FormatR16Uint:                {2, 1, 1, AspectColor},
	FormatR16Sfloat:              {2, 1, 1, AspectColor},
	FormatR16G16Unorm:            {4, 1, 1, AspectColor},
	FormatR16G16Sfloat:           {4, 1, 1, AspectColor},
	FormatR16G16B16A16Unorm:      {8, 1, 1, AspectColor},
	FormatR16G16B16A16Uint:       {8, 1, 1, AspectColor},
	FormatR16G16B16A16Sfloat:     {8, 1, 1, AspectColor},
	FormatR32Uint:                {4, 1, 1, AspectColor},
	FormatR32Sint:                {4, 1, 1, AspectColor},
	FormatR32Sfloat:              {4, 1, 1, AspectColor},
	FormatR32G32Uint:             {8, 1, 1, AspectColor},
	FormatR32G32Sfloat:           {8, 1, 1, AspectColor},
	FormatR32G32B32Sfloat:        {12, 1, 1, AspectColor},
	FormatR32G32B32A32Uint:       {16, 1, 1, AspectColor},
	FormatR32G32B32A32Sfloat:     {16, 1, 1, AspectColor},
	FormatB10G11R11UfloatPack32:  {4, 1, 1, AspectColor},
	FormatE5B9G9R9UfloatPack32:   {4, 1, 1, AspectColor},
	FormatD16Unorm:               {2, 1, 1, AspectDepth},
	FormatX8D24UnormPack32:       {4, 1, 1, AspectDepth},
	FormatD32Sfloat:              {4, 1, 1, AspectDepth},
	FormatS8Uint:                 {1, 1, 1, AspectStencil},
	FormatD24UnormS8Uint:         {4, 1, 1, AspectDepth | AspectStencil},
	FormatD32SfloatS8Uint:        {8, 1, 1, AspectDepth | AspectStencil},
	FormatBC1RGBAUnormBlock:      {8, 4, 4, AspectColor},
	FormatBC1RGBASrgbBlock:       {8, 4, 4, AspectColor},
	FormatBC2UnormBlock:          {16, 4, 4, AspectColor},
	FormatBC2SrgbBlock:           {16, 4, 4, AspectColor},
	FormatBC3UnormBlock:          {16, 4, 4, AspectColor},
	FormatBC3SrgbBlock:           {16, 4, 4, AspectColor},
	FormatBC4UnormBlock:          {8, 4, 4, AspectColor},
	FormatBC4SnormBlock:          {8, 4, 4, AspectColor},
	FormatBC5UnormBlock:          {16, 4, 4, AspectColor},
	FormatBC5SnormBlock:          {16, 4, 4, AspectColor},
	FormatBC6HUfloatBlock:        {16, 4, 4, AspectColor},
	FormatBC6HSfloatBlock:        {16, 4, 4, AspectColor},
	FormatBC7UnormBlock:          {16, 4, 4, AspectColor},
	FormatBC7SrgbBlock:           {16, 4, 4, AspectColor},
	FormatASTC4x4UnormBlock:      {16, 4, 4, AspectColor},
	FormatASTC4x4SrgbBlock:       {16, 4, 4, AspectColor},
	FormatASTC8x8UnormBlock:      {16, 8, 8, AspectColor},
	FormatASTC8x8SrgbBlock:       {16, 8, 8, AspectColor},
}

// Block returns the storage description of f and whether f is known.
func (f Format) Block() (FormatBlock, bool) {
	b, ok := formatBlocks[f]
	return b, ok
}

// IsCompressed reports whether f stores texels in blocks larger than 1x1.
func (f Format) IsCompressed() bool {
	b := formatBlocks[f]
	return b.BlockWidth > 1 || b.BlockHeight > 1
}

// IsBCn reports whether f is one of the BC1-BC7 formats.
func (f Format) IsBCn() bool {
	return f >= FormatBC1RGBAUnormBlock && f <= FormatBC7SrgbBlock
}

// IsASTC reports whether f is an ASTC format.
func (f Format) IsASTC() bool {
	return f >= FormatASTC4x4UnormBlock && f <= 184
}

// SubresourceSize returns the tightly packed size of a width x height x depth
// subresource of f.
func (f Format) SubresourceSize(e Extent3D) uint64 {
	b, ok := formatBlocks[f]
	if !ok {
		return 0
	}
	bw := (e.Width + b.BlockWidth - 1) / b.BlockWidth
	bh := (e.Height + b.BlockHeight - 1) / b.BlockHeight
	return uint64(bw) * uint64(bh) * uint64(max(e.Depth, 1)) * uint64(b.Bpb)
}
