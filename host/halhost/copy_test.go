package halhost

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gogpu/guestgpu/host"
)

func TestCopyLayoutPadsRows(t *testing.T) {
	l, err := newCopyLayout(host.FormatR8G8B8A8Unorm, host.BufferImageCopy{
		BufferOffset: 16,
		Subresource:  host.SubresourceLayers{Aspect: host.AspectColor, LayerCount: 1},
		Extent:       host.Extent3D{Width: 3, Height: 2, Depth: 1},
	})
	require.NoError(t, err)
	assert.Equal(t, uint32(12), l.rowBytes)
	assert.Equal(t, uint32(12), l.srcPitch)
	assert.Equal(t, uint32(256), l.paddedPitch)
	assert.Equal(t, uint64(512), l.paddedSize())
	assert.Equal(t, uint64(16+24), l.srcEnd())

	src := make([]byte, 40)
	for i := range src {
		src[i] = byte(i)
	}
	padded, err := l.pack(src)
	require.NoError(t, err)
	assert.Equal(t, src[16:28], padded[0:12])
	assert.Equal(t, src[28:40], padded[256:268])
	assert.Equal(t, make([]byte, 12), padded[12:24])

	dst := make([]byte, 40)
	require.NoError(t, l.unpack(dst, padded))
	assert.Equal(t, src[16:], dst[16:])
	assert.Equal(t, make([]byte, 16), dst[:16])
}

func TestCopyLayoutBlocksAndLayers(t *testing.T) {
	l, err := newCopyLayout(host.FormatBC1RGBAUnormBlock, host.BufferImageCopy{
		BufferRowLength:   16,
		BufferImageHeight: 12,
		Subresource:       host.SubresourceLayers{Aspect: host.AspectColor, LayerCount: 2},
		Extent:            host.Extent3D{Width: 8, Height: 8, Depth: 1},
	})
	require.NoError(t, err)
	assert.Equal(t, uint32(16), l.rowBytes, "two 8-byte blocks")
	assert.Equal(t, uint32(32), l.srcPitch, "row length of four blocks")
	assert.Equal(t, uint64(32*3), l.srcSlice, "image height of three block rows")
	assert.Equal(t, uint32(2), l.rows)
	assert.Equal(t, uint32(2), l.slices)

	var offsets []uint64
	l.each(func(src, _ uint64) { offsets = append(offsets, src) })
	assert.Equal(t, []uint64{0, 32, 96, 128}, offsets)
}

func TestCopyLayoutRejects(t *testing.T) {
	_, err := newCopyLayout(host.Format(0xFFFF), host.BufferImageCopy{Extent: host.Extent3D{Width: 1, Height: 1, Depth: 1}})
	assert.ErrorIs(t, err, host.ErrUnsupportedFormat)

	l, err := newCopyLayout(host.FormatR8Unorm, host.BufferImageCopy{
		Subresource: host.SubresourceLayers{LayerCount: 1},
		Extent:      host.Extent3D{Width: 4, Height: 4, Depth: 1},
	})
	require.NoError(t, err)
	_, err = l.pack(make([]byte, 15))
	assert.Error(t, err)
	assert.Error(t, l.unpack(make([]byte, 16), make([]byte, 16)))
}

func TestFormatMapping(t *testing.T) {
	for f := range formats {
		b, ok := f.Block()
		require.True(t, ok, "format %v has no block info", f)
		assert.Equal(t, uint32(1), b.BlockWidth)
	}
	_, ok := Format(host.FormatBC1RGBAUnormBlock)
	assert.False(t, ok)

	u, ok := layoutUsage(host.ImageLayoutTransferDstOptimal)
	assert.True(t, ok)
	assert.Equal(t, textureUsage(host.UsageTransferDst), u)
	_, ok = layoutUsage(host.ImageLayoutGeneral)
	assert.False(t, ok)
}
