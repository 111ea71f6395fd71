//go:build !nogpu

package vkhost

import (
	"errors"
	"testing"

	vk "github.com/goki/vulkan"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gogpu/guestgpu/host"
)

func TestEnumsMatchVulkan(t *testing.T) {
	assert.Equal(t, host.Format(vk.FormatR8g8b8a8Unorm), host.FormatR8G8B8A8Unorm)
	assert.Equal(t, host.Format(vk.FormatR8g8b8a8Srgb), host.FormatR8G8B8A8Srgb)
	assert.Equal(t, host.Format(vk.FormatB8g8r8a8Unorm), host.FormatB8G8R8A8Unorm)
	assert.Equal(t, host.Format(vk.FormatR32Uint), host.FormatR32Uint)
	assert.Equal(t, host.Format(vk.FormatD32Sfloat), host.FormatD32Sfloat)
	assert.Equal(t, host.Format(vk.FormatD24UnormS8Uint), host.FormatD24UnormS8Uint)

	assert.Equal(t, host.ImageLayout(vk.ImageLayoutUndefined), host.ImageLayoutUndefined)
	assert.Equal(t, host.ImageLayout(vk.ImageLayoutGeneral), host.ImageLayoutGeneral)
	assert.Equal(t, host.ImageLayout(vk.ImageLayoutColorAttachmentOptimal), host.ImageLayoutColorAttachmentOptimal)
	assert.Equal(t, host.ImageLayout(vk.ImageLayoutDepthStencilAttachmentOptimal), host.ImageLayoutDepthStencilAttachmentOptimal)
	assert.Equal(t, host.ImageLayout(vk.ImageLayoutShaderReadOnlyOptimal), host.ImageLayoutShaderReadOnlyOptimal)
	assert.Equal(t, host.ImageLayout(vk.ImageLayoutTransferSrcOptimal), host.ImageLayoutTransferSrcOptimal)
	assert.Equal(t, host.ImageLayout(vk.ImageLayoutTransferDstOptimal), host.ImageLayoutTransferDstOptimal)

	assert.Equal(t, host.ImageAspect(vk.ImageAspectColorBit), host.AspectColor)
	assert.Equal(t, host.ImageAspect(vk.ImageAspectDepthBit), host.AspectDepth)

	assert.Equal(t, host.ImageUsage(vk.ImageUsageTransferDstBit), host.UsageTransferDst)
	assert.Equal(t, host.ImageUsage(vk.ImageUsageSampledBit), host.UsageSampled)
	assert.Equal(t, host.ImageUsage(vk.ImageUsageColorAttachmentBit), host.UsageColorAttachment)
	assert.Equal(t, host.ImageUsage(vk.ImageUsageDepthStencilAttachmentBit), host.UsageDepthStencilAttachment)

	assert.Equal(t, host.LoadOp(vk.AttachmentLoadOpLoad), host.LoadOpLoad)
	assert.Equal(t, host.LoadOp(vk.AttachmentLoadOpClear), host.LoadOpClear)
	assert.Equal(t, host.LoadOp(vk.AttachmentLoadOpDontCare), host.LoadOpDontCare)

	assert.Equal(t, host.ImageViewType(vk.ImageViewType2d), host.ViewType2D)

	assert.Equal(t, host.PipelineStage(vk.PipelineStageTopOfPipeBit), host.StageTopOfPipe)
	assert.Equal(t, host.PipelineStage(vk.PipelineStageFragmentShaderBit), host.StageFragmentShader)
	assert.Equal(t, host.PipelineStage(vk.PipelineStageColorAttachmentOutputBit), host.StageColorAttachmentOutput)
	assert.Equal(t, host.PipelineStage(vk.PipelineStageComputeShaderBit), host.StageComputeShader)
	assert.Equal(t, host.PipelineStage(vk.PipelineStageTransferBit), host.StageTransfer)
	assert.Equal(t, host.PipelineStage(vk.PipelineStageBottomOfPipeBit), host.StageBottomOfPipe)

	assert.Equal(t, host.Access(vk.AccessShaderReadBit), host.AccessShaderRead)
	assert.Equal(t, host.Access(vk.AccessColorAttachmentWriteBit), host.AccessColorAttachmentWrite)
	assert.Equal(t, host.Access(vk.AccessTransferReadBit), host.AccessTransferRead)
	assert.Equal(t, host.Access(vk.AccessTransferWriteBit), host.AccessTransferWrite)
}

func TestStageMaskFolding(t *testing.T) {
	assert.Equal(t, vk.PipelineStageFlags(vk.PipelineStageTopOfPipeBit),
		stageMask(0, vk.PipelineStageTopOfPipeBit), "empty mask falls back")
	assert.Equal(t, vk.PipelineStageFlags(vk.PipelineStageTransferBit),
		stageMask(host.StageCopy|host.StageClear, vk.PipelineStageTopOfPipeBit))
	assert.Equal(t, vk.PipelineStageFlags(vk.PipelineStageTransferBit|vk.PipelineStageFragmentShaderBit),
		stageMask(host.StageBlit|host.StageFragmentShader, vk.PipelineStageBottomOfPipeBit))

	assert.Equal(t, vk.AccessFlags(vk.AccessShaderReadBit), accessMask(host.AccessShaderSampledRead))
	assert.Equal(t, vk.AccessFlags(vk.AccessTransferWriteBit), accessMask(host.AccessTransferWrite))
}

func TestResultMapsHostErrors(t *testing.T) {
	require.NoError(t, result(vk.Success, "noop"))

	for _, tc := range []struct {
		ret  vk.Result
		want error
	}{
		{vk.ErrorDeviceLost, host.ErrDeviceLost},
		{vk.ErrorOutOfPoolMemory, host.ErrOutOfPoolMemory},
		{vk.ErrorFragmentedPool, host.ErrOutOfPoolMemory},
		{vk.ErrorOutOfDeviceMemory, host.ErrOutOfMemory},
		{vk.ErrorOutOfHostMemory, host.ErrOutOfMemory},
		{vk.ErrorFormatNotSupported, host.ErrUnsupportedFormat},
	} {
		err := result(tc.ret, "op")
		require.Error(t, err)
		assert.ErrorIs(t, err, tc.want)
		assert.Contains(t, err.Error(), "vkhost: op")
	}

	err := result(vk.ErrorInitializationFailed, "init")
	require.Error(t, err)
	for _, e := range []error{host.ErrDeviceLost, host.ErrOutOfMemory, host.ErrOutOfPoolMemory} {
		assert.False(t, errors.Is(err, e))
	}
}

func TestConvertCopyRegions(t *testing.T) {
	regions := bufferImageCopies([]host.BufferImageCopy{{
		BufferOffset:      256,
		BufferRowLength:   64,
		BufferImageHeight: 32,
		Subresource:       host.SubresourceLayers{Aspect: host.AspectColor, MipLevel: 2, BaseArrayLayer: 1, LayerCount: 3},
		Offset:            host.Offset3D{X: 4, Y: 8},
		Extent:            host.Extent3D{Width: 16, Height: 16, Depth: 1},
	}})
	require.Len(t, regions, 1)
	r := regions[0]
	assert.Equal(t, vk.DeviceSize(256), r.BufferOffset)
	assert.Equal(t, uint32(64), r.BufferRowLength)
	assert.Equal(t, uint32(32), r.BufferImageHeight)
	assert.Equal(t, vk.ImageAspectFlags(vk.ImageAspectColorBit), r.ImageSubresource.AspectMask)
	assert.Equal(t, uint32(2), r.ImageSubresource.MipLevel)
	assert.Equal(t, uint32(3), r.ImageSubresource.LayerCount)
	assert.Equal(t, vk.Offset3D{X: 4, Y: 8}, r.ImageOffset)
	assert.Equal(t, vk.Extent3D{Width: 16, Height: 16, Depth: 1}, r.ImageExtent)

	rect := rect2D(host.Rect2D{X: 1, Y: 2, Width: 3, Height: 4})
	assert.Equal(t, vk.Offset2D{X: 1, Y: 2}, rect.Offset)
	assert.Equal(t, vk.Extent2D{Width: 3, Height: 4}, rect.Extent)
}

func TestAttachmentOfRejectsForeignViews(t *testing.T) {
	_, _, err := attachmentOf(host.Attachment{})
	assert.ErrorContains(t, err, "foreign view")
}
