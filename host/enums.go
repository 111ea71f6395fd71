// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

package host

// Format is a host texel format. Values match VkFormat.
type Format uint32

const (
	FormatUndefined              Format = 0
	FormatR5G6B5UnormPack16      Format = 4
	FormatR8Unorm                Format = 9
	FormatR8Snorm                Format = 10
	FormatR8Uint                 Format = 13
	FormatR8Sint                 Format = 14
	FormatR8G8Unorm              Format = 16
	FormatR8G8Snorm              Format = 17
	FormatR8G8Uint               Format = 20
	FormatR8G8B8A8Unorm          Format = 37
	FormatR8G8B8A8Snorm          Format = 38
	FormatR8G8B8A8Uint           Format = 41
	FormatR8G8B8A8Sint           Format = 42
	FormatR8G8B8A8Srgb           Format = 43
	FormatB8G8R8A8Unorm          Format = 44
	FormatB8G8R8A8Srgb           Format = 50
	FormatA2B10G10R10UnormPack32 Format = 64
	FormatR16Unorm               Format = 70
	FormatR16Uint                Format = 74
	FormatR16Sfloat              Format = 76
	FormatR16G16Unorm            Format = 77
	FormatR16G16Sfloat           Format = 83
	FormatR16G16B16A16Unorm      Format = 91
	FormatR16G16B16A16Uint       Format = 95
	FormatR16G16B16A16Sfloat     Format = 97
	FormatR32Uint                Format = 98
	FormatR32Sint                Format = 99
	FormatR32Sfloat              Format = 100
	FormatR32G32Uint             Format = 101
	FormatR32G32Sfloat           Format = 103
	FormatR32G32B32Sfloat        Format = 106
	FormatR32G32B32A32Uint       Format = 107
	FormatR32G32B32A32Sfloat     Format = 109
	FormatB10G11R11UfloatPack32  Format = 122
	FormatE5B9G9R9UfloatPack32   Format = 123
	FormatD16Unorm               Format = 124
	FormatX8D24UnormPack32       Format = 125
	FormatD32Sfloat              Format = 126
	FormatS8Uint                 Format = 127
	FormatD24UnormS8Uint         Format = 129
	FormatD32SfloatS8Uint        Format = 130
	FormatBC1RGBAUnormBlock      Format = 133
	FormatBC1RGBASrgbBlock       Format = 134
	FormatBC2UnormBlock          Format = 135
	FormatBC2SrgbBlock           Format = 136
	FormatBC3UnormBlock          Format = 137
	FormatBC3SrgbBlock           Format = 138
	FormatBC4UnormBlock          Format = 139
	FormatBC4SnormBlock          Format = 140
	FormatBC5UnormBlock          Format = 141
	FormatBC5SnormBlock          Format = 142
	FormatBC6HUfloatBlock        Format = 143
	FormatBC6HSfloatBlock        Format = 144
	FormatBC7UnormBlock          Format = 145
	FormatBC7SrgbBlock           Format = 146
	FormatASTC4x4UnormBlock      Format = 157
	FormatASTC4x4SrgbBlock       Format = 158
	FormatASTC8x8UnormBlock      Format = 171
	FormatASTC8x8SrgbBlock       Format = 172
)

// ImageLayout matches VkImageLayout.
type ImageLayout uint32

const (
	ImageLayoutUndefined                     ImageLayout = 0
	ImageLayoutGeneral                       ImageLayout = 1
	ImageLayoutColorAttachmentOptimal        ImageLayout = 2
	ImageLayoutDepthStencilAttachmentOptimal ImageLayout = 3
	ImageLayoutDepthStencilReadOnlyOptimal   ImageLayout = 4
	ImageLayoutShaderReadOnlyOptimal         ImageLayout = 5
	ImageLayoutTransferSrcOptimal            ImageLayout = 6
	ImageLayoutTransferDstOptimal            ImageLayout = 7
	ImageLayoutPreinitialized                ImageLayout = 8
	ImageLayoutPresentSrc                    ImageLayout = 1000001002
)

// ImageAspect matches VkImageAspectFlags.
type ImageAspect uint32

const (
	AspectColor    ImageAspect = 0x1
	AspectDepth    ImageAspect = 0x2
	AspectStencil  ImageAspect = 0x4
	AspectMetadata ImageAspect = 0x8
)

// ImageType matches VkImageType.
type ImageType uint32

const (
	ImageType1D ImageType = 0
	ImageType2D ImageType = 1
	ImageType3D ImageType = 2
)

// ImageViewType matches VkImageViewType.
type ImageViewType uint32

const (
	ViewType1D        ImageViewType = 0
	ViewType2D        ImageViewType = 1
	ViewType3D        ImageViewType = 2
	ViewTypeCube      ImageViewType = 3
	ViewType1DArray   ImageViewType = 4
	ViewType2DArray   ImageViewType = 5
	ViewTypeCubeArray ImageViewType = 6
)

// ImageTiling matches VkImageTiling.
type ImageTiling uint32

const (
	TilingOptimal ImageTiling = 0
	TilingLinear  ImageTiling = 1
)

// ImageUsage matches VkImageUsageFlags.
type ImageUsage uint32

const (
	UsageTransferSrc            ImageUsage = 0x1
	UsageTransferDst            ImageUsage = 0x2
	UsageSampled                ImageUsage = 0x4
	UsageStorage                ImageUsage = 0x8
	UsageColorAttachment        ImageUsage = 0x10
	UsageDepthStencilAttachment ImageUsage = 0x20
	UsageTransientAttachment    ImageUsage = 0x40
	UsageInputAttachment        ImageUsage = 0x80
)

// ImageCreateFlags matches VkImageCreateFlags.
type ImageCreateFlags uint32

const (
	CreateMutableFormat            ImageCreateFlags = 0x8
	CreateCubeCompatible           ImageCreateFlags = 0x10
	Create2DArrayCompatible        ImageCreateFlags = 0x20
	CreateBlockTexelViewCompatible ImageCreateFlags = 0x80
	CreateExtendedUsage            ImageCreateFlags = 0x100
)

// SampleCount matches VkSampleCountFlagBits.
type SampleCount uint32

const (
	Samples1  SampleCount = 0x1
	Samples2  SampleCount = 0x2
	Samples4  SampleCount = 0x4
	Samples8  SampleCount = 0x8
	Samples16 SampleCount = 0x10
)

// ComponentSwizzle matches VkComponentSwizzle.
type ComponentSwizzle uint32

const (
	SwizzleIdentity ComponentSwizzle = 0
	SwizzleZero     ComponentSwizzle = 1
	SwizzleOne      ComponentSwizzle = 2
	SwizzleR        ComponentSwizzle = 3
	SwizzleG        ComponentSwizzle = 4
	SwizzleB        ComponentSwizzle = 5
	SwizzleA        ComponentSwizzle = 6
)

// ComponentMapping matches VkComponentMapping.
type ComponentMapping struct {
	R, G, B, A ComponentSwizzle
}

// IdentityMapping maps every component to itself.
var IdentityMapping = ComponentMapping{SwizzleR, SwizzleG, SwizzleB, SwizzleA}

// Normalized replaces SwizzleIdentity with the explicit component.
func (m ComponentMapping) Normalized() ComponentMapping {
	fix := func(s, self ComponentSwizzle) ComponentSwizzle {
		if s == SwizzleIdentity {
			return self
		}
		return s
	}
	return ComponentMapping{fix(m.R, SwizzleR), fix(m.G, SwizzleG), fix(m.B, SwizzleB), fix(m.A, SwizzleA)}
}

// PipelineStage is a pipeline stage mask. The low 32 bits match
// VkPipelineStageFlags; higher bits are VkPipelineStageFlags2 values.
type PipelineStage uint64

const (
	StageTopOfPipe                 PipelineStage = 0x1
	StageDrawIndirect              PipelineStage = 0x2
	StageVertexInput               PipelineStage = 0x4
	StageVertexShader              PipelineStage = 0x8
	StageTessellationControlShader PipelineStage = 0x10
	StageTessellationEvalShader    PipelineStage = 0x20
	StageGeometryShader            PipelineStage = 0x40
	StageFragmentShader            PipelineStage = 0x80
	StageEarlyFragmentTests        PipelineStage = 0x100
	StageLateFragmentTests         PipelineStage = 0x200
	StageColorAttachmentOutput     PipelineStage = 0x400
	StageComputeShader             PipelineStage = 0x800
	StageTransfer                  PipelineStage = 0x1000
	StageBottomOfPipe              PipelineStage = 0x2000
	StageHost                      PipelineStage = 0x4000
	StageAllGraphics               PipelineStage = 0x8000
	StageAllCommands               PipelineStage = 0x10000
	StageCopy                      PipelineStage = 0x100000000
	StageResolve                   PipelineStage = 0x200000000
	StageBlit                      PipelineStage = 0x400000000
	StageClear                     PipelineStage = 0x800000000
	StageIndexInput                PipelineStage = 0x1000000000
	StageVertexAttributeInput      PipelineStage = 0x2000000000
	StagePreRasterizationShaders   PipelineStage = 0x4000000000
	StageNone                      PipelineStage = 0
	stageSync1Mask                 PipelineStage = 0xFFFFFFFF
)

// Stage groups used by render-pass dependency tracking.
const (
	StageAllShaders    = StageVertexShader | StageTessellationControlShader | StageTessellationEvalShader | StageGeometryShader | StageFragmentShader | StageComputeShader
	StageFragmentTests = StageEarlyFragmentTests | StageLateFragmentTests
)

// Sync1 folds Synchronization2-only stages into their legacy equivalents.
func (s PipelineStage) Sync1() PipelineStage {
	out := s & stageSync1Mask
	if s&(StageCopy|StageResolve|StageBlit|StageClear) != 0 {
		out |= StageTransfer
	}
	if s&(StageIndexInput|StageVertexAttributeInput) != 0 {
		out |= StageVertexInput
	}
	if s&StagePreRasterizationShaders != 0 {
		out |= StageVertexShader | StageTessellationControlShader | StageTessellationEvalShader | StageGeometryShader
	}
	return out
}

// Access is a memory access mask. The low 32 bits match VkAccessFlags;
// higher bits are VkAccessFlags2 values.
type Access uint64

const (
	AccessIndirectCommandRead         Access = 0x1
	AccessIndexRead                   Access = 0x2
	AccessVertexAttributeRead         Access = 0x4
	AccessUniformRead                 Access = 0x8
	AccessInputAttachmentRead         Access = 0x10
	AccessShaderRead                  Access = 0x20
	AccessShaderWrite                 Access = 0x40
	AccessColorAttachmentRead         Access = 0x80
	AccessColorAttachmentWrite        Access = 0x100
	AccessDepthStencilAttachmentRead  Access = 0x200
	AccessDepthStencilAttachmentWrite Access = 0x400
	AccessTransferRead                Access = 0x800
	AccessTransferWrite               Access = 0x1000
	AccessHostRead                    Access = 0x2000
	AccessHostWrite                   Access = 0x4000
	AccessMemoryRead                  Access = 0x8000
	AccessMemoryWrite                 Access = 0x10000
	AccessShaderSampledRead           Access = 0x100000000
	AccessShaderStorageRead           Access = 0x200000000
	AccessShaderStorageWrite          Access = 0x400000000
	AccessNone                        Access = 0
)

// Sync1 folds Synchronization2-only access bits into their legacy
// equivalents.
func (a Access) Sync1() Access {
	out := a & 0xFFFFFFFF
	if a&(AccessShaderSampledRead|AccessShaderStorageRead) != 0 {
		out |= AccessShaderRead
	}
	if a&AccessShaderStorageWrite != 0 {
		out |= AccessShaderWrite
	}
	return out
}

// LoadOp matches VkAttachmentLoadOp.
type LoadOp uint32

const (
	LoadOpLoad     LoadOp = 0
	LoadOpClear    LoadOp = 1
	LoadOpDontCare LoadOp = 2
)

// StoreOp matches VkAttachmentStoreOp.
type StoreOp uint32

const (
	StoreOpStore    StoreOp = 0
	StoreOpDontCare StoreOp = 1
)
