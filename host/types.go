package host

// Extent3D matches VkExtent3D.
type Extent3D struct {
	Width, Height, Depth uint32
}

// Offset3D matches VkOffset3D.
type Offset3D struct {
	X, Y, Z int32
}

// Rect2D matches VkRect2D.
type Rect2D struct {
	X, Y          int32
	Width, Height uint32
}

// SubresourceRange matches VkImageSubresourceRange.
type SubresourceRange struct {
	Aspect         ImageAspect
	BaseMipLevel   uint32
	LevelCount     uint32
	BaseArrayLayer uint32
	LayerCount     uint32
}

// Contains reports whether r covers o entirely.
func (r SubresourceRange) Contains(o SubresourceRange) bool {
	return r.Aspect&o.Aspect == o.Aspect &&
		o.BaseMipLevel >= r.BaseMipLevel && o.BaseMipLevel+o.LevelCount <= r.BaseMipLevel+r.LevelCount &&
		o.BaseArrayLayer >= r.BaseArrayLayer && o.BaseArrayLayer+o.LayerCount <= r.BaseArrayLayer+r.LayerCount
}

// SubresourceLayers matches VkImageSubresourceLayers.
type SubresourceLayers struct {
	Aspect         ImageAspect
	MipLevel       uint32
	BaseArrayLayer uint32
	LayerCount     uint32
}

// ImageInfo describes an image to create.
type ImageInfo struct {
	Label       string
	Type        ImageType
	Format      Format
	Extent      Extent3D
	MipLevels   uint32
	ArrayLayers uint32
	Samples     SampleCount
	Tiling      ImageTiling
	Usage       ImageUsage
	Flags       ImageCreateFlags
	// ViewFormats lists the formats views may use when Flags has
	// CreateMutableFormat. Empty means any compatible format.
	ViewFormats []Format
}

// ViewInfo describes an image view.
type ViewInfo struct {
	Type       ImageViewType
	Format     Format
	Components ComponentMapping
	Range      SubresourceRange
}

// BufferImageCopy matches VkBufferImageCopy. A zero RowLength or
// ImageHeight means the buffer is tightly packed.
type BufferImageCopy struct {
	BufferOffset      uint64
	BufferRowLength   uint32
	BufferImageHeight uint32
	Subresource       SubresourceLayers
	Offset            Offset3D
	Extent            Extent3D
}

// ImageCopy matches VkImageCopy.
type ImageCopy struct {
	Src       SubresourceLayers
	SrcOffset Offset3D
	Dst       SubresourceLayers
	DstOffset Offset3D
	Extent    Extent3D
}

// MemoryBarrier matches VkMemoryBarrier.
type MemoryBarrier struct {
	SrcAccess, DstAccess Access
}

// ImageBarrier matches VkImageMemoryBarrier.
type ImageBarrier struct {
	Image                Image
	SrcAccess, DstAccess Access
	OldLayout, NewLayout ImageLayout
	Range                SubresourceRange
}

// Barrier is one pipeline barrier command.
type Barrier struct {
	SrcStage, DstStage PipelineStage
	Memory             []MemoryBarrier
	Images             []ImageBarrier
}

// ClearValue holds either a color or a depth/stencil clear value.
type ClearValue struct {
	Color   [4]float32
	Depth   float32
	Stencil uint32
}

// Attachment is one render-pass attachment.
type Attachment struct {
	View    ImageView
	Layout  ImageLayout
	LoadOp  LoadOp
	StoreOp StoreOp
	Clear   ClearValue
}

// RenderPassInfo describes a render pass instance. SrcStage and DstStage
// are the accumulated external dependency of all subpasses.
type RenderPassInfo struct {
	Area               Rect2D
	Color              []Attachment
	DepthStencil       *Attachment
	SrcStage, DstStage PipelineStage
	SubpassCount       uint32
}

// ClearAttachment matches VkClearAttachment. ColorAttachment indexes
// RenderPassInfo.Color when Aspect is AspectColor.
type ClearAttachment struct {
	Aspect          ImageAspect
	ColorAttachment uint32
	Value           ClearValue
}

// ClearRect matches VkClearRect.
type ClearRect struct {
	Rect           Rect2D
	BaseArrayLayer uint32
	LayerCount     uint32
}

// SemaphoreWait is a semaphore to wait on before the given stages.
type SemaphoreWait struct {
	Semaphore Semaphore
	Stage     PipelineStage
}

// SubmitInfo is one queue submission.
type SubmitInfo struct {
	CommandBuffers []CommandBuffer
	Wait           []SemaphoreWait
	Signal         []Semaphore
}
