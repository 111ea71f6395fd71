// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

// Package host defines the host graphics API the guest GPU core records
// into. Enums and masks are bit-compatible with Vulkan 1.x, including the
// 64-bit Synchronization2 stage and access masks, so a backend can pass them
// straight through.
//
// Three backends implement Device: host/soft (CPU, deterministic),
// host/halhost (gogpu wgpu HAL) and host/vkhost (raw Vulkan).
package host

import (
	"errors"
	"time"
)

// Errors returned by backends.
var (
	// ErrDeviceLost reports that the device can no longer execute work.
	ErrDeviceLost = errors.New("host: device lost")

	// ErrOutOfPoolMemory reports exhaustion of a command or descriptor
	// pool. Callers grow the pool and retry.
	ErrOutOfPoolMemory = errors.New("host: out of pool memory")

	// ErrOutOfMemory reports exhaustion of device or host memory.
	ErrOutOfMemory = errors.New("host: out of memory")

	// ErrUnsupportedFormat reports a format the backend cannot create.
	ErrUnsupportedFormat = errors.New("host: unsupported format")

	// ErrNotRecording reports a command recorded outside Begin/End.
	ErrNotRecording = errors.New("host: command buffer is not recording")
)

// Traits describes backend capabilities the core adapts to.
type Traits struct {
	Name string

	SupportsBCn                   bool
	SupportsASTC                  bool
	SupportsSynchronization2      bool
	SupportsImagelessFramebuffers bool

	// MutableFormatCostly means mutable-format images should only be
	// created when a view actually reinterprets the format.
	MutableFormatCostly bool
}

// Device creates host objects and submits work.
type Device interface {
	Traits() Traits

	CreateImage(info ImageInfo) (Image, error)
	CreateImageView(img Image, info ViewInfo) (ImageView, error)
	// CreateBuffer returns a host-visible buffer of size bytes.
	CreateBuffer(size uint64) (Buffer, error)
	CreateCommandBuffer() (CommandBuffer, error)
	CreateFence(signaled bool) (Fence, error)
	CreateSemaphore() (Semaphore, error)

	// Submit queues info and signals fence, which may be nil, once every
	// command buffer has executed.
	Submit(info SubmitInfo, fence Fence) error
	WaitIdle() error
	Destroy()
}

// Image is a host image.
type Image interface {
	Info() ImageInfo
	Destroy()
}

// MappedImage is a linear-tiling image whose memory the CPU can access.
// Subresources are tightly packed, level by level, each level holding all
// of its layers.
type MappedImage interface {
	Image
	Map() ([]byte, error)
}

// ImageView is a typed view of an Image.
type ImageView interface {
	Image() Image
	Info() ViewInfo
	Destroy()
}

// Buffer is a host-visible buffer. Bytes is the CPU copy; Flush publishes
// CPU writes to the device and Invalidate pulls device writes back. Both are
// no-ops on coherent backends.
type Buffer interface {
	Bytes() []byte
	Size() uint64
	Flush() error
	Invalidate() error
	Destroy()
}

// CommandBuffer records commands between Begin and End.
type CommandBuffer interface {
	Begin() error
	End() error
	Reset() error

	PipelineBarrier(b Barrier)
	CopyBufferToImage(src Buffer, dst Image, dstLayout ImageLayout, regions []BufferImageCopy)
	CopyImageToBuffer(src Image, srcLayout ImageLayout, dst Buffer, regions []BufferImageCopy)
	CopyImage(src Image, srcLayout ImageLayout, dst Image, dstLayout ImageLayout, regions []ImageCopy)

	BeginRenderPass(info RenderPassInfo)
	ClearAttachments(attachments []ClearAttachment, rects []ClearRect)
	EndRenderPass()

	// Destroy releases the command buffer. It must not be pending.
	Destroy()
}

// Fence is signalled by the device when a submission completes.
type Fence interface {
	// Wait blocks for at most timeout and reports whether the fence
	// signalled.
	Wait(timeout time.Duration) (bool, error)
	Signaled() (bool, error)
	Reset() error
	Destroy()
}

// Semaphore orders submissions on the device.
type Semaphore interface {
	Destroy()
}
