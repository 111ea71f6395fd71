// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

//go:build !nogpu

// Package vkhost implements the host API directly on Vulkan through
// goki/vulkan, for embedders that already own a VkDevice.
//
// Host enums are Vulkan values and pass straight through. Render passes
// and framebuffers are created on demand and cached; objects evicted from
// a cache are destroyed once the queue is idle. Buffers live in
// host-coherent memory that stays mapped, so Flush and Invalidate do
// nothing.
package vkhost

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	vk "github.com/goki/vulkan"

	"github.com/gogpu/guestgpu/host"
	"github.com/gogpu/guestgpu/internal/cache"
	"github.com/gogpu/guestgpu/internal/logging"
)

// DefaultCacheSize bounds the render pass and framebuffer caches.
const DefaultCacheSize = 128

// retireLimit is the number of evicted objects after which the device
// waits for the queue and destroys them.
const retireLimit = 64

// Config names the Vulkan objects a Device runs on. They stay owned by the
// caller.
type Config struct {
	PhysicalDevice vk.PhysicalDevice
	Device         vk.Device
	Queue          vk.Queue
	QueueFamily    uint32

	// CacheSize bounds the render pass and framebuffer caches. Zero means
	// DefaultCacheSize.
	CacheSize int
}

// Device is a host.Device on a caller-owned VkDevice.
type Device struct {
	phys        vk.PhysicalDevice
	device      vk.Device
	queue       vk.Queue
	queueFamily uint32
	traits      host.Traits

	logger atomic.Pointer[slog.Logger]

	queueMu sync.Mutex // external synchronization of queue

	renderPasses *cache.Cache[renderPassKey, vk.RenderPass]
	framebuffers *cache.Cache[framebufferKey, vk.Framebuffer]

	retireMu sync.Mutex
	retired  []func()
}

// New creates a Device on the objects in cfg.
func New(cfg Config) *Device {
	size := cfg.CacheSize
	if size <= 0 {
		size = DefaultCacheSize
	}
	d := &Device{
		phys:        cfg.PhysicalDevice,
		device:      cfg.Device,
		queue:       cfg.Queue,
		queueFamily: cfg.QueueFamily,
	}
	d.logger.Store(logging.Nop())
	d.renderPasses = cache.New(size, func(_ renderPassKey, rp vk.RenderPass) {
		d.retire(func() { vk.DestroyRenderPass(d.device, rp, nil) })
	})
	d.framebuffers = cache.New(size, func(_ framebufferKey, fb vk.Framebuffer) {
		d.retire(func() { vk.DestroyFramebuffer(d.device, fb, nil) })
	})

	var props vk.PhysicalDeviceProperties
	vk.GetPhysicalDeviceProperties(d.phys, &props)
	props.Deref()
	d.traits = host.Traits{
		Name:         vk.ToString(props.DeviceName[:]),
		SupportsBCn:  d.sampleable(vk.FormatBc1RgbaUnormBlock),
		SupportsASTC: d.sampleable(vk.FormatAstc4x4UnormBlock),
	}
	return d
}

func (d *Device) sampleable(f vk.Format) bool {
	var props vk.FormatProperties
	vk.GetPhysicalDeviceFormatProperties(d.phys, f, &props)
	props.Deref()
	return props.OptimalTilingFeatures&vk.FormatFeatureFlags(vk.FormatFeatureSampledImageBit) != 0
}

// SetLogger sets the logger of this device. Pass nil to disable logging.
func (d *Device) SetLogger(l *slog.Logger) { d.logger.Store(logging.OrNop(l)) }

func (d *Device) log() *slog.Logger { return d.logger.Load() }

// Traits implements host.Device.
func (d *Device) Traits() host.Traits { return d.traits }

// retire queues destroy to run once no submission can use the object.
// It runs under a cache lock and must not block.
func (d *Device) retire(destroy func()) {
	d.retireMu.Lock()
	d.retired = append(d.retired, destroy)
	d.retireMu.Unlock()
}

// collect destroys retired objects once there are enough of them.
func (d *Device) collect(force bool) error {
	d.retireMu.Lock()
	n := len(d.retired)
	d.retireMu.Unlock()
	if n == 0 || (!force && n < retireLimit) {
		return nil
	}
	if err := d.WaitIdle(); err != nil {
		return err
	}
	d.retireMu.Lock()
	retired := d.retired
	d.retired = nil
	d.retireMu.Unlock()
	for _, destroy := range retired {
		destroy()
	}
	d.log().Debug("vkhost: destroyed retired objects", "count", len(retired))
	return nil
}

func (d *Device) allocate(req vk.MemoryRequirements, props vk.MemoryPropertyFlagBits) (vk.DeviceMemory, error) {
	index, ok := vk.FindMemoryTypeIndex(d.phys, req.MemoryTypeBits, props)
	if !ok {
		return nil, fmt.Errorf("vkhost: no memory type for %#x: %w", props, host.ErrOutOfMemory)
	}
	var mem vk.DeviceMemory
	ret := vk.AllocateMemory(d.device, &vk.MemoryAllocateInfo{
		SType:           vk.StructureTypeMemoryAllocateInfo,
		AllocationSize:  req.Size,
		MemoryTypeIndex: index,
	}, nil, &mem)
	if err := result(ret, "allocate memory"); err != nil {
		return nil, err
	}
	return mem, nil
}

// CreateImage implements host.Device. ViewFormats is not chained; a
// mutable-format image accepts any compatible view format.
func (d *Device) CreateImage(info host.ImageInfo) (host.Image, error) {
	ci := vk.ImageCreateInfo{
		SType:         vk.StructureTypeImageCreateInfo,
		Flags:         vk.ImageCreateFlags(info.Flags),
		ImageType:     vk.ImageType(info.Type),
		Format:        vk.Format(info.Format),
		Extent:        extent3D(info.Extent),
		MipLevels:     max(info.MipLevels, 1),
		ArrayLayers:   max(info.ArrayLayers, 1),
		Samples:       vk.SampleCountFlagBits(max(info.Samples, host.Samples1)),
		Tiling:        vk.ImageTiling(info.Tiling),
		Usage:         vk.ImageUsageFlags(info.Usage),
		SharingMode:   vk.SharingModeExclusive,
		InitialLayout: vk.ImageLayoutUndefined,
	}
	var img vk.Image
	if err := result(vk.CreateImage(d.device, &ci, nil, &img), "create image "+info.Label); err != nil {
		return nil, err
	}
	var req vk.MemoryRequirements
	vk.GetImageMemoryRequirements(d.device, img, &req)
	req.Deref()
	mem, err := d.allocate(req, vk.MemoryPropertyDeviceLocalBit)
	if err != nil {
		vk.DestroyImage(d.device, img, nil)
		return nil, err
	}
	if err := result(vk.BindImageMemory(d.device, img, mem, 0), "bind image memory"); err != nil {
		vk.DestroyImage(d.device, img, nil)
		vk.FreeMemory(d.device, mem, nil)
		return nil, err
	}
	return &Image{dev: d, image: img, mem: mem, info: info}, nil
}

// CreateImageView implements host.Device.
func (d *Device) CreateImageView(img host.Image, info host.ViewInfo) (host.ImageView, error) {
	im, ok := img.(*Image)
	if !ok {
		return nil, fmt.Errorf("vkhost: foreign image %T", img)
	}
	var view vk.ImageView
	ret := vk.CreateImageView(d.device, &vk.ImageViewCreateInfo{
		SType:            vk.StructureTypeImageViewCreateInfo,
		Image:            im.image,
		ViewType:         vk.ImageViewType(info.Type),
		Format:           vk.Format(info.Format),
		Components:       componentMapping(info.Components),
		SubresourceRange: subresourceRange(info.Range),
	}, nil, &view)
	if err := result(ret, "create image view"); err != nil {
		return nil, err
	}
	return &ImageView{img: im, view: view, info: info}, nil
}

// CreateBuffer implements host.Device.
func (d *Device) CreateBuffer(size uint64) (host.Buffer, error) {
	var buf vk.Buffer
	ret := vk.CreateBuffer(d.device, &vk.BufferCreateInfo{
		SType:       vk.StructureTypeBufferCreateInfo,
		Size:        vk.DeviceSize(max(size, 1)),
		Usage:       vk.BufferUsageFlags(vk.BufferUsageTransferSrcBit | vk.BufferUsageTransferDstBit),
		SharingMode: vk.SharingModeExclusive,
	}, nil, &buf)
	if err := result(ret, "create buffer"); err != nil {
		return nil, err
	}
	var req vk.MemoryRequirements
	vk.GetBufferMemoryRequirements(d.device, buf, &req)
	req.Deref()
	mem, err := d.allocate(req, vk.MemoryPropertyHostVisibleBit|vk.MemoryPropertyHostCoherentBit)
	if err != nil {
		vk.DestroyBuffer(d.device, buf, nil)
		return nil, err
	}
	b := &Buffer{dev: d, buffer: buf, mem: mem, size: size}
	if err := result(vk.BindBufferMemory(d.device, buf, mem, 0), "bind buffer memory"); err != nil {
		b.Destroy()
		return nil, err
	}
	var data unsafe.Pointer
	if err := result(vk.MapMemory(d.device, mem, 0, req.Size, 0, &data), "map buffer"); err != nil {
		b.Destroy()
		return nil, err
	}
	b.data = unsafe.Slice((*byte)(data), size)
	return b, nil
}

// CreateCommandBuffer implements host.Device. Every command buffer has its
// own pool so recording threads never share one.
func (d *Device) CreateCommandBuffer() (host.CommandBuffer, error) {
	var pool vk.CommandPool
	ret := vk.CreateCommandPool(d.device, &vk.CommandPoolCreateInfo{
		SType:            vk.StructureTypeCommandPoolCreateInfo,
		Flags:            vk.CommandPoolCreateFlags(vk.CommandPoolCreateResetCommandBufferBit),
		QueueFamilyIndex: d.queueFamily,
	}, nil, &pool)
	if err := result(ret, "create command pool"); err != nil {
		return nil, err
	}
	cmds := make([]vk.CommandBuffer, 1)
	ret = vk.AllocateCommandBuffers(d.device, &vk.CommandBufferAllocateInfo{
		SType:              vk.StructureTypeCommandBufferAllocateInfo,
		CommandPool:        pool,
		Level:              vk.CommandBufferLevelPrimary,
		CommandBufferCount: 1,
	}, cmds)
	if err := result(ret, "allocate command buffer"); err != nil {
		vk.DestroyCommandPool(d.device, pool, nil)
		return nil, err
	}
	return &CommandBuffer{dev: d, pool: pool, cmd: cmds[0]}, nil
}

// CreateFence implements host.Device.
func (d *Device) CreateFence(signaled bool) (host.Fence, error) {
	ci := vk.FenceCreateInfo{SType: vk.StructureTypeFenceCreateInfo}
	if signaled {
		ci.Flags = vk.FenceCreateFlags(vk.FenceCreateSignaledBit)
	}
	var f vk.Fence
	if err := result(vk.CreateFence(d.device, &ci, nil, &f), "create fence"); err != nil {
		return nil, err
	}
	return &Fence{dev: d, fence: f}, nil
}

// CreateSemaphore implements host.Device.
func (d *Device) CreateSemaphore() (host.Semaphore, error) {
	var s vk.Semaphore
	ret := vk.CreateSemaphore(d.device, &vk.SemaphoreCreateInfo{SType: vk.StructureTypeSemaphoreCreateInfo}, nil, &s)
	if err := result(ret, "create semaphore"); err != nil {
		return nil, err
	}
	return &Semaphore{dev: d, sem: s}, nil
}

// Submit implements host.Device.
func (d *Device) Submit(info host.SubmitInfo, fence host.Fence) error {
	si := vk.SubmitInfo{SType: vk.StructureTypeSubmitInfo}
	for _, c := range info.CommandBuffers {
		cb, ok := c.(*CommandBuffer)
		if !ok {
			return fmt.Errorf("vkhost: foreign command buffer %T", c)
		}
		si.PCommandBuffers = append(si.PCommandBuffers, cb.cmd)
	}
	for _, w := range info.Wait {
		s, ok := w.Semaphore.(*Semaphore)
		if !ok {
			return fmt.Errorf("vkhost: foreign semaphore %T", w.Semaphore)
		}
		si.PWaitSemaphores = append(si.PWaitSemaphores, s.sem)
		si.PWaitDstStageMask = append(si.PWaitDstStageMask, stageMask(w.Stage, vk.PipelineStageAllCommandsBit))
	}
	for _, sig := range info.Signal {
		s, ok := sig.(*Semaphore)
		if !ok {
			return fmt.Errorf("vkhost: foreign semaphore %T", sig)
		}
		si.PSignalSemaphores = append(si.PSignalSemaphores, s.sem)
	}
	si.CommandBufferCount = uint32(len(si.PCommandBuffers))
	si.WaitSemaphoreCount = uint32(len(si.PWaitSemaphores))
	si.SignalSemaphoreCount = uint32(len(si.PSignalSemaphores))

	vf := vk.NullFence
	if fence != nil {
		f, ok := fence.(*Fence)
		if !ok {
			return fmt.Errorf("vkhost: foreign fence %T", fence)
		}
		vf = f.fence
	}

	d.queueMu.Lock()
	ret := vk.QueueSubmit(d.queue, 1, []vk.SubmitInfo{si}, vf)
	d.queueMu.Unlock()
	if err := result(ret, "queue submit"); err != nil {
		return err
	}
	return d.collect(false)
}

// WaitIdle implements host.Device.
func (d *Device) WaitIdle() error {
	d.queueMu.Lock()
	defer d.queueMu.Unlock()
	return result(vk.QueueWaitIdle(d.queue), "queue wait idle")
}

// Destroy implements host.Device. It releases the caches; the VkDevice
// stays owned by the caller.
func (d *Device) Destroy() {
	d.framebuffers.Purge()
	d.renderPasses.Purge()
	if err := d.collect(true); err != nil {
		d.log().Warn("vkhost: destroy", "err", err)
	}
}

// Image is a host.Image backed by a VkImage.
type Image struct {
	dev   *Device
	image vk.Image
	mem   vk.DeviceMemory
	info  host.ImageInfo
}

// Info implements host.Image.
func (i *Image) Info() host.ImageInfo { return i.info }

// Destroy implements host.Image.
func (i *Image) Destroy() {
	vk.DestroyImage(i.dev.device, i.image, nil)
	vk.FreeMemory(i.dev.device, i.mem, nil)
}

// ImageView is a host.ImageView backed by a VkImageView.
type ImageView struct {
	img  *Image
	view vk.ImageView
	info host.ViewInfo
}

// Image implements host.ImageView.
func (v *ImageView) Image() host.Image { return v.img }

// Info implements host.ImageView.
func (v *ImageView) Info() host.ViewInfo { return v.info }

// Destroy implements host.ImageView. Cached framebuffers using the view
// are dropped first.
func (v *ImageView) Destroy() {
	d := v.img.dev
	for {
		key, ok := d.framebufferUsing(v.view)
		if !ok {
			break
		}
		d.framebuffers.Delete(key)
	}
	d.retire(func() { vk.DestroyImageView(d.device, v.view, nil) })
}

// Buffer is a host.Buffer in mapped host-coherent memory.
type Buffer struct {
	dev    *Device
	buffer vk.Buffer
	mem    vk.DeviceMemory
	size   uint64
	data   []byte
}

// Bytes implements host.Buffer.
func (b *Buffer) Bytes() []byte { return b.data }

// Size implements host.Buffer.
func (b *Buffer) Size() uint64 { return b.size }

// Flush implements host.Buffer.
func (b *Buffer) Flush() error { return nil }

// Invalidate implements host.Buffer.
func (b *Buffer) Invalidate() error { return nil }

// Destroy implements host.Buffer.
func (b *Buffer) Destroy() {
	if b.data != nil {
		vk.UnmapMemory(b.dev.device, b.mem)
		b.data = nil
	}
	vk.DestroyBuffer(b.dev.device, b.buffer, nil)
	vk.FreeMemory(b.dev.device, b.mem, nil)
}

// Fence is a host.Fence backed by a VkFence.
type Fence struct {
	dev   *Device
	fence vk.Fence
}

// Wait implements host.Fence.
func (f *Fence) Wait(timeout time.Duration) (bool, error) {
	ret := vk.WaitForFences(f.dev.device, 1, []vk.Fence{f.fence}, vk.True, uint64(max(timeout, 0).Nanoseconds()))
	if ret == vk.Timeout {
		return false, nil
	}
	if err := result(ret, "wait for fence"); err != nil {
		return false, err
	}
	return true, nil
}

// Signaled implements host.Fence.
func (f *Fence) Signaled() (bool, error) {
	ret := vk.GetFenceStatus(f.dev.device, f.fence)
	if ret == vk.NotReady {
		return false, nil
	}
	if err := result(ret, "fence status"); err != nil {
		return false, err
	}
	return true, nil
}

// Reset implements host.Fence.
func (f *Fence) Reset() error {
	return result(vk.ResetFences(f.dev.device, 1, []vk.Fence{f.fence}), "reset fence")
}

// Destroy implements host.Fence.
func (f *Fence) Destroy() { vk.DestroyFence(f.dev.device, f.fence, nil) }

// Semaphore is a host.Semaphore backed by a binary VkSemaphore.
type Semaphore struct {
	dev *Device
	sem vk.Semaphore
}

// Destroy implements host.Semaphore.
func (s *Semaphore) Destroy() { vk.DestroySemaphore(s.dev.device, s.sem, nil) }
