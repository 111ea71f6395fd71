// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

//go:build !nogpu

// Package halhost implements the host API on the gogpu wgpu HAL.
//
// HAL images track their usage instead of a layout, so image barriers
// become usage transitions and memory barriers are dropped. Buffer/image
// copies go through padded staging buffers because HAL copies need rows
// aligned to 256 bytes. Submissions run in order on one queue, so
// semaphores carry no work.
package halhost

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/gogpu/gpucontext"
	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/guestgpu/host"
	"github.com/gogpu/guestgpu/internal/logging"

	// Import Vulkan backend so it registers via init().
	_ "github.com/gogpu/wgpu/hal/vulkan"
)

// Device is a host.Device on a HAL device and queue.
type Device struct {
	device hal.Device
	queue  hal.Queue
	traits host.Traits

	// instance is set when the Device opened its own adapter.
	instance hal.Instance

	logger atomic.Pointer[slog.Logger]

	mu       sync.Mutex // serializes submission
	last     *Fence
	lastWait uint64
	internal *Fence
}

// New wraps a HAL device and queue owned by the caller.
func New(device hal.Device, queue hal.Queue) (*Device, error) {
	d := &Device{
		device: device,
		queue:  queue,
		traits: host.Traits{
			Name:                          "hal",
			SupportsImagelessFramebuffers: true,
			MutableFormatCostly:           true,
		},
	}
	d.logger.Store(logging.Nop())
	f, err := d.createFence(true)
	if err != nil {
		return nil, err
	}
	d.internal = f
	return d, nil
}

// NewFromProvider wraps the HAL device of a gpucontext provider that also
// exposes HalDevice() any and HalQueue() any.
func NewFromProvider(provider gpucontext.DeviceProvider) (*Device, error) {
	type halProvider interface {
		HalDevice() any
		HalQueue() any
	}
	hp, ok := provider.(halProvider)
	if !ok {
		return nil, fmt.Errorf("halhost: provider does not expose HAL types")
	}
	device, ok := hp.HalDevice().(hal.Device)
	if !ok || device == nil {
		return nil, fmt.Errorf("halhost: provider HalDevice is not hal.Device")
	}
	queue, ok := hp.HalQueue().(hal.Queue)
	if !ok || queue == nil {
		return nil, fmt.Errorf("halhost: provider HalQueue is not hal.Queue")
	}
	return New(device, queue)
}

// Open creates a Device on the first discrete or integrated adapter of
// backend, falling back to the first adapter.
func Open(backend gputypes.Backend) (*Device, error) {
	b, ok := hal.GetBackend(backend)
	if !ok {
		return nil, fmt.Errorf("halhost: backend %v not available", backend)
	}
	instance, err := b.CreateInstance(&hal.InstanceDescriptor{Flags: 0})
	if err != nil {
		return nil, fmt.Errorf("halhost: create instance: %w", err)
	}
	return openAdapter(instance)
}

func openAdapter(instance hal.Instance) (*Device, error) {
	adapters := instance.EnumerateAdapters(nil)
	if len(adapters) == 0 {
		instance.Destroy()
		return nil, fmt.Errorf("halhost: no GPU adapters found")
	}
	selected := &adapters[0]
	for i := range adapters {
		if adapters[i].Info.DeviceType == gputypes.DeviceTypeDiscreteGPU ||
			adapters[i].Info.DeviceType == gputypes.DeviceTypeIntegratedGPU {
			selected = &adapters[i]
			break
		}
	}
	openDev, err := selected.Adapter.Open(gputypes.Features(0), gputypes.DefaultLimits())
	if err != nil {
		instance.Destroy()
		return nil, fmt.Errorf("halhost: open device: %w", err)
	}
	d, err := New(openDev.Device, openDev.Queue)
	if err != nil {
		openDev.Device.Destroy()
		instance.Destroy()
		return nil, err
	}
	d.instance = instance
	d.traits.Name = selected.Info.Name
	return d, nil
}

// SetLogger sets the logger of this device. Pass nil to disable logging.
func (d *Device) SetLogger(l *slog.Logger) { d.logger.Store(logging.OrNop(l)) }

func (d *Device) log() *slog.Logger { return d.logger.Load() }

// Traits implements host.Device.
func (d *Device) Traits() host.Traits { return d.traits }

// CreateImage implements host.Device. Linear tiling is not exposed by the
// HAL; such images are created optimal and accessed through staging.
func (d *Device) CreateImage(info host.ImageInfo) (host.Image, error) {
	format, ok := Format(info.Format)
	if !ok {
		return nil, fmt.Errorf("halhost: image %q format %v: %w", info.Label, info.Format, host.ErrUnsupportedFormat)
	}
	depth := info.Extent.Depth
	if info.Type != host.ImageType3D {
		depth = max(info.ArrayLayers, 1)
	}
	tex, err := d.device.CreateTexture(&hal.TextureDescriptor{
		Label:         info.Label,
		Size:          hal.Extent3D{Width: info.Extent.Width, Height: info.Extent.Height, DepthOrArrayLayers: depth},
		MipLevelCount: max(info.MipLevels, 1),
		SampleCount:   max(uint32(info.Samples), 1),
		Dimension:     dimension(info.Type),
		Format:        format,
		Usage:         textureUsage(info.Usage) | gputypes.TextureUsageCopySrc | gputypes.TextureUsageCopyDst,
	})
	if err != nil {
		return nil, fmt.Errorf("halhost: create image %q: %w", info.Label, mapError(err))
	}
	return &Image{dev: d, tex: tex, info: info}, nil
}

// CreateImageView implements host.Device. Component swizzles other than
// identity are not expressible on HAL views and are logged.
func (d *Device) CreateImageView(img host.Image, info host.ViewInfo) (host.ImageView, error) {
	im, ok := img.(*Image)
	if !ok {
		return nil, fmt.Errorf("halhost: foreign image %T", img)
	}
	format, ok := Format(info.Format)
	if !ok {
		return nil, fmt.Errorf("halhost: view format %v: %w", info.Format, host.ErrUnsupportedFormat)
	}
	if info.Components.Normalized() != host.IdentityMapping.Normalized() {
		d.log().Debug("halhost: view swizzle ignored", "image", im.info.Label, "components", info.Components)
	}
	v, err := d.device.CreateTextureView(im.tex, &hal.TextureViewDescriptor{
		Label:           im.info.Label,
		Format:          format,
		Dimension:       viewDimension(info.Type),
		Aspect:          aspect(im.info.Format, info.Range.Aspect),
		BaseMipLevel:    info.Range.BaseMipLevel,
		MipLevelCount:   info.Range.LevelCount,
		BaseArrayLayer:  info.Range.BaseArrayLayer,
		ArrayLayerCount: info.Range.LayerCount,
	})
	if err != nil {
		return nil, fmt.Errorf("halhost: create view of %q: %w", im.info.Label, mapError(err))
	}
	return &ImageView{img: im, view: v, info: info}, nil
}

// CreateBuffer implements host.Device.
func (d *Device) CreateBuffer(size uint64) (host.Buffer, error) {
	return &Buffer{dev: d, data: make([]byte, size)}, nil
}

// CreateCommandBuffer implements host.Device.
func (d *Device) CreateCommandBuffer() (host.CommandBuffer, error) {
	return &CommandBuffer{dev: d}, nil
}

// CreateFence implements host.Device.
func (d *Device) CreateFence(signaled bool) (host.Fence, error) {
	return d.createFence(signaled)
}

// CreateSemaphore implements host.Device.
func (d *Device) CreateSemaphore() (host.Semaphore, error) { return semaphore{}, nil }

// Submit implements host.Device.
func (d *Device) Submit(info host.SubmitInfo, fence host.Fence) error {
	cmds := make([]hal.CommandBuffer, 0, len(info.CommandBuffers))
	for _, c := range info.CommandBuffers {
		cb, ok := c.(*CommandBuffer)
		if !ok {
			return fmt.Errorf("halhost: foreign command buffer %T", c)
		}
		if cb.cmd == nil {
			return fmt.Errorf("halhost: submit: %w", host.ErrNotRecording)
		}
		cmds = append(cmds, cb.cmd)
	}

	f := d.internal
	if fence != nil {
		ff, ok := fence.(*Fence)
		if !ok {
			return fmt.Errorf("halhost: foreign fence %T", fence)
		}
		f = ff
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	value := f.arm()
	if err := d.queue.Submit(cmds, f.fence, value); err != nil {
		return fmt.Errorf("halhost: submit: %w", mapError(err))
	}
	d.last, d.lastWait = f, value
	return nil
}

// WaitIdle implements host.Device. The queue is in order, so the last
// submission completing means all have.
func (d *Device) WaitIdle() error {
	d.mu.Lock()
	f, value := d.last, d.lastWait
	d.mu.Unlock()
	if f == nil {
		return nil
	}
	for {
		ok, err := d.device.Wait(f.fence, value, waitSlice)
		if err != nil {
			return fmt.Errorf("halhost: wait idle: %w", mapError(err))
		}
		if ok {
			return nil
		}
	}
}

// Destroy implements host.Device. A device passed to New stays owned by
// the caller.
func (d *Device) Destroy() {
	if err := d.WaitIdle(); err != nil {
		d.log().Warn("halhost: destroy", "err", err)
	}
	d.internal.Destroy()
	if d.instance != nil {
		d.device.Destroy()
		d.instance.Destroy()
	}
}

// mapError folds backend device-loss reports into host.ErrDeviceLost.
func mapError(err error) error {
	if err == nil || errors.Is(err, host.ErrDeviceLost) {
		return err
	}
	if strings.Contains(strings.ToLower(err.Error()), "device lost") {
		return errors.Join(host.ErrDeviceLost, err)
	}
	return err
}
