// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

package guestgpu

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/gogpu/guestgpu/config"
	"github.com/gogpu/guestgpu/executor"
	"github.com/gogpu/guestgpu/host"
	"github.com/gogpu/guestgpu/memtrap"
	"github.com/gogpu/guestgpu/scheduler"
	"github.com/gogpu/guestgpu/texture"
)

// GPU wires a host device to the scheduler, executor and texture manager
// of one emulated GPU.
type GPU struct {
	device   host.Device
	sched    *scheduler.Scheduler
	textures *texture.Manager
	exec     *executor.Executor

	settings atomic.Pointer[config.Settings]

	fatalMu  sync.Mutex
	onFatal  []func(error)
	fatalErr error

	closeOnce sync.Once
	closed    atomic.Bool
}

// New creates a GPU on device, trapping guest memory through traps. The
// settings are validated first; out-of-range values are clamped.
func New(device host.Device, traps memtrap.Manager, s config.Settings) (*GPU, error) {
	if err := s.Validate(); err != nil {
		Logger().Warn("guestgpu: settings clamped", "err", err)
	}

	g := &GPU{device: device}
	g.settings.Store(&s)
	propagateLogger(device, Logger())

	g.sched = scheduler.New(device,
		scheduler.WithDeviceLossBackoff(s.DeviceLossBackoff.D()),
		scheduler.WithWaitSlice(s.FenceWaitTimeout.D()),
	)
	g.textures = texture.NewManager(device, g.sched, traps,
		texture.WithForceDecompression(s.ForceDecompression),
		texture.WithViewCacheSize(s.ViewCacheSize),
		texture.WithFastReadback(s.EnableFastGpuReadbackHack, s.FastReadbackWaitThreshold.D()),
	)
	exec, err := executor.New(device, g.sched,
		executor.WithSlotCountScale(s.ExecutorSlotCountScale),
		executor.WithFlushThreshold(s.ExecutorFlushThreshold),
		executor.WithDirectMemoryImport(s.UseDirectMemoryImport),
		executor.WithWaitSlice(s.FenceWaitTimeout.D()),
		executor.WithErrorHandler(func(err error) { g.handleError(err) }),
	)
	if err != nil {
		g.textures.Close()
		g.sched.Close()
		return nil, fmt.Errorf("guestgpu: %w", err)
	}
	g.exec = exec

	gpusMu.Lock()
	gpus[g] = struct{}{}
	gpusMu.Unlock()

	traits := device.Traits()
	Logger().Info("guestgpu: GPU created",
		"device", traits.Name,
		"bcn", traits.SupportsBCn,
		"slots", 1<<s.ExecutorSlotCountScale)
	return g, nil
}

// Device returns the host device.
func (g *GPU) Device() host.Device { return g.device }

// Scheduler returns the command scheduler.
func (g *GPU) Scheduler() *scheduler.Scheduler { return g.sched }

// Textures returns the texture manager.
func (g *GPU) Textures() *texture.Manager { return g.textures }

// Executor returns the executor. It must be driven from one goroutine.
func (g *GPU) Executor() *executor.Executor { return g.exec }

// Settings returns the settings in effect.
func (g *GPU) Settings() config.Settings { return *g.settings.Load() }

// ApplySettings applies the reloadable subset of s: the flush threshold,
// direct memory import and the fast readback hack. The remaining fields
// take effect on the next New.
func (g *GPU) ApplySettings(s config.Settings) {
	if err := s.Validate(); err != nil {
		Logger().Warn("guestgpu: settings clamped", "err", err)
	}
	cur := g.Settings()
	cur.ExecutorFlushThreshold = s.ExecutorFlushThreshold
	cur.UseDirectMemoryImport = s.UseDirectMemoryImport
	cur.EnableFastGpuReadbackHack = s.EnableFastGpuReadbackHack
	cur.FastReadbackWaitThreshold = s.FastReadbackWaitThreshold
	g.settings.Store(&cur)

	g.exec.SetFlushThreshold(cur.ExecutorFlushThreshold)
	g.exec.SetDirectMemoryImport(cur.UseDirectMemoryImport)
	g.textures.SetFastReadback(cur.EnableFastGpuReadbackHack, cur.FastReadbackWaitThreshold.D())
	Logger().Debug("guestgpu: settings applied",
		"flush_threshold", cur.ExecutorFlushThreshold,
		"direct_memory_import", cur.UseDirectMemoryImport,
		"fast_readback", cur.EnableFastGpuReadbackHack)
}

// WatchSettings applies the settings file at path whenever it changes,
// until ctx is done.
func (g *GPU) WatchSettings(ctx context.Context, path string) error {
	return config.Watch(ctx, path, g.ApplySettings)
}

// OnFatal registers fn to receive fatal errors, typically to stop the
// emulated process. fn runs on the goroutine that hit the error. A fatal
// error seen before fn was registered is delivered right away.
func (g *GPU) OnFatal(fn func(error)) {
	g.fatalMu.Lock()
	g.onFatal = append(g.onFatal, fn)
	err := g.fatalErr
	g.fatalMu.Unlock()
	if err != nil {
		fn(err)
	}
}

// Err returns the first fatal error, if any.
func (g *GPU) Err() error {
	g.fatalMu.Lock()
	defer g.fatalMu.Unlock()
	return g.fatalErr
}

// handleError classifies err and delivers fatal errors. It returns the
// classified error.
func (g *GPU) handleError(err error) error {
	err = classify(err)
	if !IsFatal(err) {
		Logger().Warn("guestgpu: GPU error", "err", err)
		return err
	}
	Logger().Error("guestgpu: fatal GPU error", "err", err)

	g.fatalMu.Lock()
	if g.fatalErr == nil {
		g.fatalErr = err
	}
	handlers := append([]func(error){}, g.onFatal...)
	g.fatalMu.Unlock()
	for _, fn := range handlers {
		fn(err)
	}
	return err
}

// FindOrCreateTexture looks up or creates the texture described by d on
// behalf of the executor's goroutine. An unsupported guest texture is
// fatal.
func (g *GPU) FindOrCreateTexture(d texture.Descriptor) (*texture.HostTextureView, error) {
	if g.closed.Load() {
		return nil, ErrClosed
	}
	v, err := g.textures.FindOrCreate(g.exec.Tag(), d)
	if err != nil {
		return nil, g.handleError(err)
	}
	return v, nil
}

// Submit submits the executor's pending work. Fatal submission errors are
// delivered to the OnFatal handlers as well as returned.
func (g *GPU) Submit(callback func(), wait bool) error {
	if g.closed.Load() {
		return ErrClosed
	}
	if err := g.exec.Submit(callback, wait); err != nil {
		return g.handleError(err)
	}
	return nil
}

// Close submits pending work, waits for the GPU and releases everything
// but the device, which stays owned by the caller.
func (g *GPU) Close() error {
	var err error
	g.closeOnce.Do(func() {
		g.closed.Store(true)
		gpusMu.Lock()
		delete(gpus, g)
		gpusMu.Unlock()

		err = g.exec.Close()
		if errors.Is(err, executor.ErrClosed) {
			err = nil
		}
		g.textures.Close()
		g.sched.Close()
	})
	return err
}
