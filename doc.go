// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

// Package guestgpu virtualizes the GPU resources of an emulated console on a
// Vulkan-class host GPU.
//
// # Overview
//
// A guest program describes textures by their address in guest memory and
// their guest layout (block-linear, pitch or linear). guestgpu keeps a host
// image for each of them, copies data between guest memory and the host
// image on demand, and batches the host work the guest requests into as
// few command buffers and render passes as possible.
//
// # Quick Start
//
//	dev := soft.NewDevice()      // or halhost / vkhost
//	mem := memtrap.NewMemory()   // guest address space with traps
//	g, err := guestgpu.New(dev, mem, config.Default())
//	if err != nil { ... }
//	defer g.Close()
//
//	view, err := g.FindOrCreateTexture(texture.Descriptor{...})
//	g.Executor().AttachTexture(view)
//	g.Executor().AddClearColorSubpass(view, host.ClearValue{Color: [4]float32{0, 0, 0, 1}})
//	err = g.Executor().Submit(nil, false)
//
// # Packages
//
// The facade wires these packages together; each can be used on its own:
//
//   - [github.com/gogpu/guestgpu/host]: the host GPU interface, with
//     software (host/soft), wgpu HAL (host/halhost) and raw Vulkan
//     (host/vkhost) implementations.
//   - [github.com/gogpu/guestgpu/texture]: guest layouts, the dirty-state
//     machine and the texture manager.
//   - [github.com/gogpu/guestgpu/fence]: completion tokens of submissions.
//   - [github.com/gogpu/guestgpu/scheduler]: pooled command buffers and
//     submission.
//   - [github.com/gogpu/guestgpu/executor]: node batching and render pass
//     merging.
//   - [github.com/gogpu/guestgpu/memtrap]: guest memory traps.
//   - [github.com/gogpu/guestgpu/config]: settings files.
//
// # Errors
//
// Device loss that survives a retry and unsupported guest constructs are
// fatal to the emulated process. They are returned as [*FatalError] and
// delivered to the handlers registered with [GPU.OnFatal].
//
// # Logging
//
// guestgpu is silent by default. See [SetLogger].
package guestgpu
