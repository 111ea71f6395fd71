// Package soft is a CPU implementation of the host API.
//
// Commands are recorded into closures and executed in submission order by
// a single queue goroutine, which then signals the submission's fence. Images
// are plain byte slices packed level by level, so tests can inspect results
// directly. Semaphores are accepted and counted; in-order execution already
// satisfies them.
package soft

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gogpu/guestgpu/host"
)

// Stats counts the work a Device has executed.
type Stats struct {
	Submits        uint64
	CommandBuffers uint64
	Barriers       uint64
	Copies         uint64
	RenderPasses   uint64
	Clears         uint64
	SemaphoreWaits uint64
}

// Option configures a Device.
type Option func(*Device)

// WithTraits overrides the reported traits.
func WithTraits(t host.Traits) Option {
	return func(d *Device) { d.traits = t }
}

// WithSubmitHook installs fn, which runs before each submission is queued.
// A non-nil error fails the submission without executing it, which lets
// tests simulate device loss.
func WithSubmitHook(fn func(host.SubmitInfo) error) Option {
	return func(d *Device) { d.submitHook = fn }
}

type job struct {
	cmds  [][]func()
	fence *Fence
}

// Device is a host.Device executing on the CPU.
type Device struct {
	traits     host.Traits
	submitHook func(host.SubmitInfo) error

	mu     sync.Mutex
	closed bool
	jobs   chan job
	done   chan struct{}

	submits, cmdBufs, barriers, copies, passes, clears, waits atomic.Uint64
}

// NewDevice creates a Device and starts its queue goroutine.
func NewDevice(opts ...Option) *Device {
	d := &Device{
		traits: host.Traits{
			Name:                          "soft",
			SupportsBCn:                   true,
			SupportsSynchronization2:      true,
			SupportsImagelessFramebuffers: true,
		},
		jobs: make(chan job, 64),
		done: make(chan struct{}),
	}
	for _, o := range opts {
		o(d)
	}
	go d.run()
	return d
}

func (d *Device) run() {
	defer close(d.done)
	for j := range d.jobs {
		for _, cmds := range j.cmds {
			for _, c := range cmds {
				c()
			}
		}
		if j.fence != nil {
			j.fence.signal()
		}
	}
}

// Traits implements host.Device.
func (d *Device) Traits() host.Traits { return d.traits }

// CreateImage implements host.Device.
func (d *Device) CreateImage(info host.ImageInfo) (host.Image, error) {
	if _, ok := info.Format.Block(); !ok {
		return nil, fmt.Errorf("%w: %d", host.ErrUnsupportedFormat, info.Format)
	}
	if info.Format.IsBCn() && !d.traits.SupportsBCn {
		return nil, fmt.Errorf("%w: BCn format %d", host.ErrUnsupportedFormat, info.Format)
	}
	if info.Format.IsASTC() && !d.traits.SupportsASTC {
		return nil, fmt.Errorf("%w: ASTC format %d", host.ErrUnsupportedFormat, info.Format)
	}
	return newImage(info), nil
}

// CreateImageView implements host.Device.
func (d *Device) CreateImageView(img host.Image, info host.ViewInfo) (host.ImageView, error) {
	i, ok := img.(*Image)
	if !ok {
		return nil, fmt.Errorf("soft: foreign image %T", img)
	}
	if info.Format != i.info.Format && i.info.Flags&host.CreateMutableFormat == 0 {
		return nil, fmt.Errorf("%w: view format %d on immutable image of format %d", host.ErrUnsupportedFormat, info.Format, i.info.Format)
	}
	return &ImageView{image: i, info: info}, nil
}

// CreateBuffer implements host.Device.
func (d *Device) CreateBuffer(size uint64) (host.Buffer, error) {
	return &Buffer{data: make([]byte, size)}, nil
}

// CreateCommandBuffer implements host.Device.
func (d *Device) CreateCommandBuffer() (host.CommandBuffer, error) {
	return &CommandBuffer{dev: d}, nil
}

// CreateFence implements host.Device.
func (d *Device) CreateFence(signaled bool) (host.Fence, error) {
	return newFence(signaled), nil
}

// CreateSemaphore implements host.Device.
func (d *Device) CreateSemaphore() (host.Semaphore, error) {
	return &Semaphore{}, nil
}

// Submit implements host.Device.
func (d *Device) Submit(info host.SubmitInfo, fence host.Fence) error {
	if d.submitHook != nil {
		if err := d.submitHook(info); err != nil {
			return err
		}
	}

	j := job{cmds: make([][]func(), 0, len(info.CommandBuffers))}
	for _, cb := range info.CommandBuffers {
		c, ok := cb.(*CommandBuffer)
		if !ok {
			return fmt.Errorf("soft: foreign command buffer %T", cb)
		}
		cmds, err := c.snapshot()
		if err != nil {
			return err
		}
		j.cmds = append(j.cmds, cmds)
	}
	if fence != nil {
		f, ok := fence.(*Fence)
		if !ok {
			return fmt.Errorf("soft: foreign fence %T", fence)
		}
		j.fence = f
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return host.ErrDeviceLost
	}
	d.submits.Add(1)
	d.cmdBufs.Add(uint64(len(j.cmds)))
	d.waits.Add(uint64(len(info.Wait)))
	d.jobs <- j
	return nil
}

// WaitIdle implements host.Device.
func (d *Device) WaitIdle() error {
	f := newFence(false)
	if err := d.Submit(host.SubmitInfo{}, f); err != nil {
		return err
	}
	for {
		if ok, _ := f.Wait(time.Second); ok {
			return nil
		}
	}
}

// Destroy drains the queue and stops the queue goroutine.
func (d *Device) Destroy() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	close(d.jobs)
	d.mu.Unlock()
	<-d.done
}

// Stats returns the execution counters.
func (d *Device) Stats() Stats {
	return Stats{
		Submits:        d.submits.Load(),
		CommandBuffers: d.cmdBufs.Load(),
		Barriers:       d.barriers.Load(),
		Copies:         d.copies.Load(),
		RenderPasses:   d.passes.Load(),
		Clears:         d.clears.Load(),
		SemaphoreWaits: d.waits.Load(),
	}
}

// Semaphore is a host.Semaphore.
type Semaphore struct{}

// Destroy implements host.Semaphore.
func (*Semaphore) Destroy() {}

// Buffer is a coherent host.Buffer.
type Buffer struct {
	data []byte
}

func (b *Buffer) Bytes() []byte     { return b.data }
func (b *Buffer) Size() uint64      { return uint64(len(b.data)) }
func (b *Buffer) Flush() error      { return nil }
func (b *Buffer) Invalidate() error { return nil }
func (b *Buffer) Destroy()          { b.data = nil }
