//go:build !nogpu

package halhost

import (
	"fmt"
	"sync"
	"time"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/guestgpu/host"
)

// waitSlice bounds one device wait in WaitIdle.
const waitSlice = time.Second

// Image is a host.Image backed by a HAL texture.
type Image struct {
	dev  *Device
	tex  hal.Texture
	info host.ImageInfo

	mu    sync.Mutex
	usage gputypes.TextureUsage // as of the last recorded command
}

// Info implements host.Image.
func (i *Image) Info() host.ImageInfo { return i.info }

// Destroy implements host.Image.
func (i *Image) Destroy() { i.dev.device.DestroyTexture(i.tex) }

// transition returns the barrier moving i to usage, if it is not there yet.
func (i *Image) transition(usage gputypes.TextureUsage) (hal.TextureBarrier, bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.usage == usage {
		return hal.TextureBarrier{}, false
	}
	b := hal.TextureBarrier{
		Texture: i.tex,
		Usage:   hal.TextureUsageTransition{OldUsage: i.usage, NewUsage: usage},
	}
	i.usage = usage
	return b, true
}

// ImageView is a host.ImageView backed by a HAL texture view.
type ImageView struct {
	img  *Image
	view hal.TextureView
	info host.ViewInfo
}

// Image implements host.ImageView.
func (v *ImageView) Image() host.Image { return v.img }

// Info implements host.ImageView.
func (v *ImageView) Info() host.ViewInfo { return v.info }

// Destroy implements host.ImageView.
func (v *ImageView) Destroy() { v.img.dev.device.DestroyTextureView(v.view) }

type readback struct {
	buf    hal.Buffer
	layout copyLayout
}

// Buffer is a host.Buffer held in CPU memory. Copies into images stage
// its contents when they are recorded; copies out of images leave a
// pending readback that Invalidate resolves.
type Buffer struct {
	dev  *Device
	data []byte

	mu      sync.Mutex
	pending []readback
}

// Bytes implements host.Buffer.
func (b *Buffer) Bytes() []byte { return b.data }

// Size implements host.Buffer.
func (b *Buffer) Size() uint64 { return uint64(len(b.data)) }

// Flush implements host.Buffer.
func (b *Buffer) Flush() error { return nil }

// Invalidate implements host.Buffer. It must only be called once the
// submissions writing the buffer have completed.
func (b *Buffer) Invalidate() error {
	b.mu.Lock()
	pending := b.pending
	b.pending = nil
	b.mu.Unlock()

	var firstErr error
	for _, r := range pending {
		padded := make([]byte, r.layout.paddedSize())
		err := b.dev.queue.ReadBuffer(r.buf, 0, padded)
		if err == nil {
			err = r.layout.unpack(b.data, padded)
		}
		if err != nil && firstErr == nil {
			firstErr = fmt.Errorf("halhost: readback: %w", mapError(err))
		}
		b.dev.device.DestroyBuffer(r.buf)
	}
	return firstErr
}

func (b *Buffer) addReadback(r readback) {
	b.mu.Lock()
	b.pending = append(b.pending, r)
	b.mu.Unlock()
}

// Destroy implements host.Buffer.
func (b *Buffer) Destroy() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, r := range b.pending {
		b.dev.device.DestroyBuffer(r.buf)
	}
	b.pending = nil
}

// Fence is a host.Fence on a HAL timeline fence. Each submission signals
// the next timeline value and the fence waits for the value of its latest
// arming.
type Fence struct {
	dev   *Device
	fence hal.Fence

	mu     sync.Mutex
	last   uint64 // last value handed to a submission
	target uint64 // value Wait waits for; zero means signalled
}

func (d *Device) createFence(signaled bool) (*Fence, error) {
	f, err := d.device.CreateFence()
	if err != nil {
		return nil, fmt.Errorf("halhost: create fence: %w", mapError(err))
	}
	fence := &Fence{dev: d, fence: f, target: 1}
	if signaled {
		fence.target = 0
	}
	return fence, nil
}

// arm returns the value the next submission signals.
func (f *Fence) arm() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.last++
	f.target = f.last
	return f.last
}

// Wait implements host.Fence.
func (f *Fence) Wait(timeout time.Duration) (bool, error) {
	f.mu.Lock()
	target := f.target
	f.mu.Unlock()
	if target == 0 {
		return true, nil
	}
	ok, err := f.dev.device.Wait(f.fence, target, timeout)
	if err != nil {
		return false, fmt.Errorf("halhost: fence wait: %w", mapError(err))
	}
	return ok, nil
}

// Signaled implements host.Fence.
func (f *Fence) Signaled() (bool, error) { return f.Wait(0) }

// Reset implements host.Fence. The fence stays unsignalled until the next
// submission that signals it completes.
func (f *Fence) Reset() error {
	f.mu.Lock()
	f.target = f.last + 1
	f.mu.Unlock()
	return nil
}

// Destroy implements host.Fence.
func (f *Fence) Destroy() {
	f.dev.mu.Lock()
	if f.dev.last == f {
		f.dev.last = nil
	}
	f.dev.mu.Unlock()
	f.dev.device.DestroyFence(f.fence)
}

type semaphore struct{}

func (semaphore) Destroy() {}
