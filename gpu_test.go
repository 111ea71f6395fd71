package guestgpu

import (
	"bytes"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/gogpu/guestgpu/config"
	"github.com/gogpu/guestgpu/executor"
	"github.com/gogpu/guestgpu/fence"
	"github.com/gogpu/guestgpu/host"
	"github.com/gogpu/guestgpu/host/soft"
	"github.com/gogpu/guestgpu/memtrap"
	"github.com/gogpu/guestgpu/scheduler"
	"github.com/gogpu/guestgpu/texture"
)

func newTestGPU(t *testing.T, s config.Settings, opts ...soft.Option) (*GPU, *memtrap.Memory) {
	t.Helper()
	dev := soft.NewDevice(opts...)
	mem := memtrap.NewMemory()
	g, err := New(dev, mem, s)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() {
		g.Close()
		dev.Destroy()
	})
	return g, mem
}

func linearRGBA(t *testing.T, mem *memtrap.Memory, addr uint64, w, h uint32) (texture.Descriptor, memtrap.Region) {
	t.Helper()
	d := texture.Dimensions{Width: w, Height: h, Depth: 1}
	r, err := mem.Map(addr, texture.R8G8B8A8Unorm.Size(d))
	if err != nil {
		t.Fatalf("Map: %v", err)
	}
	return texture.Descriptor{
		Mappings:         texture.Mappings{r},
		SampleDimensions: d,
		Format:           texture.R8G8B8A8Unorm,
		ViewType:         host.ViewType2D,
		Components:       host.IdentityMapping,
		TileConfig:       texture.LinearTiling(),
	}, r
}

func TestGPUClearReachesGuestMemory(t *testing.T) {
	g, mem := newTestGPU(t, config.Default())
	desc, r := linearRGBA(t, mem, 0x10000, 32, 32)

	view, err := g.FindOrCreateTexture(desc)
	if err != nil {
		t.Fatalf("FindOrCreateTexture: %v", err)
	}
	exec := g.Executor()
	if !exec.AttachTexture(view) {
		t.Fatal("AttachTexture failed")
	}
	exec.AddClearColorSubpass(view, host.ClearValue{Color: [4]float32{1, 0, 0, 1}})
	if err := g.Submit(nil, true); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	got := make([]byte, len(r.Data))
	if err := mem.Read(r.Addr, got); err != nil {
		t.Fatalf("Read: %v", err)
	}
	red := []byte{0xFF, 0x00, 0x00, 0xFF}
	for i := 0; i < len(got); i += 4 {
		if !bytes.Equal(got[i:i+4], red) {
			t.Fatalf("texel %d = %v, want %v", i/4, got[i:i+4], red)
		}
	}
}

func TestGPUUnsupportedTextureIsFatal(t *testing.T) {
	g, mem := newTestGPU(t, config.Default())
	desc, _ := linearRGBA(t, mem, 0x10000, 8, 8)
	desc.LevelCount = 2

	var got []error
	g.OnFatal(func(err error) { got = append(got, err) })

	_, err := g.FindOrCreateTexture(desc)
	if !IsFatal(err) || !errors.Is(err, texture.ErrUnsupported) {
		t.Fatalf("FindOrCreateTexture = %v, want fatal ErrUnsupported", err)
	}
	if len(got) != 1 || got[0] != err {
		t.Errorf("OnFatal handlers got %v", got)
	}
	if g.Err() != err {
		t.Errorf("Err() = %v, want %v", g.Err(), err)
	}

	// Late handlers still hear about it.
	late := 0
	g.OnFatal(func(error) { late++ })
	if late != 1 {
		t.Errorf("late handler called %d times", late)
	}
}

func TestGPUDeviceLossIsFatal(t *testing.T) {
	s := config.Default()
	s.DeviceLossBackoff = config.Duration(time.Millisecond)
	g, _ := newTestGPU(t, s, soft.WithSubmitHook(func(host.SubmitInfo) error { return host.ErrDeviceLost }))

	fatal := make(chan error, 1)
	g.OnFatal(func(err error) { fatal <- err })

	g.Executor().AddCommand(func(host.CommandBuffer, *fence.Cycle) {})
	if err := g.Submit(nil, true); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	select {
	case err := <-fatal:
		if !errors.Is(err, scheduler.ErrDeviceLost) {
			t.Errorf("fatal error = %v, want scheduler.ErrDeviceLost", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("device loss not reported")
	}
}

func TestApplySettings(t *testing.T) {
	g, _ := newTestGPU(t, config.Default())

	s := config.Default()
	s.ExecutorFlushThreshold = 8
	s.UseDirectMemoryImport = true
	s.ExecutorSlotCountScale = 1
	g.ApplySettings(s)

	got := g.Settings()
	if got.ExecutorFlushThreshold != 8 || !got.UseDirectMemoryImport {
		t.Errorf("reloadable settings not applied: %+v", got)
	}
	if got.ExecutorSlotCountScale != config.Default().ExecutorSlotCountScale {
		t.Error("slot count scale changed on a live GPU")
	}

	// With direct memory import on, the callback runs after the GPU is done.
	exec := g.Executor()
	exec.AddCommand(func(host.CommandBuffer, *fence.Cycle) {})
	c := exec.Cycle()
	var mu sync.Mutex
	signalled := false
	if err := g.Submit(func() {
		mu.Lock()
		signalled = c.Signalled()
		mu.Unlock()
	}, true); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if !signalled {
		t.Error("callback ran before the submission completed")
	}
}

func TestGPUClose(t *testing.T) {
	g, mem := newTestGPU(t, config.Default())
	if err := g.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := g.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
	if err := g.Submit(nil, false); !errors.Is(err, ErrClosed) {
		t.Errorf("Submit after Close = %v, want ErrClosed", err)
	}
	desc, _ := linearRGBA(t, mem, 0x10000, 8, 8)
	if _, err := g.FindOrCreateTexture(desc); !errors.Is(err, ErrClosed) {
		t.Errorf("FindOrCreateTexture after Close = %v, want ErrClosed", err)
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		err   error
		fatal bool
	}{
		{nil, false},
		{errors.New("other"), false},
		{executor.ErrClosed, false},
		{fmt.Errorf("submit: %w", scheduler.ErrDeviceLost), true},
		{fmt.Errorf("lookup: %w", texture.ErrUnsupported), true},
		{&FatalError{Err: errors.New("already")}, true},
	}
	for _, tt := range tests {
		got := classify(tt.err)
		if IsFatal(got) != tt.fatal {
			t.Errorf("classify(%v) fatal = %v, want %v", tt.err, IsFatal(got), tt.fatal)
		}
		if tt.fatal && !errors.Is(got, tt.err) {
			t.Errorf("classify(%v) lost the cause", tt.err)
		}
	}
}
