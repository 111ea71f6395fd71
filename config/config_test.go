package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultIsValid(t *testing.T) {
	s := Default()
	if err := s.Validate(); err != nil {
		t.Fatalf("Validate(Default()) = %v", err)
	}
	if s != Default() {
		t.Error("Validate changed the defaults")
	}
}

func TestParse(t *testing.T) {
	tests := []struct {
		name string
		ext  string
		data string
		want func(*Settings)
	}{
		{
			name: "toml",
			ext:  ".toml",
			data: "executor_slot_count_scale = 2\nuse_direct_memory_import = true\ndevice_loss_backoff = \"250ms\"\n",
			want: func(s *Settings) {
				s.ExecutorSlotCountScale = 2
				s.UseDirectMemoryImport = true
				s.DeviceLossBackoff = Duration(250 * time.Millisecond)
			},
		},
		{
			name: "yaml",
			ext:  ".yaml",
			data: "executor_flush_threshold: 64\nenable_fast_gpu_readback_hack: true\nfast_readback_wait_threshold: 5ms\n",
			want: func(s *Settings) {
				s.ExecutorFlushThreshold = 64
				s.EnableFastGpuReadbackHack = true
				s.FastReadbackWaitThreshold = Duration(5 * time.Millisecond)
			},
		},
		{
			name: "yml upper case",
			ext:  ".YML",
			data: "force_decompression: true\n",
			want: func(s *Settings) { s.ForceDecompression = true },
		},
		{
			name: "empty yaml",
			ext:  ".yaml",
			want: func(*Settings) {},
		},
		{
			name: "clamped",
			ext:  ".toml",
			data: "executor_slot_count_scale = 20\nview_cache_size = 1\n",
			want: func(s *Settings) {
				s.ExecutorSlotCountScale = MaxSlotCountScale
				s.ViewCacheSize = MinViewCacheSize
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Parse(tt.ext, []byte(tt.data))
			if err != nil {
				t.Fatalf("Parse: %v", err)
			}
			want := Default()
			tt.want(&want)
			if got != want {
				t.Errorf("Parse = %+v, want %+v", got, want)
			}
		})
	}
}

func TestParseRejects(t *testing.T) {
	tests := []struct {
		name string
		ext  string
		data string
	}{
		{"unknown toml key", ".toml", "executor_slots = 3\n"},
		{"unknown yaml key", ".yaml", "executor_slots: 3\n"},
		{"bad duration", ".toml", "device_loss_backoff = \"soon\"\n"},
		{"bad yaml duration", ".yaml", "fence_wait_timeout: forever\n"},
		{"extension", ".json", "{}"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Parse(tt.ext, []byte(tt.data)); err == nil {
				t.Fatal("Parse succeeded")
			}
		})
	}
	if _, err := Parse(".ini", nil); !errors.Is(err, ErrUnknownFormat) {
		t.Errorf("Parse(.ini) = %v, want ErrUnknownFormat", err)
	}
}

func TestValidateReportsClamps(t *testing.T) {
	s := Settings{ExecutorSlotCountScale: 9, FenceWaitTimeout: -1, DeviceLossBackoff: -1}
	err := s.Validate()
	if !errors.Is(err, ErrInvalid) {
		t.Fatalf("Validate = %v, want ErrInvalid", err)
	}
	if s.ExecutorFlushThreshold != 256 || s.FenceWaitTimeout.D() != time.Second || s.DeviceLossBackoff != 0 {
		t.Errorf("clamped settings = %+v", s)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	s := Default()
	s.ExecutorSlotCountScale = 3
	s.FenceWaitTimeout = Duration(100 * time.Millisecond)
	for _, name := range []string{"gpu.toml", "gpu.yaml"} {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), name)
			if err := Save(path, s); err != nil {
				t.Fatalf("Save: %v", err)
			}
			got, err := Load(path)
			if err != nil {
				t.Fatalf("Load: %v", err)
			}
			if got != s {
				t.Errorf("Load = %+v, want %+v", got, s)
			}
		})
	}
}

func TestLoadMissing(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	if !errors.Is(err, os.ErrNotExist) {
		t.Errorf("Load = %v, want ErrNotExist", err)
	}
}

func TestWatchReloads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gpu.toml")
	if err := os.WriteFile(path, []byte("executor_flush_threshold = 10\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	got := make(chan Settings, 16)
	if err := Watch(ctx, path, func(s Settings) { got <- s }); err != nil {
		t.Fatalf("Watch: %v", err)
	}

	if err := os.WriteFile(path, []byte("executor_flush_threshold = 20\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	deadline := time.After(5 * time.Second)
	for {
		select {
		case s := <-got:
			if s.ExecutorFlushThreshold == 20 {
				return
			}
		case <-deadline:
			t.Fatal("settings not reloaded")
		}
	}
}
