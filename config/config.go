// Package config holds the tunable settings of the GPU core and loads them
// from TOML or YAML files.
//
// Settings files are flat tables of snake_case keys. Durations are written
// as Go duration strings:
//
//	executor_slot_count_scale = 3
//	device_loss_backoff = "2s"
//
// Unknown keys are rejected so that misspelled settings are noticed.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// Errors returned by Load.
var (
	ErrUnknownFormat = errors.New("config: unknown settings file format")
	ErrInvalid       = errors.New("config: invalid setting")
)

// Limits applied by Validate.
const (
	MaxSlotCountScale = 8
	MinViewCacheSize  = 16
)

// Duration is a time.Duration read from a duration string such as "5s".
type Duration time.Duration

// D returns d as a time.Duration.
func (d Duration) D() time.Duration { return time.Duration(d) }

// String formats d like time.Duration.
func (d Duration) String() string { return time.Duration(d).String() }

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) { return []byte(d.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	*d = Duration(v)
	return nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(n *yaml.Node) error {
	return d.UnmarshalText([]byte(n.Value))
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) { return d.String(), nil }

// Settings are the GPU settings of the emulator.
type Settings struct {
	// ExecutorSlotCountScale bounds the executor's slot pool to
	// 1<<ExecutorSlotCountScale command buffers.
	ExecutorSlotCountScale uint `toml:"executor_slot_count_scale" yaml:"executor_slot_count_scale"`
	// ExecutorFlushThreshold is the node count after which opening a new
	// render pass submits the pending work.
	ExecutorFlushThreshold int `toml:"executor_flush_threshold" yaml:"executor_flush_threshold"`
	// UseDirectMemoryImport runs submission callbacks once the GPU has
	// finished instead of right after submission.
	UseDirectMemoryImport bool `toml:"use_direct_memory_import" yaml:"use_direct_memory_import"`

	// EnableFastGpuReadbackHack skips writing back textures the guest keeps
	// waiting on. It trades correctness for speed.
	EnableFastGpuReadbackHack bool     `toml:"enable_fast_gpu_readback_hack" yaml:"enable_fast_gpu_readback_hack"`
	FastReadbackWaitThreshold Duration `toml:"fast_readback_wait_threshold" yaml:"fast_readback_wait_threshold"`

	DeviceLossBackoff Duration `toml:"device_loss_backoff" yaml:"device_loss_backoff"`
	// FenceWaitTimeout is the longest single fence wait; waits longer than
	// this are split into slices.
	FenceWaitTimeout Duration `toml:"fence_wait_timeout" yaml:"fence_wait_timeout"`

	// ForceDecompression decodes compressed formats on the CPU even when
	// the host samples them natively.
	ForceDecompression bool `toml:"force_decompression" yaml:"force_decompression"`
	ViewCacheSize      int  `toml:"view_cache_size" yaml:"view_cache_size"`
}

// Default returns the default settings.
func Default() Settings {
	return Settings{
		ExecutorSlotCountScale:    4,
		ExecutorFlushThreshold:    256,
		FastReadbackWaitThreshold: Duration(2 * time.Millisecond),
		DeviceLossBackoff:         Duration(5 * time.Second),
		FenceWaitTimeout:          Duration(time.Second),
		ViewCacheSize:             256,
	}
}

// Validate clamps out-of-range settings into range. The returned error
// names every setting that was changed; s is usable either way.
func (s *Settings) Validate() error {
	var errs []error
	clamp := func(name string, bad bool, fix func()) {
		if bad {
			fix()
			errs = append(errs, fmt.Errorf("%w: %s out of range", ErrInvalid, name))
		}
	}
	def := Default()
	clamp("executor_slot_count_scale", s.ExecutorSlotCountScale > MaxSlotCountScale, func() {
		s.ExecutorSlotCountScale = MaxSlotCountScale
	})
	clamp("executor_flush_threshold", s.ExecutorFlushThreshold < 1, func() {
		s.ExecutorFlushThreshold = def.ExecutorFlushThreshold
	})
	clamp("fast_readback_wait_threshold", s.FastReadbackWaitThreshold < 0, func() {
		s.FastReadbackWaitThreshold = def.FastReadbackWaitThreshold
	})
	clamp("device_loss_backoff", s.DeviceLossBackoff < 0, func() {
		s.DeviceLossBackoff = 0
	})
	clamp("fence_wait_timeout", s.FenceWaitTimeout <= 0, func() {
		s.FenceWaitTimeout = def.FenceWaitTimeout
	})
	clamp("view_cache_size", s.ViewCacheSize < MinViewCacheSize, func() {
		s.ViewCacheSize = MinViewCacheSize
	})
	return errors.Join(errs...)
}

// Load reads settings from path on top of the defaults. The format follows
// the extension: .toml, or .yaml and .yml. Out-of-range values are clamped
// and logged.
func Load(path string) (Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Settings{}, fmt.Errorf("config: %w", err)
	}
	s, err := Parse(filepath.Ext(path), data)
	if err != nil {
		return Settings{}, fmt.Errorf("config: %s: %w", path, err)
	}
	return s, nil
}

// Parse decodes settings in the format named by ext (".toml", ".yaml" or
// ".yml") on top of the defaults.
func Parse(ext string, data []byte) (Settings, error) {
	s := Default()
	switch strings.ToLower(ext) {
	case ".toml":
		dec := toml.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&s); err != nil {
			return Settings{}, err
		}
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		// An empty document leaves the defaults.
		if err := dec.Decode(&s); err != nil && !errors.Is(err, io.EOF) {
			return Settings{}, err
		}
	default:
		return Settings{}, fmt.Errorf("%w %q", ErrUnknownFormat, ext)
	}
	if err := s.Validate(); err != nil {
		slogger().Warn("config: settings clamped", "err", err)
	}
	return s, nil
}

// Save writes s to path in the format named by its extension.
func Save(path string, s Settings) error {
	var (
		data []byte
		err  error
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		data, err = toml.Marshal(s)
	case ".yaml", ".yml":
		data, err = yaml.Marshal(s)
	default:
		return fmt.Errorf("%w %q", ErrUnknownFormat, filepath.Ext(path))
	}
	if err != nil {
		return fmt.Errorf("config: encode: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}
