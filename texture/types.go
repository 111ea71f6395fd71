package texture

import (
	"errors"
	"fmt"

	"github.com/gogpu/guestgpu/host"
	"github.com/gogpu/guestgpu/internal/layout"
	"github.com/gogpu/guestgpu/memtrap"
)

var (
	// ErrUnsupported reports a guest construct the core cannot represent,
	// such as mipmapped pitch-linear surfaces. It is fatal for the guest.
	ErrUnsupported = errors.New("texture: unsupported guest texture")

	// ErrIncompatibleFormat reports a view format that cannot alias the
	// texture's host format.
	ErrIncompatibleFormat = errors.New("texture: incompatible format")
)

// Dimensions is the size of a surface in texels.
type Dimensions = layout.Dimensions

// Mappings is the ordered list of guest regions backing one surface.
type Mappings = []memtrap.Region

// mappingsSize returns the total size of every mapping.
func mappingsSize(m Mappings) uint64 {
	var n uint64
	for _, r := range m {
		n += uint64(len(r.Data))
	}
	return n
}

// TileMode is the arrangement of a surface in guest memory.
type TileMode uint8

const (
	// TileLinear stores texels row by row without padding.
	TileLinear TileMode = iota
	// TilePitch stores rows pitch bytes apart.
	TilePitch
	// TileBlock stores texels in GOB-swizzled blocks.
	TileBlock
)

func (m TileMode) String() string {
	switch m {
	case TileLinear:
		return "linear"
	case TilePitch:
		return "pitch"
	case TileBlock:
		return "block"
	}
	return fmt.Sprintf("TileMode(%d)", uint8(m))
}

// TileConfig is a TileMode with its parameters. BlockHeight and BlockDepth
// are in GOBs and only meaningful for TileBlock; Pitch only for TilePitch.
type TileConfig struct {
	Mode        TileMode
	BlockHeight uint32
	BlockDepth  uint32
	Pitch       uint32
}

// LinearTiling returns a linear TileConfig.
func LinearTiling() TileConfig { return TileConfig{Mode: TileLinear} }

// PitchTiling returns a pitch-linear TileConfig.
func PitchTiling(pitch uint32) TileConfig { return TileConfig{Mode: TilePitch, Pitch: pitch} }

// BlockTiling returns a block-linear TileConfig.
func BlockTiling(blockHeight, blockDepth uint32) TileConfig {
	return TileConfig{Mode: TileBlock, BlockHeight: blockHeight, BlockDepth: blockDepth}
}

// Equal compares only the parameters of the shared mode.
func (c TileConfig) Equal(o TileConfig) bool {
	if c.Mode != o.Mode {
		return false
	}
	switch c.Mode {
	case TilePitch:
		return c.Pitch == o.Pitch
	case TileBlock:
		return c.BlockHeight == o.BlockHeight && c.BlockDepth == o.BlockDepth
	}
	return true
}

// gobBlock returns the block extent in GOBs, 1x1 outside block mode.
func (c TileConfig) gobBlock() (height, depth uint32) {
	if c.Mode != TileBlock {
		return 1, 1
	}
	return max(c.BlockHeight, 1), max(c.BlockDepth, 1)
}

func (c TileConfig) String() string {
	switch c.Mode {
	case TilePitch:
		return fmt.Sprintf("pitch(%d)", c.Pitch)
	case TileBlock:
		return fmt.Sprintf("block(%dx%d)", c.BlockHeight, c.BlockDepth)
	}
	return c.Mode.String()
}

// MsaaConfig is a guest multisample mode. Values match the sample count.
type MsaaConfig uint32

const (
	Msaa1x1 MsaaConfig = 1
	Msaa2x1 MsaaConfig = 2
	Msaa2x2 MsaaConfig = 4
	Msaa4x2 MsaaConfig = 8
	Msaa4x4 MsaaConfig = 16
)

// SampleCount returns the host sample count of m.
func (m MsaaConfig) SampleCount() host.SampleCount { return host.SampleCount(m) }

// CalculateMsaaDimensions scales pixel dimensions to sample dimensions.
// Each mode has fixed width and height multipliers.
func CalculateMsaaDimensions(d Dimensions, m MsaaConfig) (Dimensions, error) {
	var w, h uint32
	switch m {
	case Msaa1x1:
		w, h = 1, 1
	case Msaa2x1:
		w, h = 1, 2
	case Msaa2x2:
		w, h = 2, 2
	case Msaa4x2:
		w, h = 2, 4
	case Msaa4x4:
		w, h = 4, 4
	default:
		return d, fmt.Errorf("%w: msaa mode %d", ErrUnsupported, uint32(m))
	}
	d.Width *= w
	d.Height *= h
	return d, nil
}

// DirtyState tells where the authoritative copy of a texture lives.
type DirtyState uint8

const (
	// Clean means guest and host memory agree.
	Clean DirtyState = iota
	// CpuDirty means the guest wrote since the last upload.
	CpuDirty
	// GpuDirty means the host wrote since the last download.
	GpuDirty
)

func (s DirtyState) String() string {
	switch s {
	case Clean:
		return "clean"
	case CpuDirty:
		return "cpu-dirty"
	case GpuDirty:
		return "gpu-dirty"
	}
	return "invalid"
}

// RenderPassUsage is how a texture was last used inside a render pass.
type RenderPassUsage uint8

const (
	UsageNone RenderPassUsage = iota
	UsageSampled
	UsageRenderTarget
)

func (u RenderPassUsage) String() string {
	switch u {
	case UsageNone:
		return "none"
	case UsageSampled:
		return "sampled"
	case UsageRenderTarget:
		return "render-target"
	}
	return "invalid"
}
