package host

import "testing"

func TestSubresourceSize(t *testing.T) {
	tests := []struct {
		f    Format
		e    Extent3D
		want uint64
	}{
		{FormatR8G8B8A8Unorm, Extent3D{4, 4, 1}, 64},
		{FormatBC1RGBAUnormBlock, Extent3D{5, 5, 1}, 4 * 8},
		{FormatBC7UnormBlock, Extent3D{4, 4, 2}, 32},
		{FormatR32G32B32Sfloat, Extent3D{3, 1, 0}, 36},
		{Format(9999), Extent3D{1, 1, 1}, 0},
	}
	for _, tt := range tests {
		if got := tt.f.SubresourceSize(tt.e); got != tt.want {
			t.Errorf("%d.SubresourceSize(%v) = %d, want %d", tt.f, tt.e, got, tt.want)
		}
	}
}

func TestSync1Folding(t *testing.T) {
	if got := (StageCopy | StageFragmentShader).Sync1(); got != StageTransfer|StageFragmentShader {
		t.Errorf("stage Sync1 = %#x", got)
	}
	if got := AccessShaderSampledRead.Sync1(); got != AccessShaderRead {
		t.Errorf("access Sync1 = %#x", got)
	}
}

func TestNormalizedMapping(t *testing.T) {
	m := ComponentMapping{SwizzleIdentity, SwizzleR, SwizzleIdentity, SwizzleOne}.Normalized()
	want := ComponentMapping{SwizzleR, SwizzleR, SwizzleB, SwizzleOne}
	if m != want {
		t.Errorf("Normalized = %+v, want %+v", m, want)
	}
}

func TestRangeContains(t *testing.T) {
	r := SubresourceRange{Aspect: AspectDepth | AspectStencil, LevelCount: 4, LayerCount: 6}
	if !r.Contains(SubresourceRange{Aspect: AspectDepth, BaseMipLevel: 1, LevelCount: 3, BaseArrayLayer: 2, LayerCount: 4}) {
		t.Error("inner range not contained")
	}
	if r.Contains(SubresourceRange{Aspect: AspectColor, LevelCount: 1, LayerCount: 1}) {
		t.Error("other aspect contained")
	}
}

func TestFormatClassification(t *testing.T) {
	if !FormatBC4SnormBlock.IsBCn() || FormatASTC4x4UnormBlock.IsBCn() {
		t.Error("IsBCn mismatch")
	}
	if !FormatASTC8x8SrgbBlock.IsASTC() || !FormatASTC8x8SrgbBlock.IsCompressed() {
		t.Error("ASTC classification mismatch")
	}
	if FormatD24UnormS8Uint.IsCompressed() {
		t.Error("depth format reported compressed")
	}
}
