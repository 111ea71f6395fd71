package texture

import (
	"fmt"
	"sync"

	"github.com/gogpu/guestgpu/ctxlock"
	"github.com/gogpu/guestgpu/host"
)

// HostTextureView is a view of a HostTexture handed out to command
// recording. When the manager replaces its texture the view turns stale and
// callers are expected to look it up again.
type HostTextureView struct {
	mu      sync.Mutex
	texture *Texture
	host    *HostTexture
	stale   bool

	Type       host.ImageViewType
	Format     *Format
	Components host.ComponentMapping
	Range      host.SubresourceRange

	view host.ImageView
}

// lookupView returns the existing view matching key. The caller holds the
// texture lock.
func (h *HostTexture) lookupView(key viewKey) (*HostTextureView, bool) {
	if v, ok := h.index.Get(key); ok {
		return v, true
	}
	for _, v := range h.views {
		if v.key() == key {
			h.index.Set(key, v)
			return v, true
		}
	}
	return nil, false
}

// createView creates a host view for key. The caller holds the texture lock.
func (h *HostTexture) createView(key viewKey) (*HostTextureView, error) {
	view, err := h.texture.mgr.device.CreateImageView(h.image, host.ViewInfo{
		Type:       key.typ,
		Format:     key.format.VkFormat,
		Components: key.components,
		Range:      key.rng,
	})
	if err != nil {
		return nil, fmt.Errorf("texture: create %v view: %w", key.format, err)
	}
	v := &HostTextureView{
		texture:    h.texture,
		host:       h,
		Type:       key.typ,
		Format:     key.format,
		Components: key.components,
		Range:      key.rng,
		view:       view,
	}
	h.views = append(h.views, v)
	h.index.Set(key, v)
	return v, nil
}

func (v *HostTextureView) key() viewKey {
	return viewKey{typ: v.Type, format: v.Format, components: v.Components, rng: v.Range}
}

func (v *HostTextureView) snapshot() *Texture {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.texture
}

// Lock acquires the texture backing the view.
func (v *HostTextureView) Lock() { v.snapshot().Lock() }

// LockWithTag acquires the texture backing the view for tag. See
// Texture.LockWithTag.
func (v *HostTextureView) LockWithTag(tag ctxlock.Tag) bool {
	return v.snapshot().LockWithTag(tag)
}

// TryLock acquires the texture backing the view if it is free.
func (v *HostTextureView) TryLock() bool { return v.snapshot().TryLock() }

// Unlock releases the texture backing the view.
func (v *HostTextureView) Unlock() { v.snapshot().Unlock() }

// Stale reports whether the backing texture was replaced.
func (v *HostTextureView) Stale() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.stale
}

// Texture returns the texture backing the view.
func (v *HostTextureView) Texture() *Texture { return v.snapshot() }

// Host returns the host variant the view was created on.
func (v *HostTextureView) Host() *HostTexture { return v.host }

// ImageView returns the host view object.
func (v *HostTextureView) ImageView() host.ImageView { return v.view }

// Image returns the host image the view reads.
func (v *HostTextureView) Image() host.Image { return v.host.image }

func (v *HostTextureView) markStale() {
	v.mu.Lock()
	v.stale = true
	v.mu.Unlock()
}

func (v *HostTextureView) destroy() {
	if v.view != nil {
		v.view.Destroy()
		v.view = nil
	}
}
