package volume

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/x448/float16"

	"github.com/LumaPictures/openvdb-render-sub000/core/cache"
	"github.com/LumaPictures/openvdb-render-sub000/core/sampling"
)

// ElementFormat is the texel format of a volume texture.
type ElementFormat uint8

// Supported texel formats.
const (
	// R32F stores one little-endian float32 per texel.
	R32F ElementFormat = iota

	// R16F stores one little-endian IEEE 754 half per texel.
	R16F
)

// String returns the string representation of the format.
func (f ElementFormat) String() string {
	switch f {
	case R32F:
		return "r32f"
	case R16F:
		return "r16f"
	default:
		return "unknown"
	}
}

func (f ElementFormat) precision() sampling.Precision {
	if f == R16F {
		return sampling.Half
	}
	return sampling.Float
}

// TextureFactory creates volume textures in one element format.
type TextureFactory interface {
	// Format returns the texel format textures expect.
	Format() ElementFormat

	// CreateVolumeTexture creates a texture of the given extents from data,
	// laid out x-fastest. data is only valid for the duration of the call.
	CreateVolumeTexture(extents sampling.Extents, data []byte) (Texture, error)
}

// Texture is a GPU-resident volume texture.
type Texture interface {
	// Update replaces the texels with data of the texture's extents. data
	// is only valid for the duration of the call.
	Update(data []byte) error

	// Release frees the texture.
	Release()
}

// VolumeTexture owns the texture of one sampled volume along with the
// metadata needed to map its normalized texels back to world space.
//
// A VolumeTexture is not safe for concurrent use.
type VolumeTexture struct {
	factory TextureFactory
	texture Texture
	extents sampling.Extents
	header  sampling.Header
	staging []byte
}

// NewVolumeTexture returns an empty VolumeTexture that creates textures
// with factory.
func NewVolumeTexture(factory TextureFactory) *VolumeTexture {
	return &VolumeTexture{factory: factory}
}

// Acquire uploads vol. The texture is updated in place when vol has the
// resident extents and recreated otherwise. An empty volume clears the
// texture. On error the texture is cleared.
func (t *VolumeTexture) Acquire(vol cache.Volume) error {
	if vol.Empty || vol.Samples.Len() == 0 {
		t.Clear()
		return nil
	}

	data := t.convert(vol.Samples)
	if t.texture != nil && t.extents == vol.Extents {
		if err := t.texture.Update(data); err != nil {
			t.Clear()
			return fmt.Errorf("%w: update %s: %w", ErrTexture, vol.Extents, err)
		}
		t.header = vol.Header
		return nil
	}

	tex, err := t.factory.CreateVolumeTexture(vol.Extents, data)
	if err != nil {
		t.Clear()
		return fmt.Errorf("%w: create %s: %w", ErrTexture, vol.Extents, err)
	}
	t.Clear()
	t.texture = tex
	t.extents = vol.Extents
	t.header = vol.Header
	return nil
}

// convert returns the samples in the factory's format. Samples already in
// that format are returned without copying.
func (t *VolumeTexture) convert(s sampling.Samples) []byte {
	format := t.factory.Format()
	if format.precision() == s.Precision() {
		return s.Bytes()
	}

	size := s.Len() * format.precision().ElementSize()
	if cap(t.staging) < size {
		t.staging = make([]byte, size)
	}
	out := t.staging[:size]
	switch format {
	case R16F:
		for i := range s.Len() {
			binary.LittleEndian.PutUint16(out[2*i:], float16.Fromfloat32(float32(s.At(i))).Bits())
		}
	default:
		for i := range s.Len() {
			binary.LittleEndian.PutUint32(out[4*i:], math.Float32bits(float32(s.At(i))))
		}
	}
	return out
}

// Clear releases the texture.
func (t *VolumeTexture) Clear() {
	if t.texture != nil {
		t.texture.Release()
	}
	t.texture = nil
	t.extents = sampling.Extents{}
	t.header = sampling.Header{}
}

// Valid reports whether a texture is resident.
func (t *VolumeTexture) Valid() bool {
	return t.texture != nil
}

// Texture returns the resident texture, or nil.
func (t *VolumeTexture) Texture() Texture {
	return t.texture
}

// ResidentExtents returns the extents of the resident texture, or the
// zero Extents.
func (t *VolumeTexture) ResidentExtents() sampling.Extents {
	return t.extents
}

// Header returns the value range and world placement of the resident texture.
func (t *VolumeTexture) Header() sampling.Header {
	return t.header
}
