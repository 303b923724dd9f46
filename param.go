package volume

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/LumaPictures/openvdb-render-sub000/core/cache"
	"github.com/LumaPictures/openvdb-render-sub000/core/grid"
)

// ShaderInstance receives shader parameter values.
type ShaderInstance interface {
	SetBool(name string, v bool) error
	SetTexture(name string, tex Texture) error
	SetVec2(name string, x, y float64) error
	SetVec3(name string, v grid.Vec3) error
}

// ParamNames are the shader parameters a VolumeParam sets.
type ParamNames struct {
	UseTexture   string
	Texture      string
	ValueRange   string
	VolumeSize   string
	VolumeOrigin string
}

// NewParamNames returns the parameter names for prefix p:
// use_<p>_texture, <p>_texture, <p>_value_range, <p>_volume_size and
// <p>_volume_origin.
func NewParamNames(p string) ParamNames {
	return ParamNames{
		UseTexture:   "use_" + p + "_texture",
		Texture:      p + "_texture",
		ValueRange:   p + "_value_range",
		VolumeSize:   p + "_volume_size",
		VolumeOrigin: p + "_volume_origin",
	}
}

// VolumeParam binds one cached volume to a set of shader parameters.
//
// A VolumeParam is not safe for concurrent use.
type VolumeParam struct {
	names   ParamNames
	shader  ShaderInstance
	texture *VolumeTexture
	logger  *slog.Logger
}

// NewVolumeParam returns a VolumeParam that sets the parameters named by
// prefix on shader, creating textures with factory.
func NewVolumeParam(prefix string, shader ShaderInstance, factory TextureFactory) *VolumeParam {
	return &VolumeParam{
		names:   NewParamNames(prefix),
		shader:  shader,
		texture: NewVolumeTexture(factory),
	}
}

// log returns the logger, falling back to a discard logger if nil.
func (p *VolumeParam) log() *slog.Logger {
	if p.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return p.logger
}

// Names returns the shader parameter names.
func (p *VolumeParam) Names() ParamNames {
	return p.names
}

// SetShaderInstance changes the shader the parameters are set on.
func (p *VolumeParam) SetShaderInstance(shader ShaderInstance) {
	p.shader = shader
}

// Texture returns the bound volume texture.
func (p *VolumeParam) Texture() *VolumeTexture {
	return p.texture
}

// Load fetches spec from c, uploads it and assigns the shader parameters.
//
// A volume the cache cannot produce, or an empty one, is not an error: the
// texture is cleared and use_<p>_texture is set to false. Errors report
// texture or shader failures.
func (p *VolumeParam) Load(ctx context.Context, c *cache.Cache, spec cache.Spec) error {
	var err error
	if vol, ok := c.Get(ctx, spec); ok {
		err = p.texture.Acquire(vol)
	} else {
		p.log().Debug("volume unavailable", "spec", spec.String(), "param", p.names.Texture)
		p.texture.Clear()
	}
	return errors.Join(err, p.assign())
}

// Release clears the texture and tells the shader not to sample it.
func (p *VolumeParam) Release() error {
	p.texture.Clear()
	return p.assign()
}

func (p *VolumeParam) assign() error {
	if p.shader == nil {
		return nil
	}
	use := p.texture.Valid()
	if err := p.shader.SetBool(p.names.UseTexture, use); err != nil {
		return fmt.Errorf("%w: set %s: %w", ErrTexture, p.names.UseTexture, err)
	}
	if !use {
		return nil
	}

	hdr := p.texture.Header()
	return errors.Join(
		wrapParam(p.names.Texture, p.shader.SetTexture(p.names.Texture, p.texture.Texture())),
		wrapParam(p.names.ValueRange, p.shader.SetVec2(p.names.ValueRange, hdr.ValueRange[0], hdr.ValueRange[1])),
		wrapParam(p.names.VolumeSize, p.shader.SetVec3(p.names.VolumeSize, hdr.WorldSize)),
		wrapParam(p.names.VolumeOrigin, p.shader.SetVec3(p.names.VolumeOrigin, hdr.WorldOrigin)),
	)
}

func wrapParam(name string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: set %s: %w", ErrTexture, name, err)
}
