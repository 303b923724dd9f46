package volume

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/LumaPictures/openvdb-render-sub000/core/cache"
	"github.com/LumaPictures/openvdb-render-sub000/core/grid"
	"github.com/LumaPictures/openvdb-render-sub000/core/sampling"
)

// Channel names a shaded quantity of a volume. It is also the shader
// parameter prefix of the channel.
type Channel string

// Channels of the volume shader.
const (
	ChannelDensity      Channel = "density"
	ChannelScattering   Channel = "scattering"
	ChannelTransparency Channel = "transparency"
	ChannelEmission     Channel = "emission"
	ChannelTemperature  Channel = "temperature"
)

// DefaultChannels are the channels a Display binds unless WithChannels is given.
var DefaultChannels = []Channel{
	ChannelDensity,
	ChannelScattering,
	ChannelTransparency,
	ChannelEmission,
	ChannelTemperature,
}

// ErrUnknownChannel is returned when updating a channel the Display does not bind.
var ErrUnknownChannel = errors.New("volume: unknown channel")

// Display binds the channels of one volume source to a shader.
//
// Display registers itself as a user of its cache; a cache shared between
// displays is emptied when the last one is closed.
//
// A Display is not safe for concurrent use.
type Display struct {
	cache     *cache.Cache
	cacheOpts []cache.Option
	channels  []Channel
	params    map[Channel]*VolumeParam
	logger    *slog.Logger
	closed    bool
}

// NewDisplay creates a Display that creates textures with factory and sets
// parameters on shader.
func NewDisplay(factory TextureFactory, shader ShaderInstance, opts ...Option) (*Display, error) {
	if factory == nil {
		return nil, errors.New("volume: texture factory is required")
	}
	d := &Display{channels: DefaultChannels}
	for _, opt := range opts {
		if err := opt(d); err != nil {
			return nil, err
		}
	}
	if d.cache == nil {
		d.cache = cache.New(append([]cache.Option{cache.WithLogger(d.logger)}, d.cacheOpts...)...)
	}
	d.cache.RegisterUsage()

	d.params = make(map[Channel]*VolumeParam, len(d.channels))
	for _, ch := range d.channels {
		p := NewVolumeParam(string(ch), shader, factory)
		p.logger = d.logger
		d.params[ch] = p
	}
	return d, nil
}

// Cache returns the cache the Display reads from.
func (d *Display) Cache() *cache.Cache {
	return d.cache
}

// Param returns the parameter binding of ch, or nil.
func (d *Display) Param(ch Channel) *VolumeParam {
	return d.params[ch]
}

// Update loads the named grids of the source at path into their channels
// at a resolution of sliceCount³. Channels missing from grids are left
// untouched; a channel mapped to "" is switched off.
//
// Grids that cannot be sampled switch their channel off without an error.
func (d *Display) Update(ctx context.Context, path string, grids map[Channel]string, sliceCount int) error {
	if d.closed {
		return errors.New("volume: display closed")
	}
	if sliceCount <= 0 {
		return fmt.Errorf("%w: slice count %d", ErrInvalidExtents, sliceCount)
	}

	identity, uid, err := grid.Identify(path)
	if err != nil {
		d.log().Debug("source not identified", "path", path, "error", err)
		identity, uid = path, ""
	}
	extents := sampling.Extents{X: sliceCount, Y: sliceCount, Z: sliceCount}

	channels := make([]Channel, 0, len(grids))
	for ch := range grids {
		channels = append(channels, ch)
	}
	slices.Sort(channels)

	var errs []error
	for _, ch := range channels {
		p, ok := d.params[ch]
		if !ok {
			errs = append(errs, fmt.Errorf("%w: %s", ErrUnknownChannel, ch))
			continue
		}
		name := grids[ch]
		if name == "" {
			errs = append(errs, p.Release())
			continue
		}
		spec := cache.Spec{SourceIdentity: identity, SourceUID: uid, GridName: name, Extents: extents}
		errs = append(errs, p.Load(ctx, d.cache, spec))
	}
	return errors.Join(errs...)
}

// Close releases every texture and unregisters from the cache.
func (d *Display) Close() error {
	if d.closed {
		return nil
	}
	d.closed = true
	var errs []error
	for _, ch := range d.channels {
		errs = append(errs, d.params[ch].Release())
	}
	d.cache.UnregisterUsage()
	return errors.Join(errs...)
}

// log returns the logger, falling back to a discard logger if nil.
func (d *Display) log() *slog.Logger {
	if d.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return d.logger
}
