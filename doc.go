// Package volume displays sparse volume grids as dense GPU textures.
//
// Grids are resampled onto a lattice of the requested resolution,
// normalized to [0,1] and kept in a bounded-memory cache, so that
// redisplaying a channel at a resolution already seen is a lookup rather
// than a resample. For the building blocks use the [core] subpackages:
// core/grid for sources, core/sampling for the resampler and core/cache for
// the cache itself.
//
// # Quick Start
//
// Bind the channels of one source file to a shader:
//
//	d, err := volume.NewDisplay(factory, shader,
//	    volume.WithCacheOptions(cache.WithMemoryLimitBytes(4<<30)),
//	)
//	if err != nil {
//	    return err
//	}
//	defer d.Close()
//
//	err = d.Update(ctx, "/shots/smoke.vxg", map[volume.Channel]string{
//	    volume.ChannelDensity:  "density",
//	    volume.ChannelEmission: "heat",
//	}, 128)
//
// A channel whose grid cannot be sampled is not an error: its
// use_<channel>_texture shader parameter is set to false and the shader
// falls back to constant values.
//
// # Textures
//
// [TextureFactory] and [ShaderInstance] abstract the graphics API. A
// [VolumeTexture] owns one texture and recreates it only when the lattice
// extents change; samples are converted to the factory's element format.
package volume
