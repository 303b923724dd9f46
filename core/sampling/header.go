package sampling

import (
	"fmt"

	"github.com/LumaPictures/openvdb-render-sub000/core/grid"
)

// HeaderElements is the number of elements in an encoded Header:
// value range (2), world size (3), world origin (3).
const HeaderElements = 8

// Header describes a sample buffer. ValueRange holds the raw minimum and
// maximum before samples were normalized to [0,1]. WorldSize and
// WorldOrigin describe the world-space bounding box of the source grid,
// not of the lattice.
type Header struct {
	ValueRange  [2]float64
	WorldSize   grid.Vec3
	WorldOrigin grid.Vec3
}

func (h Header) elements() [HeaderElements]float64 {
	return [HeaderElements]float64{
		h.ValueRange[0], h.ValueRange[1],
		h.WorldSize.X, h.WorldSize.Y, h.WorldSize.Z,
		h.WorldOrigin.X, h.WorldOrigin.Y, h.WorldOrigin.Z,
	}
}

// Encode writes h into dst in precision p.
// dst must be at least p.HeaderSize() bytes.
func (h Header) Encode(dst []byte, p Precision) error {
	if len(dst) < p.HeaderSize() {
		return fmt.Errorf("sampling: header buffer %d bytes, need %d", len(dst), p.HeaderSize())
	}
	es := p.ElementSize()
	for i, v := range h.elements() {
		p.put(dst[i*es:], v)
	}
	return nil
}

// DecodeHeader reads a Header stored in precision p.
func DecodeHeader(src []byte, p Precision) (Header, error) {
	if len(src) < p.HeaderSize() {
		return Header{}, fmt.Errorf("sampling: header buffer %d bytes, need %d", len(src), p.HeaderSize())
	}
	es := p.ElementSize()
	var e [HeaderElements]float64
	for i := range e {
		e[i] = p.get(src[i*es:])
	}
	return Header{
		ValueRange:  [2]float64{e[0], e[1]},
		WorldSize:   grid.Vec3{X: e[2], Y: e[3], Z: e[4]},
		WorldOrigin: grid.Vec3{X: e[5], Y: e[6], Z: e[7]},
	}, nil
}

// ZeroRange reports whether the value range has zero width.
func (h Header) ZeroRange() bool {
	return h.ValueRange[0] == h.ValueRange[1]
}

// Denormalize maps a normalized sample back to its raw value. A zero-width
// range means the volume is constant at ValueRange[0].
func (h Header) Denormalize(v float64) float64 {
	if h.ZeroRange() {
		return h.ValueRange[0]
	}
	return h.ValueRange[0] + v*(h.ValueRange[1]-h.ValueRange[0])
}
