package sampling

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/x448/float16"
)

// Precision selects the element type of sample buffers and headers.
type Precision uint8

const (
	// Half stores samples as IEEE 754 binary16.
	Half Precision = iota

	// Float stores samples as IEEE 754 binary32.
	Float
)

// ElementSize returns the size in bytes of one element.
func (p Precision) ElementSize() int {
	if p == Float {
		return 4
	}
	return 2
}

// HeaderSize returns the encoded size of a Header in bytes.
func (p Precision) HeaderSize() int {
	return HeaderElements * p.ElementSize()
}

// String returns "half" or "float".
func (p Precision) String() string {
	switch p {
	case Half:
		return "half"
	case Float:
		return "float"
	default:
		return fmt.Sprintf("Precision(%d)", uint8(p))
	}
}

// ParsePrecision parses "half" or "float".
func ParsePrecision(s string) (Precision, error) {
	switch s {
	case "half":
		return Half, nil
	case "float":
		return Float, nil
	default:
		return 0, fmt.Errorf("sampling: unknown precision %q", s)
	}
}

func (p Precision) put(dst []byte, v float64) {
	if p == Float {
		binary.LittleEndian.PutUint32(dst, math.Float32bits(float32(v)))
		return
	}
	binary.LittleEndian.PutUint16(dst, float16.Fromfloat32(float32(v)).Bits())
}

func (p Precision) get(src []byte) float64 {
	if p == Float {
		return float64(math.Float32frombits(binary.LittleEndian.Uint32(src)))
	}
	return float64(float16.Frombits(binary.LittleEndian.Uint16(src)).Float32())
}

// Samples is a view of a dense sample buffer stored as raw bytes in a
// given precision. It does not own the bytes.
type Samples struct {
	data []byte
	prec Precision
}

// NewSamples returns a view over data. Any trailing partial element is ignored.
func NewSamples(data []byte, p Precision) Samples {
	n := len(data) / p.ElementSize()
	return Samples{data: data[:n*p.ElementSize()], prec: p}
}

// Len returns the number of elements.
func (s Samples) Len() int {
	return len(s.data) / s.prec.ElementSize()
}

// Precision returns the element precision.
func (s Samples) Precision() Precision {
	return s.prec
}

// Bytes returns the underlying bytes.
func (s Samples) Bytes() []byte {
	return s.data
}

// At returns element i widened to float64.
func (s Samples) At(i int) float64 {
	es := s.prec.ElementSize()
	return s.prec.get(s.data[i*es:])
}

// Set narrows v to the buffer precision and stores it at i.
func (s Samples) Set(i int, v float64) {
	es := s.prec.ElementSize()
	s.prec.put(s.data[i*es:], v)
}

// Float32s returns a copy of the samples widened to float32.
func (s Samples) Float32s() []float32 {
	out := make([]float32, s.Len())
	for i := range out {
		out[i] = float32(s.At(i))
	}
	return out
}

// Uint16s returns a copy of the samples as half-precision bit patterns.
func (s Samples) Uint16s() []uint16 {
	out := make([]uint16, s.Len())
	if s.prec == Half {
		for i := range out {
			out[i] = binary.LittleEndian.Uint16(s.data[i*2:])
		}
		return out
	}
	for i := range out {
		out[i] = float16.Fromfloat32(float32(s.At(i))).Bits()
	}
	return out
}
