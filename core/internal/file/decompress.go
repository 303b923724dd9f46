// Package file holds low-level helpers for reading compressed grid blocks.
package file

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/klauspost/compress/zstd"

	"github.com/LumaPictures/openvdb-render-sub000/core/internal/sizing"
)

// ErrBlockTooLarge is returned when a decompressed block exceeds its declared size.
var ErrBlockTooLarge = errors.New("file: decompressed block too large")

// DecompressPool manages reusable zstd decoders so that reading many grid
// blocks does not allocate a decoder per block.
type DecompressPool struct {
	pool             sync.Pool
	maxDecoderMemory uint64
}

// NewDecompressPool creates a new pool for zstd decoders.
// If maxMemory is 0, no memory limit is applied to decoders.
func NewDecompressPool(maxMemory uint64) *DecompressPool {
	return &DecompressPool{maxDecoderMemory: maxMemory}
}

// Decode decompresses src, failing if the output is larger than maxSize.
func (p *DecompressPool) Decode(src []byte, maxSize uint64) ([]byte, error) {
	dec, release, err := p.get(bytes.NewReader(src))
	if err != nil {
		return nil, fmt.Errorf("file: new decoder: %w", err)
	}
	defer release()

	data, err := sizing.ReadAllWithLimit(dec, maxSize, ErrBlockTooLarge)
	if err != nil {
		return nil, fmt.Errorf("file: decode block: %w", err)
	}
	return data, nil
}

// get returns a decoder configured to read from r and its release function.
func (p *DecompressPool) get(r io.Reader) (*zstd.Decoder, func(), error) {
	if p == nil {
		dec, err := newDecoder(r, 0)
		if err != nil {
			return nil, nil, err
		}
		return dec, dec.Close, nil
	}

	if dec, ok := p.pool.Get().(*zstd.Decoder); ok {
		if err := dec.Reset(r); err == nil {
			return dec, func() {
				_ = dec.Reset(nil) //nolint:errcheck // clearing state before pool return
				p.pool.Put(dec)
			}, nil
		}
		dec.Close()
	}

	dec, err := newDecoder(r, p.maxDecoderMemory)
	if err != nil {
		return nil, nil, err
	}
	return dec, func() {
		_ = dec.Reset(nil) //nolint:errcheck // clearing state before pool return
		p.pool.Put(dec)
	}, nil
}

func newDecoder(r io.Reader, maxMemory uint64) (*zstd.Decoder, error) {
	opts := []zstd.DOption{zstd.WithDecoderConcurrency(1)}
	if maxMemory != 0 {
		opts = append(opts, zstd.WithDecoderMaxMemory(maxMemory))
	}
	return zstd.NewReader(r, opts...)
}

// Encode compresses src with the default zstd level.
func Encode(src []byte) ([]byte, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderConcurrency(1))
	if err != nil {
		return nil, fmt.Errorf("file: new encoder: %w", err)
	}
	defer enc.Close()
	return enc.EncodeAll(src, make([]byte, 0, len(src)/2)), nil
}
