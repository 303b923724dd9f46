package grid

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"slices"

	flatbuffers "github.com/google/flatbuffers/go"
	"github.com/natefinch/atomic"

	"github.com/LumaPictures/openvdb-render-sub000/core/internal/fb"
	"github.com/LumaPictures/openvdb-render-sub000/core/internal/file"
)

const (
	fileMagic   = "VXG1"
	fileVersion = 1
	headerSize  = 12

	maxNameLen      = 256
	maxGrids        = 1 << 16
	maxDirectoryLen = 16 << 20
)

// dirEntry locates one grid block inside a .vxg file.
type dirEntry struct {
	name   string
	kind   Kind
	offset uint64 // relative to the first block
	length uint64 // compressed
	rawLen uint64 // uncompressed
}

// Encode writes grids to w in .vxg format.
func Encode(w io.Writer, grids ...*Grid) error {
	entries := make([]dirEntry, 0, len(grids))
	blocks := make([][]byte, 0, len(grids))
	seen := make(map[string]bool, len(grids))
	for _, g := range grids {
		if !g.Source.Kind().Sampleable() {
			return fmt.Errorf("grid: encode %q: %w", g.Name, ErrUnsupportedType)
		}
		if len(g.Name) == 0 || len(g.Name) > maxNameLen {
			return fmt.Errorf("grid: encode: invalid name %q", g.Name)
		}
		if seen[g.Name] {
			return fmt.Errorf("grid: encode: duplicate grid %q", g.Name)
		}
		seen[g.Name] = true

		raw := encodeBlock(g)
		compressed, err := file.Encode(raw)
		if err != nil {
			return err
		}
		entries = append(entries, dirEntry{
			name:   g.Name,
			kind:   g.Source.Kind(),
			length: uint64(len(compressed)),
			rawLen: uint64(len(raw)),
		})
		blocks = append(blocks, compressed)
	}
	return writeFile(w, entries, blocks)
}

// writeFile lays out the header, the FlatBuffers directory and the blocks.
// Directory offsets are relative to the first block.
func writeFile(w io.Writer, entries []dirEntry, blocks [][]byte) error {
	var offset uint64
	for i := range entries {
		entries[i].offset = offset
		offset += uint64(len(blocks[i]))
	}
	dir := buildDirectory(entries)

	buf := make([]byte, 0, headerSize+len(dir))
	buf = append(buf, fileMagic...)
	buf = binary.LittleEndian.AppendUint32(buf, fileVersion)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(dir))) //nolint:gosec // bounded by maxGrids and maxNameLen
	buf = append(buf, dir...)
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("grid: write directory: %w", err)
	}
	for _, b := range blocks {
		if _, err := w.Write(b); err != nil {
			return fmt.Errorf("grid: write block: %w", err)
		}
	}
	return nil
}

// buildDirectory serializes entries to FlatBuffers format.
func buildDirectory(entries []dirEntry) []byte {
	builder := flatbuffers.NewBuilder(256)

	// Children first, in reverse, as FlatBuffers requires.
	offsets := make([]flatbuffers.UOffsetT, len(entries))
	for i := len(entries) - 1; i >= 0; i-- {
		e := entries[i]
		name := builder.CreateString(e.name)
		fb.GridEntryStart(builder)
		fb.GridEntryAddName(builder, name)
		fb.GridEntryAddKind(builder, byte(e.kind))
		fb.GridEntryAddOffset(builder, e.offset)
		fb.GridEntryAddLength(builder, e.length)
		fb.GridEntryAddRawLength(builder, e.rawLen)
		offsets[i] = fb.GridEntryEnd(builder)
	}

	fb.DirectoryStartGridsVector(builder, len(entries))
	for i := len(offsets) - 1; i >= 0; i-- {
		builder.PrependUOffsetT(offsets[i])
	}
	grids := builder.EndVector(len(entries))

	fb.DirectoryStart(builder)
	fb.DirectoryAddVersion(builder, fileVersion)
	fb.DirectoryAddGrids(builder, grids)
	builder.Finish(fb.DirectoryEnd(builder))
	return builder.FinishedBytes()
}

// WriteFile atomically replaces path with a .vxg file holding grids.
func WriteFile(path string, grids ...*Grid) error {
	var buf bytes.Buffer
	if err := Encode(&buf, grids...); err != nil {
		return err
	}
	if err := atomic.WriteFile(path, &buf); err != nil {
		return fmt.Errorf("grid: write %s: %w", path, err)
	}
	return nil
}

func encodeBlock(g *Grid) []byte {
	var buf []byte
	f64 := func(v float64) { buf = binary.LittleEndian.AppendUint64(buf, math.Float64bits(v)) }
	f32 := func(v float32) { buf = binary.LittleEndian.AppendUint32(buf, math.Float32bits(v)) }
	i32 := func(v int) { buf = binary.LittleEndian.AppendUint32(buf, uint32(int32(v))) } //nolint:gosec // index coords fit int32

	xf := g.Transform
	f64(xf.VoxelSize.X)
	f64(xf.VoxelSize.Y)
	f64(xf.VoxelSize.Z)
	f64(xf.Origin.X)
	f64(xf.Origin.Y)
	f64(xf.Origin.Z)

	b := g.IndexBounds()
	if b.Empty() {
		b = EmptyBBox()
	}
	for _, v := range []int{b.Min.X, b.Min.Y, b.Min.Z, b.Max.X, b.Max.Y, b.Max.Z} {
		i32(v)
	}

	switch g.Source.Kind() {
	case KindScalar:
		t := g.Source.Scalar()
		f32(t.Background())
		buf = binary.LittleEndian.AppendUint32(buf, uint32(t.LeafCount())) //nolint:gosec // leaf count fits
		for _, o := range t.leafOrigins() {
			l := t.leaves[o]
			i32(o.X)
			i32(o.Y)
			i32(o.Z)
			for _, w := range l.mask {
				buf = binary.LittleEndian.AppendUint64(buf, w)
			}
			for i := range LeafVoxels {
				if l.active(i) {
					f32(l.values[i])
				}
			}
		}
	case KindVector:
		t := g.Source.Vector()
		bg := t.Background()
		f32(bg[0])
		f32(bg[1])
		f32(bg[2])
		buf = binary.LittleEndian.AppendUint32(buf, uint32(t.LeafCount())) //nolint:gosec // leaf count fits
		for _, o := range t.leafOrigins() {
			l := t.leaves[o]
			i32(o.X)
			i32(o.Y)
			i32(o.Z)
			for _, w := range l.mask {
				buf = binary.LittleEndian.AppendUint64(buf, w)
			}
			for i := range LeafVoxels {
				if l.active(i) {
					f32(l.values[i][0])
					f32(l.values[i][1])
					f32(l.values[i][2])
				}
			}
		}
	}
	return buf
}

// blockDecoder reads little-endian fields from a block, latching the first error.
type blockDecoder struct {
	buf []byte
	off int
	err error
}

func (d *blockDecoder) next(n int) []byte {
	if d.err != nil {
		return nil
	}
	if n > len(d.buf)-d.off {
		d.err = fmt.Errorf("%w: truncated block", ErrInvalidFile)
		return nil
	}
	b := d.buf[d.off : d.off+n]
	d.off += n
	return b
}

func (d *blockDecoder) u32() uint32 {
	if b := d.next(4); b != nil {
		return binary.LittleEndian.Uint32(b)
	}
	return 0
}

func (d *blockDecoder) u64() uint64 {
	if b := d.next(8); b != nil {
		return binary.LittleEndian.Uint64(b)
	}
	return 0
}

func (d *blockDecoder) i32() int     { return int(int32(d.u32())) } //nolint:gosec // two's complement reinterpretation
func (d *blockDecoder) f32() float32 { return math.Float32frombits(d.u32()) }
func (d *blockDecoder) f64() float64 { return math.Float64frombits(d.u64()) }

func (d *blockDecoder) coord() Coord {
	return Coord{d.i32(), d.i32(), d.i32()}
}

func decodeBlock(name string, kind Kind, raw []byte) (*Grid, error) {
	d := &blockDecoder{buf: raw}
	g := &Grid{Name: name}
	g.Transform.VoxelSize = Vec3{d.f64(), d.f64(), d.f64()}
	g.Transform.Origin = Vec3{d.f64(), d.f64(), d.f64()}
	bounds := CoordBBox{Min: d.coord(), Max: d.coord()}
	g.FileBounds = &bounds

	switch kind {
	case KindScalar:
		t := NewTree(d.f32())
		n := d.u32()
		for range n {
			if d.err != nil {
				break
			}
			origin := d.coord()
			l := newLeafFromMask(d, t.background)
			for i := range LeafVoxels {
				if l.active(i) {
					l.values[i] = d.f32()
				}
			}
			t.leaves[origin] = l
		}
		g.Source = ScalarSource(t)
	case KindVector:
		t := NewTree([3]float32{d.f32(), d.f32(), d.f32()})
		n := d.u32()
		for range n {
			if d.err != nil {
				break
			}
			origin := d.coord()
			l := newLeafFromMask(d, t.background)
			for i := range LeafVoxels {
				if l.active(i) {
					l.values[i] = [3]float32{d.f32(), d.f32(), d.f32()}
				}
			}
			t.leaves[origin] = l
		}
		g.Source = VectorAveragedSource(t)
	default:
		return nil, fmt.Errorf("grid: %q is %s: %w", name, kind, ErrUnsupportedType)
	}
	if d.err != nil {
		return nil, fmt.Errorf("grid: decode %q: %w", name, d.err)
	}
	if !g.Transform.Valid() {
		return nil, fmt.Errorf("grid: decode %q: %w: zero voxel size", name, ErrInvalidFile)
	}
	return g, nil
}

func newLeafFromMask[T Value](d *blockDecoder, background T) *leaf[T] {
	l := &leaf[T]{}
	for i := range l.values {
		l.values[i] = background
	}
	for w := range l.mask {
		l.mask[w] = d.u64()
	}
	return l
}

// Reader provides lazy access to the grids of a .vxg file. Only the
// directory is parsed by NewReader; each ReadGrid call fetches and
// decompresses a single block.
type Reader struct {
	src       io.ReaderAt
	size      int64
	dataStart int64
	entries   []dirEntry
	pool      *file.DecompressPool
	uid       string
	closer    io.Closer
}

// NewReader parses the directory of a .vxg file of the given size.
func NewReader(src io.ReaderAt, size int64) (*Reader, error) {
	if size < headerSize {
		return nil, fmt.Errorf("%w: file too small", ErrInvalidFile)
	}

	var hdr [headerSize]byte
	if _, err := src.ReadAt(hdr[:], 0); err != nil {
		return nil, fmt.Errorf("%w: read header: %v", ErrInvalidFile, err) //nolint:errorlint // single wrap target
	}
	if string(hdr[:4]) != fileMagic {
		return nil, fmt.Errorf("%w: bad magic", ErrInvalidFile)
	}
	if v := binary.LittleEndian.Uint32(hdr[4:8]); v != fileVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrInvalidFile, v)
	}
	dirLen := int64(binary.LittleEndian.Uint32(hdr[8:12]))
	if dirLen == 0 || dirLen > maxDirectoryLen || dirLen > size-headerSize {
		return nil, fmt.Errorf("%w: bad directory length %d", ErrInvalidFile, dirLen)
	}

	dir := make([]byte, dirLen)
	n, err := src.ReadAt(dir, headerSize)
	if err != nil && !(errors.Is(err, io.EOF) && int64(n) == dirLen) {
		return nil, fmt.Errorf("%w: read directory: %v", ErrInvalidFile, err) //nolint:errorlint // single wrap target
	}

	dataStart := headerSize + dirLen
	entries, err := parseDirectory(dir, uint64(size-dataStart)) //nolint:gosec // dataStart <= size
	if err != nil {
		return nil, err
	}
	return &Reader{
		src:       src,
		size:      size,
		dataStart: dataStart,
		entries:   entries,
		pool:      file.NewDecompressPool(0),
	}, nil
}

// parseDirectory decodes and validates a FlatBuffers directory. Block
// ranges must fit in dataSize bytes.
func parseDirectory(data []byte, dataSize uint64) (entries []dirEntry, err error) {
	defer func() {
		if r := recover(); r != nil {
			entries = nil
			err = fmt.Errorf("%w: parse directory: %v", ErrInvalidFile, r)
		}
	}()

	root := fb.GetRootAsDirectory(data, 0)
	if v := root.Version(); v != fileVersion {
		return nil, fmt.Errorf("%w: unsupported directory version %d", ErrInvalidFile, v)
	}
	count := root.GridsLength()
	if count > maxGrids {
		return nil, fmt.Errorf("%w: too many grids (%d)", ErrInvalidFile, count)
	}

	entries = make([]dirEntry, 0, count)
	var fe fb.GridEntry
	for i := range count {
		if !root.Grids(&fe, i) {
			return nil, fmt.Errorf("%w: missing directory entry %d", ErrInvalidFile, i)
		}
		name := fe.Name()
		if len(name) == 0 || len(name) > maxNameLen {
			return nil, fmt.Errorf("%w: bad grid name length %d", ErrInvalidFile, len(name))
		}
		e := dirEntry{
			name:   string(name),
			kind:   Kind(fe.Kind()),
			offset: fe.Offset(),
			length: fe.Length(),
			rawLen: fe.RawLength(),
		}
		if e.offset > dataSize || e.length > dataSize-e.offset {
			return nil, fmt.Errorf("%w: block %q out of range", ErrInvalidFile, e.name)
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// UID returns the generation tag of the underlying file, if known.
func (r *Reader) UID() string {
	return r.uid
}

// GridNames returns the names of all grids in directory order.
func (r *Reader) GridNames() []string {
	names := make([]string, len(r.entries))
	for i, e := range r.entries {
		names[i] = e.name
	}
	return names
}

// GridKind returns the value kind of the named grid.
func (r *Reader) GridKind(name string) (Kind, error) {
	i := slices.IndexFunc(r.entries, func(e dirEntry) bool { return e.name == name })
	if i < 0 {
		return KindUnknown, fmt.Errorf("grid: %q: %w", name, ErrNotFound)
	}
	return r.entries[i].kind, nil
}

// ReadGrid reads and decodes the named grid. Corrupt data never panics past
// this call; it is reported as ErrInvalidFile.
func (r *Reader) ReadGrid(name string) (g *Grid, err error) {
	i := slices.IndexFunc(r.entries, func(e dirEntry) bool { return e.name == name })
	if i < 0 {
		return nil, fmt.Errorf("grid: %q: %w", name, ErrNotFound)
	}
	e := r.entries[i]
	if !e.kind.Sampleable() {
		return nil, fmt.Errorf("grid: %q is %s: %w", name, e.kind, ErrUnsupportedType)
	}

	defer func() {
		if p := recover(); p != nil {
			g, err = nil, fmt.Errorf("%w: decode %q: %v", ErrInvalidFile, name, p)
		}
	}()

	compressed := make([]byte, e.length)
	n, err := r.src.ReadAt(compressed, r.dataStart+int64(e.offset)) //nolint:gosec // offset validated against size
	if err != nil && !(errors.Is(err, io.EOF) && uint64(n) == e.length) {
		return nil, fmt.Errorf("grid: read %q: %w", name, err)
	}
	raw, err := r.pool.Decode(compressed, e.rawLen)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrInvalidFile, name, err) //nolint:errorlint // single wrap target
	}
	return decodeBlock(name, e.kind, raw)
}

// Close releases the underlying source if the reader owns it.
func (r *Reader) Close() error {
	if r.closer == nil {
		return nil
	}
	return r.closer.Close()
}
