// Package fb holds the FlatBuffers tables of the grid file directory
// described by directory.fbs.
package fb

import flatbuffers "github.com/google/flatbuffers/go"

// GridEntry locates one compressed grid block.
type GridEntry struct {
	_tab flatbuffers.Table
}

// Init points rcv at the table starting at i in buf.
func (rcv *GridEntry) Init(buf []byte, i flatbuffers.UOffsetT) {
	rcv._tab.Bytes = buf
	rcv._tab.Pos = i
}

func (rcv *GridEntry) Name() []byte {
	o := flatbuffers.UOffsetT(rcv._tab.Offset(4))
	if o != 0 {
		return rcv._tab.ByteVector(o + rcv._tab.Pos)
	}
	return nil
}

func (rcv *GridEntry) Kind() byte {
	o := flatbuffers.UOffsetT(rcv._tab.Offset(6))
	if o != 0 {
		return rcv._tab.GetByte(o + rcv._tab.Pos)
	}
	return 0
}

func (rcv *GridEntry) Offset() uint64 {
	o := flatbuffers.UOffsetT(rcv._tab.Offset(8))
	if o != 0 {
		return rcv._tab.GetUint64(o + rcv._tab.Pos)
	}
	return 0
}

func (rcv *GridEntry) Length() uint64 {
	o := flatbuffers.UOffsetT(rcv._tab.Offset(10))
	if o != 0 {
		return rcv._tab.GetUint64(o + rcv._tab.Pos)
	}
	return 0
}

func (rcv *GridEntry) RawLength() uint64 {
	o := flatbuffers.UOffsetT(rcv._tab.Offset(12))
	if o != 0 {
		return rcv._tab.GetUint64(o + rcv._tab.Pos)
	}
	return 0
}

func GridEntryStart(builder *flatbuffers.Builder) {
	builder.StartObject(5)
}

func GridEntryAddName(builder *flatbuffers.Builder, name flatbuffers.UOffsetT) {
	builder.PrependUOffsetTSlot(0, name, 0)
}

func GridEntryAddKind(builder *flatbuffers.Builder, kind byte) {
	builder.PrependByteSlot(1, kind, 0)
}

func GridEntryAddOffset(builder *flatbuffers.Builder, offset uint64) {
	builder.PrependUint64Slot(2, offset, 0)
}

func GridEntryAddLength(builder *flatbuffers.Builder, length uint64) {
	builder.PrependUint64Slot(3, length, 0)
}

func GridEntryAddRawLength(builder *flatbuffers.Builder, rawLength uint64) {
	builder.PrependUint64Slot(4, rawLength, 0)
}

func GridEntryEnd(builder *flatbuffers.Builder) flatbuffers.UOffsetT {
	return builder.EndObject()
}

// Directory is the root table of a grid file directory.
type Directory struct {
	_tab flatbuffers.Table
}

// GetRootAsDirectory reads the root table of buf.
func GetRootAsDirectory(buf []byte, offset flatbuffers.UOffsetT) *Directory {
	n := flatbuffers.GetUOffsetT(buf[offset:])
	x := &Directory{}
	x.Init(buf, n+offset)
	return x
}

// Init points rcv at the table starting at i in buf.
func (rcv *Directory) Init(buf []byte, i flatbuffers.UOffsetT) {
	rcv._tab.Bytes = buf
	rcv._tab.Pos = i
}

func (rcv *Directory) Version() uint32 {
	o := flatbuffers.UOffsetT(rcv._tab.Offset(4))
	if o != 0 {
		return rcv._tab.GetUint32(o + rcv._tab.Pos)
	}
	return 0
}

// Grids loads the j-th entry into obj. It reports false when the directory
// has no grids vector.
func (rcv *Directory) Grids(obj *GridEntry, j int) bool {
	o := flatbuffers.UOffsetT(rcv._tab.Offset(6))
	if o != 0 {
		x := rcv._tab.Vector(o)
		x += flatbuffers.UOffsetT(j) * 4
		x = rcv._tab.Indirect(x)
		obj.Init(rcv._tab.Bytes, x)
		return true
	}
	return false
}

func (rcv *Directory) GridsLength() int {
	o := flatbuffers.UOffsetT(rcv._tab.Offset(6))
	if o != 0 {
		return rcv._tab.VectorLen(o)
	}
	return 0
}

func DirectoryStart(builder *flatbuffers.Builder) {
	builder.StartObject(2)
}

func DirectoryAddVersion(builder *flatbuffers.Builder, version uint32) {
	builder.PrependUint32Slot(0, version, 0)
}

func DirectoryAddGrids(builder *flatbuffers.Builder, grids flatbuffers.UOffsetT) {
	builder.PrependUOffsetTSlot(1, grids, 0)
}

func DirectoryStartGridsVector(builder *flatbuffers.Builder, numElems int) flatbuffers.UOffsetT {
	return builder.StartVector(4, numElems, 4)
}

func DirectoryEnd(builder *flatbuffers.Builder) flatbuffers.UOffsetT {
	return builder.EndObject()
}
