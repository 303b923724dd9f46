package cache

import (
	"github.com/google/btree"

	"github.com/LumaPictures/openvdb-render-sub000/core/internal/sizing"
)

// span is a half-open byte interval [begin, end) of the ring buffer.
type span struct {
	begin, end int
}

func (s span) len() int {
	return s.end - s.begin
}

type entry struct {
	span span
	uid  string
}

// slot is a reverse-map item ordered by span begin.
type slot struct {
	begin int
	key   Key
}

func slotLess(a, b slot) bool {
	return a.begin < b.begin
}

// ring is a bounded byte buffer with a wrapping write cursor.
//
// entries (key -> span) and order (span begin -> key) always hold the same
// set of entries. Live spans are pairwise disjoint and lie inside
// [0, len(bytes)). len(bytes) never exceeds limit.
type ring struct {
	bytes   []byte
	head    int
	limit   int
	grow    int
	entries map[Key]entry
	order   *btree.BTreeG[slot]
}

func newRing(limit, grow int) *ring {
	return &ring{
		limit:   limit,
		grow:    grow,
		entries: make(map[Key]entry),
		order:   btree.NewG(16, slotLess),
	}
}

// allocated returns the size of the backing buffer.
func (r *ring) allocated() int {
	return len(r.bytes)
}

func (r *ring) view(s span) []byte {
	return r.bytes[s.begin:s.end:s.end]
}

// allocate reserves n bytes aligned to align for key, evicting every entry
// that overlaps the new span. It returns false if n exceeds the limit.
//
// With a zero limit caching is disabled: the buffer is resized to exactly n
// bytes and nothing is recorded.
func (r *ring) allocate(key Key, n, align int) (span, []Key, bool) {
	if r.limit == 0 {
		clear(r.entries)
		r.order.Clear(false)
		r.head = 0
		if cap(r.bytes) == n {
			r.bytes = r.bytes[:n]
		} else {
			r.bytes = make([]byte, n)
		}
		return span{0, n}, nil, true
	}
	if n > r.limit {
		return span{}, nil, false
	}

	var evicted []Key
	if _, ok := r.entries[key]; ok {
		r.remove(key)
		evicted = append(evicted, key)
	}

	begin := r.place(n, align)
	s := span{begin, begin + n}
	r.head = s.end
	evicted = append(evicted, r.clearRange(s)...)

	r.entries[key] = entry{span: s}
	r.order.ReplaceOrInsert(slot{begin: s.begin, key: key})
	return s, evicted, true
}

// place returns the aligned offset for an n-byte span, growing the buffer
// or wrapping the cursor to 0 as needed.
func (r *ring) place(n, align int) int {
	begin := sizing.AlignUp(r.head, align)
	if begin+n <= len(r.bytes) {
		return begin
	}
	if begin+n <= r.limit {
		r.growTo(begin + n)
		return begin
	}
	r.head = 0
	if n > len(r.bytes) {
		r.growTo(n)
	}
	return 0
}

// growTo enlarges the buffer to at least minSize by the growth increment,
// capped at the limit.
func (r *ring) growTo(minSize int) {
	size := max(minSize, len(r.bytes)+r.grow)
	size = min(size, r.limit)
	if size <= len(r.bytes) {
		return
	}
	if size <= cap(r.bytes) {
		r.bytes = r.bytes[:size]
		return
	}
	grown := make([]byte, size)
	copy(grown, r.bytes)
	r.bytes = grown
}

// clearRange evicts every entry overlapping s and returns their keys.
func (r *ring) clearRange(s span) []Key {
	var victims []Key
	// The last entry starting at or before s.begin may extend into s.
	r.order.DescendLessOrEqual(slot{begin: s.begin}, func(it slot) bool {
		if r.entries[it.key].span.end > s.begin {
			victims = append(victims, it.key)
		}
		return false
	})
	r.order.AscendRange(slot{begin: s.begin + 1}, slot{begin: s.end}, func(it slot) bool {
		victims = append(victims, it.key)
		return true
	})
	for _, k := range victims {
		r.remove(k)
	}
	return victims
}

func (r *ring) remove(key Key) {
	e, ok := r.entries[key]
	if !ok {
		return
	}
	delete(r.entries, key)
	r.order.Delete(slot{begin: e.span.begin})
}

// truncate shrinks key's span to n bytes and moves the cursor to its new end.
func (r *ring) truncate(key Key, n int) span {
	e := r.entries[key]
	e.span.end = e.span.begin + n
	r.entries[key] = e
	r.head = e.span.end
	return e.span
}

// rollback discards key's allocation and restores the cursor and buffer
// length recorded before it was made.
func (r *ring) rollback(key Key, head, size int) {
	r.remove(key)
	r.head = head
	switch {
	case r.limit == 0:
		r.release()
	case size < len(r.bytes):
		r.bytes = r.bytes[:size]
	}
}

// setLimit changes the memory limit. Shrinking below the buffer size evicts
// everything past the new limit and releases the excess memory.
func (r *ring) setLimit(limit int) []Key {
	r.limit = limit
	var evicted []Key
	if limit < len(r.bytes) {
		evicted = r.clearRange(span{limit, len(r.bytes)})
		if limit == 0 {
			r.bytes = nil
		} else {
			shrunk := make([]byte, limit)
			copy(shrunk, r.bytes)
			r.bytes = shrunk
		}
	} else if limit < cap(r.bytes) {
		r.bytes = append([]byte(nil), r.bytes...)
	}
	if r.head >= limit {
		r.head = 0
	}
	return evicted
}

// release drops the buffer. Entries must already be gone.
func (r *ring) release() {
	r.bytes = nil
	r.head = 0
}

// reset drops every entry and the buffer.
func (r *ring) reset() {
	r.release()
	clear(r.entries)
	r.order.Clear(false)
}

// keysOf returns the keys of every entry whose identity matches.
func (r *ring) keysOf(identity string) []Key {
	var keys []Key
	for k := range r.entries {
		if k.SourceIdentity == identity {
			keys = append(keys, k)
		}
	}
	return keys
}
