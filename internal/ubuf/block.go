// Package ubuf implements C3's buffer variants (block, picture, sound):
// the concrete media payload produced by a typed manager, decoupled from
// per-instance metadata (that's uref's job). Every ubuf is refcounted;
// Dup is O(1) and shares memory, MakeWritable copies-on-write when shared.
package ubuf

import (
	"fmt"

	"github.com/alxayo/upipe/internal/uerror"
	"github.com/alxayo/upipe/internal/umem"
)

// segment is one contiguous span of one arena within a Block's logical
// byte stream.
type segment struct {
	arena  *arena
	start  int // offset into arena.data where this segment's bytes begin
	length int // logical length of this segment
}

// BlockMgr is a block ubuf manager/factory: a typed pool with configurable
// prepend/append reserve, matching ubuf_block_mem_mgr_alloc in spec.md §6.
type BlockMgr struct {
	mem             umem.Manager
	prependReserve  int
	appendReserve   int
	alignment       int
}

// NewBlockMgr creates a block manager backed by mem, reserving prepend and
// append bytes around every freshly allocated segment so that downstream
// prepend/append calls (e.g. framers adding a header) can avoid a copy.
func NewBlockMgr(mem umem.Manager, prependReserve, appendReserve, alignment int) *BlockMgr {
	if mem == nil {
		mem = umem.NewSystem()
	}
	if alignment < 1 {
		alignment = 1
	}
	return &BlockMgr{mem: mem, prependReserve: prependReserve, appendReserve: appendReserve, alignment: alignment}
}

// Block is a block ubuf: a sequence of one or more mapped segments forming
// a single logical byte stream.
type Block struct {
	mgr  *BlockMgr
	segs []segment
	rc   *refcount
}

// Alloc produces a writable block of at least size bytes, with the
// manager's configured prepend/append reserve around it.
func (m *BlockMgr) Alloc(size int) *Block {
	total := m.prependReserve + size + m.appendReserve
	buf := m.mem.Alloc(total)
	if buf == nil {
		return nil
	}
	a := newArena(buf)
	return &Block{
		mgr:  m,
		segs: []segment{{arena: a, start: m.prependReserve, length: size}},
		rc:   newRefcount(),
	}
}

// Dup increments the use count and returns the same Block pointer — O(1),
// shares memory. Any write-path call will transparently copy-on-write if
// the count is still above 1 when a writer calls MakeWritable.
func (b *Block) Dup() *Block {
	b.rc.use()
	return b
}

// Use increments the refcount without changing identity (alias of Dup for
// call sites that want "use" semantics rather than "I need a second
// handle").
func (b *Block) Use() { b.rc.use() }

// Release decrements the refcount; at zero, every segment's arena is
// released and returned to the manager's umem backend once its own
// sharing count also reaches zero.
func (b *Block) Release() {
	if b.rc.release() {
		for _, s := range b.segs {
			s.arena.release()
			if s.arena.refs <= 0 {
				b.mgr.mem.Free(s.arena.data)
			}
		}
	}
}

// RefCount reports the current whole-object reference count (test/
// introspection only).
func (b *Block) RefCount() int32 { return b.rc.count() }

// Size returns the sum of segment spans.
func (b *Block) Size() int {
	n := 0
	for _, s := range b.segs {
		n += s.length
	}
	return n
}

// locate finds the single segment fully covering [offset, offset+n).
func (b *Block) locate(offset, n int) (idx int, relOffset int, err error) {
	if offset < 0 || n < 0 {
		return 0, 0, uerror.Invalid("ubuf.block", fmt.Errorf("negative offset/length"))
	}
	pos := 0
	for i, s := range b.segs {
		if offset >= pos && offset+n <= pos+s.length {
			return i, offset - pos, nil
		}
		pos += s.length
	}
	return 0, 0, uerror.Invalid("ubuf.block", fmt.Errorf("range [%d,%d) not within a single segment", offset, offset+n))
}

// Read returns a read-only mapped view of n bytes starting at offset. The
// range must lie within a single segment; use Peek for cross-segment
// reads.
func (b *Block) Read(offset, n int) ([]byte, error) {
	idx, rel, err := b.locate(offset, n)
	if err != nil {
		return nil, err
	}
	s := b.segs[idx]
	return s.arena.data[s.start+rel : s.start+rel+n], nil
}

// Write returns a mutable mapped view of n bytes starting at offset.
// Requires the block be exclusively owned: refcount 1 and no segment
// sharing its arena with another block. Callers that might be shared must
// call MakeWritable first and write through its returned pointer.
func (b *Block) Write(offset, n int) ([]byte, error) {
	if b.rc.count() > 1 {
		return nil, uerror.Busy("ubuf.block.write", fmt.Errorf("ubuf is shared (refcount=%d); call MakeWritable", b.rc.count()))
	}
	idx, rel, err := b.locate(offset, n)
	if err != nil {
		return nil, err
	}
	s := b.segs[idx]
	if s.arena.shared() {
		return nil, uerror.Busy("ubuf.block.write", fmt.Errorf("segment shares memory with another ubuf; call MakeWritable"))
	}
	return s.arena.data[s.start+rel : s.start+rel+n], nil
}

// Unmap is a no-op under Go's GC-managed slices; it exists so call sites
// mirror the C API's explicit map/unmap pairing.
func (b *Block) Unmap([]byte) {}

// Peek returns n bytes starting at offset: a direct pointer into a single
// segment when the range doesn't cross a boundary, or a copy into scratch
// (which must have length >= n) when it does.
func (b *Block) Peek(offset, n int, scratch []byte) ([]byte, error) {
	if direct, err := b.Read(offset, n); err == nil {
		return direct, nil
	}
	if len(scratch) < n {
		return nil, uerror.Invalid("ubuf.block.peek", fmt.Errorf("scratch too small: have %d need %d", len(scratch), n))
	}
	copied := 0
	pos := 0
	for _, s := range b.segs {
		segEnd := pos + s.length
		if segEnd > offset && pos < offset+n {
			from := max(offset, pos) - pos
			to := min(offset+n, segEnd) - pos
			chunk := s.arena.data[s.start+from : s.start+to]
			copy(scratch[copied:], chunk)
			copied += len(chunk)
		}
		pos = segEnd
		if pos >= offset+n {
			break
		}
	}
	if copied != n {
		return nil, uerror.Invalid("ubuf.block.peek", fmt.Errorf("range [%d,%d) exceeds block size %d", offset, offset+n, b.Size()))
	}
	return scratch[:n], nil
}

// MakeWritable returns a Block safe to write to, copying on write when
// needed. If b's whole-object refcount is already 1 and no segment shares
// its arena with another block, b is detached in place (any shared arenas
// are copied) and returned unchanged in identity. If the refcount is above
// 1 — other holders share this exact pointer via Dup — b cannot be mutated
// in place; a brand new, exclusively-owned Block is returned instead, and
// b's refcount is decremented by one to reflect this holder's reference
// being replaced. Callers must discard their old pointer and use the
// returned one.
func (b *Block) MakeWritable() (*Block, error) {
	if b.rc.count() > 1 {
		newSegs := make([]segment, len(b.segs))
		for i, s := range b.segs {
			data := make([]byte, s.length)
			copy(data, s.arena.data[s.start:s.start+s.length])
			newSegs[i] = segment{arena: newArena(data), start: 0, length: s.length}
		}
		b.rc.release()
		return &Block{mgr: b.mgr, segs: newSegs, rc: newRefcount()}, nil
	}

	needsCopy := false
	for _, s := range b.segs {
		if s.arena.shared() {
			needsCopy = true
			break
		}
	}
	if !needsCopy {
		return b, nil
	}
	newSegs := make([]segment, len(b.segs))
	for i, s := range b.segs {
		data := make([]byte, s.length)
		copy(data, s.arena.data[s.start:s.start+s.length])
		newSegs[i] = segment{arena: newArena(data), start: 0, length: s.length}
		s.arena.release()
	}
	b.segs = newSegs
	return b, nil
}

// Splice creates a new Block of size n sharing the underlying arenas of b
// starting at offset — O(1), no copy. The returned block's segments
// increment the shared arenas' reference count so a later write to either
// block triggers copy-on-write.
func (b *Block) Splice(offset, n int) (*Block, error) {
	if offset < 0 || n < 0 || offset+n > b.Size() {
		return nil, uerror.Invalid("ubuf.block.splice", fmt.Errorf("range [%d,%d) out of bounds (size=%d)", offset, offset+n, b.Size()))
	}
	var out []segment
	pos := 0
	for _, s := range b.segs {
		segStart, segEnd := pos, pos+s.length
		lo, hi := max(offset, segStart), min(offset+n, segEnd)
		if lo < hi {
			s.arena.use()
			out = append(out, segment{arena: s.arena, start: s.start + (lo - segStart), length: hi - lo})
		}
		pos = segEnd
		if pos >= offset+n {
			break
		}
	}
	return &Block{mgr: b.mgr, segs: out, rc: newRefcount()}, nil
}

// Append attaches b2's segments to b1, producing a multi-segment block
// without copying payload bytes. b2's arenas gain a reference (both blocks
// may independently write-on-copy later); b2 itself is not consumed and
// must still be released by its own owner.
func (b1 *Block) Append(b2 *Block) {
	for _, s := range b2.segs {
		s.arena.use()
		b1.segs = append(b1.segs, s)
	}
}

// Resize adjusts the logical span: off shifts the starting point (negative
// values dip into prepend reserve, positive values drop leading bytes) and
// size sets the new total length, extending into append reserve or
// dropping trailing bytes as needed.
func (b *Block) Resize(off, size int) error {
	if off < 0 {
		first := &b.segs[0]
		need := -off
		if first.start < need {
			return uerror.Invalid("ubuf.block.resize", fmt.Errorf("insufficient prepend reserve: have %d need %d", first.start, need))
		}
		first.start -= need
		first.length += need
	} else if off > 0 {
		remaining := off
		for remaining > 0 && len(b.segs) > 0 {
			first := &b.segs[0]
			if first.length <= remaining {
				remaining -= first.length
				first.arena.release()
				b.segs = b.segs[1:]
			} else {
				first.start += remaining
				first.length -= remaining
				remaining = 0
			}
		}
	}
	cur := b.Size()
	if size < cur {
		toDrop := cur - size
		for toDrop > 0 && len(b.segs) > 0 {
			last := &b.segs[len(b.segs)-1]
			if last.length <= toDrop {
				toDrop -= last.length
				last.arena.release()
				b.segs = b.segs[:len(b.segs)-1]
			} else {
				last.length -= toDrop
				toDrop = 0
			}
		}
	} else if size > cur {
		grow := size - cur
		if len(b.segs) == 0 {
			return uerror.Invalid("ubuf.block.resize", fmt.Errorf("cannot grow an empty block"))
		}
		last := &b.segs[len(b.segs)-1]
		avail := cap(last.arena.data) - (last.start + last.length)
		if avail < grow {
			return uerror.Invalid("ubuf.block.resize", fmt.Errorf("insufficient append reserve: have %d need %d", avail, grow))
		}
		last.length += grow
	}
	return nil
}

// Delete removes n bytes starting at offset, retaining surrounding
// segments (splitting a segment at the boundary when the deleted range
// starts or ends inside it).
func (b *Block) Delete(offset, n int) error {
	if offset < 0 || n < 0 || offset+n > b.Size() {
		return uerror.Invalid("ubuf.block.delete", fmt.Errorf("range [%d,%d) out of bounds (size=%d)", offset, offset+n, b.Size()))
	}
	var out []segment
	pos := 0
	for _, s := range b.segs {
		segStart, segEnd := pos, pos+s.length
		pos = segEnd
		delLo, delHi := max(offset, segStart), min(offset+n, segEnd)
		if delLo >= delHi {
			out = append(out, s)
			continue
		}
		if delLo > segStart {
			s.arena.use()
			out = append(out, segment{arena: s.arena, start: s.start, length: delLo - segStart})
		}
		if delHi < segEnd {
			s.arena.use()
			out = append(out, segment{arena: s.arena, start: s.start + (delHi - segStart), length: segEnd - delHi})
		}
		s.arena.release()
	}
	b.segs = out
	return nil
}
