// Package udict implements C2: an ordered, typed (type, name) -> value
// dictionary. A dictionary is exclusively owned by whichever uref or pipe
// holds it; mutation requires the holder be the unique owner (enforced by
// convention at the uref layer, not here — udict itself has no refcount).
package udict

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/alxayo/upipe/internal/uerror"
	"github.com/alxayo/upipe/internal/upool"
)

// Type enumerates the fixed udict value type set from spec.md §4.2. Small
// vs. large is a spec distinction about inlining in a C descriptor; in Go
// every value already lives wherever the GC puts it, so the split only
// affects which accessor/width a caller uses, not storage strategy.
type Type uint8

const (
	Opaque Type = iota + 1
	String
	Bool
	SmallUnsigned
	SmallInt
	Unsigned
	Int
	Rational
	Clock
)

func (t Type) String() string {
	switch t {
	case Opaque:
		return "opaque"
	case String:
		return "string"
	case Bool:
		return "bool"
	case SmallUnsigned:
		return "small_unsigned"
	case SmallInt:
		return "small_int"
	case Unsigned:
		return "unsigned"
	case Int:
		return "int"
	case Rational:
		return "rational"
	case Clock:
		return "clock"
	default:
		return fmt.Sprintf("type(%d)", uint8(t))
	}
}

// Rational is a pair of 64-bit integers (numerator, denominator), used for
// k.rate and similar attributes.
type Rational struct {
	Num, Den int64
}

// key identifies an entry by (type, name): the same name may appear once
// per type, but not twice for the same type (spec.md invariant).
type key struct {
	typ  Type
	name string
}

type entry struct {
	key   key
	value any
}

// Dict is the mutable attribute dictionary. Iteration order is insertion
// order; Set on an existing key replaces the value in place without
// disturbing position.
type Dict struct {
	entries []entry
	index   map[key]int
	mgr     *Mgr
}

// Mgr is a udict manager: a typed factory with its own free-list, analogous
// to udict_inline_mgr_alloc in spec.md §6.
type Mgr struct {
	pool *upool.Pool[Dict]
}

// NewInlineMgr creates a udict manager backed by a shaped pool of the given
// free-list depth (0 = never recycle, straight to GC).
func NewInlineMgr(poolDepth int) *Mgr {
	m := &Mgr{}
	m.pool = upool.New(poolDepth, true,
		func() *Dict { return &Dict{} },
		func(d *Dict) { d.entries = d.entries[:0]; d.index = nil; d.mgr = m },
	)
	return m
}

// Alloc returns a fresh, empty dictionary owned by this manager.
func (m *Mgr) Alloc() *Dict {
	d := m.pool.Alloc()
	d.mgr = m
	return d
}

// free returns d to the manager's pool. Called by the owning uref once its
// last reference is released.
func (m *Mgr) free(d *Dict) { m.pool.Free(d) }

// Free releases d back to its manager. Safe to call with a nil manager
// (e.g. a dict built via Dup without Alloc) — it just drops the reference.
func (d *Dict) Free() {
	if d == nil || d.mgr == nil {
		return
	}
	d.mgr.free(d)
}

func (d *Dict) ensureIndex() {
	if d.index == nil {
		d.index = make(map[key]int, len(d.entries))
		for i, e := range d.entries {
			d.index[e.key] = i
		}
	}
}

// Dup performs a deep copy: the returned dictionary shares no mutable state
// with d. If d has a manager, the copy is allocated from it; otherwise a
// plain unmanaged Dict is returned.
func (d *Dict) Dup() *Dict {
	var out *Dict
	if d != nil && d.mgr != nil {
		out = d.mgr.Alloc()
	} else {
		out = &Dict{}
	}
	if d == nil {
		return out
	}
	out.entries = make([]entry, len(d.entries))
	copy(out.entries, d.entries)
	for i, e := range out.entries {
		if b, ok := e.value.([]byte); ok {
			cp := make([]byte, len(b))
			copy(cp, b)
			out.entries[i].value = cp
		}
	}
	out.ensureIndex()
	return out
}

// Get returns the value stored at (typ, name), or (nil, false) if absent.
func (d *Dict) Get(typ Type, name string) (any, bool) {
	if d == nil {
		return nil, false
	}
	d.ensureIndex()
	idx, ok := d.index[key{typ, name}]
	if !ok {
		return nil, false
	}
	return d.entries[idx].value, true
}

// Set inserts or replaces (typ, name) with value. Insertion order is
// preserved on replace: the entry keeps its original position.
func (d *Dict) Set(typ Type, name string, value any) {
	d.ensureIndex()
	k := key{typ, name}
	if idx, ok := d.index[k]; ok {
		d.entries[idx].value = value
		return
	}
	d.index[k] = len(d.entries)
	d.entries = append(d.entries, entry{key: k, value: value})
}

// Delete removes (typ, name) if present. Subsequent Get returns absent.
func (d *Dict) Delete(typ Type, name string) {
	if d == nil {
		return
	}
	d.ensureIndex()
	k := key{typ, name}
	idx, ok := d.index[k]
	if !ok {
		return
	}
	d.entries = append(d.entries[:idx], d.entries[idx+1:]...)
	delete(d.index, k)
	for i := idx; i < len(d.entries); i++ {
		d.index[d.entries[i].key] = i
	}
}

// Cursor is opaque iteration state for Iterate.
type Cursor struct{ pos int }

// Iterate walks entries in insertion order. Pass a zero Cursor to start;
// each call returns the next (type, name) and an advanced cursor. ok is
// false once iteration reaches the end (spec.md's END sentinel).
func (d *Dict) Iterate(c Cursor) (typ Type, name string, next Cursor, ok bool) {
	if d == nil || c.pos >= len(d.entries) {
		return 0, "", c, false
	}
	e := d.entries[c.pos]
	return e.key.typ, e.key.name, Cursor{pos: c.pos + 1}, true
}

// Len reports the number of attributes currently stored.
func (d *Dict) Len() int {
	if d == nil {
		return 0
	}
	return len(d.entries)
}

// Import merges src into dst; src wins on (type, name) conflicts. Entries
// new to dst are appended in src's iteration order.
func Import(dst, src *Dict) {
	if src == nil {
		return
	}
	for _, e := range src.entries {
		v := e.value
		if b, ok := v.([]byte); ok {
			cp := make([]byte, len(b))
			copy(cp, b)
			v = cp
		}
		dst.Set(e.key.typ, e.key.name, v)
	}
}

// Compare reports whether a and b hold exactly the same (type, name) ->
// value set (order-independent — two dicts with the same attributes set in
// a different order still compare equal).
func Compare(a, b *Dict) bool {
	if a.Len() != b.Len() {
		return false
	}
	for _, e := range a.entries {
		v, ok := b.Get(e.key.typ, e.key.name)
		if !ok || !valueEqual(e.value, v) {
			return false
		}
	}
	return true
}

func valueEqual(a, b any) bool {
	if ab, ok := a.([]byte); ok {
		bb, ok2 := b.([]byte)
		return ok2 && bytes.Equal(ab, bb)
	}
	return a == b
}

// --- typed accessors -------------------------------------------------

func GetOpaque(d *Dict, name string) ([]byte, bool) {
	v, ok := d.Get(Opaque, name)
	if !ok {
		return nil, false
	}
	return v.([]byte), true
}
func SetOpaque(d *Dict, name string, v []byte) { d.Set(Opaque, name, v) }

func GetString(d *Dict, name string) (string, bool) {
	v, ok := d.Get(String, name)
	if !ok {
		return "", false
	}
	return v.(string), true
}
func SetString(d *Dict, name, v string) { d.Set(String, name, v) }

func GetBool(d *Dict, name string) (bool, bool) {
	v, ok := d.Get(Bool, name)
	if !ok {
		return false, false
	}
	return v.(bool), true
}
func SetBool(d *Dict, name string, v bool) { d.Set(Bool, name, v) }

func GetSmallUnsigned(d *Dict, name string) (uint8, bool) {
	v, ok := d.Get(SmallUnsigned, name)
	if !ok {
		return 0, false
	}
	return v.(uint8), true
}
func SetSmallUnsigned(d *Dict, name string, v uint8) { d.Set(SmallUnsigned, name, v) }

func GetSmallInt(d *Dict, name string) (int8, bool) {
	v, ok := d.Get(SmallInt, name)
	if !ok {
		return 0, false
	}
	return v.(int8), true
}
func SetSmallInt(d *Dict, name string, v int8) { d.Set(SmallInt, name, v) }

func GetUnsigned(d *Dict, name string) (uint64, bool) {
	v, ok := d.Get(Unsigned, name)
	if !ok {
		return 0, false
	}
	return v.(uint64), true
}
func SetUnsigned(d *Dict, name string, v uint64) { d.Set(Unsigned, name, v) }

func GetInt(d *Dict, name string) (int64, bool) {
	v, ok := d.Get(Int, name)
	if !ok {
		return 0, false
	}
	return v.(int64), true
}
func SetInt(d *Dict, name string, v int64) { d.Set(Int, name, v) }

func GetRational(d *Dict, name string) (Rational, bool) {
	v, ok := d.Get(Rational, name)
	if !ok {
		return Rational{}, false
	}
	return v.(Rational), true
}
func SetRational(d *Dict, name string, v Rational) { d.Set(Rational, name, v) }

func GetClock(d *Dict, name string) (uint64, bool) {
	v, ok := d.Get(Clock, name)
	if !ok {
		return 0, false
	}
	return v.(uint64), true
}
func SetClock(d *Dict, name string, v uint64) { d.Set(Clock, name, v) }

// --- serialization -----------------------------------------------------

// Serialize produces a self-describing byte encoding suitable for
// round-tripping through Deserialize (testable property §8.5).
func (d *Dict) Serialize() ([]byte, error) {
	var buf bytes.Buffer
	count := d.Len()
	if err := binary.Write(&buf, binary.BigEndian, uint32(count)); err != nil {
		return nil, uerror.Alloc("udict.serialize", err)
	}
	for _, e := range d.entries {
		if err := writeEntry(&buf, e); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

func writeEntry(buf *bytes.Buffer, e entry) error {
	buf.WriteByte(byte(e.key.typ))
	nameBytes := []byte(e.key.name)
	if err := binary.Write(buf, binary.BigEndian, uint16(len(nameBytes))); err != nil {
		return uerror.Alloc("udict.serialize.name", err)
	}
	buf.Write(nameBytes)
	switch e.key.typ {
	case Opaque:
		b := e.value.([]byte)
		if err := binary.Write(buf, binary.BigEndian, uint32(len(b))); err != nil {
			return uerror.Alloc("udict.serialize.opaque", err)
		}
		buf.Write(b)
	case String:
		s := []byte(e.value.(string))
		if err := binary.Write(buf, binary.BigEndian, uint32(len(s))); err != nil {
			return uerror.Alloc("udict.serialize.string", err)
		}
		buf.Write(s)
	case Bool:
		v := byte(0)
		if e.value.(bool) {
			v = 1
		}
		buf.WriteByte(v)
	case SmallUnsigned:
		buf.WriteByte(e.value.(uint8))
	case SmallInt:
		buf.WriteByte(byte(e.value.(int8)))
	case Unsigned:
		binary.Write(buf, binary.BigEndian, e.value.(uint64))
	case Int:
		binary.Write(buf, binary.BigEndian, e.value.(int64))
	case Rational:
		r := e.value.(Rational)
		binary.Write(buf, binary.BigEndian, r.Num)
		binary.Write(buf, binary.BigEndian, r.Den)
	case Clock:
		binary.Write(buf, binary.BigEndian, e.value.(uint64))
	default:
		return uerror.Invalid("udict.serialize", fmt.Errorf("unrecognized type %v", e.key.typ))
	}
	return nil
}

// Deserialize parses bytes produced by Serialize back into a Dict. Unknown
// type tags are an invalid-format error.
func Deserialize(data []byte) (*Dict, error) {
	r := bytes.NewReader(data)
	var count uint32
	if err := binary.Read(r, binary.BigEndian, &count); err != nil {
		return nil, uerror.Invalid("udict.deserialize.count", err)
	}
	d := &Dict{}
	for i := uint32(0); i < count; i++ {
		if err := readEntry(r, d); err != nil {
			return nil, err
		}
	}
	d.ensureIndex()
	return d, nil
}

func readEntry(r *bytes.Reader, d *Dict) error {
	typByte, err := r.ReadByte()
	if err != nil {
		return uerror.Invalid("udict.deserialize.type", err)
	}
	typ := Type(typByte)
	var nameLen uint16
	if err := binary.Read(r, binary.BigEndian, &nameLen); err != nil {
		return uerror.Invalid("udict.deserialize.name_len", err)
	}
	nameBytes := make([]byte, nameLen)
	if _, err := io.ReadFull(r, nameBytes); err != nil {
		return uerror.Invalid("udict.deserialize.name", err)
	}
	name := string(nameBytes)

	switch typ {
	case Opaque:
		var n uint32
		if err := binary.Read(r, binary.BigEndian, &n); err != nil {
			return uerror.Invalid("udict.deserialize.opaque_len", err)
		}
		b := make([]byte, n)
		if _, err := io.ReadFull(r, b); err != nil {
			return uerror.Invalid("udict.deserialize.opaque", err)
		}
		d.Set(typ, name, b)
	case String:
		var n uint32
		if err := binary.Read(r, binary.BigEndian, &n); err != nil {
			return uerror.Invalid("udict.deserialize.string_len", err)
		}
		b := make([]byte, n)
		if _, err := io.ReadFull(r, b); err != nil {
			return uerror.Invalid("udict.deserialize.string", err)
		}
		d.Set(typ, name, string(b))
	case Bool:
		v, err := r.ReadByte()
		if err != nil {
			return uerror.Invalid("udict.deserialize.bool", err)
		}
		d.Set(typ, name, v != 0)
	case SmallUnsigned:
		v, err := r.ReadByte()
		if err != nil {
			return uerror.Invalid("udict.deserialize.small_unsigned", err)
		}
		d.Set(typ, name, v)
	case SmallInt:
		v, err := r.ReadByte()
		if err != nil {
			return uerror.Invalid("udict.deserialize.small_int", err)
		}
		d.Set(typ, name, int8(v))
	case Unsigned:
		var v uint64
		if err := binary.Read(r, binary.BigEndian, &v); err != nil {
			return uerror.Invalid("udict.deserialize.unsigned", err)
		}
		d.Set(typ, name, v)
	case Int:
		var v int64
		if err := binary.Read(r, binary.BigEndian, &v); err != nil {
			return uerror.Invalid("udict.deserialize.int", err)
		}
		d.Set(typ, name, v)
	case Rational:
		var num, den int64
		if err := binary.Read(r, binary.BigEndian, &num); err != nil {
			return uerror.Invalid("udict.deserialize.rational_num", err)
		}
		if err := binary.Read(r, binary.BigEndian, &den); err != nil {
			return uerror.Invalid("udict.deserialize.rational_den", err)
		}
		d.Set(typ, name, Rational{Num: num, Den: den})
	case Clock:
		var v uint64
		if err := binary.Read(r, binary.BigEndian, &v); err != nil {
			return uerror.Invalid("udict.deserialize.clock", err)
		}
		d.Set(typ, name, v)
	default:
		return uerror.Invalid("udict.deserialize", fmt.Errorf("unrecognized type tag %d", typByte))
	}
	return nil
}
