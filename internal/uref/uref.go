// Package uref implements C3.2: the unit that flows between pipes. A uref
// bundles an optional owned ubuf payload with an owned udict of attributes
// (flow definition, timestamps, flags) and a linked-list link used by
// sub-pipes that queue urefs (spec.md §4.3.2).
package uref

import (
	"github.com/alxayo/upipe/internal/ubuf"
	"github.com/alxayo/upipe/internal/udict"
	"github.com/alxayo/upipe/internal/upool"
)

// Origin identifies the three timestamp origins (Sys, Prog, Orig) a uref tracks per
// kind: system (local wall/27MHz clock), program (as conveyed by the
// stream's own clock reference), and original (as stamped at capture,
// preserved across a remux).
type Origin int

const (
	Sys Origin = iota
	Prog
	Orig
)

func (o Origin) suffix() string {
	switch o {
	case Sys:
		return "sys"
	case Prog:
		return "prog"
	default:
		return "orig"
	}
}

// Well-known attribute names from spec.md §6.
const (
	AttrFlowDef          = "flow.def"
	AttrFlowID           = "flow.id"
	AttrFlowDiscontinuity = "flow.discontinuity"
	AttrFlowRandom       = "flow.random"
	AttrFlowEnd          = "flow.end"
	AttrFlowHeaders      = "flow.headers"
	AttrFlowLatency      = "flow.latency"
	AttrDuration         = "k.duration"
	AttrDtsPtsDelay      = "k.dts_pts_delay"
	AttrRate             = "k.rate"
	AttrRef              = "k.ref"
)

func crAttr(o Origin) string  { return "k.date." + o.suffix() + ".cr" }
func ptsAttr(o Origin) string { return "k.date." + o.suffix() + ".pts" }
func dtsAttr(o Origin) string { return "k.date." + o.suffix() + ".dts" }
func rapAttr(o Origin) string { return "k.date." + o.suffix() + ".rap" }

// Mgr is a uref manager: a typed free-list factory (uref_std_mgr_alloc in
// spec.md §6) that owns the udict manager every allocated uref draws its
// attribute dictionary from.
type Mgr struct {
	dictMgr *udict.Mgr
	pool    *upool.Pool[Uref]
}

// NewStdMgr creates a uref manager backed by dictMgr for attribute storage
// and a shaped pool of the given free-list depth for the uref records
// themselves.
func NewStdMgr(dictMgr *udict.Mgr, poolDepth int) *Mgr {
	m := &Mgr{dictMgr: dictMgr}
	m.pool = upool.New(poolDepth, true,
		func() *Uref { return &Uref{} },
		func(u *Uref) { *u = Uref{} },
	)
	return m
}

// Uref is a single dataflow unit: an optional owned ubuf payload plus an
// owned attribute dictionary. A uref is single-owner by default; fanout
// consumers must explicitly Dup.
type Uref struct {
	mgr     *Mgr
	payload ubuf.Payload
	attrs   *udict.Dict
	next    *Uref // queue link used by sub-pipes buffering pending input
}

// Alloc returns a fresh uref with an empty attribute dictionary and no
// attached payload.
func (m *Mgr) Alloc() *Uref {
	u := m.pool.Alloc()
	u.mgr = m
	u.attrs = m.dictMgr.Alloc()
	return u
}

// Dup deep-copies the attribute dictionary and shares the ubuf payload's
// refcount (Use, not a fresh allocation) — the explicit fanout path a tee
// or multi-consumer sub-pipe must take instead of handing out the same
// pointer (spec.md §4.3.2 ref semantics).
func (u *Uref) Dup() *Uref {
	var out *Uref
	if u.mgr != nil {
		out = u.mgr.pool.Alloc()
		out.mgr = u.mgr
	} else {
		out = &Uref{}
	}
	out.attrs = u.attrs.Dup()
	if u.payload != nil {
		u.payload.Use()
		out.payload = u.payload
	}
	return out
}

// Free releases the attached payload (if any), the attribute dictionary,
// and returns the record to its manager's pool.
func (u *Uref) Free() {
	if u == nil {
		return
	}
	if u.payload != nil {
		u.payload.Release()
		u.payload = nil
	}
	u.attrs.Free()
	u.attrs = nil
	if u.mgr != nil {
		u.mgr.pool.Free(u)
	}
}

// AttachUbuf attaches p as this uref's payload. Any previously attached
// payload is released first.
func (u *Uref) AttachUbuf(p ubuf.Payload) {
	if u.payload != nil {
		u.payload.Release()
	}
	u.payload = p
}

// DetachUbuf removes and returns the attached payload without releasing
// it; ownership transfers to the caller. Returns nil if none attached.
func (u *Uref) DetachUbuf() ubuf.Payload {
	p := u.payload
	u.payload = nil
	return p
}

// Ubuf returns the currently attached payload, or nil for a control/
// flow-def uref.
func (u *Uref) Ubuf() ubuf.Payload { return u.payload }

// Fork allocates a new uref sharing this one's attribute dictionary (deep
// copy, same as Dup) but attached to a different ubuf — the pattern a
// transform stage uses to emit a new payload under the same flow-def
// lineage without re-deriving every attribute.
func (u *Uref) Fork(p ubuf.Payload) *Uref {
	out := u.Dup()
	if out.payload != nil {
		out.payload.Release()
		out.payload = nil
	}
	out.payload = p
	return out
}

// Next returns the queue link set by SetNext, or nil.
func (u *Uref) Next() *Uref { return u.next }

// SetNext sets the queue link used by sub-pipes that buffer pending urefs
// as a singly-linked list.
func (u *Uref) SetNext(n *Uref) { u.next = n }

// --- attribute forwarders to the embedded udict -----------------------

func (u *Uref) GetOpaque(name string) ([]byte, bool)      { return udict.GetOpaque(u.attrs, name) }
func (u *Uref) SetOpaque(name string, v []byte)           { udict.SetOpaque(u.attrs, name, v) }
func (u *Uref) GetString(name string) (string, bool)      { return udict.GetString(u.attrs, name) }
func (u *Uref) SetString(name string, v string)           { udict.SetString(u.attrs, name, v) }
func (u *Uref) GetBool(name string) (bool, bool)          { return udict.GetBool(u.attrs, name) }
func (u *Uref) SetBool(name string, v bool)               { udict.SetBool(u.attrs, name, v) }
func (u *Uref) GetUnsigned(name string) (uint64, bool)    { return udict.GetUnsigned(u.attrs, name) }
func (u *Uref) SetUnsigned(name string, v uint64)         { udict.SetUnsigned(u.attrs, name, v) }
func (u *Uref) GetInt(name string) (int64, bool)          { return udict.GetInt(u.attrs, name) }
func (u *Uref) SetInt(name string, v int64)               { udict.SetInt(u.attrs, name, v) }
func (u *Uref) GetRational(name string) (udict.Rational, bool) {
	return udict.GetRational(u.attrs, name)
}
func (u *Uref) SetRational(name string, v udict.Rational) { udict.SetRational(u.attrs, name, v) }
func (u *Uref) GetClock(name string) (uint64, bool)        { return udict.GetClock(u.attrs, name) }
func (u *Uref) SetClock(name string, v uint64)             { udict.SetClock(u.attrs, name, v) }
func (u *Uref) Delete(typ udict.Type, name string)         { u.attrs.Delete(typ, name) }

// --- flow-def convenience ------------------------------------------------

// FlowDef returns the "flow.def" string attribute, empty if unset — a uref
// with no ubuf and this attribute set is, by convention, a flow definition
// (spec.md §3's "flow definition" entry).
func (u *Uref) FlowDef() (string, bool) { return u.GetString(AttrFlowDef) }

// SetFlowDef stamps the "flow.def" attribute, turning this uref into a flow
// definition by convention.
func (u *Uref) SetFlowDef(def string) { u.SetString(AttrFlowDef, def) }

// IsFlowDef reports whether this uref is a flow definition: the
// "flow.def" attribute is set and no ubuf is attached.
func (u *Uref) IsFlowDef() bool {
	_, ok := u.FlowDef()
	return ok && u.payload == nil
}

// --- timestamps ----------------------------------------------------------

// Cr returns the clock-reference timestamp of the given origin.
func (u *Uref) Cr(o Origin) (uint64, bool) { return u.GetClock(crAttr(o)) }

// SetCr stamps the clock-reference timestamp of the given origin.
func (u *Uref) SetCr(o Origin, v uint64) { u.SetClock(crAttr(o), v) }

// Pts returns the presentation timestamp of the given origin.
func (u *Uref) Pts(o Origin) (uint64, bool) { return u.GetClock(ptsAttr(o)) }

// SetPts stamps the presentation timestamp of the given origin.
func (u *Uref) SetPts(o Origin, v uint64) { u.SetClock(ptsAttr(o), v) }

// Dts returns the decoding timestamp of the given origin.
func (u *Uref) Dts(o Origin) (uint64, bool) { return u.GetClock(dtsAttr(o)) }

// SetDts stamps the decoding timestamp of the given origin.
func (u *Uref) SetDts(o Origin, v uint64) { u.SetClock(dtsAttr(o), v) }

// Rap returns the random-access-point timestamp of the given origin: the
// cr of the latest point upstream a decoder could restart from, tracked
// independently of this uref's own cr.
func (u *Uref) Rap(o Origin) (uint64, bool) { return u.GetClock(rapAttr(o)) }

// SetRap stamps the random-access-point timestamp of the given origin.
func (u *Uref) SetRap(o Origin, v uint64) { u.SetClock(rapAttr(o), v) }

// DtsPtsDelay returns the fixed dts->pts offset some codecs stamp instead
// of an independent dts per origin.
func (u *Uref) DtsPtsDelay() (uint64, bool) { return u.GetClock(AttrDtsPtsDelay) }

// SetDtsPtsDelay stamps the fixed dts->pts offset.
func (u *Uref) SetDtsPtsDelay(v uint64) { u.SetClock(AttrDtsPtsDelay, v) }

// Rate returns the "k.rate" rational attribute.
func (u *Uref) Rate() (udict.Rational, bool) { return u.GetRational(AttrRate) }

// SetRate stamps the "k.rate" rational attribute.
func (u *Uref) SetRate(r udict.Rational) { u.SetRational(AttrRate, r) }
