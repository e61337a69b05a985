package upipe

import (
	"sync"

	"github.com/alxayo/upipe/internal/uref"
)

// OutputHelper is the reusable "output" + "input-queue" helper pair: the
// next pipe in the graph plus whatever couldn't be forwarded yet because
// no output was attached (spec.md §4.4.5). SET_OUTPUT flushes both the
// pending flow def and any buffered urefs in order.
type OutputHelper struct {
	mu            sync.Mutex
	next          *Pipe
	pendingFlow   *uref.Uref
	pending       []*uref.Uref
	maxLength     int
}

// Get returns the currently attached output pipe, or nil.
func (h *OutputHelper) Get() *Pipe {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.next
}

// SetOutput installs next as the output pipe. It does not itself flush
// buffered state — call Flush afterward (Pipe's generic SET_OUTPUT
// dispatch does this for callers going through Control).
func (h *OutputHelper) SetOutput(next *Pipe) {
	h.mu.Lock()
	h.next = next
	h.mu.Unlock()
}

// Queue buffers u because no output is attached yet. Buffered urefs are
// forwarded, in order, the next time Flush runs.
func (h *OutputHelper) Queue(u *uref.Uref) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.maxLength > 0 && len(h.pending) >= h.maxLength {
		h.pending[0].Free()
		h.pending = h.pending[1:]
	}
	h.pending = append(h.pending, u)
}

// QueueFlowDef remembers a pending outbound flow def to forward once an
// output is attached.
func (h *OutputHelper) QueueFlowDef(flowDef *uref.Uref) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.pendingFlow != nil {
		h.pendingFlow.Free()
	}
	h.pendingFlow = flowDef
}

// Len reports how many urefs are currently buffered (test/introspection
// only).
func (h *OutputHelper) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.pending)
}

// Flush forwards any pending flow def then any buffered urefs to the
// attached output, in that order, clearing both queues. owner identifies
// the pipe doing the forwarding, used only for context if the caller
// wants to log; forwarding itself just calls Input on the output.
func (h *OutputHelper) Flush(owner *Pipe) {
	h.mu.Lock()
	out := h.next
	flow := h.pendingFlow
	h.pendingFlow = nil
	batch := h.pending
	h.pending = nil
	h.mu.Unlock()

	if out == nil {
		// put everything back — nothing to flush to yet.
		h.mu.Lock()
		if h.pendingFlow == nil {
			h.pendingFlow = flow
		} else if flow != nil {
			flow.Free()
		}
		h.pending = append(batch, h.pending...)
		h.mu.Unlock()
		return
	}
	if flow != nil {
		out.Input(flow, nil)
	}
	for _, u := range batch {
		out.Input(u, nil)
	}
}

// FlowDefPairHelper tracks the last stored outbound flow def (spec.md
// §4.4.5's "flow-def pair" helper — inbound is handled by the caller
// before Set is invoked).
type FlowDefPairHelper struct {
	mu       sync.Mutex
	outbound *uref.Uref
}

// Set stores def as the current outbound flow def, releasing whatever
// was stored before.
func (h *FlowDefPairHelper) Set(def *uref.Uref) {
	h.mu.Lock()
	if h.outbound != nil {
		h.outbound.Free()
	}
	h.outbound = def
	h.mu.Unlock()
}

// Outbound returns the last stored outbound flow def, or nil if never
// set.
func (h *FlowDefPairHelper) Outbound() *uref.Uref {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.outbound
}

// SubHelper is the reusable sub-manager + sub-pipe-list helper pair a
// composite pipe (demuxer, muxer, splitter, joiner) embeds (spec.md
// §4.4.3). The super-pipe holds a strong reference to each sub-pipe;
// a sub-pipe holds only a weak (unreferenced) pointer back to its
// super, breaking the cycle a naive strong/strong pair would create.
type SubHelper struct {
	mu   sync.Mutex
	mgr  *Mgr
	subs []*Pipe

	// super is only meaningful on a sub-pipe's own SubHelper-adjacent
	// field; see Pipe.Sub.super below for the weak super link.
	super *Pipe
}

// SetSubMgr installs mgr as the manager used to allocate this composite
// pipe's sub-pipes.
func (h *SubHelper) SetSubMgr(mgr *Mgr) {
	h.mu.Lock()
	h.mgr = mgr
	h.mu.Unlock()
}

// SetSuper records this pipe's super-pipe as a weak (non-owning) link —
// call on a freshly allocated sub-pipe, never Use()s the super.
func (h *SubHelper) SetSuper(super *Pipe) {
	h.mu.Lock()
	h.super = super
	h.mu.Unlock()
}

// Super returns the weak super-pipe link, or nil if this isn't a
// sub-pipe.
func (h *SubHelper) Super() *Pipe {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.super
}

// Add registers sub as one of this composite pipe's children, taking a
// strong reference (Use). The super must Release an equal number of
// times (directly or via ReleaseAll) to let a child reach refcount zero.
func (h *SubHelper) Add(sub *Pipe) {
	sub.Use()
	h.mu.Lock()
	h.subs = append(h.subs, sub)
	h.mu.Unlock()
}

// Remove releases and drops sub from the sub-pipe list; a no-op if sub
// isn't currently listed.
func (h *SubHelper) Remove(sub *Pipe) {
	h.mu.Lock()
	for i, s := range h.subs {
		if s == sub {
			h.subs = append(h.subs[:i], h.subs[i+1:]...)
			h.mu.Unlock()
			sub.Release()
			return
		}
	}
	h.mu.Unlock()
}

// Iterate walks the sub-pipe list starting at cursor (0 to begin). ok is
// false once exhausted, matching udict.Iterate's cursor convention.
func (h *SubHelper) Iterate(cursor int) (sub *Pipe, next int, ok bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if cursor < 0 || cursor >= len(h.subs) {
		return nil, cursor, false
	}
	return h.subs[cursor], cursor + 1, true
}

// Len reports the current sub-pipe count.
func (h *SubHelper) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// ReleaseAll releases every currently-listed sub-pipe and empties the
// list — run by a composite pipe's FreeFn before it itself is freed, so
// children never outlive their super.
func (h *SubHelper) ReleaseAll() {
	h.mu.Lock()
	subs := h.subs
	h.subs = nil
	h.mu.Unlock()
	for _, s := range subs {
		s.Release()
	}
}
