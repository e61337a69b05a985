package upipe

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/alxayo/upipe/internal/uerror"
	"github.com/alxayo/upipe/internal/uprobe"
	"github.com/alxayo/upipe/internal/uref"
	"github.com/alxayo/upipe/internal/upump"
)

// State is a pipe's position in the alloc -> READY -> DEAD lifecycle
// (spec.md §4.4.1).
type State int32

const (
	StateReady State = iota
	StateDead
)

func (s State) String() string {
	if s == StateDead {
		return "dead"
	}
	return "ready"
}

// Pipe is a single processing node: refcounted, with an input entry point
// (for data-capable pipes), a synchronous control command bus, and a
// probe chain events are raised against. Concrete pipes are built with
// NewPipe by their manager's AllocFn and carry their own state in Data.
type Pipe struct {
	// ID is assigned once at NewPipe time and never changes. Nothing in
	// this module reads it: ulog fields carry the signature and label, and
	// xfer commands hold the *Pipe itself.
	ID uuid.UUID

	mgr   *Mgr
	probe *uprobe.Probe
	label string

	mu    sync.Mutex
	state State
	refs  int32

	// Data is pipe-specific private state, set by the manager's
	// AllocFn and type-asserted by its InputFn/ControlFn.
	Data any

	// Helper state — the fixed catalogue of reusable layouts every pipe
	// draws from instead of re-deriving output/flow-def/sub-pipe
	// bookkeeping by hand (spec.md §4.4.5).
	Output   OutputHelper
	FlowDef  FlowDefPairHelper
	Sub      SubHelper
	UpumpMgr *upump.Mgr
	Uclock   any
}

// NewPipe constructs the bare Pipe record a manager's AllocFn populates
// and returns; it does not raise Ready — Mgr.Alloc does that once the
// allocator succeeds.
func NewPipe(label string) *Pipe {
	p := &Pipe{ID: uuid.New(), label: label}
	p.Output.pending = nil
	return p
}

// Label returns the pipe's human-readable tag (for logging and probe
// correlation); satisfies uprobe.Pipe.
func (p *Pipe) Label() string { return p.label }

// Signature returns the owning manager's signature; satisfies
// uprobe.Pipe.
func (p *Pipe) Signature() uint32 {
	if p.mgr == nil {
		return 0
	}
	return p.mgr.Signature
}

// Mgr returns the owning manager.
func (p *Pipe) Mgr() *Mgr { return p.mgr }

// Probe returns the pipe's current probe chain head.
func (p *Pipe) Probe() *uprobe.Probe { return p.probe }

// SetProbe replaces the probe chain (e.g. after the pipe is rewired into
// a different graph).
func (p *Pipe) SetProbe(probe *uprobe.Probe) { p.probe = probe }

// State reports the current lifecycle state.
func (p *Pipe) State() State {
	return State(atomic.LoadInt32((*int32)(&p.state)))
}

// Use increments the pipe's refcount and returns the same pointer, O(1).
func (p *Pipe) Use() *Pipe {
	atomic.AddInt32(&p.refs, 1)
	return p
}

// RefCount reports the current refcount (test/introspection only).
func (p *Pipe) RefCount() int32 { return atomic.LoadInt32(&p.refs) }

// Release decrements the refcount; at zero it raises uprobe.Dead and runs
// the manager's FreeFn, then releases the probe chain.
func (p *Pipe) Release() {
	if atomic.AddInt32(&p.refs, -1) > 0 {
		return
	}
	p.mu.Lock()
	p.state = StateDead
	p.mu.Unlock()
	uprobe.Throw(p.probe, p, uprobe.Dead, uprobe.Args{})
	if p.mgr != nil && p.mgr.FreeFn != nil {
		p.mgr.FreeFn(p)
	}
	p.probe.Release()
}

// Input delivers one uref to a data-capable pipe. The manager's InputFn
// is responsible for re-negotiating on a flow-def uref (typically by
// calling Control(CmdSetFlowDef, ...) itself) and for transforming and
// forwarding data urefs; either way it must always consume u. A pipe
// with no InputFn (a control-only pipe) just frees whatever arrives.
func (p *Pipe) Input(u *uref.Uref, pump *upump.Pump) {
	if p.mgr == nil || p.mgr.InputFn == nil {
		u.Free()
		return
	}
	p.mgr.InputFn(p, u, pump)
}

// CanInput reports whether this pipe's manager registered an InputFn.
func (p *Pipe) CanInput() bool { return p.mgr != nil && p.mgr.InputFn != nil }

// Control runs cmd through the generic helper-backed dispatch first; if
// that reports unhandled, it falls back to the manager's pipe-specific
// ControlFn. Callers pass a Command and its args directly; a command
// carries no signature, and none is checked against mgr's.
func (p *Pipe) Control(cmd Command, args any) (any, error) {
	result, err := p.genericControl(cmd, args)
	if err == nil || !uerror.IsUnhandled(err) {
		return result, err
	}
	if p.mgr != nil && p.mgr.ControlFn != nil {
		return p.mgr.ControlFn(p, cmd, args)
	}
	return nil, uerror.Unhandled("upipe.control", fmt.Errorf("pipe %q has no arm for %v", p.label, cmd))
}
