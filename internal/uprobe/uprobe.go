// Package uprobe implements C5: the ordered, refcounted probe chain that
// catches events raised by pipes, grounded on the same register/dispatch
// shape as a hook manager but with upipe's stop-unless-UNHANDLED
// propagation instead of fan-out (spec.md §4.5).
package uprobe

import (
	"fmt"
	"sync/atomic"

	"github.com/alxayo/upipe/internal/uerror"
)

// Event enumerates the fixed event set a probe chain may be asked to
// catch.
type Event int

const (
	Ready Event = iota
	Dead
	Fatal
	Error
	Log
	ProvideRequest
	NeedOutput
	NewFlowDef
	SplitUpdate
	SourceEnd
	SinkEnd
	ClockRef
	ClockTs
	ClockUtc
	SyncAcquired
	SyncLost
	// Local is the first value a pipe-specific (non-standard) event may
	// use: Event(Local + n).
	Local
)

func (e Event) String() string {
	switch e {
	case Ready:
		return "ready"
	case Dead:
		return "dead"
	case Fatal:
		return "fatal"
	case Error:
		return "error"
	case Log:
		return "log"
	case ProvideRequest:
		return "provide_request"
	case NeedOutput:
		return "need_output"
	case NewFlowDef:
		return "new_flow_def"
	case SplitUpdate:
		return "split_update"
	case SourceEnd:
		return "source_end"
	case SinkEnd:
		return "sink_end"
	case ClockRef:
		return "clock_ref"
	case ClockTs:
		return "clock_ts"
	case ClockUtc:
		return "clock_utc"
	case SyncAcquired:
		return "sync_acquired"
	case SyncLost:
		return "sync_lost"
	default:
		return fmt.Sprintf("local(%d)", int(e-Local))
	}
}

// Pipe is the minimal identity a probe needs of the pipe raising an event:
// just enough to log and to correlate, without uprobe importing the full
// upipe package (which in turn holds a probe chain).
type Pipe interface {
	Label() string
	Signature() uint32
}

// Args carries the event-specific payload. Which fields are populated
// depends on Event; unused fields are left zero.
type Args struct {
	Err       error      // Error, Fatal
	Message   string     // Log
	Request   *Request   // ProvideRequest
	FlowDef   any        // NewFlowDef: the stored flow-def uref (opaque to avoid an uref import cycle)
	FlowID    uint64      // SplitUpdate candidates, selflow
	Extra     any        // escape hatch for pipe-specific local events
}

// Handler reacts to one event for one pipe. Returning nil means the event
// was handled and the probe signals success; returning an error whose
// Kind is uerror.KindUnhandled lets the event fall through to the next
// probe in the chain; any other error stops propagation and is returned
// to whichever pipe code called Throw.
type Handler func(p Pipe, event Event, args Args) error

// Probe is one link in a probe chain. Chains are built by prepending:
// the most recently wrapped probe catches an event first.
type Probe struct {
	refs    int32
	handle  Handler
	next    *Probe
}

// New creates a standalone probe (refcount 1, no next link) wrapping
// handle.
func New(handle Handler) *Probe {
	return &Probe{refs: 1, handle: handle}
}

// Chain prepends a new probe wrapping handle in front of inner. inner may
// be nil to start a fresh one-probe chain.
func Chain(inner *Probe, handle Handler) *Probe {
	return &Probe{refs: 1, handle: handle, next: inner}
}

// Use increments the probe's refcount.
func (p *Probe) Use() *Probe {
	if p != nil {
		atomic.AddInt32(&p.refs, 1)
	}
	return p
}

// Release decrements the probe's refcount. Probes are GC-managed; this
// exists so call sites mirror the explicit alloc/release discipline used
// everywhere else in the core.
func (p *Probe) Release() {
	if p != nil {
		atomic.AddInt32(&p.refs, -1)
	}
}

// RefCount reports the current refcount (test/introspection only).
func (p *Probe) RefCount() int32 {
	if p == nil {
		return 0
	}
	return atomic.LoadInt32(&p.refs)
}

// unhandled is the standard "not for me" return every stock probe uses to
// let an event fall through to the next link in the chain.
func unhandled(event Event) error {
	return uerror.Unhandled("uprobe.handler", fmt.Errorf("event %v not handled by this probe", event))
}

// Throw walks chain starting from its head, invoking each probe's handler
// in turn. A handler returning nil, or any error that isn't
// uerror.KindUnhandled, stops propagation and that result is returned. If
// every probe in the chain returns KindUnhandled (or the chain is empty),
// Throw itself returns an unhandled error.
func Throw(chain *Probe, p Pipe, event Event, args Args) error {
	for probe := chain; probe != nil; probe = probe.next {
		if probe.handle == nil {
			continue
		}
		err := probe.handle(p, event, args)
		if err == nil {
			return nil
		}
		if !uerror.IsUnhandled(err) {
			return err
		}
	}
	return uerror.Unhandled("uprobe.throw", fmt.Errorf("event %v not handled by any probe", event))
}
