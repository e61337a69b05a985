package xfer

import (
	"fmt"
	"sync"

	"github.com/alxayo/upipe/internal/uerror"
	"github.com/alxayo/upipe/internal/upipe"
	"github.com/alxayo/upipe/internal/uprobe"
	"github.com/alxayo/upipe/internal/upump"
	"github.com/alxayo/upipe/internal/uref"
)

// WorkerThreadTag is attached to a relayed FATAL/ERROR event's Args.Extra,
// identifying which target loop raised it and preserving whatever the
// inner pipe itself had put there.
type WorkerThreadTag struct {
	Thread  string
	Wrapped any
}

// Worker is the bin pipe of spec.md §4.6's closing paragraph: it wraps an
// inner pipeline in an xfer proxy, so a caller on one loop can drive a
// pipeline living on another without hand-rolling the proxy/command
// bookkeeping each time. It has no separate input queue-sink or output
// queue-source pipe: Input and Control go straight to the proxy.
//
// The caller declares which sides exist (hasInput/hasOutput); nothing is
// detected from the inner pipe. With neither side the worker is a
// passthrough; with one side only it is source-only or sink-only.
type Worker struct {
	inner       *Pipe
	threadLabel string

	hasInput  bool
	hasOutput bool

	mu   sync.Mutex
	refs int
}

// NewWorker wires a Worker around inner (already allocated on mgr's
// target loop). probe is the chain FATAL/ERROR events raised by inner are
// relayed onto, tagged with threadLabel — the remote exception
// passthrough the original upipe_worker.c supplement adds. The bin's own
// refcount is the number of sides actually wired (1 for a degenerate
// pipe with neither), so ReleaseSide only tears down the inner once every
// side holding a reference has let go.
func NewWorker(mgr *Manager, inner *upipe.Pipe, probe *uprobe.Probe, threadLabel string, hasInput, hasOutput bool) *Worker {
	w := &Worker{threadLabel: threadLabel, hasInput: hasInput, hasOutput: hasOutput}

	relayed := uprobe.Chain(inner.Probe(), w.relay(probe))
	inner.SetProbe(relayed)
	w.inner = NewPipe(mgr, inner)

	w.refs = 0
	if hasInput {
		w.refs++
	}
	if hasOutput {
		w.refs++
	}
	if w.refs == 0 {
		w.refs = 1
	}
	return w
}

// relay builds the handler chained in front of inner's existing probe: it
// claims only FATAL/ERROR, tags them with the target thread, and
// re-throws on proxyProbe; anything else falls through to whatever inner
// already had wired.
func (w *Worker) relay(proxyProbe *uprobe.Probe) uprobe.Handler {
	return func(p uprobe.Pipe, e uprobe.Event, a uprobe.Args) error {
		if e != uprobe.Fatal && e != uprobe.Error {
			return uerror.Unhandled("xfer.worker.relay", fmt.Errorf("event %v not relayed", e))
		}
		a.Extra = WorkerThreadTag{Thread: w.threadLabel, Wrapped: a.Extra}
		return uprobe.Throw(proxyProbe, p, e, a)
	}
}

// Mode reports which side(s) are wired.
func (w *Worker) Mode() string {
	switch {
	case w.hasInput && w.hasOutput:
		return "full"
	case w.hasInput:
		return "sink-only"
	case w.hasOutput:
		return "source-only"
	default:
		return "passthrough"
	}
}

// Input forwards to the input queue-sink side. A worker with no input
// side frees u and reports unhandled, matching a sink-less pipe refusing
// data.
func (w *Worker) Input(u *uref.Uref, pump *upump.Pump) error {
	if !w.hasInput {
		u.Free()
		return uerror.Unhandled("xfer.worker.input", fmt.Errorf("worker has no input side"))
	}
	return w.inner.Input(u, pump)
}

// Control forwards to the wrapped inner pipeline.
func (w *Worker) Control(cmd upipe.Command, args any) (any, error) {
	return w.inner.Control(cmd, args)
}

// ReleaseSide releases one of the bin's sides (an input-side holder, or
// an output-side holder). The wrapped inner pipeline is only released
// once every side has let go, preventing either side from outliving the
// other mid-teardown.
func (w *Worker) ReleaseSide() error {
	w.mu.Lock()
	w.refs--
	remaining := w.refs
	w.mu.Unlock()
	if remaining > 0 {
		return nil
	}
	return w.inner.Release()
}
