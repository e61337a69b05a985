package xfer

import (
	"fmt"

	"github.com/alxayo/upipe/internal/uerror"
	"github.com/alxayo/upipe/internal/upipe"
	"github.com/alxayo/upipe/internal/upump"
	"github.com/alxayo/upipe/internal/uref"
)

// Pipe is an xfer_pipe: a proxy allocated on the originating thread that
// wraps an inner pipe living on mgr's target loop. Every Input or Control
// call is enqueued as a command and applied by the target loop in order;
// the caller never touches inner directly except through Unwrap while
// frozen.
type Pipe struct {
	mgr   *Manager
	inner *upipe.Pipe
}

// NewPipe wraps inner (already allocated on mgr's target loop) in a proxy
// usable from any other goroutine.
func NewPipe(mgr *Manager, inner *upipe.Pipe) *Pipe {
	return &Pipe{mgr: mgr, inner: inner}
}

// Input enqueues u for delivery to the inner pipe on the target loop.
// Ownership of u transfers to the command queue.
func (px *Pipe) Input(u *uref.Uref, pump *upump.Pump) error {
	return px.mgr.enqueue(command{kind: cmdInput, inner: px.inner, uref: u, pump: pump})
}

// Control enqueues cmd and blocks for the target loop's reply — the
// synchronous condvar-handshake variant of spec.md §4.6's three return
// styles. Use ControlAsync for fire-and-forget.
func (px *Pipe) Control(cmd upipe.Command, args any) (any, error) {
	result := make(chan controlReply, 1)
	if err := px.mgr.enqueue(command{kind: cmdControl, inner: px.inner, ctrl: cmd, args: args, result: result}); err != nil {
		return nil, err
	}
	reply := <-result
	return reply.value, reply.err
}

// ControlAsync enqueues cmd without waiting for a reply; any failure
// surfaces only through the inner pipe's own probe chain.
func (px *Pipe) ControlAsync(cmd upipe.Command, args any) error {
	return px.mgr.enqueue(command{kind: cmdControl, inner: px.inner, ctrl: cmd, args: args})
}

// Unwrap returns the wrapped inner pipe for direct introspection — used
// by bin pipes querying their first/last inner during wiring. Only valid
// while mgr is frozen; calling it on a live manager would race with the
// target loop still applying queued commands.
func (px *Pipe) Unwrap() (*upipe.Pipe, error) {
	if !px.mgr.Frozen() {
		return nil, uerror.Busy("xfer.unwrap", fmt.Errorf("manager must be frozen to unwrap a proxy's inner pipe"))
	}
	return px.inner, nil
}

// Release enqueues the inner pipe's release so teardown happens on the
// target thread, after whatever was queued ahead of it has drained —
// spec.md §4.6's cancellation ordering guarantee.
func (px *Pipe) Release() error {
	return px.mgr.enqueue(command{kind: cmdRelease, inner: px.inner})
}
