// Package upipe implements C4: the pipe lifecycle and control protocol —
// the stateful processing node with input, control and refcount that is
// the centerpiece of the pipeline runtime core (spec.md §4.4).
package upipe

import (
	"github.com/alxayo/upipe/internal/uprobe"
	"github.com/alxayo/upipe/internal/uref"
	"github.com/alxayo/upipe/internal/upump"
)

// AllocFunc runs a manager's pipe constructor: it must zero-initialize
// state and return a Pipe that Alloc will then raise uprobe.Ready on
// exactly once. An allocator that fails (returns a non-nil error) must
// not cause Ready to be raised — Alloc handles that by checking the
// error before throwing.
type AllocFunc func(mgr *Mgr, probe *uprobe.Probe, args any) (*Pipe, error)

// InputFunc processes one uref for a data-capable pipe. It must always
// consume u: free it, queue it, or forward it to the next pipe's Input
// (transferring ownership). pump is the upump that triggered this call,
// if any (nil for directly-driven input).
type InputFunc func(p *Pipe, u *uref.Uref, pump *upump.Pump)

// ControlFunc handles pipe-specific commands not already covered by
// Pipe's generic helper-backed dispatch (SET_URI, SET_OPTION,
// SPLIT_ITERATE, BIN_GET_FIRST_INNER/LAST_INNER, END_PREROLL, and any
// locally-defined command). Returning an unhandled error lets the
// eventual caller know the pipe truly has no arm for that command.
type ControlFunc func(p *Pipe, cmd Command, args any) (any, error)

// FreeFunc runs the manager's teardown once the pipe's refcount reaches
// zero, after Release has already raised uprobe.Dead.
type FreeFunc func(p *Pipe)

// FlowDefValidator validates and transforms an incoming SET_FLOW_DEF
// uref into the outbound flow def this pipe will store and advertise.
// Returning an error (conventionally uerror.Invalid) rejects the flow
// def; the pipe's stored outbound flow def is left unchanged.
type FlowDefValidator func(p *Pipe, in *uref.Uref) (*uref.Uref, error)

// Mgr is a pipe manager: an allocator plus a fixed 32-bit signature that
// identifies the pipe kind (reported by Pipe.Signature), matching
// upipe_alloc_mgr in spec.md §6. Control commands are not checked against
// the signature. One Mgr instance is shared by every pipe it allocates.
type Mgr struct {
	Signature      uint32
	Name           string
	AllocFn        AllocFunc
	InputFn        InputFunc
	ControlFn      ControlFunc
	FreeFn         FreeFunc
	ValidateFlowDef FlowDefValidator
}

// Alloc runs mgr's allocator, and on success raises uprobe.Ready exactly
// once up the returned pipe's probe chain. An allocator error is returned
// unchanged without raising Ready.
func (mgr *Mgr) Alloc(probe *uprobe.Probe, args any) (*Pipe, error) {
	p, err := mgr.AllocFn(mgr, probe, args)
	if err != nil {
		return nil, err
	}
	p.mgr = mgr
	p.probe = probe
	p.state = StateReady
	p.refs = 1
	uprobe.Throw(p.probe, p, uprobe.Ready, uprobe.Args{})
	return p, nil
}
