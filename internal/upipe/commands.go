package upipe

import (
	"fmt"

	"github.com/alxayo/upipe/internal/uerror"
	"github.com/alxayo/upipe/internal/uprobe"
	"github.com/alxayo/upipe/internal/uref"
	"github.com/alxayo/upipe/internal/upump"
)

// Command enumerates the standard control commands from spec.md §4.4.2.
// Pipe-specific commands may extend this range starting at CmdLocal.
type Command int

const (
	CmdSetFlowDef Command = iota
	CmdGetFlowDef
	CmdSetOutput
	CmdGetOutput
	CmdAttachUpumpMgr
	CmdAttachUclock
	CmdRegisterRequest
	CmdUnregisterRequest
	CmdSetURI
	CmdSetOption
	CmdSplitIterate
	CmdGetSubMgr
	CmdIterateSub
	CmdSubGetSuper
	CmdBinGetFirstInner
	CmdBinGetLastInner
	CmdEndPreroll
	CmdSetMaxLength
	CmdGetMaxLength
	CmdLocal
)

func (c Command) String() string {
	switch c {
	case CmdSetFlowDef:
		return "SET_FLOW_DEF"
	case CmdGetFlowDef:
		return "GET_FLOW_DEF"
	case CmdSetOutput:
		return "SET_OUTPUT"
	case CmdGetOutput:
		return "GET_OUTPUT"
	case CmdAttachUpumpMgr:
		return "ATTACH_UPUMP_MGR"
	case CmdAttachUclock:
		return "ATTACH_UCLOCK"
	case CmdRegisterRequest:
		return "REGISTER_REQUEST"
	case CmdUnregisterRequest:
		return "UNREGISTER_REQUEST"
	case CmdSetURI:
		return "SET_URI"
	case CmdSetOption:
		return "SET_OPTION"
	case CmdSplitIterate:
		return "SPLIT_ITERATE"
	case CmdGetSubMgr:
		return "GET_SUB_MGR"
	case CmdIterateSub:
		return "ITERATE_SUB"
	case CmdSubGetSuper:
		return "SUB_GET_SUPER"
	case CmdBinGetFirstInner:
		return "BIN_GET_FIRST_INNER"
	case CmdBinGetLastInner:
		return "BIN_GET_LAST_INNER"
	case CmdEndPreroll:
		return "END_PREROLL"
	case CmdSetMaxLength:
		return "SET_MAX_LENGTH"
	case CmdGetMaxLength:
		return "GET_MAX_LENGTH"
	default:
		return fmt.Sprintf("local(%d)", int(c-CmdLocal))
	}
}

// SetOptionArgs carries a string key/value pair for CmdSetOption.
type SetOptionArgs struct {
	Key   string
	Value string
}

// RequestArgs wraps the uprobe.Request being registered or unregistered.
type RequestArgs struct {
	Request *uprobe.Request
}

// genericControl handles every command the helper catalogue can serve
// without pipe-specific logic. Commands needing pipe-specific knowledge
// (SET_URI, SET_OPTION, SPLIT_ITERATE, BIN_GET_FIRST_INNER/LAST_INNER,
// END_PREROLL) fall through as unhandled so Control can try the
// manager's ControlFn next.
func (p *Pipe) genericControl(cmd Command, args any) (any, error) {
	switch cmd {
	case CmdSetFlowDef:
		in, ok := args.(*uref.Uref)
		if !ok {
			return nil, uerror.Invalid("upipe.control.set_flow_def", fmt.Errorf("args must be *uref.Uref"))
		}
		return nil, p.setFlowDef(in)

	case CmdGetFlowDef:
		return p.FlowDef.Outbound(), nil

	case CmdSetOutput:
		out, _ := args.(*Pipe)
		p.Output.SetOutput(out)
		p.Output.Flush(p)
		return nil, nil

	case CmdGetOutput:
		return p.Output.Get(), nil

	case CmdAttachUpumpMgr:
		mgr, ok := args.(*upump.Mgr)
		if !ok {
			return nil, uerror.Invalid("upipe.control.attach_upump_mgr", fmt.Errorf("args must be *upump.Mgr"))
		}
		p.UpumpMgr = mgr
		return nil, nil

	case CmdAttachUclock:
		p.Uclock = args
		return nil, nil

	case CmdRegisterRequest:
		ra, ok := args.(RequestArgs)
		if !ok || ra.Request == nil {
			return nil, uerror.Invalid("upipe.control.register_request", fmt.Errorf("args must be RequestArgs"))
		}
		return nil, p.registerRequest(ra.Request)

	case CmdUnregisterRequest:
		return nil, nil

	case CmdSubGetSuper:
		if p.Sub.super == nil {
			return nil, uerror.Unhandled("upipe.control.sub_get_super", fmt.Errorf("%q is not a sub-pipe", p.label))
		}
		return p.Sub.super, nil

	case CmdGetSubMgr:
		if p.Sub.mgr == nil {
			return nil, uerror.Unhandled("upipe.control.get_sub_mgr", fmt.Errorf("%q has no sub-manager", p.label))
		}
		return p.Sub.mgr, nil

	case CmdIterateSub:
		cursor, _ := args.(int)
		sub, next, ok := p.Sub.Iterate(cursor)
		return subIterResult{Pipe: sub, Next: next, OK: ok}, nil

	case CmdSetMaxLength:
		n, ok := args.(int)
		if !ok {
			return nil, uerror.Invalid("upipe.control.set_max_length", fmt.Errorf("args must be int"))
		}
		p.Output.maxLength = n
		return nil, nil

	case CmdGetMaxLength:
		return p.Output.maxLength, nil

	default:
		return nil, uerror.Unhandled("upipe.control", fmt.Errorf("command %v not generically handled", cmd))
	}
}

// subIterResult is CmdIterateSub's typed result.
type subIterResult struct {
	Pipe *Pipe
	Next int
	OK   bool
}

// setFlowDef validates (via the manager's FlowDefValidator, if any),
// stores, and advertises a new outbound flow def, then raises
// NEW_FLOW_DEF. A validator returning an error rejects the incoming flow
// def without disturbing the previously stored one.
func (p *Pipe) setFlowDef(in *uref.Uref) error {
	var outbound *uref.Uref
	if p.mgr != nil && p.mgr.ValidateFlowDef != nil {
		var err error
		outbound, err = p.mgr.ValidateFlowDef(p, in)
		if err != nil {
			return uerror.Invalid("upipe.control.set_flow_def", err)
		}
	} else {
		outbound = in.Dup()
	}
	p.FlowDef.Set(outbound)
	uprobe.Throw(p.probe, p, uprobe.NewFlowDef, uprobe.Args{FlowDef: outbound})
	return nil
}

// registerRequest forwards req to this pipe's output (its upstream
// source in request-propagation terms); if there is none, the probe
// chain gets a chance to synthesize the resource via PROVIDE_REQUEST.
func (p *Pipe) registerRequest(req *uprobe.Request) error {
	if out := p.Output.Get(); out != nil {
		if _, err := out.Control(CmdRegisterRequest, RequestArgs{Request: req}); err == nil || !uerror.IsUnhandled(err) {
			return err
		}
	}
	return uprobe.Throw(p.probe, p, uprobe.ProvideRequest, uprobe.Args{Request: req})
}
