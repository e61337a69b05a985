package main

import (
	"fmt"
	"os"
	"sync"

	"github.com/alxayo/upipe/internal/ubuf"
	"github.com/alxayo/upipe/internal/uerror"
	"github.com/alxayo/upipe/internal/upipe"
	"github.com/alxayo/upipe/internal/uprobe"
	"github.com/alxayo/upipe/internal/upump"
	"github.com/alxayo/upipe/internal/uref"
)

const filterSig uint32 = 0x46494c54 // "FILT"

// newFilterMgr builds a named pass-through filter pipe: it forwards every
// uref unchanged to its output, logging what it saw. -g's filter graph
// names a chain of these, standing in for the real filter pipes spec.md
// §1 puts out of scope.
func newFilterMgr(name string) *upipe.Mgr {
	mgr := &upipe.Mgr{Signature: filterSig, Name: "filter." + name}
	mgr.AllocFn = func(mgr *upipe.Mgr, probe *uprobe.Probe, args any) (*upipe.Pipe, error) {
		return upipe.NewPipe("filter." + name), nil
	}
	mgr.InputFn = func(p *upipe.Pipe, u *uref.Uref, pump *upump.Pump) {
		if u.IsFlowDef() {
			p.Control(upipe.CmdSetFlowDef, u)
			u.Free()
			return
		}
		if dst := p.Output.Get(); dst != nil {
			dst.Input(u, pump)
		} else {
			p.Output.Queue(u)
		}
	}
	return mgr
}

const fileSinkSig uint32 = 0x46534e4b // "FSNK"

type fileSinkData struct {
	mu   sync.Mutex
	file *os.File
}

// newFileSinkMgr builds a terminal sink pipe that appends each block
// uref's bytes to the file at path, opening it lazily on first input.
func newFileSinkMgr(path string) *upipe.Mgr {
	mgr := &upipe.Mgr{Signature: fileSinkSig, Name: "sink.file"}
	mgr.AllocFn = func(mgr *upipe.Mgr, probe *uprobe.Probe, args any) (*upipe.Pipe, error) {
		p := upipe.NewPipe("sink.file")
		p.Data = &fileSinkData{}
		return p, nil
	}
	mgr.InputFn = func(p *upipe.Pipe, u *uref.Uref, pump *upump.Pump) {
		sd := p.Data.(*fileSinkData)
		if u.IsFlowDef() {
			p.Control(upipe.CmdSetFlowDef, u)
			u.Free()
			return
		}
		blk, ok := u.Ubuf().(*ubuf.Block)
		if !ok {
			u.Free()
			return
		}
		n := blk.Size()
		data, err := blk.Read(0, n)
		if err != nil {
			u.Free()
			uprobe.Throw(p.Probe(), p, uprobe.Error, uprobe.Args{Err: err})
			return
		}

		sd.mu.Lock()
		if sd.file == nil {
			f, openErr := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
			if openErr != nil {
				sd.mu.Unlock()
				u.Free()
				uprobe.Throw(p.Probe(), p, uprobe.Fatal, uprobe.Args{Err: uerror.External("cmd.transcode.sink", openErr)})
				return
			}
			sd.file = f
		}
		_, writeErr := sd.file.Write(data)
		sd.mu.Unlock()
		u.Free()
		if writeErr != nil {
			uprobe.Throw(p.Probe(), p, uprobe.Error, uprobe.Args{Err: uerror.External("cmd.transcode.sink", writeErr)})
		}
	}
	mgr.FreeFn = func(p *upipe.Pipe) {
		sd := p.Data.(*fileSinkData)
		sd.mu.Lock()
		defer sd.mu.Unlock()
		if sd.file != nil {
			sd.file.Close()
		}
	}
	return mgr
}

// newUDPRTPSink dials addr over UDP and returns an rtpsink.Transport
// writing RTP packets to it; RTCP sender reports go out on the same
// socket.
func newUDPRTPSink(addr string) (*udpTransport, error) {
	conn, err := dialUDP(addr)
	if err != nil {
		return nil, fmt.Errorf("dial rtp sink %s: %w", addr, err)
	}
	return &udpTransport{conn: conn}, nil
}
