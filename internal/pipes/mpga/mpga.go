// Package mpga implements the mpga_framer module (MPEG-1 Audio Layer
// I/II/III), grounded on original_source/tests/upipe_mpga_framer_test.c:
// it resynchronizes on a 12-bit sync word inside an arbitrary byte
// stream, computes each frame's length from the header's bitrate/
// sampling-rate/padding fields, and re-emits the whole frame (header
// included) as one block uref once enough bytes have accumulated.
package mpga

import (
	"fmt"

	"github.com/alxayo/upipe/internal/uerror"
	"github.com/alxayo/upipe/internal/ubuf"
	"github.com/alxayo/upipe/internal/upipe"
	"github.com/alxayo/upipe/internal/uprobe"
	"github.com/alxayo/upipe/internal/upump"
	"github.com/alxayo/upipe/internal/uref"
)

const sig uint32 = 0x4d504741 // "MPGA"

// HeaderSize is the fixed 4-byte MPEG audio frame header length.
const HeaderSize = 4

var samplingRates = [4]int{44100, 48000, 32000, 0} // index 3 reserved

// bitrate tables in kbit/s, MPEG-1 only, indexed [layer][bitrate index];
// layer 0 = I, 1 = II, 2 = III. Index 0 is "free" (unsupported here),
// index 15 is reserved.
var bitrateTables = [3][16]int{
	{0, 32, 64, 96, 128, 160, 192, 224, 256, 288, 320, 352, 384, 416, 448, 0},
	{0, 32, 48, 56, 64, 80, 96, 112, 128, 160, 192, 224, 256, 320, 384, 0},
	{0, 32, 40, 48, 56, 64, 80, 96, 112, 128, 160, 192, 224, 256, 320, 0},
}

// header is one parsed MPEG audio frame header.
type header struct {
	layer      int // 0=I, 1=II, 2=III
	bitrate    int // kbit/s
	sampleRate int // Hz
	padding    int // 0 or 1
	channels   int
	frameLen   int // total frame length in bytes, header included
}

// parseHeader reads a 4-byte candidate header at the front of buf and
// reports whether it is a syntactically valid MPEG-1 header, along with
// its decoded fields.
func parseHeader(buf []byte) (header, bool) {
	if len(buf) < HeaderSize {
		return header{}, false
	}
	if buf[0] != 0xFF || buf[1]&0xE0 != 0xE0 {
		return header{}, false
	}
	version := (buf[1] >> 3) & 0x3
	layerBits := (buf[1] >> 1) & 0x3
	bitrateIdx := (buf[2] >> 4) & 0xF
	sampleIdx := (buf[2] >> 2) & 0x3
	padding := (buf[2] >> 1) & 0x1
	modeBits := (buf[3] >> 6) & 0x3

	if version != 0x3 { // only MPEG-1 supported
		return header{}, false
	}
	var layer int
	switch layerBits {
	case 0x3:
		layer = 0 // I
	case 0x2:
		layer = 1 // II
	case 0x1:
		layer = 2 // III
	default:
		return header{}, false
	}
	if bitrateIdx == 0 || bitrateIdx == 0xF {
		return header{}, false
	}
	if sampleIdx == 0x3 {
		return header{}, false
	}

	bitrate := bitrateTables[layer][bitrateIdx]
	sampleRate := samplingRates[sampleIdx]
	channels := 2
	if modeBits == 0x3 {
		channels = 1
	}

	var frameLen int
	if layer == 0 {
		frameLen = (12*bitrate*1000/sampleRate + int(padding)) * 4
	} else {
		frameLen = 144*bitrate*1000/sampleRate + int(padding)
	}

	return header{layer: layer, bitrate: bitrate, sampleRate: sampleRate, padding: int(padding), channels: channels, frameLen: frameLen}, true
}

// framerData is the pipe's private state.
type framerData struct {
	stream   upipe.UrefStream
	blockMgr *ubuf.BlockMgr
	urefMgr  *uref.Mgr
	flowSent bool
	crSys    uint64
	haveCr   bool
	rapSys   uint64
	haveRap  bool
	ptsOrig  uint64
	dtsOrig  uint64
	haveOrig bool
}

// NewMgr creates the manager for an mpga_framer pipe. blockMgr supplies
// the allocator used for each re-emitted frame's block payload.
func NewMgr(blockMgr *ubuf.BlockMgr, urefMgr *uref.Mgr) *upipe.Mgr {
	mgr := &upipe.Mgr{Signature: sig, Name: "mpga"}
	mgr.AllocFn = func(mgr *upipe.Mgr, probe *uprobe.Probe, args any) (*upipe.Pipe, error) {
		p := upipe.NewPipe("mpga")
		p.Data = &framerData{blockMgr: blockMgr, urefMgr: urefMgr}
		return p, nil
	}
	mgr.InputFn = func(p *upipe.Pipe, u *uref.Uref, pump *upump.Pump) {
		frame(p, u, pump)
	}
	return mgr
}

func frame(p *upipe.Pipe, u *uref.Uref, pump *upump.Pump) {
	fd := p.Data.(*framerData)

	if u.IsFlowDef() {
		p.Control(upipe.CmdSetFlowDef, u)
		u.Free()
		return
	}

	if cr, ok := u.Cr(uref.Sys); ok {
		fd.crSys, fd.haveCr = cr, true
	}
	if rap, ok := u.Rap(uref.Sys); ok {
		fd.rapSys, fd.haveRap = rap, true
	}
	if pts, ok := u.Pts(uref.Orig); ok {
		if dts, ok2 := u.Dts(uref.Orig); ok2 {
			fd.ptsOrig, fd.dtsOrig, fd.haveOrig = pts, dts, true
		}
	}

	if err := fd.stream.Append(u); err != nil {
		uprobe.Throw(p.Probe(), p, uprobe.Error, uprobe.Args{Err: err})
		return
	}

	sync(p, fd, pump)
}

func sync(p *upipe.Pipe, fd *framerData, pump *upump.Pump) {
	scratch := make([]byte, HeaderSize)
	for {
		if fd.stream.Size() < HeaderSize {
			return
		}
		hdrBytes, err := fd.stream.Peek(HeaderSize, scratch)
		if err != nil {
			return
		}
		h, ok := parseHeader(hdrBytes)
		if !ok {
			if err := fd.stream.Consume(1); err != nil {
				uprobe.Throw(p.Probe(), p, uprobe.Error, uprobe.Args{Err: err})
			}
			continue
		}
		if fd.stream.Size() < h.frameLen {
			return
		}

		if !fd.flowSent {
			sendFlowDef(p, fd, h)
			fd.flowSent = true
		}

		frameScratch := make([]byte, h.frameLen)
		frameBytes, err := fd.stream.Peek(h.frameLen, frameScratch)
		if err != nil {
			uprobe.Throw(p.Probe(), p, uprobe.Error, uprobe.Args{Err: err})
			return
		}
		blk := fd.blockMgr.Alloc(h.frameLen)
		if blk == nil {
			uprobe.Throw(p.Probe(), p, uprobe.Fatal, uprobe.Args{Err: uerror.Alloc("pipes.mpga.sync", fmt.Errorf("block allocation failed"))})
			return
		}
		w, err := blk.Write(0, h.frameLen)
		if err != nil {
			uprobe.Throw(p.Probe(), p, uprobe.Fatal, uprobe.Args{Err: err})
			return
		}
		copy(w, frameBytes)

		if err := fd.stream.Consume(h.frameLen); err != nil {
			uprobe.Throw(p.Probe(), p, uprobe.Error, uprobe.Args{Err: err})
			return
		}

		out := fd.urefMgr.Alloc()
		out.AttachUbuf(blk)
		if fd.haveCr {
			out.SetCr(uref.Sys, fd.crSys)
		}
		if fd.haveRap {
			out.SetRap(uref.Sys, fd.rapSys)
		}
		if fd.haveOrig {
			out.SetPts(uref.Orig, fd.ptsOrig)
			out.SetDts(uref.Orig, fd.dtsOrig)
		}
		if dst := p.Output.Get(); dst != nil {
			dst.Input(out, pump)
		} else {
			p.Output.Queue(out)
		}
	}
}

func sendFlowDef(p *upipe.Pipe, fd *framerData, h header) {
	def := fd.urefMgr.Alloc()
	def.SetFlowDef("block.mp2.sound.")
	p.Control(upipe.CmdSetFlowDef, def)
	p.Output.QueueFlowDef(def.Dup())
	def.Free()
	p.Output.Flush(p)
}
