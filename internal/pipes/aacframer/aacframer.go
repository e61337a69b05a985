// Package aacframer implements an mpga_framer-adjacent AAC/ADTS framer,
// supplemented per SPEC_FULL.md §5 onto original_source's mpga/aac
// framer test coverage: it resynchronizes on ADTS's 12-bit sync word,
// computes each frame's length from the 13-bit frame-length field, and
// re-emits the frame stripped of its 7-byte ADTS header (raw-encapsulated
// AAC) while deriving a 2-byte AudioSpecificConfig-style header from the
// same ADTS fields and stamping it as the outbound flow def's
// "flow.headers" attribute.
package aacframer

import (
	"fmt"

	"github.com/alxayo/upipe/internal/uerror"
	"github.com/alxayo/upipe/internal/ubuf"
	"github.com/alxayo/upipe/internal/upipe"
	"github.com/alxayo/upipe/internal/uprobe"
	"github.com/alxayo/upipe/internal/upump"
	"github.com/alxayo/upipe/internal/uref"
)

const sig uint32 = 0x41414331 // "AAC1"

// HeaderSize is the fixed 7-byte ADTS header length (no CRC).
const HeaderSize = 7

// bitReader reads MSB-first bit fields out of a byte slice.
type bitReader struct {
	data []byte
	pos  int
}

func (r *bitReader) read(n int) uint32 {
	var v uint32
	for i := 0; i < n; i++ {
		byteIdx := r.pos / 8
		bitIdx := 7 - r.pos%8
		bit := (r.data[byteIdx] >> uint(bitIdx)) & 1
		v = v<<1 | uint32(bit)
		r.pos++
	}
	return v
}

// bitWriter packs MSB-first bit fields into a fixed-size byte slice.
type bitWriter struct {
	data []byte
	pos  int
}

func newBitWriter(nbytes int) *bitWriter { return &bitWriter{data: make([]byte, nbytes)} }

func (w *bitWriter) write(v uint32, n int) {
	for i := n - 1; i >= 0; i-- {
		bit := (v >> uint(i)) & 1
		byteIdx := w.pos / 8
		bitIdx := 7 - w.pos%8
		if bit == 1 {
			w.data[byteIdx] |= 1 << uint(bitIdx)
		}
		w.pos++
	}
}

// adtsHeader is one parsed ADTS header.
type adtsHeader struct {
	profile           uint32 // 0=Main,1=LC,2=SSR,3=LTP
	samplingFreqIndex uint32
	channelConfig     uint32
	frameLength       uint32 // total frame length in bytes, header included
}

// parseADTS reads a 7-byte candidate header at the front of buf and
// reports whether it is syntactically valid, along with its decoded
// fields.
func parseADTS(buf []byte) (adtsHeader, bool) {
	if len(buf) < HeaderSize {
		return adtsHeader{}, false
	}
	r := &bitReader{data: buf}
	sync := r.read(12)
	r.read(1) // id
	layer := r.read(2)
	r.read(1) // protection_absent
	profile := r.read(2)
	sampleIdx := r.read(4)
	r.read(1) // private_bit
	channelConfig := r.read(3)
	r.read(4) // original/copy, home, copyright_id_bit, copyright_id_start
	frameLength := r.read(13)
	r.read(11) // buffer_fullness
	r.read(2)  // number_of_raw_data_blocks_in_frame

	if sync != 0xFFF || layer != 0 {
		return adtsHeader{}, false
	}
	if sampleIdx > 12 || channelConfig == 0 {
		return adtsHeader{}, false
	}
	if frameLength < HeaderSize {
		return adtsHeader{}, false
	}
	return adtsHeader{profile: profile, samplingFreqIndex: sampleIdx, channelConfig: channelConfig, frameLength: frameLength}, true
}

// buildASC derives the 2-byte AudioSpecificConfig-style header from an
// ADTS header's profile/sampling/channel fields, assuming the 1024
// sample GASpecificConfig frame length (frameLengthFlag = 0).
func buildASC(h adtsHeader) []byte {
	w := newBitWriter(2)
	w.write(h.profile+1, 5) // audioObjectType = ADTS profile + 1
	w.write(h.samplingFreqIndex, 4)
	w.write(h.channelConfig, 4)
	w.write(0, 1) // frameLengthFlag: 1024 samples
	w.write(0, 1) // dependsOnCoreCoder
	w.write(0, 1) // extensionFlag
	return w.data
}

// framerData is the pipe's private state.
type framerData struct {
	stream   upipe.UrefStream
	blockMgr *ubuf.BlockMgr
	urefMgr  *uref.Mgr
	flowSent bool
}

// NewMgr creates the manager for an ADTS-to-raw AAC framer pipe.
func NewMgr(blockMgr *ubuf.BlockMgr, urefMgr *uref.Mgr) *upipe.Mgr {
	mgr := &upipe.Mgr{Signature: sig, Name: "aacframer"}
	mgr.AllocFn = func(mgr *upipe.Mgr, probe *uprobe.Probe, args any) (*upipe.Pipe, error) {
		p := upipe.NewPipe("aacframer")
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

	if err := fd.stream.Append(u); err != nil {
		uprobe.Throw(p.Probe(), p, uprobe.Error, uprobe.Args{Err: err})
		return
	}

	sync(p, fd, pump)
}

func sync(p *upipe.Pipe, fd *framerData, pump *upump.Pump) {
	hdrScratch := make([]byte, HeaderSize)
	for {
		if fd.stream.Size() < HeaderSize {
			return
		}
		hdrBytes, err := fd.stream.Peek(HeaderSize, hdrScratch)
		if err != nil {
			return
		}
		h, ok := parseADTS(hdrBytes)
		if !ok {
			if err := fd.stream.Consume(1); err != nil {
				uprobe.Throw(p.Probe(), p, uprobe.Error, uprobe.Args{Err: err})
			}
			continue
		}
		frameLen := int(h.frameLength)
		if fd.stream.Size() < frameLen {
			return
		}

		if !fd.flowSent {
			sendFlowDef(p, fd, h)
			fd.flowSent = true
		}

		payloadLen := frameLen - HeaderSize
		payloadScratch := make([]byte, payloadLen)
		payloadBytes, err := peekPayload(fd, frameLen, payloadLen, payloadScratch)
		if err != nil {
			uprobe.Throw(p.Probe(), p, uprobe.Error, uprobe.Args{Err: err})
			return
		}

		blk := fd.blockMgr.Alloc(payloadLen)
		if blk == nil {
			uprobe.Throw(p.Probe(), p, uprobe.Fatal, uprobe.Args{Err: uerror.Alloc("pipes.aacframer.sync", fmt.Errorf("block allocation failed"))})
			return
		}
		w, err := blk.Write(0, payloadLen)
		if err != nil {
			uprobe.Throw(p.Probe(), p, uprobe.Fatal, uprobe.Args{Err: err})
			return
		}
		copy(w, payloadBytes)

		if err := fd.stream.Consume(frameLen); err != nil {
			uprobe.Throw(p.Probe(), p, uprobe.Error, uprobe.Args{Err: err})
			return
		}

		out := fd.urefMgr.Alloc()
		out.AttachUbuf(blk)
		if dst := p.Output.Get(); dst != nil {
			dst.Input(out, pump)
		} else {
			p.Output.Queue(out)
		}
	}
}

// peekPayload returns payloadLen bytes starting HeaderSize into the
// stream (i.e. the frame with its ADTS header stripped), without
// consuming anything yet.
func peekPayload(fd *framerData, frameLen, payloadLen int, scratch []byte) ([]byte, error) {
	full := make([]byte, frameLen)
	fullBytes, err := fd.stream.Peek(frameLen, full)
	if err != nil {
		return nil, err
	}
	copy(scratch, fullBytes[HeaderSize:])
	return scratch, nil
}

func sendFlowDef(p *upipe.Pipe, fd *framerData, h adtsHeader) {
	def := fd.urefMgr.Alloc()
	def.SetFlowDef("block.aac.sound.")
	def.SetOpaque(uref.AttrFlowHeaders, buildASC(h))
	p.Control(upipe.CmdSetFlowDef, def)
	p.Output.QueueFlowDef(def.Dup())
	def.Free()
	p.Output.Flush(p)
}
