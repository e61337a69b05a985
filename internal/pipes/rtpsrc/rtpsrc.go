// Package rtpsrc implements the rtp_reorder module supplemented from
// original_source/lib/upipe-modules/upipe_rtp_reorder.c: a source-side
// pipe that accepts inbound RTP packets out of order, holds them in a
// bounded reorder window keyed by sequence number, and forwards
// contiguous runs as block urefs once the gap ahead of them closes (or
// once the window grows past its configured depth, at which point the
// oldest held packet is force-flushed rather than waited on forever).
package rtpsrc

import (
	"fmt"

	"github.com/alxayo/upipe/internal/uerror"
	"github.com/alxayo/upipe/internal/ubuf"
	"github.com/alxayo/upipe/internal/uclock"
	"github.com/alxayo/upipe/internal/upipe"
	"github.com/alxayo/upipe/internal/uprobe"
	"github.com/alxayo/upipe/internal/uref"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
)

const sig uint32 = 0x52545052 // "RTPR"

// seqNumLess reports whether a precedes b under RFC 3550's 16-bit
// sequence-number wraparound convention (half the space ahead counts as
// behind).
func seqNumLess(a, b uint16) bool {
	return int16(a-b) < 0
}

// held is one packet waiting in the reorder window.
type held struct {
	seq  uint16
	blk  *ubuf.Block
	pts  uint64
}

// Receiver is the reorder-window state plus the output it forwards
// contiguous urefs onto. It is not itself an upipe.Mgr: construct it, then
// wire its HandleRTP/HandleSenderReport callbacks to whatever delivers raw
// packets (a net.PacketConn reader loop, typically run off its own
// upump.Pump).
type Receiver struct {
	window    int
	blockMgr  *ubuf.BlockMgr
	urefMgr   *uref.Mgr
	clockRate uint32
	clock     uclock.Clock

	out   *upipe.Pipe
	probe *uprobe.Probe

	have     bool
	expected uint16
	pending  []held // kept sorted by seq
}

// NewReceiver creates a reorder buffer that holds up to window
// out-of-order packets before force-flushing the oldest one.
func NewReceiver(window int, blockMgr *ubuf.BlockMgr, urefMgr *uref.Mgr, clockRate uint32, clock uclock.Clock, out *upipe.Pipe, probe *uprobe.Probe) *Receiver {
	if window <= 0 {
		window = 32
	}
	return &Receiver{window: window, blockMgr: blockMgr, urefMgr: urefMgr, clockRate: clockRate, clock: clock, out: out, probe: probe}
}

func (r *Receiver) ptsFromRTP(ts uint32) uint64 {
	return uint64(ts) * uclock.Freq / uint64(r.clockRate)
}

// HandleRTP admits one freshly received RTP packet into the reorder
// window, then emits as many contiguous held packets as are now ready.
func (r *Receiver) HandleRTP(pkt *rtp.Packet) error {
	blk := r.blockMgr.Alloc(len(pkt.Payload))
	if blk == nil {
		return uerror.Alloc("pipes.rtpsrc.handle_rtp", fmt.Errorf("block allocation failed"))
	}
	w, err := blk.Write(0, len(pkt.Payload))
	if err != nil {
		return err
	}
	copy(w, pkt.Payload)

	h := held{seq: pkt.SequenceNumber, blk: blk, pts: r.ptsFromRTP(pkt.Timestamp)}

	if !r.have {
		r.have = true
		r.expected = h.seq
	}

	if h.seq == r.expected || seqNumLess(h.seq, r.expected) {
		r.emit(h)
		r.expected = h.seq + 1
		r.drainReady()
		return nil
	}

	r.insertSorted(h)
	if len(r.pending) > r.window {
		r.forceFlushOldest()
	}
	return nil
}

func (r *Receiver) insertSorted(h held) {
	i := 0
	for i < len(r.pending) && seqNumLess(r.pending[i].seq, h.seq) {
		i++
	}
	if i < len(r.pending) && r.pending[i].seq == h.seq {
		h.blk.Release()
		return
	}
	r.pending = append(r.pending, held{})
	copy(r.pending[i+1:], r.pending[i:])
	r.pending[i] = h
}

func (r *Receiver) drainReady() {
	for len(r.pending) > 0 && r.pending[0].seq == r.expected {
		h := r.pending[0]
		r.pending = r.pending[1:]
		r.emit(h)
		r.expected++
	}
}

func (r *Receiver) forceFlushOldest() {
	h := r.pending[0]
	r.pending = r.pending[1:]
	r.expected = h.seq + 1
	r.emit(h)
	r.drainReady()
}

func (r *Receiver) emit(h held) {
	u := r.urefMgr.Alloc()
	u.AttachUbuf(h.blk)
	u.SetPts(uref.Sys, h.pts)
	r.out.Input(u, nil)
}

// HandleSenderReport parses an incoming RTCP sender report and raises
// ClockRef on the receiver's probe chain so anything watching it learns
// the stream's NTP/RTP correspondence.
func (r *Receiver) HandleSenderReport(raw []byte) error {
	pkts, err := rtcp.Unmarshal(raw)
	if err != nil {
		return uerror.External("pipes.rtpsrc.handle_sender_report", err)
	}
	for _, pkt := range pkts {
		sr, ok := pkt.(*rtcp.SenderReport)
		if !ok {
			continue
		}
		return uprobe.Throw(r.probe, rtpsrcIdentity{}, uprobe.ClockRef, uprobe.Args{Extra: sr})
	}
	return uerror.Unhandled("pipes.rtpsrc.handle_sender_report", fmt.Errorf("no sender report in packet"))
}

// rtpsrcIdentity is the minimal uprobe.Pipe identity a bare Receiver
// raises events as, since it isn't itself an upipe.Pipe.
type rtpsrcIdentity struct{}

func (rtpsrcIdentity) Label() string     { return "rtpsrc" }
func (rtpsrcIdentity) Signature() uint32 { return sig }
