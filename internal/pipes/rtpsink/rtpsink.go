// Package rtpsink implements the rtp_prepend module supplemented from
// original_source/lib/upipe-modules/upipe_rtp_prepend.c: a sink pipe that
// packetizes outgoing block urefs into RTP packets (sequence number
// incremented per packet, timestamp derived from the uref's system pts and
// the manager's clock rate) and writes them to a caller-supplied
// Transport. An RTCP sender report, from which downstream clients can
// recover wall-clock timing, is sent each time SendSenderReport is called.
package rtpsink

import (
	"fmt"

	"github.com/alxayo/upipe/internal/uerror"
	"github.com/alxayo/upipe/internal/ubuf"
	"github.com/alxayo/upipe/internal/uclock"
	"github.com/alxayo/upipe/internal/upipe"
	"github.com/alxayo/upipe/internal/uprobe"
	"github.com/alxayo/upipe/internal/upump"
	"github.com/alxayo/upipe/internal/uref"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
)

const sig uint32 = 0x52545053 // "RTPS"

// Transport is the wire it takes to actually send a packet: typically a
// net.Conn or net.PacketConn wrapper, kept abstract so tests can swap in
// an in-memory sink.
type Transport interface {
	WriteRTP(pkt *rtp.Packet) error
	WriteRTCP(pkt rtcp.Packet) error
}

// sinkData is the pipe's private state.
type sinkData struct {
	transport   Transport
	ssrc        uint32
	payloadType uint8
	clockRate   uint32
	seq         uint16
	packetCount uint32
	octetCount  uint32
	clock       uclock.Clock
}

// NewSinkMgr creates the manager for an rtp_prepend sink: ssrc identifies
// the stream, payloadType is the RTP payload type to stamp on every
// packet, and clockRate converts a uref's 27MHz system timestamp into the
// packet's 32-bit RTP timestamp.
func NewSinkMgr(ssrc uint32, payloadType uint8, clockRate uint32, transport Transport, clock uclock.Clock) *upipe.Mgr {
	mgr := &upipe.Mgr{Signature: sig, Name: "rtpsink"}
	mgr.AllocFn = func(mgr *upipe.Mgr, probe *uprobe.Probe, args any) (*upipe.Pipe, error) {
		p := upipe.NewPipe("rtpsink")
		p.Data = &sinkData{transport: transport, ssrc: ssrc, payloadType: payloadType, clockRate: clockRate, clock: clock}
		return p, nil
	}
	mgr.InputFn = func(p *upipe.Pipe, u *uref.Uref, pump *upump.Pump) {
		packetize(p, u, pump)
	}
	return mgr
}

func rtpTimestamp(ptsSys uint64, clockRate uint32) uint32 {
	return uint32((ptsSys * uint64(clockRate)) / uclock.Freq)
}

func packetize(p *upipe.Pipe, u *uref.Uref, pump *upump.Pump) {
	sd, ok := p.Data.(*sinkData)
	if !ok {
		u.Free()
		return
	}
	if u.IsFlowDef() {
		u.Free()
		return
	}

	blk, ok := u.Ubuf().(*ubuf.Block)
	if !ok {
		u.Free()
		uprobe.Throw(p.Probe(), p, uprobe.Error, uprobe.Args{Err: uerror.Invalid("pipes.rtpsink.input", fmt.Errorf("uref carries no block payload"))})
		return
	}

	size := blk.Size()
	payload, err := blk.Read(0, size)
	if err != nil {
		u.Free()
		uprobe.Throw(p.Probe(), p, uprobe.Error, uprobe.Args{Err: err})
		return
	}

	ptsSys, _ := u.Pts(uref.Sys)
	marker, _ := u.GetBool("rtp.marker")

	pkt := &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			Marker:         marker,
			PayloadType:    sd.payloadType,
			SequenceNumber: sd.seq,
			Timestamp:      rtpTimestamp(ptsSys, sd.clockRate),
			SSRC:           sd.ssrc,
		},
		Payload: payload,
	}
	sd.seq++
	sd.packetCount++
	sd.octetCount += uint32(size)

	if err := sd.transport.WriteRTP(pkt); err != nil {
		u.Free()
		uprobe.Throw(p.Probe(), p, uprobe.Fatal, uprobe.Args{Err: uerror.External("pipes.rtpsink.write_rtp", err)})
		return
	}
	u.Free()
}

// SendSenderReport emits an RTCP sender report built from the sink's
// accumulated packet/octet counts and raises ClockRef so anything
// watching this pipe's probe chain learns the NTP/RTP correspondence just
// applied.
func SendSenderReport(p *upipe.Pipe) error {
	sd, ok := p.Data.(*sinkData)
	if !ok {
		return uerror.Invalid("pipes.rtpsink.send_sender_report", fmt.Errorf("not an rtpsink pipe"))
	}
	now := sd.clock.Now()
	sr := &rtcp.SenderReport{
		SSRC:        sd.ssrc,
		NTPTime:     ntpFromClock(now),
		RTPTime:     rtpTimestamp(now, sd.clockRate),
		PacketCount: sd.packetCount,
		OctetCount:  sd.octetCount,
	}
	if err := sd.transport.WriteRTCP(sr); err != nil {
		return uerror.External("pipes.rtpsink.send_sender_report", err)
	}
	return uprobe.Throw(p.Probe(), p, uprobe.ClockRef, uprobe.Args{Extra: sr})
}

// ntpFromClock converts a 27MHz uclock reading into a 64-bit NTP
// timestamp (seconds in the high 32 bits, fraction in the low 32 bits).
func ntpFromClock(now uint64) uint64 {
	seconds := now / uclock.Freq
	frac := now % uclock.Freq
	return seconds<<32 | (frac << 32 / uclock.Freq)
}
