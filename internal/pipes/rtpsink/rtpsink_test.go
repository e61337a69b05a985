package rtpsink

import (
	"testing"

	"github.com/alxayo/upipe/internal/ubuf"
	"github.com/alxayo/upipe/internal/uclock"
	"github.com/alxayo/upipe/internal/udict"
	"github.com/alxayo/upipe/internal/upipe"
	"github.com/alxayo/upipe/internal/uprobe"
	"github.com/alxayo/upipe/internal/uref"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/stretchr/testify/require"
)

type fakeTransport struct {
	rtpPackets  []*rtp.Packet
	rtcpPackets []rtcp.Packet
}

func (f *fakeTransport) WriteRTP(pkt *rtp.Packet) error {
	f.rtpPackets = append(f.rtpPackets, pkt)
	return nil
}

func (f *fakeTransport) WriteRTCP(pkt rtcp.Packet) error {
	f.rtcpPackets = append(f.rtcpPackets, pkt)
	return nil
}

func newUrefMgr() *uref.Mgr { return uref.NewStdMgr(udict.NewInlineMgr(4), 4) }

func TestPacketizeStampsIncrementingSeqAndDerivedTimestamp(t *testing.T) {
	blockMgr := ubuf.NewBlockMgr(nil, 0, 0, 1)
	transport := &fakeTransport{}
	clock := uclock.NewVirtual()
	mgr := NewSinkMgr(0x1234, 96, 90000, transport, clock)
	probe := uprobe.New(func(uprobe.Pipe, uprobe.Event, uprobe.Args) error { return nil })
	sink, err := mgr.Alloc(probe, nil)
	require.NoError(t, err)

	um := newUrefMgr()
	for i := 0; i < 3; i++ {
		blk := blockMgr.Alloc(4)
		w, err := blk.Write(0, 4)
		require.NoError(t, err)
		w[0] = byte(i)
		u := um.Alloc()
		u.AttachUbuf(blk)
		u.SetPts(uref.Sys, uint64(i)*uclock.Freq/10)
		sink.Input(u, nil)
	}

	require.Len(t, transport.rtpPackets, 3)
	require.Equal(t, uint16(0), transport.rtpPackets[0].SequenceNumber)
	require.Equal(t, uint16(1), transport.rtpPackets[1].SequenceNumber)
	require.Equal(t, uint16(2), transport.rtpPackets[2].SequenceNumber)
	require.Equal(t, uint32(0x1234), transport.rtpPackets[0].SSRC)
	require.Equal(t, uint8(96), transport.rtpPackets[0].PayloadType)
	require.Equal(t, []byte{1, 0, 0, 0}, transport.rtpPackets[1].Payload)
}

func TestSendSenderReportCarriesAccumulatedCounts(t *testing.T) {
	blockMgr := ubuf.NewBlockMgr(nil, 0, 0, 1)
	transport := &fakeTransport{}
	clock := uclock.NewVirtual()
	mgr := NewSinkMgr(0xabcd, 97, 48000, transport, clock)
	probe := uprobe.New(func(uprobe.Pipe, uprobe.Event, uprobe.Args) error { return nil })
	sink, err := mgr.Alloc(probe, nil)
	require.NoError(t, err)

	um := newUrefMgr()
	blk := blockMgr.Alloc(10)
	u := um.Alloc()
	u.AttachUbuf(blk)
	sink.Input(u, nil)

	var clockRefSeen bool
	relayed := uprobe.New(func(p uprobe.Pipe, e uprobe.Event, a uprobe.Args) error {
		if e == uprobe.ClockRef {
			clockRefSeen = true
			return nil
		}
		return nil
	})
	sink.SetProbe(relayed)

	require.NoError(t, SendSenderReport(sink))
	require.True(t, clockRefSeen)
	require.Len(t, transport.rtcpPackets, 1)
	sr, ok := transport.rtcpPackets[0].(*rtcp.SenderReport)
	require.True(t, ok)
	require.Equal(t, uint32(0xabcd), sr.SSRC)
	require.Equal(t, uint32(1), sr.PacketCount)
	require.Equal(t, uint32(10), sr.OctetCount)
}
