package mpga

import (
	"testing"

	"github.com/alxayo/upipe/internal/ubuf"
	"github.com/alxayo/upipe/internal/udict"
	"github.com/alxayo/upipe/internal/upipe"
	"github.com/alxayo/upipe/internal/uprobe"
	"github.com/alxayo/upipe/internal/upump"
	"github.com/alxayo/upipe/internal/uref"
	"github.com/stretchr/testify/require"
)

func newUrefMgr() *uref.Mgr { return uref.NewStdMgr(udict.NewInlineMgr(4), 4) }

type recordedFrame struct {
	data    []byte
	crSys   uint64
	rapSys  uint64
	ptsOrig uint64
	dtsOrig uint64
}

func newSinkMgr(out *[]recordedFrame) *upipe.Mgr {
	return &upipe.Mgr{
		Signature: 66,
		AllocFn: func(mgr *upipe.Mgr, probe *uprobe.Probe, args any) (*upipe.Pipe, error) {
			return upipe.NewPipe("sink"), nil
		},
		InputFn: func(p *upipe.Pipe, u *uref.Uref, pump *upump.Pump) {
			if b, ok := u.Ubuf().(*ubuf.Block); ok {
				n := b.Size()
				data, _ := b.Read(0, n)
				cr, _ := u.Cr(uref.Sys)
				rap, _ := u.Rap(uref.Sys)
				pts, _ := u.Pts(uref.Orig)
				dts, _ := u.Dts(uref.Orig)
				*out = append(*out, recordedFrame{data: append([]byte(nil), data...), crSys: cr, rapSys: rap, ptsOrig: pts, dtsOrig: dts})
			}
			u.Free()
		},
	}
}

// buildLayer2Header builds a 4-byte MPEG-1 Layer II header for bitrate
// index 0xc (256 kbit/s) and sampling index 0x1 (48 kHz), stereo.
func buildLayer2Header() [4]byte {
	var h [4]byte
	h[0] = 0xFF
	h[1] = 0xE0 | (0x3 << 3) | (0x2 << 1) | 0x1 // version=MPEG1, layer=II, protection_absent=1
	h[2] = (0xc << 4) | (0x1 << 2)              // bitrate idx 0xc, sampling idx 0x1, no padding
	h[3] = 0x00 << 6                            // stereo mode
	return h
}

func TestMPGAFramerEmitsOneFrameWithExpectedTimestamps(t *testing.T) {
	blockMgr := ubuf.NewBlockMgr(nil, 0, 0, 1)
	urefMgr := newUrefMgr()
	mgr := NewMgr(blockMgr, urefMgr)
	probe := uprobe.New(func(uprobe.Pipe, uprobe.Event, uprobe.Args) error { return nil })
	framer, err := mgr.Alloc(probe, nil)
	require.NoError(t, err)

	var out []recordedFrame
	sink, err := newSinkMgr(&out).Alloc(probe, nil)
	require.NoError(t, err)
	_, err = framer.Control(upipe.CmdSetOutput, sink)
	require.NoError(t, err)

	header := buildLayer2Header()
	var buf []byte
	buf = append(buf, make([]byte, 42)...) // junk
	buf = append(buf, header[:]...)
	payload := make([]byte, 764)
	for i := range payload {
		payload[i] = byte(i % 256)
	}
	buf = append(buf, payload...)
	buf = append(buf, header[:]...) // second header, no full frame follows

	blk := blockMgr.Alloc(len(buf))
	w, err := blk.Write(0, len(buf))
	require.NoError(t, err)
	copy(w, buf)

	u := urefMgr.Alloc()
	u.AttachUbuf(blk)
	u.SetCr(uref.Sys, 84)
	u.SetRap(uref.Sys, 42)
	u.SetPts(uref.Orig, 27_000_000)
	u.SetDts(uref.Orig, 27_000_000)

	framer.Input(u, nil)

	require.Len(t, out, 1)
	require.Len(t, out[0].data, 768)
	for i := 0; i < 764; i++ {
		require.Equal(t, byte(i%256), out[0].data[4+i])
	}
	require.Equal(t, uint64(84), out[0].crSys)
	require.Equal(t, uint64(42), out[0].rapSys)
	require.Equal(t, uint64(27_000_000), out[0].ptsOrig)
	require.Equal(t, uint64(27_000_000), out[0].dtsOrig)
}
