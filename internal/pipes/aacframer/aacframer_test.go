package aacframer

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
	headers []byte
}

func newSinkMgr(out *[]recordedFrame) *upipe.Mgr {
	return &upipe.Mgr{
		Signature: 67,
		AllocFn: func(mgr *upipe.Mgr, probe *uprobe.Probe, args any) (*upipe.Pipe, error) {
			return upipe.NewPipe("sink"), nil
		},
		InputFn: func(p *upipe.Pipe, u *uref.Uref, pump *upump.Pump) {
			if u.IsFlowDef() {
				headers, _ := u.GetOpaque(uref.AttrFlowHeaders)
				*out = append(*out, recordedFrame{headers: append([]byte(nil), headers...)})
				u.Free()
				return
			}
			if b, ok := u.Ubuf().(*ubuf.Block); ok {
				n := b.Size()
				data, _ := b.Read(0, n)
				*out = append(*out, recordedFrame{data: append([]byte(nil), data...)})
			}
			u.Free()
		},
	}
}

// buildADTSHeader builds a 7-byte ADTS header for profile=LC(1),
// sampling index 0x3 (48 kHz), 2 channels, and the given total frame
// length (header included).
func buildADTSHeader(frameLength int) []byte {
	w := newBitWriter(HeaderSize)
	w.write(0xFFF, 12) // syncword
	w.write(0, 1)       // id
	w.write(0, 2)       // layer
	w.write(1, 1)       // protection_absent
	w.write(1, 2)       // profile = LC
	w.write(3, 4)       // sampling_freq_index = 48kHz
	w.write(0, 1)       // private_bit
	w.write(2, 3)       // channel_config = stereo
	w.write(0, 4)       // original/copy, home, copyright_id_bit, copyright_id_start
	w.write(uint32(frameLength), 13)
	w.write(0x7FF, 11) // buffer_fullness
	w.write(0, 2)      // number_of_raw_data_blocks_in_frame
	return w.data
}

func TestAACFramerStripsADTSHeaderAndEncodesASC(t *testing.T) {
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

	header := buildADTSHeader(768)
	var buf []byte
	buf = append(buf, make([]byte, 42)...)
	buf = append(buf, header...)
	payload := make([]byte, 761)
	for i := range payload {
		payload[i] = byte(i % 256)
	}
	buf = append(buf, payload...)
	buf = append(buf, header...)

	blk := blockMgr.Alloc(len(buf))
	w, err := blk.Write(0, len(buf))
	require.NoError(t, err)
	copy(w, buf)

	u := urefMgr.Alloc()
	u.AttachUbuf(blk)
	framer.Input(u, nil)

	require.Len(t, out, 2)
	require.Equal(t, []byte{0x11, 0x90}, out[0].headers)
	require.Len(t, out[1].data, 761)
	for i := 0; i < 761; i++ {
		require.Equal(t, byte(i%256), out[1].data[i])
	}
}

func TestParseADTSRejectsNonADTSSync(t *testing.T) {
	buf := make([]byte, HeaderSize)
	_, ok := parseADTS(buf)
	require.False(t, ok)
}
