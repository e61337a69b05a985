package scte35

import (
	"testing"

	"github.com/alxayo/upipe/internal/ubuf"
	"github.com/alxayo/upipe/internal/uclock"
	"github.com/alxayo/upipe/internal/udict"
	"github.com/alxayo/upipe/internal/upipe"
	"github.com/alxayo/upipe/internal/uprobe"
	"github.com/alxayo/upipe/internal/upump"
	"github.com/alxayo/upipe/internal/uref"
	"github.com/stretchr/testify/require"
)

func newUrefMgr() *uref.Mgr { return uref.NewStdMgr(udict.NewInlineMgr(4), 4) }

func newSinkMgr(out *[]Section) *upipe.Mgr {
	return &upipe.Mgr{
		Signature: 68,
		AllocFn: func(mgr *upipe.Mgr, probe *uprobe.Probe, args any) (*upipe.Pipe, error) {
			return upipe.NewPipe("sink"), nil
		},
		InputFn: func(p *upipe.Pipe, u *uref.Uref, pump *upump.Pump) {
			if b, ok := u.Ubuf().(*ubuf.Block); ok {
				n := b.Size()
				data, _ := b.Read(0, n)
				if section, ok := Unmarshal(data); ok {
					*out = append(*out, section)
				}
			}
			u.Free()
		},
	}
}

func newGenerator(t *testing.T, clock *uclock.Virtual) (*upipe.Pipe, *[]Section) {
	blockMgr := ubuf.NewBlockMgr(nil, 0, 0, 1)
	urefMgr := newUrefMgr()
	mgr := NewMgr(blockMgr, urefMgr, uclock.Freq, clock)
	probe := uprobe.New(func(uprobe.Pipe, uprobe.Event, uprobe.Args) error { return nil })
	gen, err := mgr.Alloc(probe, nil)
	require.NoError(t, err)

	var out []Section
	sink, err := newSinkMgr(&out).Alloc(probe, nil)
	require.NoError(t, err)
	_, err = gen.Control(upipe.CmdSetOutput, sink)
	require.NoError(t, err)
	return gen, &out
}

func TestPrepareEmitsNullSectionWhenIdle(t *testing.T) {
	clock := uclock.NewVirtual()
	clock.SetSeconds(1)
	gen, out := newGenerator(t, clock)

	err := Prepare(gen, uclock.Freq)
	require.NoError(t, err)

	require.Len(t, *out, 1)
	require.Equal(t, CommandNull, (*out)[0].CommandType)
	require.Equal(t, uint64(0), (*out)[0].PTSAdjustment)
}

func TestPrepareEmitsInsertWithinWindowThenRevertsToNull(t *testing.T) {
	clock := uclock.NewVirtual()
	gen, out := newGenerator(t, clock)
	urefMgr := newUrefMgr()

	ctl := urefMgr.Alloc()
	ctl.SetUnsigned(AttrCommand, uint64(CommandInsert))
	ctl.SetUnsigned(AttrEventID, 4242)
	ctl.SetBool(AttrOutOfNetwork, true)
	ctl.SetBool(AttrAutoReturn, true)
	ctl.SetUnsigned(AttrUniqueProgramID, 1212)
	ctl.SetPts(uref.Sys, 4*uclock.Freq)
	ctl.SetClock(uref.AttrDuration, 2*uclock.Freq)
	gen.Input(ctl, nil)

	for _, secs := range []float64{2, 3, 4} {
		*out = nil
		err := Prepare(gen, uint64(secs*float64(uclock.Freq)))
		require.NoError(t, err)
		require.Len(t, *out, 1)
		s := (*out)[0]
		require.Equal(t, CommandInsert, s.CommandType)
		require.EqualValues(t, 4242, s.EventID)
		require.True(t, s.OutOfNetwork)
		require.True(t, s.AutoReturn)
		require.EqualValues(t, 1212, s.UniqueProgramID)
		require.Equal(t, (4*uclock.Freq)/300, s.PTSTime)
		require.Equal(t, (2*uclock.Freq)/300, s.BreakDuration)
	}

	*out = nil
	err := Prepare(gen, 5*uclock.Freq)
	require.NoError(t, err)
	require.Len(t, *out, 1)
	require.Equal(t, CommandNull, (*out)[0].CommandType)
}

func TestReceiveDedupsAutoReturnInsertWithinWindow(t *testing.T) {
	clock := uclock.NewVirtual()
	clock.SetSeconds(0)
	gen, _ := newGenerator(t, clock)
	urefMgr := newUrefMgr()

	first := urefMgr.Alloc()
	first.SetUnsigned(AttrCommand, uint64(CommandInsert))
	first.SetUnsigned(AttrEventID, 1)
	first.SetBool(AttrAutoReturn, true)
	first.SetUnsigned(AttrUniqueProgramID, 7)
	first.SetPts(uref.Sys, 10*uclock.Freq)
	gen.Input(first, nil)

	second := urefMgr.Alloc()
	second.SetUnsigned(AttrCommand, uint64(CommandInsert))
	second.SetUnsigned(AttrEventID, 2)
	second.SetBool(AttrAutoReturn, true)
	second.SetUnsigned(AttrUniqueProgramID, 7)
	second.SetPts(uref.Sys, 20*uclock.Freq)
	gen.Input(second, nil)

	gd := gen.Data.(*generatorData)
	require.Len(t, gd.pending, 1)
	require.EqualValues(t, 1, gd.pending[7].eventID)
}
