package uref

import (
	"testing"

	"github.com/alxayo/upipe/internal/ubuf"
	"github.com/alxayo/upipe/internal/udict"
	"github.com/stretchr/testify/require"
)

func newMgr() *Mgr {
	return NewStdMgr(udict.NewInlineMgr(4), 4)
}

func TestAllocGivesEmptyDictAndNoPayload(t *testing.T) {
	m := newMgr()
	u := m.Alloc()
	defer u.Free()

	require.Nil(t, u.Ubuf())
	_, ok := u.FlowDef()
	require.False(t, ok)
}

func TestAttachDetachUbuf(t *testing.T) {
	m := newMgr()
	blkMgr := ubuf.NewBlockMgr(nil, 0, 0, 1)
	u := m.Alloc()
	defer u.Free()

	b := blkMgr.Alloc(16)
	u.AttachUbuf(b)
	require.Same(t, ubuf.Payload(b), u.Ubuf())

	detached := u.DetachUbuf()
	require.Same(t, ubuf.Payload(b), detached)
	require.Nil(t, u.Ubuf())
	detached.Release()
}

func TestAttachUbufReleasesPrevious(t *testing.T) {
	m := newMgr()
	blkMgr := ubuf.NewBlockMgr(nil, 0, 0, 1)
	u := m.Alloc()
	defer u.Free()

	first := blkMgr.Alloc(16)
	u.AttachUbuf(first)
	require.Equal(t, int32(1), first.RefCount())

	second := blkMgr.Alloc(16)
	u.AttachUbuf(second)
	require.Same(t, ubuf.Payload(second), u.Ubuf())
}

func TestDupSharesPayloadRefcountAndCopiesDict(t *testing.T) {
	m := newMgr()
	blkMgr := ubuf.NewBlockMgr(nil, 0, 0, 1)
	u := m.Alloc()
	defer u.Free()

	b := blkMgr.Alloc(16)
	u.AttachUbuf(b)
	u.SetFlowDef("block.")

	dup := u.Dup()
	defer dup.Free()

	require.Equal(t, int32(2), b.RefCount())

	dup.SetFlowDef("block.mpegts.")
	def, _ := u.FlowDef()
	require.Equal(t, "block.", def, "dup must deep-copy the attribute dictionary, not share it")
}

func TestForkKeepsAttributesSwapsUbuf(t *testing.T) {
	m := newMgr()
	blkMgr := ubuf.NewBlockMgr(nil, 0, 0, 1)
	u := m.Alloc()
	defer u.Free()

	original := blkMgr.Alloc(16)
	u.AttachUbuf(original)
	u.SetFlowDef("pic.")
	u.SetUnsigned(AttrFlowID, 7)

	replacement := blkMgr.Alloc(32)
	forked := u.Fork(replacement)
	defer forked.Free()

	require.Same(t, ubuf.Payload(replacement), forked.Ubuf())
	def, ok := forked.FlowDef()
	require.True(t, ok)
	require.Equal(t, "pic.", def)
	id, ok := forked.GetUnsigned(AttrFlowID)
	require.True(t, ok)
	require.Equal(t, uint64(7), id)
}

func TestIsFlowDefRequiresNoUbuf(t *testing.T) {
	m := newMgr()
	blkMgr := ubuf.NewBlockMgr(nil, 0, 0, 1)
	u := m.Alloc()
	defer u.Free()

	u.SetFlowDef("sound.")
	require.True(t, u.IsFlowDef())

	u.AttachUbuf(blkMgr.Alloc(8))
	require.False(t, u.IsFlowDef())
}

func TestTimestampsPerOrigin(t *testing.T) {
	m := newMgr()
	u := m.Alloc()
	defer u.Free()

	u.SetPts(Sys, 84)
	u.SetPts(Orig, 27_000_000)
	u.SetDts(Orig, 27_000_000)

	pSys, ok := u.Pts(Sys)
	require.True(t, ok)
	require.Equal(t, uint64(84), pSys)

	pOrig, ok := u.Pts(Orig)
	require.True(t, ok)
	require.Equal(t, uint64(27_000_000), pOrig)

	dOrig, ok := u.Dts(Orig)
	require.True(t, ok)
	require.Equal(t, pOrig, dOrig)

	_, ok = u.Pts(Prog)
	require.False(t, ok)
}

func TestRateRoundTrip(t *testing.T) {
	m := newMgr()
	u := m.Alloc()
	defer u.Free()

	u.SetRate(udict.Rational{Num: 48000, Den: 1})
	r, ok := u.Rate()
	require.True(t, ok)
	require.Equal(t, int64(48000), r.Num)
}

func TestQueueLink(t *testing.T) {
	m := newMgr()
	a := m.Alloc()
	b := m.Alloc()
	defer a.Free()
	defer b.Free()

	a.SetNext(b)
	require.Same(t, b, a.Next())
}

func TestFreeReleasesPayloadAndReturnsToPool(t *testing.T) {
	m := newMgr()
	blkMgr := ubuf.NewBlockMgr(nil, 0, 0, 1)
	u := m.Alloc()
	b := blkMgr.Alloc(8)
	u.AttachUbuf(b)

	u.Free()
	require.Equal(t, int32(0), b.RefCount())
}
