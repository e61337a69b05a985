package ubuf

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSoundAllocPerChannelPlanes(t *testing.T) {
	mgr := NewSoundMgr(nil, 4, 1, "l", "r")
	s, err := mgr.Alloc(128)
	require.NoError(t, err)
	require.Equal(t, 128, s.Samples())
	require.Equal(t, []string{"l", "r"}, s.Channels())
}

func TestSoundWriteReadRoundTrip(t *testing.T) {
	mgr := NewSoundMgr(nil, 4, 1, "l", "r")
	s, err := mgr.Alloc(16)
	require.NoError(t, err)

	w, err := s.PlaneWrite("l")
	require.NoError(t, err)
	for i := range w {
		w[i] = byte(i)
	}

	r, err := s.PlaneRead("l")
	require.NoError(t, err)
	require.Equal(t, w, r)

	other, err := s.PlaneRead("r")
	require.NoError(t, err)
	require.NotEqual(t, w, other)
}

func TestSoundUnknownChannelIsInvalid(t *testing.T) {
	mgr := NewSoundMgr(nil, 4, 1, "l", "r")
	s, err := mgr.Alloc(16)
	require.NoError(t, err)

	_, err = s.PlaneRead("c")
	require.Error(t, err)
}

func TestSoundMakeWritableOnSharedRefcountReturnsNewPointer(t *testing.T) {
	mgr := NewSoundMgr(nil, 4, 1, "l")
	s, err := mgr.Alloc(16)
	require.NoError(t, err)

	dup := s.Dup()
	require.Equal(t, int32(2), s.RefCount())

	private, err := dup.MakeWritable()
	require.NoError(t, err)
	require.Equal(t, int32(1), s.RefCount())

	w, err := private.PlaneWrite("l")
	require.NoError(t, err)
	w[0] = 0x7F

	r, err := s.PlaneRead("l")
	require.NoError(t, err)
	require.NotEqual(t, byte(0x7F), r[0])
}

func TestSoundWriteRequiresExclusiveOwnership(t *testing.T) {
	mgr := NewSoundMgr(nil, 4, 1, "l")
	s, err := mgr.Alloc(16)
	require.NoError(t, err)
	s.Dup()

	_, err = s.PlaneWrite("l")
	require.Error(t, err)
}

func TestSoundAllocAppliesAlignment(t *testing.T) {
	mgr := NewSoundMgr(nil, 1, 16, "mono")
	s, err := mgr.Alloc(10)
	require.NoError(t, err)

	r, err := s.PlaneRead("mono")
	require.NoError(t, err)
	require.Equal(t, 10, len(r))
}

func TestPackedSoundAllocSingleInterleavedPlane(t *testing.T) {
	mgr := NewPackedSoundMgr(nil, 2, 2, 1)
	s, err := mgr.Alloc(4)
	require.NoError(t, err)
	require.Equal(t, []string{"packed"}, s.Channels())

	w, err := s.PackedPlaneWrite()
	require.NoError(t, err)
	require.Equal(t, 16, len(w)) // 4 samples * 2 channels * 2 bytes
	for i := range w {
		w[i] = byte(i)
	}

	r, err := s.PackedPlane()
	require.NoError(t, err)
	require.Equal(t, w, r)
}
