package ubuf

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func planarYUV420() []PlaneFormat {
	return []PlaneFormat{
		{Name: "y8", Hsub: 1, Vsub: 1, MacroSize: 1},
		{Name: "u8", Hsub: 2, Vsub: 2, MacroSize: 1},
		{Name: "v8", Hsub: 2, Vsub: 2, MacroSize: 1},
	}
}

func TestPictureAllocPlaneStridesAccountForSubsampling(t *testing.T) {
	mgr := NewPictureMgr(nil, 1, planarYUV420()...)
	p, err := mgr.Alloc(16, 8)
	require.NoError(t, err)

	_, yStride, err := p.PlaneRead("y8")
	require.NoError(t, err)
	require.Equal(t, 16, yStride)

	_, uStride, err := p.PlaneRead("u8")
	require.NoError(t, err)
	require.Equal(t, 8, uStride)
}

func TestPictureAllocAppliesAlignment(t *testing.T) {
	mgr := NewPictureMgr(nil, 32, planarYUV420()...)
	p, err := mgr.Alloc(10, 4)
	require.NoError(t, err)

	_, stride, err := p.PlaneRead("y8")
	require.NoError(t, err)
	require.Equal(t, 32, stride, "stride must round up to alignment")
}

func TestPictureWriteReadRoundTrip(t *testing.T) {
	mgr := NewPictureMgr(nil, 1, planarYUV420()...)
	p, err := mgr.Alloc(4, 4)
	require.NoError(t, err)

	w, _, err := p.PlaneWrite("y8")
	require.NoError(t, err)
	for i := range w {
		w[i] = byte(i)
	}

	r, _, err := p.PlaneRead("y8")
	require.NoError(t, err)
	require.Equal(t, w, r)
}

func TestPictureUnknownPlaneIsInvalid(t *testing.T) {
	mgr := NewPictureMgr(nil, 1, planarYUV420()...)
	p, err := mgr.Alloc(4, 4)
	require.NoError(t, err)

	_, _, err = p.PlaneRead("a8")
	require.Error(t, err)
}

func TestPictureIterateEnumeratesDeclaredOrder(t *testing.T) {
	mgr := NewPictureMgr(nil, 1, planarYUV420()...)
	p, err := mgr.Alloc(4, 4)
	require.NoError(t, err)

	var names []string
	cursor := 0
	for {
		name, next, ok := p.PlaneIterate(cursor)
		if !ok {
			break
		}
		names = append(names, name)
		cursor = next
	}
	require.Equal(t, []string{"y8", "u8", "v8"}, names)
}

func TestPictureMakeWritableOnSharedRefcountReturnsNewPointer(t *testing.T) {
	mgr := NewPictureMgr(nil, 1, planarYUV420()...)
	p, err := mgr.Alloc(4, 4)
	require.NoError(t, err)

	dup := p.Dup()
	require.Equal(t, int32(2), p.RefCount())

	private, err := dup.MakeWritable()
	require.NoError(t, err)
	require.Equal(t, int32(1), p.RefCount())

	w, _, err := private.PlaneWrite("y8")
	require.NoError(t, err)
	w[0] = 0xFF

	r, _, _ := p.PlaneRead("y8")
	require.NotEqual(t, byte(0xFF), r[0])
}

func TestPictureWriteRequiresExclusiveOwnership(t *testing.T) {
	mgr := NewPictureMgr(nil, 1, planarYUV420()...)
	p, err := mgr.Alloc(4, 4)
	require.NoError(t, err)
	p.Dup()

	_, _, err = p.PlaneWrite("y8")
	require.Error(t, err)
}
