package filesrc

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alxayo/upipe/internal/ubuf"
	"github.com/alxayo/upipe/internal/udict"
	"github.com/alxayo/upipe/internal/upipe"
	"github.com/alxayo/upipe/internal/uprobe"
	"github.com/alxayo/upipe/internal/upump"
	"github.com/alxayo/upipe/internal/uref"
	"github.com/stretchr/testify/require"
)

func newSinkMgr(out chan []byte) *upipe.Mgr {
	return &upipe.Mgr{
		Signature: 55,
		AllocFn: func(mgr *upipe.Mgr, probe *uprobe.Probe, args any) (*upipe.Pipe, error) {
			return upipe.NewPipe("sink"), nil
		},
		InputFn: func(p *upipe.Pipe, u *uref.Uref, pump *upump.Pump) {
			if b, ok := u.Ubuf().(*ubuf.Block); ok {
				n := b.Size()
				data, _ := b.Read(0, n)
				out <- append([]byte(nil), data...)
			}
			u.Free()
		},
	}
}

func TestFileSrcReadsFileThatAlreadyExists(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "stream.ts")
	require.NoError(t, os.WriteFile(path, []byte("hello"), 0o644))

	blockMgr := ubuf.NewBlockMgr(nil, 0, 0, 1)
	urefMgr := uref.NewStdMgr(udict.NewInlineMgr(4), 4)
	mgr := NewMgr(blockMgr, urefMgr)
	probe := uprobe.New(func(uprobe.Pipe, uprobe.Event, uprobe.Args) error { return nil })
	src, err := mgr.Alloc(probe, nil)
	require.NoError(t, err)

	out := make(chan []byte, 8)
	sink, err := newSinkMgr(out).Alloc(probe, nil)
	require.NoError(t, err)
	_, err = src.Control(upipe.CmdSetOutput, sink)
	require.NoError(t, err)

	pumpMgr := upump.NewMgr()
	defer pumpMgr.Stop()
	_, err = src.Control(upipe.CmdAttachUpumpMgr, pumpMgr)
	require.NoError(t, err)

	_, err = src.Control(upipe.CmdSetURI, path)
	require.NoError(t, err)

	select {
	case data := <-out:
		require.Equal(t, []byte("hello"), data)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for file contents")
	}
}

func TestFileSrcResumesOnceFileAppears(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "later.ts")

	blockMgr := ubuf.NewBlockMgr(nil, 0, 0, 1)
	urefMgr := uref.NewStdMgr(udict.NewInlineMgr(4), 4)
	mgr := NewMgr(blockMgr, urefMgr)
	probe := uprobe.New(func(uprobe.Pipe, uprobe.Event, uprobe.Args) error { return nil })
	src, err := mgr.Alloc(probe, nil)
	require.NoError(t, err)

	out := make(chan []byte, 8)
	sink, err := newSinkMgr(out).Alloc(probe, nil)
	require.NoError(t, err)
	_, err = src.Control(upipe.CmdSetOutput, sink)
	require.NoError(t, err)

	pumpMgr := upump.NewMgr()
	defer pumpMgr.Stop()
	_, err = src.Control(upipe.CmdAttachUpumpMgr, pumpMgr)
	require.NoError(t, err)

	_, err = src.Control(upipe.CmdSetURI, path)
	require.NoError(t, err)

	select {
	case <-out:
		t.Fatal("should not have read anything before the file exists")
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, os.WriteFile(path, []byte("world"), 0o644))

	select {
	case data := <-out:
		require.Equal(t, []byte("world"), data)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for file contents to resume after creation")
	}
}
