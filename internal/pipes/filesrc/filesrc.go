// Package filesrc implements a file_source pipe supplemented onto
// SPEC_FULL.md's domain stack: reads a file named by SET_URI and forwards
// its contents as block urefs. Rather than busy-polling for a file that
// doesn't exist yet (or is being rotated, as multicat-style recorders do),
// it watches the URI's containing directory with fsnotify and only
// attempts a read once an fsnotify event (or the initial SET_URI) signals
// its read pump. ATTACH_UPUMP_MGR must precede SET_URI, matching the
// convention every upipe source follows (the pump manager is wired right
// after alloc, before the pipe is given anything to read).
package filesrc

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/alxayo/upipe/internal/uerror"
	"github.com/alxayo/upipe/internal/ubuf"
	"github.com/alxayo/upipe/internal/upipe"
	"github.com/alxayo/upipe/internal/uprobe"
	"github.com/alxayo/upipe/internal/upump"
	"github.com/alxayo/upipe/internal/uref"
	"github.com/fsnotify/fsnotify"
)

const sig uint32 = 0x46494c45 // "FILE"

const defaultChunkSize = 64 * 1024

// fileSrcData is the pipe's private state.
type fileSrcData struct {
	mu sync.Mutex

	blockMgr  *ubuf.BlockMgr
	urefMgr   *uref.Mgr
	chunkSize int

	uri  string
	file *os.File

	pump    *upump.Pump
	watcher *fsnotify.Watcher
}

// NewMgr creates the manager for a file_source pipe. blockMgr/urefMgr
// supply the ubuf/uref allocators read chunks are wrapped in.
func NewMgr(blockMgr *ubuf.BlockMgr, urefMgr *uref.Mgr) *upipe.Mgr {
	mgr := &upipe.Mgr{Signature: sig, Name: "filesrc"}
	mgr.AllocFn = func(mgr *upipe.Mgr, probe *uprobe.Probe, args any) (*upipe.Pipe, error) {
		p := upipe.NewPipe("filesrc")
		p.Data = &fileSrcData{blockMgr: blockMgr, urefMgr: urefMgr, chunkSize: defaultChunkSize}
		return p, nil
	}
	mgr.ControlFn = func(p *upipe.Pipe, cmd upipe.Command, args any) (any, error) {
		sd := p.Data.(*fileSrcData)
		switch cmd {
		case upipe.CmdSetURI:
			uri, ok := args.(string)
			if !ok {
				return nil, uerror.Invalid("pipes.filesrc.control.set_uri", fmt.Errorf("args is not a string"))
			}
			return nil, sd.setURI(p, uri)
		default:
			return nil, uerror.Unhandled("pipes.filesrc.control", fmt.Errorf("command %v not handled", cmd))
		}
	}
	mgr.FreeFn = func(p *upipe.Pipe) {
		sd := p.Data.(*fileSrcData)
		sd.close()
	}
	return mgr
}

func (sd *fileSrcData) setURI(p *upipe.Pipe, uri string) error {
	sd.mu.Lock()
	sd.uri = uri
	if sd.file != nil {
		sd.file.Close()
		sd.file = nil
	}
	if sd.watcher != nil {
		sd.watcher.Close()
		sd.watcher = nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		sd.mu.Unlock()
		return uerror.External("pipes.filesrc.set_uri", err)
	}
	dir := filepath.Dir(uri)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		sd.mu.Unlock()
		return uerror.External("pipes.filesrc.set_uri", err)
	}
	sd.watcher = watcher
	sd.mu.Unlock()

	go sd.watchLoop(watcher)
	if p.UpumpMgr != nil {
		sd.ensurePump(p, p.UpumpMgr)
	}
	return nil
}

func (sd *fileSrcData) watchLoop(watcher *fsnotify.Watcher) {
	for {
		select {
		case _, ok := <-watcher.Events:
			if !ok {
				return
			}
			sd.mu.Lock()
			pump := sd.pump
			sd.mu.Unlock()
			if pump != nil {
				pump.Signal()
			}
		case _, ok := <-watcher.Errors:
			if !ok {
				return
			}
		}
	}
}

func (sd *fileSrcData) ensurePump(p *upipe.Pipe, pumpMgr *upump.Mgr) {
	sd.mu.Lock()
	if sd.pump != nil {
		sd.mu.Unlock()
		return
	}
	pump := pumpMgr.AllocReadable(func() { sd.tick(p) })
	sd.pump = pump
	sd.mu.Unlock()
	pump.Start()
	pump.Signal()
}

// tick attempts to open the file if not already open, then reads and
// forwards every chunk currently available. Reaching EOF (or the file not
// existing yet) just returns — the pump stays idle until the watcher
// signals a directory change.
func (sd *fileSrcData) tick(p *upipe.Pipe) {
	sd.mu.Lock()
	if sd.file == nil {
		f, err := os.Open(sd.uri)
		if err != nil {
			sd.mu.Unlock()
			if !errors.Is(err, os.ErrNotExist) {
				uprobe.Throw(p.Probe(), p, uprobe.Error, uprobe.Args{Err: uerror.External("pipes.filesrc.tick", err)})
			}
			return
		}
		sd.file = f
	}
	f := sd.file
	blockMgr := sd.blockMgr
	urefMgr := sd.urefMgr
	chunkSize := sd.chunkSize
	sd.mu.Unlock()

	for {
		blk := blockMgr.Alloc(chunkSize)
		if blk == nil {
			uprobe.Throw(p.Probe(), p, uprobe.Fatal, uprobe.Args{Err: uerror.Alloc("pipes.filesrc.tick", fmt.Errorf("block allocation failed"))})
			return
		}
		w, err := blk.Write(0, chunkSize)
		if err != nil {
			uprobe.Throw(p.Probe(), p, uprobe.Fatal, uprobe.Args{Err: err})
			return
		}
		n, err := f.Read(w)
		if n > 0 {
			if err := blk.Resize(0, n); err != nil {
				uprobe.Throw(p.Probe(), p, uprobe.Fatal, uprobe.Args{Err: err})
				return
			}
			u := urefMgr.Alloc()
			u.AttachUbuf(blk)
			if out := p.Output.Get(); out != nil {
				out.Input(u, nil)
			} else {
				p.Output.Queue(u)
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				uprobe.Throw(p.Probe(), p, uprobe.Error, uprobe.Args{Err: uerror.External("pipes.filesrc.tick", err)})
			}
			return
		}
		if n == 0 {
			return
		}
	}
}

func (sd *fileSrcData) close() {
	sd.mu.Lock()
	defer sd.mu.Unlock()
	if sd.file != nil {
		sd.file.Close()
		sd.file = nil
	}
	if sd.watcher != nil {
		sd.watcher.Close()
		sd.watcher = nil
	}
	if sd.pump != nil {
		sd.pump.Stop()
		sd.pump = nil
	}
}
