// Package xfer implements C6: moving a pipe's control and input calls to a
// different event loop while the allocating thread keeps a proxy (spec.md
// §4.6). It is built on internal/upump the same way the teacher's
// connection layer drives its writeLoop off a buffered channel
// (internal/rtmp/conn/conn.go's outboundQueue): a single dispatch
// goroutine — here, one upump.Pump per Manager — drains a channel other
// goroutines only ever send on, so no explicit lock-free ring buffer is
// needed for the ordering guarantee spec.md asks for.
package xfer

import (
	"fmt"
	"sync"

	"github.com/alxayo/upipe/internal/uerror"
	"github.com/alxayo/upipe/internal/upipe"
	"github.com/alxayo/upipe/internal/upump"
	"github.com/alxayo/upipe/internal/uref"
)

type commandKind int

const (
	cmdInput commandKind = iota
	cmdControl
	cmdRelease
	cmdBarrier
)

type command struct {
	kind commandKind

	inner *upipe.Pipe

	// cmdInput
	uref *uref.Uref
	pump *upump.Pump

	// cmdControl
	ctrl   upipe.Command
	args   any
	result chan controlReply

	// cmdBarrier
	done chan struct{}
}

type controlReply struct {
	value any
	err   error
}

// Manager is an xfer_mgr: it owns the target loop's upump.Mgr and the
// command queue every proxy Pipe enqueues onto. One Manager serves every
// proxy pointed at the same target loop.
type Manager struct {
	target *upump.Mgr
	pump   *upump.Pump
	queue  chan command

	mu     sync.Mutex
	frozen bool
}

// NewManager creates a Manager whose dispatch runs on target. depth bounds
// the command queue; callers enqueueing past it get uerror.Busy, the
// signal to back off rather than block the originating thread. depth <= 0
// defaults to 64.
func NewManager(target *upump.Mgr, depth int) *Manager {
	if depth <= 0 {
		depth = 64
	}
	m := &Manager{
		target: target,
		queue:  make(chan command, depth),
	}
	m.pump = target.AllocReadable(m.drain)
	m.pump.Start()
	return m
}

func (m *Manager) isFrozen() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.frozen
}

// enqueue hands c to the target loop and wakes its dispatch pump. Returns
// uerror.Busy if the manager is frozen or the queue is full.
func (m *Manager) enqueue(c command) error {
	if m.isFrozen() {
		return uerror.Busy("xfer.enqueue", fmt.Errorf("manager is frozen"))
	}
	select {
	case m.queue <- c:
		m.pump.Signal()
		return nil
	default:
		return uerror.Busy("xfer.enqueue", fmt.Errorf("command queue full"))
	}
}

// drain is the Manager's dispatch pump callback: it runs only on the
// target loop's own goroutine (upump.Readable guarantees one callback at a
// time), so applying commands here never races with another drain.
func (m *Manager) drain() {
	for {
		select {
		case c := <-m.queue:
			m.apply(c)
		default:
			return
		}
	}
}

func (m *Manager) apply(c command) {
	switch c.kind {
	case cmdInput:
		c.inner.Input(c.uref, c.pump)
	case cmdControl:
		v, err := c.inner.Control(c.ctrl, c.args)
		if c.result != nil {
			c.result <- controlReply{value: v, err: err}
		}
	case cmdRelease:
		c.inner.Release()
	case cmdBarrier:
		close(c.done)
	}
}

// Freeze rejects new enqueues and blocks until every command queued
// before the call to Freeze has been applied. While frozen a proxy's
// Unwrap may safely dereference its inner pipe directly.
func (m *Manager) Freeze() {
	m.mu.Lock()
	m.frozen = true
	m.mu.Unlock()
	done := make(chan struct{})
	m.queue <- command{kind: cmdBarrier, done: done}
	m.pump.Signal()
	<-done
}

// Thaw resumes accepting and dispatching commands after Freeze.
func (m *Manager) Thaw() {
	m.mu.Lock()
	m.frozen = false
	m.mu.Unlock()
	m.pump.Signal()
}

// Frozen reports whether the manager is currently frozen.
func (m *Manager) Frozen() bool { return m.isFrozen() }

// Stop halts the manager's dispatch pump. Queued-but-unapplied commands
// are discarded; callers wanting them drained first should Freeze before
// Stop.
func (m *Manager) Stop() { m.pump.Stop() }
