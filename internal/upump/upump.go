// Package upump provides the event-pump abstraction pipes schedule
// recurring or one-shot work against (spec.md §4.4.1/§4.4.5): idlers,
// timers and readiness watchers. It is a goroutine/channel-backed stand-in
// for the real upump-mgr's libev binding, which is explicitly out of scope
// (spec.md §1); it preserves the same alloc/start/stop/refcount contract
// so pipe code written against it ports unchanged to a real event-loop
// binding.
package upump

import (
	"sync"
	"sync/atomic"
	"time"
)

// Kind identifies what triggers a Pump.
type Kind int

const (
	Idler Kind = iota
	Timer
	Readable
	Signal
)

// Mgr owns every Pump allocated against it and is the attach target for
// ATTACH_UPUMP_MGR. It only tracks its pumps: each started pump runs its
// callback on a goroutine of its own.
type Mgr struct {
	mu    sync.Mutex
	pumps map[*Pump]struct{}
}

// NewMgr creates an empty pump manager.
func NewMgr() *Mgr {
	return &Mgr{pumps: make(map[*Pump]struct{})}
}

func (m *Mgr) track(p *Pump) {
	m.mu.Lock()
	m.pumps[p] = struct{}{}
	m.mu.Unlock()
}

func (m *Mgr) untrack(p *Pump) {
	m.mu.Lock()
	delete(m.pumps, p)
	m.mu.Unlock()
}

// Stop stops and releases every pump still registered on this manager —
// the cleanup an xfer freeze or pipe teardown runs before releasing the
// manager itself.
func (m *Mgr) Stop() {
	m.mu.Lock()
	pumps := make([]*Pump, 0, len(m.pumps))
	for p := range m.pumps {
		pumps = append(pumps, p)
	}
	m.mu.Unlock()
	for _, p := range pumps {
		p.Stop()
	}
}

// Len reports how many pumps are currently registered (test/introspection
// only).
func (m *Mgr) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pumps)
}

// Pump is a single scheduled unit of work: an idler re-fires every
// dispatch tick until stopped, a timer fires on an interval, a readable
// watcher fires when Signal is called (standing in for fd-readiness in
// the absence of a real reactor).
type Pump struct {
	mgr      *Mgr
	kind     Kind
	interval time.Duration
	cb       func()
	refs     int32

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	wake    chan struct{}
}

func newPump(mgr *Mgr, kind Kind, interval time.Duration, cb func()) *Pump {
	p := &Pump{mgr: mgr, kind: kind, interval: interval, cb: cb, refs: 1, wake: make(chan struct{}, 1)}
	mgr.track(p)
	return p
}

// AllocIdler creates a pump whose callback runs repeatedly on its own
// goroutine until Stop, matching upump_alloc_idler's "reschedule
// themselves" pattern for sources with no blocking read to wait on.
func (m *Mgr) AllocIdler(cb func()) *Pump { return newPump(m, Idler, 0, cb) }

// AllocTimer creates a pump whose callback fires every interval.
func (m *Mgr) AllocTimer(interval time.Duration, cb func()) *Pump {
	return newPump(m, Timer, interval, cb)
}

// AllocReadable creates a pump whose callback fires each time Signal is
// called — the cooperative stand-in for upump_alloc_fd_read, since this
// package has no real reactor to register a file descriptor against.
func (m *Mgr) AllocReadable(cb func()) *Pump { return newPump(m, Readable, 0, cb) }

// Start begins dispatching the pump on its own goroutine. Starting an
// already-running pump is a no-op.
func (p *Pump) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return
	}
	p.running = true
	p.stopCh = make(chan struct{})
	stopCh := p.stopCh
	switch p.kind {
	case Idler:
		go func() {
			for {
				select {
				case <-stopCh:
					return
				default:
					p.cb()
				}
			}
		}()
	case Timer:
		go func() {
			t := time.NewTicker(p.interval)
			defer t.Stop()
			for {
				select {
				case <-stopCh:
					return
				case <-t.C:
					p.cb()
				}
			}
		}()
	case Readable, Signal:
		go func() {
			for {
				select {
				case <-stopCh:
					return
				case <-p.wake:
					p.cb()
				}
			}
		}()
	}
}

// Signal wakes a Readable or Signal pump once, running its callback on
// its dispatch goroutine. On a pump that is not running, at most one wake
// is kept and fires once the pump is started.
func (p *Pump) Signal() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// Stop halts dispatch and deregisters the pump from its manager. Safe to
// call more than once.
func (p *Pump) Stop() {
	p.mu.Lock()
	if p.running {
		close(p.stopCh)
		p.running = false
	}
	p.mu.Unlock()
	p.mgr.untrack(p)
}

// Use increments the pump's refcount.
func (p *Pump) Use() *Pump {
	atomic.AddInt32(&p.refs, 1)
	return p
}

// Release decrements the pump's refcount, stopping it once it reaches
// zero.
func (p *Pump) Release() {
	if atomic.AddInt32(&p.refs, -1) <= 0 {
		p.Stop()
	}
}

// RefCount reports the current refcount (test/introspection only).
func (p *Pump) RefCount() int32 { return atomic.LoadInt32(&p.refs) }
