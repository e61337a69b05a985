// Package uclock provides the monotonic time source pipes consume instead
// of sampling wall-clock directly (spec.md §4.3.3), so tests and
// remote-playback scenarios can inject a virtual clock.
package uclock

import (
	"sync"
	"sync/atomic"
	"time"
)

// Freq is the fixed tick rate of every uclock: 27 MHz, matching MPEG
// system-clock reference resolution.
const Freq uint64 = 27_000_000

// Clock is a refcountable monotonic time provider. Now returns the current
// count in Freq units.
type Clock interface {
	Now() uint64
	Use() Clock
	Release()
}

// Std is the default wall-clock-backed implementation: Now() is the
// monotonic time since the clock's creation, scaled to Freq.
type Std struct {
	start time.Time
	refs  int32
}

// NewStd allocates a wall-clock uclock (uclock_std_alloc in spec.md §6)
// with an initial reference count of 1.
func NewStd() *Std {
	return &Std{start: time.Now(), refs: 1}
}

func (c *Std) Now() uint64 {
	return uint64(time.Since(c.start)) * Freq / uint64(time.Second)
}

func (c *Std) Use() Clock {
	atomic.AddInt32(&c.refs, 1)
	return c
}

func (c *Std) Release() { atomic.AddInt32(&c.refs, -1) }

// Virtual is a test-injectable clock: Now() returns whatever was last set
// by Set/Advance, making S3/S4-style "prepare(now=...)" scenarios
// deterministic.
type Virtual struct {
	mu   sync.Mutex
	now  uint64
	refs int32
}

// NewVirtual creates a virtual clock starting at t=0.
func NewVirtual() *Virtual { return &Virtual{refs: 1} }

func (c *Virtual) Now() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Set pins the clock to an absolute tick count.
func (c *Virtual) Set(ticks uint64) {
	c.mu.Lock()
	c.now = ticks
	c.mu.Unlock()
}

// SetSeconds pins the clock to t seconds, expressed in Freq units.
func (c *Virtual) SetSeconds(t float64) { c.Set(uint64(t * float64(Freq))) }

// Advance moves the clock forward by delta ticks.
func (c *Virtual) Advance(delta uint64) {
	c.mu.Lock()
	c.now += delta
	c.mu.Unlock()
}

func (c *Virtual) Use() Clock {
	atomic.AddInt32(&c.refs, 1)
	return c
}

func (c *Virtual) Release() { atomic.AddInt32(&c.refs, -1) }
