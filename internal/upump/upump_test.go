package upump

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestIdlerFiresRepeatedlyUntilStopped(t *testing.T) {
	mgr := NewMgr()
	var count int32
	p := mgr.AllocIdler(func() { atomic.AddInt32(&count, 1) })
	p.Start()

	require.Eventually(t, func() bool { return atomic.LoadInt32(&count) > 5 }, time.Second, time.Millisecond)
	p.Stop()
	after := atomic.LoadInt32(&count)
	time.Sleep(10 * time.Millisecond)
	require.Equal(t, after, atomic.LoadInt32(&count), "stopped idler must not keep firing")
}

func TestTimerFiresOnInterval(t *testing.T) {
	mgr := NewMgr()
	var count int32
	p := mgr.AllocTimer(5*time.Millisecond, func() { atomic.AddInt32(&count, 1) })
	p.Start()
	defer p.Stop()

	require.Eventually(t, func() bool { return atomic.LoadInt32(&count) >= 2 }, time.Second, time.Millisecond)
}

func TestReadableFiresOnSignal(t *testing.T) {
	mgr := NewMgr()
	fired := make(chan struct{}, 1)
	p := mgr.AllocReadable(func() { fired <- struct{}{} })
	p.Start()
	defer p.Stop()

	p.Signal()
	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("readable pump never fired after Signal")
	}
}

func TestMgrTracksAndStopsAllPumps(t *testing.T) {
	mgr := NewMgr()
	p1 := mgr.AllocIdler(func() {})
	p2 := mgr.AllocTimer(time.Hour, func() {})
	require.Equal(t, 2, mgr.Len())

	p1.Start()
	p2.Start()
	mgr.Stop()
	require.Equal(t, 0, mgr.Len())
}

func TestRefcountReleaseStopsPump(t *testing.T) {
	mgr := NewMgr()
	var count int32
	p := mgr.AllocIdler(func() { atomic.AddInt32(&count, 1) })
	p.Start()
	p.Use()
	require.Equal(t, int32(2), p.RefCount())

	p.Release()
	require.Equal(t, int32(1), p.RefCount())
	require.Equal(t, 1, mgr.Len(), "still held by one more reference")

	p.Release()
	require.Equal(t, 0, mgr.Len())
}
