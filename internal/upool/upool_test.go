package upool

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type record struct {
	val int
}

func TestAllocReusesFreedRecord(t *testing.T) {
	var constructed int
	p := New(4, false, func() *record {
		constructed++
		return &record{}
	}, func(r *record) { r.val = 0 })

	r1 := p.Alloc()
	r1.val = 42
	p.Free(r1)
	require.Equal(t, 1, p.Len())

	r2 := p.Alloc()
	require.Same(t, r1, r2)
	require.Equal(t, 0, r2.val, "resetFn must clear stale state")
	require.Equal(t, 1, constructed, "reused record must not re-construct")
}

func TestDepthZeroNeverPools(t *testing.T) {
	p := New(0, false, func() *record { return &record{} }, nil)
	r := p.Alloc()
	p.Free(r)
	require.Equal(t, 0, p.Len())
}

func TestDepthCapsFreeList(t *testing.T) {
	p := New(2, false, func() *record { return &record{} }, nil)
	a, b, c := p.Alloc(), p.Alloc(), p.Alloc()
	p.Free(a)
	p.Free(b)
	p.Free(c)
	require.Equal(t, 2, p.Len())
}

func TestDrainCallsDropForEachFreedRecord(t *testing.T) {
	p := New(4, false, func() *record { return &record{} }, nil)
	p.Free(p.Alloc())
	p.Free(p.Alloc())
	var dropped []*record
	p.Drain(func(r *record) { dropped = append(dropped, r) })
	require.Len(t, dropped, 2)
	require.Equal(t, 0, p.Len())
}

func TestThreadSafePoolConcurrentUse(t *testing.T) {
	p := New(8, true, func() *record { return &record{} }, func(r *record) { r.val = 0 })
	done := make(chan struct{})
	for i := 0; i < 4; i++ {
		go func() {
			for j := 0; j < 1000; j++ {
				r := p.Alloc()
				r.val = j
				p.Free(r)
			}
			done <- struct{}{}
		}()
	}
	for i := 0; i < 4; i++ {
		<-done
	}
}
