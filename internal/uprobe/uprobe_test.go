package uprobe

import (
	"errors"
	"fmt"
	"testing"

	"github.com/alxayo/upipe/internal/uerror"
	"github.com/stretchr/testify/require"
)

type testPipe struct {
	label string
	sig   uint32
}

func (p *testPipe) Label() string    { return p.label }
func (p *testPipe) Signature() uint32 { return p.sig }

func TestThrowStopsOnFirstHandler(t *testing.T) {
	var calls []string
	first := New(func(p Pipe, e Event, a Args) error {
		calls = append(calls, "first")
		return nil
	})
	second := Chain(first, func(p Pipe, e Event, a Args) error {
		calls = append(calls, "second")
		return nil
	})

	err := Throw(second, &testPipe{label: "x"}, Ready, Args{})
	require.NoError(t, err)
	require.Equal(t, []string{"second"}, calls, "second wraps first; only the head should run")
}

func TestThrowFallsThroughOnUnhandled(t *testing.T) {
	var calls []string
	inner := New(func(p Pipe, e Event, a Args) error {
		calls = append(calls, "inner")
		return nil
	})
	outer := Chain(inner, func(p Pipe, e Event, a Args) error {
		calls = append(calls, "outer")
		return unhandled(e)
	})

	err := Throw(outer, &testPipe{label: "x"}, Ready, Args{})
	require.NoError(t, err)
	require.Equal(t, []string{"outer", "inner"}, calls)
}

func TestThrowReturnsUnhandledWhenChainExhausted(t *testing.T) {
	p := New(func(pipe Pipe, e Event, a Args) error { return unhandled(e) })
	err := Throw(p, &testPipe{label: "x"}, Ready, Args{})
	require.Error(t, err)
	require.True(t, uerror.IsUnhandled(err))
}

func TestThrowOnEmptyChainIsUnhandled(t *testing.T) {
	err := Throw(nil, &testPipe{label: "x"}, Ready, Args{})
	require.True(t, uerror.IsUnhandled(err))
}

func TestThrowStopsOnNonUnhandledError(t *testing.T) {
	boom := errors.New("boom")
	inner := New(func(p Pipe, e Event, a Args) error {
		t.Fatal("inner must not run")
		return nil
	})
	outer := Chain(inner, func(p Pipe, e Event, a Args) error {
		return uerror.Alloc("test", boom)
	})
	err := Throw(outer, &testPipe{label: "x"}, Ready, Args{})
	require.Error(t, err)
	require.True(t, uerror.Is(err, uerror.KindAlloc))
}

func TestResourceProbeServesMatchingRequestOnly(t *testing.T) {
	clock := "fake-clock"
	probe := NewUclockProbe(clock)

	var provided any
	req := NewRequest(RequestUclock, nil, func(resource any) error {
		provided = resource
		return nil
	})
	err := Throw(probe, &testPipe{label: "x"}, ProvideRequest, Args{Request: req})
	require.NoError(t, err)
	require.Equal(t, clock, provided)

	otherReq := NewRequest(RequestUrefMgr, nil, func(resource any) error { return nil })
	err = Throw(probe, &testPipe{label: "x"}, ProvideRequest, Args{Request: otherReq})
	require.True(t, uerror.IsUnhandled(err))
}

func TestSelflowAllSelectsEveryMatchingFlow(t *testing.T) {
	sp := NewSelflowAll(SelflowSound)
	sel, desel := sp.Update([]Candidate{
		{FlowID: 1, FlowDef: "sound.f32."},
		{FlowID: 2, FlowDef: "pic."},
		{FlowID: 3, FlowDef: "sound."},
	})
	require.ElementsMatch(t, []uint64{1, 3}, sel)
	require.Empty(t, desel)
}

func TestSelflowAutoPicksFirstAndRevisesOnDisappearance(t *testing.T) {
	sp := NewSelflowAuto(SelflowPic)
	sel, _ := sp.Update([]Candidate{
		{FlowID: 10, FlowDef: "pic."},
		{FlowID: 11, FlowDef: "pic."},
	})
	require.Equal(t, []uint64{10}, sel)

	sel, desel := sp.Update([]Candidate{
		{FlowID: 11, FlowDef: "pic."},
	})
	require.Equal(t, []uint64{11}, sel)
	require.Equal(t, []uint64{10}, desel)
}

func TestSelflowPIDListOnlySelectsListedIDs(t *testing.T) {
	sp := NewSelflowPIDList(SelflowSound, 5)
	sel, _ := sp.Update([]Candidate{
		{FlowID: 5, FlowDef: "sound."},
		{FlowID: 6, FlowDef: "sound."},
	})
	require.Equal(t, []uint64{5}, sel)
}

func TestSelflowPredicateMatchesAttribute(t *testing.T) {
	sp := NewSelflowPredicate(SelflowSound, "lang", "eng")
	sel, _ := sp.Update([]Candidate{
		{FlowID: 1, FlowDef: "sound.", Attrs: map[string]string{"lang": "eng"}},
		{FlowID: 2, FlowDef: "sound.", Attrs: map[string]string{"lang": "fra"}},
	})
	require.Equal(t, []uint64{1}, sel)
}

func TestSelflowAsProbeInvokesCallbackOnSplitUpdate(t *testing.T) {
	sp := NewSelflowAll(SelflowVoid)
	var gotSel []uint64
	probe := sp.AsProbe(func(selected, deselected []uint64) {
		gotSel = selected
	})
	err := Throw(probe, &testPipe{label: "demux"}, SplitUpdate, Args{
		Extra: []Candidate{{FlowID: 42, FlowDef: "void.scte35."}},
	})
	require.NoError(t, err)
	require.Equal(t, []uint64{42}, gotSel)
}

func TestStdioProbeHandlesLogErrorFatalOnly(t *testing.T) {
	probe := NewStdio(nil)
	p := &testPipe{label: "sink"}

	require.NoError(t, Throw(probe, p, Log, Args{Message: "hello"}))
	require.NoError(t, Throw(probe, p, Error, Args{Err: fmt.Errorf("oops")}))
	require.NoError(t, Throw(probe, p, Fatal, Args{Err: fmt.Errorf("fatal")}))

	err := Throw(probe, p, Ready, Args{})
	require.True(t, uerror.IsUnhandled(err))
}

func TestPrefixProbeTagsAndFallsThroughOtherEvents(t *testing.T) {
	probe := NewPrefix("demux", nil)
	p := &testPipe{label: "demux"}
	require.NoError(t, Throw(probe, p, Log, Args{Message: "starting"}))

	err := Throw(probe, p, NewFlowDef, Args{})
	require.True(t, uerror.IsUnhandled(err))
}

func TestProbeRefCounting(t *testing.T) {
	p := New(func(Pipe, Event, Args) error { return nil })
	require.Equal(t, int32(1), p.RefCount())
	p.Use()
	require.Equal(t, int32(2), p.RefCount())
	p.Release()
	require.Equal(t, int32(1), p.RefCount())
}
