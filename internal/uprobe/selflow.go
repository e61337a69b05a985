package uprobe

import "sync"

// SelflowType restricts which class of flow a Selflow probe considers,
// mirroring the VOID/PIC/SOUND/SUBPIC split upipe's selflow variants use
// to tell a demuxer's video, audio and subpicture elementary streams
// apart before a mode (all/auto/list/predicate) narrows within that
// class.
type SelflowType int

const (
	SelflowVoid SelflowType = iota
	SelflowPic
	SelflowSound
	SelflowSubpic
)

func (t SelflowType) matches(flowDef string) bool {
	switch t {
	case SelflowVoid:
		return hasPrefix(flowDef, "void.")
	case SelflowPic:
		return hasPrefix(flowDef, "pic.")
	case SelflowSound:
		return hasPrefix(flowDef, "sound.")
	case SelflowSubpic:
		return hasPrefix(flowDef, "pic.sub.")
	default:
		return false
	}
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}

// SelflowMode is the user-facing selection policy: "all", "auto", an
// explicit PID list, or an attribute predicate (lang=eng, name=...).
type SelflowMode int

const (
	SelflowAll SelflowMode = iota
	SelflowAuto
	SelflowPIDList
	SelflowPredicate
)

// Candidate is one flow a split pipe (demuxer) currently advertises via
// SPLIT_ITERATE, as presented to a Selflow probe on a SplitUpdate event.
type Candidate struct {
	FlowID  uint64
	FlowDef string
	Attrs   map[string]string
}

// SelflowProbe implements uprobe_select_flows: it watches SplitUpdate,
// filters candidates by SelflowType, applies the configured Mode, and
// reports which flow IDs are newly selected or newly deselected so the
// caller can realize/tear down the corresponding sub-pipes.
type SelflowProbe struct {
	mu       sync.Mutex
	typ      SelflowType
	mode     SelflowMode
	pidList  map[uint64]bool
	predKey  string
	predVal  string
	selected map[uint64]bool
}

// NewSelflowAll selects every flow of typ.
func NewSelflowAll(typ SelflowType) *SelflowProbe {
	return &SelflowProbe{typ: typ, mode: SelflowAll, selected: map[uint64]bool{}}
}

// NewSelflowAuto selects the first matching flow and revises its choice
// if that flow disappears.
func NewSelflowAuto(typ SelflowType) *SelflowProbe {
	return &SelflowProbe{typ: typ, mode: SelflowAuto, selected: map[uint64]bool{}}
}

// NewSelflowPIDList selects exactly the given flow IDs, when present.
func NewSelflowPIDList(typ SelflowType, ids ...uint64) *SelflowProbe {
	set := make(map[uint64]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	return &SelflowProbe{typ: typ, mode: SelflowPIDList, pidList: set, selected: map[uint64]bool{}}
}

// NewSelflowPredicate selects every flow whose Attrs[key] == value.
func NewSelflowPredicate(typ SelflowType, key, value string) *SelflowProbe {
	return &SelflowProbe{typ: typ, mode: SelflowPredicate, predKey: key, predVal: value, selected: map[uint64]bool{}}
}

func (sp *SelflowProbe) wants(c Candidate) bool {
	if !sp.typ.matches(c.FlowDef) {
		return false
	}
	switch sp.mode {
	case SelflowAll:
		return true
	case SelflowAuto:
		return false // resolved separately below, first-match semantics
	case SelflowPIDList:
		return sp.pidList[c.FlowID]
	case SelflowPredicate:
		return c.Attrs[sp.predKey] == sp.predVal
	default:
		return false
	}
}

// Update recomputes the selection against the current candidate set and
// reports which flow IDs became selected or deselected since the last
// call. Candidates not matching typ are ignored entirely.
func (sp *SelflowProbe) Update(candidates []Candidate) (selected, deselected []uint64) {
	sp.mu.Lock()
	defer sp.mu.Unlock()

	want := map[uint64]bool{}
	if sp.mode == SelflowAuto {
		for _, c := range candidates {
			if sp.typ.matches(c.FlowDef) {
				want[c.FlowID] = true
				break // first match only
			}
		}
	} else {
		for _, c := range candidates {
			if sp.wants(c) {
				want[c.FlowID] = true
			}
		}
	}

	for id := range want {
		if !sp.selected[id] {
			selected = append(selected, id)
		}
	}
	for id := range sp.selected {
		if !want[id] {
			deselected = append(deselected, id)
		}
	}
	sp.selected = want
	return selected, deselected
}

// Selected reports the currently selected flow IDs.
func (sp *SelflowProbe) Selected() []uint64 {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	ids := make([]uint64, 0, len(sp.selected))
	for id := range sp.selected {
		ids = append(ids, id)
	}
	return ids
}

// AsProbe wraps sp as a chain Handler reacting to SplitUpdate events.
// args.Extra must carry a []Candidate; onChange receives the
// selected/deselected id slices so the caller can realize or release the
// matching sub-pipes.
func (sp *SelflowProbe) AsProbe(onChange func(selected, deselected []uint64)) *Probe {
	handle := func(p Pipe, event Event, args Args) error {
		if event != SplitUpdate {
			return unhandled(event)
		}
		candidates, ok := args.Extra.([]Candidate)
		if !ok {
			return unhandled(event)
		}
		sel, desel := sp.Update(candidates)
		if onChange != nil && (len(sel) > 0 || len(desel) > 0) {
			onChange(sel, desel)
		}
		return nil
	}
	return New(handle)
}
