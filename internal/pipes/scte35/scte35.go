// Package scte35 implements a reduced SCTE-35 splice information
// section generator, grounded on
// original_source/tests/upipe_ts_scte35_generator_test.c: a control-only
// pipe that accepts INSERT/SIGNAL command urefs carrying splice fields
// and, on each call to Prepare, emits one section uref for the output —
// an INSERT (or SIGNAL) section while a received event's window is
// still open, and a filler NULL section otherwise.
package scte35

import (
	"encoding/binary"
	"fmt"

	"github.com/alxayo/upipe/internal/uclock"
	"github.com/alxayo/upipe/internal/uerror"
	"github.com/alxayo/upipe/internal/ubuf"
	"github.com/alxayo/upipe/internal/upipe"
	"github.com/alxayo/upipe/internal/uprobe"
	"github.com/alxayo/upipe/internal/upump"
	"github.com/alxayo/upipe/internal/uref"
)

const sig uint32 = 0x53435435 // "SCT5"

// Command mirrors the SCTE-35 splice_command_type values this generator
// distinguishes.
type Command uint8

const (
	CommandNull   Command = 0x00
	CommandInsert Command = 0x05
	CommandSignal Command = 0x06
)

// Attribute names for the control urefs fed to Input, analogous to the
// original's uref_ts_scte35_* accessor family.
const (
	AttrCommand         = "scte35.command"
	AttrEventID         = "scte35.event_id"
	AttrOutOfNetwork    = "scte35.out_of_network"
	AttrAutoReturn      = "scte35.auto_return"
	AttrUniqueProgramID = "scte35.unique_program_id"
)

// Section is the decoded form of one splice information section.
type Section struct {
	CommandType     Command
	PTSAdjustment   uint64
	EventID         uint32
	OutOfNetwork    bool
	AutoReturn      bool
	UniqueProgramID uint16
	HasSpliceTime   bool
	PTSTime         uint64 // 90 kHz ticks
	HasDuration     bool
	BreakDuration   uint64 // 90 kHz ticks
}

const sectionSize = 24

// Marshal encodes s into its fixed-layout wire form.
func Marshal(s Section) []byte {
	buf := make([]byte, sectionSize)
	buf[0] = byte(s.CommandType)
	binary.BigEndian.PutUint64(buf[1:9], s.PTSAdjustment)
	binary.BigEndian.PutUint32(buf[9:13], s.EventID)
	var flags byte
	if s.OutOfNetwork {
		flags |= 0x01
	}
	if s.AutoReturn {
		flags |= 0x02
	}
	if s.HasSpliceTime {
		flags |= 0x04
	}
	if s.HasDuration {
		flags |= 0x08
	}
	buf[13] = flags
	binary.BigEndian.PutUint16(buf[14:16], s.UniqueProgramID)
	binary.BigEndian.PutUint64(buf[16:24], s.PTSTime)
	return append(buf, encodeDuration(s.BreakDuration)...)
}

func encodeDuration(d uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, d)
	return b
}

// Unmarshal decodes a section previously produced by Marshal.
func Unmarshal(buf []byte) (Section, bool) {
	if len(buf) < sectionSize+8 {
		return Section{}, false
	}
	flags := buf[13]
	return Section{
		CommandType:     Command(buf[0]),
		PTSAdjustment:   binary.BigEndian.Uint64(buf[1:9]),
		EventID:         binary.BigEndian.Uint32(buf[9:13]),
		OutOfNetwork:    flags&0x01 != 0,
		AutoReturn:      flags&0x02 != 0,
		HasSpliceTime:   flags&0x04 != 0,
		HasDuration:     flags&0x08 != 0,
		UniqueProgramID: binary.BigEndian.Uint16(buf[14:16]),
		PTSTime:         binary.BigEndian.Uint64(buf[16:24]),
		BreakDuration:   binary.BigEndian.Uint64(buf[24:32]),
	}, true
}

// to90k converts a uclock tick count to the 90 kHz ticks SCTE-35 splice
// times and durations are expressed in.
func to90k(ticks uint64) uint64 { return ticks * 90000 / uclock.Freq }

type pendingEvent struct {
	command         Command
	eventID         uint32
	outOfNetwork    bool
	autoReturn      bool
	uniqueProgramID uint16
	ptsSys          uint64
	duration        uint64
	hasDuration     bool
}

// active reports whether this event's announcement window is still open
// at the given prepare time: from the moment it was received through its
// own scheduled splice time.
func (e *pendingEvent) active(now uint64) bool { return now <= e.ptsSys }

type generatorData struct {
	urefMgr  *uref.Mgr
	blockMgr *ubuf.BlockMgr
	interval uint64
	clock    uclock.Clock
	pending  map[uint16]*pendingEvent
}

// NewMgr creates the manager for an SCTE-35 generator pipe. interval is
// the filler NULL-section cadence (unused by Prepare directly — callers
// drive Prepare on their own schedule — but kept for SetInterval-style
// introspection parity with the original's constructor argument).
func NewMgr(blockMgr *ubuf.BlockMgr, urefMgr *uref.Mgr, interval uint64, clock uclock.Clock) *upipe.Mgr {
	mgr := &upipe.Mgr{Signature: sig, Name: "scte35"}
	mgr.AllocFn = func(mgr *upipe.Mgr, probe *uprobe.Probe, args any) (*upipe.Pipe, error) {
		p := upipe.NewPipe("scte35")
		p.Data = &generatorData{
			urefMgr:  urefMgr,
			blockMgr: blockMgr,
			interval: interval,
			clock:    clock,
			pending:  make(map[uint16]*pendingEvent),
		}
		return p, nil
	}
	mgr.InputFn = func(p *upipe.Pipe, u *uref.Uref, pump *upump.Pump) { receive(p, u) }
	return mgr
}

func receive(p *upipe.Pipe, u *uref.Uref) {
	gd := p.Data.(*generatorData)
	if u.IsFlowDef() {
		p.Control(upipe.CmdSetFlowDef, u)
		u.Free()
		return
	}

	cmdVal, ok := u.GetUnsigned(AttrCommand)
	if !ok {
		u.Free()
		uprobe.Throw(p.Probe(), p, uprobe.Error, uprobe.Args{Err: uerror.Invalid("pipes.scte35.input", fmt.Errorf("control uref carries no command type"))})
		return
	}
	cmd := Command(cmdVal)
	if cmd != CommandInsert && cmd != CommandSignal {
		u.Free()
		uprobe.Throw(p.Probe(), p, uprobe.Error, uprobe.Args{Err: uerror.Invalid("pipes.scte35.input", fmt.Errorf("unsupported command type %d", cmd))})
		return
	}

	eventID, _ := u.GetUnsigned(AttrEventID)
	outOfNetwork, _ := u.GetBool(AttrOutOfNetwork)
	autoReturn, _ := u.GetBool(AttrAutoReturn)
	uniqueProgramID, _ := u.GetUnsigned(AttrUniqueProgramID)
	ptsSys, _ := u.Pts(uref.Sys)
	duration, hasDuration := u.GetClock(uref.AttrDuration)

	programID := uint16(uniqueProgramID)
	now := gd.clock.Now()
	if existing, ok := gd.pending[programID]; ok && existing.autoReturn && existing.active(now) {
		u.Free()
		return
	}

	gd.pending[programID] = &pendingEvent{
		command:         cmd,
		eventID:         uint32(eventID),
		outOfNetwork:    outOfNetwork,
		autoReturn:      autoReturn,
		uniqueProgramID: programID,
		ptsSys:          ptsSys,
		duration:        duration,
		hasDuration:     hasDuration,
	}
	u.Free()
}

// Prepare emits one section uref downstream for the given pipeline time:
// the active pending event's INSERT/SIGNAL section if one is still
// within its window, or a filler NULL section otherwise.
func Prepare(p *upipe.Pipe, now uint64) error {
	gd, ok := p.Data.(*generatorData)
	if !ok {
		return uerror.Invalid("pipes.scte35.prepare", fmt.Errorf("not an scte35 pipe"))
	}

	section := Section{CommandType: CommandNull}
	for id, ev := range gd.pending {
		if !ev.active(now) {
			delete(gd.pending, id)
			continue
		}
		section = Section{
			CommandType:     ev.command,
			EventID:         ev.eventID,
			OutOfNetwork:    ev.outOfNetwork,
			AutoReturn:      ev.autoReturn,
			UniqueProgramID: ev.uniqueProgramID,
			HasSpliceTime:   true,
			PTSTime:         to90k(ev.ptsSys),
			HasDuration:     ev.hasDuration,
			BreakDuration:   to90k(ev.duration),
		}
		break
	}

	buf := Marshal(section)
	blk := gd.blockMgr.Alloc(len(buf))
	if blk == nil {
		return uerror.Alloc("pipes.scte35.prepare", fmt.Errorf("block allocation failed"))
	}
	w, err := blk.Write(0, len(buf))
	if err != nil {
		return err
	}
	copy(w, buf)

	out := gd.urefMgr.Alloc()
	out.AttachUbuf(blk)
	if dst := p.Output.Get(); dst != nil {
		dst.Input(out, nil)
	} else {
		p.Output.Queue(out)
	}
	return nil
}
