// Package audiosplit implements the audio_split module supplemented from
// original_source/lib/upipe-modules/upipe_audio_split.c: a pipe that
// splits one packed (interleaved) sound uref across several sub-pipe
// outputs, each selecting a channel subset via a bitfield, deinterleaving
// the selected channels into its own planar buffer, and resampling its
// output down to the popcount of that bitfield rather than carrying
// silent planes for unselected channels.
package audiosplit

import (
	"fmt"
	"math/bits"
	"strconv"

	"github.com/alxayo/upipe/internal/uerror"
	"github.com/alxayo/upipe/internal/ubuf"
	"github.com/alxayo/upipe/internal/upipe"
	"github.com/alxayo/upipe/internal/uprobe"
	"github.com/alxayo/upipe/internal/upump"
	"github.com/alxayo/upipe/internal/uref"
)

const (
	sigSplit uint32 = 0x41535054 // "ASPT"
	sigSub   uint32 = 0x41535053 // "ASPS"
)

// splitterData is the private state of the top-level splitter pipe.
type splitterData struct {
	sourceChannels int
	sampleSize     int
}

// subData is the private state of one of the splitter's output sub-pipes.
type subData struct {
	bitfield    uint64
	outChannels []string
	outMgr      *ubuf.SoundMgr
}

// SubChannels reports how many channels a bitfield selects — the source
// of the "resample down to popcount" behavior this package carries over
// from the original: a stereo bitfield (0b11) on a 6-channel source
// yields a 2-channel planar output, not a 6-channel one with 4 unused
// planes.
func SubChannels(bitfield uint64) int { return bits.OnesCount64(bitfield) }

// ParseBitfield parses a channel-selection string (accepts "0b101",
// "0x5", or plain decimal — strconv.ParseUint's base-0 convention) into
// a bitfield, the SET_OPTION("channels", ...) value format.
func ParseBitfield(s string) (uint64, error) {
	v, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return 0, uerror.Invalid("pipes.audiosplit.parse_bitfield", err)
	}
	return v, nil
}

func channelName(i int) string { return strconv.Itoa(i) }

// NewSplitterMgr creates the manager for the top-level audio_split pipe.
// sourceChannels and sampleSize describe the packed/planar sound urefs
// this splitter will receive as input.
func NewSplitterMgr(sourceChannels, sampleSize int) *upipe.Mgr {
	mgr := &upipe.Mgr{Signature: sigSplit, Name: "audiosplit"}
	mgr.AllocFn = func(mgr *upipe.Mgr, probe *uprobe.Probe, args any) (*upipe.Pipe, error) {
		p := upipe.NewPipe("audiosplit")
		p.Data = &splitterData{sourceChannels: sourceChannels, sampleSize: sampleSize}
		p.Sub.SetSubMgr(newSubMgr())
		return p, nil
	}
	mgr.InputFn = func(p *upipe.Pipe, u *uref.Uref, pump *upump.Pump) {
		split(p, u, pump)
	}
	mgr.FreeFn = func(p *upipe.Pipe) { p.Sub.ReleaseAll() }
	return mgr
}

func newSubMgr() *upipe.Mgr {
	mgr := &upipe.Mgr{Signature: sigSub, Name: "audiosplit.sub"}
	mgr.AllocFn = func(mgr *upipe.Mgr, probe *uprobe.Probe, args any) (*upipe.Pipe, error) {
		return upipe.NewPipe("audiosplit.sub"), nil
	}
	mgr.ControlFn = func(p *upipe.Pipe, cmd upipe.Command, args any) (any, error) {
		if cmd != upipe.CmdSetOption {
			return nil, uerror.Unhandled("pipes.audiosplit.sub.control", fmt.Errorf("command %v not handled", cmd))
		}
		opt, ok := args.(upipe.SetOptionArgs)
		if !ok || opt.Key != "channels" {
			return nil, uerror.Unhandled("pipes.audiosplit.sub.control", fmt.Errorf("unsupported option"))
		}
		bf, err := ParseBitfield(opt.Value)
		if err != nil {
			return nil, err
		}
		n := SubChannels(bf)
		if n == 0 {
			return nil, uerror.Invalid("pipes.audiosplit.sub.control", fmt.Errorf("bitfield %#x selects no channels", bf))
		}
		names := make([]string, n)
		for i := range names {
			names[i] = channelName(i)
		}
		sampleSize := 2
		if super := p.Sub.Super(); super != nil {
			if sd, ok := super.Data.(*splitterData); ok {
				sampleSize = sd.sampleSize
			}
		}
		p.Data = &subData{bitfield: bf, outChannels: names, outMgr: ubuf.NewSoundMgr(nil, sampleSize, 1, names...)}
		return nil, nil
	}
	mgr.InputFn = func(p *upipe.Pipe, u *uref.Uref, pump *upump.Pump) {
		if out := p.Output.Get(); out != nil {
			out.Input(u, pump)
			return
		}
		p.Output.Queue(u)
	}
	return mgr
}

// AddSub allocates a new output sub-pipe on splitter, selecting channels
// per bitfield, and registers it as one of splitter's children.
func AddSub(splitter *upipe.Pipe, probe *uprobe.Probe, bitfield string) (*upipe.Pipe, error) {
	v, err := splitter.Control(upipe.CmdGetSubMgr, nil)
	if err != nil {
		return nil, err
	}
	subMgr := v.(*upipe.Mgr)
	sub, err := subMgr.Alloc(probe, nil)
	if err != nil {
		return nil, err
	}
	sub.Sub.SetSuper(splitter)
	splitter.Sub.Add(sub)
	if _, err := sub.Control(upipe.CmdSetOption, upipe.SetOptionArgs{Key: "channels", Value: bitfield}); err != nil {
		splitter.Sub.Remove(sub)
		return nil, err
	}
	return sub, nil
}

// split fans one packed input sound uref out across every sub whose
// bitfield selects a subset of the source channels, deinterleaving only
// the selected channels' samples into each sub's own (possibly narrower)
// planar sound buffer.
func split(p *upipe.Pipe, u *uref.Uref, pump *upump.Pump) {
	sd, _ := p.Data.(*splitterData)
	src, ok := u.Ubuf().(*ubuf.Sound)
	if sd == nil || !ok {
		u.Free()
		return
	}
	packed, err := src.PackedPlane()
	if err != nil {
		u.Free()
		return
	}
	samples := src.Samples()
	frameSize := sd.sourceChannels * sd.sampleSize

	for cursor := 0; ; {
		sub, next, ok := p.Sub.Iterate(cursor)
		if !ok {
			break
		}
		cursor = next

		subd, ok := sub.Data.(*subData)
		if !ok || subd.outMgr == nil {
			continue
		}

		out, err := subd.outMgr.Alloc(samples)
		if err != nil {
			uprobe.Throw(sub.Probe(), sub, uprobe.Fatal, uprobe.Args{Err: err})
			continue
		}

		outIdx := 0
		for inIdx := 0; inIdx < sd.sourceChannels && outIdx < len(subd.outChannels); inIdx++ {
			if subd.bitfield&(uint64(1)<<uint(inIdx)) == 0 {
				continue
			}
			dst, err := out.PlaneWrite(subd.outChannels[outIdx])
			if err != nil {
				continue
			}
			for k := 0; k < samples; k++ {
				srcOff := k*frameSize + inIdx*sd.sampleSize
				copy(dst[k*sd.sampleSize:(k+1)*sd.sampleSize], packed[srcOff:srcOff+sd.sampleSize])
			}
			outIdx++
		}

		outUref := u.Dup()
		outUref.AttachUbuf(out)
		sub.Input(outUref, pump)
	}
	u.Free()
}
