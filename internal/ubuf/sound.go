package ubuf

import (
	"fmt"
	"sort"

	"github.com/alxayo/upipe/internal/uerror"
	"github.com/alxayo/upipe/internal/umem"
)

// SoundMgr is a sound ubuf manager: declares the channel layout and sample
// width once (ubuf_sound_mgr_alloc in spec.md §6), then stamps out Sounds
// of that layout, each Alloc giving its own sample count. By default
// channels are stored as separate planes (planar, not interleaved), matching a PCM filter graph
// that wants per-channel pointers without a deinterleave pass. Packed
// (interleaved) sources — e.g. audio_split's input, see
// internal/pipes/audiosplit — use NewPackedSoundMgr instead, which
// declares a single plane holding every channel's samples interleaved.
type SoundMgr struct {
	mem        umem.Manager
	channels   []string
	sampleSize int // bytes per sample, e.g. 4 for float32
	alignment  int
}

// NewSoundMgr creates a sound manager for the given ordered channel names
// (e.g. "l", "r", or "1".."8" for multichannel).
func NewSoundMgr(mem umem.Manager, sampleSize, alignment int, channels ...string) *SoundMgr {
	if mem == nil {
		mem = umem.NewSystem()
	}
	if alignment < 1 {
		alignment = 1
	}
	cp := make([]string, len(channels))
	copy(cp, channels)
	return &SoundMgr{mem: mem, channels: cp, sampleSize: sampleSize, alignment: alignment}
}

// packedPlane is the single plane name used by a packed SoundMgr (see
// NewPackedSoundMgr): every channel's samples interleaved, frame stride
// channels*sampleSize.
const packedPlane = "packed"

// NewPackedSoundMgr creates a sound manager for channel-interleaved
// (packed) audio: one plane, one frame of channels*sampleSize bytes per
// sample. This is the representation audio_split's source uses, mirroring
// original_source/lib/upipe-modules/upipe_audio_split.c's single
// sample_size-wide plane rather than one plane per channel.
func NewPackedSoundMgr(mem umem.Manager, channels, sampleSize, alignment int) *SoundMgr {
	return NewSoundMgr(mem, channels*sampleSize, alignment, packedPlane)
}

// PackedPlane reads a packed sound's single interleaved plane.
func (s *Sound) PackedPlane() ([]byte, error) { return s.PlaneRead(packedPlane) }

// PackedPlaneWrite returns a mutable view of a packed sound's single
// interleaved plane.
func (s *Sound) PackedPlaneWrite() ([]byte, error) { return s.PlaneWrite(packedPlane) }

type soundPlane struct {
	channel string
	arena   *arena
}

// Sound is a sound ubuf: one mapped arena per channel, each samples *
// sampleSize bytes long.
type Sound struct {
	mgr     *SoundMgr
	samples int
	planes  []soundPlane
	rc      *refcount
}

// Alloc produces a writable sound buffer of samples frames per channel.
func (m *SoundMgr) Alloc(samples int) (*Sound, error) {
	if samples <= 0 {
		return nil, uerror.Invalid("ubuf.sound.alloc", fmt.Errorf("non-positive sample count %d", samples))
	}
	s := &Sound{mgr: m, samples: samples, rc: newRefcount()}
	size := alignUp(samples*m.sampleSize, m.alignment)
	for _, ch := range m.channels {
		buf := m.mem.Alloc(size)
		if buf == nil {
			return nil, uerror.Alloc("ubuf.sound.alloc", fmt.Errorf("channel %q: out of memory", ch))
		}
		s.planes = append(s.planes, soundPlane{channel: ch, arena: newArena(buf)})
	}
	return s, nil
}

func (s *Sound) Dup() *Sound {
	s.rc.use()
	return s
}

func (s *Sound) Use() { s.rc.use() }

func (s *Sound) Release() {
	if s.rc.release() {
		for _, pl := range s.planes {
			pl.arena.release()
			if pl.arena.refs <= 0 {
				s.mgr.mem.Free(pl.arena.data)
			}
		}
	}
}

func (s *Sound) RefCount() int32 { return s.rc.count() }

func (s *Sound) Samples() int { return s.samples }

func (s *Sound) plane(channel string) (*soundPlane, error) {
	for i := range s.planes {
		if s.planes[i].channel == channel {
			return &s.planes[i], nil
		}
	}
	return nil, uerror.Invalid("ubuf.sound", fmt.Errorf("unknown channel %q", channel))
}

// PlaneRead returns a read-only view of the named channel.
func (s *Sound) PlaneRead(channel string) ([]byte, error) {
	pl, err := s.plane(channel)
	if err != nil {
		return nil, err
	}
	return pl.arena.data[:s.samples*s.mgrSampleSize()], nil
}

func (s *Sound) mgrSampleSize() int { return s.mgr.sampleSize }

// PlaneWrite returns a mutable view of the named channel. Requires the
// sound be exclusively owned; see MakeWritable.
func (s *Sound) PlaneWrite(channel string) ([]byte, error) {
	if s.rc.count() > 1 {
		return nil, uerror.Busy("ubuf.sound.plane_write", fmt.Errorf("ubuf is shared (refcount=%d); call MakeWritable", s.rc.count()))
	}
	pl, err := s.plane(channel)
	if err != nil {
		return nil, err
	}
	if pl.arena.shared() {
		return nil, uerror.Busy("ubuf.sound.plane_write", fmt.Errorf("channel %q shares memory with another ubuf; call MakeWritable", channel))
	}
	return pl.arena.data[:s.samples*s.mgrSampleSize()], nil
}

// PlaneIterate enumerates declared channel names in manager registration
// order.
func (s *Sound) PlaneIterate(cursor int) (channel string, next int, ok bool) {
	if cursor < 0 || cursor >= len(s.planes) {
		return "", cursor, false
	}
	return s.planes[cursor].channel, cursor + 1, true
}

// Channels returns every declared channel name, sorted, for introspection
// and tests.
func (s *Sound) Channels() []string {
	names := make([]string, len(s.planes))
	for i, pl := range s.planes {
		names[i] = pl.channel
	}
	sort.Strings(names)
	return names
}

// MakeWritable mirrors Block/Picture's MakeWritable.
func (s *Sound) MakeWritable() (*Sound, error) {
	if s.rc.count() > 1 {
		newPlanes := make([]soundPlane, len(s.planes))
		for i, pl := range s.planes {
			data := make([]byte, len(pl.arena.data))
			copy(data, pl.arena.data)
			newPlanes[i] = soundPlane{channel: pl.channel, arena: newArena(data)}
		}
		s.rc.release()
		return &Sound{mgr: s.mgr, samples: s.samples, planes: newPlanes, rc: newRefcount()}, nil
	}

	needsCopy := false
	for _, pl := range s.planes {
		if pl.arena.shared() {
			needsCopy = true
			break
		}
	}
	if !needsCopy {
		return s, nil
	}
	newPlanes := make([]soundPlane, len(s.planes))
	for i, pl := range s.planes {
		data := make([]byte, len(pl.arena.data))
		copy(data, pl.arena.data)
		newPlanes[i] = soundPlane{channel: pl.channel, arena: newArena(data)}
		pl.arena.release()
	}
	s.planes = newPlanes
	return s, nil
}
