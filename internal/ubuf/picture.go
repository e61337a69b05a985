package ubuf

import (
	"fmt"
	"sort"

	"github.com/alxayo/upipe/internal/uerror"
	"github.com/alxayo/upipe/internal/umem"
)

// PlaneFormat describes one named plane of a picture format: its
// macropixel size and chroma subsampling relative to the picture's full
// hsize/vsize (alignment is set once per PictureMgr). Matches the "y8"/"u8"/"v8"/"a8"/"x10"/"u8y8v8y8"
// style chroma plane declarations a real format (e.g. I420, packed
// YUYV-like x10) would register.
type PlaneFormat struct {
	Name      string
	Hsub      int // horizontal subsampling divisor, e.g. 2 for chroma in 4:2:0
	Vsub      int // vertical subsampling divisor
	MacroSize int // bytes per macropixel group (1 for y8/u8/v8/a8)
}

// PictureMgr is a picture ubuf manager: declares the plane layout once at
// construction (ubuf_pic_mgr_alloc in spec.md §6) and stamps out Pictures
// of a fixed alignment from then on, each Alloc giving its own
// hsize/vsize.
type PictureMgr struct {
	mem       umem.Manager
	planes    []PlaneFormat
	alignment int
}

// NewPictureMgr creates a picture manager for the given ordered plane set.
// Plane order is preserved for Iterate.
func NewPictureMgr(mem umem.Manager, alignment int, planes ...PlaneFormat) *PictureMgr {
	if mem == nil {
		mem = umem.NewSystem()
	}
	if alignment < 1 {
		alignment = 1
	}
	cp := make([]PlaneFormat, len(planes))
	copy(cp, planes)
	return &PictureMgr{mem: mem, planes: cp, alignment: alignment}
}

type picPlane struct {
	format PlaneFormat
	arena  *arena
	stride int
	height int
}

// Picture is a picture ubuf: one mapped arena per declared plane, each with
// its own stride accounting for subsampling and alignment.
type Picture struct {
	mgr    *PictureMgr
	hsize  int
	vsize  int
	planes []picPlane
	rc     *refcount
}

func alignUp(n, align int) int {
	if align <= 1 {
		return n
	}
	rem := n % align
	if rem == 0 {
		return n
	}
	return n + (align - rem)
}

// Alloc produces a writable picture of hsize x vsize, allocating one arena
// per declared plane sized for its subsampling and the manager's alignment.
func (m *PictureMgr) Alloc(hsize, vsize int) (*Picture, error) {
	if hsize <= 0 || vsize <= 0 {
		return nil, uerror.Invalid("ubuf.picture.alloc", fmt.Errorf("non-positive dimensions %dx%d", hsize, vsize))
	}
	p := &Picture{mgr: m, hsize: hsize, vsize: vsize, rc: newRefcount()}
	for _, pf := range m.planes {
		hsub, vsub := pf.Hsub, pf.Vsub
		if hsub < 1 {
			hsub = 1
		}
		if vsub < 1 {
			vsub = 1
		}
		planeW := (hsize + hsub - 1) / hsub
		planeH := (vsize + vsub - 1) / vsub
		stride := alignUp(planeW*pf.MacroSize, m.alignment)
		buf := m.mem.Alloc(stride * planeH)
		if buf == nil {
			return nil, uerror.Alloc("ubuf.picture.alloc", fmt.Errorf("plane %q: out of memory", pf.Name))
		}
		p.planes = append(p.planes, picPlane{format: pf, arena: newArena(buf), stride: stride, height: planeH})
	}
	return p, nil
}

// Dup increments the refcount and returns the same pointer (O(1), shares
// memory), matching Block's sharing model.
func (p *Picture) Dup() *Picture {
	p.rc.use()
	return p
}

func (p *Picture) Use() { p.rc.use() }

func (p *Picture) Release() {
	if p.rc.release() {
		for _, pl := range p.planes {
			pl.arena.release()
			if pl.arena.refs <= 0 {
				p.mgr.mem.Free(pl.arena.data)
			}
		}
	}
}

func (p *Picture) RefCount() int32 { return p.rc.count() }

func (p *Picture) Size() (hsize, vsize int) { return p.hsize, p.vsize }

func (p *Picture) plane(name string) (*picPlane, error) {
	for i := range p.planes {
		if p.planes[i].format.Name == name {
			return &p.planes[i], nil
		}
	}
	return nil, uerror.Invalid("ubuf.picture", fmt.Errorf("unknown plane %q", name))
}

// PlaneRead returns a read-only view of the named plane and its stride.
func (p *Picture) PlaneRead(name string) (data []byte, stride int, err error) {
	pl, err := p.plane(name)
	if err != nil {
		return nil, 0, err
	}
	return pl.arena.data, pl.stride, nil
}

// PlaneWrite returns a mutable view of the named plane and its stride.
// Requires the picture be exclusively owned; see MakeWritable.
func (p *Picture) PlaneWrite(name string) (data []byte, stride int, err error) {
	if p.rc.count() > 1 {
		return nil, 0, uerror.Busy("ubuf.picture.plane_write", fmt.Errorf("ubuf is shared (refcount=%d); call MakeWritable", p.rc.count()))
	}
	pl, err := p.plane(name)
	if err != nil {
		return nil, 0, err
	}
	if pl.arena.shared() {
		return nil, 0, uerror.Busy("ubuf.picture.plane_write", fmt.Errorf("plane %q shares memory with another ubuf; call MakeWritable", name))
	}
	return pl.arena.data, pl.stride, nil
}

// PlaneIterate enumerates declared plane names in the order registered on
// the manager. cursor starts at 0; ok is false once exhausted.
func (p *Picture) PlaneIterate(cursor int) (name string, next int, ok bool) {
	if cursor < 0 || cursor >= len(p.planes) {
		return "", cursor, false
	}
	return p.planes[cursor].format.Name, cursor + 1, true
}

// PlaneNames returns every declared plane name, sorted, for introspection
// and tests.
func (p *Picture) PlaneNames() []string {
	names := make([]string, len(p.planes))
	for i, pl := range p.planes {
		names[i] = pl.format.Name
	}
	sort.Strings(names)
	return names
}

// MakeWritable mirrors Block's MakeWritable: when exclusively owned
// (refcount 1), any arena-shared planes are copied in place and p is
// returned unchanged in identity; when shared with other Dup holders, a
// brand new exclusively-owned Picture is returned and p's refcount is
// decremented. Callers must use the returned pointer.
func (p *Picture) MakeWritable() (*Picture, error) {
	if p.rc.count() > 1 {
		newPlanes := make([]picPlane, len(p.planes))
		for i, pl := range p.planes {
			data := make([]byte, len(pl.arena.data))
			copy(data, pl.arena.data)
			newPlanes[i] = picPlane{format: pl.format, arena: newArena(data), stride: pl.stride, height: pl.height}
		}
		p.rc.release()
		return &Picture{mgr: p.mgr, hsize: p.hsize, vsize: p.vsize, planes: newPlanes, rc: newRefcount()}, nil
	}

	needsCopy := false
	for _, pl := range p.planes {
		if pl.arena.shared() {
			needsCopy = true
			break
		}
	}
	if !needsCopy {
		return p, nil
	}
	newPlanes := make([]picPlane, len(p.planes))
	for i, pl := range p.planes {
		data := make([]byte, len(pl.arena.data))
		copy(data, pl.arena.data)
		newPlanes[i] = picPlane{format: pl.format, arena: newArena(data), stride: pl.stride, height: pl.height}
		pl.arena.release()
	}
	p.planes = newPlanes
	return p, nil
}
