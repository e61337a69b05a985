package uprobe

// ResourceProbe serves ProvideRequest events of one RequestType from a
// single pre-configured resource instance — the shared shape behind
// uref_mgr, ubuf_mem, uclock and upump_mgr probes (spec.md §4.5).
type ResourceProbe struct {
	reqType  RequestType
	resource any
}

// NewResourceProbe creates a probe that answers any ProvideRequest of
// reqType with resource, calling the request's Provide callback.
func NewResourceProbe(reqType RequestType, resource any) *Probe {
	rp := &ResourceProbe{reqType: reqType, resource: resource}
	return New(rp.handle)
}

func (rp *ResourceProbe) handle(p Pipe, event Event, args Args) error {
	if event != ProvideRequest || args.Request == nil || args.Request.Type != rp.reqType {
		return unhandled(event)
	}
	return args.Request.Provide(rp.resource)
}

// NewUrefMgrProbe provides a pre-allocated uref manager.
func NewUrefMgrProbe(urefMgr any) *Probe { return NewResourceProbe(RequestUrefMgr, urefMgr) }

// NewUbufMemProbe provides a pre-allocated ubuf manager.
func NewUbufMemProbe(ubufMgr any) *Probe { return NewResourceProbe(RequestUbufMgr, ubufMgr) }

// NewUclockProbe provides a pre-allocated uclock.
func NewUclockProbe(clock any) *Probe { return NewResourceProbe(RequestUclock, clock) }

// NewUpumpMgrProbe provides a pre-allocated upump manager.
func NewUpumpMgrProbe(pumpMgr any) *Probe { return NewResourceProbe(RequestUpumpMgr, pumpMgr) }
