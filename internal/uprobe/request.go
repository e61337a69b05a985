package uprobe

// RequestType enumerates the resource kinds a pipe may ask an ancestor to
// provide (spec.md §4.4.4).
type RequestType int

const (
	RequestUrefMgr RequestType = iota
	RequestUbufMgr
	RequestFlowFormat
	RequestUclock
	RequestUpumpMgr
	RequestSinkLatency
)

func (t RequestType) String() string {
	switch t {
	case RequestUrefMgr:
		return "uref-mgr"
	case RequestUbufMgr:
		return "ubuf-mgr"
	case RequestFlowFormat:
		return "flow-format"
	case RequestUclock:
		return "uclock"
	case RequestUpumpMgr:
		return "upump-mgr"
	case RequestSinkLatency:
		return "sink-latency"
	default:
		return "unknown-request"
	}
}

// Request travels up the output chain until some ancestor, or the probe
// chain itself, can satisfy it. FlowDef carries the desired format for a
// flow-format or ubuf-mgr request; it is opaque (any) to avoid an import
// cycle with uref. Provide is invoked by whichever pipe or probe ends up
// serving the request, with the resource as its single argument.
type Request struct {
	Type    RequestType
	FlowDef any
	Provide func(resource any) error
}

// NewRequest creates a request of the given type with an optional desired
// flow def and the provide callback invoked once the resource is ready.
func NewRequest(t RequestType, flowDef any, provide func(resource any) error) *Request {
	return &Request{Type: t, FlowDef: flowDef, Provide: provide}
}
