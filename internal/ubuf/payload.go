package ubuf

// Payload is the common refcount lifecycle shared by every ubuf variant
// (Block, Picture, Sound), letting uref hold whichever one a pipe's flow
// def calls for without knowing the concrete shape.
type Payload interface {
	Use()
	Release()
	RefCount() int32
}

var (
	_ Payload = (*Block)(nil)
	_ Payload = (*Picture)(nil)
	_ Payload = (*Sound)(nil)
)
