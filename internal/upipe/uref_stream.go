package upipe

import (
	"fmt"
	"sync"

	"github.com/alxayo/upipe/internal/uerror"
	"github.com/alxayo/upipe/internal/ubuf"
	"github.com/alxayo/upipe/internal/uref"
)

// UrefStream is the reusable "uref-stream" helper: it turns a sequence of
// packetized block urefs into one continuous byte stream a framer can
// Peek/Consume across, without caring where one input uref ends and the
// next begins (spec.md §4.4.5). Only block-payload urefs are accepted;
// attaching a picture or sound uref is a programming error reported as
// uerror.Invalid.
type UrefStream struct {
	mu      sync.Mutex
	queue   []*streamChunk
	unconsumed int
}

type streamChunk struct {
	u      *uref.Uref
	blk    *ubuf.Block
	offset int // already-consumed bytes within blk
}

// Append queues u's block payload onto the tail of the stream. Ownership
// of u transfers to the stream; it is freed once fully consumed.
func (s *UrefStream) Append(u *uref.Uref) error {
	blk, ok := u.Ubuf().(*ubuf.Block)
	if !ok {
		return uerror.Invalid("upipe.uref_stream.append", fmt.Errorf("uref payload is not a block ubuf"))
	}
	s.mu.Lock()
	s.queue = append(s.queue, &streamChunk{u: u, blk: blk})
	s.unconsumed += blk.Size()
	s.mu.Unlock()
	return nil
}

// Size reports the total unconsumed byte count currently buffered.
func (s *UrefStream) Size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unconsumed
}

// Peek returns n unconsumed bytes starting at the stream head without
// consuming them: a direct view when they lie within one chunk's block,
// or a copy into scratch (which must have length >= n) when the read
// crosses a chunk boundary. Returns uerror.Busy if fewer than n bytes are
// currently buffered (the framer should wait for more input).
func (s *UrefStream) Peek(n int, scratch []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.unconsumed < n {
		return nil, uerror.Busy("upipe.uref_stream.peek", fmt.Errorf("only %d of %d bytes buffered", s.unconsumed, n))
	}
	if len(s.queue) == 0 {
		return nil, uerror.Invalid("upipe.uref_stream.peek", fmt.Errorf("empty stream"))
	}
	first := s.queue[0]
	avail := first.blk.Size() - first.offset
	if avail >= n {
		return first.blk.Read(first.offset, n)
	}
	if len(scratch) < n {
		return nil, uerror.Invalid("upipe.uref_stream.peek", fmt.Errorf("scratch too small: have %d need %d", len(scratch), n))
	}
	copied := 0
	offset := first.offset
	for _, c := range s.queue {
		size := c.blk.Size()
		for offset < size && copied < n {
			chunkAvail := size - offset
			take := n - copied
			if take > chunkAvail {
				take = chunkAvail
			}
			b, err := c.blk.Read(offset, take)
			if err != nil {
				return nil, err
			}
			copy(scratch[copied:], b)
			copied += take
			offset += take
		}
		offset = 0
		if copied >= n {
			break
		}
	}
	return scratch[:n], nil
}

// Consume drops n bytes from the stream head, freeing any chunk fully
// consumed in the process.
func (s *UrefStream) Consume(n int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n > s.unconsumed {
		return uerror.Invalid("upipe.uref_stream.consume", fmt.Errorf("consuming %d exceeds buffered %d", n, s.unconsumed))
	}
	s.unconsumed -= n
	for n > 0 && len(s.queue) > 0 {
		c := s.queue[0]
		avail := c.blk.Size() - c.offset
		if avail > n {
			c.offset += n
			n = 0
			break
		}
		n -= avail
		c.u.Free()
		s.queue = s.queue[1:]
	}
	return nil
}

// Reset drops every queued chunk, freeing their urefs, so the next Append
// starts a clean stream with no partial frame carried over; it does not
// try to resynchronize mid-frame. The stream never calls it on its own:
// the owning pipe decides when to.
func (s *UrefStream) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.queue {
		c.u.Free()
	}
	s.queue = nil
	s.unconsumed = 0
}
