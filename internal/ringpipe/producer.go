package ringpipe

import (
	"io"
	"sync"
	"sync/atomic"
)

// Producer is the write side of a ring. It must be used from one goroutine.
type Producer struct {
	r      *ring
	once   sync.Once
	closed atomic.Bool
}

// WriteSome copies as much of b as currently fits. It blocks only while
// the ring is completely full and the consumer is still open.
func (p *Producer) WriteSome(b []byte) (int, error) {
	if p.closed.Load() {
		return 0, io.ErrClosedPipe
	}
	if len(b) == 0 {
		return 0, nil
	}
	r := p.r
	for r.occupied() == r.size && r.peerAlive() {
		r.space.park()
	}
	if !r.peerAlive() {
		return 0, ErrPeerGone
	}

	head := r.head.Load()
	n := min(uint64(len(b)), r.size-(head-r.tail.Load()))
	off := head % r.size
	k := copy(r.buf[off:], b[:n])
	copy(r.buf, b[k:n])
	r.head.Store(head + n)

	r.data.unpark()
	r.wake()
	return int(n), nil
}

// Write writes all of b, waiting for the consumer to make room as needed.
// If the consumer closes first, Write returns the count written so far and
// ErrPeerGone.
func (p *Producer) Write(b []byte) (int, error) {
	var n int
	for n < len(b) {
		m, err := p.WriteSome(b[n:])
		n += m
		if err != nil {
			return n, err
		}
	}
	return n, nil
}

// Flush waits until the consumer has read every buffered byte.
func (p *Producer) Flush() error {
	if p.closed.Load() {
		return io.ErrClosedPipe
	}
	r := p.r
	for r.occupied() > 0 {
		if !r.peerAlive() {
			return ErrPeerGone
		}
		r.space.park()
	}
	return nil
}

// Len reports the number of buffered bytes not yet read.
func (p *Producer) Len() int { return int(p.r.occupied()) }

// Cap reports the ring capacity.
func (p *Producer) Cap() int { return int(p.r.size) }

// PeerAlive reports whether the consumer is still open.
func (p *Producer) PeerAlive() bool { return p.r.peerAlive() }

// Close marks the end of the stream. Bytes already written stay readable.
func (p *Producer) Close() error {
	return p.CloseWithError(nil)
}

// CloseWithError ends the stream like Close, except that once the consumer
// has drained the ring it reads err instead of io.EOF. A nil err is the
// same as Close.
func (p *Producer) CloseWithError(err error) error {
	p.once.Do(func() {
		p.closed.Store(true)
		if err != nil {
			p.r.err.Store(&err)
		}
		p.r.depart()
		p.r.data.unpark()
		p.r.wake()
	})
	return nil
}
