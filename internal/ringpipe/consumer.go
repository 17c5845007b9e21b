package ringpipe

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
)

// Consumer is the read side of a ring. Its Read blocks the calling
// goroutine; use Async for the non-blocking binding. Either way only one
// goroutine may read at a time.
type Consumer struct {
	r      *ring
	once   sync.Once
	closed atomic.Bool
}

// Read returns buffered bytes, waiting while the ring is empty and the
// producer is still open. After the producer closes and the ring is
// drained it returns io.EOF, or the error given to CloseWithError.
func (c *Consumer) Read(b []byte) (int, error) {
	if c.closed.Load() {
		return 0, io.ErrClosedPipe
	}
	if len(b) == 0 {
		return 0, nil
	}
	r := c.r
	for r.occupied() == 0 && r.peerAlive() {
		r.data.park()
	}
	// head is published before alive drops, so this sees any final write.
	if r.occupied() == 0 {
		return 0, c.endErr()
	}
	return c.take(b), nil
}

// take moves up to len(b) buffered bytes into b. The ring must not be empty.
func (c *Consumer) take(b []byte) int {
	r := c.r
	tail := r.tail.Load()
	n := min(uint64(len(b)), r.head.Load()-tail)
	off := tail % r.size
	k := copy(b[:n], r.buf[off:])
	copy(b[k:n], r.buf)
	r.tail.Store(tail + n)

	r.space.unpark()
	return int(n)
}

func (c *Consumer) endErr() error {
	if err := c.r.err.Load(); err != nil {
		return *err
	}
	return io.EOF
}

// Len reports the number of buffered bytes not yet read.
func (c *Consumer) Len() int { return int(c.r.occupied()) }

// Cap reports the ring capacity.
func (c *Consumer) Cap() int { return int(c.r.size) }

// PeerAlive reports whether the producer is still open.
func (c *Consumer) PeerAlive() bool { return c.r.peerAlive() }

// Close abandons the stream. A producer blocked in Write or Flush returns
// ErrPeerGone.
func (c *Consumer) Close() error {
	c.once.Do(func() {
		c.closed.Store(true)
		c.r.depart()
		c.r.waker.Store(nil)
		c.r.space.unpark()
	})
	return nil
}

// Async returns the non-blocking view of c. The view shares c's read
// position and lifetime; closing either closes both.
func (c *Consumer) Async() *AsyncConsumer {
	a := &AsyncConsumer{c: c, ready: make(chan struct{}, 1)}
	a.signal = func() {
		select {
		case a.ready <- struct{}{}:
		default:
		}
	}
	return a
}

// AsyncConsumer reads from a ring without ever blocking in the ring itself.
// PollRead is the primitive: when no data is available it stores a wake
// callback in the ring's single waker slot and returns ErrPending. The
// producer runs that callback on its next write or when it closes.
type AsyncConsumer struct {
	c      *Consumer
	ready  chan struct{}
	signal func()
}

// PollRead behaves like Consumer.Read except that instead of waiting it
// returns ErrPending and arranges for wake to be called. A later PollRead
// replaces any wake callback still stored.
func (a *AsyncConsumer) PollRead(b []byte, wake func()) (int, error) {
	c := a.c
	if c.closed.Load() {
		return 0, io.ErrClosedPipe
	}
	if len(b) == 0 {
		return 0, nil
	}
	r := c.r
	if r.occupied() == 0 && r.peerAlive() {
		w := &wake
		r.waker.Store(w)
		// The producer may have written or left before the waker landed.
		if r.occupied() == 0 && r.peerAlive() {
			return 0, ErrPending
		}
		r.waker.CompareAndSwap(w, nil)
	}
	if r.occupied() == 0 {
		return 0, c.endErr()
	}
	return c.take(b), nil
}

// ReadContext polls until data arrives, the stream ends, or ctx is done.
func (a *AsyncConsumer) ReadContext(ctx context.Context, b []byte) (int, error) {
	for {
		n, err := a.PollRead(b, a.signal)
		if !errors.Is(err, ErrPending) {
			return n, err
		}
		select {
		case <-a.ready:
		case <-ctx.Done():
			a.c.r.waker.Store(nil)
			return 0, ctx.Err()
		}
	}
}

// Read implements io.Reader on top of ReadContext with no deadline.
func (a *AsyncConsumer) Read(b []byte) (int, error) {
	return a.ReadContext(context.Background(), b)
}

// Len reports the number of buffered bytes not yet read.
func (a *AsyncConsumer) Len() int { return a.c.Len() }

// PeerAlive reports whether the producer is still open.
func (a *AsyncConsumer) PeerAlive() bool { return a.c.PeerAlive() }

// Close closes the underlying Consumer.
func (a *AsyncConsumer) Close() error { return a.c.Close() }
