// Package ringpipe is a fixed-capacity byte ring shared by exactly one
// producer and one consumer.
//
// The producer side is meant for a goroutine running blocking code (an
// archiver writing into an io.Writer). The consumer side comes in two
// bindings over the same ring: Consumer blocks the calling goroutine, and
// AsyncConsumer never blocks but hands out a resume callback that the
// producer invokes when data arrives or when it departs.
//
// Closing an endpoint is how a side leaves. The survivor is always woken,
// so a producer stuck on a full ring gets ErrPeerGone and a consumer stuck
// on an empty ring gets io.EOF.
package ringpipe

import (
	"errors"
	"fmt"
	"io"
	"sync/atomic"
)

var (
	// ErrPeerGone is returned to a producer whose consumer has closed.
	// The remaining bytes can never be delivered.
	ErrPeerGone = fmt.Errorf("ringpipe: peer gone: %w", io.ErrClosedPipe)

	// ErrPending is returned by AsyncConsumer.PollRead when the ring is
	// empty and the producer is still there. The wake callback passed to
	// that call is invoked once something changes.
	ErrPending = errors.New("ringpipe: pending")
)

type ring struct {
	buf  []byte
	size uint64

	// head is advanced by the producer only, tail by the consumer only.
	// Both grow monotonically; the slot index is taken modulo size.
	head atomic.Uint64
	tail atomic.Uint64

	// alive starts at 2 and drops to 1 when the first endpoint closes.
	alive atomic.Int32

	space parker // producer waits here for free space
	data  parker // blocking consumer waits here for bytes

	waker atomic.Pointer[func()]
	err   atomic.Pointer[error]
}

// New creates a ring of capacity bytes and returns its two endpoints.
// It panics if capacity is less than 1.
func New(capacity int) (*Producer, *Consumer) {
	if capacity < 1 {
		panic(fmt.Sprintf("ringpipe: invalid capacity %d", capacity))
	}
	r := &ring{
		buf:   make([]byte, capacity),
		size:  uint64(capacity),
		space: newParker(),
		data:  newParker(),
	}
	r.alive.Store(2)
	return &Producer{r: r}, &Consumer{r: r}
}

func (r *ring) occupied() uint64 {
	return r.head.Load() - r.tail.Load()
}

func (r *ring) peerAlive() bool {
	return r.alive.Load() > 1
}

// depart records that one endpoint has gone. The counter never drops below 1.
func (r *ring) depart() {
	r.alive.CompareAndSwap(2, 1)
}

// wake takes the pending waker, if any, and runs it.
func (r *ring) wake() {
	if w := r.waker.Swap(nil); w != nil {
		(*w)()
	}
}

// parker is a one-token wakeup slot. unpark never blocks, and a token left
// by an unpark that raced ahead of park is consumed by the next park.
type parker chan struct{}

func newParker() parker {
	return make(parker, 1)
}

func (p parker) park() {
	<-p
}

func (p parker) unpark() {
	select {
	case p <- struct{}{}:
	default:
	}
}
