package bus

import (
	"sync/atomic"

	"github.com/blastoff/crash-engine/internal/domain"
)

const sessionQueueSize = 256

// Session is one subscriber's outbound queue. Events arrive in strictly
// increasing id order. When the queue overflows, further events are dropped
// and the session is marked for resync; the transport layer must then send a
// fresh snapshot instead of the lost history.
type Session struct {
	bus     *Bus
	userID  string
	ch      chan domain.Event
	lagging atomic.Bool
	closed  atomic.Bool

	// lastDelivered guards against replay overlapping the live feed: a
	// Resume for a gap that live delivery already covered must not enqueue
	// those ids again. Written under the bus lock.
	lastDelivered uint64
}

// UserID returns the player this session is addressed as.
func (s *Session) UserID() string { return s.userID }

// Events is the outbound queue. Closed by Close.
func (s *Session) Events() <-chan domain.Event { return s.ch }

// NeedsResync reports and clears the overflow flag.
func (s *Session) NeedsResync() bool {
	return s.lagging.Swap(false)
}

// Close detaches the session from the bus.
func (s *Session) Close() {
	if s.closed.Swap(true) {
		return
	}
	s.bus.unsubscribe(s)
	close(s.ch)
}

// deliver is called with the bus lock held.
func (s *Session) deliver(ev domain.Event) {
	if s.closed.Load() {
		return
	}
	if ev.ID <= s.lastDelivered {
		return
	}
	select {
	case s.ch <- ev:
		s.lastDelivered = ev.ID
	default:
		s.lagging.Store(true)
	}
}
