// Package bus is the in-process event fan-out: strictly monotonic event ids,
// a bounded replay window for session resume, and per-session queues with
// overflow coalescing.
package bus

import (
	"log/slog"
	"sync"
	"time"

	"github.com/blastoff/crash-engine/internal/domain"
	"github.com/blastoff/crash-engine/internal/infra"
)

// maxRetained bounds ring memory independently of the time window.
const maxRetained = 65536

// Bus assigns event ids and fans events out to subscribed sessions. Events
// stay in the ring for at least the retention window, so a reconnecting
// client can resume from its last seen id instead of a full snapshot.
type Bus struct {
	retention time.Duration
	metrics   *infra.Metrics
	logger    *slog.Logger

	mu       sync.Mutex
	nextID   uint64
	ring     []domain.Event
	sessions map[*Session]struct{}
}

// New creates a bus retaining events for at least the given window.
func New(retention time.Duration, metrics *infra.Metrics, logger *slog.Logger) *Bus {
	return &Bus{
		retention: retention,
		metrics:   metrics,
		logger:    logger,
		sessions:  make(map[*Session]struct{}),
	}
}

// Publish assigns the next id and delivers the event to every session it
// addresses. Delivery never blocks; a full session queue is marked for resync.
func (b *Bus) Publish(ev domain.Event) {
	b.mu.Lock()
	b.nextID++
	ev.ID = b.nextID
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	b.ring = append(b.ring, ev)
	b.trimLocked(ev.At)

	for s := range b.sessions {
		if ev.UserID == "" || ev.UserID == s.userID {
			s.deliver(ev)
		}
	}
	b.mu.Unlock()
}

// trimLocked drops events older than the retention window, keeping the ring
// under the hard cap.
func (b *Bus) trimLocked(now time.Time) {
	cutoff := now.Add(-b.retention)
	i := 0
	for i < len(b.ring) && b.ring[i].At.Before(cutoff) {
		i++
	}
	if over := len(b.ring) - maxRetained; over > i {
		i = over
	}
	if i > 0 {
		b.ring = append(b.ring[:0:0], b.ring[i:]...)
	}
}

// Subscribe attaches a session for the given player. Broadcast events and
// events addressed to userID are delivered in id order.
func (b *Bus) Subscribe(userID string) *Session {
	s := &Session{
		bus:    b,
		userID: userID,
		ch:     make(chan domain.Event, sessionQueueSize),
	}
	b.mu.Lock()
	b.sessions[s] = struct{}{}
	n := len(b.sessions)
	b.mu.Unlock()
	b.metrics.Sessions.Set(float64(n))
	return s
}

func (b *Bus) unsubscribe(s *Session) {
	b.mu.Lock()
	delete(b.sessions, s)
	n := len(b.sessions)
	b.mu.Unlock()
	b.metrics.Sessions.Set(float64(n))
}

// Resume replays the session's missed events when lastEventID is still inside
// the retained window. Returns false when the gap is too old to replay; the
// caller must then send a snapshot.
func (b *Bus) Resume(s *Session, lastEventID uint64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if lastEventID > b.nextID {
		return false
	}
	if len(b.ring) == 0 {
		// Nothing retained: resumable only if the client is fully caught up.
		return lastEventID == b.nextID
	}
	oldest := b.ring[0].ID
	if lastEventID+1 < oldest {
		return false
	}
	if s.lastDelivered > lastEventID {
		// Live delivery already ran past the resume point; the history in
		// between cannot be spliced in id order, so the client needs a
		// snapshot instead.
		return false
	}
	for _, ev := range b.ring {
		if ev.ID <= lastEventID {
			continue
		}
		if ev.UserID == "" || ev.UserID == s.userID {
			s.deliver(ev)
		}
	}
	return true
}

// LastEventID returns the most recently assigned id.
func (b *Bus) LastEventID() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.nextID
}
