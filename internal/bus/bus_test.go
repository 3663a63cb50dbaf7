package bus

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blastoff/crash-engine/internal/domain"
	"github.com/blastoff/crash-engine/internal/infra"
)

func newTestBus(retention time.Duration) *Bus {
	m := infra.NewMetrics(prometheus.NewRegistry())
	return New(retention, m, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func drain(s *Session) []domain.Event {
	var out []domain.Event
	for {
		select {
		case ev := <-s.Events():
			out = append(out, ev)
		default:
			return out
		}
	}
}

func TestPublish_MonotonicIDs(t *testing.T) {
	b := newTestBus(time.Minute)
	s := b.Subscribe("0xaa")
	defer s.Close()

	for i := 0; i < 5; i++ {
		b.Publish(domain.Event{Name: domain.EvBettingCountdown})
	}

	evs := drain(s)
	require.Len(t, evs, 5)
	for i, ev := range evs {
		assert.Equal(t, uint64(i+1), ev.ID)
	}
	assert.Equal(t, uint64(5), b.LastEventID())
}

func TestPublish_AddressedDelivery(t *testing.T) {
	b := newTestBus(time.Minute)
	alice := b.Subscribe("0xaa")
	bob := b.Subscribe("0xbb")
	defer alice.Close()
	defer bob.Close()

	b.Publish(domain.Event{Name: domain.EvBalanceUpdate, UserID: "0xaa"})
	b.Publish(domain.Event{Name: domain.EvStartBettingPhase}) // broadcast

	aliceEvs := drain(alice)
	require.Len(t, aliceEvs, 2)

	bobEvs := drain(bob)
	require.Len(t, bobEvs, 1)
	assert.Equal(t, domain.EvStartBettingPhase, bobEvs[0].Name)
}

func TestResume_SkipsEventsAlreadyDeliveredLive(t *testing.T) {
	b := newTestBus(time.Minute)
	b.Publish(domain.Event{Name: domain.EvBettingCountdown}) // 1
	b.Publish(domain.Event{Name: domain.EvBettingCountdown}) // 2

	// The session is live before the client's hello arrives, so events 3 and
	// 4 reach it directly. The hello's resume from 2 must not send them again;
	// the missed events 1 and 2 cannot be spliced in order anymore, so the
	// client is pushed to the snapshot path instead.
	s := b.Subscribe("0xaa")
	defer s.Close()
	b.Publish(domain.Event{Name: domain.EvBettingCountdown}) // 3
	b.Publish(domain.Event{Name: domain.EvBettingCountdown}) // 4

	assert.False(t, b.Resume(s, 1))

	evs := drain(s)
	require.Len(t, evs, 2)
	var prev uint64
	for _, ev := range evs {
		assert.Greater(t, ev.ID, prev, "ids strictly increasing, no duplicates")
		prev = ev.ID
	}
	assert.Equal(t, uint64(3), evs[0].ID)
	assert.Equal(t, uint64(4), evs[1].ID)
}

func TestResume_CaughtUpViaLiveDelivery(t *testing.T) {
	b := newTestBus(time.Minute)
	b.Publish(domain.Event{Name: domain.EvBettingCountdown}) // 1
	b.Publish(domain.Event{Name: domain.EvBettingCountdown}) // 2

	s := b.Subscribe("0xaa")
	defer s.Close()
	b.Publish(domain.Event{Name: domain.EvBettingCountdown}) // 3, live
	require.Len(t, drain(s), 1)

	// The client last saw 3, exactly where live delivery stands. Resume
	// succeeds and enqueues nothing twice.
	require.True(t, b.Resume(s, 3))
	assert.Empty(t, drain(s))
}

func TestResume_ReplaysGap(t *testing.T) {
	b := newTestBus(time.Minute)

	first := b.Subscribe("0xaa")
	for i := 0; i < 4; i++ {
		b.Publish(domain.Event{Name: domain.EvBettingCountdown})
	}
	evs := drain(first)
	require.Len(t, evs, 4)
	first.Close()

	// Reconnect having seen only event 2.
	second := b.Subscribe("0xaa")
	defer second.Close()
	require.True(t, b.Resume(second, 2))

	replayed := drain(second)
	require.Len(t, replayed, 2)
	assert.Equal(t, uint64(3), replayed[0].ID)
	assert.Equal(t, uint64(4), replayed[1].ID)
}

func TestResume_SkipsOtherUsersEvents(t *testing.T) {
	b := newTestBus(time.Minute)
	b.Publish(domain.Event{Name: domain.EvBalanceUpdate, UserID: "0xbb"})
	b.Publish(domain.Event{Name: domain.EvStartBettingPhase})

	s := b.Subscribe("0xaa")
	defer s.Close()
	require.True(t, b.Resume(s, 0))

	evs := drain(s)
	require.Len(t, evs, 1)
	assert.Equal(t, domain.EvStartBettingPhase, evs[0].Name)
}

func TestResume_GapTooOld(t *testing.T) {
	b := newTestBus(time.Nanosecond) // everything expires immediately

	for i := 0; i < 3; i++ {
		b.Publish(domain.Event{Name: domain.EvBettingCountdown, At: time.Now().Add(-time.Second)})
	}
	b.Publish(domain.Event{Name: domain.EvBettingCountdown})

	s := b.Subscribe("0xaa")
	defer s.Close()
	assert.False(t, b.Resume(s, 1), "events 2-3 fell out of the window")
}

func TestResume_FutureIDRejected(t *testing.T) {
	b := newTestBus(time.Minute)
	b.Publish(domain.Event{Name: domain.EvBettingCountdown})

	s := b.Subscribe("0xaa")
	defer s.Close()
	assert.False(t, b.Resume(s, 99))
}

func TestResume_EmptyRingCaughtUp(t *testing.T) {
	b := newTestBus(time.Minute)
	s := b.Subscribe("0xaa")
	defer s.Close()

	assert.True(t, b.Resume(s, 0), "nothing published yet")
}

func TestSession_OverflowSetsResync(t *testing.T) {
	b := newTestBus(time.Minute)
	s := b.Subscribe("0xaa")
	defer s.Close()

	for i := 0; i < sessionQueueSize+10; i++ {
		b.Publish(domain.Event{Name: domain.EvBettingCountdown})
	}

	assert.True(t, s.NeedsResync())
	assert.False(t, s.NeedsResync(), "flag clears on read")

	// The queue kept the oldest events; later ones were dropped, not reordered.
	evs := drain(s)
	require.Len(t, evs, sessionQueueSize)
	assert.Equal(t, uint64(1), evs[0].ID)
}

func TestRing_HardCap(t *testing.T) {
	b := newTestBus(24 * time.Hour)
	for i := 0; i < maxRetained+100; i++ {
		b.Publish(domain.Event{Name: domain.EvBettingCountdown})
	}
	b.mu.Lock()
	n := len(b.ring)
	b.mu.Unlock()
	assert.LessOrEqual(t, n, maxRetained)
}

func TestSession_CloseIsIdempotent(t *testing.T) {
	b := newTestBus(time.Minute)
	s := b.Subscribe("0xaa")
	s.Close()
	s.Close()

	// Publishing after close must not panic on the closed channel.
	b.Publish(domain.Event{Name: domain.EvBettingCountdown})
}
