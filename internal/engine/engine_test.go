package engine

import (
	"context"
	"io"
	"log/slog"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blastoff/crash-engine/internal/domain"
	"github.com/blastoff/crash-engine/internal/fairness"
	"github.com/blastoff/crash-engine/internal/infra"
	"github.com/blastoff/crash-engine/internal/ledger"
	"github.com/blastoff/crash-engine/internal/solvency"
)

const (
	alice = "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
	bob   = "0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"
	carol = "0xcccccccccccccccccccccccccccccccccccccccc"
)

// fakeLedger records balance operations and optionally fails specific users.
type fakeLedger struct {
	mu       sync.Mutex
	locks    []ledger.LockBetParams
	wins     []ledger.SettleWinParams
	losses   []ledger.SettleLoseParams
	failLock map[string]error
}

func (f *fakeLedger) LockBet(_ context.Context, p ledger.LockBetParams) (*domain.LedgerResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.failLock[p.UserID]; ok {
		return nil, err
	}
	f.locks = append(f.locks, p)
	return &domain.LedgerResult{Account: &domain.Account{
		UserID:    p.UserID,
		Available: big.NewInt(0),
		Locked:    new(big.Int).Set(p.Amount),
	}}, nil
}

func (f *fakeLedger) SettleWin(_ context.Context, p ledger.SettleWinParams) (*domain.LedgerResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.wins = append(f.wins, p)
	return &domain.LedgerResult{Account: &domain.Account{
		UserID:    p.UserID,
		Available: new(big.Int).Set(p.Payout),
		Locked:    big.NewInt(0),
	}}, nil
}

func (f *fakeLedger) SettleLose(_ context.Context, p ledger.SettleLoseParams) (*domain.LedgerResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.losses = append(f.losses, p)
	return &domain.LedgerResult{Account: &domain.Account{
		UserID:    p.UserID,
		Available: big.NewInt(0),
		Locked:    big.NewInt(0),
	}}, nil
}

func (f *fakeLedger) SettleEntry(_ context.Context, userID string, roundID uint64) (*domain.LedgerEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, w := range f.wins {
		if w.UserID == userID && w.RoundID == roundID {
			return &domain.LedgerEntry{UserID: userID, OpType: domain.OpBetWin, Amount: w.Payout}, nil
		}
	}
	for _, l := range f.losses {
		if l.UserID == userID && l.RoundID == roundID {
			return &domain.LedgerEntry{UserID: userID, OpType: domain.OpBetLose, Amount: l.Stake}, nil
		}
	}
	return nil, nil
}

// fakeStore keeps rounds and bets in memory.
type fakeStore struct {
	mu      sync.Mutex
	nextID  uint64
	rounds  map[uint64]*domain.Round
	bets    map[uint64]map[string]*domain.Bet
	history []uint64
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		rounds: make(map[uint64]*domain.Round),
		bets:   make(map[uint64]map[string]*domain.Bet),
	}
}

func (f *fakeStore) InsertRound(_ context.Context, round *domain.Round) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	round.ID = f.nextID
	cp := *round
	f.rounds[round.ID] = &cp
	f.bets[round.ID] = make(map[string]*domain.Bet)
	return round.ID, nil
}

func (f *fakeStore) MarkRoundRunning(_ context.Context, id uint64, startedAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rounds[id].Status = domain.RoundRunning
	f.rounds[id].StartedAt = startedAt
	return nil
}

func (f *fakeStore) SettleRound(_ context.Context, round *domain.Round) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.rounds[round.ID]
	if !ok {
		cp := *round
		f.rounds[round.ID] = &cp
		if f.bets[round.ID] == nil {
			f.bets[round.ID] = make(map[string]*domain.Bet)
		}
		r = f.rounds[round.ID]
	}
	r.Status = domain.RoundSettled
	r.ServerSeed = round.ServerSeed
	r.CrashPointPPM = round.CrashPointPPM
	r.SettledAt = round.SettledAt
	f.history = append([]uint64{round.CrashPointPPM}, f.history...)
	return nil
}

func (f *fakeStore) UnsettledRounds(context.Context) ([]domain.Round, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Round
	for _, r := range f.rounds {
		if r.Status != domain.RoundSettled {
			out = append(out, *r)
		}
	}
	return out, nil
}

func (f *fakeStore) HalfSettledRounds(context.Context) ([]domain.Round, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Round
	for id, r := range f.rounds {
		if r.Status != domain.RoundSettled {
			continue
		}
		for _, b := range f.bets[id] {
			if b.Status == domain.BetActive {
				out = append(out, *r)
				break
			}
		}
	}
	return out, nil
}

func (f *fakeStore) RecentCrashPoints(_ context.Context, limit int) ([]uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.history) > limit {
		return append([]uint64(nil), f.history[:limit]...), nil
	}
	return append([]uint64(nil), f.history...), nil
}

func (f *fakeStore) InsertBet(_ context.Context, bet *domain.Bet) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *bet
	f.bets[bet.RoundID][bet.UserID] = &cp
	return nil
}

func (f *fakeStore) UpdateBetStatus(_ context.Context, roundID uint64, userID string, status domain.BetStatus, cashoutPPM uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	b := f.bets[roundID][userID]
	b.Status = status
	b.CashoutPPM = cashoutPPM
	return nil
}

func (f *fakeStore) RecordCashout(_ context.Context, roundID uint64, userID string, cashoutPPM uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bets[roundID][userID].CashoutPPM = cashoutPPM
	return nil
}

func (f *fakeStore) ActiveBets(_ context.Context, roundID uint64) ([]domain.Bet, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Bet
	for _, b := range f.bets[roundID] {
		if b.Status == domain.BetActive {
			out = append(out, *b)
		}
	}
	return out, nil
}

// fakeBus captures published events.
type fakeBus struct {
	mu     sync.Mutex
	events []domain.Event
}

func (f *fakeBus) Publish(ev domain.Event) {
	f.mu.Lock()
	f.events = append(f.events, ev)
	f.mu.Unlock()
}

func (f *fakeBus) named(name domain.EventName) []domain.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Event
	for _, ev := range f.events {
		if ev.Name == name {
			out = append(out, ev)
		}
	}
	return out
}

type testEnv struct {
	engine *Engine
	ledger *fakeLedger
	store  *fakeStore
	bus    *fakeBus
	gate   *solvency.Gate
	clock  time.Time
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	gate := solvency.NewGate(solvency.Policy{
		MaxLiabilityRatio:  0.8,
		EmergencyThreshold: 0.95,
		MinReserve:         big.NewInt(0),
		LiabilityCapPPM:    100_000_000,
	}, logger)
	// Plenty of headroom; solvency boundaries are tested in their own package.
	reserves, _ := new(big.Int).SetString("1000000000000000000000", 10)
	gate.SetReserves(reserves)

	env := &testEnv{
		ledger: &fakeLedger{failLock: make(map[string]error)},
		store:  newFakeStore(),
		bus:    &fakeBus{},
		gate:   gate,
		clock:  time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}

	cfg := Config{
		Fairness:        fairness.DefaultParams(),
		BettingDuration: 15 * time.Second,
		CashoutDuration: 3 * time.Second,
		CashoutBuffer:   24 * time.Millisecond,
		BetCooldown:     time.Second,
		RequestTimeout:  time.Second,
		MaxBetsPerRound: 500,
		MinBet:          big.NewInt(1000),
		MaxBet:          big.NewInt(1_000_000_000),
	}
	seeds := fairness.NewSeedSource(cfg.Fairness, "test-client-seed")
	env.engine = New(cfg, seeds, env.ledger, env.store, gate, env.bus,
		infra.NewMetrics(prometheus.NewRegistry()), logger)
	env.engine.setClock(func() time.Time { return env.clock })
	return env
}

// openBetting walks the engine into the betting phase with a fresh round and
// pins the crash point so outcomes are deterministic.
func (env *testEnv) openBetting(t *testing.T, crashPPM uint64) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, env.engine.enterCashout(ctx))
	env.engine.round.seed.CrashPointPPM = crashPPM
	require.NoError(t, env.engine.enterBetting(ctx))
}

// startRunning moves the engine from betting into the running phase.
func (env *testEnv) startRunning(t *testing.T) {
	t.Helper()
	require.NoError(t, env.engine.enterRunning(context.Background()))
}

func (env *testEnv) placeBet(user string, stake int64, autoPPM uint64, clientID string) betResponse {
	return env.engine.handlePlaceBet(context.Background(), PlaceBetParams{
		UserID:         user,
		Stake:          big.NewInt(stake),
		AutoCashoutPPM: autoPPM,
		ClientID:       clientID,
	})
}

func TestPlaceBet_ActiveDuringBetting(t *testing.T) {
	env := newTestEnv(t)
	env.openBetting(t, 3_500_000)

	resp := env.placeBet(alice, 10_000, 2_000_000, "bet-1")
	require.NoError(t, resp.err)
	assert.False(t, resp.result.Queued)
	assert.Equal(t, env.engine.round.id, resp.result.RoundID)

	require.Len(t, env.ledger.locks, 1)
	assert.Equal(t, alice, env.ledger.locks[0].UserID)
	assert.Equal(t, "bet-1", env.ledger.locks[0].ClientID)

	assert.Len(t, env.bus.named(domain.EvBetAccepted), 1)
	assert.Len(t, env.bus.named(domain.EvBalanceUpdate), 1)
	assert.Equal(t, 1, env.gate.Snapshot().ActiveUsers)
}

func TestPlaceBet_IdempotentReplay(t *testing.T) {
	env := newTestEnv(t)
	env.openBetting(t, 3_500_000)

	first := env.placeBet(alice, 10_000, 0, "bet-1")
	require.NoError(t, first.err)

	replay := env.placeBet(alice, 10_000, 0, "bet-1")
	require.NoError(t, replay.err)
	assert.Equal(t, first.result.RoundID, replay.result.RoundID)
	assert.Len(t, env.ledger.locks, 1, "no second lock for a replayed client id")
}

func TestPlaceBet_DuplicateRejected(t *testing.T) {
	env := newTestEnv(t)
	env.openBetting(t, 3_500_000)

	require.NoError(t, env.placeBet(alice, 10_000, 0, "bet-1").err)
	resp := env.placeBet(alice, 20_000, 0, "bet-2")
	assert.ErrorIs(t, resp.err, domain.ErrDuplicateBet())
}

func TestPlaceBet_Cooldown(t *testing.T) {
	env := newTestEnv(t)
	env.openBetting(t, 3_500_000)

	require.NoError(t, env.placeBet(alice, 10_000, 0, "bet-1").err)
	env.startRunning(t)

	// Crash the round; with the bet settled, a re-bet inside the cooldown
	// window is refused rather than treated as a duplicate.
	require.NoError(t, env.engine.settleAndRestart(context.Background()))

	resp := env.placeBet(alice, 10_000, 0, "bet-2")
	assert.ErrorIs(t, resp.err, domain.ErrCooldownActive())

	env.clock = env.clock.Add(1100 * time.Millisecond)
	next := env.placeBet(alice, 10_000, 0, "bet-3")
	require.NoError(t, next.err)
	assert.True(t, next.result.Queued, "cashout phase queues for the next round")
}

func TestPlaceBet_ValidationRejected(t *testing.T) {
	env := newTestEnv(t)
	env.openBetting(t, 3_500_000)

	assert.Error(t, env.placeBet("not-an-address", 10_000, 0, "c1").err)
	assert.Error(t, env.placeBet(alice, 10, 0, "c2").err)             // below min bet
	assert.Error(t, env.placeBet(alice, 10_000, 1_000_000, "c3").err) // 1.00x target
	assert.Error(t, env.placeBet(alice, 10_000, 0, "").err)           // missing client id
}

func TestPlaceBet_QueuedOutsideBetting(t *testing.T) {
	env := newTestEnv(t)
	env.openBetting(t, 3_500_000)
	env.startRunning(t)

	resp := env.placeBet(alice, 10_000, 0, "bet-1")
	require.NoError(t, resp.err)
	assert.True(t, resp.result.Queued)
	assert.Empty(t, env.ledger.locks, "no funds locked while queued")

	// Replay of the queued bet is idempotent too.
	replay := env.placeBet(alice, 10_000, 0, "bet-1")
	require.NoError(t, replay.err)
	assert.True(t, replay.result.Queued)
}

func TestFlushQueued_ActivatesOnNextRound(t *testing.T) {
	env := newTestEnv(t)
	env.openBetting(t, 3_500_000)
	env.startRunning(t)

	require.NoError(t, env.placeBet(alice, 10_000, 0, "bet-1").err)
	env.ledger.failLock[bob] = domain.ErrInsufficientFunds()
	require.NoError(t, env.placeBet(bob, 10_000, 0, "bet-2").err)

	// Crash the round; queued bets flush into the next one.
	env.clock = env.clock.Add(time.Minute)
	require.NoError(t, env.engine.settleAndRestart(context.Background()))

	require.Len(t, env.ledger.locks, 1)
	assert.Equal(t, alice, env.ledger.locks[0].UserID)
	assert.Equal(t, env.engine.round.id, env.ledger.locks[0].RoundID)

	_, aliceActive := env.engine.round.bets[alice]
	assert.True(t, aliceActive)
	_, bobActive := env.engine.round.bets[bob]
	assert.False(t, bobActive, "insufficient funds at flush drops the bet")

	rejected := env.bus.named(domain.EvBetRejected)
	require.Len(t, rejected, 1)
	assert.Equal(t, bob, rejected[0].UserID)
}

func TestFlushQueued_CashoutPhaseQueueActivatesWhenBettingOpens(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	require.NoError(t, env.engine.enterCashout(ctx))

	// Queued during the pause between rounds.
	resp := env.placeBet(alice, 10_000, 0, "bet-1")
	require.NoError(t, resp.err)
	require.True(t, resp.result.Queued)
	assert.Empty(t, env.ledger.locks)

	// The very next betting window locks it in, not the one after.
	require.NoError(t, env.engine.enterBetting(ctx))

	require.Len(t, env.ledger.locks, 1)
	assert.Equal(t, alice, env.ledger.locks[0].UserID)
	_, active := env.engine.round.bets[alice]
	assert.True(t, active)
	assert.Empty(t, env.engine.queued)
}

func TestCashOut_Succeeds(t *testing.T) {
	env := newTestEnv(t)
	env.openBetting(t, 3_500_000)
	require.NoError(t, env.placeBet(alice, 10_000, 0, "bet-1").err)
	env.startRunning(t)

	// ~2.00x is well clear of the 3.50x crash point.
	elapsed := fairness.TimeAt(2.0)
	env.clock = env.clock.Add(elapsed)

	resp := env.engine.handleCashOut(context.Background(), alice)
	require.NoError(t, resp.err)

	wantPPM := fairness.MultiplierPPM(elapsed)
	assert.Equal(t, wantPPM, resp.result.MultiplierPPM)

	lb := env.engine.round.bets[alice]
	wantPayout := lb.bet.Payout(wantPPM)
	assert.Zero(t, resp.result.Payout.Cmp(wantPayout))
	assert.True(t, lb.cashedOut)

	assert.Len(t, env.bus.named(domain.EvCashoutSuccess), 1)
	assert.Empty(t, env.ledger.wins, "ledger settles at round end, not at cashout")
}

func TestCashOut_PersistsDecisionOnBetRow(t *testing.T) {
	env := newTestEnv(t)
	env.openBetting(t, 3_500_000)
	require.NoError(t, env.placeBet(alice, 10_000, 0, "bet-1").err)
	roundID := env.engine.round.id
	env.startRunning(t)

	env.clock = env.clock.Add(fairness.TimeAt(1.5))
	resp := env.engine.handleCashOut(context.Background(), alice)
	require.NoError(t, resp.err)

	// The multiplier is on disk while the bet stays active, so a process
	// crash before settlement cannot turn the cashout into a loss.
	bet := env.store.bets[roundID][alice]
	assert.Equal(t, resp.result.MultiplierPPM, bet.CashoutPPM)
	assert.Equal(t, domain.BetActive, bet.Status)
}

func TestCashOut_DuplicateReturnsOriginalDecision(t *testing.T) {
	env := newTestEnv(t)
	env.openBetting(t, 3_500_000)
	require.NoError(t, env.placeBet(alice, 10_000, 0, "bet-1").err)
	env.startRunning(t)

	env.clock = env.clock.Add(fairness.TimeAt(1.5))
	first := env.engine.handleCashOut(context.Background(), alice)
	require.NoError(t, first.err)

	// Later repeat returns the recorded multiplier, not the current one.
	env.clock = env.clock.Add(2 * time.Second)
	second := env.engine.handleCashOut(context.Background(), alice)
	require.NoError(t, second.err)
	assert.Equal(t, first.result.MultiplierPPM, second.result.MultiplierPPM)
	assert.Zero(t, first.result.Payout.Cmp(second.result.Payout))
}

func TestCashOut_TooLateInsideBuffer(t *testing.T) {
	env := newTestEnv(t)
	env.openBetting(t, 2_000_000)
	require.NoError(t, env.placeBet(alice, 10_000, 0, "bet-1").err)
	env.startRunning(t)

	// Sit just under the crash point, inside the epsilon window: m(now) < 2.00
	// but m(now + buffer) rounds to 2.00.
	env.clock = env.clock.Add(fairness.TimeAt(1.9999))

	resp := env.engine.handleCashOut(context.Background(), alice)
	assert.ErrorIs(t, resp.err, domain.ErrCashoutTooLate())
	assert.Len(t, env.bus.named(domain.EvCashoutError), 1)
}

func TestCashOut_WrongPhase(t *testing.T) {
	env := newTestEnv(t)
	env.openBetting(t, 3_500_000)
	require.NoError(t, env.placeBet(alice, 10_000, 0, "bet-1").err)

	resp := env.engine.handleCashOut(context.Background(), alice)
	assert.ErrorIs(t, resp.err, domain.ErrNotInRunningPhase())
}

func TestCashOut_NoActiveBet(t *testing.T) {
	env := newTestEnv(t)
	env.openBetting(t, 3_500_000)
	env.startRunning(t)

	resp := env.engine.handleCashOut(context.Background(), alice)
	assert.ErrorIs(t, resp.err, domain.ErrNoActiveBet())
}

func TestSettle_AutoCashoutWinsBelowCrash(t *testing.T) {
	env := newTestEnv(t)
	env.openBetting(t, 3_500_000)
	require.NoError(t, env.placeBet(alice, 10_000, 2_000_000, "bet-1").err)
	roundID := env.engine.round.id
	env.startRunning(t)

	env.clock = env.clock.Add(time.Minute)
	require.NoError(t, env.engine.settleAndRestart(context.Background()))

	require.Len(t, env.ledger.wins, 1)
	assert.Equal(t, alice, env.ledger.wins[0].UserID)
	// 10000 × 2.00 = 20000.
	assert.Equal(t, int64(20_000), env.ledger.wins[0].Payout.Int64())

	assert.Equal(t, domain.BetWon, env.store.bets[roundID][alice].Status)
	assert.Equal(t, uint64(2_000_000), env.store.bets[roundID][alice].CashoutPPM)
	assert.Equal(t, domain.RoundSettled, env.store.rounds[roundID].Status)
	assert.NotEmpty(t, env.store.rounds[roundID].ServerSeed)

	// Auto-cashout winners hear about it at settlement.
	assert.Len(t, env.bus.named(domain.EvCashoutSuccess), 1)
	assert.Len(t, env.bus.named(domain.EvRoundReveal), 1)
	assert.Equal(t, 0, env.gate.Snapshot().ActiveUsers)
}

func TestSettle_AutoCashoutAtCrashLoses(t *testing.T) {
	env := newTestEnv(t)
	env.openBetting(t, 2_340_000)
	require.NoError(t, env.placeBet(alice, 10_000, 2_340_000, "bet-1").err)
	roundID := env.engine.round.id
	env.startRunning(t)

	env.clock = env.clock.Add(time.Minute)
	require.NoError(t, env.engine.settleAndRestart(context.Background()))

	assert.Empty(t, env.ledger.wins)
	require.Len(t, env.ledger.losses, 1)
	assert.Equal(t, domain.BetLost, env.store.bets[roundID][alice].Status)
}

func TestSettle_TargetAboveCrashLoses(t *testing.T) {
	env := newTestEnv(t)
	env.openBetting(t, 2_340_000)
	require.NoError(t, env.placeBet(alice, 10_000, 10_000_000, "bet-1").err)
	roundID := env.engine.round.id
	env.startRunning(t)

	env.clock = env.clock.Add(time.Minute)
	require.NoError(t, env.engine.settleAndRestart(context.Background()))

	assert.Empty(t, env.ledger.wins)
	require.Len(t, env.ledger.losses, 1)
	assert.Equal(t, alice, env.ledger.losses[0].UserID)
	assert.Equal(t, domain.BetLost, env.store.bets[roundID][alice].Status)
}

func TestSettle_ManualCashoutWinsAtRecordedMultiplier(t *testing.T) {
	env := newTestEnv(t)
	env.openBetting(t, 3_500_000)
	require.NoError(t, env.placeBet(alice, 10_000, 0, "bet-1").err)
	roundID := env.engine.round.id
	env.startRunning(t)

	env.clock = env.clock.Add(fairness.TimeAt(1.5))
	cashed := env.engine.handleCashOut(context.Background(), alice)
	require.NoError(t, cashed.err)

	env.clock = env.clock.Add(time.Minute)
	require.NoError(t, env.engine.settleAndRestart(context.Background()))

	require.Len(t, env.ledger.wins, 1)
	assert.Zero(t, env.ledger.wins[0].Payout.Cmp(cashed.result.Payout))
	assert.Equal(t, domain.BetWon, env.store.bets[roundID][alice].Status)
	assert.Equal(t, cashed.result.MultiplierPPM, env.store.bets[roundID][alice].CashoutPPM)
}

func TestSettle_UpdatesHistory(t *testing.T) {
	env := newTestEnv(t)
	env.openBetting(t, 4_200_000)
	env.startRunning(t)

	env.clock = env.clock.Add(time.Minute)
	require.NoError(t, env.engine.settleAndRestart(context.Background()))

	state := env.engine.Snapshot()
	require.NotEmpty(t, state.CrashHistory)
	assert.Equal(t, uint64(4_200_000), state.CrashHistory[0])
	assert.Len(t, env.bus.named(domain.EvCrashHistory), 1)
}

func TestPlaceBet_RoundCap(t *testing.T) {
	env := newTestEnv(t)
	env.engine.cfg.MaxBetsPerRound = 1
	env.openBetting(t, 3_500_000)

	require.NoError(t, env.placeBet(alice, 10_000, 0, "bet-1").err)
	resp := env.placeBet(bob, 10_000, 0, "bet-2")
	assert.ErrorIs(t, resp.err, domain.ErrSolvencyRejected(""))
}

func TestRecover_ReplaysHalfSettledRound(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	// A settled round left an active bet behind: the process died between the
	// round flip and the bet settlement.
	now := env.clock
	round := &domain.Round{
		CommitHash: "c",
		ServerSeed: "s",
		ClientSeed: "test-client-seed",
		Nonce:      1,
		Status:     domain.RoundPending,
	}
	id, err := env.store.InsertRound(ctx, round)
	require.NoError(t, err)
	round.CrashPointPPM = 3_000_000
	round.Status = domain.RoundSettled
	round.SettledAt = &now
	require.NoError(t, env.store.SettleRound(ctx, round))
	require.NoError(t, env.store.InsertBet(ctx, &domain.Bet{
		RoundID:        id,
		UserID:         alice,
		Stake:          big.NewInt(10_000),
		AutoCashoutPPM: 2_000_000,
		Status:         domain.BetActive,
	}))

	require.NoError(t, env.engine.recover(ctx))

	require.Len(t, env.ledger.wins, 1)
	assert.Equal(t, int64(20_000), env.ledger.wins[0].Payout.Int64())
	assert.Equal(t, domain.BetWon, env.store.bets[id][alice].Status)
}

func TestRecover_HonorsRecordedCashout(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	now := env.clock
	round := &domain.Round{
		CommitHash: "c",
		ServerSeed: "s",
		ClientSeed: "test-client-seed",
		Nonce:      2,
		Status:     domain.RoundPending,
	}
	id, err := env.store.InsertRound(ctx, round)
	require.NoError(t, err)
	round.CrashPointPPM = 3_000_000
	round.Status = domain.RoundSettled
	round.SettledAt = &now
	require.NoError(t, env.store.SettleRound(ctx, round))

	// Manual bet that cashed out at 1.50x; the process died before settling.
	require.NoError(t, env.store.InsertBet(ctx, &domain.Bet{
		RoundID:    id,
		UserID:     alice,
		Stake:      big.NewInt(10_000),
		Status:     domain.BetActive,
		CashoutPPM: 1_500_000,
	}))

	require.NoError(t, env.engine.recover(ctx))

	require.Len(t, env.ledger.wins, 1)
	assert.Equal(t, int64(15_000), env.ledger.wins[0].Payout.Int64())
	assert.Equal(t, domain.BetWon, env.store.bets[id][alice].Status)
	assert.Equal(t, uint64(1_500_000), env.store.bets[id][alice].CashoutPPM)
}

func TestRecover_RepairsBetRowWhenLedgerAlreadySettled(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	now := env.clock
	round := &domain.Round{
		CommitHash: "c",
		ServerSeed: "s",
		ClientSeed: "test-client-seed",
		Nonce:      3,
		Status:     domain.RoundPending,
	}
	id, err := env.store.InsertRound(ctx, round)
	require.NoError(t, err)
	round.CrashPointPPM = 3_000_000
	round.Status = domain.RoundSettled
	round.SettledAt = &now
	require.NoError(t, env.store.SettleRound(ctx, round))

	// The crash landed between the ledger settle and the bet-status write:
	// alice's win and bob's loss are committed, both rows still active.
	require.NoError(t, env.store.InsertBet(ctx, &domain.Bet{
		RoundID: id, UserID: alice, Stake: big.NewInt(10_000),
		AutoCashoutPPM: 2_000_000, Status: domain.BetActive,
	}))
	require.NoError(t, env.store.InsertBet(ctx, &domain.Bet{
		RoundID: id, UserID: bob, Stake: big.NewInt(10_000),
		Status: domain.BetActive,
	}))
	env.ledger.wins = append(env.ledger.wins, ledger.SettleWinParams{
		UserID: alice, Stake: big.NewInt(10_000), Payout: big.NewInt(20_000), RoundID: id,
	})
	env.ledger.losses = append(env.ledger.losses, ledger.SettleLoseParams{
		UserID: bob, Stake: big.NewInt(10_000), RoundID: id,
	})

	require.NoError(t, env.engine.recover(ctx))

	// No second settle of either bet; the rows are repaired from the entries.
	assert.Len(t, env.ledger.wins, 1)
	assert.Len(t, env.ledger.losses, 1)
	assert.Equal(t, domain.BetWon, env.store.bets[id][alice].Status)
	assert.Equal(t, uint64(2_000_000), env.store.bets[id][alice].CashoutPPM)
	assert.Equal(t, domain.BetLost, env.store.bets[id][bob].Status)
}

func TestEnterCashout_PrunesStaleCooldowns(t *testing.T) {
	env := newTestEnv(t)
	env.openBetting(t, 3_500_000)
	require.NoError(t, env.placeBet(alice, 10_000, 0, "bet-1").err)
	env.startRunning(t)

	env.clock = env.clock.Add(time.Minute)
	require.NoError(t, env.engine.settleAndRestart(context.Background()))

	env.engine.mu.RLock()
	defer env.engine.mu.RUnlock()
	assert.Empty(t, env.engine.lastBetAt, "expired cooldown entries are dropped")
}

func TestRecover_SettlesAbandonedRound(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	seed, err := fairness.GenerateServerSeed()
	require.NoError(t, err)
	wantCrash, err := fairness.CrashPointPPM(fairness.DefaultParams(), seed, "test-client-seed", 9)
	require.NoError(t, err)

	round := &domain.Round{
		CommitHash: "c",
		ServerSeed: seed,
		ClientSeed: "test-client-seed",
		Nonce:      9,
		Status:     domain.RoundRunning,
	}
	id, err := env.store.InsertRound(ctx, round)
	require.NoError(t, err)
	require.NoError(t, env.store.InsertBet(ctx, &domain.Bet{
		RoundID: id,
		UserID:  bob,
		Stake:   big.NewInt(10_000),
		Status:  domain.BetActive, // manual bet, decision lost with the process
	}))

	require.NoError(t, env.engine.recover(ctx))

	assert.Equal(t, domain.RoundSettled, env.store.rounds[id].Status)
	assert.Equal(t, wantCrash, env.store.rounds[id].CrashPointPPM)

	// Without a recorded cashout the manual bet settles as a loss.
	require.Len(t, env.ledger.losses, 1)
	assert.Equal(t, domain.BetLost, env.store.bets[id][bob].Status)
}

func TestTick_CrashesWhenBufferedMultiplierReachesCrashPoint(t *testing.T) {
	env := newTestEnv(t)
	env.openBetting(t, 2_000_000)
	env.startRunning(t)
	firstRound := env.engine.round.id

	// Just before the crash point nothing happens.
	env.clock = env.clock.Add(fairness.TimeAt(1.90))
	require.NoError(t, env.engine.tick(context.Background()))
	assert.Equal(t, domain.PhaseRunning, env.engine.phase)

	// Past it the round settles and the next cashout phase opens.
	env.clock = env.clock.Add(5 * time.Second)
	require.NoError(t, env.engine.tick(context.Background()))
	assert.Equal(t, domain.PhaseCashout, env.engine.phase)
	assert.Greater(t, env.engine.round.id, firstRound)
}

func TestRun_ServesRequestsThroughChannels(t *testing.T) {
	env := newTestEnv(t)
	env.engine.setClock(time.Now)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- env.engine.Run(ctx) }()

	// Wait for the boot sequence to open the first phase.
	require.Eventually(t, func() bool {
		return env.engine.Snapshot().RoundID != 0
	}, 2*time.Second, 10*time.Millisecond)

	// Whatever the phase, the request is answered rather than timing out.
	_, err := env.engine.PlaceBet(ctx, PlaceBetParams{
		UserID:   carol,
		Stake:    big.NewInt(10_000),
		ClientID: "run-1",
	})
	if err != nil {
		assert.NotErrorIs(t, err, domain.ErrTimeout())
	}

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}
