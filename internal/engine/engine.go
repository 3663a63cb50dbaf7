// Package engine runs the authoritative round state machine: the phase loop,
// bet intake and queueing, cashout arbitration and settlement. A single
// goroutine owns all round state; requests enter through bounded channels.
package engine

import (
	"context"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/blastoff/crash-engine/internal/domain"
	"github.com/blastoff/crash-engine/internal/fairness"
	"github.com/blastoff/crash-engine/internal/infra"
	"github.com/blastoff/crash-engine/internal/ledger"
	"github.com/blastoff/crash-engine/internal/solvency"
)

// Ledger is the balance surface the engine drives.
type Ledger interface {
	LockBet(ctx context.Context, params ledger.LockBetParams) (*domain.LedgerResult, error)
	SettleWin(ctx context.Context, params ledger.SettleWinParams) (*domain.LedgerResult, error)
	SettleLose(ctx context.Context, params ledger.SettleLoseParams) (*domain.LedgerResult, error)
	// SettleEntry reports the settle entry already recorded for the round,
	// win or lose, or nil. Recovery uses it to detect money that moved
	// before the process died.
	SettleEntry(ctx context.Context, userID string, roundID uint64) (*domain.LedgerEntry, error)
}

// Publisher is the fan-out surface. The bus assigns event ids.
type Publisher interface {
	Publish(ev domain.Event)
}

// Config fixes the engine's timing and limits.
type Config struct {
	Fairness        fairness.Params
	BettingDuration time.Duration
	CashoutDuration time.Duration
	CashoutBuffer   time.Duration
	BetCooldown     time.Duration
	RequestTimeout  time.Duration
	MaxBetsPerRound int
	MinBet          *big.Int
	MaxBet          *big.Int
	HistorySize     int
}

const (
	// tickPeriod drives phase checks. Phase logic only needs 1 Hz; the finer
	// tick keeps the crash decision within a few multiplier cents.
	tickPeriod = 250 * time.Millisecond

	defaultHistorySize = 25
)

// liveBet is an active bet plus its in-round cashout decision.
type liveBet struct {
	bet        domain.Bet
	clientID   string
	cashedOut  bool
	cashoutPPM uint64
	payout     *big.Int
}

// queuedBet waits for the next betting window; no funds are locked yet.
type queuedBet struct {
	bet      domain.Bet
	clientID string
}

// roundState is the in-memory view of the current round.
type roundState struct {
	id   uint64
	seed fairness.RoundSeed
	bets map[string]*liveBet
}

// Engine is the round state machine. Construct with New, then call Run on its
// own goroutine; PlaceBet and CashOut are safe from any goroutine.
type Engine struct {
	cfg     Config
	seeds   *fairness.SeedSource
	ledger  Ledger
	store   Store
	gate    *solvency.Gate
	bus     Publisher
	metrics *infra.Metrics
	logger  *slog.Logger
	now     func() time.Time

	betCh     chan *betRequest
	cashoutCh chan *cashoutRequest

	// mu guards the fields below. The run loop is the only writer; Snapshot
	// takes read locks from API goroutines.
	mu            sync.RWMutex
	phase         domain.Phase
	phaseStart    time.Time
	round         *roundState
	queued        map[string]*queuedBet
	lastBetAt     map[string]time.Time
	history       []uint64 // newest first, capped at HistorySize
	lastCountdown int64
}

// New wires an engine. The solvency gate is mutated only through this engine's
// intake and settle paths.
func New(cfg Config, seeds *fairness.SeedSource, led Ledger, store Store, gate *solvency.Gate, bus Publisher, metrics *infra.Metrics, logger *slog.Logger) *Engine {
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = defaultHistorySize
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 5 * time.Second
	}
	return &Engine{
		cfg:       cfg,
		seeds:     seeds,
		ledger:    led,
		store:     store,
		gate:      gate,
		bus:       bus,
		metrics:   metrics,
		logger:    logger,
		now:       time.Now,
		betCh:     make(chan *betRequest, 256),
		cashoutCh: make(chan *cashoutRequest, 256),
		queued:    make(map[string]*queuedBet),
		lastBetAt: make(map[string]time.Time),
	}
}

// Run drives the phase loop until the context is cancelled. It first completes
// any settlement interrupted by a previous crash of the process.
func (e *Engine) Run(ctx context.Context) error {
	if err := e.recover(ctx); err != nil {
		return err
	}
	e.loadHistory(ctx)

	if err := e.enterCashout(ctx); err != nil {
		return err
	}

	ticker := time.NewTicker(tickPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case req := <-e.betCh:
			req.resp <- e.handlePlaceBet(ctx, req.params)
		case req := <-e.cashoutCh:
			req.resp <- e.handleCashOut(ctx, req.userID)
		case <-ticker.C:
			if err := e.tick(ctx); err != nil {
				e.logger.Error("engine tick failed", "phase", e.phase, "error", err)
			}
		}
	}
}

// tick advances the phase machine when the current phase has run its course.
func (e *Engine) tick(ctx context.Context) error {
	now := e.now()
	elapsed := now.Sub(e.phaseStart)

	switch e.phase {
	case domain.PhaseCashout:
		if elapsed >= e.cfg.CashoutDuration {
			return e.enterBetting(ctx)
		}
	case domain.PhaseBetting:
		remaining := e.cfg.BettingDuration - elapsed
		if remaining <= 0 {
			return e.enterRunning(ctx)
		}
		e.emitCountdown(remaining)
	case domain.PhaseRunning:
		if fairness.BufferedPPM(elapsed, e.cfg.CashoutBuffer) >= e.round.seed.CrashPointPPM {
			return e.settleAndRestart(ctx)
		}
	}
	return nil
}

// emitCountdown broadcasts the betting countdown once per remaining second.
func (e *Engine) emitCountdown(remaining time.Duration) {
	secs := int64(remaining / time.Second)
	if secs == e.lastCountdown {
		return
	}
	e.lastCountdown = secs
	e.bus.Publish(domain.NewEvent(domain.EvBettingCountdown, "",
		domain.BettingCountdownData{RemainingSeconds: secs}))
}

// enterCashout opens the pause after a crash (and the initial state at boot):
// prepare the next round, publish nothing yet, then lock in queued bets so
// they ride the round that is about to open for betting.
func (e *Engine) enterCashout(ctx context.Context) error {
	seed, err := e.seeds.Next()
	if err != nil {
		return err
	}
	now := e.now()
	round := &domain.Round{
		CommitHash: seed.CommitHash,
		ServerSeed: seed.ServerSeed,
		ClientSeed: seed.ClientSeed,
		Nonce:      seed.Nonce,
		Status:     domain.RoundPending,
		StartedAt:  now,
	}
	id, err := e.store.InsertRound(ctx, round)
	if err != nil {
		return err
	}

	e.mu.Lock()
	e.phase = domain.PhaseCashout
	e.phaseStart = now
	e.round = &roundState{id: id, seed: seed, bets: make(map[string]*liveBet)}
	for user, at := range e.lastBetAt {
		if now.Sub(at) >= e.cfg.BetCooldown {
			delete(e.lastBetAt, user)
		}
	}
	e.mu.Unlock()

	e.flushQueued(ctx)
	return nil
}

// enterBetting opens the betting window on the prepared round. Bets queued
// during the cashout pause lock in here, not a round later.
func (e *Engine) enterBetting(ctx context.Context) error {
	e.mu.Lock()
	e.phase = domain.PhaseBetting
	e.phaseStart = e.now()
	e.lastCountdown = -1
	e.mu.Unlock()

	e.bus.Publish(domain.NewEvent(domain.EvStartBettingPhase, "", domain.StartBettingPhaseData{
		RoundID:    e.round.id,
		CommitHash: e.round.seed.CommitHash,
		ClientSeed: e.round.seed.ClientSeed,
		Nonce:      e.round.seed.Nonce,
	}))
	e.flushQueued(ctx)
	e.publishLiveBets()
	return nil
}

// enterRunning starts the multiplier count.
func (e *Engine) enterRunning(ctx context.Context) error {
	now := e.now()
	if err := e.store.MarkRoundRunning(ctx, e.round.id, now); err != nil {
		return err
	}

	e.mu.Lock()
	e.phase = domain.PhaseRunning
	e.phaseStart = now
	e.mu.Unlock()

	e.bus.Publish(domain.NewEvent(domain.EvStartMultiplierCount, "", domain.StartMultiplierCountData{
		RoundID:        e.round.id,
		PhaseStartTime: now,
	}))
	return nil
}

// publishLiveBets broadcasts the current live-bets table (active + queued).
func (e *Engine) publishLiveBets() {
	e.mu.RLock()
	bets := make([]domain.LiveBet, 0, len(e.round.bets)+len(e.queued))
	for _, lb := range e.round.bets {
		bets = append(bets, domain.LiveBet{
			UserID:         lb.bet.UserID,
			StakeWei:       lb.bet.Stake.String(),
			AutoCashoutPPM: lb.bet.AutoCashoutPPM,
			CashoutPPM:     lb.cashoutPPM,
		})
	}
	for _, qb := range e.queued {
		bets = append(bets, domain.LiveBet{
			UserID:   qb.bet.UserID,
			StakeWei: qb.bet.Stake.String(),
			Queued:   true,
		})
	}
	e.mu.RUnlock()

	e.bus.Publish(domain.NewEvent(domain.EvLiveBettingTable, "",
		domain.LiveBettingTableData{Bets: bets}))
}

// loadHistory warms the crash-history ring from settled rounds.
func (e *Engine) loadHistory(ctx context.Context) {
	points, err := e.store.RecentCrashPoints(ctx, e.cfg.HistorySize)
	if err != nil {
		e.logger.Warn("crash history unavailable at start", "error", err)
		return
	}
	e.mu.Lock()
	e.history = points
	e.mu.Unlock()
}

// Snapshot returns the public game state.
func (e *Engine) Snapshot() domain.GameState {
	e.mu.RLock()
	defer e.mu.RUnlock()

	now := e.now()
	var remaining time.Duration
	switch e.phase {
	case domain.PhaseCashout:
		remaining = e.cfg.CashoutDuration - now.Sub(e.phaseStart)
	case domain.PhaseBetting:
		remaining = e.cfg.BettingDuration - now.Sub(e.phaseStart)
	}
	if remaining < 0 {
		remaining = 0
	}

	state := domain.GameState{
		Phase:          e.phase,
		PhaseStartTime: e.phaseStart,
		RemainingMS:    remaining.Milliseconds(),
		CrashHistory:   append([]uint64(nil), e.history...),
	}
	if e.round != nil {
		state.RoundID = e.round.id
		state.CommitHash = e.round.seed.CommitHash
		state.ClientSeed = e.round.seed.ClientSeed
		state.Nonce = e.round.seed.Nonce
		for _, lb := range e.round.bets {
			state.LiveBets = append(state.LiveBets, domain.LiveBet{
				UserID:         lb.bet.UserID,
				StakeWei:       lb.bet.Stake.String(),
				AutoCashoutPPM: lb.bet.AutoCashoutPPM,
				CashoutPPM:     lb.cashoutPPM,
			})
		}
		for _, qb := range e.queued {
			state.LiveBets = append(state.LiveBets, domain.LiveBet{
				UserID:   qb.bet.UserID,
				StakeWei: qb.bet.Stake.String(),
				Queued:   true,
			})
		}
	}
	return state
}
