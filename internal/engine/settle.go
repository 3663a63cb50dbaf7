package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/blastoff/crash-engine/internal/domain"
	"github.com/blastoff/crash-engine/internal/fairness"
	"github.com/blastoff/crash-engine/internal/ledger"
)

// settleAndRestart ends the running round at its crash point, settles every
// bet, reveals the seed and opens the next cashout phase.
//
// The round row is flipped to settled before any bet settles; a crash between
// the two leaves active bets on a settled round, which recovery detects and
// replays. Ledger settle ops are idempotent per (user, round) so the replay
// cannot double-pay.
func (e *Engine) settleAndRestart(ctx context.Context) error {
	crash := e.round.seed.CrashPointPPM
	roundID := e.round.id
	now := e.now()

	e.bus.Publish(domain.NewEvent(domain.EvStopMultiplierCount, "", domain.StopMultiplierCountData{
		RoundID:       roundID,
		CrashPointPPM: crash,
	}))

	round := &domain.Round{
		ID:            roundID,
		CommitHash:    e.round.seed.CommitHash,
		ServerSeed:    e.round.seed.ServerSeed,
		ClientSeed:    e.round.seed.ClientSeed,
		Nonce:         e.round.seed.Nonce,
		CrashPointPPM: crash,
		Status:        domain.RoundSettled,
		SettledAt:     &now,
	}
	if err := e.store.SettleRound(ctx, round); err != nil {
		return err
	}

	for _, lb := range e.round.bets {
		if err := e.settleBet(ctx, roundID, crash, lb); err != nil {
			// Keep going; recovery replays whatever is left on restart.
			e.logger.Error("bet settlement failed",
				"round", roundID, "user", lb.bet.UserID, "error", err)
		}
		e.gate.ReleaseLiability(lb.bet.UserID)
	}
	e.updateSolvencyGauges()

	e.bus.Publish(domain.NewEvent(domain.EvRoundReveal, "", domain.RoundRevealData{
		RoundID:       roundID,
		ServerSeed:    round.ServerSeed,
		CommitHash:    round.CommitHash,
		CrashPointPPM: crash,
	}))

	e.mu.Lock()
	e.history = append([]uint64{crash}, e.history...)
	if len(e.history) > e.cfg.HistorySize {
		e.history = e.history[:e.cfg.HistorySize]
	}
	history := append([]uint64(nil), e.history...)
	e.mu.Unlock()

	e.bus.Publish(domain.NewEvent(domain.EvCrashHistory, "",
		domain.CrashHistoryData{Recent: history}))

	e.metrics.RoundsSettled.Inc()
	e.metrics.CrashPoints.Observe(float64(crash) / fairness.PPM)
	e.logger.Info("round settled",
		"round", roundID, "crash_ppm", crash, "bets", len(e.round.bets))

	return e.enterCashout(ctx)
}

// winMultiplier decides the winning multiplier for a bet at settlement, 0 for
// a loss. A manual cashout wins at its recorded multiplier; otherwise an
// auto-cashout strictly below the crash point wins at its target. Everything
// else loses, including an auto-cashout at exactly the crash point.
func winMultiplier(lb *liveBet, crashPPM uint64) uint64 {
	switch {
	case lb.cashedOut:
		return lb.cashoutPPM
	case lb.bet.AutoCashoutPPM > 0 && lb.bet.AutoCashoutPPM < crashPPM:
		return lb.bet.AutoCashoutPPM
	}
	return 0
}

// settleBet posts the ledger movement for one bet's outcome.
func (e *Engine) settleBet(ctx context.Context, roundID, crashPPM uint64, lb *liveBet) error {
	winPPM := winMultiplier(lb, crashPPM)

	if winPPM > 0 {
		payout := lb.bet.Payout(winPPM)
		res, err := e.ledger.SettleWin(ctx, ledger.SettleWinParams{
			UserID:  lb.bet.UserID,
			Stake:   lb.bet.Stake,
			Payout:  payout,
			RoundID: roundID,
		})
		if err != nil {
			return err
		}
		if err := e.store.UpdateBetStatus(ctx, roundID, lb.bet.UserID, domain.BetWon, winPPM); err != nil {
			return err
		}
		if !lb.cashedOut {
			e.bus.Publish(domain.NewEvent(domain.EvCashoutSuccess, lb.bet.UserID, domain.CashoutSuccessData{
				RoundID:       roundID,
				MultiplierPPM: winPPM,
				PayoutWei:     payout.String(),
			}))
		}
		e.publishBalance(lb.bet.UserID, res.Account)
		return nil
	}

	res, err := e.ledger.SettleLose(ctx, ledger.SettleLoseParams{
		UserID:  lb.bet.UserID,
		Stake:   lb.bet.Stake,
		RoundID: roundID,
	})
	if err != nil {
		return err
	}
	if err := e.store.UpdateBetStatus(ctx, roundID, lb.bet.UserID, domain.BetLost, 0); err != nil {
		return err
	}
	e.publishBalance(lb.bet.UserID, res.Account)
	return nil
}

// recover completes settlement work interrupted by a process crash, before the
// phase loop starts. Manual cashouts are read back from the bet rows, so a
// replayed bet settles at the multiplier the player was promised.
func (e *Engine) recover(ctx context.Context) error {
	// Rounds that crashed mid-settle: round settled, some bets still active.
	half, err := e.store.HalfSettledRounds(ctx)
	if err != nil {
		return fmt.Errorf("recovery: %w", err)
	}
	for _, r := range half {
		if err := e.replaySettlement(ctx, &r, r.CrashPointPPM); err != nil {
			return err
		}
		e.logger.Info("replayed interrupted settlement", "round", r.ID)
	}

	// Rounds that never reached settlement: derive the crash point from the
	// stored seed and close them out.
	open, err := e.store.UnsettledRounds(ctx)
	if err != nil {
		return fmt.Errorf("recovery: %w", err)
	}
	for _, r := range open {
		crash, err := fairness.CrashPointPPM(e.cfg.Fairness, r.ServerSeed, r.ClientSeed, r.Nonce)
		if err != nil {
			return fmt.Errorf("recovery: round %d: %w", r.ID, err)
		}
		now := e.now()
		r.CrashPointPPM = crash
		r.Status = domain.RoundSettled
		r.SettledAt = &now
		if err := e.store.SettleRound(ctx, &r); err != nil {
			return err
		}
		if err := e.replaySettlement(ctx, &r, crash); err != nil {
			return err
		}
		e.logger.Info("settled abandoned round", "round", r.ID, "crash_ppm", crash)
	}
	return nil
}

// replaySettlement settles all still-active bets of a round.
func (e *Engine) replaySettlement(ctx context.Context, r *domain.Round, crashPPM uint64) error {
	bets, err := e.store.ActiveBets(ctx, r.ID)
	if err != nil {
		return fmt.Errorf("recovery: bets of round %d: %w", r.ID, err)
	}
	for i := range bets {
		lb := &liveBet{bet: bets[i]}
		if bets[i].CashoutPPM > 0 {
			lb.cashedOut = true
			lb.cashoutPPM = bets[i].CashoutPPM
		}

		// A crash between the ledger settle and the bet-status write leaves
		// the entry committed with the row still active. The entry's op type
		// is the authoritative outcome; repair the row instead of settling a
		// second time.
		entry, err := e.ledger.SettleEntry(ctx, bets[i].UserID, r.ID)
		if err != nil {
			return fmt.Errorf("recovery: settle entry round %d user %s: %w", r.ID, bets[i].UserID, err)
		}
		if entry != nil {
			status, ppm := domain.BetLost, uint64(0)
			if entry.OpType == domain.OpBetWin {
				status, ppm = domain.BetWon, winMultiplier(lb, crashPPM)
			}
			if err := e.store.UpdateBetStatus(ctx, r.ID, bets[i].UserID, status, ppm); err != nil {
				return fmt.Errorf("recovery: repair bet round %d user %s: %w", r.ID, bets[i].UserID, err)
			}
			continue
		}

		if err := e.settleBet(ctx, r.ID, crashPPM, lb); err != nil {
			return fmt.Errorf("recovery: settle round %d user %s: %w", r.ID, bets[i].UserID, err)
		}
	}
	return nil
}

// setClock is a test seam for driving phase transitions deterministically.
func (e *Engine) setClock(now func() time.Time) {
	e.now = now
}
