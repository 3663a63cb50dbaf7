package engine

import (
	"context"
	"errors"
	"math/big"
	"time"

	"github.com/blastoff/crash-engine/internal/domain"
	"github.com/blastoff/crash-engine/internal/ledger"
)

// PlaceBetParams is a wager request.
type PlaceBetParams struct {
	UserID         string
	Stake          *big.Int
	AutoCashoutPPM uint64
	ClientID       string
}

// PlaceBetResult reports how the wager was taken in.
type PlaceBetResult struct {
	Queued  bool
	RoundID uint64 // 0 when queued
}

type betRequest struct {
	params PlaceBetParams
	resp   chan betResponse
}

type betResponse struct {
	result *PlaceBetResult
	err    error
}

// PlaceBet submits a wager to the engine loop and waits for its decision,
// bounded by the request timeout.
func (e *Engine) PlaceBet(ctx context.Context, params PlaceBetParams) (*PlaceBetResult, error) {
	req := &betRequest{params: params, resp: make(chan betResponse, 1)}
	timer := time.NewTimer(e.cfg.RequestTimeout)
	defer timer.Stop()

	select {
	case e.betCh <- req:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, domain.ErrTimeout()
	}
	select {
	case r := <-req.resp:
		return r.result, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, domain.ErrTimeout()
	}
}

// handlePlaceBet runs on the engine goroutine.
func (e *Engine) handlePlaceBet(ctx context.Context, p PlaceBetParams) betResponse {
	if err := e.validateBet(p); err != nil {
		e.metrics.BetsRejected.WithLabelValues(rejectionReason(err)).Inc()
		return betResponse{err: err}
	}

	// Idempotent replay: the same client id returns the original decision.
	if lb, ok := e.round.bets[p.UserID]; ok {
		if lb.clientID == p.ClientID {
			return betResponse{result: &PlaceBetResult{RoundID: e.round.id}}
		}
		return e.rejectBet(p, domain.ErrDuplicateBet())
	}
	if qb, ok := e.queued[p.UserID]; ok {
		if qb.clientID == p.ClientID {
			return betResponse{result: &PlaceBetResult{Queued: true}}
		}
		return e.rejectBet(p, domain.ErrDuplicateBet())
	}

	now := e.now()
	if last, ok := e.lastBetAt[p.UserID]; ok && now.Sub(last) < e.cfg.BetCooldown {
		return e.rejectBet(p, domain.ErrCooldownActive())
	}

	if e.phase != domain.PhaseBetting {
		// Queue for the next round; funds are locked at the flush.
		e.mu.Lock()
		e.queued[p.UserID] = &queuedBet{
			bet: domain.Bet{
				UserID:         p.UserID,
				Stake:          new(big.Int).Set(p.Stake),
				AutoCashoutPPM: p.AutoCashoutPPM,
				Status:         domain.BetQueued,
				CreatedAt:      now,
			},
			clientID: p.ClientID,
		}
		e.lastBetAt[p.UserID] = now
		e.mu.Unlock()

		e.metrics.BetsQueued.Inc()
		e.bus.Publish(domain.NewEvent(domain.EvBetAccepted, p.UserID, domain.BetAcceptedData{
			StakeWei: p.Stake.String(),
			Queued:   true,
			ClientID: p.ClientID,
		}))
		e.publishLiveBets()
		return betResponse{result: &PlaceBetResult{Queued: true}}
	}

	if len(e.round.bets) >= e.cfg.MaxBetsPerRound {
		return e.rejectBet(p, domain.ErrSolvencyRejected("round bet cap reached"))
	}

	if err := e.activateBet(ctx, p); err != nil {
		return e.rejectBet(p, err)
	}
	e.lastBetAt[p.UserID] = now
	e.metrics.BetsPlaced.Inc()
	e.publishLiveBets()
	return betResponse{result: &PlaceBetResult{RoundID: e.round.id}}
}

func (e *Engine) validateBet(p PlaceBetParams) error {
	if err := domain.ValidateAddress(p.UserID); err != nil {
		return err
	}
	if err := domain.ValidateStake(p.Stake, e.cfg.MinBet, e.cfg.MaxBet); err != nil {
		return err
	}
	if err := domain.ValidateAutoCashout(p.AutoCashoutPPM); err != nil {
		return err
	}
	return domain.ValidateClientID(p.ClientID)
}

// activateBet admits, locks funds and records an active bet on the current
// round. Called during the betting phase and at the queued-bet flush.
func (e *Engine) activateBet(ctx context.Context, p PlaceBetParams) error {
	if err := e.gate.CanAccept(p.UserID, p.Stake, p.AutoCashoutPPM); err != nil {
		return err
	}

	res, err := e.ledger.LockBet(ctx, ledger.LockBetParams{
		UserID:   p.UserID,
		Amount:   p.Stake,
		RoundID:  e.round.id,
		ClientID: p.ClientID,
	})
	if err != nil {
		return err
	}

	bet := domain.Bet{
		RoundID:        e.round.id,
		UserID:         p.UserID,
		Stake:          new(big.Int).Set(p.Stake),
		AutoCashoutPPM: p.AutoCashoutPPM,
		Status:         domain.BetActive,
		CreatedAt:      e.now(),
	}
	if err := e.store.InsertBet(ctx, &bet); err != nil {
		return err
	}

	e.gate.AddLiability(p.UserID, p.Stake, p.AutoCashoutPPM)
	e.updateSolvencyGauges()

	e.mu.Lock()
	e.round.bets[p.UserID] = &liveBet{bet: bet, clientID: p.ClientID}
	e.mu.Unlock()

	e.bus.Publish(domain.NewEvent(domain.EvBetAccepted, p.UserID, domain.BetAcceptedData{
		RoundID:  e.round.id,
		StakeWei: p.Stake.String(),
		ClientID: p.ClientID,
	}))
	e.publishBalance(p.UserID, res.Account)
	return nil
}

// rejectBet notifies the player and counts the rejection.
func (e *Engine) rejectBet(p PlaceBetParams, err error) betResponse {
	e.metrics.BetsRejected.WithLabelValues(rejectionReason(err)).Inc()
	e.bus.Publish(domain.NewEvent(domain.EvBetRejected, p.UserID, domain.BetRejectedData{
		Reason:   rejectionReason(err),
		ClientID: p.ClientID,
	}))
	return betResponse{err: err}
}

// flushQueued re-validates and locks every queued bet against the new round.
func (e *Engine) flushQueued(ctx context.Context) {
	e.mu.Lock()
	pending := e.queued
	e.queued = make(map[string]*queuedBet)
	e.mu.Unlock()

	for _, qb := range pending {
		p := PlaceBetParams{
			UserID:         qb.bet.UserID,
			Stake:          qb.bet.Stake,
			AutoCashoutPPM: qb.bet.AutoCashoutPPM,
			ClientID:       qb.clientID,
		}
		if err := e.activateBet(ctx, p); err != nil {
			e.logger.Info("queued bet rejected at flush",
				"user", qb.bet.UserID, "error", err)
			e.metrics.BetsRejected.WithLabelValues(rejectionReason(err)).Inc()
			e.bus.Publish(domain.NewEvent(domain.EvBetRejected, qb.bet.UserID, domain.BetRejectedData{
				Reason:   rejectionReason(err),
				ClientID: qb.clientID,
			}))
			continue
		}
		e.metrics.BetsPlaced.Inc()
	}
	if len(pending) > 0 {
		e.publishLiveBets()
	}
}

func (e *Engine) publishBalance(userID string, acct *domain.Account) {
	if acct == nil {
		return
	}
	e.bus.Publish(domain.NewEvent(domain.EvBalanceUpdate, userID, domain.BalanceUpdateData{
		AvailableWei: acct.Available.String(),
		LockedWei:    acct.Locked.String(),
		Version:      acct.Version,
	}))
}

func (e *Engine) updateSolvencyGauges() {
	st := e.gate.Snapshot()
	if f, ok := new(big.Float).SetString(st.LiabilityWei); ok {
		v, _ := f.Float64()
		e.metrics.LiabilityWei.Set(v)
	}
	if f, ok := new(big.Float).SetString(st.UsableWei); ok {
		v, _ := f.Float64()
		e.metrics.ReservesWei.Set(v)
	}
	if st.Emergency {
		e.metrics.EmergencyMode.Set(1)
	} else {
		e.metrics.EmergencyMode.Set(0)
	}
}

// rejectionReason maps a domain error to a stable reason code.
func rejectionReason(err error) string {
	var app *domain.AppError
	if errors.As(err, &app) {
		return app.Code
	}
	return "INTERNAL_ERROR"
}
