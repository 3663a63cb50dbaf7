package engine

import (
	"context"
	"math/big"
	"time"

	"github.com/blastoff/crash-engine/internal/domain"
	"github.com/blastoff/crash-engine/internal/fairness"
)

// CashOutResult is an accepted cashout decision.
type CashOutResult struct {
	RoundID       uint64
	MultiplierPPM uint64
	Payout        *big.Int
}

type cashoutRequest struct {
	userID string
	resp   chan cashoutResponse
}

type cashoutResponse struct {
	result *CashOutResult
	err    error
}

// CashOut submits a cashout to the engine loop and waits for its decision,
// bounded by the request timeout. A duplicate request for the same round
// returns the original decision.
func (e *Engine) CashOut(ctx context.Context, userID string) (*CashOutResult, error) {
	if err := domain.ValidateAddress(userID); err != nil {
		return nil, err
	}

	req := &cashoutRequest{userID: userID, resp: make(chan cashoutResponse, 1)}
	timer := time.NewTimer(e.cfg.RequestTimeout)
	defer timer.Stop()

	select {
	case e.cashoutCh <- req:
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

// handleCashOut runs on the engine goroutine. The multiplier is taken from the
// server's clock at arrival; the decision compares m(now + ε) against the
// crash point so a request that only wins inside the buffer is refused. The
// ledger settles at round end.
func (e *Engine) handleCashOut(ctx context.Context, userID string) cashoutResponse {
	if e.phase != domain.PhaseRunning {
		return e.rejectCashout(userID, domain.ErrNotInRunningPhase())
	}

	lb, ok := e.round.bets[userID]
	if !ok {
		return e.rejectCashout(userID, domain.ErrNoActiveBet())
	}
	if lb.cashedOut {
		return cashoutResponse{result: &CashOutResult{
			RoundID:       e.round.id,
			MultiplierPPM: lb.cashoutPPM,
			Payout:        new(big.Int).Set(lb.payout),
		}}
	}

	elapsed := e.now().Sub(e.phaseStart)
	if fairness.BufferedPPM(elapsed, e.cfg.CashoutBuffer) >= e.round.seed.CrashPointPPM {
		return e.rejectCashout(userID, domain.ErrCashoutTooLate())
	}

	mNow := fairness.MultiplierPPM(elapsed)
	payout := lb.bet.Payout(mNow)

	// Durable before acknowledged: a process crash after this write still
	// settles the bet as a win at mNow during recovery.
	if err := e.store.RecordCashout(ctx, e.round.id, userID, mNow); err != nil {
		e.logger.Error("cashout not recorded",
			"round", e.round.id, "user", userID, "error", err)
		return cashoutResponse{err: domain.ErrInternal("cashout not recorded, retry", err)}
	}

	e.mu.Lock()
	lb.cashedOut = true
	lb.cashoutPPM = mNow
	lb.payout = payout
	e.mu.Unlock()

	e.metrics.Cashouts.Inc()
	e.bus.Publish(domain.NewEvent(domain.EvCashoutSuccess, userID, domain.CashoutSuccessData{
		RoundID:       e.round.id,
		MultiplierPPM: mNow,
		PayoutWei:     payout.String(),
	}))
	e.publishLiveBets()

	return cashoutResponse{result: &CashOutResult{
		RoundID:       e.round.id,
		MultiplierPPM: mNow,
		Payout:        new(big.Int).Set(payout),
	}}
}

func (e *Engine) rejectCashout(userID string, err *domain.AppError) cashoutResponse {
	e.metrics.CashoutsRejected.WithLabelValues(err.Code).Inc()
	e.bus.Publish(domain.NewEvent(domain.EvCashoutError, userID,
		domain.CashoutErrorData{Reason: err.Code}))
	return cashoutResponse{err: err}
}
