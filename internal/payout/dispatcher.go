// Package payout submits on-chain transfers from the hot wallet. The ledger
// debit always precedes submission; a failed payout is recorded and retried,
// never auto re-credited.
package payout

import (
	"context"
	"log/slog"
	"math/big"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/blastoff/crash-engine/internal/chain"
	"github.com/blastoff/crash-engine/internal/domain"
	"github.com/blastoff/crash-engine/internal/infra"
	"github.com/blastoff/crash-engine/internal/ledger"
	"github.com/blastoff/crash-engine/internal/repository"
	"github.com/blastoff/crash-engine/internal/solvency"
)

// WithdrawLedger is the debit surface; *ledger.Engine satisfies it.
type WithdrawLedger interface {
	Withdraw(ctx context.Context, params ledger.WithdrawParams) (*domain.LedgerResult, error)
}

// Publisher pushes payout outcomes to the owning player.
type Publisher interface {
	Publish(ev domain.Event)
}

// Config fixes dispatch behaviour.
type Config struct {
	HotWalletAddress   string
	HouseWalletAddress string
	MinReserve         *big.Int
	Interval           time.Duration
	MaxAttempts        int
}

// Dispatcher drains pending payouts onto the chain and keeps the solvency
// gate's reserve reading fresh.
type Dispatcher struct {
	cfg     Config
	client  chain.Client
	house   chain.Client // signs house→hot top-ups; nil when not configured
	ledger  WithdrawLedger
	pool    *pgxpool.Pool
	payouts repository.PayoutRepository
	gate    *solvency.Gate
	bus     Publisher
	metrics *infra.Metrics
	logger  *slog.Logger
}

// New wires a dispatcher. house may be nil; top-ups are then skipped.
func New(cfg Config, client, house chain.Client, led WithdrawLedger, pool *pgxpool.Pool, payouts repository.PayoutRepository, gate *solvency.Gate, bus Publisher, metrics *infra.Metrics, logger *slog.Logger) *Dispatcher {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	return &Dispatcher{
		cfg:     cfg,
		client:  client,
		house:   house,
		ledger:  led,
		pool:    pool,
		payouts: payouts,
		gate:    gate,
		bus:     bus,
		metrics: metrics,
		logger:  logger,
	}
}

// Enqueue debits the player and queues the on-chain transfer. The debit is
// idempotent on clientID, so a repeated request cannot double-spend; only the
// first call inserts a payout row.
func (d *Dispatcher) Enqueue(ctx context.Context, userID string, amount *big.Int, clientID string) (*domain.Payout, error) {
	id := uuid.NewString()
	res, err := d.ledger.Withdraw(ctx, ledger.WithdrawParams{
		UserID:   userID,
		Amount:   amount,
		ClientID: clientID,
		PayoutID: id,
	})
	if err != nil {
		return nil, err
	}
	if res.Idempotent {
		return nil, domain.ErrInvalidInput("client_id", "withdrawal already submitted")
	}

	p := &domain.Payout{
		ID:     id,
		UserID: userID,
		Amount: new(big.Int).Set(amount),
		Status: domain.PayoutPending,
	}
	if err := d.payouts.Insert(ctx, d.pool, p); err != nil {
		// The debit is committed; the payout row is the recovery record.
		// Surface loudly so an operator reconciles by adjustment.
		d.logger.Error("payout row insert failed after debit",
			"payout", id, "user", userID, "error", err)
		return nil, domain.ErrPayoutFailed("payout could not be queued; contact support")
	}
	return p, nil
}

// Run drains pending payouts and refreshes reserves until cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			d.RefreshReserves(ctx)
			if err := d.DispatchPending(ctx); err != nil {
				d.logger.Warn("payout dispatch pass failed", "error", err)
			}
		}
	}
}

// RefreshReserves reads the hot wallet balance into the solvency gate and
// tops it up from the house wallet when it falls below the minimum reserve.
func (d *Dispatcher) RefreshReserves(ctx context.Context) {
	bal, err := d.client.Balance(ctx, d.cfg.HotWalletAddress)
	if err != nil {
		d.logger.Warn("hot wallet balance unavailable", "error", err)
		return
	}
	d.gate.SetReserves(bal)

	if d.house == nil || d.cfg.MinReserve == nil || bal.Cmp(d.cfg.MinReserve) >= 0 {
		return
	}
	// Top up to twice the minimum so the next few payouts clear without
	// another house transfer.
	target := new(big.Int).Mul(d.cfg.MinReserve, big.NewInt(2))
	amount := new(big.Int).Sub(target, bal)
	txHash, err := d.house.Send(ctx, d.cfg.HotWalletAddress, amount)
	if err != nil {
		d.logger.Error("house to hot top-up failed",
			"amount_wei", amount.String(), "error", err)
		return
	}
	d.logger.Info("house to hot top-up submitted",
		"amount_wei", amount.String(), "tx", txHash)
}

// DispatchPending submits every pending payout once.
func (d *Dispatcher) DispatchPending(ctx context.Context) error {
	pending, err := d.payouts.ListPending(ctx, d.pool, 50)
	if err != nil {
		return err
	}
	for i := range pending {
		d.dispatch(ctx, &pending[i])
	}
	return nil
}

func (d *Dispatcher) dispatch(ctx context.Context, p *domain.Payout) {
	txHash, err := d.client.Send(ctx, p.UserID, p.Amount)
	if err != nil {
		d.metrics.PayoutsFailed.Inc()
		if p.Attempts+1 >= d.cfg.MaxAttempts {
			if mErr := d.payouts.MarkFailed(ctx, d.pool, p.ID, err.Error()); mErr != nil {
				d.logger.Error("mark payout failed", "payout", p.ID, "error", mErr)
			}
			d.logger.Error("payout failed terminally",
				"payout", p.ID, "user", p.UserID, "attempts", p.Attempts+1, "error", err)
			d.bus.Publish(domain.NewEvent(domain.EvPayoutFailed, p.UserID, domain.PayoutFailedData{
				PayoutID: p.ID,
				Reason:   "PAYOUT_FAILED",
			}))
			return
		}
		if mErr := d.payouts.MarkRetry(ctx, d.pool, p.ID, err.Error()); mErr != nil {
			d.logger.Error("mark payout retry", "payout", p.ID, "error", mErr)
		}
		d.logger.Warn("payout submission failed, will retry",
			"payout", p.ID, "user", p.UserID, "attempts", p.Attempts+1, "error", err)
		return
	}

	if err := d.payouts.MarkSent(ctx, d.pool, p.ID, txHash); err != nil {
		d.logger.Error("mark payout sent", "payout", p.ID, "tx", txHash, "error", err)
		return
	}
	d.metrics.PayoutsSent.Inc()
	d.logger.Info("payout sent",
		"payout", p.ID, "user", p.UserID, "amount_wei", p.Amount.String(), "tx", txHash)
	d.bus.Publish(domain.NewEvent(domain.EvPayoutSuccess, p.UserID, domain.PayoutSuccessData{
		PayoutID: p.ID,
		TxHash:   txHash,
	}))
}
