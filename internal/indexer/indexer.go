// Package indexer ingests on-chain deposits: confirmation-delayed polling
// with a reorg re-scan overlap, crediting the ledger exactly once per
// (tx_hash, log_index).
package indexer

import (
	"context"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/blastoff/crash-engine/internal/chain"
	"github.com/blastoff/crash-engine/internal/domain"
	"github.com/blastoff/crash-engine/internal/infra"
	"github.com/blastoff/crash-engine/internal/ledger"
	"github.com/blastoff/crash-engine/internal/repository"
)

// DepositLedger is the crediting surface; *ledger.Engine satisfies it.
type DepositLedger interface {
	Deposit(ctx context.Context, params ledger.DepositParams) (*domain.LedgerResult, error)
}

// Publisher pushes balance updates to connected players.
type Publisher interface {
	Publish(ev domain.Event)
}

// Config fixes the scan parameters.
type Config struct {
	HotWalletAddress string
	Confirmations    uint64
	ReorgBuffer      uint64
	ScanBatch        uint64
	GenesisBlock     uint64
	ScanInterval     time.Duration
}

// Indexer drives the scan loop. Single writer of deposits_seen and the
// checkpoint; balances change only through the ledger.
type Indexer struct {
	cfg      Config
	client   chain.Client
	ledger   DepositLedger
	pool     *pgxpool.Pool
	deposits repository.DepositRepository
	bus      Publisher
	metrics  *infra.Metrics
	logger   *slog.Logger

	backoff time.Duration
}

// New wires an indexer.
func New(cfg Config, client chain.Client, led DepositLedger, pool *pgxpool.Pool, deposits repository.DepositRepository, bus Publisher, metrics *infra.Metrics, logger *slog.Logger) *Indexer {
	if cfg.ScanBatch == 0 {
		cfg.ScanBatch = 200
	}
	if cfg.ScanInterval <= 0 {
		cfg.ScanInterval = 5 * time.Second
	}
	return &Indexer{
		cfg:      cfg,
		client:   client,
		ledger:   led,
		pool:     pool,
		deposits: deposits,
		bus:      bus,
		metrics:  metrics,
		logger:   logger,
	}
}

// Run scans until the context is cancelled, on two redundant triggers: a
// new-head subscription when the node offers one, and the checkpointed poll
// as fallback. Chain errors back off exponentially and never take the loop
// down.
func (ix *Indexer) Run(ctx context.Context) error {
	var heads <-chan uint64
	if ch, stop, err := ix.client.SubscribeNewHead(ctx); err != nil {
		ix.logger.Warn("head subscription unavailable, polling only", "error", err)
	} else {
		heads = ch
		defer stop()
	}

	for {
		if err := ix.ScanOnce(ctx); err != nil {
			ix.backoff = nextBackoff(ix.backoff)
			ix.logger.Warn("deposit scan failed",
				"error", err, "backoff", ix.backoff)
		} else {
			ix.backoff = 0
		}

		wait := ix.cfg.ScanInterval
		if ix.backoff > wait {
			wait = ix.backoff
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		case _, ok := <-heads:
			if !ok {
				// Subscription died; the poll keeps the indexer live.
				heads = nil
			}
		}
	}
}

// ScanOnce runs one scan pass: credit every confirmed transfer in the window
// [checkpoint − REORG_BUFFER, tip − CONFIRMATIONS], then advance the
// checkpoint. Re-scanned transfers are absorbed by deposit idempotency, which
// is what makes the reorg overlap safe.
func (ix *Indexer) ScanOnce(ctx context.Context) error {
	tip, err := ix.client.LatestBlock(ctx)
	if err != nil {
		return domain.ErrChainUnavailable(err)
	}
	if tip < ix.cfg.Confirmations {
		return nil
	}
	safeTip := tip - ix.cfg.Confirmations

	cp, err := ix.deposits.Checkpoint(ctx, ix.pool)
	if err != nil {
		return err
	}
	from := ix.cfg.GenesisBlock
	if cp.LastScannedBlock > ix.cfg.ReorgBuffer && cp.LastScannedBlock-ix.cfg.ReorgBuffer > from {
		from = cp.LastScannedBlock - ix.cfg.ReorgBuffer
	}
	if from > safeTip {
		ix.metrics.IndexerLag.Set(float64(tip - cp.LastScannedBlock))
		return nil
	}
	to := safeTip
	if limit := from + ix.cfg.ScanBatch - 1; to > limit {
		to = limit
	}

	transfers, err := ix.client.TransfersTo(ctx, ix.cfg.HotWalletAddress, from, to)
	if err != nil {
		return domain.ErrChainUnavailable(err)
	}
	for _, t := range transfers {
		res, err := ix.ledger.Deposit(ctx, ledger.DepositParams{
			UserID:   t.From,
			Amount:   t.Amount,
			TxHash:   t.TxHash,
			LogIndex: t.LogIndex,
			Block:    t.Block,
		})
		if err != nil {
			return err
		}
		if res.Idempotent {
			continue
		}
		ix.metrics.DepositsCredited.Inc()
		ix.logger.Info("deposit credited",
			"user", t.From, "amount_wei", t.Amount.String(),
			"tx", t.TxHash, "block", t.Block)
		if res.Account != nil {
			ix.bus.Publish(domain.NewEvent(domain.EvBalanceUpdate, t.From, domain.BalanceUpdateData{
				AvailableWei: res.Account.Available.String(),
				LockedWei:    res.Account.Locked.String(),
				Version:      res.Account.Version,
			}))
		}
	}

	// The checkpoint moves only after the whole batch is durably credited.
	if err := ix.deposits.SaveCheckpoint(ctx, ix.pool, domain.IndexerCheckpoint{LastScannedBlock: to}); err != nil {
		return err
	}
	ix.metrics.IndexerLag.Set(float64(tip - to))
	return nil
}

// Lag returns tip − checkpoint for the health surface.
func (ix *Indexer) Lag(ctx context.Context) (uint64, error) {
	tip, err := ix.client.LatestBlock(ctx)
	if err != nil {
		return 0, domain.ErrChainUnavailable(err)
	}
	cp, err := ix.deposits.Checkpoint(ctx, ix.pool)
	if err != nil {
		return 0, err
	}
	if cp.LastScannedBlock >= tip {
		return 0, nil
	}
	return tip - cp.LastScannedBlock, nil
}

func nextBackoff(cur time.Duration) time.Duration {
	if cur == 0 {
		return time.Second
	}
	next := cur * 2
	if next > time.Minute {
		next = time.Minute
	}
	return next
}
