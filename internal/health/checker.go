// Package health evaluates the ledger's global invariants and the indexer's
// freshness. Critical violations trip the solvency gate into emergency mode.
package health

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/blastoff/crash-engine/internal/repository"
	"github.com/blastoff/crash-engine/internal/solvency"
)

// LagSource reports how far the deposit indexer trails the chain tip.
type LagSource interface {
	Lag(ctx context.Context) (uint64, error)
}

// InvariantReport is the outcome of one sweep.
type InvariantReport struct {
	Healthy              bool      `json:"healthy"`
	NegativeBalances     []string  `json:"negative_balances,omitempty"`
	ConservationDriftWei string    `json:"conservation_drift_wei"`
	DuplicateClientIDs   []string  `json:"duplicate_client_ids,omitempty"`
	VersionViolations    []string  `json:"version_violations,omitempty"`
	IndexerLag           uint64    `json:"indexer_lag_blocks"`
	IndexerLagExceeded   bool      `json:"indexer_lag_exceeded"`
	CheckedAt            time.Time `json:"checked_at"`
}

// Checker runs the invariant sweeps.
type Checker struct {
	pool       *pgxpool.Pool
	accounts   repository.AccountRepository
	entries    repository.EntryRepository
	gate       *solvency.Gate
	lag        LagSource
	lagCeiling uint64
	interval   time.Duration
	logger     *slog.Logger
}

// NewChecker wires a checker. lag may be nil when no indexer runs in-process.
func NewChecker(pool *pgxpool.Pool, accounts repository.AccountRepository, entries repository.EntryRepository, gate *solvency.Gate, lag LagSource, lagCeiling uint64, interval time.Duration, logger *slog.Logger) *Checker {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Checker{
		pool:       pool,
		accounts:   accounts,
		entries:    entries,
		gate:       gate,
		lag:        lag,
		lagCeiling: lagCeiling,
		interval:   interval,
		logger:     logger,
	}
}

// Run sweeps periodically until cancelled.
func (c *Checker) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := c.CheckInvariants(ctx); err != nil {
				c.logger.Warn("invariant sweep failed", "error", err)
			}
		}
	}
}

// CheckInvariants runs one full sweep. A negative balance, conservation drift
// or idempotency duplicate closes admissions immediately.
func (c *Checker) CheckInvariants(ctx context.Context) (*InvariantReport, error) {
	report := &InvariantReport{CheckedAt: time.Now()}

	negative, err := c.accounts.NegativeBalances(ctx, c.pool)
	if err != nil {
		return nil, fmt.Errorf("negative balance sweep: %w", err)
	}
	report.NegativeBalances = negative

	available, locked, err := c.accounts.SumBalances(ctx, c.pool)
	if err != nil {
		return nil, fmt.Errorf("balance sum: %w", err)
	}
	ledgerSum, err := c.entries.SignedSum(ctx, c.pool)
	if err != nil {
		return nil, fmt.Errorf("ledger sum: %w", err)
	}
	drift := new(big.Int).Add(available, locked)
	drift.Sub(drift, ledgerSum)
	report.ConservationDriftWei = drift.String()

	dups, err := c.entries.DuplicateClientIDs(ctx, c.pool)
	if err != nil {
		return nil, fmt.Errorf("duplicate sweep: %w", err)
	}
	report.DuplicateClientIDs = dups

	versions, err := c.entries.VersionViolations(ctx, c.pool)
	if err != nil {
		return nil, fmt.Errorf("version sweep: %w", err)
	}
	report.VersionViolations = versions

	if c.lag != nil {
		lag, err := c.lag.Lag(ctx)
		if err != nil {
			c.logger.Warn("indexer lag unavailable", "error", err)
		} else {
			report.IndexerLag = lag
			report.IndexerLagExceeded = c.lagCeiling > 0 && lag > c.lagCeiling
		}
	}

	critical := ""
	switch {
	case len(negative) > 0:
		critical = fmt.Sprintf("negative balances on %d accounts", len(negative))
	case drift.Sign() != 0:
		critical = fmt.Sprintf("ledger conservation drift of %s wei", drift)
	case len(dups) > 0:
		critical = fmt.Sprintf("%d duplicate idempotency keys", len(dups))
	}
	if critical != "" {
		c.logger.Error("critical invariant violation", "detail", critical)
		c.gate.TripEmergency(critical)
	}

	report.Healthy = critical == "" && len(versions) == 0 && !report.IndexerLagExceeded
	return report, nil
}
