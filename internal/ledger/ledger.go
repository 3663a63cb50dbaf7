// Package ledger is the single source of truth for balances. Every mutation
// goes through one of the Execute-style commands, each of which is atomic,
// idempotent on its client id, and CAS-guarded on the account version.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/blastoff/crash-engine/internal/domain"
	"github.com/blastoff/crash-engine/internal/repository"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// defaultMaxRetries bounds CAS retries before surfacing CONTENTION.
const defaultMaxRetries = 5

// errVersionConflict aborts a transaction for a CAS retry.
var errVersionConflict = errors.New("account version conflict")

// Engine provides the atomic ledger operations.
type Engine struct {
	pool       *pgxpool.Pool
	accounts   repository.AccountRepository
	entries    repository.EntryRepository
	deposits   repository.DepositRepository
	outbox     repository.OutboxRepository
	logger     *slog.Logger
	maxRetries int
}

// NewEngine creates a ledger engine with the given repositories.
func NewEngine(
	pool *pgxpool.Pool,
	accounts repository.AccountRepository,
	entries repository.EntryRepository,
	deposits repository.DepositRepository,
	outbox repository.OutboxRepository,
	logger *slog.Logger,
) *Engine {
	return &Engine{
		pool:       pool,
		accounts:   accounts,
		entries:    entries,
		deposits:   deposits,
		outbox:     outbox,
		logger:     logger,
		maxRetries: defaultMaxRetries,
	}
}

// GetAccount returns the current account snapshot, or nil when none exists.
func (e *Engine) GetAccount(ctx context.Context, userID string) (*domain.Account, error) {
	return e.accounts.FindByID(ctx, e.pool, userID)
}

// ListEntries returns a user's recent ledger entries, newest first.
func (e *Engine) ListEntries(ctx context.Context, userID string, limit int) ([]domain.LedgerEntry, error) {
	return e.entries.ListByUser(ctx, e.pool, userID, limit)
}

// withRetry runs fn in a transaction, retrying on account version conflicts.
// Each attempt sees a fresh read of the account, so a lost CAS race is
// recomputed rather than replayed blindly.
func (e *Engine) withRetry(ctx context.Context, fn func(tx pgx.Tx) (*domain.LedgerResult, error)) (*domain.LedgerResult, error) {
	for attempt := 0; attempt < e.maxRetries; attempt++ {
		var res *domain.LedgerResult
		err := pgx.BeginTxFunc(ctx, e.pool, pgx.TxOptions{IsoLevel: pgx.ReadCommitted}, func(tx pgx.Tx) error {
			var err error
			res, err = fn(tx)
			return err
		})
		if errors.Is(err, errVersionConflict) {
			e.logger.Debug("ledger cas conflict, retrying", "attempt", attempt+1)
			continue
		}
		if err != nil {
			return nil, err
		}
		return res, nil
	}
	return nil, domain.ErrContention()
}

// postEntry applies a balance delta and appends the ledger entry and its
// outbox event. It is the core write primitive; all commands delegate here.
//
// Steps, all within the caller's transaction:
//  1. Compute post-delta balances, refusing negatives.
//  2. CAS-write the account on its version; a miss aborts for retry.
//  3. Append the entry with the post-write version recorded in ref.
//  4. Insert the outbox event.
func (e *Engine) postEntry(ctx context.Context, tx pgx.Tx, acct *domain.Account, params domain.PostEntryParams) (*domain.LedgerEntry, *domain.Account, error) {
	available, locked, ok := params.Delta.Apply(acct)
	if !ok {
		return nil, nil, domain.ErrInvariantViolation(
			fmt.Sprintf("balance would go negative for %s on %s", acct.UserID, params.OpType))
	}

	updated, err := e.accounts.CompareAndSwap(ctx, tx, acct.UserID, acct.Version, available, locked)
	if err != nil {
		return nil, nil, fmt.Errorf("update account: %w", err)
	}
	if updated == nil {
		return nil, nil, errVersionConflict
	}

	if params.Ref == nil {
		params.Ref = map[string]any{}
	}
	params.Ref["version"] = updated.Version

	entry, err := e.entries.Insert(ctx, tx, params)
	if err != nil {
		return nil, nil, fmt.Errorf("insert entry: %w", err)
	}

	if err := e.outbox.Insert(ctx, tx, domain.NewEntryPostedEvent(entry)); err != nil {
		return nil, nil, fmt.Errorf("insert outbox event: %w", err)
	}

	return entry, updated, nil
}

// findExisting checks the idempotency index for a duplicate command.
func (e *Engine) findExisting(ctx context.Context, tx pgx.Tx, userID string, op domain.OpType, clientID string) (*domain.LedgerEntry, error) {
	if clientID == "" {
		return nil, nil
	}
	existing, err := e.entries.FindExisting(ctx, tx, userID, op, clientID)
	if err != nil {
		return nil, fmt.Errorf("find existing entry: %w", err)
	}
	return existing, nil
}
