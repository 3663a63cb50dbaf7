package ledger

import (
	"context"
	"fmt"
	"math/big"

	"github.com/blastoff/crash-engine/internal/domain"
	"github.com/jackc/pgx/v5"
)

// LockBetParams holds the input for LockBet.
type LockBetParams struct {
	UserID   string
	Amount   *big.Int
	RoundID  uint64
	ClientID string
}

// LockBet reserves a wager: available -= amount, locked += amount.
// Idempotent on client id. The funds check runs against the same read the CAS
// write is guarded on, so a concurrent spend cannot slip between them.
func (e *Engine) LockBet(ctx context.Context, params LockBetParams) (*domain.LedgerResult, error) {
	if err := domain.ValidatePositiveAmount(params.Amount); err != nil {
		return nil, err
	}
	if err := domain.ValidateClientID(params.ClientID); err != nil {
		return nil, err
	}

	return e.withRetry(ctx, func(tx pgx.Tx) (*domain.LedgerResult, error) {
		acct, err := e.accounts.Ensure(ctx, tx, params.UserID)
		if err != nil {
			return nil, fmt.Errorf("lock bet: %w", err)
		}

		existing, err := e.findExisting(ctx, tx, params.UserID, domain.OpBetLock, params.ClientID)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			return &domain.LedgerResult{Entry: existing, Account: acct, Idempotent: true}, nil
		}

		if acct.Available.Cmp(params.Amount) < 0 {
			return nil, domain.ErrInsufficientFunds()
		}

		neg := new(big.Int).Neg(params.Amount)
		entry, updated, err := e.postEntry(ctx, tx, acct, domain.PostEntryParams{
			UserID: params.UserID,
			OpType: domain.OpBetLock,
			Amount: params.Amount,
			Delta:  domain.BalanceDelta{Available: neg, Locked: params.Amount},
			Ref: map[string]any{
				"client_id": params.ClientID,
				"round_id":  params.RoundID,
			},
		})
		if err != nil {
			return nil, err
		}
		return &domain.LedgerResult{Entry: entry, Account: updated}, nil
	})
}
