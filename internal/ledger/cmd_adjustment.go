package ledger

import (
	"context"
	"fmt"
	"math/big"

	"github.com/blastoff/crash-engine/internal/domain"
	"github.com/jackc/pgx/v5"
)

// AdjustmentDirection distinguishes admin credits from debits. The ledger
// amount column stays non-negative; the direction carries the sign.
type AdjustmentDirection string

const (
	AdjustCredit AdjustmentDirection = "credit"
	AdjustDebit  AdjustmentDirection = "debit"
)

// AdjustmentParams holds the input for Adjustment.
type AdjustmentParams struct {
	UserID    string
	Amount    *big.Int
	Direction AdjustmentDirection
	Reason    string
	ClientID  string
}

// Adjustment is the admin-only manual correction, the only recovery path for
// failed payouts.
func (e *Engine) Adjustment(ctx context.Context, params AdjustmentParams) (*domain.LedgerResult, error) {
	if err := domain.ValidatePositiveAmount(params.Amount); err != nil {
		return nil, err
	}
	if params.Direction != AdjustCredit && params.Direction != AdjustDebit {
		return nil, domain.ErrInvalidInput("direction", "must be credit or debit")
	}
	if params.Reason == "" {
		return nil, domain.ErrInvalidInput("reason", "required")
	}

	return e.withRetry(ctx, func(tx pgx.Tx) (*domain.LedgerResult, error) {
		acct, err := e.accounts.Ensure(ctx, tx, params.UserID)
		if err != nil {
			return nil, fmt.Errorf("adjustment: %w", err)
		}

		existing, err := e.findExisting(ctx, tx, params.UserID, domain.OpAdjustment, params.ClientID)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			return &domain.LedgerResult{Entry: existing, Account: acct, Idempotent: true}, nil
		}

		delta := new(big.Int).Set(params.Amount)
		if params.Direction == AdjustDebit {
			delta.Neg(delta)
			if acct.Available.Cmp(params.Amount) < 0 {
				return nil, domain.ErrInsufficientFunds()
			}
		}

		ref := map[string]any{
			"direction": string(params.Direction),
			"reason":    params.Reason,
		}
		if params.ClientID != "" {
			ref["client_id"] = params.ClientID
		}

		entry, updated, err := e.postEntry(ctx, tx, acct, domain.PostEntryParams{
			UserID: params.UserID,
			OpType: domain.OpAdjustment,
			Amount: params.Amount,
			Delta:  domain.BalanceDelta{Available: delta},
			Ref:    ref,
		})
		if err != nil {
			return nil, err
		}
		return &domain.LedgerResult{Entry: entry, Account: updated}, nil
	})
}
