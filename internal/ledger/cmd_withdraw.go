package ledger

import (
	"context"
	"fmt"
	"math/big"

	"github.com/blastoff/crash-engine/internal/domain"
	"github.com/jackc/pgx/v5"
)

// WithdrawParams holds the input for Withdraw.
type WithdrawParams struct {
	UserID   string
	Amount   *big.Int
	ClientID string
	PayoutID string
}

// Withdraw debits available balance ahead of an on-chain payout. The debit
// commits before dispatch; a failed payout is surfaced, never auto re-credited.
func (e *Engine) Withdraw(ctx context.Context, params WithdrawParams) (*domain.LedgerResult, error) {
	if err := domain.ValidatePositiveAmount(params.Amount); err != nil {
		return nil, err
	}
	if err := domain.ValidateClientID(params.ClientID); err != nil {
		return nil, err
	}

	return e.withRetry(ctx, func(tx pgx.Tx) (*domain.LedgerResult, error) {
		acct, err := e.accounts.FindByID(ctx, tx, params.UserID)
		if err != nil {
			return nil, fmt.Errorf("withdraw: %w", err)
		}
		if acct == nil {
			return nil, domain.ErrNotFound("account", params.UserID)
		}

		existing, err := e.findExisting(ctx, tx, params.UserID, domain.OpWithdraw, params.ClientID)
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
			OpType: domain.OpWithdraw,
			Amount: params.Amount,
			Delta:  domain.BalanceDelta{Available: neg},
			Ref: map[string]any{
				"client_id": params.ClientID,
				"payout_id": params.PayoutID,
			},
		})
		if err != nil {
			return nil, err
		}
		return &domain.LedgerResult{Entry: entry, Account: updated}, nil
	})
}
