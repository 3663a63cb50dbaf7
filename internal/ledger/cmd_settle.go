package ledger

import (
	"context"
	"fmt"
	"math/big"

	"github.com/blastoff/crash-engine/internal/domain"
	"github.com/jackc/pgx/v5"
)

// SettleWinParams holds the input for SettleWin.
type SettleWinParams struct {
	UserID  string
	Stake   *big.Int
	Payout  *big.Int
	RoundID uint64
}

// SettleWin releases the stake and credits the payout:
// locked -= stake, available += payout. Idempotent per (user, round), which
// makes crash-recovery replay of a half-settled round safe.
func (e *Engine) SettleWin(ctx context.Context, params SettleWinParams) (*domain.LedgerResult, error) {
	if err := domain.ValidatePositiveAmount(params.Stake); err != nil {
		return nil, err
	}
	if err := domain.ValidatePositiveAmount(params.Payout); err != nil {
		return nil, err
	}

	clientID := settleClientID(params.RoundID)

	return e.withRetry(ctx, func(tx pgx.Tx) (*domain.LedgerResult, error) {
		acct, err := e.accounts.FindByID(ctx, tx, params.UserID)
		if err != nil {
			return nil, fmt.Errorf("settle win: %w", err)
		}
		if acct == nil {
			return nil, domain.ErrNotFound("account", params.UserID)
		}

		existing, err := e.findExisting(ctx, tx, params.UserID, domain.OpBetWin, clientID)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			return &domain.LedgerResult{Entry: existing, Account: acct, Idempotent: true}, nil
		}

		if acct.Locked.Cmp(params.Stake) < 0 {
			return nil, domain.ErrInvariantViolation(
				fmt.Sprintf("settle win: locked %s < stake %s for %s",
					acct.Locked, params.Stake, params.UserID))
		}

		negStake := new(big.Int).Neg(params.Stake)
		entry, updated, err := e.postEntry(ctx, tx, acct, domain.PostEntryParams{
			UserID: params.UserID,
			OpType: domain.OpBetWin,
			Amount: params.Payout,
			Delta:  domain.BalanceDelta{Available: params.Payout, Locked: negStake},
			Ref: map[string]any{
				"client_id": clientID,
				"round_id":  params.RoundID,
				"stake_wei": params.Stake.String(),
			},
		})
		if err != nil {
			return nil, err
		}
		return &domain.LedgerResult{Entry: entry, Account: updated}, nil
	})
}

// SettleLoseParams holds the input for SettleLose.
type SettleLoseParams struct {
	UserID  string
	Stake   *big.Int
	RoundID uint64
}

// SettleLose burns the locked stake: locked -= stake. Idempotent per
// (user, round) like SettleWin.
func (e *Engine) SettleLose(ctx context.Context, params SettleLoseParams) (*domain.LedgerResult, error) {
	if err := domain.ValidatePositiveAmount(params.Stake); err != nil {
		return nil, err
	}

	clientID := settleClientID(params.RoundID)

	return e.withRetry(ctx, func(tx pgx.Tx) (*domain.LedgerResult, error) {
		acct, err := e.accounts.FindByID(ctx, tx, params.UserID)
		if err != nil {
			return nil, fmt.Errorf("settle lose: %w", err)
		}
		if acct == nil {
			return nil, domain.ErrNotFound("account", params.UserID)
		}

		existing, err := e.findExisting(ctx, tx, params.UserID, domain.OpBetLose, clientID)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			return &domain.LedgerResult{Entry: existing, Account: acct, Idempotent: true}, nil
		}

		if acct.Locked.Cmp(params.Stake) < 0 {
			return nil, domain.ErrInvariantViolation(
				fmt.Sprintf("settle lose: locked %s < stake %s for %s",
					acct.Locked, params.Stake, params.UserID))
		}

		negStake := new(big.Int).Neg(params.Stake)
		entry, updated, err := e.postEntry(ctx, tx, acct, domain.PostEntryParams{
			UserID: params.UserID,
			OpType: domain.OpBetLose,
			Amount: params.Stake,
			Delta:  domain.BalanceDelta{Locked: negStake},
			Ref: map[string]any{
				"client_id": clientID,
				"round_id":  params.RoundID,
			},
		})
		if err != nil {
			return nil, err
		}
		return &domain.LedgerResult{Entry: entry, Account: updated}, nil
	})
}

// SettleEntry returns the settle entry already recorded for a (user, round),
// win or lose, or nil when none exists. Crash recovery asks this before
// replaying a settle so money that moved is never moved again under the
// opposite op type.
func (e *Engine) SettleEntry(ctx context.Context, userID string, roundID uint64) (*domain.LedgerEntry, error) {
	clientID := settleClientID(roundID)
	entry, err := e.entries.FindExisting(ctx, e.pool, userID, domain.OpBetWin, clientID)
	if err != nil {
		return nil, fmt.Errorf("find settle entry: %w", err)
	}
	if entry != nil {
		return entry, nil
	}
	entry, err = e.entries.FindExisting(ctx, e.pool, userID, domain.OpBetLose, clientID)
	if err != nil {
		return nil, fmt.Errorf("find settle entry: %w", err)
	}
	return entry, nil
}

// settleClientID keys settle entries by round. A user settles a given round
// exactly once (bet_win xor bet_lose), enforced by the idempotency index.
func settleClientID(roundID uint64) string {
	return fmt.Sprintf("round:%d", roundID)
}
