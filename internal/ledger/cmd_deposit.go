package ledger

import (
	"context"
	"fmt"
	"math/big"

	"github.com/blastoff/crash-engine/internal/domain"
	"github.com/jackc/pgx/v5"
)

// DepositParams holds the input for Deposit.
type DepositParams struct {
	UserID   string
	Amount   *big.Int
	TxHash   string
	LogIndex uint32
	Block    uint64
}

// Deposit credits available balance for a confirmed on-chain transfer. The
// (tx_hash, log_index) pair is the idempotency key: a re-delivered log (reorg
// replay, indexer restart) is a no-op success, credited exactly once.
func (e *Engine) Deposit(ctx context.Context, params DepositParams) (*domain.LedgerResult, error) {
	if err := domain.ValidatePositiveAmount(params.Amount); err != nil {
		return nil, err
	}
	if params.TxHash == "" {
		return nil, domain.ErrInvalidInput("tx_hash", "required")
	}

	clientID := fmt.Sprintf("%s:%d", params.TxHash, params.LogIndex)

	return e.withRetry(ctx, func(tx pgx.Tx) (*domain.LedgerResult, error) {
		inserted, err := e.deposits.InsertSeen(ctx, tx, &domain.DepositSeen{
			TxHash:      params.TxHash,
			LogIndex:    params.LogIndex,
			BlockNumber: params.Block,
			FromAddress: params.UserID,
			Amount:      params.Amount,
		})
		if err != nil {
			return nil, fmt.Errorf("deposit seen: %w", err)
		}
		if !inserted {
			// Already credited; return the original entry.
			existing, err := e.findExisting(ctx, tx, params.UserID, domain.OpDeposit, clientID)
			if err != nil {
				return nil, err
			}
			acct, err := e.accounts.FindByID(ctx, tx, params.UserID)
			if err != nil {
				return nil, err
			}
			return &domain.LedgerResult{Entry: existing, Account: acct, Idempotent: true}, nil
		}

		acct, err := e.accounts.Ensure(ctx, tx, params.UserID)
		if err != nil {
			return nil, fmt.Errorf("deposit: %w", err)
		}

		entry, updated, err := e.postEntry(ctx, tx, acct, domain.PostEntryParams{
			UserID: params.UserID,
			OpType: domain.OpDeposit,
			Amount: params.Amount,
			Delta:  domain.BalanceDelta{Available: params.Amount},
			Ref: map[string]any{
				"client_id": clientID,
				"tx_hash":   params.TxHash,
				"log_index": params.LogIndex,
				"block":     params.Block,
			},
		})
		if err != nil {
			return nil, err
		}
		return &domain.LedgerResult{Entry: entry, Account: updated}, nil
	})
}
