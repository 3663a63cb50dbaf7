package repository

import (
	"context"
	"fmt"

	"github.com/blastoff/crash-engine/internal/domain"
	"github.com/blastoff/crash-engine/internal/infra"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
)

type payoutRepo struct{}

// NewPayoutRepository returns a pgx-backed PayoutRepository.
func NewPayoutRepository() PayoutRepository {
	return &payoutRepo{}
}

func (r *payoutRepo) Insert(ctx context.Context, db DBTX, p *domain.Payout) error {
	_, err := db.Exec(ctx, `
		INSERT INTO payouts (id, user_id, amount, status)
		VALUES ($1, $2, $3, $4)`,
		p.ID, p.UserID, infra.BigIntToNumeric(p.Amount), string(p.Status))
	if err != nil {
		return fmt.Errorf("insert payout: %w", err)
	}
	return nil
}

func (r *payoutRepo) MarkSent(ctx context.Context, db DBTX, id, txHash string) error {
	_, err := db.Exec(ctx, `
		UPDATE payouts
		SET status = 'sent', tx_hash = $1, attempts = attempts + 1, updated_at = now()
		WHERE id = $2`, txHash, id)
	if err != nil {
		return fmt.Errorf("mark payout sent: %w", err)
	}
	return nil
}

func (r *payoutRepo) MarkRetry(ctx context.Context, db DBTX, id, lastError string) error {
	_, err := db.Exec(ctx, `
		UPDATE payouts
		SET last_error = $1, attempts = attempts + 1, updated_at = now()
		WHERE id = $2`, lastError, id)
	if err != nil {
		return fmt.Errorf("mark payout retry: %w", err)
	}
	return nil
}

func (r *payoutRepo) MarkFailed(ctx context.Context, db DBTX, id, lastError string) error {
	_, err := db.Exec(ctx, `
		UPDATE payouts
		SET status = 'failed', last_error = $1, attempts = attempts + 1, updated_at = now()
		WHERE id = $2`, lastError, id)
	if err != nil {
		return fmt.Errorf("mark payout failed: %w", err)
	}
	return nil
}

func (r *payoutRepo) ListPending(ctx context.Context, db DBTX, limit int) ([]domain.Payout, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	rows, err := db.Query(ctx, `
		SELECT id, user_id, amount, status, COALESCE(tx_hash, ''), attempts, COALESCE(last_error, ''), created_at, updated_at
		FROM payouts
		WHERE status = 'pending'
		ORDER BY created_at ASC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("query pending payouts: %w", err)
	}
	defer rows.Close()
	return collectPayouts(rows)
}

func collectPayouts(rows pgx.Rows) ([]domain.Payout, error) {
	var payouts []domain.Payout
	for rows.Next() {
		var p domain.Payout
		var status string
		var amountNum pgtype.Numeric
		err := rows.Scan(&p.ID, &p.UserID, &amountNum, &status, &p.TxHash, &p.Attempts, &p.LastError, &p.CreatedAt, &p.UpdatedAt)
		if err != nil {
			return nil, fmt.Errorf("scan payout row: %w", err)
		}
		p.Status = domain.PayoutStatus(status)
		p.Amount, err = infra.NumericToBigInt(amountNum)
		if err != nil {
			return nil, fmt.Errorf("convert payout amount: %w", err)
		}
		payouts = append(payouts, p)
	}
	return payouts, rows.Err()
}
