package repository

import (
	"context"
	"fmt"
	"math/big"

	"github.com/blastoff/crash-engine/internal/domain"
	"github.com/blastoff/crash-engine/internal/infra"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
)

type accountRepo struct{}

// NewAccountRepository returns a pgx-backed AccountRepository.
func NewAccountRepository() AccountRepository {
	return &accountRepo{}
}

func (r *accountRepo) FindByID(ctx context.Context, db DBTX, userID string) (*domain.Account, error) {
	row := db.QueryRow(ctx, `
		SELECT user_id, available, locked, version, created_at, updated_at
		FROM accounts WHERE user_id = $1`, userID)
	return scanAccount(row)
}

func (r *accountRepo) Ensure(ctx context.Context, db DBTX, userID string) (*domain.Account, error) {
	_, err := db.Exec(ctx, `
		INSERT INTO accounts (user_id, available, locked, version)
		VALUES ($1, 0, 0, 0)
		ON CONFLICT (user_id) DO NOTHING`, userID)
	if err != nil {
		return nil, fmt.Errorf("ensure account: %w", err)
	}
	acct, err := r.FindByID(ctx, db, userID)
	if err != nil {
		return nil, err
	}
	if acct == nil {
		return nil, fmt.Errorf("account %s missing after insert", userID)
	}
	return acct, nil
}

// CompareAndSwap is the only balance write path. The WHERE version guard makes
// concurrent mutations of one account lose cleanly instead of interleaving.
func (r *accountRepo) CompareAndSwap(ctx context.Context, db DBTX, userID string, expectedVersion uint64, available, locked *big.Int) (*domain.Account, error) {
	row := db.QueryRow(ctx, `
		UPDATE accounts
		SET available = $1, locked = $2, version = version + 1, updated_at = now()
		WHERE user_id = $3 AND version = $4
		RETURNING user_id, available, locked, version, created_at, updated_at`,
		infra.BigIntToNumeric(available),
		infra.BigIntToNumeric(locked),
		userID,
		expectedVersion,
	)
	acct, err := scanAccount(row)
	if err != nil {
		return nil, fmt.Errorf("cas account: %w", err)
	}
	return acct, nil
}

func (r *accountRepo) SumBalances(ctx context.Context, db DBTX) (*big.Int, *big.Int, error) {
	var availNum, lockedNum pgtype.Numeric
	err := db.QueryRow(ctx, `
		SELECT COALESCE(SUM(available), 0), COALESCE(SUM(locked), 0) FROM accounts`).
		Scan(&availNum, &lockedNum)
	if err != nil {
		return nil, nil, fmt.Errorf("sum balances: %w", err)
	}
	avail, err := infra.NumericToBigInt(availNum)
	if err != nil {
		return nil, nil, fmt.Errorf("convert available sum: %w", err)
	}
	locked, err := infra.NumericToBigInt(lockedNum)
	if err != nil {
		return nil, nil, fmt.Errorf("convert locked sum: %w", err)
	}
	return avail, locked, nil
}

func (r *accountRepo) NegativeBalances(ctx context.Context, db DBTX) ([]string, error) {
	rows, err := db.Query(ctx, `
		SELECT user_id FROM accounts WHERE available < 0 OR locked < 0`)
	if err != nil {
		return nil, fmt.Errorf("query negative balances: %w", err)
	}
	defer rows.Close()

	var users []string
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, fmt.Errorf("scan negative balance row: %w", err)
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

func scanAccount(row pgx.Row) (*domain.Account, error) {
	var a domain.Account
	var availNum, lockedNum pgtype.Numeric
	err := row.Scan(&a.UserID, &availNum, &lockedNum, &a.Version, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("scan account: %w", err)
	}

	var convErr error
	a.Available, convErr = infra.NumericToBigInt(availNum)
	if convErr != nil {
		return nil, fmt.Errorf("convert available: %w", convErr)
	}
	a.Locked, convErr = infra.NumericToBigInt(lockedNum)
	if convErr != nil {
		return nil, fmt.Errorf("convert locked: %w", convErr)
	}

	return &a, nil
}
