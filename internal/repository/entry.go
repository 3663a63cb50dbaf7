package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/blastoff/crash-engine/internal/domain"
	"github.com/blastoff/crash-engine/internal/infra"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
)

type entryRepo struct{}

// NewEntryRepository returns a pgx-backed EntryRepository.
func NewEntryRepository() EntryRepository {
	return &entryRepo{}
}

func (r *entryRepo) FindExisting(ctx context.Context, db DBTX, userID string, opType domain.OpType, clientID string) (*domain.LedgerEntry, error) {
	row := db.QueryRow(ctx, `
		SELECT id, user_id, op_type, amount, ref, created_at
		FROM ledger
		WHERE user_id = $1 AND op_type = $2 AND ref->>'client_id' = $3`,
		userID, string(opType), clientID)
	return scanEntry(row)
}

func (r *entryRepo) Insert(ctx context.Context, db DBTX, params domain.PostEntryParams) (*domain.LedgerEntry, error) {
	ref, err := json.Marshal(params.Ref)
	if err != nil {
		return nil, fmt.Errorf("marshal ref: %w", err)
	}
	row := db.QueryRow(ctx, `
		INSERT INTO ledger (user_id, op_type, amount, ref)
		VALUES ($1, $2, $3, $4)
		RETURNING id, user_id, op_type, amount, ref, created_at`,
		params.UserID,
		string(params.OpType),
		infra.BigIntToNumeric(params.Amount),
		ref,
	)
	return scanEntry(row)
}

func (r *entryRepo) ListByUser(ctx context.Context, db DBTX, userID string, limit int) ([]domain.LedgerEntry, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	rows, err := db.Query(ctx, `
		SELECT id, user_id, op_type, amount, ref, created_at
		FROM ledger
		WHERE user_id = $1
		ORDER BY id DESC
		LIMIT $2`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("query entries: %w", err)
	}
	defer rows.Close()

	var entries []domain.LedgerEntry
	for rows.Next() {
		var e domain.LedgerEntry
		var amountNum pgtype.Numeric
		if err := rows.Scan(&e.ID, &e.UserID, &e.OpType, &amountNum, &e.Ref, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan entry row: %w", err)
		}
		e.Amount, err = infra.NumericToBigInt(amountNum)
		if err != nil {
			return nil, fmt.Errorf("convert amount: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// SignedSum computes the global conservation sum. bet_lock moves funds between
// the available and locked columns of one account and must not appear here.
func (r *entryRepo) SignedSum(ctx context.Context, db DBTX) (*big.Int, error) {
	var sumNum pgtype.Numeric
	err := db.QueryRow(ctx, `
		SELECT COALESCE(SUM(
			CASE
				WHEN op_type IN ('deposit', 'bet_win') THEN amount
				WHEN op_type IN ('withdraw', 'bet_lose') THEN -amount
				WHEN op_type = 'adjustment' AND ref->>'direction' = 'debit' THEN -amount
				WHEN op_type = 'adjustment' THEN amount
				ELSE 0
			END), 0)
		FROM ledger`).Scan(&sumNum)
	if err != nil {
		return nil, fmt.Errorf("signed sum: %w", err)
	}
	// The conservation sum is legitimately signed; bypass the non-negative codec.
	if !sumNum.Valid {
		return nil, fmt.Errorf("signed sum is NULL")
	}
	sum := new(big.Int).Set(sumNum.Int)
	if sumNum.Exp > 0 {
		mul := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(sumNum.Exp)), nil)
		sum.Mul(sum, mul)
	}
	return sum, nil
}

func (r *entryRepo) DuplicateClientIDs(ctx context.Context, db DBTX) ([]string, error) {
	rows, err := db.Query(ctx, `
		SELECT user_id || '/' || op_type || '/' || (ref->>'client_id')
		FROM ledger
		WHERE ref->>'client_id' IS NOT NULL
		GROUP BY user_id, op_type, ref->>'client_id'
		HAVING COUNT(*) > 1`)
	if err != nil {
		return nil, fmt.Errorf("query duplicate client ids: %w", err)
	}
	defer rows.Close()
	return collectStrings(rows)
}

// VersionViolations finds accounts whose entry history recorded a
// non-increasing version. Every entry stores the post-write account version in
// ref.version, so a window comparison over insertion order detects stalls.
func (r *entryRepo) VersionViolations(ctx context.Context, db DBTX) ([]string, error) {
	rows, err := db.Query(ctx, `
		SELECT DISTINCT user_id FROM (
			SELECT user_id,
			       (ref->>'version')::bigint AS v,
			       LAG((ref->>'version')::bigint) OVER (PARTITION BY user_id ORDER BY id) AS prev_v
			FROM ledger
			WHERE ref->>'version' IS NOT NULL
		) seq
		WHERE prev_v IS NOT NULL AND v <= prev_v`)
	if err != nil {
		return nil, fmt.Errorf("query version violations: %w", err)
	}
	defer rows.Close()
	return collectStrings(rows)
}

func scanEntry(row pgx.Row) (*domain.LedgerEntry, error) {
	var e domain.LedgerEntry
	var amountNum pgtype.Numeric
	err := row.Scan(&e.ID, &e.UserID, &e.OpType, &amountNum, &e.Ref, &e.CreatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("scan entry: %w", err)
	}
	e.Amount, err = infra.NumericToBigInt(amountNum)
	if err != nil {
		return nil, fmt.Errorf("convert amount: %w", err)
	}
	return &e, nil
}

func collectStrings(rows pgx.Rows) ([]string, error) {
	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, fmt.Errorf("scan string row: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
