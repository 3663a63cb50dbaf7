package repository

import (
	"context"
	"fmt"

	"github.com/blastoff/crash-engine/internal/domain"
	"github.com/blastoff/crash-engine/internal/infra"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
)

type betRepo struct{}

// NewBetRepository returns a pgx-backed BetRepository.
func NewBetRepository() BetRepository {
	return &betRepo{}
}

func (r *betRepo) Insert(ctx context.Context, db DBTX, bet *domain.Bet) error {
	_, err := db.Exec(ctx, `
		INSERT INTO bets (round_id, user_id, stake, auto_cashout_ppm, status, cashout_ppm)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, 0))`,
		bet.RoundID,
		bet.UserID,
		infra.BigIntToNumeric(bet.Stake),
		bet.AutoCashoutPPM,
		string(bet.Status),
		bet.CashoutPPM,
	)
	if err != nil {
		return fmt.Errorf("insert bet: %w", err)
	}
	return nil
}

func (r *betRepo) UpdateStatus(ctx context.Context, db DBTX, roundID uint64, userID string, status domain.BetStatus, cashoutPPM uint64) error {
	_, err := db.Exec(ctx, `
		UPDATE bets SET status = $1, cashout_ppm = NULLIF($2, 0)
		WHERE round_id = $3 AND user_id = $4`,
		string(status), cashoutPPM, roundID, userID)
	if err != nil {
		return fmt.Errorf("update bet status: %w", err)
	}
	return nil
}

func (r *betRepo) ListByRound(ctx context.Context, db DBTX, roundID uint64) ([]domain.Bet, error) {
	rows, err := db.Query(ctx, `
		SELECT round_id, user_id, stake, auto_cashout_ppm, status, COALESCE(cashout_ppm, 0), created_at
		FROM bets WHERE round_id = $1 ORDER BY created_at ASC`, roundID)
	if err != nil {
		return nil, fmt.Errorf("query round bets: %w", err)
	}
	defer rows.Close()
	return collectBets(rows)
}

func (r *betRepo) ListByRoundStatus(ctx context.Context, db DBTX, roundID uint64, status domain.BetStatus) ([]domain.Bet, error) {
	rows, err := db.Query(ctx, `
		SELECT round_id, user_id, stake, auto_cashout_ppm, status, COALESCE(cashout_ppm, 0), created_at
		FROM bets WHERE round_id = $1 AND status = $2 ORDER BY created_at ASC`,
		roundID, string(status))
	if err != nil {
		return nil, fmt.Errorf("query round bets by status: %w", err)
	}
	defer rows.Close()
	return collectBets(rows)
}

func collectBets(rows pgx.Rows) ([]domain.Bet, error) {
	var bets []domain.Bet
	for rows.Next() {
		var b domain.Bet
		var status string
		var stakeNum pgtype.Numeric
		err := rows.Scan(&b.RoundID, &b.UserID, &stakeNum, &b.AutoCashoutPPM, &status, &b.CashoutPPM, &b.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("scan bet row: %w", err)
		}
		b.Status = domain.BetStatus(status)
		b.Stake, err = infra.NumericToBigInt(stakeNum)
		if err != nil {
			return nil, fmt.Errorf("convert stake: %w", err)
		}
		bets = append(bets, b)
	}
	return bets, rows.Err()
}
