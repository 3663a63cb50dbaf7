package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/blastoff/crash-engine/internal/domain"
	"github.com/jackc/pgx/v5"
)

type roundRepo struct{}

// NewRoundRepository returns a pgx-backed RoundRepository.
func NewRoundRepository() RoundRepository {
	return &roundRepo{}
}

// Insert persists the round with its server seed already in place. The seed
// is written at creation so that a crash mid-round can still be settled by
// replaying the derivation; the read path never exposes it before settlement.
func (r *roundRepo) Insert(ctx context.Context, db DBTX, round *domain.Round) (uint64, error) {
	var id uint64
	err := db.QueryRow(ctx, `
		INSERT INTO rounds (commit_hash, server_seed, client_seed, nonce, status, started_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id`,
		round.CommitHash, round.ServerSeed, round.ClientSeed, round.Nonce,
		string(round.Status), round.StartedAt).
		Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert round: %w", err)
	}
	return id, nil
}

func (r *roundRepo) MarkRunning(ctx context.Context, db DBTX, id uint64, startedAt time.Time) error {
	_, err := db.Exec(ctx, `
		UPDATE rounds SET status = 'running', started_at = $1 WHERE id = $2`,
		startedAt, id)
	if err != nil {
		return fmt.Errorf("mark round running: %w", err)
	}
	return nil
}

func (r *roundRepo) Settle(ctx context.Context, db DBTX, id uint64, serverSeed string, crashPPM uint64, settledAt time.Time) error {
	_, err := db.Exec(ctx, `
		UPDATE rounds
		SET status = 'settled', server_seed = $1, crash_point_ppm = $2, settled_at = $3
		WHERE id = $4`,
		serverSeed, crashPPM, settledAt, id)
	if err != nil {
		return fmt.Errorf("settle round: %w", err)
	}
	return nil
}

func (r *roundRepo) FindByID(ctx context.Context, db DBTX, id uint64) (*domain.Round, error) {
	row := db.QueryRow(ctx, `
		SELECT id, commit_hash, COALESCE(server_seed, ''), client_seed, nonce,
		       COALESCE(crash_point_ppm, 0), status, started_at, settled_at
		FROM rounds WHERE id = $1`, id)
	return scanRound(row)
}

func (r *roundRepo) FindUnsettled(ctx context.Context, db DBTX) ([]domain.Round, error) {
	rows, err := db.Query(ctx, `
		SELECT id, commit_hash, COALESCE(server_seed, ''), client_seed, nonce,
		       COALESCE(crash_point_ppm, 0), status, started_at, settled_at
		FROM rounds WHERE status != 'settled' ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("query unsettled rounds: %w", err)
	}
	defer rows.Close()

	var rounds []domain.Round
	for rows.Next() {
		rd, err := scanRoundValues(rows)
		if err != nil {
			return nil, err
		}
		rounds = append(rounds, *rd)
	}
	return rounds, rows.Err()
}

func (r *roundRepo) FindSettledWithActiveBets(ctx context.Context, db DBTX) ([]domain.Round, error) {
	rows, err := db.Query(ctx, `
		SELECT DISTINCT r.id, r.commit_hash, COALESCE(r.server_seed, ''), r.client_seed, r.nonce,
		       COALESCE(r.crash_point_ppm, 0), r.status, r.started_at, r.settled_at
		FROM rounds r
		JOIN bets b ON b.round_id = r.id
		WHERE r.status = 'settled' AND b.status = 'active'
		ORDER BY r.id ASC`)
	if err != nil {
		return nil, fmt.Errorf("query half-settled rounds: %w", err)
	}
	defer rows.Close()

	var rounds []domain.Round
	for rows.Next() {
		rd, err := scanRoundValues(rows)
		if err != nil {
			return nil, err
		}
		rounds = append(rounds, *rd)
	}
	return rounds, rows.Err()
}

func (r *roundRepo) RecentCrashPoints(ctx context.Context, db DBTX, limit int) ([]uint64, error) {
	if limit <= 0 || limit > 100 {
		limit = 25
	}
	rows, err := db.Query(ctx, `
		SELECT crash_point_ppm FROM rounds
		WHERE status = 'settled'
		ORDER BY id DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("query crash history: %w", err)
	}
	defer rows.Close()

	var points []uint64
	for rows.Next() {
		var p uint64
		if err := rows.Scan(&p); err != nil {
			return nil, fmt.Errorf("scan crash point: %w", err)
		}
		points = append(points, p)
	}
	return points, rows.Err()
}

func scanRound(row pgx.Row) (*domain.Round, error) {
	rd, err := scanRoundValues(row)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	return rd, err
}

func scanRoundValues(row pgx.Row) (*domain.Round, error) {
	var rd domain.Round
	var status string
	err := row.Scan(&rd.ID, &rd.CommitHash, &rd.ServerSeed, &rd.ClientSeed, &rd.Nonce,
		&rd.CrashPointPPM, &status, &rd.StartedAt, &rd.SettledAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("scan round: %w", err)
	}
	rd.Status = domain.RoundStatus(status)
	return &rd, nil
}
