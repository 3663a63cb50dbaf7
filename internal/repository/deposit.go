package repository

import (
	"context"
	"fmt"

	"github.com/blastoff/crash-engine/internal/domain"
	"github.com/blastoff/crash-engine/internal/infra"
	"github.com/jackc/pgx/v5"
)

type depositRepo struct{}

// NewDepositRepository returns a pgx-backed DepositRepository.
func NewDepositRepository() DepositRepository {
	return &depositRepo{}
}

// InsertSeen is the deposit idempotency anchor: the (tx_hash, log_index)
// primary key makes re-delivered logs no-ops regardless of how many times a
// reorg replays them.
func (r *depositRepo) InsertSeen(ctx context.Context, db DBTX, d *domain.DepositSeen) (bool, error) {
	tag, err := db.Exec(ctx, `
		INSERT INTO deposits_seen (tx_hash, log_index, block_number, from_address, amount)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (tx_hash, log_index) DO NOTHING`,
		d.TxHash, d.LogIndex, d.BlockNumber, d.FromAddress, infra.BigIntToNumeric(d.Amount))
	if err != nil {
		return false, fmt.Errorf("insert deposit seen: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *depositRepo) Checkpoint(ctx context.Context, db DBTX) (domain.IndexerCheckpoint, error) {
	var cp domain.IndexerCheckpoint
	err := db.QueryRow(ctx, `
		SELECT last_scanned_block FROM indexer_checkpoint WHERE id = 'singleton'`).
		Scan(&cp.LastScannedBlock)
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.IndexerCheckpoint{}, nil
		}
		return domain.IndexerCheckpoint{}, fmt.Errorf("read checkpoint: %w", err)
	}
	return cp, nil
}

func (r *depositRepo) SaveCheckpoint(ctx context.Context, db DBTX, cp domain.IndexerCheckpoint) error {
	_, err := db.Exec(ctx, `
		INSERT INTO indexer_checkpoint (id, last_scanned_block)
		VALUES ('singleton', $1)
		ON CONFLICT (id) DO UPDATE SET last_scanned_block = EXCLUDED.last_scanned_block`,
		cp.LastScannedBlock)
	if err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	return nil
}

func (r *depositRepo) CountSince(ctx context.Context, db DBTX, block uint64) (int, error) {
	var n int
	err := db.QueryRow(ctx, `
		SELECT COUNT(*) FROM deposits_seen WHERE block_number >= $1`, block).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count deposits: %w", err)
	}
	return n, nil
}
