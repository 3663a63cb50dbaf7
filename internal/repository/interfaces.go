package repository

import (
	"context"
	"math/big"
	"time"

	"github.com/blastoff/crash-engine/internal/domain"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DBTX abstracts pgx.Tx and pgxpool.Pool so repositories work with both.
type DBTX interface {
	Exec(ctx context.Context, sql string, arguments ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

// AccountRepository provides access to accounts.
type AccountRepository interface {
	// FindByID returns an account, or nil when none exists.
	FindByID(ctx context.Context, db DBTX, userID string) (*domain.Account, error)

	// Ensure creates a zero-balance account if none exists and returns the row.
	Ensure(ctx context.Context, db DBTX, userID string) (*domain.Account, error)

	// CompareAndSwap writes new balances guarded by the expected version,
	// bumping version by one. Returns nil (no error) on a version miss.
	CompareAndSwap(ctx context.Context, db DBTX, userID string, expectedVersion uint64, available, locked *big.Int) (*domain.Account, error)

	// SumBalances returns Σ available and Σ locked over all accounts.
	SumBalances(ctx context.Context, db DBTX) (available, locked *big.Int, err error)

	// NegativeBalances returns user ids whose available or locked is below zero.
	NegativeBalances(ctx context.Context, db DBTX) ([]string, error)
}

// EntryRepository provides access to the append-only ledger.
type EntryRepository interface {
	// FindExisting checks the idempotency index for a duplicate entry.
	FindExisting(ctx context.Context, db DBTX, userID string, opType domain.OpType, clientID string) (*domain.LedgerEntry, error)

	// Insert appends a ledger entry. Returns the inserted row.
	Insert(ctx context.Context, db DBTX, params domain.PostEntryParams) (*domain.LedgerEntry, error)

	// ListByUser returns a user's entries, newest first.
	ListByUser(ctx context.Context, db DBTX, userID string, limit int) ([]domain.LedgerEntry, error)

	// SignedSum returns the global conservation sum: deposits + wins + credit
	// adjustments − withdrawals − losses − debit adjustments. bet_lock is
	// internal movement and excluded.
	SignedSum(ctx context.Context, db DBTX) (*big.Int, error)

	// DuplicateClientIDs returns (user, op_type, client_id) triples appearing
	// more than once. Should be empty given the unique index.
	DuplicateClientIDs(ctx context.Context, db DBTX) ([]string, error)

	// VersionViolations returns user ids whose entry history records a
	// non-increasing account version sequence.
	VersionViolations(ctx context.Context, db DBTX) ([]string, error)
}

// RoundRepository provides access to rounds.
type RoundRepository interface {
	// Insert persists a pending round (commit published) and returns its id.
	Insert(ctx context.Context, db DBTX, round *domain.Round) (uint64, error)

	// MarkRunning flips a round to running at the given start time.
	MarkRunning(ctx context.Context, db DBTX, id uint64, startedAt time.Time) error

	// Settle reveals the seed and closes the round.
	Settle(ctx context.Context, db DBTX, id uint64, serverSeed string, crashPPM uint64, settledAt time.Time) error

	// FindByID returns a round, or nil when none exists.
	FindByID(ctx context.Context, db DBTX, id uint64) (*domain.Round, error)

	// FindUnsettled returns rounds not yet settled, oldest first.
	FindUnsettled(ctx context.Context, db DBTX) ([]domain.Round, error)

	// FindSettledWithActiveBets returns settled rounds that still carry
	// active bets, the signature of a crash during settlement.
	FindSettledWithActiveBets(ctx context.Context, db DBTX) ([]domain.Round, error)

	// RecentCrashPoints returns crash points of settled rounds, newest first.
	RecentCrashPoints(ctx context.Context, db DBTX, limit int) ([]uint64, error)
}

// BetRepository provides access to bets.
type BetRepository interface {
	// Insert persists a bet row.
	Insert(ctx context.Context, db DBTX, bet *domain.Bet) error

	// UpdateStatus moves a bet through its lifecycle, recording the cashout
	// multiplier when it won.
	UpdateStatus(ctx context.Context, db DBTX, roundID uint64, userID string, status domain.BetStatus, cashoutPPM uint64) error

	// ListByRound returns all bets of a round.
	ListByRound(ctx context.Context, db DBTX, roundID uint64) ([]domain.Bet, error)

	// ListByRoundStatus returns a round's bets with the given status.
	ListByRoundStatus(ctx context.Context, db DBTX, roundID uint64, status domain.BetStatus) ([]domain.Bet, error)
}

// DepositRepository owns deposits_seen and the indexer checkpoint.
type DepositRepository interface {
	// InsertSeen records a credited deposit. Returns false when the
	// (tx_hash, log_index) pair was already present.
	InsertSeen(ctx context.Context, db DBTX, d *domain.DepositSeen) (bool, error)

	// Checkpoint returns the current scan position (zero value when unset).
	Checkpoint(ctx context.Context, db DBTX) (domain.IndexerCheckpoint, error)

	// SaveCheckpoint advances the scan position.
	SaveCheckpoint(ctx context.Context, db DBTX, cp domain.IndexerCheckpoint) error

	// CountSince returns credited deposits at or above the given block.
	CountSince(ctx context.Context, db DBTX, block uint64) (int, error)
}

// PayoutRepository provides access to queued on-chain payouts.
type PayoutRepository interface {
	Insert(ctx context.Context, db DBTX, p *domain.Payout) error
	MarkSent(ctx context.Context, db DBTX, id, txHash string) error
	// MarkRetry records a failed attempt but leaves the payout pending.
	MarkRetry(ctx context.Context, db DBTX, id, lastError string) error
	// MarkFailed is terminal; recovery is a manual ledger adjustment.
	MarkFailed(ctx context.Context, db DBTX, id, lastError string) error
	ListPending(ctx context.Context, db DBTX, limit int) ([]domain.Payout, error)
}

// OutboxRow is one event_outbox row with its sequence id.
type OutboxRow struct {
	SeqID int64
	Draft domain.OutboxDraft
}

// OutboxRepository provides access to the event_outbox table.
type OutboxRepository interface {
	// Insert writes an outbox event within the caller's transaction.
	Insert(ctx context.Context, db DBTX, draft domain.OutboxDraft) error

	// FetchUnpublished returns unpublished events for polling consumers.
	FetchUnpublished(ctx context.Context, db DBTX, limit int) ([]OutboxRow, error)

	// MarkPublished stamps events as published.
	MarkPublished(ctx context.Context, db DBTX, ids []int64) error
}
