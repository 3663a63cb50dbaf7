package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/blastoff/crash-engine/internal/domain"
	"github.com/blastoff/crash-engine/internal/repository"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store is the persistence surface the engine drives. Tests substitute an
// in-memory implementation.
type Store interface {
	InsertRound(ctx context.Context, round *domain.Round) (uint64, error)
	MarkRoundRunning(ctx context.Context, id uint64, startedAt time.Time) error
	// SettleRound reveals the seed, closes the round and writes the outbox
	// event in one transaction.
	SettleRound(ctx context.Context, round *domain.Round) error
	UnsettledRounds(ctx context.Context) ([]domain.Round, error)
	HalfSettledRounds(ctx context.Context) ([]domain.Round, error)
	RecentCrashPoints(ctx context.Context, limit int) ([]uint64, error)

	InsertBet(ctx context.Context, bet *domain.Bet) error
	UpdateBetStatus(ctx context.Context, roundID uint64, userID string, status domain.BetStatus, cashoutPPM uint64) error
	// RecordCashout persists a manual cashout decision while the bet stays
	// active, so recovery settles it as the win it already is.
	RecordCashout(ctx context.Context, roundID uint64, userID string, cashoutPPM uint64) error
	ActiveBets(ctx context.Context, roundID uint64) ([]domain.Bet, error)
}

type pgStore struct {
	pool   *pgxpool.Pool
	rounds repository.RoundRepository
	bets   repository.BetRepository
	outbox repository.OutboxRepository
}

// NewStore returns the pgx-backed Store.
func NewStore(pool *pgxpool.Pool, rounds repository.RoundRepository, bets repository.BetRepository, outbox repository.OutboxRepository) Store {
	return &pgStore{pool: pool, rounds: rounds, bets: bets, outbox: outbox}
}

func (s *pgStore) InsertRound(ctx context.Context, round *domain.Round) (uint64, error) {
	return s.rounds.Insert(ctx, s.pool, round)
}

func (s *pgStore) MarkRoundRunning(ctx context.Context, id uint64, startedAt time.Time) error {
	return s.rounds.MarkRunning(ctx, s.pool, id, startedAt)
}

func (s *pgStore) SettleRound(ctx context.Context, round *domain.Round) error {
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if err := s.rounds.Settle(ctx, tx, round.ID, round.ServerSeed, round.CrashPointPPM, *round.SettledAt); err != nil {
			return err
		}
		return s.outbox.Insert(ctx, tx, domain.NewRoundSettledEvent(round))
	})
	if err != nil {
		return fmt.Errorf("settle round %d: %w", round.ID, err)
	}
	return nil
}

func (s *pgStore) UnsettledRounds(ctx context.Context) ([]domain.Round, error) {
	return s.rounds.FindUnsettled(ctx, s.pool)
}

func (s *pgStore) HalfSettledRounds(ctx context.Context) ([]domain.Round, error) {
	return s.rounds.FindSettledWithActiveBets(ctx, s.pool)
}

func (s *pgStore) RecentCrashPoints(ctx context.Context, limit int) ([]uint64, error) {
	return s.rounds.RecentCrashPoints(ctx, s.pool, limit)
}

func (s *pgStore) InsertBet(ctx context.Context, bet *domain.Bet) error {
	return s.bets.Insert(ctx, s.pool, bet)
}

func (s *pgStore) UpdateBetStatus(ctx context.Context, roundID uint64, userID string, status domain.BetStatus, cashoutPPM uint64) error {
	return s.bets.UpdateStatus(ctx, s.pool, roundID, userID, status, cashoutPPM)
}

func (s *pgStore) RecordCashout(ctx context.Context, roundID uint64, userID string, cashoutPPM uint64) error {
	return s.bets.UpdateStatus(ctx, s.pool, roundID, userID, domain.BetActive, cashoutPPM)
}

func (s *pgStore) ActiveBets(ctx context.Context, roundID uint64) ([]domain.Bet, error) {
	return s.bets.ListByRoundStatus(ctx, s.pool, roundID, domain.BetActive)
}
