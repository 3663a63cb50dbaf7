package health

import (
	"context"
	"io"
	"log/slog"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blastoff/crash-engine/internal/domain"
	"github.com/blastoff/crash-engine/internal/repository"
	"github.com/blastoff/crash-engine/internal/solvency"
)

// stubAccounts serves canned sweep results; the DBTX argument is unused.
type stubAccounts struct {
	repository.AccountRepository
	negative  []string
	available *big.Int
	locked    *big.Int
}

func (s *stubAccounts) NegativeBalances(context.Context, repository.DBTX) ([]string, error) {
	return s.negative, nil
}

func (s *stubAccounts) SumBalances(context.Context, repository.DBTX) (*big.Int, *big.Int, error) {
	return s.available, s.locked, nil
}

type stubEntries struct {
	repository.EntryRepository
	signedSum *big.Int
	dups      []string
	versions  []string
}

func (s *stubEntries) SignedSum(context.Context, repository.DBTX) (*big.Int, error) {
	return s.signedSum, nil
}

func (s *stubEntries) DuplicateClientIDs(context.Context, repository.DBTX) ([]string, error) {
	return s.dups, nil
}

func (s *stubEntries) VersionViolations(context.Context, repository.DBTX) ([]string, error) {
	return s.versions, nil
}

type stubLag struct {
	lag uint64
	err error
}

func (s *stubLag) Lag(context.Context) (uint64, error) { return s.lag, s.err }

func newTestChecker(accounts *stubAccounts, entries *stubEntries, lag LagSource) (*Checker, *solvency.Gate) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	gate := solvency.NewGate(solvency.Policy{
		MaxLiabilityRatio:  0.8,
		EmergencyThreshold: 0.95,
		MinReserve:         big.NewInt(0),
		LiabilityCapPPM:    100_000_000,
	}, logger)
	return NewChecker(nil, accounts, entries, gate, lag, 100, time.Second, logger), gate
}

func balancedBooks() (*stubAccounts, *stubEntries) {
	return &stubAccounts{available: big.NewInt(7000), locked: big.NewInt(3000)},
		&stubEntries{signedSum: big.NewInt(10_000)}
}

func TestCheckInvariants_Healthy(t *testing.T) {
	accounts, entries := balancedBooks()
	checker, gate := newTestChecker(accounts, entries, &stubLag{lag: 5})

	report, err := checker.CheckInvariants(context.Background())
	require.NoError(t, err)

	assert.True(t, report.Healthy)
	assert.Equal(t, "0", report.ConservationDriftWei)
	assert.Equal(t, uint64(5), report.IndexerLag)
	assert.False(t, gate.Emergency())
}

func TestCheckInvariants_NegativeBalanceTripsGate(t *testing.T) {
	accounts, entries := balancedBooks()
	accounts.negative = []string{"0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"}
	checker, gate := newTestChecker(accounts, entries, nil)

	report, err := checker.CheckInvariants(context.Background())
	require.NoError(t, err)

	assert.False(t, report.Healthy)
	assert.True(t, gate.Emergency())
}

func TestCheckInvariants_ConservationDriftTripsGate(t *testing.T) {
	accounts, entries := balancedBooks()
	entries.signedSum = big.NewInt(9_999) // books say 10000 is held
	checker, gate := newTestChecker(accounts, entries, nil)

	report, err := checker.CheckInvariants(context.Background())
	require.NoError(t, err)

	assert.False(t, report.Healthy)
	assert.Equal(t, "1", report.ConservationDriftWei)
	assert.True(t, gate.Emergency())
}

func TestCheckInvariants_DuplicateKeysTripGate(t *testing.T) {
	accounts, entries := balancedBooks()
	entries.dups = []string{"0xaa/bet_lock/c-1"}
	checker, gate := newTestChecker(accounts, entries, nil)

	report, err := checker.CheckInvariants(context.Background())
	require.NoError(t, err)

	assert.False(t, report.Healthy)
	assert.True(t, gate.Emergency())
}

func TestCheckInvariants_VersionViolationUnhealthyButNoTrip(t *testing.T) {
	accounts, entries := balancedBooks()
	entries.versions = []string{"0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"}
	checker, gate := newTestChecker(accounts, entries, nil)

	report, err := checker.CheckInvariants(context.Background())
	require.NoError(t, err)

	assert.False(t, report.Healthy)
	assert.False(t, gate.Emergency(), "version anomalies warn, they do not close admissions")
}

func TestCheckInvariants_LagCeiling(t *testing.T) {
	accounts, entries := balancedBooks()
	checker, gate := newTestChecker(accounts, entries, &stubLag{lag: 150})

	report, err := checker.CheckInvariants(context.Background())
	require.NoError(t, err)

	assert.False(t, report.Healthy)
	assert.True(t, report.IndexerLagExceeded)
	assert.False(t, gate.Emergency(), "a lagging indexer degrades health without closing bets")
}

func TestCheckInvariants_LagErrorTolerated(t *testing.T) {
	accounts, entries := balancedBooks()
	checker, _ := newTestChecker(accounts, entries, &stubLag{err: domain.ErrChainUnavailable(nil)})

	report, err := checker.CheckInvariants(context.Background())
	require.NoError(t, err)
	assert.True(t, report.Healthy, "an unreadable lag is not an invariant violation")
	assert.Zero(t, report.IndexerLag)
}
