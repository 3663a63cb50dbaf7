package solvency

import (
	"io"
	"log/slog"
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blastoff/crash-engine/internal/domain"
)

func newTestGate(reserves int64) *Gate {
	g := NewGate(Policy{
		MaxLiabilityRatio:  0.8,
		EmergencyThreshold: 0.95,
		MinReserve:         big.NewInt(1000),
		LiabilityCapPPM:    100_000_000, // 100x
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	g.SetReserves(big.NewInt(reserves))
	return g
}

func TestCanAccept_WithinCeiling(t *testing.T) {
	// usable = 11000 - 1000 = 10000, ceiling = 8000.
	g := newTestGate(11_000)

	// stake 1000 at 2.00x exposes 2000.
	assert.NoError(t, g.CanAccept("0xaa", big.NewInt(1000), 2_000_000))
}

func TestCanAccept_CeilingBoundary(t *testing.T) {
	g := newTestGate(11_000)

	// Exactly at the 8000 ceiling is admitted, one wei over is not.
	assert.NoError(t, g.CanAccept("0xaa", big.NewInt(4000), 2_000_000))

	err := g.CanAccept("0xaa", big.NewInt(4001), 2_000_000)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrSolvencyRejected(""))
}

func TestCanAccept_ManualBetUsesLiabilityCap(t *testing.T) {
	g := newTestGate(11_000)

	// Manual cashout counts as 100x: stake 81 exposes 8100 > 8000 ceiling.
	assert.Error(t, g.CanAccept("0xaa", big.NewInt(81), 0))
	assert.NoError(t, g.CanAccept("0xaa", big.NewInt(80), 0))
}

func TestCanAccept_ReservesBelowMinimum(t *testing.T) {
	g := newTestGate(1000) // usable = 0

	err := g.CanAccept("0xaa", big.NewInt(1), 2_000_000)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrSolvencyRejected(""))
}

func TestCanAccept_AccumulatedLiabilityCounts(t *testing.T) {
	g := newTestGate(11_000)

	g.AddLiability("0xaa", big.NewInt(3000), 2_000_000) // total 6000
	assert.NoError(t, g.CanAccept("0xbb", big.NewInt(1000), 2_000_000))
	assert.Error(t, g.CanAccept("0xbb", big.NewInt(1001), 2_000_000))
}

func TestReleaseLiability_ReopensHeadroom(t *testing.T) {
	g := newTestGate(11_000)

	g.AddLiability("0xaa", big.NewInt(4000), 2_000_000) // total 8000
	assert.Error(t, g.CanAccept("0xbb", big.NewInt(1), 2_000_000))

	g.ReleaseLiability("0xaa")
	assert.NoError(t, g.CanAccept("0xbb", big.NewInt(4000), 2_000_000))
	assert.Equal(t, "0", g.Snapshot().LiabilityWei)
}

func TestAddLiability_TripsEmergency(t *testing.T) {
	g := newTestGate(11_000)

	// threshold = 9500; exposure 9600 trips the gate.
	g.AddLiability("0xaa", big.NewInt(4800), 2_000_000)
	assert.True(t, g.Emergency())

	err := g.CanAccept("0xbb", big.NewInt(1), 2_000_000)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrSolvencyRejected(""))
}

func TestReleaseLiability_ClearsLiabilityTrip(t *testing.T) {
	g := newTestGate(11_000)

	g.AddLiability("0xaa", big.NewInt(4800), 2_000_000)
	require.True(t, g.Emergency())

	g.ReleaseLiability("0xaa")
	assert.False(t, g.Emergency())
}

func TestReleaseLiability_DoesNotClearHealthTrip(t *testing.T) {
	g := newTestGate(11_000)

	g.AddLiability("0xaa", big.NewInt(1000), 2_000_000)
	g.TripEmergency("conservation drift detected")

	g.ReleaseLiability("0xaa")
	assert.True(t, g.Emergency(), "only an admin clears a health trip")

	g.ClearEmergency()
	assert.False(t, g.Emergency())
}

func TestSnapshot(t *testing.T) {
	g := newTestGate(11_000)
	g.AddLiability("0xaa", big.NewInt(1000), 2_000_000)
	g.AddLiability("0xbb", big.NewInt(500), 3_000_000)

	s := g.Snapshot()
	assert.Equal(t, "3500", s.LiabilityWei)
	assert.Equal(t, "11000", s.ReservesWei)
	assert.Equal(t, "10000", s.UsableWei)
	assert.Equal(t, 2, s.ActiveUsers)
	assert.False(t, s.Emergency)
}

func TestReleaseLiability_UnknownUserIsNoop(t *testing.T) {
	g := newTestGate(11_000)
	g.ReleaseLiability("0xcc")
	assert.Equal(t, "0", g.Snapshot().LiabilityWei)
}
