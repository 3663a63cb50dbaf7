// Package solvency bounds total potential liability against hot-wallet
// reserves before a bet is admitted.
package solvency

import (
	"log/slog"
	"math/big"
	"sync"

	"github.com/blastoff/crash-engine/internal/domain"
)

// Policy fixes the admission thresholds.
type Policy struct {
	MaxLiabilityRatio  float64  // liability / reserves ceiling
	EmergencyThreshold float64  // ratio at which the gate trips
	MinReserve         *big.Int // wei held back from reserves
	LiabilityCapPPM    uint64   // liability multiplier for manual-cashout bets
}

// Gate is the admission controller. It is mutated only by the round engine's
// intake and settle paths (single writer); reads are safe from any goroutine.
type Gate struct {
	mu        sync.RWMutex
	policy    Policy
	logger    *slog.Logger
	liability map[string]*big.Int // user -> max potential payout
	total     *big.Int
	reserves  *big.Int // hot wallet balance, raw
	emergency bool
	reason    string
}

// NewGate creates a gate with zero reserves; the payout dispatcher feeds
// reserve readings via SetReserves.
func NewGate(policy Policy, logger *slog.Logger) *Gate {
	return &Gate{
		policy:    policy,
		logger:    logger,
		liability: make(map[string]*big.Int),
		total:     new(big.Int),
		reserves:  new(big.Int),
	}
}

// CanAccept decides admission for a bet with the given stake and target
// multiplier. Target 0 (manual cashout) counts as the configured cap.
func (g *Gate) CanAccept(userID string, stake *big.Int, targetPPM uint64) error {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if g.emergency {
		return domain.ErrSolvencyRejected("emergency mode: " + g.reason)
	}

	usable := g.usableReserves()
	if usable.Sign() <= 0 {
		return domain.ErrSolvencyRejected("reserves at or below minimum")
	}

	newTotal := new(big.Int).Add(g.total, g.exposure(stake, targetPPM))

	ceiling := ratioOf(usable, g.policy.MaxLiabilityRatio)
	if newTotal.Cmp(ceiling) > 0 {
		return domain.ErrSolvencyRejected("liability ceiling reached")
	}
	return nil
}

// AddLiability records an admitted bet's exposure. Call after lock_bet commits.
// If the new total breaches the emergency threshold the gate trips; admissions
// stay closed until a settled round brings the ratio back down.
func (g *Gate) AddLiability(userID string, stake *big.Int, targetPPM uint64) {
	g.mu.Lock()
	defer g.mu.Unlock()

	exp := g.exposure(stake, targetPPM)
	if cur, ok := g.liability[userID]; ok {
		cur.Add(cur, exp)
	} else {
		g.liability[userID] = new(big.Int).Set(exp)
	}
	g.total.Add(g.total, exp)

	threshold := ratioOf(g.usableReserves(), g.policy.EmergencyThreshold)
	if g.total.Cmp(threshold) > 0 && !g.emergency {
		g.emergency = true
		g.reason = "liability exceeded emergency threshold"
		g.logger.Error("solvency gate tripped", "reason", g.reason,
			"liability_wei", g.total.String())
	}
}

// ReleaseLiability removes a settled bet's exposure. Clears a
// liability-triggered emergency once the ratio is back under the ceiling.
func (g *Gate) ReleaseLiability(userID string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	exp, ok := g.liability[userID]
	if !ok {
		return
	}
	delete(g.liability, userID)
	g.total.Sub(g.total, exp)
	if g.total.Sign() < 0 {
		g.total.SetInt64(0)
	}

	if g.emergency && g.reason == "liability exceeded emergency threshold" {
		ceiling := ratioOf(g.usableReserves(), g.policy.MaxLiabilityRatio)
		if g.total.Cmp(ceiling) <= 0 {
			g.emergency = false
			g.reason = ""
			g.logger.Info("solvency gate cleared", "liability_wei", g.total.String())
		}
	}
}

// SetReserves records the latest hot-wallet balance reading.
func (g *Gate) SetReserves(balance *big.Int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.reserves.Set(balance)
}

// TripEmergency closes admissions until a human clears it. Used by the health
// sweeper on critical invariant violations.
func (g *Gate) TripEmergency(reason string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.emergency = true
	g.reason = reason
	g.logger.Error("solvency gate tripped", "reason", reason)
}

// ClearEmergency reopens admissions (admin operation).
func (g *Gate) ClearEmergency() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.emergency = false
	g.reason = ""
	g.logger.Info("solvency gate cleared by admin")
}

// Status is the read surface for /admin/solvency.
type Status struct {
	LiabilityWei string `json:"liability_wei"`
	ReservesWei  string `json:"reserves_wei"`
	UsableWei    string `json:"usable_wei"`
	ActiveUsers  int    `json:"active_users"`
	Emergency    bool   `json:"emergency"`
	Reason       string `json:"reason,omitempty"`
}

// Snapshot returns the current gate state.
func (g *Gate) Snapshot() Status {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return Status{
		LiabilityWei: g.total.String(),
		ReservesWei:  g.reserves.String(),
		UsableWei:    g.usableReserves().String(),
		ActiveUsers:  len(g.liability),
		Emergency:    g.emergency,
		Reason:       g.reason,
	}
}

// Emergency reports whether admissions are closed.
func (g *Gate) Emergency() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.emergency
}

// exposure is stake × target multiplier, the payout owed if the bet hits.
func (g *Gate) exposure(stake *big.Int, targetPPM uint64) *big.Int {
	if targetPPM == 0 {
		targetPPM = g.policy.LiabilityCapPPM
	}
	exp := new(big.Int).Mul(stake, new(big.Int).SetUint64(targetPPM))
	return exp.Div(exp, big.NewInt(1_000_000))
}

// usableReserves is reserves − MIN_RESERVE, floored at zero. Callers hold the lock.
func (g *Gate) usableReserves() *big.Int {
	usable := new(big.Int).Sub(g.reserves, g.policy.MinReserve)
	if usable.Sign() < 0 {
		usable.SetInt64(0)
	}
	return usable
}

// ratioOf scales a wei amount by a float ratio using ppm integer arithmetic.
func ratioOf(amount *big.Int, ratio float64) *big.Int {
	ppm := int64(ratio * 1_000_000)
	out := new(big.Int).Mul(amount, big.NewInt(ppm))
	return out.Div(out, big.NewInt(1_000_000))
}
