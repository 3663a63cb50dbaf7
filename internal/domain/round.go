package domain

import (
	"math/big"
	"time"
)

// Phase is the engine's authoritative game phase.
type Phase string

const (
	PhaseCashout Phase = "cashout"
	PhaseBetting Phase = "betting"
	PhaseRunning Phase = "running"
)

// RoundStatus is the persisted round lifecycle.
type RoundStatus string

const (
	RoundPending RoundStatus = "pending"
	RoundRunning RoundStatus = "running"
	RoundSettled RoundStatus = "settled"
)

// Round is one commit/reveal cycle. CommitHash is published when the round is
// created; ServerSeed stays empty until settlement.
type Round struct {
	ID            uint64
	CommitHash    string
	ServerSeed    string
	ClientSeed    string
	Nonce         uint64
	CrashPointPPM uint64
	Status        RoundStatus
	StartedAt     time.Time
	SettledAt     *time.Time
}

// BetStatus is the persisted bet lifecycle: queued → active → won|lost.
type BetStatus string

const (
	BetQueued BetStatus = "queued"
	BetActive BetStatus = "active"
	BetWon    BetStatus = "won"
	BetLost   BetStatus = "lost"
)

// Bet is a single wager, keyed (round_id, user_id).
// AutoCashoutPPM of 0 means manual cashout only. CashoutPPM is 0 until the
// player cashes out (manually or via auto-cashout at settlement).
type Bet struct {
	RoundID        uint64
	UserID         string
	Stake          *big.Int
	AutoCashoutPPM uint64
	Status         BetStatus
	CashoutPPM     uint64
	CreatedAt      time.Time
}

// Payout returns stake × cashoutPPM / 1e6, truncated to wei.
func (b *Bet) Payout(cashoutPPM uint64) *big.Int {
	p := new(big.Int).Mul(b.Stake, new(big.Int).SetUint64(cashoutPPM))
	return p.Div(p, big.NewInt(1_000_000))
}

// GameState is the public snapshot of the current round.
type GameState struct {
	Phase          Phase     `json:"phase"`
	PhaseStartTime time.Time `json:"phase_start_time"`
	RemainingMS    int64     `json:"remaining_ms"`
	RoundID        uint64    `json:"round_id"`
	CommitHash     string    `json:"commit_hash"`
	ClientSeed     string    `json:"client_seed"`
	Nonce          uint64    `json:"nonce"`
	CrashHistory   []uint64  `json:"crash_history"`
	LiveBets       []LiveBet `json:"live_bets"`
}

// LiveBet is one row of the public live-bets table. Stakes travel as decimal
// strings because wei overflows JSON numbers.
type LiveBet struct {
	UserID         string `json:"user_id"`
	StakeWei       string `json:"stake_wei"`
	AutoCashoutPPM uint64 `json:"auto_cashout_ppm,omitempty"`
	CashoutPPM     uint64 `json:"cashout_ppm,omitempty"`
	Queued         bool   `json:"queued,omitempty"`
}
