package domain

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// EventName is a canonical in-process broadcast event name. These are the only
// names that cross the session boundary; transport adapters may alias but the
// engine emits exactly this set.
type EventName string

const (
	EvStartBettingPhase    EventName = "start_betting_phase"
	EvBettingCountdown     EventName = "betting_countdown"
	EvStartMultiplierCount EventName = "start_multiplier_count"
	EvStopMultiplierCount  EventName = "stop_multiplier_count"
	EvRoundReveal          EventName = "round_reveal"
	EvCrashHistory         EventName = "crash_history"
	EvLiveBettingTable     EventName = "live_betting_table"
	EvBalanceUpdate        EventName = "balance_update"
	EvBetAccepted          EventName = "bet_accepted"
	EvBetRejected          EventName = "bet_rejected"
	EvCashoutSuccess       EventName = "cashout_success"
	EvCashoutError         EventName = "cashout_error"
	EvPayoutSuccess        EventName = "payout_success"
	EvPayoutFailed         EventName = "payout_failed"
	EvSnapshot             EventName = "snapshot"
)

// Event is one fan-out message. ID is assigned by the bus at publish time and
// is strictly monotonic. UserID is empty for broadcast events and set for
// events addressed to one player's sessions.
type Event struct {
	ID     uint64          `json:"id"`
	Name   EventName       `json:"event"`
	UserID string          `json:"-"`
	Data   json.RawMessage `json:"data"`
	At     time.Time       `json:"-"`
}

// Broadcast event payloads.

type StartBettingPhaseData struct {
	RoundID    uint64 `json:"round_id"`
	CommitHash string `json:"commit_hash"`
	ClientSeed string `json:"client_seed"`
	Nonce      uint64 `json:"nonce"`
}

type BettingCountdownData struct {
	RemainingSeconds int64 `json:"remaining_seconds"`
}

type StartMultiplierCountData struct {
	RoundID        uint64    `json:"round_id"`
	PhaseStartTime time.Time `json:"phase_start_time"`
}

type StopMultiplierCountData struct {
	RoundID       uint64 `json:"round_id"`
	CrashPointPPM uint64 `json:"crash_point_ppm"`
}

type RoundRevealData struct {
	RoundID       uint64 `json:"round_id"`
	ServerSeed    string `json:"server_seed"`
	CommitHash    string `json:"commit_hash"`
	CrashPointPPM uint64 `json:"crash_point_ppm"`
}

type CrashHistoryData struct {
	Recent []uint64 `json:"recent"`
}

type LiveBettingTableData struct {
	Bets []LiveBet `json:"bets"`
}

// Per-player event payloads.

type BalanceUpdateData struct {
	AvailableWei string `json:"available_wei"`
	LockedWei    string `json:"locked_wei"`
	Version      uint64 `json:"version"`
}

type BetAcceptedData struct {
	RoundID  uint64 `json:"round_id,omitempty"`
	StakeWei string `json:"stake_wei"`
	Queued   bool   `json:"queued,omitempty"`
	ClientID string `json:"client_id"`
}

type BetRejectedData struct {
	Reason   string `json:"reason"`
	ClientID string `json:"client_id,omitempty"`
}

type CashoutSuccessData struct {
	RoundID       uint64 `json:"round_id"`
	MultiplierPPM uint64 `json:"multiplier_ppm"`
	PayoutWei     string `json:"payout_wei"`
}

type CashoutErrorData struct {
	Reason string `json:"reason"`
}

type PayoutSuccessData struct {
	PayoutID string `json:"payout_id"`
	TxHash   string `json:"tx_hash"`
}

type PayoutFailedData struct {
	PayoutID string `json:"payout_id"`
	Reason   string `json:"reason"`
}

// SnapshotData is the forced-resync payload: everything a client needs to
// rebuild its view when its last_event_id fell out of the retention window.
type SnapshotData struct {
	State   GameState          `json:"state"`
	Account *BalanceUpdateData `json:"account,omitempty"`
}

// NewEvent marshals a payload into an Event. The bus assigns the ID.
func NewEvent(name EventName, userID string, payload any) Event {
	data, _ := json.Marshal(payload)
	return Event{Name: name, UserID: userID, Data: data, At: time.Now()}
}

// --- transactional outbox (external event stream) ---

// EventType enumerates outbox event types published to the external stream.
type EventType string

const (
	EventEntryPosted  EventType = "crash.ledger.entry.posted"
	EventRoundSettled EventType = "crash.round.settled"
	EventPayoutEvent  EventType = "crash.payout.updated"
)

// AggregateType enumerates aggregate roots for outbox partitioning.
type AggregateType string

const (
	AggregateAccount AggregateType = "account"
	AggregateRound   AggregateType = "round"
	AggregatePayout  AggregateType = "payout"
)

// OutboxDraft is the row written to event_outbox inside the same transaction
// as the state change it describes.
type OutboxDraft struct {
	EventID       uuid.UUID       `json:"event_id"`
	AggregateType AggregateType   `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	EventType     EventType       `json:"event_type"`
	PartitionKey  string          `json:"partition_key"`
	Payload       json.RawMessage `json:"payload"`
	OccurredAt    time.Time       `json:"occurred_at"`
}

// NewEntryPostedEvent is the standard outbox draft for a ledger entry.
func NewEntryPostedEvent(entry *LedgerEntry) OutboxDraft {
	payload, _ := json.Marshal(map[string]any{
		"entry_id":   entry.ID,
		"user_id":    entry.UserID,
		"op_type":    entry.OpType,
		"amount_wei": WeiString(entry.Amount),
		"ref":        entry.Ref,
		"created_at": entry.CreatedAt,
	})
	return OutboxDraft{
		EventID:       uuid.New(),
		AggregateType: AggregateAccount,
		AggregateID:   entry.UserID,
		EventType:     EventEntryPosted,
		PartitionKey:  entry.UserID,
		Payload:       payload,
		OccurredAt:    time.Now(),
	}
}

// NewRoundSettledEvent is the outbox draft emitted when a round settles.
func NewRoundSettledEvent(round *Round) OutboxDraft {
	payload, _ := json.Marshal(map[string]any{
		"round_id":        round.ID,
		"commit_hash":     round.CommitHash,
		"server_seed":     round.ServerSeed,
		"client_seed":     round.ClientSeed,
		"nonce":           round.Nonce,
		"crash_point_ppm": round.CrashPointPPM,
		"settled_at":      round.SettledAt,
	})
	rid := strconv.FormatUint(round.ID, 10)
	return OutboxDraft{
		EventID:       uuid.New(),
		AggregateType: AggregateRound,
		AggregateID:   rid,
		EventType:     EventRoundSettled,
		PartitionKey:  rid,
		Payload:       payload,
		OccurredAt:    time.Now(),
	}
}
