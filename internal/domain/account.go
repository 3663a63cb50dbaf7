package domain

import (
	"encoding/json"
	"math/big"
	"time"
)

// Account holds a player's wallet balances. The canonical key is the player's
// wallet address (0x + 40 lowercase hex). Version increases strictly
// monotonically on every mutation; all writes are CAS-guarded on it.
type Account struct {
	UserID    string
	Available *big.Int
	Locked    *big.Int
	Version   uint64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// NewAccount returns a zero-balance account for the given address.
func NewAccount(userID string) *Account {
	return &Account{
		UserID:    userID,
		Available: new(big.Int),
		Locked:    new(big.Int),
	}
}

// OpType is a ledger entry operation type.
type OpType string

const (
	OpDeposit    OpType = "deposit"
	OpWithdraw   OpType = "withdraw"
	OpBetLock    OpType = "bet_lock"
	OpBetWin     OpType = "bet_win"
	OpBetLose    OpType = "bet_lose"
	OpAdjustment OpType = "adjustment"
)

// LedgerEntry is one append-only balance movement. Amount is always
// non-negative; the op type carries the sign. ref.client_id, when present, is
// unique per (user_id, op_type).
type LedgerEntry struct {
	ID        int64
	UserID    string
	OpType    OpType
	Amount    *big.Int
	Ref       json.RawMessage
	CreatedAt time.Time
}

// BalanceDelta describes the signed change to apply to an account's columns.
type BalanceDelta struct {
	Available *big.Int
	Locked    *big.Int
}

// Apply returns the account's balances after the delta, without mutating the
// account. The second return is false if either balance would go negative.
func (d BalanceDelta) Apply(acct *Account) (available, locked *big.Int, ok bool) {
	available = new(big.Int).Set(acct.Available)
	locked = new(big.Int).Set(acct.Locked)
	if d.Available != nil {
		available.Add(available, d.Available)
	}
	if d.Locked != nil {
		locked.Add(locked, d.Locked)
	}
	if available.Sign() < 0 || locked.Sign() < 0 {
		return nil, nil, false
	}
	return available, locked, true
}

// PostEntryParams is the input to the atomic postEntry primitive.
type PostEntryParams struct {
	UserID string
	OpType OpType
	Amount *big.Int
	Delta  BalanceDelta
	Ref    map[string]any
}

// LedgerResult is returned by every ledger command.
type LedgerResult struct {
	Entry      *LedgerEntry
	Account    *Account
	Idempotent bool // true when a duplicate returned the existing entry
}

// DepositSeen records one credited on-chain deposit, keyed (tx_hash, log_index).
type DepositSeen struct {
	TxHash      string
	LogIndex    uint32
	BlockNumber uint64
	FromAddress string
	Amount      *big.Int
	ProcessedAt time.Time
}

// IndexerCheckpoint is the process-wide scan position singleton.
type IndexerCheckpoint struct {
	LastScannedBlock uint64
}

// PayoutStatus is the lifecycle of an on-chain payout request.
type PayoutStatus string

const (
	PayoutPending PayoutStatus = "pending"
	PayoutSent    PayoutStatus = "sent"
	PayoutFailed  PayoutStatus = "failed"
)

// Payout is a queued on-chain transfer from the hot wallet. The ledger debit
// always precedes dispatch; a failed payout is never auto re-credited.
type Payout struct {
	ID        string
	UserID    string
	Amount    *big.Int
	Status    PayoutStatus
	TxHash    string
	Attempts  int
	LastError string
	CreatedAt time.Time
	UpdatedAt time.Time
}
