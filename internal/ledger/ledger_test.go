package ledger

import (
	"context"
	"io"
	"log/slog"
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/blastoff/crash-engine/internal/domain"
)

// Validation happens before any transaction opens, so these run against an
// engine with no database behind it. The transactional command flows are
// covered by the integration suite.
func newValidationEngine() *Engine {
	return NewEngine(nil, nil, nil, nil, nil,
		slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestLockBet_Validation(t *testing.T) {
	e := newValidationEngine()
	ctx := context.Background()

	_, err := e.LockBet(ctx, LockBetParams{UserID: "0xaa", Amount: nil, ClientID: "c-1"})
	assert.ErrorIs(t, err, domain.ErrInvalidInput("", ""))

	_, err = e.LockBet(ctx, LockBetParams{UserID: "0xaa", Amount: big.NewInt(-5), ClientID: "c-1"})
	assert.Error(t, err)

	_, err = e.LockBet(ctx, LockBetParams{UserID: "0xaa", Amount: big.NewInt(100), ClientID: ""})
	assert.Error(t, err, "a bet lock without a client id cannot be idempotent")
}

func TestDeposit_Validation(t *testing.T) {
	e := newValidationEngine()
	ctx := context.Background()

	_, err := e.Deposit(ctx, DepositParams{UserID: "0xaa", Amount: big.NewInt(0), TxHash: "0x01"})
	assert.Error(t, err)

	_, err = e.Deposit(ctx, DepositParams{UserID: "0xaa", Amount: big.NewInt(100), TxHash: ""})
	assert.ErrorIs(t, err, domain.ErrInvalidInput("", ""))
}

func TestWithdraw_Validation(t *testing.T) {
	e := newValidationEngine()
	ctx := context.Background()

	_, err := e.Withdraw(ctx, WithdrawParams{UserID: "0xaa", Amount: big.NewInt(-1), ClientID: "w-1"})
	assert.Error(t, err)

	_, err = e.Withdraw(ctx, WithdrawParams{UserID: "0xaa", Amount: big.NewInt(100), ClientID: ""})
	assert.Error(t, err)
}

func TestSettle_Validation(t *testing.T) {
	e := newValidationEngine()
	ctx := context.Background()

	_, err := e.SettleWin(ctx, SettleWinParams{UserID: "0xaa", Stake: big.NewInt(100), Payout: nil, RoundID: 1})
	assert.Error(t, err)

	_, err = e.SettleLose(ctx, SettleLoseParams{UserID: "0xaa", Stake: big.NewInt(0), RoundID: 1})
	assert.Error(t, err)
}

func TestAdjustment_Validation(t *testing.T) {
	e := newValidationEngine()
	ctx := context.Background()

	_, err := e.Adjustment(ctx, AdjustmentParams{UserID: "0xaa", Amount: big.NewInt(100), Direction: "sideways", Reason: "r", ClientID: "a-1"})
	assert.ErrorIs(t, err, domain.ErrInvalidInput("", ""))

	_, err = e.Adjustment(ctx, AdjustmentParams{UserID: "0xaa", Amount: big.NewInt(100), Direction: AdjustCredit, Reason: "", ClientID: "a-1"})
	assert.Error(t, err, "adjustments must carry an audit reason")
}
