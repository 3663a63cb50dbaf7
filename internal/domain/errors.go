package domain

import "fmt"

// AppError is the base domain error type.
type AppError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Status  int    `json:"-"`
	Cause   error  `json:"-"`
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error { return e.Cause }

// Is makes errors.Is match on the code, so callers can compare against the
// zero-argument constructors without caring about the message.
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	return ok && t.Code == e.Code
}

// Game-rule rejections. None of these mutate state.

func ErrNotInBettingPhase() *AppError {
	return &AppError{Code: "NOT_IN_BETTING_PHASE", Message: "bets are only accepted during the betting phase", Status: 409}
}

func ErrNotInRunningPhase() *AppError {
	return &AppError{Code: "NOT_IN_RUNNING_PHASE", Message: "cashout is only valid while the round is running", Status: 409}
}

func ErrDuplicateBet() *AppError {
	return &AppError{Code: "DUPLICATE_BET", Message: "player already has a bet in this round", Status: 409}
}

func ErrCashoutTooLate() *AppError {
	return &AppError{Code: "CASHOUT_TOO_LATE", Message: "multiplier already at or past the crash point", Status: 409}
}

func ErrNoActiveBet() *AppError {
	return &AppError{Code: "NO_ACTIVE_BET", Message: "no active bet for this player", Status: 404}
}

func ErrCooldownActive() *AppError {
	return &AppError{Code: "COOLDOWN_ACTIVE", Message: "bet cooldown has not elapsed", Status: 429}
}

// Validation and funds.

func ErrInvalidInput(field, msg string) *AppError {
	return &AppError{Code: "INVALID_INPUT", Message: fmt.Sprintf("%s: %s", field, msg), Status: 400}
}

func ErrInsufficientFunds() *AppError {
	return &AppError{Code: "INSUFFICIENT_FUNDS", Message: "insufficient available balance", Status: 400}
}

func ErrSolvencyRejected(reason string) *AppError {
	return &AppError{Code: "SOLVENCY_REJECTED", Message: reason, Status: 503}
}

// Infrastructure.

func ErrContention() *AppError {
	return &AppError{Code: "CONTENTION", Message: "account update retries exhausted", Status: 409}
}

func ErrTimeout() *AppError {
	return &AppError{Code: "TIMEOUT", Message: "request deadline exceeded", Status: 504}
}

func ErrInvariantViolation(detail string) *AppError {
	return &AppError{Code: "INVARIANT_VIOLATION", Message: detail, Status: 500}
}

func ErrChainUnavailable(cause error) *AppError {
	return &AppError{Code: "CHAIN_UNAVAILABLE", Message: "chain RPC unavailable", Status: 503, Cause: cause}
}

func ErrPayoutFailed(reason string) *AppError {
	return &AppError{Code: "PAYOUT_FAILED", Message: reason, Status: 502}
}

func ErrNotFound(entity, id string) *AppError {
	return &AppError{Code: "NOT_FOUND", Message: fmt.Sprintf("%s %s not found", entity, id), Status: 404}
}

func ErrInternal(msg string, cause error) *AppError {
	return &AppError{Code: "INTERNAL_ERROR", Message: msg, Status: 500, Cause: cause}
}
