package domain

import (
	"math/big"
	"regexp"
)

// Multiplier bounds on the wire, parts-per-million.
const (
	MinMultiplierPPM = 1_010_000     // 1.01x
	MaxMultiplierPPM = 1_000_000_000 // 1000.00x
)

// MaxClientIDLen bounds the opaque idempotency token.
const MaxClientIDLen = 64

var addressRe = regexp.MustCompile(`^0x[0-9a-f]{40}$`)

// ValidateAddress checks the canonical lowercase wallet-address form.
func ValidateAddress(addr string) error {
	if !addressRe.MatchString(addr) {
		return ErrInvalidInput("user_id", "must match 0x[0-9a-f]{40}")
	}
	return nil
}

// ValidateStake checks a wager amount against the configured wei bounds.
func ValidateStake(stake, minBet, maxBet *big.Int) error {
	if stake == nil || stake.Sign() <= 0 {
		return ErrInvalidInput("stake_wei", "must be positive")
	}
	if minBet != nil && stake.Cmp(minBet) < 0 {
		return ErrInvalidInput("stake_wei", "below minimum bet")
	}
	if maxBet != nil && maxBet.Sign() > 0 && stake.Cmp(maxBet) > 0 {
		return ErrInvalidInput("stake_wei", "above maximum bet")
	}
	return nil
}

// ValidateAutoCashout checks an auto-cashout target. Zero means manual only.
func ValidateAutoCashout(ppm uint64) error {
	if ppm == 0 {
		return nil
	}
	if ppm < MinMultiplierPPM || ppm > MaxMultiplierPPM {
		return ErrInvalidInput("auto_cashout_ppm", "must be within [1.01x, 1000.00x]")
	}
	return nil
}

// ValidateClientID checks the opaque idempotency token.
func ValidateClientID(id string) error {
	if id == "" {
		return ErrInvalidInput("client_id", "required")
	}
	if len(id) > MaxClientIDLen {
		return ErrInvalidInput("client_id", "longer than 64 bytes")
	}
	return nil
}

// ValidatePositiveAmount rejects nil, zero and negative wei amounts.
func ValidatePositiveAmount(amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidInput("amount", "must be positive")
	}
	return nil
}
