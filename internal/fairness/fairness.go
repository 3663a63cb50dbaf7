// Package fairness implements the provably-fair crash RNG: commit/reveal
// server seeds and the bit-exact crash-point derivation that external parties
// replay from revealed seeds.
package fairness

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"math"
	"strconv"
	"sync"
)

const (
	// DefaultHouseEdgeDivisor is the instant-crash modulus (~3.03% of rounds).
	DefaultHouseEdgeDivisor = 33

	// DefaultMaxCrash caps the multiplier.
	DefaultMaxCrash = 1000.0

	// PPM scales multipliers for wire formats.
	PPM = 1_000_000
)

// Params fixes the derivation constants. The zero value is not usable; use
// DefaultParams or build from config.
type Params struct {
	HouseEdgeDivisor uint64
	MaxCrash         float64
}

// DefaultParams returns the production derivation constants.
func DefaultParams() Params {
	return Params{HouseEdgeDivisor: DefaultHouseEdgeDivisor, MaxCrash: DefaultMaxCrash}
}

// GenerateServerSeed returns 32 bytes from crypto/rand, hex-encoded.
func GenerateServerSeed() (string, error) {
	var b [32]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", fmt.Errorf("read entropy: %w", err)
	}
	return hex.EncodeToString(b[:]), nil
}

// Commit returns the published commitment: SHA256 over the seed bytes, hex.
func Commit(serverSeed string) (string, error) {
	raw, err := hex.DecodeString(serverSeed)
	if err != nil || len(raw) != 32 {
		return "", fmt.Errorf("server seed must be 32 bytes of hex")
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}

// CrashPointPPM derives the crash multiplier in parts-per-million from the
// seed triple. The derivation is the verification contract: any change here
// breaks replayability of settled rounds:
//
//	H  = HMAC-SHA256(server_seed, client_seed ":" nonce)
//	r  = first 10 hex chars of H as a 40-bit integer
//	r mod divisor == 0            → 1.00x
//	u  = (r mod 1e6) / 1e6; u==0  → resample from HMAC(msg ":resample")
//	crash = clamp(0.01 + 0.99/u, 1.00, MaxCrash), rounded to 2 decimals
func CrashPointPPM(p Params, serverSeed, clientSeed string, nonce uint64) (uint64, error) {
	key, err := hex.DecodeString(serverSeed)
	if err != nil || len(key) != 32 {
		return 0, fmt.Errorf("server seed must be 32 bytes of hex")
	}

	msg := clientSeed + ":" + strconv.FormatUint(nonce, 10)
	r := hexPrefixInt(hmacHex(key, msg), 10)

	if r%p.HouseEdgeDivisor == 0 {
		return PPM, nil
	}

	uNum := r % PPM
	if uNum == 0 {
		uNum = hexPrefixInt(hmacHex(key, msg+":resample"), 6) % PPM
		if uNum == 0 {
			uNum = 1
		}
	}

	u := float64(uNum) / float64(PPM)
	crash := 0.01 + 0.99/u
	if crash < 1.0 {
		crash = 1.0
	}
	if crash > p.MaxCrash {
		crash = p.MaxCrash
	}
	// Round half-up to 2 decimals, then scale to ppm.
	cents := math.Floor(crash*100 + 0.5)
	return uint64(cents) * (PPM / 100), nil
}

// VerifyResult is the outcome of a round verification.
type VerifyResult struct {
	Valid       bool   `json:"valid"`
	ComputedPPM uint64 `json:"computed_ppm"`
	CommitHash  string `json:"commit_hash"`
}

// Verify checks a revealed round: the derivation must reproduce the expected
// crash point, and a supplied commitment must equal SHA256(server_seed). An
// empty commitHash verifies the derivation alone; the result carries the
// computed commit either way so callers can compare it themselves.
func Verify(p Params, serverSeed, commitHash, clientSeed string, nonce uint64, expectedPPM uint64) (VerifyResult, error) {
	commit, err := Commit(serverSeed)
	if err != nil {
		return VerifyResult{}, err
	}
	computed, err := CrashPointPPM(p, serverSeed, clientSeed, nonce)
	if err != nil {
		return VerifyResult{}, err
	}
	commitOK := commitHash == "" ||
		subtle.ConstantTimeCompare([]byte(commit), []byte(commitHash)) == 1
	return VerifyResult{
		Valid:       commitOK && computed == expectedPPM,
		ComputedPPM: computed,
		CommitHash:  commit,
	}, nil
}

func hmacHex(key []byte, msg string) string {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(msg))
	return hex.EncodeToString(mac.Sum(nil))
}

// hexPrefixInt parses the first n hex chars of s as an unsigned integer.
func hexPrefixInt(s string, n int) uint64 {
	v, _ := strconv.ParseUint(s[:n], 16, 64)
	return v
}

// SeedSource hands out round seed triples. Nonce increases monotonically
// within a (server_seed, client_seed) pair; rotating either seed resets it.
type SeedSource struct {
	mu         sync.Mutex
	params     Params
	clientSeed string
	nonce      uint64
}

// NewSeedSource creates a source with the given publishable client seed.
func NewSeedSource(params Params, clientSeed string) *SeedSource {
	return &SeedSource{params: params, clientSeed: clientSeed}
}

// RoundSeed is one round's fairness material.
type RoundSeed struct {
	ServerSeed    string
	CommitHash    string
	ClientSeed    string
	Nonce         uint64
	CrashPointPPM uint64
}

// Next generates a fresh server seed, commitment and crash point. Each round
// gets its own server seed, so the nonce distinguishes rounds that happen to
// share a seed after a restart rather than within one pair.
func (s *SeedSource) Next() (RoundSeed, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	seed, err := GenerateServerSeed()
	if err != nil {
		return RoundSeed{}, err
	}
	commit, err := Commit(seed)
	if err != nil {
		return RoundSeed{}, err
	}
	s.nonce++
	crash, err := CrashPointPPM(s.params, seed, s.clientSeed, s.nonce)
	if err != nil {
		return RoundSeed{}, err
	}
	return RoundSeed{
		ServerSeed:    seed,
		CommitHash:    commit,
		ClientSeed:    s.clientSeed,
		Nonce:         s.nonce,
		CrashPointPPM: crash,
	}, nil
}

// RotateClientSeed swaps the publishable client seed and resets the nonce.
func (s *SeedSource) RotateClientSeed(clientSeed string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clientSeed = clientSeed
	s.nonce = 0
}
