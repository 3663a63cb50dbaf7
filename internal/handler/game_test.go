package handler

import (
	"encoding/json"
	"fmt"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blastoff/crash-engine/internal/fairness"
)

// VerifyRound is pure: it needs only the derivation constants, no live engine.
func newVerifyHandler() *GameHandler {
	return NewGameHandler(nil, fairness.DefaultParams())
}

func TestVerifyRound_Valid(t *testing.T) {
	seed, err := fairness.GenerateServerSeed()
	require.NoError(t, err)
	commit, err := fairness.Commit(seed)
	require.NoError(t, err)
	crash, err := fairness.CrashPointPPM(fairness.DefaultParams(), seed, "public", 3)
	require.NoError(t, err)

	body := fmt.Sprintf(`{"server_seed":%q,"commit_hash":%q,"client_seed":"public","nonce":3,"expected_crash_ppm":%d}`,
		seed, commit, crash)
	rec := httptest.NewRecorder()
	newVerifyHandler().VerifyRound(rec, httptest.NewRequest("POST", "/verify", strings.NewReader(body)))

	require.Equal(t, 200, rec.Code)
	var res fairness.VerifyResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.True(t, res.Valid)
	assert.Equal(t, crash, res.ComputedPPM)
}

func TestVerifyRound_CommitOptional(t *testing.T) {
	seed, err := fairness.GenerateServerSeed()
	require.NoError(t, err)
	commit, err := fairness.Commit(seed)
	require.NoError(t, err)
	crash, err := fairness.CrashPointPPM(fairness.DefaultParams(), seed, "public", 3)
	require.NoError(t, err)

	// Derivation-only check: no commit supplied, the computed one comes back.
	body := fmt.Sprintf(`{"server_seed":%q,"client_seed":"public","nonce":3,"expected_crash_ppm":%d}`,
		seed, crash)
	rec := httptest.NewRecorder()
	newVerifyHandler().VerifyRound(rec, httptest.NewRequest("POST", "/verify", strings.NewReader(body)))

	require.Equal(t, 200, rec.Code)
	var res fairness.VerifyResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.True(t, res.Valid)
	assert.Equal(t, commit, res.CommitHash)
}

func TestVerifyRound_WrongCommit(t *testing.T) {
	seed, err := fairness.GenerateServerSeed()
	require.NoError(t, err)
	crash, err := fairness.CrashPointPPM(fairness.DefaultParams(), seed, "public", 3)
	require.NoError(t, err)

	body := fmt.Sprintf(`{"server_seed":%q,"commit_hash":"%s","client_seed":"public","nonce":3,"expected_crash_ppm":%d}`,
		seed, strings.Repeat("0", 64), crash)
	rec := httptest.NewRecorder()
	newVerifyHandler().VerifyRound(rec, httptest.NewRequest("POST", "/verify", strings.NewReader(body)))

	require.Equal(t, 200, rec.Code)
	var res fairness.VerifyResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.False(t, res.Valid)
}

func TestVerifyRound_BadSeed(t *testing.T) {
	rec := httptest.NewRecorder()
	newVerifyHandler().VerifyRound(rec, httptest.NewRequest("POST", "/verify",
		strings.NewReader(`{"server_seed":"zz","commit_hash":"x","client_seed":"public","nonce":1}`)))
	assert.Equal(t, 400, rec.Code)
}

func TestVerifyRound_MalformedBody(t *testing.T) {
	rec := httptest.NewRecorder()
	newVerifyHandler().VerifyRound(rec, httptest.NewRequest("POST", "/verify", strings.NewReader("{")))
	assert.Equal(t, 400, rec.Code)
}
