package handler

import (
	"net/http"
	"strconv"

	"github.com/blastoff/crash-engine/internal/domain"
	"github.com/blastoff/crash-engine/internal/engine"
	"github.com/blastoff/crash-engine/internal/fairness"
)

// GameHandler handles bet, cashout, state and fairness-verification endpoints.
type GameHandler struct {
	engine   *engine.Engine
	fairness fairness.Params
}

// NewGameHandler creates a new GameHandler.
func NewGameHandler(eng *engine.Engine, params fairness.Params) *GameHandler {
	return &GameHandler{engine: eng, fairness: params}
}

// placeBetRequest is the shape of POST /bets.
type placeBetRequest struct {
	UserID         string `json:"user_id"`
	StakeWei       string `json:"stake_wei"`
	AutoCashoutPPM uint64 `json:"auto_cashout_ppm,omitempty"`
	ClientID       string `json:"client_id"`
}

type placeBetResponse struct {
	State   string `json:"state"` // immediate | queued
	RoundID uint64 `json:"round_id,omitempty"`
}

// PlaceBet handles POST /bets.
func (h *GameHandler) PlaceBet(w http.ResponseWriter, r *http.Request) {
	var req placeBetRequest
	if err := DecodeJSON(r, &req); err != nil {
		RespondError(w, domain.ErrInvalidInput("body", "malformed JSON"))
		return
	}
	stake, err := domain.ParseWei(req.StakeWei)
	if err != nil {
		RespondError(w, err)
		return
	}

	result, err := h.engine.PlaceBet(r.Context(), engine.PlaceBetParams{
		UserID:         req.UserID,
		Stake:          stake,
		AutoCashoutPPM: req.AutoCashoutPPM,
		ClientID:       req.ClientID,
	})
	if err != nil {
		RespondError(w, err)
		return
	}

	resp := placeBetResponse{State: "immediate", RoundID: result.RoundID}
	if result.Queued {
		resp.State = "queued"
		resp.RoundID = 0
	}
	RespondJSON(w, http.StatusOK, resp)
}

// cashOutRequest is the shape of POST /cashout.
type cashOutRequest struct {
	UserID string `json:"user_id"`
}

type cashOutResponse struct {
	RoundID       uint64 `json:"round_id"`
	MultiplierPPM uint64 `json:"multiplier_ppm"`
	PayoutWei     string `json:"payout_wei"`
}

// CashOut handles POST /cashout.
func (h *GameHandler) CashOut(w http.ResponseWriter, r *http.Request) {
	var req cashOutRequest
	if err := DecodeJSON(r, &req); err != nil {
		RespondError(w, domain.ErrInvalidInput("body", "malformed JSON"))
		return
	}

	result, err := h.engine.CashOut(r.Context(), req.UserID)
	if err != nil {
		RespondError(w, err)
		return
	}
	RespondJSON(w, http.StatusOK, cashOutResponse{
		RoundID:       result.RoundID,
		MultiplierPPM: result.MultiplierPPM,
		PayoutWei:     result.Payout.String(),
	})
}

// GetState handles GET /state.
func (h *GameHandler) GetState(w http.ResponseWriter, r *http.Request) {
	RespondJSON(w, http.StatusOK, h.engine.Snapshot())
}

// verifyRequest is the shape of POST /verify.
type verifyRequest struct {
	ServerSeed       string `json:"server_seed"`
	CommitHash       string `json:"commit_hash"`
	ClientSeed       string `json:"client_seed"`
	Nonce            uint64 `json:"nonce"`
	ExpectedCrashPPM uint64 `json:"expected_crash_ppm"`
}

// VerifyRound handles POST /verify: the public provably-fair check.
func (h *GameHandler) VerifyRound(w http.ResponseWriter, r *http.Request) {
	var req verifyRequest
	if err := DecodeJSON(r, &req); err != nil {
		RespondError(w, domain.ErrInvalidInput("body", "malformed JSON"))
		return
	}

	result, err := fairness.Verify(h.fairness, req.ServerSeed, req.CommitHash,
		req.ClientSeed, req.Nonce, req.ExpectedCrashPPM)
	if err != nil {
		RespondError(w, domain.ErrInvalidInput("server_seed", err.Error()))
		return
	}
	RespondJSON(w, http.StatusOK, result)
}

// History handles GET /history: recent crash points, newest first.
func (h *GameHandler) History(w http.ResponseWriter, r *http.Request) {
	limit := 25
	if s := r.URL.Query().Get("limit"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n > 0 && n <= 100 {
			limit = n
		}
	}
	history := h.engine.Snapshot().CrashHistory
	if len(history) > limit {
		history = history[:limit]
	}
	RespondJSON(w, http.StatusOK, map[string]any{"recent": history})
}
