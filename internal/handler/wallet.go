package handler

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/blastoff/crash-engine/internal/domain"
	"github.com/blastoff/crash-engine/internal/ledger"
	"github.com/blastoff/crash-engine/internal/payout"
)

// WalletHandler handles balances, ledger history, withdrawals and admin
// adjustments.
type WalletHandler struct {
	ledger     *ledger.Engine
	dispatcher *payout.Dispatcher
}

// NewWalletHandler creates a new WalletHandler.
func NewWalletHandler(led *ledger.Engine, dispatcher *payout.Dispatcher) *WalletHandler {
	return &WalletHandler{ledger: led, dispatcher: dispatcher}
}

// accountResponse is the shape of GET /accounts/{address}.
type accountResponse struct {
	UserID       string `json:"user_id"`
	AvailableWei string `json:"available_wei"`
	LockedWei    string `json:"locked_wei"`
	Version      uint64 `json:"version"`
}

// GetAccount handles GET /accounts/{address}.
func (h *WalletHandler) GetAccount(w http.ResponseWriter, r *http.Request) {
	addr := chi.URLParam(r, "address")
	if err := domain.ValidateAddress(addr); err != nil {
		RespondError(w, err)
		return
	}

	acct, err := h.ledger.GetAccount(r.Context(), addr)
	if err != nil {
		RespondError(w, err)
		return
	}
	if acct == nil {
		RespondError(w, domain.ErrNotFound("account", addr))
		return
	}
	RespondJSON(w, http.StatusOK, accountResponse{
		UserID:       acct.UserID,
		AvailableWei: acct.Available.String(),
		LockedWei:    acct.Locked.String(),
		Version:      acct.Version,
	})
}

// ledgerEntryView is one row of GET /accounts/{address}/ledger.
type ledgerEntryView struct {
	ID        int64           `json:"id"`
	OpType    domain.OpType   `json:"op_type"`
	AmountWei string          `json:"amount_wei"`
	Ref       json.RawMessage `json:"ref,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// GetLedger handles GET /accounts/{address}/ledger.
func (h *WalletHandler) GetLedger(w http.ResponseWriter, r *http.Request) {
	addr := chi.URLParam(r, "address")
	if err := domain.ValidateAddress(addr); err != nil {
		RespondError(w, err)
		return
	}

	limit := 50
	if s := r.URL.Query().Get("limit"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n > 0 && n <= 200 {
			limit = n
		}
	}

	entries, err := h.ledger.ListEntries(r.Context(), addr, limit)
	if err != nil {
		RespondError(w, err)
		return
	}
	views := make([]ledgerEntryView, 0, len(entries))
	for _, e := range entries {
		views = append(views, ledgerEntryView{
			ID:        e.ID,
			OpType:    e.OpType,
			AmountWei: e.Amount.String(),
			Ref:       e.Ref,
			CreatedAt: e.CreatedAt,
		})
	}
	RespondJSON(w, http.StatusOK, map[string]any{"entries": views})
}

// withdrawRequest is the shape of POST /withdraw.
type withdrawRequest struct {
	UserID    string `json:"user_id"`
	AmountWei string `json:"amount_wei"`
	ClientID  string `json:"client_id"`
}

type withdrawResponse struct {
	PayoutID string `json:"payout_id"`
	Status   string `json:"status"`
}

// Withdraw handles POST /withdraw: debit first, then queue the on-chain send.
func (h *WalletHandler) Withdraw(w http.ResponseWriter, r *http.Request) {
	var req withdrawRequest
	if err := DecodeJSON(r, &req); err != nil {
		RespondError(w, domain.ErrInvalidInput("body", "malformed JSON"))
		return
	}
	if err := domain.ValidateAddress(req.UserID); err != nil {
		RespondError(w, err)
		return
	}
	amount, err := domain.ParseWei(req.AmountWei)
	if err != nil {
		RespondError(w, err)
		return
	}

	p, err := h.dispatcher.Enqueue(r.Context(), req.UserID, amount, req.ClientID)
	if err != nil {
		RespondError(w, err)
		return
	}
	RespondJSON(w, http.StatusAccepted, withdrawResponse{
		PayoutID: p.ID,
		Status:   string(p.Status),
	})
}

// adjustmentRequest is the shape of POST /admin/adjustments.
type adjustmentRequest struct {
	UserID    string `json:"user_id"`
	AmountWei string `json:"amount_wei"`
	Direction string `json:"direction"` // credit | debit
	Reason    string `json:"reason"`
	ClientID  string `json:"client_id,omitempty"`
}

// Adjust handles POST /admin/adjustments: the manual recovery path for failed
// payouts and operational corrections.
func (h *WalletHandler) Adjust(w http.ResponseWriter, r *http.Request) {
	var req adjustmentRequest
	if err := DecodeJSON(r, &req); err != nil {
		RespondError(w, domain.ErrInvalidInput("body", "malformed JSON"))
		return
	}
	if err := domain.ValidateAddress(req.UserID); err != nil {
		RespondError(w, err)
		return
	}
	amount, err := domain.ParseWei(req.AmountWei)
	if err != nil {
		RespondError(w, err)
		return
	}

	res, err := h.ledger.Adjustment(r.Context(), ledger.AdjustmentParams{
		UserID:    req.UserID,
		Amount:    amount,
		Direction: ledger.AdjustmentDirection(req.Direction),
		Reason:    req.Reason,
		ClientID:  req.ClientID,
	})
	if err != nil {
		RespondError(w, err)
		return
	}
	RespondJSON(w, http.StatusOK, accountResponse{
		UserID:       res.Account.UserID,
		AvailableWei: res.Account.Available.String(),
		LockedWei:    res.Account.Locked.String(),
		Version:      res.Account.Version,
	})
}
