// Package ws exposes the event fan-out and game operations over a WebSocket
// endpoint. The engine's published events are the single source of outcome
// notifications; inbound operation messages are fire-and-forget.
package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/blastoff/crash-engine/internal/bus"
	"github.com/blastoff/crash-engine/internal/domain"
	"github.com/blastoff/crash-engine/internal/engine"
	"github.com/blastoff/crash-engine/internal/ledger"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second

	maxMessageSize = 4096
)

// Handler upgrades connections and bridges them onto the bus.
type Handler struct {
	engine   *engine.Engine
	ledger   *ledger.Engine
	bus      *bus.Bus
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

// NewHandler creates the WebSocket handler. checkOrigin of nil allows all
// origins (dev); production passes the CORS policy.
func NewHandler(eng *engine.Engine, led *ledger.Engine, b *bus.Bus, logger *slog.Logger, checkOrigin func(*http.Request) bool) *Handler {
	return &Handler{
		engine: eng,
		ledger: led,
		bus:    b,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     checkOrigin,
		},
	}
}

// clientMessage is the inbound frame.
type clientMessage struct {
	Type           string `json:"type"`
	LastEventID    uint64 `json:"last_event_id,omitempty"`
	StakeWei       string `json:"stake_wei,omitempty"`
	AutoCashoutPPM uint64 `json:"auto_cashout_ppm,omitempty"`
	ClientID       string `json:"client_id,omitempty"`
}

// ServeHTTP upgrades the connection. The player address arrives as the
// user_id query parameter; socket identity never substitutes for it.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if err := domain.ValidateAddress(userID); err != nil {
		http.Error(w, "invalid user_id", http.StatusBadRequest)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	session := h.bus.Subscribe(userID)
	c := &client{handler: h, conn: conn, session: session, userID: userID}
	go c.writePump()
	go c.readPump(r.Context())
}

type client struct {
	handler *Handler
	conn    *websocket.Conn
	session *bus.Session
	userID  string
}

// readPump consumes inbound frames until the connection drops.
func (c *client) readPump(ctx context.Context) {
	defer func() {
		c.session.Close()
		c.conn.Close()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var msg clientMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.handler.logger.Debug("websocket read error", "user", c.userID, "error", err)
			}
			return
		}
		c.handle(ctx, msg)
	}
}

// handle dispatches one inbound frame. Operation outcomes travel back as bus
// events; nothing is written on the request path.
func (c *client) handle(ctx context.Context, msg clientMessage) {
	switch msg.Type {
	case "hello":
		if !c.handler.bus.Resume(c.session, msg.LastEventID) {
			c.sendSnapshot(ctx)
		}
	case "place_bet":
		stake, err := domain.ParseWei(msg.StakeWei)
		if err != nil {
			c.handler.bus.Publish(domain.NewEvent(domain.EvBetRejected, c.userID,
				domain.BetRejectedData{Reason: "INVALID_INPUT", ClientID: msg.ClientID}))
			return
		}
		go func() {
			_, err := c.handler.engine.PlaceBet(context.WithoutCancel(ctx), engine.PlaceBetParams{
				UserID:         c.userID,
				Stake:          stake,
				AutoCashoutPPM: msg.AutoCashoutPPM,
				ClientID:       msg.ClientID,
			})
			if err != nil {
				c.handler.logger.Debug("ws bet rejected", "user", c.userID, "error", err)
			}
		}()
	case "cash_out":
		go func() {
			_, err := c.handler.engine.CashOut(context.WithoutCancel(ctx), c.userID)
			if err != nil {
				c.handler.logger.Debug("ws cashout rejected", "user", c.userID, "error", err)
			}
		}()
	case "get_state":
		c.sendSnapshot(ctx)
	default:
		c.handler.logger.Debug("unknown ws message type", "type", msg.Type)
	}
}

// sendSnapshot pushes a full resync frame through the session queue by
// publishing a snapshot event addressed to this player.
func (c *client) sendSnapshot(ctx context.Context) {
	snap := domain.SnapshotData{State: c.handler.engine.Snapshot()}
	acct, err := c.handler.ledger.GetAccount(ctx, c.userID)
	if err == nil && acct != nil {
		snap.Account = &domain.BalanceUpdateData{
			AvailableWei: acct.Available.String(),
			LockedWei:    acct.Locked.String(),
			Version:      acct.Version,
		}
	}
	c.handler.bus.Publish(domain.NewEvent(domain.EvSnapshot, c.userID, snap))
}

// writePump drains the session queue onto the wire and keeps the connection
// alive with pings. A session flagged for resync gets a fresh snapshot in
// place of the history it lost.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case ev, ok := <-c.session.Events():
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.writeEvent(ev); err != nil {
				return
			}
			if c.session.NeedsResync() {
				c.sendSnapshot(context.Background())
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *client) writeEvent(ev domain.Event) error {
	frame := struct {
		ID    uint64           `json:"id"`
		Event domain.EventName `json:"event"`
		Data  json.RawMessage  `json:"data"`
	}{ID: ev.ID, Event: ev.Name, Data: ev.Data}
	return c.conn.WriteJSON(frame)
}
