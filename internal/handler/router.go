package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/blastoff/crash-engine/internal/chain"
	"github.com/blastoff/crash-engine/internal/health"
	"github.com/blastoff/crash-engine/internal/solvency"
)

// RouterDeps collects everything the HTTP surface needs.
type RouterDeps struct {
	Game       *GameHandler
	Wallet     *WalletHandler
	WS         http.Handler
	Pool       *pgxpool.Pool
	Chain      chain.Client
	Gate       *solvency.Gate
	Checker    *health.Checker
	Registry   *prometheus.Registry
	Logger     *slog.Logger
	CORSOrigin string
}

// NewRouter builds the full route tree.
func NewRouter(d RouterDeps) http.Handler {
	r := chi.NewRouter()
	r.Use(Recovery(d.Logger))
	r.Use(RequestID)
	r.Use(RequestLogger(d.Logger))
	r.Use(CORS(d.CORSOrigin))

	// Operational surface; plain content types.
	r.Get("/health", HealthHandler(d.Pool))
	r.Get("/health/detailed", DetailedHealthHandler(d.Pool, d.Chain, d.Gate))
	r.Get("/health/invariants", InvariantsHandler(d.Checker))
	r.Handle("/metrics", promhttp.HandlerFor(d.Registry, promhttp.HandlerOpts{}))
	r.Handle("/ws", d.WS)

	r.Group(func(r chi.Router) {
		r.Use(JSONContentType)

		r.Post("/bets", d.Game.PlaceBet)
		r.Post("/cashout", d.Game.CashOut)
		r.Get("/state", d.Game.GetState)
		r.Post("/verify", d.Game.VerifyRound)
		r.Get("/history", d.Game.History)

		r.Get("/accounts/{address}", d.Wallet.GetAccount)
		r.Get("/accounts/{address}/ledger", d.Wallet.GetLedger)
		r.Post("/withdraw", d.Wallet.Withdraw)

		r.Route("/admin", func(r chi.Router) {
			r.Get("/solvency", SolvencyHandler(d.Gate))
			r.Post("/solvency/clear", ClearEmergencyHandler(d.Gate))
			r.Post("/adjustments", d.Wallet.Adjust)
		})
	})

	return r
}
