package handler

import (
	"encoding/json"
	"net/http"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/blastoff/crash-engine/internal/chain"
	"github.com/blastoff/crash-engine/internal/health"
	"github.com/blastoff/crash-engine/internal/infra"
	"github.com/blastoff/crash-engine/internal/solvency"
)

// HealthHandler returns a liveness endpoint.
func HealthHandler(pool *pgxpool.Pool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		err := infra.HealthCheck(r.Context(), pool)
		if err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			json.NewEncoder(w).Encode(map[string]string{
				"status": "unhealthy",
				"error":  err.Error(),
			})
			return
		}
		json.NewEncoder(w).Encode(map[string]string{
			"status": "healthy",
		})
	}
}

// DetailedHealthHandler reports per-subsystem status.
func DetailedHealthHandler(pool *pgxpool.Pool, client chain.Client, gate *solvency.Gate) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		subsystems := map[string]string{
			"database": "healthy",
			"chain":    "healthy",
			"solvency": "healthy",
		}
		status := http.StatusOK

		if err := infra.HealthCheck(r.Context(), pool); err != nil {
			subsystems["database"] = err.Error()
			status = http.StatusServiceUnavailable
		}
		if _, err := client.LatestBlock(r.Context()); err != nil {
			subsystems["chain"] = err.Error()
			status = http.StatusServiceUnavailable
		}
		if gate.Emergency() {
			subsystems["solvency"] = "emergency mode"
			status = http.StatusServiceUnavailable
		}

		RespondJSON(w, status, map[string]any{"subsystems": subsystems})
	}
}

// InvariantsHandler runs the full invariant sweep on demand.
func InvariantsHandler(checker *health.Checker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		report, err := checker.CheckInvariants(r.Context())
		if err != nil {
			RespondError(w, err)
			return
		}
		status := http.StatusOK
		if !report.Healthy {
			status = http.StatusConflict
		}
		RespondJSON(w, status, report)
	}
}

// SolvencyHandler exposes the admission gate state for admins.
func SolvencyHandler(gate *solvency.Gate) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		RespondJSON(w, http.StatusOK, gate.Snapshot())
	}
}

// ClearEmergencyHandler reopens admissions after a human has investigated.
func ClearEmergencyHandler(gate *solvency.Gate) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		gate.ClearEmergency()
		RespondJSON(w, http.StatusOK, gate.Snapshot())
	}
}
