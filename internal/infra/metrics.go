package infra

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus collectors for the service.
type Metrics struct {
	BetsPlaced       prometheus.Counter
	BetsQueued       prometheus.Counter
	BetsRejected     *prometheus.CounterVec
	Cashouts         prometheus.Counter
	CashoutsRejected *prometheus.CounterVec
	RoundsSettled    prometheus.Counter
	CrashPoints      prometheus.Histogram
	DepositsCredited prometheus.Counter
	PayoutsSent      prometheus.Counter
	PayoutsFailed    prometheus.Counter

	LiabilityWei  prometheus.Gauge
	ReservesWei   prometheus.Gauge
	EmergencyMode prometheus.Gauge
	IndexerLag    prometheus.Gauge
	Sessions      prometheus.Gauge
}

// NewMetrics registers all collectors on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		BetsPlaced: f.NewCounter(prometheus.CounterOpts{
			Name: "crash_bets_placed_total", Help: "Bets accepted into a round.",
		}),
		BetsQueued: f.NewCounter(prometheus.CounterOpts{
			Name: "crash_bets_queued_total", Help: "Bets queued for the next round.",
		}),
		BetsRejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "crash_bets_rejected_total", Help: "Bets rejected, by reason code.",
		}, []string{"reason"}),
		Cashouts: f.NewCounter(prometheus.CounterOpts{
			Name: "crash_cashouts_total", Help: "Accepted cashouts.",
		}),
		CashoutsRejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "crash_cashouts_rejected_total", Help: "Rejected cashouts, by reason code.",
		}, []string{"reason"}),
		RoundsSettled: f.NewCounter(prometheus.CounterOpts{
			Name: "crash_rounds_settled_total", Help: "Rounds settled.",
		}),
		CrashPoints: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "crash_point_multiplier",
			Help:    "Crash points of settled rounds.",
			Buckets: []float64{1, 1.2, 1.5, 2, 3, 5, 10, 25, 100, 1000},
		}),
		DepositsCredited: f.NewCounter(prometheus.CounterOpts{
			Name: "crash_deposits_credited_total", Help: "On-chain deposits credited to the ledger.",
		}),
		PayoutsSent: f.NewCounter(prometheus.CounterOpts{
			Name: "crash_payouts_sent_total", Help: "On-chain payouts submitted.",
		}),
		PayoutsFailed: f.NewCounter(prometheus.CounterOpts{
			Name: "crash_payouts_failed_total", Help: "On-chain payouts that failed submission.",
		}),
		LiabilityWei: f.NewGauge(prometheus.GaugeOpts{
			Name: "crash_liability_wei", Help: "Total potential payout of active bets.",
		}),
		ReservesWei: f.NewGauge(prometheus.GaugeOpts{
			Name: "crash_reserves_wei", Help: "Hot wallet reserves above MIN_RESERVE.",
		}),
		EmergencyMode: f.NewGauge(prometheus.GaugeOpts{
			Name: "crash_emergency_mode", Help: "1 when the admission gate is tripped.",
		}),
		IndexerLag: f.NewGauge(prometheus.GaugeOpts{
			Name: "crash_indexer_lag_blocks", Help: "Chain tip minus indexer checkpoint.",
		}),
		Sessions: f.NewGauge(prometheus.GaugeOpts{
			Name: "crash_sessions", Help: "Connected fan-out sessions.",
		}),
	}
}
