// Package metrics exposes the engine's Prometheus collectors.
// Registered in init() and served at /metrics by the listener in Serve.
package metrics

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/web3guy0/pairbot/types"
)

var (
	ordersPlaced = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pairbot_orders_total",
			Help: "Orders placed by ticker, side and router tier",
		},
		[]string{"ticker", "side", "tier"},
	)

	ordersFilled = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pairbot_fills_total",
			Help: "Orders fully filled by ticker and router tier",
		},
		[]string{"ticker", "tier"},
	)

	escalations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pairbot_escalations_total",
			Help: "Passive orders that timed out and crossed the spread",
		},
		[]string{"ticker"},
	)

	cycles = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pairbot_cycles_total",
			Help: "Cycles by outcome (completed|aborted|denied|failed)",
		},
		[]string{"outcome"},
	)

	driftCorrections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pairbot_drift_corrections_total",
			Help: "Reconciles where optimistic and authoritative disagreed",
		},
		[]string{"ticker"},
	)

	emergencyFlattens = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pairbot_emergency_flattens_total",
			Help: "Emergency flatten attempts by result (ok|failed)",
		},
		[]string{"ticker", "result"},
	)

	riskHalts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "pairbot_risk_halts_total",
			Help: "Permanent halts latched by the risk governor",
		},
	)

	realizedPnL = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "pairbot_realized_pnl_usd",
			Help: "Cumulative realized PnL in USD",
		},
	)

	lastCyclePnL = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "pairbot_last_cycle_pnl_usd",
			Help: "Realized PnL of the most recent cycle",
		},
	)

	volumeTraded = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "pairbot_volume_usd",
			Help: "Cumulative notional traded in USD",
		},
	)

	netDelta = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "pairbot_net_delta_usd",
			Help: "Signed notional mismatch between the two legs",
		},
	)

	// One labeled series per phase, flipped 0/1, keeps dashboards simple.
	phaseGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pairbot_phase",
			Help: "Current cycle phase indicator",
		},
		[]string{"phase"},
	)

	connectionUp = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "pairbot_connection_up",
			Help: "Gateway primary connection health (1 up, 0 down)",
		},
	)
)

var allPhases = []types.Phase{
	types.PhaseIdle, types.PhaseBuildPlacing, types.PhaseBuildVerifying,
	types.PhaseBuildComplete, types.PhaseUnwindReady, types.PhaseUnwindPlacing,
	types.PhaseUnwindVerifying, types.PhaseUnwindComplete, types.PhaseError,
}

func init() {
	prometheus.MustRegister(ordersPlaced, ordersFilled, escalations)
	prometheus.MustRegister(cycles, driftCorrections, emergencyFlattens, riskHalts)
	prometheus.MustRegister(realizedPnL, lastCyclePnL, volumeTraded, netDelta)
	prometheus.MustRegister(phaseGauge, connectionUp)
}

// Helper setters used by the engine packages

func IncOrderPlaced(ticker string, side types.Side, tier string) {
	ordersPlaced.WithLabelValues(ticker, string(side), tier).Inc()
}

func IncOrderFilled(ticker, tier string) {
	ordersFilled.WithLabelValues(ticker, tier).Inc()
}

func IncEscalation(ticker string) {
	escalations.WithLabelValues(ticker).Inc()
}

func IncCycle(outcome string) {
	cycles.WithLabelValues(outcome).Inc()
}

func IncDriftCorrection(ticker string) {
	driftCorrections.WithLabelValues(ticker).Inc()
}

func IncEmergencyFlatten(ticker string, ok bool) {
	result := "ok"
	if !ok {
		result = "failed"
	}
	emergencyFlattens.WithLabelValues(ticker, result).Inc()
}

func IncRiskHalt() {
	riskHalts.Inc()
}

func SetRealizedPnL(v float64)  { realizedPnL.Set(v) }
func SetLastCyclePnL(v float64) { lastCyclePnL.Set(v) }
func SetVolume(v float64)       { volumeTraded.Set(v) }
func SetNetDelta(v float64)     { netDelta.Set(v) }

// SetPhase flips the labeled phase series so exactly one reads 1
func SetPhase(p types.Phase) {
	for _, ph := range allPhases {
		v := 0.0
		if ph == p {
			v = 1.0
		}
		phaseGauge.WithLabelValues(string(ph)).Set(v)
	}
}

func SetConnectionUp(up bool) {
	if up {
		connectionUp.Set(1)
	} else {
		connectionUp.Set(0)
	}
}

// Serve exposes /metrics and /healthz on addr and returns the server so the
// caller can shut it down on exit.
func Serve(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok\n"))
	})
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		log.Info().Str("addr", addr).Msg("📈 Metrics listener up")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("❌ Metrics listener failed")
		}
	}()
	return srv
}
