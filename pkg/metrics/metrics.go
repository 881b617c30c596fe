// Package metrics exposes the daemon's Prometheus instrumentation: unit
// state gauges and transition counters, served on an optional loopback
// listener.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	UnitsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "wpm_units_total",
			Help: "Number of registered units by state",
		},
		[]string{"state"},
	)

	UnitStarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wpm_unit_starts_total",
			Help: "Total number of unit start sequences by outcome",
		},
		[]string{"unit", "outcome"},
	)

	UnitRestarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wpm_unit_restarts_total",
			Help: "Total number of policy-driven unit restarts",
		},
		[]string{"unit"},
	)

	UnitFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wpm_unit_failures_total",
			Help: "Total number of unit failures by kind",
		},
		[]string{"unit", "kind"},
	)

	StoreDownloads = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "wpm_store_downloads_total",
			Help: "Total number of resource store downloads",
		},
	)

	CommandsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wpm_control_commands_total",
			Help: "Total number of control commands by type and status",
		},
		[]string{"type", "status"},
	)
)

func init() {
	prometheus.MustRegister(
		UnitsTotal,
		UnitStarts,
		UnitRestarts,
		UnitFailures,
		StoreDownloads,
		CommandsTotal,
	)
}

// Handler returns the HTTP handler serving the metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Serve starts a blocking metrics listener on addr.
func Serve(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	return http.ListenAndServe(addr, mux)
}
