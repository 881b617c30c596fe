package daemon

import (
	"time"

	"github.com/LGUG2Z/wpm/pkg/log"
	"github.com/LGUG2Z/wpm/pkg/metrics"
	"github.com/LGUG2Z/wpm/pkg/unit"
)

// collectInterval is how often the state gauges refresh.
const collectInterval = 15 * time.Second

func (d *Daemon) serveMetrics() {
	log.WithComponent("metrics").Info().Str("addr", d.cfg.MetricsAddr).Msg("serving metrics")
	if err := metrics.Serve(d.cfg.MetricsAddr); err != nil {
		log.WithComponent("metrics").Error().Err(err).Msg("metrics listener failed")
	}
}

// collectMetrics refreshes the unit state gauges from registry snapshots.
func (d *Daemon) collectMetrics() {
	ticker := time.NewTicker(collectInterval)
	defer ticker.Stop()

	collect := func() {
		counts := map[unit.State]int{
			unit.StateStopped:   0,
			unit.StateStarting:  0,
			unit.StateRunning:   0,
			unit.StateStopping:  0,
			unit.StateCompleted: 0,
			unit.StateFailed:    0,
		}

		for _, status := range d.registry.Snapshot() {
			counts[status.State]++
		}

		for state, count := range counts {
			metrics.UnitsTotal.WithLabelValues(string(state)).Set(float64(count))
		}
	}

	collect()

	for {
		select {
		case <-ticker.C:
			collect()
		case <-d.shutdownCh:
			return
		}
	}
}
