package metrics

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
)

const expositionMetric = "proximity_relay_events_total"

var labelEscaper = strings.NewReplacer(`\`, `\\`, `"`, `\"`)

// PrometheusHandler exposes Metrics in Prometheus' text exposition format.
//
// All counters are published as a single metric with an `event` label, which
// keeps the in-process registry a plain map while still being scrapeable.
func PrometheusHandler(m *Metrics) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m == nil {
			http.Error(w, "metrics not configured", http.StatusInternalServerError)
			return
		}

		snap := m.Snapshot()
		events := make([]string, 0, len(snap))
		for event := range snap {
			events = append(events, event)
		}
		sort.Strings(events)

		var b strings.Builder
		fmt.Fprintf(&b, "# HELP %s Internal event counters.\n", expositionMetric)
		fmt.Fprintf(&b, "# TYPE %s counter\n", expositionMetric)
		for _, event := range events {
			fmt.Fprintf(&b, "%s{event=\"%s\"} %d\n", expositionMetric, labelEscaper.Replace(event), snap[event])
		}

		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		_, _ = w.Write([]byte(b.String()))
	})
}
