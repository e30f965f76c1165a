package hub

import "github.com/prometheus/client_golang/prometheus"

// RegisterMetrics exposes h's connected-client count as a Prometheus gauge
// under reg, scraped alongside the event bus's counters at /metrics.
func RegisterMetrics(reg prometheus.Registerer, h *Hub) {
	g := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "tradecore",
		Subsystem: "hub",
		Name:      "connected_clients",
		Help:      "number of websocket clients currently connected to the hub",
	}, func() float64 { return float64(h.ClientCount()) })
	reg.MustRegister(g)
}
