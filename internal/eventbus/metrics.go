package eventbus

import "github.com/prometheus/client_golang/prometheus"

// Metrics exposes a Bus's Stats() counters as Prometheus collectors. A
// single GaugeFunc set samples the bus's atomic counters on scrape, avoiding
// a second source of truth for numbers the bus already tracks.
type Metrics struct {
	published prometheus.GaugeFunc
	processed prometheus.GaugeFunc
	dropped   prometheus.GaugeFunc
	errors    prometheus.GaugeFunc
	avgLat    prometheus.GaugeFunc
	p99Lat    prometheus.GaugeFunc
}

// NewMetrics builds gauges wired to bus's live Stats() and registers them
// with reg. Call once per Bus instance.
func NewMetrics(reg prometheus.Registerer, bus *Bus) *Metrics {
	mk := func(name, help string, get func(Stats) float64) prometheus.GaugeFunc {
		g := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "tradecore",
			Subsystem: "eventbus",
			Name:      name,
			Help:      help,
		}, func() float64 { return get(bus.Stats()) })
		reg.MustRegister(g)
		return g
	}

	m := &Metrics{
		published: mk("events_published_total", "events enqueued onto the bus", func(s Stats) float64 { return float64(s.EventsPublished) }),
		processed: mk("events_processed_total", "events dispatched to handlers", func(s Stats) float64 { return float64(s.EventsProcessed) }),
		dropped:   mk("events_dropped_total", "events dropped because the queue was full", func(s Stats) float64 { return float64(s.EventsDropped) }),
		errors:    mk("handler_panics_total", "handler invocations that recovered from a panic", func(s Stats) float64 { return float64(s.ProcessingErrors) }),
		avgLat:    mk("dispatch_latency_avg_ns", "exponential moving average of dispatch latency", func(s Stats) float64 { return float64(s.AvgLatencyNs) }),
		p99Lat:    mk("dispatch_latency_p99_ns", "p99 dispatch latency over the most recent 5000 to 10000 samples", func(s Stats) float64 { return float64(s.P99LatencyNs) }),
	}
	return m
}
