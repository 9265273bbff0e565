// Package telemetry exposes gateway activity as Prometheus metrics.
package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/visiquate/cco-sub021/internal/core"
)

const namespace = "cco_gateway"

// Collector owns the gateway's Prometheus metrics on one registry.
// It is an EventSink for finished calls and an observer for the per-attempt
// signals that never reach an APICallEvent.
type Collector struct {
	registry prometheus.Registerer

	requests     *prometheus.CounterVec
	cacheLookups *prometheus.CounterVec
	latency      *prometheus.HistogramVec
	fallbacks    *prometheus.CounterVec
	cost         *prometheus.CounterVec
	tokens       *prometheus.CounterVec
}

// NewCollector registers the gateway metrics on reg.
func NewCollector(reg prometheus.Registerer) *Collector {
	factory := promauto.With(reg)
	return &Collector{
		registry: reg,
		requests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Client requests by final provider, model and outcome",
		}, []string{"provider", "model", "status"}),
		cacheLookups: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_lookups_total",
			Help:      "Response cache lookups by result",
		}, []string{"result"}),
		latency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "provider_latency_seconds",
			Help:      "Latency of individual upstream attempts",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"provider", "outcome"}),
		fallbacks: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fallbacks_total",
			Help:      "Fallbacks from one provider to the next",
		}, []string{"from", "to"}),
		cost: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cost_nanodollars_total",
			Help:      "Actual spend in nanodollars by tier",
		}, []string{"tier"}),
		tokens: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tokens_total",
			Help:      "Tokens processed by category",
		}, []string{"kind"}),
	}
}

// Record implements core.EventSink.
func (c *Collector) Record(ev *core.APICallEvent) {
	if ev == nil {
		return
	}
	status := "ok"
	switch {
	case ev.Failed():
		status = ev.ErrorCode
	case ev.CacheHit:
		status = "cache_hit"
	}
	c.requests.WithLabelValues(ev.Provider, ev.ModelUsed, status).Inc()
	if ev.ActualCost > 0 {
		c.cost.WithLabelValues(string(ev.Tier)).Add(float64(ev.ActualCost))
	}
	c.addTokens("input", ev.InputTokens)
	c.addTokens("output", ev.OutputTokens)
	c.addTokens("cache_write", ev.CacheWriteTokens)
	c.addTokens("cache_read", ev.CacheReadTokens)
}

func (c *Collector) addTokens(kind string, n int) {
	if n > 0 {
		c.tokens.WithLabelValues(kind).Add(float64(n))
	}
}

// ObserveCacheLookup counts a cache hit or miss.
func (c *Collector) ObserveCacheLookup(hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	c.cacheLookups.WithLabelValues(result).Inc()
}

// ObserveAttempt records the latency of one upstream attempt.
func (c *Collector) ObserveAttempt(provider string, elapsed time.Duration, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	c.latency.WithLabelValues(provider, outcome).Observe(elapsed.Seconds())
}

// ObserveFallback counts a move along a fallback chain.
func (c *Collector) ObserveFallback(from, to string) {
	c.fallbacks.WithLabelValues(from, to).Inc()
}

// WatchSubscribers exposes a live subscriber count, read on every scrape.
func (c *Collector) WatchSubscribers(count func() int) {
	promauto.With(c.registry).NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "broadcaster_subscribers",
		Help:      "Live event stream subscribers",
	}, func() float64 { return float64(count()) })
}

// WatchPersister exposes the persister's dropped-event count and buffer depth.
func (c *Collector) WatchPersister(dropped func() int64, buffered func() int) {
	factory := promauto.With(c.registry)
	factory.NewCounterFunc(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "persister_dropped_total",
		Help:      "Events dropped because the persistence buffer was full",
	}, func() float64 { return float64(dropped()) })
	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "persister_buffered_events",
		Help:      "Events waiting to be flushed",
	}, func() float64 { return float64(buffered()) })
}
