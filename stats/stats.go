// SPDX-License-Identifier: MIT
//
// Query statistics: counters for the periodic report and the API, and
// Prometheus collectors for scraping.
//

package stats

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"detour/dns"
)

const namespace = "detour"

type counters struct {
	requests  atomic.Uint64
	forwarded atomic.Uint64
	cached    atomic.Uint64
	blocked   atomic.Uint64
	failed    atomic.Uint64
	totalUs   atomic.Uint64 // cumulative response time in microseconds
}

func (c *counters) add(ev *dns.Event) {
	c.requests.Add(1)
	switch ev.Outcome {
	case dns.OutcomeForwarded:
		c.forwarded.Add(1)
	case dns.OutcomeCached:
		c.cached.Add(1)
	case dns.OutcomeBlocked:
		c.blocked.Add(1)
	case dns.OutcomeFailed:
		c.failed.Add(1)
	}
	c.totalUs.Add(uint64(max(ev.Total, 0) / time.Microsecond))
}

func (c *counters) load(reset bool) Snapshot {
	get := func(v *atomic.Uint64) uint64 {
		if reset {
			return v.Swap(0)
		}
		return v.Load()
	}
	s := Snapshot{
		Requests:  get(&c.requests),
		Forwarded: get(&c.forwarded),
		Cached:    get(&c.cached),
		Blocked:   get(&c.blocked),
		Failed:    get(&c.failed),
	}
	if totalUs := get(&c.totalUs); s.Requests > 0 {
		s.AvgResponseMs = float64(totalUs) / float64(s.Requests) / 1000
	}
	return s
}

// Snapshot is a point-in-time copy of the counters.  The counters are
// updated independently, so a snapshot taken under load may be off by the
// queries being recorded at that moment.
type Snapshot struct {
	Requests      uint64  `json:"requests"`
	Forwarded     uint64  `json:"forwarded"`
	Cached        uint64  `json:"cached"`
	Blocked       uint64  `json:"blocked"`
	Failed        uint64  `json:"failed"`
	AvgResponseMs float64 `json:"avg_response_ms"`
}

func (s Snapshot) String() string {
	return fmt.Sprintf("requests=%d forwarded=%d cached=%d blocked=%d failed=%d avg=%.3fms",
		s.Requests, s.Forwarded, s.Cached, s.Blocked, s.Failed, s.AvgResponseMs)
}

// Stats consumes the resolver events.  It keeps running totals, the
// counters of the current report interval, and the Prometheus metrics.
type Stats struct {
	started  time.Time
	total    counters
	interval counters

	registry        *prometheus.Registry
	queries         *prometheus.CounterVec
	upstreamWins    *prometheus.CounterVec
	queryDuration   *prometheus.HistogramVec
	upstreamLatency prometheus.Histogram
}

func New() *Stats {
	s := &Stats{
		started:  time.Now(),
		registry: prometheus.NewRegistry(),
	}

	s.queries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queries_total",
			Help:      "Number of answered queries by outcome",
		},
		[]string{"outcome"},
	)
	s.upstreamWins = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_wins_total",
			Help:      "Number of races won by each upstream",
		},
		[]string{"upstream"},
	)
	s.queryDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "query_duration_seconds",
			Help:      "Time from receiving a query to having its response",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 10),
		},
		[]string{"outcome"},
	)
	s.upstreamLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "upstream_duration_seconds",
			Help:      "Latency of the winning upstream response",
			Buckets:   prometheus.DefBuckets,
		},
	)

	s.registry.MustRegister(
		s.queries,
		s.upstreamWins,
		s.queryDuration,
		s.upstreamLatency,
		collectors.NewGoCollector(),
	)
	return s
}

// Record implements dns.EventSink.
func (s *Stats) Record(ev *dns.Event) {
	s.total.add(ev)
	s.interval.add(ev)

	outcome := string(ev.Outcome)
	s.queries.WithLabelValues(outcome).Inc()
	s.queryDuration.WithLabelValues(outcome).Observe(ev.Total.Seconds())
	if ev.Outcome == dns.OutcomeForwarded {
		s.upstreamWins.WithLabelValues(ev.Upstream).Inc()
		s.upstreamLatency.Observe(ev.UpstreamLatency.Seconds())
	}
}

// Snapshot returns the totals since startup.
func (s *Stats) Snapshot() Snapshot {
	return s.total.load(false)
}

// SnapshotAndReset returns the counters since the previous call and
// starts a new interval.
func (s *Stats) SnapshotAndReset() Snapshot {
	return s.interval.load(true)
}

// Uptime returns how long the statistics have been collected.
func (s *Stats) Uptime() time.Duration {
	return time.Since(s.started)
}

// Registry returns the private registry holding the metrics.
func (s *Stats) Registry() *prometheus.Registry {
	return s.registry
}
