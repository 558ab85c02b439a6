// Package metrics exposes prometheus counters for sync passes and portal scraping.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Outcomes of a sync pass, used as the "outcome" label.
const (
	OutcomeComplete = "complete"
	OutcomePartial  = "partial"
	OutcomeAborted  = "aborted"
	OutcomeSkipped  = "skipped"
)

// Recorder is what the syncer and the API report into.
type Recorder interface {
	RecordSync(outcome string, duration time.Duration)
	RecordGenreFetch(ok bool)
	RecordNoticesUpserted(count int)
	RecordNoticesExpired(count int)
	RecordDetailFetch(ok, cached bool)
}

var (
	_ Recorder = (*Collector)(nil)
	_ Recorder = Nop{}
)

type Collector struct {
	syncs         *prometheus.CounterVec
	syncDuration  prometheus.Histogram
	genreFetches  *prometheus.CounterVec
	upserted      prometheus.Counter
	expired       prometheus.Counter
	detailFetches *prometheus.CounterVec
}

// NewCollector creates the collectors and registers them with reg.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		syncs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hatumimi_sync_total",
			Help: "Sync passes by outcome",
		}, []string{"outcome"}),
		syncDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "hatumimi_sync_duration_seconds",
			Help:    "Wall time of sync passes that reached the portal",
			Buckets: prometheus.DefBuckets,
		}),
		genreFetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hatumimi_genre_fetch_total",
			Help: "Genre listing fetches by result",
		}, []string{"result"}),
		upserted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hatumimi_notices_upserted_total",
			Help: "Notices written by sync passes",
		}),
		expired: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hatumimi_notices_expired_total",
			Help: "Notices removed because their display window ended",
		}),
		detailFetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hatumimi_detail_fetch_total",
			Help: "Notice detail requests by result and whether the cache answered",
		}, []string{"result", "cached"}),
	}

	reg.MustRegister(
		c.syncs,
		c.syncDuration,
		c.genreFetches,
		c.upserted,
		c.expired,
		c.detailFetches,
	)

	return c
}

func (c *Collector) RecordSync(outcome string, duration time.Duration) {
	c.syncs.WithLabelValues(outcome).Inc()
	if outcome != OutcomeSkipped {
		c.syncDuration.Observe(duration.Seconds())
	}
}

func (c *Collector) RecordGenreFetch(ok bool) {
	c.genreFetches.WithLabelValues(result(ok)).Inc()
}

func (c *Collector) RecordNoticesUpserted(count int) {
	c.upserted.Add(float64(count))
}

func (c *Collector) RecordNoticesExpired(count int) {
	c.expired.Add(float64(count))
}

func (c *Collector) RecordDetailFetch(ok, cached bool) {
	cachedLabel := "false"
	if cached {
		cachedLabel = "true"
	}
	c.detailFetches.WithLabelValues(result(ok), cachedLabel).Inc()
}

func result(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}

// Handler serves the gatherer's metrics for scraping.
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// Nop drops everything. Handy for tests and tools that don't serve /metrics.
type Nop struct{}

func (Nop) RecordSync(string, time.Duration) {}
func (Nop) RecordGenreFetch(bool)            {}
func (Nop) RecordNoticesUpserted(int)        {}
func (Nop) RecordNoticesExpired(int)         {}
func (Nop) RecordDetailFetch(bool, bool)     {}
