package scraper

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles Prometheus collectors for the crawler.
type Metrics struct {
	Registry          *prometheus.Registry
	FetchesTotal      *prometheus.CounterVec
	FetchDuration     prometheus.Histogram
	RecordsTotal      *prometheus.CounterVec
	RetriesTotal      prometheus.Counter
	ReleasedTotal     prometheus.Counter
	ErrorsTotal       *prometheus.CounterVec
	AbsentFieldsTotal *prometheus.CounterVec
	ExpansionsTotal   *prometheus.CounterVec
	ExpansionFailures *prometheus.CounterVec
	ListingsTotal     *prometheus.CounterVec
	ListingReferences prometheus.Histogram
	CheckpointsTotal  *prometheus.CounterVec
}

// NewMetrics constructs and registers all metrics on a dedicated registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	fetches := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crawler_fetches_total",
			Help: "Detail page fetch attempts by outcome.",
		},
		[]string{"outcome"},
	)
	fetchDuration := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "crawler_fetch_duration_seconds",
			Help:    "Latency of detail page fetch attempts.",
			Buckets: prometheus.DefBuckets,
		},
	)
	records := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crawler_records_total",
			Help: "Records assembled, split by whether every field was absent.",
		},
		[]string{"kind"},
	)
	retries := prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "crawler_retries_total",
			Help: "Total number of fetch retries scheduled.",
		},
	)
	released := prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "crawler_released_total",
			Help: "References released back to pending after exhausting their retry budget.",
		},
	)
	errorsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crawler_errors_total",
			Help: "Total number of fetch errors by type.",
		},
		[]string{"error_type"},
	)
	absent := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crawler_absent_fields_total",
			Help: "Fields that could not be extracted, by field name.",
		},
		[]string{"field"},
	)
	expansions := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crawler_listing_expansions_total",
			Help: "Successful load-more expansions by category.",
		},
		[]string{"category"},
	)
	expansionFailures := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crawler_listing_expansion_failures_total",
			Help: "Failed load-more attempts by category.",
		},
		[]string{"category"},
	)
	listings := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crawler_listings_total",
			Help: "Listing sessions by terminal state.",
		},
		[]string{"state"},
	)
	listingRefs := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "crawler_listing_references",
			Help:    "References discovered per listing session.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		},
	)
	checkpoints := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crawler_checkpoints_total",
			Help: "Checkpoint writes by result.",
		},
		[]string{"result"},
	)

	registry.MustRegister(fetches, fetchDuration, records, retries, released, errorsTotal,
		absent, expansions, expansionFailures, listings, listingRefs, checkpoints)

	return &Metrics{
		Registry:          registry,
		FetchesTotal:      fetches,
		FetchDuration:     fetchDuration,
		RecordsTotal:      records,
		RetriesTotal:      retries,
		ReleasedTotal:     released,
		ErrorsTotal:       errorsTotal,
		AbsentFieldsTotal: absent,
		ExpansionsTotal:   expansions,
		ExpansionFailures: expansionFailures,
		ListingsTotal:     listings,
		ListingReferences: listingRefs,
		CheckpointsTotal:  checkpoints,
	}
}

// IncFetch counts a fetch attempt outcome.
func (m *Metrics) IncFetch(outcome string) {
	if m == nil {
		return
	}
	m.FetchesTotal.WithLabelValues(outcome).Inc()
}

// ObserveDuration records a fetch attempt duration.
func (m *Metrics) ObserveDuration(d time.Duration) {
	if m == nil {
		return
	}
	m.FetchDuration.Observe(d.Seconds())
}

// IncRecord counts an assembled record.
func (m *Metrics) IncRecord(allAbsent bool) {
	if m == nil {
		return
	}
	kind := "complete"
	if allAbsent {
		kind = "anomaly"
	}
	m.RecordsTotal.WithLabelValues(kind).Inc()
}

// IncAbsent counts a field that came back absent.
func (m *Metrics) IncAbsent(field string) {
	if m == nil {
		return
	}
	m.AbsentFieldsTotal.WithLabelValues(field).Inc()
}

// IncRetries increments the retries counter.
func (m *Metrics) IncRetries() {
	if m == nil {
		return
	}
	m.RetriesTotal.Inc()
}

// IncReleased counts a reference released for a later run.
func (m *Metrics) IncReleased() {
	if m == nil {
		return
	}
	m.ReleasedTotal.Inc()
}

// IncError increments the errors counter for a type label.
func (m *Metrics) IncError(errorType string) {
	if m == nil {
		return
	}
	m.ErrorsTotal.WithLabelValues(errorType).Inc()
}

// IncExpansion counts a successful load-more expansion.
func (m *Metrics) IncExpansion(category string) {
	if m == nil {
		return
	}
	m.ExpansionsTotal.WithLabelValues(category).Inc()
}

// IncExpansionFailure counts a failed load-more attempt.
func (m *Metrics) IncExpansionFailure(category string) {
	if m == nil {
		return
	}
	m.ExpansionFailures.WithLabelValues(category).Inc()
}

// ObserveListing records a finished listing session.
func (m *Metrics) ObserveListing(state string, references int) {
	if m == nil {
		return
	}
	m.ListingsTotal.WithLabelValues(state).Inc()
	m.ListingReferences.Observe(float64(references))
}

// IncCheckpoint counts a checkpoint write.
func (m *Metrics) IncCheckpoint(err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.CheckpointsTotal.WithLabelValues(result).Inc()
}
