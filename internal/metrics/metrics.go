// Package metrics exposes Prometheus counters for the mirror pipeline.
// Counters are registered eagerly; if no /metrics endpoint is exposed the
// registration is harmless.
package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	requestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "vulnmirror_requests_total",
		Help: "Completed HTTP exchanges by status class (2xx/4xx/5xx/error)",
	}, []string{"class"})
	pagesFetchedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "vulnmirror_pages_fetched_total",
		Help: "Total pages decoded from upstream APIs",
	})
	recordsMergedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "vulnmirror_records_merged_total",
		Help: "Total records merged into the cache store",
	})
	partitionsWrittenTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "vulnmirror_partitions_written_total",
		Help: "Total partition files rewritten",
	})
)

func init() {
	prometheus.MustRegister(requestsTotal, pagesFetchedTotal, recordsMergedTotal, partitionsWrittenTotal)
}

// ObserveRequest matches the requester/iterator Observe hook signature.
func ObserveRequest(status int, err error) {
	switch {
	case err != nil || status == 0:
		requestsTotal.WithLabelValues("error").Inc()
	default:
		requestsTotal.WithLabelValues(fmt.Sprintf("%dxx", status/100)).Inc()
	}
}

// PageFetched counts one decoded page.
func PageFetched() { pagesFetchedTotal.Inc() }

// RecordsMerged counts records handed to the cache store.
func RecordsMerged(n int) { recordsMergedTotal.Add(float64(n)) }

// PartitionsWritten counts rewritten partition files.
func PartitionsWritten(n int) { partitionsWrittenTotal.Add(float64(n)) }
