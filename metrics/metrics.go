package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vo_requests_total",
		Help: "Requests by renderer and outcome.",
	}, []string{"renderer", "status"})

	RequestDuration = promauto.NewSummaryVec(prometheus.SummaryOpts{
		Name:       "vo_request_seconds",
		Help:       "Request latency by renderer.",
		Objectives: map[float64]float64{0.5: 0.05, 0.9: 0.01, 0.99: 0.001},
	}, []string{"renderer"})

	QueryDuration = promauto.NewSummary(prometheus.SummaryOpts{
		Name: "vo_db_query_seconds",
		Help: "Database query latency.",
	})

	QueryTimeouts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vo_db_query_timeouts_total",
		Help: "Database queries cancelled by the statement timeout.",
	})

	RDCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vo_rd_cache_hits_total",
		Help: "RD loads served from the cache.",
	})

	RDCacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vo_rd_cache_misses_total",
		Help: "RD loads that parsed the source.",
	})

	UWSJobs = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "vo_uws_jobs",
		Help: "UWS jobs by queue and phase.",
	}, []string{"queue", "phase"})

	UWSDiskUsed = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "vo_uws_disk_used_bytes",
		Help: "Bytes in the working directories of a queue.",
	}, []string{"queue"})

	UWSDiskFree = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "vo_uws_disk_free_bytes",
		Help: "Free space of the file system holding uwsWD.",
	})

	UWSTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vo_uws_transitions_total",
		Help: "UWS phase transitions.",
	}, []string{"queue", "phase"})

	PageCacheHits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vo_page_cache_requests_total",
		Help: "Page cache lookups by result.",
	}, []string{"result"})

	RowsServed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vo_rows_served_total",
		Help: "Result rows serialized by format.",
	}, []string{"format"})
)
