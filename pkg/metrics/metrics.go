// Package metrics holds the process-wide Prometheus registry and the
// counters/histograms each pipeline component reports against it.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the single process-wide collector set. New registers
// every metric exactly once at startup; no further mutation happens
// outside this package's exported counters/histograms.
type Registry struct {
	registry *prometheus.Registry

	IndexerBlocksProcessed   prometheus.Counter
	IndexerReorgsHandled     prometheus.Counter
	IndexerConsecutiveErrors prometheus.Gauge

	AuctionsBuilt      prometheus.Counter
	AuctionBuildLatency prometheus.Histogram

	CompetitionRuns            prometheus.Counter
	CompetitionNoSolution      prometheus.Counter
	CompetitionDriverRejections *prometheus.CounterVec
	CompetitionDriverLatency   *prometheus.HistogramVec

	SettlementsObserved   prometheus.Counter
	SettlementDecodeFailed prometheus.Counter
	SettlementSurplus     prometheus.Histogram
}

func New() *Registry {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Registry{
		registry: reg,

		IndexerBlocksProcessed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "autopilot", Subsystem: "indexer", Name: "blocks_processed_total",
			Help: "Blocks processed by the chain indexer.",
		}),
		IndexerReorgsHandled: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "autopilot", Subsystem: "indexer", Name: "reorgs_handled_total",
			Help: "Reorgs detected and walked back by the chain indexer.",
		}),
		IndexerConsecutiveErrors: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "autopilot", Subsystem: "indexer", Name: "consecutive_errors",
			Help: "Consecutive-error streak last reported by the chain indexer once it reached the alert threshold.",
		}),

		AuctionsBuilt: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "autopilot", Subsystem: "auction", Name: "built_total",
			Help: "Auctions emitted by the auction builder.",
		}),
		AuctionBuildLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "autopilot", Subsystem: "auction", Name: "build_seconds",
			Help:    "Time spent building one auction.",
			Buckets: prometheus.DefBuckets,
		}),

		CompetitionRuns: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "autopilot", Subsystem: "competition", Name: "runs_total",
			Help: "Competitions started by the competition runner.",
		}),
		CompetitionNoSolution: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "autopilot", Subsystem: "competition", Name: "no_solution_total",
			Help: "Competitions that yielded NoSolution.",
		}),
		CompetitionDriverRejections: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "autopilot", Subsystem: "competition", Name: "driver_rejections_total",
			Help: "Solutions rejected in Phase B, by driver and reason.",
		}, []string{"driver", "reason"}),
		CompetitionDriverLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "autopilot", Subsystem: "competition", Name: "driver_solve_seconds",
			Help:    "Time a driver's /solve call took to return.",
			Buckets: prometheus.DefBuckets,
		}, []string{"driver"}),

		SettlementsObserved: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "autopilot", Subsystem: "settlement", Name: "observed_total",
			Help: "Settlement events successfully linked and recorded.",
		}),
		SettlementDecodeFailed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "autopilot", Subsystem: "settlement", Name: "decode_failed_total",
			Help: "Settlement events whose calldata failed to decode.",
		}),
		SettlementSurplus: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "autopilot", Subsystem: "settlement", Name: "surplus_native",
			Help:    "Recorded surplus per settlement, in native token units.",
			Buckets: prometheus.ExponentialBuckets(1, 10, 10),
		}),
	}
}

// Handler serves the registry in the Prometheus text exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}
