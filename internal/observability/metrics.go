package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors for key lookups, the remember
// cache and key generation.
type Metrics struct {
	LookupsTotal       *prometheus.CounterVec
	CacheResultsTotal  *prometheus.CounterVec
	GenerateAttempts   prometheus.Counter
	GenerateCollisions prometheus.Counter
	GenerateExhausted  prometheus.Counter
	KeysCreatedTotal   prometheus.Counter
	KeysRevokedTotal   prometheus.Counter
}

var (
	metricsInstance *Metrics
	metricsOnce     sync.Once
)

// DefaultMetrics returns the process-wide metrics, registered with the
// default Prometheus registry on first use.
func DefaultMetrics() *Metrics {
	metricsOnce.Do(func() {
		metricsInstance = newMetrics(promauto.With(prometheus.DefaultRegisterer))
	})
	return metricsInstance
}

func newMetrics(f promauto.Factory) *Metrics {
	return &Metrics{
		LookupsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "keyguard",
			Subsystem: "apikeys",
			Name:      "lookups_total",
			Help:      "API key lookups by operation and result.",
		}, []string{"op", "result"}),
		CacheResultsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "keyguard",
			Subsystem: "cache",
			Name:      "results_total",
			Help:      "Remember cache outcomes (hit, miss, bypass, error).",
		}, []string{"result"}),
		GenerateAttempts: f.NewCounter(prometheus.CounterOpts{
			Namespace: "keyguard",
			Subsystem: "generator",
			Name:      "attempts_total",
			Help:      "Candidate tokens drawn.",
		}),
		GenerateCollisions: f.NewCounter(prometheus.CounterOpts{
			Namespace: "keyguard",
			Subsystem: "generator",
			Name:      "collisions_total",
			Help:      "Candidate tokens rejected because they were already issued.",
		}),
		GenerateExhausted: f.NewCounter(prometheus.CounterOpts{
			Namespace: "keyguard",
			Subsystem: "generator",
			Name:      "exhausted_total",
			Help:      "Generations that gave up after the attempt limit.",
		}),
		KeysCreatedTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: "keyguard",
			Subsystem: "apikeys",
			Name:      "created_total",
			Help:      "API keys created.",
		}),
		KeysRevokedTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: "keyguard",
			Subsystem: "apikeys",
			Name:      "revoked_total",
			Help:      "API keys soft deleted.",
		}),
	}
}
