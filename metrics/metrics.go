package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// MutationRetries tracks retried mutation attempts per strategy.
	MutationRetries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "leasebench_mutation_retries_total",
		Help: "Total number of retried mutation attempts",
	}, []string{"strategy"})
	// VersionConflicts tracks optimistic saves that lost a race.
	VersionConflicts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "leasebench_version_conflicts_total",
		Help: "Total number of version-checked saves that hit a conflict",
	})
	// LeaseTakeovers tracks expired leases reclaimed by another acquirer.
	LeaseTakeovers = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "leasebench_lease_takeovers_total",
		Help: "Total number of expired-lease takeovers",
	})
	// TakeoverConflicts tracks releases that found their lease reclaimed.
	TakeoverConflicts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "leasebench_takeover_conflicts_total",
		Help: "Total number of lease releases that found the lease reclaimed",
	})
	// LeaseAcquirePolls tracks acquisition attempts that found the lease held.
	LeaseAcquirePolls = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "leasebench_lease_acquire_polls_total",
		Help: "Total number of lease acquisition attempts that had to back off",
	})
	// RoundDuration observes wall-clock benchmark round durations.
	RoundDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "leasebench_round_duration_seconds",
		Help:    "Wall-clock duration of benchmark rounds",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 16),
	}, []string{"strategy"})
)

// NewRegistry creates a new Prometheus registry.
func NewRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

// RegisterBenchMetrics registers all benchmark metrics on the provided registry.
func RegisterBenchMetrics(reg prometheus.Registerer) {
	reg.MustRegister(MutationRetries, VersionConflicts, LeaseTakeovers,
		TakeoverConflicts, LeaseAcquirePolls, RoundDuration)
}
