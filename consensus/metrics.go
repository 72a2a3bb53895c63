package consensus

import "github.com/prometheus/client_golang/prometheus"

// Metrics mirrors the node-level metrics surface the consensus core
// exposes, registered into a caller-supplied prometheus.Registry at
// AuthorityNode construction. Metrics export itself is an external
// collaborator — this type only owns the instrumentation call sites used
// inside the package.
type Metrics struct {
	InvalidBlocks          *prometheus.CounterVec
	SuspendedBlocks        prometheus.Counter
	UnsuspendedBlocks      prometheus.Counter
	MissingBlocksTotal     prometheus.Counter
	BlockTimestampDriftMs  prometheus.Histogram
	BlocksProposed         prometheus.Counter
	CommitsEmitted         prometheus.Counter
	FetchRequestsSent      *prometheus.CounterVec
	FetchRequestFailures   *prometheus.CounterVec
}

// NewMetrics creates and registers the consensus metrics under reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		InvalidBlocks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "consensus",
			Name:      "invalid_blocks_total",
			Help:      "Blocks rejected by verification, labelled by author.",
		}, []string{"author"}),
		SuspendedBlocks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "consensus",
			Name:      "suspended_blocks_total",
			Help:      "Blocks suspended pending missing ancestors.",
		}),
		UnsuspendedBlocks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "consensus",
			Name:      "unsuspended_blocks_total",
			Help:      "Suspended blocks whose ancestors arrived and were accepted.",
		}),
		MissingBlocksTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "consensus",
			Name:      "missing_blocks_total",
			Help:      "Newly discovered missing ancestor refs.",
		}),
		BlockTimestampDriftMs: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "consensus",
			Name:      "block_timestamp_drift_wait_ms",
			Help:      "Milliseconds slept waiting out a forward-drifted block timestamp.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
		}),
		BlocksProposed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "consensus",
			Name:      "blocks_proposed_total",
			Help:      "Blocks this authority has proposed.",
		}),
		CommitsEmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "consensus",
			Name:      "commits_emitted_total",
			Help:      "Committed sub-DAGs emitted to the consumer.",
		}),
		FetchRequestsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "consensus",
			Name:      "fetch_requests_sent_total",
			Help:      "fetch_blocks RPCs issued, labelled by peer.",
		}, []string{"peer"}),
		FetchRequestFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "consensus",
			Name:      "fetch_request_failures_total",
			Help:      "fetch_blocks RPC failures, labelled by peer.",
		}, []string{"peer"}),
	}
	reg.MustRegister(
		m.InvalidBlocks, m.SuspendedBlocks, m.UnsuspendedBlocks,
		m.MissingBlocksTotal, m.BlockTimestampDriftMs, m.BlocksProposed,
		m.CommitsEmitted, m.FetchRequestsSent, m.FetchRequestFailures,
	)
	return m
}

// NewTestMetrics returns a Metrics registered into a fresh, private
// registry — convenient for tests and call sites that don't care about
// export.
func NewTestMetrics() *Metrics {
	return NewMetrics(prometheus.NewRegistry())
}
