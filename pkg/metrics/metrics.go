package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus collectors for a replica.
type Metrics struct {
	registry *prometheus.Registry

	electionsStarted   *prometheus.CounterVec
	votesGranted       prometheus.Counter
	becameLeaderTotal  prometheus.Counter
	heartbeatsSent     prometheus.Counter
	logEntriesAppended prometheus.Counter
	clientRequestTotal *prometheus.CounterVec
	clientRequestSecs  *prometheus.HistogramVec
	leasesGranted      prometheus.Counter
	leasesExpired      prometheus.Counter
}

// NewMetrics builds a fresh Prometheus registry and registers the replica's
// metric set against it. Each call gets its own registry rather than
// registering to prometheus.DefaultRegisterer, so multiple replicas (or
// multiple tests) in one process never collide on the same collector name.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,

		electionsStarted: f.NewCounterVec(prometheus.CounterOpts{
			Name: "raftfs_elections_started_total",
			Help: "Total number of elections this replica has started, by resulting term.",
		}, []string{"term"}),

		votesGranted: f.NewCounter(prometheus.CounterOpts{
			Name: "raftfs_votes_granted_total",
			Help: "Total number of votes this replica has granted to candidates.",
		}),

		becameLeaderTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "raftfs_became_leader_total",
			Help: "Total number of times this replica has become leader.",
		}),

		heartbeatsSent: f.NewCounter(prometheus.CounterOpts{
			Name: "raftfs_heartbeats_sent_total",
			Help: "Total number of append_entries broadcasts to all peers sent while leader.",
		}),

		logEntriesAppended: f.NewCounter(prometheus.CounterOpts{
			Name: "raftfs_log_entries_appended_total",
			Help: "Total number of log entries this replica appended to its log as leader.",
		}),

		clientRequestTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "raftfs_client_requests_total",
			Help: "Total number of client requests handled, by operation and outcome.",
		}, []string{"operation", "outcome"}),

		clientRequestSecs: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "raftfs_client_request_duration_seconds",
			Help:    "Client request latency by operation.",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation"}),

		leasesGranted: f.NewCounter(prometheus.CounterOpts{
			Name: "raftfs_leases_granted_total",
			Help: "Total number of leases granted.",
		}),

		leasesExpired: f.NewCounter(prometheus.CounterOpts{
			Name: "raftfs_leases_expired_total",
			Help: "Total number of leases cleared by the expiry sweep.",
		}),
	}
}

// RecordElectionStarted records that this replica started an election for term.
func (m *Metrics) RecordElectionStarted(term uint64) {
	m.electionsStarted.WithLabelValues(strconv.FormatUint(term, 10)).Inc()
}

// RecordVoteGranted records this replica granting a vote to a candidate.
func (m *Metrics) RecordVoteGranted() { m.votesGranted.Inc() }

// RecordBecameLeader records this replica winning an election.
func (m *Metrics) RecordBecameLeader() { m.becameLeaderTotal.Inc() }

// RecordHeartbeatSent records a leader sending append_entries to its peers.
func (m *Metrics) RecordHeartbeatSent() { m.heartbeatsSent.Inc() }

// RecordLogEntryAppended records a new log entry this replica appended as
// leader; entries a follower copies from the leader are not counted.
func (m *Metrics) RecordLogEntryAppended() { m.logEntriesAppended.Inc() }

// RecordClientRequest records a client request outcome for operation.
func (m *Metrics) RecordClientRequest(operation, outcome string) {
	m.clientRequestTotal.WithLabelValues(operation, outcome).Inc()
}

// ObserveClientRequestDuration records how long a client request took.
func (m *Metrics) ObserveClientRequestDuration(operation string, d time.Duration) {
	m.clientRequestSecs.WithLabelValues(operation).Observe(d.Seconds())
}

// RecordLeaseGranted records a successful lease grant.
func (m *Metrics) RecordLeaseGranted() { m.leasesGranted.Inc() }

// RecordLeaseExpired records the sweep clearing an expired lease.
func (m *Metrics) RecordLeaseExpired() { m.leasesExpired.Inc() }

// GetRegistry returns the Prometheus gatherer backing these metrics.
func (m *Metrics) GetRegistry() prometheus.Gatherer {
	return m.registry
}
