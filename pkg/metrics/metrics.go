package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Consensus metrics
	raftTerm = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "corral_raft_term",
			Help: "Current Raft term",
		},
	)

	raftIsLeader = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "corral_raft_is_leader",
			Help: "Whether this server is the Raft leader (1 = leader, 0 = not)",
		},
	)

	raftCommitIndex = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "corral_raft_commit_index",
			Help: "Largest log index known to be committed",
		},
	)

	raftAppliedIndex = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "corral_raft_applied_index",
			Help: "Largest log index delivered to the state machine",
		},
	)

	raftPeersTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "corral_raft_peers_total",
			Help: "Number of servers in the committed configuration",
		},
	)

	raftElectionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "corral_raft_elections_total",
			Help: "Total number of elections this server has started",
		},
	)

	// RPC metrics
	rpcReceivedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "corral_raft_rpc_received_total",
			Help: "Total RPCs received by message type",
		},
		[]string{"type"},
	)

	rpcDroppedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "corral_raft_rpc_dropped_total",
			Help: "Total RPCs dropped because they were malformed or misaddressed",
		},
	)

	// Storage metrics
	fsyncsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "corral_storage_fsyncs_total",
			Help: "Total completed log fsyncs",
		},
	)

	snapshotsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "corral_storage_snapshots_total",
			Help: "Total log compactions performed",
		},
	)
)

func init() {
	prometheus.MustRegister(
		raftTerm,
		raftIsLeader,
		raftCommitIndex,
		raftAppliedIndex,
		raftPeersTotal,
		raftElectionsTotal,
		rpcReceivedTotal,
		rpcDroppedTotal,
		fsyncsTotal,
		snapshotsTotal,
	)
}

// SetRole records whether this server is the leader.
func SetRole(leader bool) {
	if leader {
		raftIsLeader.Set(1)
	} else {
		raftIsLeader.Set(0)
	}
}

// SetTerm records the current term.
func SetTerm(term uint64) {
	raftTerm.Set(float64(term))
}

// SetCommitIndex records the commit index.
func SetCommitIndex(index uint64) {
	raftCommitIndex.Set(float64(index))
}

// SetAppliedIndex records the last applied index.
func SetAppliedIndex(index uint64) {
	raftAppliedIndex.Set(float64(index))
}

// SetPeers records the size of the committed configuration.
func SetPeers(n int) {
	raftPeersTotal.Set(float64(n))
}

// IncRPC counts one received RPC of the given message type.
func IncRPC(msgType string) {
	rpcReceivedTotal.WithLabelValues(msgType).Inc()
}

// IncDropped counts one dropped RPC.
func IncDropped() {
	rpcDroppedTotal.Inc()
}

// IncElections counts one election started by this server.
func IncElections() {
	raftElectionsTotal.Inc()
}

// IncFsyncs counts one completed log fsync.
func IncFsyncs() {
	fsyncsTotal.Inc()
}

// IncSnapshots counts one log compaction.
func IncSnapshots() {
	snapshotsTotal.Inc()
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Serve exposes /metrics and /health on the given address. It blocks.
func Serve(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	mux.HandleFunc("/health", HealthHandler)
	return http.ListenAndServe(addr, mux)
}
