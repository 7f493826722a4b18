/*
Package metrics exposes Prometheus metrics and component health for a
Corral server.

Consensus gauges (term, leadership, commit and applied indexes, peer
count) are updated by the consensus loop; counters track elections, RPC
traffic, fsyncs, and snapshots. Serve exposes /metrics and a JSON /health
endpoint reporting per-component status.
*/
package metrics
