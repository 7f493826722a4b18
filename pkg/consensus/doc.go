/*
Package consensus implements the Raft state machine at the heart of Corral.

A Node is one consensus server. It owns the replicated log, the role state
machine (follower, candidate, leader), the election and heartbeat timers,
and the per-peer replication bookkeeping. Committed entries are handed to
the application through the NextEntry stream in strict log order.

# Architecture

	┌─────────────────────── NODE ────────────────────────┐
	│                                                       │
	│  ┌─────────────┐   RPCs    ┌──────────────────────┐ │
	│  │  session     │──────────▶│  role state machine  │ │
	│  │  registry    │◀──────────│  elections           │ │
	│  └─────────────┘           │  replication         │ │
	│                             │  membership driver   │ │
	│  ┌─────────────┐  waiters  └──────────┬───────────┘ │
	│  │ durability   │◀────────────────────┤             │
	│  │ worker       │  fsync              │ append      │
	│  └──────┬──────┘                      ▼             │
	│         │                  ┌──────────────────────┐ │
	│         └─────────────────▶│  log + snapshot      │ │
	│            commit          │  (append-only store) │ │
	│                            └──────────────────────┘ │
	└───────────────────────────────────────────────────────┘

Every state change a peer could observe (a granted vote, an accepted
append) is made durable before the reply leaves: the handler registers a
waiter keyed on the durability worker's sequence number and the reply is
sent when the fsync completes.

# Lifecycle

	consensus.CreateCluster(path, "tcp:10.0.0.1", initialState, opts)
	node, _ := consensus.Open(path, opts)
	for !node.Closed() {
		node.Run()
		for node.HasNextEntry() {
			entry, _ := node.NextEntry()
			// apply entry.Data to the application state machine
		}
		node.Wait()
	}

Commands go through the leader:

	cmd := node.Execute(data, 0)
	switch cmd.Wait() {
	case types.CommandSuccess:
	case types.CommandNotLeader:
		// retry against the leader
	}

Membership changes use single-server change: one uncommitted configuration
entry at a time, with new servers caught up via snapshot and log transfer
before they join the voting set.
*/
package consensus
