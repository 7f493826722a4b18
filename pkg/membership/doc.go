/*
Package membership tracks the cluster configuration and the leader-side
replication bookkeeping for each server.

The committed member set is always derived from the log: the latest
Servers entry, or the snapshot's configuration if none survives
compaction. Each server carries a Phase marking its position in a
single-server membership change (catch-up, caught-up, committing,
scheduled for removal); at most one change is in flight at a time.
*/
package membership
