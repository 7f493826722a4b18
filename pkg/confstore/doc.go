/*
Package confstore is the configuration database replicated by the
consensus engine.

The store consumes committed Data entries in log order; each entry is a
JSON command:

	{"op": "put", "key": "net/mtu", "value": 9000}
	{"op": "delete", "key": "net/mtu"}

State lives in a BoltDB file beside the consensus log, with the id of the
last applied entry stored in a meta bucket so redelivered entries are
ignored after a restart. Snapshot marshals the full contents for log
compaction and Restore replaces the contents from a snapshot image received
from the leader.
*/
package confstore
