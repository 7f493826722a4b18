/*
Package storage is the append-only on-disk log behind the consensus engine.

A log file starts with a magic line identifying it as a Corral consensus
log, followed by a stream of self-delimited JSON records. A record's shape
is determined by the fields it carries:

	header:   {"cluster": ..., "server": ..., "local": ...}
	snapshot: {"prev_term": ..., "prev_index": ..., "prev_servers": [...], "data": ...}
	entry:    {"index": ..., "term": ..., "data": ...} or {"index": ..., "term": ..., "servers": [...]}
	meta:     {"term": ..., "vote": ...}

Opening a file replays every record in order, folding it into a Replay:
header and snapshot replace earlier ones, entry records append (an index at
or below the current end first truncates back to it, re-performing an
in-memory truncation from before the crash), and meta records advance the
persisted term and vote. A torn record at the very end of the file is a
crash during append and is discarded; a corrupt record anywhere else is
fatal.

Durability is explicit: Append buffers in the OS, Commit fsyncs. Commit is
the only method the durability worker calls; everything else stays on the
consensus task. Compaction rewrites the file as header + snapshot +
remaining entries + term/vote into a temporary file that atomically
replaces the old one.
*/
package storage
