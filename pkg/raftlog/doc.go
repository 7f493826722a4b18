// Package raftlog is the in-memory replicated log: a contiguous vector of
// entries over [Start, End) with a snapshot prefix summary (prev index,
// prev term, prev configuration, state image). Appends persist to the
// backing store before they become visible; a failed append poisons the
// remainder of its term so the on-disk log can never hold a hole.
package raftlog
