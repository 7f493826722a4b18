package raftlog

import (
	"fmt"

	"github.com/corraldb/corral/pkg/storage"
	"github.com/corraldb/corral/pkg/types"
)

// Persist writes a new entry record to stable storage before it becomes
// visible in memory. Wired to the consensus node's store append (the node
// requests durability separately); nil in tests that only exercise the
// in-memory log.
type Persist func(index types.Index, e types.LogEntry) error

// Log is the in-memory entry vector [Start, End) together with the snapshot
// prefix summary. prevIndex+1 == Start always; indices are contiguous.
type Log struct {
	prevIndex    types.Index
	prevTerm     types.Term
	prevServers  []types.ServerSpec
	snapshotData []byte

	entries []types.LogEntry
	persist Persist

	// A failed append poisons all later appends in the same term: a partial
	// write followed by a successful one would leave a hole on disk.
	writeErr     error
	writeErrTerm types.Term
}

// New creates a log whose snapshot prefix ends at the given point.
func New(snap storage.Snapshot, persist Persist) *Log {
	return &Log{
		prevIndex:    snap.PrevIndex,
		prevTerm:     snap.PrevTerm,
		prevServers:  snap.PrevServers,
		snapshotData: snap.Data,
		persist:      persist,
	}
}

// NewFromReplay rebuilds the log from a storage replay.
func NewFromReplay(rep *storage.Replay, persist Persist) *Log {
	l := New(rep.Snapshot, persist)
	l.entries = append(l.entries, rep.Entries...)
	return l
}

// Start is the index of the first in-memory entry.
func (l *Log) Start() types.Index {
	return l.prevIndex + 1
}

// End is one past the last in-memory entry.
func (l *Log) End() types.Index {
	return l.Start() + types.Index(len(l.entries))
}

// LastIndex is the index of the last appended entry, or PrevIndex if the
// in-memory log is empty.
func (l *Log) LastIndex() types.Index {
	return l.End() - 1
}

// PrevIndex is the index immediately before Start.
func (l *Log) PrevIndex() types.Index {
	return l.prevIndex
}

// PrevTerm is the term of the entry at PrevIndex.
func (l *Log) PrevTerm() types.Term {
	return l.prevTerm
}

// PrevServers is the committed membership as of PrevIndex.
func (l *Log) PrevServers() []types.ServerSpec {
	return l.prevServers
}

// SnapshotData is the state machine image as of PrevIndex.
func (l *Log) SnapshotData() []byte {
	return l.snapshotData
}

// Entry returns the entry at index i, or nil if outside [Start, End).
func (l *Log) Entry(i types.Index) *types.LogEntry {
	if i < l.Start() || i >= l.End() {
		return nil
	}
	return &l.entries[i-l.Start()]
}

// TermAt returns the term of the entry at i; TermAt(Start-1) is PrevTerm.
// Asking outside [Start-1, End) returns 0.
func (l *Log) TermAt(i types.Index) types.Term {
	if i == l.prevIndex {
		return l.prevTerm
	}
	if e := l.Entry(i); e != nil {
		return e.Term
	}
	return 0
}

// LastTerm is the term of the last entry, or PrevTerm if none.
func (l *Log) LastTerm() types.Term {
	return l.TermAt(l.LastIndex())
}

// Append persists and then appends a new entry, returning its index.
func (l *Log) Append(e types.LogEntry) (types.Index, error) {
	if l.writeErr != nil && e.Term == l.writeErrTerm {
		return 0, fmt.Errorf("log write disabled in term %d: %w", l.writeErrTerm, l.writeErr)
	}
	idx := l.End()
	if l.persist != nil {
		if err := l.persist(idx, e); err != nil {
			l.writeErr = err
			l.writeErrTerm = e.Term
			return 0, fmt.Errorf("failed to persist entry %d: %w", idx, err)
		}
	}
	l.entries = append(l.entries, e)
	return idx, nil
}

// Truncate drops entries at and above newEnd. It does not write: at replay
// time, a later record with an index below the old end re-performs the
// truncation. Reports whether any removed entry carried a configuration, so
// membership can be recomputed.
func (l *Log) Truncate(newEnd types.Index) bool {
	if newEnd < l.Start() {
		panic(fmt.Sprintf("truncate to %d below log start %d", newEnd, l.Start()))
	}
	if newEnd >= l.End() {
		return false
	}
	removedServers := false
	for _, e := range l.entries[newEnd-l.Start():] {
		if e.Kind == types.EntryServers {
			removedServers = true
		}
	}
	l.entries = l.entries[:newEnd-l.Start()]
	return removedServers
}

// CompactTo advances the snapshot prefix to cover everything through
// newPrevIndex, discarding the covered entries. newPrevIndex must not exceed
// LastIndex.
func (l *Log) CompactTo(newPrevIndex types.Index, servers []types.ServerSpec, data []byte) {
	if newPrevIndex < l.prevIndex || newPrevIndex > l.LastIndex() {
		panic(fmt.Sprintf("compact to %d outside [%d, %d]", newPrevIndex, l.prevIndex, l.LastIndex()))
	}
	newPrevTerm := l.TermAt(newPrevIndex)
	l.entries = append([]types.LogEntry(nil), l.entries[newPrevIndex+1-l.Start():]...)
	l.prevIndex = newPrevIndex
	l.prevTerm = newPrevTerm
	l.prevServers = servers
	l.snapshotData = data
}

// InstallSnapshot replaces the log prefix with a received snapshot ending at
// lastIndex/lastTerm, keeping any in-memory entries strictly above lastIndex
// that are consistent with it.
func (l *Log) InstallSnapshot(lastIndex types.Index, lastTerm types.Term, servers []types.ServerSpec, data []byte) {
	var keep []types.LogEntry
	if lastIndex < l.End() && lastIndex >= l.prevIndex && l.TermAt(lastIndex) == lastTerm {
		keep = append(keep, l.entries[lastIndex+1-l.Start():]...)
	}
	l.entries = keep
	l.prevIndex = lastIndex
	l.prevTerm = lastTerm
	l.prevServers = servers
	l.snapshotData = data
}

// Entries returns the in-memory entries; callers must not mutate them.
func (l *Log) Entries() []types.LogEntry {
	return l.entries
}

// WriteErr reports the sticky append error, if any.
func (l *Log) WriteErr() error {
	return l.writeErr
}

// ClearWriteErr re-enables appends once the term has advanced past the
// failing one.
func (l *Log) ClearWriteErr(term types.Term) {
	if l.writeErr != nil && term > l.writeErrTerm {
		l.writeErr = nil
	}
}

// Snapshot packages the current prefix summary for persistence.
func (l *Log) Snapshot() storage.Snapshot {
	return storage.Snapshot{
		PrevTerm:    l.prevTerm,
		PrevIndex:   l.prevIndex,
		PrevServers: l.prevServers,
		Data:        l.snapshotData,
	}
}
