package raftlog

import (
	"errors"
	"testing"

	"github.com/corraldb/corral/pkg/storage"
	"github.com/corraldb/corral/pkg/types"
)

func newLog() *Log {
	return New(storage.Snapshot{PrevTerm: 1, PrevIndex: 1}, nil)
}

func mustAppend(t *testing.T, l *Log, term types.Term, data string) types.Index {
	t.Helper()
	idx, err := l.Append(types.LogEntry{Term: term, Kind: types.EntryData, Data: []byte(data)})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	return idx
}

func TestAppendAssignsDenseIndices(t *testing.T) {
	l := newLog()
	if got := l.Start(); got != 2 {
		t.Fatalf("Start() = %d, want 2", got)
	}
	for i, want := range []types.Index{2, 3, 4} {
		if got := mustAppend(t, l, 1, "x"); got != want {
			t.Errorf("append %d: index %d, want %d", i, got, want)
		}
	}
	if l.End() != 5 || l.LastIndex() != 4 {
		t.Errorf("End/LastIndex = %d/%d", l.End(), l.LastIndex())
	}
}

func TestTermLookups(t *testing.T) {
	l := newLog()
	mustAppend(t, l, 2, "a")
	mustAppend(t, l, 3, "b")

	if got := l.TermAt(1); got != 1 {
		t.Errorf("TermAt(prev) = %d, want snapshot term 1", got)
	}
	if got := l.TermAt(2); got != 2 {
		t.Errorf("TermAt(2) = %d", got)
	}
	if got := l.LastTerm(); got != 3 {
		t.Errorf("LastTerm() = %d", got)
	}
	if got := l.TermAt(99); got != 0 {
		t.Errorf("TermAt(out of range) = %d, want 0", got)
	}

	empty := newLog()
	if got := empty.LastTerm(); got != 1 {
		t.Errorf("empty LastTerm() = %d, want prev term", got)
	}
}

func TestTruncate(t *testing.T) {
	l := newLog()
	mustAppend(t, l, 1, "a")
	idx, err := l.Append(types.LogEntry{Term: 1, Kind: types.EntryServers})
	if err != nil {
		t.Fatal(err)
	}
	mustAppend(t, l, 1, "c")

	if removed := l.Truncate(l.End()); removed {
		t.Error("no-op truncate reported removed servers")
	}
	if removed := l.Truncate(idx); !removed {
		t.Error("truncating a Servers entry not reported")
	}
	if l.End() != idx {
		t.Errorf("End() = %d after truncate to %d", l.End(), idx)
	}
}

func TestStickyWriteError(t *testing.T) {
	boom := errors.New("disk full")
	fail := true
	l := New(storage.Snapshot{PrevTerm: 1, PrevIndex: 1}, func(types.Index, types.LogEntry) error {
		if fail {
			return boom
		}
		return nil
	})

	if _, err := l.Append(types.LogEntry{Term: 2, Kind: types.EntryData}); !errors.Is(err, boom) {
		t.Fatalf("expected persist error, got %v", err)
	}
	if l.End() != 2 {
		t.Errorf("failed append changed End to %d", l.End())
	}

	// The store recovers, but term 2 stays poisoned.
	fail = false
	if _, err := l.Append(types.LogEntry{Term: 2, Kind: types.EntryData}); err == nil {
		t.Fatal("append in poisoned term succeeded")
	}

	// A later term clears the error.
	l.ClearWriteErr(3)
	if _, err := l.Append(types.LogEntry{Term: 3, Kind: types.EntryData}); err != nil {
		t.Fatalf("append in new term: %v", err)
	}
}

func TestCompactTo(t *testing.T) {
	l := newLog()
	for i := 0; i < 5; i++ {
		mustAppend(t, l, 2, "x")
	}
	l.CompactTo(4, []types.ServerSpec{}, []byte("state"))

	if l.Start() != 5 || l.PrevIndex() != 4 || l.PrevTerm() != 2 {
		t.Errorf("after compact: start=%d prev=%d/%d", l.Start(), l.PrevIndex(), l.PrevTerm())
	}
	if l.End() != 7 {
		t.Errorf("End() = %d, want surviving entries kept", l.End())
	}
	if string(l.SnapshotData()) != "state" {
		t.Errorf("snapshot data not stored")
	}
}

func TestInstallSnapshotKeepsSuffix(t *testing.T) {
	l := newLog()
	mustAppend(t, l, 2, "a") // 2
	mustAppend(t, l, 2, "b") // 3
	mustAppend(t, l, 2, "c") // 4

	// Snapshot through 3 with a matching term keeps entry 4.
	l.InstallSnapshot(3, 2, nil, []byte("img"))
	if l.Start() != 4 || l.End() != 5 {
		t.Errorf("after install: [%d, %d)", l.Start(), l.End())
	}
	if e := l.Entry(4); e == nil || string(e.Data) != "c" {
		t.Errorf("surviving entry lost")
	}
}

func TestInstallSnapshotDiscardsConflict(t *testing.T) {
	l := newLog()
	mustAppend(t, l, 2, "a") // 2
	mustAppend(t, l, 2, "b") // 3

	// Snapshot through 3 with a different term discards everything.
	l.InstallSnapshot(3, 5, nil, nil)
	if l.End() != 4 || l.Start() != 4 {
		t.Errorf("after conflicting install: [%d, %d)", l.Start(), l.End())
	}
	if l.PrevTerm() != 5 {
		t.Errorf("PrevTerm() = %d", l.PrevTerm())
	}
}
