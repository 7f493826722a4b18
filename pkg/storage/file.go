package storage

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/corraldb/corral/pkg/log"
	"github.com/corraldb/corral/pkg/types"
)

// maxRecordSize bounds a single record line during replay. Snapshots are the
// largest records; 64 MiB is far beyond any configuration database image.
const maxRecordSize = 64 << 20

// File is an open consensus log. All writes append; Commit is the only
// durability point and is the one method the durability worker may call
// concurrently with the main task's appends.
type File struct {
	f    *os.File
	path string
}

// Create writes a fresh log containing the header and initial snapshot and
// returns it open for appending.
func Create(path string, hdr Header, snap Snapshot) (*File, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to create log %s: %w", path, err)
	}

	lf := &File{f: f, path: path}
	if err := lf.writeMagic(); err != nil {
		f.Close()
		os.Remove(path)
		return nil, err
	}
	if err := lf.Append(HeaderRecord(hdr)); err != nil {
		f.Close()
		os.Remove(path)
		return nil, err
	}
	if err := lf.Append(SnapshotRecord(snap)); err != nil {
		f.Close()
		os.Remove(path)
		return nil, err
	}
	if err := lf.Commit(); err != nil {
		f.Close()
		os.Remove(path)
		return nil, err
	}
	return lf, nil
}

// Replay is the folded content of a log file.
type Replay struct {
	Header      Header
	HasHeader   bool
	Snapshot    Snapshot
	HasSnapshot bool
	Term        types.Term
	Vote        types.ServerID
	HasVote     bool
	Entries     []types.LogEntry
}

// Start is the index of the first in-memory entry after replay.
func (r *Replay) Start() types.Index {
	return r.Snapshot.PrevIndex + 1
}

// Open reads and folds an existing log. A torn trailing record is treated
// as a crash during append and discarded; a corrupt record anywhere else is
// fatal, since everything after it is unreliable.
func Open(path string) (*File, *Replay, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0600)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open log %s: %w", path, err)
	}

	rep, err := replay(f, path)
	if err != nil {
		f.Close()
		return nil, nil, err
	}

	// Leave the write offset at the end for subsequent appends.
	if _, err := f.Seek(0, 2); err != nil {
		f.Close()
		return nil, nil, fmt.Errorf("failed to seek log %s: %w", path, err)
	}
	return &File{f: f, path: path}, rep, nil
}

// ReadMetadata reads only the header of a log file.
func ReadMetadata(path string) (Header, error) {
	f, err := os.Open(path)
	if err != nil {
		return Header{}, fmt.Errorf("failed to open log %s: %w", path, err)
	}
	defer f.Close()

	rep, err := replay(f, path)
	if err != nil {
		return Header{}, err
	}
	if !rep.HasHeader {
		return Header{}, fmt.Errorf("log %s has no header record", path)
	}
	return rep.Header, nil
}

func replay(f *os.File, path string) (*Replay, error) {
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), maxRecordSize)

	if !sc.Scan() {
		return nil, fmt.Errorf("log %s is empty", path)
	}
	if sc.Text() != Magic {
		return nil, fmt.Errorf("log %s has bad magic %q", path, sc.Text())
	}

	rep := &Replay{}
	var pending []byte
	for sc.Scan() {
		line := sc.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		if pending != nil {
			// The previous line failed to parse but was not the last record.
			return nil, fmt.Errorf("log %s: corrupt record before end of file", path)
		}
		var rec Record
		if err := json.Unmarshal(line, &rec); err != nil {
			// Possibly a torn tail; decide once we know whether more follows.
			pending = append([]byte(nil), line...)
			continue
		}
		if err := rep.fold(&rec, path); err != nil {
			return nil, err
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("failed to read log %s: %w", path, err)
	}
	if pending != nil {
		l := log.WithComponent("storage")
		l.Warn().
			Str("path", path).
			Int("bytes", len(pending)).
			Msg("discarding torn record at end of log")
	}
	return rep, nil
}

// fold applies one replayed record to the accumulated state.
func (rep *Replay) fold(rec *Record, path string) error {
	switch rec.Kind() {
	case KindHeader:
		rep.Header = Header{Cluster: *rec.Cluster, Server: *rec.Server, Name: rec.Name, Local: rec.Local, Remotes: rec.Remotes}
		rep.HasHeader = true

	case KindSnapshot:
		rep.Snapshot = Snapshot{
			PrevTerm:    *rec.PrevTerm,
			PrevIndex:   *rec.PrevIndex,
			PrevServers: rec.PrevServers,
			Data:        rec.Data,
		}
		rep.HasSnapshot = true
		rep.Entries = nil

	case KindEntry:
		idx, e, err := rec.Entry()
		if err != nil {
			return fmt.Errorf("log %s: %w", path, err)
		}
		start := rep.Start()
		end := start + types.Index(len(rep.Entries))
		switch {
		case idx < start:
			// Superseded by a later snapshot; skip.
		case idx <= end:
			// A record at or before the current end re-performs the
			// truncation a follower did in memory before re-appending.
			rep.Entries = rep.Entries[:idx-start]
			rep.Entries = append(rep.Entries, e)
		default:
			return fmt.Errorf("log %s: entry %d leaves a gap after %d", path, idx, end-1)
		}

	case KindMeta:
		if *rec.Term < rep.Term {
			return fmt.Errorf("log %s: term regressed from %d to %d", path, rep.Term, *rec.Term)
		}
		rep.Term = *rec.Term
		if rec.Vote != nil {
			rep.Vote = *rec.Vote
			rep.HasVote = true
		} else {
			rep.Vote = types.ServerID{}
			rep.HasVote = false
		}

	default:
		return fmt.Errorf("log %s: record with no recognizable shape", path)
	}
	return nil
}

func (lf *File) writeMagic() error {
	if _, err := lf.f.WriteString(Magic + "\n"); err != nil {
		return fmt.Errorf("failed to write magic: %w", err)
	}
	return nil
}

// Append writes one record. The record is not durable until Commit.
func (lf *File) Append(rec Record) error {
	buf, err := json.Marshal(&rec)
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}
	buf = append(buf, '\n')
	if _, err := lf.f.Write(buf); err != nil {
		return fmt.Errorf("failed to append record: %w", err)
	}
	return nil
}

// Commit makes all appended records durable.
func (lf *File) Commit() error {
	if err := lf.f.Sync(); err != nil {
		return fmt.Errorf("failed to sync log %s: %w", lf.path, err)
	}
	return nil
}

// Close closes the underlying file.
func (lf *File) Close() error {
	return lf.f.Close()
}

// Path returns the file path.
func (lf *File) Path() string {
	return lf.path
}

// Rewrite atomically replaces the log with header + snapshot + the given
// entries (numbered from snap.PrevIndex+1) + the current term and vote.
// On success the File appends to the new log from then on.
func (lf *File) Rewrite(hdr Header, snap Snapshot, entries []types.LogEntry, term types.Term, vote *types.ServerID) error {
	tmp := lf.path + ".tmp"
	os.Remove(tmp)

	nf, err := Create(tmp, hdr, snap)
	if err != nil {
		return fmt.Errorf("failed to create rewrite log: %w", err)
	}
	idx := snap.PrevIndex + 1
	for _, e := range entries {
		if err := nf.Append(EntryRecord(idx, e)); err != nil {
			nf.Close()
			os.Remove(tmp)
			return err
		}
		idx++
	}
	if err := nf.Append(MetaRecord(term, vote)); err != nil {
		nf.Close()
		os.Remove(tmp)
		return err
	}
	if err := nf.Commit(); err != nil {
		nf.Close()
		os.Remove(tmp)
		return err
	}

	if err := os.Rename(tmp, lf.path); err != nil {
		nf.Close()
		os.Remove(tmp)
		return fmt.Errorf("failed to replace log %s: %w", lf.path, err)
	}
	if dir, err := os.Open(filepath.Dir(lf.path)); err == nil {
		dir.Sync()
		dir.Close()
	}

	old := lf.f
	lf.f = nf.f
	old.Close()
	return nil
}
