package storage

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corraldb/corral/pkg/types"
)

func testHeader() Header {
	return Header{
		Cluster: types.NewClusterID(),
		Server:  types.NewServerID(),
		Local:   "tcp:127.0.0.1:6641",
	}
}

func testSnapshot() Snapshot {
	return Snapshot{
		PrevTerm:  0,
		PrevIndex: 1,
		PrevServers: []types.ServerSpec{
			{ID: types.NewServerID(), Address: "tcp:127.0.0.1:6641"},
		},
		Data: []byte("{}"),
	}
}

func TestCreateOpenRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "corral.raft")
	hdr := testHeader()
	snap := testSnapshot()

	f, err := Create(path, hdr, snap)
	require.NoError(t, err)

	require.NoError(t, f.Append(EntryRecord(2, types.LogEntry{Term: 1, Kind: types.EntryData, Data: []byte("cmd1")})))
	require.NoError(t, f.Append(EntryRecord(3, types.LogEntry{Term: 1, Kind: types.EntryServers, Servers: snap.PrevServers})))
	self := hdr.Server
	require.NoError(t, f.Append(MetaRecord(2, &self)))
	require.NoError(t, f.Commit())
	require.NoError(t, f.Close())

	f2, rep, err := Open(path)
	require.NoError(t, err)
	defer f2.Close()

	assert.True(t, rep.HasHeader)
	assert.Equal(t, hdr.Cluster, rep.Header.Cluster)
	assert.Equal(t, hdr.Server, rep.Header.Server)
	assert.True(t, rep.HasSnapshot)
	assert.Equal(t, types.Index(1), rep.Snapshot.PrevIndex)
	assert.Equal(t, []byte("{}"), rep.Snapshot.Data)
	require.Len(t, rep.Entries, 2)
	assert.Equal(t, []byte("cmd1"), rep.Entries[0].Data)
	assert.Equal(t, types.EntryServers, rep.Entries[1].Kind)
	assert.Equal(t, types.Term(2), rep.Term)
	assert.True(t, rep.HasVote)
	assert.Equal(t, self, rep.Vote)
}

func TestReplayReperformsTruncation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "corral.raft")
	f, err := Create(path, testHeader(), testSnapshot())
	require.NoError(t, err)

	// Index 3 written twice: the second write supersedes the first, as a
	// follower does after truncating a conflicting suffix.
	require.NoError(t, f.Append(EntryRecord(2, types.LogEntry{Term: 1, Kind: types.EntryData, Data: []byte("a")})))
	require.NoError(t, f.Append(EntryRecord(3, types.LogEntry{Term: 1, Kind: types.EntryData, Data: []byte("old")})))
	require.NoError(t, f.Append(EntryRecord(3, types.LogEntry{Term: 2, Kind: types.EntryData, Data: []byte("new")})))
	require.NoError(t, f.Commit())
	require.NoError(t, f.Close())

	_, rep, err := Open(path)
	require.NoError(t, err)
	require.Len(t, rep.Entries, 2)
	assert.Equal(t, []byte("new"), rep.Entries[1].Data)
	assert.Equal(t, types.Term(2), rep.Entries[1].Term)
}

func TestTornTailTolerated(t *testing.T) {
	path := filepath.Join(t.TempDir(), "corral.raft")
	f, err := Create(path, testHeader(), testSnapshot())
	require.NoError(t, err)
	require.NoError(t, f.Append(EntryRecord(2, types.LogEntry{Term: 1, Kind: types.EntryData, Data: []byte("a")})))
	require.NoError(t, f.Close())

	// Simulate a crash mid-append.
	fh, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0600)
	require.NoError(t, err)
	_, err = fh.WriteString(`{"index":3,"term":1,"da`)
	require.NoError(t, err)
	require.NoError(t, fh.Close())

	_, rep, err := Open(path)
	require.NoError(t, err)
	require.Len(t, rep.Entries, 1)
	assert.Equal(t, []byte("a"), rep.Entries[0].Data)
}

func TestCorruptMiddleFatal(t *testing.T) {
	path := filepath.Join(t.TempDir(), "corral.raft")
	f, err := Create(path, testHeader(), testSnapshot())
	require.NoError(t, err)
	require.NoError(t, f.Close())

	fh, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0600)
	require.NoError(t, err)
	_, err = fh.WriteString("{\"index\":2,\"ter\n")
	require.NoError(t, err)
	_, err = fh.WriteString(`{"index":3,"term":1,"data":"YQ=="}` + "\n")
	require.NoError(t, err)
	require.NoError(t, fh.Close())

	_, _, err = Open(path)
	assert.Error(t, err)
}

func TestBadMagicRejected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "corral.raft")
	require.NoError(t, os.WriteFile(path, []byte("not a log\n"), 0600))
	_, _, err := Open(path)
	assert.Error(t, err)
}

func TestRewriteCompacts(t *testing.T) {
	path := filepath.Join(t.TempDir(), "corral.raft")
	hdr := testHeader()
	f, err := Create(path, hdr, testSnapshot())
	require.NoError(t, err)
	for i := types.Index(2); i <= 6; i++ {
		require.NoError(t, f.Append(EntryRecord(i, types.LogEntry{Term: 1, Kind: types.EntryData, Data: []byte("x")})))
	}
	require.NoError(t, f.Commit())

	// Compact through index 5: the rewritten log holds the snapshot plus
	// the one surviving entry.
	newSnap := Snapshot{PrevTerm: 1, PrevIndex: 5, Data: []byte("img")}
	survivors := []types.LogEntry{{Term: 1, Kind: types.EntryData, Data: []byte("x")}}
	require.NoError(t, f.Rewrite(hdr, newSnap, survivors, 1, nil))

	// The handle keeps appending to the new file.
	require.NoError(t, f.Append(EntryRecord(7, types.LogEntry{Term: 1, Kind: types.EntryData, Data: []byte("y")})))
	require.NoError(t, f.Commit())
	require.NoError(t, f.Close())

	_, rep, err := Open(path)
	require.NoError(t, err)
	assert.Equal(t, types.Index(5), rep.Snapshot.PrevIndex)
	assert.Equal(t, []byte("img"), rep.Snapshot.Data)
	require.Len(t, rep.Entries, 2)
	assert.Equal(t, []byte("y"), rep.Entries[1].Data)
}

func TestReadMetadata(t *testing.T) {
	path := filepath.Join(t.TempDir(), "corral.raft")
	hdr := testHeader()
	f, err := Create(path, hdr, testSnapshot())
	require.NoError(t, err)
	require.NoError(t, f.Close())

	got, err := ReadMetadata(path)
	require.NoError(t, err)
	assert.Equal(t, hdr.Server, got.Server)
	assert.Equal(t, hdr.Cluster, got.Cluster)
	assert.Equal(t, hdr.Local, got.Local)
}
