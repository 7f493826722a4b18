package consensus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corraldb/corral/pkg/address"
	"github.com/corraldb/corral/pkg/durability"
	"github.com/corraldb/corral/pkg/membership"
	"github.com/corraldb/corral/pkg/raftlog"
	"github.com/corraldb/corral/pkg/rpc"
	"github.com/corraldb/corral/pkg/session"
	"github.com/corraldb/corral/pkg/storage"
	"github.com/corraldb/corral/pkg/types"
)

// nopStore satisfies the durability worker without touching disk.
type nopStore struct{}

func (nopStore) Commit() error { return nil }

// newTestNode builds a node with an in-memory log, no on-disk store, and no
// live sessions. specs[0] is the node itself.
func newTestNode(t *testing.T, members int) (*Node, []types.ServerSpec) {
	t.Helper()
	specs := make([]types.ServerSpec, members)
	for i := range specs {
		specs[i] = types.ServerSpec{ID: types.NewServerID(), Address: "tcp:127.0.0.1"}
	}

	addr, err := address.Parse("tcp:127.0.0.1")
	require.NoError(t, err)

	n := &Node{
		wake:           make(chan struct{}, 1),
		sid:            specs[0].ID,
		cid:            types.NewClusterID(),
		local:          addr,
		role:           types.RoleFollower,
		term:           1,
		commands:       make(map[types.Index]*Command),
		pendingReplies: make(map[types.ServerID]*reconfigOrigin),
	}
	n.worker = durability.NewWorker(nopStore{})
	n.worker.Start()
	t.Cleanup(n.worker.Close)

	n.log = raftlog.New(storage.Snapshot{PrevTerm: 1, PrevIndex: 1, PrevServers: specs}, nil)
	n.cluster = membership.FromSpecs(specs)
	n.registry = session.NewRegistry(n.sid, nil, nil)
	t.Cleanup(n.registry.Close)
	n.resetElectionTimer()
	return n, specs
}

// flush waits for everything requested so far to become durable and fires
// the resulting waiters.
func flush(n *Node) {
	seq := n.worker.Request()
	n.worker.WaitAdvance(seq - 1)
	n.fireWaiters()
}

func appendEntries(t *testing.T, n *Node, terms ...types.Term) {
	t.Helper()
	for _, term := range terms {
		_, err := n.log.Append(types.LogEntry{Term: term, Kind: types.EntryData, Data: []byte("x")})
		require.NoError(t, err)
	}
}

func makeLeader(t *testing.T, n *Node) {
	t.Helper()
	n.term++
	n.becomeLeader()
	n.selfMatch = n.log.End() - 1
}

func TestVoteGrantRules(t *testing.T) {
	tests := []struct {
		name         string
		lastLogIndex types.Index
		lastLogTerm  types.Term
		grant        bool
	}{
		{"longer log same term", 5, 2, true},
		{"equal log", 3, 2, true},
		{"higher last term shorter log", 2, 3, true},
		{"shorter log same term", 2, 2, false},
		{"lower last term longer log", 9, 1, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n, specs := newTestNode(t, 3)
			appendEntries(t, n, 1, 2) // our log: last index 3, last term 2
			n.term = 2

			m := &rpc.VoteRequest{Term: 3, LastLogIndex: tt.lastLogIndex, LastLogTerm: tt.lastLogTerm}
			m.From = specs[1].ID
			m.To = n.sid
			m.Cluster = n.cid
			n.handleInbound(session.Inbound{Msg: m})

			assert.Equal(t, types.Term(3), n.term, "term exchange must run first")
			if tt.grant {
				assert.True(t, n.hasVote)
				assert.Equal(t, specs[1].ID, n.votedFor)
			} else {
				assert.False(t, n.hasVote)
			}
		})
	}
}

func TestVoteSingleGrantPerTerm(t *testing.T) {
	n, specs := newTestNode(t, 3)

	req := func(from types.ServerID) *rpc.VoteRequest {
		m := &rpc.VoteRequest{Term: 2, LastLogIndex: 9, LastLogTerm: 2}
		m.From = from
		m.To = n.sid
		m.Cluster = n.cid
		return m
	}

	n.handleInbound(session.Inbound{Msg: req(specs[1].ID)})
	require.True(t, n.hasVote)
	flush(n)

	// A rival in the same term is refused; the original candidate can ask
	// again and still holds the vote.
	n.handleInbound(session.Inbound{Msg: req(specs[2].ID)})
	assert.Equal(t, specs[1].ID, n.votedFor)
	n.handleInbound(session.Inbound{Msg: req(specs[1].ID)})
	assert.Equal(t, specs[1].ID, n.votedFor)
}

func TestVoteDeferredWhilePersistPending(t *testing.T) {
	n, specs := newTestNode(t, 3)

	m := &rpc.VoteRequest{Term: 2, LastLogIndex: 9, LastLogTerm: 2}
	m.From = specs[1].ID
	m.To = n.sid
	m.Cluster = n.cid
	n.handleInbound(session.Inbound{Msg: m})
	require.True(t, n.votePending)

	// While the grant awaits fsync, even the same candidate gets silence.
	n.handleInbound(session.Inbound{Msg: m})
	assert.True(t, n.votePending)

	flush(n)
	assert.False(t, n.votePending)
}

func TestElectionNeedsMajority(t *testing.T) {
	n, specs := newTestNode(t, 3)
	n.startElection()
	flush(n) // self vote becomes durable, requests broadcast

	require.Equal(t, types.RoleCandidate, n.role)
	require.Equal(t, types.Term(2), n.term)

	reply := &rpc.VoteReply{Term: 2, VoteGranted: true}
	reply.From = specs[1].ID
	n.handleVoteReply(reply)
	assert.Equal(t, types.RoleLeader, n.role)

	// The peer's grant is recorded on its Voted flag; the self vote is not.
	assert.Equal(t, 1, n.cluster.CountVotes())
}

func TestHigherTermStepsLeaderDown(t *testing.T) {
	n, specs := newTestNode(t, 3)
	makeLeader(t, n)
	cmd := n.Execute([]byte("doomed"), 0)

	m := &rpc.AppendRequest{Term: n.term + 1, LeaderSID: specs[1].ID, PrevLogIndex: 1, PrevLogTerm: 1}
	m.From = specs[1].ID
	m.To = n.sid
	m.Cluster = n.cid
	n.handleInbound(session.Inbound{Msg: m})

	assert.Equal(t, types.RoleFollower, n.role)
	assert.Equal(t, types.CommandLostLeadership, cmd.Status())
}

func TestStaleTermAppendRejected(t *testing.T) {
	n, specs := newTestNode(t, 3)
	n.term = 3

	m := &rpc.AppendRequest{Term: 2, LeaderSID: specs[1].ID, PrevLogIndex: 1, PrevLogTerm: 1,
		Entries: []rpc.Entry{{Term: 2, Data: []byte("old")}}}
	m.From = specs[1].ID
	n.handleAppendRequest(m, nil)

	assert.Equal(t, types.Index(2), n.log.End(), "stale append must not touch the log")
	assert.Equal(t, types.Term(3), n.term)
}

func TestAppendHeartbeatAndEntries(t *testing.T) {
	n, specs := newTestNode(t, 3)
	n.term = 2

	// Pure heartbeat.
	hb := &rpc.AppendRequest{Term: 2, LeaderSID: specs[1].ID, PrevLogIndex: 1, PrevLogTerm: 1}
	hb.From = specs[1].ID
	n.handleAppendRequest(hb, nil)
	assert.Equal(t, specs[1].ID, n.leader)
	assert.Equal(t, types.Index(2), n.log.End())

	// Entries append and commit follows leader_commit.
	m := &rpc.AppendRequest{Term: 2, LeaderSID: specs[1].ID, PrevLogIndex: 1, PrevLogTerm: 1,
		LeaderCommit: 3,
		Entries:      []rpc.Entry{{Term: 2, Data: []byte("a")}, {Term: 2, Data: []byte("b")}}}
	m.From = specs[1].ID
	n.handleAppendRequest(m, nil)
	assert.Equal(t, types.Index(4), n.log.End())
	assert.Equal(t, types.Index(3), n.commitIndex)

	// Duplicate delivery is a no-op.
	n.handleAppendRequest(m, nil)
	assert.Equal(t, types.Index(4), n.log.End())
}

func TestAppendRejectsMismatchAndGap(t *testing.T) {
	n, specs := newTestNode(t, 3)
	n.term = 2
	appendEntries(t, n, 2) // index 2

	// prev term mismatch.
	m := &rpc.AppendRequest{Term: 2, LeaderSID: specs[1].ID, PrevLogIndex: 2, PrevLogTerm: 9,
		Entries: []rpc.Entry{{Term: 2, Data: []byte("x")}}}
	m.From = specs[1].ID
	n.handleAppendRequest(m, nil)
	assert.Equal(t, types.Index(3), n.log.End())

	// Gap past our end.
	m2 := &rpc.AppendRequest{Term: 2, LeaderSID: specs[1].ID, PrevLogIndex: 7, PrevLogTerm: 2,
		Entries: []rpc.Entry{{Term: 2, Data: []byte("x")}}}
	m2.From = specs[1].ID
	n.handleAppendRequest(m2, nil)
	assert.Equal(t, types.Index(3), n.log.End())
}

func TestAppendOverwritesConflictingSuffix(t *testing.T) {
	n, specs := newTestNode(t, 3)
	n.term = 3
	appendEntries(t, n, 2, 2) // (2,t2) (3,t2); idx 3 was never committed

	// The new leader replicates (3,t3) with a matching prefix at index 2.
	m := &rpc.AppendRequest{Term: 3, LeaderSID: specs[1].ID, PrevLogIndex: 2, PrevLogTerm: 2,
		Entries: []rpc.Entry{{Term: 3, Data: []byte("new")}}}
	m.From = specs[1].ID
	n.handleAppendRequest(m, nil)

	require.Equal(t, types.Index(4), n.log.End())
	assert.Equal(t, types.Term(3), n.log.TermAt(3))
	assert.Equal(t, []byte("new"), n.log.Entry(3).Data)
}

func TestAppendBeforeSnapshotIsVacuous(t *testing.T) {
	n, specs := newTestNode(t, 3)
	n.term = 2
	n.log.CompactTo(1, n.log.PrevServers(), nil)
	appendEntries(t, n, 2, 2, 2) // [2,5)
	n.log.CompactTo(4, n.log.PrevServers(), []byte("img"))
	require.Equal(t, types.Index(5), n.log.Start())

	// Entirely snapshotted data.
	m := &rpc.AppendRequest{Term: 2, LeaderSID: specs[1].ID, PrevLogIndex: 1, PrevLogTerm: 1,
		Entries: []rpc.Entry{{Term: 2, Data: []byte("a")}, {Term: 2, Data: []byte("b")}}}
	m.From = specs[1].ID
	n.handleAppendRequest(m, nil)
	assert.Equal(t, types.Index(5), n.log.End())

	// Straddling the boundary: prefix trimmed, suffix appended.
	m2 := &rpc.AppendRequest{Term: 2, LeaderSID: specs[1].ID, PrevLogIndex: 3, PrevLogTerm: 2,
		Entries: []rpc.Entry{{Term: 2, Data: []byte("at4")}, {Term: 2, Data: []byte("at5")}}}
	m2.From = specs[1].ID
	n.handleAppendRequest(m2, nil)
	require.Equal(t, types.Index(6), n.log.End())
	assert.Equal(t, []byte("at5"), n.log.Entry(5).Data)
}

func TestLeaderCommitScan(t *testing.T) {
	n, specs := newTestNode(t, 3)
	appendEntries(t, n, 1) // index 2, prior term
	makeLeader(t, n)       // term 2
	appendEntries(t, n, 2) // index 3, current term
	n.selfMatch = 3

	// One follower confirms both entries; majority of 3 is 2.
	reply := &rpc.AppendReply{Term: n.term, Success: true, PrevLogIndex: 1, NEntries: 2, LogEnd: 4}
	reply.From = specs[1].ID
	n.handleAppendReply(reply)

	// The current-term entry at 3 has a majority, and committing it also
	// commits the prior-term entry at 2.
	assert.Equal(t, types.Index(3), n.commitIndex)
}

func TestPriorTermEntryNotDirectlyCommitted(t *testing.T) {
	n, specs := newTestNode(t, 3)
	appendEntries(t, n, 1) // index 2, term 1
	makeLeader(t, n)       // term 2, no term-2 entry yet
	n.selfMatch = 2

	reply := &rpc.AppendReply{Term: n.term, Success: true, PrevLogIndex: 1, NEntries: 1, LogEnd: 3}
	reply.From = specs[1].ID
	n.handleAppendReply(reply)

	assert.Equal(t, types.Index(0), n.commitIndex,
		"prior-term entries commit only via a current-term entry")
}

func TestFailedReplyBacksOffNextIndex(t *testing.T) {
	n, specs := newTestNode(t, 3)
	appendEntries(t, n, 1, 1, 1, 1)
	makeLeader(t, n)
	peer := n.cluster.Member(specs[1].ID)
	require.Equal(t, types.Index(6), peer.NextIndex)

	reply := &rpc.AppendReply{Term: n.term, Success: false, LogEnd: 3}
	reply.From = specs[1].ID
	n.handleAppendReply(reply)
	assert.Equal(t, types.Index(3), peer.NextIndex, "jump back to the follower's log end")

	reply2 := &rpc.AppendReply{Term: n.term, Success: false, LogEnd: 9}
	reply2.From = specs[1].ID
	n.handleAppendReply(reply2)
	assert.Equal(t, types.Index(2), peer.NextIndex, "decrement when the reply's end is no help")
}

func TestExecuteOnFollower(t *testing.T) {
	n, _ := newTestNode(t, 3)
	cmd := n.Execute([]byte("nope"), 0)
	assert.Equal(t, types.CommandNotLeader, cmd.Status())
}

func TestExecutePrereq(t *testing.T) {
	n, _ := newTestNode(t, 1)
	makeLeader(t, n)

	first := n.Execute([]byte("a"), 0)
	require.Equal(t, types.CommandIncomplete, first.Status())

	// A prereq behind the latest data entry fails fast.
	stale := n.Execute([]byte("b"), first.Index()-1)
	assert.Equal(t, types.CommandBadPrereq, stale.Status())

	// A prereq at the latest data entry is accepted.
	fresh := n.Execute([]byte("c"), first.Index())
	assert.Equal(t, types.CommandIncomplete, fresh.Status())
}

func TestSingleServerCommitCycle(t *testing.T) {
	n, _ := newTestNode(t, 1)
	n.startElection()
	flush(n)
	require.Equal(t, types.RoleLeader, n.role, "sole member elects itself after one fsync")

	cmd := n.Execute([]byte("cmd1"), 0)
	flush(n)

	assert.Equal(t, types.CommandSuccess, cmd.Status())
	assert.Equal(t, types.Index(2), n.commitIndex)

	entry, ok := n.NextEntry()
	require.True(t, ok)
	assert.Equal(t, []byte("cmd1"), entry.Data)
	assert.Equal(t, types.Index(2), entry.EID)
	assert.False(t, entry.IsSnapshot)
	assert.False(t, n.HasNextEntry())
}

func TestInstallSnapshotAccumulateAndResume(t *testing.T) {
	n, specs := newTestNode(t, 3)
	n.term = 2

	img := []byte("0123456789")
	servers := n.log.PrevServers()
	chunk := func(offset uint64, data []byte) *rpc.InstallSnapshotRequest {
		m := &rpc.InstallSnapshotRequest{
			Term: 2, LastIndex: 10, LastTerm: 2, LastServers: servers,
			Length: uint64(len(img)), Offset: offset, Chunk: data,
		}
		m.From = specs[1].ID
		return m
	}

	n.handleInstallSnapshotRequest(chunk(0, img[:4]), nil)
	require.Equal(t, uint64(4), uint64(len(n.snapBuf)))

	// A gap is discarded.
	n.handleInstallSnapshotRequest(chunk(8, img[8:]), nil)
	require.Equal(t, uint64(4), uint64(len(n.snapBuf)))

	// A resend from an earlier offset rewinds and replays.
	n.handleInstallSnapshotRequest(chunk(2, img[2:6]), nil)
	require.Equal(t, uint64(6), uint64(len(n.snapBuf)))

	n.handleInstallSnapshotRequest(chunk(6, img[6:]), nil)

	// Fully received: installed.
	assert.Equal(t, types.Index(10), n.log.PrevIndex())
	assert.Equal(t, types.Index(10), n.commitIndex)
	assert.Equal(t, types.Index(10), n.lastApplied)

	entry, ok := n.NextEntry()
	require.True(t, ok)
	assert.True(t, entry.IsSnapshot)
	assert.Equal(t, img, entry.Data)
}

func TestSnapshotChunkRespectsRuneBoundary(t *testing.T) {
	n, _ := newTestNode(t, 2)
	// 4095 ASCII bytes then a multi-byte rune spanning the 4096 boundary.
	data := append(make([]byte, 4095), []byte("€")...)
	for i := range data[:4095] {
		data[i] = 'a'
	}
	n.log.InstallSnapshot(9, 1, n.log.PrevServers(), data)

	off, end := uint64(0), uint64(snapshotChunkSize)
	// Mirror the boundary clamp used by sendSnapshotChunk.
	_ = off
	for end > 0 && end < uint64(len(data)) && (data[end]&0xC0) == 0x80 {
		end--
	}
	assert.Equal(t, uint64(4095), end, "chunk boundary must back off to a rune start")
}

func TestAddServerFlow(t *testing.T) {
	n, specs := newTestNode(t, 3)
	makeLeader(t, n)

	joiner := types.ServerSpec{ID: types.NewServerID(), Address: "tcp:10.0.0.9"}
	req := &rpc.AddServerRequest{SID: joiner.ID, Address: joiner.Address}
	req.From = joiner.ID
	n.handleAddServerRequest(req, nil)

	pending := n.cluster.PendingAdd(joiner.ID)
	require.NotNil(t, pending)
	assert.Equal(t, types.PhaseCatchup, pending.Phase)

	// A second request while pending reports in-progress, not a new add.
	n.handleAddServerRequest(req, nil)
	assert.Len(t, n.cluster.PendingAdds(), 1)

	// The joiner catches up; the driver promotes it and appends the new
	// configuration.
	pending.NextIndex = n.log.End()
	pending.MatchIndex = n.log.End() - 1
	n.replicateTo(pending)

	require.Equal(t, types.PhaseCommitting, n.cluster.Member(joiner.ID).Phase)
	require.Equal(t, 4, n.cluster.Size())
	servers := n.log.Entry(n.log.LastIndex())
	require.NotNil(t, servers)
	require.Equal(t, types.EntryServers, servers.Kind)
	assert.Len(t, servers.Servers, 4)

	// Once the Servers entry commits, the addition completes and the new
	// majority is 3 of 4.
	n.selfMatch = n.log.LastIndex()
	flush(n)
	for _, sid := range []types.ServerID{specs[1].ID, specs[2].ID} {
		r := &rpc.AppendReply{Term: n.term, Success: true, PrevLogIndex: 1,
			NEntries: uint64(n.log.LastIndex() - 1), LogEnd: n.log.End()}
		r.From = sid
		n.handleAppendReply(r)
	}
	assert.Equal(t, n.log.LastIndex(), n.commitIndex)
	assert.Equal(t, types.PhaseStable, n.cluster.Member(joiner.ID).Phase)
	assert.Equal(t, 3, n.cluster.Majority())
}

func TestRemoveServerGuards(t *testing.T) {
	n, _ := newTestNode(t, 1)
	makeLeader(t, n)

	// The last member cannot be removed.
	req := &rpc.RemoveServerRequest{SID: n.sid}
	req.From = types.NewServerID()
	n.handleRemoveServerRequest(req, nil)
	assert.Equal(t, 1, n.cluster.Size())
	assert.Equal(t, types.RoleLeader, n.role)
}

func TestRemoveServerAppendsConfiguration(t *testing.T) {
	n, specs := newTestNode(t, 3)
	makeLeader(t, n)

	req := &rpc.RemoveServerRequest{SID: specs[2].ID}
	req.From = types.NewServerID()
	n.handleRemoveServerRequest(req, nil)

	require.NotNil(t, n.cluster.PendingRemove)
	assert.Equal(t, 2, n.cluster.Size())

	servers := n.log.Entry(n.log.LastIndex())
	require.NotNil(t, servers)
	require.Equal(t, types.EntryServers, servers.Kind)
	assert.Len(t, servers.Servers, 2, "a removal must write the new configuration")
}

func TestReopenPreservesState(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/corral.raft"
	require.NoError(t, CreateCluster(path, "tcp:127.0.0.1:36641", []byte("{}"), Options{Name: "s1"}))

	n, err := Open(path, Options{})
	require.NoError(t, err)
	runUntil(t, n, func() bool { return n.IsLeader() })

	cmd := n.Execute([]byte("cmd1"), 0)
	runUntil(t, n, func() bool { return cmd.Status().Done() })
	require.Equal(t, types.CommandSuccess, cmd.Status())

	entry, ok := n.NextEntry()
	require.True(t, ok)
	assert.Equal(t, []byte("cmd1"), entry.Data)

	term := n.term
	require.NoError(t, n.Close())

	// Reopen: term, log and membership survive.
	n2, err := Open(path, Options{})
	require.NoError(t, err)
	defer n2.Close()
	assert.Equal(t, term, n2.term)
	assert.Equal(t, types.Index(3), n2.log.End())
	assert.Equal(t, 1, n2.cluster.Size())
}

func runUntil(t *testing.T, n *Node, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		n.Run()
		if cond() {
			return
		}
		n.Wait()
	}
	t.Fatal("condition not reached")
}
