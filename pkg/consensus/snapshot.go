package consensus

import (
	"unicode/utf8"

	"github.com/corraldb/corral/pkg/membership"
	"github.com/corraldb/corral/pkg/rpc"
	"github.com/corraldb/corral/pkg/session"
	"github.com/corraldb/corral/pkg/storage"
	"github.com/corraldb/corral/pkg/types"
)

// snapshotChunkSize bounds InstallSnapshot chunks.
const snapshotChunkSize = 4096

// sendSnapshotChunk streams the next chunk of the current snapshot to a
// follower that has fallen behind the log start.
func (n *Node) sendSnapshotChunk(peer *membership.Server) {
	data := n.log.SnapshotData()
	off := peer.SnapshotOffset
	if off > uint64(len(data)) {
		off = 0
		peer.SnapshotOffset = 0
	}

	end := off + snapshotChunkSize
	if end > uint64(len(data)) {
		end = uint64(len(data))
	}
	// Text snapshots must not be split inside a codepoint.
	if end < uint64(len(data)) && utf8.Valid(data) {
		for end > off && !utf8.RuneStart(data[end]) {
			end--
		}
	}

	req := &rpc.InstallSnapshotRequest{
		Term:        n.term,
		LastIndex:   n.log.PrevIndex(),
		LastTerm:    n.log.PrevTerm(),
		LastServers: n.log.PrevServers(),
		Length:      uint64(len(data)),
		Offset:      off,
		Chunk:       data[off:end],
	}
	n.stamp(&req.Common, peer.ID())
	n.registry.Send(req)
}

// handleInstallSnapshotRequest accumulates chunks and installs the snapshot
// once the buffer is complete. The reply's next offset is where the leader
// should resume.
func (n *Node) handleInstallSnapshotRequest(m *rpc.InstallSnapshotRequest, sess *session.Session) {
	reply := &rpc.InstallSnapshotReply{
		Term:      n.term,
		LastIndex: m.LastIndex,
		LastTerm:  m.LastTerm,
	}
	n.stamp(&reply.Common, m.From)

	if m.Term < n.term {
		n.reply(sess, reply)
		return
	}

	n.leader = m.From
	if n.role != types.RoleFollower {
		n.becomeFollower()
	}
	n.resetElectionTimer()

	if m.LastIndex <= n.log.PrevIndex() {
		// Our snapshot already covers this one.
		reply.NextOffset = m.Length
		n.reply(sess, reply)
		return
	}

	if n.snapIndex != m.LastIndex || n.snapTerm != m.LastTerm || n.snapLength != m.Length {
		n.snapBuf = nil
		n.snapIndex = m.LastIndex
		n.snapTerm = m.LastTerm
		n.snapServers = m.LastServers
		n.snapLength = m.Length
	}

	if m.Offset <= uint64(len(n.snapBuf)) {
		// A chunk at or before our resume point rewinds the buffer to its
		// offset; anything else is out of order and is discarded.
		n.snapBuf = append(n.snapBuf[:m.Offset], m.Chunk...)
	}
	reply.NextOffset = uint64(len(n.snapBuf))

	if uint64(len(n.snapBuf)) == n.snapLength {
		n.installSnapshot()
	}
	n.reply(sess, reply)
}

// installSnapshot applies a fully received snapshot: the covered log prefix
// is discarded (entries strictly above it survive), commit and apply marks
// jump forward, and the log file is rewritten around the new prefix.
func (n *Node) installSnapshot() {
	lastIndex := n.snapIndex
	data := n.snapBuf
	n.log.InstallSnapshot(lastIndex, n.snapTerm, n.snapServers, data)

	if lastIndex > n.commitIndex {
		n.commitIndex = lastIndex
	}
	if lastIndex > n.lastApplied {
		n.lastApplied = lastIndex
		n.applyQueue = append(n.applyQueue, AppliedEntry{
			Data:       data,
			EID:        lastIndex,
			IsSnapshot: true,
		})
	}

	if n.store != nil {
		hdr := storage.Header{Cluster: n.cid, Server: n.sid, Name: n.name, Local: n.local.String()}
		var vote *types.ServerID
		if n.hasVote {
			v := n.votedFor
			vote = &v
		}
		if err := n.store.Rewrite(hdr, n.log.Snapshot(), n.log.Entries(), n.term, vote); err != nil {
			n.logger.Error().Err(err).Msg("failed to persist installed snapshot")
		}
	}

	n.snapBuf = nil
	n.snapLength = 0
	n.recomputeMembership()
	n.applyCommitted()

	n.logger.Info().
		Uint64("last_index", uint64(lastIndex)).
		Int("bytes", len(data)).
		Msg("installed snapshot")
}

// handleInstallSnapshotReply paces the transfer, restarting from zero if
// the follower acknowledged a snapshot we no longer hold.
func (n *Node) handleInstallSnapshotReply(m *rpc.InstallSnapshotReply) {
	if n.role != types.RoleLeader || m.Term != n.term {
		return
	}
	peer := n.cluster.Member(m.From)
	if peer == nil {
		peer = n.cluster.PendingAdd(m.From)
	}
	if peer == nil {
		return
	}

	if m.LastIndex != n.log.PrevIndex() || m.LastTerm != n.log.PrevTerm() {
		peer.SnapshotOffset = 0
		n.sendSnapshotChunk(peer)
		return
	}

	peer.SnapshotOffset = m.NextOffset
	if m.NextOffset < uint64(len(n.log.SnapshotData())) {
		n.sendSnapshotChunk(peer)
		return
	}

	// Transfer complete: the follower now holds everything through the
	// snapshot boundary; resume with AppendEntries.
	if n.log.PrevIndex() > peer.MatchIndex {
		peer.MatchIndex = n.log.PrevIndex()
	}
	if peer.MatchIndex+1 > peer.NextIndex {
		peer.NextIndex = peer.MatchIndex + 1
	}
	peer.SnapshotOffset = 0
	n.advanceCommit()
	n.replicateTo(peer)
}
