package consensus

import (
	"github.com/corraldb/corral/pkg/membership"
	"github.com/corraldb/corral/pkg/rpc"
	"github.com/corraldb/corral/pkg/session"
	"github.com/corraldb/corral/pkg/types"
)

// sendHeartbeats sends an empty AppendEntries to every peer, keeping
// follower election timers quiet; a peer whose next index lies before the
// log start gets its next snapshot chunk instead.
func (n *Node) sendHeartbeats() {
	for _, peer := range n.replicationTargets() {
		if peer.NextIndex < n.log.Start() {
			n.sendSnapshotChunk(peer)
			continue
		}
		n.sendAppend(peer, 0)
	}
}

// replicationTargets is every server the leader replicates to: committed
// members and pending additions, minus ourselves.
func (n *Node) replicationTargets() []*membership.Server {
	var out []*membership.Server
	for _, peer := range n.cluster.Members() {
		if peer.ID() != n.sid {
			out = append(out, peer)
		}
	}
	for _, peer := range n.cluster.PendingAdds() {
		out = append(out, peer)
	}
	return out
}

// sendAppend sends count entries starting at the peer's next index; zero
// entries is a heartbeat.
func (n *Node) sendAppend(peer *membership.Server, count int) {
	prev := peer.NextIndex - 1
	if prev < n.log.PrevIndex() {
		n.sendSnapshotChunk(peer)
		return
	}

	req := &rpc.AppendRequest{
		Term:         n.term,
		LeaderSID:    n.sid,
		PrevLogIndex: prev,
		PrevLogTerm:  n.log.TermAt(prev),
		LeaderCommit: n.commitIndex,
	}
	for i := 0; i < count; i++ {
		e := n.log.Entry(peer.NextIndex + types.Index(i))
		if e == nil {
			break
		}
		req.Entries = append(req.Entries, rpc.FromLogEntry(*e))
	}
	n.stamp(&req.Common, peer.ID())
	n.registry.Send(req)
}

// eagerReplicate pushes a freshly appended entry to every peer that was
// already caught up to it, without waiting for the next heartbeat.
func (n *Node) eagerReplicate(idx types.Index) {
	for _, peer := range n.replicationTargets() {
		if peer.NextIndex == idx {
			n.sendAppend(peer, 1)
		}
	}
}

// handleAppendRequest is the follower half of replication: the consistency
// check, the splice, and the durability-gated reply.
func (n *Node) handleAppendRequest(m *rpc.AppendRequest, sess *session.Session) {
	reply := &rpc.AppendReply{
		Term:         n.term,
		LogEnd:       n.log.End(),
		PrevLogIndex: m.PrevLogIndex,
		PrevLogTerm:  m.PrevLogTerm,
		NEntries:     uint64(len(m.Entries)),
	}
	n.stamp(&reply.Common, m.From)

	if m.Term < n.term {
		n.reply(sess, reply)
		return
	}

	// A valid AppendEntries from the current term's leader.
	n.leader = m.LeaderSID
	if n.role != types.RoleFollower {
		n.becomeFollower()
	}
	n.resetElectionTimer()

	entries := m.Entries
	pli := m.PrevLogIndex
	plt := m.PrevLogTerm
	start := n.log.Start()
	lastReq := pli + types.Index(len(entries))

	switch {
	case lastReq < start-1:
		// Entirely before our snapshot: all of it is committed data we
		// already hold. Accept vacuously.
		reply.Success = true
		reply.LogEnd = n.log.End()
		n.reply(sess, reply)
		return

	case pli < start-1:
		// The request straddles (or ends at) the snapshot boundary. The
		// element at start-1 is kept only to validate against prev_term;
		// everything before it is discarded.
		trim := start - 1 - pli
		if entries[trim-1].Term != n.log.PrevTerm() {
			n.reply(sess, reply)
			return
		}
		pli = start - 1
		plt = n.log.PrevTerm()
		entries = entries[trim:]

	case pli == start-1:
		if plt != n.log.PrevTerm() {
			n.reply(sess, reply)
			return
		}

	case pli < n.log.End():
		if n.log.TermAt(pli) != plt {
			n.reply(sess, reply)
			return
		}

	default:
		// Gap: the leader is ahead of us.
		n.reply(sess, reply)
		return
	}

	// Walk the entries; the first conflict truncates, the first new index
	// starts the append.
	appendFrom := -1
	sawServers := false
	for i := range entries {
		idx := pli + 1 + types.Index(i)
		if idx >= n.log.End() {
			appendFrom = i
			break
		}
		if n.log.TermAt(idx) != entries[i].Term {
			// Conflicting suffix; it cannot contain committed entries.
			if n.log.Truncate(idx) {
				sawServers = true
			}
			appendFrom = i
			break
		}
	}

	persisted := false
	if appendFrom >= 0 {
		for _, e := range entries[appendFrom:] {
			le := e.ToLogEntry()
			if _, err := n.log.Append(le); err != nil {
				n.logger.Error().Err(err).Msg("failed to append replicated entry")
				reply.LogEnd = n.log.End()
				n.reply(sess, reply)
				if sawServers {
					n.recomputeMembership()
				}
				return
			}
			persisted = true
			if le.Kind == types.EntryServers {
				sawServers = true
			}
		}
	}
	if sawServers {
		n.recomputeMembership()
	}

	if m.LeaderCommit > n.commitIndex {
		commit := m.LeaderCommit
		if lastReq < commit {
			commit = lastReq
		}
		if commit > n.commitIndex {
			n.commitIndex = commit
		}
	}

	reply.Success = true
	reply.LogEnd = n.log.End()
	if persisted {
		seq := n.worker.Request()
		n.addWaiter(seq, waiterKind{appendedForFollower: &pendingReply{msg: reply, sess: sess}})
	} else {
		// Heartbeat or duplicate: nothing new to make durable.
		n.reply(sess, reply)
	}
}

// handleAppendReply is the leader half: match/next bookkeeping, commit
// advancement, and pacing the follower forward.
func (n *Node) handleAppendReply(m *rpc.AppendReply) {
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

	if m.Success {
		match := m.PrevLogIndex + types.Index(m.NEntries)
		if match > peer.MatchIndex {
			peer.MatchIndex = match
		}
		if peer.MatchIndex+1 > peer.NextIndex {
			peer.NextIndex = peer.MatchIndex + 1
		}
		n.advanceCommit()
	} else {
		next := peer.NextIndex - 1
		if m.LogEnd < next {
			next = m.LogEnd
		}
		if next < 1 {
			next = 1
		}
		peer.NextIndex = next
	}

	n.replicateTo(peer)
}

// replicateTo moves one peer forward: snapshot if it is behind the log
// start, one entry if it is behind the end, otherwise it is caught up.
func (n *Node) replicateTo(peer *membership.Server) {
	switch {
	case peer.NextIndex < n.log.Start():
		n.sendSnapshotChunk(peer)
	case peer.NextIndex < n.log.End():
		n.sendAppend(peer, 1)
	default:
		if peer.Phase == types.PhaseCatchup {
			peer.Phase = types.PhaseCaughtUp
			n.runReconfig()
		}
	}
}

// advanceCommit scans every index above the commit point. Only entries of
// the current term commit by counting; earlier terms ride along (Raft
// §3.6.2). The scan must not stop at the first index that lacks a
// majority: a later one may have it.
func (n *Node) advanceCommit() {
	advanced := false
	for idx := n.commitIndex + 1; idx < n.log.End(); idx++ {
		if n.log.TermAt(idx) != n.term {
			continue
		}
		count := 0
		for _, peer := range n.cluster.Members() {
			if peer.ID() == n.sid {
				if n.selfMatch >= idx {
					count++
				}
			} else if peer.MatchIndex >= idx {
				count++
			}
		}
		if count >= n.cluster.Majority() {
			n.commitIndex = idx
			advanced = true
		}
	}
	if advanced {
		n.applyCommitted()
	}
}

// recomputeMembership re-derives the member set from the log, opens
// sessions to new members, and notices our own admission or removal.
func (n *Node) recomputeMembership() {
	specs := membership.ConfigFromLog(n.log)
	n.cluster.Recompute(specs)
	n.openPeerSessions()

	if n.cluster.Member(n.sid) != nil {
		n.joining = false
	} else if !n.joining && len(specs) > 0 {
		n.logger.Info().Msg("no longer in the cluster membership")
		if n.role == types.RoleLeader {
			n.becomeFollower()
		}
	}
}
