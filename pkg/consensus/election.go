package consensus

import (
	"time"

	"github.com/corraldb/corral/pkg/events"
	"github.com/corraldb/corral/pkg/metrics"
	"github.com/corraldb/corral/pkg/rpc"
	"github.com/corraldb/corral/pkg/session"
	"github.com/corraldb/corral/pkg/types"
)

// startElection moves to Candidate in a new term. The self-vote and term
// are persisted first; vote requests go out once they are durable.
func (n *Node) startElection() {
	n.role = types.RoleCandidate
	n.leader = types.ServerID{}
	n.selfVoted = false
	n.cluster.ClearVotes()

	self := n.sid
	seq := n.advanceTerm(n.term+1, &self)
	n.resetElectionTimer()
	metrics.IncElections()

	n.logger.Info().Uint64("term", uint64(n.term)).Msg("starting election")
	if seq == 0 {
		// The persist failed; stay candidate and let the timer retry.
		return
	}
	n.addWaiter(seq, waiterKind{electionStarted: n.term})
}

// broadcastVoteRequests solicits votes from every other member.
func (n *Node) broadcastVoteRequests() {
	for _, peer := range n.cluster.Members() {
		if peer.ID() == n.sid {
			continue
		}
		req := &rpc.VoteRequest{
			Term:         n.term,
			LastLogIndex: n.log.LastIndex(),
			LastLogTerm:  n.log.LastTerm(),
		}
		n.stamp(&req.Common, peer.ID())
		n.registry.Send(req)
	}
}

// handleVoteRequest grants iff we have no conflicting vote this term and
// the candidate's log is at least as up-to-date as ours. A grant is
// persisted before the reply leaves.
func (n *Node) handleVoteRequest(m *rpc.VoteRequest, sess *session.Session) {
	reply := &rpc.VoteReply{Term: n.term}
	n.stamp(&reply.Common, m.From)

	if m.Term < n.term {
		n.reply(sess, reply)
		return
	}
	if n.votePending {
		// A prior grant is still waiting for durability; replying now could
		// let us grant twice. The candidate retries after its timeout.
		return
	}

	upToDate := m.LastLogTerm > n.log.LastTerm() ||
		(m.LastLogTerm == n.log.LastTerm() && m.LastLogIndex >= n.log.LastIndex())
	free := !n.hasVote || n.votedFor == m.From

	if !free || !upToDate {
		n.reply(sess, reply)
		return
	}

	if n.hasVote && n.votedFor == m.From {
		// Duplicate request; the grant is already durable.
		reply.VoteGranted = true
		n.resetElectionTimer()
		n.reply(sess, reply)
		return
	}

	vote := m.From
	seq := n.advanceTerm(n.term, &vote)
	if seq == 0 {
		// Persist failed: no grant goes out, but voted-for stays set in
		// memory so we cannot promise this term to anyone else. The
		// candidate's timer will retry.
		return
	}
	n.resetElectionTimer()
	reply.VoteGranted = true
	n.votePending = true
	n.addWaiter(seq, waiterKind{votePersisted: &pendingReply{msg: reply, sess: sess}})
	n.logger.Debug().
		Str("candidate", m.From.Short()).
		Uint64("term", uint64(n.term)).
		Msg("granting vote")
}

// handleVoteReply counts a granted vote once per peer per election.
func (n *Node) handleVoteReply(m *rpc.VoteReply) {
	if n.role != types.RoleCandidate || m.Term != n.term || !m.VoteGranted {
		return
	}
	peer := n.cluster.Member(m.From)
	if peer == nil || peer.Voted {
		return
	}
	peer.Voted = true
	n.checkVotes()
}

// checkVotes promotes to leader on a majority of the current members.
func (n *Node) checkVotes() {
	votes := n.cluster.CountVotes()
	if n.selfVoted && n.cluster.Member(n.sid) != nil {
		votes++
	}
	if votes >= n.cluster.Majority() {
		n.becomeLeader()
	}
}

// becomeFollower steps down, aborting leader-only state.
func (n *Node) becomeFollower() {
	wasLeader := n.role == types.RoleLeader
	n.role = types.RoleFollower
	n.selfVoted = false
	n.resetElectionTimer()

	if !wasLeader {
		return
	}
	n.logger.Info().Uint64("term", uint64(n.term)).Msg("stepping down")
	n.publishEvent(events.EventLeaderLost, "")
	for idx, c := range n.commands {
		c.complete(types.CommandLostLeadership)
		delete(n.commands, idx)
	}
	n.abortReconfig(types.MembershipLostLeadership)
}

// becomeLeader initializes replication bookkeeping and announces itself.
func (n *Node) becomeLeader() {
	n.role = types.RoleLeader
	n.leader = n.sid
	n.selfMatch = n.log.End() - 1
	for _, peer := range n.cluster.Members() {
		peer.ResetReplication(n.log.End())
		peer.Phase = types.PhaseStable
	}
	for _, peer := range n.cluster.PendingAdds() {
		// A pending add from a lost leadership is stale; the originator
		// must re-issue it.
		n.cluster.FinishAdd(peer.ID())
	}

	n.logger.Info().Uint64("term", uint64(n.term)).Msg("became leader")
	n.publishEvent(events.EventLeaderElected, "")
	n.sendHeartbeats()
	n.pingDeadline = time.Now().Add(pingInterval)
}

// stamp fills the envelope of an outgoing message.
func (n *Node) stamp(c *rpc.Common, to types.ServerID) {
	if to == n.sid {
		// Addressing ourselves is a bug; the registry drops it too, but
		// catch it where the message is built.
		n.logger.Error().Str("type", string(c.Type)).Msg("rpc addressed to self")
	}
	c.From = n.sid
	c.To = to
	c.Cluster = n.cid
}
