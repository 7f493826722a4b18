package consensus

import (
	"time"

	"github.com/corraldb/corral/pkg/address"
	"github.com/corraldb/corral/pkg/membership"
	"github.com/corraldb/corral/pkg/rpc"
	"github.com/corraldb/corral/pkg/session"
	"github.com/corraldb/corral/pkg/types"
)

// joinInterval paces AddServerRequest retries while joining, and
// RemoveServerRequest retries while leaving.
const joinInterval = time.Second

// reconfigOrigin remembers who asked for a membership change, so the reply
// can be sent when the change commits.
type reconfigOrigin struct {
	sess     *session.Session
	isRemove bool
}

// runReconfig is the leader's reconfiguration driver. It runs whenever a
// Servers entry commits or a catch-up completes, and keeps at most one
// configuration change in flight.
func (n *Node) runReconfig() {
	if n.role != types.RoleLeader {
		return
	}

	// 1. An uncommitted Servers entry means a change is in flight; wait.
	for idx := n.commitIndex + 1; idx < n.log.End(); idx++ {
		if e := n.log.Entry(idx); e != nil && e.Kind == types.EntryServers {
			return
		}
	}

	// 2. Additions whose Servers entry committed are done.
	for _, peer := range n.cluster.Members() {
		if peer.Phase == types.PhaseCommitting {
			peer.Phase = types.PhaseStable
			n.replyReconfig(peer.ID(), types.MembershipOk)
		}
	}

	// 3. A removal whose Servers entry committed is done.
	if gone := n.cluster.PendingRemove; gone != nil {
		n.cluster.PendingRemove = nil
		n.replyReconfig(gone.ID(), types.MembershipOk)
		n.registry.RemovePeer(gone.ID())
	}

	// 4. Promote one caught-up addition.
	for _, peer := range n.cluster.PendingAdds() {
		if peer.Phase != types.PhaseCaughtUp {
			continue
		}
		n.cluster.FinishAdd(peer.ID())
		peer.Phase = types.PhaseCommitting
		n.cluster.AddMember(peer)
		n.appendServersEntry()
		return
	}

	// 5. Start one scheduled removal. The Servers entry must be written:
	// without it the new configuration could elect a leader that never
	// learned of the removal.
	for _, peer := range n.cluster.Members() {
		if peer.Phase != types.PhaseRemove {
			continue
		}
		n.cluster.RemoveMember(peer.ID())
		n.cluster.PendingRemove = peer
		n.appendServersEntry()
		return
	}
}

// appendServersEntry appends the current configuration as a log entry and
// replicates it eagerly.
func (n *Node) appendServersEntry() {
	idx, err := n.log.Append(types.LogEntry{
		Term:    n.term,
		Kind:    types.EntryServers,
		Servers: n.cluster.Specs(),
	})
	if err != nil {
		n.logger.Error().Err(err).Msg("failed to append configuration entry")
		return
	}
	seq := n.worker.Request()
	n.addWaiter(seq, waiterKind{commandPersisted: idx})
	n.eagerReplicate(idx)
}

// replyReconfig sends the final status for a membership change to whoever
// asked for it.
func (n *Node) replyReconfig(subject types.ServerID, status types.MembershipStatus) {
	origin, ok := n.pendingReplies[subject]
	if !ok {
		return
	}
	delete(n.pendingReplies, subject)
	n.sendReconfigStatus(origin, subject, status)
}

func (n *Node) sendReconfigStatus(origin *reconfigOrigin, subject types.ServerID, status types.MembershipStatus) {
	if origin.isRemove {
		reply := &rpc.RemoveServerReply{Status: status}
		n.stampReconfigReply(&reply.Common, &reply.LeaderAddress, &reply.LeaderSID, subject, status)
		n.reply(origin.sess, reply)
		return
	}
	reply := &rpc.AddServerReply{Status: status}
	n.stampReconfigReply(&reply.Common, &reply.LeaderAddress, &reply.LeaderSID, subject, status)
	n.reply(origin.sess, reply)
}

func (n *Node) stampReconfigReply(c *rpc.Common, leaderAddr *string, leaderSID *types.ServerID, to types.ServerID, status types.MembershipStatus) {
	n.stamp(c, to)
	if status == types.MembershipNotLeader {
		if addr := n.leaderAddress(); addr != "" {
			*leaderAddr = addr
			*leaderSID = n.leader
		}
	}
}

// leaderAddress is the current leader's address if we know it.
func (n *Node) leaderAddress() string {
	if n.leader.IsZero() {
		return ""
	}
	if peer := n.cluster.Member(n.leader); peer != nil {
		return peer.Spec.Address
	}
	return ""
}

// abortReconfig fails every in-flight membership change, as on leadership
// loss or shutdown.
func (n *Node) abortReconfig(status types.MembershipStatus) {
	for subject, origin := range n.pendingReplies {
		n.sendReconfigStatus(origin, subject, status)
		delete(n.pendingReplies, subject)
	}
	for sid := range n.cluster.PendingAdds() {
		n.cluster.FinishAdd(sid)
	}
	for _, peer := range n.cluster.Members() {
		if peer.Phase != types.PhaseStable {
			peer.Phase = types.PhaseStable
		}
	}
	// An appended-but-uncommitted removal resolves under the next leader;
	// the membership itself is always recomputed from the log.
	n.cluster.PendingRemove = nil
}

// handleAddServerRequest runs the admission guards and starts catch-up for
// a genuinely new server.
func (n *Node) handleAddServerRequest(m *rpc.AddServerRequest, sess *session.Session) {
	origin := &reconfigOrigin{sess: sess}

	if n.role != types.RoleLeader {
		n.sendReconfigStatus(origin, m.From, types.MembershipNotLeader)
		return
	}

	if peer := n.cluster.Member(m.SID); peer != nil {
		if peer.Phase == types.PhaseRemove {
			// The removal never started; cancel it.
			peer.Phase = types.PhaseStable
			n.sendReconfigStatus(origin, m.From, types.MembershipOk)
			return
		}
		n.sendReconfigStatus(origin, m.From, types.MembershipNoOp)
		return
	}
	if n.cluster.PendingAdd(m.SID) != nil {
		n.sendReconfigStatus(origin, m.From, types.MembershipInProgress)
		return
	}
	if gone := n.cluster.PendingRemove; gone != nil && gone.ID() == m.SID {
		n.sendReconfigStatus(origin, m.From, types.MembershipCommitting)
		return
	}

	peer := &membership.Server{Spec: types.ServerSpec{ID: m.SID, Address: m.Address}}
	peer.ResetReplication(n.log.End())
	peer.ReplyTo = m.From
	n.cluster.StartAdd(peer)
	n.pendingReplies[m.SID] = origin

	if _, err := n.registry.AddPeer(peer.Spec); err != nil {
		n.logger.Warn().Err(err).Str("peer", m.SID.Short()).Msg("failed to open session to joining server")
	}
	n.logger.Info().
		Str("sid", m.SID.Short()).
		Str("address", m.Address).
		Msg("starting catch-up for new server")
	n.sendAppend(peer, 0)
}

// handleAddServerReply finishes our own join attempt.
func (n *Node) handleAddServerReply(m *rpc.AddServerReply) {
	if !n.joining {
		return
	}
	switch m.Status {
	case types.MembershipOk, types.MembershipNoOp:
		// Membership itself arrives through replication; we just stop
		// re-asking.
		n.logger.Info().Msg("admission acknowledged")
	case types.MembershipNotLeader:
		if m.LeaderAddress != "" {
			n.addJoinRemote(m.LeaderAddress)
		}
	default:
		n.logger.Debug().Str("status", m.Status.String()).Msg("join attempt pending")
	}
}

func (n *Node) addJoinRemote(addr string) {
	a, err := address.Parse(addr)
	if err != nil {
		return
	}
	n.joinSessions = append(n.joinSessions, n.registry.AddRemote(a))
}

// handleRemoveServerRequest runs the removal guards and schedules the
// removal for the reconfiguration driver.
func (n *Node) handleRemoveServerRequest(m *rpc.RemoveServerRequest, sess *session.Session) {
	origin := &reconfigOrigin{sess: sess, isRemove: true}

	if n.role != types.RoleLeader {
		n.sendReconfigStatus(origin, m.From, types.MembershipNotLeader)
		return
	}
	if gone := n.cluster.PendingRemove; gone != nil && gone.ID() == m.SID {
		n.sendReconfigStatus(origin, m.From, types.MembershipInProgress)
		return
	}
	if peer := n.cluster.PendingAdd(m.SID); peer != nil {
		// The addition never committed; cancel it outright.
		n.cluster.FinishAdd(m.SID)
		n.replyReconfig(m.SID, types.MembershipCanceled)
		n.sendReconfigStatus(origin, m.From, types.MembershipOk)
		return
	}
	peer := n.cluster.Member(m.SID)
	if peer == nil {
		n.sendReconfigStatus(origin, m.From, types.MembershipNoOp)
		return
	}
	if peer.Phase == types.PhaseRemove {
		n.sendReconfigStatus(origin, m.From, types.MembershipInProgress)
		return
	}
	if n.cluster.Size() <= 1 {
		n.sendReconfigStatus(origin, m.From, types.MembershipEmpty)
		return
	}
	if m.SID == n.sid {
		// Removing the leader needs a leadership transfer first; the
		// client retries against the new leader.
		n.transferLeadership()
		n.sendReconfigStatus(origin, m.From, types.MembershipNotLeader)
		return
	}

	peer.Phase = types.PhaseRemove
	n.pendingReplies[m.SID] = origin
	n.runReconfig()
}

// handleRemoveServerReply finishes our own departure.
func (n *Node) handleRemoveServerReply(m *rpc.RemoveServerReply) {
	if !n.leaving {
		return
	}
	switch m.Status {
	case types.MembershipOk, types.MembershipNoOp:
		n.leaving = false
		n.left = true
		n.logger.Info().Msg("left the cluster")
	case types.MembershipNotLeader:
		// Retried from pollLeave once a leader is known.
	}
}

// pollJoin re-sends admission requests until membership arrives.
func (n *Node) pollJoin(now time.Time) {
	if now.Before(n.joinDeadline) {
		return
	}
	n.joinDeadline = now.Add(joinInterval)
	for _, sess := range n.joinSessions {
		req := &rpc.AddServerRequest{SID: n.sid, Address: n.local.String()}
		req.From = n.sid
		req.Cluster = n.cid
		sess.Send(req)
	}
}

// pollLeave re-sends the self-removal request until it is acknowledged.
func (n *Node) pollLeave(now time.Time) {
	if now.Before(n.leaveDeadline) || n.leader.IsZero() || n.leader == n.sid {
		return
	}
	n.leaveDeadline = now.Add(joinInterval)
	req := &rpc.RemoveServerRequest{SID: n.sid}
	n.stamp(&req.Common, n.leader)
	n.registry.Send(req)
}

// TakeLeadership starts an election immediately instead of waiting for the
// timer.
func (n *Node) TakeLeadership() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.role == types.RoleLeader || n.joining || n.closed {
		return
	}
	n.startElection()
}

// TransferLeadership steps down in favor of the most caught-up member. We
// stop heartbeating and stretch our own election timer so the target's
// timer wins the next election.
func (n *Node) TransferLeadership() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.transferLeadership()
}

func (n *Node) transferLeadership() {
	if n.role != types.RoleLeader {
		return
	}
	var target *membership.Server
	for _, peer := range n.cluster.Members() {
		if peer.ID() == n.sid {
			continue
		}
		if target == nil || peer.MatchIndex > target.MatchIndex {
			target = peer
		}
	}
	if target == nil {
		return
	}

	// One final push so the target's log is as fresh as possible.
	n.sendAppend(target, 1)
	n.becomeFollower()
	n.electionDeadline = time.Now().Add(2 * (electionBase + electionRange))
	n.logger.Info().Str("target", target.ID().Short()).Msg("transferring leadership")
}

// Leave asks the cluster to remove this server. Progress is reported by
// Left; the caller closes the node afterwards.
func (n *Node) Leave() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed || n.left {
		return
	}
	n.leaving = true
	if n.role == types.RoleLeader {
		if n.cluster.Size() == 1 {
			// Sole member: there is nobody to ask.
			n.leaving = false
			n.left = true
			return
		}
		n.transferLeadership()
	}
	n.leaveDeadline = time.Time{}
	n.Wake()
}

// Left reports whether a Leave has been acknowledged.
func (n *Node) Left() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.left
}
