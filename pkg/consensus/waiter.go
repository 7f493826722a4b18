package consensus

import (
	"github.com/corraldb/corral/pkg/rpc"
	"github.com/corraldb/corral/pkg/session"
	"github.com/corraldb/corral/pkg/types"
)

// A waiter is a deferred action gated on the durability worker's sequence
// number. It fires once the worker reports committed >= seq.
type waiter struct {
	seq  uint64
	kind waiterKind
}

// waiterKind is the action to run on durability. Exactly one field set.
type waiterKind struct {
	// commandPersisted advances the leader's own match index to this entry.
	commandPersisted types.Index

	// appendedForFollower sends the success reply for an accepted
	// AppendEntries once the appended entries are durable.
	appendedForFollower *pendingReply

	// votePersisted sends a granted vote reply once the vote is durable.
	votePersisted *pendingReply

	// electionStarted broadcasts our vote requests once the new term and
	// self-vote are durable, and counts our own ballot.
	electionStarted types.Term
}

// pendingReply is a reply held back until its state change is durable.
type pendingReply struct {
	msg  rpc.Message
	sess *session.Session
}

func (n *Node) addWaiter(seq uint64, kind waiterKind) {
	n.waiters = append(n.waiters, waiter{seq: seq, kind: kind})
}

// fireWaiters runs every waiter whose sequence number is durable. Waiters
// are registered in sequence order, so the prefix below the durable mark is
// exactly what fires.
func (n *Node) fireWaiters() {
	committed := n.worker.Committed()
	i := 0
	for ; i < len(n.waiters); i++ {
		w := n.waiters[i]
		if w.seq > committed {
			break
		}
		n.fireWaiter(w)
	}
	n.waiters = n.waiters[i:]
}

func (n *Node) fireWaiter(w waiter) {
	k := w.kind
	switch {
	case k.commandPersisted != 0:
		if n.role == types.RoleLeader && k.commandPersisted > n.selfMatch {
			n.selfMatch = k.commandPersisted
			n.advanceCommit()
		}

	case k.appendedForFollower != nil:
		n.reply(k.appendedForFollower.sess, k.appendedForFollower.msg)

	case k.votePersisted != nil:
		n.votePending = false
		n.reply(k.votePersisted.sess, k.votePersisted.msg)

	case k.electionStarted != 0:
		if n.role == types.RoleCandidate && n.term == k.electionStarted {
			n.selfVoted = true
			n.broadcastVoteRequests()
			n.checkVotes()
		}
	}
}
