package membership

import (
	"sort"

	"github.com/corraldb/corral/pkg/raftlog"
	"github.com/corraldb/corral/pkg/types"
)

// Server is one known peer plus the leader-side replication bookkeeping for
// it. NextIndex/MatchIndex/Phase are only meaningful on the leader.
type Server struct {
	Spec types.ServerSpec

	NextIndex  types.Index
	MatchIndex types.Index
	Phase      types.Phase

	// ReplyTo is the originator of the add/remove request that created this
	// server, owed a reply when the change commits.
	ReplyTo types.ServerID

	// Voted records whether this peer's vote was already counted in the
	// current election.
	Voted bool

	// SnapshotOffset tracks install-snapshot progress toward this peer.
	SnapshotOffset uint64
}

// ID is the server's id.
func (s *Server) ID() types.ServerID {
	return s.Spec.ID
}

// ResetReplication initializes the leader-side bookkeeping when leadership
// is won or the peer is first seen.
func (s *Server) ResetReplication(logEnd types.Index) {
	s.NextIndex = logEnd
	s.MatchIndex = 0
	s.SnapshotOffset = 0
}

// Cluster tracks the committed member set plus in-flight additions and the
// at-most-one in-flight removal.
type Cluster struct {
	members    map[types.ServerID]*Server
	pendingAdd map[types.ServerID]*Server

	// PendingRemove is the member being removed, once the driver has taken
	// it out of members and before the removal commits.
	PendingRemove *Server
}

// New creates an empty cluster.
func New() *Cluster {
	return &Cluster{
		members:    make(map[types.ServerID]*Server),
		pendingAdd: make(map[types.ServerID]*Server),
	}
}

// FromSpecs builds the member set from a configuration.
func FromSpecs(specs []types.ServerSpec) *Cluster {
	c := New()
	for _, spec := range specs {
		c.members[spec.ID] = &Server{Spec: spec, Phase: types.PhaseStable}
	}
	return c
}

// Member returns the committed member with the given id, or nil.
func (c *Cluster) Member(sid types.ServerID) *Server {
	return c.members[sid]
}

// Members returns the committed members in unspecified order.
func (c *Cluster) Members() map[types.ServerID]*Server {
	return c.members
}

// Size is the number of committed members.
func (c *Cluster) Size() int {
	return len(c.members)
}

// Majority is the vote/replication threshold over the committed members.
func (c *Cluster) Majority() int {
	return c.Size()/2 + 1
}

// AddMember inserts a server into the committed member set.
func (c *Cluster) AddMember(s *Server) {
	c.members[s.Spec.ID] = s
}

// RemoveMember deletes a server from the committed member set and returns
// it, or nil if absent.
func (c *Cluster) RemoveMember(sid types.ServerID) *Server {
	s := c.members[sid]
	delete(c.members, sid)
	return s
}

// PendingAdd returns the pending addition with the given id, or nil.
func (c *Cluster) PendingAdd(sid types.ServerID) *Server {
	return c.pendingAdd[sid]
}

// PendingAdds returns all pending additions.
func (c *Cluster) PendingAdds() map[types.ServerID]*Server {
	return c.pendingAdd
}

// StartAdd registers a server as a pending addition in catch-up.
func (c *Cluster) StartAdd(s *Server) {
	s.Phase = types.PhaseCatchup
	c.pendingAdd[s.Spec.ID] = s
}

// FinishAdd removes a pending addition, whether promoted or canceled.
func (c *Cluster) FinishAdd(sid types.ServerID) {
	delete(c.pendingAdd, sid)
}

// Specs returns the committed configuration, ordered by id so Servers
// entries are deterministic.
func (c *Cluster) Specs() []types.ServerSpec {
	specs := make([]types.ServerSpec, 0, len(c.members))
	for _, s := range c.members {
		specs = append(specs, s.Spec)
	}
	sort.Slice(specs, func(i, j int) bool {
		return specs[i].ID.String() < specs[j].ID.String()
	})
	return specs
}

// ConfigFromLog derives the current membership: the latest Servers entry in
// the log, or the snapshot's prev-servers if none survives. Called at open
// and again whenever truncation removed a Servers entry.
func ConfigFromLog(l *raftlog.Log) []types.ServerSpec {
	for i := l.LastIndex(); i >= l.Start(); i-- {
		if e := l.Entry(i); e != nil && e.Kind == types.EntryServers {
			return e.Servers
		}
	}
	return l.PrevServers()
}

// Recompute rebuilds the committed member set from the given configuration,
// preserving the bookkeeping of servers that remain members.
func (c *Cluster) Recompute(specs []types.ServerSpec) {
	next := make(map[types.ServerID]*Server, len(specs))
	for _, spec := range specs {
		if s, ok := c.members[spec.ID]; ok {
			s.Spec = spec
			next[spec.ID] = s
			continue
		}
		if s, ok := c.pendingAdd[spec.ID]; ok {
			s.Spec = spec
			delete(c.pendingAdd, spec.ID)
			next[spec.ID] = s
			continue
		}
		if c.PendingRemove != nil && c.PendingRemove.Spec.ID == spec.ID {
			// A truncated removal: the server is a member again.
			next[spec.ID] = c.PendingRemove
			c.PendingRemove = nil
			continue
		}
		next[spec.ID] = &Server{Spec: spec, Phase: types.PhaseStable}
	}
	c.members = next
}

// CountVotes returns the number of members with Voted set.
func (c *Cluster) CountVotes() int {
	n := 0
	for _, s := range c.members {
		if s.Voted {
			n++
		}
	}
	return n
}

// ClearVotes resets vote bookkeeping for a new election.
func (c *Cluster) ClearVotes() {
	for _, s := range c.members {
		s.Voted = false
	}
}

// CountMatching returns how many members satisfy the predicate.
func (c *Cluster) CountMatching(pred func(*Server) bool) int {
	n := 0
	for _, s := range c.members {
		if pred(s) {
			n++
		}
	}
	return n
}
