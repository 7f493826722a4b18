package consensus

import (
	"crypto/tls"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/corraldb/corral/pkg/address"
	"github.com/corraldb/corral/pkg/durability"
	"github.com/corraldb/corral/pkg/events"
	"github.com/corraldb/corral/pkg/log"
	"github.com/corraldb/corral/pkg/membership"
	"github.com/corraldb/corral/pkg/metrics"
	"github.com/corraldb/corral/pkg/raftlog"
	"github.com/corraldb/corral/pkg/rpc"
	"github.com/corraldb/corral/pkg/session"
	"github.com/corraldb/corral/pkg/storage"
	"github.com/corraldb/corral/pkg/types"
)

const (
	// Election timeouts are drawn from [electionBase, electionBase+electionRange).
	electionBase  = 1024 * time.Millisecond
	electionRange = 1024 * time.Millisecond

	// Leaders heartbeat at a third of the election base.
	pingInterval = electionBase / 3

	// snapshotThreshold is how many applied in-memory entries trigger
	// ShouldSnapshot.
	snapshotThreshold = 100
)

var (
	ErrNotMember = errors.New("server is not in the cluster membership")
	ErrClosed    = errors.New("consensus node is closed")
)

// AppliedEntry is one committed entry (or installed snapshot) queued for the
// application state machine.
type AppliedEntry struct {
	Data       []byte
	EID        types.Index
	IsSnapshot bool
}

// Node is one consensus server. All consensus state is owned by a single
// cooperative loop: public methods take the node lock, so Run/Wait and the
// API surface serialize on it.
type Node struct {
	mu   sync.Mutex
	wake chan struct{}

	sid   types.ServerID
	cid   types.ClusterID
	name  string
	local address.Addr

	store    *storage.File
	worker   *durability.Worker
	log      *raftlog.Log
	cluster  *membership.Cluster
	registry *session.Registry
	logger   zerolog.Logger
	events   *events.Broker

	role        types.Role
	term        types.Term
	votedFor    types.ServerID
	hasVote     bool
	votePending bool
	selfVoted   bool
	leader      types.ServerID
	commitIndex types.Index
	lastApplied types.Index

	// selfMatch is the leader's own durable log end, its contribution to
	// the majority count.
	selfMatch types.Index

	electionDeadline time.Time
	pingDeadline     time.Time

	waiters  []waiter
	commands map[types.Index]*Command

	// Follower-side snapshot accumulation buffer.
	snapBuf     []byte
	snapIndex   types.Index
	snapTerm    types.Term
	snapServers []types.ServerSpec
	snapLength  uint64

	applyQueue []AppliedEntry

	// pendingReplies maps the subject of an in-flight membership change to
	// its originator.
	pendingReplies map[types.ServerID]*reconfigOrigin

	joining       bool
	joinSessions  []*session.Session
	joinDeadline  time.Time
	leaving       bool
	leaveDeadline time.Time
	left          bool
	closed        bool

	tlsCfg *tls.Config
}

// Options tune optional node behavior.
type Options struct {
	// Name is a human-readable server name stored in the log header.
	Name string
	// TLS is required to dial or listen on ssl addresses.
	TLS *tls.Config
	// Events, when set, receives consensus lifecycle events.
	Events *events.Broker
}

// CreateCluster writes a fresh single-member cluster log at path. The
// snapshot data is the application's initial state image.
func CreateCluster(path, localAddr string, snapshot []byte, opts Options) error {
	addr, err := address.Parse(localAddr)
	if err != nil {
		return err
	}

	hdr := storage.Header{
		Cluster: types.NewClusterID(),
		Server:  types.NewServerID(),
		Name:    opts.Name,
		Local:   addr.String(),
	}
	snap := storage.Snapshot{
		PrevTerm:  0,
		PrevIndex: types.FirstIndex - 1,
		PrevServers: []types.ServerSpec{
			{ID: hdr.Server, Address: addr.String()},
		},
		Data: snapshot,
	}

	f, err := storage.Create(path, hdr, snap)
	if err != nil {
		return err
	}
	return f.Close()
}

// JoinCluster writes an empty log for a new server and records the remotes
// it should ask for admission. The cluster id may be supplied or learned
// from the first reply.
func JoinCluster(path, localAddr string, remotes []string, cid *types.ClusterID, opts Options) error {
	addr, err := address.Parse(localAddr)
	if err != nil {
		return err
	}
	if len(remotes) == 0 {
		return fmt.Errorf("join requires at least one remote")
	}
	for _, remote := range remotes {
		if _, err := address.Parse(remote); err != nil {
			return err
		}
	}

	hdr := storage.Header{
		Server:  types.NewServerID(),
		Name:    opts.Name,
		Local:   addr.String(),
		Remotes: remotes,
	}
	if cid != nil {
		hdr.Cluster = *cid
	}
	snap := storage.Snapshot{
		PrevTerm:  0,
		PrevIndex: types.FirstIndex - 1,
	}

	f, err := storage.Create(path, hdr, snap)
	if err != nil {
		return err
	}
	return f.Close()
}

// Metadata describes a log file without opening it for consensus.
type Metadata struct {
	SID   types.ServerID
	CID   types.ClusterID
	Name  string
	Local string
}

// ReadMetadata reads the identity of the server stored at path.
func ReadMetadata(path string) (Metadata, error) {
	hdr, err := storage.ReadMetadata(path)
	if err != nil {
		return Metadata{}, err
	}
	return Metadata{SID: hdr.Server, CID: hdr.Cluster, Name: hdr.Name, Local: hdr.Local}, nil
}

// Open resumes a server from its log. The server must appear in the latest
// membership unless the log records no membership at all, which means it is
// still joining.
func Open(path string, opts Options) (*Node, error) {
	file, rep, err := storage.Open(path)
	if err != nil {
		return nil, err
	}
	if !rep.HasHeader {
		file.Close()
		return nil, fmt.Errorf("log %s has no header record", path)
	}
	if !rep.HasSnapshot {
		file.Close()
		return nil, fmt.Errorf("log %s has no snapshot record", path)
	}

	addr, err := address.Parse(rep.Header.Local)
	if err != nil {
		file.Close()
		return nil, err
	}

	n := &Node{
		wake:           make(chan struct{}, 1),
		sid:            rep.Header.Server,
		cid:            rep.Header.Cluster,
		name:           rep.Header.Name,
		local:          addr,
		store:          file,
		role:           types.RoleFollower,
		term:           rep.Term,
		commands:       make(map[types.Index]*Command),
		pendingReplies: make(map[types.ServerID]*reconfigOrigin),
		tlsCfg:         opts.TLS,
		events:         opts.Events,
	}
	if rep.HasVote {
		n.votedFor = rep.Vote
		n.hasVote = true
	}
	n.logger = log.WithServerID(n.sid.Short()).With().
		Str("component", "consensus").Logger()

	n.worker = durability.NewWorker(file)
	n.log = raftlog.NewFromReplay(rep, n.persistEntry)

	specs := membership.ConfigFromLog(n.log)
	n.cluster = membership.FromSpecs(specs)
	if len(specs) == 0 {
		n.joining = true
	} else if n.cluster.Member(n.sid) == nil {
		file.Close()
		return nil, fmt.Errorf("%w: %s", ErrNotMember, n.sid)
	}

	n.registry = session.NewRegistry(n.sid, opts.TLS, n.helloMessage)
	if err := n.registry.Listen(addr); err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to listen on %s: %w", addr.Passive(), err)
	}
	n.openPeerSessions()

	if n.joining {
		for _, remote := range rep.Header.Remotes {
			ra, err := address.Parse(remote)
			if err != nil {
				n.logger.Warn().Err(err).Str("remote", remote).Msg("skipping bad remote")
				continue
			}
			n.joinSessions = append(n.joinSessions, n.registry.AddRemote(ra))
		}
	}

	n.worker.Start()
	n.resetElectionTimer()
	n.publishMetrics()

	n.logger.Info().
		Str("cluster", n.cid.String()).
		Uint64("term", uint64(n.term)).
		Uint64("log_start", uint64(n.log.Start())).
		Uint64("log_end", uint64(n.log.End())).
		Msg("opened consensus log")
	return n, nil
}

// persistEntry is the raftlog persist hook: it appends the record only; the
// caller requests the fsync from the durability worker.
func (n *Node) persistEntry(index types.Index, e types.LogEntry) error {
	if err := n.store.Append(storage.EntryRecord(index, e)); err != nil {
		return err
	}
	return nil
}

func (n *Node) helloMessage() rpc.Message {
	n.mu.Lock()
	defer n.mu.Unlock()
	h := &rpc.Hello{}
	h.From = n.sid
	h.Cluster = n.cid
	return h
}

// openPeerSessions dials every member except ourselves.
func (n *Node) openPeerSessions() {
	for _, s := range n.cluster.Members() {
		if s.ID() == n.sid {
			continue
		}
		if _, err := n.registry.AddPeer(s.Spec); err != nil {
			n.logger.Warn().Err(err).Str("peer", s.ID().Short()).Msg("failed to open peer session")
		}
	}
}

// SID returns this server's id.
func (n *Node) SID() types.ServerID {
	return n.sid
}

// CID returns the cluster id, zero while still joining.
func (n *Node) CID() types.ClusterID {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.cid
}

// Closed reports whether Close has been called.
func (n *Node) Closed() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.closed
}

// IsLeader reports whether this server currently believes it is leader.
func (n *Node) IsLeader() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.role == types.RoleLeader
}

// Leader returns the current leader's id, zero if unknown.
func (n *Node) Leader() types.ServerID {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.leader
}

// Run performs one cooperative iteration: drains inbound RPCs, fires
// durable waiters, services timers, and applies committed entries.
func (n *Node) Run() {
	// Drain without blocking; Wait is the blocking half.
	for {
		select {
		case inb := <-n.registry.Incoming():
			n.handleInbound(inb)
		default:
			n.step()
			return
		}
	}
}

// step services everything that is not an inbound message.
func (n *Node) step() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return
	}

	n.fireWaiters()

	now := time.Now()
	if n.role == types.RoleLeader {
		if now.After(n.pingDeadline) {
			n.sendHeartbeats()
			n.pingDeadline = now.Add(pingInterval)
		}
	} else if now.After(n.electionDeadline) && !n.joining {
		n.startElection()
	}

	if n.joining {
		n.pollJoin(now)
	}
	if n.leaving {
		n.pollLeave(now)
	}

	n.applyCommitted()
	n.publishMetrics()
}

// Wait blocks until there is work for Run: an inbound message, a durability
// advance, a timer deadline, or an explicit wake.
func (n *Node) Wait() {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return
	}
	deadline := n.electionDeadline
	if n.role == types.RoleLeader && n.pingDeadline.Before(deadline) {
		deadline = n.pingDeadline
	}
	n.mu.Unlock()

	d := time.Until(deadline)
	if d < 0 {
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case inb := <-n.registry.Incoming():
		n.handleInbound(inb)
	case <-n.worker.Notify():
	case <-n.wake:
	case <-timer.C:
	}
}

// Wake forces the next Wait to return immediately.
func (n *Node) Wake() {
	select {
	case n.wake <- struct{}{}:
	default:
	}
}

// Close shuts the node down: every outstanding command completes Shutdown,
// the durability worker is joined, and all sessions close.
func (n *Node) Close() error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return ErrClosed
	}
	n.closed = true
	for _, c := range n.commands {
		c.complete(types.CommandShutdown)
	}
	n.commands = map[types.Index]*Command{}
	n.mu.Unlock()

	n.Wake()
	n.worker.Close()
	n.registry.Close()
	return n.store.Close()
}

// handleInbound validates the envelope and dispatches one message.
func (n *Node) handleInbound(inb session.Inbound) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return
	}

	hadCluster := !n.cid.IsZero()
	if err := rpc.ValidateEnvelope(inb.Msg, n.sid, &n.cid); err != nil {
		metrics.IncDropped()
		n.logger.Debug().Err(err).Msg("dropping rpc")
		return
	}
	if !hadCluster && !n.cid.IsZero() {
		// First learning of the cluster id; record it.
		n.persistHeader()
	}

	n.termExchange(inb.Msg)

	switch m := inb.Msg.(type) {
	case *rpc.Hello:
		// Introduction only; the registry already learned the sender.
	case *rpc.VoteRequest:
		n.handleVoteRequest(m, inb.Session)
	case *rpc.VoteReply:
		n.handleVoteReply(m)
	case *rpc.AppendRequest:
		n.handleAppendRequest(m, inb.Session)
	case *rpc.AppendReply:
		n.handleAppendReply(m)
	case *rpc.InstallSnapshotRequest:
		n.handleInstallSnapshotRequest(m, inb.Session)
	case *rpc.InstallSnapshotReply:
		n.handleInstallSnapshotReply(m)
	case *rpc.AddServerRequest:
		n.handleAddServerRequest(m, inb.Session)
	case *rpc.AddServerReply:
		n.handleAddServerReply(m)
	case *rpc.RemoveServerRequest:
		n.handleRemoveServerRequest(m, inb.Session)
	case *rpc.RemoveServerReply:
		n.handleRemoveServerReply(m)
	}

	n.applyCommitted()
	n.publishMetrics()
}

// messageTerm extracts the term of messages that carry one.
func messageTerm(m rpc.Message) (types.Term, bool) {
	switch t := m.(type) {
	case *rpc.VoteRequest:
		return t.Term, true
	case *rpc.VoteReply:
		return t.Term, true
	case *rpc.AppendRequest:
		return t.Term, true
	case *rpc.AppendReply:
		return t.Term, true
	case *rpc.InstallSnapshotRequest:
		return t.Term, true
	case *rpc.InstallSnapshotReply:
		return t.Term, true
	default:
		return 0, false
	}
}

// termExchange applies the universal rule: a higher term in any RPC makes
// us a follower in that term before further processing.
func (n *Node) termExchange(m rpc.Message) {
	t, ok := messageTerm(m)
	if !ok || t <= n.term {
		return
	}
	n.advanceTerm(t, nil)
	n.becomeFollower()
}

// advanceTerm persists a new current term; vote is the vote cast in it, nil
// to clear voted-for.
func (n *Node) advanceTerm(t types.Term, vote *types.ServerID) uint64 {
	if t < n.term {
		panic(fmt.Sprintf("term regressing from %d to %d", n.term, t))
	}
	n.term = t
	if vote != nil {
		n.votedFor = *vote
		n.hasVote = true
	} else {
		n.votedFor = types.ServerID{}
		n.hasVote = false
	}
	n.log.ClearWriteErr(t)

	if n.store != nil {
		if err := n.store.Append(storage.MetaRecord(t, vote)); err != nil {
			// The term advance lives only in memory; nothing observable may
			// be sent for it until a later persist succeeds.
			n.logger.Error().Err(err).Msg("failed to persist term")
			return 0
		}
	}
	return n.worker.Request()
}

// persistHeader rewrites the header record after learning the cluster id.
func (n *Node) persistHeader() {
	if n.store == nil {
		return
	}
	hdr := storage.Header{Cluster: n.cid, Server: n.sid, Name: n.name, Local: n.local.String()}
	if err := n.store.Append(storage.HeaderRecord(hdr)); err != nil {
		n.logger.Error().Err(err).Msg("failed to persist header")
		return
	}
	n.worker.Request()
}

// applyCommitted delivers committed entries to the application in index
// order and runs the per-entry leader duties.
func (n *Node) applyCommitted() {
	for n.commitIndex > n.lastApplied {
		n.lastApplied++
		e := n.log.Entry(n.lastApplied)
		if e == nil {
			// Covered by a snapshot installed at or past lastApplied.
			if n.lastApplied <= n.log.PrevIndex() {
				continue
			}
			panic(fmt.Sprintf("applying missing entry %d", n.lastApplied))
		}

		switch e.Kind {
		case types.EntryData:
			n.applyQueue = append(n.applyQueue, AppliedEntry{
				Data: e.Data,
				EID:  n.lastApplied,
			})
			if c, ok := n.commands[n.lastApplied]; ok {
				c.complete(types.CommandSuccess)
				delete(n.commands, n.lastApplied)
			}
			n.publishEvent(events.EventEntryApplied, "")
		case types.EntryServers:
			if n.role == types.RoleLeader {
				n.runReconfig()
			}
		}
	}
}

// HasNextEntry reports whether a committed entry awaits the application.
func (n *Node) HasNextEntry() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.applyQueue) > 0
}

// NextEntry pops the next committed entry for the application. ok is false
// when none is pending.
func (n *Node) NextEntry() (entry AppliedEntry, ok bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.applyQueue) == 0 {
		return AppliedEntry{}, false
	}
	entry = n.applyQueue[0]
	n.applyQueue = n.applyQueue[1:]
	return entry, true
}

// Execute submits a command. On a non-leader it completes immediately as
// NotLeader. prereq, when nonzero, is the last data entry the caller
// observed; the command fails BadPrereq if the log has moved past it.
func (n *Node) Execute(data []byte, prereq types.Index) *Command {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.closed {
		return newCommand(0, types.CommandShutdown)
	}
	if n.role != types.RoleLeader {
		return newCommand(0, types.CommandNotLeader)
	}
	if prereq != 0 && n.lastDataIndex() > prereq {
		return newCommand(0, types.CommandBadPrereq)
	}

	idx, err := n.log.Append(types.LogEntry{
		Term: n.term,
		Kind: types.EntryData,
		Data: data,
	})
	if err != nil {
		n.logger.Error().Err(err).Msg("failed to append command")
		return newCommand(0, types.CommandFailed)
	}
	seq := n.worker.Request()
	n.addWaiter(seq, waiterKind{commandPersisted: idx})

	c := newCommand(idx, types.CommandIncomplete)
	n.commands[idx] = c

	// Peers already at the previous end get the entry eagerly; the rest are
	// paced by their replies.
	n.eagerReplicate(idx)
	n.Wake()
	return c
}

// lastDataIndex is the index of the last Data entry in the in-memory log,
// or 0 if none.
func (n *Node) lastDataIndex() types.Index {
	for i := n.log.LastIndex(); i >= n.log.Start(); i-- {
		if e := n.log.Entry(i); e != nil && e.Kind == types.EntryData {
			return i
		}
	}
	return 0
}

// ShouldSnapshot reports whether the application should produce a fresh
// state image for log compaction.
func (n *Node) ShouldSnapshot() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.lastApplied >= n.log.Start() &&
		int(n.lastApplied-n.log.Start())+1 >= snapshotThreshold
}

// StoreSnapshot compacts the log: everything through lastApplied is
// replaced by the given state image, and the on-disk log is rewritten
// atomically.
func (n *Node) StoreSnapshot(data []byte) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.lastApplied < n.log.Start() {
		return fmt.Errorf("nothing to compact: last applied %d precedes log start %d", n.lastApplied, n.log.Start())
	}

	servers := n.committedServersAt(n.lastApplied)
	remaining := append([]types.LogEntry(nil), n.log.Entries()[n.lastApplied+1-n.log.Start():]...)

	snap := storage.Snapshot{
		PrevTerm:    n.log.TermAt(n.lastApplied),
		PrevIndex:   n.lastApplied,
		PrevServers: servers,
		Data:        data,
	}
	hdr := storage.Header{Cluster: n.cid, Server: n.sid, Name: n.name, Local: n.local.String()}

	var vote *types.ServerID
	if n.hasVote {
		v := n.votedFor
		vote = &v
	}
	if err := n.store.Rewrite(hdr, snap, remaining, n.term, vote); err != nil {
		return err
	}

	n.log.CompactTo(n.lastApplied, servers, data)
	metrics.IncSnapshots()
	n.publishEvent(events.EventSnapshotTaken, "")
	n.logger.Info().
		Uint64("prev_index", uint64(snap.PrevIndex)).
		Int("remaining", len(remaining)).
		Msg("compacted log")
	return nil
}

// committedServersAt is the latest configuration at or before index i.
func (n *Node) committedServersAt(i types.Index) []types.ServerSpec {
	for j := i; j >= n.log.Start(); j-- {
		if e := n.log.Entry(j); e != nil && e.Kind == types.EntryServers {
			return e.Servers
		}
	}
	return n.log.PrevServers()
}

// reply sends a response on the session its request arrived on.
func (n *Node) reply(sess *session.Session, m rpc.Message) {
	if sess == nil {
		return
	}
	sess.Send(m)
}

// publishEvent forwards a consensus event to the broker, if any.
func (n *Node) publishEvent(kind events.EventType, msg string) {
	if n.events == nil {
		return
	}
	n.events.Publish(&events.Event{
		Type:    kind,
		Server:  n.sid.String(),
		Term:    uint64(n.term),
		Index:   uint64(n.commitIndex),
		Message: msg,
	})
}

func (n *Node) resetElectionTimer() {
	n.electionDeadline = time.Now().Add(electionBase + time.Duration(rand.Int63n(int64(electionRange))))
}

func (n *Node) publishMetrics() {
	metrics.SetTerm(uint64(n.term))
	metrics.SetRole(n.role == types.RoleLeader)
	metrics.SetCommitIndex(uint64(n.commitIndex))
	metrics.SetAppliedIndex(uint64(n.lastApplied))
	metrics.SetPeers(n.cluster.Size())
}

