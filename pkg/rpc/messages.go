package rpc

import (
	"github.com/corraldb/corral/pkg/types"
)

// Type discriminates messages on the wire.
type Type string

const (
	TypeHello                  Type = "hello"
	TypeAppendRequest          Type = "append_request"
	TypeAppendReply            Type = "append_reply"
	TypeVoteRequest            Type = "vote_request"
	TypeVoteReply              Type = "vote_reply"
	TypeAddServerRequest       Type = "add_server_request"
	TypeAddServerReply         Type = "add_server_reply"
	TypeRemoveServerRequest    Type = "remove_server_request"
	TypeRemoveServerReply      Type = "remove_server_reply"
	TypeInstallSnapshotRequest Type = "install_snapshot_request"
	TypeInstallSnapshotReply   Type = "install_snapshot_reply"
)

// Common is the envelope every message carries. To is the intended receiver
// and is rejected on mismatch; Cluster is adopted by a receiver that has
// none and must match otherwise. From identifies the sender and is how a
// fresh connection introduces itself.
type Common struct {
	Type    Type            `json:"type"`
	From    types.ServerID  `json:"from"`
	To      types.ServerID  `json:"to"`
	Cluster types.ClusterID `json:"cluster"`
}

func (c *Common) common() *Common { return c }

// Message is any wire message.
type Message interface {
	common() *Common
}

// Envelope returns the common part of any message.
func Envelope(m Message) *Common { return m.common() }

// Entry is the wire form of a log entry inside an AppendRequest. Exactly one
// of Data and Servers is meaningful, per Kind.
type Entry struct {
	Term    types.Term         `json:"term"`
	Data    []byte             `json:"data,omitempty"`
	Servers []types.ServerSpec `json:"servers,omitempty"`
}

// Kind reports whether the wire entry is a configuration entry.
func (e Entry) Kind() types.EntryKind {
	if e.Servers != nil {
		return types.EntryServers
	}
	return types.EntryData
}

// ToLogEntry converts a wire entry into the in-memory form.
func (e Entry) ToLogEntry() types.LogEntry {
	return types.LogEntry{Term: e.Term, Kind: e.Kind(), Data: e.Data, Servers: e.Servers}
}

// FromLogEntry converts an in-memory entry into the wire form, copying the
// payload so the in-memory log may be truncated while the RPC is in flight.
func FromLogEntry(le types.LogEntry) Entry {
	e := Entry{Term: le.Term}
	switch le.Kind {
	case types.EntryServers:
		e.Servers = append([]types.ServerSpec(nil), le.Servers...)
	default:
		e.Data = append([]byte(nil), le.Data...)
	}
	return e
}

// Hello introduces the sender on a fresh connection.
type Hello struct {
	Common
}

// AppendRequest replicates log entries; with no entries it is a heartbeat.
// Entries[i] is for index PrevLogIndex+1+i.
type AppendRequest struct {
	Common
	Term         types.Term     `json:"term"`
	LeaderSID    types.ServerID `json:"leader_sid"`
	PrevLogIndex types.Index    `json:"prev_log_index"`
	PrevLogTerm  types.Term     `json:"prev_log_term"`
	LeaderCommit types.Index    `json:"leader_commit"`
	Entries      []Entry        `json:"entries,omitempty"`
}

// AppendReply reports the outcome of an AppendRequest. LogEnd is the
// replier's log end so a leader can jump next-index back efficiently.
type AppendReply struct {
	Common
	Term         types.Term  `json:"term"`
	LogEnd       types.Index `json:"log_end"`
	PrevLogIndex types.Index `json:"prev_log_index"`
	PrevLogTerm  types.Term  `json:"prev_log_term"`
	NEntries     uint64      `json:"n_entries"`
	Success      bool        `json:"success"`
}

// VoteRequest solicits a vote for the sender in Term.
type VoteRequest struct {
	Common
	Term         types.Term  `json:"term"`
	LastLogIndex types.Index `json:"last_log_index"`
	LastLogTerm  types.Term  `json:"last_log_term"`
}

// VoteReply grants or refuses a vote.
type VoteReply struct {
	Common
	Term        types.Term `json:"term"`
	VoteGranted bool       `json:"vote_granted"`
}

// AddServerRequest asks the leader to add a server to the configuration.
type AddServerRequest struct {
	Common
	SID     types.ServerID `json:"sid"`
	Address string         `json:"address"`
}

// AddServerReply reports the outcome; on not-leader it names the leader if
// known so the client can retry there.
type AddServerReply struct {
	Common
	Status        types.MembershipStatus `json:"status"`
	LeaderAddress string                 `json:"leader_address,omitempty"`
	LeaderSID     types.ServerID         `json:"leader_sid,omitempty"`
}

// RemoveServerRequest asks the leader to remove a server.
type RemoveServerRequest struct {
	Common
	SID types.ServerID `json:"sid"`
}

// RemoveServerReply reports the outcome of a removal.
type RemoveServerReply struct {
	Common
	Status        types.MembershipStatus `json:"status"`
	LeaderAddress string                 `json:"leader_address,omitempty"`
	LeaderSID     types.ServerID         `json:"leader_sid,omitempty"`
}

// InstallSnapshotRequest streams one chunk of the leader's snapshot.
// Chunks are byte-contiguous; Offset is the position of Chunk within the
// snapshot of total size Length.
type InstallSnapshotRequest struct {
	Common
	Term        types.Term         `json:"term"`
	LastIndex   types.Index        `json:"last_index"`
	LastTerm    types.Term         `json:"last_term"`
	LastServers []types.ServerSpec `json:"last_servers"`
	Length      uint64             `json:"length"`
	Offset      uint64             `json:"offset"`
	Chunk       []byte             `json:"chunk"`
}

// InstallSnapshotReply acknowledges received snapshot bytes; NextOffset is
// where the leader should resume.
type InstallSnapshotReply struct {
	Common
	Term       types.Term  `json:"term"`
	LastIndex  types.Index `json:"last_index"`
	LastTerm   types.Term  `json:"last_term"`
	NextOffset uint64      `json:"next_offset"`
}
