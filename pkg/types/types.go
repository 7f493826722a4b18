package types

import (
	"fmt"

	"github.com/google/uuid"
)

// Term is the Raft logical clock. It is monotonically non-decreasing in the
// persisted current-term of a server.
type Term uint64

// Index is a position in the replicated log. Indices are dense; the first
// real entry has index 2, index 1 stands for "prior to any entry".
type Index uint64

// FirstIndex is the index of the first real log entry.
const FirstIndex Index = 2

// ServerID uniquely identifies a server across the cluster lifetime.
type ServerID uuid.UUID

// ClusterID uniquely identifies a cluster.
type ClusterID uuid.UUID

// NewServerID generates a fresh random server id.
func NewServerID() ServerID {
	return ServerID(uuid.New())
}

// NewClusterID generates a fresh random cluster id.
func NewClusterID() ClusterID {
	return ClusterID(uuid.New())
}

func (s ServerID) IsZero() bool {
	return uuid.UUID(s) == uuid.Nil
}

func (s ServerID) String() string {
	return uuid.UUID(s).String()
}

// Short returns the first uuid group, enough to tell servers apart in logs.
func (s ServerID) Short() string {
	return uuid.UUID(s).String()[:8]
}

func (c ClusterID) IsZero() bool {
	return uuid.UUID(c) == uuid.Nil
}

func (c ClusterID) String() string {
	return uuid.UUID(c).String()
}

// ParseServerID parses the canonical uuid form.
func ParseServerID(s string) (ServerID, error) {
	u, err := uuid.Parse(s)
	return ServerID(u), err
}

// ParseClusterID parses the canonical uuid form.
func ParseClusterID(s string) (ClusterID, error) {
	u, err := uuid.Parse(s)
	return ClusterID(u), err
}

// MarshalText implements encoding.TextMarshaler so ids serialize as uuid
// strings inside JSON records and RPCs.
func (s ServerID) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *ServerID) UnmarshalText(b []byte) error {
	u, err := uuid.Parse(string(b))
	if err != nil {
		return err
	}
	*s = ServerID(u)
	return nil
}

func (c ClusterID) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

func (c *ClusterID) UnmarshalText(b []byte) error {
	u, err := uuid.Parse(string(b))
	if err != nil {
		return err
	}
	*c = ClusterID(u)
	return nil
}

// ServerSpec names one member of a configuration.
type ServerSpec struct {
	ID      ServerID `json:"id"`
	Address string   `json:"address"`
}

// EntryKind discriminates log entry payloads.
type EntryKind int

const (
	// EntryData carries an opaque state machine command.
	EntryData EntryKind = iota
	// EntryServers carries a cluster configuration.
	EntryServers
)

func (k EntryKind) String() string {
	switch k {
	case EntryData:
		return "data"
	case EntryServers:
		return "servers"
	default:
		return "unknown"
	}
}

// LogEntry is one replicated log entry. Entries are immutable once appended.
type LogEntry struct {
	Term    Term
	Kind    EntryKind
	Data    []byte
	Servers []ServerSpec
}

// Role is the consensus role of a server.
type Role int

const (
	RoleFollower Role = iota
	RoleCandidate
	RoleLeader
)

func (r Role) String() string {
	switch r {
	case RoleFollower:
		return "follower"
	case RoleCandidate:
		return "candidate"
	case RoleLeader:
		return "leader"
	default:
		return "unknown"
	}
}

// CommandStatus is the outcome of a submitted command.
type CommandStatus int

const (
	CommandIncomplete CommandStatus = iota
	CommandSuccess
	CommandNotLeader
	CommandLostLeadership
	CommandShutdown
	CommandBadPrereq
	CommandFailed
)

func (s CommandStatus) String() string {
	switch s {
	case CommandIncomplete:
		return "incomplete"
	case CommandSuccess:
		return "success"
	case CommandNotLeader:
		return "not-leader"
	case CommandLostLeadership:
		return "lost-leadership"
	case CommandShutdown:
		return "shutdown"
	case CommandBadPrereq:
		return "bad-prereq"
	case CommandFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Done reports whether the status is final.
func (s CommandStatus) Done() bool {
	return s != CommandIncomplete
}

// MembershipStatus is the outcome of an add-server or remove-server request.
type MembershipStatus int

const (
	MembershipOk MembershipStatus = iota
	MembershipNoOp
	MembershipInProgress
	MembershipNotLeader
	MembershipTimeout
	MembershipLostLeadership
	MembershipCanceled
	MembershipCommitting
	MembershipEmpty
)

func (s MembershipStatus) String() string {
	switch s {
	case MembershipOk:
		return "ok"
	case MembershipNoOp:
		return "noop"
	case MembershipInProgress:
		return "in-progress"
	case MembershipNotLeader:
		return "not-leader"
	case MembershipTimeout:
		return "timeout"
	case MembershipLostLeadership:
		return "lost-leadership"
	case MembershipCanceled:
		return "canceled"
	case MembershipCommitting:
		return "committing"
	case MembershipEmpty:
		return "empty"
	default:
		return "unknown"
	}
}

// MarshalText lets membership statuses travel in their string form inside
// RPCs.
func (s MembershipStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *MembershipStatus) UnmarshalText(b []byte) error {
	for st := MembershipOk; st <= MembershipEmpty; st++ {
		if st.String() == string(b) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown membership status %q", b)
}

// Phase is the membership-change lifecycle marker of a server.
type Phase int

const (
	PhaseStable Phase = iota
	PhaseCatchup
	PhaseCaughtUp
	PhaseCommitting
	PhaseRemove
)

func (p Phase) String() string {
	switch p {
	case PhaseStable:
		return "stable"
	case PhaseCatchup:
		return "catchup"
	case PhaseCaughtUp:
		return "caught-up"
	case PhaseCommitting:
		return "committing"
	case PhaseRemove:
		return "remove"
	default:
		return "unknown"
	}
}
