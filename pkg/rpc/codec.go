package rpc

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/corraldb/corral/pkg/types"
)

// ParseError marks a malformed message. Sessions drop the message, log it,
// and keep the stream alive.
type ParseError struct {
	Err error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("malformed rpc: %v", e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// Codec frames messages as a stream of self-delimited JSON objects over a
// reliable byte stream.
type Codec struct {
	enc *json.Encoder
	dec *json.Decoder
}

// NewCodec wraps a connection in a codec.
func NewCodec(rw io.ReadWriter) *Codec {
	return &Codec{
		enc: json.NewEncoder(rw),
		dec: json.NewDecoder(rw),
	}
}

// Encode stamps the message type into its envelope and writes it.
func (c *Codec) Encode(m Message) error {
	m.common().Type = typeOf(m)
	if err := c.enc.Encode(m); err != nil {
		return fmt.Errorf("failed to encode %s: %w", m.common().Type, err)
	}
	return nil
}

// Decode reads the next message. A JSON value that is not a valid message
// yields a *ParseError; JSON syntax errors and io errors (including io.EOF on
// a closed peer) pass through unchanged, and after a syntax error every
// further Decode returns that same error.
func (c *Codec) Decode() (Message, error) {
	var raw json.RawMessage
	if err := c.dec.Decode(&raw); err != nil {
		return nil, err
	}
	return Unmarshal(raw)
}

// Unmarshal parses one raw JSON object into its concrete message type.
func Unmarshal(raw []byte) (Message, error) {
	var peek struct {
		Type Type `json:"type"`
	}
	if err := json.Unmarshal(raw, &peek); err != nil {
		return nil, &ParseError{Err: err}
	}

	var m Message
	switch peek.Type {
	case TypeHello:
		m = &Hello{}
	case TypeAppendRequest:
		m = &AppendRequest{}
	case TypeAppendReply:
		m = &AppendReply{}
	case TypeVoteRequest:
		m = &VoteRequest{}
	case TypeVoteReply:
		m = &VoteReply{}
	case TypeAddServerRequest:
		m = &AddServerRequest{}
	case TypeAddServerReply:
		m = &AddServerReply{}
	case TypeRemoveServerRequest:
		m = &RemoveServerRequest{}
	case TypeRemoveServerReply:
		m = &RemoveServerReply{}
	case TypeInstallSnapshotRequest:
		m = &InstallSnapshotRequest{}
	case TypeInstallSnapshotReply:
		m = &InstallSnapshotReply{}
	default:
		return nil, &ParseError{Err: fmt.Errorf("unknown message type %q", peek.Type)}
	}

	if err := json.Unmarshal(raw, m); err != nil {
		return nil, &ParseError{Err: err}
	}
	return m, nil
}

func typeOf(m Message) Type {
	switch m.(type) {
	case *Hello:
		return TypeHello
	case *AppendRequest:
		return TypeAppendRequest
	case *AppendReply:
		return TypeAppendReply
	case *VoteRequest:
		return TypeVoteRequest
	case *VoteReply:
		return TypeVoteReply
	case *AddServerRequest:
		return TypeAddServerRequest
	case *AddServerReply:
		return TypeAddServerReply
	case *RemoveServerRequest:
		return TypeRemoveServerRequest
	case *RemoveServerReply:
		return TypeRemoveServerReply
	case *InstallSnapshotRequest:
		return TypeInstallSnapshotRequest
	case *InstallSnapshotReply:
		return TypeInstallSnapshotReply
	default:
		return ""
	}
}

// ValidateEnvelope applies the receive-side envelope rules: a message that
// names a receiver must name us (one with no receiver passes), and its
// cluster id must match ours. A receiver with no
// cluster id yet adopts the sender's. A missing cluster id is tolerated only
// on Hello and AddServerRequest, which a joining server sends before it has
// learned the cluster.
func ValidateEnvelope(m Message, self types.ServerID, cluster *types.ClusterID) error {
	c := m.common()
	if !c.To.IsZero() && c.To != self {
		return fmt.Errorf("message %s addressed to %s, not us", c.Type, c.To.Short())
	}
	if c.Cluster.IsZero() {
		switch m.(type) {
		case *Hello, *AddServerRequest:
			return nil
		}
		return fmt.Errorf("message %s carries no cluster id", c.Type)
	}
	if cluster.IsZero() {
		*cluster = c.Cluster
		return nil
	}
	if *cluster != c.Cluster {
		return fmt.Errorf("message %s from cluster %s, ours is %s", c.Type, c.Cluster, *cluster)
	}
	return nil
}
