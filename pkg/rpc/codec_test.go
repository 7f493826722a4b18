package rpc

import (
	"bytes"
	"testing"

	"github.com/corraldb/corral/pkg/types"
)

func TestCodecRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	codec := NewCodec(&buf)

	from := types.NewServerID()
	to := types.NewServerID()
	cid := types.NewClusterID()

	req := &AppendRequest{
		Term:         3,
		LeaderSID:    from,
		PrevLogIndex: 7,
		PrevLogTerm:  2,
		LeaderCommit: 6,
		Entries: []Entry{
			{Term: 3, Data: []byte("set x")},
			{Term: 3, Servers: []types.ServerSpec{{ID: to, Address: "tcp:127.0.0.1"}}},
		},
	}
	req.From = from
	req.To = to
	req.Cluster = cid

	if err := codec.Encode(req); err != nil {
		t.Fatalf("Encode: %v", err)
	}

	m, err := codec.Decode()
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	got, ok := m.(*AppendRequest)
	if !ok {
		t.Fatalf("decoded %T, want *AppendRequest", m)
	}
	if got.Term != 3 || got.PrevLogIndex != 7 || got.LeaderCommit != 6 {
		t.Errorf("fields mangled: %+v", got)
	}
	if got.From != from || got.To != to || got.Cluster != cid {
		t.Errorf("envelope mangled: %+v", got.Common)
	}
	if len(got.Entries) != 2 {
		t.Fatalf("entries: %d", len(got.Entries))
	}
	if got.Entries[0].Kind() != types.EntryData || string(got.Entries[0].Data) != "set x" {
		t.Errorf("entry 0 mangled: %+v", got.Entries[0])
	}
	if got.Entries[1].Kind() != types.EntryServers || got.Entries[1].Servers[0].ID != to {
		t.Errorf("entry 1 mangled: %+v", got.Entries[1])
	}
}

func TestCodecStream(t *testing.T) {
	var buf bytes.Buffer
	codec := NewCodec(&buf)

	for i := 0; i < 3; i++ {
		h := &Hello{}
		h.From = types.NewServerID()
		if err := codec.Encode(h); err != nil {
			t.Fatalf("Encode: %v", err)
		}
	}
	for i := 0; i < 3; i++ {
		if _, err := codec.Decode(); err != nil {
			t.Fatalf("Decode %d: %v", i, err)
		}
	}
}

func TestUnmarshalUnknownType(t *testing.T) {
	_, err := Unmarshal([]byte(`{"type":"flood_fill"}`))
	if _, ok := err.(*ParseError); !ok {
		t.Fatalf("expected *ParseError, got %v", err)
	}
}

func TestUnmarshalGarbage(t *testing.T) {
	_, err := Unmarshal([]byte(`{"type":`))
	if _, ok := err.(*ParseError); !ok {
		t.Fatalf("expected *ParseError, got %v", err)
	}
}

func TestValidateEnvelope(t *testing.T) {
	self := types.NewServerID()
	other := types.NewServerID()
	cid := types.NewClusterID()
	otherCluster := types.NewClusterID()

	mk := func(to types.ServerID, cluster types.ClusterID) *VoteRequest {
		m := &VoteRequest{Term: 1}
		m.From = other
		m.To = to
		m.Cluster = cluster
		return m
	}

	// Addressed to us, same cluster.
	have := cid
	if err := ValidateEnvelope(mk(self, cid), self, &have); err != nil {
		t.Errorf("valid envelope rejected: %v", err)
	}

	// Addressed elsewhere.
	if err := ValidateEnvelope(mk(other, cid), self, &have); err == nil {
		t.Error("misaddressed message accepted")
	}

	// Wrong cluster.
	if err := ValidateEnvelope(mk(self, otherCluster), self, &have); err == nil {
		t.Error("foreign cluster accepted")
	}

	// No cluster on a message that requires one.
	if err := ValidateEnvelope(mk(self, types.ClusterID{}), self, &have); err == nil {
		t.Error("clusterless vote request accepted")
	}

	// No cluster is fine on Hello, and a receiver with no cluster adopts.
	h := &Hello{}
	h.From = other
	h.To = self
	var none types.ClusterID
	if err := ValidateEnvelope(h, self, &none); err != nil {
		t.Errorf("clusterless hello rejected: %v", err)
	}
	if err := ValidateEnvelope(mk(self, cid), self, &none); err != nil {
		t.Errorf("adoption failed: %v", err)
	}
	if none != cid {
		t.Error("cluster id not adopted")
	}
}
