package membership

import (
	"testing"

	"github.com/corraldb/corral/pkg/raftlog"
	"github.com/corraldb/corral/pkg/storage"
	"github.com/corraldb/corral/pkg/types"
)

func specs(n int) []types.ServerSpec {
	out := make([]types.ServerSpec, n)
	for i := range out {
		out[i] = types.ServerSpec{ID: types.NewServerID(), Address: "tcp:127.0.0.1"}
	}
	return out
}

func TestMajority(t *testing.T) {
	for _, tt := range []struct{ size, want int }{
		{1, 1}, {2, 2}, {3, 2}, {4, 3}, {5, 3}, {7, 4},
	} {
		c := FromSpecs(specs(tt.size))
		if got := c.Majority(); got != tt.want {
			t.Errorf("majority of %d = %d, want %d", tt.size, got, tt.want)
		}
	}
}

func TestConfigFromLog(t *testing.T) {
	base := specs(3)
	l := raftlog.New(storage.Snapshot{PrevTerm: 1, PrevIndex: 1, PrevServers: base}, nil)

	// No Servers entry yet: snapshot config wins.
	got := ConfigFromLog(l)
	if len(got) != 3 {
		t.Fatalf("config size %d", len(got))
	}

	// The latest Servers entry wins.
	bigger := append(append([]types.ServerSpec(nil), base...), specs(1)...)
	if _, err := l.Append(types.LogEntry{Term: 2, Kind: types.EntryData, Data: []byte("x")}); err != nil {
		t.Fatal(err)
	}
	if _, err := l.Append(types.LogEntry{Term: 2, Kind: types.EntryServers, Servers: bigger}); err != nil {
		t.Fatal(err)
	}
	if got := ConfigFromLog(l); len(got) != 4 {
		t.Errorf("config size %d after Servers entry, want 4", len(got))
	}

	// Truncating the Servers entry reverts to the prior configuration.
	l.Truncate(3)
	if got := ConfigFromLog(l); len(got) != 3 {
		t.Errorf("config size %d after truncate, want 3", len(got))
	}
}

func TestRecomputePreservesBookkeeping(t *testing.T) {
	base := specs(3)
	c := FromSpecs(base)

	peer := c.Member(base[0].ID)
	peer.MatchIndex = 41
	peer.NextIndex = 42

	// Same config plus one: existing records survive.
	added := append(append([]types.ServerSpec(nil), base...), specs(1)...)
	c.Recompute(added)

	if c.Size() != 4 {
		t.Fatalf("size %d", c.Size())
	}
	if got := c.Member(base[0].ID); got.MatchIndex != 41 || got.NextIndex != 42 {
		t.Errorf("bookkeeping lost: %+v", got)
	}

	// Dropping a member removes its record.
	c.Recompute(base[:2])
	if c.Size() != 2 {
		t.Errorf("size %d after shrink", c.Size())
	}
	if c.Member(base[2].ID) != nil {
		t.Error("removed member still present")
	}
}

func TestRecomputePromotesPendingAdd(t *testing.T) {
	base := specs(2)
	c := FromSpecs(base)

	joiner := &Server{Spec: types.ServerSpec{ID: types.NewServerID(), Address: "tcp:10.0.0.9"}}
	joiner.MatchIndex = 7
	c.StartAdd(joiner)

	withJoiner := append(append([]types.ServerSpec(nil), base...), joiner.Spec)
	c.Recompute(withJoiner)

	if c.PendingAdd(joiner.Spec.ID) != nil {
		t.Error("joiner still pending after promotion")
	}
	if got := c.Member(joiner.Spec.ID); got == nil || got.MatchIndex != 7 {
		t.Errorf("joiner record not carried into members: %+v", got)
	}
}

func TestVoteCounting(t *testing.T) {
	base := specs(3)
	c := FromSpecs(base)

	c.Member(base[0].ID).Voted = true
	c.Member(base[1].ID).Voted = true
	if got := c.CountVotes(); got != 2 {
		t.Errorf("CountVotes() = %d", got)
	}
	c.ClearVotes()
	if got := c.CountVotes(); got != 0 {
		t.Errorf("CountVotes() after clear = %d", got)
	}
}
