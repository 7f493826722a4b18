package storage

import (
	"fmt"

	"github.com/corraldb/corral/pkg/types"
)

// Magic identifies a file as a Corral consensus log.
const Magic = "Corral-Log-1"

// Header is written once, at cluster creation or on first learning the
// cluster id.
type Header struct {
	Cluster types.ClusterID `json:"cluster"`
	Server  types.ServerID  `json:"server"`
	Name    string          `json:"name,omitempty"`
	Local   string          `json:"local"`

	// Remotes are the addresses a joining server asks for admission; empty
	// once the server is a member.
	Remotes []string `json:"remotes,omitempty"`
}

// Snapshot summarizes the log prefix up to and including PrevIndex.
type Snapshot struct {
	PrevTerm    types.Term         `json:"prev_term"`
	PrevIndex   types.Index        `json:"prev_index"`
	PrevServers []types.ServerSpec `json:"prev_servers"`
	Data        []byte             `json:"data"`
}

// Record is one self-describing unit in the log file. Its shape is
// determined by which fields are present:
//
//	header:   cluster, server, local
//	snapshot: prev_term, prev_index, prev_servers, data
//	entry:    index, term, data|servers
//	meta:     term, optional vote (no index)
type Record struct {
	// Header fields.
	Cluster *types.ClusterID `json:"cluster,omitempty"`
	Server  *types.ServerID  `json:"server,omitempty"`
	Name    string           `json:"name,omitempty"`
	Local   string           `json:"local,omitempty"`
	Remotes []string         `json:"remotes,omitempty"`

	// Snapshot fields.
	PrevTerm    *types.Term        `json:"prev_term,omitempty"`
	PrevIndex   *types.Index       `json:"prev_index,omitempty"`
	PrevServers []types.ServerSpec `json:"prev_servers,omitempty"`

	// Entry and meta fields.
	Index *types.Index    `json:"index,omitempty"`
	Term  *types.Term     `json:"term,omitempty"`
	Vote  *types.ServerID `json:"vote,omitempty"`

	// Data is the snapshot image for snapshot records and the command
	// payload for data entries.
	Data    []byte             `json:"data,omitempty"`
	Servers []types.ServerSpec `json:"servers,omitempty"`
}

// Kind discriminates record shapes during replay.
type Kind int

const (
	KindHeader Kind = iota
	KindSnapshot
	KindEntry
	KindMeta
	KindInvalid
)

// Kind classifies the record by which fields are present.
func (r *Record) Kind() Kind {
	switch {
	case r.Cluster != nil:
		return KindHeader
	case r.PrevIndex != nil:
		return KindSnapshot
	case r.Index != nil:
		return KindEntry
	case r.Term != nil:
		return KindMeta
	default:
		return KindInvalid
	}
}

// HeaderRecord builds the header record.
func HeaderRecord(h Header) Record {
	return Record{Cluster: &h.Cluster, Server: &h.Server, Name: h.Name, Local: h.Local, Remotes: h.Remotes}
}

// SnapshotRecord builds a snapshot record.
func SnapshotRecord(s Snapshot) Record {
	return Record{
		PrevTerm:    &s.PrevTerm,
		PrevIndex:   &s.PrevIndex,
		PrevServers: s.PrevServers,
		Data:        s.Data,
	}
}

// EntryRecord builds a log entry record for the given index.
func EntryRecord(index types.Index, e types.LogEntry) Record {
	r := Record{Index: &index, Term: &e.Term}
	switch e.Kind {
	case types.EntryServers:
		r.Servers = e.Servers
	default:
		r.Data = e.Data
	}
	return r
}

// MetaRecord builds a term/vote advance record. A nil vote clears voted-for.
func MetaRecord(term types.Term, vote *types.ServerID) Record {
	return Record{Term: &term, Vote: vote}
}

// Entry converts an entry record back into the in-memory form.
func (r *Record) Entry() (types.Index, types.LogEntry, error) {
	if r.Kind() != KindEntry || r.Term == nil {
		return 0, types.LogEntry{}, fmt.Errorf("record is not a log entry")
	}
	e := types.LogEntry{Term: *r.Term}
	if r.Servers != nil {
		e.Kind = types.EntryServers
		e.Servers = r.Servers
	} else {
		e.Kind = types.EntryData
		e.Data = r.Data
	}
	return *r.Index, e, nil
}
