package session

import (
	"crypto/tls"
	"net"
	"sync"

	"github.com/rs/zerolog"

	"github.com/corraldb/corral/pkg/address"
	"github.com/corraldb/corral/pkg/log"
	"github.com/corraldb/corral/pkg/metrics"
	"github.com/corraldb/corral/pkg/rpc"
	"github.com/corraldb/corral/pkg/types"
)

// Inbound is one received message with the session it arrived on, queued for
// the consensus loop.
type Inbound struct {
	Msg     rpc.Message
	Session *Session
}

// Registry holds one outbound session per known peer plus transient inbound
// connections that have not yet introduced themselves. An inbound session is
// promoted to a peer session on the first message carrying a sender id.
type Registry struct {
	self   types.ServerID
	tlsCfg *tls.Config
	hello  func() rpc.Message
	logger zerolog.Logger

	mu       sync.Mutex
	peers    map[types.ServerID]*Session
	inbound  map[*Session]struct{}
	listener net.Listener
	closed   bool

	incoming chan Inbound
}

// NewRegistry creates a registry. hello builds the introduction message sent
// when an outbound connection comes up and on keepalive.
func NewRegistry(self types.ServerID, tlsCfg *tls.Config, hello func() rpc.Message) *Registry {
	return &Registry{
		self:     self,
		tlsCfg:   tlsCfg,
		hello:    hello,
		logger:   log.WithComponent("session"),
		peers:    make(map[types.ServerID]*Session),
		inbound:  make(map[*Session]struct{}),
		incoming: make(chan Inbound, 64),
	}
}

// Incoming is the stream of received messages for the consensus loop.
func (r *Registry) Incoming() <-chan Inbound {
	return r.incoming
}

// Listen starts accepting inbound connections on the passive form of addr.
func (r *Registry) Listen(addr address.Addr) error {
	ln, err := addr.Listen(r.tlsCfg)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.listener = ln
	r.mu.Unlock()

	go r.acceptLoop(ln)
	return nil
}

func (r *Registry) acceptLoop(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		s := &Session{
			registry: r,
			logger:   componentLogger(conn.RemoteAddr().String()),
		}
		s.setConn(conn)

		r.mu.Lock()
		if r.closed {
			r.mu.Unlock()
			conn.Close()
			return
		}
		r.inbound[s] = struct{}{}
		r.mu.Unlock()

		go func() {
			s.readLoop(conn)
			s.dropConn()
			r.mu.Lock()
			delete(r.inbound, s)
			r.mu.Unlock()
		}()
	}
}

// AddPeer opens (or returns) the outbound session for a server.
func (r *Registry) AddPeer(spec types.ServerSpec) (*Session, error) {
	addr, err := address.Parse(spec.Address)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.peers[spec.ID]; ok {
		return s, nil
	}
	s := &Session{
		registry: r,
		remote:   &addr,
		sid:      spec.ID,
		logger:   componentLogger(spec.Address),
	}
	r.peers[spec.ID] = s
	go s.dialLoop(r.tlsCfg, r.hello)
	go s.keepaliveLoop(r.hello)
	return s, nil
}

// AddRemote opens an outbound session to an address whose server id is not
// yet known, as a joining server does. The session is promoted to a peer
// once the remote introduces itself.
func (r *Registry) AddRemote(addr address.Addr) *Session {
	s := &Session{
		registry: r,
		remote:   &addr,
		logger:   componentLogger(addr.String()),
	}
	r.mu.Lock()
	r.inbound[s] = struct{}{}
	r.mu.Unlock()
	go s.dialLoop(r.tlsCfg, r.hello)
	go s.keepaliveLoop(r.hello)
	return s
}

// RemovePeer closes and forgets the session for a server.
func (r *Registry) RemovePeer(sid types.ServerID) {
	r.mu.Lock()
	s := r.peers[sid]
	delete(r.peers, sid)
	r.mu.Unlock()
	if s != nil {
		s.close()
	}
}

// Peer returns the session for a server id, or nil.
func (r *Registry) Peer(sid types.ServerID) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.peers[sid]
}

// Send delivers a message to the peer named in its envelope. Messages to
// unknown or disconnected peers are dropped; there is no RPC queue.
func (r *Registry) Send(m rpc.Message) {
	to := rpc.Envelope(m).To
	if to == r.self {
		// Sending to ourselves is a bug in the caller.
		r.logger.Error().Str("type", string(rpc.Envelope(m).Type)).Msg("dropping rpc addressed to self")
		return
	}
	s := r.Peer(to)
	if s == nil {
		r.logger.Debug().Str("to", to.Short()).Msg("dropping rpc to unknown peer")
		return
	}
	s.Send(m)
}

// deliver counts the message, learns sender ids, and queues it; envelope
// validation happens in the consensus loop.
func (r *Registry) deliver(m rpc.Message, s *Session) {
	metrics.IncRPC(string(rpc.Envelope(m).Type))

	from := rpc.Envelope(m).From
	if !from.IsZero() && s.SID().IsZero() {
		r.identify(s, from)
	}

	r.mu.Lock()
	closed := r.closed
	r.mu.Unlock()
	if closed {
		return
	}
	select {
	case r.incoming <- Inbound{Msg: m, Session: s}:
	default:
		// The consensus loop is far behind; shedding load here is safe
		// because every RPC is retried by its sender.
		metrics.IncDropped()
		r.logger.Warn().Str("type", string(rpc.Envelope(m).Type)).Msg("inbound queue full, dropping rpc")
	}
}

// identify promotes an inbound session once the peer names itself. If an
// outbound session already exists for the id, the inbound connection simply
// becomes the reply path for messages that arrived on it.
func (r *Registry) identify(s *Session, sid types.ServerID) {
	s.mu.Lock()
	s.sid = sid
	s.mu.Unlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.inbound[s]; ok {
		if _, known := r.peers[sid]; !known {
			delete(r.inbound, s)
			r.peers[sid] = s
		}
	}
	r.logger.Debug().Str("sid", sid.Short()).Msg("identified peer connection")
}

// Close shuts the listener and every session.
func (r *Registry) Close() {
	r.mu.Lock()
	r.closed = true
	ln := r.listener
	peers := make([]*Session, 0, len(r.peers))
	for _, s := range r.peers {
		peers = append(peers, s)
	}
	for s := range r.inbound {
		peers = append(peers, s)
	}
	r.mu.Unlock()

	if ln != nil {
		ln.Close()
	}
	for _, s := range peers {
		s.close()
	}
}
