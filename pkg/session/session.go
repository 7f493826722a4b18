package session

import (
	"crypto/tls"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/corraldb/corral/pkg/address"
	"github.com/corraldb/corral/pkg/log"
	"github.com/corraldb/corral/pkg/rpc"
	"github.com/corraldb/corral/pkg/types"
)

const (
	reconnectMin = 250 * time.Millisecond
	reconnectMax = 8 * time.Second
	keepalive    = 5 * time.Second
)

// Session is one logical connection to a peer. Outbound sessions redial
// forever with capped backoff; inbound sessions live until their connection
// drops. Messages to a disconnected session are dropped, never queued.
type Session struct {
	registry *Registry
	logger   zerolog.Logger

	// remote is the dial target; nil for inbound sessions.
	remote *address.Addr

	mu     sync.Mutex
	sid    types.ServerID
	conn   net.Conn
	codec  *rpc.Codec
	closed bool
	lastTx time.Time
}

// SID returns the peer's id, or the zero id if not yet learned.
func (s *Session) SID() types.ServerID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sid
}

// Connected reports whether the session currently has a live connection.
func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn != nil
}

// Send writes a message if the session is connected, dropping it otherwise.
// The write happens under the session lock: the consensus loop and the
// keepalive goroutine share the encoder.
func (s *Session) Send(m rpc.Message) {
	s.mu.Lock()
	s.lastTx = time.Now()
	if s.codec == nil {
		s.mu.Unlock()
		s.logger.Debug().Str("type", string(rpc.Envelope(m).Type)).Msg("dropping message, session disconnected")
		return
	}
	err := s.codec.Encode(m)
	s.mu.Unlock()

	if err != nil {
		s.logger.Debug().Err(err).Msg("send failed, resetting connection")
		s.dropConn()
	}
}

func (s *Session) setConn(conn net.Conn) {
	s.mu.Lock()
	s.conn = conn
	if conn != nil {
		s.codec = rpc.NewCodec(conn)
	} else {
		s.codec = nil
	}
	s.mu.Unlock()
}

func (s *Session) dropConn() {
	s.mu.Lock()
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
		s.codec = nil
	}
	s.mu.Unlock()
}

func (s *Session) close() {
	s.mu.Lock()
	s.closed = true
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
		s.codec = nil
	}
	s.mu.Unlock()
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// dialLoop keeps an outbound session connected, reading until the
// connection drops, then redialing with backoff.
func (s *Session) dialLoop(tlsCfg *tls.Config, hello func() rpc.Message) {
	backoff := reconnectMin
	for !s.isClosed() {
		conn, err := s.remote.Dial(tlsCfg)
		if err != nil {
			s.logger.Debug().Err(err).Dur("backoff", backoff).Msg("dial failed")
			time.Sleep(backoff)
			backoff *= 2
			if backoff > reconnectMax {
				backoff = reconnectMax
			}
			continue
		}
		backoff = reconnectMin
		s.setConn(conn)
		if hello != nil {
			s.Send(hello())
		}

		s.readLoop(conn)
		s.dropConn()
	}
}

// readLoop delivers inbound messages until the connection fails. Objects
// that are not valid messages are dropped and logged and the stream stays
// up; any other decode error, a JSON syntax error included, ends the loop.
func (s *Session) readLoop(conn net.Conn) {
	codec := rpc.NewCodec(conn)
	for {
		m, err := codec.Decode()
		if err != nil {
			if _, ok := err.(*rpc.ParseError); ok {
				s.logger.Warn().Err(err).Msg("dropping malformed rpc")
				continue
			}
			return
		}
		s.registry.deliver(m, s)
	}
}

// keepaliveLoop sends a Hello when the session has been idle, so dead
// connections are noticed and NAT mappings stay warm.
func (s *Session) keepaliveLoop(hello func() rpc.Message) {
	if hello == nil {
		return
	}
	t := time.NewTicker(keepalive)
	defer t.Stop()
	for range t.C {
		if s.isClosed() {
			return
		}
		s.mu.Lock()
		idle := s.conn != nil && time.Since(s.lastTx) >= keepalive
		s.mu.Unlock()
		if idle {
			s.Send(hello())
		}
	}
}

func componentLogger(remote string) zerolog.Logger {
	return log.WithComponent("session").With().Str("remote", remote).Logger()
}
