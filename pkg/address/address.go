package address

import (
	"crypto/tls"
	"fmt"
	"net"
	"strconv"
	"strings"
)

// DefaultPort is used when an address omits the port.
const DefaultPort = 6641

// Scheme selects the transport of an address.
type Scheme string

const (
	SchemeTCP Scheme = "tcp"
	SchemeSSL Scheme = "ssl"
)

// Addr is a parsed peer address of the form "tcp:HOST[:PORT]" or
// "ssl:HOST[:PORT]". HOST is an IPv4 address, a bracketed IPv6 address, or a
// name.
type Addr struct {
	Scheme Scheme
	Host   string
	Port   int
}

// Parse parses an active (connect) address.
func Parse(s string) (Addr, error) {
	scheme, rest, ok := strings.Cut(s, ":")
	if !ok {
		return Addr{}, fmt.Errorf("invalid address %q: missing scheme", s)
	}

	var a Addr
	switch Scheme(scheme) {
	case SchemeTCP, SchemeSSL:
		a.Scheme = Scheme(scheme)
	default:
		return Addr{}, fmt.Errorf("invalid address %q: unknown scheme %q", s, scheme)
	}

	host, port, err := splitHostPort(rest)
	if err != nil {
		return Addr{}, fmt.Errorf("invalid address %q: %w", s, err)
	}
	a.Host = host
	a.Port = port
	return a, nil
}

// splitHostPort splits "HOST[:PORT]" tolerating bracketed IPv6 hosts.
func splitHostPort(s string) (string, int, error) {
	if s == "" {
		return "", 0, fmt.Errorf("empty host")
	}

	host := s
	port := DefaultPort
	if strings.HasPrefix(s, "[") {
		end := strings.Index(s, "]")
		if end < 0 {
			return "", 0, fmt.Errorf("unterminated IPv6 host")
		}
		host = s[1:end]
		if rest := s[end+1:]; rest != "" {
			if !strings.HasPrefix(rest, ":") {
				return "", 0, fmt.Errorf("garbage after IPv6 host")
			}
			p, err := strconv.Atoi(rest[1:])
			if err != nil {
				return "", 0, fmt.Errorf("bad port: %w", err)
			}
			port = p
		}
	} else if i := strings.LastIndex(s, ":"); i >= 0 {
		// A bare colon can only be a port separator; IPv6 must be bracketed.
		if strings.Count(s, ":") > 1 {
			return "", 0, fmt.Errorf("IPv6 host must be bracketed")
		}
		host = s[:i]
		p, err := strconv.Atoi(s[i+1:])
		if err != nil {
			return "", 0, fmt.Errorf("bad port: %w", err)
		}
		port = p
	}

	if host == "" {
		return "", 0, fmt.Errorf("empty host")
	}
	if port <= 0 || port > 65535 {
		return "", 0, fmt.Errorf("port %d out of range", port)
	}
	return host, port, nil
}

// String renders the active form.
func (a Addr) String() string {
	host := a.Host
	if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	if a.Port == DefaultPort {
		return fmt.Sprintf("%s:%s", a.Scheme, host)
	}
	return fmt.Sprintf("%s:%s:%d", a.Scheme, host, a.Port)
}

// Passive renders the listen form: the scheme gains a "p" prefix and the
// port leads, e.g. "ptcp:6641:0.0.0.0".
func (a Addr) Passive() string {
	if a.Host == "" {
		return fmt.Sprintf("p%s:%d", a.Scheme, a.Port)
	}
	host := a.Host
	if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	return fmt.Sprintf("p%s:%d:%s", a.Scheme, a.Port, host)
}

// hostPort is the net-package form.
func (a Addr) hostPort() string {
	return net.JoinHostPort(a.Host, strconv.Itoa(a.Port))
}

// Dial opens a connection to the address. tlsCfg is required for ssl
// addresses and ignored for tcp.
func (a Addr) Dial(tlsCfg *tls.Config) (net.Conn, error) {
	switch a.Scheme {
	case SchemeTCP:
		return net.Dial("tcp", a.hostPort())
	case SchemeSSL:
		if tlsCfg == nil {
			return nil, fmt.Errorf("ssl address %s requires a TLS configuration", a)
		}
		return tls.Dial("tcp", a.hostPort(), tlsCfg)
	default:
		return nil, fmt.Errorf("cannot dial scheme %q", a.Scheme)
	}
}

// Listen opens a listener on the passive form of the address.
func (a Addr) Listen(tlsCfg *tls.Config) (net.Listener, error) {
	switch a.Scheme {
	case SchemeTCP:
		return net.Listen("tcp", a.hostPort())
	case SchemeSSL:
		if tlsCfg == nil {
			return nil, fmt.Errorf("ssl address %s requires a TLS configuration", a)
		}
		return tls.Listen("tcp", a.hostPort(), tlsCfg)
	default:
		return nil, fmt.Errorf("cannot listen on scheme %q", a.Scheme)
	}
}
