package pgmux

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
)

// DefaultPort is used for host list entries that carry no explicit port.
const DefaultPort uint16 = 5432

// Endpoint identifies one server address a pool connects to.
type Endpoint struct {
	Host string
	Port uint16
}

// Address returns the endpoint in host:port form.
func (e Endpoint) Address() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(int(e.Port)))
}

func (e Endpoint) String() string {
	return e.Address()
}

// ParseEndpoint converts a "host" or "host:port" entry into an Endpoint.
func ParseEndpoint(entry string) (Endpoint, error) {
	entry = strings.TrimSpace(entry)
	if entry == "" {
		return Endpoint{}, fmt.Errorf("empty host entry")
	}

	if !strings.Contains(entry, ":") {
		return Endpoint{Host: entry, Port: DefaultPort}, nil
	}

	host, portString, err := net.SplitHostPort(entry)
	if err != nil {
		return Endpoint{}, fmt.Errorf("invalid host entry %q: %w", entry, err)
	}

	port, err := strconv.ParseUint(portString, 10, 16)
	if err != nil {
		return Endpoint{}, fmt.Errorf("invalid port in host entry %q: %w", entry, err)
	}

	return Endpoint{Host: host, Port: uint16(port)}, nil
}

// Session is one live protocol session to a server. The wire protocol behind
// it is opaque here; packets are written and read as whole frames and
// response N on a session always answers request N written on that session.
//
// A Session is not safe for concurrent writers or concurrent readers, but one
// writer and one reader may operate simultaneously.
type Session interface {
	// WritePacket sends one serialized command frame.
	WritePacket(p []byte) error

	// ReadPacket reads the next complete response frame.
	ReadPacket() ([]byte, error)

	// Reset clears server-side session state before the owning connection is
	// returned to the idle set.
	Reset() error

	// SendCancelSignal delivers the protocol-level cancel request for this
	// session over a side channel. The session's pipeline is unusable
	// afterwards until closed or resynchronized.
	SendCancelSignal() error

	// Close terminates the session irrespective of state.
	Close() error
}

// RoleReporter is an optional Session capability: sessions that can report
// whether their server is currently a primary or a standby implement it. The
// router's role resolvers discover it by type assertion.
type RoleReporter interface {
	ServerRole(ctx context.Context) (HostRole, error)
}

// Transport establishes sessions. TLS negotiation and credential exchange
// happen inside Connect; an authentication rejection is reported by wrapping
// ErrAuthenticationFailed.
type Transport interface {
	Connect(ctx context.Context, endpoint Endpoint) (Session, error)
}
