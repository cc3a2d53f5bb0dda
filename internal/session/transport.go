package session

import (
	"context"
	"net"
)

// Dialer abstracts TCP dialing so tests can hand sessions a net.Pipe end
// instead of a socket. *net.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}
