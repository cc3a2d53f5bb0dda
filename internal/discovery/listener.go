// Package discovery joins the UDP multicast group engine nodes beacon on,
// hands valid announcements to a callback, and periodically announces the
// bridge itself.
package discovery

import (
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/kestrelworks/enginelink/internal/config"
	"github.com/kestrelworks/enginelink/internal/wire"
)

// Config holds the discovery listener settings.
type Config struct {
	// Group is the host:port of the multicast group
	Group string
	// SelfID filters out this process's own beacons
	SelfID string
	// BeaconInterval is the announcement cadence
	BeaconInterval time.Duration
	// Announcement is the beacon emitted for this process; nil disables
	// announcing
	Announcement *wire.Beacon
}

// Listener owns the multicast sockets and the beacon/receive loops.
type Listener struct {
	cfg      Config
	logger   *slog.Logger
	onBeacon func(wire.Beacon)

	mu       sync.Mutex
	group    *net.UDPAddr
	recvConn *net.UDPConn
	sendConn *net.UDPConn
	stop     chan struct{}
	wg       sync.WaitGroup
	running  bool
}

// New creates a listener that feeds valid beacons to onBeacon. The callback
// runs on the receive goroutine and must not block.
func New(cfg Config, onBeacon func(wire.Beacon), logger *slog.Logger) *Listener {
	if cfg.Group == "" {
		cfg.Group = config.DefaultMulticastGroup
	}
	if cfg.BeaconInterval <= 0 {
		cfg.BeaconInterval = config.DefaultBeaconInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Listener{
		cfg:      cfg,
		logger:   logger.With("component", "discovery"),
		onBeacon: onBeacon,
	}
}

// Group returns the multicast group currently configured.
func (l *Listener) Group() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cfg.Group
}

// handleDatagram decodes one datagram into a usable beacon. Anything that is
// not a well-formed beacon from another process is dropped here; a beacon
// address without a host is completed from the datagram's source IP.
func (l *Listener) handleDatagram(data []byte, srcIP net.IP) (wire.Beacon, bool) {
	msg, err := wire.Decode(data)
	if err != nil {
		l.logger.Debug("dropping malformed datagram", "bytes", len(data), "error", err)
		return wire.Beacon{}, false
	}

	b, ok := msg.(*wire.Beacon)
	if !ok {
		l.logger.Debug("dropping non-beacon datagram", "type", msg.Type().String())
		return wire.Beacon{}, false
	}
	if b.NodeID == "" {
		l.logger.Debug("dropping beacon without node id")
		return wire.Beacon{}, false
	}
	if b.NodeID == l.cfg.SelfID {
		return wire.Beacon{}, false
	}
	if b.Address == "" {
		l.logger.Debug("dropping beacon without address", "node_id", b.NodeID)
		return wire.Beacon{}, false
	}

	host, port, err := net.SplitHostPort(b.Address)
	if err != nil {
		l.logger.Debug("dropping beacon with unusable address", "node_id", b.NodeID, "address", b.Address)
		return wire.Beacon{}, false
	}
	if host == "" {
		if srcIP == nil {
			l.logger.Debug("dropping beacon with no resolvable host", "node_id", b.NodeID)
			return wire.Beacon{}, false
		}
		b.Address = net.JoinHostPort(srcIP.String(), port)
	}

	return *b, true
}
