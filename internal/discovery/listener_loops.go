package discovery

import (
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/kestrelworks/enginelink/internal/wire"
)

// This file contains the multicast socket lifecycle and background loops that
// are untestable in unit tests as they bind real sockets and run indefinitely.
// The datagram handling they feed (handleDatagram) is testable and tested
// separately.

// Start joins the multicast group and launches the receive and announce
// loops. It is an error to start a running listener.
func (l *Listener) Start() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.running {
		return fmt.Errorf("discovery already running on %s", l.cfg.Group)
	}

	group, err := net.ResolveUDPAddr("udp4", l.cfg.Group)
	if err != nil {
		return fmt.Errorf("resolve multicast group %q: %w", l.cfg.Group, err)
	}

	recvConn, err := net.ListenMulticastUDP("udp4", nil, group)
	if err != nil {
		return fmt.Errorf("join multicast group %s: %w", group, err)
	}

	sendConn, err := net.DialUDP("udp4", nil, group)
	if err != nil {
		recvConn.Close()
		return fmt.Errorf("open beacon socket to %s: %w", group, err)
	}

	l.group = group
	l.recvConn = recvConn
	l.sendConn = sendConn
	l.stop = make(chan struct{})
	l.running = true

	l.wg.Add(1)
	go l.receiveLoop(recvConn)

	if l.cfg.Announcement != nil {
		l.wg.Add(1)
		go l.announceLoop(l.stop)
	}

	l.logger.Info("discovery started", "group", group.String(), "self_id", l.cfg.SelfID)
	return nil
}

// Stop closes the sockets and waits for the loops to exit. Safe to call on a
// stopped listener.
func (l *Listener) Stop() {
	l.mu.Lock()
	if !l.running {
		l.mu.Unlock()
		return
	}
	l.running = false
	close(l.stop)
	l.recvConn.Close()
	l.sendConn.Close()
	l.mu.Unlock()

	l.wg.Wait()
	l.logger.Info("discovery stopped")
}

// Restart rejoins on a different multicast group. An empty group keeps the
// current one.
func (l *Listener) Restart(group string) error {
	l.Stop()

	l.mu.Lock()
	if group != "" {
		l.cfg.Group = group
	}
	l.mu.Unlock()

	return l.Start()
}

// Announce sends one beacon immediately, outside the regular cadence.
func (l *Listener) Announce() error {
	l.mu.Lock()
	conn := l.sendConn
	announcement := l.cfg.Announcement
	running := l.running
	l.mu.Unlock()

	if !running {
		return errors.New("discovery not running")
	}
	if announcement == nil {
		return nil
	}

	buf, err := wire.Encode(announcement)
	if err != nil {
		return fmt.Errorf("encode beacon: %w", err)
	}
	if _, err := conn.Write(buf); err != nil {
		return fmt.Errorf("send beacon: %w", err)
	}
	return nil
}

func (l *Listener) receiveLoop(conn *net.UDPConn) {
	defer l.wg.Done()

	buf := make([]byte, 64<<10)
	for {
		n, src, err := conn.ReadFromUDP(buf)
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				l.logger.Error("multicast read failed", "error", err)
			}
			return
		}

		var srcIP net.IP
		if src != nil {
			srcIP = src.IP
		}
		if b, ok := l.handleDatagram(buf[:n], srcIP); ok && l.onBeacon != nil {
			l.onBeacon(b)
		}
	}
}

func (l *Listener) announceLoop(stop chan struct{}) {
	defer l.wg.Done()

	// First beacon goes out immediately so peers see us without waiting a
	// full interval.
	if err := l.Announce(); err != nil {
		l.logger.Debug("initial beacon failed", "error", err)
	}

	ticker := time.NewTicker(l.cfg.BeaconInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := l.Announce(); err != nil {
				l.logger.Debug("beacon failed", "error", err)
			}
		case <-stop:
			return
		}
	}
}
