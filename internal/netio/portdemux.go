//go:build linux

package netio

import (
	"context"
	"fmt"
	"net"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/bfdproto/gobfd/internal/udptransport"
)

// -------------------------------------------------------------------------
// PortDemux — implements udptransport.UDPDemux by binding (and releasing)
// a SO_REUSEADDR UDP listening socket per registered port. This stands in
// for "registering a destination port with the host UDP demux"
// (udp_register_dst_port/udp_unregister_dst_port in VPP): instead of a
// dataplane feature-arc registration, the host kernel's own UDP socket
// table is the demux being programmed, using the same
// golang.org/x/sys/unix socket-option plumbing netio/rawsock_linux.go
// already uses for IP_TTL/IP_PKTINFO.
// -------------------------------------------------------------------------

// PortDemux binds one SO_REUSEADDR socket per (port, family) on
// RegisterDstPort and closes it on the matching UnregisterDstPort.
type PortDemux struct {
	mu    sync.Mutex
	socks map[portDemuxKey]*net.UDPConn
}

type portDemuxKey struct {
	port uint16
	isV4 bool
}

// NewPortDemux creates an empty PortDemux.
func NewPortDemux() *PortDemux {
	return &PortDemux{socks: make(map[portDemuxKey]*net.UDPConn)}
}

// RegisterDstPort binds a SO_REUSEADDR socket for port/isV4. node is
// accepted for interface parity with a dataplane's node-graph
// registration but is not otherwise used here: the host kernel has no
// concept of a named ingress node, only a destination port.
func (d *PortDemux) RegisterDstPort(port uint16, _ string, isV4 bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	key := portDemuxKey{port: port, isV4: isV4}
	if _, exists := d.socks[key]; exists {
		return nil
	}

	network := "udp6"
	addr := &net.UDPAddr{Port: int(port)}
	if isV4 {
		network = "udp4"
	}

	lc := net.ListenConfig{Control: func(_, _ string, c syscall.RawConn) error {
		var sockErr error
		if err := c.Control(func(fd uintptr) {
			sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
		}); err != nil {
			return err
		}
		return sockErr
	}}

	conn, err := lc.ListenPacket(context.Background(), network, addr.String())
	if err != nil {
		return fmt.Errorf("register dst port %d (v4=%t): %w", port, isV4, err)
	}
	udpConn, ok := conn.(*net.UDPConn)
	if !ok {
		_ = conn.Close()
		return fmt.Errorf("register dst port %d (v4=%t): unexpected conn type", port, isV4)
	}
	d.socks[key] = udpConn
	return nil
}

// UnregisterDstPort closes the socket bound by RegisterDstPort.
func (d *PortDemux) UnregisterDstPort(port uint16, isV4 bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	key := portDemuxKey{port: port, isV4: isV4}
	conn, exists := d.socks[key]
	if !exists {
		return nil
	}
	delete(d.socks, key)
	if err := conn.Close(); err != nil {
		return fmt.Errorf("unregister dst port %d (v4=%t): %w", port, isV4, err)
	}
	return nil
}

var _ udptransport.UDPDemux = (*PortDemux)(nil)
