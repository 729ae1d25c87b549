package udptransport

import (
	"fmt"
	"log/slog"
	"net/netip"
	"sync"
)

// -------------------------------------------------------------------------
// Echo Source — spec.md §4.3.
//
// Grounded directly on VPP's bfd_udp_get_echo_src_ip4/ip6 and
// bfd_udp_is_echo_available (original_source/src/vnet/bfd/bfd_udp.c): an
// operator designates one interface as the echo source; a usable address
// is the first configured address on that interface whose prefix length
// is short enough to guarantee at least one neighboring address exists
// (<=31 for IPv4, <=127 for IPv6); the synthesized echo peer address is
// that address with its low-order bit flipped, which may land on the
// subnet's network or broadcast address -- VPP's own comment is
// "might be network, we don't care", so this transport doesn't special
// case it either.
// -------------------------------------------------------------------------

// maxUsablePrefixV4 / maxUsablePrefixV6 bound how short a prefix must be
// for bit-flipping its address to be guaranteed to land on a different,
// still-in-subnet address.
const (
	maxUsablePrefixV4 = 31
	maxUsablePrefixV6 = 127
)

// InterfaceAddress is one address configured on an interface, as needed
// by EchoSource. Prefix is the address's subnet prefix length.
type InterfaceAddress struct {
	Addr   netip.Addr
	Prefix int
}

// InterfaceProvider lists addresses configured on an interface and
// reports its admin state. spec.md §1 treats interface/address state as
// belonging to the surrounding system; no library in the retrieval pack
// enumerates interface addresses (the teacher's netio.InterfaceMonitor
// only reports up/down events), so this is satisfied directly against
// net.Interfaces()/net.InterfaceByIndex() in the concrete adapter kept in
// internal/netio -- justified in DESIGN.md as a standard-library-only
// component with no ecosystem equivalent in the pack.
type InterfaceProvider interface {
	// Addresses returns every address configured on swIfIndex.
	Addresses(swIfIndex uint32) ([]InterfaceAddress, error)

	// IsAdminUp reports whether swIfIndex is administratively up.
	IsAdminUp(swIfIndex uint32) (bool, error)
}

// EchoSource selects and caches the address used to source and receive
// BFD Echo packets, for the single operator-designated echo-source
// interface (spec.md §4.3).
type EchoSource struct {
	mu        sync.RWMutex
	ifaces    InterfaceProvider
	logger    *slog.Logger
	swIfIndex uint32
	isSet     bool
}

// NewEchoSource creates an EchoSource with no interface configured.
func NewEchoSource(ifaces InterfaceProvider, logger *slog.Logger) *EchoSource {
	return &EchoSource{
		ifaces: ifaces,
		logger: logger.With(slog.String("component", "udptransport.echosource")),
	}
}

// SetInterface designates swIfIndex as the echo source interface.
func (es *EchoSource) SetInterface(swIfIndex uint32) {
	es.mu.Lock()
	defer es.mu.Unlock()
	es.swIfIndex = swIfIndex
	es.isSet = true
	es.logger.Debug("echo source interface set", slog.Uint64("sw_if_index", uint64(swIfIndex)))
}

// Clear removes the echo source designation (bfd_udp_del_echo_source).
func (es *EchoSource) Clear() {
	es.mu.Lock()
	defer es.mu.Unlock()
	es.isSet = false
	es.swIfIndex = 0
}

// IsAvailable reports whether an echo source usable for transport is
// currently configured (bfd_udp_is_echo_available): the interface must be
// set, administratively up, and carry at least one address with a short
// enough prefix for the given address family.
func (es *EchoSource) IsAvailable(transport Transport) bool {
	es.mu.RLock()
	swIfIndex, isSet := es.swIfIndex, es.isSet
	es.mu.RUnlock()

	if !isSet {
		return false
	}
	up, err := es.ifaces.IsAdminUp(swIfIndex)
	if err != nil || !up {
		return false
	}
	_, ok := es.firstUsable(swIfIndex, transport)
	return ok
}

func (es *EchoSource) firstUsable(swIfIndex uint32, transport Transport) (InterfaceAddress, bool) {
	addrs, err := es.ifaces.Addresses(swIfIndex)
	if err != nil {
		return InterfaceAddress{}, false
	}
	maxPrefix := maxUsablePrefixV4
	wantV4 := transport == TransportUDP4
	if !wantV4 {
		maxPrefix = maxUsablePrefixV6
	}
	for _, a := range addrs {
		if a.Addr.Is4() != wantV4 {
			continue
		}
		if a.Prefix <= maxPrefix {
			return a, true
		}
	}
	return InterfaceAddress{}, false
}

// GetEchoSrc returns the synthesized source/peer address used to send and
// demultiplex echo packets for transport: the first usable address on the
// echo source interface with its low-order bit flipped.
func (es *EchoSource) GetEchoSrc(transport Transport) (netip.Addr, error) {
	es.mu.RLock()
	swIfIndex, isSet := es.swIfIndex, es.isSet
	es.mu.RUnlock()

	if !isSet {
		return netip.Addr{}, fmt.Errorf("get echo source: %w", ErrNoEchoSource)
	}

	addr, ok := es.firstUsable(swIfIndex, transport)
	if !ok {
		return netip.Addr{}, fmt.Errorf("get echo source for %s: %w", transport, ErrNoEchoSource)
	}
	return flipLowBit(addr.Addr), nil
}

// flipLowBit flips the low-order bit of addr, mirroring
// bfd_udp_get_echo_src_ip4/ip6's "addr->as_u32 ^= 1" / "as_u8[15] ^= 1".
func flipLowBit(addr netip.Addr) netip.Addr {
	b := addr.As16()
	b[15] ^= 1
	if addr.Is4() {
		a4 := addr.As4()
		a4[3] ^= 1
		return netip.AddrFrom4(a4)
	}
	return netip.AddrFrom16(b)
}
