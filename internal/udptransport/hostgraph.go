package udptransport

import "net/netip"

// -------------------------------------------------------------------------
// Interface to the host forwarding graph — spec.md §6.
//
// Everything in this file models a surrounding system that spec.md §1
// explicitly puts out of scope (route-lookup/ARP/ND adjacency, buffer
// pools, stats gauges). The transport core only ever talks to these
// through the interfaces below so the core stays testable without a real
// dataplane underneath it.
// -------------------------------------------------------------------------

// UDPDemux abstracts the host's UDP destination-port dispatch table. The
// PortRegistry (§4.2) registers/unregisters the well-known BFD ports
// against it on live-session-count 0<->1 transitions.
type UDPDemux interface {
	// RegisterDstPort binds port (for the v4 or v6 demux, selected by
	// isV4) to the ingress node that will receive datagrams sent to it.
	// node is an opaque identifier meaningful to the forwarding graph
	// (e.g. "bfd4-udp-input").
	RegisterDstPort(port uint16, node string, isV4 bool) error

	// UnregisterDstPort reverses RegisterDstPort. Not idempotent at the
	// host API level — double-unregister is a defect the PortRegistry's
	// exact ref-counting exists to prevent (spec.md Design Notes §9).
	UnregisterDstPort(port uint16, isV4 bool) error
}

// AdjacencyNextKind is the downstream action a resolved adjacency carries,
// mirroring VPP's ip_lookup_next_t used by bfd_udp_calc_next_node.
type AdjacencyNextKind uint8

const (
	// AdjNextARP means the adjacency still needs ARP/ND resolution.
	AdjNextARP AdjacencyNextKind = iota + 1
	// AdjNextRewrite means the adjacency has a ready-made L2 rewrite string.
	AdjNextRewrite
	// AdjNextMidchain means the adjacency forwards via a tunnel (GRE, IPIP, ...).
	AdjNextMidchain
	// AdjNextOther covers adjacency kinds the selector does not forward on
	// (glean, drop, punt, ...): spec.md §4.5 "any other -> drop".
	AdjNextOther
)

// AdjacencyHandle identifies a cached next-hop forwarding object (spec.md
// glossary: Adjacency). AdjacencyNone is the SENTINEL value from spec.md
// §3 meaning "no adjacency held".
type AdjacencyHandle uint32

// AdjacencyNone is the SENTINEL adjacency handle (spec.md §3 UdpSession).
const AdjacencyNone AdjacencyHandle = 0

// AdjacencyInfo is what AdjacencyProvider.Get returns about a resolved
// adjacency: just enough for the Forwarding Selector to pick a next node.
type AdjacencyInfo struct {
	Next AdjacencyNextKind
}

// AdjacencyProvider abstracts the routing/neighbor layer's adjacency
// database (spec.md §1: "route-lookup/ARP/ND adjacency internals ...
// treated as an opaque forwarding oracle").
type AdjacencyProvider interface {
	// Acquire resolves (or creates) an adjacency for peerAddr reachable
	// over swIfIndex and locks it for the caller. Only used for
	// single-hop sessions (spec.md invariant I2).
	Acquire(transport Transport, swIfIndex uint32, peerAddr netip.Addr) (AdjacencyHandle, error)

	// Release unlocks a handle previously returned by Acquire. Safe to
	// call with AdjacencyNone (no-op).
	Release(handle AdjacencyHandle)

	// Get returns the current resolution state of handle.
	Get(handle AdjacencyHandle) (AdjacencyInfo, error)
}

// ForwardingNode identifies a downstream graph node a completed packet is
// handed to (spec.md §4.5). The exact string values are opaque to the
// transport; they are meaningful only to the forwarding graph underneath.
type ForwardingNode string

const (
	NodeIP4Lookup   ForwardingNode = "ip4-lookup"
	NodeIP6Lookup   ForwardingNode = "ip6-lookup"
	NodeIP4ARP      ForwardingNode = "ip4-arp"
	NodeIP6NDP      ForwardingNode = "ip6-discover-neighbor"
	NodeIP4Rewrite  ForwardingNode = "ip4-rewrite"
	NodeIP6Rewrite  ForwardingNode = "ip6-rewrite"
	NodeIP4Midchain ForwardingNode = "ip4-midchain"
	NodeIP6Midchain ForwardingNode = "ip6-midchain"
)

// Frame is a batch of encapsulated packets handed to a single downstream
// forwarding node. In a real dataplane this would carry buffer indices;
// here it carries the encapsulated bytes directly since the transport
// core owns no shared buffer arena of its own.
type Frame struct {
	Node    ForwardingNode
	Packet  []byte
	Adj     AdjacencyHandle
	SwIfIdx uint32
}

// ForwardingGraph abstracts "get_frame_to_node / put_frame_to_node"
// (spec.md §6): the sink the Forwarding Selector hands completed frames
// to. Kept as a single Send rather than a get/put pair because the
// transport core never holds a frame across calls.
type ForwardingGraph interface {
	Send(frame Frame) error
}

// GaugeSink abstracts the statistics segment (spec.md §1: "treated as an
// opaque gauge sink"). AddGauge registers a named gauge once; SetGauge
// updates its value.
type GaugeSink interface {
	AddGauge(name string) (id int, err error)
	SetGauge(id int, value float64)
}
