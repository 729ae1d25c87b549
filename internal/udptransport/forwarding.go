package udptransport

import "fmt"

// -------------------------------------------------------------------------
// Forwarding Selector — spec.md §4.5.
//
// Grounded on VPP's bfd_udp_calc_next_node, which dispatches on
// adj->lookup_next_index (IP_LOOKUP_NEXT_ARP / _REWRITE / _MIDCHAIN / any
// other -> drop). AdjacencyNextKind/AdjacencyProvider mirror that
// dispatch in hostgraph.go; ForwardingSelector turns an encapsulated
// packet plus an adjacency resolution into the single ForwardingGraph
// Send call that hands it to the right downstream node.
// -------------------------------------------------------------------------

// ForwardingSelector resolves the downstream forwarding node for an
// encapsulated BFD packet and hands it to the forwarding graph.
type ForwardingSelector struct {
	adjacencies AdjacencyProvider
	graph       ForwardingGraph
}

// NewForwardingSelector creates a ForwardingSelector.
func NewForwardingSelector(adjacencies AdjacencyProvider, graph ForwardingGraph) *ForwardingSelector {
	return &ForwardingSelector{adjacencies: adjacencies, graph: graph}
}

// SendSingleHop sends an encapsulated single-hop packet via the
// session's held adjacency, dispatching on its resolution kind.
// AdjacencyNone falls back to a plain IP lookup (spec.md invariant I2:
// "a single-hop session without a held adjacency falls back to IP
// lookup"); any adjacency kind the selector does not forward on is
// dropped silently, matching VPP's "any other -> drop".
func (fs *ForwardingSelector) SendSingleHop(transport Transport, swIfIndex uint32, adj AdjacencyHandle, packet []byte) error {
	if adj == AdjacencyNone {
		return fs.sendToLookup(transport, swIfIndex, adj, packet)
	}

	info, err := fs.adjacencies.Get(adj)
	if err != nil {
		return fmt.Errorf("resolve adjacency %d: %w", adj, err)
	}

	switch info.Next {
	case AdjNextARP:
		return fs.send(arpNode(transport), swIfIndex, adj, packet)
	case AdjNextRewrite:
		return fs.send(rewriteNode(transport), swIfIndex, adj, packet)
	case AdjNextMidchain:
		return fs.send(midchainNode(transport), swIfIndex, adj, packet)
	default:
		// AdjNextOther and any unrecognized kind: drop, matching VPP's
		// "default: next = BFD_UDP_INPUT_NEXT_NORMAL" no-forward path.
		return nil
	}
}

// SendMultiHop sends an encapsulated multi-hop packet via plain IP
// lookup: multi-hop sessions are never bound to a held adjacency
// (spec.md invariant I2 only applies to single-hop).
func (fs *ForwardingSelector) SendMultiHop(transport Transport, packet []byte) error {
	return fs.sendToLookup(transport, AllOnesIfIndex, AdjacencyNone, packet)
}

func (fs *ForwardingSelector) sendToLookup(transport Transport, swIfIndex uint32, adj AdjacencyHandle, packet []byte) error {
	return fs.send(lookupNode(transport), swIfIndex, adj, packet)
}

func (fs *ForwardingSelector) send(node ForwardingNode, swIfIndex uint32, adj AdjacencyHandle, packet []byte) error {
	return fs.graph.Send(Frame{Node: node, Packet: packet, Adj: adj, SwIfIdx: swIfIndex})
}

func lookupNode(t Transport) ForwardingNode {
	if t == TransportUDP4 {
		return NodeIP4Lookup
	}
	return NodeIP6Lookup
}

func arpNode(t Transport) ForwardingNode {
	if t == TransportUDP4 {
		return NodeIP4ARP
	}
	return NodeIP6NDP
}

func rewriteNode(t Transport) ForwardingNode {
	if t == TransportUDP4 {
		return NodeIP4Rewrite
	}
	return NodeIP6Rewrite
}

func midchainNode(t Transport) ForwardingNode {
	if t == TransportUDP4 {
		return NodeIP4Midchain
	}
	return NodeIP6Midchain
}
