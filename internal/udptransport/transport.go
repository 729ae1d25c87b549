package udptransport

import (
	"fmt"
	"log/slog"
	"sync"
)

// -------------------------------------------------------------------------
// Engine — the process-global UDP transport instance (spec.md §6:
// "process-global state"). Wires every component in §4 together behind
// one coarse lock, mirroring VPP's single bfd_udp_main_t / bfd_main_t
// pair living for the life of the process. Named Engine rather than
// Transport to avoid colliding with the Transport address-family enum
// (sessionkey.go) in the same package.
// -------------------------------------------------------------------------

// Deps bundles the external collaborators Engine is built from. All
// fields are required except Gauges, which may be nil.
type Deps struct {
	Demux      UDPDemux
	Adjacency  AdjacencyProvider
	Graph      ForwardingGraph
	Interfaces InterfaceProvider
	IfaceCheck InterfaceValidator
	Gauges     GaugeSink
	Logger     *slog.Logger
}

// Engine is the assembled UDP transport boundary: session table, port
// registry, echo source, encapsulator, forwarding selector, ingress
// demultiplexer and lifecycle manager, all sharing the same coarse lock
// (spec.md §5).
type Engine struct {
	mu sync.Mutex

	Table        *SessionTable
	StateMachine StateMachine
	Ports        *PortRegistry
	Echo         *EchoSource
	Encap        *Encapsulator
	Forwarding   *ForwardingSelector
	Demux        *Demux
	Lifecycle    *LifecycleManager
	Counters     *ClassificationCounters

	logger *slog.Logger
}

// New assembles an Engine instance from deps.
func New(deps Deps) *Engine {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("component", "udptransport"))

	table := NewSessionTable()
	sm := newBsPool(logger)
	ports := NewPortRegistry(deps.Demux, deps.Gauges, logger)
	echo := NewEchoSource(deps.Interfaces, logger)
	encap := NewEncapsulator()
	fwd := NewForwardingSelector(deps.Adjacency, deps.Graph)
	counters := &ClassificationCounters{}
	demux := NewDemux(table, sm, counters, logger)
	lifecycle := NewLifecycleManager(table, sm, ports, demux, deps.IfaceCheck, deps.Adjacency, logger)

	return &Engine{
		Table:        table,
		StateMachine: sm,
		Ports:        ports,
		Echo:         echo,
		Encap:        encap,
		Forwarding:   fwd,
		Demux:        demux,
		Lifecycle:    lifecycle,
		Counters:     counters,
		logger:       logger,
	}
}

// SessionCount returns the number of live sessions (spec.md §8 P3: "the
// session table's live count always equals the number of sessions the
// lifecycle manager has admitted and not yet deleted").
func (t *Engine) SessionCount() int {
	return t.Table.Len()
}

// EnableEcho acquires the echo single-hop port registry slot, registering
// PortEchoSingleHop with the host demux on the first caller (spec.md
// §4.2, §4.3: the echo port is shared by every echo-capable session the
// same way the control ports are).
func (t *Engine) EnableEcho(isV4 bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.Ports.Acquire(isV4, portKindEchoSingleHop)
}

// DisableEcho releases the echo single-hop port registry slot acquired by
// EnableEcho.
func (t *Engine) DisableEcho(isV4 bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.Ports.Release(isV4, portKindEchoSingleHop)
}

// BuildEchoPacket assembles an outgoing echo datagram for bsIdx: it asks
// the state machine for this session's echo cookie (PrepareEcho), gets
// the synthesized echo source address from EchoSource, and encapsulates
// the cookie payload into a wire-ready IP+UDP datagram addressed to the
// session's own local address (spec.md §4.3/§4.4: a BFD Echo packet is
// sent to the session's local address and expected to be reflected
// straight back by the forwarding plane, never consumed by a remote BFD
// implementation; VPP's bfd_add_udp{4,6}_transport stamps
// headers->dst_address = key->local_addr for exactly this reason).
func (t *Engine) BuildEchoPacket(bsIdx uint32, transport Transport) ([]byte, error) {
	sess, ok := t.Lifecycle.Get(bsIdx)
	if !ok {
		return nil, fmt.Errorf("build echo packet bs_idx %d: %w", bsIdx, ErrNotFound)
	}
	cookie, err := t.StateMachine.PrepareEcho(bsIdx)
	if err != nil {
		return nil, fmt.Errorf("build echo packet bs_idx %d: %w", bsIdx, err)
	}
	src, err := t.Echo.GetEchoSrc(transport)
	if err != nil {
		return nil, fmt.Errorf("build echo packet bs_idx %d: %w", bsIdx, err)
	}
	dst := sess.Key.LocalAddr
	port := PortEchoSingleHop
	pkt, err := t.Encap.Encapsulate(src, dst, port, port, echoTTL, EncodeEchoPayload(cookie))
	if err != nil {
		return nil, fmt.Errorf("build echo packet bs_idx %d: %w", bsIdx, err)
	}
	sess.Counters.AddTxEcho(len(pkt))
	return pkt, nil
}

// echoTTL is the IP TTL/Hop Limit used for echo packets, which loop back
// through the local forwarding plane rather than traversing the network
// the way control packets do; VPP still stamps 255, since nothing about
// the echo path relies on the value being anything less.
const echoTTL = 255

// controlTTL is the IP TTL/Hop Limit stamped on outgoing control packets
// (RFC 5881 Section 5 single-hop GTSM; RFC 5883 Section 2 multi-hop).
// Outgoing packets always use 255 regardless of hop type, matching VPP's
// bfd_add_udp{4,6}_transport, which never varies this by hop.
const controlTTL = 255

// ReceiveControl runs a received control datagram through the ingress
// demultiplexer (spec.md §4.6), counts it against the matched session
// (spec.md §3), and dispatches any synthesized Poll -> Final reply
// through the Forwarding Selector (spec.md §4.6 step 9: "dispatch the
// [Final] reply via the Forwarding Selector").
func (t *Engine) ReceiveControl(payload []byte, meta IngressMeta, transport Transport, hop HopType) (Classification, error) {
	class, reply, bsIdx := t.Demux.ProcessControl(payload, meta, transport, hop)

	if sess, ok := t.Lifecycle.Get(bsIdx); ok {
		sess.Counters.AddRx(len(payload))
	}

	if reply == nil {
		return class, nil
	}
	if err := t.sendControl(bsIdx, reply); err != nil {
		return class, fmt.Errorf("dispatch final reply bs_idx %d: %w", bsIdx, err)
	}
	return class, nil
}

// sendControl dispatches an encapsulated control packet for bsIdx through
// the Forwarding Selector, choosing SendSingleHop or SendMultiHop by the
// session's hop type (spec.md §4.5, §4.6 step 9) and counting it as
// transmitted (spec.md §3).
func (t *Engine) sendControl(bsIdx uint32, payload []byte) error {
	sess, ok := t.Lifecycle.Get(bsIdx)
	if !ok {
		return fmt.Errorf("send control bs_idx %d: %w", bsIdx, ErrNotFound)
	}

	dstPort := portControlSingleHop
	if sess.Hop == HopMulti {
		dstPort = portControlMultiHop
	}
	pkt, err := t.Encap.Encapsulate(sess.Key.LocalAddr, sess.Key.PeerAddr, SourcePortForSession(bsIdx), dstPort, controlTTL, payload)
	if err != nil {
		return fmt.Errorf("encapsulate control bs_idx %d: %w", bsIdx, err)
	}

	if sess.Hop == HopMulti {
		err = t.Forwarding.SendMultiHop(sess.Transport, pkt)
	} else {
		err = t.Forwarding.SendSingleHop(sess.Transport, sess.Key.SwIfIndex, sess.Adjacency, pkt)
	}
	if err != nil {
		return fmt.Errorf("forward control bs_idx %d: %w", bsIdx, err)
	}

	sess.Counters.AddTx(len(pkt))
	return nil
}

// ReceiveEcho hands a received echo payload to the state machine to
// recognize it against an outstanding cookie (spec.md §4.3: "the
// reflected echo payload... matched back to the originating session").
// A recognized echo is consumed (rx_echo counted and dropped); an
// unrecognized one is reflected straight back out the way it came in,
// with source and destination swapped, via the Forwarding Selector
// (spec.md §4.6 step 10: "otherwise loop the datagram back out via IP
// rewrite (echo reflector)").
func (t *Engine) ReceiveEcho(payload []byte, meta IngressMeta) (uint32, bool, error) {
	bsIdx, recognized := t.Demux.ProcessEcho(payload)
	if recognized {
		if sess, ok := t.Lifecycle.Get(bsIdx); ok {
			sess.Counters.AddRxEcho(len(payload))
		}
		return bsIdx, true, nil
	}

	transport := TransportUDP4
	if !meta.SrcAddr.Is4() {
		transport = TransportUDP6
	}
	pkt, err := t.Encap.Encapsulate(meta.DstAddr, meta.SrcAddr, PortEchoSingleHop, PortEchoSingleHop, echoTTL, payload)
	if err != nil {
		return bsIdx, false, fmt.Errorf("reflect echo: %w", err)
	}
	if err := t.Forwarding.SendSingleHop(transport, meta.SwIfIndex, AdjacencyNone, pkt); err != nil {
		return bsIdx, false, fmt.Errorf("reflect echo: %w", err)
	}
	return bsIdx, false, nil
}
