package udptransport

import (
	"log/slog"
	"net/netip"

	"github.com/bfdproto/gobfd/internal/bfd"
)

// -------------------------------------------------------------------------
// Ingress Demultiplexer & Validator — spec.md §4.6.
//
// Grounded on VPP's bfd_udp4_scan / bfd_udp6_scan
// (original_source/src/vnet/bfd/bfd_udp.c): length sanity, BFD-length-vs-
// UDP-payload-length check, common validation delegated to the state
// machine, session lookup (discriminator first, falling back to the
// 4-tuple key), auth verification, then the transport invariant checks
// (src/dst/TTL) in that exact order. The v6 path in bfd_udp6_scan performs
// a redundant by-discriminator lookup inside the by-key branch and then
// unconditionally overwrites it with the by-key result; since that branch
// only runs when YourDiscriminator is zero, the overwrite is a no-op in
// practice, but to avoid carrying forward dead/confusing control flow
// this implementation uses one lookup path for both families: by
// discriminator when YourDiscriminator != 0, else by key. This is also
// the exact priority VPP's v4 path (bfd_udp4_scan) already uses.
// -------------------------------------------------------------------------

// IngressMeta is the transport metadata available for a received
// datagram, independent of the address family it carries (spec.md §6:
// sourced from the host network stack, out of scope to reimplement).
type IngressMeta struct {
	SrcAddr   netip.Addr
	DstAddr   netip.Addr
	TTL       uint8
	SwIfIndex uint32
}

// Demux is the ingress demultiplexer and validator (spec.md §4.6). It
// owns no state of its own; everything it touches lives in the
// SessionTable and StateMachine it's constructed with.
type Demux struct {
	table   *SessionTable
	sm      StateMachine
	hops    map[uint32]HopType // bs_idx -> hop type, for TTL checking
	peers   map[uint32]netip.Addr
	locals  map[uint32]netip.Addr
	counts  *ClassificationCounters
	logger  *slog.Logger
}

// NewDemux creates a Demux over table and sm.
func NewDemux(table *SessionTable, sm StateMachine, counters *ClassificationCounters, logger *slog.Logger) *Demux {
	return &Demux{
		table:  table,
		sm:     sm,
		hops:   make(map[uint32]HopType),
		peers:  make(map[uint32]netip.Addr),
		locals: make(map[uint32]netip.Addr),
		counts: counters,
		logger: logger.With(slog.String("component", "udptransport.demux")),
	}
}

// BindSession records the (hop type, peer, local) triple the transport
// invariant checks need for bsIdx. The Session Lifecycle Manager calls
// this when a session is added (spec.md §4.7); it is not derivable from
// SessionTable alone because SessionTable is keyed the other direction
// (SessionKey -> bs_idx).
func (d *Demux) BindSession(bsIdx uint32, hop HopType, peer, local netip.Addr) {
	d.hops[bsIdx] = hop
	d.peers[bsIdx] = peer
	d.locals[bsIdx] = local
}

// UnbindSession removes bookkeeping added by BindSession.
func (d *Demux) UnbindSession(bsIdx uint32) {
	delete(d.hops, bsIdx)
	delete(d.peers, bsIdx)
	delete(d.locals, bsIdx)
}

// ProcessControl runs one received BFD Control datagram through the full
// validation pipeline, producing exactly one Classification (spec.md
// §4.6). On ClassNone, it also returns a non-nil final reply if the
// received packet's Poll bit requires one (RFC 5880 Section 6.8.6 step
// 10: "if the Poll bit is set ... MUST set ... the Final bit"), and the
// bs_idx of the session the datagram matched (0 if none did), so the
// caller can dispatch that reply through the Forwarding Selector (spec.md
// §4.6 step 9).
func (d *Demux) ProcessControl(payload []byte, meta IngressMeta, transport Transport, hop HopType) (Classification, []byte, uint32) {
	class, reply, bsIdx := d.processControl(payload, meta, transport, hop)
	if d.counts != nil {
		d.counts.Inc(class)
	}
	return class, reply, bsIdx
}

func (d *Demux) processControl(payload []byte, meta IngressMeta, transport Transport, hop HopType) (Classification, []byte, uint32) {
	// Step 1: length sanity.
	if len(payload) < bfd.HeaderSize {
		d.logger.Debug("datagram too short", slog.Int("len", len(payload)))
		return ClassBad, nil, 0
	}

	// Step 2: BFD length field vs UDP payload length (VPP: "pkt->head.length
	// > udp_payload_length" -> BFD_UDP_ERROR_LENGTH in bfd_udp4_scan, but
	// BFD_UDP_ERROR_BAD for the identical check in bfd_udp6_scan -- the
	// split is by address family, not by hop type).
	bfdLength := int(payload[3])
	if bfdLength > len(payload) {
		if transport == TransportUDP4 {
			return ClassLength, nil, 0
		}
		return ClassBad, nil, 0
	}

	// Step 3: common validation, delegated to the state machine
	// (RFC 5880 Section 6.8.6 steps 1-7).
	pkt, class := d.sm.VerifyPktCommon(payload[:bfdLength])
	if class != ClassNone {
		return class, nil, 0
	}

	// Step 4: session lookup, discriminator first, then 4-tuple key.
	bsIdx, ok := d.lookup(pkt.YourDiscriminator, meta, hop)
	if !ok {
		d.logger.Debug("no session matched datagram", slog.Uint64("your_disc", uint64(pkt.YourDiscriminator)))
		return ClassNoSession, nil, 0
	}

	// Step 5: authentication.
	if !d.sm.VerifyPktAuth(bsIdx, pkt, payload) {
		return ClassFailedVerification, nil, bsIdx
	}

	// Step 6: transport invariant checks (src/dst/TTL), exactly the order
	// bfd_udp{4,6}_verify_transport uses.
	if class := d.verifyTransportAddrs(bsIdx, meta, hop); class != ClassNone {
		return class, nil, bsIdx
	}

	// Step 7: handoff to the state machine.
	if class := d.sm.ConsumePkt(bsIdx, pkt); class != ClassNone {
		return class, nil, bsIdx
	}

	// Step 8: Poll -> Final synthesis (RFC 5880 Section 6.8.6 step 10).
	var reply []byte
	if pkt.Poll {
		if frame, err := d.sm.InitFinalControlFrame(bsIdx); err == nil {
			reply = frame
		} else {
			d.logger.Warn("failed to build final control frame", slog.Uint64("bs_idx", uint64(bsIdx)), slog.Any("error", err))
		}
	}

	return ClassNone, reply, bsIdx
}

func (d *Demux) lookup(yourDisc uint32, meta IngressMeta, hop HopType) (uint32, bool) {
	if yourDisc != 0 {
		if bsIdx, ok := d.sm.FindByDisc(yourDisc); ok {
			return bsIdx, true
		}
		return 0, false
	}

	swIfIndex := meta.SwIfIndex
	if hop == HopMulti {
		swIfIndex = AllOnesIfIndex
	}
	key := NewSessionKey(swIfIndex, meta.DstAddr, meta.SrcAddr)
	return d.table.Lookup(key)
}

// verifyTransportAddrs mirrors bfd_udp4_verify_transport /
// bfd_udp6_verify_transport: source must equal the session's configured
// peer, destination must equal the session's configured local address,
// and (single-hop only) TTL/hop-limit must be 255 (RFC 5881 Section 5,
// RFC 5082 GTSM).
func (d *Demux) verifyTransportAddrs(bsIdx uint32, meta IngressMeta, hop HopType) Classification {
	if peer, ok := d.peers[bsIdx]; ok && peer != meta.SrcAddr {
		return ClassSrcMismatch
	}
	if local, ok := d.locals[bsIdx]; ok && local != meta.DstAddr {
		return ClassDstMismatch
	}
	if hop == HopSingle && meta.TTL != 255 {
		return ClassTTL
	}
	return ClassNone
}

// ProcessEcho recognizes and reflects (or accepts) an echo datagram.
// Returns true if the datagram was recognized as belonging to one of this
// process's own echo sessions (spec.md §4.6: "echo ingress/reflector").
func (d *Demux) ProcessEcho(payload []byte) (bsIdx uint32, recognized bool) {
	return d.sm.ConsumeEcho(payload)
}
