package udptransport

import (
	"encoding/binary"
	"fmt"
	"net/netip"

	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
)

// -------------------------------------------------------------------------
// Encapsulator — spec.md §4.4.
//
// Builds IPv4/IPv6 + UDP headers around a BFD payload. Header layout and
// checksum folding are grounded in NLipatov-TunGo's
// infrastructure/network/ip.HeaderBuilder, adapted from a general-purpose
// tunnel header builder into the BFD-specific source port rule (RFC 5881
// Section 4: "the source port MUST be in the range 49152 through 65535 ...
// SHOULD be unique among all BFD sessions" -- VPP's
// bfd_udp_bs_idx_to_sport derives it deterministically from bs_idx rather
// than allocating one, which this mirrors exactly since both run under
// the same coarse lock and can't race on a shared allocator anyway).
// -------------------------------------------------------------------------

const (
	udpHeaderLen = 8

	protoUDP uint8 = 17

	sourcePortBase  = 49152
	sourcePortRange = 65535 - 49152 + 1
)

// echoPayloadSize is the minimum size of an outgoing echo payload: just
// enough to carry the identifying cookie (spec.md §4.3/§4.4: the echo
// payload is opaque to the peer, which reflects it back unmodified).
const echoPayloadSize = 4

// EncodeEchoPayload writes cookie as the echo packet payload. The peer
// reflects this payload back unchanged; ConsumeEcho reads the same four
// bytes back out on the return trip.
func EncodeEchoPayload(cookie uint32) []byte {
	buf := make([]byte, echoPayloadSize)
	binary.BigEndian.PutUint32(buf, cookie)
	return buf
}

// SourcePortForSession derives the deterministic BFD UDP source port for
// bsIdx (RFC 5881 Section 4; VPP bfd_udp_bs_idx_to_sport).
func SourcePortForSession(bsIdx uint32) uint16 {
	return uint16(sourcePortBase + bsIdx%sourcePortRange) //nolint:gosec // G115: bounded by sourcePortRange
}

// Encapsulator builds wire-ready IPv4/IPv6+UDP datagrams carrying a BFD
// payload.
type Encapsulator struct{}

// NewEncapsulator creates an Encapsulator. It holds no state: every method
// is a pure function of its arguments.
func NewEncapsulator() *Encapsulator {
	return &Encapsulator{}
}

// Encapsulate builds a full IP+UDP+payload datagram. ttl is the IP
// TTL/Hop Limit to set (255 for single-hop per RFC 5881 Section 5, >=254
// for multi-hop per RFC 5883 Section 2 -- callers supply the value, this
// layer only writes it).
func (e *Encapsulator) Encapsulate(src, dst netip.Addr, srcPort, dstPort uint16, ttl uint8, payload []byte) ([]byte, error) {
	if src.Is4() != dst.Is4() {
		return nil, fmt.Errorf("encapsulate %s -> %s: %w", src, dst, ErrAddressFamilyMismatch)
	}
	udp := buildUDPHeader(srcPort, dstPort, payload)
	if src.Is4() {
		return e.buildIPv4(src, dst, ttl, udp)
	}
	return e.buildIPv6(src, dst, ttl, udp)
}

// buildUDPHeader writes the 8-byte UDP header followed by payload.
// Checksum is left zero; callers fill it in once the pseudo-header's
// source/destination are known (IPv4: optional and left zero here per
// spec.md §4.4; IPv6: computed in buildIPv6, mandatory per RFC 2460).
func buildUDPHeader(srcPort, dstPort uint16, payload []byte) []byte {
	out := make([]byte, udpHeaderLen+len(payload))
	binary.BigEndian.PutUint16(out[0:2], srcPort)
	binary.BigEndian.PutUint16(out[2:4], dstPort)
	binary.BigEndian.PutUint16(out[4:6], uint16(len(out))) //nolint:gosec // G115: bounded by MaxPacketSize
	// out[6:8] checksum, filled by caller or left zero.
	copy(out[udpHeaderLen:], payload)
	return out
}

// buildIPv4 wraps udp in an IPv4 header. The UDP checksum is left zero
// (RFC 768: "If the computed checksum is zero, it is transmitted as all
// ones ... An all zero transmitted checksum value means that the
// transmitter generated no checksum" -- optional over IPv4, and spec.md
// §4.4 leaves it optional to match VPP, which does not compute it).
func (e *Encapsulator) buildIPv4(src, dst netip.Addr, ttl uint8, udp []byte) ([]byte, error) {
	total := ipv4.HeaderLen + len(udp)
	out := make([]byte, total)

	out[0] = 0x45 // Version=4, IHL=5
	binary.BigEndian.PutUint16(out[2:4], uint16(total)) //nolint:gosec // G115: bounded by MaxPacketSize
	out[8] = ttl
	out[9] = protoUDP

	srcBytes := src.As4()
	dstBytes := dst.As4()
	copy(out[12:16], srcBytes[:])
	copy(out[16:20], dstBytes[:])
	copy(out[ipv4.HeaderLen:], udp)

	binary.BigEndian.PutUint16(out[10:12], 0)
	cs := ipv4HeaderChecksum(out[:ipv4.HeaderLen])
	binary.BigEndian.PutUint16(out[10:12], cs)

	return out, nil
}

// buildIPv6 wraps udp in an IPv6 header and computes the mandatory UDP
// checksum over the IPv6 pseudo-header (RFC 2460 Section 8.1: "any
// transport or other upper-layer protocol that includes the addresses
// from the IP header in its checksum computation must be modified ...
// an upper-layer checksum is not optional" - all-zeros ULP checksums are
// not a valid IPv6 option, unlike IPv4).
func (e *Encapsulator) buildIPv6(src, dst netip.Addr, hopLimit uint8, udp []byte) ([]byte, error) {
	total := ipv6.HeaderLen + len(udp)
	out := make([]byte, total)

	out[0] = 0x60 // Version 6, TC/Flow=0
	binary.BigEndian.PutUint16(out[4:6], uint16(len(udp))) //nolint:gosec // G115: bounded by MaxPacketSize
	out[6] = protoUDP
	out[7] = hopLimit

	srcBytes := src.As16()
	dstBytes := dst.As16()
	copy(out[8:24], srcBytes[:])
	copy(out[24:40], dstBytes[:])
	copy(out[ipv6.HeaderLen:], udp)

	udpOff := ipv6.HeaderLen
	binary.BigEndian.PutUint16(out[udpOff+6:udpOff+8], 0)
	cs := udpChecksumV6(srcBytes, dstBytes, out[udpOff:])
	binary.BigEndian.PutUint16(out[udpOff+6:udpOff+8], cs)

	return out, nil
}

// ipv4HeaderChecksum computes the one's-complement-of-one's-complement-sum
// IPv4 header checksum (RFC 791 Section 3.1).
func ipv4HeaderChecksum(hdr []byte) uint16 {
	return onesComplementSum(hdr)
}

// udpChecksumV6 computes the UDP checksum over the IPv6 pseudo-header
// plus the UDP segment (RFC 2460 Section 8.1, RFC 768).
func udpChecksumV6(src, dst [16]byte, udpSegment []byte) uint16 {
	pseudo := make([]byte, 40+len(udpSegment))
	copy(pseudo[0:16], src[:])
	copy(pseudo[16:32], dst[:])
	binary.BigEndian.PutUint32(pseudo[32:36], uint32(len(udpSegment)))
	pseudo[39] = protoUDP
	copy(pseudo[40:], udpSegment)

	sum := onesComplementSum(pseudo)
	if sum == 0 {
		// RFC 2460 Section 8.1: "If that computation yields a result of
		// zero, it must be changed to hex FFFF".
		return 0xFFFF
	}
	return sum
}

// onesComplementSum folds buf as 16-bit big-endian words (RFC 1071) and
// returns the one's complement of the sum. An odd trailing byte is padded
// with a zero low byte.
func onesComplementSum(buf []byte) uint16 {
	var sum uint32
	n := len(buf)
	for i := 0; i+1 < n; i += 2 {
		sum += uint32(binary.BigEndian.Uint16(buf[i : i+2]))
	}
	if n%2 == 1 {
		sum += uint32(buf[n-1]) << 8
	}
	for (sum >> 16) != 0 {
		sum = (sum & 0xFFFF) + (sum >> 16)
	}
	return ^uint16(sum)
}
