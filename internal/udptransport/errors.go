// Package udptransport implements the UDP transport boundary for BFD
// (RFC 5880 / 5881 / 5883): session binding, packet encapsulation,
// ingress demultiplexing, and session-table lifecycle. The BFD control
// state machine itself is treated as an external collaborator reached
// through the StateMachine interface in collaborator.go.
package udptransport

import "errors"

// -------------------------------------------------------------------------
// Admission errors — returned by Session Lifecycle Manager operations.
// -------------------------------------------------------------------------

var (
	// ErrInvalidArgument indicates a malformed request (zero detect mult,
	// non-positive min TX interval, mismatched address families, ...).
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrInvalidInterface indicates sw_if_index does not name a known
	// interface (required for single-hop sessions).
	ErrInvalidInterface = errors.New("invalid interface")

	// ErrAddressFamilyMismatch indicates local_addr and peer_addr are not
	// both IPv4 or both IPv6.
	ErrAddressFamilyMismatch = errors.New("address family mismatch")

	// ErrDuplicate indicates a session already exists for the given key.
	// Surfaced to callers as BfdEExist.
	ErrDuplicate = errors.New("duplicate session key")

	// ErrNotFound indicates no session/interface/echo-source exists for the
	// given key. Surfaced to callers as BfdENoEnt.
	ErrNotFound = errors.New("not found")

	// ErrResourceExhausted indicates the external state machine has no
	// session slots available. Surfaced to callers as BfdEAgain.
	ErrResourceExhausted = errors.New("resource exhausted")

	// ErrNoEchoSource indicates an echo packet cannot be encapsulated
	// because no echo source interface/address is available.
	ErrNoEchoSource = errors.New("no echo source available")
)

// -------------------------------------------------------------------------
// Datagram classifications — §4.6 error taxonomy, one counter each.
// -------------------------------------------------------------------------

// Classification is the outcome of processing one ingress datagram.
// Every datagram produces exactly one classification (spec.md §4.6).
type Classification uint8

const (
	// ClassNone indicates the datagram passed every check and was handed
	// to the BFD state machine.
	ClassNone Classification = iota

	// ClassBad indicates a malformed datagram: too short, bad header
	// offsets, or a UDP payload/length mismatch on the IPv6 path.
	ClassBad

	// ClassLength indicates the BFD length field does not fit inside the
	// UDP payload (IPv4 path; IPv6 folds this into ClassBad).
	ClassLength

	// ClassNoSession indicates no session matched the datagram by
	// discriminator or by 4-tuple.
	ClassNoSession

	// ClassFailedVerification indicates BFD authentication failed.
	ClassFailedVerification

	// ClassSrcMismatch indicates the datagram's source address does not
	// equal the session's configured peer address.
	ClassSrcMismatch

	// ClassDstMismatch indicates the datagram's destination address does
	// not equal the session's configured local address.
	ClassDstMismatch

	// ClassTTL indicates a single-hop datagram was received with
	// TTL/hop-limit != 255.
	ClassTTL
)

// String returns the counter name used to report this classification.
func (c Classification) String() string {
	switch c {
	case ClassNone:
		return "None"
	case ClassBad:
		return "Bad"
	case ClassLength:
		return "Length"
	case ClassNoSession:
		return "NoSession"
	case ClassFailedVerification:
		return "FailedVerification"
	case ClassSrcMismatch:
		return "SrcMismatch"
	case ClassDstMismatch:
		return "DstMismatch"
	case ClassTTL:
		return "Ttl"
	default:
		return "Unknown"
	}
}
