package udptransport

import (
	"fmt"
	"net/netip"
)

// AllOnesIfIndex is the sentinel sw_if_index used for multi-hop sessions,
// which are not bound to a specific interface (spec.md §3).
const AllOnesIfIndex uint32 = 0xFFFFFFFF

// HopType distinguishes single-hop (RFC 5881) from multi-hop (RFC 5883)
// UDP sessions.
type HopType uint8

const (
	// HopSingle is a single-hop BFD session, TTL-guarded (GTSM).
	HopSingle HopType = iota + 1
	// HopMulti is a multi-hop BFD session reached via IP lookup.
	HopMulti
)

// String returns the human-readable hop type name.
func (h HopType) String() string {
	switch h {
	case HopSingle:
		return "SingleHop"
	case HopMulti:
		return "MultiHop"
	default:
		return "Unknown"
	}
}

// Transport distinguishes the IP version a UDP session runs over.
type Transport uint8

const (
	// TransportUDP4 is a BFD-over-UDP/IPv4 session.
	TransportUDP4 Transport = iota + 1
	// TransportUDP6 is a BFD-over-UDP/IPv6 session.
	TransportUDP6
)

// String returns the human-readable transport name.
func (t Transport) String() string {
	switch t {
	case TransportUDP4:
		return "UDP4"
	case TransportUDP6:
		return "UDP6"
	default:
		return "Unknown"
	}
}

// SessionKey identifies a UDP session by (sw_if_index, local_addr,
// peer_addr), per spec.md §3.
//
// Equality is bitwise over the zero-initialized structure: NewSessionKey
// MUST zero the entire value before populating fields so two keys built
// from equivalent inputs always compare equal, including when used as a
// Go map key (struct equality is field-by-field, which is exact here
// because every field is a value type with no padding-sensitive layout).
type SessionKey struct {
	SwIfIndex uint32
	LocalAddr netip.Addr
	PeerAddr  netip.Addr
}

// NewSessionKey builds a canonical SessionKey. swIfIndex should be
// AllOnesIfIndex for multi-hop sessions. Addresses are normalized to their
// 4-in-6 unmapped form via netip.Addr.Unmap so that a v4-mapped v6 address
// and its plain v4 form hash identically (spec.md §3: "v4 stored in low
// 32 bits with the canonical v4-mapped layout" — netip.Addr already keeps
// a single canonical representation per address, so Unmap is sufficient
// to guarantee that canonical form here).
func NewSessionKey(swIfIndex uint32, local, peer netip.Addr) SessionKey {
	return SessionKey{
		SwIfIndex: swIfIndex,
		LocalAddr: local.Unmap(),
		PeerAddr:  peer.Unmap(),
	}
}

// String renders the key for logs and error messages.
func (k SessionKey) String() string {
	return fmt.Sprintf("if=%s local=%s peer=%s", ifIndexString(k.SwIfIndex), k.LocalAddr, k.PeerAddr)
}

func ifIndexString(idx uint32) string {
	if idx == AllOnesIfIndex {
		return "*"
	}
	return fmt.Sprintf("%d", idx)
}

// -------------------------------------------------------------------------
// SessionTable — §4.1 Session Key & Table
// -------------------------------------------------------------------------

// SessionTable maps SessionKey to the external state machine's dense
// bs_idx. A second index, keyed by local discriminator, is owned by the
// state machine itself (spec.md §3); SessionTable only holds the primary
// by-key index used for tier-2 demux lookups (§4.6 step 5).
type SessionTable struct {
	byKey map[SessionKey]uint32
}

// NewSessionTable creates an empty session table.
func NewSessionTable() *SessionTable {
	return &SessionTable{byKey: make(map[SessionKey]uint32)}
}

// Insert adds key -> bsIdx. Returns ErrDuplicate if key is already present
// (spec.md §4.1, invariant I1).
func (t *SessionTable) Insert(key SessionKey, bsIdx uint32) error {
	if _, exists := t.byKey[key]; exists {
		return fmt.Errorf("insert session key %s: %w", key, ErrDuplicate)
	}
	t.byKey[key] = bsIdx
	return nil
}

// Lookup returns the bs_idx registered for key, if any.
func (t *SessionTable) Lookup(key SessionKey) (uint32, bool) {
	bsIdx, ok := t.byKey[key]
	return bsIdx, ok
}

// Remove deletes key from the table. Idempotent: removing an absent key
// is not an error.
func (t *SessionTable) Remove(key SessionKey) {
	delete(t.byKey, key)
}

// Len returns the number of live sessions in the table.
func (t *SessionTable) Len() int {
	return len(t.byKey)
}
