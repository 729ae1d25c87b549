package udptransport

import (
	"fmt"
	"log/slog"
	"net/netip"
	"sync"

	"github.com/bfdproto/gobfd/internal/bfd"
)

// -------------------------------------------------------------------------
// Session Lifecycle Manager — spec.md §4.7.
//
// Grounded on VPP's bfd_udp_add_connection / bfd_udp_mod_session /
// bfd_udp_del_session / bfd_udp_auth_activate / bfd_udp_auth_deactivate /
// bfd_udp_sw_interface_up_down (original_source/src/vnet/bfd/bfd_udp.c):
// the same pre-admission checks (interface existence, address family
// match, single-hop-requires-interface), the same forced admin-down
// before teardown on interface removal, and the same single coarse lock
// serializing every mutation (spec.md §5, "the BFD lock").
// -------------------------------------------------------------------------

// AddParams is everything needed to admit a new UDP session (spec.md
// §4.7 add()).
type AddParams struct {
	Hop             HopType
	Transport       Transport
	SwIfIndex       uint32
	LocalAddr       netip.Addr
	PeerAddr        netip.Addr
	DesiredMinTxUs  uint32
	RequiredMinRxUs uint32
	DetectMult      uint8
}

// Session is a live UDP session as seen by callers of the Lifecycle
// Manager: its key plus the bs_idx the external state machine uses.
type Session struct {
	Key       SessionKey
	BsIdx     uint32
	Hop       HopType
	Transport Transport
	Adjacency AdjacencyHandle
	Counters  SessionCounters
}

// InterfaceValidator reports whether a sw_if_index names a known
// interface, needed by validateAdd (spec.md §1 treats interface
// existence as belonging to the surrounding system).
type InterfaceValidator interface {
	InterfaceExists(swIfIndex uint32) bool
}

// LifecycleManager implements add/update/modify/delete/set_admin_flags/
// auth_activate/auth_deactivate (spec.md §4.7) under a single coarse
// lock shared with the state machine and session table (spec.md §5).
type LifecycleManager struct {
	mu sync.Mutex

	table       *SessionTable
	sm          StateMachine
	ports       *PortRegistry
	demux       *Demux
	ifaces      InterfaceValidator
	adjacencies AdjacencyProvider
	sessions    map[uint32]*Session // bs_idx -> Session
	logger      *slog.Logger
}

// NewLifecycleManager creates a LifecycleManager wired to the given
// collaborators. adjacencies may be nil, in which case single-hop sessions
// are admitted without a held adjacency and fall back to plain IP lookup
// (spec.md invariant I2).
func NewLifecycleManager(table *SessionTable, sm StateMachine, ports *PortRegistry, demux *Demux, ifaces InterfaceValidator, adjacencies AdjacencyProvider, logger *slog.Logger) *LifecycleManager {
	return &LifecycleManager{
		table:       table,
		sm:          sm,
		ports:       ports,
		demux:       demux,
		ifaces:      ifaces,
		adjacencies: adjacencies,
		sessions:    make(map[uint32]*Session),
		logger:      logger.With(slog.String("component", "udptransport.lifecycle")),
	}
}

// acquireAdjacency resolves and locks an adjacency for a single-hop
// session (spec.md §4.7 add(): "acquire an adjacency for single-hop").
// Multi-hop sessions and a nil AdjacencyProvider both return AdjacencyNone,
// which the Forwarding Selector treats as "fall back to IP lookup" (spec.md
// invariant I2).
func (m *LifecycleManager) acquireAdjacency(p AddParams) (AdjacencyHandle, error) {
	if p.Hop != HopSingle || m.adjacencies == nil {
		return AdjacencyNone, nil
	}
	return m.adjacencies.Acquire(p.Transport, p.SwIfIndex, p.PeerAddr)
}

// releaseAdjacency unlocks handle if it names a held adjacency. Safe to
// call with AdjacencyNone or a nil AdjacencyProvider.
func (m *LifecycleManager) releaseAdjacency(handle AdjacencyHandle) {
	if handle == AdjacencyNone || m.adjacencies == nil {
		return
	}
	m.adjacencies.Release(handle)
}

// validateAdd reproduces bfd_udp_add_connection's pre-checks before the
// session pool is ever touched.
func (m *LifecycleManager) validateAdd(p AddParams) error {
	if p.DetectMult == 0 {
		return fmt.Errorf("detect multiplier must be nonzero: %w", ErrInvalidArgument)
	}
	if p.DesiredMinTxUs == 0 || p.RequiredMinRxUs == 0 {
		return fmt.Errorf("min tx/rx intervals must be nonzero: %w", ErrInvalidArgument)
	}
	if p.LocalAddr.Is4() != p.PeerAddr.Is4() {
		return fmt.Errorf("local=%s peer=%s: %w", p.LocalAddr, p.PeerAddr, ErrAddressFamilyMismatch)
	}
	wantV4 := p.LocalAddr.Is4()
	if (p.Transport == TransportUDP4) != wantV4 {
		return fmt.Errorf("transport %s does not match address family: %w", p.Transport, ErrInvalidArgument)
	}
	if p.Hop == HopSingle {
		if p.SwIfIndex == AllOnesIfIndex {
			return fmt.Errorf("single-hop session requires an interface: %w", ErrInvalidArgument)
		}
		if m.ifaces != nil && !m.ifaces.InterfaceExists(p.SwIfIndex) {
			return fmt.Errorf("sw_if_index %d: %w", p.SwIfIndex, ErrInvalidInterface)
		}
	}
	return nil
}

// Add creates a new UDP session (spec.md §4.7 add()): validates, acquires
// the port-registry slot for the session's family/hop/kind, allocates a
// state-machine session, binds the session key into the table, and
// starts the FSM in Down (RFC 5880 Section 6.8.6: a newly created session
// begins in state Down, not AdminDown, since it's immediately enabled).
func (m *LifecycleManager) Add(p AddParams) (*Session, error) {
	if err := m.validateAdd(p); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	swIfIndex := p.SwIfIndex
	if p.Hop == HopMulti {
		swIfIndex = AllOnesIfIndex
	}
	key := NewSessionKey(swIfIndex, p.LocalAddr, p.PeerAddr)
	if _, exists := m.table.Lookup(key); exists {
		return nil, fmt.Errorf("add session %s: %w", key, ErrDuplicate)
	}

	kind := controlPortKind(p.Hop)
	isV4 := p.Transport == TransportUDP4
	if err := m.ports.Acquire(isV4, kind); err != nil {
		return nil, fmt.Errorf("add session %s: %w", key, err)
	}

	adj, err := m.acquireAdjacency(p)
	if err != nil {
		_ = m.ports.Release(isV4, kind)
		return nil, fmt.Errorf("add session %s: acquire adjacency: %w", key, err)
	}

	bsIdx, err := m.sm.GetSession(SessionParams{
		DesiredMinTxUs:  p.DesiredMinTxUs,
		RequiredMinRxUs: p.RequiredMinRxUs,
		DetectMult:      p.DetectMult,
	})
	if err != nil {
		m.releaseAdjacency(adj)
		_ = m.ports.Release(isV4, kind)
		return nil, fmt.Errorf("add session %s: %w", key, err)
	}

	if err := m.table.Insert(key, bsIdx); err != nil {
		m.sm.PutSession(bsIdx)
		m.releaseAdjacency(adj)
		_ = m.ports.Release(isV4, kind)
		return nil, fmt.Errorf("add session %s: %w", key, err)
	}

	if err := m.sm.Start(bsIdx); err != nil {
		m.table.Remove(key)
		m.sm.PutSession(bsIdx)
		m.releaseAdjacency(adj)
		_ = m.ports.Release(isV4, kind)
		return nil, fmt.Errorf("add session %s: %w", key, err)
	}

	m.demux.BindSession(bsIdx, p.Hop, p.PeerAddr, p.LocalAddr)

	s := &Session{Key: key, BsIdx: bsIdx, Hop: p.Hop, Transport: p.Transport, Adjacency: adj}
	m.sessions[bsIdx] = s

	m.logger.Info("session added", slog.String("key", key.String()), slog.Uint64("bs_idx", uint64(bsIdx)))
	return s, nil
}

// Modify updates an existing session's negotiated timing parameters
// (spec.md §4.7 modify()).
func (m *LifecycleManager) Modify(bsIdx uint32, desiredMinTxUs, requiredMinRxUs uint32, detectMult uint8) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[bsIdx]; !ok {
		return fmt.Errorf("modify bs_idx %d: %w", bsIdx, ErrNotFound)
	}
	return m.sm.SetParams(bsIdx, SessionParams{
		DesiredMinTxUs:  desiredMinTxUs,
		RequiredMinRxUs: requiredMinRxUs,
		DetectMult:      detectMult,
	})
}

// SetAdminFlags sets a session's administrative state without deleting it
// (spec.md §4.7 set_admin_flags()).
func (m *LifecycleManager) SetAdminFlags(bsIdx uint32, up bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[bsIdx]; !ok {
		return fmt.Errorf("set admin flags bs_idx %d: %w", bsIdx, ErrNotFound)
	}
	return m.sm.SetFlags(bsIdx, up)
}

// Get returns the live session for bsIdx, for use by the ingress/egress
// path (spec.md §4.6 step 9, §4.5) when it needs the session's addresses,
// hop type or held adjacency to send a packet.
func (m *LifecycleManager) Get(bsIdx uint32) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[bsIdx]
	return s, ok
}

// Delete removes a session (spec.md §4.7 delete()): releases its
// port-registry slot, drops its table entry, and returns its state
// machine descriptor to the pool.
func (m *LifecycleManager) Delete(bsIdx uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.deleteLocked(bsIdx)
}

func (m *LifecycleManager) deleteLocked(bsIdx uint32) error {
	s, ok := m.sessions[bsIdx]
	if !ok {
		return fmt.Errorf("delete bs_idx %d: %w", bsIdx, ErrNotFound)
	}

	kind := controlPortKind(s.Hop)
	isV4 := s.Transport == TransportUDP4

	m.demux.UnbindSession(bsIdx)
	m.table.Remove(s.Key)
	m.sm.PutSession(bsIdx)
	m.releaseAdjacency(s.Adjacency)
	delete(m.sessions, bsIdx)

	if err := m.ports.Release(isV4, kind); err != nil {
		m.logger.Warn("failed to release port slot on delete", slog.Uint64("bs_idx", uint64(bsIdx)), slog.Any("error", err))
	}

	m.logger.Info("session deleted", slog.String("key", s.Key.String()), slog.Uint64("bs_idx", uint64(bsIdx)))
	return nil
}

// AuthActivate enables authentication on bsIdx (spec.md §4.7
// auth_activate()).
func (m *LifecycleManager) AuthActivate(bsIdx uint32, keys bfd.AuthKeyStore, auth bfd.Authenticator, delayed bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[bsIdx]; !ok {
		return fmt.Errorf("auth activate bs_idx %d: %w", bsIdx, ErrNotFound)
	}
	return m.sm.AuthActivate(bsIdx, keys, auth, delayed)
}

// AuthDeactivate disables authentication on bsIdx (spec.md §4.7
// auth_deactivate()).
func (m *LifecycleManager) AuthDeactivate(bsIdx uint32, delayed bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[bsIdx]; !ok {
		return fmt.Errorf("auth deactivate bs_idx %d: %w", bsIdx, ErrNotFound)
	}
	return m.sm.AuthDeactivate(bsIdx, delayed)
}

// HandleInterfaceRemoved mirrors bfd_udp_sw_interface_up_down: every
// single-hop session bound to swIfIndex is forced admin-down (so state
// consumers get a clean Down notification) and then deleted, rather than
// being torn down silently. Multi-hop sessions are unaffected; they are
// never bound to a specific interface (spec.md invariant I2).
func (m *LifecycleManager) HandleInterfaceRemoved(swIfIndex uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var toDelete []uint32
	for bsIdx, s := range m.sessions {
		if s.Hop == HopSingle && s.Key.SwIfIndex == swIfIndex {
			toDelete = append(toDelete, bsIdx)
		}
	}
	for _, bsIdx := range toDelete {
		if err := m.sm.Stop(bsIdx); err != nil {
			m.logger.Warn("failed to force admin-down before interface teardown", slog.Uint64("bs_idx", uint64(bsIdx)), slog.Any("error", err))
		}
		if err := m.deleteLocked(bsIdx); err != nil {
			m.logger.Warn("failed to delete session on interface removal", slog.Uint64("bs_idx", uint64(bsIdx)), slog.Any("error", err))
		}
	}
}

// controlPortKind maps a hop type to the control-plane port registry
// slot it occupies. Echo sessions register portKindEchoSingleHop
// independently via EchoSource/PortRegistry wiring in transport.go.
func controlPortKind(hop HopType) portKind {
	if hop == HopMulti {
		return portKindControlMultiHop
	}
	return portKindControlSingleHop
}
