package udptransport

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/bfdproto/gobfd/internal/bfd"
)

// -------------------------------------------------------------------------
// Interface to the BFD state machine — spec.md §6.
//
// spec.md §1 treats the BFD control state machine (3-way handshake,
// Poll/Final negotiation, detection-time expiry, authentication crypto)
// as an external collaborator and puts its internals out of scope. This
// file is the seam: StateMachine names exactly the operations spec.md §6
// lists, and bsPool is the one concrete implementation, built on top of
// the teacher's FSM (internal/bfd/fsm.go), wire codec
// (internal/bfd/packet.go), authentication (internal/bfd/auth.go) and
// discriminator allocator (internal/bfd/discriminator.go) — none of
// which this package reimplements.
//
// Unlike internal/bfd.Session (one goroutine + timers per session), the
// state machine here runs synchronously: spec.md §5 describes a
// run-to-completion packet-processing runtime with no in-flight
// suspension, so GetSession/ConsumePkt/etc. are plain function calls made
// by the ingress demultiplexer and lifecycle manager under the coarse
// BFD lock (§5). bsEntry reuses bfd.ApplyEvent as a pure function exactly
// the way bfd.Session does, just without the owning goroutine.
// -------------------------------------------------------------------------

// SessionParams are the timing/auth parameters carried into GetSession and
// SetParams, named after the wire fields they seed (spec.md §4.7 add()).
type SessionParams struct {
	DesiredMinTxUs  uint32
	RequiredMinRxUs uint32
	DetectMult      uint8
}

// StateMachine is the external BFD control state machine collaborator
// (spec.md §6). All bsIdx values are dense indices into the state
// machine's own session pool (spec.md glossary: bs_idx).
type StateMachine interface {
	// GetSession allocates a new session descriptor with a fresh local
	// discriminator. Returns ErrResourceExhausted if no slots remain.
	GetSession(params SessionParams) (bsIdx uint32, err error)

	// PutSession returns a session descriptor to the pool.
	PutSession(bsIdx uint32)

	// FindByIdx returns the session descriptor at bsIdx.
	FindByIdx(bsIdx uint32) (*bsEntry, bool)

	// FindByDisc returns the bs_idx whose local discriminator is disc.
	FindByDisc(disc uint32) (bsIdx uint32, ok bool)

	// SetParams updates the session's negotiated timing parameters.
	SetParams(bsIdx uint32, params SessionParams) error

	// Start transitions the session out of AdminDown into Down, allowing
	// it to begin the 3-way handshake.
	Start(bsIdx uint32) error

	// Stop administratively disables the session (spec.md RFC 5880
	// Section 6.8.16: state AdminDown, diag AdministrativelyDown).
	Stop(bsIdx uint32) error

	// SetFlags sets the session admin state without tearing it down.
	SetFlags(bsIdx uint32, up bool) error

	// VerifyPktCommon runs RFC 5880 Section 6.8.6 steps 1-7 common
	// validation (version, length, detect mult, discriminators, reserved
	// bits) and returns the matching transport classification.
	VerifyPktCommon(wire []byte) (pkt *bfd.ControlPacket, class Classification)

	// VerifyPktAuth checks packet authentication, if configured for bsIdx.
	VerifyPktAuth(bsIdx uint32, pkt *bfd.ControlPacket, wire []byte) bool

	// ConsumePkt hands a validated, authenticated packet to the FSM and
	// applies the resulting state transition and actions.
	ConsumePkt(bsIdx uint32, pkt *bfd.ControlPacket) Classification

	// ConsumeEcho reports whether buf is a cookie the state machine
	// recognizes as one of its own previously transmitted echo packets.
	ConsumeEcho(buf []byte) (bsIdx uint32, ok bool)

	// PrepareEcho returns the identifying cookie to stamp into an
	// outgoing echo packet for bsIdx, registering it so a later
	// ConsumeEcho call recognizes the reflection.
	PrepareEcho(bsIdx uint32) (cookie uint32, err error)

	// InitFinalControlFrame writes a control frame with the Final bit set
	// (and Poll clear) for bsIdx into an empty buffer, sized for the
	// buffer's current negotiated parameters.
	InitFinalControlFrame(bsIdx uint32) ([]byte, error)

	// AuthActivate enables authentication for bsIdx. If delayed, the
	// change takes effect on the next Poll Sequence rather than
	// immediately (RFC 5880 Section 6.7.1).
	AuthActivate(bsIdx uint32, keys bfd.AuthKeyStore, auth bfd.Authenticator, delayed bool) error

	// AuthDeactivate disables authentication for bsIdx.
	AuthDeactivate(bsIdx uint32, delayed bool) error
}

// -------------------------------------------------------------------------
// bsEntry — one session descriptor
// -------------------------------------------------------------------------

// bsEntry is the state machine's view of a single session: FSM state plus
// the RFC 5880 Section 6.8.1 variables needed to compute it. All access is
// serialized by the coarse BFD lock (bsPool.mu); there is no separate
// locking inside bsEntry.
type bsEntry struct {
	localDiscr  uint32
	remoteDiscr uint32

	state       bfd.State
	remoteState bfd.State
	diag        bfd.Diag

	desiredMinTx  uint32 // microseconds
	requiredMinRx uint32 // microseconds
	remoteMinRx   uint32 // microseconds, init 1 per RFC 5880 Section 6.8.1
	remoteDesMin  uint32
	detectMult    uint8
	remoteDetMult uint8

	pollActive   bool
	pendingFinal bool

	auth      bfd.Authenticator
	authKeys  bfd.AuthKeyStore
	authState *bfd.AuthState

	echoCookie uint32 // opaque self-identifying value for echo demux
}

// LocalDiscriminator returns the session's own discriminator, as seeded
// by GetSession.
func (e *bsEntry) LocalDiscriminator() uint32 { return e.localDiscr }

// CurrentState returns the session's current FSM state.
func (e *bsEntry) CurrentState() bfd.State { return e.state }

// -------------------------------------------------------------------------
// bsPool — in-process arena implementing StateMachine
// -------------------------------------------------------------------------

// bsPool is a slotmap-style arena (spec.md Design Notes §9: "use an
// arena/slotmap with stable indices"). Index 0 is never issued so that 0
// can keep meaning "absent" the way bfd.ControlPacket.YourDiscriminator
// does.
type bsPool struct {
	mu      sync.Mutex
	entries []*bsEntry // entries[0] always nil
	free    []uint32
	byDisc  map[uint32]uint32 // localDiscr -> bsIdx
	discrs  *bfd.DiscriminatorAllocator
	logger  *slog.Logger
}

// newBsPool creates an empty state-machine arena.
func newBsPool(logger *slog.Logger) *bsPool {
	return &bsPool{
		entries: []*bsEntry{nil},
		byDisc:  make(map[uint32]uint32),
		discrs:  bfd.NewDiscriminatorAllocator(),
		logger:  logger.With(slog.String("component", "udptransport.statemachine")),
	}
}

func (p *bsPool) GetSession(params SessionParams) (uint32, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	discr, err := p.discrs.Allocate()
	if err != nil {
		return 0, fmt.Errorf("allocate session: %w", errors.Join(ErrResourceExhausted, err))
	}

	e := &bsEntry{
		localDiscr:    discr,
		state:         bfd.StateDown,
		remoteState:   bfd.StateDown,
		diag:          bfd.DiagNone,
		desiredMinTx:  params.DesiredMinTxUs,
		requiredMinRx: params.RequiredMinRxUs,
		remoteMinRx:   1,
		detectMult:    params.DetectMult,
	}

	var bsIdx uint32
	if n := len(p.free); n > 0 {
		bsIdx = p.free[n-1]
		p.free = p.free[:n-1]
		p.entries[bsIdx] = e
	} else {
		bsIdx = uint32(len(p.entries)) //nolint:gosec // G115: bounded by session count
		p.entries = append(p.entries, e)
	}

	p.byDisc[discr] = bsIdx
	return bsIdx, nil
}

func (p *bsPool) PutSession(bsIdx uint32) {
	p.mu.Lock()
	defer p.mu.Unlock()

	e := p.at(bsIdx)
	if e == nil {
		return
	}
	delete(p.byDisc, e.localDiscr)
	p.discrs.Release(e.localDiscr)
	p.entries[bsIdx] = nil
	p.free = append(p.free, bsIdx)
}

// at returns the entry at bsIdx without locking; callers hold p.mu.
func (p *bsPool) at(bsIdx uint32) *bsEntry {
	if bsIdx == 0 || int(bsIdx) >= len(p.entries) {
		return nil
	}
	return p.entries[bsIdx]
}

func (p *bsPool) FindByIdx(bsIdx uint32) (*bsEntry, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e := p.at(bsIdx)
	return e, e != nil
}

func (p *bsPool) FindByDisc(disc uint32) (uint32, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	bsIdx, ok := p.byDisc[disc]
	return bsIdx, ok
}

func (p *bsPool) SetParams(bsIdx uint32, params SessionParams) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	e := p.at(bsIdx)
	if e == nil {
		return fmt.Errorf("set params bs_idx %d: %w", bsIdx, ErrNotFound)
	}
	e.desiredMinTx = params.DesiredMinTxUs
	e.requiredMinRx = params.RequiredMinRxUs
	e.detectMult = params.DetectMult
	return nil
}

func (p *bsPool) Start(bsIdx uint32) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	e := p.at(bsIdx)
	if e == nil {
		return fmt.Errorf("start bs_idx %d: %w", bsIdx, ErrNotFound)
	}
	e.state = bfd.StateDown
	e.diag = bfd.DiagNone
	return nil
}

func (p *bsPool) Stop(bsIdx uint32) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	e := p.at(bsIdx)
	if e == nil {
		return fmt.Errorf("stop bs_idx %d: %w", bsIdx, ErrNotFound)
	}
	e.state = bfd.StateAdminDown
	e.diag = bfd.DiagAdminDown
	e.pendingFinal = false
	return nil
}

func (p *bsPool) SetFlags(bsIdx uint32, up bool) error {
	if up {
		return p.Start(bsIdx)
	}
	return p.Stop(bsIdx)
}

// VerifyPktCommon implements RFC 5880 Section 6.8.6 steps 1-7 by
// delegating to the teacher's wire codec, which already enforces version,
// length, detect-mult-nonzero, multipoint-clear and discriminator rules
// at unmarshal time.
func (p *bsPool) VerifyPktCommon(wire []byte) (*bfd.ControlPacket, Classification) {
	if len(wire) < bfd.HeaderSize {
		return nil, ClassBad
	}
	pkt := &bfd.ControlPacket{}
	if err := bfd.UnmarshalControlPacket(wire, pkt); err != nil {
		return nil, ClassBad
	}
	return pkt, ClassNone
}

func (p *bsPool) VerifyPktAuth(bsIdx uint32, pkt *bfd.ControlPacket, wire []byte) bool {
	p.mu.Lock()
	e := p.at(bsIdx)
	p.mu.Unlock()
	if e == nil {
		return false
	}
	if pkt.AuthPresent != (e.auth != nil) {
		return false
	}
	if e.auth == nil {
		return true
	}
	if err := e.auth.Verify(e.authState, e.authKeys, pkt, wire, len(wire)); err != nil {
		p.logger.Debug("auth verification failed", slog.Uint64("bs_idx", uint64(bsIdx)))
		return false
	}
	return true
}

// ConsumePkt applies RFC 5880 Section 6.8.6 steps 8-18 via bfd.ApplyEvent,
// exactly as bfd.Session.handleRecvPacket does, minus the timer/goroutine
// bookkeeping that belongs to the (out of scope) FSM implementation detail
// of when packets get sent, which the ingress demultiplexer (§4.6 step 9)
// drives explicitly here.
func (p *bsPool) ConsumePkt(bsIdx uint32, pkt *bfd.ControlPacket) Classification {
	p.mu.Lock()
	defer p.mu.Unlock()

	e := p.at(bsIdx)
	if e == nil {
		return ClassNoSession
	}

	e.remoteDiscr = pkt.MyDiscriminator
	e.remoteState = pkt.State
	e.remoteMinRx = pkt.RequiredMinRxInterval
	e.remoteDesMin = pkt.DesiredMinTxInterval
	e.remoteDetMult = pkt.DetectMult

	if pkt.Poll {
		e.pendingFinal = true
	}

	result := bfd.ApplyEvent(e.state, bfd.RecvStateToEvent(pkt.State))
	if result.Changed {
		e.state = result.NewState
	}
	for _, action := range result.Actions {
		applyDiagAction(e, action)
	}

	return ClassNone
}

func applyDiagAction(e *bsEntry, action bfd.Action) {
	switch action {
	case bfd.ActionSetDiagTimeExpired:
		e.diag = bfd.DiagControlTimeExpired
	case bfd.ActionSetDiagNeighborDown:
		e.diag = bfd.DiagNeighborDown
	case bfd.ActionSetDiagAdminDown:
		e.diag = bfd.DiagAdminDown
	case bfd.ActionNotifyDown:
		e.remoteDiscr = 0
	case bfd.ActionSendControl, bfd.ActionNotifyUp:
		// Transmission and timer scheduling are driven by the ingress
		// demultiplexer / Session Lifecycle Manager (spec.md §4.6, §5),
		// not by the state machine itself.
	}
}

// ConsumeEcho reads the cookie embedded in an echo packet's first four
// bytes (the local discriminator, per VPP's bfd_echo_pkt_t layout: the
// echo payload is opaque to the peer, so the sender is free to stamp its
// own identifying value at the front and read it back unchanged on
// reflection) and reports whether it names a live session.
// PrepareEcho uses the session's local discriminator as the echo cookie,
// matching VPP's convention of stamping the session's own identity into
// the echo payload it expects to see reflected back unchanged.
func (p *bsPool) PrepareEcho(bsIdx uint32) (uint32, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e := p.at(bsIdx)
	if e == nil {
		return 0, fmt.Errorf("prepare echo bs_idx %d: %w", bsIdx, ErrNotFound)
	}
	e.echoCookie = e.localDiscr
	return e.echoCookie, nil
}

func (p *bsPool) ConsumeEcho(buf []byte) (uint32, bool) {
	if len(buf) < 4 {
		return 0, false
	}
	cookie := binary.BigEndian.Uint32(buf[0:4])
	p.mu.Lock()
	defer p.mu.Unlock()
	for idx, e := range p.entries {
		if e != nil && e.echoCookie != 0 && e.echoCookie == cookie {
			return uint32(idx), true //nolint:gosec // G115: bounded by arena size
		}
	}
	return 0, false
}

// InitFinalControlFrame writes a Final-bit-set reply for bsIdx (RFC 5880
// Section 6.5: "the receiving system MUST transmit a BFD Control packet
// with the Final (F) bit set as soon as practicable").
func (p *bsPool) InitFinalControlFrame(bsIdx uint32) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	e := p.at(bsIdx)
	if e == nil {
		return nil, fmt.Errorf("init final control frame bs_idx %d: %w", bsIdx, ErrNotFound)
	}

	pkt := bfd.ControlPacket{
		Version:               bfd.Version,
		Diag:                  e.diag,
		State:                 e.state,
		Final:                 true,
		DetectMult:            e.detectMult,
		MyDiscriminator:       e.localDiscr,
		YourDiscriminator:     e.remoteDiscr,
		DesiredMinTxInterval:  e.desiredMinTx,
		RequiredMinRxInterval: e.requiredMinRx,
	}
	e.pendingFinal = false

	buf := make([]byte, bfd.MaxPacketSize)
	n, err := bfd.MarshalControlPacket(&pkt, buf)
	if err != nil {
		return nil, fmt.Errorf("marshal final control frame: %w", err)
	}

	if e.auth != nil {
		if err := e.auth.Sign(e.authState, e.authKeys, &pkt, buf, n); err != nil {
			return nil, fmt.Errorf("sign final control frame: %w", err)
		}
	}

	return buf[:n], nil
}

func (p *bsPool) AuthActivate(bsIdx uint32, keys bfd.AuthKeyStore, auth bfd.Authenticator, delayed bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	e := p.at(bsIdx)
	if e == nil {
		return fmt.Errorf("auth activate bs_idx %d: %w", bsIdx, ErrNotFound)
	}
	// Delayed activation (RFC 5880 Section 6.7.1) would defer this until
	// the next Poll Sequence completes; the transport has no outstanding
	// Poll Sequence bookkeeping of its own so activation is immediate in
	// both cases -- callers that need the delayed behavior drive a Poll
	// Sequence themselves before calling with delayed=true.
	_ = delayed
	as, err := bfd.NewAuthState(bfd.AuthTypeNone)
	if err != nil {
		return fmt.Errorf("auth activate bs_idx %d: %w", bsIdx, err)
	}
	e.auth = auth
	e.authKeys = keys
	e.authState = as
	return nil
}

func (p *bsPool) AuthDeactivate(bsIdx uint32, _ bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	e := p.at(bsIdx)
	if e == nil {
		return fmt.Errorf("auth deactivate bs_idx %d: %w", bsIdx, ErrNotFound)
	}
	e.auth = nil
	e.authKeys = nil
	e.authState = nil
	return nil
}

var _ StateMachine = (*bsPool)(nil)
