package udptransport

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
)

// -------------------------------------------------------------------------
// Port Registry — spec.md §4.2.
//
// VPP's bfd_udp_main_t keeps six plain counters (udp4_sh_sessions_count,
// udp6_sh_sessions_count, udp4_echo_sessions_count, ...) and registers the
// corresponding well-known port with the host UDP demux only on the 0->1
// transition, unregistering only on the 1->0 transition. portregistry.go
// reproduces that exactly instead of registering/unregistering per
// session, which would be wrong the moment a second session on the same
// family/kind exists (spec.md Design Notes §9).
// -------------------------------------------------------------------------

// PortEchoSingleHop is the destination UDP port for single-hop BFD Echo
// packets. RFC 5881/5883 fix the control ports (3784, 4784); the echo
// port is not standardized by IANA the same way, but every common BFD
// implementation (including VPP) uses 3785.
const PortEchoSingleHop uint16 = 3785

// portKind distinguishes the three registrable BFD UDP port roles.
type portKind uint8

const (
	portKindControlSingleHop portKind = iota
	portKindControlMultiHop
	portKindEchoSingleHop
	numPortKinds
)

func (k portKind) port() uint16 {
	switch k {
	case portKindControlSingleHop:
		return portControlSingleHop
	case portKindControlMultiHop:
		return portControlMultiHop
	case portKindEchoSingleHop:
		return PortEchoSingleHop
	default:
		return 0
	}
}

func (k portKind) node(isV4 bool) string {
	suffix := "6"
	if isV4 {
		suffix = "4"
	}
	switch k {
	case portKindControlSingleHop:
		return "bfd" + suffix + "-udp-input"
	case portKindControlMultiHop:
		return "bfd" + suffix + "-udp-mh-input"
	case portKindEchoSingleHop:
		return "bfd" + suffix + "-udp-echo-input"
	default:
		return "bfd" + suffix + "-udp-input"
	}
}

func (k portKind) String() string {
	switch k {
	case portKindControlSingleHop:
		return "control-sh"
	case portKindControlMultiHop:
		return "control-mh"
	case portKindEchoSingleHop:
		return "echo-sh"
	default:
		return "unknown"
	}
}

// The control ports are re-declared locally (rather than imported from
// netio, which would create an import cycle: netio adapts PortRegistry's
// UDPDemux implementation and therefore must not be imported by it)
// matching RFC 5881 Section 4 / RFC 5883 Section 2 exactly.
const (
	portControlSingleHop uint16 = 3784
	portControlMultiHop  uint16 = 4784
)

// slot is one of the six (family x kind) reference-counted registrations.
type slot struct {
	refs uint32
}

// noGauge marks a (family, kind) slot with no registered gauge, either
// because no GaugeSink was supplied or because AddGauge failed.
const noGauge = -1

// PortRegistry reference-counts registration of the well-known BFD ports
// against the host UDP demux, keyed by address family x port kind, so the
// demux only ever sees one register/unregister pair per (family, kind)
// regardless of how many sessions share it (spec.md §4.2, invariant I3).
type PortRegistry struct {
	mu       sync.Mutex
	slots    [2][numPortKinds]slot // [0]=v4, [1]=v6
	demux    UDPDemux
	gauges   GaugeSink
	gaugeIDs [2][numPortKinds]int
	logger   *slog.Logger
}

// NewPortRegistry creates a PortRegistry backed by demux. gauges may be
// nil, in which case registration-state gauges are not reported. When
// gauges is non-nil, one gauge per (family, kind) slot is registered up
// front and kept in lockstep with the slot's reference count (spec.md §3
// "session counts", testable property P3) by Acquire/Release.
func NewPortRegistry(demux UDPDemux, gauges GaugeSink, logger *slog.Logger) *PortRegistry {
	r := &PortRegistry{
		demux:  demux,
		gauges: gauges,
		logger: logger.With(slog.String("component", "udptransport.portregistry")),
	}
	for fam := range r.gaugeIDs {
		for kind := range r.gaugeIDs[fam] {
			r.gaugeIDs[fam][kind] = noGauge
		}
	}
	if gauges == nil {
		return r
	}
	for fam := 0; fam < 2; fam++ {
		isV4 := fam == 0
		for kind := portKind(0); int(kind) < int(numPortKinds); kind++ {
			id, err := gauges.AddGauge(gaugeName(isV4, kind))
			if err != nil {
				r.logger.Warn("failed to register port registry gauge", slog.String("kind", kind.String()), slog.Bool("v4", isV4), slog.Any("error", err))
				continue
			}
			r.gaugeIDs[fam][kind] = id
		}
	}
	return r
}

// gaugeName derives a Prometheus-safe gauge name for a (family, kind) slot,
// e.g. "sessions_control_sh_v4".
func gaugeName(isV4 bool, kind portKind) string {
	suffix := "v6"
	if isV4 {
		suffix = "v4"
	}
	slug := strings.ReplaceAll(kind.String(), "-", "_")
	return fmt.Sprintf("sessions_%s_%s", slug, suffix)
}

// setGauge reports the current reference count for (isV4, kind) to the
// gauge sink, if one is registered for that slot. Callers hold r.mu.
func (r *PortRegistry) setGauge(isV4 bool, kind portKind, refs uint32) {
	if r.gauges == nil {
		return
	}
	id := r.gaugeIDs[familyIndex(isV4)][kind]
	if id == noGauge {
		return
	}
	r.gauges.SetGauge(id, float64(refs))
}

func familyIndex(isV4 bool) int {
	if isV4 {
		return 0
	}
	return 1
}

// Acquire increments the reference count for (isV4, kind), registering
// the port with the host demux on the 0->1 transition.
func (r *PortRegistry) Acquire(isV4 bool, kind portKind) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := &r.slots[familyIndex(isV4)][kind]
	if s.refs == 0 {
		if err := r.demux.RegisterDstPort(kind.port(), kind.node(isV4), isV4); err != nil {
			return fmt.Errorf("register port %d (%s, v4=%t): %w", kind.port(), kind, isV4, err)
		}
		r.logger.Debug("registered BFD port", slog.Uint64("port", uint64(kind.port())), slog.Bool("v4", isV4), slog.String("kind", kind.String()))
	}
	s.refs++
	r.setGauge(isV4, kind, s.refs)
	return nil
}

// Release decrements the reference count for (isV4, kind), unregistering
// the port on the 1->0 transition. Releasing an already-zero slot is a
// defect in the caller (the session lifecycle never does this as long as
// Acquire/Release are paired per session) and is reported but otherwise
// ignored, matching VPP's unsigned counters never going negative.
func (r *PortRegistry) Release(isV4 bool, kind portKind) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := &r.slots[familyIndex(isV4)][kind]
	if s.refs == 0 {
		r.logger.Warn("release called on unregistered port slot", slog.String("kind", kind.String()), slog.Bool("v4", isV4))
		return nil
	}
	s.refs--
	if s.refs == 0 {
		if err := r.demux.UnregisterDstPort(kind.port(), isV4); err != nil {
			return fmt.Errorf("unregister port %d (%s, v4=%t): %w", kind.port(), kind, isV4, err)
		}
		r.logger.Debug("unregistered BFD port", slog.Uint64("port", uint64(kind.port())), slog.Bool("v4", isV4), slog.String("kind", kind.String()))
	}
	r.setGauge(isV4, kind, s.refs)
	return nil
}

// RefCount returns the current reference count for (isV4, kind), for
// tests and introspection.
func (r *PortRegistry) RefCount(isV4 bool, kind portKind) uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.slots[familyIndex(isV4)][kind].refs
}
