package bfd

import "net/netip"

// MetricsReporter is the metrics sink used by Session, EchoSession and
// Manager. internal/metrics.Collector implements it; callers that don't
// want metrics can pass a no-op implementation instead of nil (Session,
// EchoSession and Manager all call into it unconditionally once set via
// WithMetrics / WithEchoMetrics / WithManagerMetrics).
type MetricsReporter interface {
	// RegisterSession records a new active session for peer/local/type.
	RegisterSession(peer, local netip.Addr, sessionType string)

	// UnregisterSession records a session going away for peer/local/type.
	UnregisterSession(peer, local netip.Addr, sessionType string)

	// IncPacketsSent records one BFD Control (or Echo) packet transmitted.
	IncPacketsSent(peer, local netip.Addr)

	// IncPacketsReceived records one BFD Control (or Echo) packet received.
	IncPacketsReceived(peer, local netip.Addr)

	// IncPacketsDropped records one packet dropped before reaching the FSM.
	IncPacketsDropped(peer, local netip.Addr)

	// RecordStateTransition records an FSM state change from -> to.
	RecordStateTransition(peer, local netip.Addr, from, to string)

	// IncAuthFailures records one authentication verification failure.
	IncAuthFailures(peer, local netip.Addr)
}

// noopMetrics is used when no MetricsReporter is configured.
type noopMetrics struct{}

func (noopMetrics) RegisterSession(netip.Addr, netip.Addr, string)     {}
func (noopMetrics) UnregisterSession(netip.Addr, netip.Addr, string)   {}
func (noopMetrics) IncPacketsSent(netip.Addr, netip.Addr)              {}
func (noopMetrics) IncPacketsReceived(netip.Addr, netip.Addr)          {}
func (noopMetrics) IncPacketsDropped(netip.Addr, netip.Addr)           {}
func (noopMetrics) RecordStateTransition(netip.Addr, netip.Addr, string, string) {}
func (noopMetrics) IncAuthFailures(netip.Addr, netip.Addr)             {}
