package udptransport

import "sync/atomic"

// -------------------------------------------------------------------------
// Counters — spec.md §3, §5 ("lock-free per-thread counters").
//
// Every counter here is a plain atomic.Uint64: increments never take the
// coarse BFD lock (§5 "multiple worker threads ... lock-free per-thread
// counters"). Snapshot reads are eventually consistent, which is the
// contract spec.md describes for stats consumers.
// -------------------------------------------------------------------------

// SessionCounters holds the per-session packet/byte counters named in
// spec.md §3 UdpSession: control-plane rx/tx and echo rx/tx, each with a
// packet count and a byte count.
type SessionCounters struct {
	RxPackets     atomic.Uint64
	RxBytes       atomic.Uint64
	TxPackets     atomic.Uint64
	TxBytes       atomic.Uint64
	RxEchoPackets atomic.Uint64
	RxEchoBytes   atomic.Uint64
	TxEchoPackets atomic.Uint64
	TxEchoBytes   atomic.Uint64
}

// AddRx records one received control packet of n bytes.
func (c *SessionCounters) AddRx(n int) {
	c.RxPackets.Add(1)
	c.RxBytes.Add(uint64(n)) //nolint:gosec // G115: datagram length, never negative
}

// AddTx records one transmitted control packet of n bytes.
func (c *SessionCounters) AddTx(n int) {
	c.TxPackets.Add(1)
	c.TxBytes.Add(uint64(n)) //nolint:gosec // G115: datagram length, never negative
}

// AddRxEcho records one received echo packet of n bytes.
func (c *SessionCounters) AddRxEcho(n int) {
	c.RxEchoPackets.Add(1)
	c.RxEchoBytes.Add(uint64(n)) //nolint:gosec // G115: datagram length, never negative
}

// AddTxEcho records one transmitted echo packet of n bytes.
func (c *SessionCounters) AddTxEcho(n int) {
	c.TxEchoPackets.Add(1)
	c.TxEchoBytes.Add(uint64(n)) //nolint:gosec // G115: datagram length, never negative
}

// SessionCountersSnapshot is a point-in-time, non-atomic copy of
// SessionCounters suitable for logging or RPC responses.
type SessionCountersSnapshot struct {
	RxPackets, RxBytes         uint64
	TxPackets, TxBytes         uint64
	RxEchoPackets, RxEchoBytes uint64
	TxEchoPackets, TxEchoBytes uint64
}

// Snapshot reads every field without synchronizing with concurrent writers
// beyond the atomicity each individual Load already provides.
func (c *SessionCounters) Snapshot() SessionCountersSnapshot {
	return SessionCountersSnapshot{
		RxPackets:     c.RxPackets.Load(),
		RxBytes:       c.RxBytes.Load(),
		TxPackets:     c.TxPackets.Load(),
		TxBytes:       c.TxBytes.Load(),
		RxEchoPackets: c.RxEchoPackets.Load(),
		RxEchoBytes:   c.RxEchoBytes.Load(),
		TxEchoPackets: c.TxEchoPackets.Load(),
		TxEchoBytes:   c.TxEchoBytes.Load(),
	}
}

// -------------------------------------------------------------------------
// ClassificationCounters — one counter per Datagram classification (§4.6,
// §7), the transport-wide equivalent of the teacher's PacketsDropped /
// PacketsReceived prometheus counters but broken out by exact cause.
// -------------------------------------------------------------------------

const numClassifications = int(ClassTTL) + 1

// ClassificationCounters tallies ingress datagrams by outcome.
type ClassificationCounters struct {
	counts [numClassifications]atomic.Uint64
}

// Inc records one datagram classified as c.
func (cc *ClassificationCounters) Inc(c Classification) {
	if int(c) >= len(cc.counts) {
		return
	}
	cc.counts[c].Add(1)
}

// Snapshot returns the current count for every classification, keyed by
// its String() name.
func (cc *ClassificationCounters) Snapshot() map[string]uint64 {
	out := make(map[string]uint64, len(cc.counts))
	for i := range cc.counts {
		out[Classification(i).String()] = cc.counts[i].Load() //nolint:gosec // G115: i bounded by array length
	}
	return out
}
