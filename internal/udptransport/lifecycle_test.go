package udptransport_test

import (
	"errors"
	"net/netip"
	"testing"

	"github.com/bfdproto/gobfd/internal/udptransport"
)

type fakeIfaceValidator struct {
	known map[uint32]bool
}

func (f *fakeIfaceValidator) InterfaceExists(swIfIndex uint32) bool {
	return f.known[swIfIndex]
}

func newTestTransport(t *testing.T, known map[uint32]bool) *udptransport.Engine {
	t.Helper()
	return udptransport.New(udptransport.Deps{
		Demux:      newFakeDemux(),
		IfaceCheck: &fakeIfaceValidator{known: known},
	})
}

func TestLifecycleManagerAddAndDelete(t *testing.T) {
	t.Parallel()

	tr := newTestTransport(t, map[uint32]bool{1: true})
	params := udptransport.AddParams{
		Hop:             udptransport.HopSingle,
		Transport:       udptransport.TransportUDP4,
		SwIfIndex:       1,
		LocalAddr:       netip.MustParseAddr("192.0.2.1"),
		PeerAddr:        netip.MustParseAddr("192.0.2.2"),
		DesiredMinTxUs:  100000,
		RequiredMinRxUs: 100000,
		DetectMult:      3,
	}

	s, err := tr.Lifecycle.Add(params)
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if tr.SessionCount() != 1 {
		t.Fatalf("session count: got %d, want 1", tr.SessionCount())
	}

	if _, err := tr.Lifecycle.Add(params); !errors.Is(err, udptransport.ErrDuplicate) {
		t.Fatalf("expected duplicate add to fail with ErrDuplicate, got %v", err)
	}

	if err := tr.Lifecycle.Delete(s.BsIdx); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if tr.SessionCount() != 0 {
		t.Fatalf("session count after delete: got %d, want 0", tr.SessionCount())
	}

	if err := tr.Lifecycle.Delete(s.BsIdx); !errors.Is(err, udptransport.ErrNotFound) {
		t.Fatalf("expected second delete to fail with ErrNotFound, got %v", err)
	}
}

func TestLifecycleManagerRejectsUnknownInterface(t *testing.T) {
	t.Parallel()

	tr := newTestTransport(t, map[uint32]bool{})
	params := udptransport.AddParams{
		Hop:             udptransport.HopSingle,
		Transport:       udptransport.TransportUDP4,
		SwIfIndex:       9,
		LocalAddr:       netip.MustParseAddr("192.0.2.1"),
		PeerAddr:        netip.MustParseAddr("192.0.2.2"),
		DesiredMinTxUs:  100000,
		RequiredMinRxUs: 100000,
		DetectMult:      3,
	}

	if _, err := tr.Lifecycle.Add(params); !errors.Is(err, udptransport.ErrInvalidInterface) {
		t.Fatalf("got %v, want ErrInvalidInterface", err)
	}
}

func TestLifecycleManagerRejectsAddressFamilyMismatch(t *testing.T) {
	t.Parallel()

	tr := newTestTransport(t, map[uint32]bool{1: true})
	params := udptransport.AddParams{
		Hop:             udptransport.HopSingle,
		Transport:       udptransport.TransportUDP4,
		SwIfIndex:       1,
		LocalAddr:       netip.MustParseAddr("192.0.2.1"),
		PeerAddr:        netip.MustParseAddr("2001:db8::1"),
		DesiredMinTxUs:  100000,
		RequiredMinRxUs: 100000,
		DetectMult:      3,
	}

	if _, err := tr.Lifecycle.Add(params); !errors.Is(err, udptransport.ErrAddressFamilyMismatch) {
		t.Fatalf("got %v, want ErrAddressFamilyMismatch", err)
	}
}

func TestLifecycleManagerMultiHopDoesNotRequireInterface(t *testing.T) {
	t.Parallel()

	tr := newTestTransport(t, map[uint32]bool{})
	params := udptransport.AddParams{
		Hop:             udptransport.HopMulti,
		Transport:       udptransport.TransportUDP4,
		SwIfIndex:       udptransport.AllOnesIfIndex,
		LocalAddr:       netip.MustParseAddr("192.0.2.1"),
		PeerAddr:        netip.MustParseAddr("192.0.2.2"),
		DesiredMinTxUs:  100000,
		RequiredMinRxUs: 100000,
		DetectMult:      3,
	}

	if _, err := tr.Lifecycle.Add(params); err != nil {
		t.Fatalf("add multi-hop: %v", err)
	}
}

func TestHandleInterfaceRemovedDeletesOnlyMatchingSingleHopSessions(t *testing.T) {
	t.Parallel()

	tr := newTestTransport(t, map[uint32]bool{1: true, 2: true})

	single, err := tr.Lifecycle.Add(udptransport.AddParams{
		Hop:             udptransport.HopSingle,
		Transport:       udptransport.TransportUDP4,
		SwIfIndex:       1,
		LocalAddr:       netip.MustParseAddr("192.0.2.1"),
		PeerAddr:        netip.MustParseAddr("192.0.2.2"),
		DesiredMinTxUs:  100000,
		RequiredMinRxUs: 100000,
		DetectMult:      3,
	})
	if err != nil {
		t.Fatalf("add single-hop: %v", err)
	}

	otherIface, err := tr.Lifecycle.Add(udptransport.AddParams{
		Hop:             udptransport.HopSingle,
		Transport:       udptransport.TransportUDP4,
		SwIfIndex:       2,
		LocalAddr:       netip.MustParseAddr("192.0.2.5"),
		PeerAddr:        netip.MustParseAddr("192.0.2.6"),
		DesiredMinTxUs:  100000,
		RequiredMinRxUs: 100000,
		DetectMult:      3,
	})
	if err != nil {
		t.Fatalf("add other-iface session: %v", err)
	}

	multi, err := tr.Lifecycle.Add(udptransport.AddParams{
		Hop:             udptransport.HopMulti,
		Transport:       udptransport.TransportUDP4,
		SwIfIndex:       udptransport.AllOnesIfIndex,
		LocalAddr:       netip.MustParseAddr("192.0.2.9"),
		PeerAddr:        netip.MustParseAddr("192.0.2.10"),
		DesiredMinTxUs:  100000,
		RequiredMinRxUs: 100000,
		DetectMult:      3,
	})
	if err != nil {
		t.Fatalf("add multi-hop session: %v", err)
	}

	tr.Lifecycle.HandleInterfaceRemoved(1)

	if tr.SessionCount() != 2 {
		t.Fatalf("session count after interface removal: got %d, want 2", tr.SessionCount())
	}
	if err := tr.Lifecycle.Delete(single.BsIdx); !errors.Is(err, udptransport.ErrNotFound) {
		t.Fatalf("expected the single-hop session on the removed interface to be gone, got %v", err)
	}
	if err := tr.Lifecycle.Delete(otherIface.BsIdx); err != nil {
		t.Fatalf("expected the session on the untouched interface to survive: %v", err)
	}
	if err := tr.Lifecycle.Delete(multi.BsIdx); err != nil {
		t.Fatalf("expected the multi-hop session to survive interface removal: %v", err)
	}
}
