package device

import (
	"errors"
	"net/netip"
	"testing"
	"time"

	"github.com/drio/minilan/session"
)

func mustMaterial(t *testing.T, number uint32) *session.Material {
	t.Helper()
	m, err := session.Generate(number, time.Now())
	if err != nil {
		t.Fatalf("failed to generate material: %v", err)
	}
	return m
}

// TestPeerTransitions walks the negotiation and checks phase rules
func TestPeerTransitions(t *testing.T) {
	now := time.Now()
	cert := newTestIdentity(t, "peer").Certificate()
	ep := netip.MustParseAddrPort("10.0.0.2:5000")

	t.Run("Initiator path", func(t *testing.T) {
		p := newPeer(ep, now)
		steps := []struct {
			ev   event
			want Phase
			edge edge
		}{
			{event{kind: eventContact, now: now, cookie: 9}, PhaseHelloSent, edgeNone},
			{event{kind: eventHelloResponse, now: now.Add(time.Millisecond)}, PhasePresented, edgeNone},
			{event{kind: eventPresentation, now: now, certificate: cert}, PhasePresented, edgeNone},
			{event{kind: eventSessionRequested, now: now, local: mustMaterial(t, 1)}, PhaseSessionRequested, edgeNone},
			{event{kind: eventSessionEstablished, now: now, remote: mustMaterial(t, 2)}, PhaseEstablished, edgeEstablished},
		}
		for i, s := range steps {
			e, err := p.transition(s.ev)
			if err != nil {
				t.Fatalf("step %d (%v): %v", i, s.ev.kind, err)
			}
			if p.phase != s.want || e != s.edge {
				t.Fatalf("step %d: phase %v edge %d, want %v edge %d", i, p.phase, e, s.want, s.edge)
			}
		}
		if !p.initiator {
			t.Error("initiator flag lost")
		}
		if p.helloRTT != time.Millisecond {
			t.Errorf("rtt is %v", p.helloRTT)
		}
		if !p.established() {
			t.Error("established invariant does not hold")
		}
	})

	t.Run("Responder path", func(t *testing.T) {
		p := newPeer(ep, now)
		if _, err := p.transition(event{kind: eventPresentation, now: now, certificate: cert}); err != nil {
			t.Fatalf("presentation in Idle: %v", err)
		}
		if p.phase != PhasePresented || p.initiator {
			t.Fatalf("phase %v initiator %v", p.phase, p.initiator)
		}
		e, err := p.transition(event{kind: eventSessionEstablished, now: now, local: mustMaterial(t, 3), remote: mustMaterial(t, 4)})
		if err != nil || e != edgeEstablished {
			t.Fatalf("establish: edge %d err %v", e, err)
		}
		if p.remoteNumber != 4 || p.localNumber != 3 {
			t.Errorf("watermarks %d/%d", p.localNumber, p.remoteNumber)
		}
	})

	t.Run("Invalid events", func(t *testing.T) {
		tests := []struct {
			name string
			ev   event
		}{
			{"Hello response in Idle", event{kind: eventHelloResponse}},
			{"Session request without certificate", event{kind: eventSessionRequested, local: mustMaterial(t, 1)}},
			{"Establish from Idle", event{kind: eventSessionEstablished, remote: mustMaterial(t, 1)}},
			{"Rekey in Idle", event{kind: eventRekeyRequested, local: mustMaterial(t, 1)}},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				p := newPeer(ep, now)
				if _, err := p.transition(tt.ev); !errors.Is(err, ErrUnexpectedMessage) {
					t.Errorf("got %v, want ErrUnexpectedMessage", err)
				}
				if p.phase != PhaseIdle {
					t.Errorf("phase moved to %v", p.phase)
				}
			})
		}
	})

	t.Run("Reject and loss", func(t *testing.T) {
		p := newPeer(ep, now)
		p.transition(event{kind: eventPresentation, now: now, certificate: cert})
		p.transition(event{kind: eventSessionEstablished, now: now, local: mustMaterial(t, 10), remote: mustMaterial(t, 20)})

		if e, _ := p.transition(event{kind: eventReject, now: now}); e != edgeNone || p.phase != PhaseEstablished {
			t.Errorf("reject touched an established peer")
		}
		e, _ := p.transition(event{kind: eventLoss, now: now})
		if e != edgeLost || p.phase != PhaseIdle {
			t.Errorf("loss: edge %d phase %v", e, p.phase)
		}
		if p.local != nil || p.remote != nil || p.certificate != nil {
			t.Error("material kept after loss")
		}
		if !p.hasRemoteNumber || p.remoteNumber != 20 {
			t.Error("remote watermark lost")
		}
		if e, _ := p.transition(event{kind: eventLoss, now: now}); e != edgeNone {
			t.Error("second loss produced an edge")
		}
	})

	t.Run("Rekey keeps the previous remote", func(t *testing.T) {
		p := newPeer(ep, now)
		p.transition(event{kind: eventPresentation, now: now, certificate: cert})
		oldRemote := mustMaterial(t, 20)
		p.transition(event{kind: eventSessionEstablished, now: now, local: mustMaterial(t, 10), remote: oldRemote})

		pending := mustMaterial(t, 11)
		if _, err := p.transition(event{kind: eventRekeyRequested, now: now, local: pending}); err != nil {
			t.Fatalf("rekey request: %v", err)
		}
		if p.local.Number != 10 || p.localNumber != 11 {
			t.Errorf("pending rekey replaced the active local session")
		}
		if _, err := p.transition(event{kind: eventRekeyed, now: now, remote: mustMaterial(t, 21)}); err != nil {
			t.Fatalf("rekeyed: %v", err)
		}
		if p.local != pending || p.pendingLocal != nil {
			t.Error("pending local not promoted")
		}
		if p.previousRemote != oldRemote || p.remote.Number != 21 {
			t.Error("previous remote not kept")
		}
	})

	t.Run("Answered rekey waits for confirmation", func(t *testing.T) {
		p := newPeer(ep, now)
		p.transition(event{kind: eventPresentation, now: now, certificate: cert})
		oldLocal := mustMaterial(t, 10)
		p.transition(event{kind: eventSessionEstablished, now: now, local: oldLocal, remote: mustMaterial(t, 20)})

		answered := mustMaterial(t, 11)
		if _, err := p.transition(event{kind: eventRekeyed, now: now, local: answered, remote: mustMaterial(t, 21)}); err != nil {
			t.Fatalf("rekeyed: %v", err)
		}
		if p.local != oldLocal || p.unconfirmedLocal != answered {
			t.Error("answered local used before confirmation")
		}
		if p.localNumber != 11 {
			t.Errorf("local watermark %d, want 11", p.localNumber)
		}
		if !p.confirmLocal() || p.local != answered || p.unconfirmedLocal != nil {
			t.Error("confirmation did not switch the local session")
		}
		if p.confirmLocal() {
			t.Error("second confirmation reported a switch")
		}

		p.transition(event{kind: eventRekeyed, now: now, local: mustMaterial(t, 12), remote: mustMaterial(t, 22)})
		p.transition(event{kind: eventLoss, now: now})
		if p.unconfirmedLocal != nil {
			t.Error("unconfirmed local kept after loss")
		}
	})
}

// TestRegistry tests lazy creation, the capacity limit and lookup
func TestRegistry(t *testing.T) {
	now := time.Now()
	r := NewRegistry(2)
	a := netip.MustParseAddrPort("10.0.0.1:1")
	b := netip.MustParseAddrPort("10.0.0.2:1")
	c := netip.MustParseAddrPort("10.0.0.3:1")

	p, isNew, err := r.GetOrCreate(a, now)
	if err != nil || !isNew || p.Phase() != PhaseIdle {
		t.Fatalf("create: new=%v err=%v", isNew, err)
	}
	again, isNew, _ := r.GetOrCreate(a, now)
	if again != p || isNew {
		t.Error("second lookup created a new peer")
	}
	if _, _, err := r.GetOrCreate(b, now); err != nil {
		t.Fatalf("create b: %v", err)
	}
	if _, _, err := r.GetOrCreate(c, now); !errors.Is(err, ErrTooManyPeers) {
		t.Errorf("third peer: got %v, want ErrTooManyPeers", err)
	}
	if r.Lookup(c) != nil {
		t.Error("rejected peer was stored")
	}
	if r.Len() != 2 || len(r.Snapshot()) != 2 {
		t.Errorf("registry holds %d peers", r.Len())
	}
}

// TestPurgeStale removes idle negotiating peers but never established ones
func TestPurgeStale(t *testing.T) {
	start := time.Now()
	timeout := time.Minute
	cert := newTestIdentity(t, "peer").Certificate()
	r := NewRegistry(0)

	idle := netip.MustParseAddrPort("10.0.0.1:1")
	negotiating := netip.MustParseAddrPort("10.0.0.2:1")
	established := netip.MustParseAddrPort("10.0.0.3:1")
	fresh := netip.MustParseAddrPort("10.0.0.4:1")

	r.GetOrCreate(idle, start)
	p, _, _ := r.GetOrCreate(negotiating, start)
	p.transition(event{kind: eventContact, now: start, cookie: 1})
	p, _, _ = r.GetOrCreate(established, start)
	p.transition(event{kind: eventPresentation, now: start, certificate: cert})
	p.transition(event{kind: eventSessionEstablished, now: start, local: mustMaterial(t, 1), remote: mustMaterial(t, 2)})
	r.GetOrCreate(fresh, start.Add(timeout))

	purged := r.PurgeStale(start.Add(timeout+time.Second), timeout)

	if len(purged) != 2 {
		t.Fatalf("purged %v, want the idle and negotiating peers", purged)
	}
	for _, ep := range []netip.AddrPort{idle, negotiating} {
		if r.Lookup(ep) != nil {
			t.Errorf("%v not purged", ep)
		}
	}
	for _, ep := range []netip.AddrPort{established, fresh} {
		if r.Lookup(ep) == nil {
			t.Errorf("%v purged", ep)
		}
	}
}

// TestPhaseString covers the log names
func TestPhaseString(t *testing.T) {
	tests := []struct {
		phase Phase
		want  string
	}{
		{PhaseIdle, "Idle"},
		{PhaseHelloSent, "HelloSent"},
		{PhasePresented, "Presented"},
		{PhaseSessionRequested, "SessionRequested"},
		{PhaseEstablished, "Established"},
		{Phase(42), "Phase(42)"},
	}
	for _, tt := range tests {
		if got := tt.phase.String(); got != tt.want {
			t.Errorf("%d: got %q, want %q", int(tt.phase), got, tt.want)
		}
	}
}
