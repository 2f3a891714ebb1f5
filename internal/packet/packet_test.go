package packet

import "testing"

func mustNew(t *testing.T, ttl int) MeshPacket {
	t.Helper()
	p, err := New(NewParams{
		ID:           "pkt-1",
		OriginatorID: "A",
		PacketType:   TypeSOS,
		Priority:     PriorityCritical,
		Payload:      "{}",
		TTL:          ttl,
		TimestampMs:  1700000000000,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return p
}

func TestNewDefaultsTTL(t *testing.T) {
	p := mustNew(t, 0)
	if p.TTL() != DefaultTTL {
		t.Fatalf("want default ttl %d, got %d", DefaultTTL, p.TTL())
	}
	if p.HopCount() != 0 {
		t.Fatalf("want hop count 0, got %d", p.HopCount())
	}
	if _, ok := p.PreviousHop(); ok {
		t.Fatalf("expected no previous hop on origination")
	}
}

func TestAddHopAppendsAndDecrements(t *testing.T) {
	p := mustNew(t, 5)
	next, err := p.AddHop("R")
	if err != nil {
		t.Fatalf("AddHop: %v", err)
	}
	if next.TTL() != 4 {
		t.Fatalf("want ttl 4, got %d", next.TTL())
	}
	if next.HopCount() != 1 {
		t.Fatalf("want hop count 1, got %d", next.HopCount())
	}
	prev, ok := next.PreviousHop()
	if !ok || prev != "A" {
		t.Fatalf("want previous hop A, got %q ok=%v", prev, ok)
	}
	// original value must be untouched (append-only, returns new value).
	if p.TTL() != 5 || p.HopCount() != 0 {
		t.Fatalf("original packet mutated: ttl=%d hops=%d", p.TTL(), p.HopCount())
	}
}

func TestAddHopRejectsRevisit(t *testing.T) {
	p := mustNew(t, 5)
	next, err := p.AddHop("R")
	if err != nil {
		t.Fatalf("AddHop: %v", err)
	}
	if _, err := next.AddHop("A"); err != ErrHopAlreadyVisited {
		t.Fatalf("want ErrHopAlreadyVisited, got %v", err)
	}
}

func TestAddHopRejectsExhaustedTTL(t *testing.T) {
	p := mustNew(t, 1)
	next, err := p.AddHop("R")
	if err != nil {
		t.Fatalf("AddHop: %v", err)
	}
	if next.TTL() != 0 {
		t.Fatalf("want ttl 0, got %d", next.TTL())
	}
	if next.IsAlive() {
		t.Fatalf("expected packet to be dead at ttl 0")
	}
	if _, err := next.AddHop("B"); err != ErrTTLExhausted {
		t.Fatalf("want ErrTTLExhausted, got %v", err)
	}
}

func TestNewRejectsInvalidFields(t *testing.T) {
	cases := []NewParams{
		{ID: "", OriginatorID: "A", PacketType: TypeSOS, Priority: PriorityLow},
		{ID: "x", OriginatorID: "", PacketType: TypeSOS, Priority: PriorityLow},
		{ID: "x", OriginatorID: "A", PacketType: "bogus", Priority: PriorityLow},
		{ID: "x", OriginatorID: "A", PacketType: TypeSOS, Priority: 99},
		{ID: "x", OriginatorID: "A", PacketType: TypeSOS, Priority: PriorityLow, TTL: 31},
	}
	for i, c := range cases {
		if _, err := New(c); err == nil {
			t.Fatalf("case %d: expected error, got nil", i)
		}
	}
}
