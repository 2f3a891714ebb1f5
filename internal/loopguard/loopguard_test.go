package loopguard

import (
	"testing"

	"github.com/Srikantmodi/rescuenet/internal/packet"
)

func pkt(t *testing.T, ttl int) packet.MeshPacket {
	t.Helper()
	p, err := packet.New(packet.NewParams{
		ID: "pkt-1", OriginatorID: "A", PacketType: packet.TypeSOS,
		Priority: packet.PriorityCritical, TTL: ttl, TimestampMs: 1700000000000,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return p
}

func TestCanForwardToRejectsOriginatorAndPreviousHop(t *testing.T) {
	p := pkt(t, 5)
	hopped, err := p.AddHop("R1")
	if err != nil {
		t.Fatalf("AddHop: %v", err)
	}
	hopped2, err := hopped.AddHop("R2")
	if err != nil {
		t.Fatalf("AddHop: %v", err)
	}
	if d := CanForwardTo(hopped, "A", "R1"); d.Allowed || d.Reason != TargetIsOriginator {
		t.Fatalf("want TargetIsOriginator, got %+v", d)
	}
	// The previous hop is the second-to-last trace entry: R1 in [A R1 R2].
	if d := CanForwardTo(hopped2, "R1", "R2"); d.Allowed || d.Reason != TargetIsPreviousHop {
		t.Fatalf("want TargetIsPreviousHop, got %+v", d)
	}
}

func TestCanForwardToRejectsTargetInTraceAndSelf(t *testing.T) {
	p := pkt(t, 5)
	hopped, _ := p.AddHop("R1")
	hopped2, _ := hopped.AddHop("R2")
	if d := CanForwardTo(hopped2, "A", "R3"); d.Allowed || d.Reason != TargetIsOriginator {
		t.Fatalf("want TargetIsOriginator for trace[0], got %+v", d)
	}
	if d := CanForwardTo(hopped2, "R2", "R3"); d.Allowed || d.Reason != TargetInTrace {
		t.Fatalf("want TargetInTrace, got %+v", d)
	}
	if d := CanForwardTo(hopped2, "R3", "R3"); d.Allowed || d.Reason != AlreadyProcessed {
		t.Fatalf("want AlreadyProcessed when target==self, got %+v", d)
	}
}

func TestCanForwardToRejectsExpiredTTL(t *testing.T) {
	p := pkt(t, 1)
	hopped, err := p.AddHop("R1")
	if err != nil {
		t.Fatalf("AddHop: %v", err)
	}
	if hopped.IsAlive() {
		t.Fatalf("expected ttl exhausted")
	}
	if d := CanForwardTo(hopped, "R2", "R1"); d.Allowed || d.Reason != TtlExpired {
		t.Fatalf("want TtlExpired, got %+v", d)
	}
}

func TestCanForwardToAllowsEligibleTarget(t *testing.T) {
	p := pkt(t, 5)
	hopped, _ := p.AddHop("R1")
	if d := CanForwardTo(hopped, "B", "R1"); !d.Allowed {
		t.Fatalf("want allowed, got %+v", d)
	}
}

func TestShouldProcessRejectsDeadPacket(t *testing.T) {
	p := pkt(t, 1)
	dead, err := p.AddHop("R1")
	if err != nil {
		t.Fatalf("AddHop: %v", err)
	}
	if d := ShouldProcess(dead, "R1"); d.Allowed || d.Reason != PacketDead {
		t.Fatalf("want PacketDead, got %+v", d)
	}
}

func TestShouldProcessAllowsSelfAsLastHop(t *testing.T) {
	p := pkt(t, 5)
	hopped, _ := p.AddHop("R1")
	if d := ShouldProcess(hopped, "R1"); !d.Allowed {
		t.Fatalf("want allowed when self is last hop, got %+v", d)
	}
}

func TestShouldProcessRejectsSelfNotLastHop(t *testing.T) {
	p := pkt(t, 5)
	hopped, _ := p.AddHop("R1")
	hopped2, _ := hopped.AddHop("R2")
	if d := ShouldProcess(hopped2, "R1"); d.Allowed || d.Reason != SelfNotLastHop {
		t.Fatalf("want SelfNotLastHop, got %+v", d)
	}
}
