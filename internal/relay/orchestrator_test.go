package relay

import (
	"context"
	"testing"
	"time"

	"github.com/Srikantmodi/rescuenet/internal/adapters"
	"github.com/Srikantmodi/rescuenet/internal/packet"
	"github.com/Srikantmodi/rescuenet/internal/router"
	"github.com/Srikantmodi/rescuenet/internal/store"
)

func newTestOrchestrator(t *testing.T) (*Orchestrator, *store.Outbox, *adapters.FakeLinkLayer, *adapters.FakeClock) {
	t.Helper()
	storage := adapters.NewMemStorage()
	clock := adapters.NewFakeClock(time.Unix(0, 0))
	ob, err := store.NewOutbox(storage, clock)
	if err != nil {
		t.Fatalf("NewOutbox: %v", err)
	}
	ll := adapters.NewFakeLinkLayer("self")
	rt := router.New()
	o := New(ob, ll, rt, clock)
	o.interval = time.Hour // tests drive ticks manually via ForceRelay/tick
	return o, ob, ll, clock
}

func TestAttemptForwardSendsEncodedPacket(t *testing.T) {
	o, ob, ll, _ := newTestOrchestrator(t)
	_ = ob
	p, err := packet.New(packet.NewParams{ID: "p1", OriginatorID: "A", PacketType: packet.TypeSOS, Priority: packet.PriorityCritical, TTL: 5, TimestampMs: 1700000000000})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	target := adapters.NodeInfo{ID: "B", DeviceAddress: "addr-b"}
	if err := o.AttemptForward(context.Background(), p, target); err != nil {
		t.Fatalf("AttemptForward: %v", err)
	}
	sent := ll.Sent()
	if len(sent) != 1 || sent[0].Address != "addr-b" {
		t.Fatalf("want one send to addr-b, got %+v", sent)
	}
}

func TestTickSelectsNeighborAndMarksSent(t *testing.T) {
	o, ob, ll, clock := newTestOrchestrator(t)
	p, err := packet.New(packet.NewParams{ID: "p1", OriginatorID: "A", PacketType: packet.TypeSOS, Priority: packet.PriorityCritical, TTL: 5, TimestampMs: 1700000000000})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := ob.Add(p); err != nil {
		t.Fatalf("Add: %v", err)
	}
	ll.SetNeighbors([]adapters.NodeInfo{
		{ID: "B", DeviceAddress: "addr-b", HasInternet: true, LastSeenMs: clock.Now().UnixMilli(), IsAvailableForRelay: true},
	})
	o.selfID = "self"
	o.tick(context.Background())

	stats := ob.StatsSnapshot()
	if stats.Sent != 1 || stats.Pending != 0 {
		t.Fatalf("want sent=1 pending=0, got %+v", stats)
	}
	if len(ll.Sent()) != 1 {
		t.Fatalf("want one send recorded")
	}
}

func TestTickDropsDeadPacketAsPermanent(t *testing.T) {
	o, ob, ll, _ := newTestOrchestrator(t)
	p, err := packet.New(packet.NewParams{ID: "p1", OriginatorID: "A", PacketType: packet.TypeSOS, Priority: packet.PriorityCritical, TTL: 1, TimestampMs: 1700000000000})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	hopped, err := p.AddHop("mid") // ttl now 0, dead
	if err != nil {
		t.Fatalf("AddHop: %v", err)
	}
	if err := ob.Add(hopped); err != nil {
		t.Fatalf("Add: %v", err)
	}
	o.selfID = "self"
	o.tick(context.Background())

	o.mu.Lock()
	drops := o.permanentDrops
	o.mu.Unlock()
	if drops != 1 {
		t.Fatalf("want 1 permanent drop, got %d", drops)
	}
	if len(ob.GetAll()) != 0 {
		t.Fatalf("want dead entry removed from outbox")
	}
	_ = ll
}

func TestTickNoRouteRecordsTransientFailure(t *testing.T) {
	o, ob, ll, clock := newTestOrchestrator(t)
	p, err := packet.New(packet.NewParams{ID: "p1", OriginatorID: "A", PacketType: packet.TypeSOS, Priority: packet.PriorityCritical, TTL: 5, TimestampMs: 1700000000000})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := ob.Add(p); err != nil {
		t.Fatalf("Add: %v", err)
	}
	ll.SetNeighbors(nil)
	o.selfID = "self"
	_ = clock
	o.tick(context.Background())

	o.mu.Lock()
	transient := o.transientFailures
	o.mu.Unlock()
	if transient != 1 {
		t.Fatalf("want 1 transient failure, got %d", transient)
	}
	stats := ob.StatsSnapshot()
	if stats.Pending != 1 {
		t.Fatalf("want entry to stay pending, got %+v", stats)
	}
}

func TestTryLocalGoalDeliverMarksSentWithoutForwarding(t *testing.T) {
	o, ob, ll, _ := newTestOrchestrator(t)
	p, err := packet.New(packet.NewParams{ID: "p1", OriginatorID: "A", PacketType: packet.TypeSOS, Priority: packet.PriorityCritical, TTL: 5, TimestampMs: 1700000000000})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := ob.Add(p); err != nil {
		t.Fatalf("Add: %v", err)
	}
	o.SetTryLocalGoalDeliver(func(packet.MeshPacket) bool { return true })
	o.selfID = "self"
	o.tick(context.Background())

	if len(ll.Sent()) != 0 {
		t.Fatalf("want no forward attempted when delivered locally, got %+v", ll.Sent())
	}
	stats := ob.StatsSnapshot()
	if stats.Sent != 1 {
		t.Fatalf("want sent=1, got %+v", stats)
	}
}
