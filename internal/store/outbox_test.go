package store

import (
	"testing"
	"time"

	"github.com/Srikantmodi/rescuenet/internal/adapters"
	"github.com/Srikantmodi/rescuenet/internal/packet"
)

func sosPacket(t *testing.T, id string) packet.MeshPacket {
	t.Helper()
	p, err := packet.New(packet.NewParams{
		ID: id, OriginatorID: "A", PacketType: packet.TypeSOS,
		Priority: packet.PriorityCritical, TTL: 5, TimestampMs: 1700000000000,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return p
}

func dataPacket(t *testing.T, id string) packet.MeshPacket {
	t.Helper()
	p, err := packet.New(packet.NewParams{
		ID: id, OriginatorID: "A", PacketType: packet.TypeData,
		Priority: packet.PriorityLow, TTL: 5, TimestampMs: 1700000000000,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return p
}

func TestOutboxAddIsIdempotent(t *testing.T) {
	storage := adapters.NewMemStorage()
	clock := adapters.NewFakeClock(time.Unix(0, 0))
	ob, err := NewOutbox(storage, clock)
	if err != nil {
		t.Fatalf("NewOutbox: %v", err)
	}
	p := sosPacket(t, "pkt-1")
	if err := ob.Add(p); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := ob.Add(p); err != nil {
		t.Fatalf("Add (repeat): %v", err)
	}
	if len(ob.GetAll()) != 1 {
		t.Fatalf("want exactly 1 entry, got %d", len(ob.GetAll()))
	}
}

func TestOutboxPersistsAcrossRestart(t *testing.T) {
	storage := adapters.NewMemStorage()
	clock := adapters.NewFakeClock(time.Unix(0, 0))
	ob, err := NewOutbox(storage, clock)
	if err != nil {
		t.Fatalf("NewOutbox: %v", err)
	}
	if err := ob.Add(sosPacket(t, "pkt-1")); err != nil {
		t.Fatalf("Add: %v", err)
	}

	reopened, err := NewOutbox(storage, clock)
	if err != nil {
		t.Fatalf("NewOutbox (reopen): %v", err)
	}
	entries := reopened.PendingEntries()
	if len(entries) != 1 || entries[0].Packet.ID() != "pkt-1" {
		t.Fatalf("expected pending entry to survive restart, got %+v", entries)
	}
}

func TestPendingEntriesOrderedByPriorityThenCreated(t *testing.T) {
	storage := adapters.NewMemStorage()
	clock := adapters.NewFakeClock(time.Unix(0, 0))
	ob, err := NewOutbox(storage, clock)
	if err != nil {
		t.Fatalf("NewOutbox: %v", err)
	}

	for _, p := range []packet.MeshPacket{dataPacket(t, "low"), sosPacket(t, "crit1"), sosPacket(t, "crit2")} {
		if err := ob.Add(p); err != nil {
			t.Fatalf("Add: %v", err)
		}
		clock.Advance(time.Second)
	}

	entries := ob.PendingEntries()
	if len(entries) != 3 {
		t.Fatalf("want 3 entries, got %d", len(entries))
	}
	if entries[0].Packet.ID() != "crit1" || entries[1].Packet.ID() != "crit2" || entries[2].Packet.ID() != "low" {
		t.Fatalf("want crit1,crit2,low order, got %v,%v,%v", entries[0].Packet.ID(), entries[1].Packet.ID(), entries[2].Packet.ID())
	}
}

func TestMarkFailedClassifiesRetryVsPermanentBySosVsNonSos(t *testing.T) {
	storage := adapters.NewMemStorage()
	clock := adapters.NewFakeClock(time.Unix(0, 0))
	ob, err := NewOutbox(storage, clock)
	if err != nil {
		t.Fatalf("NewOutbox: %v", err)
	}
	nonSOS := dataPacket(t, "non-sos")
	if err := ob.Add(nonSOS); err != nil {
		t.Fatalf("Add: %v", err)
	}
	for i := 0; i < MaxRetriesDefault-1; i++ {
		willRetry, permanent, err := ob.MarkFailed("non-sos")
		if err != nil {
			t.Fatalf("MarkFailed: %v", err)
		}
		if !willRetry || permanent {
			t.Fatalf("attempt %d: want willRetry, got willRetry=%v permanent=%v", i, willRetry, permanent)
		}
	}
	willRetry, permanent, err := ob.MarkFailed("non-sos")
	if err != nil {
		t.Fatalf("MarkFailed: %v", err)
	}
	if willRetry || !permanent {
		t.Fatalf("want permanent after exhausting retries, got willRetry=%v permanent=%v", willRetry, permanent)
	}
}

func TestMarkFailedPermanentWhenPacketDead(t *testing.T) {
	storage := adapters.NewMemStorage()
	clock := adapters.NewFakeClock(time.Unix(0, 0))
	ob, err := NewOutbox(storage, clock)
	if err != nil {
		t.Fatalf("NewOutbox: %v", err)
	}
	p, err := packet.New(packet.NewParams{
		ID: "dead", OriginatorID: "A", PacketType: packet.TypeSOS,
		Priority: packet.PriorityCritical, TTL: 1, TimestampMs: 1700000000000,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	dead, err := p.AddHop("mid") // ttl now 0
	if err != nil {
		t.Fatalf("AddHop: %v", err)
	}
	if err := ob.Add(dead); err != nil {
		t.Fatalf("Add: %v", err)
	}
	_, permanent, err := ob.MarkFailed("dead")
	if err != nil {
		t.Fatalf("MarkFailed: %v", err)
	}
	if !permanent {
		t.Fatalf("want permanent for a dead packet on first failure")
	}
}

func TestStatsSnapshot(t *testing.T) {
	storage := adapters.NewMemStorage()
	clock := adapters.NewFakeClock(time.Unix(0, 0))
	ob, err := NewOutbox(storage, clock)
	if err != nil {
		t.Fatalf("NewOutbox: %v", err)
	}
	if err := ob.Add(sosPacket(t, "a")); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := ob.Add(sosPacket(t, "b")); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := ob.MarkSent("a"); err != nil {
		t.Fatalf("MarkSent: %v", err)
	}
	stats := ob.StatsSnapshot()
	if stats.Pending != 1 || stats.Sent != 1 || stats.Failed != 0 {
		t.Fatalf("want pending=1 sent=1 failed=0, got %+v", stats)
	}
}
