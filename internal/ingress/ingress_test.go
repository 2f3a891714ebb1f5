package ingress

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/Srikantmodi/rescuenet/internal/adapters"
	"github.com/Srikantmodi/rescuenet/internal/connectivity"
	"github.com/Srikantmodi/rescuenet/internal/dedup"
	"github.com/Srikantmodi/rescuenet/internal/packet"
	"github.com/Srikantmodi/rescuenet/internal/relay"
	"github.com/Srikantmodi/rescuenet/internal/router"
	"github.com/Srikantmodi/rescuenet/internal/store"
)

// newOfflineHandler builds a Handler whose connectivity probe always
// reports offline, so SOS frames take the relay path.
func newOfflineHandler(t *testing.T, selfID string) (*Handler, *store.Outbox, *adapters.FakeLinkLayer) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	t.Cleanup(srv.Close)

	clock := adapters.NewFakeClock(time.Unix(0, 0))
	prober := connectivity.New([]string{srv.URL}, clock)
	seen, err := dedup.New(64)
	if err != nil {
		t.Fatal(err)
	}
	outbox, err := store.NewOutbox(adapters.NewMemStorage(), clock)
	if err != nil {
		t.Fatal(err)
	}
	ll := adapters.NewFakeLinkLayer(selfID)
	rt := router.New()
	orch := relay.New(outbox, ll, rt, clock)
	return New(selfID, seen, prober, outbox, orch, rt, ll, clock), outbox, ll
}

func encodedSos(t *testing.T, id string, ttl int) []byte {
	t.Helper()
	sos := packet.SosPayload{SosID: id, SenderID: "A", SenderName: "Alice", EmergencyType: packet.EmergencyMedical, TriageLevel: packet.TriageRed, TimestampMs: 1000, IsActive: true}
	body, err := json.Marshal(sos)
	if err != nil {
		t.Fatal(err)
	}
	p, err := packet.New(packet.NewParams{
		ID: id, OriginatorID: "A", PacketType: packet.TypeSOS,
		Priority: packet.PriorityCritical, Payload: string(body), TTL: ttl, TimestampMs: 1000,
	})
	if err != nil {
		t.Fatal(err)
	}
	raw, err := packet.Encode(p)
	if err != nil {
		t.Fatal(err)
	}
	return raw
}

func TestOfflineSosGoesToRelayStreamAndOutbox(t *testing.T) {
	h, outbox, _ := newOfflineHandler(t, "node-r")
	relayStream := h.RelayStream()

	h.HandleFrame(context.Background(), "addr-a", encodedSos(t, "pkt-1", 5))

	select {
	case p := <-relayStream:
		if p.ID() != "pkt-1" {
			t.Fatalf("unexpected packet on relay stream: %s", p.ID())
		}
	default:
		t.Fatal("expected an emission on the relay stream while offline")
	}

	entry, ok := outbox.Get("pkt-1")
	if !ok {
		t.Fatal("expected packet in outbox")
	}
	// The stored packet is the original: no local hop appended.
	if entry.Packet.InTrace("node-r") {
		t.Fatal("outbox must hold the original packet without the local hop")
	}
}

func TestImmediateForwardAddsExactlyOneHop(t *testing.T) {
	h, _, ll := newOfflineHandler(t, "node-r")
	ll.SetNeighbors([]adapters.NodeInfo{
		{ID: "node-b", DeviceAddress: "addr-b", HasInternet: true, BatteryLevel: 90, LastSeenMs: 0, IsAvailableForRelay: true},
	})
	fwd := h.ImmediateForwards()

	h.HandleFrame(context.Background(), "addr-a", encodedSos(t, "pkt-2", 5))

	sent := ll.Sent()
	if len(sent) != 1 {
		t.Fatalf("expected one immediate forward, got %d", len(sent))
	}
	res, err := packet.Decode(sent[0].Bytes)
	if err != nil {
		t.Fatal(err)
	}
	trace := res.Packet.Trace()
	if len(trace) != 2 || trace[1] != "node-r" {
		t.Fatalf("expected exactly one hop added on the wire, got trace %v", trace)
	}
	if res.Packet.TTL() != 4 {
		t.Fatalf("expected ttl decremented once, got %d", res.Packet.TTL())
	}

	select {
	case id := <-fwd:
		if id != "pkt-2" {
			t.Fatalf("unexpected immediate-forward id %s", id)
		}
	default:
		t.Fatal("expected an immediate_forwards emission")
	}
}

func TestDecodeErrorCountsAndDrops(t *testing.T) {
	h, outbox, _ := newOfflineHandler(t, "node-r")

	h.HandleFrame(context.Background(), "addr-a", []byte("not json"))

	if h.Counters().DecodeErrors != 1 {
		t.Fatalf("expected 1 decode error, got %d", h.Counters().DecodeErrors)
	}
	if len(outbox.GetAll()) != 0 {
		t.Fatal("a frame that fails to decode must not touch the outbox")
	}
}

func TestDuplicateFrameDropsSilently(t *testing.T) {
	h, outbox, _ := newOfflineHandler(t, "node-r")
	raw := encodedSos(t, "pkt-3", 5)

	h.HandleFrame(context.Background(), "addr-a", raw)
	h.HandleFrame(context.Background(), "addr-a", raw)

	if h.Counters().DuplicatesSeen != 1 {
		t.Fatalf("expected 1 duplicate, got %d", h.Counters().DuplicatesSeen)
	}
	if len(outbox.GetAll()) != 1 {
		t.Fatalf("expected exactly one outbox entry, got %d", len(outbox.GetAll()))
	}
}
