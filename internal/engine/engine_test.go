package engine

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/Srikantmodi/rescuenet/internal/adapters"
	"github.com/Srikantmodi/rescuenet/internal/packet"
)

// newStubProbeServer stands in for a real 204 endpoint so connectivity
// checks never touch the network during tests.
func newStubProbeServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestEngine(t *testing.T, nodeID string, link *adapters.FakeLinkLayer) (*Engine, *adapters.FakeClock) {
	t.Helper()
	clock := adapters.NewFakeClock(time.Unix(0, 0))
	probe := newStubProbeServer(t)
	deps := Deps{
		LinkLayer:             link,
		Storage:               adapters.NewMemStorage(),
		Clock:                 clock,
		CloudSink:             adapters.NewFakeCloudSink(),
		ConnectivityEndpoints: []string{probe.URL},
		RelayInterval:         time.Hour,
		MaxSeenEntries:        256,
	}
	e, err := New(deps)
	if err != nil {
		t.Fatal(err)
	}
	if err := e.Initialize(nodeID); err != nil {
		t.Fatal(err)
	}
	return e, clock
}

// TestSendSOSImmediateForwardToBestNeighbor covers the two-node direct
// delivery scenario: a neighbor with internet is offered the packet over
// ConnectAndSend the moment SendSOS is called.
func TestSendSOSImmediateForwardToBestNeighbor(t *testing.T) {
	link := adapters.NewFakeLinkLayer("node-a")
	e, _ := newTestEngine(t, "node-a", link)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := e.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer e.Stop()

	link.SetNeighbors([]adapters.NodeInfo{
		{ID: "node-b", DeviceAddress: "addr-b", HasInternet: true, BatteryLevel: 90, IsAvailableForRelay: true},
	})
	time.Sleep(10 * time.Millisecond)

	id, err := e.SendSOS(ctx, packet.SosPayload{
		SenderName: "Alice", Latitude: 1, Longitude: 2,
		EmergencyType: packet.EmergencyMedical, TriageLevel: packet.TriageRed, NumberOfPeople: 1,
	})
	if err != nil {
		t.Fatal(err)
	}
	if id == "" {
		t.Fatal("expected a packet id")
	}

	sent := link.Sent()
	if len(sent) != 1 {
		t.Fatalf("expected 1 immediate forward, got %d", len(sent))
	}
	if sent[0].Address != "addr-b" {
		t.Fatalf("expected forward to addr-b, got %s", sent[0].Address)
	}
}

// TestDuplicateFrameIsIngressedOnce exercises the dedup cache: the same
// wire frame delivered twice only surfaces one sos_alerts event.
func TestDuplicateFrameIsIngressedOnce(t *testing.T) {
	link := adapters.NewFakeLinkLayer("node-b")
	e, _ := newTestEngine(t, "node-b", link)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := e.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer e.Stop()

	alerts := e.SosAlerts()

	p, err := packet.New(packet.NewParams{
		ID: "pkt-dup", OriginatorID: "node-a", PacketType: packet.TypeSOS,
		Priority: packet.PriorityCritical, Payload: sosJSON(t), TimestampMs: 1000,
	})
	if err != nil {
		t.Fatal(err)
	}
	raw, err := packet.Encode(p)
	if err != nil {
		t.Fatal(err)
	}

	link.DeliverFrame("addr-a", raw)
	link.DeliverFrame("addr-a", raw)

	select {
	case <-alerts:
	case <-time.After(time.Second):
		t.Fatal("expected one sos alert")
	}
	select {
	case <-alerts:
		t.Fatal("expected no second alert for a duplicate frame")
	case <-time.After(50 * time.Millisecond):
	}
}

// TestLoopRejectionDropsPacketAlreadyInTrace ensures a frame where this
// node already appears mid-trace (not as the most recent hop) is
// rejected as a loop rather than re-queued into the outbox.
func TestLoopRejectionDropsPacketAlreadyInTrace(t *testing.T) {
	link := adapters.NewFakeLinkLayer("node-c")
	e, _ := newTestEngine(t, "node-c", link)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := e.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer e.Stop()

	p, err := packet.New(packet.NewParams{
		ID: "pkt-loop", OriginatorID: "node-a", PacketType: packet.TypeData,
		Priority: packet.PriorityMedium, Payload: "x", TimestampMs: 1000,
	})
	if err != nil {
		t.Fatal(err)
	}
	viaC, err := p.AddHop("node-c")
	if err != nil {
		t.Fatal(err)
	}
	viaD, err := viaC.AddHop("node-d")
	if err != nil {
		t.Fatal(err)
	}
	raw, err := packet.Encode(viaD)
	if err != nil {
		t.Fatal(err)
	}

	link.DeliverFrame("addr-a", raw)
	time.Sleep(10 * time.Millisecond)

	if len(link.Sent()) != 0 {
		t.Fatal("a packet already carrying this node in its trace must not be forwarded")
	}
	if _, ok := e.outbox.Get("pkt-loop"); ok {
		t.Fatal("a packet already carrying this node in its trace must not be queued in the outbox")
	}
}

func sosJSON(t *testing.T) string {
	t.Helper()
	body, err := marshalSos(packet.SosPayload{
		SosID: "sos-dup", SenderID: "node-a", SenderName: "Bob",
		Latitude: 3, Longitude: 4, EmergencyType: packet.EmergencyFire,
		TriageLevel: packet.TriageYellow, NumberOfPeople: 2, TimestampMs: 1000, IsActive: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	return body
}
