package roles

import (
	"context"
	"testing"

	"github.com/Srikantmodi/rescuenet/internal/adapters"
	"github.com/Srikantmodi/rescuenet/internal/packet"
)

func TestRoleProjectionGoalBeatsSender(t *testing.T) {
	ll := adapters.NewFakeLinkLayer("self")
	c := New(ll)
	c.SetSender()
	md := c.Metadata(Inputs{NodeID: "self", HasInternet: true, Triage: packet.TriageNone})
	if md["rol"] != "g" {
		t.Fatalf("want rol=g when has_internet regardless of sender, got %q", md["rol"])
	}
}

func TestRoleProjectionSenderWithoutInternet(t *testing.T) {
	ll := adapters.NewFakeLinkLayer("self")
	c := New(ll)
	c.SetSender()
	md := c.Metadata(Inputs{NodeID: "self", HasInternet: false})
	if md["rol"] != "s" {
		t.Fatalf("want rol=s, got %q", md["rol"])
	}
}

func TestRoleProjectionDefaultsToRelay(t *testing.T) {
	ll := adapters.NewFakeLinkLayer("self")
	c := New(ll)
	md := c.Metadata(Inputs{NodeID: "self", HasInternet: false})
	if md["rol"] != "r" {
		t.Fatalf("want rol=r, got %q", md["rol"])
	}
}

func TestRelCodeBatteryThreshold(t *testing.T) {
	ll := adapters.NewFakeLinkLayer("self")
	c := New(ll)
	md := c.Metadata(Inputs{NodeID: "self", Battery: 16})
	if md["rel"] != "1" {
		t.Fatalf("want rel=1 at battery>15, got %q", md["rel"])
	}
	md = c.Metadata(Inputs{NodeID: "self", Battery: 15})
	if md["rel"] != "0" {
		t.Fatalf("want rel=0 at battery==15, got %q", md["rel"])
	}
}

// countingLink counts Advertise calls on top of the fake link layer.
type countingLink struct {
	*adapters.FakeLinkLayer
	adverts int
}

func (c *countingLink) Advertise(ctx context.Context, metadata map[string]string) error {
	c.adverts++
	return nil
}

func TestUpdateMetadataSkipsUnchangedAdvert(t *testing.T) {
	ll := &countingLink{FakeLinkLayer: adapters.NewFakeLinkLayer("self")}
	c := New(ll)
	in := Inputs{NodeID: "self", Battery: 50, HasInternet: true}
	if err := c.UpdateMetadata(context.Background(), in); err != nil {
		t.Fatalf("UpdateMetadata: %v", err)
	}
	if err := c.UpdateMetadata(context.Background(), in); err != nil {
		t.Fatalf("UpdateMetadata: %v", err)
	}
	if ll.adverts != 1 {
		t.Fatalf("want 1 advert for two identical updates, got %d", ll.adverts)
	}
}
