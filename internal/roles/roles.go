// Package roles implements the role/metadata controller: tracks the
// local sticky role and recomputes the advertised metadata record
// whenever an input changes.
package roles

import (
	"context"
	"strconv"
	"sync"

	"github.com/Srikantmodi/rescuenet/internal/adapters"
	"github.com/Srikantmodi/rescuenet/internal/packet"
)

// CurrentRole is the local role state; distinct from the advertised "rol"
// code, which is a deterministic projection of CurrentRole and
// has_internet.
type CurrentRole string

const (
	RoleSender CurrentRole = "sender"
	RoleRelay  CurrentRole = "relay"
	RoleIdle   CurrentRole = "idle"
)

// Inputs are the values that drive metadata recomputation.
type Inputs struct {
	NodeID      string
	Battery     int
	HasInternet bool
	Latitude    float64
	Longitude   float64
	SignalDbm   int32
	Triage      packet.TriageLevel
}

// Controller owns current_role and the last advertised metadata map; it
// is mutated only from the engine task per the concurrency model.
type Controller struct {
	mu          sync.Mutex
	currentRole CurrentRole
	linkLayer   adapters.LinkLayer
	lastAdvert  map[string]string
}

func New(linkLayer adapters.LinkLayer) *Controller {
	return &Controller{currentRole: RoleIdle, linkLayer: linkLayer}
}

func (c *Controller) CurrentRole() CurrentRole {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.currentRole
}

// SetSender marks the local role as sender. Sticky until explicit reset.
func (c *Controller) SetSender() {
	c.mu.Lock()
	c.currentRole = RoleSender
	c.mu.Unlock()
}

// SetRelay marks the local role as relay.
func (c *Controller) SetRelay() {
	c.mu.Lock()
	c.currentRole = RoleRelay
	c.mu.Unlock()
}

// ResetToIdle is the explicit reset path; nothing in the engine calls it
// automatically, a host app decides when an incident is over.
func (c *Controller) ResetToIdle() {
	c.mu.Lock()
	c.currentRole = RoleIdle
	c.mu.Unlock()
}

func triageCode(t packet.TriageLevel) string {
	switch t {
	case packet.TriageGreen:
		return "g"
	case packet.TriageYellow:
		return "y"
	case packet.TriageRed:
		return "r"
	default:
		return "n"
	}
}

func netCode(hasInternet bool) string {
	if hasInternet {
		return "1"
	}
	return "0"
}

// advertisedRoleCode is the deterministic projection: g iff
// has_internet, else s iff current_role==sender, else r.
func advertisedRoleCode(current CurrentRole, hasInternet bool) string {
	if hasInternet {
		return "g"
	}
	if current == RoleSender {
		return "s"
	}
	return "r"
}

func relCode(battery int) string {
	if battery > 15 {
		return "1"
	}
	return "0"
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

// Metadata computes the advertisement record for the given inputs
// without advertising it.
func (c *Controller) Metadata(in Inputs) map[string]string {
	current := c.CurrentRole()
	return map[string]string{
		"id":  in.NodeID,
		"bat": strconv.Itoa(in.Battery),
		"net": netCode(in.HasInternet),
		"lat": formatFloat(in.Latitude),
		"lng": formatFloat(in.Longitude),
		"sig": strconv.Itoa(int(in.SignalDbm)),
		"tri": triageCode(in.Triage),
		"rol": advertisedRoleCode(current, in.HasInternet),
		"rel": relCode(in.Battery),
	}
}

func sameMetadata(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if b[k] != v {
			return false
		}
	}
	return true
}

// UpdateMetadata recomputes the advertisement record and calls
// LinkLayer.Advertise when it has changed since the last call.
func (c *Controller) UpdateMetadata(ctx context.Context, in Inputs) error {
	metadata := c.Metadata(in)

	c.mu.Lock()
	unchanged := sameMetadata(c.lastAdvert, metadata)
	c.mu.Unlock()
	if unchanged {
		return nil
	}

	if err := c.linkLayer.Advertise(ctx, metadata); err != nil {
		return err
	}

	c.mu.Lock()
	c.lastAdvert = metadata
	c.mu.Unlock()
	return nil
}
