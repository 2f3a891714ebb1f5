package packet

import (
	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// NewUUID generates an opaque v4 UUID string, used for the stable
// domain-level identity of an SOS record (SosPayload.SosID) that survives
// independent of how many times the carrying packet is re-originated.
func NewUUID() string {
	return uuid.NewString()
}

// NewULID generates a lexicographically time-sortable ULID string, used
// for MeshPacket.ID so outbox/ledger entries and log lines sort in
// creation order without a separate timestamp column. The codec treats
// id as an opaque string regardless of which scheme produced it, so both
// coexist on the wire.
func NewULID() string {
	return ulid.Make().String()
}
