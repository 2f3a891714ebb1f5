// Package adapters declares the narrow external capabilities the engine
// consumes: LinkLayer, Storage, Clock, CloudSink, BatteryProvider,
// LocationProvider. Concrete implementations live outside this package
// (internal/meshlink for LinkLayer, internal/store for Storage); this
// package also ships small deterministic fakes for tests.
package adapters

import (
	"context"
	"time"

	"github.com/Srikantmodi/rescuenet/internal/packet"
)

// Role mirrors the NodeInfo role field.
type Role string

const (
	RoleSender Role = "sender"
	RoleRelay  Role = "relay"
	RoleGoal   Role = "goal"
	RoleIdle   Role = "idle"
)

// DefaultStaleTimeout is the default window for NodeInfo staleness.
const DefaultStaleTimeout = 120 * time.Second

// NodeInfo is a per-discovered-peer snapshot. Snapshots are copy-on-read;
// the link-layer adapter may compute them on its own goroutine but must
// pass immutable values across the channel.
type NodeInfo struct {
	ID                  string
	DeviceAddress       string
	DisplayName         string
	BatteryLevel        int
	HasInternet         bool
	Latitude            float64
	Longitude           float64
	LastSeenMs          int64
	SignalStrengthDbm   int32
	TriageLevel         packet.TriageLevel
	Role                Role
	IsAvailableForRelay bool
}

// IsStale reports whether the node has not been heard from within
// staleTimeout, relative to nowMs.
func (n NodeInfo) IsStale(nowMs int64, staleTimeout time.Duration) bool {
	age := time.Duration(nowMs-n.LastSeenMs) * time.Millisecond
	return age > staleTimeout
}

func (n NodeInfo) NormalizedBattery() float64 {
	return float64(n.BatteryLevel) / 100.0
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func (n NodeInfo) NormalizedSignal() float64 {
	return clamp((float64(n.SignalStrengthDbm)+90)/60, 0, 1)
}

// ReceivedFrame is a raw inbound frame paired with the transport address
// it arrived from.
type ReceivedFrame struct {
	SenderAddress string
	Bytes         []byte
}

// LinkErrorKind classifies a LinkLayer failure.
type LinkErrorKind string

const (
	LinkTimeout           LinkErrorKind = "timeout"
	LinkConnectionRefused LinkErrorKind = "connection_refused"
	LinkBusy              LinkErrorKind = "busy"
	LinkIoError           LinkErrorKind = "io_error"
	LinkInvalidAck        LinkErrorKind = "invalid_ack"
	LinkUnknown           LinkErrorKind = "unknown"
)

// LinkError is returned by LinkLayer operations.
type LinkError struct {
	Kind LinkErrorKind
	Err  error
}

func (e *LinkError) Error() string {
	if e.Err != nil {
		return string(e.Kind) + ": " + e.Err.Error()
	}
	return string(e.Kind)
}

func (e *LinkError) Unwrap() error { return e.Err }

// LinkLayer is the platform-specific peer-discovery/transport shim the
// engine consumes; internal/meshlink ships a libp2p-backed reference
// implementation.
type LinkLayer interface {
	Initialize(ctx context.Context) error
	Advertise(ctx context.Context, metadata map[string]string) error
	StartDiscovery(ctx context.Context) error
	StopDiscovery(ctx context.Context) error
	NeighborsStream() <-chan []NodeInfo
	ReceivedFramesStream() <-chan ReceivedFrame
	ConnectAndSend(ctx context.Context, address string, data []byte) error
	CurrentNeighbors() []NodeInfo
	GetSignalStrength() int32
	CleanupStale(ctx context.Context) error
	Shutdown(ctx context.Context) error
}

// Storage is the durable keyed persistence capability: two named
// stores, outbox (packet_id -> opaque bytes) and upload_ledger
// (packet_id -> ISO timestamp string). Operations must be durable across
// process restart. internal/store ships a sqlite-backed implementation.
type Storage interface {
	PutOutboxEntry(id string, data []byte) error
	GetOutboxEntries() (map[string][]byte, error)
	DeleteOutboxEntry(id string) error

	PutUploadLedgerEntry(id string, deliveredAtISO string) error
	GetUploadLedger() (map[string]string, error)

	Close() error
}

// Clock is the only suspension point used for backoff sleeps and the
// source of "now" throughout the engine, so tests can run deterministic
// clocks.
type Clock interface {
	Now() time.Time
	Sleep(ctx context.Context, d time.Duration) error
}

// CloudSink is the gateway uploader's HTTP collaborator.
type CloudSink interface {
	Post(ctx context.Context, body []byte) (statusCode int, respBody []byte, err error)
}

// BatteryProvider reports the local device's battery level, 0-100.
type BatteryProvider interface {
	Level() int
}

// LocationProvider reports the local device's last known location.
type LocationProvider interface {
	Location() (lat, lng float64, ok bool)
}
