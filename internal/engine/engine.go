// Package engine implements the public command surface and event streams
// : the facade a host application drives, wiring the packet codec,
// dedup cache, outbox, loop guard, router, connectivity probe, role
// controller, ingress handler, relay orchestrator, and gateway uploader
// into one cooperative unit.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Srikantmodi/rescuenet/internal/adapters"
	"github.com/Srikantmodi/rescuenet/internal/connectivity"
	"github.com/Srikantmodi/rescuenet/internal/dedup"
	"github.com/Srikantmodi/rescuenet/internal/gateway"
	"github.com/Srikantmodi/rescuenet/internal/ingress"
	"github.com/Srikantmodi/rescuenet/internal/packet"
	"github.com/Srikantmodi/rescuenet/internal/relay"
	"github.com/Srikantmodi/rescuenet/internal/roles"
	"github.com/Srikantmodi/rescuenet/internal/router"
	"github.com/Srikantmodi/rescuenet/internal/store"
	"github.com/Srikantmodi/rescuenet/internal/util"
)

// Error kinds the engine returns synchronously from command entry
// points. Engine commands return these directly; they are distinct from
// the silently-recovered decode/loop/cloud error classes.
var (
	ErrNotInitialized = errors.New("engine: not initialized")
	ErrAlreadyStarted = errors.New("engine: already started")
	ErrAlreadyInit    = errors.New("engine: already initialized")
)

// LinkLayerError wraps a failed LinkLayer call with its classification.
type LinkLayerError struct{ Err error }

func (e *LinkLayerError) Error() string { return fmt.Sprintf("link layer: %v", e.Err) }
func (e *LinkLayerError) Unwrap() error { return e.Err }

// StorageError wraps a failed Storage call.
type StorageError struct{ Err error }

func (e *StorageError) Error() string { return fmt.Sprintf("storage: %v", e.Err) }
func (e *StorageError) Unwrap() error { return e.Err }

// ValidationError wraps a packet-construction failure surfaced
// synchronously to a command caller (e.g. SendSOS with a malformed
// payload), as opposed to the silently-dropped decode/loop classes.
type ValidationError struct{ Err error }

func (e *ValidationError) Error() string { return fmt.Sprintf("validation: %v", e.Err) }
func (e *ValidationError) Unwrap() error { return e.Err }

// Deps bundles every external capability the engine consumes.
type Deps struct {
	LinkLayer        adapters.LinkLayer
	Storage          adapters.Storage
	Clock            adapters.Clock
	CloudSink        adapters.CloudSink
	BatteryProvider  adapters.BatteryProvider
	LocationProvider adapters.LocationProvider

	ConnectivityEndpoints []string
	RelayInterval         time.Duration
	MaxSeenEntries        int
}

// Engine is the facade wiring every component into one cooperative unit.
// All mutable state is touched only from the methods below, which the
// host is expected to call from a single goroutine; suspension happens
// only at I/O boundaries inside the wired components.
type Engine struct {
	deps Deps

	mu          sync.Mutex
	initialized bool
	running     bool
	selfID      string
	cancel      context.CancelFunc

	seen         *dedup.SeenCache
	outbox       *store.Outbox
	ledger       *store.UploadLedger
	rt           *router.Router
	prober       *connectivity.Prober
	roleCtl      *roles.Controller
	ingressH     *ingress.Handler
	orchestrator *relay.Orchestrator
	uploader     *gateway.Uploader

	stopProbe    func()
	stopUploader func()

	connectivityStream *util.Broadcaster[bool]
	neighborsStream    *util.Broadcaster[[]adapters.NodeInfo]
}

// New constructs an Engine with its capabilities wired but not yet
// initialized with a node id.
func New(deps Deps) (*Engine, error) {
	seenMax := deps.MaxSeenEntries
	seen, err := dedup.New(seenMax)
	if err != nil {
		return nil, fmt.Errorf("engine: build seen cache: %w", err)
	}

	outbox, err := store.NewOutbox(deps.Storage, deps.Clock)
	if err != nil {
		return nil, fmt.Errorf("engine: build outbox: %w", err)
	}
	ledger, err := store.NewUploadLedger(deps.Storage)
	if err != nil {
		return nil, fmt.Errorf("engine: build upload ledger: %w", err)
	}

	prober := connectivity.New(deps.ConnectivityEndpoints, deps.Clock)
	rt := router.New()
	orchestrator := relay.New(outbox, deps.LinkLayer, rt, deps.Clock)
	if deps.RelayInterval > 0 {
		orchestrator.SetInterval(deps.RelayInterval)
	}
	uploader := gateway.New(deps.CloudSink, ledger, outbox, prober, deps.Clock)
	roleCtl := roles.New(deps.LinkLayer)

	return &Engine{
		deps:               deps,
		seen:               seen,
		outbox:             outbox,
		ledger:             ledger,
		rt:                 rt,
		prober:             prober,
		roleCtl:            roleCtl,
		orchestrator:       orchestrator,
		uploader:           uploader,
		connectivityStream: util.NewBroadcaster[bool](8),
		neighborsStream:    util.NewBroadcaster[[]adapters.NodeInfo](4),
	}, nil
}

// Initialize sets the local node id and wires the ingress handler, which
// needs selfID up front.
func (e *Engine) Initialize(nodeID string) error {
	if nodeID == "" {
		return &ValidationError{Err: errors.New("node id must not be empty")}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.initialized {
		return ErrAlreadyInit
	}
	e.selfID = nodeID
	e.ingressH = ingress.New(nodeID, e.seen, e.prober, e.outbox, e.orchestrator, e.rt, e.deps.LinkLayer, e.deps.Clock)
	e.orchestrator.SetTryLocalGoalDeliver(e.tryLocalGoalDeliver)
	e.initialized = true
	return nil
}

// Start begins the orchestrator tick loop, the connectivity probe, and
// the gateway uploader's sync scheduler, and starts draining the
// link-layer's received-frames and neighbors streams.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if !e.initialized {
		e.mu.Unlock()
		return ErrNotInitialized
	}
	if e.running {
		e.mu.Unlock()
		return ErrAlreadyStarted
	}
	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.running = true
	selfID := e.selfID
	e.mu.Unlock()

	if err := e.deps.LinkLayer.Initialize(runCtx); err != nil {
		return &LinkLayerError{Err: err}
	}
	if err := e.deps.LinkLayer.StartDiscovery(runCtx); err != nil {
		return &LinkLayerError{Err: err}
	}

	if err := e.orchestrator.Start(runCtx, selfID); err != nil {
		return &LinkLayerError{Err: err}
	}
	e.stopProbe = e.prober.Start(runCtx)
	e.stopUploader = e.uploader.Start(runCtx)

	go e.drainConnectivityChanges(runCtx)
	go e.drainNeighbors(runCtx)
	go e.drainReceivedFrames(runCtx)

	if err := e.UpdateMetadata(runCtx); err != nil {
		return &LinkLayerError{Err: err}
	}
	return nil
}

// Stop cancels every background task and the orchestrator tick loop.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	cancel := e.cancel
	e.mu.Unlock()

	e.orchestrator.Stop()
	if e.stopProbe != nil {
		e.stopProbe()
	}
	if e.stopUploader != nil {
		e.stopUploader()
	}
	if cancel != nil {
		cancel()
	}
}

func (e *Engine) drainConnectivityChanges(ctx context.Context) {
	changes := e.prober.Changes()
	for {
		select {
		case <-ctx.Done():
			return
		case online := <-changes:
			e.connectivityStream.PublishSnapshot(online)
			_ = e.UpdateMetadata(ctx)
		}
	}
}

func (e *Engine) drainNeighbors(ctx context.Context) {
	stream := e.deps.LinkLayer.NeighborsStream()
	var hadNone = true
	for {
		select {
		case <-ctx.Done():
			return
		case snapshot := <-stream:
			e.neighborsStream.PublishSnapshot(snapshot)
			nowEmpty := len(snapshot) == 0
			if hadNone && !nowEmpty && len(e.outbox.PendingEntries()) > 0 {
				e.orchestrator.NotifyNeighborsAvailable()
			}
			hadNone = nowEmpty
		}
	}
}

func (e *Engine) drainReceivedFrames(ctx context.Context) {
	stream := e.deps.LinkLayer.ReceivedFramesStream()
	for {
		select {
		case <-ctx.Done():
			return
		case frame := <-stream:
			e.ingressH.HandleFrame(ctx, frame.SenderAddress, frame.Bytes)
		}
	}
}

// tryLocalGoalDeliver is the orchestrator's callback asking "have I since
// become the goal node for this queued packet", covering the case where
// a node regains internet while an SOS sits queued.
func (e *Engine) tryLocalGoalDeliver(p packet.MeshPacket) bool {
	if !p.IsSOS() {
		return false
	}
	if !e.prober.Check(context.Background(), false) {
		return false
	}
	var sos packet.SosPayload
	if err := decodeSosInto(p.Payload(), &sos); err != nil {
		return false
	}
	if e.ingressH != nil {
		e.ingressH.PublishSosDirectly(ingress.ReceivedSos{
			Packet: p, Sos: sos, ReceivedAt: e.deps.Clock.Now(), SenderAddress: "",
		})
	}
	return true
}

// SendSOS originates a new SOS packet: sets the local role to sender,
// recomputes metadata, stores it in the outbox, attempts an immediate
// forward, and returns the packet id. Once the packet has been built the
// id is returned even when storing it fails; the not-initialized and
// validation errors return an empty id.
func (e *Engine) SendSOS(ctx context.Context, payload packet.SosPayload) (string, error) {
	e.mu.Lock()
	initialized := e.initialized
	selfID := e.selfID
	e.mu.Unlock()
	if !initialized {
		return "", ErrNotInitialized
	}

	e.roleCtl.SetSender()

	if payload.SosID == "" {
		payload.SosID = packet.NewUUID()
	}
	if payload.SenderID == "" {
		payload.SenderID = selfID
	}
	if payload.TimestampMs == 0 {
		payload.TimestampMs = e.deps.Clock.Now().UnixMilli()
	}
	payload.IsActive = true

	body, err := marshalSos(payload)
	if err != nil {
		return "", &ValidationError{Err: err}
	}

	p, err := packet.New(packet.NewParams{
		ID:           packet.NewULID(),
		OriginatorID: selfID,
		PacketType:   packet.TypeSOS,
		Priority:     packet.PriorityCritical,
		Payload:      body,
		TimestampMs:  payload.TimestampMs,
	})
	if err != nil {
		return "", &ValidationError{Err: err}
	}

	_ = e.UpdateMetadata(ctx)

	e.seen.Mark(p.ID())
	if err := e.outbox.Add(p); err != nil {
		return p.ID(), &StorageError{Err: err}
	}

	e.attemptImmediateForward(ctx, p)

	return p.ID(), nil
}

func (e *Engine) attemptImmediateForward(ctx context.Context, p packet.MeshPacket) {
	neighbors := e.deps.LinkLayer.CurrentNeighbors()
	best := e.rt.SelectBest(neighbors, p, e.selfID, e.deps.Clock.Now().UnixMilli())
	if best == nil {
		return
	}
	toSend := p
	if !p.InTrace(e.selfID) {
		hopped, err := p.AddHop(e.selfID)
		if err != nil {
			return
		}
		toSend = hopped
	}
	if err := e.orchestrator.AttemptForward(ctx, toSend, *best); err != nil {
		return
	}
	_ = e.outbox.MarkSent(p.ID())
}

// UpdateMetadata recomputes and re-advertises the role/metadata record,
// pulling current battery/location/signal/internet inputs from the wired
// providers.
func (e *Engine) UpdateMetadata(ctx context.Context) error {
	lat, lng := 0.0, 0.0
	if e.deps.LocationProvider != nil {
		if la, lo, ok := e.deps.LocationProvider.Location(); ok {
			lat, lng = la, lo
		}
	}
	battery := 100
	if e.deps.BatteryProvider != nil {
		battery = e.deps.BatteryProvider.Level()
	}

	in := roles.Inputs{
		NodeID:      e.selfID,
		Battery:     battery,
		HasInternet: e.prober.Check(ctx, false),
		Latitude:    lat,
		Longitude:   lng,
		SignalDbm:   e.deps.LinkLayer.GetSignalStrength(),
		Triage:      packet.TriageNone,
	}
	if err := e.roleCtl.UpdateMetadata(ctx, in); err != nil {
		return &LinkLayerError{Err: err}
	}
	return nil
}

// ForceRelay requests an immediate orchestrator tick.
func (e *Engine) ForceRelay() {
	e.orchestrator.ForceRelay()
}

// --- Streams ---

func (e *Engine) Neighbors() <-chan []adapters.NodeInfo      { return e.neighborsStream.Subscribe() }
func (e *Engine) SosAlerts() <-chan ingress.ReceivedSos      { return e.ingressH.ResponderStream() }
func (e *Engine) RelayLog() <-chan packet.MeshPacket         { return e.ingressH.RelayStream() }
func (e *Engine) ImmediateForwards() <-chan string           { return e.ingressH.ImmediateForwards() }
func (e *Engine) RelayStats() <-chan relay.StatsSnapshot     { return e.orchestrator.Stats() }
func (e *Engine) RelayActivity() <-chan relay.ActivityEvent  { return e.orchestrator.Activity() }
func (e *Engine) RelayDiagnostics() <-chan ingress.DiagEvent { return e.ingressH.Diagnostics() }
func (e *Engine) ConnectivityChanges() <-chan bool           { return e.connectivityStream.Subscribe() }

func marshalSos(s packet.SosPayload) (string, error) {
	b, err := json.Marshal(s)
	if err != nil {
		return "", fmt.Errorf("marshal sos payload: %w", err)
	}
	return string(b), nil
}

func decodeSosInto(payload string, out *packet.SosPayload) error {
	return json.Unmarshal([]byte(payload), out)
}

// Diagnostics returns a point-in-time snapshot for host UIs and the
// optional websocket fan-out.
func (e *Engine) Diagnostics() map[string]any {
	stats := e.outbox.StatsSnapshot()
	return map[string]any{
		"self_id":        e.selfID,
		"running":        e.running,
		"outbox_pending": stats.Pending,
		"outbox_sent":    stats.Sent,
		"outbox_failed":  stats.Failed,
		"seen_entries":   e.seen.Len(),
		"current_role":   e.roleCtl.CurrentRole(),
	}
}
