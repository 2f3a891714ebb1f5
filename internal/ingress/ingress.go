// Package ingress implements the received-frame pipeline: decode,
// dedup, loop/integrity checks, then routing to the responder stream
// (goal path) or the relay stream plus an immediate forward attempt.
package ingress

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/Srikantmodi/rescuenet/internal/adapters"
	"github.com/Srikantmodi/rescuenet/internal/connectivity"
	"github.com/Srikantmodi/rescuenet/internal/dedup"
	"github.com/Srikantmodi/rescuenet/internal/loopguard"
	"github.com/Srikantmodi/rescuenet/internal/packet"
	"github.com/Srikantmodi/rescuenet/internal/relay"
	"github.com/Srikantmodi/rescuenet/internal/router"
	"github.com/Srikantmodi/rescuenet/internal/store"
	"github.com/Srikantmodi/rescuenet/internal/util"
)

// ReceivedSos is emitted on the responder (goal-path) stream.
type ReceivedSos struct {
	Packet        packet.MeshPacket
	Sos           packet.SosPayload
	ReceivedAt    time.Time
	SenderAddress string
}

// DiagEvent is the {packet_id, stage, detail} record emitted for every
// error regardless of recovery path.
type DiagEvent struct {
	PacketID string
	Stage    string
	Detail   string
	At       time.Time
}

// Counters tracks the silently-dropped classes of traffic (decode
// errors, loop rejections); these never surface to the UI individually,
// only in aggregate.
type Counters struct {
	DecodeErrors   int
	LoopRejections int
	DuplicatesSeen int
}

// Handler wires the ingress pipeline. It holds the outbox, seen cache,
// router, and orchestrator as narrow capabilities; it does not import
// the engine.
type Handler struct {
	selfID       string
	seen         *dedup.SeenCache
	prober       *connectivity.Prober
	outbox       *store.Outbox
	orchestrator *relay.Orchestrator
	rt           *router.Router
	linkLayer    adapters.LinkLayer
	clock        adapters.Clock

	counters Counters

	responderStream *util.Broadcaster[ReceivedSos]
	relayStream     *util.Broadcaster[packet.MeshPacket]
	immediateFwd    *util.Broadcaster[string]
	diagnostics     *util.Broadcaster[DiagEvent]
}

func New(
	selfID string,
	seen *dedup.SeenCache,
	prober *connectivity.Prober,
	outbox *store.Outbox,
	orchestrator *relay.Orchestrator,
	rt *router.Router,
	linkLayer adapters.LinkLayer,
	clock adapters.Clock,
) *Handler {
	return &Handler{
		selfID:          selfID,
		seen:            seen,
		prober:          prober,
		outbox:          outbox,
		orchestrator:    orchestrator,
		rt:              rt,
		linkLayer:       linkLayer,
		clock:           clock,
		responderStream: util.NewBroadcaster[ReceivedSos](16),
		relayStream:     util.NewBroadcaster[packet.MeshPacket](16),
		immediateFwd:    util.NewBroadcaster[string](16),
		diagnostics:     util.NewBroadcaster[DiagEvent](64),
	}
}

func (h *Handler) ResponderStream() <-chan ReceivedSos   { return h.responderStream.Subscribe() }
func (h *Handler) RelayStream() <-chan packet.MeshPacket { return h.relayStream.Subscribe() }
func (h *Handler) ImmediateForwards() <-chan string      { return h.immediateFwd.Subscribe() }
func (h *Handler) Diagnostics() <-chan DiagEvent         { return h.diagnostics.Subscribe() }
func (h *Handler) Counters() Counters                    { return h.counters }

func (h *Handler) diag(packetID, stage, detail string) {
	h.diagnostics.Publish(DiagEvent{PacketID: packetID, Stage: stage, Detail: detail, At: h.clock.Now()})
}

// PublishSosDirectly emits an already-built ReceivedSos straight to the
// responder stream, without running it back through decode/dedup. This
// is the orchestrator's try-local-goal-deliver path: the
// packet was already ingressed and queued earlier while this node was
// still offline, and now only needs to surface on sos_alerts.
func (h *Handler) PublishSosDirectly(ev ReceivedSos) {
	h.responderStream.Publish(ev)
}

// HandleFrame is the entry point for a raw received frame: decode → dedup
// → loop check → SOS goal-path branch → handle_forward_or_deliver.
func (h *Handler) HandleFrame(ctx context.Context, senderAddress string, raw []byte) {
	res, err := packet.Decode(raw)
	if err != nil {
		h.counters.DecodeErrors++
		h.diag("", "decode", err.Error())
		log.Printf("ingress: decode error from %s: %v", senderAddress, err)
		return
	}
	p := res.Packet
	if res.TimestampSkew {
		h.diag(p.ID(), "decode", "timestamp skew flagged")
	}

	if h.seen.CheckAndMark(p.ID()) {
		h.counters.DuplicatesSeen++
		h.diag(p.ID(), "dedup", "already seen")
		return
	}

	if d := loopguard.ShouldProcess(p, h.selfID); !d.Allowed {
		h.counters.LoopRejections++
		h.diag(p.ID(), "loop_guard", string(d.Reason))
		return
	}

	knownOnline := false
	if p.PacketType() == packet.TypeSOS {
		knownOnline = h.prober.Check(ctx, true)
		if knownOnline {
			sos, err := decodeSos(p.Payload())
			if err != nil {
				h.diag(p.ID(), "sos_payload", err.Error())
			} else {
				h.responderStream.Publish(ReceivedSos{
					Packet: p, Sos: sos, ReceivedAt: h.clock.Now(), SenderAddress: senderAddress,
				})
			}
			if err := h.outbox.Add(p); err != nil {
				h.diag(p.ID(), "outbox", err.Error())
			}
		} else {
			h.relayStream.Publish(p)
		}
	}

	h.handleForwardOrDeliver(ctx, p, senderAddress, knownOnline)
}

func decodeSos(payload string) (packet.SosPayload, error) {
	var s packet.SosPayload
	err := json.Unmarshal([]byte(payload), &s)
	return s, err
}

// handleForwardOrDeliver: a goal-path SOS is never forwarded further;
// everything else is persisted with the original (hop-less) packet, then
// exactly one hop is added for the immediate forward attempt.
func (h *Handler) handleForwardOrDeliver(ctx context.Context, p packet.MeshPacket, senderAddress string, knownOnline bool) {
	if !p.IsAlive() {
		h.diag(p.ID(), "forward", "ttl expired, dropped")
		return
	}
	if knownOnline && p.PacketType() == packet.TypeSOS {
		return
	}

	if err := h.outbox.Add(p); err != nil {
		h.diag(p.ID(), "outbox", err.Error())
		return
	}

	hopAdded, err := p.AddHop(h.selfID)
	if err != nil {
		h.diag(p.ID(), "forward", err.Error())
		return
	}

	neighbors := h.linkLayer.CurrentNeighbors()
	best := h.rt.SelectBest(neighbors, p, h.selfID, h.clock.Now().UnixMilli())
	if best == nil {
		h.diag(p.ID(), "forward", "no eligible next hop, left for periodic drain")
		return
	}

	if err := h.orchestrator.AttemptForward(ctx, hopAdded, *best); err != nil {
		h.diag(p.ID(), "forward", err.Error())
		return
	}
	if err := h.outbox.MarkSent(p.ID()); err != nil {
		h.diag(p.ID(), "outbox", err.Error())
		return
	}
	h.immediateFwd.Publish(p.ID())
}
