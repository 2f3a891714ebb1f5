// Package relay implements the relay orchestrator: a single
// cooperative task that periodically (and on event-driven nudges) drains
// the outbox, picks a next hop via the router, and attempts a
// connect-and-send, with retry/backoff and stats/activity streams.
package relay

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/Srikantmodi/rescuenet/internal/adapters"
	"github.com/Srikantmodi/rescuenet/internal/packet"
	"github.com/Srikantmodi/rescuenet/internal/router"
	"github.com/Srikantmodi/rescuenet/internal/store"
)

const (
	DefaultInterval               = 10 * time.Second
	DefaultMaxConsecutiveFailures = 3
	backoffBase                   = 5 * time.Second
	backoffCap                    = 60 * time.Second
)

type ActivityKind string

const (
	ActivityChecking    ActivityKind = "checking"
	ActivityNoNeighbors ActivityKind = "no_neighbors"
	ActivityNoRoute     ActivityKind = "no_route"
	ActivitySelected    ActivityKind = "selected"
	ActivityConnecting  ActivityKind = "connecting"
	ActivitySent        ActivityKind = "sent"
	ActivityFailed      ActivityKind = "failed"
	ActivityExpired     ActivityKind = "expired"
	ActivityPaused      ActivityKind = "paused"
	ActivityStarted     ActivityKind = "started"
	ActivityStopped     ActivityKind = "stopped"
)

// ActivityEvent is a single decision-point record for the relay_activity
// stream.
type ActivityEvent struct {
	Kind     ActivityKind
	PacketID string
	Target   string
	Detail   string
	At       time.Time
}

// StatsSnapshot backs the relay_stats stream.
type StatsSnapshot struct {
	PacketsSent         int
	TransientFailures   int
	PermanentDrops      int
	PendingCount        int
	NeighborsCount      int
	Running             bool
	ConsecutiveFailures int
}

// Orchestrator holds references to the outbox, link layer, router and
// clock only (plus an optional try-local-goal-deliver callback), per the design note
// breaking the router/orchestrator/engine reference cycle.
type Orchestrator struct {
	mu        sync.Mutex
	selfID    string
	outbox    *store.Outbox
	linkLayer adapters.LinkLayer
	rt        *router.Router
	clock     adapters.Clock

	tryLocalGoalDeliver func(packet.MeshPacket) bool

	interval               time.Duration
	maxConsecutiveFailures int

	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	nudge   chan struct{}

	packetsSent         int
	transientFailures   int
	permanentDrops      int
	consecutiveFailures int
	pauseBackoff        *backoff.ExponentialBackOff

	statsListeners    []chan StatsSnapshot
	activityListeners []chan ActivityEvent
}

func New(outbox *store.Outbox, linkLayer adapters.LinkLayer, rt *router.Router, clock adapters.Clock) *Orchestrator {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = backoffBase
	bo.MaxInterval = backoffCap
	bo.Multiplier = 2
	bo.RandomizationFactor = 0.3
	bo.MaxElapsedTime = 0
	return &Orchestrator{
		outbox:                 outbox,
		linkLayer:              linkLayer,
		rt:                     rt,
		clock:                  clock,
		interval:               DefaultInterval,
		maxConsecutiveFailures: DefaultMaxConsecutiveFailures,
		nudge:                  make(chan struct{}, 1),
		pauseBackoff:           bo,
	}
}

// SetInterval overrides the default 10s tick interval; must be called
// before Start.
func (o *Orchestrator) SetInterval(d time.Duration) {
	o.mu.Lock()
	o.interval = d
	o.mu.Unlock()
}

// SetTryLocalGoalDeliver installs the optional callback the engine uses
// to let the orchestrator check "have I since become the goal node" for
// a queued packet, without the orchestrator importing the engine.
func (o *Orchestrator) SetTryLocalGoalDeliver(fn func(packet.MeshPacket) bool) {
	o.mu.Lock()
	o.tryLocalGoalDeliver = fn
	o.mu.Unlock()
}

func (o *Orchestrator) Stats() <-chan StatsSnapshot {
	o.mu.Lock()
	defer o.mu.Unlock()
	ch := make(chan StatsSnapshot, 4)
	o.statsListeners = append(o.statsListeners, ch)
	return ch
}

func (o *Orchestrator) Activity() <-chan ActivityEvent {
	o.mu.Lock()
	defer o.mu.Unlock()
	ch := make(chan ActivityEvent, 32)
	o.activityListeners = append(o.activityListeners, ch)
	return ch
}

func (o *Orchestrator) emitActivity(kind ActivityKind, packetID, target, detail string) {
	ev := ActivityEvent{Kind: kind, PacketID: packetID, Target: target, Detail: detail, At: o.clock.Now()}
	o.mu.Lock()
	listeners := append([]chan ActivityEvent(nil), o.activityListeners...)
	o.mu.Unlock()
	for _, ch := range listeners {
		select {
		case ch <- ev:
		default:
		}
	}
}

func (o *Orchestrator) emitStats() {
	o.mu.Lock()
	snap := StatsSnapshot{
		PacketsSent:         o.packetsSent,
		TransientFailures:   o.transientFailures,
		PermanentDrops:      o.permanentDrops,
		Running:             o.running,
		ConsecutiveFailures: o.consecutiveFailures,
	}
	listeners := append([]chan StatsSnapshot(nil), o.statsListeners...)
	o.mu.Unlock()

	snap.PendingCount = len(o.outbox.PendingEntries())
	snap.NeighborsCount = len(o.linkLayer.CurrentNeighbors())

	for _, ch := range listeners {
		select {
		case ch <- snap:
		default:
			// drop the stale snapshot and push the fresh one, matching the
			// "late subscribers see current snapshot" contract for stateful
			// topics without blocking the orchestrator.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- snap:
			default:
			}
		}
	}
}

// Start rejects an empty selfID and begins the tick loop.
func (o *Orchestrator) Start(ctx context.Context, selfID string) error {
	if selfID == "" {
		return fmt.Errorf("relay: self_id must not be empty")
	}
	o.mu.Lock()
	if o.running {
		o.mu.Unlock()
		return nil
	}
	o.selfID = selfID
	runCtx, cancel := context.WithCancel(ctx)
	o.cancel = cancel
	o.running = true
	o.mu.Unlock()

	o.emitActivity(ActivityStarted, "", "", "")
	o.wg.Add(1)
	go o.loop(runCtx)
	return nil
}

func (o *Orchestrator) Stop() {
	o.mu.Lock()
	if !o.running {
		o.mu.Unlock()
		return
	}
	o.running = false
	cancel := o.cancel
	o.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	o.wg.Wait()
	o.emitActivity(ActivityStopped, "", "", "")
	o.emitStats()
}

// ForceRelay requests an immediate tick, coalescing with any
// already-pending nudge.
func (o *Orchestrator) ForceRelay() {
	select {
	case o.nudge <- struct{}{}:
	default:
	}
}

// NotifyNeighborsAvailable is the event-driven nudge fired when the
// neighbor set becomes non-empty while the outbox is non-empty.
func (o *Orchestrator) NotifyNeighborsAvailable() {
	o.ForceRelay()
}

func (o *Orchestrator) loop(ctx context.Context) {
	defer o.wg.Done()
	ticker := time.NewTicker(o.interval)
	defer ticker.Stop()

	for {
		o.tick(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-o.nudge:
		}
	}
}

func (o *Orchestrator) tick(ctx context.Context) {
	pending := o.outbox.PendingEntries()
	o.emitActivity(ActivityChecking, "", "", fmt.Sprintf("pending=%d", len(pending)))
	if len(pending) == 0 {
		o.emitStats()
		return
	}

	neighbors := o.linkLayer.CurrentNeighbors()
	if len(neighbors) == 0 {
		o.emitActivity(ActivityNoNeighbors, "", "", "")
	}

	for _, entry := range pending {
		select {
		case <-ctx.Done():
			return
		default:
		}

		p := entry.Packet
		if !p.IsAlive() {
			if err := o.outbox.Remove(p.ID()); err != nil {
				o.emitActivity(ActivityFailed, p.ID(), "", err.Error())
			}
			o.mu.Lock()
			o.permanentDrops++
			o.mu.Unlock()
			o.emitActivity(ActivityExpired, p.ID(), "", "")
			continue
		}

		o.mu.Lock()
		deliverFn := o.tryLocalGoalDeliver
		o.mu.Unlock()
		if deliverFn != nil && deliverFn(p) {
			if err := o.outbox.MarkSent(p.ID()); err == nil {
				o.registerSuccess()
			}
			continue
		}

		best := o.rt.SelectBest(neighbors, p, o.selfID, o.clock.Now().UnixMilli())
		if best == nil {
			o.mu.Lock()
			o.transientFailures++
			o.mu.Unlock()
			o.emitActivity(ActivityNoRoute, p.ID(), "", "")
			continue
		}
		o.emitActivity(ActivitySelected, p.ID(), best.ID, "")

		toSend := p
		if !p.InTrace(o.selfID) {
			hopped, err := p.AddHop(o.selfID)
			if err != nil {
				o.emitActivity(ActivityFailed, p.ID(), best.ID, err.Error())
				continue
			}
			toSend = hopped
		}

		o.emitActivity(ActivityConnecting, p.ID(), best.ID, best.DeviceAddress)
		if err := o.AttemptForward(ctx, toSend, *best); err != nil {
			willRetry, permanent, mErr := o.outbox.MarkFailed(p.ID())
			if mErr != nil {
				o.emitActivity(ActivityFailed, p.ID(), best.ID, mErr.Error())
			}
			o.mu.Lock()
			if permanent {
				o.permanentDrops++
			} else if willRetry {
				o.transientFailures++
			}
			o.mu.Unlock()
			o.emitActivity(ActivityFailed, p.ID(), best.ID, err.Error())
			o.registerFailure()

			if o.shouldPause() {
				o.pauseWithBackoff(ctx)
				break
			}
		} else {
			if err := o.outbox.MarkSent(p.ID()); err != nil {
				o.emitActivity(ActivityFailed, p.ID(), best.ID, err.Error())
			}
			o.emitActivity(ActivitySent, p.ID(), best.ID, "")
			o.registerSuccess()
		}
	}
	o.emitStats()
}

func (o *Orchestrator) registerSuccess() {
	o.mu.Lock()
	o.packetsSent++
	o.consecutiveFailures = 0
	o.pauseBackoff.Reset()
	o.mu.Unlock()
}

func (o *Orchestrator) registerFailure() {
	o.mu.Lock()
	o.consecutiveFailures++
	o.mu.Unlock()
}

func (o *Orchestrator) shouldPause() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.consecutiveFailures >= o.maxConsecutiveFailures
}

// pauseWithBackoff sleeps for an exponential-with-jitter duration
// (base 5s, cap 60s, growing across successive pauses until a send
// succeeds) before resuming, then resets the failure counter.
func (o *Orchestrator) pauseWithBackoff(ctx context.Context) {
	o.mu.Lock()
	d := o.pauseBackoff.NextBackOff()
	o.mu.Unlock()
	if d == backoff.Stop || d > backoffCap {
		d = backoffCap
	}

	o.emitActivity(ActivityPaused, "", "", d.String())
	_ = o.clock.Sleep(ctx, d)

	o.mu.Lock()
	o.consecutiveFailures = 0
	o.mu.Unlock()
}

// AttemptForward serializes toSend and calls LinkLayer.ConnectAndSend;
// it is also used directly by the ingress handler's immediate-forward
// path.
func (o *Orchestrator) AttemptForward(ctx context.Context, toSend packet.MeshPacket, target adapters.NodeInfo) error {
	data, err := packet.Encode(toSend)
	if err != nil {
		return fmt.Errorf("attempt forward: encode: %w", err)
	}
	return o.linkLayer.ConnectAndSend(ctx, target.DeviceAddress, data)
}
