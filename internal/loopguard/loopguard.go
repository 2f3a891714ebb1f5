// Package loopguard implements the pre-forward loop detector and the
// on-receive integrity checker.
package loopguard

import (
	"github.com/Srikantmodi/rescuenet/internal/packet"
)

// Reason names why a decision rejected a candidate.
type Reason string

const (
	ReasonNone              Reason = ""
	TtlExpired              Reason = "ttl_expired"
	TargetInTrace           Reason = "target_in_trace"
	TargetIsOriginator      Reason = "target_is_originator"
	TargetIsPreviousHop     Reason = "target_is_previous_hop"
	AlreadyProcessed        Reason = "already_processed"
	TraceTooLong            Reason = "trace_too_long"
	InvalidTtl              Reason = "invalid_ttl"
	PacketDead              Reason = "packet_dead"
	TraceEmpty              Reason = "trace_empty"
	TraceOriginatorMismatch Reason = "trace_originator_mismatch"
	TraceDuplicate          Reason = "trace_duplicate"
	EmptyID                 Reason = "empty_id"
	EmptyOriginator         Reason = "empty_originator"
	SelfNotLastHop          Reason = "self_not_last_hop"
)

// MaxTraceLength bounds a sane trace: one entry per remaining ttl plus the
// originator.
const MaxTraceLength = packet.MaxTTL + 1

// Decision is the Allowed/Rejected(reason) result of a guard check.
type Decision struct {
	Allowed bool
	Reason  Reason
}

func allow() Decision { return Decision{Allowed: true} }

func reject(r Reason) Decision { return Decision{Allowed: false, Reason: r} }

// CanForwardTo decides whether target_id is an eligible next hop for
// packet, independent of scoring.
func CanForwardTo(p packet.MeshPacket, targetID, selfID string) Decision {
	if r := checkIntegrity(p); r != ReasonNone {
		return reject(r)
	}
	if p.TTL() < 0 || p.TTL() > packet.MaxTTL {
		return reject(InvalidTtl)
	}
	if !p.IsAlive() {
		return reject(TtlExpired)
	}
	if len(p.Trace()) > MaxTraceLength {
		return reject(TraceTooLong)
	}
	if targetID == selfID {
		return reject(AlreadyProcessed)
	}
	if targetID == p.OriginatorID() {
		return reject(TargetIsOriginator)
	}
	if prev, ok := p.PreviousHop(); ok && targetID == prev {
		return reject(TargetIsPreviousHop)
	}
	if p.InTrace(targetID) {
		return reject(TargetInTrace)
	}
	return allow()
}

// ShouldProcess decides whether a received packet is eligible to be acted
// on by this node at all, prior to dedup/routing.
func ShouldProcess(p packet.MeshPacket, selfID string) Decision {
	if r := checkIntegrity(p); r != ReasonNone {
		return reject(r)
	}
	if !p.IsAlive() {
		return reject(PacketDead)
	}
	if selfID != "" {
		trace := p.Trace()
		if idx := indexOf(trace, selfID); idx >= 0 && idx != len(trace)-1 {
			return reject(SelfNotLastHop)
		}
	}
	return allow()
}

func checkIntegrity(p packet.MeshPacket) Reason {
	if p.ID() == "" {
		return EmptyID
	}
	if p.OriginatorID() == "" {
		return EmptyOriginator
	}
	trace := p.Trace()
	if len(trace) == 0 {
		return TraceEmpty
	}
	if trace[0] != p.OriginatorID() {
		return TraceOriginatorMismatch
	}
	seen := make(map[string]struct{}, len(trace))
	for _, id := range trace {
		if _, dup := seen[id]; dup {
			return TraceDuplicate
		}
		seen[id] = struct{}{}
	}
	return ReasonNone
}

func indexOf(s []string, v string) int {
	for i, x := range s {
		if x == v {
			return i
		}
	}
	return -1
}
