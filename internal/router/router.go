// Package router implements the neighbor hard-filter and scoring pass
// : picking the best next hop for a packet out of a neighbor
// snapshot, without mutating either.
package router

import (
	"sort"
	"time"

	"github.com/Srikantmodi/rescuenet/internal/adapters"
	"github.com/Srikantmodi/rescuenet/internal/packet"
)

// Weights controls the scoring formula.
type Weights struct {
	Internet float64
	Battery  float64
	Signal   float64
}

var DefaultWeights = Weights{Internet: 50, Battery: 25, Signal: 10}

// Candidate is one ranked neighbor with its sub-scores, used by Explain
// for diagnostics.
type Candidate struct {
	Node          adapters.NodeInfo
	Score         float64
	InternetScore float64
	BatteryScore  float64
	SignalScore   float64
	Eligible      bool
	RejectReason  string
}

// RoutingDecision is the full ranked explanation for a packet.
type RoutingDecision struct {
	Candidates []Candidate
	Selected   *adapters.NodeInfo
}

// Router scores and selects next hops. It holds no packet or neighbor
// state of its own; callers pass fresh snapshots each call.
type Router struct {
	weights      Weights
	staleTimeout time.Duration
}

func New() *Router {
	return &Router{weights: DefaultWeights, staleTimeout: adapters.DefaultStaleTimeout}
}

func NewWithWeights(w Weights, staleTimeout time.Duration) *Router {
	if staleTimeout <= 0 {
		staleTimeout = adapters.DefaultStaleTimeout
	}
	return &Router{weights: w, staleTimeout: staleTimeout}
}

// isEligible applies the hard filter: a candidate already involved in
// the packet's path, gone stale, or opted out of relaying is still scored
// for Explain but ranks after every eligible one and is never selected.
func isEligible(n adapters.NodeInfo, p packet.MeshPacket, nowMs int64, staleTimeout time.Duration) (bool, string) {
	if p.InTrace(n.ID) {
		return false, "in_trace"
	}
	if n.ID == p.OriginatorID() {
		return false, "is_originator"
	}
	if prev, ok := p.PreviousHop(); ok && n.ID == prev {
		return false, "is_previous_hop"
	}
	if n.IsStale(nowMs, staleTimeout) {
		return false, "stale"
	}
	if !n.IsAvailableForRelay {
		return false, "unavailable_for_relay"
	}
	return true, ""
}

func (r *Router) score(n adapters.NodeInfo) (total, internet, battery, signal float64) {
	if n.HasInternet {
		internet = r.weights.Internet
	}
	battery = r.weights.Battery * n.NormalizedBattery()
	signal = r.weights.Signal * n.NormalizedSignal()
	total = internet + battery + signal
	return
}

// Explain returns the ranked candidate list with per-candidate
// sub-scores and the final selection, for diagnostics streams.
func (r *Router) Explain(neighbors []adapters.NodeInfo, p packet.MeshPacket, selfID string, nowMs int64) RoutingDecision {
	cands := make([]Candidate, 0, len(neighbors))
	for _, n := range neighbors {
		if n.ID == selfID {
			continue
		}
		eligible, reason := isEligible(n, p, nowMs, r.staleTimeout)
		total, internet, battery, signal := r.score(n)
		cands = append(cands, Candidate{
			Node: n, Score: total, InternetScore: internet,
			BatteryScore: battery, SignalScore: signal,
			Eligible: eligible, RejectReason: reason,
		})
	}

	sort.SliceStable(cands, func(i, j int) bool {
		a, b := cands[i], cands[j]
		if a.Eligible != b.Eligible {
			return a.Eligible && !b.Eligible
		}
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.Node.BatteryLevel != b.Node.BatteryLevel {
			return a.Node.BatteryLevel > b.Node.BatteryLevel
		}
		if a.Node.SignalStrengthDbm != b.Node.SignalStrengthDbm {
			return a.Node.SignalStrengthDbm > b.Node.SignalStrengthDbm
		}
		return a.Node.ID < b.Node.ID
	})

	decision := RoutingDecision{Candidates: cands}
	if len(cands) > 0 && cands[0].Eligible {
		node := cands[0].Node
		decision.Selected = &node
	}
	return decision
}

// SelectBest returns the top-scored eligible neighbor, or nil if none
// qualify. It never mutates packet or neighbors.
func (r *Router) SelectBest(neighbors []adapters.NodeInfo, p packet.MeshPacket, selfID string, nowMs int64) *adapters.NodeInfo {
	return r.Explain(neighbors, p, selfID, nowMs).Selected
}
