// Package diagstream is an optional local websocket fan-out of the
// relay_activity and relay_diagnostics streams for a host UI: a browser
// or desktop shell connects to /ws/diag, replays the recent event
// buffer, and then receives every new event as a JSON frame.
package diagstream

import (
	"encoding/json"
	"errors"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 65536,
	// Local-only diagnostics surface; the host UI may load from a
	// webview origin (localhost, file://, etc.).
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Event is one serialized diagnostics record. Kind distinguishes the
// producing stream ("activity", "diag", "snapshot"); Data is the
// stream-specific payload.
type Event struct {
	Kind string    `json:"kind"`
	TS   time.Time `json:"ts"`
	Data any       `json:"data"`
}

// SnapshotFunc produces the point-in-time diagnostics object served on
// /api/diag and pushed periodically to websocket subscribers.
type SnapshotFunc func() map[string]any

// eventLog retains the most recent `keep` events for replay-on-subscribe.
// Events append to a slice that is allowed to grow to twice the retention
// cap before one bulk trim copies the tail down, so steady publishing
// does not shift memory on every event. Trimmed events are tallied in
// aged, which the snapshot endpoint reports so an operator can tell a
// quiet node from one whose history simply rolled over.
type eventLog struct {
	keep   int
	events []Event
	aged   uint64
}

func (l *eventLog) add(ev Event) {
	l.events = append(l.events, ev)
	if len(l.events) >= 2*l.keep {
		l.aged += uint64(len(l.events) - l.keep)
		l.events = append(l.events[:0], l.events[len(l.events)-l.keep:]...)
	}
}

// recent returns at most the last `keep` events, oldest first.
func (l *eventLog) recent() []Event {
	tail := l.events
	if len(tail) > l.keep {
		tail = tail[len(tail)-l.keep:]
	}
	out := make([]Event, len(tail))
	copy(out, tail)
	return out
}

// Hub buffers recent events and fans them out to websocket subscribers.
// New subscribers replay the buffered history before receiving live
// events, so a UI attached mid-run still sees how the node got here.
type Hub struct {
	mu   sync.Mutex
	log  eventLog
	subs map[chan Event]struct{}
}

func NewHub(max int) *Hub {
	if max <= 0 {
		max = 500
	}
	return &Hub{
		log:  eventLog{keep: max},
		subs: make(map[chan Event]struct{}),
	}
}

// Publish records ev and delivers it to every subscriber; a slow
// subscriber misses the event rather than blocking the publisher.
func (h *Hub) Publish(ev Event) {
	h.mu.Lock()
	h.log.add(ev)
	for ch := range h.subs {
		select {
		case ch <- ev:
		default:
		}
	}
	h.mu.Unlock()
}

// AgedOut reports how many events have rolled out of the replay window.
func (h *Hub) AgedOut() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.log.aged
}

// subscribe returns the replay snapshot plus a live channel.
func (h *Hub) subscribe() ([]Event, chan Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	replay := h.log.recent()
	ch := make(chan Event, 64)
	h.subs[ch] = struct{}{}
	return replay, ch
}

func (h *Hub) unsubscribe(ch chan Event) {
	h.mu.Lock()
	delete(h.subs, ch)
	h.mu.Unlock()
}

// Server serves the websocket fan-out plus a one-shot JSON snapshot
// endpoint on a local listen address.
type Server struct {
	hub      *Hub
	snapshot SnapshotFunc

	srv      *http.Server
	listener net.Listener
}

func NewServer(hub *Hub, snapshot SnapshotFunc) *Server {
	return &Server{hub: hub, snapshot: snapshot}
}

// Start binds addr and begins serving; it returns once the listener is
// bound so callers can read Addr() immediately.
func (s *Server) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws/diag", s.handleWS)
	mux.HandleFunc("/api/diag", s.handleSnapshot)

	s.listener = ln
	s.srv = &http.Server{Handler: mux}

	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("diagstream: server error: %v", err)
		}
	}()
	return nil
}

// Addr returns the bound listen address (useful when addr was ":0").
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

func (s *Server) Stop() {
	if s.srv != nil {
		_ = s.srv.Close()
	}
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	snap := map[string]any{}
	if s.snapshot != nil {
		snap = s.snapshot()
	}
	snap["diag_events_aged_out"] = s.hub.AgedOut()
	_ = json.NewEncoder(w).Encode(snap)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	replay, live := s.hub.subscribe()
	defer s.hub.unsubscribe(live)

	for _, ev := range replay {
		if err := conn.WriteJSON(ev); err != nil {
			return
		}
	}

	// Reader goroutine: we never expect client frames, but reading is
	// required to notice the peer closing.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-closed:
			return
		case ev := <-live:
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		}
	}
}
