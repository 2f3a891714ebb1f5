package store

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/Srikantmodi/rescuenet/internal/adapters"
	"github.com/Srikantmodi/rescuenet/internal/packet"
)

// Status is an OutboxEntry's lifecycle state.
type Status string

const (
	StatusPending Status = "pending"
	StatusSent    Status = "sent"
	StatusFailed  Status = "failed"
)

const (
	MaxRetriesDefault = 3
	MaxRetriesSOS     = 10
)

// OutboxEntry holds the original received packet (no local hop appended)
// plus retry bookkeeping.
type OutboxEntry struct {
	Packet        packet.MeshPacket
	Status        Status
	RetryCount    int
	LastAttemptMs int64
	CreatedMs     int64
}

// outboxRecord is the on-disk JSON shape.
type outboxRecord struct {
	PacketBytes   json.RawMessage `json:"packet"`
	Status        Status          `json:"status"`
	RetryCount    int             `json:"retry_count"`
	LastAttemptMs int64           `json:"last_attempt_ms"`
	CreatedMs     int64           `json:"created_ms"`
}

func encodeEntry(e OutboxEntry) ([]byte, error) {
	packetBytes, err := packet.Encode(e.Packet)
	if err != nil {
		return nil, fmt.Errorf("encode outbox packet: %w", err)
	}
	rec := outboxRecord{
		PacketBytes:   packetBytes,
		Status:        e.Status,
		RetryCount:    e.RetryCount,
		LastAttemptMs: e.LastAttemptMs,
		CreatedMs:     e.CreatedMs,
	}
	return json.Marshal(rec)
}

func decodeEntry(data []byte) (OutboxEntry, error) {
	var rec outboxRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return OutboxEntry{}, fmt.Errorf("decode outbox record: %w", err)
	}
	res, err := packet.Decode(rec.PacketBytes)
	if err != nil {
		return OutboxEntry{}, fmt.Errorf("decode outbox packet: %w", err)
	}
	return OutboxEntry{
		Packet:        res.Packet,
		Status:        rec.Status,
		RetryCount:    rec.RetryCount,
		LastAttemptMs: rec.LastAttemptMs,
		CreatedMs:     rec.CreatedMs,
	}, nil
}

// Outbox is the engine-owned store-and-forward queue. It keeps an
// in-memory index for ordering and durably persists every mutation
// through a Storage adapter, so a process restart preserves pending
// entries.
type Outbox struct {
	mu      sync.Mutex
	storage adapters.Storage
	clock   adapters.Clock
	entries map[string]OutboxEntry
}

// NewOutbox loads any previously-persisted entries from storage.
func NewOutbox(storage adapters.Storage, clock adapters.Clock) (*Outbox, error) {
	o := &Outbox{storage: storage, clock: clock, entries: make(map[string]OutboxEntry)}
	raw, err := storage.GetOutboxEntries()
	if err != nil {
		return nil, fmt.Errorf("load outbox: %w", err)
	}
	for id, data := range raw {
		entry, err := decodeEntry(data)
		if err != nil {
			return nil, fmt.Errorf("load outbox entry %s: %w", id, err)
		}
		o.entries[id] = entry
	}
	return o, nil
}

func (o *Outbox) persist(id string, e OutboxEntry) error {
	data, err := encodeEntry(e)
	if err != nil {
		return err
	}
	return o.storage.PutOutboxEntry(id, data)
}

// Add inserts packet as a pending entry; idempotent by id.
func (o *Outbox) Add(p packet.MeshPacket) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if _, exists := o.entries[p.ID()]; exists {
		return nil
	}
	entry := OutboxEntry{
		Packet:    p,
		Status:    StatusPending,
		CreatedMs: o.clock.Now().UnixMilli(),
	}
	if err := o.persist(p.ID(), entry); err != nil {
		return fmt.Errorf("add outbox entry: %w", err)
	}
	o.entries[p.ID()] = entry
	return nil
}

// PendingEntries returns pending entries ordered by (priority desc,
// created_ms asc), stable under ties.
func (o *Outbox) PendingEntries() []OutboxEntry {
	o.mu.Lock()
	defer o.mu.Unlock()

	out := make([]OutboxEntry, 0, len(o.entries))
	for _, e := range o.entries {
		if e.Status == StatusPending {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Packet.Priority() != out[j].Packet.Priority() {
			return out[i].Packet.Priority() > out[j].Packet.Priority()
		}
		return out[i].CreatedMs < out[j].CreatedMs
	})
	return out
}

// MarkSent transitions an entry to sent.
func (o *Outbox) MarkSent(id string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	entry, ok := o.entries[id]
	if !ok {
		return fmt.Errorf("mark sent: unknown outbox entry %s", id)
	}
	entry.Status = StatusSent
	entry.LastAttemptMs = o.clock.Now().UnixMilli()
	if err := o.persist(id, entry); err != nil {
		return fmt.Errorf("mark sent: %w", err)
	}
	o.entries[id] = entry
	return nil
}

func maxRetriesFor(p packet.MeshPacket) int {
	if p.IsSOS() {
		return MaxRetriesSOS
	}
	return MaxRetriesDefault
}

// MarkFailed records a failed send attempt and classifies the outcome:
// willRetry means the entry stays pending for another cycle; permanent
// means retries are exhausted or the packet is no longer alive, and the
// entry transitions to failed.
func (o *Outbox) MarkFailed(id string) (willRetry bool, permanent bool, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	entry, ok := o.entries[id]
	if !ok {
		return false, false, fmt.Errorf("mark failed: unknown outbox entry %s", id)
	}
	entry.RetryCount++
	entry.LastAttemptMs = o.clock.Now().UnixMilli()

	if !entry.Packet.IsAlive() || entry.RetryCount >= maxRetriesFor(entry.Packet) {
		entry.Status = StatusFailed
		permanent = true
	} else {
		willRetry = true
	}

	if err := o.persist(id, entry); err != nil {
		return false, false, fmt.Errorf("mark failed: %w", err)
	}
	o.entries[id] = entry
	return willRetry, permanent, nil
}

// Remove deletes an entry outright (used for immediate permanent drops,
// e.g. ttl exhaustion discovered before any send attempt).
func (o *Outbox) Remove(id string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if err := o.storage.DeleteOutboxEntry(id); err != nil {
		return fmt.Errorf("remove outbox entry: %w", err)
	}
	delete(o.entries, id)
	return nil
}

// GetAll returns every entry regardless of status.
func (o *Outbox) GetAll() []OutboxEntry {
	o.mu.Lock()
	defer o.mu.Unlock()

	out := make([]OutboxEntry, 0, len(o.entries))
	for _, e := range o.entries {
		out = append(out, e)
	}
	return out
}

// Get returns a single entry by id.
func (o *Outbox) Get(id string) (OutboxEntry, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	e, ok := o.entries[id]
	return e, ok
}

// Stats is the {pending, sent, failed} counter triple.
type Stats struct {
	Pending int
	Sent    int
	Failed  int
}

func (o *Outbox) StatsSnapshot() Stats {
	o.mu.Lock()
	defer o.mu.Unlock()

	var s Stats
	for _, e := range o.entries {
		switch e.Status {
		case StatusPending:
			s.Pending++
		case StatusSent:
			s.Sent++
		case StatusFailed:
			s.Failed++
		}
	}
	return s
}
