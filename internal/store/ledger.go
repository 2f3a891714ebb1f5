package store

import (
	"fmt"
	"sync"
	"time"

	"github.com/Srikantmodi/rescuenet/internal/adapters"
)

// UploadLedger is the persistent set of packet ids successfully
// delivered to the cloud sink, disjoint from the outbox's
// mesh-delivery bookkeeping.
type UploadLedger struct {
	mu      sync.Mutex
	storage adapters.Storage
	ledger  map[string]time.Time
}

func NewUploadLedger(storage adapters.Storage) (*UploadLedger, error) {
	l := &UploadLedger{storage: storage, ledger: make(map[string]time.Time)}
	raw, err := storage.GetUploadLedger()
	if err != nil {
		return nil, fmt.Errorf("load upload ledger: %w", err)
	}
	for id, iso := range raw {
		t, err := time.Parse(time.RFC3339, iso)
		if err != nil {
			continue
		}
		l.ledger[id] = t
	}
	return l, nil
}

// Contains reports whether id has already been delivered to the cloud
// sink. It is the authority sync_pending consults before re-posting.
func (l *UploadLedger) Contains(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.ledger[id]
	return ok
}

// MarkDelivered records id as delivered at t, persisting before updating
// the in-memory view. A crash between the two never reports a
// "delivered" that storage does not also know about, and a restart
// recovers the full set.
func (l *UploadLedger) MarkDelivered(id string, t time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.storage.PutUploadLedgerEntry(id, t.UTC().Format(time.RFC3339)); err != nil {
		return fmt.Errorf("mark delivered: %w", err)
	}
	l.ledger[id] = t
	return nil
}

// All returns a snapshot of the full ledger.
func (l *UploadLedger) All() map[string]time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[string]time.Time, len(l.ledger))
	for k, v := range l.ledger {
		out[k] = v
	}
	return out
}
