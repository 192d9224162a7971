package ledger

import (
	"context"
	"sync"
	"time"
)

// MemoryLedger is a map-backed Ledger for tests and single-process
// runs. A mutex around the map gives the same single-winner guarantee
// SETNX gives in Redis.
type MemoryLedger struct {
	mu      sync.Mutex
	records map[string]Record
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{records: make(map[string]Record)}
}

func (l *MemoryLedger) RecordIfNew(_ context.Context, consumerID, eventID string) (bool, error) {
	key := ledgerKey(consumerID, eventID)

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, seen := l.records[key]; seen {
		return false, nil
	}
	l.records[key] = Record{
		ConsumerID:  consumerID,
		EventID:     eventID,
		ProcessedAt: time.Now().UTC(),
	}
	return true, nil
}

func (l *MemoryLedger) Forget(_ context.Context, consumerID, eventID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.records, ledgerKey(consumerID, eventID))
	return nil
}

// Len reports how many claims the ledger holds. Test helper.
func (l *MemoryLedger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.records)
}
