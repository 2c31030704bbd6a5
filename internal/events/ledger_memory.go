package events

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryLedger is an in-memory Ledger for tests and local runs.
type MemoryLedger struct {
	mu      sync.Mutex
	entries map[string]*Entry
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{entries: map[string]*Entry{}}
}

func (l *MemoryLedger) Record(_ context.Context, eventID string, kind Kind, payload []byte, now time.Time) (Entry, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if e, ok := l.entries[eventID]; ok {
		return *e, false, nil
	}
	e := &Entry{
		EventID:    eventID,
		Kind:       kind,
		Payload:    append([]byte(nil), payload...),
		ReceivedAt: now,
	}
	l.entries[eventID] = e
	return *e, true, nil
}

func (l *MemoryLedger) Get(_ context.Context, eventID string) (Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[eventID]
	if !ok {
		return Entry{}, ErrNotFound
	}
	return *e, nil
}

func (l *MemoryLedger) BeginAttempt(_ context.Context, eventID string) (Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[eventID]
	if !ok {
		return Entry{}, ErrNotFound
	}
	e.Attempts++
	return *e, nil
}

func (l *MemoryLedger) Complete(_ context.Context, eventID string, outcome Outcome, reconciliationID string, now time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[eventID]
	if !ok {
		return ErrNotFound
	}
	if e.ProcessedAt != nil {
		return nil
	}
	t := now
	e.ProcessedAt = &t
	e.Outcome = outcome
	e.ReconciliationID = reconciliationID
	return nil
}

func (l *MemoryLedger) ListUnprocessed(_ context.Context, receivedBefore time.Time, limit int) ([]Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []Entry
	for _, e := range l.entries {
		if e.ProcessedAt == nil && e.ReceivedAt.Before(receivedBefore) {
			out = append(out, *e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ReceivedAt.Before(out[j].ReceivedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
