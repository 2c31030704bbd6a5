package reconciliation

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store with the same compare-and-swap and uniqueness
// semantics as the Postgres implementation. Useful for tests and local runs.
type MemoryStore struct {
	mu   sync.Mutex
	rows map[string]*Reconciliation
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rows: map[string]*Reconciliation{}}
}

func (m *MemoryStore) Create(_ context.Context, r Reconciliation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.rows[r.ID]; ok {
		return ErrConflict
	}
	if r.Active() {
		for _, existing := range m.rows {
			if !existing.Active() {
				continue
			}
			if existing.IntakeID == r.IntakeID || existing.CorrelationKey == r.CorrelationKey {
				return ErrConflict
			}
		}
	}
	cp := r
	m.rows[r.ID] = &cp
	return nil
}

func (m *MemoryStore) GetByID(_ context.Context, id string) (Reconciliation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rows[id]
	if !ok {
		return Reconciliation{}, ErrNotFound
	}
	return *r, nil
}

func (m *MemoryStore) LatestByIntake(_ context.Context, intakeID string) (Reconciliation, error) {
	return m.preferActive(func(r *Reconciliation) bool { return r.IntakeID == intakeID })
}

func (m *MemoryStore) FindByCorrelationKey(_ context.Context, key string) (Reconciliation, error) {
	return m.preferActive(func(r *Reconciliation) bool { return r.CorrelationKey == key })
}

func (m *MemoryStore) FindByProviderCallID(_ context.Context, callID string) (Reconciliation, error) {
	return m.preferActive(func(r *Reconciliation) bool { return r.ProviderCallID == callID })
}

func (m *MemoryStore) preferActive(match func(*Reconciliation) bool) (Reconciliation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var best *Reconciliation
	for _, r := range m.rows {
		if !match(r) {
			continue
		}
		if best == nil || better(r, best) {
			best = r
		}
	}
	if best == nil {
		return Reconciliation{}, ErrNotFound
	}
	return *best, nil
}

// better orders active rows first, then newest first.
func better(a, b *Reconciliation) bool {
	if a.Active() != b.Active() {
		return a.Active()
	}
	return a.CreatedAt.After(b.CreatedAt)
}

func (m *MemoryStore) FindActiveByCallee(_ context.Context, callee string, from, to time.Time) ([]Reconciliation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Reconciliation
	for _, r := range m.rows {
		if !r.Active() || r.CalleeNumber != callee {
			continue
		}
		if r.CreatedAt.Before(from) || r.CreatedAt.After(to) {
			continue
		}
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) Transition(_ context.Context, id string, from []State, to State, p Patch, now time.Time) (Reconciliation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, err := m.guarded(id, from)
	if err != nil {
		return Reconciliation{}, err
	}
	r.State = to
	if ts := stateTimestamp(r, to); ts != nil {
		t := now
		*ts = &t
	}
	applyPatch(r, p, now)
	return *r, nil
}

func (m *MemoryStore) Annotate(_ context.Context, id string, expected []State, p Patch, now time.Time) (Reconciliation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, err := m.guarded(id, expected)
	if err != nil {
		return Reconciliation{}, err
	}
	applyPatch(r, p, now)
	return *r, nil
}

func (m *MemoryStore) RecordFailure(_ context.Context, id string, expected State, stage Stage, errMsg string, nextAt, now time.Time) (Reconciliation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, err := m.guarded(id, []State{expected})
	if err != nil {
		return Reconciliation{}, err
	}
	if stage == StageCleanup {
		r.CleanupAttemptCount++
	} else {
		r.AttemptCount++
	}
	t := now
	r.LastAttemptAt = &t
	r.LastError = errMsg
	if nextAt.IsZero() {
		r.NextAttemptAt = nil
	} else {
		n := nextAt
		r.NextAttemptAt = &n
	}
	r.UpdatedAt = now
	return *r, nil
}

func (m *MemoryStore) guarded(id string, expected []State) (*Reconciliation, error) {
	r, ok := m.rows[id]
	if !ok {
		return nil, ErrNotFound
	}
	for _, s := range expected {
		if r.State == s {
			return r, nil
		}
	}
	return nil, ErrStateMismatch
}

func applyPatch(r *Reconciliation, p Patch, now time.Time) {
	if p.ProviderCallID != "" {
		r.ProviderCallID = p.ProviderCallID
	}
	if p.ProviderRecordingID != "" {
		r.ProviderRecordingID = p.ProviderRecordingID
	}
	if p.DurableURI != "" {
		r.DurableURI = p.DurableURI
	}
	if p.DownloadRef != "" {
		r.DownloadRef = p.DownloadRef
	}
	if p.DurationSeconds != nil {
		d := *p.DurationSeconds
		r.DurationSeconds = &d
	}
	if p.LastError != "" {
		r.LastError = p.LastError
	}
	switch {
	case p.ClearNextAttempt:
		r.NextAttemptAt = nil
	case p.NextAttemptAt != nil:
		n := *p.NextAttemptAt
		r.NextAttemptAt = &n
	}
	r.UpdatedAt = now
}

func (m *MemoryStore) ListStale(_ context.Context, state State, enteredBefore time.Time, limit int) ([]Reconciliation, error) {
	return m.list(limit, func(r *Reconciliation) bool {
		return r.State == state && enteredAt(r).Before(enteredBefore)
	}), nil
}

func (m *MemoryStore) ListOverdue(_ context.Context, state State, dueBefore time.Time, limit int) ([]Reconciliation, error) {
	return m.list(limit, func(r *Reconciliation) bool {
		return r.State == state && r.NextAttemptAt != nil && r.NextAttemptAt.Before(dueBefore)
	}), nil
}

func (m *MemoryStore) list(limit int, match func(*Reconciliation) bool) []Reconciliation {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Reconciliation
	for _, r := range m.rows {
		if match(r) {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (m *MemoryStore) CountByState(_ context.Context) (map[State]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := map[State]int{}
	for _, r := range m.rows {
		out[r.State]++
	}
	return out, nil
}
