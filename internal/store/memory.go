package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rendis/drip/pkg/schema"
)

type memLease struct {
	owner   string
	expires time.Time
}

// MemoryStore keeps runs, leases, events and secrets in process memory. Runs
// are stored encoded so callers never share state with the store.
type MemoryStore struct {
	mu      sync.Mutex
	runs    map[string][]byte
	leases  map[string]memLease
	events  map[string][]*Event
	nextID  int64
	secrets map[string][]byte
	now     func() time.Time
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		runs:    make(map[string][]byte),
		leases:  make(map[string]memLease),
		events:  make(map[string][]*Event),
		secrets: make(map[string][]byte),
		now:     time.Now,
	}
}

func (s *MemoryStore) PutRun(_ context.Context, run *schema.Run) error {
	data, err := encodeRun(run)
	if err != nil {
		return schema.PersistenceError("encode run", err)
	}
	s.mu.Lock()
	s.runs[run.ID] = data
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) GetRun(_ context.Context, id string) (*schema.Run, error) {
	s.mu.Lock()
	data, ok := s.runs[id]
	s.mu.Unlock()
	if !ok {
		return nil, storeNotFound("run", id)
	}
	return decodeRun(data)
}

func (s *MemoryStore) DeleteRun(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[id]; !ok {
		return storeNotFound("run", id)
	}
	delete(s.runs, id)
	delete(s.leases, id)
	delete(s.events, id)
	return nil
}

func (s *MemoryStore) ListDue(_ context.Context, until time.Time, limit int) ([]*schema.Run, error) {
	runs, err := s.decodeAll(func(r *schema.Run) bool {
		return r.Status == schema.RunStatusWaiting && r.WakeAt != nil && !r.WakeAt.After(until)
	})
	if err != nil {
		return nil, err
	}
	sortByWake(runs)
	if limit > 0 && len(runs) > limit {
		runs = runs[:limit]
	}
	return runs, nil
}

func (s *MemoryStore) ListRuns(_ context.Context, filter RunFilter) ([]*schema.Run, error) {
	runs, err := s.decodeAll(filter.Matches)
	if err != nil {
		return nil, err
	}
	sortByID(runs)
	if limit := limitOrDefault(filter.Limit); len(runs) > limit {
		runs = runs[:limit]
	}
	return runs, nil
}

func (s *MemoryStore) decodeAll(keep func(*schema.Run) bool) ([]*schema.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*schema.Run
	for _, data := range s.runs {
		run, err := decodeRun(data)
		if err != nil {
			return nil, err
		}
		if keep(run) {
			out = append(out, run)
		}
	}
	return out, nil
}

func (s *MemoryStore) TryAcquireLease(_ context.Context, id, owner string, ttl time.Duration) (bool, error) {
	if err := checkLeaseArgs(owner, ttl); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	if cur, ok := s.leases[id]; ok && cur.owner != owner && now.Before(cur.expires) {
		return false, nil
	}
	s.leases[id] = memLease{owner: owner, expires: now.Add(ttl)}
	return true, nil
}

func (s *MemoryStore) RenewLease(_ context.Context, id, owner string, ttl time.Duration) (bool, error) {
	if err := checkLeaseArgs(owner, ttl); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	cur, ok := s.leases[id]
	if !ok || cur.owner != owner || !now.Before(cur.expires) {
		return false, nil
	}
	s.leases[id] = memLease{owner: owner, expires: now.Add(ttl)}
	return true, nil
}

func (s *MemoryStore) ReleaseLease(_ context.Context, id, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.leases[id]; ok && cur.owner == owner {
		delete(s.leases, id)
	}
	return nil
}

// --- Events ---

func (s *MemoryStore) AppendEvent(_ context.Context, event *Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	event.ID = s.nextID
	event.Sequence = int64(len(s.events[event.RunID]) + 1)
	if event.Timestamp.IsZero() {
		event.Timestamp = s.now().UTC()
	}
	cp := *event
	s.events[event.RunID] = append(s.events[event.RunID], &cp)
	return nil
}

func (s *MemoryStore) GetEvents(_ context.Context, runID string, since int64) ([]*Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Event
	for _, ev := range s.events[runID] {
		if ev.Sequence > since {
			cp := *ev
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *MemoryStore) GetEventsByType(_ context.Context, eventType string, filter EventFilter) ([]*Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Event
	for _, evs := range s.events {
		for _, ev := range evs {
			if matchesEvent(ev, eventType, filter) {
				cp := *ev
				out = append(out, &cp)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// --- Secrets ---

func (s *MemoryStore) StoreSecret(_ context.Context, key string, value []byte) error {
	s.mu.Lock()
	s.secrets[key] = append([]byte(nil), value...)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) GetSecret(_ context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.secrets[key]
	if !ok {
		return nil, storeNotFound("secret", key)
	}
	return append([]byte(nil), v...), nil
}

func (s *MemoryStore) DeleteSecret(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.secrets[key]; !ok {
		return storeNotFound("secret", key)
	}
	delete(s.secrets, key)
	return nil
}

func (s *MemoryStore) ListSecrets(_ context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.secrets))
	for k := range s.secrets {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *MemoryStore) Close() error { return nil }

// --- helpers shared by the key-value stores ---

func checkLeaseArgs(owner string, ttl time.Duration) error {
	if owner == "" {
		return schema.NewError(schema.ErrCodeValidation, "lease owner is empty")
	}
	if ttl <= 0 {
		return schema.NewErrorf(schema.ErrCodeValidation, "lease ttl must be positive, got %s", ttl)
	}
	return nil
}

func matchesEvent(ev *Event, eventType string, f EventFilter) bool {
	if eventType != "" && ev.Type != eventType {
		return false
	}
	if f.RunID != "" && ev.RunID != f.RunID {
		return false
	}
	if f.WorkflowID != "" && ev.WorkflowID != f.WorkflowID {
		return false
	}
	if f.Since != nil && ev.Timestamp.Before(*f.Since) {
		return false
	}
	return true
}

func sortByWake(runs []*schema.Run) {
	sort.SliceStable(runs, func(i, j int) bool {
		wi, wj := *runs[i].WakeAt, *runs[j].WakeAt
		if !wi.Equal(wj) {
			return wi.Before(wj)
		}
		return runs[i].ID < runs[j].ID
	})
}

func sortByID(runs []*schema.Run) {
	sort.Slice(runs, func(i, j int) bool { return strings.Compare(runs[i].ID, runs[j].ID) < 0 })
}

var (
	_ RunStore    = (*MemoryStore)(nil)
	_ EventStore  = (*MemoryStore)(nil)
	_ SecretStore = (*MemoryStore)(nil)
)
