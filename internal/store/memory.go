package store

import (
	"context"
	"sync"
	"time"

	"keygate/pkg/contracts/domain"
)

// MemoryStore is an in-process Store. It backs unit tests and the embedded
// demo mode where admin console and licensed application run in one process.
// The injectable clock plays the role of the store server's clock.
type MemoryStore struct {
	mu       sync.RWMutex
	records  map[string]*domain.ActivationKey
	watchers map[int]memWatcher
	nextID   int
	now      func() time.Time
}

type memWatcher struct {
	code string
	fn   func(Event)
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records:  make(map[string]*domain.ActivationKey),
		watchers: make(map[int]memWatcher),
		now:      time.Now,
	}
}

// SetClock overrides the store's server clock. Test hook.
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// Get implements Store.
func (s *MemoryStore) Get(ctx context.Context, code string) (*domain.ActivationKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[code]
	if !ok {
		return nil, ErrNotFound
	}
	return rec.Clone(), nil
}

// Create implements Store. CreatedAt is stamped with the store clock,
// overriding whatever the caller put there.
func (s *MemoryStore) Create(ctx context.Context, key *domain.ActivationKey) (*domain.ActivationKey, error) {
	s.mu.Lock()
	if _, ok := s.records[key.Code]; ok {
		s.mu.Unlock()
		return nil, ErrExists
	}
	rec := key.Clone()
	rec.CreatedAt = s.now()
	s.records[rec.Code] = rec
	out := rec.Clone()
	watchers := s.watchersFor(rec.Code)
	s.mu.Unlock()

	notify(watchers, Event{Code: out.Code, Key: out.Clone()})
	return out, nil
}

// UpdateIf implements Store. The mutex makes the read-check-mutate-write
// sequence atomic, which is the compare-and-swap the activation race relies on.
func (s *MemoryStore) UpdateIf(ctx context.Context, code string, expect domain.KeyStatus, mutate func(*domain.ActivationKey)) (*domain.ActivationKey, error) {
	s.mu.Lock()
	rec, ok := s.records[code]
	if !ok {
		s.mu.Unlock()
		return nil, ErrNotFound
	}
	if rec.Status != expect {
		s.mu.Unlock()
		return nil, ErrConflict
	}
	next := rec.Clone()
	mutate(next)
	s.records[code] = next
	out := next.Clone()
	watchers := s.watchersFor(code)
	s.mu.Unlock()

	notify(watchers, Event{Code: code, Key: out.Clone()})
	return out, nil
}

// Apply implements Store.
func (s *MemoryStore) Apply(ctx context.Context, code string, mutate func(*domain.ActivationKey)) (*domain.ActivationKey, error) {
	s.mu.Lock()
	rec, ok := s.records[code]
	if !ok {
		s.mu.Unlock()
		return nil, ErrNotFound
	}
	next := rec.Clone()
	mutate(next)
	s.records[code] = next
	out := next.Clone()
	watchers := s.watchersFor(code)
	s.mu.Unlock()

	notify(watchers, Event{Code: code, Key: out.Clone()})
	return out, nil
}

// Remove implements Store. Removing an absent code is not an error and emits
// no event.
func (s *MemoryStore) Remove(ctx context.Context, code string) error {
	s.mu.Lock()
	_, ok := s.records[code]
	if !ok {
		s.mu.Unlock()
		return nil
	}
	delete(s.records, code)
	watchers := s.watchersFor(code)
	s.mu.Unlock()

	notify(watchers, Event{Code: code, Removed: true})
	return nil
}

// All implements Store.
func (s *MemoryStore) All(ctx context.Context) ([]*domain.ActivationKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*domain.ActivationKey, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, rec.Clone())
	}
	return out, nil
}

// Watch implements Store.
func (s *MemoryStore) Watch(ctx context.Context, code string, fn func(Event)) (UnsubscribeFunc, error) {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.watchers[id] = memWatcher{code: code, fn: fn}
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.watchers, id)
			s.mu.Unlock()
		})
	}, nil
}

// Ping implements Store.
func (s *MemoryStore) Ping(ctx context.Context) error {
	return nil
}

// Len returns the record count. Test helper.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

func (s *MemoryStore) watchersFor(code string) []func(Event) {
	fns := make([]func(Event), 0, len(s.watchers))
	for _, w := range s.watchers {
		if w.code == WatchAll || w.code == code {
			fns = append(fns, w.fn)
		}
	}
	return fns
}

// notify runs outside the store lock so a callback can call back into the
// store without deadlocking.
func notify(fns []func(Event), ev Event) {
	for _, fn := range fns {
		fn(ev)
	}
}
