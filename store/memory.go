package store

import (
	"context"
	"fmt"
	"sync"

	"copresence/models"
)

// MemoryStore is the single-process Store: a mutex-guarded record table with
// synchronous subscriber fan-out. It doubles as the authoritative session
// table the coordinator reads live, so no handler ever acts on a snapshot
// captured before a suspension point.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]*models.VerificationRequest
	subs    map[string]map[int]Callback
	nextSub int
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]*models.VerificationRequest),
		subs:    make(map[string]map[int]Callback),
	}
}

func (s *MemoryStore) Put(ctx context.Context, req *models.VerificationRequest) error {
	s.mu.Lock()
	if _, exists := s.records[req.ID]; exists {
		s.mu.Unlock()
		return fmt.Errorf("record %s already exists", req.ID)
	}
	s.records[req.ID] = req.Clone()
	current := req.Clone()
	cbs := s.callbacksLocked(req.ID)
	s.mu.Unlock()

	notify(cbs, current)
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*models.VerificationRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	return rec.Clone(), nil
}

func (s *MemoryStore) Update(ctx context.Context, id string, mutate Mutator) (*models.VerificationRequest, error) {
	s.mu.Lock()
	rec, ok := s.records[id]
	if !ok {
		s.mu.Unlock()
		return nil, ErrNotFound
	}
	mutate(rec)
	current := rec.Clone()
	cbs := s.callbacksLocked(id)
	s.mu.Unlock()

	notify(cbs, current)
	return current.Clone(), nil
}

func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	_, existed := s.records[id]
	delete(s.records, id)
	cbs := s.callbacksLocked(id)
	s.mu.Unlock()

	if existed {
		notify(cbs, nil)
	}
	return nil
}

func (s *MemoryStore) List(ctx context.Context) ([]*models.VerificationRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*models.VerificationRequest, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, rec.Clone())
	}
	return out, nil
}

func (s *MemoryStore) Subscribe(ctx context.Context, id string, cb Callback) (func(), error) {
	s.mu.Lock()
	if s.subs[id] == nil {
		s.subs[id] = make(map[int]Callback)
	}
	token := s.nextSub
	s.nextSub++
	s.subs[id][token] = cb

	var initial *models.VerificationRequest
	if rec, ok := s.records[id]; ok {
		initial = rec.Clone()
	}
	s.mu.Unlock()

	// Immediate initial delivery, outside the lock so cb may re-enter.
	cb(initial)

	cancel := func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if subs, ok := s.subs[id]; ok {
			delete(subs, token)
			if len(subs) == 0 {
				delete(s.subs, id)
			}
		}
	}
	return cancel, nil
}

func (s *MemoryStore) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs = make(map[string]map[int]Callback)
	return nil
}

// callbacksLocked snapshots the subscriber list for id. Caller holds s.mu.
func (s *MemoryStore) callbacksLocked(id string) []Callback {
	subs := s.subs[id]
	if len(subs) == 0 {
		return nil
	}
	out := make([]Callback, 0, len(subs))
	for _, cb := range subs {
		out = append(out, cb)
	}
	return out
}

func notify(cbs []Callback, current *models.VerificationRequest) {
	for _, cb := range cbs {
		if current != nil {
			cb(current.Clone())
		} else {
			cb(nil)
		}
	}
}
