package directory

import (
	"context"
	"fmt"
	"sync"
)

// Static is an in-memory directory, useful for tests and offline demos.
type Static struct {
	mu       sync.Mutex
	profiles map[int64]Profile
}

func NewStatic(profiles ...Profile) *Static {
	s := &Static{profiles: make(map[int64]Profile)}
	for _, p := range profiles {
		s.profiles[p.ID] = p
	}
	return s
}

func (s *Static) Add(p Profile) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.profiles[p.ID] = p
}

func (s *Static) Lookup(_ context.Context, userID int64) (*Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.profiles[userID]
	if !ok {
		return nil, fmt.Errorf("%w: id %d", ErrNotFound, userID)
	}
	return &p, nil
}
