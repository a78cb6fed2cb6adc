package calendar

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryService keeps events in process memory. It backs local runs and tests.
type MemoryService struct {
	mu     sync.RWMutex
	events map[string]Event
}

// NewMemoryService creates an empty calendar.
func NewMemoryService() *MemoryService {
	return &MemoryService{events: make(map[string]Event)}
}

func (m *MemoryService) List(_ context.Context, from, to time.Time) ([]Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Event
	for _, e := range m.events {
		if e.Start.Before(to) && e.End.After(from) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Start.Equal(out[j].Start) {
			return out[i].ID < out[j].ID
		}
		return out[i].Start.Before(out[j].Start)
	})
	return out, nil
}

func (m *MemoryService) Get(_ context.Context, id string) (Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.events[id]
	if !ok {
		return Event{}, fmt.Errorf("%w: %s", ErrEventNotFound, id)
	}
	return e, nil
}

func (m *MemoryService) Create(_ context.Context, e Event) (Event, error) {
	if err := e.Validate(); err != nil {
		return Event{}, err
	}
	e.ID = "evt_" + uuid.New().String()[:8]

	m.mu.Lock()
	defer m.mu.Unlock()
	m.events[e.ID] = e
	return e, nil
}

func (m *MemoryService) Update(_ context.Context, id string, p Patch) (Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.events[id]
	if !ok {
		return Event{}, fmt.Errorf("%w: %s", ErrEventNotFound, id)
	}
	e = p.Apply(e)
	if err := e.Validate(); err != nil {
		return Event{}, err
	}
	m.events[id] = e
	return e, nil
}

func (m *MemoryService) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.events[id]; !ok {
		return fmt.Errorf("%w: %s", ErrEventNotFound, id)
	}
	delete(m.events, id)
	return nil
}

// Ensure MemoryService implements Service.
var _ Service = (*MemoryService)(nil)
