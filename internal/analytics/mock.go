package analytics

import (
	"context"
	"sync"

	"github.com/patrickwarner/openadbuyer/internal/models"
)

var _ EventSink = (*MockEventSink)(nil)

// MockEventSink keeps events in memory for tests and dry runs.
type MockEventSink struct {
	mu     sync.Mutex
	events []models.StatusEvent
	Err    error
}

func NewMockEventSink() *MockEventSink {
	return &MockEventSink{}
}

func (m *MockEventSink) RecordEvent(ctx context.Context, ev models.StatusEvent) error {
	if m.Err != nil {
		return m.Err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
	return nil
}

// Events returns a copy of the recorded events.
func (m *MockEventSink) Events() []models.StatusEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.StatusEvent(nil), m.events...)
}
