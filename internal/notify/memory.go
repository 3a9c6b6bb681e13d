package notify

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Compile-time interface check.
var _ Store = (*Memory)(nil)

// Memory is an in-process notification store.
type Memory struct {
	mu            sync.Mutex
	notifications map[string]Notification
	deliveries    []Delivery
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{notifications: make(map[string]Notification)}
}

// Create implements Store.
func (m *Memory) Create(_ context.Context, n Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notifications[n.ID] = n
	return nil
}

// Get implements Store.
func (m *Memory) Get(_ context.Context, id string) (Notification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.notifications[id]
	if !ok {
		return Notification{}, fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	return n, nil
}

// Ack implements Store.
func (m *Memory) Ack(_ context.Context, id, action string) (Notification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n, ok := m.notifications[id]
	if !ok {
		return Notification{}, fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	if n.Status != StatusPending {
		// Idempotent: terminal state wins.
		return n, nil
	}

	switch action {
	case ActionDismissed:
		n.Status = StatusDismissed
	default:
		n.Status = StatusAcknowledged
	}
	n.AckedAt = time.Now()
	m.notifications[id] = n
	return n, nil
}

// RecordDelivery implements Store.
func (m *Memory) RecordDelivery(_ context.Context, d Delivery) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d.At.IsZero() {
		d.At = time.Now()
	}
	m.deliveries = append(m.deliveries, d)
	return nil
}

// PendingFor implements Store.
func (m *Memory) PendingFor(_ context.Context, subject string, limit int) ([]Notification, error) {
	if limit <= 0 {
		limit = 10
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Notification
	for _, n := range m.notifications {
		if n.Status == StatusPending && n.Subject == subject {
			out = append(out, n)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
