// Package notify handles proactive notifications: external systems post
// them through a webhook, the device gateway delivers them to matching
// devices, and users acknowledge or dismiss them by voice or tap.
//
// Acknowledgement is idempotent: acking an already-acknowledged
// notification succeeds without changing state.
package notify

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when no notification matches the given id.
var ErrNotFound = errors.New("notify: notification not found")

// Status is the lifecycle state of a notification.
type Status string

const (
	StatusPending      Status = "pending"
	StatusAcknowledged Status = "acknowledged"
	StatusDismissed    Status = "dismissed"
)

// Ack actions accepted from devices.
const (
	ActionAcknowledged = "acknowledged"
	ActionDismissed    = "dismissed"
)

// Notification is one proactive message addressed to a subject and
// optionally scoped to a room.
type Notification struct {
	ID        string
	Subject   string
	RoomID    string
	Title     string
	Message   string
	Status    Status
	CreatedAt time.Time
	AckedAt   time.Time
}

// Delivery records one notification reaching one device.
type Delivery struct {
	NotificationID string
	DeviceID       string
	At             time.Time
}

// Store persists notifications and delivery records. Implementations must
// be safe for concurrent use.
type Store interface {
	// Create persists a new notification.
	Create(ctx context.Context, n Notification) error

	// Get returns the notification with the given id.
	Get(ctx context.Context, id string) (Notification, error)

	// Ack transitions a pending notification to acknowledged or dismissed.
	// Acking a notification that is already in a terminal state is a no-op
	// returning the stored notification.
	Ack(ctx context.Context, id, action string) (Notification, error)

	// RecordDelivery notes that the notification reached a device.
	RecordDelivery(ctx context.Context, d Delivery) error

	// PendingFor returns pending notifications addressed to the subject,
	// newest first.
	PendingFor(ctx context.Context, subject string, limit int) ([]Notification, error)
}

// Listener receives newly created notifications for delivery fan-out.
type Listener func(Notification)

// Service wraps a Store with creation defaults and delivery fan-out.
// Safe for concurrent use.
type Service struct {
	store Store

	mu        sync.Mutex
	listeners []Listener
}

// NewService creates a Service over the given store.
func NewService(store Store) *Service {
	return &Service{store: store}
}

// Create assigns an id and timestamp, persists the notification and invokes
// all listeners asynchronously.
func (s *Service) Create(ctx context.Context, n Notification) (Notification, error) {
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	n.Status = StatusPending
	n.CreatedAt = time.Now()

	if err := s.store.Create(ctx, n); err != nil {
		return Notification{}, err
	}

	s.mu.Lock()
	listeners := make([]Listener, len(s.listeners))
	copy(listeners, s.listeners)
	s.mu.Unlock()

	go func() {
		for _, l := range listeners {
			l(n)
		}
	}()
	return n, nil
}

// Ack delegates to the store's idempotent acknowledgement.
func (s *Service) Ack(ctx context.Context, id, action string) (Notification, error) {
	return s.store.Ack(ctx, id, action)
}

// RecordDelivery delegates to the store.
func (s *Service) RecordDelivery(ctx context.Context, d Delivery) error {
	return s.store.RecordDelivery(ctx, d)
}

// PendingFor delegates to the store.
func (s *Service) PendingFor(ctx context.Context, subject string, limit int) ([]Notification, error) {
	return s.store.PendingFor(ctx, subject, limit)
}

// Subscribe registers a delivery listener.
func (s *Service) Subscribe(l Listener) {
	s.mu.Lock()
	s.listeners = append(s.listeners, l)
	s.mu.Unlock()
}
