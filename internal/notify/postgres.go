package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Compile-time interface check.
var _ Store = (*Postgres)(nil)

const ddlNotify = `
CREATE TABLE IF NOT EXISTS notifications (
    id         TEXT        PRIMARY KEY,
    subject    TEXT        NOT NULL DEFAULT '',
    room_id    TEXT        NOT NULL DEFAULT '',
    title      TEXT        NOT NULL DEFAULT '',
    message    TEXT        NOT NULL,
    status     TEXT        NOT NULL DEFAULT 'pending',
    created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    acked_at   TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_notifications_subject_status
    ON notifications (subject, status);

CREATE TABLE IF NOT EXISTS notification_deliveries (
    id              BIGSERIAL   PRIMARY KEY,
    notification_id TEXT        NOT NULL REFERENCES notifications (id) ON DELETE CASCADE,
    device_id       TEXT        NOT NULL,
    delivered_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

// Postgres is the pgx-backed notification store.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres ensures the notification schema on an existing pool. The pool
// is shared with the conversation store; Close is the owner's job.
func NewPostgres(ctx context.Context, pool *pgxpool.Pool) (*Postgres, error) {
	if _, err := pool.Exec(ctx, ddlNotify); err != nil {
		return nil, fmt.Errorf("notify: migrate: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

// Create implements Store.
func (p *Postgres) Create(ctx context.Context, n Notification) error {
	if _, err := p.pool.Exec(ctx, `
		INSERT INTO notifications (id, subject, room_id, title, message, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		n.ID, n.Subject, n.RoomID, n.Title, n.Message, string(n.Status), n.CreatedAt,
	); err != nil {
		return fmt.Errorf("notify: create: %w", err)
	}
	return nil
}

// Get implements Store.
func (p *Postgres) Get(ctx context.Context, id string) (Notification, error) {
	n, err := p.scanOne(ctx, `
		SELECT id, subject, room_id, title, message, status, created_at, acked_at
		FROM notifications WHERE id = $1`, id)
	if err != nil {
		return Notification{}, err
	}
	return n, nil
}

// Ack implements Store. The conditional update makes acknowledgement
// idempotent: a terminal notification is left untouched and returned as is.
func (p *Postgres) Ack(ctx context.Context, id, action string) (Notification, error) {
	status := StatusAcknowledged
	if action == ActionDismissed {
		status = StatusDismissed
	}

	if _, err := p.pool.Exec(ctx, `
		UPDATE notifications
		SET status = $2, acked_at = now()
		WHERE id = $1 AND status = 'pending'`,
		id, string(status),
	); err != nil {
		return Notification{}, fmt.Errorf("notify: ack: %w", err)
	}
	return p.Get(ctx, id)
}

// RecordDelivery implements Store.
func (p *Postgres) RecordDelivery(ctx context.Context, d Delivery) error {
	at := d.At
	if at.IsZero() {
		at = time.Now()
	}
	if _, err := p.pool.Exec(ctx, `
		INSERT INTO notification_deliveries (notification_id, device_id, delivered_at)
		VALUES ($1, $2, $3)`,
		d.NotificationID, d.DeviceID, at,
	); err != nil {
		return fmt.Errorf("notify: record delivery: %w", err)
	}
	return nil
}

// PendingFor implements Store.
func (p *Postgres) PendingFor(ctx context.Context, subject string, limit int) ([]Notification, error) {
	if limit <= 0 {
		limit = 10
	}

	rows, err := p.pool.Query(ctx, `
		SELECT id, subject, room_id, title, message, status, created_at, acked_at
		FROM notifications
		WHERE subject = $1 AND status = 'pending'
		ORDER BY created_at DESC
		LIMIT $2`,
		subject, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("notify: pending: %w", err)
	}
	defer rows.Close()

	var out []Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("notify: pending rows: %w", err)
	}
	return out, nil
}

func (p *Postgres) scanOne(ctx context.Context, query, id string) (Notification, error) {
	rows, err := p.pool.Query(ctx, query, id)
	if err != nil {
		return Notification{}, fmt.Errorf("notify: get: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return Notification{}, fmt.Errorf("notify: get: %w", err)
		}
		return Notification{}, fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	return scanNotification(rows)
}

func scanNotification(rows pgx.Rows) (Notification, error) {
	var n Notification
	var status string
	var ackedAt *time.Time
	if err := rows.Scan(&n.ID, &n.Subject, &n.RoomID, &n.Title, &n.Message, &status, &n.CreatedAt, &ackedAt); err != nil {
		return Notification{}, fmt.Errorf("notify: scan: %w", err)
	}
	n.Status = Status(status)
	if ackedAt != nil {
		n.AckedAt = *ackedAt
	}
	return n, nil
}

// IsNotFound reports whether err is the store's not-found condition.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
