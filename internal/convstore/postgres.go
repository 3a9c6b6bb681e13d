package convstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Compile-time interface check.
var _ Store = (*Postgres)(nil)

const ddlConversations = `
CREATE TABLE IF NOT EXISTS sessions (
    session_id TEXT        PRIMARY KEY,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS messages (
    id         BIGSERIAL   PRIMARY KEY,
    session_id TEXT        NOT NULL REFERENCES sessions (session_id) ON DELETE CASCADE,
    sequence   BIGINT      NOT NULL,
    role       TEXT        NOT NULL,
    content    TEXT        NOT NULL,
    metadata   JSONB       NOT NULL DEFAULT '{}',
    timestamp  TIMESTAMPTZ NOT NULL DEFAULT now(),
    UNIQUE (session_id, sequence)
);

CREATE INDEX IF NOT EXISTS idx_messages_session_id
    ON messages (session_id);

CREATE INDEX IF NOT EXISTS idx_messages_session_sequence
    ON messages (session_id, sequence);
`

// ddlTrigram installs the trigram index backing substring search. The
// pg_trgm extension requires superuser on some installations, so failure to
// install it is tolerated; search falls back to a sequential ILIKE scan.
const ddlTrigram = `
CREATE EXTENSION IF NOT EXISTS pg_trgm;
CREATE INDEX IF NOT EXISTS idx_messages_content_trgm
    ON messages USING GIN (content gin_trgm_ops);
`

// Postgres is the pgx-backed conversation store.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres connects to the database at dsn, verifies the connection and
// ensures the schema exists.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("convstore: parse dsn: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("convstore: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("convstore: ping: %w", err)
	}

	if _, err := pool.Exec(ctx, ddlConversations); err != nil {
		pool.Close()
		return nil, fmt.Errorf("convstore: migrate: %w", err)
	}
	// Best effort; see ddlTrigram.
	_, _ = pool.Exec(ctx, ddlTrigram)

	return &Postgres{pool: pool}, nil
}

// Close releases the underlying connection pool.
func (p *Postgres) Close() {
	p.pool.Close()
}

// Pool exposes the connection pool so sibling stores can share it.
func (p *Postgres) Pool() *pgxpool.Pool {
	return p.pool
}

// Append implements Store. The session upsert takes the session row lock, so
// concurrent appends to the same session serialize in the database and the
// max(sequence)+1 assignment stays gap-free. A failed write is retried once
// with jitter before surfacing ErrStoreUnavailable.
func (p *Postgres) Append(ctx context.Context, sessionID, role, content string, metadata map[string]any) (Message, error) {
	msg, err := p.appendOnce(ctx, sessionID, role, content, metadata)
	if err == nil {
		return msg, nil
	}
	if ctx.Err() != nil {
		return Message{}, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}

	select {
	case <-time.After(time.Duration(50+rand.Intn(100)) * time.Millisecond):
	case <-ctx.Done():
		return Message{}, fmt.Errorf("%w: %w", ErrStoreUnavailable, ctx.Err())
	}

	msg, err = p.appendOnce(ctx, sessionID, role, content, metadata)
	if err != nil {
		return Message{}, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	return msg, nil
}

func (p *Postgres) appendOnce(ctx context.Context, sessionID, role, content string, metadata map[string]any) (Message, error) {
	meta, err := marshalMetadata(metadata)
	if err != nil {
		return Message{}, err
	}

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return Message{}, fmt.Errorf("convstore: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	// Locks the session row for the remainder of the transaction.
	if _, err := tx.Exec(ctx, `
		INSERT INTO sessions (session_id) VALUES ($1)
		ON CONFLICT (session_id) DO UPDATE SET updated_at = now()`,
		sessionID,
	); err != nil {
		return Message{}, fmt.Errorf("convstore: upsert session: %w", err)
	}

	var msg Message
	msg.SessionID = sessionID
	msg.Role = role
	msg.Content = content
	msg.Metadata = metadata

	if err := tx.QueryRow(ctx, `
		INSERT INTO messages (session_id, sequence, role, content, metadata)
		SELECT $1, COALESCE(MAX(sequence), 0) + 1, $2, $3, $4
		FROM messages WHERE session_id = $1
		RETURNING sequence, timestamp`,
		sessionID, role, content, meta,
	).Scan(&msg.Sequence, &msg.Timestamp); err != nil {
		return Message{}, fmt.Errorf("convstore: insert message: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return Message{}, fmt.Errorf("convstore: commit: %w", err)
	}
	return msg, nil
}

// Window implements Store. Selects the last N ordered descending, then
// reverses, so cost is bounded by N regardless of session size.
func (p *Postgres) Window(ctx context.Context, sessionID string, maxMessages int) ([]Message, error) {
	if maxMessages <= 0 {
		return nil, nil
	}

	rows, err := p.pool.Query(ctx, `
		SELECT sequence, role, content, metadata, timestamp
		FROM messages
		WHERE session_id = $1
		ORDER BY sequence DESC
		LIMIT $2`,
		sessionID, maxMessages,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: window: %w", ErrStoreUnavailable, err)
	}
	defer rows.Close()

	var msgs []Message
	for rows.Next() {
		m := Message{SessionID: sessionID}
		var meta []byte
		if err := rows.Scan(&m.Sequence, &m.Role, &m.Content, &meta, &m.Timestamp); err != nil {
			return nil, fmt.Errorf("%w: scan message: %w", ErrStoreUnavailable, err)
		}
		m.Metadata = unmarshalMetadata(meta)
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: window rows: %w", ErrStoreUnavailable, err)
	}

	// Reverse into chronological order.
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// Summarize implements Store.
func (p *Postgres) Summarize(ctx context.Context, sessionID string) (Summary, bool, error) {
	var s Summary
	s.SessionID = sessionID
	err := p.pool.QueryRow(ctx, `
		SELECT s.created_at, s.updated_at,
		       (SELECT count(*) FROM messages m WHERE m.session_id = s.session_id),
		       COALESCE((SELECT content FROM messages m WHERE m.session_id = s.session_id ORDER BY sequence ASC  LIMIT 1), ''),
		       COALESCE((SELECT content FROM messages m WHERE m.session_id = s.session_id ORDER BY sequence DESC LIMIT 1), '')
		FROM sessions s
		WHERE s.session_id = $1`,
		sessionID,
	).Scan(&s.CreatedAt, &s.UpdatedAt, &s.MessageCount, &s.FirstMessage, &s.LastMessage)
	if errors.Is(err, pgx.ErrNoRows) {
		return Summary{}, false, nil
	}
	if err != nil {
		return Summary{}, false, fmt.Errorf("%w: summarize: %w", ErrStoreUnavailable, err)
	}
	return s, true, nil
}

// List implements Store.
func (p *Postgres) List(ctx context.Context, limit, offset int) ([]SessionInfo, int64, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	var total int64
	if err := p.pool.QueryRow(ctx, `SELECT count(*) FROM sessions`).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("%w: count sessions: %w", ErrStoreUnavailable, err)
	}

	rows, err := p.pool.Query(ctx, `
		SELECT s.session_id, s.created_at, s.updated_at,
		       (SELECT count(*) FROM messages m WHERE m.session_id = s.session_id)
		FROM sessions s
		ORDER BY s.updated_at DESC
		LIMIT $1 OFFSET $2`,
		limit, offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: list sessions: %w", ErrStoreUnavailable, err)
	}
	defer rows.Close()

	var infos []SessionInfo
	for rows.Next() {
		var info SessionInfo
		if err := rows.Scan(&info.SessionID, &info.CreatedAt, &info.UpdatedAt, &info.MessageCount); err != nil {
			return nil, 0, fmt.Errorf("%w: scan session: %w", ErrStoreUnavailable, err)
		}
		infos = append(infos, info)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("%w: list rows: %w", ErrStoreUnavailable, err)
	}
	return infos, total, nil
}

// Search implements Store. DISTINCT ON keeps only the most recent matching
// message per session; the outer ordering ranks sessions by match recency.
func (p *Postgres) Search(ctx context.Context, query string, limit int) ([]SearchResult, error) {
	if limit <= 0 {
		limit = 20
	}

	rows, err := p.pool.Query(ctx, `
		SELECT session_id, content, role, timestamp FROM (
			SELECT DISTINCT ON (session_id) session_id, content, role, timestamp
			FROM messages
			WHERE content ILIKE '%' || $1 || '%'
			ORDER BY session_id, timestamp DESC
		) matches
		ORDER BY timestamp DESC
		LIMIT $2`,
		query, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: search: %w", ErrStoreUnavailable, err)
	}
	defer rows.Close()

	var results []SearchResult
	for rows.Next() {
		var r SearchResult
		if err := rows.Scan(&r.SessionID, &r.Snippet, &r.Role, &r.Timestamp); err != nil {
			return nil, fmt.Errorf("%w: scan search result: %w", ErrStoreUnavailable, err)
		}
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: search rows: %w", ErrStoreUnavailable, err)
	}
	return results, nil
}

// Delete implements Store. Messages cascade via the foreign key.
func (p *Postgres) Delete(ctx context.Context, sessionID string) error {
	if _, err := p.pool.Exec(ctx, `DELETE FROM sessions WHERE session_id = $1`, sessionID); err != nil {
		return fmt.Errorf("%w: delete session: %w", ErrStoreUnavailable, err)
	}
	return nil
}

// Cleanup implements Store.
func (p *Postgres) Cleanup(ctx context.Context, olderThanDays int) (int64, error) {
	if olderThanDays < 0 {
		olderThanDays = 0
	}
	tag, err := p.pool.Exec(ctx, `
		DELETE FROM sessions
		WHERE updated_at < now() - make_interval(days => $1)`,
		olderThanDays,
	)
	if err != nil {
		return 0, fmt.Errorf("%w: cleanup: %w", ErrStoreUnavailable, err)
	}
	return tag.RowsAffected(), nil
}

// Stats implements Store.
func (p *Postgres) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	if err := p.pool.QueryRow(ctx, `
		SELECT (SELECT count(*) FROM sessions),
		       (SELECT count(*) FROM messages),
		       COALESCE((SELECT session_id FROM messages GROUP BY session_id ORDER BY count(*) DESC LIMIT 1), '')`,
	).Scan(&st.SessionCount, &st.MessageCount, &st.BusiestSession); err != nil {
		return Stats{}, fmt.Errorf("%w: stats: %w", ErrStoreUnavailable, err)
	}
	return st, nil
}

func marshalMetadata(metadata map[string]any) ([]byte, error) {
	if metadata == nil {
		return []byte("{}"), nil
	}
	data, err := json.Marshal(metadata)
	if err != nil {
		return nil, fmt.Errorf("convstore: marshal metadata: %w", err)
	}
	return data, nil
}

func unmarshalMetadata(data []byte) map[string]any {
	if len(data) == 0 {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil || len(m) == 0 {
		return nil
	}
	return m
}
