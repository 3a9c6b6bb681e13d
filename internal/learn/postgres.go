package learn

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"
	pgxvec "github.com/pgvector/pgvector-go/pgx"
)

// Compile-time interface check.
var _ Store = (*Postgres)(nil)

const ddlLearn = `
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS corrections (
    id         BIGSERIAL   PRIMARY KEY,
    pattern    TEXT        NOT NULL,
    tool_name  TEXT        NOT NULL,
    args       JSONB       NOT NULL DEFAULT '{}',
    subject    TEXT        NOT NULL DEFAULT '',
    embedding  vector(%d)  NOT NULL,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_corrections_embedding
    ON corrections USING hnsw (embedding vector_cosine_ops);

CREATE TABLE IF NOT EXISTS memory_facts (
    id         BIGSERIAL   PRIMARY KEY,
    subject    TEXT        NOT NULL,
    fact       TEXT        NOT NULL,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_memory_facts_subject
    ON memory_facts (subject);
`

// Postgres is the pgvector-backed learning store.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres connects to the database at dsn, registers pgvector types on
// every connection and ensures the schema exists. dimensions must match the
// embedding provider's output dimension; changing it after the first
// migration requires a manual schema change.
func NewPostgres(ctx context.Context, dsn string, dimensions int) (*Postgres, error) {
	if dimensions <= 0 {
		return nil, fmt.Errorf("learn: dimensions must be positive, got %d", dimensions)
	}

	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("learn: parse dsn: %w", err)
	}
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("learn: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("learn: ping: %w", err)
	}
	if _, err := pool.Exec(ctx, fmt.Sprintf(ddlLearn, dimensions)); err != nil {
		pool.Close()
		return nil, fmt.Errorf("learn: migrate: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

// Close releases the underlying connection pool.
func (p *Postgres) Close() {
	p.pool.Close()
}

// SaveCorrection implements Store.
func (p *Postgres) SaveCorrection(ctx context.Context, c Correction, embedding []float32) error {
	args, err := json.Marshal(c.Args)
	if err != nil {
		return fmt.Errorf("learn: marshal args: %w", err)
	}
	if _, err := p.pool.Exec(ctx, `
		INSERT INTO corrections (pattern, tool_name, args, subject, embedding)
		VALUES ($1, $2, $3, $4, $5)`,
		c.Pattern, c.ToolName, args, c.Subject, pgvector.NewVector(embedding),
	); err != nil {
		return fmt.Errorf("learn: save correction: %w", err)
	}
	return nil
}

// NearestCorrections implements Store. Results are ordered by ascending
// cosine distance (most similar first).
func (p *Postgres) NearestCorrections(ctx context.Context, embedding []float32, limit int) ([]CorrectionMatch, error) {
	if limit <= 0 {
		limit = 3
	}

	rows, err := p.pool.Query(ctx, `
		SELECT id, pattern, tool_name, args, subject, created_at,
		       embedding <=> $1 AS distance
		FROM corrections
		ORDER BY distance
		LIMIT $2`,
		pgvector.NewVector(embedding), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("learn: nearest corrections: %w", err)
	}
	defer rows.Close()

	var matches []CorrectionMatch
	for rows.Next() {
		var m CorrectionMatch
		var args []byte
		if err := rows.Scan(&m.Correction.ID, &m.Correction.Pattern, &m.Correction.ToolName,
			&args, &m.Correction.Subject, &m.Correction.CreatedAt, &m.Distance); err != nil {
			return nil, fmt.Errorf("learn: scan correction: %w", err)
		}
		if len(args) > 0 {
			_ = json.Unmarshal(args, &m.Correction.Args)
		}
		matches = append(matches, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("learn: correction rows: %w", err)
	}
	return matches, nil
}

// SaveFact implements Store.
func (p *Postgres) SaveFact(ctx context.Context, subject, content string) error {
	if _, err := p.pool.Exec(ctx, `
		INSERT INTO memory_facts (subject, fact) VALUES ($1, $2)`,
		subject, content,
	); err != nil {
		return fmt.Errorf("learn: save fact: %w", err)
	}
	return nil
}

// RecentFacts implements Store.
func (p *Postgres) RecentFacts(ctx context.Context, subject string, limit int) ([]Fact, error) {
	if limit <= 0 {
		limit = 10
	}

	rows, err := p.pool.Query(ctx, `
		SELECT id, subject, fact, created_at
		FROM memory_facts
		WHERE subject = $1
		ORDER BY created_at DESC
		LIMIT $2`,
		subject, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("learn: recent facts: %w", err)
	}
	defer rows.Close()

	var facts []Fact
	for rows.Next() {
		var f Fact
		if err := rows.Scan(&f.ID, &f.Subject, &f.Content, &f.CreatedAt); err != nil {
			return nil, fmt.Errorf("learn: scan fact: %w", err)
		}
		facts = append(facts, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("learn: fact rows: %w", err)
	}
	return facts, nil
}
