package learn

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"
)

// Compile-time interface check.
var _ Store = (*Memory)(nil)

// Memory is an in-process Store for tests and for running without a
// database. Nearest-neighbour lookup is a linear scan.
type Memory struct {
	mu          sync.Mutex
	nextID      int64
	corrections []memCorrection
	facts       []Fact
}

type memCorrection struct {
	correction Correction
	embedding  []float32
}

// NewMemory creates an empty in-memory learning store.
func NewMemory() *Memory {
	return &Memory{}
}

// SaveCorrection implements Store.
func (m *Memory) SaveCorrection(_ context.Context, c Correction, embedding []float32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	c.ID = m.nextID
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}
	vec := make([]float32, len(embedding))
	copy(vec, embedding)
	m.corrections = append(m.corrections, memCorrection{correction: c, embedding: vec})
	return nil
}

// NearestCorrections implements Store.
func (m *Memory) NearestCorrections(_ context.Context, embedding []float32, limit int) ([]CorrectionMatch, error) {
	if limit <= 0 {
		limit = 3
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	matches := make([]CorrectionMatch, 0, len(m.corrections))
	for _, mc := range m.corrections {
		matches = append(matches, CorrectionMatch{
			Correction: mc.correction,
			Distance:   cosineDistance(embedding, mc.embedding),
		})
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i].Distance < matches[j].Distance })
	if len(matches) > limit {
		matches = matches[:limit]
	}
	return matches, nil
}

// SaveFact implements Store.
func (m *Memory) SaveFact(_ context.Context, subject, content string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	m.facts = append(m.facts, Fact{
		ID:        m.nextID,
		Subject:   subject,
		Content:   content,
		CreatedAt: time.Now(),
	})
	return nil
}

// RecentFacts implements Store.
func (m *Memory) RecentFacts(_ context.Context, subject string, limit int) ([]Fact, error) {
	if limit <= 0 {
		limit = 10
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Fact
	for i := len(m.facts) - 1; i >= 0 && len(out) < limit; i-- {
		if m.facts[i].Subject == subject {
			out = append(out, m.facts[i])
		}
	}
	return out, nil
}

// cosineDistance computes 1 - cosine similarity, matching pgvector's <=>
// operator. Mismatched or zero-length vectors are maximally distant.
func cosineDistance(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 1
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 1
	}
	return 1 - dot/(math.Sqrt(na)*math.Sqrt(nb))
}
