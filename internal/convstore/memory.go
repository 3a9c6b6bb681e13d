package convstore

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// Compile-time interface check.
var _ Store = (*Memory)(nil)

// Memory is an in-process Store with the same semantics as Postgres. It
// backs tests and keeps turns flowing when the database is down.
type Memory struct {
	mu       sync.Mutex
	sessions map[string]*memSession
}

type memSession struct {
	createdAt time.Time
	updatedAt time.Time
	messages  []Message
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{sessions: make(map[string]*memSession)}
}

// Append implements Store.
func (m *Memory) Append(_ context.Context, sessionID, role, content string, metadata map[string]any) (Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	s, ok := m.sessions[sessionID]
	if !ok {
		s = &memSession{createdAt: now}
		m.sessions[sessionID] = s
	}
	s.updatedAt = now

	msg := Message{
		SessionID: sessionID,
		Sequence:  int64(len(s.messages)) + 1,
		Role:      role,
		Content:   content,
		Metadata:  metadata,
		Timestamp: now,
	}
	s.messages = append(s.messages, msg)
	return msg, nil
}

// Window implements Store.
func (m *Memory) Window(_ context.Context, sessionID string, maxMessages int) ([]Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[sessionID]
	if !ok || maxMessages <= 0 {
		return nil, nil
	}
	start := len(s.messages) - maxMessages
	if start < 0 {
		start = 0
	}
	out := make([]Message, len(s.messages)-start)
	copy(out, s.messages[start:])
	return out, nil
}

// Summarize implements Store.
func (m *Memory) Summarize(_ context.Context, sessionID string) (Summary, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[sessionID]
	if !ok {
		return Summary{}, false, nil
	}
	sum := Summary{
		SessionID:    sessionID,
		MessageCount: int64(len(s.messages)),
		CreatedAt:    s.createdAt,
		UpdatedAt:    s.updatedAt,
	}
	if len(s.messages) > 0 {
		sum.FirstMessage = s.messages[0].Content
		sum.LastMessage = s.messages[len(s.messages)-1].Content
	}
	return sum, true, nil
}

// List implements Store.
func (m *Memory) List(_ context.Context, limit, offset int) ([]SessionInfo, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	infos := make([]SessionInfo, 0, len(m.sessions))
	for id, s := range m.sessions {
		infos = append(infos, SessionInfo{
			SessionID:    id,
			MessageCount: int64(len(s.messages)),
			CreatedAt:    s.createdAt,
			UpdatedAt:    s.updatedAt,
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].UpdatedAt.After(infos[j].UpdatedAt) })

	total := int64(len(infos))
	if offset >= len(infos) {
		return nil, total, nil
	}
	infos = infos[offset:]
	if len(infos) > limit {
		infos = infos[:limit]
	}
	return infos, total, nil
}

// Search implements Store.
func (m *Memory) Search(_ context.Context, query string, limit int) ([]SearchResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if limit <= 0 {
		limit = 20
	}
	needle := strings.ToLower(query)

	var results []SearchResult
	for id, s := range m.sessions {
		// Most recent match per session.
		for i := len(s.messages) - 1; i >= 0; i-- {
			msg := s.messages[i]
			if strings.Contains(strings.ToLower(msg.Content), needle) {
				results = append(results, SearchResult{
					SessionID: id,
					Snippet:   msg.Content,
					Role:      msg.Role,
					Timestamp: msg.Timestamp,
				})
				break
			}
		}
	}
	sort.Slice(results, func(i, j int) bool { return results[i].Timestamp.After(results[j].Timestamp) })
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// Delete implements Store.
func (m *Memory) Delete(_ context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, sessionID)
	return nil
}

// Cleanup implements Store.
func (m *Memory) Cleanup(_ context.Context, olderThanDays int) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if olderThanDays < 0 {
		olderThanDays = 0
	}
	cutoff := time.Now().AddDate(0, 0, -olderThanDays)

	var removed int64
	for id, s := range m.sessions {
		if s.updatedAt.Before(cutoff) {
			delete(m.sessions, id)
			removed++
		}
	}
	return removed, nil
}

// Stats implements Store.
func (m *Memory) Stats(_ context.Context) (Stats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var st Stats
	st.SessionCount = int64(len(m.sessions))
	var busiest int
	for id, s := range m.sessions {
		st.MessageCount += int64(len(s.messages))
		if len(s.messages) > busiest {
			busiest = len(s.messages)
			st.BusiestSession = id
		}
	}
	return st, nil
}
