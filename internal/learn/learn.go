// Package learn stores what the hub has been taught across turns: feedback
// corrections that map misheard or misrouted utterances to the intent the
// user actually wanted, and long-term memory facts captured from "remember
// that I ..." declarations.
//
// Corrections are retrieved by embedding distance so phrasing variations of
// a previously corrected utterance resolve to the corrected intent without
// another round trip through the classifier.
package learn

import (
	"context"
	"time"
)

// Correction maps an utterance pattern to the tool call the user actually
// wanted.
type Correction struct {
	ID        int64
	Pattern   string
	ToolName  string
	Args      map[string]any
	Subject   string
	CreatedAt time.Time
}

// CorrectionMatch is a retrieved correction with its cosine distance to the
// query embedding (smaller is closer).
type CorrectionMatch struct {
	Correction Correction
	Distance   float64
}

// Fact is one long-term memory entry about a subject.
type Fact struct {
	ID        int64
	Subject   string
	Content   string
	CreatedAt time.Time
}

// Store persists corrections and facts. Implementations must be safe for
// concurrent use.
type Store interface {
	// SaveCorrection records a correction together with the embedding of its
	// pattern.
	SaveCorrection(ctx context.Context, c Correction, embedding []float32) error

	// NearestCorrections returns up to limit corrections ordered by ascending
	// cosine distance to the query embedding.
	NearestCorrections(ctx context.Context, embedding []float32, limit int) ([]CorrectionMatch, error)

	// SaveFact records a long-term fact about a subject.
	SaveFact(ctx context.Context, subject, content string) error

	// RecentFacts returns up to limit facts about a subject, newest first.
	RecentFacts(ctx context.Context, subject string, limit int) ([]Fact, error)
}
