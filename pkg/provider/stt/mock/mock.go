// Package mock provides a scripted stt.Provider for tests.
package mock

import (
	"context"
	"sync"

	"github.com/renfield-hub/renfield/pkg/provider/stt"
)

// Compile-time interface check.
var _ stt.Provider = (*Provider)(nil)

// Result is one canned transcription outcome.
type Result struct {
	Transcript stt.Transcript
	Err        error
}

// Provider replays a queue of canned results. When the queue is empty the
// Default result is returned. Safe for concurrent use.
type Provider struct {
	mu       sync.Mutex
	queue    []Result
	Default  Result
	Requests []stt.Request
}

// New creates a mock provider that replays the given results in order.
func New(results ...Result) *Provider {
	return &Provider{
		queue:   results,
		Default: Result{Transcript: stt.Transcript{Text: "hello"}},
	}
}

// Transcribe implements stt.Provider.
func (p *Provider) Transcribe(_ context.Context, req stt.Request) (stt.Transcript, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Requests = append(p.Requests, req)
	if len(p.queue) == 0 {
		return p.Default.Transcript, p.Default.Err
	}
	r := p.queue[0]
	p.queue = p.queue[1:]
	return r.Transcript, r.Err
}
