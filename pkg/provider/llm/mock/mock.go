// Package mock provides a scripted llm.Provider implementation for tests.
//
// The mock replays a queue of canned responses. Each call to Complete or
// StreamCompletion consumes the next response in order; when the queue is
// empty the configured Default response is returned. Streaming responses are
// split into word-sized chunks to exercise incremental consumers.
package mock

import (
	"context"
	"strings"
	"sync"

	"github.com/renfield-hub/renfield/pkg/provider/llm"
)

// Compile-time interface check.
var _ llm.Provider = (*Provider)(nil)

// Response is a single canned reply.
type Response struct {
	// Content is the assistant text returned or streamed.
	Content string

	// ToolCalls are emitted with the final chunk (streaming) or on the
	// response (non-streaming).
	ToolCalls []llm.ToolCall

	// Err, when non-nil, makes the call fail: Complete returns it directly and
	// StreamCompletion emits a chunk with FinishReason "error".
	Err error

	// StartErr, when non-nil, is returned before any stream is opened.
	StartErr error
}

// Provider is a scripted llm.Provider. Safe for concurrent use.
type Provider struct {
	mu        sync.Mutex
	queue     []Response
	Default   Response
	Requests  []llm.CompletionRequest
	ChunkSize int // words per streamed chunk; 0 means 1
}

// New creates a mock provider that replays the given responses in order.
func New(responses ...Response) *Provider {
	return &Provider{queue: responses, Default: Response{Content: "ok"}}
}

// Enqueue appends further canned responses.
func (p *Provider) Enqueue(responses ...Response) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.queue = append(p.queue, responses...)
}

// next pops the next response, falling back to Default.
func (p *Provider) next(req llm.CompletionRequest) Response {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Requests = append(p.Requests, req)
	if len(p.queue) == 0 {
		return p.Default
	}
	r := p.queue[0]
	p.queue = p.queue[1:]
	return r
}

// Complete implements llm.Provider.
func (p *Provider) Complete(_ context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	r := p.next(req)
	if r.StartErr != nil {
		return nil, r.StartErr
	}
	if r.Err != nil {
		return nil, r.Err
	}
	return &llm.CompletionResponse{Content: r.Content, ToolCalls: r.ToolCalls}, nil
}

// StreamCompletion implements llm.Provider.
func (p *Provider) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	r := p.next(req)
	if r.StartErr != nil {
		return nil, r.StartErr
	}

	size := p.ChunkSize
	if size <= 0 {
		size = 1
	}

	ch := make(chan llm.Chunk, 8)
	go func() {
		defer close(ch)

		if r.Err != nil {
			select {
			case ch <- llm.Chunk{FinishReason: "error", Text: r.Err.Error()}:
			case <-ctx.Done():
			}
			return
		}

		words := strings.Fields(r.Content)
		for i := 0; i < len(words); i += size {
			end := min(i+size, len(words))
			text := strings.Join(words[i:end], " ")
			if end < len(words) {
				text += " "
			}
			select {
			case ch <- llm.Chunk{Text: text}:
			case <-ctx.Done():
				return
			}
		}

		final := llm.Chunk{FinishReason: "stop", ToolCalls: r.ToolCalls}
		if len(r.ToolCalls) > 0 {
			final.FinishReason = "tool_calls"
		}
		select {
		case ch <- final:
		case <-ctx.Done():
		}
	}()
	return ch, nil
}
