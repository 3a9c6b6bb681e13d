// Package anyllm provides a universal LLM provider backed by
// github.com/mozilla-ai/any-llm-go, a unified multi-provider interface that
// supports OpenAI, Anthropic, Gemini, Ollama, DeepSeek, Mistral, Groq, and more.
//
// Usage:
//
//	p, err := anyllm.New("openai", "gpt-4o", anyllmlib.WithAPIKey("sk-..."))
//	p, err := anyllm.New("ollama", "qwen3:8b", anyllmlib.WithBaseURL("http://localhost:11434"))
package anyllm

import (
	"context"
	"fmt"
	"strings"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"github.com/mozilla-ai/any-llm-go/providers/anthropic"
	"github.com/mozilla-ai/any-llm-go/providers/deepseek"
	"github.com/mozilla-ai/any-llm-go/providers/gemini"
	"github.com/mozilla-ai/any-llm-go/providers/groq"
	"github.com/mozilla-ai/any-llm-go/providers/llamacpp"
	"github.com/mozilla-ai/any-llm-go/providers/llamafile"
	"github.com/mozilla-ai/any-llm-go/providers/mistral"
	"github.com/mozilla-ai/any-llm-go/providers/ollama"
	anyllmoai "github.com/mozilla-ai/any-llm-go/providers/openai"

	"github.com/renfield-hub/renfield/pkg/provider/llm"
)

// Compile-time interface check.
var _ llm.Provider = (*Provider)(nil)

// Provider implements llm.Provider by wrapping github.com/mozilla-ai/any-llm-go.
type Provider struct {
	backend anyllmlib.Provider
	model   string
}

// New creates a new Provider backed by the given LLM provider name.
//
// providerName is one of: "openai", "anthropic", "gemini", "ollama",
// "deepseek", "mistral", "groq", "llamacpp", "llamafile".
//
// model is the specific model to use (e.g., "gpt-4o", "claude-3-5-sonnet-latest").
//
// opts are any-llm-go configuration options (e.g., anyllmlib.WithAPIKey,
// anyllmlib.WithBaseURL). If no API key option is provided, the provider falls
// back to the relevant environment variable (OPENAI_API_KEY, etc.).
func New(providerName string, model string, opts ...anyllmlib.Option) (*Provider, error) {
	if providerName == "" {
		return nil, fmt.Errorf("anyllm: providerName must not be empty")
	}
	if model == "" {
		return nil, fmt.Errorf("anyllm: model must not be empty")
	}

	backend, err := createBackend(providerName, opts...)
	if err != nil {
		return nil, fmt.Errorf("anyllm: create %q backend: %w", providerName, err)
	}

	return &Provider{backend: backend, model: model}, nil
}

// WithModel returns a shallow copy of p that targets a different model on the
// same backend. Used to run the chat, intent, and agent stages against
// distinct models without constructing separate backends.
func (p *Provider) WithModel(model string) *Provider {
	if model == "" || model == p.model {
		return p
	}
	return &Provider{backend: p.backend, model: model}
}

// createBackend creates the underlying any-llm-go provider for the given name.
func createBackend(providerName string, opts ...anyllmlib.Option) (anyllmlib.Provider, error) {
	switch strings.ToLower(providerName) {
	case "openai":
		return anyllmoai.New(opts...)
	case "anthropic":
		return anthropic.New(opts...)
	case "gemini":
		return gemini.New(opts...)
	case "ollama":
		return ollama.New(opts...)
	case "deepseek":
		return deepseek.New(opts...)
	case "mistral":
		return mistral.New(opts...)
	case "groq":
		return groq.New(opts...)
	case "llamacpp":
		return llamacpp.New(opts...)
	case "llamafile":
		return llamafile.New(opts...)
	default:
		return nil, fmt.Errorf("unsupported provider %q; supported: openai, anthropic, gemini, ollama, deepseek, mistral, groq, llamacpp, llamafile", providerName)
	}
}

// StreamCompletion implements llm.Provider.
func (p *Provider) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	params := p.buildParams(req)

	backendChunks, backendErrs := p.backend.CompletionStream(ctx, params)

	ch := make(chan llm.Chunk, 32)
	go func() {
		defer close(ch)

		// Accumulated tool calls keyed by index.
		toolCallAccum := map[int]*llm.ToolCall{}

		for chunk := range backendChunks {
			if len(chunk.Choices) == 0 {
				continue
			}
			choice := chunk.Choices[0]
			delta := choice.Delta

			out := llm.Chunk{
				Text:         delta.Content,
				FinishReason: choice.FinishReason,
			}

			// Accumulate tool call fragments by index within this chunk.
			for i, tc := range delta.ToolCalls {
				if _, ok := toolCallAccum[i]; !ok {
					toolCallAccum[i] = &llm.ToolCall{
						ID:   tc.ID,
						Name: tc.Function.Name,
					}
				}
				existing := toolCallAccum[i]
				if tc.ID != "" {
					existing.ID = tc.ID
				}
				if tc.Function.Name != "" {
					existing.Name = tc.Function.Name
				}
				existing.Arguments += tc.Function.Arguments
			}

			// On the final chunk, emit accumulated tool calls.
			if choice.FinishReason == anyllmlib.FinishReasonToolCalls ||
				(choice.FinishReason != "" && len(toolCallAccum) > 0) {
				for i := 0; i < len(toolCallAccum); i++ {
					if tc, ok := toolCallAccum[i]; ok {
						out.ToolCalls = append(out.ToolCalls, *tc)
					}
				}
			}

			select {
			case ch <- out:
			case <-ctx.Done():
				return
			}
		}

		// Check for backend errors after the chunk channel is drained.
		if err := <-backendErrs; err != nil {
			select {
			case ch <- llm.Chunk{FinishReason: "error", Text: err.Error()}:
			case <-ctx.Done():
			}
		}
	}()

	return ch, nil
}

// Complete implements llm.Provider.
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	params := p.buildParams(req)

	resp, err := p.backend.Completion(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("anyllm: completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("anyllm: empty choices in response")
	}

	choice := resp.Choices[0]
	result := &llm.CompletionResponse{
		Content: choice.Message.ContentString(),
	}
	if resp.Usage != nil {
		result.Usage = llm.Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		}
	}
	for _, tc := range choice.Message.ToolCalls {
		result.ToolCalls = append(result.ToolCalls, llm.ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		})
	}
	return result, nil
}

// buildParams converts a CompletionRequest into anyllm CompletionParams.
func (p *Provider) buildParams(req llm.CompletionRequest) anyllmlib.CompletionParams {
	var messages []anyllmlib.Message

	if req.SystemPrompt != "" {
		messages = append(messages, anyllmlib.Message{
			Role:    anyllmlib.RoleSystem,
			Content: req.SystemPrompt,
		})
	}

	for _, m := range req.Messages {
		messages = append(messages, convertMessage(m))
	}

	params := anyllmlib.CompletionParams{
		Model:    p.model,
		Messages: messages,
	}

	if req.Temperature != 0 {
		t := req.Temperature
		params.Temperature = &t
	}
	if req.MaxTokens > 0 {
		mt := req.MaxTokens
		params.MaxTokens = &mt
	}

	for _, td := range req.Tools {
		params.Tools = append(params.Tools, anyllmlib.Tool{
			Type: "function",
			Function: anyllmlib.Function{
				Name:        td.Name,
				Description: td.Description,
				Parameters:  td.Parameters,
			},
		})
	}

	return params
}

// convertMessage converts an llm.Message to anyllm.Message.
func convertMessage(m llm.Message) anyllmlib.Message {
	msg := anyllmlib.Message{
		Role:       m.Role,
		Content:    m.Content,
		Name:       m.Name,
		ToolCallID: m.ToolCallID,
	}

	for _, tc := range m.ToolCalls {
		msg.ToolCalls = append(msg.ToolCalls, anyllmlib.ToolCall{
			ID:   tc.ID,
			Type: "function",
			Function: anyllmlib.FunctionCall{
				Name:      tc.Name,
				Arguments: tc.Arguments,
			},
		})
	}

	return msg
}
