// Package rag provides the client for the document-ingestion/vector-index
// collaborator. The hub only retrieves: given an utterance and a knowledge
// base, it fetches the top-K most relevant chunks for prompt grounding.
//
// Retrieval failures are soft by design. Callers treat an error as "no
// context available" and continue the turn without retrieved chunks.
package rag

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// ErrUnavailable wraps any transport or server failure of the RAG
// collaborator.
var ErrUnavailable = errors.New("rag: service unavailable")

// Chunk is one retrieved context fragment.
type Chunk struct {
	Content string  `json:"content"`
	Source  string  `json:"source"`
	Score   float64 `json:"score"`
}

// Retriever fetches context chunks for an utterance. Implemented by
// [Client]; tests substitute fakes.
type Retriever interface {
	Retrieve(ctx context.Context, query, knowledgeBaseID string, topK int) ([]Chunk, error)
}

// Client talks to the RAG collaborator over HTTP.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// Compile-time interface check.
var _ Retriever = (*Client)(nil)

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.httpClient = c }
}

// New creates a Client for the RAG service at baseURL.
func New(baseURL string, opts ...Option) (*Client, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("rag: baseURL must not be empty")
	}
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

type queryRequest struct {
	Query           string `json:"query"`
	KnowledgeBaseID string `json:"knowledge_base_id,omitempty"`
	TopK            int    `json:"top_k"`
}

type queryResponse struct {
	Chunks []Chunk `json:"chunks"`
}

// Retrieve implements Retriever via POST /api/query.
func (c *Client) Retrieve(ctx context.Context, query, knowledgeBaseID string, topK int) ([]Chunk, error) {
	if topK <= 0 {
		topK = 5
	}

	body, err := json.Marshal(queryRequest{Query: query, KnowledgeBaseID: knowledgeBaseID, TopK: topK})
	if err != nil {
		return nil, fmt.Errorf("rag: marshal query: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/query", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("rag: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: HTTP %d", ErrUnavailable, resp.StatusCode)
	}

	var out queryResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("%w: decode response: %w", ErrUnavailable, err)
	}
	return out.Chunks, nil
}
