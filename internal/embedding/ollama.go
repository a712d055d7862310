// Package embedding provides the sentence-embedding tier of the
// similarity backend chain (graph.Backend prefers this, falls back to
// TF-IDF, then token-Jaccard). Adapted from the teacher's Ollama
// embedding client: same request/response wire format, same
// cosine-similarity helper. The teacher's client-local cache was
// dropped in favor of the graph package's L2 embedding cache, which is
// the one place embeddings are memoized and the one place their hit
// rate is counted. Generate/Summarize text completion (teacher-only,
// unused here — deliberation responses come from the adapter contract
// in internal/deliberation, not this client) were dropped.
package embedding

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"gonum.org/v1/gonum/floats"
)

// Client handles embedding generation via Ollama's /api/embeddings.
type Client struct {
	baseURL string
	model   string
	client  *http.Client
}

// NewClient creates a new Ollama embedding client.
func NewClient(baseURL, model string) *Client {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	if model == "" {
		model = "nomic-embed-text" // good default, 768 dims
	}
	return &Client{
		baseURL: baseURL,
		model:   model,
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

type embeddingRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type embeddingResponse struct {
	Embedding []float64 `json:"embedding"`
}

// Embed generates an embedding for the given text via a round trip to
// Ollama. Callers that want memoization go through the graph package's
// L2 embedding cache rather than this client caching on their behalf.
func (c *Client) Embed(text string) ([]float64, error) {
	if text == "" {
		return nil, fmt.Errorf("empty text")
	}

	reqBody := embeddingRequest{
		Model:  c.model,
		Prompt: text,
	}

	jsonBody, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	resp, err := c.client.Post(
		c.baseURL+"/api/embeddings",
		"application/json",
		bytes.NewReader(jsonBody),
	)
	if err != nil {
		return nil, fmt.Errorf("ollama request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("ollama error (status %d): %s", resp.StatusCode, string(body))
	}

	var result embeddingResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	if len(result.Embedding) == 0 {
		return nil, fmt.Errorf("empty embedding returned")
	}

	return result.Embedding, nil
}

// CosineSimilarity computes similarity between two embeddings (-1 to 1)
// using gonum's vector primitives rather than a hand-rolled loop.
func CosineSimilarity(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}

	normA := floats.Norm(a, 2)
	normB := floats.Norm(b, 2)
	if normA == 0 || normB == 0 {
		return 0
	}

	return floats.Dot(a, b) / (normA * normB)
}
