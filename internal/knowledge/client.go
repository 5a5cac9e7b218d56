package knowledge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Passage is one retrieved chunk with provenance.
type Passage struct {
	ID     string `json:"id"`
	Text   string `json:"text"`
	Source string `json:"source,omitempty"`
}

// Client talks to the external knowledge-retrieval service. Document
// chunking, embedding storage and semantic search live behind this boundary.
type Client struct {
	baseURL string
	topK    int
	client  *http.Client
}

func NewClient(baseURL string, topK int, timeout time.Duration) *Client {
	if topK <= 0 {
		topK = 5
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		topK:    topK,
		client:  &http.Client{Timeout: timeout},
	}
}

// Retrieve returns the topK passages for a query, ordered by relevance.
func (c *Client) Retrieve(ctx context.Context, query string, topK int) ([]Passage, error) {
	if topK <= 0 {
		topK = c.topK
	}
	body, err := json.Marshal(map[string]interface{}{"query": query, "top_k": topK})
	if err != nil {
		return nil, fmt.Errorf("marshal retrieve request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/retrieve", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create retrieve request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("retrieve: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("retrieval service returned status %d", resp.StatusCode)
	}
	var out struct {
		Passages []Passage `json:"passages"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode passages: %w", err)
	}
	return out.Passages, nil
}
