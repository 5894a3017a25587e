package rerank

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/policyrecall/policyrecall/rag/types"
)

const defaultBaseURL = "https://api.cohere.com"

// Client talks to a hosted rerank endpoint (Cohere-compatible
// POST /v1/rerank).
type Client struct {
	BaseURL string
	apiKey  string
	model   string
	client  *http.Client
}

// NewClient creates a rerank API client. baseURL may be empty to use
// the default endpoint.
func NewClient(baseURL, apiKey, model string) *Client {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &Client{
		BaseURL: baseURL,
		apiKey:  apiKey,
		model:   model,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

type rerankRequest struct {
	Model     string   `json:"model"`
	Query     string   `json:"query"`
	Documents []string `json:"documents"`
	TopN      int      `json:"top_n"`
}

// RankedDocument is one scored entry of a rerank response.
type RankedDocument struct {
	Index          int     `json:"index"`
	RelevanceScore float64 `json:"relevance_score"`
}

// Response is the body returned by the rerank endpoint.
type Response struct {
	Results []RankedDocument `json:"results"`
}

// Rerank scores documents against the query and returns them ordered
// by descending relevance, truncated to topN.
func (c *Client) Rerank(query string, documents []string, topN int) (*Response, error) {
	url := fmt.Sprintf("%s/v1/rerank", c.BaseURL)

	payload, err := json.Marshal(rerankRequest{
		Model:     c.model,
		Query:     query,
		Documents: documents,
		TopN:      topN,
	})
	if err != nil {
		return nil, err
	}

	var parsed Response
	op := func() error {
		req, err := http.NewRequest(http.MethodPost, url, bytes.NewBuffer(payload))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+c.apiKey)

		resp, err := c.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusBadRequest {
			return backoff.Permanent(fmt.Errorf("rerank request rejected: status %d", resp.StatusCode))
		}
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("rerank request failed: status %d", resp.StatusCode)
		}

		parsed = Response{}
		return json.NewDecoder(resp.Body).Decode(&parsed)
	}

	if err := backoff.Retry(op, backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3)); err != nil {
		return nil, &types.ProviderError{Provider: "rerank", Op: "Rerank", Err: err}
	}

	return &parsed, nil
}

// Reranker adapts Client to the types.Reranker interface.
type Reranker struct {
	client *Client
}

// NewReranker wraps a rerank API client as a types.Reranker.
func NewReranker(client *Client) *Reranker {
	return &Reranker{client: client}
}

// Rerank submits the candidate contents to the remote service and
// returns the results reordered by relevance score.
func (r *Reranker) Rerank(query string, results []types.Result) ([]types.Result, error) {
	if len(results) == 0 {
		return results, nil
	}

	documents := make([]string, len(results))
	for i, res := range results {
		documents[i] = res.Content
	}

	resp, err := r.client.Rerank(query, documents, len(documents))
	if err != nil {
		return nil, err
	}

	reranked := make([]types.Result, 0, len(resp.Results))
	for _, item := range resp.Results {
		if item.Index < 0 || item.Index >= len(results) {
			continue
		}
		res := results[item.Index]
		res.RerankScore = float32(item.RelevanceScore)
		reranked = append(reranked, res)
	}

	return reranked, nil
}
