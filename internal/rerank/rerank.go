package rerank

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"

	"github.com/ike1112/rag-project/config"
)

// Client calls a cross-encoder scoring service over HTTP. Both
// text-embeddings-inference and Cohere-style servers answer the same
// /rerank contract: a query, candidate documents and top_n back as
// indices with relevance scores.
type Client struct {
	cfg        config.RerankConfig
	httpClient *http.Client
}

func New(cfg config.RerankConfig) *Client {
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}
}

// Result pairs an input document index with its cross-encoder score.
type Result struct {
	Index int     `json:"index"`
	Score float64 `json:"relevance_score"`
}

// Rerank scores documents against the query and returns the best topN,
// highest score first. The returned indices point into the input slice.
func (c *Client) Rerank(ctx context.Context, query string, documents []string, topN int) ([]Result, error) {
	if len(documents) == 0 {
		return nil, nil
	}
	if topN <= 0 {
		topN = c.cfg.TopN
	}
	if topN > len(documents) {
		topN = len(documents)
	}

	body, err := json.Marshal(map[string]interface{}{
		"model":     c.cfg.Model,
		"query":     query,
		"documents": documents,
		"top_n":     topN,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal: %w", err)
	}

	base := strings.TrimSuffix(c.cfg.BaseURL, "/")
	req, err := http.NewRequestWithContext(ctx, "POST", base+"/rerank", bytes.NewBuffer(body))
	if err != nil {
		return nil, fmt.Errorf("request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("do: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("rerank status %d", resp.StatusCode)
	}

	var out struct {
		Results []Result `json:"results"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}

	results := out.Results
	for _, r := range results {
		if r.Index < 0 || r.Index >= len(documents) {
			return nil, fmt.Errorf("rerank index %d out of range", r.Index)
		}
	}
	sort.SliceStable(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	if len(results) > topN {
		results = results[:topN]
	}
	return results, nil
}
