// Package remote classifies text by calling an HTTP model endpoint.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/JakeFAU/corpus-crawler/internal/crawler"
)

// Config points at the model endpoint.
type Config struct {
	URL     string
	Timeout time.Duration
	APIKey  string
}

// Classifier POSTs {"text": ...} and expects a crawler.Classification body.
type Classifier struct {
	cfg    Config
	client *http.Client
}

type request struct {
	Text string `json:"text"`
}

// New builds a Classifier. client may be nil.
func New(cfg Config, client *http.Client) *Classifier {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	return &Classifier{cfg: cfg, client: client}
}

// Classify sends text to the endpoint.
func (c *Classifier) Classify(ctx context.Context, text string) (crawler.Classification, error) {
	payload, err := json.Marshal(request{Text: text})
	if err != nil {
		return crawler.Classification{}, fmt.Errorf("encode request: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.URL, bytes.NewReader(payload))
	if err != nil {
		return crawler.Classification{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("X-API-Key", c.cfg.APIKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return crawler.Classification{}, fmt.Errorf("classify request: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return crawler.Classification{}, fmt.Errorf("classify request: status %d", resp.StatusCode)
	}

	var out crawler.Classification
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&out); err != nil {
		return crawler.Classification{}, fmt.Errorf("decode classification: %w", err)
	}
	if out.Accept && out.Domain == "" {
		out.Domain = "daily_life"
	}
	return out, nil
}
