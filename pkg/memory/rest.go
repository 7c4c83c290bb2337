package memory

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
)

// RESTConfig configures the hosted memory backend client.
type RESTConfig struct {
	BaseURL string
	APIKey  string

	// RecallTimeout bounds the search round trip. Recall is on the reply
	// latency path, so the default is tight.
	RecallTimeout time.Duration

	// WriteRetries caps the background store retries.
	WriteRetries uint64

	HTTPClient *http.Client
}

func DefaultRESTConfig(baseURL, apiKey string) RESTConfig {
	return RESTConfig{
		BaseURL:       baseURL,
		APIKey:        apiKey,
		RecallTimeout: 50 * time.Millisecond,
		WriteRetries:  3,
	}
}

// RESTStore talks to a mem0-style memory service: POST /v1/memories/ to add,
// POST /v1/memories/search/ to query.
type RESTStore struct {
	config RESTConfig
	client *http.Client
}

var _ Store = (*RESTStore)(nil)

func NewRESTStore(config RESTConfig) (*RESTStore, error) {
	if config.BaseURL == "" {
		return nil, fmt.Errorf("memory: base url not set")
	}
	if config.RecallTimeout <= 0 {
		config.RecallTimeout = 50 * time.Millisecond
	}
	client := config.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &RESTStore{
		config: config,
		client: client,
	}, nil
}

type searchRequest struct {
	Query  string `json:"query"`
	UserID string `json:"user_id"`
	Limit  int    `json:"limit"`
}

type searchHit struct {
	Memory  string  `json:"memory"`
	Text    string  `json:"text"`
	Content string  `json:"content"`
	Score   float64 `json:"score"`
}

func (h searchHit) line() string {
	for _, s := range []string{h.Memory, h.Text, h.Content} {
		if strings.TrimSpace(s) != "" {
			return s
		}
	}
	return ""
}

func (s *RESTStore) Recall(ctx context.Context, userID, query string, k int) ([]string, error) {
	if k <= 0 {
		k = 8
	}
	ctx, cancel := context.WithTimeout(ctx, s.config.RecallTimeout)
	defer cancel()

	body, err := json.Marshal(searchRequest{Query: query, UserID: userID, Limit: k})
	if err != nil {
		return nil, err
	}
	req, err := s.newRequest(ctx, "/v1/memories/search/", body)
	if err != nil {
		return nil, err
	}

	resp, err := s.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			// Budget exceeded: the turn proceeds memoryless.
			return nil, nil
		}
		return nil, fmt.Errorf("memory: search: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("memory: search status %d", resp.StatusCode)
	}

	var hits []searchHit
	if err := json.NewDecoder(resp.Body).Decode(&hits); err != nil {
		return nil, fmt.Errorf("memory: decode search: %w", err)
	}

	lines := make([]string, 0, len(hits))
	for _, h := range hits {
		if line := h.line(); line != "" {
			lines = append(lines, line)
		}
		if len(lines) == k {
			break
		}
	}
	return lines, nil
}

type addRequest struct {
	Messages []addMessage `json:"messages"`
	UserID   string       `json:"user_id"`
}

type addMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Write persists the line, retrying with exponential backoff, and returns
// once the write succeeds or the retries run out. The caller's context gates
// the whole attempt chain; callers run it off the latency path.
func (s *RESTStore) Write(ctx context.Context, userID, text string) error {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	body, err := json.Marshal(addRequest{
		Messages: []addMessage{{Role: "user", Content: text}},
		UserID:   userID,
	})
	if err != nil {
		return err
	}

	operation := func() error {
		req, err := s.newRequest(ctx, "/v1/memories/", body)
		if err != nil {
			return backoff.Permanent(err)
		}
		resp, err := s.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 500 {
			return fmt.Errorf("memory: add status %d", resp.StatusCode)
		}
		if resp.StatusCode >= 400 {
			return backoff.Permanent(fmt.Errorf("memory: add status %d", resp.StatusCode))
		}
		return nil
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), s.config.WriteRetries), ctx)
	if err := backoff.Retry(operation, policy); err != nil {
		log.Printf("[Memory] store failed for %s: %v", userID, err)
		return err
	}
	return nil
}

func (s *RESTStore) newRequest(ctx context.Context, path string, body []byte) (*http.Request, error) {
	url := strings.TrimRight(s.config.BaseURL, "/") + path
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if s.config.APIKey != "" {
		req.Header.Set("Authorization", "Token "+s.config.APIKey)
	}
	return req, nil
}
