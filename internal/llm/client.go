// Package llm talks to an OpenAI-compatible chat endpoint (OpenRouter by
// default) and parses trading decisions out of model replies. Requests and
// responses go to a dedicated journal, never to the main log.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const (
	defaultBaseURL = "https://openrouter.ai/api/v1"
	defaultModel   = "anthropic/claude-3.5-sonnet"

	maxAttempts = 3
)

// Decision is the parsed trading decision from a model reply.
type Decision struct {
	Action            string  `json:"action"` // buy | sell | hold | close
	Confidence        float64 `json:"confidence"`
	Reason            string  `json:"reason"`
	StopLossPercent   float64 `json:"stop_loss_percent,omitempty"`
	TakeProfitPercent float64 `json:"take_profit_percent,omitempty"`
}

// Valid reports whether the action is one the engine can act on.
func (d *Decision) Valid() bool {
	switch strings.ToLower(d.Action) {
	case "buy", "sell", "hold", "close":
		return true
	}
	return false
}

// Client is a minimal chat-completion client with retries.
type Client struct {
	apiKey     string
	model      string
	baseURL    string
	httpClient *http.Client
	journal    *Journal
}

// NewClient builds a client. Empty model or baseURL fall back to defaults;
// the per-request timeout comes from the caller's context.
func NewClient(apiKey, model, baseURL string) *Client {
	if model == "" {
		model = defaultModel
	}
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &Client{
		apiKey:     apiKey,
		model:      model,
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// Model returns the configured model identifier.
func (c *Client) Model() string { return c.model }

// SetJournal wires the request/response journal. Nil disables journaling.
func (c *Client) SetJournal(j *Journal) { c.journal = j }

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Complete sends one system+user exchange and returns the raw reply text.
// Transient failures are retried up to maxAttempts with doubling backoff.
// All journal entries of the exchange share one uuid.
func (c *Client) Complete(ctx context.Context, system, user string) (string, error) {
	reqBody := chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
		Temperature: 0.2,
		MaxTokens:   1024,
	}
	exchangeID := uuid.NewString()
	c.journal.Record(exchangeID, "request", map[string]any{
		"model":  c.model,
		"system": system,
		"user":   user,
	})

	var lastErr error
	backoff := 2 * time.Second
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		reply, err := c.send(ctx, reqBody)
		if err == nil {
			c.journal.Record(exchangeID, "response", map[string]any{"content": reply})
			return reply, nil
		}
		lastErr = err
		if !isRetryable(err) || attempt == maxAttempts {
			break
		}
		log.Warn().Err(err).Int("attempt", attempt).Dur("backoff", backoff).
			Msg("LLM request failed, retrying")
		select {
		case <-ctx.Done():
			c.journal.Record(exchangeID, "error", map[string]any{"error": ctx.Err().Error()})
			return "", ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}

	c.journal.Record(exchangeID, "error", map[string]any{"error": lastErr.Error()})
	return "", lastErr
}

func (c *Client) send(ctx context.Context, reqBody chatRequest) (string, error) {
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("llm: status %d: %s", resp.StatusCode, truncate(string(body), 200))
	}

	var parsed chatResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", fmt.Errorf("llm: decode response: %w", err)
	}
	if parsed.Error != nil {
		return "", fmt.Errorf("llm: api error: %s", parsed.Error.Message)
	}
	if len(parsed.Choices) == 0 {
		return "", fmt.Errorf("llm: empty choices")
	}
	return parsed.Choices[0].Message.Content, nil
}

// GetDecision asks for a decision and parses the first JSON object in the
// reply. A reply without parseable JSON is a no-signal, not an error.
func (c *Client) GetDecision(ctx context.Context, system, user string) (*Decision, error) {
	reply, err := c.Complete(ctx, system, user)
	if err != nil {
		return nil, err
	}

	raw, ok := ExtractJSON(reply)
	if !ok {
		log.Warn().Str("model", c.model).Msg("LLM reply had no JSON object, treating as no-signal")
		return nil, nil
	}

	var d Decision
	if err := json.Unmarshal([]byte(raw), &d); err != nil {
		log.Warn().Err(err).Msg("LLM JSON did not parse, treating as no-signal")
		return nil, nil
	}
	if !d.Valid() {
		log.Warn().Str("action", d.Action).Msg("LLM returned unknown action, treating as no-signal")
		return nil, nil
	}
	return &d, nil
}

// ExtractJSON returns the first balanced top-level JSON object in s.
// Braces inside string literals are ignored.
func ExtractJSON(s string) (string, bool) {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return "", false
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		ch := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1], true
			}
		}
	}
	return "", false
}

var retryablePatterns = []string{
	"timeout",
	"deadline exceeded",
	"connection reset",
	"connection refused",
	"broken pipe",
	"EOF",
	"status 429",
	"status 500",
	"status 502",
	"status 503",
	"status 504",
}

func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	for _, p := range retryablePatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
