package llm

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func replyServer(t *testing.T, content string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]any{"content": content}},
			},
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestExtractJSON(t *testing.T) {
	cases := []struct {
		name  string
		input string
		want  string
		ok    bool
	}{
		{"bare object", `{"action":"buy"}`, `{"action":"buy"}`, true},
		{"prose around", `Sure! {"action":"hold"} Hope that helps.`, `{"action":"hold"}`, true},
		{"nested braces", `{"a":{"b":1},"c":2}`, `{"a":{"b":1},"c":2}`, true},
		{"brace inside string", `{"reason":"break of {key} level"}`, `{"reason":"break of {key} level"}`, true},
		{"escaped quote inside string", `{"reason":"she said \"sell\""}`, `{"reason":"she said \"sell\""}`, true},
		{"first of two objects", `{"a":1} {"b":2}`, `{"a":1}`, true},
		{"unbalanced", `{"action":"buy"`, "", false},
		{"no json at all", `I would wait for confirmation.`, "", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := ExtractJSON(tc.input)
			assert.Equal(t, tc.ok, ok)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestDecisionValid(t *testing.T) {
	for _, action := range []string{"buy", "sell", "hold", "close", "BUY", "Close"} {
		d := Decision{Action: action}
		assert.True(t, d.Valid(), action)
	}
	for _, action := range []string{"", "long", "exit", "wait"} {
		d := Decision{Action: action}
		assert.False(t, d.Valid(), action)
	}
}

func TestIsRetryable(t *testing.T) {
	assert.False(t, isRetryable(nil))
	assert.True(t, isRetryable(errors.New("read tcp: connection reset by peer")))
	assert.True(t, isRetryable(errors.New("llm: status 429: rate limited")))
	assert.True(t, isRetryable(errors.New("llm: status 503: overloaded")))
	assert.True(t, isRetryable(errors.New("context deadline exceeded")))
	assert.False(t, isRetryable(errors.New("llm: status 400: bad request")))
	assert.False(t, isRetryable(errors.New("llm: api error: invalid model")))
}

func TestGetDecisionParsesReply(t *testing.T) {
	srv := replyServer(t, `Here is my take: {"action":"buy","confidence":7,"reason":"higher lows","stop_loss_percent":1.5}`)
	c := NewClient("test-key", "test-model", srv.URL)

	d, err := c.GetDecision(context.Background(), "system", "user")

	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Equal(t, "buy", d.Action)
	assert.Equal(t, 7.0, d.Confidence)
	assert.Equal(t, "higher lows", d.Reason)
	assert.Equal(t, 1.5, d.StopLossPercent)
}

func TestGetDecisionNoJSONIsNoSignal(t *testing.T) {
	srv := replyServer(t, "I would sit this one out and wait for a clearer setup.")
	c := NewClient("test-key", "test-model", srv.URL)

	d, err := c.GetDecision(context.Background(), "system", "user")

	require.NoError(t, err)
	assert.Nil(t, d)
}

func TestGetDecisionUnknownActionIsNoSignal(t *testing.T) {
	srv := replyServer(t, `{"action":"accumulate","confidence":9,"reason":"dip"}`)
	c := NewClient("test-key", "test-model", srv.URL)

	d, err := c.GetDecision(context.Background(), "system", "user")

	require.NoError(t, err)
	assert.Nil(t, d)
}

func TestCompleteSurfacesHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad request", http.StatusBadRequest)
	}))
	t.Cleanup(srv.Close)
	c := NewClient("test-key", "test-model", srv.URL)

	_, err := c.Complete(context.Background(), "system", "user")

	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 400")
}

func TestCompleteSurfacesAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"error": map[string]any{"message": "invalid model"},
		})
	}))
	t.Cleanup(srv.Close)
	c := NewClient("test-key", "test-model", srv.URL)

	_, err := c.Complete(context.Background(), "system", "user")

	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid model")
}

func TestCompleteRejectsEmptyChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"choices": []any{}})
	}))
	t.Cleanup(srv.Close)
	c := NewClient("test-key", "test-model", srv.URL)

	_, err := c.Complete(context.Background(), "system", "user")

	require.Error(t, err)
	assert.Contains(t, err.Error(), "empty choices")
}

func TestClientDefaults(t *testing.T) {
	c := NewClient("key", "", "")
	assert.Equal(t, defaultModel, c.Model())
	assert.Equal(t, defaultBaseURL, c.baseURL)

	c = NewClient("key", "my-model", "https://example.test/v1/")
	assert.Equal(t, "my-model", c.Model())
	assert.Equal(t, "https://example.test/v1", c.baseURL, "trailing slash is trimmed")
}

func readJournal(t *testing.T, path string) []journalEntry {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var entries []journalEntry
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var e journalEntry
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &e))
		entries = append(entries, e)
	}
	require.NoError(t, scanner.Err())
	return entries
}

func TestJournalRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "llm", "journal.jsonl")
	j, err := NewJournal(path)
	require.NoError(t, err)

	j.Record("ex-1", "request", map[string]any{"user": "ping"})
	j.Record("ex-1", "response", map[string]any{"content": "pong"})
	require.NoError(t, j.Close())

	entries := readJournal(t, path)
	require.Len(t, entries, 2)
	assert.Equal(t, "ex-1", entries[0].ID)
	assert.Equal(t, "request", entries[0].Kind)
	assert.NotEmpty(t, entries[0].Timestamp)
	assert.Equal(t, "ex-1", entries[1].ID)
	assert.Equal(t, "response", entries[1].Kind)
}

func TestJournalNilSafe(t *testing.T) {
	var j *Journal
	assert.NotPanics(t, func() {
		j.Record("ex-1", "request", map[string]any{"user": "ping"})
	})
	assert.NoError(t, j.Close())
}

func TestCompleteJournalsExchangeUnderOneID(t *testing.T) {
	srv := replyServer(t, `{"action":"hold","confidence":5,"reason":"chop"}`)
	path := filepath.Join(t.TempDir(), "journal.jsonl")
	j, err := NewJournal(path)
	require.NoError(t, err)

	c := NewClient("test-key", "test-model", srv.URL)
	c.SetJournal(j)

	_, err = c.Complete(context.Background(), "system prompt", "market brief")
	require.NoError(t, err)
	require.NoError(t, j.Close())

	entries := readJournal(t, path)
	require.Len(t, entries, 2)
	assert.Equal(t, "request", entries[0].Kind)
	assert.Equal(t, "response", entries[1].Kind)
	assert.NotEmpty(t, entries[0].ID)
	assert.Equal(t, entries[0].ID, entries[1].ID, "both halves share the exchange id")
}
