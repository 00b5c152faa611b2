package llm

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Journal appends LLM request/response pairs as JSON lines. It is kept
// apart from the main log so prompts never pollute operator output.
// Nil journals are safe to record to.
type Journal struct {
	mu sync.Mutex
	f  *os.File
}

// NewJournal opens (or creates) the journal file in append mode.
func NewJournal(path string) (*Journal, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	return &Journal{f: f}, nil
}

type journalEntry struct {
	ID        string `json:"id"` // shared by every entry of one exchange
	Timestamp string `json:"ts"`
	Kind      string `json:"kind"`
	Payload   any    `json:"payload"`
}

// Record appends one entry under the exchange id. Failures are swallowed;
// journaling must never break a trading decision.
func (j *Journal) Record(id, kind string, payload any) {
	if j == nil {
		return
	}
	j.mu.Lock()
	defer j.mu.Unlock()

	line, err := json.Marshal(journalEntry{
		ID:        id,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Kind:      kind,
		Payload:   payload,
	})
	if err != nil {
		return
	}
	line = append(line, '\n')
	_, _ = j.f.Write(line)
}

// Close flushes and closes the journal file.
func (j *Journal) Close() error {
	if j == nil {
		return nil
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.f.Close()
}
