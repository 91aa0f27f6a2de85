package sessions

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/swedishembedded/sven/pkg/models"
)

// Journal appends a session's messages to a per-session JSONL file on
// disk, so a restarted node can rebuild history without a database
// (spec.md §6 persistent state file layout). One record per message;
// writes are append-only and flushed per call.
type Journal struct {
	dir string
	mu  sync.Mutex
}

// NewJournal creates a journal writing under dir (created on first use).
func NewJournal(dir string) *Journal {
	return &Journal{dir: dir}
}

func (j *Journal) path(sessionID string) string {
	return filepath.Join(j.dir, sessionID+".jsonl")
}

// Append writes msg as one JSON line to the session's journal file.
func (j *Journal) Append(msg *models.Message) error {
	if msg == nil {
		return fmt.Errorf("journal: message is nil")
	}
	j.mu.Lock()
	defer j.mu.Unlock()

	if err := os.MkdirAll(j.dir, 0o755); err != nil {
		return fmt.Errorf("journal: create dir: %w", err)
	}

	f, err := os.OpenFile(j.path(msg.SessionID), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("journal: open: %w", err)
	}
	defer f.Close()

	line, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("journal: encode: %w", err)
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("journal: write: %w", err)
	}
	return nil
}

// Load replays a session's journal file into an ordered message slice.
// A missing file is not an error — it means the session has no
// persisted history yet.
func (j *Journal) Load(sessionID string) ([]*models.Message, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	f, err := os.Open(j.path(sessionID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("journal: open: %w", err)
	}
	defer f.Close()

	var out []*models.Message
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var msg models.Message
		if err := json.Unmarshal(line, &msg); err != nil {
			return nil, fmt.Errorf("journal: decode: %w", err)
		}
		out = append(out, &msg)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("journal: scan: %w", err)
	}
	return out, nil
}
