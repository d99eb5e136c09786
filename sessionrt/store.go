package sessionrt

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// Store persists sessions as pretty-printed JSON, one file per session id,
// under a session-store directory.
type Store struct {
	dir    string
	logger *slog.Logger
}

// NewStore creates a store rooted at dir, creating it if needed.
func NewStore(dir string, logger *slog.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create session store dir: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{dir: dir, logger: logger}, nil
}

// Path returns the on-disk path for a session id.
func (st *Store) Path(id string) string {
	return filepath.Join(st.dir, id+".json")
}

// Save writes the session atomically (temp file + rename) so a crash mid
// write never corrupts the previous durable copy.
func (st *Store) Save(s *Session) error {
	s.mu.Lock()
	data, err := json.MarshalIndent(s, "", "  ")
	s.mu.Unlock()
	if err != nil {
		return fmt.Errorf("marshal session %s: %w", s.ID, err)
	}

	tmp := st.Path(s.ID) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write session %s: %w", s.ID, err)
	}
	if err := os.Rename(tmp, st.Path(s.ID)); err != nil {
		return fmt.Errorf("rename session %s: %w", s.ID, err)
	}
	return nil
}

// Load reads a session back from disk.
func (st *Store) Load(id string) (*Session, error) {
	data, err := os.ReadFile(st.Path(id))
	if err != nil {
		return nil, fmt.Errorf("read session %s: %w", id, err)
	}
	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse session %s: %w", id, err)
	}
	return &s, nil
}

// SessionSummary is a lightweight listing entry.
type SessionSummary struct {
	ID            string    `json:"id"`
	Role          string    `json:"role"`
	Model         string    `json:"model"`
	Status        Status    `json:"status"`
	StartTime     time.Time `json:"startTime"`
	LastTurnIndex int       `json:"lastTurnIndex"`
	TotalTokens   int       `json:"totalTokens"`
}

// List returns summaries for all stored sessions, newest first. Unreadable
// files are logged and skipped rather than failing the listing.
func (st *Store) List() ([]SessionSummary, error) {
	entries, err := os.ReadDir(st.dir)
	if err != nil {
		return nil, fmt.Errorf("list session store: %w", err)
	}

	summaries := make([]SessionSummary, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		id := strings.TrimSuffix(entry.Name(), ".json")
		s, err := st.Load(id)
		if err != nil {
			st.logger.Warn("skipping unreadable session file", "file", entry.Name(), "error", err)
			continue
		}
		summaries = append(summaries, SessionSummary{
			ID:            s.ID,
			Role:          s.Role,
			Model:         s.Model,
			Status:        s.Status,
			StartTime:     s.StartTime,
			LastTurnIndex: s.LastTurnIndex,
			TotalTokens:   s.TokenUsage.Total,
		})
	}

	sort.Slice(summaries, func(i, j int) bool {
		return summaries[i].StartTime.After(summaries[j].StartTime)
	})
	return summaries, nil
}

// Cleanup removes session files whose modification time is older than
// maxAge, returning the number removed. Sessions are never deleted any other
// way.
func (st *Store) Cleanup(maxAge time.Duration) (int, error) {
	entries, err := os.ReadDir(st.dir)
	if err != nil {
		return 0, fmt.Errorf("list session store: %w", err)
	}

	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			if err := os.Remove(filepath.Join(st.dir, entry.Name())); err != nil {
				st.logger.Warn("failed to remove expired session", "file", entry.Name(), "error", err)
				continue
			}
			removed++
		}
	}
	return removed, nil
}
