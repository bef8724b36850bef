// Package events keeps an append-only journal of tunnel lifecycle events.
package events

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/treykane/bgtunnel/internal/appconfig"
	"github.com/treykane/bgtunnel/internal/model"
)

// Event types written by the journal hooks and the CLI.
const (
	TypeOpenRequested = "open_requested"
	TypeOpenSucceeded = "open_succeeded"
	TypeOpenFailed    = "open_failed"
	TypeClosed        = "closed"
	TypeExited        = "exited"
)

// Event is one tunnel lifecycle record persisted to events.jsonl.
type Event struct {
	Timestamp   time.Time         `json:"timestamp"`
	TunnelID    string            `json:"tunnel_id,omitempty"`
	Destination string            `json:"destination,omitempty"`
	EventType   string            `json:"event_type"`
	State       model.TunnelState `json:"state,omitempty"`
	Message     string            `json:"message,omitempty"`
	PID         int               `json:"pid,omitempty"`
}

// Query controls event filtering and bounded reads.
type Query struct {
	Destination string
	TunnelID    string
	EventType   string
	Since       time.Time
	Limit       int
}

// Store provides append/read access to the local event journal.
type Store struct {
	mu   sync.Mutex
	path string
}

// NewStore returns a store backed by events.jsonl in the config directory.
func NewStore() (*Store, error) {
	path, err := appconfig.EventsFilePath()
	if err != nil {
		return nil, err
	}
	return NewStoreAt(path), nil
}

// NewStoreAt returns a store backed by path.
func NewStoreAt(path string) *Store {
	return &Store{path: path}
}

// Append writes a single event as one JSON line.
func (s *Store) Append(evt Event) error {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}
	b, err := json.Marshal(evt)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return err
	}
	f, err := os.OpenFile(s.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.Write(append(b, '\n'))
	return err
}

// Read returns events in append order, filtered by query, with optional limit.
// Malformed lines are skipped.
func (s *Store) Read(q Query) ([]Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := os.Open(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var out []Event
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var evt Event
		if err := json.Unmarshal([]byte(line), &evt); err != nil {
			continue
		}
		if !matches(evt, q) {
			continue
		}
		out = append(out, evt)
		if q.Limit > 0 && len(out) > q.Limit {
			out = out[len(out)-q.Limit:]
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("scan events: %w", err)
	}
	return out, nil
}

func matches(evt Event, q Query) bool {
	if strings.TrimSpace(q.Destination) != "" && evt.Destination != q.Destination {
		return false
	}
	if strings.TrimSpace(q.TunnelID) != "" && evt.TunnelID != q.TunnelID {
		return false
	}
	if strings.TrimSpace(q.EventType) != "" && evt.EventType != q.EventType {
		return false
	}
	if !q.Since.IsZero() && evt.Timestamp.Before(q.Since) {
		return false
	}
	return true
}
