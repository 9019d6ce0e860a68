package sessions

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/nextlevelbuilder/goclaw-gateway/internal/providers"
	"github.com/nextlevelbuilder/goclaw-gateway/internal/store"
)

// record is the unit of persistence for one SessionKey: the SessionEntry
// metadata plus its message history and running summary.
type record struct {
	Entry    store.SessionEntry  `json:"entry"`
	Messages []providers.Message `json:"messages,omitempty"`
	Summary  string              `json:"summary,omitempty"`
}

// Manager is the runtime session store: an in-memory map of SessionKey to
// record, serialized atomically to a single JSON file on every mutation.
// It implements store.SessionStore directly.
type Manager struct {
	mu      sync.RWMutex
	path    string
	records map[string]*record
}

// NewManager creates a Manager backed by the file at path, loading any
// existing snapshot. path's directory is created lazily on first Save.
func NewManager(path string) *Manager {
	m := &Manager{
		path:    path,
		records: make(map[string]*record),
	}
	m.load()
	return m
}

func (m *Manager) load() {
	data, err := os.ReadFile(m.path)
	if err != nil {
		return
	}
	var stored map[string]*record
	if err := json.Unmarshal(data, &stored); err != nil {
		return
	}
	m.records = stored
}

func (m *Manager) GetOrCreate(key string) *store.SessionEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[key]
	if !ok {
		rec = &record{Entry: store.SessionEntry{SessionID: key, UpdatedAt: time.Now()}}
		m.records[key] = rec
		m.saveLocked()
	}
	entry := rec.Entry
	return &entry
}

func (m *Manager) Get(key string) (*store.SessionEntry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[key]
	if !ok {
		return nil, false
	}
	entry := rec.Entry
	return &entry, true
}

func (m *Manager) Patch(key string, mutate func(*store.SessionEntry)) *store.SessionEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec := m.recordLocked(key)
	prev := rec.Entry.UpdatedAt
	mutate(&rec.Entry)
	// An explicit UpdatedAt write in mutate wins (heartbeats restore the
	// pre-run value so they don't rank sessions recent); otherwise touch.
	if rec.Entry.UpdatedAt.Equal(prev) {
		rec.Entry.UpdatedAt = time.Now()
	}
	m.saveLocked()
	entry := rec.Entry
	return &entry
}

func (m *Manager) AddMessage(key string, msg providers.Message) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec := m.recordLocked(key)
	rec.Messages = append(rec.Messages, msg)
	rec.Entry.UpdatedAt = time.Now()
	m.saveLocked()
	m.appendTranscriptLocked(key, msg)
}

// appendTranscriptLocked writes the message to the session's append-only
// transcript file (<dir>/<key>.jsonl). Transcript writes are best-effort:
// the snapshot in sessions.json stays the durable source of truth.
func (m *Manager) appendTranscriptLocked(key string, msg providers.Message) {
	if m.path == "" {
		return
	}
	line, err := json.Marshal(struct {
		TS   time.Time         `json:"ts"`
		Role string            `json:"role"`
		Body providers.Message `json:"message"`
	}{time.Now(), msg.Role, msg})
	if err != nil {
		return
	}
	name := transcriptFileName(key)
	f, err := os.OpenFile(filepath.Join(filepath.Dir(m.path), name), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return
	}
	defer f.Close()
	f.Write(append(line, '\n'))
}

// transcriptFileName flattens a session key into a safe file name.
func transcriptFileName(key string) string {
	safe := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		default:
			return '-'
		}
	}, key)
	return safe + ".jsonl"
}

func (m *Manager) GetHistory(key string) []providers.Message {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[key]
	if !ok {
		return nil
	}
	out := make([]providers.Message, len(rec.Messages))
	copy(out, rec.Messages)
	return out
}

func (m *Manager) TruncateHistory(key string, keepLast int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[key]
	if !ok {
		return
	}
	if keepLast < 0 {
		keepLast = 0
	}
	if len(rec.Messages) > keepLast {
		rec.Messages = rec.Messages[len(rec.Messages)-keepLast:]
	}
	m.saveLocked()
}

func (m *Manager) GetSummary(key string) string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[key]
	if !ok {
		return ""
	}
	return rec.Summary
}

func (m *Manager) SetSummary(key, summary string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec := m.recordLocked(key)
	rec.Summary = summary
	m.saveLocked()
}

func (m *Manager) Reset(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.records[key]; ok {
		rec.Messages = nil
		rec.Summary = ""
		rec.Entry.AbortedLastRun = false
		rec.Entry.SystemSent = false
		rec.Entry.UpdatedAt = time.Now()
		m.saveLocked()
	}
}

func (m *Manager) Delete(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, key)
	return m.saveLocked()
}

func (m *Manager) List() []store.SessionInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]store.SessionInfo, 0, len(m.records))
	for key, rec := range m.records {
		out = append(out, store.SessionInfo{
			Key:          key,
			MessageCount: len(rec.Messages),
			UpdatedAt:    rec.Entry.UpdatedAt,
		})
	}
	return out
}

func (m *Manager) ListPaged(opts store.SessionListOpts) store.SessionListResult {
	all := m.List()
	total := len(all)

	limit := opts.Limit
	if limit <= 0 {
		limit = 20
	}
	offset := opts.Offset
	if offset < 0 {
		offset = 0
	}

	start := offset
	if start > total {
		start = total
	}
	end := start + limit
	if end > total {
		end = total
	}

	return store.SessionListResult{Sessions: all[start:end], Total: total}
}

// LastUsedChannel returns the channel/peer of the most recently updated
// session that recorded one, for heartbeat target resolution (target="last").
func (m *Manager) LastUsedChannel() (string, string) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var newest *store.SessionEntry
	for _, rec := range m.records {
		if rec.Entry.LastChannel == "" {
			continue
		}
		if newest == nil || rec.Entry.UpdatedAt.After(newest.UpdatedAt) {
			e := rec.Entry
			newest = &e
		}
	}
	if newest == nil {
		return "", ""
	}
	return newest.LastChannel, newest.LastTo
}

func (m *Manager) recordLocked(key string) *record {
	rec, ok := m.records[key]
	if !ok {
		rec = &record{Entry: store.SessionEntry{SessionID: key}}
		m.records[key] = rec
	}
	return rec
}

// Save flushes the whole session map to disk via temp-file + fsync + rename.
func (m *Manager) Save() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saveLocked()
}

func (m *Manager) saveLocked() error {
	if m.path == "" {
		return nil
	}
	dir := filepath.Dir(m.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("sessions: create dir: %w", err)
	}

	data, err := json.MarshalIndent(m.records, "", "  ")
	if err != nil {
		return fmt.Errorf("sessions: marshal: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".sessions-*.tmp")
	if err != nil {
		return fmt.Errorf("sessions: create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("sessions: write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sessions: fsync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("sessions: close temp file: %w", err)
	}
	if err := os.Rename(tmpName, m.path); err != nil {
		return fmt.Errorf("sessions: rename temp file: %w", err)
	}
	return nil
}
