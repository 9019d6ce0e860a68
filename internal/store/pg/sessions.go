// Package pg implements the Postgres persistence backend. The default
// deployment uses the file-backed stores; pointing GOCLAW_POSTGRES_DSN at
// a database switches session state to Postgres with a write-through
// in-memory cache in front of it.
package pg

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/nextlevelbuilder/goclaw-gateway/internal/providers"
	"github.com/nextlevelbuilder/goclaw-gateway/internal/store"
)

// OpenDB opens a pgx-backed database handle and verifies connectivity.
func OpenDB(dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(8)
	db.SetConnMaxIdleTime(5 * time.Minute)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// sessionRow is the persisted shape of one session.
type sessionRow struct {
	Entry    store.SessionEntry  `json:"entry"`
	Messages []providers.Message `json:"messages,omitempty"`
	Summary  string              `json:"summary,omitempty"`
}

// SessionStore implements store.SessionStore on Postgres with a
// write-through cache; reads tolerate stale snapshots, writes flush
// synchronously so a client observing a terminal event can re-read.
type SessionStore struct {
	db    *sql.DB
	mu    sync.RWMutex
	cache map[string]*sessionRow
}

// NewSessionStore creates the Postgres-backed session store.
func NewSessionStore(db *sql.DB) *SessionStore {
	return &SessionStore{db: db, cache: make(map[string]*sessionRow)}
}

func (s *SessionStore) GetOrCreate(key string) *store.SessionEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	row := s.rowLocked(key)
	entry := row.Entry
	return &entry
}

func (s *SessionStore) Get(key string) (*store.SessionEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if row, ok := s.cache[key]; ok {
		entry := row.Entry
		return &entry, true
	}
	row := s.loadLocked(key)
	if row == nil {
		return nil, false
	}
	entry := row.Entry
	return &entry, true
}

func (s *SessionStore) Patch(key string, mutate func(*store.SessionEntry)) *store.SessionEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	row := s.rowLocked(key)
	prev := row.Entry.UpdatedAt
	mutate(&row.Entry)
	// An explicit UpdatedAt write in mutate wins; otherwise touch.
	if row.Entry.UpdatedAt.Equal(prev) {
		row.Entry.UpdatedAt = time.Now()
	}
	s.flushLocked(key, row)
	entry := row.Entry
	return &entry
}

func (s *SessionStore) AddMessage(key string, msg providers.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row := s.rowLocked(key)
	row.Messages = append(row.Messages, msg)
	row.Entry.UpdatedAt = time.Now()
	s.flushLocked(key, row)
}

func (s *SessionStore) GetHistory(key string) []providers.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.cache[key]
	if !ok {
		row = s.loadLocked(key)
		if row == nil {
			return nil
		}
	}
	out := make([]providers.Message, len(row.Messages))
	copy(out, row.Messages)
	return out
}

func (s *SessionStore) TruncateHistory(key string, keepLast int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.cache[key]
	if !ok {
		return
	}
	if keepLast < 0 {
		keepLast = 0
	}
	if len(row.Messages) > keepLast {
		row.Messages = row.Messages[len(row.Messages)-keepLast:]
		s.flushLocked(key, row)
	}
}

func (s *SessionStore) GetSummary(key string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if row, ok := s.cache[key]; ok {
		return row.Summary
	}
	return ""
}

func (s *SessionStore) SetSummary(key, summary string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row := s.rowLocked(key)
	row.Summary = summary
	s.flushLocked(key, row)
}

func (s *SessionStore) Reset(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.cache[key]
	if !ok {
		row = s.loadLocked(key)
		if row == nil {
			return
		}
	}
	row.Messages = nil
	row.Summary = ""
	row.Entry.AbortedLastRun = false
	row.Entry.SystemSent = false
	row.Entry.UpdatedAt = time.Now()
	s.flushLocked(key, row)
}

func (s *SessionStore) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.cache, key)
	_, err := s.db.Exec(`DELETE FROM sessions WHERE session_key = $1`, key)
	if err != nil {
		return fmt.Errorf("pg: delete session: %w", err)
	}
	return nil
}

func (s *SessionStore) List() []store.SessionInfo {
	rows, err := s.db.Query(`SELECT session_key, jsonb_array_length(COALESCE(data->'messages', '[]'::jsonb)), updated_at FROM sessions`)
	if err != nil {
		slog.Warn("pg: list sessions failed", "error", err)
		return nil
	}
	defer rows.Close()

	var out []store.SessionInfo
	for rows.Next() {
		var info store.SessionInfo
		if err := rows.Scan(&info.Key, &info.MessageCount, &info.UpdatedAt); err != nil {
			continue
		}
		out = append(out, info)
	}
	return out
}

func (s *SessionStore) ListPaged(opts store.SessionListOpts) store.SessionListResult {
	all := s.List()
	total := len(all)

	limit := opts.Limit
	if limit <= 0 {
		limit = 20
	}
	offset := opts.Offset
	if offset < 0 {
		offset = 0
	}
	start := min(offset, total)
	end := min(start+limit, total)
	return store.SessionListResult{Sessions: all[start:end], Total: total}
}

// Save is a no-op: every mutation flushes synchronously.
func (s *SessionStore) Save() error { return nil }

func (s *SessionStore) LastUsedChannel() (string, string) {
	var channel, to sql.NullString
	err := s.db.QueryRow(`
		SELECT data->'entry'->>'lastChannel', data->'entry'->>'lastTo'
		FROM sessions
		WHERE data->'entry'->>'lastChannel' IS NOT NULL
		ORDER BY updated_at DESC LIMIT 1`).Scan(&channel, &to)
	if err != nil {
		return "", ""
	}
	return channel.String, to.String
}

// rowLocked returns the cached row for key, loading or creating it.
func (s *SessionStore) rowLocked(key string) *sessionRow {
	if row, ok := s.cache[key]; ok {
		return row
	}
	if row := s.loadLocked(key); row != nil {
		return row
	}
	row := &sessionRow{Entry: store.SessionEntry{SessionID: key, UpdatedAt: time.Now()}}
	s.cache[key] = row
	s.flushLocked(key, row)
	return row
}

// loadLocked reads one session from the database into the cache.
func (s *SessionStore) loadLocked(key string) *sessionRow {
	var data []byte
	err := s.db.QueryRow(`SELECT data FROM sessions WHERE session_key = $1`, key).Scan(&data)
	if err != nil {
		return nil
	}
	var row sessionRow
	if err := json.Unmarshal(data, &row); err != nil {
		slog.Warn("pg: corrupt session row", "key", key, "error", err)
		return nil
	}
	s.cache[key] = &row
	return &row
}

// flushLocked upserts the row. A failed flush logs and keeps the
// in-memory state authoritative until the next successful write.
func (s *SessionStore) flushLocked(key string, row *sessionRow) {
	data, err := json.Marshal(row)
	if err != nil {
		slog.Error("pg: marshal session failed", "key", key, "error", err)
		return
	}
	_, err = s.db.Exec(`
		INSERT INTO sessions (session_key, data, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (session_key) DO UPDATE SET data = EXCLUDED.data, updated_at = EXCLUDED.updated_at`,
		key, data, row.Entry.UpdatedAt)
	if err != nil {
		slog.Warn("pg: session flush failed, in-memory state stays authoritative", "key", key, "error", err)
	}
}
