package store

import (
	"time"

	"github.com/nextlevelbuilder/goclaw-gateway/internal/providers"
)

// SessionEntry is the persisted metadata for one SessionKey.
type SessionEntry struct {
	SessionID       string    `json:"sessionId"`
	UpdatedAt       time.Time `json:"updatedAt"`
	LastChannel     string    `json:"lastChannel,omitempty"`
	LastTo          string    `json:"lastTo,omitempty"`
	SystemSent      bool      `json:"systemSent,omitempty"`
	AbortedLastRun  bool      `json:"abortedLastRun,omitempty"`
	ThinkingLevel   string    `json:"thinkingLevel,omitempty"`
	VerboseLevel    string    `json:"verboseLevel,omitempty"`
	InputTokens     int64     `json:"inputTokens,omitempty"`
	OutputTokens    int64     `json:"outputTokens,omitempty"`
	TotalTokens     int64     `json:"totalTokens,omitempty"`
	Model           string    `json:"model,omitempty"`
	ContextTokens   int       `json:"contextTokens,omitempty"`
	GroupActivation string    `json:"groupActivation,omitempty"`
}

// SessionInfo is lightweight session metadata for listing.
type SessionInfo struct {
	Key          string    `json:"key"`
	MessageCount int       `json:"messageCount"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// SessionListOpts holds pagination options for ListPaged.
type SessionListOpts struct {
	Limit  int
	Offset int
}

// SessionListResult is the paginated result of ListPaged.
type SessionListResult struct {
	Sessions []SessionInfo `json:"sessions"`
	Total    int           `json:"total"`
}

// SessionStore manages the durable SessionKey -> SessionEntry map plus each
// session's message history. sessions.Manager serializes it atomically to a
// single file; the Postgres store in store/pg keeps one row per session.
type SessionStore interface {
	GetOrCreate(key string) *SessionEntry
	Get(key string) (*SessionEntry, bool)
	Patch(key string, mutate func(*SessionEntry)) *SessionEntry

	AddMessage(key string, msg providers.Message)
	GetHistory(key string) []providers.Message
	TruncateHistory(key string, keepLast int)

	GetSummary(key string) string
	SetSummary(key, summary string)

	Reset(key string)
	Delete(key string) error
	List() []SessionInfo
	ListPaged(opts SessionListOpts) SessionListResult

	Save() error
	LastUsedChannel() (channel, to string)
}
