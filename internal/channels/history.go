package channels

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// DefaultGroupHistoryLimit is the default number of un-mentioned group
// messages retained as context before the bot is finally addressed.
const DefaultGroupHistoryLimit = 50

// HistoryEntry is one message recorded while a group conversation wasn't
// directed at the bot (no mention, mention-gating enabled).
type HistoryEntry struct {
	Sender    string
	Body      string
	Timestamp time.Time
	MessageID string
}

// PendingHistory buffers recent un-mentioned group messages per conversation
// key, so that when the bot is finally @mentioned it can see what was being
// discussed instead of responding to an isolated line out of context.
type PendingHistory struct {
	mu      sync.Mutex
	entries map[string][]HistoryEntry
}

// NewPendingHistory creates an empty PendingHistory buffer.
func NewPendingHistory() *PendingHistory {
	return &PendingHistory{entries: make(map[string][]HistoryEntry)}
}

// Record appends an entry for key, keeping only the newest limit entries.
func (p *PendingHistory) Record(key string, entry HistoryEntry, limit int) {
	if limit <= 0 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	entries := append(p.entries[key], entry)
	if len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}
	p.entries[key] = entries
}

// BuildContext prepends any buffered history for key to the current message,
// then clears nothing (callers call Clear once the turn is dispatched).
func (p *PendingHistory) BuildContext(key string, current string, limit int) string {
	if limit <= 0 {
		return current
	}
	p.mu.Lock()
	entries := p.entries[key]
	p.mu.Unlock()

	if len(entries) == 0 {
		return current
	}

	var sb strings.Builder
	sb.WriteString("Recent conversation (for context, not addressed to you):\n")
	for _, e := range entries {
		sb.WriteString(fmt.Sprintf("[%s] %s: %s\n", e.Timestamp.Format("15:04:05"), e.Sender, e.Body))
	}
	sb.WriteString("\nCurrent message:\n")
	sb.WriteString(current)
	return sb.String()
}

// Clear discards any buffered history for key.
func (p *PendingHistory) Clear(key string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.entries, key)
}
