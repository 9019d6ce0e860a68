package sessions

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/nextlevelbuilder/goclaw-gateway/internal/providers"
	"github.com/nextlevelbuilder/goclaw-gateway/internal/store"
)

func TestSaveThenLoadReturnsIdenticalMapping(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sessions.json")

	m := NewManager(path)
	m.GetOrCreate("main")
	m.Patch("main", func(e *store.SessionEntry) {
		e.LastChannel = "telegram"
		e.LastTo = "12345"
		e.TotalTokens = 4200
		e.ThinkingLevel = "high"
	})
	m.AddMessage("main", providers.Message{Role: "user", Content: "hello"})
	m.AddMessage("main", providers.Message{Role: "assistant", Content: "hi there"})
	m.SetSummary("main", "greeting exchange")
	m.GetOrCreate("telegram:group:-100")

	reloaded := NewManager(path)

	entry, ok := reloaded.Get("main")
	if !ok {
		t.Fatal("main session lost on reload")
	}
	if entry.LastChannel != "telegram" || entry.LastTo != "12345" || entry.TotalTokens != 4200 {
		t.Fatalf("entry fields lost: %+v", entry)
	}
	history := reloaded.GetHistory("main")
	if len(history) != 2 || history[1].Content != "hi there" {
		t.Fatalf("history lost: %+v", history)
	}
	if reloaded.GetSummary("main") != "greeting exchange" {
		t.Fatal("summary lost")
	}
	if _, ok := reloaded.Get("telegram:group:-100"); !ok {
		t.Fatal("second session lost")
	}
}

func TestPatchPreservesExplicitUpdatedAt(t *testing.T) {
	m := NewManager("")
	m.GetOrCreate("main")
	want := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	entry := m.Patch("main", func(e *store.SessionEntry) {
		e.UpdatedAt = want
	})
	if !entry.UpdatedAt.Equal(want) {
		t.Fatalf("explicit UpdatedAt overwritten: %v", entry.UpdatedAt)
	}

	entry = m.Patch("main", func(e *store.SessionEntry) {
		e.SystemSent = true
	})
	if entry.UpdatedAt.Equal(want) {
		t.Fatal("implicit patch should touch UpdatedAt")
	}
}

func TestResetClearsHistoryKeepsEntry(t *testing.T) {
	m := NewManager("")
	m.AddMessage("main", providers.Message{Role: "user", Content: "x"})
	m.Patch("main", func(e *store.SessionEntry) { e.AbortedLastRun = true })

	m.Reset("main")

	if len(m.GetHistory("main")) != 0 {
		t.Fatal("reset should clear history")
	}
	entry, ok := m.Get("main")
	if !ok {
		t.Fatal("reset should keep the entry")
	}
	if entry.AbortedLastRun {
		t.Fatal("reset should clear abortedLastRun")
	}
}

func TestTranscriptAppendOnly(t *testing.T) {
	dir := t.TempDir()
	m := NewManager(filepath.Join(dir, "sessions.json"))
	m.AddMessage("main", providers.Message{Role: "user", Content: "one"})
	m.AddMessage("main", providers.Message{Role: "assistant", Content: "two"})

	data, err := os.ReadFile(filepath.Join(dir, "main.jsonl"))
	if err != nil {
		t.Fatalf("transcript missing: %v", err)
	}
	lines := 0
	for _, b := range data {
		if b == '\n' {
			lines++
		}
	}
	if lines != 2 {
		t.Fatalf("transcript has %d lines, want 2", lines)
	}
}
