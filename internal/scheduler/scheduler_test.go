package scheduler

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nextlevelbuilder/goclaw-gateway/internal/agent"
	"github.com/nextlevelbuilder/goclaw-gateway/internal/providers"
	"github.com/nextlevelbuilder/goclaw-gateway/internal/store"
)

// memStore is a minimal in-memory SessionStore for scheduler tests.
type memStore struct {
	mu      sync.Mutex
	entries map[string]*store.SessionEntry
}

func newMemStore() *memStore {
	return &memStore{entries: make(map[string]*store.SessionEntry)}
}

func (m *memStore) GetOrCreate(key string) *store.SessionEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[key]; ok {
		copied := *e
		return &copied
	}
	e := &store.SessionEntry{SessionID: key, UpdatedAt: time.Now()}
	m.entries[key] = e
	copied := *e
	return &copied
}

func (m *memStore) Get(key string) (*store.SessionEntry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok {
		return nil, false
	}
	copied := *e
	return &copied, true
}

func (m *memStore) Patch(key string, mutate func(*store.SessionEntry)) *store.SessionEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok {
		e = &store.SessionEntry{SessionID: key}
		m.entries[key] = e
	}
	mutate(e)
	e.UpdatedAt = time.Now()
	copied := *e
	return &copied
}

func (m *memStore) AddMessage(string, providers.Message)           {}
func (m *memStore) GetHistory(string) []providers.Message          { return nil }
func (m *memStore) TruncateHistory(string, int)                    {}
func (m *memStore) GetSummary(string) string                       { return "" }
func (m *memStore) SetSummary(string, string)                      {}
func (m *memStore) Reset(string)                                   {}
func (m *memStore) Delete(string) error                            { return nil }
func (m *memStore) List() []store.SessionInfo                      { return nil }
func (m *memStore) ListPaged(store.SessionListOpts) store.SessionListResult {
	return store.SessionListResult{}
}
func (m *memStore) Save() error                   { return nil }
func (m *memStore) LastUsedChannel() (string, string) { return "", "" }

func req(session, runID, msg string) agent.RunRequest {
	return agent.RunRequest{SessionKey: session, RunID: runID, Message: msg, Channel: "telegram", ChatID: "1"}
}

func TestScheduleRunsImmediatelyWhenIdle(t *testing.T) {
	sched := New(Config{
		Run: func(ctx context.Context, r agent.RunRequest) (*agent.RunResult, error) {
			return &agent.RunResult{Kind: agent.ResultReply, Content: "ok", RunID: r.RunID}, nil
		},
		Sessions: newMemStore(),
	})

	outcome := <-sched.Schedule(context.Background(), LaneMain, req("main", "r1", "hi"))
	if outcome.Err != nil {
		t.Fatalf("unexpected error: %v", outcome.Err)
	}
	if outcome.Result.Content != "ok" {
		t.Fatalf("got %q", outcome.Result.Content)
	}
}

func TestAtMostOneActiveRunPerSession(t *testing.T) {
	var active, maxActive atomic.Int32
	release := make(chan struct{})

	sched := New(Config{
		Run: func(ctx context.Context, r agent.RunRequest) (*agent.RunResult, error) {
			cur := active.Add(1)
			for {
				prev := maxActive.Load()
				if cur <= prev || maxActive.CompareAndSwap(prev, cur) {
					break
				}
			}
			<-release
			active.Add(-1)
			return &agent.RunResult{Kind: agent.ResultReply, Content: r.Message, RunID: r.RunID}, nil
		},
		Sessions:    newMemStore(),
		DefaultMode: ModeFollowup,
	})

	ctx := context.Background()
	var outs []<-chan Outcome
	for i := 0; i < 5; i++ {
		outs = append(outs, sched.Schedule(ctx, LaneMain, req("main", "r"+string(rune('0'+i)), "m")))
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	for _, out := range outs {
		select {
		case <-out:
		case <-time.After(2 * time.Second):
			t.Fatal("outcome never delivered")
		}
	}
	if maxActive.Load() != 1 {
		t.Fatalf("observed %d concurrent runs for one session", maxActive.Load())
	}
}

func TestInterruptAbortsActiveRun(t *testing.T) {
	started := make(chan struct{})
	sched := New(Config{
		Run: func(ctx context.Context, r agent.RunRequest) (*agent.RunResult, error) {
			if r.Message == "first" {
				close(started)
				<-ctx.Done()
				return nil, ctx.Err()
			}
			return &agent.RunResult{Kind: agent.ResultReply, Content: r.Message, RunID: r.RunID}, nil
		},
		Sessions:    newMemStore(),
		DefaultMode: ModeInterrupt,
	})

	ctx := context.Background()
	first := sched.Schedule(ctx, LaneMain, req("main", "r1", "first"))
	<-started
	second := sched.Schedule(ctx, LaneMain, req("main", "r2", "second"))

	o1 := <-first
	if !errors.Is(o1.Err, context.Canceled) {
		t.Fatalf("first run should be aborted, got %v", o1.Err)
	}
	o2 := <-second
	if o2.Err != nil {
		t.Fatalf("second run failed: %v", o2.Err)
	}
	// The final outbound reflects only the second message.
	if o2.Result.Content != "second" {
		t.Fatalf("second run content = %q", o2.Result.Content)
	}

	// A successful replacement run clears the aborted flag.
	if entry, ok := sched.sessions.Get("main"); !ok || entry.AbortedLastRun {
		t.Fatalf("session entry state unexpected: %+v", entry)
	}
}

func TestFollowupConcatenatesPending(t *testing.T) {
	release := make(chan struct{})
	var prompts []string
	var mu sync.Mutex

	sched := New(Config{
		Run: func(ctx context.Context, r agent.RunRequest) (*agent.RunResult, error) {
			mu.Lock()
			prompts = append(prompts, r.Message)
			first := len(prompts) == 1
			mu.Unlock()
			if first {
				<-release
			}
			return &agent.RunResult{Kind: agent.ResultReply, Content: "done", RunID: r.RunID}, nil
		},
		Sessions:    newMemStore(),
		DefaultMode: ModeFollowup,
	})

	ctx := context.Background()
	first := sched.Schedule(ctx, LaneMain, req("main", "r1", "one"))
	time.Sleep(20 * time.Millisecond)
	second := sched.Schedule(ctx, LaneMain, req("main", "r2", "two"))
	third := sched.Schedule(ctx, LaneMain, req("main", "r3", "three"))
	close(release)

	<-first
	<-second
	<-third

	mu.Lock()
	defer mu.Unlock()
	if len(prompts) != 2 {
		t.Fatalf("expected 2 runs, got %d: %v", len(prompts), prompts)
	}
	if prompts[1] != "two\n\nthree" {
		t.Fatalf("followup prompt = %q", prompts[1])
	}
}

func TestCollectComposesSections(t *testing.T) {
	release := make(chan struct{})
	var prompts []string
	var mu sync.Mutex

	sched := New(Config{
		Run: func(ctx context.Context, r agent.RunRequest) (*agent.RunResult, error) {
			mu.Lock()
			prompts = append(prompts, r.Message)
			first := len(prompts) == 1
			mu.Unlock()
			if first {
				<-release
			}
			return &agent.RunResult{Kind: agent.ResultReply, Content: "done", RunID: r.RunID}, nil
		},
		Sessions:    newMemStore(),
		DefaultMode: ModeCollect,
	})

	ctx := context.Background()
	first := sched.Schedule(ctx, LaneMain, req("main", "r1", "busy"))
	time.Sleep(20 * time.Millisecond)
	second := sched.Schedule(ctx, LaneMain, req("main", "r2", "earlier line"))
	third := sched.Schedule(ctx, LaneMain, req("main", "r3", "respond to me"))
	close(release)
	<-first
	<-second
	<-third

	mu.Lock()
	composed := prompts[1]
	mu.Unlock()

	if n := strings.Count(composed, collectCurrentLabel); n != 1 {
		t.Fatalf("composed prompt has %d current-message sections:\n%s", n, composed)
	}
	if !strings.Contains(composed, collectHistoryLabel) {
		t.Fatalf("composed prompt missing history section:\n%s", composed)
	}
	if !strings.Contains(composed, "earlier line") || !strings.Contains(composed, "respond to me") {
		t.Fatalf("composed prompt missing content:\n%s", composed)
	}
}

func TestAbortIsIdempotent(t *testing.T) {
	started := make(chan struct{})
	sched := New(Config{
		Run: func(ctx context.Context, r agent.RunRequest) (*agent.RunResult, error) {
			close(started)
			<-ctx.Done()
			return nil, ctx.Err()
		},
		Sessions: newMemStore(),
	})

	out := sched.Schedule(context.Background(), LaneMain, req("main", "r1", "hi"))
	<-started

	if !sched.Abort("r1") {
		t.Fatal("first abort should find the run")
	}
	// Second abort of the same (now cancelled) run is a harmless no-op.
	sched.Abort("r1")
	<-out
	if sched.Abort("r1") {
		t.Fatal("abort after terminal state should be a no-op")
	}
}

func TestSteerFallsBackToQueueWithoutSteerFunc(t *testing.T) {
	release := make(chan struct{})
	var runs atomic.Int32

	sched := New(Config{
		Run: func(ctx context.Context, r agent.RunRequest) (*agent.RunResult, error) {
			if runs.Add(1) == 1 {
				<-release
			}
			return &agent.RunResult{Kind: agent.ResultReply, Content: "ok", RunID: r.RunID}, nil
		},
		Sessions:    newMemStore(),
		DefaultMode: ModeSteer,
	})

	ctx := context.Background()
	first := sched.Schedule(ctx, LaneMain, req("main", "r1", "a"))
	time.Sleep(20 * time.Millisecond)
	second := sched.Schedule(ctx, LaneMain, req("main", "r2", "b"))
	close(release)
	<-first
	<-second
	if runs.Load() != 2 {
		t.Fatalf("expected queued fallback run, got %d runs", runs.Load())
	}
}

func TestModeForPerChannelOverride(t *testing.T) {
	sched := New(Config{
		Run:         func(ctx context.Context, r agent.RunRequest) (*agent.RunResult, error) { return nil, nil },
		Sessions:    newMemStore(),
		DefaultMode: ModeInterrupt,
		ByChannel:   map[string]Mode{"whatsapp": ModeCollect},
	})
	if sched.ModeFor("whatsapp") != ModeCollect {
		t.Fatal("per-channel override should win")
	}
	if sched.ModeFor("telegram") != ModeInterrupt {
		t.Fatal("global default should be the fallback")
	}
}
