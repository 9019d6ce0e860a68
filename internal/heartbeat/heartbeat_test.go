package heartbeat

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/nextlevelbuilder/goclaw-gateway/internal/agent"
	"github.com/nextlevelbuilder/goclaw-gateway/internal/bus"
	"github.com/nextlevelbuilder/goclaw-gateway/internal/config"
	"github.com/nextlevelbuilder/goclaw-gateway/internal/scheduler"
	"github.com/nextlevelbuilder/goclaw-gateway/internal/sessions"
	storepkg "github.com/nextlevelbuilder/goclaw-gateway/internal/store"
)

func TestParseEvery(t *testing.T) {
	tests := []struct {
		in   string
		want time.Duration
	}{
		{"30", 30 * time.Minute}, // bare numbers default to minutes
		{"5m", 5 * time.Minute},
		{"1h", time.Hour},
		{"0", 0},
		{"0m", 0},
		{"", 0},
		{"garbage", 0},
		{"-5m", 0},
	}
	for _, tt := range tests {
		if got := ParseEvery(tt.in); got != tt.want {
			t.Errorf("ParseEvery(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

type fakeProbe struct {
	running map[string]bool
	linked  map[string]bool
}

func (f *fakeProbe) IsChannelRunning(name string) bool { return f.running[name] }
func (f *fakeProbe) IsChannelLinked(name string) bool  { return f.linked[name] }

type captureRouter struct {
	mu   sync.Mutex
	sent []bus.OutboundMessage
}

func (c *captureRouter) PublishInbound(bus.InboundMessage) {}
func (c *captureRouter) ConsumeInbound(context.Context) (bus.InboundMessage, bool) {
	return bus.InboundMessage{}, false
}
func (c *captureRouter) PublishOutbound(msg bus.OutboundMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, msg)
}
func (c *captureRouter) SubscribeOutbound(context.Context) (bus.OutboundMessage, bool) {
	return bus.OutboundMessage{}, false
}

func newTestRig(t *testing.T, reply string, hb *config.HeartbeatConfig, probe *fakeProbe) (*Scheduler, *captureRouter, *sessions.Manager) {
	t.Helper()
	cfg := config.Default()
	cfg.Agent.Heartbeat = hb
	cfg.Channels.WhatsApp.Enabled = true

	store := sessions.NewManager("") // in-memory
	sched := scheduler.New(scheduler.Config{
		Run: func(ctx context.Context, r agent.RunRequest) (*agent.RunResult, error) {
			return &agent.RunResult{Kind: agent.ResultReply, Content: reply, RunID: r.RunID}, nil
		},
		Sessions: store,
	})
	router := &captureRouter{}
	hs := New(cfg, store, sched, probe, nil, router)
	return hs, router, store
}

func TestHeartbeatSkipsWhenWhatsAppNotLinked(t *testing.T) {
	probe := &fakeProbe{running: map[string]bool{"whatsapp": true}, linked: map[string]bool{}}
	hs, router, _ := newTestRig(t, "hello", &config.HeartbeatConfig{Target: "whatsapp", To: "+15551234"}, probe)

	res := hs.RunOnce(context.Background(), "test")
	if res.Status != "skipped" || res.Reason != ReasonWhatsAppNotLinked {
		t.Fatalf("got %+v, want skipped/%s", res, ReasonWhatsAppNotLinked)
	}
	if len(router.sent) != 0 {
		t.Fatal("no outbound send may happen on a skipped heartbeat")
	}
}

func TestHeartbeatSuppressesSentinelOnlyReply(t *testing.T) {
	probe := &fakeProbe{
		running: map[string]bool{"whatsapp": true},
		linked:  map[string]bool{"whatsapp": true},
	}
	hs, router, _ := newTestRig(t, "HEARTBEAT_OK", &config.HeartbeatConfig{Target: "whatsapp", To: "+15551234"}, probe)

	res := hs.RunOnce(context.Background(), "test")
	if res.Status != "ok-silent" {
		t.Fatalf("got %+v, want ok-silent", res)
	}
	if len(router.sent) != 0 {
		t.Fatal("sentinel-only reply must not be delivered")
	}
}

func TestHeartbeatDeliversNonEmptyReply(t *testing.T) {
	probe := &fakeProbe{
		running: map[string]bool{"whatsapp": true},
		linked:  map[string]bool{"whatsapp": true},
	}
	hs, router, _ := newTestRig(t, "reminder: water the plants", &config.HeartbeatConfig{Target: "whatsapp", To: "+15551234"}, probe)

	res := hs.RunOnce(context.Background(), "test")
	if res.Status != "sent" {
		t.Fatalf("got %+v, want sent", res)
	}
	if len(router.sent) != 1 || router.sent[0].ChatID != "+15551234" {
		t.Fatalf("unexpected outbound: %+v", router.sent)
	}
}

func TestHeartbeatTargetNone(t *testing.T) {
	probe := &fakeProbe{running: map[string]bool{}, linked: map[string]bool{}}
	hs, _, _ := newTestRig(t, "x", &config.HeartbeatConfig{Target: "none"}, probe)

	res := hs.RunOnce(context.Background(), "test")
	if res.Status != "skipped" || res.Reason != ReasonNoTarget {
		t.Fatalf("got %+v", res)
	}
}

func TestHeartbeatNeverTargetsWebchat(t *testing.T) {
	probe := &fakeProbe{running: map[string]bool{"webchat": true}, linked: map[string]bool{}}
	hs, _, store := newTestRig(t, "x", &config.HeartbeatConfig{Target: "last"}, probe)

	store.Patch("main", func(e *storepkg.SessionEntry) {
		e.LastChannel = "webchat"
		e.LastTo = "client-1"
	})

	res := hs.RunOnce(context.Background(), "test")
	if res.Status != "skipped" || res.Reason != ReasonNoTarget {
		t.Fatalf("webchat must never be a heartbeat target, got %+v", res)
	}
}

func TestHeartbeatRestoresUpdatedAt(t *testing.T) {
	probe := &fakeProbe{
		running: map[string]bool{"whatsapp": true},
		linked:  map[string]bool{"whatsapp": true},
	}
	hs, _, store := newTestRig(t, "HEARTBEAT_OK", &config.HeartbeatConfig{Target: "whatsapp", To: "+15551234"}, probe)

	before := store.GetOrCreate("main").UpdatedAt
	time.Sleep(5 * time.Millisecond)

	hs.RunOnce(context.Background(), "test")

	after, _ := store.Get("main")
	if !after.UpdatedAt.Equal(before) {
		t.Fatalf("heartbeat must not bump updatedAt: before=%v after=%v", before, after.UpdatedAt)
	}
}
