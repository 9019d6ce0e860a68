package channels

import (
	"strings"
	"testing"

	"github.com/nextlevelbuilder/goclaw-gateway/internal/bus"
)

func TestAllowlistWildcardAdmitsAnySender(t *testing.T) {
	c := NewBaseChannel("whatsapp", bus.New(), []string{"*"})
	if !c.IsAllowed("+15550000000") {
		t.Fatal("wildcard allowlist must admit any sender")
	}
}

func TestEmptyAllowlistAdmitsAll(t *testing.T) {
	c := NewBaseChannel("telegram", bus.New(), nil)
	if !c.IsAllowed("anyone") {
		t.Fatal("empty allowlist means open")
	}
	if c.HasAllowList() {
		t.Fatal("empty allowlist is not configured")
	}
}

func TestAllowlistCompoundIDMatching(t *testing.T) {
	c := NewBaseChannel("telegram", bus.New(), []string{"123456", "@alice"})

	for _, id := range []string{"123456", "123456|bob", "alice", "999|alice"} {
		if !c.IsAllowed(id) {
			t.Errorf("%q should be allowed", id)
		}
	}
	if c.IsAllowed("654321|mallory") {
		t.Error("unlisted sender admitted")
	}
}

func TestGroupAllowlistPolicyAdmitsNoneWhenEmpty(t *testing.T) {
	c := NewBaseChannel("whatsapp", bus.New(), nil)
	if c.CheckPolicy("group", "", "allowlist", "123@s.whatsapp.net") {
		t.Fatal("empty allowlist with allowlist policy must admit no one")
	}
}

func TestCheckPolicyDisabled(t *testing.T) {
	c := NewBaseChannel("discord", bus.New(), []string{"123"})
	if c.CheckPolicy("direct", "disabled", "", "123") {
		t.Fatal("disabled policy rejects even allowlisted senders")
	}
	if c.CheckPolicy("group", "", "disabled", "123") {
		t.Fatal("disabled group policy rejects everything")
	}
}

func TestCheckPolicyDefaultsOpen(t *testing.T) {
	c := NewBaseChannel("discord", bus.New(), nil)
	if !c.CheckPolicy("direct", "", "", "anyone") {
		t.Fatal("unset policy defaults to open")
	}
}

func TestInboundRateLimiter(t *testing.T) {
	rl := NewInboundRateLimiter()
	key := "telegram|123"
	for i := 0; i < rateLimitMaxHits; i++ {
		if !rl.Allow(key) {
			t.Fatalf("request %d within budget was rejected", i+1)
		}
	}
	if rl.Allow(key) {
		t.Fatal("request over budget was admitted")
	}
	if !rl.Allow("telegram|456") {
		t.Fatal("limits are per-sender")
	}
}

func TestPendingHistoryBuffering(t *testing.T) {
	h := NewPendingHistory()
	h.Record("g1", HistoryEntry{Sender: "ann", Body: "first"}, 2)
	h.Record("g1", HistoryEntry{Sender: "bob", Body: "second"}, 2)
	h.Record("g1", HistoryEntry{Sender: "cid", Body: "third"}, 2)

	ctxText := h.BuildContext("g1", "current", 2)
	if !strings.Contains(ctxText, "second") || !strings.Contains(ctxText, "third") {
		t.Fatalf("history lost: %q", ctxText)
	}
	if strings.Contains(ctxText, "first") {
		t.Fatalf("limit not enforced: %q", ctxText)
	}

	h.Clear("g1")
	if got := h.BuildContext("g1", "current", 2); got != "current" {
		t.Fatalf("clear failed: %q", got)
	}
}
