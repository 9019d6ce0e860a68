package sessions

import "testing"

func TestResolveDirectCollapsesToMainKey(t *testing.T) {
	key := Resolve(ResolveInput{
		Surface:  "whatsapp",
		From:     "+15555550123",
		ChatType: PeerDirect,
	}, ScopePerSender, "main")
	if key != "main" {
		t.Fatalf("direct chat should collapse to main, got %q", key)
	}
}

func TestResolveDirectDefaultMainKey(t *testing.T) {
	key := Resolve(ResolveInput{Surface: "telegram", ChatType: PeerDirect}, ScopePerSender, "")
	if key != DefaultMainKey {
		t.Fatalf("empty mainKey should default to %q, got %q", DefaultMainKey, key)
	}
}

func TestResolveGlobalScope(t *testing.T) {
	key := Resolve(ResolveInput{Surface: "telegram", ChatType: PeerGroup, GroupID: "-100"}, ScopeGlobal, "main")
	if key != GlobalKey {
		t.Fatalf("global scope should always resolve to %q, got %q", GlobalKey, key)
	}
}

func TestResolveGroupKeyShape(t *testing.T) {
	key := Resolve(ResolveInput{
		Surface:  "whatsapp",
		ChatType: PeerGroup,
		GroupID:  "123@g.us",
	}, ScopePerSender, "main")
	if key != "whatsapp:group:123@g.us" {
		t.Fatalf("unexpected group key %q", key)
	}
	if !IsGroupKey(key) {
		t.Fatalf("IsGroupKey(%q) = false", key)
	}
	if Surface(key) != "whatsapp" {
		t.Fatalf("Surface(%q) = %q", key, Surface(key))
	}
}

func TestResolveGroupTopicSuffix(t *testing.T) {
	key := Resolve(ResolveInput{
		Surface:  "telegram",
		ChatType: PeerGroup,
		GroupID:  "-1002541",
		TopicID:  "99",
	}, ScopePerSender, "main")
	want := "telegram:group:-1002541:topic:99"
	if key != want {
		t.Fatalf("got %q, want %q", key, want)
	}
}

func TestResolveChannelKeyShape(t *testing.T) {
	key := Resolve(ResolveInput{
		Surface:  "discord",
		ChatType: PeerChannel,
		GroupID:  "guild123",
	}, ScopePerSender, "main")
	if key != "discord:channel:guild123" {
		t.Fatalf("unexpected channel key %q", key)
	}
	if !IsChannelKey(key) {
		t.Fatalf("IsChannelKey(%q) = false", key)
	}
}

func TestSlugNormalization(t *testing.T) {
	tests := []struct {
		display string
		token   string
		isGroup bool
		want    string
	}{
		{"Family Chat", "", true, "family-chat"},
		{"", "123ABC", true, "g-123abc"},
		{"", "general", false, "#general"},
		{"Ops #2 @here", "", true, "ops-#2-@here"},
	}
	for _, tt := range tests {
		if got := Slug(tt.display, tt.token, tt.isGroup); got != tt.want {
			t.Errorf("Slug(%q, %q, %v) = %q, want %q", tt.display, tt.token, tt.isGroup, got, tt.want)
		}
	}
}
