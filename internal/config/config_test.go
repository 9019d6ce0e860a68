package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Gateway.Port != 18790 {
		t.Fatalf("default port = %d", cfg.Gateway.Port)
	}
	if cfg.Messages.Queue.Mode != "interrupt" {
		t.Fatalf("default queue mode = %q", cfg.Messages.Queue.Mode)
	}
	if cfg.Sessions.MainKey != "main" {
		t.Fatalf("default main key = %q", cfg.Sessions.MainKey)
	}
}

func TestSaveThenLoadRoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")

	cfg := Default()
	cfg.Agent.Model = "claude-sonnet-4-5-20250929"
	cfg.Channels.Telegram.Enabled = true
	cfg.Channels.Telegram.AllowFrom = FlexibleStringSlice{"123", "@someone"}
	cfg.Messages.Queue.Mode = "collect"
	cfg.Messages.Queue.ByChannel = map[string]string{"whatsapp": "backlog-followup"}

	if err := Save(path, cfg); err != nil {
		t.Fatal(err)
	}
	loaded, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}

	a, _ := json.Marshal(cfg)
	b, _ := json.Marshal(loaded)
	if string(a) != string(b) {
		t.Fatalf("round trip changed config:\n%s\nvs\n%s", a, b)
	}
}

func TestFlexibleStringSliceAcceptsNumbers(t *testing.T) {
	var f FlexibleStringSlice
	if err := json.Unmarshal([]byte(`[123, "abc"]`), &f); err != nil {
		t.Fatal(err)
	}
	if len(f) != 2 || f[0] != "123" || f[1] != "abc" {
		t.Fatalf("got %v", f)
	}
}

func TestJSON5CommentsAccepted(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	raw := `{
		// inline comment
		"gateway": { "port": 9999 },
	}`
	if err := os.WriteFile(path, []byte(raw), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Gateway.Port != 9999 {
		t.Fatalf("port = %d", cfg.Gateway.Port)
	}
}

func TestEnvOverrideWinsOverFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(`{"agent":{"model":"file-model"}}`), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("GOCLAW_MODEL", "env-model")

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Agent.Model != "env-model" {
		t.Fatalf("model = %q, env must win", cfg.Agent.Model)
	}
}

func TestDiffPrefixesPerChannel(t *testing.T) {
	old := Default()
	fresh := Default()
	fresh.Channels.Telegram.Token = "new-token"
	fresh.Agent.Model = "other"

	changed := diffPrefixes(old, fresh)
	want := map[string]bool{"channels.telegram": true, "agent": true}
	if len(changed) != 2 {
		t.Fatalf("changed = %v", changed)
	}
	for _, c := range changed {
		if !want[c] {
			t.Fatalf("unexpected prefix %q", c)
		}
	}
}

func TestPrefixesMatch(t *testing.T) {
	if !PrefixesMatch([]string{"channels.telegram"}, []string{"channels.telegram"}) {
		t.Fatal("exact match")
	}
	if !PrefixesMatch([]string{"channels"}, []string{"channels.telegram"}) {
		t.Fatal("parent should match child registration")
	}
	if PrefixesMatch([]string{"agent"}, []string{"channels.telegram"}) {
		t.Fatal("unrelated prefixes must not match")
	}
}
