package config

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nextlevelbuilder/goclaw-gateway/internal/cron"
)

// FlexibleStringSlice accepts both ["str"] and [123] in JSON.
type FlexibleStringSlice []string

func (f *FlexibleStringSlice) UnmarshalJSON(data []byte) error {
	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}
	var raw []interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	result := make([]string, 0, len(raw))
	for _, v := range raw {
		switch val := v.(type) {
		case string:
			result = append(result, val)
		case float64:
			result = append(result, fmt.Sprintf("%.0f", val))
		default:
			result = append(result, fmt.Sprintf("%v", val))
		}
	}
	*f = result
	return nil
}

// Config is the root configuration for the gateway.
type Config struct {
	Agent     AgentConfig     `json:"agent"`
	Channels  ChannelsConfig  `json:"channels"`
	Providers ProvidersConfig `json:"providers"`
	Gateway   GatewayConfig   `json:"gateway"`
	Sessions  SessionsConfig  `json:"sessions"`
	Messages  MessagesConfig  `json:"messages"`
	Skills    SkillsConfig    `json:"skills,omitempty"`
	Database  DatabaseConfig  `json:"database,omitempty"`
	Cron      CronConfig      `json:"cron,omitempty"`
	Tailscale TailscaleConfig `json:"tailscale,omitempty"`
	mu        sync.RWMutex
}

// TailscaleConfig configures the optional Tailscale tsnet listener used for
// "tailscale" gateway auth mode — identity is derived from the tsnet peer,
// no bearer token required on the tailnet.
type TailscaleConfig struct {
	Hostname  string `json:"hostname"`             // Tailscale machine name (e.g. "goclaw-gateway")
	StateDir  string `json:"state_dir,omitempty"`  // persistent state directory (default: os.UserConfigDir/tsnet-goclaw)
	AuthKey   string `json:"-"`                    // from env GOCLAW_TSNET_AUTH_KEY only
	Ephemeral bool   `json:"ephemeral,omitempty"`  // remove node on exit (default false)
	EnableTLS bool   `json:"enable_tls,omitempty"` // use ListenTLS for auto HTTPS certs
}

// DatabaseConfig selects the persistence backend for sessions/cron/pairing.
// PostgresDSN is NEVER read from config.json (secret) — only from env
// GOCLAW_POSTGRES_DSN. This is a single-tenant backend choice, not a
// multi-tenant mode switch: one gateway, one owner, optionally backed by
// Postgres instead of the default file-backed stores.
type DatabaseConfig struct {
	PostgresDSN string `json:"-"`              // from env GOCLAW_POSTGRES_DSN only
	Backend     string `json:"backend,omitempty"` // "file" (default) or "postgres"
}

// UsesPostgres reports whether the gateway should persist state to Postgres.
func (c *Config) UsesPostgres() bool {
	return c.Database.Backend == "postgres" && c.Database.PostgresDSN != ""
}

// SkillsConfig configures the on-disk skills directory surfaced via skills.list.
// A "skill" here is a named, reusable prompt snippet the owner can drop in as a
// file; this gateway does not execute tools, so skills are inert text.
type SkillsConfig struct {
	StorageDir string `json:"storage_dir,omitempty"` // directory of skill files (default: ~/.goclaw/skills)
}

// AgentConfig configures the single agent this gateway dispatches runs to.
type AgentConfig struct {
	DisplayName       string           `json:"display_name,omitempty"`
	Workspace         string           `json:"workspace"`
	Provider          string           `json:"provider"`
	Model             string           `json:"model"`
	MaxTokens         int              `json:"max_tokens"`
	Temperature       float64          `json:"temperature"`
	ContextWindow     int              `json:"context_window"`
	Heartbeat         *HeartbeatConfig `json:"heartbeat,omitempty"`
	Identity          *IdentityConfig  `json:"identity,omitempty"`
}

// HeartbeatConfig configures periodic, unprompted agent heartbeats.
type HeartbeatConfig struct {
	Every       string             `json:"every,omitempty"`       // duration string: "30m", "1h", "0m"=disabled (default "30m")
	ActiveHours *ActiveHoursConfig `json:"activeHours,omitempty"` // restrict to time window
	Session     string             `json:"session,omitempty"`     // "main" (default) or explicit session key
	Target      string             `json:"target,omitempty"`      // "last" (default), "none", or channel name
	To          string             `json:"to,omitempty"`          // optional recipient override (chat ID)
	Prompt      string             `json:"prompt,omitempty"`      // custom heartbeat prompt
	AckMaxChars int                `json:"ackMaxChars,omitempty"` // max chars after HEARTBEAT_OK before dropping (default 300)
}

// ActiveHoursConfig restricts heartbeats to a time window.
type ActiveHoursConfig struct {
	Start    string `json:"start,omitempty"`    // "HH:MM" inclusive
	End      string `json:"end,omitempty"`      // "HH:MM" exclusive
	Timezone string `json:"timezone,omitempty"` // IANA timezone (default: local)
}

// CronConfig configures the cron job runner.
type CronConfig struct {
	MaxRetries     int    `json:"max_retries,omitempty"`      // max retry attempts on failure (default 3, 0 = no retry)
	RetryBaseDelay string `json:"retry_base_delay,omitempty"` // initial backoff delay (default "2s", Go duration)
	RetryMaxDelay  string `json:"retry_max_delay,omitempty"`  // maximum backoff delay (default "30s", Go duration)
}

// ToRetryConfig converts CronConfig to cron.RetryConfig with defaults applied.
func (cc CronConfig) ToRetryConfig() cron.RetryConfig {
	cfg := cron.DefaultRetryConfig()
	if cc.MaxRetries >= 0 {
		cfg.MaxRetries = cc.MaxRetries
	}
	if cc.RetryBaseDelay != "" {
		if d, err := time.ParseDuration(cc.RetryBaseDelay); err == nil && d > 0 {
			cfg.BaseDelay = d
		}
	}
	if cc.RetryMaxDelay != "" {
		if d, err := time.ParseDuration(cc.RetryMaxDelay); err == nil && d > 0 {
			cfg.MaxDelay = d
		}
	}
	return cfg
}

// ReplaceFrom copies all data fields from src into c, preserving c's mutex.
// Used for atomic config hot-reload (fsnotify triggers a Load + ReplaceFrom).
func (c *Config) ReplaceFrom(src *Config) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Agent = src.Agent
	c.Channels = src.Channels
	c.Providers = src.Providers
	c.Gateway = src.Gateway
	c.Sessions = src.Sessions
	c.Messages = src.Messages
	c.Skills = src.Skills
	c.Database = src.Database
	c.Cron = src.Cron
	c.Tailscale = src.Tailscale
}

// IdentityConfig defines the agent's persona / display identity.
type IdentityConfig struct {
	Name  string `json:"name,omitempty"`
	Emoji string `json:"emoji,omitempty"`
}
