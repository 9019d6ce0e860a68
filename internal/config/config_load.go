package config

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/titanous/json5"
)

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Agent: AgentConfig{
			Workspace:     "~/.goclaw/workspace",
			Provider:      "anthropic",
			Model:         "claude-sonnet-4-5-20250929",
			MaxTokens:     8192,
			Temperature:   0.7,
			ContextWindow: 200000,
		},
		Channels: ChannelsConfig{
			Telegram: TelegramConfig{
				StreamMode:    "off",
				ReactionLevel: "full",
			},
		},
		Gateway: GatewayConfig{
			Host:            "0.0.0.0",
			Port:            18790,
			MaxMessageChars: 32000,
			RateLimitRPM:    20,
		},
		Sessions: SessionsConfig{
			Storage: "~/.goclaw/sessions",
			MainKey: "main",
		},
		Messages: MessagesConfig{
			Queue: MessagesQueueConfig{Mode: "interrupt"},
		},
		Skills: SkillsConfig{
			StorageDir: "~/.goclaw/skills",
		},
		Cron: CronConfig{
			MaxRetries:     3,
			RetryBaseDelay: "2s",
			RetryMaxDelay:  "30s",
		},
	}
}

// Load reads config from a JSON5 file, then overlays env vars.
// A missing file is not an error — Default() plus env overrides is a
// complete, runnable configuration.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// ParseInto parses JSON5 config bytes into cfg without touching disk or
// env. Used to validate a config.put payload before committing it.
func ParseInto(data []byte, cfg *Config) error {
	return json5.Unmarshal(data, cfg)
}

// applyEnvOverrides overlays env vars onto the config.
// Env vars take precedence over file values, and are the only place secrets
// (API keys, tokens, DSNs) are ever read from.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}

	envStr("GOCLAW_ANTHROPIC_API_KEY", &c.Providers.Anthropic.APIKey)
	envStr("GOCLAW_ANTHROPIC_BASE_URL", &c.Providers.Anthropic.APIBase)
	envStr("GOCLAW_OPENAI_API_KEY", &c.Providers.OpenAI.APIKey)
	envStr("GOCLAW_OPENROUTER_API_KEY", &c.Providers.OpenRouter.APIKey)
	envStr("GOCLAW_GROQ_API_KEY", &c.Providers.Groq.APIKey)
	envStr("GOCLAW_DEEPSEEK_API_KEY", &c.Providers.DeepSeek.APIKey)
	envStr("GOCLAW_GEMINI_API_KEY", &c.Providers.Gemini.APIKey)

	envStr("GOCLAW_GATEWAY_TOKEN", &c.Gateway.Token)
	envStr("GOCLAW_GATEWAY_PASSWORD", &c.Gateway.Password)
	envStr("GOCLAW_TELEGRAM_TOKEN", &c.Channels.Telegram.Token)
	envStr("GOCLAW_TELEGRAM_STT_API_KEY", &c.Channels.Telegram.STTAPIKey)
	envStr("GOCLAW_DISCORD_TOKEN", &c.Channels.Discord.Token)
	envStr("GOCLAW_SLACK_BOT_TOKEN", &c.Channels.Slack.BotToken)
	envStr("GOCLAW_SLACK_APP_TOKEN", &c.Channels.Slack.AppToken)
	envStr("GOCLAW_WHATSAPP_BRIDGE_URL", &c.Channels.WhatsApp.BridgeURL)
	envStr("GOCLAW_SIGNAL_ACCOUNT", &c.Channels.Signal.Account)

	// Auto-enable channels when credentials are provided via env.
	if c.Channels.Telegram.Token != "" {
		c.Channels.Telegram.Enabled = true
	}
	if c.Channels.Discord.Token != "" {
		c.Channels.Discord.Enabled = true
	}
	if c.Channels.Slack.BotToken != "" && c.Channels.Slack.AppToken != "" {
		c.Channels.Slack.Enabled = true
	}
	if c.Channels.WhatsApp.BridgeURL != "" {
		c.Channels.WhatsApp.Enabled = true
	}
	if c.Channels.Signal.Account != "" {
		c.Channels.Signal.Enabled = true
	}

	envStr("GOCLAW_PROVIDER", &c.Agent.Provider)
	envStr("GOCLAW_MODEL", &c.Agent.Model)
	envStr("GOCLAW_WORKSPACE", &c.Agent.Workspace)
	envStr("GOCLAW_SESSIONS_STORAGE", &c.Sessions.Storage)

	envStr("GOCLAW_HOST", &c.Gateway.Host)
	if v := os.Getenv("GOCLAW_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 {
			c.Gateway.Port = port
		}
	}

	envStr("GOCLAW_POSTGRES_DSN", &c.Database.PostgresDSN)
	envStr("GOCLAW_DB_BACKEND", &c.Database.Backend)

	if v := os.Getenv("GOCLAW_OWNER_IDS"); v != "" {
		c.Gateway.OwnerIDs = strings.Split(v, ",")
	}

	envStr("GOCLAW_TSNET_HOSTNAME", &c.Tailscale.Hostname)
	envStr("GOCLAW_TSNET_AUTH_KEY", &c.Tailscale.AuthKey)
	envStr("GOCLAW_TSNET_DIR", &c.Tailscale.StateDir)
}

// Save writes the config to a JSON file.
func Save(path string, cfg *Config) error {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0600)
}

// Hash returns a SHA-256 hash of the config for optimistic concurrency
// (the gateway rejects a config.put whose baseHash doesn't match).
func (c *Config) Hash() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	data, _ := json.Marshal(c)
	h := sha256.Sum256(data)
	return fmt.Sprintf("%x", h[:8])
}

// WorkspacePath returns the expanded agent workspace path.
func (c *Config) WorkspacePath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return ExpandHome(c.Agent.Workspace)
}

// DisplayName returns the agent's configured display name, falling back to
// a sensible default.
func (c *Config) DisplayName() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.Agent.DisplayName != "" {
		return c.Agent.DisplayName
	}
	return "GoClaw"
}

// ApplyEnvOverrides re-applies environment variable overrides onto the config.
// Call this after modifying config to restore runtime secrets from env vars.
func (c *Config) ApplyEnvOverrides() {
	c.applyEnvOverrides()
}

// ExpandHome replaces a leading ~ with the user's home directory.
func ExpandHome(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, _ := os.UserHomeDir()
	if len(path) > 1 && path[1] == '/' {
		return home + path[1:]
	}
	return home
}
