package config

// ChannelsConfig contains per-channel configuration. Each channel surface
// (telegram, discord, slack, whatsapp, signal, imessage, webchat) is
// independently enable-able; disabled channels are never started.
type ChannelsConfig struct {
	Telegram TelegramConfig `json:"telegram"`
	Discord  DiscordConfig  `json:"discord"`
	Slack    SlackConfig    `json:"slack"`
	WhatsApp WhatsAppConfig `json:"whatsapp"`
	Signal   SignalConfig   `json:"signal"`
	IMessage IMessageConfig `json:"imessage"`
	Webchat  WebchatConfig  `json:"webchat"`
}

type TelegramConfig struct {
	Enabled           bool                `json:"enabled"`
	Token             string              `json:"token"`
	Proxy             string              `json:"proxy,omitempty"`
	AllowFrom         FlexibleStringSlice `json:"allow_from"`
	DMPolicy          string              `json:"dm_policy,omitempty"`         // "pairing" (default), "allowlist", "open", "disabled"
	GroupPolicy       string              `json:"group_policy,omitempty"`      // "open" (default), "allowlist", "disabled"
	RequireMention    *bool               `json:"require_mention,omitempty"`   // require @bot mention in groups (default true)
	HistoryLimit      int                 `json:"history_limit,omitempty"`     // max pending group messages for context (0/unset = default 50, negative = disabled)
	StreamMode        string              `json:"stream_mode,omitempty"`       // "off" (default), "partial" — streaming preview via message edits
	ReactionLevel     string              `json:"reaction_level,omitempty"`    // "full" (default), "minimal", "off" — status emoji reactions
	MediaMaxBytes     int64               `json:"media_max_bytes,omitempty"`  // max media download size in bytes (default 20MB)
	LinkPreview       *bool               `json:"link_preview,omitempty"`      // enable URL previews in messages (default true)
	STTProxyURL       string              `json:"stt_proxy_url,omitempty"`     // optional speech-to-text proxy for voice messages
	STTTimeoutSeconds int                 `json:"stt_timeout_seconds,omitempty"`
	STTTenantID       string              `json:"stt_tenant_id,omitempty"`
	STTAPIKey         string              `json:"-"` // env-only: GOCLAW_TELEGRAM_STT_API_KEY
}

type DiscordConfig struct {
	Enabled        bool                `json:"enabled"`
	Token          string              `json:"token"`
	AllowFrom      FlexibleStringSlice `json:"allow_from"`
	DMPolicy       string              `json:"dm_policy,omitempty"`       // "pairing" (default), "open", "allowlist", "disabled"
	GroupPolicy    string              `json:"group_policy,omitempty"`    // "open" (default), "allowlist", "disabled"
	RequireMention *bool               `json:"require_mention,omitempty"` // require @bot mention in groups (default true)
	HistoryLimit   int                 `json:"history_limit,omitempty"`   // max pending group messages for context (0/unset = default 50, negative = disabled)
}

type SlackConfig struct {
	Enabled        bool                `json:"enabled"`
	BotToken       string              `json:"bot_token"`
	AppToken       string              `json:"app_token"`
	AllowFrom      FlexibleStringSlice `json:"allow_from"`
	DMPolicy       string              `json:"dm_policy,omitempty"`       // "open" (default), "allowlist", "disabled"
	GroupPolicy    string              `json:"group_policy,omitempty"`    // "open" (default), "allowlist", "disabled"
	RequireMention bool                `json:"require_mention,omitempty"` // only respond to @bot in channels (default false)
}

type WhatsAppConfig struct {
	Enabled     bool                `json:"enabled"`
	BridgeURL   string              `json:"bridge_url"`
	AllowFrom   FlexibleStringSlice `json:"allow_from"`
	DMPolicy    string              `json:"dm_policy,omitempty"`    // "pairing" (default), "open", "allowlist", "disabled"
	GroupPolicy string              `json:"group_policy,omitempty"` // "open" (default), "allowlist", "disabled"
}

// SignalConfig bridges to signal-cli (run as a subprocess in JSON-RPC mode)
// since no maintained Go Signal client exists.
type SignalConfig struct {
	Enabled     bool                `json:"enabled"`
	CLIPath     string              `json:"cli_path,omitempty"` // path to signal-cli binary (default "signal-cli")
	Account     string              `json:"account"`            // registered phone number, e.g. "+15551234567"
	AllowFrom   FlexibleStringSlice `json:"allow_from"`
	DMPolicy    string              `json:"dm_policy,omitempty"`
	GroupPolicy string              `json:"group_policy,omitempty"`
}

// IMessageConfig bridges to the local Messages.app via AppleScript/osascript,
// so it only runs on macOS hosts.
type IMessageConfig struct {
	Enabled         bool                `json:"enabled"`
	PollIntervalSec int                 `json:"poll_interval_seconds,omitempty"` // default 5
	DBPath          string              `json:"db_path,omitempty"`               // override chat.db location
	AllowFrom       FlexibleStringSlice `json:"allow_from"`
	DMPolicy        string              `json:"dm_policy,omitempty"`
	GroupPolicy     string              `json:"group_policy,omitempty"`
}

// WebchatConfig exposes a minimal in-process web chat surface served by the
// gateway, useful for local testing without any external provider account.
type WebchatConfig struct {
	Enabled bool `json:"enabled"`
}

// ProvidersConfig maps provider name to its config.
type ProvidersConfig struct {
	Anthropic  ProviderConfig `json:"anthropic"`
	OpenAI     ProviderConfig `json:"openai"`
	OpenRouter ProviderConfig `json:"openrouter"`
	Groq       ProviderConfig `json:"groq"`
	Gemini     ProviderConfig `json:"gemini"`
	DeepSeek   ProviderConfig `json:"deepseek"`
}

type ProviderConfig struct {
	APIKey  string `json:"api_key"`
	APIBase string `json:"api_base,omitempty"`
}

// HasAnyProvider returns true if at least one provider has an API key configured.
func (c *Config) HasAnyProvider() bool {
	p := c.Providers
	return p.Anthropic.APIKey != "" ||
		p.OpenAI.APIKey != "" ||
		p.OpenRouter.APIKey != "" ||
		p.Groq.APIKey != "" ||
		p.Gemini.APIKey != "" ||
		p.DeepSeek.APIKey != ""
}

// GatewayConfig controls the gateway WebSocket/HTTP server.
type GatewayConfig struct {
	Host              string   `json:"host"`
	Port              int      `json:"port"`
	Token             string   `json:"token,omitempty"`              // bearer token for WS/HTTP auth
	Password          string   `json:"-"`                            // env-only: GOCLAW_GATEWAY_PASSWORD, for password auth mode
	AuthMode          string   `json:"auth_mode,omitempty"`           // "none", "token", "password", "tailscale" (default "token" if Token set, else "none")
	OwnerIDs          []string `json:"owner_ids,omitempty"`           // sender IDs considered "owner"
	AllowedOrigins    []string `json:"allowed_origins,omitempty"`     // WebSocket CORS whitelist (empty = allow all)
	MaxMessageChars   int      `json:"max_message_chars,omitempty"`   // max user message characters (default 32000)
	RateLimitRPM      int      `json:"rate_limit_rpm,omitempty"`      // rate limit: requests per minute per connection (default 20, 0 = disabled)
	InboundDebounceMs int      `json:"inbound_debounce_ms,omitempty"` // merge rapid messages from same sender (default 1000ms, -1 = disabled)
}

// SessionsConfig controls session behavior. Direct chats collapse into the
// shared main session; groups and broadcast channels get their own keys.
type SessionsConfig struct {
	Storage string `json:"storage"`            // directory for session persistence
	Scope   string `json:"scope,omitempty"`    // "per-sender" (default), "global"
	MainKey string `json:"main_key,omitempty"` // main session key (default "main")
}

// MessagesConfig controls per-session run queueing behavior.
type MessagesConfig struct {
	Queue MessagesQueueConfig `json:"queue"`
}

// MessagesQueueConfig selects the queueing mode applied when a new message
// arrives for a session that already has an active run, with an optional
// override per channel.
type MessagesQueueConfig struct {
	Mode     string            `json:"mode,omitempty"`      // "interrupt" (default), "steer", "followup", "collect"
	ByChannel map[string]string `json:"by_channel,omitempty"` // channel name -> mode override
}
