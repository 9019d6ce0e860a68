package protocol

// RPC method names, namespaced by subsystem.
const (
	// Chat
	MethodChatSend    = "chat.send"
	MethodChatHistory = "chat.history"
	MethodChatAbort   = "chat.abort"

	// Sessions
	MethodSessionsList   = "sessions.list"
	MethodSessionsPatch  = "sessions.patch"
	MethodSessionsReset  = "sessions.reset"
	MethodSessionsDelete = "sessions.delete"

	// Nodes (paired client devices)
	MethodNodesList = "nodes.list"

	// Config
	MethodConfigGet = "config.get"
	MethodConfigPut = "config.put"

	// Providers
	MethodProvidersStatus = "providers.status"

	// Channels
	MethodChannelsStatus = "channels.status"
	MethodChannelsLogout = "channels.logout"

	// Cron
	MethodCronList   = "cron.list"
	MethodCronStatus = "cron.status"
	MethodCronRun    = "cron.run"
	MethodCronRuns   = "cron.runs"

	// Skills
	MethodSkillsList = "skills.list"

	// Web login (QR/code login hand-off for webchat clients)
	MethodWebLoginStart = "web.login.start"
	MethodWebLoginWait  = "web.login.wait"

	// Pairing
	MethodPairingList    = "pairing.list"
	MethodPairingApprove = "pairing.approve"

	// Heartbeat
	MethodHeartbeatNow = "heartbeat.now"

	// System
	MethodHealth = "health"
)

// DefaultRPCTimeoutSeconds is the server-enforced per-RPC deadline when no
// per-method override is configured.
const DefaultRPCTimeoutSeconds = 10
