package protocol

// Event names pushed from server to client.
const (
	EventChat           = "chat"            // per-run deltas and terminal state (ChatPayload)
	EventAgent          = "agent"           // assistant/tool stream during a run
	EventPresence       = "presence"        // client connect/disconnect roster
	EventCron           = "cron"            // cron job lifecycle (started/finished/failed)
	EventChannelsStatus = "channels.status" // channel adapter status; no component publishes it, adapter state reaches clients in the health event
	EventHealth         = "health"          // periodic gateway health snapshot
	EventHeartbeat      = "heartbeat"       // heartbeat run outcomes (sent/ok-silent/skipped/error + reason)
	EventGap            = "gap"             // resume failed, client must refresh (GapPayload)
	EventShutdown       = "shutdown"        // server is going away
	EventPairing        = "pairing"         // pairing request approved (creation is not announced)

	// Internal bus-only events, never forwarded to WS clients.
	EventCacheInvalidate = "cache.invalidate"
)

// Agent event subtypes (in payload.type).
const (
	AgentEventRunStarted   = "run.started"
	AgentEventRunCompleted = "run.completed"
	AgentEventRunFailed    = "run.failed"
	AgentEventChunk        = "chunk"
	AgentEventThinking     = "thinking"
)
