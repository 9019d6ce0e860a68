package channels

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/nextlevelbuilder/goclaw-gateway/internal/bus"
	"github.com/nextlevelbuilder/goclaw-gateway/internal/outbound"
	"github.com/nextlevelbuilder/goclaw-gateway/pkg/protocol"
)

// RunContext tracks an active agent run so stream chunks can be forwarded
// to the originating channel as live message edits.
type RunContext struct {
	ChannelName  string
	ChatID       string
	MessageID    int
	mu           sync.Mutex
	streamBuffer string
}

// Manager owns the registered channels: lifecycle, outbound routing via
// the delivery pipeline, and per-run stream forwarding.
type Manager struct {
	channels     map[string]Channel
	bus          *bus.MessageBus
	deliverer    *outbound.Deliverer
	runs         sync.Map // runID string → *RunContext
	dispatchStop context.CancelFunc
	mu           sync.RWMutex
}

// NewManager creates a channel manager. Channels are registered externally
// via RegisterChannel before StartAll.
func NewManager(msgBus *bus.MessageBus, deliverer *outbound.Deliverer) *Manager {
	if deliverer == nil {
		deliverer = &outbound.Deliverer{}
	}
	return &Manager{
		channels:  make(map[string]Channel),
		bus:       msgBus,
		deliverer: deliverer,
	}
}

// StartAll starts every registered channel plus the outbound dispatcher.
// The dispatcher always starts: channels may be (re)registered later by a
// config reload.
func (m *Manager) StartAll(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	dispatchCtx, cancel := context.WithCancel(ctx)
	m.dispatchStop = cancel
	go m.dispatchOutbound(dispatchCtx)

	if len(m.channels) == 0 {
		slog.Warn("no channels enabled")
		return nil
	}

	for name, channel := range m.channels {
		slog.Info("starting channel", "channel", name)
		if err := channel.Start(ctx); err != nil {
			slog.Error("failed to start channel", "channel", name, "error", err)
		}
	}
	return nil
}

// StopAll stops the dispatcher and every channel.
func (m *Manager) StopAll(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.dispatchStop != nil {
		m.dispatchStop()
		m.dispatchStop = nil
	}
	for name, channel := range m.channels {
		slog.Info("stopping channel", "channel", name)
		if err := channel.Stop(ctx); err != nil {
			slog.Error("error stopping channel", "channel", name, "error", err)
		}
	}
	return nil
}

// RestartChannel stop-then-starts one channel under the manager lock, used
// by config hot reload when a channel's config prefix changed.
func (m *Manager) RestartChannel(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch, ok := m.channels[name]
	if !ok {
		return fmt.Errorf("channel %s not registered", name)
	}
	if err := ch.Stop(ctx); err != nil {
		slog.Warn("restart: stop failed", "channel", name, "error", err)
	}
	return ch.Start(ctx)
}

// dispatchOutbound routes outbound messages through the delivery pipeline
// to their channel. Internal channels are silently skipped.
func (m *Manager) dispatchOutbound(ctx context.Context) {
	slog.Info("outbound dispatcher started")
	for {
		msg, ok := m.bus.SubscribeOutbound(ctx)
		if !ok {
			slog.Info("outbound dispatcher stopped")
			return
		}
		if IsInternalChannel(msg.Channel) {
			continue
		}

		m.mu.RLock()
		channel, exists := m.channels[msg.Channel]
		m.mu.RUnlock()
		if !exists {
			slog.Warn("unknown channel for outbound message", "channel", msg.Channel)
			continue
		}

		if err := m.deliverer.Deliver(ctx, channel, msg); err != nil {
			slog.Error("outbound delivery failed", "channel", msg.Channel, "error", err)
		}

		// Agent-produced temp media is only needed for the send.
		for _, media := range msg.Media {
			if media.URL != "" && fileExists(media.URL) && isTempPath(media.URL) {
				os.Remove(media.URL)
			}
		}
	}
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func isTempPath(path string) bool {
	tmp := os.TempDir()
	return len(path) > len(tmp) && path[:len(tmp)] == tmp
}

// GetChannel returns a channel by name.
func (m *Manager) GetChannel(name string) (Channel, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	channel, ok := m.channels[name]
	return channel, ok
}

// GetStatus reports running state per channel for channels.status.
func (m *Manager) GetStatus() map[string]any {
	m.mu.RLock()
	defer m.mu.RUnlock()
	status := make(map[string]any, len(m.channels))
	for name, channel := range m.channels {
		entry := map[string]any{
			"enabled": true,
			"running": channel.IsRunning(),
		}
		if lc, ok := channel.(LinkedChannel); ok {
			entry["linked"] = lc.IsLinked()
		}
		status[name] = entry
	}
	return status
}

// IsChannelRunning answers the heartbeat probe for a named channel.
func (m *Manager) IsChannelRunning(name string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ch, ok := m.channels[name]
	return ok && ch.IsRunning()
}

// IsChannelLinked reports whether a channel's transport is authenticated.
// Channels without a link concept count as linked when registered.
func (m *Manager) IsChannelLinked(name string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ch, ok := m.channels[name]
	if !ok {
		return false
	}
	if lc, ok := ch.(LinkedChannel); ok {
		return lc.IsLinked()
	}
	return true
}

// Logout stops a channel and clears its transport credentials where the
// channel supports it (channels.logout RPC).
func (m *Manager) Logout(ctx context.Context, name string) error {
	m.mu.RLock()
	ch, ok := m.channels[name]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("channel %s not registered", name)
	}
	if lo, ok := ch.(LogoutChannel); ok {
		return lo.Logout(ctx)
	}
	return ch.Stop(ctx)
}

// GetEnabledChannels returns the names of all registered channels.
func (m *Manager) GetEnabledChannels() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.channels))
	for name := range m.channels {
		names = append(names, name)
	}
	return names
}

// RegisterChannel adds a channel to the manager.
func (m *Manager) RegisterChannel(name string, channel Channel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channels[name] = channel
}

// UnregisterChannel removes a channel from the manager.
func (m *Manager) UnregisterChannel(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.channels, name)
}

// SendToChannel delivers plain text to a channel through the delivery
// pipeline (cron "send" payloads, heartbeat deliveries).
func (m *Manager) SendToChannel(ctx context.Context, channelName, chatID, content string) error {
	m.mu.RLock()
	channel, exists := m.channels[channelName]
	m.mu.RUnlock()
	if !exists {
		return fmt.Errorf("channel %s not found", channelName)
	}
	return m.deliverer.Deliver(ctx, channel, bus.OutboundMessage{
		Channel: channelName,
		ChatID:  chatID,
		Content: content,
	})
}

// --- run tracking for streaming forwarding ---

// RegisterRun associates a run with its originating channel so chunk
// events stream back as live edits.
func (m *Manager) RegisterRun(runID, channelName, chatID string, messageID int) {
	m.runs.Store(runID, &RunContext{
		ChannelName: channelName,
		ChatID:      chatID,
		MessageID:   messageID,
	})
}

// UnregisterRun removes a run tracking entry.
func (m *Manager) UnregisterRun(runID string) {
	m.runs.Delete(runID)
}

// IsStreamingChannel checks whether a named channel supports and currently
// wants streaming previews.
func (m *Manager) IsStreamingChannel(channelName string) bool {
	m.mu.RLock()
	ch, exists := m.channels[channelName]
	m.mu.RUnlock()
	if !exists {
		return false
	}
	sc, ok := ch.(StreamingChannel)
	return ok && sc.StreamEnabled()
}

// HandleAgentEvent routes agent lifecycle events to streaming/reaction
// channels. Called from the bus event subscriber — must not block.
func (m *Manager) HandleAgentEvent(eventType, runID string, payload any) {
	val, ok := m.runs.Load(runID)
	if !ok {
		return
	}
	rc := val.(*RunContext)

	m.mu.RLock()
	ch, exists := m.channels[rc.ChannelName]
	m.mu.RUnlock()
	if !exists {
		return
	}

	ctx := context.Background()

	if sc, ok := ch.(StreamingChannel); ok {
		switch eventType {
		case protocol.AgentEventRunStarted:
			if err := sc.OnStreamStart(ctx, rc.ChatID); err != nil {
				slog.Debug("stream start failed", "channel", rc.ChannelName, "error", err)
			}
		case protocol.AgentEventChunk:
			content := extractPayloadString(payload, "content")
			if content != "" {
				rc.mu.Lock()
				rc.streamBuffer += content
				fullText := rc.streamBuffer
				rc.mu.Unlock()
				if err := sc.OnChunkEvent(ctx, rc.ChatID, fullText); err != nil {
					slog.Debug("stream chunk failed", "channel", rc.ChannelName, "error", err)
				}
			}
		case protocol.AgentEventRunCompleted:
			rc.mu.Lock()
			finalText := rc.streamBuffer
			rc.mu.Unlock()
			if err := sc.OnStreamEnd(ctx, rc.ChatID, finalText); err != nil {
				slog.Debug("stream end failed", "channel", rc.ChannelName, "error", err)
			}
		case protocol.AgentEventRunFailed:
			_ = sc.OnStreamEnd(ctx, rc.ChatID, "")
		}
	}

	if reactionCh, ok := ch.(ReactionChannel); ok {
		status := ""
		switch eventType {
		case protocol.AgentEventRunStarted:
			status = "thinking"
		case protocol.AgentEventRunCompleted:
			status = "done"
		case protocol.AgentEventRunFailed:
			status = "error"
		}
		if status != "" {
			if err := reactionCh.OnReactionEvent(ctx, rc.ChatID, rc.MessageID, status); err != nil {
				slog.Debug("reaction event failed", "channel", rc.ChannelName, "status", status, "error", err)
			}
		}
	}

	if eventType == protocol.AgentEventRunCompleted || eventType == protocol.AgentEventRunFailed {
		m.runs.Delete(runID)
	}
}

func extractPayloadString(payload any, key string) string {
	switch p := payload.(type) {
	case map[string]string:
		return p[key]
	case map[string]any:
		if v, ok := p[key].(string); ok {
			return v
		}
	}
	return ""
}
