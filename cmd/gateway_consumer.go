package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/goclaw-gateway/internal/agent"
	"github.com/nextlevelbuilder/goclaw-gateway/internal/bus"
	"github.com/nextlevelbuilder/goclaw-gateway/internal/channels"
	"github.com/nextlevelbuilder/goclaw-gateway/internal/config"
	"github.com/nextlevelbuilder/goclaw-gateway/internal/scheduler"
	"github.com/nextlevelbuilder/goclaw-gateway/internal/sessions"
	"github.com/nextlevelbuilder/goclaw-gateway/internal/store"
)

// consumeInboundMessages reads inbound messages from channels, resolves
// their session key, and routes them through the scheduler, publishing the
// agent's reply back to the originating channel.
func consumeInboundMessages(ctx context.Context, msgBus *bus.MessageBus, cfg *config.Config, sched *scheduler.Scheduler, channelMgr *channels.Manager, sessionStore store.SessionStore) {
	slog.Info("inbound message consumer started")

	// Webhook retries and client double-taps must not double-dispatch runs.
	dedupe := bus.NewDedupeCache(20*time.Minute, 5000)

	processMessage := func(msg bus.InboundMessage) {
		sessionKey := resolveSessionKey(cfg, msg)

		slog.Info("inbound: scheduling message",
			"channel", msg.Channel,
			"chat_id", msg.ChatID,
			"peer_kind", msg.PeerKind,
			"session", sessionKey,
		)

		// Streaming previews only in direct chats; concurrent group
		// traffic would interleave edits.
		enableStream := channelMgr.IsStreamingChannel(msg.Channel) && msg.PeerKind != string(sessions.PeerGroup)

		runID := fmt.Sprintf("inbound-%s-%s", msg.Channel, uuid.NewString()[:8])

		messageID := 0
		fmt.Sscanf(msg.Metadata["message_id"], "%d", &messageID)
		chatIDForRun := msg.ChatID
		if lk := msg.Metadata["local_key"]; lk != "" {
			chatIDForRun = lk
		}
		channelMgr.RegisterRun(runID, msg.Channel, chatIDForRun, messageID)

		var extraPrompt string
		if msg.PeerKind == string(sessions.PeerGroup) {
			extraPrompt = "You are in a GROUP chat, not a private DM.\n" +
				"- Messages may carry a history section of recent group lines for context.\n" +
				"- Keep responses concise; long replies are disruptive in groups."
		}

		outCh := sched.Schedule(ctx, scheduler.LaneMain, agent.RunRequest{
			SessionKey:        sessionKey,
			Message:           msg.Content,
			Media:             msg.Media,
			Channel:           msg.Channel,
			ChatID:            msg.ChatID,
			PeerKind:          msg.PeerKind,
			UserID:            msg.UserID,
			SenderID:          msg.SenderID,
			RunID:             runID,
			Stream:            enableStream,
			HistoryLimit:      msg.HistoryLimit,
			ExtraSystemPrompt: extraPrompt,
		})

		outMeta := make(map[string]string)
		if mid := msg.Metadata["message_id"]; mid != "" {
			outMeta["reply_to_message_id"] = mid
		}
		for _, k := range []string{"message_thread_id", "local_key", "placeholder_key", "thread_ts"} {
			if v := msg.Metadata[k]; v != "" {
				outMeta[k] = v
			}
		}

		go func(channel, chatID, session, rID string, meta map[string]string) {
			outcome := <-outCh
			channelMgr.UnregisterRun(rID)

			if outcome.Err != nil {
				if errors.Is(outcome.Err, context.Canceled) {
					// Interrupted or /stop: nothing to say, but publish an
					// empty outbound so placeholders/typing clean up.
					msgBus.PublishOutbound(bus.OutboundMessage{Channel: channel, ChatID: chatID, Metadata: meta})
					return
				}
				slog.Error("inbound: agent run failed", "error", outcome.Err, "channel", channel)
				msgBus.PublishOutbound(bus.OutboundMessage{
					Channel:  channel,
					ChatID:   chatID,
					Content:  formatAgentError(outcome.Err),
					Metadata: meta,
				})
				return
			}

			if outcome.Result.Kind == agent.ResultSilent {
				msgBus.PublishOutbound(bus.OutboundMessage{Channel: channel, ChatID: chatID, Metadata: meta})
				return
			}

			outMsg := bus.OutboundMessage{
				Channel:  channel,
				ChatID:   chatID,
				Content:  outcome.Result.Content,
				Metadata: meta,
			}
			for _, mr := range outcome.Result.Media {
				outMsg.Media = append(outMsg.Media, bus.MediaAttachment{
					URL:         mr.Path,
					ContentType: mr.ContentType,
				})
				if mr.AsVoice {
					if outMsg.Metadata == nil {
						outMsg.Metadata = make(map[string]string)
					}
					outMsg.Metadata["audio_as_voice"] = "true"
				}
			}
			msgBus.PublishOutbound(outMsg)
		}(msg.Channel, msg.ChatID, sessionKey, runID, outMeta)
	}

	debounceMs := cfg.Gateway.InboundDebounceMs
	if debounceMs == 0 {
		debounceMs = 1000
	}
	var debouncer *bus.InboundDebouncer
	if debounceMs > 0 {
		debouncer = bus.NewInboundDebouncer(time.Duration(debounceMs)*time.Millisecond, processMessage)
		defer debouncer.Stop()
	}

	for {
		msg, ok := msgBus.ConsumeInbound(ctx)
		if !ok {
			slog.Info("inbound message consumer stopped")
			return
		}

		if msgID := msg.Metadata["message_id"]; msgID != "" {
			dedupeKey := fmt.Sprintf("%s|%s|%s|%s", msg.Channel, msg.SenderID, msg.ChatID, msgID)
			if dedupe.IsDuplicate(dedupeKey) {
				slog.Debug("dedup: skipping duplicate message", "key", dedupeKey)
				continue
			}
		}

		// Channel-parsed directives act on session state instead of
		// dispatching a run.
		switch cmd := msg.Metadata["command"]; cmd {
		case "stop", "stopall":
			handleStopCommand(cfg, sched, msgBus, msg, cmd)
			continue
		case "reset", "new":
			key := resolveSessionKey(cfg, msg)
			sessionStore.Reset(key)
			slog.Info("inbound: session reset", "session", key)
			continue
		}

		if debouncer != nil {
			debouncer.Push(msg)
		} else {
			processMessage(msg)
		}
	}
}

// resolveSessionKey maps an inbound message onto its session key.
func resolveSessionKey(cfg *config.Config, msg bus.InboundMessage) string {
	scope := sessions.Scope(cfg.Sessions.Scope)
	if scope == "" {
		scope = sessions.ScopePerSender
	}
	peerKind := sessions.PeerKind(msg.PeerKind)
	if peerKind == "" {
		peerKind = sessions.PeerDirect
	}
	groupID := msg.GroupID
	if groupID == "" {
		groupID = msg.ChatID
	}
	return sessions.Resolve(sessions.ResolveInput{
		Surface:     msg.Channel,
		From:        msg.SenderID,
		ChatType:    peerKind,
		GroupID:     groupID,
		TopicID:     msg.TopicID,
		DisplayName: msg.DisplayName,
	}, scope, cfg.Sessions.MainKey)
}

func handleStopCommand(cfg *config.Config, sched *scheduler.Scheduler, msgBus *bus.MessageBus, msg bus.InboundMessage, cmd string) {
	sessionKey := resolveSessionKey(cfg, msg)

	var cancelled bool
	if cmd == "stopall" {
		cancelled = sched.CancelSession(sessionKey)
	} else {
		cancelled = sched.CancelOneSession(sessionKey)
	}
	slog.Info("inbound: stop command", "command", cmd, "session", sessionKey, "cancelled", cancelled)

	feedback := "No active task to stop."
	if cancelled {
		feedback = "Task stopped."
		if cmd == "stopall" {
			feedback = "All tasks stopped."
		}
	} else if cmd == "stopall" {
		feedback = "No active tasks to stop."
	}
	msgBus.PublishOutbound(bus.OutboundMessage{
		Channel:  msg.Channel,
		ChatID:   msg.ChatID,
		Content:  feedback,
		Metadata: msg.Metadata,
	})
}

// formatAgentError turns a run failure into a short user-facing line.
func formatAgentError(err error) string {
	return "Something went wrong handling that message. Please try again."
}
