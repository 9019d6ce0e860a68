// Package slack connects the gateway to Slack via Socket Mode, so no
// public webhook endpoint is needed. Messages arrive over the Events API;
// replies go out through chat.postMessage with thread support.
package slack

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"

	"github.com/nextlevelbuilder/goclaw-gateway/internal/bus"
	"github.com/nextlevelbuilder/goclaw-gateway/internal/channels"
	"github.com/nextlevelbuilder/goclaw-gateway/internal/config"
	"github.com/nextlevelbuilder/goclaw-gateway/internal/store"
)

// slackTextLimit is Slack's per-message character cap for chat.postMessage.
const slackTextLimit = 4000

// Channel is the Slack surface.
type Channel struct {
	*channels.BaseChannel
	config         config.SlackConfig
	api            *slack.Client
	socket         *socketmode.Client
	pairingService store.PairingStore
	botUserID      string
	cancel         context.CancelFunc
	done           chan struct{}
}

// New creates a Slack channel from config.
func New(cfg config.SlackConfig, msgBus *bus.MessageBus, pairingSvc store.PairingStore) (*Channel, error) {
	if cfg.BotToken == "" || cfg.AppToken == "" {
		return nil, fmt.Errorf("slack bot_token and app_token are required")
	}
	if !strings.HasPrefix(cfg.AppToken, "xapp-") {
		return nil, fmt.Errorf("slack app_token must start with xapp-")
	}

	api := slack.New(cfg.BotToken, slack.OptionAppLevelToken(cfg.AppToken))

	base := channels.NewBaseChannel("slack", msgBus, cfg.AllowFrom)
	base.ValidatePolicy(cfg.DMPolicy, cfg.GroupPolicy)

	return &Channel{
		BaseChannel:    base,
		config:         cfg,
		api:            api,
		pairingService: pairingSvc,
	}, nil
}

// TextLimit reports Slack's message size cap to the outbound chunker.
func (c *Channel) TextLimit() int { return slackTextLimit }

// Start opens the Socket Mode connection and begins consuming events.
func (c *Channel) Start(ctx context.Context) error {
	auth, err := c.api.AuthTestContext(ctx)
	if err != nil {
		return fmt.Errorf("slack auth test: %w", err)
	}
	c.botUserID = auth.UserID
	slog.Info("slack bot authenticated", "user_id", auth.UserID, "team", auth.Team)

	c.socket = socketmode.New(c.api)

	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})

	go c.eventLoop(runCtx)
	go func() {
		if err := c.socket.RunContext(runCtx); err != nil && runCtx.Err() == nil {
			slog.Error("slack socket mode stopped", "error", err)
		}
	}()

	c.SetRunning(true)
	return nil
}

// Stop closes the Socket Mode connection.
func (c *Channel) Stop(_ context.Context) error {
	c.SetRunning(false)
	if c.cancel != nil {
		c.cancel()
	}
	if c.done != nil {
		<-c.done
	}
	return nil
}

func (c *Channel) eventLoop(ctx context.Context) {
	defer close(c.done)
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-c.socket.Events:
			if !ok {
				return
			}
			switch evt.Type {
			case socketmode.EventTypeConnected:
				slog.Info("slack socket mode connected")
			case socketmode.EventTypeEventsAPI:
				apiEvent, ok := evt.Data.(slackevents.EventsAPIEvent)
				if !ok {
					continue
				}
				c.socket.Ack(*evt.Request)
				c.handleEventsAPI(apiEvent)
			}
		}
	}
}

func (c *Channel) handleEventsAPI(event slackevents.EventsAPIEvent) {
	if event.Type != slackevents.CallbackEvent {
		return
	}
	inner, ok := event.InnerEvent.Data.(*slackevents.MessageEvent)
	if !ok {
		return
	}
	// Ignore our own messages, edits, and other bot traffic.
	if inner.User == "" || inner.User == c.botUserID || inner.BotID != "" || inner.SubType != "" {
		return
	}

	isDM := strings.HasPrefix(inner.Channel, "D")
	peerKind := "group"
	if isDM {
		peerKind = "direct"
	}

	text := inner.Text
	mentioned := strings.Contains(text, "<@"+c.botUserID+">")
	if mentioned {
		text = strings.TrimSpace(strings.ReplaceAll(text, "<@"+c.botUserID+">", ""))
	}

	// Mention gating in channels: without a mention the message is ignored
	// (Slack's noise floor is high; there's no history buffer here because
	// channels usually have their own thread context).
	if !isDM && c.config.RequireMention && !mentioned {
		return
	}

	if !c.checkPolicy(peerKind, inner.User, inner.Channel) {
		return
	}

	metadata := map[string]string{
		"message_id": inner.TimeStamp,
	}
	// Reply in-thread when the message came from one.
	if inner.ThreadTimeStamp != "" {
		metadata["thread_ts"] = inner.ThreadTimeStamp
	} else if !isDM {
		metadata["thread_ts"] = inner.TimeStamp
	}

	msg := bus.InboundMessage{
		Channel:      "slack",
		SenderID:     inner.User,
		ChatID:       inner.Channel,
		Content:      text,
		PeerKind:     peerKind,
		GroupID:      inner.Channel,
		UserID:       inner.User,
		Metadata:     metadata,
	}
	if mentioned {
		msg.Metadata["was_mentioned"] = "true"
	}
	c.Bus().PublishInbound(msg)
}

func (c *Channel) checkPolicy(peerKind, senderID, channelID string) bool {
	policy := c.config.DMPolicy
	if peerKind == "group" {
		policy = c.config.GroupPolicy
	}
	switch policy {
	case "disabled":
		return false
	case "allowlist":
		return c.IsAllowed(senderID)
	case "pairing":
		if c.HasAllowList() && c.IsAllowed(senderID) {
			return true
		}
		if c.pairingService != nil && c.pairingService.IsApproved(c.Name(), senderID) {
			return true
		}
		c.sendPairingReply(senderID, channelID)
		return false
	default: // "open"
		return c.IsAllowed(senderID)
	}
}

func (c *Channel) sendPairingReply(senderID, channelID string) {
	if c.pairingService == nil {
		return
	}
	req, err := c.pairingService.Request(c.Name(), senderID)
	if err != nil {
		slog.Debug("slack pairing request failed", "sender_id", senderID, "error", err)
		return
	}
	text := fmt.Sprintf("GoClaw: access not configured.\nYour Slack user ID: %s\nPairing code: %s", senderID, req.Code)
	if _, _, err := c.api.PostMessage(channelID, slack.MsgOptionText(text, false)); err != nil {
		slog.Warn("failed to send slack pairing reply", "error", err)
	}
}

// Send delivers an outbound message, uploading media as files and posting
// text with mrkdwn formatting, threading when metadata asks for it.
func (c *Channel) Send(ctx context.Context, msg bus.OutboundMessage) error {
	threadTS := msg.Metadata["thread_ts"]

	for _, media := range msg.Media {
		info, err := os.Stat(media.URL)
		if err != nil {
			return fmt.Errorf("slack media stat: %w", err)
		}
		params := slack.UploadFileV2Parameters{
			File:            media.URL,
			FileSize:        int(info.Size()),
			Filename:        filepath.Base(media.URL),
			Channel:         msg.ChatID,
			InitialComment:  msg.Content,
			ThreadTimestamp: threadTS,
		}
		if _, err := c.api.UploadFileV2Context(ctx, params); err != nil {
			return fmt.Errorf("slack file upload: %w", err)
		}
		msg.Content = "" // caption rode the first upload
	}

	if msg.Content == "" {
		return nil
	}

	opts := []slack.MsgOption{slack.MsgOptionText(msg.Content, false)}
	if threadTS != "" {
		opts = append(opts, slack.MsgOptionTS(threadTS))
	}
	if _, _, err := c.api.PostMessageContext(ctx, msg.ChatID, opts...); err != nil {
		return fmt.Errorf("slack post message: %w", err)
	}
	return nil
}
