// Package webchat is the in-process chat surface for gateway protocol
// clients (web UI, TUI). Inbound traffic enters through the chat.send RPC
// rather than this channel; outbound replies surface as chat events on the
// WebSocket stream, so Send only has to broadcast.
package webchat

import (
	"context"

	"github.com/nextlevelbuilder/goclaw-gateway/internal/bus"
	"github.com/nextlevelbuilder/goclaw-gateway/internal/channels"
	"github.com/nextlevelbuilder/goclaw-gateway/pkg/protocol"
)

// Channel is the webchat surface.
type Channel struct {
	*channels.BaseChannel
	eventPub bus.EventPublisher
}

// New creates the webchat channel.
func New(msgBus *bus.MessageBus, eventPub bus.EventPublisher) *Channel {
	return &Channel{
		BaseChannel: channels.NewBaseChannel("webchat", msgBus, nil),
		eventPub:    eventPub,
	}
}

// Start marks the channel running; there is no transport to open.
func (c *Channel) Start(_ context.Context) error {
	c.SetRunning(true)
	return nil
}

// Stop marks the channel stopped.
func (c *Channel) Stop(_ context.Context) error {
	c.SetRunning(false)
	return nil
}

// Send broadcasts the reply as a chat event; connected protocol clients
// render it in their transcript. ChatID carries the originating client id
// so UIs can correlate, but every subscriber sees the event.
func (c *Channel) Send(_ context.Context, msg bus.OutboundMessage) error {
	payload := map[string]any{
		"chatId":  msg.ChatID,
		"content": msg.Content,
	}
	if len(msg.Media) > 0 {
		media := make([]map[string]string, 0, len(msg.Media))
		for _, m := range msg.Media {
			media = append(media, map[string]string{"url": m.URL, "mime": m.ContentType})
		}
		payload["media"] = media
	}
	c.eventPub.Broadcast(bus.Event{Name: protocol.EventChat, Payload: payload})
	return nil
}
