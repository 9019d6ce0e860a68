package telegram

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/mymmrac/telego"
)

// draftEditInterval throttles streaming message edits; Telegram rate-limits
// editMessageText hard, so previews update at most every 1.5s.
const draftEditInterval = 1500 * time.Millisecond

// draftPreviewLimit truncates the streaming preview; the final reply goes
// out through Send with proper chunking.
const draftPreviewLimit = 3900

// DraftStream is a live-edited Telegram message used as a streaming
// preview while the agent is still generating.
type DraftStream struct {
	mu        sync.Mutex
	chatID    int64
	threadID  int
	messageID int
	lastEdit  time.Time
	lastText  string
}

// OnStreamStart creates the draft message for a streaming run.
func (c *Channel) OnStreamStart(ctx context.Context, chatIDStr string) error {
	chatID, err := parseRawChatID(chatIDStr)
	if err != nil {
		return err
	}
	threadID := 0
	if v, ok := c.threadIDs.Load(chatIDStr); ok {
		threadID = v.(int)
	}
	c.streams.Store(chatIDStr, &DraftStream{chatID: chatID, threadID: threadID})
	return nil
}

// OnChunkEvent updates the draft with the accumulated text, creating the
// placeholder lazily on the first chunk so empty runs never post.
func (c *Channel) OnChunkEvent(ctx context.Context, chatIDStr string, fullText string) error {
	v, ok := c.streams.Load(chatIDStr)
	if !ok || fullText == "" {
		return nil
	}
	ds := v.(*DraftStream)

	ds.mu.Lock()
	defer ds.mu.Unlock()

	if time.Since(ds.lastEdit) < draftEditInterval {
		return nil
	}
	preview := fullText
	if len(preview) > draftPreviewLimit {
		preview = preview[:draftPreviewLimit] + "…"
	}
	if preview == ds.lastText {
		return nil
	}

	if ds.messageID == 0 {
		params := &telego.SendMessageParams{
			ChatID: telego.ChatID{ID: ds.chatID},
			Text:   preview,
		}
		if tid := resolveThreadIDForSend(ds.threadID); tid > 0 {
			params.MessageThreadID = tid
		}
		msg, err := c.bot.SendMessage(ctx, params)
		if err != nil {
			return err
		}
		ds.messageID = msg.MessageID
	} else {
		_, err := c.bot.EditMessageText(ctx, &telego.EditMessageTextParams{
			ChatID:    telego.ChatID{ID: ds.chatID},
			MessageID: ds.messageID,
			Text:      preview,
		})
		if err != nil {
			slog.Debug("telegram: draft edit failed", "error", err)
		}
	}
	ds.lastEdit = time.Now()
	ds.lastText = preview
	return nil
}

// OnStreamEnd removes the draft; the final reply arrives via Send with
// full formatting and chunking, so the preview is deleted rather than
// promoted.
func (c *Channel) OnStreamEnd(ctx context.Context, chatIDStr string, finalText string) error {
	v, ok := c.streams.LoadAndDelete(chatIDStr)
	if !ok {
		return nil
	}
	ds := v.(*DraftStream)

	ds.mu.Lock()
	defer ds.mu.Unlock()
	if ds.messageID == 0 {
		return nil
	}
	if err := c.bot.DeleteMessage(ctx, &telego.DeleteMessageParams{
		ChatID:    telego.ChatID{ID: ds.chatID},
		MessageID: ds.messageID,
	}); err != nil {
		slog.Debug("telegram: draft delete failed", "error", err)
	}
	return nil
}

// statusEmoji maps run status to the reaction shown on the user's message.
var statusEmoji = map[string]string{
	"thinking": "🤔",
	"tool":     "⚙",
	"done":     "👌",
	"error":    "😵",
}

// OnReactionEvent sets a status reaction on the triggering message.
// reaction_level "off" disables, "minimal" shows only done/error.
func (c *Channel) OnReactionEvent(ctx context.Context, chatIDStr string, messageID int, status string) error {
	if c.config.ReactionLevel == "off" || messageID == 0 {
		return nil
	}
	if c.config.ReactionLevel == "minimal" && status != "done" && status != "error" {
		return nil
	}
	emoji, ok := statusEmoji[status]
	if !ok {
		return nil
	}
	chatID, err := parseRawChatID(chatIDStr)
	if err != nil {
		return err
	}
	reaction := []telego.ReactionType{
		&telego.ReactionTypeEmoji{Type: "emoji", Emoji: emoji},
	}
	if status == "done" {
		// Completion clears the reaction after a beat instead of leaving
		// stale state on the message.
		go func() {
			time.Sleep(3 * time.Second)
			c.ClearReaction(context.Background(), chatIDStr, messageID)
		}()
	}
	return c.bot.SetMessageReaction(ctx, &telego.SetMessageReactionParams{
		ChatID:    telego.ChatID{ID: chatID},
		MessageID: messageID,
		Reaction:  reaction,
	})
}

// ClearReaction removes any reaction from a message.
func (c *Channel) ClearReaction(ctx context.Context, chatIDStr string, messageID int) error {
	chatID, err := parseRawChatID(chatIDStr)
	if err != nil {
		return err
	}
	return c.bot.SetMessageReaction(ctx, &telego.SetMessageReactionParams{
		ChatID:    telego.ChatID{ID: chatID},
		MessageID: messageID,
		Reaction:  []telego.ReactionType{},
	})
}
