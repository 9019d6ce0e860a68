package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/mymmrac/telego"
	"github.com/mymmrac/telego/telegoutil"

	"github.com/nextlevelbuilder/goclaw-gateway/internal/bus"
)

// telegramTextLimit is the Bot API per-message character cap.
const telegramTextLimit = 4096

// TextLimit reports Telegram's message cap to the outbound chunker.
func (c *Channel) TextLimit() int { return telegramTextLimit }

// Send delivers an outbound message. Text goes out as Markdown with a
// plain-text retry when Telegram rejects the entity parse; media is sent
// with the caption on the item itself. Empty messages only clean up
// placeholder/typing state.
func (c *Channel) Send(ctx context.Context, msg bus.OutboundMessage) error {
	localKey := msg.ChatID
	if lk := msg.Metadata["local_key"]; lk != "" {
		localKey = lk
	}
	c.clearPending(ctx, localKey)

	if msg.Content == "" && len(msg.Media) == 0 {
		return nil
	}

	chatID, err := parseRawChatID(msg.ChatID)
	if err != nil {
		return fmt.Errorf("telegram: bad chat id %q: %w", msg.ChatID, err)
	}

	threadID := c.resolveThreadID(localKey, msg.Metadata)
	replyTo := 0
	fmt.Sscanf(msg.Metadata["reply_to_message_id"], "%d", &replyTo)

	for _, media := range msg.Media {
		if err := c.sendMedia(ctx, chatID, threadID, media, msg.Content, msg.Metadata); err != nil {
			return err
		}
		msg.Content = "" // caption rode the first media item
	}

	if msg.Content == "" {
		return nil
	}
	return c.sendText(ctx, chatID, threadID, replyTo, msg.Content)
}

// sendText posts text as Markdown, retrying as plain text when Telegram
// rejects the formatting (unbalanced markers are common in LLM output).
func (c *Channel) sendText(ctx context.Context, chatID int64, threadID, replyTo int, text string) error {
	params := &telego.SendMessageParams{
		ChatID:    telego.ChatID{ID: chatID},
		Text:      text,
		ParseMode: "Markdown",
	}
	if tid := resolveThreadIDForSend(threadID); tid > 0 {
		params.MessageThreadID = tid
	}
	if replyTo > 0 {
		params.ReplyParameters = &telego.ReplyParameters{MessageID: replyTo, AllowSendingWithoutReply: true}
	}
	if c.config.LinkPreview != nil && !*c.config.LinkPreview {
		params.LinkPreviewOptions = &telego.LinkPreviewOptions{IsDisabled: true}
	}

	if _, err := c.bot.SendMessage(ctx, params); err != nil {
		if !isParseError(err) {
			return fmt.Errorf("telegram send: %w", err)
		}
		// Markdown parse failure: same text, no parse mode.
		params.ParseMode = ""
		if _, err := c.bot.SendMessage(ctx, params); err != nil {
			return fmt.Errorf("telegram send (plain retry): %w", err)
		}
	}
	return nil
}

// sendMedia routes one attachment to the right Bot API call by MIME class.
func (c *Channel) sendMedia(ctx context.Context, chatID int64, threadID int, media bus.MediaAttachment, caption string, metadata map[string]string) error {
	tid := resolveThreadIDForSend(threadID)
	f, err := os.Open(media.URL)
	if err != nil {
		return fmt.Errorf("telegram: open media %s: %w", media.URL, err)
	}
	defer f.Close()
	file := telegoutil.File(f)

	switch {
	case strings.HasPrefix(media.ContentType, "image/"):
		params := &telego.SendPhotoParams{
			ChatID:  telego.ChatID{ID: chatID},
			Photo:   file,
			Caption: caption,
		}
		if tid > 0 {
			params.MessageThreadID = tid
		}
		_, err = c.bot.SendPhoto(ctx, params)
	case strings.HasPrefix(media.ContentType, "audio/") && metadata["audio_as_voice"] == "true":
		params := &telego.SendVoiceParams{
			ChatID:  telego.ChatID{ID: chatID},
			Voice:   file,
			Caption: caption,
		}
		if tid > 0 {
			params.MessageThreadID = tid
		}
		_, err = c.bot.SendVoice(ctx, params)
	case strings.HasPrefix(media.ContentType, "audio/"):
		params := &telego.SendAudioParams{
			ChatID:  telego.ChatID{ID: chatID},
			Audio:   file,
			Caption: caption,
		}
		if tid > 0 {
			params.MessageThreadID = tid
		}
		_, err = c.bot.SendAudio(ctx, params)
	case strings.HasPrefix(media.ContentType, "video/"):
		params := &telego.SendVideoParams{
			ChatID:  telego.ChatID{ID: chatID},
			Video:   file,
			Caption: caption,
		}
		if tid > 0 {
			params.MessageThreadID = tid
		}
		_, err = c.bot.SendVideo(ctx, params)
	default:
		params := &telego.SendDocumentParams{
			ChatID:   telego.ChatID{ID: chatID},
			Document: file,
			Caption:  caption,
		}
		if tid > 0 {
			params.MessageThreadID = tid
		}
		_, err = c.bot.SendDocument(ctx, params)
	}
	if err != nil {
		return fmt.Errorf("telegram send media: %w", err)
	}
	return nil
}

// resolveThreadID picks the forum topic thread for a send: explicit
// metadata wins, else the thread recorded when the conversation last
// reached us.
func (c *Channel) resolveThreadID(localKey string, metadata map[string]string) int {
	if v := metadata["message_thread_id"]; v != "" {
		var tid int
		fmt.Sscanf(v, "%d", &tid)
		return tid
	}
	if v, ok := c.threadIDs.Load(localKey); ok {
		return v.(int)
	}
	return 0
}

// clearPending tears down placeholder messages, typing indicators, and
// the thinking cancel for a conversation before the reply lands.
func (c *Channel) clearPending(ctx context.Context, localKey string) {
	if stop, ok := c.stopThinking.LoadAndDelete(localKey); ok {
		stop.(*thinkingCancel).Cancel()
	}
	if ctrl, ok := c.typingCtrls.LoadAndDelete(localKey); ok {
		if t, ok := ctrl.(interface{ Stop() }); ok {
			t.Stop()
		}
	}
	if mid, ok := c.placeholders.LoadAndDelete(localKey); ok {
		chatID, err := parseRawChatID(localKey)
		if err != nil {
			return
		}
		if err := c.bot.DeleteMessage(ctx, &telego.DeleteMessageParams{
			ChatID:    telego.ChatID{ID: chatID},
			MessageID: mid.(int),
		}); err != nil {
			slog.Debug("telegram: placeholder delete failed", "error", err)
		}
	}
}

// handleCallbackQuery acknowledges inline-button taps. The menu commands
// this gateway registers are plain commands, so an ack is all that's
// needed to stop the client spinner.
func (c *Channel) handleCallbackQuery(ctx context.Context, query *telego.CallbackQuery) {
	if err := c.bot.AnswerCallbackQuery(ctx, &telego.AnswerCallbackQueryParams{
		CallbackQueryID: query.ID,
	}); err != nil {
		slog.Debug("telegram: callback ack failed", "error", err)
	}
}

// isParseError matches the Bot API error for broken Markdown entities.
func isParseError(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "can't parse entities") || strings.Contains(msg, "parse")
}
