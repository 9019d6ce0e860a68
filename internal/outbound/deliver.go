package outbound

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"time"

	"github.com/nextlevelbuilder/goclaw-gateway/internal/bus"
)

// Retry policy for transient send failures.
const (
	maxSendAttempts  = 3
	sendBackoffUnit  = 400 * time.Millisecond
)

// transientErrPattern classifies adapter errors worth retrying: platform
// rate limits and flaky network conditions.
var transientErrPattern = regexp.MustCompile(`(?i)429|timeout|connect|reset|closed|unavailable|temporarily`)

// IsTransientSendError reports whether err matches the retryable class.
func IsTransientSendError(err error) bool {
	return err != nil && transientErrPattern.MatchString(err.Error())
}

// Sender is the subset of the channel interface the deliverer needs.
type Sender interface {
	Name() string
	Send(ctx context.Context, msg bus.OutboundMessage) error
}

// Deliverer pushes one outbound payload through a channel: text is chunked
// against the channel's cap and sent sequentially; media is loaded through
// the media pipeline with the caption attached to the first item only.
type Deliverer struct {
	// ImageTargetMB overrides the recompression target (default 5).
	ImageTargetMB int
}

// Deliver sends msg via ch. Send errors are retried for transient kinds,
// then surfaced per-payload; a failed chunk does not suppress later chunks
// having already been sent, it fails the remainder.
func (d *Deliverer) Deliver(ctx context.Context, ch Sender, msg bus.OutboundMessage) error {
	limit := DefaultTextLimit
	if tl, ok := ch.(TextLimiter); ok {
		limit = tl.TextLimit()
	}
	chunks := SplitMessage(msg.Content, limit)

	if len(msg.Media) == 0 {
		for _, chunk := range chunks {
			out := msg
			out.Content = chunk
			out.Media = nil
			if err := d.sendWithRetry(ctx, ch, out); err != nil {
				return err
			}
		}
		return nil
	}

	// Media-bearing payload: stage each attachment through the media
	// pipeline, caption rides the first item.
	staged, cleanup, err := d.stageMedia(msg.Media)
	defer cleanup()
	if err != nil {
		return err
	}

	caption := ""
	if len(chunks) > 0 {
		caption = chunks[0]
	}
	for i, att := range staged {
		out := msg
		out.Media = []bus.MediaAttachment{att}
		out.Content = ""
		if i == 0 {
			out.Content = caption
		}
		if err := d.sendWithRetry(ctx, ch, out); err != nil {
			slog.Error("outbound: media send failed", "channel", ch.Name(), "media", att.URL, "error", err)
			return err
		}
	}

	// Overflow text beyond the caption goes out as plain messages.
	for _, chunk := range chunks[min(1, len(chunks)):] {
		out := msg
		out.Content = chunk
		out.Media = nil
		if err := d.sendWithRetry(ctx, ch, out); err != nil {
			return err
		}
	}
	return nil
}

// stageMedia runs each attachment through LoadAttachment and rewrites it to
// a processed temp file with its sniffed MIME type. The returned cleanup
// removes the temp files.
func (d *Deliverer) stageMedia(media []bus.MediaAttachment) ([]bus.MediaAttachment, func(), error) {
	var tmpFiles []string
	cleanup := func() {
		for _, f := range tmpFiles {
			os.Remove(f)
		}
	}

	staged := make([]bus.MediaAttachment, 0, len(media))
	for _, m := range media {
		att, err := LoadAttachment(m.URL, d.ImageTargetMB)
		if err != nil {
			return nil, cleanup, fmt.Errorf("outbound: load %s: %w", m.URL, err)
		}

		tmp, err := os.CreateTemp("", "goclaw-media-*"+safeExt(att.FileName))
		if err != nil {
			return nil, cleanup, fmt.Errorf("outbound: stage media: %w", err)
		}
		if _, err := tmp.Write(att.Data); err != nil {
			tmp.Close()
			return nil, cleanup, fmt.Errorf("outbound: stage media: %w", err)
		}
		tmp.Close()
		tmpFiles = append(tmpFiles, tmp.Name())

		staged = append(staged, bus.MediaAttachment{
			URL:         tmp.Name(),
			ContentType: att.Mime,
			Caption:     m.Caption,
		})
	}
	return staged, cleanup, nil
}

func (d *Deliverer) sendWithRetry(ctx context.Context, ch Sender, msg bus.OutboundMessage) error {
	var err error
	for attempt := 1; attempt <= maxSendAttempts; attempt++ {
		err = ch.Send(ctx, msg)
		if err == nil || !IsTransientSendError(err) || ctx.Err() != nil {
			return err
		}
		delay := sendBackoffUnit * time.Duration(attempt)
		slog.Warn("outbound: transient send error, retrying",
			"channel", ch.Name(), "attempt", attempt, "delay", delay, "error", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

func safeExt(name string) string {
	for i := len(name) - 1; i >= 0 && len(name)-i <= 8; i-- {
		if name[i] == '.' {
			return name[i:]
		}
	}
	return ""
}
