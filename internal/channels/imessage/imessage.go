// Package imessage connects the gateway to the local Messages.app on
// macOS: inbound messages are polled from the chat.db SQLite store,
// outbound replies are dispatched through osascript. There is no Go
// iMessage client; the OS owns the protocol.
package imessage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/nextlevelbuilder/goclaw-gateway/internal/bus"
	"github.com/nextlevelbuilder/goclaw-gateway/internal/channels"
	"github.com/nextlevelbuilder/goclaw-gateway/internal/config"
	"github.com/nextlevelbuilder/goclaw-gateway/internal/store"
)

const defaultPollInterval = 5 * time.Second

// appleEpochOffset is the number of seconds between the Unix epoch and
// 2001-01-01, the epoch chat.db timestamps count from.
const appleEpochOffset = 978307200

// Channel is the iMessage surface.
type Channel struct {
	*channels.BaseChannel
	config         config.IMessageConfig
	pairingService store.PairingStore

	mu        sync.Mutex
	db        *sql.DB
	lastRowID int64
	cancel    context.CancelFunc
	done      chan struct{}
}

// New creates an iMessage channel from config.
func New(cfg config.IMessageConfig, msgBus *bus.MessageBus, pairingSvc store.PairingStore) (*Channel, error) {
	base := channels.NewBaseChannel("imessage", msgBus, cfg.AllowFrom)
	base.ValidatePolicy(cfg.DMPolicy, cfg.GroupPolicy)
	return &Channel{
		BaseChannel:    base,
		config:         cfg,
		pairingService: pairingSvc,
	}, nil
}

func (c *Channel) dbPath() string {
	if c.config.DBPath != "" {
		return c.config.DBPath
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, "Library", "Messages", "chat.db")
}

// Start opens chat.db read-only and begins the poll loop.
func (c *Channel) Start(ctx context.Context) error {
	db, err := sql.Open("sqlite", "file:"+c.dbPath()+"?mode=ro")
	if err != nil {
		return fmt.Errorf("open chat.db: %w", err)
	}

	// Start from the current high-water mark so old history isn't replayed.
	var maxRowID sql.NullInt64
	if err := db.QueryRow(`SELECT MAX(ROWID) FROM message`).Scan(&maxRowID); err != nil {
		db.Close()
		return fmt.Errorf("read chat.db high-water mark (check Full Disk Access): %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.db = db
	c.lastRowID = maxRowID.Int64
	c.cancel = cancel
	c.done = make(chan struct{})
	c.mu.Unlock()

	go c.pollLoop(runCtx)

	c.SetRunning(true)
	slog.Info("imessage channel started", "db", c.dbPath())
	return nil
}

// Stop ends polling and closes the database.
func (c *Channel) Stop(_ context.Context) error {
	c.SetRunning(false)
	if c.cancel != nil {
		c.cancel()
	}
	if c.done != nil {
		<-c.done
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.db != nil {
		c.db.Close()
		c.db = nil
	}
	return nil
}

func (c *Channel) pollLoop(ctx context.Context) {
	defer close(c.done)

	interval := defaultPollInterval
	if c.config.PollIntervalSec > 0 {
		interval = time.Duration(c.config.PollIntervalSec) * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.pollOnce(ctx); err != nil {
				slog.Warn("imessage poll failed", "error", err)
			}
		}
	}
}

// pollOnce reads messages newer than the high-water mark and publishes
// them inbound.
func (c *Channel) pollOnce(ctx context.Context) error {
	c.mu.Lock()
	db := c.db
	since := c.lastRowID
	c.mu.Unlock()
	if db == nil {
		return nil
	}

	rows, err := db.QueryContext(ctx, `
		SELECT m.ROWID, m.guid, COALESCE(m.text, ''), h.id,
		       c.chat_identifier, c.style, COALESCE(c.display_name, '')
		FROM message m
		JOIN handle h ON m.handle_id = h.ROWID
		JOIN chat_message_join cmj ON cmj.message_id = m.ROWID
		JOIN chat c ON c.ROWID = cmj.chat_id
		WHERE m.ROWID > ? AND m.is_from_me = 0
		ORDER BY m.ROWID ASC`, since)
	if err != nil {
		return err
	}
	defer rows.Close()

	var newest int64
	for rows.Next() {
		var rowID int64
		var guid, text, handle, chatIdentifier, displayName string
		var style int
		if err := rows.Scan(&rowID, &guid, &text, &handle, &chatIdentifier, &style, &displayName); err != nil {
			continue
		}
		newest = rowID
		if strings.TrimSpace(text) == "" {
			continue
		}

		// chat.style 43 is a group thread, 45 a 1:1 conversation.
		peerKind := "direct"
		if style == 43 {
			peerKind = "group"
		}

		if !c.checkPolicy(peerKind, handle, chatIdentifier) {
			continue
		}

		metadata := map[string]string{"message_id": guid}
		msg := bus.InboundMessage{
			Channel:     "imessage",
			SenderID:    handle,
			ChatID:      chatIdentifier,
			Content:     text,
			PeerKind:    peerKind,
			GroupID:     chatIdentifier,
			DisplayName: displayName,
			UserID:      handle,
			Metadata:    metadata,
		}
		c.Bus().PublishInbound(msg)
	}

	if newest > 0 {
		c.mu.Lock()
		c.lastRowID = newest
		c.mu.Unlock()
	}
	return rows.Err()
}

func (c *Channel) checkPolicy(peerKind, senderID, chatID string) bool {
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
		c.sendPairingReply(senderID, chatID)
		return false
	default: // "open"
		return c.IsAllowed(senderID)
	}
}

func (c *Channel) sendPairingReply(senderID, chatID string) {
	if c.pairingService == nil {
		return
	}
	req, err := c.pairingService.Request(c.Name(), senderID)
	if err != nil {
		return
	}
	text := fmt.Sprintf("GoClaw: access not configured.\nYour iMessage handle: %s\nPairing code: %s", senderID, req.Code)
	if err := sendViaAppleScript(chatID, text); err != nil {
		slog.Warn("imessage pairing reply failed", "error", err)
	}
}

// Send delivers an outbound message through Messages.app. Media goes out
// as file attachments where the script supports it; otherwise text only.
func (c *Channel) Send(ctx context.Context, msg bus.OutboundMessage) error {
	if msg.Content != "" {
		if err := sendViaAppleScript(msg.ChatID, msg.Content); err != nil {
			return err
		}
	}
	for _, m := range msg.Media {
		if err := sendFileViaAppleScript(msg.ChatID, m.URL); err != nil {
			return err
		}
	}
	return nil
}

// sendViaAppleScript asks Messages.app to deliver text to a buddy or chat.
func sendViaAppleScript(chatID, text string) error {
	script := fmt.Sprintf(`
		tell application "Messages"
			set svc to 1st account whose service type = iMessage
			send %q to participant %q of svc
		end tell`, text, chatID)
	if strings.HasPrefix(chatID, "chat") {
		script = fmt.Sprintf(`
			tell application "Messages"
				send %q to chat id %q
			end tell`, text, chatID)
	}
	out, err := exec.Command("osascript", "-e", script).CombinedOutput()
	if err != nil {
		return fmt.Errorf("osascript send: %w (%s)", err, strings.TrimSpace(string(out)))
	}
	return nil
}

func sendFileViaAppleScript(chatID, path string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	script := fmt.Sprintf(`
		tell application "Messages"
			set svc to 1st account whose service type = iMessage
			send POSIX file %q to participant %q of svc
		end tell`, abs, chatID)
	out, err := exec.Command("osascript", "-e", script).CombinedOutput()
	if err != nil {
		return fmt.Errorf("osascript send file: %w (%s)", err, strings.TrimSpace(string(out)))
	}
	return nil
}
