// Package signal bridges to signal-cli running in JSON-RPC mode on stdio.
// signal-cli owns the Signal protocol and credentials; this channel is a
// thin framing layer: JSON-RPC "receive" notifications in, "send" requests
// out.
package signal

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nextlevelbuilder/goclaw-gateway/internal/bus"
	"github.com/nextlevelbuilder/goclaw-gateway/internal/channels"
	"github.com/nextlevelbuilder/goclaw-gateway/internal/config"
	"github.com/nextlevelbuilder/goclaw-gateway/internal/store"
)

// Channel is the Signal surface backed by a signal-cli subprocess.
type Channel struct {
	*channels.BaseChannel
	config         config.SignalConfig
	pairingService store.PairingStore

	mu     sync.Mutex
	cmd    *exec.Cmd
	stdin  *json.Encoder
	nextID atomic.Int64
	cancel context.CancelFunc
	done   chan struct{}
}

// rpcRequest is a JSON-RPC 2.0 request to signal-cli.
type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// rpcFrame is any inbound line: a response or a "receive" notification.
type rpcFrame struct {
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Error  *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// New creates a Signal channel from config.
func New(cfg config.SignalConfig, msgBus *bus.MessageBus, pairingSvc store.PairingStore) (*Channel, error) {
	if cfg.Account == "" {
		return nil, fmt.Errorf("signal account is required")
	}
	base := channels.NewBaseChannel("signal", msgBus, cfg.AllowFrom)
	base.ValidatePolicy(cfg.DMPolicy, cfg.GroupPolicy)
	return &Channel{
		BaseChannel:    base,
		config:         cfg,
		pairingService: pairingSvc,
	}, nil
}

// Start launches signal-cli in jsonRpc mode and begins reading frames.
func (c *Channel) Start(ctx context.Context) error {
	cliPath := c.config.CLIPath
	if cliPath == "" {
		cliPath = "signal-cli"
	}

	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})

	cmd := exec.CommandContext(runCtx, cliPath, "-a", c.config.Account, "jsonRpc")
	stdin, err := cmd.StdinPipe()
	if err != nil {
		cancel()
		return fmt.Errorf("signal-cli stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return fmt.Errorf("signal-cli stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return fmt.Errorf("start signal-cli: %w", err)
	}

	c.mu.Lock()
	c.cmd = cmd
	c.stdin = json.NewEncoder(stdin)
	c.mu.Unlock()

	go c.readLoop(runCtx, stdout)
	go func() {
		err := cmd.Wait()
		if runCtx.Err() == nil {
			slog.Error("signal-cli exited unexpectedly", "error", err)
			c.SetRunning(false)
		}
	}()

	c.SetRunning(true)
	slog.Info("signal channel started", "account", c.config.Account)
	return nil
}

// Stop terminates the signal-cli subprocess.
func (c *Channel) Stop(_ context.Context) error {
	c.SetRunning(false)
	if c.cancel != nil {
		c.cancel()
	}
	if c.done != nil {
		select {
		case <-c.done:
		case <-time.After(5 * time.Second):
		}
	}
	return nil
}

func (c *Channel) readLoop(ctx context.Context, stdout io.Reader) {
	defer close(c.done)
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		var frame rpcFrame
		if err := json.Unmarshal(scanner.Bytes(), &frame); err != nil {
			continue
		}
		if frame.Error != nil {
			slog.Warn("signal-cli rpc error", "message", frame.Error.Message)
			continue
		}
		if frame.Method == "receive" {
			c.handleReceive(frame.Params)
		}
	}
}

// receiveParams mirrors the signal-cli receive notification envelope.
type receiveParams struct {
	Envelope struct {
		Source     string `json:"source"`
		SourceName string `json:"sourceName"`
		Timestamp  int64  `json:"timestamp"`
		DataMessage *struct {
			Message   string `json:"message"`
			GroupInfo *struct {
				GroupID string `json:"groupId"`
			} `json:"groupInfo,omitempty"`
			Attachments []struct {
				ID          string `json:"id"`
				ContentType string `json:"contentType"`
			} `json:"attachments,omitempty"`
		} `json:"dataMessage,omitempty"`
	} `json:"envelope"`
}

func (c *Channel) handleReceive(raw json.RawMessage) {
	var p receiveParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return
	}
	dm := p.Envelope.DataMessage
	if dm == nil || (dm.Message == "" && len(dm.Attachments) == 0) {
		return
	}

	senderID := p.Envelope.Source
	chatID := senderID
	peerKind := "direct"
	groupID := ""
	if dm.GroupInfo != nil && dm.GroupInfo.GroupID != "" {
		peerKind = "group"
		groupID = dm.GroupInfo.GroupID
		chatID = "group." + groupID
	}

	if !c.checkPolicy(peerKind, senderID, chatID) {
		return
	}

	metadata := map[string]string{
		"message_id": fmt.Sprintf("%d", p.Envelope.Timestamp),
	}
	if p.Envelope.SourceName != "" {
		metadata["user_name"] = p.Envelope.SourceName
	}

	msg := bus.InboundMessage{
		Channel:  "signal",
		SenderID: senderID,
		ChatID:   chatID,
		Content:  dm.Message,
		PeerKind: peerKind,
		GroupID:  groupID,
		UserID:   senderID,
		Metadata: metadata,
	}
	c.Bus().PublishInbound(msg)
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
	text := fmt.Sprintf("GoClaw: access not configured.\nYour Signal number: %s\nPairing code: %s", senderID, req.Code)
	_ = c.rpcSend(chatID, text, nil)
}

// Send delivers an outbound message through signal-cli.
func (c *Channel) Send(_ context.Context, msg bus.OutboundMessage) error {
	var attachments []string
	for _, m := range msg.Media {
		attachments = append(attachments, m.URL)
	}
	return c.rpcSend(msg.ChatID, msg.Content, attachments)
}

func (c *Channel) rpcSend(chatID, text string, attachments []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stdin == nil {
		return fmt.Errorf("signal-cli not running")
	}

	params := map[string]any{"message": text}
	if len(attachments) > 0 {
		params["attachments"] = attachments
	}
	if groupID, ok := cutGroupPrefix(chatID); ok {
		params["groupId"] = groupID
	} else {
		params["recipients"] = []string{chatID}
	}

	return c.stdin.Encode(rpcRequest{
		JSONRPC: "2.0",
		ID:      c.nextID.Add(1),
		Method:  "send",
		Params:  params,
	})
}

func cutGroupPrefix(chatID string) (string, bool) {
	const prefix = "group."
	if len(chatID) > len(prefix) && chatID[:len(prefix)] == prefix {
		return chatID[len(prefix):], true
	}
	return "", false
}
