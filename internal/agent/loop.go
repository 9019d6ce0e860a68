// Package agent executes single runs against the configured LLM provider:
// it assembles session history into a chat request, streams the response,
// sanitizes the output, and records the turn back into the session store.
// The scheduler owns concurrency; a Loop is a stateless-per-run executor
// apart from the steer mailboxes it keeps for in-flight runs.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/nextlevelbuilder/goclaw-gateway/internal/bus"
	"github.com/nextlevelbuilder/goclaw-gateway/internal/providers"
	"github.com/nextlevelbuilder/goclaw-gateway/internal/store"
	"github.com/nextlevelbuilder/goclaw-gateway/pkg/protocol"
)

// HeartbeatOKToken is the sentinel an agent replies with when a heartbeat
// run found nothing worth saying. Delivery is suppressed when the reply,
// stripped of this token, is empty.
const HeartbeatOKToken = "HEARTBEAT_OK"

// contextOverflowFallback is the fixed reply returned when the provider
// rejects the request for exceeding its context window. Not retried.
const contextOverflowFallback = "This conversation has grown past the model's context limit. Use /new to start a fresh session."

// maxSteerTurns bounds how many steer injections a single run will absorb
// before forcing completion.
const maxSteerTurns = 8

// ResultKind tags a RunResult so callers branch on data instead of
// sentinel errors.
type ResultKind string

const (
	ResultReply           ResultKind = "reply"
	ResultSilent          ResultKind = "silent"           // NO_REPLY / empty after sanitization
	ResultContextOverflow ResultKind = "context-overflow" // fixed fallback content, no retry
)

// RunRequest describes one agent invocation.
type RunRequest struct {
	SessionKey        string
	Message           string
	Media             []string // local image paths, already downloaded by the channel
	Channel           string
	ChatID            string
	PeerKind          string
	RunID             string
	UserID            string
	SenderID          string
	Stream            bool
	ExtraSystemPrompt string
	HistoryLimit      int // max messages kept in session history (0 = unlimited)
	ThinkingLevel     string
}

// RunResult is the output of a completed agent run.
type RunResult struct {
	Kind    ResultKind       `json:"kind"`
	Content string           `json:"content"`
	RunID   string           `json:"runId"`
	Usage   *providers.Usage `json:"usage,omitempty"`
	Media   []MediaResult    `json:"media,omitempty"` // MEDIA: hints extracted from output
}

// MediaResult is a media attachment the agent asked to deliver via a
// "MEDIA:<path-or-url>" output line.
type MediaResult struct {
	Path        string `json:"path"`
	ContentType string `json:"content_type,omitempty"`
	AsVoice     bool   `json:"as_voice,omitempty"`
}

// AgentEvent is emitted during execution for WS broadcasting.
type AgentEvent struct {
	Type    string `json:"type"`
	RunID   string `json:"runId"`
	Payload any    `json:"payload,omitempty"`
}

// Loop executes runs for the single configured agent.
type Loop struct {
	provider      providers.Provider
	model         string
	maxTokens     int
	temperature   float64
	systemPrompt  string
	sessions      store.SessionStore
	eventPub      bus.EventPublisher
	onEvent       func(AgentEvent)

	mu    sync.Mutex
	steer map[string]chan string // runID -> pending steer turns
}

// LoopConfig configures a new Loop.
type LoopConfig struct {
	Provider     providers.Provider
	Model        string
	MaxTokens    int
	Temperature  float64
	SystemPrompt string
	Sessions     store.SessionStore
	EventPub     bus.EventPublisher
	OnEvent      func(AgentEvent)
}

// NewLoop creates a Loop from cfg, filling model from the provider default.
func NewLoop(cfg LoopConfig) *Loop {
	model := cfg.Model
	if model == "" {
		model = cfg.Provider.DefaultModel()
	}
	return &Loop{
		provider:     cfg.Provider,
		model:        model,
		maxTokens:    cfg.MaxTokens,
		temperature:  cfg.Temperature,
		systemPrompt: cfg.SystemPrompt,
		sessions:     cfg.Sessions,
		eventPub:     cfg.EventPub,
		onEvent:      cfg.OnEvent,
	}
}

// Model returns the model this loop dispatches to.
func (l *Loop) Model() string { return l.model }

// Steer injects text as a mid-run user turn into the run identified by
// runID. Returns false when the run is not in flight (caller should fall
// back to queueing the message instead).
func (l *Loop) Steer(runID, text string) bool {
	l.mu.Lock()
	ch, ok := l.steer[runID]
	l.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case ch <- text:
		return true
	default:
		return false
	}
}

// Run processes one request through the provider, blocking until the final
// response. Cancellation via ctx aborts at the next provider suspension
// point; the partial output is discarded.
func (l *Loop) Run(ctx context.Context, req RunRequest) (*RunResult, error) {
	steerCh := make(chan string, maxSteerTurns)
	l.mu.Lock()
	if l.steer == nil {
		l.steer = make(map[string]chan string)
	}
	l.steer[req.RunID] = steerCh
	l.mu.Unlock()
	defer func() {
		l.mu.Lock()
		delete(l.steer, req.RunID)
		l.mu.Unlock()
	}()

	l.emit(AgentEvent{Type: protocol.AgentEventRunStarted, RunID: req.RunID})

	result, err := l.runTurns(ctx, req, steerCh)
	if err != nil {
		l.emit(AgentEvent{
			Type:    protocol.AgentEventRunFailed,
			RunID:   req.RunID,
			Payload: map[string]string{"error": err.Error()},
		})
		return nil, err
	}

	l.emit(AgentEvent{Type: protocol.AgentEventRunCompleted, RunID: req.RunID})
	return result, nil
}

// runTurns executes the provider conversation, absorbing steer injections
// between turns until none are pending.
func (l *Loop) runTurns(ctx context.Context, req RunRequest, steerCh chan string) (*RunResult, error) {
	messages := l.buildMessages(req)
	userMsg := providers.Message{Role: "user", Content: req.Message, Images: loadImages(req.Media)}
	messages = append(messages, userMsg)
	pending := []providers.Message{userMsg}

	totalUsage := &providers.Usage{}
	var finalContent string
	var rawAssistant []byte

	for turn := 0; ; turn++ {
		chatReq := providers.ChatRequest{
			Messages: messages,
			Model:    l.model,
			Options:  l.chatOptions(req),
		}

		var resp *providers.ChatResponse
		var err error
		if req.Stream {
			resp, err = l.provider.ChatStream(ctx, chatReq, func(chunk providers.StreamChunk) {
				if chunk.Thinking != "" {
					l.emit(AgentEvent{
						Type:    protocol.AgentEventThinking,
						RunID:   req.RunID,
						Payload: map[string]string{"content": chunk.Thinking},
					})
				}
				if chunk.Content != "" {
					l.emit(AgentEvent{
						Type:    protocol.AgentEventChunk,
						RunID:   req.RunID,
						Payload: map[string]string{"content": chunk.Content},
					})
				}
			})
		} else {
			resp, err = l.provider.Chat(ctx, chatReq)
		}

		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if isContextOverflow(err) {
				// Fixed fallback, no retry: the session needs /new, not another attempt.
				slog.Warn("agent: context overflow", "session", req.SessionKey, "error", err)
				return &RunResult{
					Kind:    ResultContextOverflow,
					Content: contextOverflowFallback,
					RunID:   req.RunID,
					Usage:   totalUsage,
				}, nil
			}
			return nil, fmt.Errorf("provider call failed: %w", err)
		}

		if resp.Usage != nil {
			totalUsage.PromptTokens += resp.Usage.PromptTokens
			totalUsage.CompletionTokens += resp.Usage.CompletionTokens
			totalUsage.TotalTokens += resp.Usage.TotalTokens
			totalUsage.ThinkingTokens += resp.Usage.ThinkingTokens
		}

		finalContent = resp.Content
		rawAssistant = resp.RawAssistantContent

		// Steered mid-run: record the interim assistant turn, then continue
		// the conversation with the injected user turn.
		steered := drainSteer(steerCh)
		if len(steered) == 0 || turn >= maxSteerTurns {
			break
		}
		assistantMsg := providers.Message{Role: "assistant", Content: resp.Content, RawAssistantContent: resp.RawAssistantContent}
		messages = append(messages, assistantMsg)
		pending = append(pending, assistantMsg)
		for _, s := range steered {
			slog.Info("agent: steering run", "run", req.RunID, "session", req.SessionKey)
			steerMsg := providers.Message{Role: "user", Content: s}
			messages = append(messages, steerMsg)
			pending = append(pending, steerMsg)
		}
	}

	media := ExtractMediaResults(finalContent)
	finalContent = SanitizeAssistantContent(finalContent)

	result := &RunResult{
		Kind:    ResultReply,
		Content: finalContent,
		RunID:   req.RunID,
		Usage:   totalUsage,
		Media:   media,
	}
	if finalContent == "" || IsSilentReply(finalContent) {
		result.Kind = ResultSilent
		result.Content = ""
	}

	l.persistTurn(req, pending, result, rawAssistant)
	return result, nil
}

// buildMessages assembles system prompt + session history.
func (l *Loop) buildMessages(req RunRequest) []providers.Message {
	var messages []providers.Message

	system := l.systemPrompt
	if summary := l.sessions.GetSummary(req.SessionKey); summary != "" {
		system += "\n\n[Conversation summary]\n" + summary
	}
	if req.ExtraSystemPrompt != "" {
		system += "\n\n" + req.ExtraSystemPrompt
	}
	if system != "" {
		messages = append(messages, providers.Message{Role: "system", Content: system})
	}

	return append(messages, l.sessions.GetHistory(req.SessionKey)...)
}

func (l *Loop) chatOptions(req RunRequest) map[string]any {
	opts := map[string]any{}
	if l.maxTokens > 0 {
		opts[providers.OptMaxTokens] = l.maxTokens
	}
	if l.temperature > 0 {
		opts[providers.OptTemperature] = l.temperature
	}
	if req.ThinkingLevel != "" {
		opts[providers.OptThinkingLevel] = req.ThinkingLevel
	}
	return opts
}

// persistTurn writes the exchanged messages and token counters into the
// session store. Runs before the caller observes the result, so a client
// seeing the terminal event can safely re-read the session.
func (l *Loop) persistTurn(req RunRequest, pending []providers.Message, result *RunResult, rawAssistant []byte) {
	for _, m := range pending {
		l.sessions.AddMessage(req.SessionKey, m)
	}
	if result.Content != "" {
		l.sessions.AddMessage(req.SessionKey, providers.Message{
			Role:                "assistant",
			Content:             result.Content,
			RawAssistantContent: rawAssistant,
		})
	}
	if req.HistoryLimit > 0 {
		l.sessions.TruncateHistory(req.SessionKey, req.HistoryLimit)
	}
	l.sessions.Patch(req.SessionKey, func(e *store.SessionEntry) {
		e.Model = l.model
		if result.Usage != nil {
			e.InputTokens += int64(result.Usage.PromptTokens)
			e.OutputTokens += int64(result.Usage.CompletionTokens)
			e.TotalTokens += int64(result.Usage.TotalTokens)
			e.ContextTokens = result.Usage.PromptTokens
		}
	})
}

func (l *Loop) emit(event AgentEvent) {
	if l.onEvent != nil {
		l.onEvent(event)
	}
	if l.eventPub != nil {
		l.eventPub.Broadcast(bus.Event{Name: protocol.EventAgent, Payload: event})
	}
}

func drainSteer(ch chan string) []string {
	var out []string
	for {
		select {
		case s := <-ch:
			out = append(out, s)
		default:
			return out
		}
	}
}

// isContextOverflow classifies provider errors that indicate the request
// exceeded the model's context window.
func isContextOverflow(err error) bool {
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{
		"context length", "context window", "maximum context",
		"prompt is too long", "too many tokens", "context_length_exceeded",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// StripHeartbeatToken removes the HEARTBEAT_OK sentinel from a reply.
// Heartbeat delivery is suppressed when the remainder is empty and the
// result carries no media.
func StripHeartbeatToken(text string) string {
	return strings.TrimSpace(strings.ReplaceAll(text, HeartbeatOKToken, ""))
}

// ExtractMediaResults parses "MEDIA:<path-or-url>" lines (no whitespace in
// the reference) from agent output. The sanitizer strips these lines from
// the user-visible text; callers attach them to the outbound payload.
func ExtractMediaResults(content string) []MediaResult {
	if !strings.Contains(content, "MEDIA:") {
		return nil
	}
	var out []MediaResult
	asVoice := strings.Contains(content, "[[audio_as_voice]]")
	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)
		ref, ok := strings.CutPrefix(trimmed, "MEDIA:")
		if !ok || ref == "" || strings.ContainsAny(ref, " \t") {
			continue
		}
		mr := MediaResult{Path: ref, ContentType: inferMediaMime(ref)}
		if asVoice && strings.HasPrefix(mr.ContentType, "audio/") {
			mr.AsVoice = true
		}
		out = append(out, mr)
	}
	return out
}
