// Package heartbeat runs periodic, wake-triggered agent self-prompts so the
// agent can volunteer proactive replies. Every trigger path — interval
// timer, external wake, explicit RPC — converges on runOnce, which is
// guarded against re-entrancy and against racing user traffic on the main
// lane.
package heartbeat

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/goclaw-gateway/internal/agent"
	"github.com/nextlevelbuilder/goclaw-gateway/internal/bus"
	"github.com/nextlevelbuilder/goclaw-gateway/internal/config"
	"github.com/nextlevelbuilder/goclaw-gateway/internal/scheduler"
	"github.com/nextlevelbuilder/goclaw-gateway/internal/sessions"
	"github.com/nextlevelbuilder/goclaw-gateway/internal/store"
	"github.com/nextlevelbuilder/goclaw-gateway/pkg/protocol"
)

// DefaultPrompt is sent when no custom heartbeat prompt is configured.
const DefaultPrompt = "Read HEARTBEAT.md if it exists. Follow any due items. If nothing needs attention, reply exactly HEARTBEAT_OK."

// Skip reasons surfaced in heartbeat results and events.
const (
	ReasonDisabled         = "disabled"
	ReasonAlreadyRunning   = "already-running"
	ReasonRequestsInFlight = "requests-in-flight"
	ReasonOutsideHours     = "outside-active-hours"
	ReasonNoTarget         = "no-target"
	ReasonWhatsAppDisabled = "whatsapp-disabled"
	ReasonWhatsAppNotLinked  = "whatsapp-not-linked"
	ReasonWhatsAppNotRunning = "whatsapp-not-running"
	ReasonAllowFromFallback  = "allowFrom-fallback" // informational, not a skip
)

// Result reports one heartbeat attempt.
type Result struct {
	Status  string `json:"status"` // "sent" | "ok-silent" | "skipped" | "error"
	Reason  string `json:"reason,omitempty"`
	Channel string `json:"channel,omitempty"`
	To      string `json:"to,omitempty"`
}

// ChannelProbe answers the readiness questions the heartbeat asks about
// delivery channels. Implemented by the channel manager.
type ChannelProbe interface {
	IsChannelRunning(name string) bool
	IsChannelLinked(name string) bool // WhatsApp: bridge authenticated
}

// ParseEvery parses the heartbeat interval. Bare numbers are minutes
// ("30" = 30m); Go duration strings pass through. Zero or unparseable
// disables the scheduler.
func ParseEvery(s string) time.Duration {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0
	}
	if n, err := strconv.Atoi(s); err == nil {
		if n <= 0 {
			return 0
		}
		return time.Duration(n) * time.Minute
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return 0
	}
	return d
}

// Scheduler drives heartbeat runs.
type Scheduler struct {
	cfg      *config.Config
	sessions store.SessionStore
	sched    *scheduler.Scheduler
	probe    ChannelProbe
	eventPub bus.EventPublisher
	msgBus   bus.MessageRouter

	wakeCh chan string

	mu         sync.Mutex
	inFlight   bool
	coalesceAt time.Time
}

// New creates a heartbeat Scheduler.
func New(cfg *config.Config, sess store.SessionStore, sched *scheduler.Scheduler, probe ChannelProbe, eventPub bus.EventPublisher, msgBus bus.MessageRouter) *Scheduler {
	return &Scheduler{
		cfg:      cfg,
		sessions: sess,
		sched:    sched,
		probe:    probe,
		eventPub: eventPub,
		msgBus:   msgBus,
		wakeCh:   make(chan string, 8),
	}
}

// Start runs the interval loop until ctx is done. With the interval
// disabled the loop still serves wake requests.
func (s *Scheduler) Start(ctx context.Context) {
	hb := s.heartbeatConfig()
	every := ParseEvery(hb.Every)
	if every == 0 {
		slog.Info("heartbeat interval disabled, wake-only")
	} else {
		slog.Info("heartbeat scheduler started", "every", every)
	}

	var tick <-chan time.Time
	if every > 0 {
		ticker := time.NewTicker(every)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-tick:
			s.RunOnce(ctx, "interval")
		case reason := <-s.wakeCh:
			s.RunOnce(ctx, reason)
		}
	}
}

// RequestNow asks for an immediate heartbeat. Requests inside the coalesce
// window collapse into the pending one.
func (s *Scheduler) RequestNow(reason string, coalesce time.Duration) {
	s.mu.Lock()
	now := time.Now()
	if coalesce > 0 && now.Before(s.coalesceAt) {
		s.mu.Unlock()
		return
	}
	s.coalesceAt = now.Add(coalesce)
	s.mu.Unlock()

	select {
	case s.wakeCh <- reason:
	default:
		// A wake is already queued; this one coalesces into it.
	}
}

// RunOnce executes a single heartbeat attempt and reports the outcome.
func (s *Scheduler) RunOnce(ctx context.Context, trigger string) Result {
	hb := s.heartbeatConfig()

	res := s.runOnce(ctx, hb, trigger)
	s.broadcast(res, trigger)
	if res.Status == "skipped" {
		slog.Debug("heartbeat skipped", "trigger", trigger, "reason", res.Reason)
	} else {
		slog.Info("heartbeat", "trigger", trigger, "status", res.Status, "channel", res.Channel)
	}
	return res
}

func (s *Scheduler) runOnce(ctx context.Context, hb config.HeartbeatConfig, trigger string) Result {
	if !s.withinActiveHours(hb, time.Now()) {
		return Result{Status: "skipped", Reason: ReasonOutsideHours}
	}

	// Re-entrancy guard: one heartbeat at a time, and never while user
	// requests are queued or running on the main lane.
	s.mu.Lock()
	if s.inFlight {
		s.mu.Unlock()
		return Result{Status: "skipped", Reason: ReasonAlreadyRunning}
	}
	s.inFlight = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.inFlight = false
		s.mu.Unlock()
	}()

	if s.sched.QueueSize(scheduler.LaneMain) > 0 {
		return Result{Status: "skipped", Reason: ReasonRequestsInFlight}
	}

	channel, to, reason := s.resolveTarget(hb)
	if reason != "" && channel == "" {
		return Result{Status: "skipped", Reason: reason}
	}
	if skip := s.readiness(channel); skip != "" {
		return Result{Status: "skipped", Reason: skip}
	}

	sessionKey := hb.Session
	if sessionKey == "" {
		sessionKey = s.cfg.Sessions.MainKey
		if sessionKey == "" {
			sessionKey = sessions.DefaultMainKey
		}
	}

	prompt := hb.Prompt
	if prompt == "" {
		prompt = DefaultPrompt
	}

	// Heartbeats must not make a session look recently active: restore
	// updatedAt to its pre-run value afterwards.
	var prevUpdated time.Time
	if entry, ok := s.sessions.Get(sessionKey); ok {
		prevUpdated = entry.UpdatedAt
	}

	outcome := <-s.sched.Schedule(ctx, scheduler.LaneHeartbeat, agent.RunRequest{
		SessionKey: sessionKey,
		Message:    prompt,
		Channel:    channel,
		ChatID:     to,
		PeerKind:   string(sessions.PeerDirect),
		RunID:      "heartbeat-" + uuid.NewString()[:8],
	})

	if !prevUpdated.IsZero() {
		s.sessions.Patch(sessionKey, func(e *store.SessionEntry) {
			e.UpdatedAt = prevUpdated
		})
	}

	if outcome.Err != nil {
		if ctx.Err() != nil {
			return Result{Status: "skipped", Reason: "shutdown"}
		}
		return Result{Status: "error", Reason: outcome.Err.Error(), Channel: channel, To: to}
	}

	// The agent acknowledges an uneventful beat with the sentinel; a reply
	// that is empty once stripped (and carries no media) is not delivered.
	// Short trailing chatter after the sentinel (up to ackMaxChars) is
	// treated as part of the ack and dropped too.
	reply := agent.StripHeartbeatToken(outcome.Result.Content)
	maxChars := hb.AckMaxChars
	if maxChars == 0 {
		maxChars = 300
	}
	if len(reply) <= maxChars && strings.Contains(outcome.Result.Content, agent.HeartbeatOKToken) {
		reply = ""
	}
	if reply == "" && len(outcome.Result.Media) == 0 {
		return Result{Status: "ok-silent", Channel: channel, To: to}
	}

	out := bus.OutboundMessage{Channel: channel, ChatID: to, Content: reply}
	for _, m := range outcome.Result.Media {
		out.Media = append(out.Media, bus.MediaAttachment{URL: m.Path, ContentType: m.ContentType})
	}
	s.msgBus.PublishOutbound(out)
	return Result{Status: "sent", Channel: channel, To: to}
}

// resolveTarget picks the delivery channel and recipient per the target
// policy. An empty channel with a reason means skip.
func (s *Scheduler) resolveTarget(hb config.HeartbeatConfig) (channel, to, reason string) {
	target := hb.Target
	if target == "" {
		target = "last"
	}

	switch target {
	case "none":
		return "", "", ReasonNoTarget
	case "last":
		ch, lastTo := s.sessions.LastUsedChannel()
		// The web surface has no durable address to deliver to.
		if ch == "" || ch == "webchat" {
			return "", "", ReasonNoTarget
		}
		if !s.probe.IsChannelRunning(ch) {
			// Last-used channel currently disabled: treated as no-target.
			return "", "", ReasonNoTarget
		}
		channel, to = ch, lastTo
	default:
		channel = target
		to = hb.To
		if to == "" {
			if ch, lastTo := s.sessions.LastUsedChannel(); ch == channel {
				to = lastTo
			}
		}
	}

	if channel == "whatsapp" {
		if fallback, ok := s.whatsappAllowFallback(to); ok {
			return channel, fallback, ReasonAllowFromFallback
		}
	}
	if to == "" {
		return "", "", ReasonNoTarget
	}
	return channel, to, ""
}

// whatsappAllowFallback substitutes the first allowlisted number when the
// resolved recipient isn't in a non-wildcard allowlist.
func (s *Scheduler) whatsappAllowFallback(to string) (string, bool) {
	allow := s.cfg.Channels.WhatsApp.AllowFrom
	if len(allow) == 0 {
		return "", false
	}
	for _, a := range allow {
		if a == "*" || a == to {
			return "", false
		}
	}
	return allow[0], true
}

// readiness verifies the resolved channel can actually deliver right now.
func (s *Scheduler) readiness(channel string) string {
	if channel == "whatsapp" {
		switch {
		case !s.cfg.Channels.WhatsApp.Enabled:
			return ReasonWhatsAppDisabled
		case !s.probe.IsChannelLinked(channel):
			return ReasonWhatsAppNotLinked
		case !s.probe.IsChannelRunning(channel):
			return ReasonWhatsAppNotRunning
		}
		return ""
	}
	if !s.probe.IsChannelRunning(channel) {
		return channel + "-not-running"
	}
	return ""
}

func (s *Scheduler) withinActiveHours(hb config.HeartbeatConfig, now time.Time) bool {
	ah := hb.ActiveHours
	if ah == nil || ah.Start == "" || ah.End == "" {
		return true
	}
	loc := now.Location()
	if ah.Timezone != "" {
		if l, err := time.LoadLocation(ah.Timezone); err == nil {
			loc = l
		}
	}
	local := now.In(loc)
	start, ok1 := parseClock(ah.Start)
	end, ok2 := parseClock(ah.End)
	if !ok1 || !ok2 {
		return true
	}
	minutes := local.Hour()*60 + local.Minute()
	if start <= end {
		return minutes >= start && minutes < end
	}
	// Window crosses midnight.
	return minutes >= start || minutes < end
}

func parseClock(s string) (int, bool) {
	var hh, mm int
	if n, err := fmt.Sscanf(s, "%d:%d", &hh, &mm); err != nil || n != 2 || hh < 0 || hh > 23 || mm < 0 || mm > 59 {
		return 0, false
	}
	return hh*60 + mm, true
}

func (s *Scheduler) heartbeatConfig() config.HeartbeatConfig {
	if s.cfg.Agent.Heartbeat != nil {
		return *s.cfg.Agent.Heartbeat
	}
	return config.HeartbeatConfig{}
}

func (s *Scheduler) broadcast(res Result, trigger string) {
	if s.eventPub == nil {
		return
	}
	s.eventPub.Broadcast(bus.Event{
		Name: protocol.EventHeartbeat,
		Payload: map[string]any{
			"status":  res.Status,
			"reason":  res.Reason,
			"channel": res.Channel,
			"trigger": trigger,
		},
	})
}
