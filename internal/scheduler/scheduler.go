// Package scheduler serializes agent runs per session key. It guarantees
// at most one run in a non-terminal state per key, applies the configured
// queue mode when messages arrive mid-run, and fans run lifecycle out as
// chat events. Distinct session keys run in parallel; within a key the
// pending queue drains strictly after the active run reaches a terminal
// state.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/nextlevelbuilder/goclaw-gateway/internal/agent"
	"github.com/nextlevelbuilder/goclaw-gateway/internal/bus"
	"github.com/nextlevelbuilder/goclaw-gateway/internal/store"
	"github.com/nextlevelbuilder/goclaw-gateway/pkg/protocol"
)

// Lane names. Lanes partition queue-depth accounting so the heartbeat can
// ask "is the main lane busy" without scanning sessions.
const (
	LaneMain      = "main"
	LaneHeartbeat = "heartbeat"
	LaneCron      = "cron"
)

// RunFunc executes one agent run. The scheduler owns the context: aborts
// cancel it, and the run must return at its next suspension point.
type RunFunc func(ctx context.Context, req agent.RunRequest) (*agent.RunResult, error)

// SteerFunc injects a mid-run user turn into an in-flight run. Returns
// false when the run cannot absorb it (caller falls back to queueing).
type SteerFunc func(runID, text string) bool

// Outcome is delivered on the channel returned by Schedule once the run
// (or the composite run a queued message was merged into) terminates.
type Outcome struct {
	Result *agent.RunResult
	Err    error
}

// Run states.
const (
	StatePending       = protocol.ChatStatePending
	StateStreaming     = protocol.ChatStateStreaming
	StateAwaitingFinal = protocol.ChatStateAwaitingFinal
	StateAborted       = protocol.ChatStateAborted
	StateFinal         = protocol.ChatStateFinal
	StateError         = protocol.ChatStateError
)

// activeRun tracks the single non-terminal run for a session key.
type activeRun struct {
	id             string
	sessionKey     string
	lane           string
	startedAt      time.Time
	idempotencyKey string
	state          string
	cancel         context.CancelFunc
	aborted        bool // set by Abort before the run observes cancellation
}

// queuedItem is one message waiting for the active run to finish.
type queuedItem struct {
	req     agent.RunRequest
	mode    Mode
	backlog bool // replayed from a disconnected period, drains first
	out     chan Outcome
}

// ScheduleOpts tweaks a single Schedule call.
type ScheduleOpts struct {
	// Mode overrides the configured queue mode for this message.
	Mode Mode
}

// Config wires a Scheduler.
type Config struct {
	Run         RunFunc
	Steer       SteerFunc // optional; steer mode degrades to followup without it
	Sessions    store.SessionStore
	EventPub    bus.EventPublisher
	DefaultMode Mode
	ByChannel   map[string]Mode // per-channel mode override
}

// Scheduler is the per-session run scheduler.
type Scheduler struct {
	run      RunFunc
	steer    SteerFunc
	sessions store.SessionStore
	eventPub bus.EventPublisher

	defaultMode Mode
	byChannel   map[string]Mode

	mu        sync.Mutex
	active    map[string]*activeRun   // sessionKey -> non-terminal run
	pending   map[string][]queuedItem // sessionKey -> FIFO
	laneDepth map[string]int          // lane -> queued+running count
	waiters   map[string][]chan Outcome // runID -> outcome channels answered by that run
}

// New creates a Scheduler.
func New(cfg Config) *Scheduler {
	mode := cfg.DefaultMode
	if mode == "" {
		mode = ModeInterrupt
	}
	return &Scheduler{
		run:         cfg.Run,
		steer:       cfg.Steer,
		sessions:    cfg.Sessions,
		eventPub:    cfg.EventPub,
		defaultMode: mode,
		byChannel:   cfg.ByChannel,
		active:      make(map[string]*activeRun),
		pending:     make(map[string][]queuedItem),
		laneDepth:   make(map[string]int),
		waiters:     make(map[string][]chan Outcome),
	}
}

// ModeFor resolves the queue mode for a channel: per-channel override wins,
// the global default is the fallback.
func (s *Scheduler) ModeFor(channel string) Mode {
	if m, ok := s.byChannel[channel]; ok {
		return m
	}
	return s.defaultMode
}

// Schedule enqueues req on lane using the mode configured for its channel.
func (s *Scheduler) Schedule(ctx context.Context, lane string, req agent.RunRequest) <-chan Outcome {
	return s.ScheduleWithOpts(ctx, lane, req, ScheduleOpts{})
}

// ScheduleWithOpts enqueues req, applying the queue state machine when the
// session already has an active run. The returned channel receives exactly
// one Outcome.
func (s *Scheduler) ScheduleWithOpts(ctx context.Context, lane string, req agent.RunRequest, opts ScheduleOpts) <-chan Outcome {
	out := make(chan Outcome, 1)
	mode := opts.Mode
	if mode == "" {
		mode = s.ModeFor(req.Channel)
	}

	s.mu.Lock()

	// Backlog variants replay messages that arrived while the previous run
	// was aborted, ahead of fresh input.
	backlog := false
	if mode.IsBacklog() {
		if entry, ok := s.sessions.Get(req.SessionKey); ok && entry.AbortedLastRun {
			backlog = true
		}
	}

	current, running := s.active[req.SessionKey]
	if !running {
		s.startLocked(ctx, lane, req, []chan Outcome{out})
		s.mu.Unlock()
		return out
	}

	switch mode.Base() {
	case ModeInterrupt:
		// Abort the in-flight run; its waiters observe the abort, the new
		// message becomes the sole input of a fresh run once the slot frees.
		// Messages queued earlier are superseded and answered as aborted.
		s.abortLocked(current)
		for _, it := range s.pending[req.SessionKey] {
			it.out <- Outcome{Err: context.Canceled}
		}
		s.pending[req.SessionKey] = []queuedItem{{req: req, mode: mode, backlog: backlog, out: out}}

	case ModeSteer:
		if s.steer != nil && s.steer(current.id, req.Message) {
			// Absorbed into the in-flight run; the steered run's outcome
			// answers this waiter too.
			s.addWaiterLocked(current, out)
		} else {
			s.pending[req.SessionKey] = append(s.pending[req.SessionKey], queuedItem{req: req, mode: ModeFollowup, backlog: backlog, out: out})
		}

	default: // followup, collect
		s.pending[req.SessionKey] = append(s.pending[req.SessionKey], queuedItem{req: req, mode: mode, backlog: backlog, out: out})
	}

	s.mu.Unlock()
	return out
}

func (s *Scheduler) addWaiterLocked(run *activeRun, out chan Outcome) {
	s.waiters[run.id] = append(s.waiters[run.id], out)
}

// startLocked launches a run for req answering outs. Caller holds s.mu.
func (s *Scheduler) startLocked(parent context.Context, lane string, req agent.RunRequest, outs []chan Outcome) {
	runCtx, cancel := context.WithCancel(context.WithoutCancel(parent))
	run := &activeRun{
		id:             req.RunID,
		sessionKey:     req.SessionKey,
		lane:           lane,
		startedAt:      time.Now(),
		idempotencyKey: req.RunID,
		state:          StatePending,
		cancel:         cancel,
	}
	s.active[req.SessionKey] = run
	s.laneDepth[lane]++
	s.waiters[run.id] = outs

	s.emitChat(run, StatePending, "", "")

	go s.execute(runCtx, run, req)
}

// execute runs req to completion, settles waiters, and drains the pending
// queue for the session.
func (s *Scheduler) execute(ctx context.Context, run *activeRun, req agent.RunRequest) {
	s.setState(run, StateStreaming)

	result, err := s.run(ctx, req)

	// Terminal bookkeeping: the session store write completes before the
	// terminal event is fanned out, so clients observing it can re-read.
	s.mu.Lock()
	aborted := run.aborted || (err != nil && ctx.Err() != nil)
	s.mu.Unlock()

	s.sessions.Patch(req.SessionKey, func(e *store.SessionEntry) {
		e.AbortedLastRun = aborted
		if !aborted && req.Channel != "" && req.Channel != "webchat" {
			e.LastChannel = req.Channel
			e.LastTo = req.ChatID
		}
	})

	var outcome Outcome
	switch {
	case aborted:
		run.state = StateAborted
		outcome = Outcome{Err: context.Canceled}
		s.emitChat(run, StateAborted, "", "")
	case err != nil:
		run.state = StateError
		outcome = Outcome{Err: err}
		s.emitChat(run, StateError, "", err.Error())
		slog.Error("scheduler: run failed", "run", run.id, "session", run.sessionKey, "error", err)
	default:
		run.state = StateFinal
		outcome = Outcome{Result: result}
		s.emitChat(run, StateFinal, result.Content, "")
	}

	// Release the slot and drain the queue before settling waiters, so a
	// caller holding the outcome no longer finds the run active.
	s.mu.Lock()
	if s.active[run.sessionKey] == run {
		delete(s.active, run.sessionKey)
	}
	s.laneDepth[run.lane]--
	run.cancel()
	outs := s.waiters[run.id]
	delete(s.waiters, run.id)
	s.drainLocked(ctx, run.lane, run.sessionKey)
	s.mu.Unlock()

	// Settle every waiter merged into this run.
	for _, out := range outs {
		out <- outcome
	}
}

// drainLocked starts the next run for key if messages queued up while the
// previous run was active. Followup/collect items merge into one composite
// run; backlog items are replayed first. Caller holds s.mu.
func (s *Scheduler) drainLocked(ctx context.Context, lane string, key string) {
	queue := s.pending[key]
	if len(queue) == 0 {
		return
	}
	delete(s.pending, key)

	// Backlog replay first, preserving arrival order within each class.
	ordered := make([]queuedItem, 0, len(queue))
	for _, it := range queue {
		if it.backlog {
			ordered = append(ordered, it)
		}
	}
	for _, it := range queue {
		if !it.backlog {
			ordered = append(ordered, it)
		}
	}

	// The composite run takes its routing and mode from the newest item.
	last := ordered[len(ordered)-1]
	req := last.req

	switch last.mode.Base() {
	case ModeCollect:
		history := make([]string, 0, len(ordered)-1)
		for _, it := range ordered[:len(ordered)-1] {
			history = append(history, it.req.Message)
		}
		req.Message = ComposeCollect(history, last.req.Message)
	default:
		// interrupt arrives here with a single item (older ones were
		// aborted); followup concatenates in arrival order.
		if len(ordered) > 1 {
			var sb []byte
			for i, it := range ordered {
				if i > 0 {
					sb = append(sb, '\n', '\n')
				}
				sb = append(sb, it.req.Message...)
			}
			req.Message = string(sb)
		}
	}

	outs := make([]chan Outcome, 0, len(ordered))
	for _, it := range ordered {
		outs = append(outs, it.out)
	}
	s.startLocked(ctx, lane, req, outs)
}

// Abort cancels the active run for runID. Idempotent: aborting an unknown
// or already-terminal run is a no-op returning false.
func (s *Scheduler) Abort(runID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, run := range s.active {
		if run.id == runID {
			s.abortLocked(run)
			return true
		}
	}
	return false
}

// CancelOneSession aborts the active run for key, leaving the pending
// queue intact. Returns whether a run was cancelled.
func (s *Scheduler) CancelOneSession(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if run, ok := s.active[key]; ok {
		s.abortLocked(run)
		return true
	}
	return false
}

// CancelSession aborts the active run for key and drops its pending queue.
func (s *Scheduler) CancelSession(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	dropped := s.pending[key]
	delete(s.pending, key)
	for _, it := range dropped {
		it.out <- Outcome{Err: context.Canceled}
	}

	if run, ok := s.active[key]; ok {
		s.abortLocked(run)
		return true
	}
	return len(dropped) > 0
}

func (s *Scheduler) abortLocked(run *activeRun) {
	if run.aborted {
		return
	}
	run.aborted = true
	run.cancel()
}

// ActiveRun returns the id of the non-terminal run for key, if any.
func (s *Scheduler) ActiveRun(key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if run, ok := s.active[key]; ok {
		return run.id, true
	}
	return "", false
}

// QueueSize reports the number of runs queued or active on lane. The
// heartbeat uses this as its re-entrancy guard: a busy main lane skips the
// beat with reason "requests-in-flight".
func (s *Scheduler) QueueSize(lane string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.laneDepth[lane]
	for key, items := range s.pending {
		if run, ok := s.active[key]; ok && run.lane == lane {
			n += len(items)
		}
	}
	return n
}

func (s *Scheduler) setState(run *activeRun, state string) {
	s.mu.Lock()
	run.state = state
	s.mu.Unlock()
}

func (s *Scheduler) emitChat(run *activeRun, state, content, errMsg string) {
	if s.eventPub == nil {
		return
	}
	s.eventPub.Broadcast(bus.Event{
		Name: protocol.EventChat,
		Payload: protocol.ChatPayload{
			RunID:      run.id,
			SessionKey: run.sessionKey,
			State:      state,
			Content:    content,
			Error:      errMsg,
		},
	})
}
