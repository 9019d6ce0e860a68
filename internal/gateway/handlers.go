package gateway

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/goclaw-gateway/internal/agent"
	"github.com/nextlevelbuilder/goclaw-gateway/internal/config"
	"github.com/nextlevelbuilder/goclaw-gateway/internal/scheduler"
	"github.com/nextlevelbuilder/goclaw-gateway/internal/sessions"
	"github.com/nextlevelbuilder/goclaw-gateway/internal/store"
	"github.com/nextlevelbuilder/goclaw-gateway/pkg/protocol"
)

func (r *methodRouter) registerAll() {
	r.register(protocol.MethodHealth, r.handleHealth)

	r.register(protocol.MethodChatSend, r.handleChatSend)
	r.register(protocol.MethodChatHistory, r.handleChatHistory)
	r.register(protocol.MethodChatAbort, r.handleChatAbort)

	r.register(protocol.MethodSessionsList, r.handleSessionsList)
	r.register(protocol.MethodSessionsPatch, r.handleSessionsPatch)
	r.register(protocol.MethodSessionsReset, r.handleSessionsReset)
	r.register(protocol.MethodSessionsDelete, r.handleSessionsDelete)

	r.register(protocol.MethodNodesList, r.handleNodesList)
	r.register(protocol.MethodProvidersStatus, r.handleProvidersStatus)
	r.register(protocol.MethodChannelsStatus, r.handleChannelsStatus)
	r.register(protocol.MethodChannelsLogout, r.handleChannelsLogout)

	r.register(protocol.MethodConfigGet, r.handleConfigGet)
	r.register(protocol.MethodConfigPut, r.handleConfigPut)

	r.register(protocol.MethodCronList, r.handleCronList)
	r.register(protocol.MethodCronStatus, r.handleCronStatus)
	r.register(protocol.MethodCronRun, r.handleCronRun)
	r.register(protocol.MethodCronRuns, r.handleCronRuns)

	r.register(protocol.MethodSkillsList, r.handleSkillsList)

	r.register(protocol.MethodWebLoginStart, r.handleWebLoginStart)
	r.register(protocol.MethodWebLoginWait, r.handleWebLoginWait)

	r.register(protocol.MethodPairingList, r.handlePairingList)
	r.register(protocol.MethodPairingApprove, r.handlePairingApprove)

	r.register(protocol.MethodHeartbeatNow, r.handleHeartbeatNow)
}

func (r *methodRouter) deps() *Deps { return r.server.deps }

// --- system ---

func (r *methodRouter) handleHealth(ctx context.Context, c *Client, req protocol.Request) (any, *protocol.RPCError) {
	return r.server.healthPayload(), nil
}

// --- chat ---

type chatSendParams struct {
	SessionKey string `json:"sessionKey,omitempty"`
	Message    string `json:"message"`
	Thinking   string `json:"thinking,omitempty"`
}

func (r *methodRouter) handleChatSend(ctx context.Context, c *Client, req protocol.Request) (any, *protocol.RPCError) {
	var p chatSendParams
	if err := decodeParams(req, &p); err != nil {
		return nil, err
	}
	if strings.TrimSpace(p.Message) == "" {
		return nil, protocol.NewInvalidInput("message", "message must not be empty")
	}

	key := p.SessionKey
	if key == "" {
		key = r.deps().MainKey
		if key == "" {
			key = sessions.DefaultMainKey
		}
	}

	runID := "webchat-" + uuid.NewString()[:8]
	outCh := r.deps().Sched.Schedule(ctx, scheduler.LaneMain, agent.RunRequest{
		SessionKey:    key,
		Message:       p.Message,
		Channel:       "webchat",
		ChatID:        c.id,
		PeerKind:      string(sessions.PeerDirect),
		RunID:         runID,
		Stream:        true,
		ThinkingLevel: p.Thinking,
	})

	if !req.ExpectFinal {
		return map[string]any{"runId": runID, "sessionKey": key}, nil
	}

	select {
	case outcome := <-outCh:
		if outcome.Err != nil {
			if outcome.Err == context.Canceled {
				return map[string]any{"runId": runID, "state": protocol.ChatStateAborted}, nil
			}
			return nil, protocol.NewError(protocol.ErrInternal, outcome.Err.Error())
		}
		return map[string]any{
			"runId":   runID,
			"state":   protocol.ChatStateFinal,
			"content": outcome.Result.Content,
		}, nil
	case <-ctx.Done():
		// The client went away or the deadline passed; the run itself is
		// detached and keeps going.
		return nil, protocol.NewError(protocol.ErrAborted, "rpc cancelled")
	}
}

type chatHistoryParams struct {
	SessionKey string `json:"sessionKey,omitempty"`
	Limit      int    `json:"limit,omitempty"`
}

func (r *methodRouter) handleChatHistory(ctx context.Context, c *Client, req protocol.Request) (any, *protocol.RPCError) {
	var p chatHistoryParams
	if err := decodeParams(req, &p); err != nil {
		return nil, err
	}
	key := p.SessionKey
	if key == "" {
		key = r.deps().MainKey
	}
	history := r.deps().Sessions.GetHistory(key)
	if p.Limit > 0 && len(history) > p.Limit {
		history = history[len(history)-p.Limit:]
	}
	return map[string]any{"sessionKey": key, "messages": history}, nil
}

type chatAbortParams struct {
	RunID      string `json:"runId,omitempty"`
	SessionKey string `json:"sessionKey,omitempty"`
}

func (r *methodRouter) handleChatAbort(ctx context.Context, c *Client, req protocol.Request) (any, *protocol.RPCError) {
	var p chatAbortParams
	if err := decodeParams(req, &p); err != nil {
		return nil, err
	}
	// Abort is idempotent: unknown or already-terminal runs are a no-op.
	aborted := false
	switch {
	case p.RunID != "":
		aborted = r.deps().Sched.Abort(p.RunID)
	case p.SessionKey != "":
		aborted = r.deps().Sched.CancelOneSession(p.SessionKey)
	default:
		return nil, protocol.NewInvalidInput("runId", "runId or sessionKey required")
	}
	return map[string]any{"aborted": aborted}, nil
}

// --- sessions ---

type sessionsListParams struct {
	Limit  int `json:"limit,omitempty"`
	Offset int `json:"offset,omitempty"`
}

func (r *methodRouter) handleSessionsList(ctx context.Context, c *Client, req protocol.Request) (any, *protocol.RPCError) {
	var p sessionsListParams
	if err := decodeParams(req, &p); err != nil {
		return nil, err
	}
	return r.deps().Sessions.ListPaged(store.SessionListOpts{Limit: p.Limit, Offset: p.Offset}), nil
}

type sessionsPatchParams struct {
	Key             string `json:"key"`
	ThinkingLevel   *string `json:"thinkingLevel,omitempty"`
	VerboseLevel    *string `json:"verboseLevel,omitempty"`
	GroupActivation *string `json:"groupActivation,omitempty"`
}

func (r *methodRouter) handleSessionsPatch(ctx context.Context, c *Client, req protocol.Request) (any, *protocol.RPCError) {
	var p sessionsPatchParams
	if err := decodeParams(req, &p); err != nil {
		return nil, err
	}
	if p.Key == "" {
		return nil, protocol.NewInvalidInput("key", "session key required")
	}
	entry := r.deps().Sessions.Patch(p.Key, func(e *store.SessionEntry) {
		if p.ThinkingLevel != nil {
			e.ThinkingLevel = *p.ThinkingLevel
		}
		if p.VerboseLevel != nil {
			e.VerboseLevel = *p.VerboseLevel
		}
		if p.GroupActivation != nil {
			e.GroupActivation = *p.GroupActivation
		}
	})
	return entry, nil
}

type sessionKeyParams struct {
	Key string `json:"key"`
}

func (r *methodRouter) handleSessionsReset(ctx context.Context, c *Client, req protocol.Request) (any, *protocol.RPCError) {
	var p sessionKeyParams
	if err := decodeParams(req, &p); err != nil {
		return nil, err
	}
	if p.Key == "" {
		return nil, protocol.NewInvalidInput("key", "session key required")
	}
	r.deps().Sessions.Reset(p.Key)
	return map[string]any{"ok": true}, nil
}

func (r *methodRouter) handleSessionsDelete(ctx context.Context, c *Client, req protocol.Request) (any, *protocol.RPCError) {
	var p sessionKeyParams
	if err := decodeParams(req, &p); err != nil {
		return nil, err
	}
	if p.Key == "" {
		return nil, protocol.NewInvalidInput("key", "session key required")
	}
	if err := r.deps().Sessions.Delete(p.Key); err != nil {
		return nil, protocol.NewError(protocol.ErrInternal, err.Error())
	}
	return map[string]any{"ok": true}, nil
}

// --- nodes ---

// handleNodesList lists paired client nodes: approved pairing entries on
// the reserved "node" channel.
func (r *methodRouter) handleNodesList(ctx context.Context, c *Client, req protocol.Request) (any, *protocol.RPCError) {
	all := r.deps().Pairing.List("node")
	paired := make([]store.PairingRequest, 0, len(all))
	pending := make([]store.PairingRequest, 0)
	for _, p := range all {
		if p.Approved {
			paired = append(paired, p)
		} else {
			pending = append(pending, p)
		}
	}
	return map[string]any{"paired": paired, "pending": pending}, nil
}

// --- providers / channels ---

func (r *methodRouter) handleProvidersStatus(ctx context.Context, c *Client, req protocol.Request) (any, *protocol.RPCError) {
	reg := r.deps().Providers
	out := make([]map[string]any, 0, reg.Len())
	for _, name := range reg.Names() {
		p, _ := reg.Get(name)
		out = append(out, map[string]any{
			"name":         name,
			"defaultModel": p.DefaultModel(),
		})
	}
	return map[string]any{"providers": out}, nil
}

func (r *methodRouter) handleChannelsStatus(ctx context.Context, c *Client, req protocol.Request) (any, *protocol.RPCError) {
	return r.deps().Channels.GetStatus(), nil
}

type channelsLogoutParams struct {
	Channel string `json:"channel"`
}

func (r *methodRouter) handleChannelsLogout(ctx context.Context, c *Client, req protocol.Request) (any, *protocol.RPCError) {
	var p channelsLogoutParams
	if err := decodeParams(req, &p); err != nil {
		return nil, err
	}
	if p.Channel == "" {
		return nil, protocol.NewInvalidInput("channel", "channel required")
	}
	if err := r.deps().Channels.Logout(ctx, p.Channel); err != nil {
		return nil, protocol.NewError(protocol.ErrInternal, err.Error())
	}
	return map[string]any{"ok": true}, nil
}

// --- config ---

func (r *methodRouter) handleConfigGet(ctx context.Context, c *Client, req protocol.Request) (any, *protocol.RPCError) {
	raw, err := os.ReadFile(r.deps().ConfigPath)
	if err != nil && !os.IsNotExist(err) {
		return nil, protocol.NewError(protocol.ErrInternal, err.Error())
	}
	return map[string]any{
		"path": r.deps().ConfigPath,
		"raw":  string(raw),
		"hash": r.server.cfg.Hash(),
	}, nil
}

type configPutParams struct {
	Raw      string `json:"raw"`
	BaseHash string `json:"baseHash,omitempty"`
}

func (r *methodRouter) handleConfigPut(ctx context.Context, c *Client, req protocol.Request) (any, *protocol.RPCError) {
	var p configPutParams
	if err := decodeParams(req, &p); err != nil {
		return nil, err
	}
	// Optimistic concurrency: a stale editor loses.
	if p.BaseHash != "" && p.BaseHash != r.server.cfg.Hash() {
		return nil, protocol.NewError(protocol.ErrInvalidInput, "config changed since baseHash; re-read and retry")
	}
	// Validate before committing to disk.
	tmp := config.Default()
	if err := config.ParseInto([]byte(p.Raw), tmp); err != nil {
		return nil, protocol.NewInvalidInput("raw", err.Error())
	}
	if err := os.MkdirAll(filepath.Dir(r.deps().ConfigPath), 0o755); err != nil {
		return nil, protocol.NewError(protocol.ErrInternal, err.Error())
	}
	if err := os.WriteFile(r.deps().ConfigPath, []byte(p.Raw), 0o600); err != nil {
		return nil, protocol.NewError(protocol.ErrInternal, err.Error())
	}
	// The config watcher picks the write up and hot-reloads by prefix.
	return map[string]any{"ok": true}, nil
}

// --- cron ---

func (r *methodRouter) handleCronList(ctx context.Context, c *Client, req protocol.Request) (any, *protocol.RPCError) {
	return map[string]any{"jobs": r.deps().CronStore.List()}, nil
}

type cronJobParams struct {
	JobID string `json:"jobId"`
	Limit int    `json:"limit,omitempty"`
}

func (r *methodRouter) handleCronStatus(ctx context.Context, c *Client, req protocol.Request) (any, *protocol.RPCError) {
	var p cronJobParams
	if err := decodeParams(req, &p); err != nil {
		return nil, err
	}
	if p.JobID == "" {
		return nil, protocol.NewInvalidInput("jobId", "jobId required")
	}
	job, ok := r.deps().CronStore.Get(p.JobID)
	if !ok {
		return nil, protocol.NewError(protocol.ErrInvalidInput, "unknown job "+p.JobID)
	}
	out := map[string]any{"job": job}
	if last, ok := r.deps().CronStore.LastRun(p.JobID); ok {
		out["lastRun"] = last
	}
	return out, nil
}

func (r *methodRouter) handleCronRun(ctx context.Context, c *Client, req protocol.Request) (any, *protocol.RPCError) {
	var p cronJobParams
	if err := decodeParams(req, &p); err != nil {
		return nil, err
	}
	if p.JobID == "" {
		return nil, protocol.NewInvalidInput("jobId", "jobId required")
	}
	run, err := r.deps().Cron.RunNow(ctx, p.JobID)
	if err != nil {
		return nil, protocol.NewError(protocol.ErrInternal, err.Error())
	}
	return run, nil
}

func (r *methodRouter) handleCronRuns(ctx context.Context, c *Client, req protocol.Request) (any, *protocol.RPCError) {
	var p cronJobParams
	if err := decodeParams(req, &p); err != nil {
		return nil, err
	}
	if p.JobID == "" {
		return nil, protocol.NewInvalidInput("jobId", "jobId required")
	}
	return map[string]any{"runs": r.deps().CronStore.Runs(p.JobID, p.Limit)}, nil
}

// --- skills ---

func (r *methodRouter) handleSkillsList(ctx context.Context, c *Client, req protocol.Request) (any, *protocol.RPCError) {
	dir := r.deps().SkillsDir
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]any{"skills": []any{}}, nil
		}
		return nil, protocol.NewError(protocol.ErrInternal, err.Error())
	}
	skills := make([]map[string]any, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		name := strings.TrimSuffix(e.Name(), filepath.Ext(e.Name()))
		skills = append(skills, map[string]any{"name": name, "file": e.Name()})
	}
	return map[string]any{"skills": skills}, nil
}

// --- web login ---

// handleWebLoginStart issues a pairing code for a webchat client; the
// owner approves it out-of-band (pairing.approve) and web.login.wait
// unblocks.
func (r *methodRouter) handleWebLoginStart(ctx context.Context, c *Client, req protocol.Request) (any, *protocol.RPCError) {
	pr, err := r.deps().Pairing.Request("web", c.hello.InstanceID+"|"+c.id)
	if err != nil {
		return nil, protocol.NewError(protocol.ErrRateLimit, err.Error())
	}
	return map[string]any{"code": pr.Code, "expiresAt": pr.ExpiresAt}, nil
}

type webLoginWaitParams struct {
	Code string `json:"code"`
}

func (r *methodRouter) handleWebLoginWait(ctx context.Context, c *Client, req protocol.Request) (any, *protocol.RPCError) {
	var p webLoginWaitParams
	if err := decodeParams(req, &p); err != nil {
		return nil, err
	}
	if p.Code == "" {
		return nil, protocol.NewInvalidInput("code", "code required")
	}

	tick := time.NewTicker(time.Second)
	defer tick.Stop()
	for {
		pr, ok := r.deps().Pairing.Get(p.Code)
		if !ok {
			return nil, protocol.NewError(protocol.ErrInvalidInput, "unknown code")
		}
		if pr.Approved {
			return map[string]any{"approved": true}, nil
		}
		if time.Now().After(pr.ExpiresAt) {
			return map[string]any{"approved": false, "expired": true}, nil
		}
		select {
		case <-ctx.Done():
			return nil, protocol.NewError(protocol.ErrAborted, "rpc cancelled")
		case <-tick.C:
		}
	}
}

// --- pairing ---

type pairingListParams struct {
	Channel string `json:"channel,omitempty"`
}

func (r *methodRouter) handlePairingList(ctx context.Context, c *Client, req protocol.Request) (any, *protocol.RPCError) {
	var p pairingListParams
	if err := decodeParams(req, &p); err != nil {
		return nil, err
	}
	channels := []string{p.Channel}
	if p.Channel == "" {
		channels = []string{"telegram", "discord", "slack", "whatsapp", "signal", "imessage", "web", "node"}
	}
	out := make([]store.PairingRequest, 0)
	for _, ch := range channels {
		out = append(out, r.deps().Pairing.List(ch)...)
	}
	return map[string]any{"requests": out}, nil
}

type pairingApproveParams struct {
	Code string `json:"code"`
}

func (r *methodRouter) handlePairingApprove(ctx context.Context, c *Client, req protocol.Request) (any, *protocol.RPCError) {
	var p pairingApproveParams
	if err := decodeParams(req, &p); err != nil {
		return nil, err
	}
	if p.Code == "" {
		return nil, protocol.NewInvalidInput("code", "code required")
	}
	pr, err := r.deps().Pairing.Approve(p.Code)
	if err != nil {
		return nil, protocol.NewError(protocol.ErrInvalidInput, err.Error())
	}
	r.server.publish(protocol.EventPairing, map[string]any{"state": "approved", "channel": pr.Channel, "peer": pr.Peer})
	return pr, nil
}

// --- heartbeat ---

func (r *methodRouter) handleHeartbeatNow(ctx context.Context, c *Client, req protocol.Request) (any, *protocol.RPCError) {
	if r.deps().Heartbeat == nil {
		return nil, protocol.NewError(protocol.ErrInternal, "heartbeat scheduler not running")
	}
	return r.deps().Heartbeat.RunOnce(ctx, "rpc"), nil
}
