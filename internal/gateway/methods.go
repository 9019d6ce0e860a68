package gateway

import (
	"context"
	"encoding/json"
	"time"

	"github.com/nextlevelbuilder/goclaw-gateway/internal/heartbeat"
	"github.com/nextlevelbuilder/goclaw-gateway/internal/providers"
	"github.com/nextlevelbuilder/goclaw-gateway/internal/scheduler"
	"github.com/nextlevelbuilder/goclaw-gateway/internal/store"
	"github.com/nextlevelbuilder/goclaw-gateway/pkg/protocol"
)

// ChannelManager is the slice of the channel manager the gateway needs;
// keeping it an interface here stops the protocol server from depending on
// adapter internals.
type ChannelManager interface {
	GetStatus() map[string]any
	Logout(ctx context.Context, channel string) error
}

// CronRunner triggers cron jobs on demand.
type CronRunner interface {
	RunNow(ctx context.Context, jobID string) (*store.CronRun, error)
}

// Deps bundles the collaborators RPC handlers touch.
type Deps struct {
	Sessions   store.SessionStore
	Sched      *scheduler.Scheduler
	Channels   ChannelManager
	Pairing    store.PairingStore
	CronStore  store.CronStore
	Cron       CronRunner
	Providers  *providers.Registry
	Heartbeat  *heartbeat.Scheduler
	ConfigPath string
	SkillsDir  string
	MainKey    string
}

// handlerFunc executes one RPC. ctx carries the per-method deadline.
type handlerFunc func(ctx context.Context, c *Client, req protocol.Request) (any, *protocol.RPCError)

type methodRouter struct {
	server   *Server
	handlers map[string]handlerFunc
	timeouts map[string]time.Duration
}

func newMethodRouter(s *Server) *methodRouter {
	r := &methodRouter{
		server:   s,
		handlers: make(map[string]handlerFunc),
		timeouts: map[string]time.Duration{
			// Long-poll and run-blocking methods get generous deadlines.
			protocol.MethodWebLoginWait: 2 * time.Minute,
			protocol.MethodChatSend:     5 * time.Minute,
			protocol.MethodCronRun:      5 * time.Minute,
		},
	}
	r.registerAll()
	return r
}

func (r *methodRouter) register(method string, h handlerFunc) {
	r.handlers[method] = h
}

// dispatch runs the handler for req under its timeout. Client disconnect
// cancels only RPCs that client was awaiting; detached runs keep going
// because the scheduler derives run contexts independently.
func (r *methodRouter) dispatch(c *Client, req protocol.Request) protocol.Response {
	h, ok := r.handlers[req.Method]
	if !ok {
		return protocol.Response{ID: req.ID, Error: protocol.NewError(protocol.ErrInvalidInput, "unknown method "+req.Method)}
	}

	timeout := protocol.DefaultRPCTimeoutSeconds * time.Second
	if t, ok := r.timeouts[req.Method]; ok {
		timeout = t
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	// Tie the RPC (not the run) to the connection lifetime.
	go func() {
		select {
		case <-c.closeCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	result, rpcErr := h(ctx, c, req)
	if rpcErr != nil {
		return protocol.Response{ID: req.ID, Error: rpcErr}
	}
	return protocol.Response{ID: req.ID, Result: result}
}

// decodeParams unmarshals req.Params into dst, mapping failures onto the
// invalid-input error kind.
func decodeParams(req protocol.Request, dst any) *protocol.RPCError {
	if len(req.Params) == 0 {
		return nil
	}
	if err := json.Unmarshal(req.Params, dst); err != nil {
		return protocol.NewInvalidInput("params", err.Error())
	}
	return nil
}
