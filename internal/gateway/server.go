// Package gateway serves the versioned WebSocket protocol: hello handshake
// with protocol negotiation and auth, namespaced RPC dispatch with
// server-enforced timeouts, and event fan-out with per-connection monotonic
// sequence numbers and gap-reported resume.
package gateway

import (
	"context"
	"crypto/subtle"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/goclaw-gateway/internal/bus"
	"github.com/nextlevelbuilder/goclaw-gateway/internal/config"
	"github.com/nextlevelbuilder/goclaw-gateway/pkg/protocol"
)

// Auth modes.
const (
	AuthNone      = "none"
	AuthToken     = "token"
	AuthPassword  = "password"
	AuthTailscale = "tailscale"
)

// tailscaleUserHeader is set by a `tailscale serve` proxy in front of the
// gateway; its presence plus the configured auth mode grants access.
const tailscaleUserHeader = "Tailscale-User-Login"

// Server is the gateway WebSocket/HTTP server.
type Server struct {
	cfg      *config.Config
	eventPub bus.EventPublisher
	deps     *Deps
	router   *methodRouter

	upgrader websocket.Upgrader
	log      *eventLog
	startAt  time.Time

	mu      sync.RWMutex
	clients map[string]*Client

	httpServer *http.Server
	mux        *http.ServeMux
}

// NewServer creates a gateway server around its collaborator set.
func NewServer(cfg *config.Config, eventPub bus.EventPublisher, deps *Deps) *Server {
	s := &Server{
		cfg:      cfg,
		eventPub: eventPub,
		deps:     deps,
		log:      newEventLog(eventLogCapacity),
		startAt:  time.Now(),
		clients:  make(map[string]*Client),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	s.router = newMethodRouter(s)
	return s
}

func (s *Server) checkOrigin(r *http.Request) bool {
	allowed := s.cfg.Gateway.AllowedOrigins
	if len(allowed) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true // non-browser clients (CLI, SDK, channels)
	}
	for _, a := range allowed {
		if origin == a || a == "*" {
			return true
		}
	}
	slog.Warn("gateway: origin rejected", "origin", origin)
	return false
}

// BuildMux creates and caches the HTTP mux. Exposed so an additional
// listener (e.g. tsnet) can serve the same routes.
func (s *Server) BuildMux() *http.ServeMux {
	if s.mux != nil {
		return s.mux
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)
	s.mux = mux
	return mux
}

// Start listens until ctx is cancelled. It subscribes the server to the
// bus so broadcast events reach every connected client with sequence
// numbers assigned from the shared event log.
func (s *Server) Start(ctx context.Context) error {
	if err := s.validateAuthConfig(); err != nil {
		return err
	}

	s.eventPub.Subscribe("gateway", func(event bus.Event) {
		if strings.HasPrefix(event.Name, "cache.") {
			return // internal, never forwarded to clients
		}
		s.publish(event.Name, event.Payload)
	})
	defer s.eventPub.Unsubscribe("gateway")

	mux := s.BuildMux()
	addr := fmt.Sprintf("%s:%d", s.cfg.Gateway.Host, s.cfg.Gateway.Port)
	s.httpServer = &http.Server{Addr: addr, Handler: mux}

	slog.Info("gateway starting", "addr", addr, "auth", s.authMode(), "protocol", protocol.ProtocolVersion)

	// Periodic health snapshots keep clients' channel status fresh without
	// polling RPCs.
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.publish(protocol.EventHealth, s.healthPayload())
			}
		}
	}()

	go func() {
		<-ctx.Done()
		s.broadcastShutdown()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	if err := s.httpServer.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("gateway server: %w", err)
	}
	return nil
}

// Serve runs the gateway on a caller-provided listener (tsnet, tests).
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	mux := s.BuildMux()
	srv := &http.Server{Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()
	if err := srv.Serve(ln); err != http.ErrServerClosed {
		return err
	}
	return nil
}

// validateAuthConfig rejects configurations that would expose an
// unauthenticated gateway beyond loopback.
func (s *Server) validateAuthConfig() error {
	mode := s.authMode()
	if mode == AuthToken && s.cfg.Gateway.Token == "" && !isLoopbackHost(s.cfg.Gateway.Host) {
		return fmt.Errorf("gateway: auth mode token with no token configured requires a loopback bind, got %q", s.cfg.Gateway.Host)
	}
	if mode == AuthPassword && s.cfg.Gateway.Password == "" {
		return fmt.Errorf("gateway: auth mode password requires GOCLAW_GATEWAY_PASSWORD")
	}
	return nil
}

// authMode resolves the effective auth mode: explicit config wins, else
// token when one is configured, else none.
func (s *Server) authMode() string {
	if m := s.cfg.Gateway.AuthMode; m != "" {
		return m
	}
	if s.cfg.Gateway.Token != "" {
		return AuthToken
	}
	return AuthNone
}

// authenticate checks hello credentials against the configured auth mode.
func (s *Server) authenticate(r *http.Request, hello *protocol.Hello) *protocol.RPCError {
	switch s.authMode() {
	case AuthNone:
		// No credentials are checked: loopback and remote callers alike are
		// admitted. Mode none is also the default when no token is set.
		return nil
	case AuthToken:
		token := s.cfg.Gateway.Token
		if token == "" {
			if isLoopbackAddr(r.RemoteAddr) {
				return nil
			}
			return protocol.NewError(protocol.ErrAuth, "no token configured; non-loopback access denied")
		}
		if hello.Auth == nil || subtle.ConstantTimeCompare([]byte(hello.Auth.Token), []byte(token)) != 1 {
			return protocol.NewError(protocol.ErrAuth, "invalid token")
		}
		return nil
	case AuthPassword:
		pw := s.cfg.Gateway.Password
		if hello.Auth == nil || pw == "" || subtle.ConstantTimeCompare([]byte(hello.Auth.Password), []byte(pw)) != 1 {
			return protocol.NewError(protocol.ErrAuth, "invalid password")
		}
		return nil
	case AuthTailscale:
		if isLoopbackAddr(r.RemoteAddr) {
			return nil
		}
		if r.Header.Get(tailscaleUserHeader) == "" {
			return protocol.NewError(protocol.ErrAuth, "no tailscale identity on request")
		}
		return nil
	default:
		return protocol.NewError(protocol.ErrAuth, "unknown auth mode "+s.authMode())
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("gateway: websocket upgrade failed", "error", err)
		return
	}

	client := newClient(conn, s, r)
	defer client.Close()

	if !client.handshake() {
		return
	}

	s.register(client)
	defer s.unregister(client)

	client.run()
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"status":"ok","protocol":%d}`, protocol.ProtocolVersion)
}

// publish appends an event to the shared log and fans it out. Both happen
// under the write lock, so every client queue receives frames in Seq order.
func (s *Server) publish(name string, payload any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	frame := s.log.append(name, payload)
	for _, c := range s.clients {
		c.enqueue(frame)
	}
}

func (s *Server) register(c *Client) {
	s.mu.Lock()
	s.clients[c.id] = c
	s.mu.Unlock()
	slog.Info("gateway: client connected", "id", c.id, "name", c.hello.ClientName, "mode", c.hello.Mode)
	s.publish(protocol.EventPresence, s.presenceSnapshot())
}

func (s *Server) unregister(c *Client) {
	s.mu.Lock()
	delete(s.clients, c.id)
	s.mu.Unlock()
	slog.Info("gateway: client disconnected", "id", c.id)
	s.publish(protocol.EventPresence, s.presenceSnapshot())
}

func (s *Server) presenceSnapshot() []protocol.PresenceEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]protocol.PresenceEntry, 0, len(s.clients))
	for _, c := range s.clients {
		out = append(out, protocol.PresenceEntry{
			ClientName: c.hello.ClientName,
			Mode:       c.hello.Mode,
			InstanceID: c.hello.InstanceID,
			Since:      c.connectedAt,
		})
	}
	return out
}

func (s *Server) healthPayload() protocol.HealthPayload {
	payload := protocol.HealthPayload{
		Status:   "ok",
		Protocol: protocol.ProtocolVersion,
		Uptime:   time.Since(s.startAt).Round(time.Second).String(),
	}
	if s.deps != nil && s.deps.Channels != nil {
		payload.Channels = s.deps.Channels.GetStatus()
	}
	return payload
}

func (s *Server) broadcastShutdown() {
	s.mu.RLock()
	defer s.mu.RUnlock()
	frame := s.log.append(protocol.EventShutdown, nil)
	for _, c := range s.clients {
		c.enqueue(frame)
	}
}

func isLoopbackHost(host string) bool {
	return host == "127.0.0.1" || host == "::1" || host == "localhost"
}

func isLoopbackAddr(remoteAddr string) bool {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// eventLogCapacity bounds the resume buffer; reconnects older than this
// many events get a gap instead of replay.
const eventLogCapacity = 512

// eventLog is the shared, seq-stamped ring buffer of broadcast events.
// Sequence numbers are global stream positions, so a client resuming with
// lastSeq either replays the missed suffix or learns the exact gap.
type eventLog struct {
	mu       sync.Mutex
	buf      []*protocol.EventFrame
	capacity int
	seq      uint64
	oldest   uint64
}

func newEventLog(capacity int) *eventLog {
	return &eventLog{buf: make([]*protocol.EventFrame, 0, capacity), capacity: capacity}
}

func (l *eventLog) append(name string, payload any) *protocol.EventFrame {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.seq++
	frame := &protocol.EventFrame{Seq: l.seq, Event: name, Payload: payload, TS: time.Now().UnixMilli()}
	l.buf = append(l.buf, frame)
	if len(l.buf) > l.capacity {
		// Shift in place so the backing array doesn't grow unbounded.
		copy(l.buf, l.buf[1:])
		l.buf = l.buf[:l.capacity]
	}
	l.oldest = l.buf[0].Seq
	return frame
}

// since returns buffered frames after lastSeq plus a gap frame when the
// suffix is no longer buffered.
func (l *eventLog) since(lastSeq uint64) (frames []*protocol.EventFrame, gap *protocol.GapPayload) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.seq == 0 || lastSeq >= l.seq {
		return nil, nil
	}
	if len(l.buf) == 0 || lastSeq+1 < l.oldest {
		received := l.oldest
		if len(l.buf) == 0 {
			received = l.seq + 1
		}
		gap = &protocol.GapPayload{Expected: lastSeq + 1, Received: received}
	}
	for _, f := range l.buf {
		if f.Seq > lastSeq {
			frames = append(frames, f)
		}
	}
	return frames, gap
}
