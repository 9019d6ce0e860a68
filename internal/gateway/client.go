package gateway

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/nextlevelbuilder/goclaw-gateway/pkg/protocol"
)

const (
	helloTimeout   = 10 * time.Second
	writeTimeout   = 10 * time.Second
	pongTimeout    = 90 * time.Second
	pingInterval   = 30 * time.Second
	maxFrameBytes  = 1 << 20

	// sendQueueSize bounds the per-connection event queue. A slow client
	// that overflows it loses the oldest frames and gets a gap event.
	sendQueueSize = 128
)

// Client is one WebSocket connection after a successful handshake.
type Client struct {
	id          string
	conn        *websocket.Conn
	server      *Server
	req         *http.Request
	hello       protocol.Hello
	connectedAt time.Time

	limiter *rate.Limiter

	// sendCh carries event frames and RPC responses to the write pump.
	sendCh  chan any
	closeCh chan struct{}

	// gapPending is set when enqueue dropped frames; the write pump emits
	// a gap event before the next frame. Guarded by gapMu.
	gapMu      sync.Mutex
	gapPending *protocol.GapPayload
}

func newClient(conn *websocket.Conn, server *Server, req *http.Request) *Client {
	var limiter *rate.Limiter
	if rpm := server.cfg.Gateway.RateLimitRPM; rpm > 0 {
		limiter = rate.NewLimiter(rate.Limit(float64(rpm)/60.0), 5)
	}
	return &Client{
		id:      uuid.NewString()[:8],
		conn:    conn,
		server:  server,
		req:     req,
		limiter: limiter,
		sendCh:  make(chan any, sendQueueSize),
		closeCh: make(chan struct{}),
	}
}

// handshake reads and answers the hello frame: protocol negotiation, auth,
// and resume replay. Returns false when the connection must close.
func (c *Client) handshake() bool {
	c.conn.SetReadLimit(maxFrameBytes)
	c.conn.SetReadDeadline(time.Now().Add(helloTimeout))

	_, data, err := c.conn.ReadMessage()
	if err != nil {
		return false
	}
	var hello protocol.Hello
	if err := json.Unmarshal(data, &hello); err != nil || hello.Type != "hello" {
		c.closeWith("protocol-error", "first frame must be hello")
		return false
	}
	c.hello = hello
	c.connectedAt = time.Now()

	// Version negotiation: intersect [client min, client max] with what
	// this server speaks.
	if hello.MaxProtocol == 0 {
		hello.MaxProtocol = hello.MinProtocol
	}
	if hello.MinProtocol > protocol.ProtocolVersion || hello.MaxProtocol < protocol.MinSupportedProtocol {
		c.closeWith("protocol-error", "no common protocol version")
		return false
	}
	negotiated := protocol.ProtocolVersion
	if hello.MaxProtocol < negotiated {
		negotiated = hello.MaxProtocol
	}

	if authErr := c.server.authenticate(c.req, &hello); authErr != nil {
		slog.Warn("gateway: auth rejected", "client", hello.ClientName, "remote", c.req.RemoteAddr)
		c.writeJSON(protocol.Response{ID: "hello", Error: authErr})
		c.closeWith("unauthorized", authErr.Message)
		return false
	}

	ok := protocol.HelloOk{
		Type:     "helloOk",
		Protocol: negotiated,
		Snapshot: protocol.HelloSnapshot{
			Presence: c.server.presenceSnapshot(),
			Health:   c.server.healthPayload(),
		},
	}
	if !c.writeJSON(ok) {
		return false
	}

	// Resume: replay buffered frames after lastSeq, or report the gap.
	if hello.LastSeq > 0 {
		frames, gap := c.server.log.since(hello.LastSeq)
		if gap != nil {
			c.writeJSON(protocol.EventFrame{
				Seq: gap.Received - 1, Event: protocol.EventGap,
				Payload: gap, TS: time.Now().UnixMilli(),
			})
		}
		for _, f := range frames {
			if !c.writeJSON(f) {
				return false
			}
		}
	}
	return true
}

// run drives the read and write pumps until the connection drops.
func (c *Client) run() {
	go c.writePump()

	c.conn.SetReadDeadline(time.Now().Add(pongTimeout))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongTimeout))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(pongTimeout))

		var req protocol.Request
		if err := json.Unmarshal(data, &req); err != nil || req.ID == "" || req.Method == "" {
			c.respond(protocol.Response{
				ID:    req.ID,
				Error: protocol.NewError(protocol.ErrProtocol, "malformed request frame"),
			})
			continue
		}

		if c.limiter != nil && !c.limiter.Allow() {
			c.respond(protocol.Response{
				ID:    req.ID,
				Error: protocol.NewError(protocol.ErrRateLimit, "rate limit exceeded"),
			})
			continue
		}

		// Dispatch concurrently so a slow RPC doesn't head-of-line block
		// the connection; the router enforces per-method timeouts.
		go func(req protocol.Request) {
			resp := c.server.router.dispatch(c, req)
			c.respond(resp)
		}(req)
	}
}

// enqueue queues an event frame for delivery, dropping the oldest frame
// (and recording the resulting gap) when the client is too slow.
func (c *Client) enqueue(frame *protocol.EventFrame) {
	select {
	case c.sendCh <- frame:
		return
	default:
	}

	// Queue full: drop the oldest queued event to make room and remember
	// the hole so the write pump can report it.
	c.gapMu.Lock()
	select {
	case dropped := <-c.sendCh:
		if f, ok := dropped.(*protocol.EventFrame); ok {
			if c.gapPending == nil {
				c.gapPending = &protocol.GapPayload{Expected: f.Seq}
			}
			// Delivery resumes at the frame after the last one dropped.
			c.gapPending.Received = f.Seq + 1
		}
	default:
	}
	c.gapMu.Unlock()

	select {
	case c.sendCh <- frame:
	default:
	}
}

func (c *Client) respond(resp protocol.Response) {
	select {
	case c.sendCh <- resp:
	case <-c.closeCh:
	}
}

func (c *Client) writePump() {
	ping := time.NewTicker(pingInterval)
	defer ping.Stop()

	for {
		select {
		case <-c.closeCh:
			return
		case <-ping.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case item := <-c.sendCh:
			if frame, ok := item.(*protocol.EventFrame); ok {
				c.gapMu.Lock()
				gap := c.gapPending
				if gap != nil && frame.Seq > gap.Expected {
					c.gapPending = nil
				} else {
					gap = nil
				}
				c.gapMu.Unlock()
				if gap != nil {
					c.writeJSON(protocol.EventFrame{
						Seq: gap.Expected, Event: protocol.EventGap,
						Payload: gap, TS: time.Now().UnixMilli(),
					})
				}
			}
			if !c.writeJSON(item) {
				return
			}
		}
	}
}

func (c *Client) writeJSON(v any) bool {
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := c.conn.WriteJSON(v); err != nil {
		return false
	}
	return true
}

func (c *Client) closeWith(reason, detail string) {
	msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason+": "+detail)
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	c.conn.WriteMessage(websocket.CloseMessage, msg)
}

// Close tears the connection down. Idempotent.
func (c *Client) Close() {
	select {
	case <-c.closeCh:
	default:
		close(c.closeCh)
	}
	c.conn.Close()
}
