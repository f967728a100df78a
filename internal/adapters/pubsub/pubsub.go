// Package pubsub is the event transport: every frame is a two element JSON
// array, ["event", {payload}]. A client that did not present credentials
// on the HTTP request must open with ["auth", {"token": "..."}].
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/dkeye/voicegate/internal/app"
	"github.com/dkeye/voicegate/internal/app/orch"
	"github.com/dkeye/voicegate/internal/core"
	"github.com/dkeye/voicegate/internal/domain"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

const authEvent = "auth"

type Options struct {
	ReadLimit        int64
	HandshakeTimeout time.Duration
	PingPeriod       time.Duration
	WriteTimeout     time.Duration
	SendBuffer       int
}

func (o Options) withDefaults() Options {
	if o.ReadLimit <= 0 {
		o.ReadLimit = 1 << 20
	}
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = 10 * time.Second
	}
	if o.PingPeriod <= 0 {
		o.PingPeriod = 54 * time.Second
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 5 * time.Second
	}
	if o.SendBuffer <= 0 {
		o.SendBuffer = 32
	}
	return o
}

type Server struct {
	Orch *orch.Orchestrator
	Auth *app.AuthGate

	opts Options
}

func NewServer(o *orch.Orchestrator, gate *app.AuthGate, opts Options) *Server {
	return &Server{Orch: o, Auth: gate, opts: opts.withDefaults()}
}

type socketConn struct {
	ws   *websocket.Conn
	send chan []byte

	mu     sync.RWMutex
	closed bool
	code   websocket.StatusCode
	reason string
}

func (c *socketConn) Transport() domain.TransportKind { return domain.TransportPubSub }

func (c *socketConn) TrySend(ev core.Outbound) error {
	data, err := core.EncodeEvent(ev)
	if err != nil {
		return err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return core.ErrConnClosed
	}
	select {
	case c.send <- data:
		return nil
	default:
		return core.ErrBackpressure
	}
}

func (c *socketConn) Close(code int, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.code, c.reason = websocket.StatusCode(code), reason
	close(c.send)
}

func (c *socketConn) closeStatus() (websocket.StatusCode, string) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.code, c.reason
}

// HandleSocket accepts the socket, runs the auth handshake and serves the
// connection until it goes away. ctx is the server's lifetime.
func (s *Server) HandleSocket(ctx context.Context, c *gin.Context) {
	ws, err := websocket.Accept(c.Writer, c.Request, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		log.Error().Err(err).Str("module", "pubsub").Msg("accept")
		return
	}
	ws.SetReadLimit(s.opts.ReadLimit)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	user, err := s.handshake(ctx, c, ws)
	if err != nil {
		log.Warn().Err(err).Str("module", "pubsub").Str("remote", c.ClientIP()).Msg("rejecting connection")
		_ = ws.Close(websocket.StatusCode(core.CloseUnauthenticated), "unauthenticated")
		return
	}

	conn := &socketConn{ws: ws, send: make(chan []byte, s.opts.SendBuffer)}
	go s.writePump(conn)

	id, err := s.Orch.Connect(conn, user, domain.ConnMeta{
		RemoteAddr: c.ClientIP(),
		UserAgent:  c.Request.UserAgent(),
	})
	if err != nil {
		conn.Close(int(websocket.StatusTryAgainLater), "server full")
		return
	}

	stop := context.AfterFunc(ctx, func() { conn.Close(int(websocket.StatusGoingAway), "server shutdown") })
	defer stop()

	go s.keepalive(ctx, conn)
	s.readPump(ctx, id, conn)
}

func (s *Server) handshake(ctx context.Context, c *gin.Context, ws *websocket.Conn) (domain.UserID, error) {
	cr := app.CredentialsFromRequest(c.Request)
	cr.Claim = c.GetString(app.ClaimContextKey)
	if cr.Empty() {
		token, err := s.readAuthFrame(ctx, ws)
		if err != nil {
			return "", fmt.Errorf("%w: %v", core.ErrUnauthenticated, err)
		}
		cr.Token = token
	}
	return s.Auth.Authenticate(ctx, cr)
}

func (s *Server) readAuthFrame(ctx context.Context, ws *websocket.Conn) (string, error) {
	hctx, cancel := context.WithTimeout(ctx, s.opts.HandshakeTimeout)
	defer cancel()

	_, data, err := ws.Read(hctx)
	if err != nil {
		return "", fmt.Errorf("handshake: %w", err)
	}
	kind, payload, err := decodeFrame(data)
	if err != nil {
		return "", err
	}
	if kind != authEvent {
		return "", fmt.Errorf("handshake: expected %s, got %q", authEvent, kind)
	}
	var p struct {
		Token string `json:"token"`
	}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &p); err != nil {
			return "", fmt.Errorf("%w: auth: %v", core.ErrBadPayload, err)
		}
	}
	if p.Token == "" {
		return "", fmt.Errorf("handshake: empty token")
	}
	return p.Token, nil
}

// decodeFrame splits ["event", payload]; the payload is optional.
func decodeFrame(data []byte) (string, json.RawMessage, error) {
	var parts []json.RawMessage
	if err := json.Unmarshal(data, &parts); err != nil {
		return "", nil, fmt.Errorf("%w: %v", core.ErrBadPayload, err)
	}
	if len(parts) == 0 || len(parts) > 2 {
		return "", nil, fmt.Errorf("%w: want [event, payload], got %d elements", core.ErrBadPayload, len(parts))
	}
	var kind string
	if err := json.Unmarshal(parts[0], &kind); err != nil || kind == "" {
		return "", nil, fmt.Errorf("%w: event name must be a non-empty string", core.ErrBadPayload)
	}
	if len(parts) == 1 {
		return kind, nil, nil
	}
	return kind, parts[1], nil
}
