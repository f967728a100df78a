// Package signal is the raw socket transport: one JSON object per text
// frame, {"type": kind, ...fields}, in both directions.
package signal

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/dkeye/voicegate/internal/app"
	"github.com/dkeye/voicegate/internal/app/orch"
	"github.com/dkeye/voicegate/internal/core"
	"github.com/dkeye/voicegate/internal/domain"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

type Options struct {
	ReadLimit    int64
	PingPeriod   time.Duration
	WriteTimeout time.Duration
	SendBuffer   int
}

func (o Options) withDefaults() Options {
	if o.ReadLimit <= 0 {
		o.ReadLimit = 1 << 20
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

func (o Options) pongWait() time.Duration { return o.PingPeriod * 10 / 9 }

type SignalWSController struct {
	Orch *orch.Orchestrator
	Auth *app.AuthGate

	opts     Options
	upgrader websocket.Upgrader
}

func NewSignalWSController(o *orch.Orchestrator, gate *app.AuthGate, opts Options) *SignalWSController {
	return &SignalWSController{
		Orch: o,
		Auth: gate,
		opts: opts.withDefaults(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// WsSignalConn queues encoded frames for the write pump. Close drains what
// is already queued and then sends a close frame with the given code.
type WsSignalConn struct {
	conn *websocket.Conn
	send chan []byte

	mu     sync.RWMutex
	closed bool
	code   int
	reason string
}

func newWsSignalConn(ws *websocket.Conn, buffer int) *WsSignalConn {
	return &WsSignalConn{conn: ws, send: make(chan []byte, buffer)}
}

func (c *WsSignalConn) Transport() domain.TransportKind { return domain.TransportSocket }

func (c *WsSignalConn) TrySend(ev core.Outbound) error {
	data, err := core.EncodeTyped(ev)
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

func (c *WsSignalConn) Close(code int, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.code, c.reason = code, reason
	close(c.send)
}

func (c *WsSignalConn) closeStatus() (int, string) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.code, c.reason
}

// HandleSignal authenticates, upgrades and then serves the connection until
// either side hangs up. ctx is the server's lifetime.
func (ctl *SignalWSController) HandleSignal(ctx context.Context, c *gin.Context) {
	cr := app.CredentialsFromRequest(c.Request)
	cr.Claim = c.GetString(app.ClaimContextKey)
	user, authErr := ctl.Auth.Authenticate(c.Request.Context(), cr)

	ws, err := ctl.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("ws upgrade")
		return
	}
	if authErr != nil {
		log.Warn().Err(authErr).Str("module", "signal").Str("remote", c.ClientIP()).Msg("rejecting connection")
		ctl.refuse(ws, core.CloseUnauthenticated, "unauthenticated")
		return
	}

	conn := newWsSignalConn(ws, ctl.opts.SendBuffer)
	go ctl.writePump(conn)

	id, err := ctl.Orch.Connect(conn, user, domain.ConnMeta{
		RemoteAddr: c.ClientIP(),
		UserAgent:  c.Request.UserAgent(),
	})
	if err != nil {
		conn.Close(websocket.CloseTryAgainLater, "server full")
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(ctx, func() { conn.Close(websocket.CloseGoingAway, "server shutdown") })
	defer stop()

	ctl.readPump(ctx, id, conn)
}

func (ctl *SignalWSController) refuse(ws *websocket.Conn, code int, reason string) {
	deadline := time.Now().Add(ctl.opts.WriteTimeout)
	_ = ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
	_ = ws.Close()
}
