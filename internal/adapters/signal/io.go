package signal

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dkeye/voicegate/internal/core"
	"github.com/dkeye/voicegate/internal/domain"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// writePump owns every write to the socket. It exits once Close has been
// called and the queue is drained, or on the first write error.
func (ctl *SignalWSController) writePump(c *WsSignalConn) {
	ticker := time.NewTicker(ctl.opts.PingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			if !ok {
				code, reason := c.closeStatus()
				deadline := time.Now().Add(ctl.opts.WriteTimeout)
				_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(ctl.opts.WriteTimeout)); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump set deadline")
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Debug().Err(err).Str("module", "signal").Msg("writePump write error")
				return
			}
		case <-ticker.C:
			deadline := time.Now().Add(ctl.opts.WriteTimeout)
			if err := c.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				log.Debug().Err(err).Str("module", "signal").Msg("writePump ping failed")
				return
			}
		}
	}
}

// readPump decodes frames until the socket fails, then unregisters the
// connection before returning.
func (ctl *SignalWSController) readPump(ctx context.Context, id domain.ConnectionID, c *WsSignalConn) {
	defer func() {
		log.Info().Str("module", "signal").Str("conn", string(id)).Msg("readPump closing")
		ctl.Orch.Disconnect(id)
		c.Close(websocket.CloseNormalClosure, "")
	}()

	pongWait := ctl.opts.pongWait()
	c.conn.SetReadLimit(ctl.opts.ReadLimit)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				log.Warn().Err(err).Str("module", "signal").Str("conn", string(id)).Msg("readPump read error")
			}
			return
		}
		ctl.handleFrame(ctx, id, data)
	}
}

func (ctl *SignalWSController) handleFrame(ctx context.Context, id domain.ConnectionID, data []byte) {
	ev, err := decodeFrame(data)
	if err != nil {
		ctl.Orch.ReportBadFrame(id, err)
		return
	}
	ctl.Orch.HandleEvent(ctx, id, ev)
}

// decodeFrame reads the type tag and hands the whole object to the shared
// decoder; the tag itself is ignored there.
func decodeFrame(data []byte) (core.Inbound, error) {
	var env struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrBadPayload, err)
	}
	if env.Type == "" {
		return nil, fmt.Errorf("%w: missing type", core.ErrBadPayload)
	}
	return core.DecodeInbound(env.Type, data)
}
