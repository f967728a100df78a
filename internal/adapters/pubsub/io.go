package pubsub

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/coder/websocket"
	"github.com/dkeye/voicegate/internal/core"
	"github.com/dkeye/voicegate/internal/domain"
	"github.com/rs/zerolog/log"
)

// writePump drains the queue in order. Once the queue is closed it runs the
// close handshake with the code given to Close.
func (s *Server) writePump(c *socketConn) {
	for data := range c.send {
		ctx, cancel := context.WithTimeout(context.Background(), s.opts.WriteTimeout)
		err := c.ws.Write(ctx, websocket.MessageText, data)
		cancel()
		if err != nil {
			log.Debug().Err(err).Str("module", "pubsub").Msg("writePump write error")
			_ = c.ws.CloseNow()
			return
		}
	}
	code, reason := c.closeStatus()
	_ = c.ws.Close(code, reason)
}

func (s *Server) keepalive(ctx context.Context, c *socketConn) {
	ticker := time.NewTicker(s.opts.PingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pctx, cancel := context.WithTimeout(ctx, s.opts.PingPeriod*10/9)
			err := c.ws.Ping(pctx)
			cancel()
			if err != nil {
				if ctx.Err() == nil {
					log.Info().Err(err).Str("module", "pubsub").Msg("peer missed a pong")
					_ = c.ws.CloseNow()
				}
				return
			}
		}
	}
}

// readPump feeds frames to the orchestrator until the socket fails, then
// unregisters the connection. Reads outlive ctx so a shutdown ends in the
// close handshake started by Close rather than a torn-down socket.
func (s *Server) readPump(ctx context.Context, id domain.ConnectionID, c *socketConn) {
	readCtx := context.WithoutCancel(ctx)
	defer func() {
		log.Info().Str("module", "pubsub").Str("conn", string(id)).Msg("readPump closing")
		s.Orch.Disconnect(id)
		c.Close(int(websocket.StatusNormalClosure), "")
	}()

	for {
		typ, data, err := c.ws.Read(readCtx)
		if err != nil {
			if websocket.CloseStatus(err) == -1 && !errors.Is(err, context.Canceled) {
				log.Debug().Err(err).Str("module", "pubsub").Str("conn", string(id)).Msg("readPump read error")
			}
			return
		}
		if typ != websocket.MessageText {
			s.Orch.ReportBadFrame(id, fmt.Errorf("%w: binary frame", core.ErrBadPayload))
			continue
		}
		s.handleFrame(ctx, id, data)
	}
}

func (s *Server) handleFrame(ctx context.Context, id domain.ConnectionID, data []byte) {
	kind, payload, err := decodeFrame(data)
	if err != nil {
		s.Orch.ReportBadFrame(id, err)
		return
	}
	if kind == authEvent {
		// Already authenticated; a repeated auth frame changes nothing.
		return
	}
	ev, err := core.DecodeInbound(kind, payload)
	if err != nil {
		s.Orch.ReportBadFrame(id, err)
		return
	}
	s.Orch.HandleEvent(ctx, id, ev)
}
