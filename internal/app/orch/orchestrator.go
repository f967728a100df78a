package orch

import (
	"context"
	"errors"
	"time"

	"github.com/dkeye/voicegate/internal/app"
	"github.com/dkeye/voicegate/internal/core"
	"github.com/dkeye/voicegate/internal/domain"
	"github.com/dkeye/voicegate/internal/metrics"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc"
)

// Orchestrator routes decoded client events to their handlers. Both
// transports feed it through HandleEvent.
type Orchestrator struct {
	Registry *app.Registry
	Fanout   *app.Fanout
	Streams  *app.Assembler

	AI       core.CommandProcessor
	Voice    core.Synthesizer
	Calendar core.CalendarService
	Cache    core.Cache

	Metrics *metrics.Collector

	// AITimeout bounds one ProcessVoiceCommand call; 0 means no bound.
	AITimeout     time.Duration
	NotifyExpired bool
	Now           func() time.Time

	inflight conc.WaitGroup
}

func (o *Orchestrator) clock() time.Time {
	if o.Now != nil {
		return o.Now()
	}
	return time.Now()
}

func (o *Orchestrator) ts() string { return core.Timestamp(o.clock()) }

// Connect registers an authenticated transport endpoint.
func (o *Orchestrator) Connect(conn core.Conn, user domain.UserID, meta domain.ConnMeta) (domain.ConnectionID, error) {
	return o.Registry.Register(conn, user, meta)
}

// Disconnect is called by the transport's read loop on its way out.
func (o *Orchestrator) Disconnect(id domain.ConnectionID) {
	o.Registry.Unregister(id)
}

// HandleEvent dispatches one inbound event of connection id. Slow work
// (AI, synthesis, calendar) runs off the caller's goroutine so the read
// loop keeps draining the transport.
func (o *Orchestrator) HandleEvent(ctx context.Context, id domain.ConnectionID, ev core.Inbound) {
	c, ok := o.Registry.Get(id)
	if !ok {
		return
	}
	if _, unknown := ev.(core.Unknown); unknown {
		o.Metrics.Event("unknown")
	} else {
		o.Metrics.Event(ev.Kind())
	}
	if !o.Registry.Allow(id) {
		log.Warn().Str("module", "orch").Str("conn", string(id)).Str("kind", ev.Kind()).Msg("rate limited")
		o.send(id, core.NewError("rate limit exceeded", nil, o.clock()))
		return
	}

	switch ev := ev.(type) {
	case core.Ping:
		o.send(id, core.Pong{Timestamp: o.ts()})
	case core.VoiceCommand:
		o.startVoiceCommand(ctx, c, ev)
	case core.AudioStream:
		o.handleAudioStream(c, ev)
	case core.CalendarUpdate:
		o.startCalendarUpdate(ctx, c, ev)
	case core.JoinRoom:
		o.Join(id, ev.Room)
	case core.LeaveRoom:
		o.Leave(id, ev.Room)
	default:
		log.Info().Str("module", "orch").Str("conn", string(id)).Str("kind", ev.Kind()).Msg("unknown event type")
		o.send(id, core.NewError("Unknown message type: "+ev.Kind(), nil, o.clock()))
	}
}

// ReportBadFrame answers a frame the transport could not decode.
func (o *Orchestrator) ReportBadFrame(id domain.ConnectionID, err error) {
	log.Debug().Err(err).Str("module", "orch").Str("conn", string(id)).Msg("bad frame")
	o.Metrics.Event("invalid")
	var cause error
	if errors.Is(err, core.ErrBadPayload) {
		cause = err
	}
	o.send(id, core.NewError("invalid message", cause, o.clock()))
}

// Wait blocks until every in-flight command goroutine has returned.
func (o *Orchestrator) Wait() {
	if r := o.inflight.WaitAndRecover(); r != nil {
		log.Error().Str("module", "orch").Str("panic", r.String()).Msg("command goroutine panicked")
	}
}

func (o *Orchestrator) send(id domain.ConnectionID, ev core.Outbound) bool {
	return o.Fanout.SendToConnection(id, ev)
}
