package orch

import (
	"context"
	"fmt"
	"time"

	"github.com/dkeye/voicegate/internal/app"
	"github.com/dkeye/voicegate/internal/core"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc/panics"
)

var calendarActions = map[string]bool{"create": true, "update": true, "delete": true}

func (o *Orchestrator) startCalendarUpdate(ctx context.Context, c *app.Connection, ev core.CalendarUpdate) {
	if !calendarActions[ev.Action] {
		o.send(c.ID, core.NewError("Error updating calendar", fmt.Errorf("%w: unsupported action %q", core.ErrBadPayload, ev.Action), o.clock()))
		return
	}
	o.inflight.Go(func() {
		var pc panics.Catcher
		pc.Try(func() { o.applyCalendarUpdate(ctx, c, ev) })
		if r := pc.Recovered(); r != nil {
			log.Error().Str("module", "orch").Str("conn", string(c.ID)).Str("panic", r.String()).Msg("calendar update panicked")
			o.send(c.ID, core.NewError("Error updating calendar", r.AsError(), o.clock()))
		}
	})
}

// applyCalendarUpdate forwards the change and fans the outcome to every
// connection of the acting user, the originator included.
func (o *Orchestrator) applyCalendarUpdate(ctx context.Context, c *app.Connection, ev core.CalendarUpdate) {
	event := ev.Event
	if o.Calendar != nil {
		start := time.Now()
		applied, err := o.Calendar.Apply(ctx, c.User, ev.Action, ev.Event)
		o.Metrics.ObserveCollaborator("calendar", time.Since(start))
		if err != nil {
			log.Error().Err(err).Str("module", "orch").Str("conn", string(c.ID)).Str("action", ev.Action).Msg("calendar update failed")
			o.send(c.ID, core.NewError("Error updating calendar", core.Collaborator("calendar", err), o.clock()))
			return
		}
		if len(applied) > 0 {
			event = applied
		}
	}

	n := o.Fanout.SendToUser(c.User, core.CalendarUpdated{Action: ev.Action, Event: event, Timestamp: o.ts()})
	log.Info().Str("module", "orch").Str("user", string(c.User)).Str("action", ev.Action).Int("connections", n).Msg("calendar updated")
}
