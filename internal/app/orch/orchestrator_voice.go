package orch

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/dkeye/voicegate/internal/app"
	"github.com/dkeye/voicegate/internal/core"
	"github.com/dkeye/voicegate/internal/domain"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc/panics"
)

const prefsTTL = time.Hour

func prefsKey(user domain.UserID) string { return "user_prefs:" + string(user) }

// startVoiceCommand acknowledges the command and hands the rest of the
// exchange to its own goroutine. Everything for one exchange is sent from
// that goroutine, so the connection sees processing, response and audio in
// order.
func (o *Orchestrator) startVoiceCommand(ctx context.Context, c *app.Connection, ev core.VoiceCommand) {
	ex := domain.NewExchange(c.ID, c.User, ev.Transcript, ev.Context, o.clock())
	_ = ex.Transition(domain.StateProcessing)
	o.send(c.ID, core.VoiceProcessing{Status: "processing", RequestID: ex.ID, Timestamp: o.ts()})

	o.inflight.Go(func() {
		var pc panics.Catcher
		pc.Try(func() { o.runVoiceCommand(ctx, ex) })
		if r := pc.Recovered(); r != nil {
			log.Error().Str("module", "orch").Str("request_id", ex.ID).Str("panic", r.String()).Msg("voice command panicked")
			o.failExchange(ex, "Error processing voice command", r.AsError())
		}
	})
}

func (o *Orchestrator) runVoiceCommand(ctx context.Context, ex *domain.Exchange) {
	l := log.With().Str("module", "orch").Str("request_id", ex.ID).Str("conn", string(ex.ConnectionID)).Logger()

	aiCtx, cancel := ctx, context.CancelFunc(func() {})
	if o.AITimeout > 0 {
		aiCtx, cancel = context.WithTimeout(ctx, o.AITimeout)
	}
	start := time.Now()
	result := o.AI.ProcessVoiceCommand(aiCtx, ex.Transcript, ex.UserID, ex.Context)
	cancel()
	o.Metrics.ObserveCollaborator("ai", time.Since(start))

	ex.Result = &result
	_ = ex.Transition(domain.StateResponded)
	o.send(ex.ConnectionID, core.VoiceResponse{
		Success:     result.Success,
		Response:    result.Response,
		CommandType: result.CommandType,
		Action:      result.Action,
		Entities:    nonNilEntities(result.Entities),
		Suggestions: nonNilSuggestions(result.Suggestions),
		Confidence:  result.Confidence,
		RequestID:   ex.ID,
		Timestamp:   o.ts(),
	})
	if !result.Success {
		l.Warn().Str("error", result.Error).Msg("command processor reported failure")
		cause := result.Error
		if cause == "" {
			cause = "command processor failed"
		}
		o.failExchange(ex, "Error processing voice command", core.Collaborator("ai", errors.New(cause)))
		return
	}
	l.Info().Str("user", string(ex.UserID)).Str("command_type", result.CommandType).Float64("confidence", result.Confidence).Msg("voice command processed")

	if result.Response == "" || o.Voice == nil {
		o.Metrics.VoiceCommand("responded")
		_ = ex.Transition(domain.StateDelivered)
		return
	}

	_ = ex.Transition(domain.StateSynthesizing)
	prefs := o.preferences(ctx, ex.UserID)
	start = time.Now()
	audio, err := o.Voice.Synthesize(ctx, domain.SynthesisRequest{
		Text:    result.Response,
		UserID:  ex.UserID,
		VoiceID: prefs.VoiceID,
		Rate:    prefs.Speed(),
	})
	o.Metrics.ObserveCollaborator("synthesis", time.Since(start))
	if err != nil {
		l.Error().Err(err).Msg("voice synthesis failed")
		o.failExchange(ex, "Error generating voice response", core.Collaborator("synthesize", err))
		return
	}

	ex.Audio = &audio
	_ = ex.Transition(domain.StateDelivered)
	o.Metrics.VoiceCommand("delivered")
	o.send(ex.ConnectionID, core.VoiceAudio{
		AudioReference: audio.AudioReference,
		Duration:       audio.Duration,
		RequestID:      ex.ID,
		Timestamp:      o.ts(),
	})
}

// failExchange emits the single error event of a failed exchange.
func (o *Orchestrator) failExchange(ex *domain.Exchange, message string, cause error) {
	if err := ex.Transition(domain.StateError); err != nil {
		return
	}
	o.Metrics.VoiceCommand("error")
	ev := core.NewError(message, cause, o.clock())
	ev.RequestID = ex.ID
	o.send(ex.ConnectionID, ev)
}

// preferences reads the user's voice settings through the cache, seeding
// it with the defaults on a miss. Cache trouble degrades to defaults.
func (o *Orchestrator) preferences(ctx context.Context, user domain.UserID) domain.Preferences {
	prefs := domain.DefaultPreferences()
	if o.Cache == nil {
		return prefs
	}
	key := prefsKey(user)
	raw, ok, err := o.Cache.Get(ctx, key)
	if err != nil {
		log.Warn().Err(err).Str("module", "orch").Str("user", string(user)).Msg("preferences lookup failed")
		return prefs
	}
	if ok {
		var cached domain.Preferences
		if err := json.Unmarshal([]byte(raw), &cached); err == nil {
			if cached.VoiceID != "" {
				prefs.VoiceID = cached.VoiceID
			}
			if cached.SpeechRate != "" {
				prefs.SpeechRate = cached.SpeechRate
			}
			return prefs
		}
		log.Warn().Str("module", "orch").Str("user", string(user)).Msg("ignoring malformed cached preferences")
	}
	body, _ := json.Marshal(prefs)
	if err := o.Cache.Set(ctx, key, string(body), prefsTTL); err != nil {
		log.Warn().Err(err).Str("module", "orch").Str("user", string(user)).Msg("preferences not cached")
	}
	return prefs
}

func nonNilEntities(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

func nonNilSuggestions(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
