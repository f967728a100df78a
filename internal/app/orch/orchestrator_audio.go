package orch

import (
	"context"
	"time"

	"github.com/dkeye/voicegate/internal/app"
	"github.com/dkeye/voicegate/internal/core"
	"github.com/rs/zerolog/log"
)

func (o *Orchestrator) handleAudioStream(c *app.Connection, ev core.AudioStream) {
	out, expired, err := o.Streams.Append(c.User, c.ID, ev.Chunk, ev.IsFinal)
	if expired && o.NotifyExpired {
		log.Info().Str("module", "orch").Str("conn", string(c.ID)).Msg("stale audio stream replaced")
		o.send(c.ID, core.StreamExpired{Timestamp: o.ts()})
	}
	if err != nil {
		log.Warn().Err(err).Str("module", "orch").Str("conn", string(c.ID)).Msg("audio stream rejected")
		o.send(c.ID, core.NewError("Error processing audio stream", err, o.clock()))
		return
	}
	if !ev.IsFinal {
		return
	}

	processed := core.AudioProcessed{Status: "completed", Timestamp: o.ts()}
	if out != nil {
		processed.Chunks = len(out.Chunks)
		processed.Bytes = out.Size()
	}
	log.Info().Str("module", "orch").Str("conn", string(c.ID)).Str("user", string(c.User)).
		Int("chunks", processed.Chunks).Int("bytes", processed.Bytes).Msg("audio stream assembled")
	o.send(c.ID, processed)
}

// OnStreamsExpired tells the still-live owners of swept streams.
func (o *Orchestrator) OnStreamsExpired(keys []app.StreamKey) {
	if !o.NotifyExpired {
		return
	}
	for _, key := range keys {
		o.send(key.Conn, core.StreamExpired{Timestamp: o.ts()})
	}
}

// RunSweeper drops quiet audio streams every interval until ctx is done.
func (o *Orchestrator) RunSweeper(ctx context.Context, interval time.Duration) {
	o.Streams.Run(ctx, interval, o.OnStreamsExpired)
}
