package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dkeye/voicegate/internal/core"
	"github.com/dkeye/voicegate/internal/domain"
	"github.com/dkeye/voicegate/internal/metrics"
	"github.com/rs/zerolog/log"
)

const DefaultStreamTTL = 300 * time.Second

// StreamKey identifies one audio stream. A connection only ever streams as
// the user it authenticated as.
type StreamKey struct {
	User domain.UserID
	Conn domain.ConnectionID
}

type Chunk struct {
	Data       []byte
	ReceivedAt time.Time
}

// Assembled is a finalized stream, chunks in arrival order.
type Assembled struct {
	Key    StreamKey
	Chunks []Chunk
}

func (a *Assembled) Size() int {
	n := 0
	for _, c := range a.Chunks {
		n += len(c.Data)
	}
	return n
}

// Bytes concatenates the chunks.
func (a *Assembled) Bytes() []byte {
	out := make([]byte, 0, a.Size())
	for _, c := range a.Chunks {
		out = append(out, c.Data...)
	}
	return out
}

type streamBuffer struct {
	chunks []Chunk
	size   int
	last   time.Time
}

// Assembler accumulates audio chunks per stream until the final chunk
// arrives or the stream goes quiet for longer than the TTL.
type Assembler struct {
	mu       sync.Mutex
	buffers  map[StreamKey]*streamBuffer
	ttl      time.Duration
	maxBytes int
	now      func() time.Time

	metrics *metrics.Collector
}

type AssemblerOption func(*Assembler)

// WithMaxStreamBytes caps a single stream; 0 disables the cap.
func WithMaxStreamBytes(n int) AssemblerOption {
	return func(a *Assembler) { a.maxBytes = n }
}

func WithAssemblerClock(now func() time.Time) AssemblerOption {
	return func(a *Assembler) { a.now = now }
}

func WithAssemblerMetrics(m *metrics.Collector) AssemblerOption {
	return func(a *Assembler) { a.metrics = m }
}

func NewAssembler(ttl time.Duration, opts ...AssemblerOption) *Assembler {
	if ttl <= 0 {
		ttl = DefaultStreamTTL
	}
	a := &Assembler{
		buffers: make(map[StreamKey]*streamBuffer),
		ttl:     ttl,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *Assembler) TTL() time.Duration { return a.ttl }

// Append adds chunk to the stream of (user, id). On final the whole stream
// is removed and returned; only one final append per stream can win, and a
// final append on an empty stream returns nil. A stream that already
// outlived the TTL is dropped and restarted with chunk, and expired reports
// it. Append takes ownership of chunk.
func (a *Assembler) Append(user domain.UserID, id domain.ConnectionID, chunk []byte, final bool) (out *Assembled, expired bool, err error) {
	key := StreamKey{User: user, Conn: id}
	now := a.now()

	a.mu.Lock()
	buf, ok := a.buffers[key]
	if ok && a.expired(buf, now) {
		delete(a.buffers, key)
		a.metrics.StreamsExpired(1)
		log.Debug().Str("module", "app.assembler").Str("conn", string(id)).Msg("stale stream restarted")
		ok = false
		expired = true
	}
	if !ok {
		buf = &streamBuffer{}
		a.buffers[key] = buf
	}

	if a.maxBytes > 0 && buf.size+len(chunk) > a.maxBytes {
		delete(a.buffers, key)
		n := len(a.buffers)
		a.mu.Unlock()
		a.metrics.SetAudioStreams(n)
		return nil, expired, fmt.Errorf("%w: limit %d bytes", core.ErrStreamTooLarge, a.maxBytes)
	}

	if len(chunk) > 0 {
		buf.chunks = append(buf.chunks, Chunk{Data: chunk, ReceivedAt: now})
		buf.size += len(chunk)
	}
	buf.last = now

	if final {
		delete(a.buffers, key)
		if len(buf.chunks) > 0 {
			out = &Assembled{Key: key, Chunks: buf.chunks}
		}
	}
	n := len(a.buffers)
	a.mu.Unlock()

	a.metrics.SetAudioStreams(n)
	return out, expired, nil
}

// Sweep drops every stream whose latest chunk is older than the TTL and
// returns their keys.
func (a *Assembler) Sweep(now time.Time) []StreamKey {
	a.mu.Lock()
	var expired []StreamKey
	for key, buf := range a.buffers {
		if a.expired(buf, now) {
			delete(a.buffers, key)
			expired = append(expired, key)
		}
	}
	n := len(a.buffers)
	a.mu.Unlock()

	a.metrics.StreamsExpired(len(expired))
	a.metrics.SetAudioStreams(n)
	return expired
}

func (a *Assembler) expired(buf *streamBuffer, now time.Time) bool {
	return now.Sub(buf.last) > a.ttl
}

// Discard drops every stream of a connection.
func (a *Assembler) Discard(id domain.ConnectionID) int {
	a.mu.Lock()
	dropped := 0
	for key := range a.buffers {
		if key.Conn == id {
			delete(a.buffers, key)
			dropped++
		}
	}
	n := len(a.buffers)
	a.mu.Unlock()

	if dropped > 0 {
		a.metrics.SetAudioStreams(n)
	}
	return dropped
}

func (a *Assembler) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.buffers)
}

// Run sweeps every interval until ctx is done. onExpired may be nil.
func (a *Assembler) Run(ctx context.Context, interval time.Duration, onExpired func([]StreamKey)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Info().Str("module", "app.assembler").Msg("sweeper stopped")
			return
		case <-ticker.C:
			expired := a.Sweep(a.now())
			if len(expired) == 0 {
				continue
			}
			log.Info().Str("module", "app.assembler").Int("expired", len(expired)).Msg("swept audio streams")
			if onExpired != nil {
				onExpired(expired)
			}
		}
	}
}
