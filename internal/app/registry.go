package app

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dkeye/voicegate/internal/core"
	"github.com/dkeye/voicegate/internal/domain"
	"github.com/dkeye/voicegate/internal/metrics"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

// Connection is a registered transport endpoint and who it belongs to.
type Connection struct {
	ID        domain.ConnectionID
	User      domain.UserID
	Transport domain.TransportKind
	Meta      domain.ConnMeta

	conn    core.Conn
	limiter *rate.Limiter
	live    atomic.Bool
}

func (c *Connection) Live() bool { return c.live.Load() }

// Send queues ev for the connection. It fails with core.ErrConnClosed once
// the connection has been unregistered.
func (c *Connection) Send(ev core.Outbound) error {
	if !c.live.Load() {
		return core.ErrConnClosed
	}
	return c.conn.TrySend(ev)
}

// Close asks the owning transport to hang up. The transport's read loop
// unregisters the connection on its way out.
func (c *Connection) Close(code int, reason string) {
	c.conn.Close(code, reason)
}

// Registry is the source of truth for live connections across both
// transports.
type Registry struct {
	mu    sync.RWMutex
	conns map[domain.ConnectionID]*Connection
	users map[domain.UserID]map[domain.ConnectionID]struct{}

	rooms   *Rooms
	streams *Assembler
	metrics *metrics.Collector
	now     func() time.Time

	max   int
	rate  rate.Limit
	burst int
}

type RegistryOption func(*Registry)

// WithCapacity bounds the number of live connections; 0 means unbounded.
func WithCapacity(n int) RegistryOption {
	return func(r *Registry) { r.max = n }
}

// WithRateLimit gives every connection its own token bucket for inbound
// events. perSecond <= 0 disables limiting.
func WithRateLimit(perSecond float64, burst int) RegistryOption {
	return func(r *Registry) {
		r.rate = rate.Limit(perSecond)
		r.burst = burst
	}
}

func WithRegistryMetrics(m *metrics.Collector) RegistryOption {
	return func(r *Registry) { r.metrics = m }
}

func WithRegistryClock(now func() time.Time) RegistryOption {
	return func(r *Registry) { r.now = now }
}

// NewRegistry builds a registry that also purges rooms and audio streams
// on Unregister. Either may be nil.
func NewRegistry(rooms *Rooms, streams *Assembler, opts ...RegistryOption) *Registry {
	r := &Registry{
		conns:   make(map[domain.ConnectionID]*Connection),
		users:   make(map[domain.UserID]map[domain.ConnectionID]struct{}),
		rooms:   rooms,
		streams: streams,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register stores conn under a fresh id and greets it with
// connection_established. It only fails when the gateway is full.
func (r *Registry) Register(conn core.Conn, user domain.UserID, meta domain.ConnMeta) (domain.ConnectionID, error) {
	now := r.now()
	if meta.ConnectedAt.IsZero() {
		meta.ConnectedAt = now
	}
	c := &Connection{
		ID:        domain.NewConnectionID(),
		User:      user,
		Transport: conn.Transport(),
		Meta:      meta,
		conn:      conn,
	}
	if r.rate > 0 {
		c.limiter = rate.NewLimiter(r.rate, max(r.burst, 1))
	}
	c.live.Store(true)

	r.mu.Lock()
	if r.max > 0 && len(r.conns) >= r.max {
		r.mu.Unlock()
		log.Warn().Str("module", "app.registry").Str("user", string(user)).Int("max", r.max).Msg("connection refused, registry full")
		return "", fmt.Errorf("%w: %d live connections", core.ErrCapacity, r.max)
	}
	r.conns[c.ID] = c
	set, ok := r.users[user]
	if !ok {
		set = make(map[domain.ConnectionID]struct{})
		r.users[user] = set
	}
	set[c.ID] = struct{}{}
	r.mu.Unlock()

	r.metrics.ConnectionOpened(string(c.Transport))
	log.Info().Str("module", "app.registry").Str("conn", string(c.ID)).Str("user", string(user)).
		Str("transport", string(c.Transport)).Str("remote", meta.RemoteAddr).Msg("registered connection")

	ev := core.ConnectionEstablished{ConnectionID: c.ID, UserID: user, Timestamp: core.Timestamp(now)}
	if err := c.Send(ev); err != nil {
		log.Warn().Err(err).Str("module", "app.registry").Str("conn", string(c.ID)).Msg("greeting not queued")
	}
	return c.ID, nil
}

// Unregister forgets id everywhere: connection table, user set, rooms and
// audio streams. Unknown ids are ignored.
func (r *Registry) Unregister(id domain.ConnectionID) {
	r.mu.Lock()
	c, ok := r.conns[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.conns, id)
	c.live.Store(false)
	if set, ok := r.users[c.User]; ok {
		delete(set, id)
		if len(set) == 0 {
			delete(r.users, c.User)
		}
	}
	r.mu.Unlock()

	var rooms []domain.RoomName
	if r.rooms != nil {
		rooms = r.rooms.LeaveAll(id)
	}
	streams := 0
	if r.streams != nil {
		streams = r.streams.Discard(id)
	}

	r.metrics.ConnectionClosed(string(c.Transport))
	log.Info().Str("module", "app.registry").Str("conn", string(id)).Str("user", string(c.User)).
		Int("rooms", len(rooms)).Int("streams", streams).Msg("unregistered connection")
}

func (r *Registry) Get(id domain.ConnectionID) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[id]
	return c, ok
}

func (r *Registry) IsLive(id domain.ConnectionID) bool {
	_, ok := r.Get(id)
	return ok
}

// ConnectionsOf returns the user's connection ids, empty when none.
func (r *Registry) ConnectionsOf(user domain.UserID) []domain.ConnectionID {
	r.mu.RLock()
	set := r.users[user]
	out := make([]domain.ConnectionID, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// HasUser reports whether user has any live connection.
func (r *Registry) HasUser(user domain.UserID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.users[user]
	return ok
}

// Snapshot copies the live connections so callers can fan out without
// holding the table lock.
func (r *Registry) Snapshot() []*Connection {
	r.mu.RLock()
	out := make([]*Connection, 0, len(r.conns))
	for _, c := range r.conns {
		out = append(out, c)
	}
	r.mu.RUnlock()
	return out
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

func (r *Registry) Users() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.users)
}

func (r *Registry) CountByTransport() map[domain.TransportKind]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[domain.TransportKind]int, 2)
	for _, c := range r.conns {
		out[c.Transport]++
	}
	return out
}

// Allow spends one inbound token for id. Unknown ids are never allowed.
func (r *Registry) Allow(id domain.ConnectionID) bool {
	c, ok := r.Get(id)
	if !ok {
		return false
	}
	if c.limiter == nil {
		return true
	}
	return c.limiter.Allow()
}
