package app

import (
	"errors"

	"github.com/dkeye/voicegate/internal/core"
	"github.com/dkeye/voicegate/internal/domain"
	"github.com/dkeye/voicegate/internal/metrics"
	"github.com/rs/zerolog/log"
)

// Fanout delivers events to one connection, a user, a room or everyone.
// Liveness is decided by the registry; stale targets are skipped silently.
type Fanout struct {
	reg     *Registry
	rooms   *Rooms
	policy  Policy
	metrics *metrics.Collector
}

func NewFanout(reg *Registry, rooms *Rooms, policy Policy, m *metrics.Collector) *Fanout {
	if policy == nil {
		policy = SimplePolicy{}
	}
	return &Fanout{reg: reg, rooms: rooms, policy: policy, metrics: m}
}

// Join adds a live connection to room. It reports false for unknown
// connections.
func (f *Fanout) Join(id domain.ConnectionID, room domain.RoomName) bool {
	if !f.reg.IsLive(id) {
		return false
	}
	f.rooms.Join(id, room)
	// Lost a race with Unregister: undo so no membership outlives the connection.
	if !f.reg.IsLive(id) {
		f.rooms.Leave(id, room)
		return false
	}
	return true
}

func (f *Fanout) Leave(id domain.ConnectionID, room domain.RoomName) bool {
	return f.rooms.Leave(id, room)
}

func (f *Fanout) SendToConnection(id domain.ConnectionID, ev core.Outbound) bool {
	c, ok := f.reg.Get(id)
	if !ok {
		return false
	}
	return f.deliver(c, ev)
}

// SendToUser reaches every live connection of user and returns how many
// queued the event.
func (f *Fanout) SendToUser(user domain.UserID, ev core.Outbound) int {
	return f.sendToIDs(f.reg.ConnectionsOf(user), ev)
}

func (f *Fanout) SendToRoom(room domain.RoomName, ev core.Outbound) int {
	return f.sendToIDs(f.rooms.Members(room), ev)
}

func (f *Fanout) BroadcastAll(ev core.Outbound) int {
	sent := 0
	for _, c := range f.reg.Snapshot() {
		if f.deliver(c, ev) {
			sent++
		}
	}
	return sent
}

func (f *Fanout) sendToIDs(ids []domain.ConnectionID, ev core.Outbound) int {
	sent := 0
	for _, id := range ids {
		if f.SendToConnection(id, ev) {
			sent++
		}
	}
	return sent
}

func (f *Fanout) deliver(c *Connection, ev core.Outbound) bool {
	err := c.Send(ev)
	if err == nil {
		return true
	}
	if !errors.Is(err, core.ErrBackpressure) {
		log.Debug().Err(err).Str("module", "app.fanout").Str("conn", string(c.ID)).Str("kind", ev.Kind()).Msg("skipped dead connection")
		return false
	}

	f.metrics.FanoutDropped()
	switch f.policy.OnBackPressure(c, ev) {
	case KickMember:
		log.Warn().Str("module", "app.fanout").Str("conn", string(c.ID)).Str("kind", ev.Kind()).Msg("kicking slow consumer")
		c.Close(core.CloseSlowConsumer, "slow consumer")
	case DropFrame, NoAction:
		log.Warn().Str("module", "app.fanout").Str("conn", string(c.ID)).Str("kind", ev.Kind()).Msg("dropped event, queue full")
	}
	return false
}
