package orch

import (
	"github.com/dkeye/voicegate/internal/core"
	"github.com/dkeye/voicegate/internal/domain"
	"github.com/rs/zerolog/log"
)

// Join puts the connection into room and confirms with room_joined.
// Joining a room twice is confirmed again.
func (o *Orchestrator) Join(id domain.ConnectionID, raw string) {
	room, err := domain.NewRoomName(raw)
	if err != nil {
		o.send(id, core.NewError("invalid room name", err, o.clock()))
		return
	}
	if !o.Fanout.Join(id, room) {
		return
	}
	log.Info().Str("module", "orch").Str("conn", string(id)).Str("room", string(room)).Msg("joined room")
	o.send(id, core.RoomJoined{Room: room, Timestamp: o.ts()})
}

// Leave takes the connection out of room. Leaving a room it never joined
// is confirmed all the same.
func (o *Orchestrator) Leave(id domain.ConnectionID, raw string) {
	room, err := domain.NewRoomName(raw)
	if err != nil {
		o.send(id, core.NewError("invalid room name", err, o.clock()))
		return
	}
	if o.Fanout.Leave(id, room) {
		log.Info().Str("module", "orch").Str("conn", string(id)).Str("room", string(room)).Msg("left room")
	}
	o.send(id, core.RoomLeft{Room: room, Timestamp: o.ts()})
}

// BroadcastRoom sends ev to every member of room.
func (o *Orchestrator) BroadcastRoom(room domain.RoomName, ev core.Outbound) int {
	return o.Fanout.SendToRoom(room, ev)
}

// Kick closes a connection from the server side. The transport unregisters
// it once its read loop notices.
func (o *Orchestrator) Kick(id domain.ConnectionID, reason string) bool {
	c, ok := o.Registry.Get(id)
	if !ok {
		return false
	}
	log.Info().Str("module", "orch").Str("conn", string(id)).Str("reason", reason).Msg("kicking connection")
	c.Close(core.CloseInternal, reason)
	return true
}
