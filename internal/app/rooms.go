package app

import (
	"sort"
	"sync"

	"github.com/dkeye/voicegate/internal/domain"
	"github.com/dkeye/voicegate/internal/metrics"
	"github.com/rs/zerolog/log"
)

// Rooms is the membership table. A connection may sit in any number of
// rooms; empty rooms are dropped.
type Rooms struct {
	mu      sync.RWMutex
	members map[domain.RoomName]map[domain.ConnectionID]struct{}
	byConn  map[domain.ConnectionID]map[domain.RoomName]struct{}

	metrics *metrics.Collector
}

func NewRooms(m *metrics.Collector) *Rooms {
	return &Rooms{
		members: make(map[domain.RoomName]map[domain.ConnectionID]struct{}),
		byConn:  make(map[domain.ConnectionID]map[domain.RoomName]struct{}),
		metrics: m,
	}
}

// Join reports whether id was newly added to room.
func (r *Rooms) Join(id domain.ConnectionID, room domain.RoomName) bool {
	r.mu.Lock()
	set, ok := r.members[room]
	if !ok {
		set = make(map[domain.ConnectionID]struct{})
		r.members[room] = set
	}
	if _, in := set[id]; in {
		r.mu.Unlock()
		return false
	}
	set[id] = struct{}{}
	joined, ok := r.byConn[id]
	if !ok {
		joined = make(map[domain.RoomName]struct{})
		r.byConn[id] = joined
	}
	joined[room] = struct{}{}
	n := len(r.members)
	r.mu.Unlock()

	r.metrics.SetRooms(n)
	log.Debug().Str("module", "app.rooms").Str("conn", string(id)).Str("room", string(room)).Msg("joined room")
	return true
}

// Leave reports whether id was a member of room.
func (r *Rooms) Leave(id domain.ConnectionID, room domain.RoomName) bool {
	r.mu.Lock()
	ok := r.removeLocked(id, room)
	n := len(r.members)
	r.mu.Unlock()

	if ok {
		r.metrics.SetRooms(n)
		log.Debug().Str("module", "app.rooms").Str("conn", string(id)).Str("room", string(room)).Msg("left room")
	}
	return ok
}

// LeaveAll removes id from every room and returns the rooms it was in.
func (r *Rooms) LeaveAll(id domain.ConnectionID) []domain.RoomName {
	r.mu.Lock()
	joined := r.byConn[id]
	out := make([]domain.RoomName, 0, len(joined))
	for room := range joined {
		out = append(out, room)
	}
	for _, room := range out {
		r.removeLocked(id, room)
	}
	n := len(r.members)
	r.mu.Unlock()

	if len(out) > 0 {
		r.metrics.SetRooms(n)
	}
	sortRooms(out)
	return out
}

func (r *Rooms) removeLocked(id domain.ConnectionID, room domain.RoomName) bool {
	set, ok := r.members[room]
	if !ok {
		return false
	}
	if _, in := set[id]; !in {
		return false
	}
	delete(set, id)
	if len(set) == 0 {
		delete(r.members, room)
	}
	if joined, ok := r.byConn[id]; ok {
		delete(joined, room)
		if len(joined) == 0 {
			delete(r.byConn, id)
		}
	}
	return true
}

func (r *Rooms) Members(room domain.RoomName) []domain.ConnectionID {
	r.mu.RLock()
	set := r.members[room]
	out := make([]domain.ConnectionID, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (r *Rooms) RoomsOf(id domain.ConnectionID) []domain.RoomName {
	r.mu.RLock()
	joined := r.byConn[id]
	out := make([]domain.RoomName, 0, len(joined))
	for room := range joined {
		out = append(out, room)
	}
	r.mu.RUnlock()

	sortRooms(out)
	return out
}

func (r *Rooms) List() []domain.RoomInfo {
	r.mu.RLock()
	out := make([]domain.RoomInfo, 0, len(r.members))
	for name, set := range r.members {
		out = append(out, domain.RoomInfo{Name: name, MemberCount: len(set)})
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (r *Rooms) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.members)
}

func sortRooms(rooms []domain.RoomName) {
	sort.Slice(rooms, func(i, j int) bool { return rooms[i] < rooms[j] })
}
