package app

import (
	"errors"
	"testing"
	"time"

	"github.com/dkeye/voicegate/internal/app/apptest"
	"github.com/dkeye/voicegate/internal/core"
	"github.com/dkeye/voicegate/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func newTestRegistry(opts ...RegistryOption) (*Registry, *Rooms, *Assembler) {
	rooms := NewRooms(nil)
	streams := NewAssembler(time.Minute)
	return NewRegistry(rooms, streams, opts...), rooms, streams
}

func TestRegistry_RegisterGreetsOnlyNewConnection(t *testing.T) {
	reg, _, _ := newTestRegistry()
	a := apptest.NewConn(domain.TransportSocket)
	b := apptest.NewConn(domain.TransportPubSub)

	idA, err := reg.Register(a, "u1", domain.ConnMeta{RemoteAddr: "10.0.0.1"})
	require.NoError(t, err)
	a.Reset()

	idB, err := reg.Register(b, "u1", domain.ConnMeta{})
	require.NoError(t, err)
	assert.NotEqual(t, idA, idB)

	assert.Empty(t, a.Events())
	require.Equal(t, []string{core.KindConnectionEstablished}, b.Kinds())
	ev := b.Events()[0].(core.ConnectionEstablished)
	assert.Equal(t, idB, ev.ConnectionID)
	assert.Equal(t, domain.UserID("u1"), ev.UserID)
	assert.NotEmpty(t, ev.Timestamp)

	c, ok := reg.Get(idB)
	require.True(t, ok)
	assert.Equal(t, domain.TransportPubSub, c.Transport)
	assert.False(t, c.Meta.ConnectedAt.IsZero())
}

func TestRegistry_UnregisterPurgesEverything(t *testing.T) {
	reg, rooms, streams := newTestRegistry()
	conn := apptest.NewConn(domain.TransportSocket)

	id, err := reg.Register(conn, "u1", domain.ConnMeta{})
	require.NoError(t, err)
	rooms.Join(id, "team-1")
	rooms.Join(id, "team-2")
	_, _, err = streams.Append("u1", id, []byte{1, 2}, false)
	require.NoError(t, err)

	reg.Unregister(id)

	assert.False(t, reg.IsLive(id))
	assert.Empty(t, reg.ConnectionsOf("u1"))
	assert.False(t, reg.HasUser("u1"))
	assert.Empty(t, rooms.RoomsOf(id))
	assert.Empty(t, rooms.Members("team-1"))
	assert.Equal(t, 0, rooms.Count())
	assert.Equal(t, 0, streams.Len())
}

func TestRegistry_UnregisterIsIdempotent(t *testing.T) {
	reg, _, _ := newTestRegistry()
	id, err := reg.Register(apptest.NewConn(domain.TransportSocket), "u1", domain.ConnMeta{})
	require.NoError(t, err)

	assert.NotPanics(t, func() {
		reg.Unregister(id)
		reg.Unregister(id)
		reg.Unregister("never-seen")
	})
	assert.Equal(t, 0, reg.Count())
}

func TestRegistry_UnknownLookupsAreEmpty(t *testing.T) {
	reg, _, _ := newTestRegistry()

	assert.Empty(t, reg.ConnectionsOf("ghost"))
	assert.False(t, reg.IsLive("ghost"))
	assert.False(t, reg.Allow("ghost"))
	_, ok := reg.Get("ghost")
	assert.False(t, ok)
}

func TestRegistry_SendAfterUnregisterFails(t *testing.T) {
	reg, _, _ := newTestRegistry()
	id, err := reg.Register(apptest.NewConn(domain.TransportSocket), "u1", domain.ConnMeta{})
	require.NoError(t, err)
	c, _ := reg.Get(id)

	reg.Unregister(id)

	assert.False(t, c.Live())
	assert.ErrorIs(t, c.Send(core.Pong{}), core.ErrConnClosed)
}

func TestRegistry_Capacity(t *testing.T) {
	reg, _, _ := newTestRegistry(WithCapacity(2))

	id1, err := reg.Register(apptest.NewConn(domain.TransportSocket), "u1", domain.ConnMeta{})
	require.NoError(t, err)
	_, err = reg.Register(apptest.NewConn(domain.TransportSocket), "u2", domain.ConnMeta{})
	require.NoError(t, err)

	_, err = reg.Register(apptest.NewConn(domain.TransportPubSub), "u3", domain.ConnMeta{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, core.ErrCapacity))
	assert.False(t, reg.HasUser("u3"))

	reg.Unregister(id1)
	_, err = reg.Register(apptest.NewConn(domain.TransportPubSub), "u3", domain.ConnMeta{})
	assert.NoError(t, err)
}

func TestRegistry_CountByTransport(t *testing.T) {
	reg, _, _ := newTestRegistry()
	_, _ = reg.Register(apptest.NewConn(domain.TransportSocket), "u1", domain.ConnMeta{})
	_, _ = reg.Register(apptest.NewConn(domain.TransportSocket), "u2", domain.ConnMeta{})
	_, _ = reg.Register(apptest.NewConn(domain.TransportPubSub), "u1", domain.ConnMeta{})

	counts := reg.CountByTransport()
	assert.Equal(t, 2, counts[domain.TransportSocket])
	assert.Equal(t, 1, counts[domain.TransportPubSub])
	assert.Equal(t, 3, reg.Count())
	assert.Equal(t, 2, reg.Users())
	assert.Len(t, reg.ConnectionsOf("u1"), 2)
}

func TestRegistry_RateLimit(t *testing.T) {
	reg, _, _ := newTestRegistry(WithRateLimit(0.001, 2))
	id, err := reg.Register(apptest.NewConn(domain.TransportSocket), "u1", domain.ConnMeta{})
	require.NoError(t, err)

	assert.True(t, reg.Allow(id))
	assert.True(t, reg.Allow(id))
	assert.False(t, reg.Allow(id))
}

func TestRegistry_PropertyNoResidue(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		reg, _, _ := newTestRegistry()
		users := []domain.UserID{"u1", "u2", "u3"}
		owner := map[domain.ConnectionID]domain.UserID{}
		var removed []domain.ConnectionID

		steps := rapid.IntRange(1, 60).Draw(rt, "steps")
		for i := 0; i < steps; i++ {
			var live []domain.ConnectionID
			for id := range owner {
				live = append(live, id)
			}
			if len(live) == 0 || rapid.Bool().Draw(rt, "register") {
				user := rapid.SampledFrom(users).Draw(rt, "user")
				id, err := reg.Register(apptest.NewConn(domain.TransportSocket), user, domain.ConnMeta{})
				if err != nil {
					rt.Fatalf("register: %v", err)
				}
				owner[id] = user
				continue
			}
			id := live[rapid.IntRange(0, len(live)-1).Draw(rt, "victim")]
			reg.Unregister(id)
			delete(owner, id)
			removed = append(removed, id)
		}

		for _, id := range removed {
			if reg.IsLive(id) {
				rt.Fatalf("%s still live after unregister", id)
			}
		}
		for _, user := range users {
			want := 0
			for _, u := range owner {
				if u == user {
					want++
				}
			}
			got := reg.ConnectionsOf(user)
			if len(got) != want {
				rt.Fatalf("user %s: got %d connections, want %d", user, len(got), want)
			}
			for _, id := range got {
				for _, gone := range removed {
					if id == gone {
						rt.Fatalf("user %s still lists removed %s", user, id)
					}
				}
			}
			if want == 0 && reg.HasUser(user) {
				rt.Fatalf("user %s has an empty connection set", user)
			}
		}
	})
}
