package app

import (
	"testing"
	"time"

	"github.com/dkeye/voicegate/internal/app/apptest"
	"github.com/dkeye/voicegate/internal/core"
	"github.com/dkeye/voicegate/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fanoutFixture struct {
	reg   *Registry
	rooms *Rooms
	fan   *Fanout
}

func newFanoutFixture(policy Policy) *fanoutFixture {
	rooms := NewRooms(nil)
	reg := NewRegistry(rooms, NewAssembler(time.Minute))
	return &fanoutFixture{reg: reg, rooms: rooms, fan: NewFanout(reg, rooms, policy, nil)}
}

func (f *fanoutFixture) connect(t *testing.T, user domain.UserID) (domain.ConnectionID, *apptest.Conn) {
	t.Helper()
	conn := apptest.NewConn(domain.TransportSocket)
	id, err := f.reg.Register(conn, user, domain.ConnMeta{})
	require.NoError(t, err)
	conn.Reset()
	return id, conn
}

func TestFanout_SendToRoomReachesOnlyMembers(t *testing.T) {
	f := newFanoutFixture(nil)
	a, connA := f.connect(t, "u1")
	b, connB := f.connect(t, "u2")
	_, connC := f.connect(t, "u3")

	require.True(t, f.fan.Join(a, "team-1"))
	require.True(t, f.fan.Join(b, "team-1"))

	sent := f.fan.SendToRoom("team-1", core.Pong{Timestamp: "t"})

	assert.Equal(t, 2, sent)
	assert.Equal(t, []string{core.KindPong}, connA.Kinds())
	assert.Equal(t, []string{core.KindPong}, connB.Kinds())
	assert.Empty(t, connC.Kinds())
}

func TestFanout_SendToUserReachesEveryConnection(t *testing.T) {
	f := newFanoutFixture(nil)
	_, a := f.connect(t, "u2")
	_, b := f.connect(t, "u2")
	_, other := f.connect(t, "u1")

	assert.Equal(t, 2, f.fan.SendToUser("u2", core.Pong{}))
	assert.Len(t, a.Events(), 1)
	assert.Len(t, b.Events(), 1)
	assert.Empty(t, other.Events())
	assert.Equal(t, 0, f.fan.SendToUser("nobody", core.Pong{}))
}

func TestFanout_BroadcastAll(t *testing.T) {
	f := newFanoutFixture(nil)
	_, a := f.connect(t, "u1")
	_, b := f.connect(t, "u2")

	assert.Equal(t, 2, f.fan.BroadcastAll(core.Pong{}))
	assert.Len(t, a.Events(), 1)
	assert.Len(t, b.Events(), 1)
}

func TestFanout_StaleTargetsAreSilent(t *testing.T) {
	f := newFanoutFixture(nil)
	id, conn := f.connect(t, "u1")
	f.reg.Unregister(id)

	assert.False(t, f.fan.SendToConnection(id, core.Pong{}))
	assert.False(t, f.fan.SendToConnection("ghost", core.Pong{}))
	assert.Equal(t, 0, f.fan.SendToRoom("empty", core.Pong{}))
	assert.False(t, f.fan.Join(id, "team-1"))
	assert.Empty(t, f.rooms.Members("team-1"))
	assert.Empty(t, conn.Events())
}

func TestFanout_LeaveStopsDelivery(t *testing.T) {
	f := newFanoutFixture(nil)
	a, connA := f.connect(t, "u1")
	require.True(t, f.fan.Join(a, "team-1"))

	assert.True(t, f.fan.Leave(a, "team-1"))
	assert.False(t, f.fan.Leave(a, "team-1"))
	assert.Equal(t, 0, f.fan.SendToRoom("team-1", core.Pong{}))
	assert.Empty(t, connA.Events())
}

func TestFanout_BackpressureKicks(t *testing.T) {
	f := newFanoutFixture(SimplePolicy{})
	id, conn := f.connect(t, "u1")
	conn.SetFull(true)

	assert.False(t, f.fan.SendToConnection(id, core.Pong{}))
	closed, code := conn.Closed()
	assert.True(t, closed)
	assert.Equal(t, core.CloseSlowConsumer, code)
}

func TestFanout_BackpressureDrops(t *testing.T) {
	f := newFanoutFixture(DropPolicy{})
	id, conn := f.connect(t, "u1")
	conn.SetFull(true)

	assert.False(t, f.fan.SendToConnection(id, core.Pong{}))
	closed, _ := conn.Closed()
	assert.False(t, closed)
	assert.True(t, f.reg.IsLive(id))
}

func TestPolicyByName(t *testing.T) {
	assert.IsType(t, DropPolicy{}, PolicyByName("drop"))
	assert.IsType(t, SimplePolicy{}, PolicyByName("kick"))
	assert.IsType(t, SimplePolicy{}, PolicyByName(""))
}
