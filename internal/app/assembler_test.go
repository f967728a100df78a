package app

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dkeye/voicegate/internal/core"
	"github.com/dkeye/voicegate/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestAssembler_ReassemblesInArrivalOrder(t *testing.T) {
	a := NewAssembler(DefaultStreamTTL)

	out, _, err := a.Append("u1", "c1", []byte("c1"), false)
	require.NoError(t, err)
	assert.Nil(t, out)
	out, _, err = a.Append("u1", "c1", []byte("c2"), false)
	require.NoError(t, err)
	assert.Nil(t, out)
	out, _, err = a.Append("u1", "c1", []byte("c3"), true)
	require.NoError(t, err)
	require.NotNil(t, out)

	require.Len(t, out.Chunks, 3)
	assert.Equal(t, []byte("c1"), out.Chunks[0].Data)
	assert.Equal(t, []byte("c2"), out.Chunks[1].Data)
	assert.Equal(t, []byte("c3"), out.Chunks[2].Data)
	assert.Equal(t, []byte("c1c2c3"), out.Bytes())
	assert.Equal(t, 6, out.Size())
	assert.Equal(t, StreamKey{User: "u1", Conn: "c1"}, out.Key)
	assert.Equal(t, 0, a.Len())
}

func TestAssembler_AppendAfterFinalStartsFresh(t *testing.T) {
	a := NewAssembler(DefaultStreamTTL)
	_, _, _ = a.Append("u1", "c1", []byte("old"), false)
	_, _, _ = a.Append("u1", "c1", []byte("end"), true)

	_, _, err := a.Append("u1", "c1", []byte("new"), false)
	require.NoError(t, err)
	out, _, err := a.Append("u1", "c1", nil, true)
	require.NoError(t, err)

	require.Len(t, out.Chunks, 1)
	assert.Equal(t, []byte("new"), out.Chunks[0].Data)
}

func TestAssembler_KeysAreIndependent(t *testing.T) {
	a := NewAssembler(DefaultStreamTTL)
	_, _, _ = a.Append("u1", "c1", []byte("a"), false)
	_, _, _ = a.Append("u1", "c2", []byte("b"), false)

	out, _, err := a.Append("u1", "c1", []byte("c"), true)
	require.NoError(t, err)
	assert.Equal(t, []byte("ac"), out.Bytes())
	assert.Equal(t, 1, a.Len())
}

func TestAssembler_SweepExpired(t *testing.T) {
	clock := newFakeClock()
	a := NewAssembler(300*time.Second, WithAssemblerClock(clock.Now))

	_, _, _ = a.Append("u1", "stale", []byte("x"), false)
	clock.Advance(200 * time.Second)
	_, _, _ = a.Append("u2", "fresh", []byte("y"), false)
	clock.Advance(150 * time.Second)

	expired := a.Sweep(clock.Now())

	assert.Equal(t, []StreamKey{{User: "u1", Conn: "stale"}}, expired)
	assert.Equal(t, 1, a.Len())

	out, _, err := a.Append("u2", "fresh", nil, true)
	require.NoError(t, err)
	assert.Equal(t, []byte("y"), out.Bytes())
}

func TestAssembler_StaleStreamRestartsOnAppend(t *testing.T) {
	clock := newFakeClock()
	a := NewAssembler(10*time.Second, WithAssemblerClock(clock.Now))

	_, expired, _ := a.Append("u1", "c1", []byte("old"), false)
	assert.False(t, expired)
	clock.Advance(11 * time.Second)
	out, expired, err := a.Append("u1", "c1", []byte("new"), true)

	require.NoError(t, err)
	assert.True(t, expired)
	assert.Equal(t, []byte("new"), out.Bytes())
}

func TestAssembler_MaxStreamBytes(t *testing.T) {
	a := NewAssembler(DefaultStreamTTL, WithMaxStreamBytes(4))

	_, _, err := a.Append("u1", "c1", []byte("abc"), false)
	require.NoError(t, err)
	_, _, err = a.Append("u1", "c1", []byte("de"), false)

	assert.ErrorIs(t, err, core.ErrStreamTooLarge)
	assert.Equal(t, 0, a.Len())
}

func TestAssembler_Discard(t *testing.T) {
	a := NewAssembler(DefaultStreamTTL)
	_, _, _ = a.Append("u1", "c1", []byte("a"), false)
	_, _, _ = a.Append("u1", "c2", []byte("b"), false)

	assert.Equal(t, 1, a.Discard("c1"))
	assert.Equal(t, 0, a.Discard("c1"))
	assert.Equal(t, 1, a.Len())
}

func TestAssembler_ConcurrentFinalDeliversOnce(t *testing.T) {
	a := NewAssembler(DefaultStreamTTL)
	_, _, _ = a.Append("u1", "c1", []byte("body"), false)

	var (
		wg        sync.WaitGroup
		delivered atomic.Int32
		start     = make(chan struct{})
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			out, _, err := a.Append("u1", "c1", nil, true)
			if err == nil && out != nil {
				delivered.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int32(1), delivered.Load())
	assert.Equal(t, 0, a.Len())
}

func TestAssembler_EmptyFinalReturnsNothing(t *testing.T) {
	a := NewAssembler(DefaultStreamTTL)

	out, _, err := a.Append("u1", "c1", nil, true)

	require.NoError(t, err)
	assert.Nil(t, out)
	assert.Equal(t, 0, a.Len())
}

func TestAssembler_RunReportsExpired(t *testing.T) {
	clock := newFakeClock()
	a := NewAssembler(time.Second, WithAssemblerClock(clock.Now))
	_, _, _ = a.Append("u1", "c1", []byte("x"), false)
	clock.Advance(2 * time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	got := make(chan []StreamKey, 1)
	go a.Run(ctx, 5*time.Millisecond, func(keys []StreamKey) { got <- keys })

	select {
	case keys := <-got:
		assert.Equal(t, []StreamKey{{User: domain.UserID("u1"), Conn: "c1"}}, keys)
	case <-time.After(2 * time.Second):
		t.Fatal("sweeper never reported the expired stream")
	}
}
