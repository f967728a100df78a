package signal

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/dkeye/voicegate/internal/app"
	"github.com/dkeye/voicegate/internal/app/orch"
	"github.com/dkeye/voicegate/internal/core"
	"github.com/dkeye/voicegate/internal/domain"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type tokens map[string]domain.UserID

func (t tokens) Verify(_ context.Context, token string) (domain.UserID, error) {
	if u, ok := t[token]; ok {
		return u, nil
	}
	return "", errors.New("bad token")
}

type echoAI struct{}

func (echoAI) ProcessVoiceCommand(_ context.Context, transcript string, _ domain.UserID, _ map[string]any) domain.CommandResult {
	return domain.CommandResult{Success: true, Response: "ok: " + transcript, CommandType: "query", Confidence: 0.7}
}

type harness struct {
	url string
	o   *orch.Orchestrator
	reg *app.Registry
}

func newHarness(t *testing.T, opts ...app.RegistryOption) *harness {
	t.Helper()
	gin.SetMode(gin.TestMode)

	rooms := app.NewRooms(nil)
	streams := app.NewAssembler(time.Minute)
	reg := app.NewRegistry(rooms, streams, opts...)
	o := &orch.Orchestrator{
		Registry: reg,
		Fanout:   app.NewFanout(reg, rooms, nil, nil),
		Streams:  streams,
		AI:       echoAI{},
	}
	ctl := NewSignalWSController(o, app.NewAuthGate(tokens{"good": "u1", "other": "u2"}), Options{})

	ctx, cancel := context.WithCancel(context.Background())
	r := gin.New()
	r.GET("/ws", func(c *gin.Context) { ctl.HandleSignal(ctx, c) })
	srv := httptest.NewServer(r)
	t.Cleanup(func() {
		cancel()
		srv.Close()
	})
	return &harness{url: "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws", o: o, reg: reg}
}

func (h *harness) dial(t *testing.T, token string) *websocket.Conn {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial(h.url+"?token="+token, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

func readFrame(t *testing.T, ws *websocket.Conn) map[string]any {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := ws.ReadMessage()
	require.NoError(t, err)
	var m map[string]any
	require.NoError(t, json.Unmarshal(data, &m))
	return m
}

func TestSignal_GreetsAndAnswersPing(t *testing.T) {
	h := newHarness(t)
	ws := h.dial(t, "good")

	hello := readFrame(t, ws)
	assert.Equal(t, core.KindConnectionEstablished, hello["type"])
	assert.Equal(t, "u1", hello["user_id"])
	assert.NotEmpty(t, hello["connection_id"])
	assert.NotEmpty(t, hello["timestamp"])

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"ping"}`)))
	assert.Equal(t, core.KindPong, readFrame(t, ws)["type"])
}

func TestSignal_VoiceCommandRoundTrip(t *testing.T) {
	h := newHarness(t)
	ws := h.dial(t, "good")
	readFrame(t, ws)

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"voice_command","transcript":"what's next"}`)))

	assert.Equal(t, core.KindVoiceProcessing, readFrame(t, ws)["type"])
	resp := readFrame(t, ws)
	assert.Equal(t, core.KindVoiceResponse, resp["type"])
	assert.Equal(t, "ok: what's next", resp["response"])
	assert.Equal(t, true, resp["success"])
}

func TestSignal_UnknownAndMalformedFrames(t *testing.T) {
	h := newHarness(t)
	ws := h.dial(t, "good")
	readFrame(t, ws)

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"dance"}`)))
	unknown := readFrame(t, ws)
	assert.Equal(t, core.KindError, unknown["type"])
	assert.Contains(t, unknown["message"], "dance")

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(`not json`)))
	bad := readFrame(t, ws)
	assert.Equal(t, core.KindError, bad["type"])
	assert.Equal(t, "invalid message", bad["message"])

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"ping"}`)))
	assert.Equal(t, core.KindPong, readFrame(t, ws)["type"])
}

func TestSignal_RejectsBadToken(t *testing.T) {
	h := newHarness(t)
	ws := h.dial(t, "forged")

	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := ws.ReadMessage()

	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, core.CloseUnauthenticated), "got %v", err)
	assert.Equal(t, 0, h.reg.Count())
}

func TestSignal_CalendarReachesEveryConnectionOfUser(t *testing.T) {
	h := newHarness(t)
	a := h.dial(t, "good")
	b := h.dial(t, "good")
	readFrame(t, a)
	readFrame(t, b)

	require.NoError(t, a.WriteMessage(websocket.TextMessage, []byte(`{"type":"calendar_update","action":"update","event":{"id":"e1"}}`)))

	for _, ws := range []*websocket.Conn{a, b} {
		ev := readFrame(t, ws)
		assert.Equal(t, core.KindCalendarUpdated, ev["type"])
		assert.Equal(t, map[string]any{"id": "e1"}, ev["event"])
	}
}

func TestSignal_DisconnectUnregisters(t *testing.T) {
	h := newHarness(t)
	ws := h.dial(t, "good")
	readFrame(t, ws)
	require.Equal(t, 1, h.reg.Count())

	require.NoError(t, ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye")))
	_ = ws.Close()

	assert.Eventually(t, func() bool { return h.reg.Count() == 0 }, 2*time.Second, 10*time.Millisecond)
	assert.False(t, h.reg.HasUser("u1"))
}

func TestSignal_KickSendsCloseCode(t *testing.T) {
	h := newHarness(t)
	ws := h.dial(t, "good")
	hello := readFrame(t, ws)

	c, ok := h.reg.Get(domain.ConnectionID(hello["connection_id"].(string)))
	require.True(t, ok)
	c.Close(core.CloseSlowConsumer, "slow consumer")

	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := ws.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, core.CloseSlowConsumer), "got %v", err)
	assert.Eventually(t, func() bool { return h.reg.Count() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestSignal_CapacityRefusal(t *testing.T) {
	h := newHarness(t, app.WithCapacity(1))
	first := h.dial(t, "good")
	readFrame(t, first)

	second := h.dial(t, "other")
	require.NoError(t, second.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := second.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseTryAgainLater), "got %v", err)
}

func TestDecodeFrame(t *testing.T) {
	ev, err := decodeFrame([]byte(`{"type":"join_room","room":"team-1"}`))
	require.NoError(t, err)
	assert.Equal(t, core.JoinRoom{Room: "team-1"}, ev)

	_, err = decodeFrame([]byte(`{"room":"team-1"}`))
	assert.ErrorIs(t, err, core.ErrBadPayload)

	_, err = decodeFrame([]byte(`[1,2]`))
	assert.ErrorIs(t, err, core.ErrBadPayload)
}
