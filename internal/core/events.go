package core

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dkeye/voicegate/internal/domain"
)

// Outbound event kinds.
const (
	KindConnectionEstablished = "connection_established"
	KindVoiceProcessing       = "voice_processing"
	KindVoiceResponse         = "voice_response"
	KindVoiceAudio            = "voice_audio"
	KindCalendarUpdated       = "calendar_updated"
	KindRoomJoined            = "room_joined"
	KindRoomLeft              = "room_left"
	KindPong                  = "pong"
	KindError                 = "error"
	KindAudioProcessed        = "audio_processed"
	KindStreamExpired         = "stream_expired"
)

// Outbound is the closed set of events the gateway emits. Transports only
// differ in how they put Kind() and the payload on the wire.
type Outbound interface {
	Kind() string
}

// Timestamp renders t the way every outbound event carries it.
func Timestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

type ConnectionEstablished struct {
	ConnectionID domain.ConnectionID `json:"connection_id"`
	UserID       domain.UserID       `json:"user_id"`
	Timestamp    string              `json:"timestamp"`
}

type VoiceProcessing struct {
	Status    string `json:"status"`
	RequestID string `json:"request_id,omitempty"`
	Timestamp string `json:"timestamp"`
}

type VoiceResponse struct {
	Success     bool           `json:"success"`
	Response    string         `json:"response"`
	CommandType string         `json:"command_type"`
	Action      string         `json:"action,omitempty"`
	Entities    map[string]any `json:"entities"`
	Suggestions []string       `json:"suggestions"`
	Confidence  float64        `json:"confidence"`
	RequestID   string         `json:"request_id,omitempty"`
	Timestamp   string         `json:"timestamp"`
}

type VoiceAudio struct {
	AudioReference string  `json:"audio_reference"`
	Duration       float64 `json:"duration"`
	RequestID      string  `json:"request_id,omitempty"`
	Timestamp      string  `json:"timestamp"`
}

type CalendarUpdated struct {
	Action    string          `json:"action"`
	Event     json.RawMessage `json:"event"`
	Timestamp string          `json:"timestamp"`
}

type RoomJoined struct {
	Room      domain.RoomName `json:"room"`
	Timestamp string          `json:"timestamp"`
}

type RoomLeft struct {
	Room      domain.RoomName `json:"room"`
	Timestamp string          `json:"timestamp"`
}

type Pong struct {
	Timestamp string `json:"timestamp"`
}

type Error struct {
	Message   string `json:"message"`
	Error     string `json:"error,omitempty"`
	RequestID string `json:"request_id,omitempty"`
	Timestamp string `json:"timestamp"`
}

type AudioProcessed struct {
	Status    string `json:"status"`
	Chunks    int    `json:"chunks"`
	Bytes     int    `json:"bytes"`
	Timestamp string `json:"timestamp"`
}

type StreamExpired struct {
	Timestamp string `json:"timestamp"`
}

func (ConnectionEstablished) Kind() string { return KindConnectionEstablished }
func (VoiceProcessing) Kind() string       { return KindVoiceProcessing }
func (VoiceResponse) Kind() string         { return KindVoiceResponse }
func (VoiceAudio) Kind() string            { return KindVoiceAudio }
func (CalendarUpdated) Kind() string       { return KindCalendarUpdated }
func (RoomJoined) Kind() string            { return KindRoomJoined }
func (RoomLeft) Kind() string              { return KindRoomLeft }
func (Pong) Kind() string                  { return KindPong }
func (Error) Kind() string                 { return KindError }
func (AudioProcessed) Kind() string        { return KindAudioProcessed }
func (StreamExpired) Kind() string         { return KindStreamExpired }

// NewError builds an error event; cause may be nil.
func NewError(message string, cause error, now time.Time) Error {
	ev := Error{Message: message, Timestamp: Timestamp(now)}
	if cause != nil {
		ev.Error = cause.Error()
	}
	return ev
}

// EncodeTyped flattens ev into a single JSON object with a "type" field,
// the frame shape of the raw socket transport.
func EncodeTyped(ev Outbound) ([]byte, error) {
	body, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", ev.Kind(), err)
	}
	body = bytes.TrimSpace(body)
	if len(body) < 2 || body[0] != '{' {
		return nil, fmt.Errorf("marshal %s: payload is not an object", ev.Kind())
	}
	kind, _ := json.Marshal(ev.Kind())

	var buf bytes.Buffer
	buf.Grow(len(body) + len(kind) + 10)
	buf.WriteString(`{"type":`)
	buf.Write(kind)
	if rest := body[1:]; len(bytes.TrimSpace(rest)) > 1 {
		buf.WriteByte(',')
		buf.Write(rest)
	} else {
		buf.WriteByte('}')
	}
	return buf.Bytes(), nil
}

// EncodeEvent renders ev as a ["kind", payload] pair, the frame shape of
// the pub/sub transport.
func EncodeEvent(ev Outbound) ([]byte, error) {
	b, err := json.Marshal([]any{ev.Kind(), ev})
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", ev.Kind(), err)
	}
	return b, nil
}
