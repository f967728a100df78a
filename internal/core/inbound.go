package core

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Inbound event kinds.
const (
	KindVoiceCommand   = "voice_command"
	KindAudioStream    = "audio_stream"
	KindCalendarUpdate = "calendar_update"
	KindJoinRoom       = "join_room"
	KindLeaveRoom      = "leave_room"
	KindPing           = "ping"
)

// Inbound is the closed set of client events, decoded once at the
// transport boundary.
type Inbound interface {
	Kind() string
}

type VoiceCommand struct {
	Transcript string         `json:"transcript"`
	Context    map[string]any `json:"context"`
}

type AudioStream struct {
	Chunk   []byte
	IsFinal bool
}

type CalendarUpdate struct {
	Action string          `json:"action"`
	Event  json.RawMessage `json:"event"`
}

type JoinRoom struct {
	Room string `json:"room"`
}

type LeaveRoom struct {
	Room string `json:"room"`
}

type Ping struct{}

// Unknown carries a type nobody handles so the dispatcher can report it.
type Unknown struct {
	Type string
}

func (VoiceCommand) Kind() string   { return KindVoiceCommand }
func (AudioStream) Kind() string    { return KindAudioStream }
func (CalendarUpdate) Kind() string { return KindCalendarUpdate }
func (JoinRoom) Kind() string       { return KindJoinRoom }
func (LeaveRoom) Kind() string      { return KindLeaveRoom }
func (Ping) Kind() string           { return KindPing }
func (u Unknown) Kind() string      { return u.Type }

// DecodeInbound turns one event payload into its variant. Payload may be
// empty for events without fields.
func DecodeInbound(kind string, payload []byte) (Inbound, error) {
	payload = bytes.TrimSpace(payload)
	empty := len(payload) == 0 || bytes.Equal(payload, []byte("null"))

	switch kind {
	case KindPing:
		return Ping{}, nil
	case KindVoiceCommand:
		var ev VoiceCommand
		if err := decodeInto(kind, payload, empty, &ev); err != nil {
			return nil, err
		}
		return ev, nil
	case KindAudioStream:
		// The pub/sub clients historically send audio_chunk.
		var raw struct {
			Chunk      []byte `json:"chunk"`
			AudioChunk []byte `json:"audio_chunk"`
			IsFinal    bool   `json:"is_final"`
		}
		if err := decodeInto(kind, payload, empty, &raw); err != nil {
			return nil, err
		}
		chunk := raw.Chunk
		if len(chunk) == 0 {
			chunk = raw.AudioChunk
		}
		return AudioStream{Chunk: chunk, IsFinal: raw.IsFinal}, nil
	case KindCalendarUpdate:
		var ev CalendarUpdate
		if err := decodeInto(kind, payload, empty, &ev); err != nil {
			return nil, err
		}
		return ev, nil
	case KindJoinRoom:
		var ev JoinRoom
		if err := decodeInto(kind, payload, empty, &ev); err != nil {
			return nil, err
		}
		return ev, nil
	case KindLeaveRoom:
		var ev LeaveRoom
		if err := decodeInto(kind, payload, empty, &ev); err != nil {
			return nil, err
		}
		return ev, nil
	default:
		return Unknown{Type: kind}, nil
	}
}

func decodeInto(kind string, payload []byte, empty bool, v any) error {
	if empty {
		return nil
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrBadPayload, kind, err)
	}
	return nil
}
