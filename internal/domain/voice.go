package domain

import (
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/ksuid"
)

var ErrInvalidTransition = errors.New("invalid command state transition")

// CommandResult is the structured answer of the AI command processor.
type CommandResult struct {
	Success     bool           `json:"success"`
	Response    string         `json:"response"`
	CommandType string         `json:"command_type"`
	Action      string         `json:"action"`
	Entities    map[string]any `json:"entities"`
	Suggestions []string       `json:"suggestions"`
	Confidence  float64        `json:"confidence"`
	Error       string         `json:"error,omitempty"`
}

type SynthesisRequest struct {
	Text    string  `json:"text"`
	UserID  UserID  `json:"user_id"`
	VoiceID string  `json:"voice_id,omitempty"`
	Rate    float64 `json:"rate,omitempty"`
}

type SynthesisResult struct {
	AudioReference string  `json:"audio_reference"`
	Duration       float64 `json:"duration"`
}

type CommandState int

const (
	StateReceived CommandState = iota
	StateProcessing
	StateResponded
	StateSynthesizing
	StateDelivered
	StateError
)

func (s CommandState) String() string {
	switch s {
	case StateReceived:
		return "received"
	case StateProcessing:
		return "processing"
	case StateResponded:
		return "responded"
	case StateSynthesizing:
		return "synthesizing"
	case StateDelivered:
		return "delivered"
	case StateError:
		return "error"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

func (s CommandState) Terminal() bool {
	return s == StateDelivered || s == StateError
}

var transitions = map[CommandState][]CommandState{
	StateReceived:     {StateProcessing},
	StateProcessing:   {StateResponded},
	StateResponded:    {StateSynthesizing, StateDelivered},
	StateSynthesizing: {StateDelivered},
}

// Exchange tracks one voice command from receipt to delivery.
// It lives only as long as the command is in flight.
type Exchange struct {
	ID           string
	ConnectionID ConnectionID
	UserID       UserID
	Transcript   string
	Context      map[string]any
	StartedAt    time.Time

	State  CommandState
	Result *CommandResult
	Audio  *SynthesisResult
}

func NewExchange(conn ConnectionID, user UserID, transcript string, ctx map[string]any, now time.Time) *Exchange {
	return &Exchange{
		ID:           ksuid.New().String(),
		ConnectionID: conn,
		UserID:       user,
		Transcript:   transcript,
		Context:      ctx,
		StartedAt:    now,
		State:        StateReceived,
	}
}

// Transition moves the exchange to the next state. Error is reachable from
// any non-terminal state.
func (e *Exchange) Transition(to CommandState) error {
	if e.State.Terminal() {
		return fmt.Errorf("%w: %s is terminal", ErrInvalidTransition, e.State)
	}
	if to == StateError {
		e.State = to
		return nil
	}
	for _, next := range transitions[e.State] {
		if next == to {
			e.State = to
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, e.State, to)
}
