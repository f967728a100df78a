// Package domain contains entity without logic, just meta-data
package domain

import (
	"errors"
	"strings"
)

const MaxUserIDLen = 128

var (
	ErrUserIDEmpty   = errors.New("user id empty")
	ErrUserIDTooLong = errors.New("user id too long")
)

// UserID is the verified identity a connection authenticated as.
type UserID string

// ParseUserID trims and validates an identity taken from a token or claim.
func ParseUserID(raw string) (UserID, error) {
	id := strings.TrimSpace(raw)
	if len(id) == 0 {
		return "", ErrUserIDEmpty
	}
	if len(id) > MaxUserIDLen {
		return "", ErrUserIDTooLong
	}
	return UserID(id), nil
}

// Preferences drive voice synthesis for a user.
type Preferences struct {
	VoiceID    string `json:"voice_id"`
	SpeechRate string `json:"speech_rate"`
}

func DefaultPreferences() Preferences {
	return Preferences{VoiceID: "alloy", SpeechRate: "normal"}
}

// Speed maps the named speech rate onto the synthesizer's multiplier.
func (p Preferences) Speed() float64 {
	switch p.SpeechRate {
	case "slow":
		return 0.8
	case "fast":
		return 1.2
	default:
		return 1.0
	}
}
