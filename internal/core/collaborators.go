package core

import (
	"context"
	"encoding/json"
	"time"

	"github.com/dkeye/voicegate/internal/domain"
)

type TokenVerifier interface {
	Verify(ctx context.Context, token string) (domain.UserID, error)
}

// CommandProcessor never returns an error: internal failures come back as
// a result with Success=false and Error set.
type CommandProcessor interface {
	ProcessVoiceCommand(ctx context.Context, transcript string, user domain.UserID, context map[string]any) domain.CommandResult
}

type Synthesizer interface {
	Synthesize(ctx context.Context, req domain.SynthesisRequest) (domain.SynthesisResult, error)
}

// Cache is a key-value store. A missing key is (_, false, nil), never an error.
type Cache interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
}

type CalendarService interface {
	Apply(ctx context.Context, user domain.UserID, action string, event json.RawMessage) (json.RawMessage, error)
}
