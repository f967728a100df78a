package domain

import (
	"time"

	"github.com/google/uuid"
)

type ConnectionID string

func NewConnectionID() ConnectionID {
	return ConnectionID(uuid.NewString())
}

// TransportKind tells which front-end owns a connection.
type TransportKind string

const (
	TransportSocket TransportKind = "socket"
	TransportPubSub TransportKind = "pubsub"
)

// ConnMeta is what the transport knew about the peer at connect time.
// No transport or lifecycle logic here.
type ConnMeta struct {
	RemoteAddr  string    `json:"remote_addr"`
	UserAgent   string    `json:"user_agent"`
	ConnectedAt time.Time `json:"connected_at"`
}
