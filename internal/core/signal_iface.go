package core

import "github.com/dkeye/voicegate/internal/domain"

// Close codes shared by both transports.
const (
	CloseInternal        = 4000
	CloseUnauthenticated = 4001
	CloseSlowConsumer    = 4008
)

// Conn abstracts one live transport endpoint.
// Owned by the adapter; the adapter must Close() it.
type Conn interface {
	Transport() domain.TransportKind
	// TrySend queues ev for the connection's single writer without blocking.
	TrySend(ev Outbound) error
	Close(code int, reason string)
}
