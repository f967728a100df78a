// Package apptest holds test doubles shared by the gateway's packages.
package apptest

import (
	"sync"

	"github.com/dkeye/voicegate/internal/core"
	"github.com/dkeye/voicegate/internal/domain"
)

// Conn records every event queued to it.
type Conn struct {
	kind domain.TransportKind

	mu     sync.Mutex
	events []core.Outbound
	full   bool
	closed bool
	code   int
	reason string
}

func NewConn(kind domain.TransportKind) *Conn {
	return &Conn{kind: kind}
}

func (c *Conn) Transport() domain.TransportKind { return c.kind }

func (c *Conn) TrySend(ev core.Outbound) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return core.ErrConnClosed
	}
	if c.full {
		return core.ErrBackpressure
	}
	c.events = append(c.events, ev)
	return nil
}

func (c *Conn) Close(code int, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed, c.code, c.reason = true, code, reason
}

// SetFull makes every following TrySend report backpressure.
func (c *Conn) SetFull(full bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.full = full
}

func (c *Conn) Events() []core.Outbound {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]core.Outbound, len(c.events))
	copy(out, c.events)
	return out
}

func (c *Conn) Kinds() []string {
	events := c.Events()
	out := make([]string, len(events))
	for i, ev := range events {
		out[i] = ev.Kind()
	}
	return out
}

// Last returns the most recent event of kind, if any.
func (c *Conn) Last(kind string) (core.Outbound, bool) {
	events := c.Events()
	for i := len(events) - 1; i >= 0; i-- {
		if events[i].Kind() == kind {
			return events[i], true
		}
	}
	return nil, false
}

// Reset forgets recorded events.
func (c *Conn) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = nil
}

func (c *Conn) Closed() (bool, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed, c.code
}
