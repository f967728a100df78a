package app

import "github.com/dkeye/voicegate/internal/core"

type BackpressureAction int

const (
	NoAction BackpressureAction = iota
	KickMember
	DropFrame
)

// Policy decides what happens to a connection whose outbound queue is full.
type Policy interface {
	OnBackPressure(conn *Connection, ev core.Outbound) BackpressureAction
}

// SimplePolicy hangs up on slow consumers.
type SimplePolicy struct{}

func (SimplePolicy) OnBackPressure(*Connection, core.Outbound) BackpressureAction {
	return KickMember
}

// DropPolicy keeps the connection and loses the event.
type DropPolicy struct{}

func (DropPolicy) OnBackPressure(*Connection, core.Outbound) BackpressureAction {
	return DropFrame
}

// PolicyByName maps the config value onto a policy; unknown names kick.
func PolicyByName(name string) Policy {
	if name == "drop" {
		return DropPolicy{}
	}
	return SimplePolicy{}
}
