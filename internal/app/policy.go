package app

import (
	"strings"

	"github.com/dkeye/teleconsult/internal/core"
)

type BackpressureAction int

const (
	NoAction BackpressureAction = iota
	KickMember
	DropFrame
)

// Policy decides what happens to a connection whose outbound queue is full.
type Policy interface {
	OnBackPressure(event string, member core.MemberSession) BackpressureAction
}

// SimplePolicy kicks every slow consumer.
type SimplePolicy struct{}

func (SimplePolicy) OnBackPressure(string, core.MemberSession) BackpressureAction {
	return KickMember
}

// SignalingPolicy drops frames a client can live without and kicks the
// connection when a consultation or negotiation event is lost, so the
// client reconnects and reloads its state.
type SignalingPolicy struct{}

func (SignalingPolicy) OnBackPressure(event string, _ core.MemberSession) BackpressureAction {
	switch {
	case event == "pong", strings.HasPrefix(event, "presence:"):
		return DropFrame
	default:
		return KickMember
	}
}
