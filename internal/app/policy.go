package app

import "github.com/dkeye/huddle/internal/core"

type BackpressureAction int

const (
	NoAction BackpressureAction = iota
	KickMember
	DropFrame
)

// Policy decides what happens to a session whose send queue is full.
type Policy interface {
	OnBackPressure(room *core.Room, sid core.SessionID) BackpressureAction
}

type SimplePolicy struct{}

func (SimplePolicy) OnBackPressure(*core.Room, core.SessionID) BackpressureAction {
	return KickMember
}

// TolerantPolicy drops the frame and keeps the session. A later sync carries
// the full state anyway.
type TolerantPolicy struct{}

func (TolerantPolicy) OnBackPressure(*core.Room, core.SessionID) BackpressureAction {
	return DropFrame
}

// PolicyByName maps a config value to a policy. Unknown names kick.
func PolicyByName(name string) Policy {
	if name == "drop" {
		return TolerantPolicy{}
	}
	return SimplePolicy{}
}
