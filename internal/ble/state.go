package ble

import "fmt"

// State is a step of the connect → write → disconnect cycle.
//
//	Idle → Resolving → Connecting → Connected → Writing → CommittingFrame → Disconnecting → Idle
//
// Failed is reachable from any step; Disconnecting still follows it when a
// connection is held.
type State int

const (
	StateIdle State = iota
	StateResolving
	StateConnecting
	StateConnected
	StateWriting
	StateCommittingFrame
	StateDisconnecting
	StateFailed
)

var stateNames = [...]string{
	StateIdle:            "idle",
	StateResolving:       "resolving",
	StateConnecting:      "connecting",
	StateConnected:       "connected",
	StateWriting:         "writing",
	StateCommittingFrame: "committing",
	StateDisconnecting:   "disconnecting",
	StateFailed:          "failed",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", int(s))
}
