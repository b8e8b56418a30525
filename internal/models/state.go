package models

import (
	"fmt"
	"strings"
)

// Action is a unit of work requested on a device
type Action int

const (
	ActionUpdate Action = iota
	ActionUpdateHistory
	ActionUpdateRealtime
	ActionWatering
	ActionLedBlink
	ActionClearHistory
)

var actionNames = [...]string{
	ActionUpdate:         "update",
	ActionUpdateHistory:  "update_history",
	ActionUpdateRealtime: "update_realtime",
	ActionWatering:       "watering",
	ActionLedBlink:       "led_blink",
	ActionClearHistory:   "clear_history",
}

func (a Action) String() string {
	if a < 0 || int(a) >= len(actionNames) {
		return fmt.Sprintf("action(%d)", int(a))
	}
	return actionNames[a]
}

// ParseAction resolves an action name as produced by Action.String
func ParseAction(s string) (Action, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for i, name := range actionNames {
		if name == s {
			return Action(i), nil
		}
	}
	return -1, fmt.Errorf("unknown action: %q", s)
}

// IsUpdate reports whether the action collects sensor data
func (a Action) IsUpdate() bool {
	return a == ActionUpdate || a == ActionUpdateHistory || a == ActionUpdateRealtime
}

// ConnectionState is the lifecycle state of a device session
type ConnectionState int

const (
	StateOffline ConnectionState = iota
	StateQueued
	StateConnecting
	StateConnected
	StateUpdating
	StateUpdatingRealtime
	StateUpdatingHistory
	StateWorking
	StateError
)

var stateNames = [...]string{
	StateOffline:          "offline",
	StateQueued:           "queued",
	StateConnecting:       "connecting",
	StateConnected:        "connected",
	StateUpdating:         "updating",
	StateUpdatingRealtime: "updating_realtime",
	StateUpdatingHistory:  "updating_history",
	StateWorking:          "working",
	StateError:            "error",
}

func (s ConnectionState) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("state(%d)", int(s))
	}
	return stateNames[s]
}

// Busy reports whether a link is being opened or is in use
func (s ConnectionState) Busy() bool {
	return s >= StateConnecting && s != StateError
}

// StateForAction returns the working state entered once connected
func StateForAction(a Action) ConnectionState {
	switch a {
	case ActionUpdate:
		return StateUpdating
	case ActionUpdateRealtime:
		return StateUpdatingRealtime
	case ActionUpdateHistory:
		return StateUpdatingHistory
	default:
		return StateWorking
	}
}
