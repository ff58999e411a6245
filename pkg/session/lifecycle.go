package session

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotAccepting is returned for submissions while the session is stopped or paused
	ErrNotAccepting = errors.New("session is not accepting votes")
	// ErrInvalidLifecycle is returned for an unknown control action
	ErrInvalidLifecycle = errors.New("invalid lifecycle action")
)

// Lifecycle is the session mode gating vote acceptance
type Lifecycle string

const (
	Stopped Lifecycle = "stopped"
	Running Lifecycle = "running"
	Paused  Lifecycle = "paused"
	Testing Lifecycle = "testing"
)

// Accepting reports whether network submissions are allowed
func (l Lifecycle) Accepting() bool {
	return l == Running || l == Testing
}

// Action is a control surface command
type Action string

const (
	ActionStart Action = "start"
	ActionPause Action = "pause"
	ActionReset Action = "reset"
	ActionTest  Action = "test"
)

// ParseAction maps a control verb onto an Action
func ParseAction(s string) (Action, error) {
	a := Action(strings.ToLower(strings.TrimSpace(s)))
	switch a {
	case ActionStart, ActionPause, ActionReset, ActionTest:
		return a, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidLifecycle, s)
}

// Target returns the lifecycle the action moves to
func (a Action) Target() Lifecycle {
	switch a {
	case ActionStart:
		return Running
	case ActionPause:
		return Paused
	case ActionTest:
		return Testing
	default:
		return Stopped
	}
}

// Outcome is what the gate did with a record
type Outcome string

const (
	OutcomeApplied  Outcome = "applied"
	OutcomeEchoed   Outcome = "echoed"
	OutcomeDropped  Outcome = "dropped"
	OutcomeRejected Outcome = "rejected"
)
