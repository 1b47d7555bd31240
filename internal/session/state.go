// Package session holds the per-user conversation mode that decides how the
// next inbound message is interpreted. State lives only in memory: a restart
// resets every user to Idle.
package session

import (
	"errors"
	"fmt"
	"time"
)

// Mode is the closed set of conversation modes.
type Mode int

const (
	Idle Mode = iota
	AwaitingInput
	FreeDialogue
	Searching
)

func (m Mode) String() string {
	switch m {
	case Idle:
		return "idle"
	case AwaitingInput:
		return "awaiting_input"
	case FreeDialogue:
		return "free_dialogue"
	case Searching:
		return "searching"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// Trigger is an event that may move a user between modes.
type Trigger int

const (
	// AddRecord opens capture mode from a command, button or deep link.
	AddRecord Trigger = iota
	// ScheduledPrompt opens capture mode after the scheduler delivered a prompt.
	ScheduledPrompt
	Talk
	Search
	Cancel
	Exit
	// Captured fires once content became a moment.
	Captured
	// Searched fires once a search query was answered.
	Searched
)

func (t Trigger) String() string {
	switch t {
	case AddRecord:
		return "add_record"
	case ScheduledPrompt:
		return "scheduled_prompt"
	case Talk:
		return "talk"
	case Search:
		return "search"
	case Cancel:
		return "cancel"
	case Exit:
		return "exit"
	case Captured:
		return "captured"
	case Searched:
		return "searched"
	default:
		return fmt.Sprintf("trigger(%d)", int(t))
	}
}

// ErrInvalidTransition is returned when a completion trigger arrives in a mode
// it does not belong to, e.g. Captured while Searching.
var ErrInvalidTransition = errors.New("invalid session transition")

// State is a user's current mode. PromptedAt is set only in AwaitingInput.
type State struct {
	Mode       Mode
	PromptedAt time.Time
	Since      time.Time
}

// Latency returns how long after the prompt the user answered, if known.
func (s State) Latency(now time.Time) (time.Duration, bool) {
	if s.Mode != AwaitingInput || s.PromptedAt.IsZero() || now.Before(s.PromptedAt) {
		return 0, false
	}
	return now.Sub(s.PromptedAt), true
}

// Transition computes the state that follows s on trigger t at time now.
// Opening triggers overwrite any current mode; there is no stack.
func Transition(s State, t Trigger, now time.Time) (State, error) {
	switch t {
	case AddRecord, ScheduledPrompt:
		return State{Mode: AwaitingInput, PromptedAt: now, Since: now}, nil
	case Talk:
		return State{Mode: FreeDialogue, Since: now}, nil
	case Search:
		return State{Mode: Searching, Since: now}, nil
	case Cancel, Exit:
		return idle(now), nil
	case Captured:
		switch s.Mode {
		case AwaitingInput:
			return idle(now), nil
		case Idle, FreeDialogue, Searching:
			return s, fmt.Errorf("%w: %s in %s", ErrInvalidTransition, t, s.Mode)
		}
	case Searched:
		switch s.Mode {
		case Searching:
			return idle(now), nil
		case Idle, AwaitingInput, FreeDialogue:
			return s, fmt.Errorf("%w: %s in %s", ErrInvalidTransition, t, s.Mode)
		}
	}
	return s, fmt.Errorf("%w: %s in %s", ErrInvalidTransition, t, s.Mode)
}

func idle(now time.Time) State {
	return State{Mode: Idle, Since: now}
}

// MarshalText encodes the mode by name.
func (m Mode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}
