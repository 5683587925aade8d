// Package bisect finds the first commit that breaks a test by running it
// against prebuilt CI artifacts.
package bisect

import (
	"errors"
	"fmt"
)

// State is a phase of a bisect session.
type State int

const (
	StateInit State = iota
	StateMappingLoaded
	StateStepping
	StateStepGood
	StateStepBad
	StateStepSkipped
	StateDone
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateMappingLoaded:
		return "MAPPING_LOADED"
	case StateStepping:
		return "STEPPING"
	case StateStepGood:
		return "STEP_GOOD"
	case StateStepBad:
		return "STEP_BAD"
	case StateStepSkipped:
		return "STEP_SKIPPED"
	case StateDone:
		return "DONE"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Outcome is the verdict for one commit.
type Outcome int

const (
	Good Outcome = iota
	Bad
	Skipped
)

func (o Outcome) String() string {
	switch o {
	case Good:
		return "good"
	case Bad:
		return "bad"
	case Skipped:
		return "skip"
	}
	return fmt.Sprintf("Outcome(%d)", int(o))
}

func (o Outcome) state() State {
	switch o {
	case Good:
		return StateStepGood
	case Bad:
		return StateStepBad
	}
	return StateStepSkipped
}

// ExitCode is the status "git bisect run" expects for the outcome.
func (o Outcome) ExitCode() int {
	switch o {
	case Good:
		return 0
	case Bad:
		return 1
	}
	return 125
}

// OutcomeFromExit maps a test command's exit status using the
// "git bisect run" convention. Statuses of 128 and above usually mean the
// command was killed, which says nothing about the commit.
func OutcomeFromExit(code int) Outcome {
	switch {
	case code == 0:
		return Good
	case code == 125:
		return Skipped
	case code >= 1 && code <= 127:
		return Bad
	}
	return Skipped
}

var (
	ErrInvalidRange = errors.New("invalid bisect range")
	ErrFetch        = errors.New("artifact fetch failed")
)

type InvalidRangeError struct {
	Good, Bad string
	Reason    string
}

func (e *InvalidRangeError) Error() string {
	return fmt.Sprintf("invalid range %s..%s: %s", e.Good, e.Bad, e.Reason)
}

func (e *InvalidRangeError) Unwrap() error { return ErrInvalidRange }

// FetchError reports a commit whose artifacts could not be materialized.
type FetchError struct {
	Commit string
	RunID  int64
	Err    error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("materializing %s (run %d): %v", e.Commit, e.RunID, e.Err)
}

func (e *FetchError) Unwrap() []error { return []error{ErrFetch, e.Err} }
