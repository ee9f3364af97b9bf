package models

import (
	"errors"
	"fmt"
)

// DecisionStatus is the state of a DecisionLog in the reservation/claim
// state machine.
type DecisionStatus string

const (
	StatusPending     DecisionStatus = "pending"
	StatusIssuing     DecisionStatus = "issuing"
	StatusIssued      DecisionStatus = "issued"
	StatusNoReward    DecisionStatus = "no_reward"
	StatusIssueFailed DecisionStatus = "issue_failed"
)

// ErrStaleDecision is returned by a conditional update when the decision is
// no longer in the expected status.
var ErrStaleDecision = errors.New("decision not in expected status")

// transitions lists every legal edge. issued and no_reward have none.
var transitions = map[DecisionStatus][]DecisionStatus{
	StatusPending:     {StatusIssuing, StatusNoReward},
	StatusIssuing:     {StatusIssued, StatusIssueFailed},
	StatusIssueFailed: {StatusIssuing},
}

// Valid reports whether s is a known status.
func (s DecisionStatus) Valid() bool {
	switch s {
	case StatusPending, StatusIssuing, StatusIssued, StatusNoReward, StatusIssueFailed:
		return true
	}
	return false
}

// Terminal reports whether no further transition is possible from s.
func (s DecisionStatus) Terminal() bool {
	return s == StatusIssued || s == StatusNoReward
}

// CanTransitionTo reports whether s -> next is a legal edge.
func (s DecisionStatus) CanTransitionTo(next DecisionStatus) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// TransitionError is returned for an illegal status change.
type TransitionError struct {
	From DecisionStatus
	To   DecisionStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("illegal decision transition %s -> %s", e.From, e.To)
}

// ValidateTransition returns a *TransitionError when from -> to is not allowed.
func ValidateTransition(from, to DecisionStatus) error {
	if !from.CanTransitionTo(to) {
		return &TransitionError{From: from, To: to}
	}
	return nil
}
