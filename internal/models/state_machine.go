package models

import (
	"fmt"
	"time"
)

// CandidateState represents where a candidate sits in the decision lifecycle.
type CandidateState string

const (
	// StateUntriggered means the trigger-price condition has not fired yet.
	StateUntriggered CandidateState = "untriggered"
	// StateTriggered means the underlying crossed the trigger price.
	StateTriggered CandidateState = "triggered"
	// StatePremiumEvaluated means both legs were priced and a live premium computed.
	StatePremiumEvaluated CandidateState = "premium_evaluated"
	// StateOrderPlaced means an entry order was submitted.
	StateOrderPlaced CandidateState = "order_placed"
	// StateRejected means the candidate was evaluated and declined.
	StateRejected CandidateState = "rejected"
	// StateError means processing failed in a way needing attention.
	StateError CandidateState = "error"
)

// CandidateTransition defines a valid state transition.
type CandidateTransition struct {
	From        CandidateState
	To          CandidateState
	Condition   string
	Description string
}

// ValidCandidateTransitions enumerates every transition the engine may take.
var ValidCandidateTransitions = []CandidateTransition{
	{StateUntriggered, StateTriggered, "price_trigger", "Underlying crossed the trigger price"},
	{StateUntriggered, StateError, "scan_error", "Price scan failed for the candidate"},

	{StateTriggered, StatePremiumEvaluated, "premium_computed", "Both legs priced, live premium known"},
	{StateTriggered, StateRejected, "missing_contract", "One or both legs failed contract resolution"},
	{StateTriggered, StateRejected, "insufficient_data", "Leg quotes too incomplete to price the spread"},
	{StateTriggered, StateError, "processing_error", "Unexpected failure while evaluating"},

	{StatePremiumEvaluated, StateOrderPlaced, "premium_sufficient", "Live premium met or beat the estimate"},
	{StatePremiumEvaluated, StateOrderPlaced, "market_closed_override", "Market closed and operator allows closed-market submission"},
	{StatePremiumEvaluated, StateRejected, "premium_too_low", "Live premium below the stored estimate"},
	{StatePremiumEvaluated, StateError, "order_failed", "Broker rejected or errored the entry order"},
}

// CandidateStateMachine tracks one candidate's progress through a cycle.
type CandidateStateMachine struct {
	currentState   CandidateState
	previousState  CandidateState
	transitionTime time.Time
}

// NewCandidateStateMachine starts a machine in the untriggered state.
func NewCandidateStateMachine() *CandidateStateMachine {
	return &CandidateStateMachine{
		currentState:   StateUntriggered,
		previousState:  StateUntriggered,
		transitionTime: time.Now().UTC(),
	}
}

// ResumeCandidateStateMachine starts a machine in a persisted state, used
// when picking up a candidate that was triggered in an earlier cycle.
func ResumeCandidateStateMachine(state CandidateState) *CandidateStateMachine {
	return &CandidateStateMachine{
		currentState:   state,
		previousState:  state,
		transitionTime: time.Now().UTC(),
	}
}

// GetCurrentState returns the current state.
func (sm *CandidateStateMachine) GetCurrentState() CandidateState {
	return sm.currentState
}

// GetPreviousState returns the previous state.
func (sm *CandidateStateMachine) GetPreviousState() CandidateState {
	return sm.previousState
}

// IsValidTransition checks if a transition is defined.
func (sm *CandidateStateMachine) IsValidTransition(to CandidateState, condition string) error {
	for _, t := range ValidCandidateTransitions {
		if t.From == sm.currentState && t.To == to && t.Condition == condition {
			return nil
		}
	}
	return fmt.Errorf("invalid transition from %s to %s with condition %q",
		sm.currentState, to, condition)
}

// Transition moves to a new state.
func (sm *CandidateStateMachine) Transition(to CandidateState, condition string) error {
	if err := sm.IsValidTransition(to, condition); err != nil {
		return err
	}
	sm.previousState = sm.currentState
	sm.currentState = to
	sm.transitionTime = time.Now().UTC()
	return nil
}

// IsTerminal returns true once no further transitions are possible.
func (sm *CandidateStateMachine) IsTerminal() bool {
	switch sm.currentState {
	case StateOrderPlaced, StateRejected, StateError:
		return true
	default:
		return false
	}
}

// DecisionStatus maps a terminal state and condition onto the recorded status.
func DecisionStatus(state CandidateState, condition string) Status {
	switch state {
	case StateOrderPlaced:
		return StatusOrderPlaced
	case StateRejected:
		switch condition {
		case "missing_contract":
			return StatusMissingContract
		case "insufficient_data":
			return StatusInsufficientData
		default:
			return StatusPremiumTooLow
		}
	case StateError:
		return StatusError
	default:
		return StatusPending
	}
}

// GetStateDescription returns a human-readable description of the current state.
func (sm *CandidateStateMachine) GetStateDescription() string {
	switch sm.currentState {
	case StateUntriggered:
		return "Waiting for the underlying to cross the trigger price"
	case StateTriggered:
		return "Trigger fired, awaiting premium evaluation"
	case StatePremiumEvaluated:
		return "Live premium computed, awaiting order decision"
	case StateOrderPlaced:
		return "Entry order submitted to broker"
	case StateRejected:
		return "Evaluated and declined"
	case StateError:
		return "Error state - manual review required"
	default:
		return "Unknown state"
	}
}
