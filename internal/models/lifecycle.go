// Package models provides data structures and state management for tracked positions.
package models

import (
	"fmt"
)

// LifecycleState represents the coarse-grained status of a position.
type LifecycleState string

const (
	// StatePendingEntry means the entry order is working but not yet filled.
	StatePendingEntry LifecycleState = "pending_entry"
	// StateOpenFull means the position is open at its original quantity.
	StateOpenFull LifecycleState = "open_full"
	// StateOpenPartial means some, but not all, contracts have been closed.
	StateOpenPartial LifecycleState = "open_partial"
	// StateClosing means a forced DTE closing order is working for the remaining quantity.
	StateClosing LifecycleState = "closing"
	// StateClosed means quantity has reached zero. Terminal.
	StateClosed LifecycleState = "closed"
)

// Valid returns true if the LifecycleState is one of the defined constants.
func (s LifecycleState) Valid() bool {
	switch s {
	case StatePendingEntry, StateOpenFull, StateOpenPartial, StateClosing, StateClosed:
		return true
	default:
		return false
	}
}

// Terminal returns true for states that admit no further transitions.
func (s LifecycleState) Terminal() bool {
	return s == StateClosed
}

// Transition conditions. Every transition names the event that caused it so
// ledger history stays auditable.
const (
	ConditionEntryFilled   = "entry_filled"
	ConditionEntryTimeout  = "entry_timeout"
	ConditionTargetFilled  = "target_filled"
	ConditionDTEArmed      = "dte_armed"
	ConditionClosingFilled = "closing_filled"
	ConditionReconciled    = "reconciled"
)

// LifecycleTransition defines one valid edge of the position state graph.
type LifecycleTransition struct {
	From        LifecycleState
	To          LifecycleState
	Condition   string
	Description string
}

// ValidLifecycleTransitions is the closed set of legal state changes.
// Consumers must go through Position.TransitionLifecycle; nothing mutates
// LifecycleState directly.
var ValidLifecycleTransitions = []LifecycleTransition{
	{StatePendingEntry, StateOpenFull, ConditionEntryFilled, "Entry order filled at full size"},
	{StatePendingEntry, StateClosed, ConditionEntryTimeout, "Entry order never filled; phantom cleanup"},

	{StateOpenFull, StateOpenPartial, ConditionTargetFilled, "A profit target filled part of the position"},
	{StateOpenFull, StateClosed, ConditionTargetFilled, "A profit target closed the whole position"},
	{StateOpenFull, StateClosing, ConditionDTEArmed, "DTE threshold reached; forced closure working"},

	{StateOpenPartial, StateClosed, ConditionTargetFilled, "Final profit target filled"},
	{StateOpenPartial, StateClosing, ConditionDTEArmed, "DTE threshold reached; forced closure working"},

	{StateClosing, StateClosed, ConditionClosingFilled, "Forced closing order filled remaining quantity"},
	// A closing fill can land before the arming transition is persisted;
	// the pre-registered close trade identifies the order either way.
	{StateOpenFull, StateClosed, ConditionClosingFilled, "Closing order filled before the arming transition was recorded"},
	{StateOpenPartial, StateClosed, ConditionClosingFilled, "Closing order filled before the arming transition was recorded"},
	{StateClosing, StateClosed, ConditionTargetFilled, "In-flight target fill emptied the position during closure"},

	// Reconciliation repairs may close from any live state when broker
	// history shows zero remaining contracts.
	{StatePendingEntry, StateClosed, ConditionReconciled, "Reconciliation found the position flat"},
	{StateOpenFull, StateClosed, ConditionReconciled, "Reconciliation found the position flat"},
	{StateOpenPartial, StateClosed, ConditionReconciled, "Reconciliation found the position flat"},
	{StateClosing, StateClosed, ConditionReconciled, "Reconciliation found the position flat"},
}

// lifecycleTransitionAllowed reports whether the edge (from, to, condition)
// appears in ValidLifecycleTransitions.
func lifecycleTransitionAllowed(from, to LifecycleState, condition string) bool {
	for _, t := range ValidLifecycleTransitions {
		if t.From == from && t.To == to && t.Condition == condition {
			return true
		}
	}
	return false
}

// CheckLifecycleTransition validates an edge without applying it.
func CheckLifecycleTransition(from, to LifecycleState, condition string) error {
	if !to.Valid() {
		return fmt.Errorf("unknown lifecycle state %q", to)
	}
	if from.Terminal() {
		return fmt.Errorf("position already %s; no transitions allowed", from)
	}
	if !lifecycleTransitionAllowed(from, to, condition) {
		return fmt.Errorf("invalid transition from %s to %s with condition %q", from, to, condition)
	}
	return nil
}
