package services

import "errors"

// Engine error taxonomy. Handlers and bulk operations branch on these with
// errors.Is; wrapped variants carry the per-call detail.
var (
	// ErrTaskNotFound is returned when a task id does not exist.
	ErrTaskNotFound = errors.New("task not found")

	// ErrRuleNotFound is returned when a detection rule id does not exist.
	ErrRuleNotFound = errors.New("rule not found")

	// ErrInvalidStateTransition is returned when a transition or assignment
	// targets a status the state machine does not allow, including any
	// operation on a terminal task.
	ErrInvalidStateTransition = errors.New("invalid state transition")

	// ErrRetryExhausted is returned when a retry is requested for a task
	// whose retry budget is spent; the task stays failed for human triage.
	ErrRetryExhausted = errors.New("retry budget exhausted")

	// ErrUnknownAssignee is returned when an assignment names a personnel id
	// that cannot be resolved to an active record.
	ErrUnknownAssignee = errors.New("unknown assignee")
)
