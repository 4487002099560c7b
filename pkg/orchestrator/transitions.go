package orchestrator

import (
	"fmt"

	"github.com/cuemby/ferret/pkg/types"
)

// transitions is the lifecycle state machine. Every status change goes
// through canTransition; anything not listed here is a conflict.
//
//	initializing → planning → (pending_approval)? → queued → running
//	running ↔ paused
//	queued → paused            (budget denial at admission)
//	paused → queued            (re-admission after preemption)
//	running → completing → completed
//	any active → failed | cancelled | terminated
//	failed → retrying → queued (while retry budget remains)
//	failed → cancelled         (operator cancels a pending retry)
var transitions = map[types.OrchestrationStatus][]types.OrchestrationStatus{
	types.StatusInitializing: {
		types.StatusPlanning,
		types.StatusFailed, types.StatusCancelled, types.StatusTerminated,
	},
	types.StatusPlanning: {
		types.StatusPendingApproval, types.StatusQueued,
		types.StatusFailed, types.StatusCancelled, types.StatusTerminated,
	},
	types.StatusPendingApproval: {
		types.StatusQueued,
		types.StatusFailed, types.StatusCancelled, types.StatusTerminated,
	},
	types.StatusQueued: {
		types.StatusRunning, types.StatusPaused,
		types.StatusFailed, types.StatusCancelled, types.StatusTerminated,
	},
	types.StatusRunning: {
		types.StatusPaused, types.StatusCompleting,
		types.StatusFailed, types.StatusCancelled, types.StatusTerminated,
	},
	types.StatusPaused: {
		types.StatusRunning, types.StatusQueued,
		types.StatusFailed, types.StatusCancelled, types.StatusTerminated,
	},
	types.StatusCompleting: {
		types.StatusCompleted,
		types.StatusFailed, types.StatusCancelled, types.StatusTerminated,
	},
	types.StatusFailed: {
		types.StatusRetrying, types.StatusCancelled,
	},
	types.StatusRetrying: {
		types.StatusQueued,
		types.StatusFailed, types.StatusCancelled, types.StatusTerminated,
	},
	types.StatusCompleted:  nil,
	types.StatusCancelled:  nil,
	types.StatusTerminated: nil,
}

// canTransition reports whether from → to is a legal lifecycle move.
func canTransition(from, to types.OrchestrationStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// transitionErr builds the conflict error for an illegal move.
func transitionErr(id string, from, to types.OrchestrationStatus) error {
	return fmt.Errorf("orchestration %s cannot move %s -> %s: %w", id, from, to, types.ErrConflict)
}
