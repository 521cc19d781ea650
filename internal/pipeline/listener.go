package pipeline

import (
	"context"
	"time"
)

// Action names a change made to a store.
type Action string

// Change actions.
const (
	ActionRefreshed    Action = "refreshed"
	ActionMoved        Action = "moved"
	ActionMoveReverted Action = "move_reverted"
	ActionCreated      Action = "created"
	ActionUpdated      Action = "updated"
	ActionWon          Action = "won"
	ActionLost         Action = "lost"
	ActionConverted    Action = "converted"
	ActionDeleted      Action = "deleted"
)

// ChangeEvent describes one change to a store.
type ChangeEvent struct {
	SubjectID     string    `json:"-"`
	Action        Action    `json:"action"`
	OpportunityID string    `json:"opportunity_id,omitempty"`
	StageID       string    `json:"stage_id,omitempty"`
	Details       string    `json:"details,omitempty"`
	At            time.Time `json:"at"`
}

// Listener observes store changes. It is called after the store's lock is
// released, on the goroutine that made the change.
type Listener interface {
	StoreChanged(ctx context.Context, ev ChangeEvent)
}

// ListenerFunc adapts a function to Listener.
type ListenerFunc func(ctx context.Context, ev ChangeEvent)

// StoreChanged implements Listener.
func (f ListenerFunc) StoreChanged(ctx context.Context, ev ChangeEvent) {
	f(ctx, ev)
}
