// Package pipeline holds the sales funnel state: the per-user opportunity
// store with optimistic moves and rollback, the kanban board derived from it,
// and the contract of the remote pipeline service it talks to.
package pipeline

import (
	"context"

	"github.com/pitabwire/funnel/model"
)

// Service is the remote pipeline service. Every mutating call returns the
// full authoritative opportunity. A nil value with a nil error means the
// service reported success without data; a nil slice likewise.
type Service interface {
	ListStages(ctx context.Context) ([]model.PipelineStage, error)
	ListLossReasons(ctx context.Context) ([]model.LossReason, error)
	ListOpportunities(ctx context.Context, filters model.FunnelFilters) ([]model.Opportunity, error)
	GetOpportunity(ctx context.Context, id string) (*model.Opportunity, error)
	CreateOpportunity(ctx context.Context, in model.CreateOpportunityInput) (*model.Opportunity, error)
	UpdateOpportunity(ctx context.Context, id string, in model.UpdateOpportunityInput) (*model.Opportunity, error)

	// MoveStage is idempotent: repeating it with the same stage is harmless.
	MoveStage(ctx context.Context, id, stageID string) (*model.Opportunity, error)
	SetStatus(ctx context.Context, id string, status model.OpportunityStatus, lossReasonID string) (*model.Opportunity, error)
	ConvertToSale(ctx context.Context, id, customerID string) (*model.ConvertResponse, error)

	ListActivities(ctx context.Context, opportunityID string) ([]model.OpportunityActivity, error)
	AddActivity(ctx context.Context, opportunityID string, in model.ActivityInput) (*model.OpportunityActivity, error)
	DeleteOpportunity(ctx context.Context, id string) error
	SyncProposals(ctx context.Context) (*model.SyncResult, error)
}
