package pipeline

import (
	"context"
	"net/http"
	"net/url"

	"github.com/pitabwire/funnel/internal/invoker"
	"github.com/pitabwire/funnel/model"
)

// HTTPService implements Service against the pipeline service's REST API.
type HTTPService struct {
	client *invoker.Client
}

// NewHTTPService creates an HTTPService that calls through client.
func NewHTTPService(client *invoker.Client) *HTTPService {
	return &HTTPService{client: client}
}

var _ Service = (*HTTPService)(nil)

func opportunityPath(id string, suffix ...string) string {
	p := "/funnel/opportunities/" + url.PathEscape(id)
	for _, s := range suffix {
		p += "/" + s
	}
	return p
}

// ListStages implements Service.
func (s *HTTPService) ListStages(ctx context.Context) ([]model.PipelineStage, error) {
	var out []model.PipelineStage
	_, err := s.client.Do(ctx, invoker.Request{
		Method:    http.MethodGet,
		Path:      "/funnel/stages",
		Operation: "list_stages",
	}, &out)
	return out, err
}

// ListLossReasons implements Service.
func (s *HTTPService) ListLossReasons(ctx context.Context) ([]model.LossReason, error) {
	var out []model.LossReason
	_, err := s.client.Do(ctx, invoker.Request{
		Method:    http.MethodGet,
		Path:      "/funnel/loss-reasons",
		Operation: "list_loss_reasons",
	}, &out)
	return out, err
}

// ListOpportunities implements Service.
func (s *HTTPService) ListOpportunities(ctx context.Context, filters model.FunnelFilters) ([]model.Opportunity, error) {
	var out []model.Opportunity
	_, err := s.client.Do(ctx, invoker.Request{
		Method:    http.MethodGet,
		Path:      "/funnel/opportunities",
		Query:     filters.Query(),
		Operation: "list_opportunities",
	}, &out)
	return out, err
}

// GetOpportunity implements Service.
func (s *HTTPService) GetOpportunity(ctx context.Context, id string) (*model.Opportunity, error) {
	return s.opportunity(ctx, invoker.Request{
		Method:    http.MethodGet,
		Path:      opportunityPath(id),
		Operation: "get_opportunity",
	})
}

// CreateOpportunity implements Service.
func (s *HTTPService) CreateOpportunity(ctx context.Context, in model.CreateOpportunityInput) (*model.Opportunity, error) {
	return s.opportunity(ctx, invoker.Request{
		Method:    http.MethodPost,
		Path:      "/funnel/opportunities",
		Body:      in,
		Operation: "create_opportunity",
	})
}

// UpdateOpportunity implements Service.
func (s *HTTPService) UpdateOpportunity(ctx context.Context, id string, in model.UpdateOpportunityInput) (*model.Opportunity, error) {
	return s.opportunity(ctx, invoker.Request{
		Method:    http.MethodPut,
		Path:      opportunityPath(id),
		Body:      in,
		Operation: "update_opportunity",
	})
}

// MoveStage implements Service.
func (s *HTTPService) MoveStage(ctx context.Context, id, stageID string) (*model.Opportunity, error) {
	return s.opportunity(ctx, invoker.Request{
		Method:    http.MethodPatch,
		Path:      opportunityPath(id, "stage"),
		Body:      map[string]string{"stage_id": stageID},
		Operation: "move_stage",
	})
}

type statusBody struct {
	Status       model.OpportunityStatus `json:"status"`
	LossReasonID string                  `json:"loss_reason_id,omitempty"`
}

// SetStatus implements Service.
func (s *HTTPService) SetStatus(ctx context.Context, id string, status model.OpportunityStatus, lossReasonID string) (*model.Opportunity, error) {
	return s.opportunity(ctx, invoker.Request{
		Method:    http.MethodPatch,
		Path:      opportunityPath(id, "status"),
		Body:      statusBody{Status: status, LossReasonID: lossReasonID},
		Operation: "set_status",
	})
}

// ConvertToSale implements Service.
func (s *HTTPService) ConvertToSale(ctx context.Context, id, customerID string) (*model.ConvertResponse, error) {
	var out model.ConvertResponse
	resp, err := s.client.Do(ctx, invoker.Request{
		Method:    http.MethodPost,
		Path:      opportunityPath(id, "convert"),
		Body:      map[string]string{"customer_id": customerID},
		Operation: "convert_to_sale",
	}, &out)
	if err != nil || !resp.HasData {
		return nil, err
	}
	return &out, nil
}

// ListActivities implements Service.
func (s *HTTPService) ListActivities(ctx context.Context, opportunityID string) ([]model.OpportunityActivity, error) {
	var out []model.OpportunityActivity
	_, err := s.client.Do(ctx, invoker.Request{
		Method:    http.MethodGet,
		Path:      opportunityPath(opportunityID, "activities"),
		Operation: "list_activities",
	}, &out)
	return out, err
}

// AddActivity implements Service.
func (s *HTTPService) AddActivity(ctx context.Context, opportunityID string, in model.ActivityInput) (*model.OpportunityActivity, error) {
	var out model.OpportunityActivity
	resp, err := s.client.Do(ctx, invoker.Request{
		Method:    http.MethodPost,
		Path:      opportunityPath(opportunityID, "activities"),
		Body:      in,
		Operation: "add_activity",
	}, &out)
	if err != nil || !resp.HasData {
		return nil, err
	}
	return &out, nil
}

// DeleteOpportunity implements Service.
func (s *HTTPService) DeleteOpportunity(ctx context.Context, id string) error {
	_, err := s.client.Do(ctx, invoker.Request{
		Method:    http.MethodDelete,
		Path:      opportunityPath(id),
		Operation: "delete_opportunity",
	}, nil)
	return err
}

// SyncProposals implements Service.
func (s *HTTPService) SyncProposals(ctx context.Context) (*model.SyncResult, error) {
	var out model.SyncResult
	resp, err := s.client.Do(ctx, invoker.Request{
		Method:    http.MethodPost,
		Path:      "/funnel/sync-proposals",
		Operation: "sync_proposals",
	}, &out)
	if err != nil || !resp.HasData {
		return nil, err
	}
	return &out, nil
}

func (s *HTTPService) opportunity(ctx context.Context, req invoker.Request) (*model.Opportunity, error) {
	var out model.Opportunity
	resp, err := s.client.Do(ctx, req, &out)
	if err != nil || !resp.HasData {
		return nil, err
	}
	return &out, nil
}
