package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pitabwire/funnel/internal/config"
	"github.com/pitabwire/funnel/internal/pipeline"
	"github.com/pitabwire/funnel/model"
)

// memService is a small in-memory pipeline service. Operations listed in
// fail return that error instead of touching the data.
type memService struct {
	mu          sync.Mutex
	stages      []model.PipelineStage
	lossReasons []model.LossReason
	opps        []model.Opportunity
	activities  map[string][]model.OpportunityActivity
	fail        map[string]error
	lastFilters model.FunnelFilters
	syncCalls   int
	nextID      int
}

var _ pipeline.Service = (*memService)(nil)

var testNow = time.Date(2024, 5, 2, 9, 0, 0, 0, time.UTC)

func newMemService() *memService {
	won := model.PipelineStage{ID: "sw", Name: "Ganho", Order: 9, IsWon: true}
	return &memService{
		stages: []model.PipelineStage{
			{ID: "s1", Name: "Prospecção", Order: 1, Color: "#999"},
			{ID: "s2", Name: "Proposta enviada", Order: 2, Color: "#3b82f6"},
			won,
		},
		lossReasons: []model.LossReason{{ID: "lr1", Name: "Preço", Order: 1}},
		opps: []model.Opportunity{{
			ID:             "o1",
			Client:         model.Embed("c1", model.ClientSummary{ID: "c1", RazaoSocial: "Acme Ltda"}),
			Stage:          model.RefTo[model.PipelineStage]("s1"),
			Title:          "Uniformes",
			EstimatedValue: 1200,
			Status:         model.StatusOpen,
			CreatedAt:      testNow,
			UpdatedAt:      testNow,
		}},
		activities: make(map[string][]model.OpportunityActivity),
		fail:       make(map[string]error),
	}
}

func (m *memService) failWith(op string, err error) {
	m.mu.Lock()
	m.fail[op] = err
	m.mu.Unlock()
}

// check must be called with the lock held.
func (m *memService) check(op string) error {
	return m.fail[op]
}

func (m *memService) find(id string) (int, error) {
	for i := range m.opps {
		if m.opps[i].ID == id {
			return i, nil
		}
	}
	return -1, model.NewNotFoundError("Oportunidade não encontrada")
}

func (m *memService) ListStages(context.Context) ([]model.PipelineStage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("ListStages"); err != nil {
		return nil, err
	}
	return append([]model.PipelineStage{}, m.stages...), nil
}

func (m *memService) ListLossReasons(context.Context) ([]model.LossReason, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]model.LossReason{}, m.lossReasons...), nil
}

func (m *memService) ListOpportunities(_ context.Context, f model.FunnelFilters) ([]model.Opportunity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastFilters = f
	if err := m.check("ListOpportunities"); err != nil {
		return nil, err
	}
	out := []model.Opportunity{}
	for _, o := range m.opps {
		if f.Status != "" && o.Status != f.Status {
			continue
		}
		out = append(out, o.Clone())
	}
	return out, nil
}

func (m *memService) GetOpportunity(_ context.Context, id string) (*model.Opportunity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	i, err := m.find(id)
	if err != nil {
		return nil, err
	}
	o := m.opps[i].Clone()
	return &o, nil
}

func (m *memService) CreateOpportunity(_ context.Context, in model.CreateOpportunityInput) (*model.Opportunity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("CreateOpportunity"); err != nil {
		return nil, err
	}
	m.nextID++
	o := model.Opportunity{
		ID:             fmt.Sprintf("new%d", m.nextID),
		Client:         model.RefTo[model.ClientSummary](in.ClientID),
		Stage:          model.RefTo[model.PipelineStage](in.StageID),
		Title:          in.Title,
		EstimatedValue: in.EstimatedValue,
		Status:         model.StatusOpen,
		CreatedAt:      testNow,
		UpdatedAt:      testNow,
	}
	m.opps = append([]model.Opportunity{o}, m.opps...)
	return &o, nil
}

func (m *memService) UpdateOpportunity(_ context.Context, id string, in model.UpdateOpportunityInput) (*model.Opportunity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	i, err := m.find(id)
	if err != nil {
		return nil, err
	}
	if in.Title != nil {
		m.opps[i].Title = *in.Title
	}
	if in.EstimatedValue != nil {
		m.opps[i].EstimatedValue = *in.EstimatedValue
	}
	o := m.opps[i].Clone()
	return &o, nil
}

func (m *memService) MoveStage(_ context.Context, id, stageID string) (*model.Opportunity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("MoveStage"); err != nil {
		return nil, err
	}
	i, err := m.find(id)
	if err != nil {
		return nil, err
	}
	for _, st := range m.stages {
		if st.ID == stageID {
			m.opps[i].Stage = model.Embed(stageID, st)
			o := m.opps[i].Clone()
			return &o, nil
		}
	}
	return nil, model.NewBackendRejectedError(400, "Estágio inválido")
}

func (m *memService) SetStatus(_ context.Context, id string, status model.OpportunityStatus, lossReasonID string) (*model.Opportunity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	i, err := m.find(id)
	if err != nil {
		return nil, err
	}
	m.opps[i].Status = status
	m.opps[i].LossReason = nil
	if status == model.StatusLost {
		ref := model.RefTo[model.LossReason](lossReasonID)
		m.opps[i].LossReason = &ref
	}
	o := m.opps[i].Clone()
	return &o, nil
}

func (m *memService) ConvertToSale(_ context.Context, id, _ string) (*model.ConvertResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	i, err := m.find(id)
	if err != nil {
		return nil, err
	}
	saleID := "sale-" + id
	m.opps[i].Status = model.StatusWon
	m.opps[i].ConvertedSale = &saleID
	o := m.opps[i].Clone()
	return &model.ConvertResponse{Opportunity: &o, Sale: &model.SaleRef{ID: saleID, SaleNumber: "V-0001"}}, nil
}

func (m *memService) ListActivities(_ context.Context, id string) ([]model.OpportunityActivity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]model.OpportunityActivity{}, m.activities[id]...), nil
}

func (m *memService) AddActivity(_ context.Context, id string, in model.ActivityInput) (*model.OpportunityActivity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, err := m.find(id); err != nil {
		return nil, err
	}
	act := model.OpportunityActivity{
		ID:          fmt.Sprintf("a%d", len(m.activities[id])+1),
		Opportunity: id,
		Type:        in.Type,
		Title:       in.Title,
		DueAt:       in.DueAt,
		Notes:       in.Notes,
		CreatedAt:   testNow,
		UpdatedAt:   testNow,
	}
	m.activities[id] = append(m.activities[id], act)
	return &act, nil
}

func (m *memService) DeleteOpportunity(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	i, err := m.find(id)
	if err != nil {
		return err
	}
	m.opps = append(m.opps[:i:i], m.opps[i+1:]...)
	return nil
}

func (m *memService) SyncProposals(context.Context) (*model.SyncResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.syncCalls++
	return &model.SyncResult{Total: 3, Created: 1, Updated: 2}, nil
}

func newTestSessions(svc pipeline.Service) *pipeline.Sessions {
	return pipeline.NewSessions(svc, config.SessionsConfig{IdleTTL: time.Minute})
}
