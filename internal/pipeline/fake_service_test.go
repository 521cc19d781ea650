package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/pitabwire/funnel/model"
)

// fakeService is an in-memory Service whose behaviour is set per test through
// the function fields. Unset list calls return the seeded data.
type fakeService struct {
	mu    sync.Mutex
	calls []string

	stages      []model.PipelineStage
	lossReasons []model.LossReason
	opps        []model.Opportunity

	stagesErr      error
	lossReasonsErr error
	oppsErr        error

	listOpps    func(ctx context.Context, f model.FunnelFilters) ([]model.Opportunity, error)
	get         func(ctx context.Context, id string) (*model.Opportunity, error)
	create      func(ctx context.Context, in model.CreateOpportunityInput) (*model.Opportunity, error)
	update      func(ctx context.Context, id string, in model.UpdateOpportunityInput) (*model.Opportunity, error)
	move        func(ctx context.Context, id, stageID string) (*model.Opportunity, error)
	setStatus   func(ctx context.Context, id string, status model.OpportunityStatus, reason string) (*model.Opportunity, error)
	convert     func(ctx context.Context, id, customerID string) (*model.ConvertResponse, error)
	activities  func(ctx context.Context, id string) ([]model.OpportunityActivity, error)
	addActivity func(ctx context.Context, id string, in model.ActivityInput) (*model.OpportunityActivity, error)
	del         func(ctx context.Context, id string) error
	syncFn      func(ctx context.Context) (*model.SyncResult, error)
}

var _ Service = (*fakeService)(nil)

func (f *fakeService) record(call string) {
	f.mu.Lock()
	f.calls = append(f.calls, call)
	f.mu.Unlock()
}

func (f *fakeService) count(call string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c == call {
			n++
		}
	}
	return n
}

func (f *fakeService) ListStages(context.Context) ([]model.PipelineStage, error) {
	f.record("ListStages")
	if f.stagesErr != nil {
		return nil, f.stagesErr
	}
	return append([]model.PipelineStage{}, f.stages...), nil
}

func (f *fakeService) ListLossReasons(context.Context) ([]model.LossReason, error) {
	f.record("ListLossReasons")
	if f.lossReasonsErr != nil {
		return nil, f.lossReasonsErr
	}
	return append([]model.LossReason{}, f.lossReasons...), nil
}

func (f *fakeService) ListOpportunities(ctx context.Context, filters model.FunnelFilters) ([]model.Opportunity, error) {
	f.record("ListOpportunities")
	if f.listOpps != nil {
		return f.listOpps(ctx, filters)
	}
	if f.oppsErr != nil {
		return nil, f.oppsErr
	}
	return cloneOpportunities(f.opps), nil
}

func (f *fakeService) GetOpportunity(ctx context.Context, id string) (*model.Opportunity, error) {
	f.record("GetOpportunity")
	return f.get(ctx, id)
}

func (f *fakeService) CreateOpportunity(ctx context.Context, in model.CreateOpportunityInput) (*model.Opportunity, error) {
	f.record("CreateOpportunity")
	return f.create(ctx, in)
}

func (f *fakeService) UpdateOpportunity(ctx context.Context, id string, in model.UpdateOpportunityInput) (*model.Opportunity, error) {
	f.record("UpdateOpportunity")
	return f.update(ctx, id, in)
}

func (f *fakeService) MoveStage(ctx context.Context, id, stageID string) (*model.Opportunity, error) {
	f.record("MoveStage")
	return f.move(ctx, id, stageID)
}

func (f *fakeService) SetStatus(ctx context.Context, id string, status model.OpportunityStatus, reason string) (*model.Opportunity, error) {
	f.record("SetStatus")
	return f.setStatus(ctx, id, status, reason)
}

func (f *fakeService) ConvertToSale(ctx context.Context, id, customerID string) (*model.ConvertResponse, error) {
	f.record("ConvertToSale")
	return f.convert(ctx, id, customerID)
}

func (f *fakeService) ListActivities(ctx context.Context, id string) ([]model.OpportunityActivity, error) {
	f.record("ListActivities")
	return f.activities(ctx, id)
}

func (f *fakeService) AddActivity(ctx context.Context, id string, in model.ActivityInput) (*model.OpportunityActivity, error) {
	f.record("AddActivity")
	return f.addActivity(ctx, id, in)
}

func (f *fakeService) DeleteOpportunity(ctx context.Context, id string) error {
	f.record("DeleteOpportunity")
	return f.del(ctx, id)
}

func (f *fakeService) SyncProposals(ctx context.Context) (*model.SyncResult, error) {
	f.record("SyncProposals")
	return f.syncFn(ctx)
}

// --- fixtures ---

var fixtureTime = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func testStage(id, name string, order int) model.PipelineStage {
	return model.PipelineStage{ID: id, Name: name, Order: order, CreatedAt: fixtureTime, UpdatedAt: fixtureTime}
}

func testOpportunity(id, stageID string) model.Opportunity {
	return model.Opportunity{
		ID:             id,
		Client:         model.Embed("c1", model.ClientSummary{ID: "c1", RazaoSocial: "Acme Ltda"}),
		Stage:          model.RefTo[model.PipelineStage](stageID),
		Title:          "Deal " + id,
		EstimatedValue: 1000,
		WinProbability: 50,
		Status:         model.StatusOpen,
		CreatedAt:      fixtureTime,
		UpdatedAt:      fixtureTime,
	}
}

// seededService returns a service holding stages s1..s3, one won stage, one
// loss reason and opportunities o1 and o2 in s1.
func seededService() *fakeService {
	won := testStage("sw", "Ganho", 9)
	won.IsWon = true
	return &fakeService{
		stages: []model.PipelineStage{
			testStage("s1", "Prospecção", 1),
			testStage("s2", "Proposta enviada", 2),
			testStage("s3", "Negociação", 3),
			won,
		},
		lossReasons: []model.LossReason{{ID: "lr1", Name: "Preço", Order: 1}},
		opps: []model.Opportunity{
			testOpportunity("o1", "s1"),
			testOpportunity("o2", "s1"),
		},
	}
}

type recordingListener struct {
	mu     sync.Mutex
	events []ChangeEvent
}

func (l *recordingListener) StoreChanged(_ context.Context, ev ChangeEvent) {
	l.mu.Lock()
	l.events = append(l.events, ev)
	l.mu.Unlock()
}

func (l *recordingListener) actions() []Action {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Action, len(l.events))
	for i, ev := range l.events {
		out[i] = ev.Action
	}
	return out
}

func findOpportunity(t interface{ Fatalf(string, ...any) }, opps []model.Opportunity, id string) model.Opportunity {
	for _, o := range opps {
		if o.ID == id {
			return o
		}
	}
	t.Fatalf("opportunity %s not found", id)
	return model.Opportunity{}
}
