package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/pitabwire/funnel/internal/observability"
	"github.com/pitabwire/funnel/model"
)

var (
	// ErrMoveFailed is returned by MoveDeal after the optimistic move was
	// reverted. The remote cause is wrapped alongside it.
	ErrMoveFailed = errors.New("pipeline: failed to move opportunity")

	// ErrNoLossReason is returned when an opportunity is dropped on the lost
	// column but no loss reason is known.
	ErrNoLossReason = errors.New("pipeline: no loss reason available")
)

// StoreState is a copy of everything the store exposes. Mutating it does not
// affect the store.
type StoreState struct {
	Stages        []model.PipelineStage `json:"stages"`
	Opportunities []model.Opportunity   `json:"opportunities"`
	LossReasons   []model.LossReason    `json:"lossReasons"`
	Filters       model.FunnelFilters   `json:"filters"`
	ViewMode      model.ViewMode        `json:"viewMode"`
	Loading       bool                  `json:"loading"`
	Error         string                `json:"error,omitempty"`
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithLogger sets the store's logger.
func WithLogger(l *zap.Logger) StoreOption {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithMetrics sets the metrics the store records operations to.
func WithMetrics(m *observability.Metrics) StoreOption {
	return func(s *Store) { s.metrics = m }
}

// WithListener adds a listener notified after every successful change.
func WithListener(l Listener) StoreOption {
	return func(s *Store) {
		if l != nil {
			s.listeners = append(s.listeners, l)
		}
	}
}

// WithSubject stamps change events with the owning subject id.
func WithSubject(subjectID string) StoreOption {
	return func(s *Store) { s.subject = subjectID }
}

// Store caches one user's view of the pipeline. It is safe for concurrent
// use; its lock is never held across a service call.
type Store struct {
	svc       Service
	logger    *zap.Logger
	metrics   *observability.Metrics
	listeners []Listener
	subject   string

	mu            sync.Mutex
	stages        []model.PipelineStage
	opportunities []model.Opportunity
	lossReasons   []model.LossReason
	filters       model.FunnelFilters
	viewMode      model.ViewMode
	loading       int
	err           string

	// fetchGen is bumped by every FetchOpportunities call; a response is only
	// applied while its generation is still the newest.
	fetchGen uint64
}

// NewStore creates an empty store backed by svc.
func NewStore(svc Service, opts ...StoreOption) *Store {
	s := &Store{
		svc:      svc,
		logger:   zap.NewNop(),
		viewMode: model.ViewKanban,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// --- Accessors ---

// State returns a copy of the store's exposed state.
func (s *Store) State() StoreState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return StoreState{
		Stages:        cloneEach(s.stages),
		Opportunities: cloneOpportunities(s.opportunities),
		LossReasons:   cloneEach(s.lossReasons),
		Filters:       s.filters,
		ViewMode:      s.viewMode,
		Loading:       s.loading > 0,
		Error:         s.err,
	}
}

// Filters returns the active filters.
func (s *Store) Filters() model.FunnelFilters {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.filters
}

// SetFilters merges patch into the active filters. It does not refetch.
func (s *Store) SetFilters(patch model.FiltersPatch) model.FunnelFilters {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.filters = patch.Apply(s.filters)
	return s.filters
}

// ViewMode returns the presentation mode.
func (s *Store) ViewMode() model.ViewMode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.viewMode
}

// SetViewMode switches the presentation mode.
func (s *Store) SetViewMode(m model.ViewMode) error {
	if !m.IsValid() {
		return model.NewBadRequestError(fmt.Sprintf("unknown view mode %q", m))
	}
	s.mu.Lock()
	s.viewMode = m
	s.mu.Unlock()
	return nil
}

// Board derives the kanban board from the current state.
func (s *Store) Board() Board {
	s.mu.Lock()
	defer s.mu.Unlock()
	return BuildBoard(s.stages, s.opportunities)
}

// Snapshot captures the cached data for persistence.
func (s *Store) Snapshot() model.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return model.Snapshot{
		Stages:        cloneEach(s.stages),
		Opportunities: cloneOpportunities(s.opportunities),
		LossReasons:   cloneEach(s.lossReasons),
		Filters:       s.filters,
		ViewMode:      s.viewMode,
		TakenAt:       time.Now().UTC(),
	}
}

// Restore seeds the cache from a snapshot. The next fetch replaces it.
func (s *Store) Restore(snap model.Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stages = cloneEach(snap.Stages)
	s.opportunities = cloneOpportunities(snap.Opportunities)
	s.lossReasons = cloneEach(snap.LossReasons)
	s.filters = snap.Filters
	if snap.ViewMode.IsValid() {
		s.viewMode = snap.ViewMode
	}
}

// --- Fetching ---

// FetchStages replaces the stages. On failure the previous stages stay and
// the error is recorded in the state.
func (s *Store) FetchStages(ctx context.Context) {
	_ = s.fetchStages(ctx)
}

func (s *Store) fetchStages(ctx context.Context) error {
	start := time.Now()
	s.mu.Lock()
	s.err = ""
	s.mu.Unlock()

	stages, err := s.svc.ListStages(ctx)
	s.observe(ctx, "fetch_stages", start, err)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		s.err = errMessage(err, "failed to load stages")
		observability.RequestLogger(ctx, s.logger).Warn("fetch stages failed", zap.Error(err))
		return err
	}
	if stages != nil {
		s.stages = stages
	}
	return nil
}

// FetchOpportunities replaces the opportunities with the list matching the
// active filters. Responses overtaken by a newer call are discarded.
func (s *Store) FetchOpportunities(ctx context.Context) {
	_ = s.fetchOpportunities(ctx)
}

// errSuperseded marks an opportunity list discarded for a newer fetch.
var errSuperseded = errors.New("opportunity list superseded by a newer fetch")

func (s *Store) fetchOpportunities(ctx context.Context) error {
	start := time.Now()
	s.mu.Lock()
	s.fetchGen++
	gen := s.fetchGen
	filters := s.filters
	s.loading++
	s.err = ""
	s.mu.Unlock()

	opps, err := s.svc.ListOpportunities(ctx, filters)
	s.observe(ctx, "fetch_opportunities", start, err)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.loading--
	if gen != s.fetchGen {
		s.metrics.RecordStaleResponse()
		observability.RequestLogger(ctx, s.logger).Debug("discarding stale opportunity list",
			zap.Uint64("generation", gen),
			zap.Uint64("latest", s.fetchGen))
		return errSuperseded
	}
	if err != nil {
		s.err = errMessage(err, "failed to load opportunities")
		observability.RequestLogger(ctx, s.logger).Warn("fetch opportunities failed", zap.Error(err))
		return err
	}
	if opps != nil {
		s.opportunities = opps
	}
	return nil
}

// FetchLossReasons replaces the loss reasons. Failures are ignored.
func (s *Store) FetchLossReasons(ctx context.Context) {
	_ = s.fetchLossReasons(ctx)
}

func (s *Store) fetchLossReasons(ctx context.Context) error {
	start := time.Now()
	reasons, err := s.svc.ListLossReasons(ctx)
	s.observe(ctx, "fetch_loss_reasons", start, err)
	if err != nil {
		observability.RequestLogger(ctx, s.logger).Debug("loss reasons unavailable", zap.Error(err))
		return err
	}
	if reasons != nil {
		s.mu.Lock()
		s.lossReasons = reasons
		s.mu.Unlock()
	}
	return nil
}

// FetchAll loads stages and loss reasons concurrently, then opportunities.
// Only a refresh where all three loads succeeded is announced to listeners,
// so a partial one is never persisted as a snapshot.
func (s *Store) FetchAll(ctx context.Context) {
	ctx, span := observability.StartSpan(ctx, "store.fetch_all",
		observability.AttrSubjectID.String(s.subject))
	defer span.End()

	s.mu.Lock()
	s.loading++
	s.mu.Unlock()

	var stagesErr, reasonsErr error
	var g errgroup.Group
	g.Go(func() error { stagesErr = s.fetchStages(ctx); return nil })
	g.Go(func() error { reasonsErr = s.fetchLossReasons(ctx); return nil })
	_ = g.Wait()

	oppsErr := s.fetchOpportunities(ctx)

	s.mu.Lock()
	s.loading--
	s.mu.Unlock()

	if err := errors.Join(stagesErr, reasonsErr, oppsErr); err != nil {
		observability.RequestLogger(ctx, s.logger).Warn("pipeline refresh incomplete", zap.Error(err))
		return
	}
	observability.RequestLogger(ctx, s.logger).Info("pipeline refreshed")
	s.notify(ctx, ChangeEvent{Action: ActionRefreshed})
}

// --- Mutations ---

// MoveDeal moves an opportunity to another stage. The move is applied locally
// before the service call; if the call fails the whole opportunity list is
// restored to its state before the move and an error wrapping ErrMoveFailed
// is returned.
func (s *Store) MoveDeal(ctx context.Context, opportunityID, stageID string) error {
	_, err := s.Move(ctx, opportunityID, stageID)
	return err
}

// Move is MoveDeal returning the opportunity as the service reported it, or
// the cached copy when the service answered without data. The result is nil
// only when neither is available.
func (s *Store) Move(ctx context.Context, opportunityID, stageID string) (moved *model.Opportunity, err error) {
	const op = "move_deal"
	start := time.Now()
	ctx, span := observability.StartSpan(ctx, "store."+op,
		observability.AttrSubjectID.String(s.subject),
		observability.AttrOpportunityID.String(opportunityID),
		observability.AttrStageID.String(stageID),
	)
	defer func() {
		s.metrics.RecordStoreOperation(op, err, time.Since(start))
		observability.EndSpanWithError(span, err)
	}()

	s.mu.Lock()
	prev := cloneOpportunities(s.opportunities)
	if i := s.indexOf(opportunityID); i >= 0 {
		s.opportunities[i].Stage = s.stageRef(stageID)
	}
	s.mu.Unlock()

	updated, callErr := s.svc.MoveStage(ctx, opportunityID, stageID)
	if callErr != nil {
		s.mu.Lock()
		s.opportunities = prev
		s.mu.Unlock()

		s.metrics.RecordRollback(op)
		span.SetAttributes(observability.AttrRolledBack.Bool(true))
		observability.RequestLogger(ctx, s.logger).Warn("move reverted",
			zap.String("opportunity_id", opportunityID),
			zap.String("stage_id", stageID),
			zap.Error(callErr))
		s.notify(ctx, ChangeEvent{Action: ActionMoveReverted, OpportunityID: opportunityID, StageID: stageID})
		return nil, fmt.Errorf("%w: %w", ErrMoveFailed, callErr)
	}

	// Success without data keeps the optimistic patch.
	moved = s.reconcile(ctx, opportunityID, updated)
	s.notify(ctx, ChangeEvent{Action: ActionMoved, OpportunityID: opportunityID, StageID: stageID})
	return moved, nil
}

// CreateDeal creates an opportunity and prepends it to the list. It returns
// nil when the service call fails; the list is then untouched.
func (s *Store) CreateDeal(ctx context.Context, in model.CreateOpportunityInput) *model.Opportunity {
	start := time.Now()
	created, err := s.svc.CreateOpportunity(ctx, in)
	s.observe(ctx, "create_deal", start, err)
	if err != nil {
		s.warn(ctx, "create opportunity failed", "", err)
		return nil
	}
	if created == nil {
		return nil
	}

	s.mu.Lock()
	s.opportunities = append([]model.Opportunity{created.Clone()}, s.opportunities...)
	s.mu.Unlock()

	s.notify(ctx, ChangeEvent{Action: ActionCreated, OpportunityID: created.ID, StageID: created.StageID()})
	out := created.Clone()
	return &out
}

// UpdateDeal applies a partial update and replaces the local entry with the
// server's version. It returns nil on failure.
func (s *Store) UpdateDeal(ctx context.Context, id string, in model.UpdateOpportunityInput) *model.Opportunity {
	start := time.Now()
	updated, err := s.svc.UpdateOpportunity(ctx, id, in)
	s.observe(ctx, "update_deal", start, err)
	if err != nil {
		s.warn(ctx, "update opportunity failed", id, err)
		return nil
	}
	if updated == nil {
		return nil
	}
	s.replace(ctx, *updated)
	s.notify(ctx, ChangeEvent{Action: ActionUpdated, OpportunityID: id, StageID: updated.StageID()})
	out := updated.Clone()
	return &out
}

// MarkWon finalizes an opportunity as won. Errors are returned and leave the
// state untouched.
func (s *Store) MarkWon(ctx context.Context, id string) error {
	_, err := s.Finalize(ctx, id, model.StatusWon, "")
	return err
}

// MarkLost finalizes an opportunity as lost with the given reason.
func (s *Store) MarkLost(ctx context.Context, id, lossReasonID string) error {
	_, err := s.Finalize(ctx, id, model.StatusLost, lossReasonID)
	return err
}

// Finalize marks id won or lost and returns it as the service reported it,
// or the cached copy when the service answered without data.
func (s *Store) Finalize(ctx context.Context, id string, status model.OpportunityStatus, lossReasonID string) (*model.Opportunity, error) {
	switch status {
	case model.StatusWon:
		return s.setStatus(ctx, "mark_won", id, status, "", ActionWon)
	case model.StatusLost:
		if lossReasonID == "" {
			return nil, model.NewValidationError([]model.FieldError{{
				Field:   "loss_reason_id",
				Code:    "REQUIRED",
				Message: "a loss reason is required to mark an opportunity as lost",
			}})
		}
		return s.setStatus(ctx, "mark_lost", id, status, lossReasonID, ActionLost)
	}
	return nil, model.NewBadRequestError(fmt.Sprintf("an opportunity cannot be finalized as %q", status))
}

func (s *Store) setStatus(ctx context.Context, op, id string, status model.OpportunityStatus, lossReasonID string, action Action) (*model.Opportunity, error) {
	start := time.Now()
	updated, err := s.svc.SetStatus(ctx, id, status, lossReasonID)
	s.observe(ctx, op, start, err)
	if err != nil {
		s.warn(ctx, "status change failed", id, err)
		return nil, err
	}
	result := s.reconcile(ctx, id, updated)
	s.notify(ctx, ChangeEvent{Action: action, OpportunityID: id})
	return result, nil
}

// ConvertToSale turns an opportunity into a draft sale for customerID. It
// returns nil on failure or when the service did not report a sale.
func (s *Store) ConvertToSale(ctx context.Context, id, customerID string) *model.ConvertResult {
	start := time.Now()
	resp, err := s.svc.ConvertToSale(ctx, id, customerID)
	s.observe(ctx, "convert_to_sale", start, err)
	if err != nil {
		s.warn(ctx, "convert to sale failed", id, err)
		return nil
	}
	if resp == nil {
		return nil
	}
	if resp.Opportunity != nil {
		s.replace(ctx, *resp.Opportunity)
	}
	if resp.Sale == nil {
		return nil
	}
	s.notify(ctx, ChangeEvent{Action: ActionConverted, OpportunityID: id, Details: resp.Sale.SaleNumber})
	return &model.ConvertResult{SaleID: resp.Sale.ID, SaleNumber: resp.Sale.SaleNumber}
}

// GetOpportunityByID always asks the service and returns nil on failure. The
// cache is not updated.
func (s *Store) GetOpportunityByID(ctx context.Context, id string) *model.Opportunity {
	start := time.Now()
	opp, err := s.svc.GetOpportunity(ctx, id)
	s.observe(ctx, "get_opportunity", start, err)
	if err != nil {
		s.warn(ctx, "get opportunity failed", id, err)
		return nil
	}
	return opp
}

// AddActivity records an activity on an opportunity. The cached
// opportunity's embedded activities are not updated; callers that need them
// refetch the opportunity.
func (s *Store) AddActivity(ctx context.Context, opportunityID string, in model.ActivityInput) *model.OpportunityActivity {
	start := time.Now()
	act, err := s.svc.AddActivity(ctx, opportunityID, in)
	s.observe(ctx, "add_activity", start, err)
	if err != nil {
		s.warn(ctx, "add activity failed", opportunityID, err)
		return nil
	}
	return act
}

// ListActivities returns the activities of an opportunity, or nil on failure.
func (s *Store) ListActivities(ctx context.Context, opportunityID string) []model.OpportunityActivity {
	start := time.Now()
	acts, err := s.svc.ListActivities(ctx, opportunityID)
	s.observe(ctx, "list_activities", start, err)
	if err != nil {
		s.warn(ctx, "list activities failed", opportunityID, err)
		return nil
	}
	if acts == nil {
		acts = []model.OpportunityActivity{}
	}
	return acts
}

// DeleteDeal deletes an opportunity and drops it from the list. The local
// removal happens whatever the outcome of the remote call; the call's error
// is returned for reporting only.
func (s *Store) DeleteDeal(ctx context.Context, id string) error {
	start := time.Now()
	err := s.svc.DeleteOpportunity(ctx, id)
	s.observe(ctx, "delete_deal", start, err)
	if err != nil {
		s.warn(ctx, "delete opportunity failed, removing locally", id, err)
	}

	s.mu.Lock()
	if i := s.indexOf(id); i >= 0 {
		s.opportunities = append(s.opportunities[:i:i], s.opportunities[i+1:]...)
	}
	s.mu.Unlock()

	s.notify(ctx, ChangeEvent{Action: ActionDeleted, OpportunityID: id})
	return err
}

// SyncProposals asks the service to mirror proposals into the funnel and
// reloads everything on success.
func (s *Store) SyncProposals(ctx context.Context) (*model.SyncResult, error) {
	start := time.Now()
	res, err := s.svc.SyncProposals(ctx)
	s.observe(ctx, "sync_proposals", start, err)
	if err != nil {
		s.warn(ctx, "proposal sync failed", "", err)
		return nil, err
	}
	s.FetchAll(ctx)
	if res == nil {
		res = &model.SyncResult{}
	}
	return res, nil
}

// --- helpers ---

// indexOf must be called with the lock held.
func (s *Store) indexOf(id string) int {
	for i := range s.opportunities {
		if s.opportunities[i].ID == id {
			return i
		}
	}
	return -1
}

// stageRef embeds the stage when it is cached. Must be called with the lock
// held.
func (s *Store) stageRef(stageID string) model.Ref[model.PipelineStage] {
	for _, st := range s.stages {
		if st.ID == stageID {
			return model.Embed(stageID, st)
		}
	}
	return model.RefTo[model.PipelineStage](stageID)
}

// replace swaps the cached entry with the server's version. Opportunities not
// in the cache are not added.
func (s *Store) replace(ctx context.Context, o model.Opportunity) {
	if err := o.Validate(); err != nil {
		observability.RequestLogger(ctx, s.logger).Debug("service returned an inconsistent opportunity",
			zap.String("opportunity_id", o.ID),
			zap.Error(err))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if i := s.indexOf(o.ID); i >= 0 {
		s.opportunities[i] = o.Clone()
	}
}

// reconcile applies the service's version of id to the cache and returns a
// copy of it. Without one it returns the cached copy, or nil when id is not
// cached either.
func (s *Store) reconcile(ctx context.Context, id string, updated *model.Opportunity) *model.Opportunity {
	if updated != nil {
		s.replace(ctx, *updated)
		out := updated.Clone()
		return &out
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if i := s.indexOf(id); i >= 0 {
		out := s.opportunities[i].Clone()
		return &out
	}
	return nil
}

func (s *Store) observe(ctx context.Context, op string, start time.Time, err error) {
	s.metrics.RecordStoreOperation(op, err, time.Since(start))
	if err != nil {
		trace.SpanFromContext(ctx).RecordError(err)
	}
}

func (s *Store) warn(ctx context.Context, msg, id string, err error) {
	fields := []zap.Field{zap.Error(err)}
	if id != "" {
		fields = append(fields, zap.String("opportunity_id", id))
	}
	observability.RequestLogger(ctx, s.logger).Warn(msg, fields...)
}

func (s *Store) notify(ctx context.Context, ev ChangeEvent) {
	ev.SubjectID = s.subject
	ev.At = time.Now().UTC()
	for _, l := range s.listeners {
		l.StoreChanged(ctx, ev)
	}
}

func cloneOpportunities(in []model.Opportunity) []model.Opportunity {
	return cloneEach(in)
}

// cloneEach deep-copies in. The result is never nil so empty lists encode
// as [].
func cloneEach[T interface{ Clone() T }](in []T) []T {
	out := make([]T, len(in))
	for i := range in {
		out[i] = in[i].Clone()
	}
	return out
}

// errMessage prefers the user-facing message of an error envelope.
func errMessage(err error, fallback string) string {
	var env *model.ErrorEnvelope
	if errors.As(err, &env) && env.Message != "" {
		return env.Message
	}
	if msg := err.Error(); msg != "" {
		return msg
	}
	return fallback
}
