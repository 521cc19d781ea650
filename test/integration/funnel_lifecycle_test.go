package integration

import (
	"net/http"
	"strings"
	"testing"

	"github.com/pitabwire/funnel/internal/pipeline"
	"github.com/pitabwire/funnel/model"
)

// ==========================================================================
// Helpers
// ==========================================================================

func (h *TestHarness) state(t *testing.T, token string) pipeline.StoreState {
	t.Helper()
	var env model.Envelope[pipeline.StoreState]
	h.AssertJSON(t, h.GET("/funnel/state", token), http.StatusOK, &env)
	return env.Data
}

func (h *TestHarness) board(t *testing.T, token string) pipeline.Board {
	t.Helper()
	var env model.Envelope[pipeline.Board]
	h.AssertJSON(t, h.GET("/funnel/board", token), http.StatusOK, &env)
	return env.Data
}

func (h *TestHarness) refresh(t *testing.T, token string) model.Envelope[pipeline.StoreState] {
	t.Helper()
	var env model.Envelope[pipeline.StoreState]
	h.AssertJSON(t, h.POST("/funnel/refresh", nil, token), http.StatusOK, &env)
	return env
}

func columnIDs(b pipeline.Board, key string) []string {
	col, ok := b.Column(key)
	if !ok {
		return nil
	}
	ids := make([]string, 0, len(col.Opportunities))
	for _, o := range col.Opportunities {
		ids = append(ids, o.ID)
	}
	return ids
}

func stageOf(st pipeline.StoreState, id string) string {
	for _, o := range st.Opportunities {
		if o.ID == id {
			return o.StageID()
		}
	}
	return ""
}

func defaultOpportunities() []map[string]any {
	return []map[string]any{
		OpportunityFixture("opp-1", "st-1", "Uniformes escolares", 12000),
		OpportunityFixture("opp-2", "st-2", "Camisetas evento", 3500),
		WithStatus(OpportunityFixture("opp-3", "st-won", "Jalecos", 800), "won"),
	}
}

// ==========================================================================
// Loading
// ==========================================================================

func TestFunnel_RefreshLoadsEverything(t *testing.T) {
	h := NewTestHarness(t)
	h.SeedBoard(defaultOpportunities()...)
	token := h.GenerateToken(SellerClaims())

	env := h.refresh(t, token)
	if env.Message != "" {
		t.Errorf("message = %q, want empty on success", env.Message)
	}
	st := env.Data
	if len(st.Stages) != 4 {
		t.Errorf("stages = %d, want 4", len(st.Stages))
	}
	if len(st.Opportunities) != 3 {
		t.Errorf("opportunities = %d, want 3", len(st.Opportunities))
	}
	if len(st.LossReasons) != 1 || st.LossReasons[0].ID != "lr-1" {
		t.Errorf("loss reasons = %+v", st.LossReasons)
	}
	if st.Loading {
		t.Error("loading should be false after refresh")
	}

	mb := h.Backend()
	mb.AssertCalled(t, "list_stages", 1)
	mb.AssertCalled(t, "list_loss_reasons", 1)
	mb.AssertCalled(t, "list_opportunities", 1)

	// The caller's token is forwarded to the pipeline service.
	req := mb.LastRequest("list_opportunities")
	if req == nil || req.Headers.Get("Authorization") != "Bearer "+token {
		t.Error("bearer token not forwarded to the pipeline service")
	}
}

func TestFunnel_BoardColumns(t *testing.T) {
	h := NewTestHarness(t)
	h.SeedBoard(defaultOpportunities()...)
	token := h.GenerateToken(SellerClaims())
	h.refresh(t, token)

	b := h.board(t, token)
	if len(b.Columns) != 2 {
		t.Fatalf("columns = %d, want 2 (terminal stages excluded)", len(b.Columns))
	}
	if b.Columns[0].Key != "st-1" || b.Columns[1].Key != "st-2" {
		t.Errorf("column order = %s, %s", b.Columns[0].Key, b.Columns[1].Key)
	}
	if b.Columns[1].DisplayName != "Propostas criadas" {
		t.Errorf("display name = %q, want Propostas criadas", b.Columns[1].DisplayName)
	}
	if b.Columns[0].TotalValue != 12000 {
		t.Errorf("st-1 total = %v, want 12000", b.Columns[0].TotalValue)
	}
	if len(b.Won) != 1 || b.Won[0].ID != "opp-3" {
		t.Errorf("won = %+v", b.Won)
	}
	if len(b.Lost) != 0 {
		t.Errorf("lost = %d, want 0", len(b.Lost))
	}
}

func TestFunnel_RefreshFailureKeepsLastKnownGood(t *testing.T) {
	h := NewTestHarness(t)
	h.SeedBoard(defaultOpportunities()...)
	token := h.GenerateToken(SellerClaims())
	h.refresh(t, token)

	mb := h.Backend()
	mb.ResetOperation("list_opportunities")
	mb.OnOperation("list_opportunities").RespondWithError(http.StatusBadRequest, "Filtro inválido")

	env := h.refresh(t, token)
	if env.Message != "Filtro inválido" {
		t.Errorf("message = %q, want the service's message", env.Message)
	}
	if env.Data.Error != "Filtro inválido" {
		t.Errorf("state error = %q", env.Data.Error)
	}
	if len(env.Data.Opportunities) != 3 {
		t.Errorf("opportunities = %d, want the previous 3 kept", len(env.Data.Opportunities))
	}
}

func TestFunnel_FiltersForwardedAsQuery(t *testing.T) {
	h := NewTestHarness(t)
	h.SeedBoard(defaultOpportunities()...)
	token := h.GenerateToken(SellerClaims())

	var env model.Envelope[pipeline.StoreState]
	resp := h.PATCH("/funnel/filters", map[string]any{
		"sellerId": "user-42",
		"status":   "won",
		"search":   "uniforme",
	}, token)
	h.AssertJSON(t, resp, http.StatusOK, &env)

	if env.Data.Filters.Status != model.StatusWon || env.Data.Filters.SellerID != "user-42" {
		t.Errorf("filters = %+v", env.Data.Filters)
	}

	req := h.Backend().LastRequest("list_opportunities")
	if req == nil {
		t.Fatal("list_opportunities not called")
	}
	if req.QueryParams["status"] != "won" {
		t.Errorf("status query = %q, want won", req.QueryParams["status"])
	}
	if req.QueryParams["seller"] != "user-42" {
		t.Errorf("seller query = %q, want user-42", req.QueryParams["seller"])
	}
	if req.QueryParams["search"] != "uniforme" {
		t.Errorf("search query = %q", req.QueryParams["search"])
	}
	if _, ok := req.QueryParams["stage"]; ok {
		t.Error("empty stage filter must not be sent")
	}
}

func TestFunnel_InvalidStatusFilterRejected(t *testing.T) {
	h := NewTestHarness(t)
	token := h.GenerateToken(SellerClaims())

	resp := h.PATCH("/funnel/filters", map[string]any{"status": "archived"}, token)
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422", resp.StatusCode)
	}
	if code := h.ErrorCode(resp); code != model.ErrValidationError {
		t.Errorf("code = %q, want VALIDATION_ERROR", code)
	}
	h.Backend().AssertNotCalled(t, "list_opportunities")
}

func TestFunnel_ViewModePersistsPerSession(t *testing.T) {
	h := NewTestHarness(t)
	token := h.GenerateToken(SellerClaims())

	resp := h.PUT("/funnel/view-mode", map[string]string{"viewMode": "list"}, token)
	h.AssertStatus(t, resp, http.StatusOK)
	resp.Body.Close()

	if st := h.state(t, token); st.ViewMode != model.ViewList {
		t.Errorf("view mode = %q, want list", st.ViewMode)
	}

	resp = h.PUT("/funnel/view-mode", map[string]string{"viewMode": "grid"}, token)
	h.AssertStatus(t, resp, http.StatusBadRequest)
	resp.Body.Close()
}

// ==========================================================================
// Moving opportunities
// ==========================================================================

func TestFunnel_MoveStage(t *testing.T) {
	h := NewTestHarness(t)
	h.SeedBoard(defaultOpportunities()...)
	token := h.GenerateToken(SellerClaims())
	h.refresh(t, token)

	moved := OpportunityFixture("opp-1", "st-2", "Uniformes escolares", 12000)
	moved["stage"] = StageFixture("st-2", "Proposta enviada", 2)
	h.Backend().OnOperation("move_stage").RespondWithData(moved)

	var env model.Envelope[model.Opportunity]
	resp := h.PATCH("/funnel/opportunities/opp-1/stage", map[string]string{"stage_id": "st-2"}, token)
	h.AssertJSON(t, resp, http.StatusOK, &env)

	if env.Data.StageID() != "st-2" {
		t.Errorf("stage = %q, want st-2", env.Data.StageID())
	}
	if !env.Data.Stage.Populated() {
		t.Error("server version with populated stage should replace the optimistic one")
	}

	req := h.Backend().LastRequest("move_stage")
	if req == nil || req.Body["stage_id"] != "st-2" {
		t.Errorf("move body = %v, want stage_id st-2", req)
	}
	if req.Path != "/funnel/opportunities/opp-1/stage" {
		t.Errorf("path = %q", req.Path)
	}

	b := h.board(t, token)
	if ids := columnIDs(b, "st-2"); len(ids) != 2 {
		t.Errorf("st-2 column = %v, want opp-1 and opp-2", ids)
	}
	if ids := columnIDs(b, "st-1"); len(ids) != 0 {
		t.Errorf("st-1 column = %v, want empty", ids)
	}
}

func TestFunnel_MoveStageRollsBackOnRejection(t *testing.T) {
	h := NewTestHarness(t)
	h.SeedBoard(defaultOpportunities()...)
	token := h.GenerateToken(SellerClaims())
	h.refresh(t, token)
	before := h.state(t, token)

	h.Backend().OnOperation("move_stage").RespondWithError(http.StatusBadRequest, "Estágio bloqueado")

	resp := h.PATCH("/funnel/opportunities/opp-1/stage", map[string]string{"stage_id": "st-2"}, token)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("status = %d, want 409", resp.StatusCode)
	}
	var body struct {
		Error model.ErrorEnvelope `json:"error"`
	}
	h.ParseJSON(resp, &body)
	if body.Error.Code != model.ErrMoveFailed {
		t.Errorf("code = %q, want MOVE_FAILED", body.Error.Code)
	}
	if body.Error.Message != "Estágio bloqueado" {
		t.Errorf("message = %q, want the service's message", body.Error.Message)
	}

	after := h.state(t, token)
	if stageOf(after, "opp-1") != "st-1" {
		t.Errorf("opp-1 stage = %q, want st-1 after rollback", stageOf(after, "opp-1"))
	}
	if len(after.Opportunities) != len(before.Opportunities) {
		t.Errorf("opportunities = %d, want %d", len(after.Opportunities), len(before.Opportunities))
	}
	for i := range before.Opportunities {
		if before.Opportunities[i].ID != after.Opportunities[i].ID {
			t.Errorf("order changed at %d: %s vs %s", i, before.Opportunities[i].ID, after.Opportunities[i].ID)
		}
	}
}

func TestFunnel_MoveStageRollsBackOnOutage(t *testing.T) {
	h := NewTestHarness(t)
	h.SeedBoard(defaultOpportunities()...)
	token := h.GenerateToken(SellerClaims())
	h.refresh(t, token)

	h.Backend().OnOperation("move_stage").RespondWithConnectionError()

	resp := h.PATCH("/funnel/opportunities/opp-1/stage", map[string]string{"stage_id": "st-2"}, token)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("status = %d, want 409", resp.StatusCode)
	}
	if code := h.ErrorCode(resp); code != model.ErrMoveFailed {
		t.Errorf("code = %q, want MOVE_FAILED", code)
	}
	if got := stageOf(h.state(t, token), "opp-1"); got != "st-1" {
		t.Errorf("opp-1 stage = %q, want st-1", got)
	}
}

func TestFunnel_DropGestures(t *testing.T) {
	h := NewTestHarness(t)
	h.SeedBoard(defaultOpportunities()...)
	token := h.GenerateToken(SellerClaims())
	h.refresh(t, token)
	mb := h.Backend()

	t.Run("same column is a no-op", func(t *testing.T) {
		resp := h.POST("/funnel/drop", map[string]string{"column": "st-1", "opportunity_id": "opp-1"}, token)
		h.AssertStatus(t, resp, http.StatusOK)
		resp.Body.Close()
		mb.AssertNotCalled(t, "move_stage")
	})

	t.Run("won column marks won", func(t *testing.T) {
		mb.OnOperation("set_status").RespondWithData(WithStatus(OpportunityFixture("opp-1", "st-1", "Uniformes escolares", 12000), "won"))

		var env model.Envelope[pipeline.Board]
		resp := h.POST("/funnel/drop", map[string]string{"column": "won", "opportunity_id": "opp-1"}, token)
		h.AssertJSON(t, resp, http.StatusOK, &env)

		req := mb.LastRequest("set_status")
		if req == nil || req.Body["status"] != "won" {
			t.Fatalf("set_status body = %v", req)
		}
		if _, ok := req.Body["loss_reason_id"]; ok {
			t.Error("won must not carry a loss reason")
		}
		if len(env.Data.Won) != 2 {
			t.Errorf("won = %d, want 2", len(env.Data.Won))
		}
	})

	t.Run("lost column uses first loss reason", func(t *testing.T) {
		mb.ResetOperation("set_status")
		lost := WithStatus(OpportunityFixture("opp-2", "st-2", "Camisetas evento", 3500), "lost")
		lost["loss_reason"] = "lr-1"
		mb.OnOperation("set_status").RespondWithData(lost)

		var env model.Envelope[pipeline.Board]
		resp := h.POST("/funnel/drop", map[string]string{"column": "lost", "opportunity_id": "opp-2"}, token)
		h.AssertJSON(t, resp, http.StatusOK, &env)

		req := mb.LastRequest("set_status")
		if req == nil || req.Body["status"] != "lost" || req.Body["loss_reason_id"] != "lr-1" {
			t.Fatalf("set_status body = %v", req)
		}
		if len(env.Data.Lost) != 1 || env.Data.Lost[0].ID != "opp-2" {
			t.Errorf("lost = %+v", env.Data.Lost)
		}
	})

	t.Run("unknown opportunity", func(t *testing.T) {
		resp := h.POST("/funnel/drop", map[string]string{"column": "st-2", "opportunity_id": "nope"}, token)
		if resp.StatusCode != http.StatusNotFound {
			t.Fatalf("status = %d, want 404", resp.StatusCode)
		}
		if code := h.ErrorCode(resp); code != model.ErrDealNotFound {
			t.Errorf("code = %q, want OPPORTUNITY_NOT_FOUND", code)
		}
	})
}

func TestFunnel_DropOnLostWithoutReasons(t *testing.T) {
	h := NewTestHarness(t)
	mb := h.Backend()
	mb.OnOperation("list_stages").RespondWithData(DefaultStages())
	mb.OnOperation("list_loss_reasons").RespondWithData([]map[string]any{})
	mb.OnOperation("list_opportunities").RespondWithData(defaultOpportunities())
	token := h.GenerateToken(SellerClaims())
	h.refresh(t, token)

	resp := h.POST("/funnel/drop", map[string]string{"column": "lost", "opportunity_id": "opp-1"}, token)
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422", resp.StatusCode)
	}
	if code := h.ErrorCode(resp); code != model.ErrNoLossReason {
		t.Errorf("code = %q, want NO_LOSS_REASON", code)
	}
	mb.AssertNotCalled(t, "set_status")
}

// ==========================================================================
// Other mutations
// ==========================================================================

func TestFunnel_CreateOpportunity(t *testing.T) {
	h := NewTestHarness(t)
	h.SeedBoard(defaultOpportunities()...)
	token := h.GenerateToken(SellerClaims())
	h.refresh(t, token)
	mb := h.Backend()

	t.Run("valid input is prepended", func(t *testing.T) {
		mb.OnOperation("create_opportunity").RespondWith(http.StatusCreated,
			Envelope(OpportunityFixture("opp-new", "st-1", "Bonés", 900)))

		var env model.Envelope[model.Opportunity]
		resp := h.POST("/funnel/opportunities", map[string]any{
			"client_id":       "cli-1",
			"stage_id":        "st-1",
			"title":           "Bonés",
			"estimated_value": 900,
		}, token)
		h.AssertJSON(t, resp, http.StatusCreated, &env)
		if env.Data.ID != "opp-new" {
			t.Errorf("id = %q, want opp-new", env.Data.ID)
		}

		req := mb.LastRequest("create_opportunity")
		if req == nil || req.Body["title"] != "Bonés" || req.Body["client_id"] != "cli-1" {
			t.Errorf("create body = %v", req)
		}

		st := h.state(t, token)
		if len(st.Opportunities) != 4 || st.Opportunities[0].ID != "opp-new" {
			t.Errorf("first opportunity = %q, want opp-new", st.Opportunities[0].ID)
		}
	})

	t.Run("missing fields never reach the service", func(t *testing.T) {
		mb.ResetOperation("create_opportunity")
		resp := h.POST("/funnel/opportunities", map[string]any{"title": ""}, token)
		h.AssertStatus(t, resp, http.StatusUnprocessableEntity)
		resp.Body.Close()
		mb.AssertNotCalled(t, "create_opportunity")
	})

	t.Run("service rejection", func(t *testing.T) {
		mb.OnOperation("create_opportunity").RespondWithError(http.StatusBadRequest, "Cliente inexistente")
		resp := h.POST("/funnel/opportunities", map[string]any{
			"client_id": "cli-x", "stage_id": "st-1", "title": "X", "estimated_value": 1,
		}, token)
		if resp.StatusCode != http.StatusUnprocessableEntity {
			t.Fatalf("status = %d, want 422", resp.StatusCode)
		}
		if code := h.ErrorCode(resp); code != model.ErrBackendRejected {
			t.Errorf("code = %q, want BACKEND_REJECTED", code)
		}
		if n := len(h.state(t, token).Opportunities); n != 4 {
			t.Errorf("opportunities = %d, want 4 (unchanged)", n)
		}
	})
}

func TestFunnel_UpdateOpportunity(t *testing.T) {
	h := NewTestHarness(t)
	h.SeedBoard(defaultOpportunities()...)
	token := h.GenerateToken(SellerClaims())
	h.refresh(t, token)

	h.Backend().OnOperation("update_opportunity").RespondWithData(
		OpportunityFixture("opp-2", "st-2", "Camisetas evento anual", 4200))

	var env model.Envelope[model.Opportunity]
	resp := h.PUT("/funnel/opportunities/opp-2", map[string]any{
		"title":           "Camisetas evento anual",
		"estimated_value": 4200,
	}, token)
	h.AssertJSON(t, resp, http.StatusOK, &env)

	req := h.Backend().LastRequest("update_opportunity")
	if req == nil {
		t.Fatal("update_opportunity not called")
	}
	if _, ok := req.Body["stage_id"]; ok {
		t.Error("unset fields must not be sent")
	}

	for _, o := range h.state(t, token).Opportunities {
		if o.ID == "opp-2" && o.EstimatedValue != 4200 {
			t.Errorf("estimated value = %v, want 4200", o.EstimatedValue)
		}
	}
}

func TestFunnel_GetOpportunity(t *testing.T) {
	h := NewTestHarness(t)
	token := h.GenerateToken(SellerClaims())
	mb := h.Backend()

	detail := OpportunityFixture("opp-9", "st-1", "Aventais", 700)
	detail["history"] = []map[string]any{{
		"_id": "h1", "opportunity": "opp-9", "user": "user-seller", "action": "created",
		"createdAt": "2024-01-15T10:30:00Z",
	}}
	mb.OnOperation("get_opportunity").RespondWithData(detail)

	var env model.Envelope[model.Opportunity]
	h.AssertJSON(t, h.GET("/funnel/opportunities/opp-9", token), http.StatusOK, &env)
	if env.Data.ID != "opp-9" || len(env.Data.History) != 1 {
		t.Errorf("detail = %+v", env.Data)
	}

	// Detail reads do not touch the cached list.
	if n := len(h.state(t, token).Opportunities); n != 0 {
		t.Errorf("opportunities = %d, want 0", n)
	}

	mb.ResetOperation("get_opportunity")
	mb.OnOperation("get_opportunity").RespondWithError(http.StatusNotFound, "Oportunidade não encontrada")
	resp := h.GET("/funnel/opportunities/opp-9", token)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
	if code := h.ErrorCode(resp); code != model.ErrDealNotFound {
		t.Errorf("code = %q, want OPPORTUNITY_NOT_FOUND", code)
	}
}

func TestFunnel_MarkLostRequiresReason(t *testing.T) {
	h := NewTestHarness(t)
	h.SeedBoard(defaultOpportunities()...)
	token := h.GenerateToken(SellerClaims())
	h.refresh(t, token)

	resp := h.POST("/funnel/opportunities/opp-1/lost", map[string]string{}, token)
	h.AssertStatus(t, resp, http.StatusUnprocessableEntity)
	resp.Body.Close()
	h.Backend().AssertNotCalled(t, "set_status")
}

func TestFunnel_MarkWonFailureLeavesStateUntouched(t *testing.T) {
	h := NewTestHarness(t)
	h.SeedBoard(defaultOpportunities()...)
	token := h.GenerateToken(SellerClaims())
	h.refresh(t, token)

	h.Backend().OnOperation("set_status").RespondWithError(http.StatusConflict, "Oportunidade já finalizada")

	resp := h.POST("/funnel/opportunities/opp-1/won", nil, token)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("status = %d, want 409", resp.StatusCode)
	}
	if code := h.ErrorCode(resp); code != model.ErrConflict {
		t.Errorf("code = %q, want CONFLICT", code)
	}
	for _, o := range h.state(t, token).Opportunities {
		if o.ID == "opp-1" && o.Status != model.StatusOpen {
			t.Errorf("status = %q, want open", o.Status)
		}
	}
}

func TestFunnel_ConvertToSale(t *testing.T) {
	h := NewTestHarness(t)
	h.SeedBoard(defaultOpportunities()...)
	token := h.GenerateToken(SellerClaims())
	h.refresh(t, token)

	converted := WithStatus(OpportunityFixture("opp-1", "st-won", "Uniformes escolares", 12000), "won")
	converted["converted_sale"] = "sale-77"
	h.Backend().OnOperation("convert_to_sale").RespondWithData(map[string]any{
		"opportunity": converted,
		"sale":        map[string]any{"_id": "sale-77", "saleNumber": "V-2024-0077"},
	})

	var env model.Envelope[model.ConvertResult]
	resp := h.POST("/funnel/opportunities/opp-1/convert", map[string]string{"customer_id": "cust-1"}, token)
	h.AssertJSON(t, resp, http.StatusCreated, &env)
	if env.Data.SaleID != "sale-77" || env.Data.SaleNumber != "V-2024-0077" {
		t.Errorf("result = %+v", env.Data)
	}

	req := h.Backend().LastRequest("convert_to_sale")
	if req == nil || req.Body["customer_id"] != "cust-1" {
		t.Errorf("convert body = %v", req)
	}

	b := h.board(t, token)
	if len(b.Won) != 2 {
		t.Errorf("won = %d, want 2 after conversion", len(b.Won))
	}
}

func TestFunnel_Activities(t *testing.T) {
	h := NewTestHarness(t)
	token := h.GenerateToken(SellerClaims())
	mb := h.Backend()

	activity := map[string]any{
		"_id":         "act-1",
		"opportunity": "opp-1",
		"type":        "call",
		"title":       "Ligar para o cliente",
		"due_at":      "2024-02-01T14:00:00Z",
		"createdBy":   map[string]any{"_id": "user-seller", "name": "Vendedor Teste"},
		"createdAt":   "2024-01-15T10:30:00Z",
		"updatedAt":   "2024-01-15T10:30:00Z",
	}
	mb.OnOperation("add_activity").RespondWith(http.StatusCreated, Envelope(activity))
	mb.OnOperation("list_activities").RespondWithData([]map[string]any{activity})

	var added model.Envelope[model.OpportunityActivity]
	resp := h.POST("/funnel/opportunities/opp-1/activities", map[string]any{
		"type":   "call",
		"title":  "Ligar para o cliente",
		"due_at": "2024-02-01T14:00:00Z",
	}, token)
	h.AssertJSON(t, resp, http.StatusCreated, &added)
	if added.Data.ID != "act-1" || added.Data.Type != model.ActivityCall {
		t.Errorf("activity = %+v", added.Data)
	}

	var listed model.Envelope[[]model.OpportunityActivity]
	h.AssertJSON(t, h.GET("/funnel/opportunities/opp-1/activities", token), http.StatusOK, &listed)
	if len(listed.Data) != 1 || !listed.Data[0].CreatedBy.Populated() {
		t.Errorf("activities = %+v", listed.Data)
	}

	resp = h.POST("/funnel/opportunities/opp-1/activities", map[string]any{"type": "visit", "title": "x"}, token)
	h.AssertStatus(t, resp, http.StatusUnprocessableEntity)
	resp.Body.Close()
	mb.AssertCalled(t, "add_activity", 1)
}

// ==========================================================================
// Admin operations
// ==========================================================================

func TestFunnel_DeleteIsAdminOnly(t *testing.T) {
	h := NewTestHarness(t)
	h.SeedBoard(defaultOpportunities()...)
	mb := h.Backend()

	seller := h.GenerateToken(SellerClaims())
	resp := h.DELETE("/funnel/opportunities/opp-1", seller)
	h.AssertStatus(t, resp, http.StatusForbidden)
	resp.Body.Close()
	mb.AssertNotCalled(t, "delete_opportunity")

	admin := h.GenerateToken(AdminClaims())
	h.refresh(t, admin)

	var env model.Envelope[any]
	h.AssertJSON(t, h.DELETE("/funnel/opportunities/opp-1", admin), http.StatusOK, &env)
	if env.Message != "Opportunity deleted" {
		t.Errorf("message = %q", env.Message)
	}
	mb.AssertCalled(t, "delete_opportunity", 1)
	if got := stageOf(h.state(t, admin), "opp-1"); got != "" {
		t.Error("opp-1 should be gone from the admin's list")
	}
}

func TestFunnel_DeleteRemovesLocallyEvenOnFailure(t *testing.T) {
	h := NewTestHarness(t)
	h.SeedBoard(defaultOpportunities()...)
	admin := h.GenerateToken(AdminClaims())
	h.refresh(t, admin)

	h.Backend().OnOperation("delete_opportunity").RespondWithError(http.StatusBadRequest, "Não permitido")

	resp := h.DELETE("/funnel/opportunities/opp-2", admin)
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422", resp.StatusCode)
	}
	resp.Body.Close()

	if got := stageOf(h.state(t, admin), "opp-2"); got != "" {
		t.Error("opp-2 should be removed locally despite the failure")
	}
}

func TestFunnel_SyncProposalsReloads(t *testing.T) {
	h := NewTestHarness(t)
	h.SeedBoard(defaultOpportunities()...)
	mb := h.Backend()
	mb.OnOperation("sync_proposals").RespondWithData(map[string]any{
		"total": 5, "created": 2, "updated": 3, "skippedNoClient": 0,
	})

	seller := h.GenerateToken(SellerClaims())
	resp := h.POST("/funnel/sync-proposals", nil, seller)
	h.AssertStatus(t, resp, http.StatusForbidden)
	resp.Body.Close()
	mb.AssertNotCalled(t, "sync_proposals")

	admin := h.GenerateToken(AdminClaims())
	var env model.Envelope[model.SyncResult]
	h.AssertJSON(t, h.POST("/funnel/sync-proposals", nil, admin), http.StatusOK, &env)
	if env.Data.Created != 2 || env.Data.Updated != 3 {
		t.Errorf("result = %+v", env.Data)
	}

	mb.AssertCalled(t, "sync_proposals", 1)
	mb.AssertCalled(t, "list_opportunities", 1)
	if n := len(h.state(t, admin).Opportunities); n != 3 {
		t.Errorf("opportunities = %d, want 3 after reload", n)
	}
}

// ==========================================================================
// Sessions
// ==========================================================================

func TestFunnel_SessionsAreIsolated(t *testing.T) {
	h := NewTestHarness(t)
	h.SeedBoard(defaultOpportunities()...)

	first := h.GenerateToken(SellerClaims())
	second := h.GenerateToken(OtherSellerClaims())

	h.refresh(t, first)
	resp := h.PUT("/funnel/view-mode", map[string]string{"viewMode": "list"}, first)
	resp.Body.Close()

	st := h.state(t, second)
	if len(st.Opportunities) != 0 {
		t.Errorf("second seller sees %d opportunities, want 0", len(st.Opportunities))
	}
	if st.ViewMode != model.ViewKanban {
		t.Errorf("second seller view mode = %q, want kanban", st.ViewMode)
	}
	if h.Sessions.Len() != 2 {
		t.Errorf("sessions = %d, want 2", h.Sessions.Len())
	}
}

func TestFunnel_SnapshotWarmsSessionAfterRestart(t *testing.T) {
	h := NewTestHarness(t)
	h.SeedBoard(defaultOpportunities()...)
	token := h.GenerateToken(SellerClaims())
	h.refresh(t, token)

	h.Restart()

	mb := h.Backend()
	mb.Reset()
	mb.OnOperation("list_opportunities").RespondWith(http.StatusServiceUnavailable, map[string]any{"success": false})

	st := h.state(t, token)
	if len(st.Opportunities) != 3 {
		t.Fatalf("opportunities = %d, want 3 restored from snapshot", len(st.Opportunities))
	}
	if len(st.Stages) != 4 {
		t.Errorf("stages = %d, want 4 restored from snapshot", len(st.Stages))
	}

	env := h.refresh(t, token)
	if env.Message == "" {
		t.Error("refresh against a failing service should report the failure")
	}
	if len(env.Data.Opportunities) != 3 {
		t.Errorf("opportunities = %d, want the snapshot kept", len(env.Data.Opportunities))
	}
	if !strings.Contains(strings.ToLower(env.Data.Error), "unavailable") {
		t.Errorf("error = %q, want an unavailability message", env.Data.Error)
	}
}
