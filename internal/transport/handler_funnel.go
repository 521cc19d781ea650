package transport

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/pitabwire/funnel/internal/pipeline"
	"github.com/pitabwire/funnel/model"
)

const maxBodyBytes = 1 << 20

// storeFor returns the calling user's store. It writes the error response and
// returns false when no store can be resolved.
func storeFor(w http.ResponseWriter, r *http.Request, sessions *pipeline.Sessions) (*pipeline.Store, bool) {
	subject, ok := model.SubjectFrom(r.Context())
	if !ok {
		WriteError(w, model.NewUnauthorizedError("missing request context"))
		return nil, false
	}
	store, err := sessions.Get(r.Context(), subject)
	if err != nil {
		WriteError(w, err)
		return nil, false
	}
	return store, true
}

// decodeBody reads a JSON body into v. An empty body leaves v untouched;
// bodies over maxBodyBytes are refused whole.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	err := json.NewDecoder(r.Body).Decode(v)
	if err == nil {
		// Drain so bytes past the document still count against the cap.
		_, err = io.Copy(io.Discard, r.Body)
	}
	var tooLarge *http.MaxBytesError
	switch {
	case err == nil, errors.Is(err, io.EOF):
		return nil
	case errors.As(err, &tooLarge):
		return model.NewError(model.ErrPayloadTooLarge,
			fmt.Sprintf("The request body exceeds %d bytes", tooLarge.Limit))
	}
	return model.NewBadRequestError("invalid JSON body")
}

func required(field string) error {
	return model.NewValidationError([]model.FieldError{{
		Field:   field,
		Code:    "REQUIRED",
		Message: field + " is required",
	}})
}


func handleFunnelState(sessions *pipeline.Sessions) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		store, ok := storeFor(w, r, sessions)
		if !ok {
			return
		}
		WriteData(w, http.StatusOK, store.State())
	}
}

func handleFunnelBoard(sessions *pipeline.Sessions) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		store, ok := storeFor(w, r, sessions)
		if !ok {
			return
		}
		WriteData(w, http.StatusOK, store.Board())
	}
}

// handleRefresh reloads everything. A failed fetch is not an HTTP error: the
// last-known-good state is returned with the failure in message.
func handleRefresh(sessions *pipeline.Sessions) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		store, ok := storeFor(w, r, sessions)
		if !ok {
			return
		}
		store.FetchAll(r.Context())
		writeState(w, store.State())
	}
}

func handleSetFilters(sessions *pipeline.Sessions) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		store, ok := storeFor(w, r, sessions)
		if !ok {
			return
		}
		var patch model.FiltersPatch
		if err := decodeBody(w, r, &patch); err != nil {
			WriteError(w, err)
			return
		}
		if patch.Status != nil && *patch.Status != "" && !patch.Status.IsValid() {
			WriteValidationError(w, []model.FieldError{{
				Field:   "status",
				Code:    "ENUM",
				Message: "status must be open, won or lost",
			}})
			return
		}
		store.SetFilters(patch)
		store.FetchOpportunities(r.Context())
		writeState(w, store.State())
	}
}

func writeState(w http.ResponseWriter, st pipeline.StoreState) {
	WriteJSON(w, http.StatusOK, model.Envelope[pipeline.StoreState]{
		Success: true,
		Data:    st,
		Message: st.Error,
	})
}

func handleSetViewMode(sessions *pipeline.Sessions) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		store, ok := storeFor(w, r, sessions)
		if !ok {
			return
		}
		var body struct {
			ViewMode model.ViewMode `json:"viewMode"`
		}
		if err := decodeBody(w, r, &body); err != nil {
			WriteError(w, err)
			return
		}
		if err := store.SetViewMode(body.ViewMode); err != nil {
			WriteError(w, err)
			return
		}
		WriteData(w, http.StatusOK, body)
	}
}

func handleCreateOpportunity(sessions *pipeline.Sessions) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		store, ok := storeFor(w, r, sessions)
		if !ok {
			return
		}
		var in model.CreateOpportunityInput
		if err := decodeBody(w, r, &in); err != nil {
			WriteError(w, err)
			return
		}
		if err := in.Validate(); err != nil {
			WriteError(w, err)
			return
		}
		created := store.CreateDeal(r.Context(), in)
		if created == nil {
			WriteError(w, model.NewBackendRejectedError(0, "The opportunity could not be created"))
			return
		}
		WriteData(w, http.StatusCreated, created)
	}
}

func handleGetOpportunity(sessions *pipeline.Sessions) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		store, ok := storeFor(w, r, sessions)
		if !ok {
			return
		}
		id := chi.URLParam(r, "id")
		opp := store.GetOpportunityByID(r.Context(), id)
		if opp == nil {
			WriteError(w, &model.ErrorEnvelope{Code: model.ErrDealNotFound, Message: "Opportunity not found"})
			return
		}
		WriteData(w, http.StatusOK, opp)
	}
}

func handleUpdateOpportunity(sessions *pipeline.Sessions) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		store, ok := storeFor(w, r, sessions)
		if !ok {
			return
		}
		var in model.UpdateOpportunityInput
		if err := decodeBody(w, r, &in); err != nil {
			WriteError(w, err)
			return
		}
		updated := store.UpdateDeal(r.Context(), chi.URLParam(r, "id"), in)
		if updated == nil {
			WriteError(w, model.NewBackendRejectedError(0, "The opportunity could not be updated"))
			return
		}
		WriteData(w, http.StatusOK, updated)
	}
}

func handleMoveStage(sessions *pipeline.Sessions) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		store, ok := storeFor(w, r, sessions)
		if !ok {
			return
		}
		var body struct {
			StageID string `json:"stage_id"`
		}
		if err := decodeBody(w, r, &body); err != nil {
			WriteError(w, err)
			return
		}
		if body.StageID == "" {
			WriteError(w, required("stage_id"))
			return
		}
		moved, err := store.Move(r.Context(), chi.URLParam(r, "id"), body.StageID)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteData(w, http.StatusOK, moved)
	}
}

func handleMarkWon(sessions *pipeline.Sessions) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		store, ok := storeFor(w, r, sessions)
		if !ok {
			return
		}
		won, err := store.Finalize(r.Context(), chi.URLParam(r, "id"), model.StatusWon, "")
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteData(w, http.StatusOK, won)
	}
}

func handleMarkLost(sessions *pipeline.Sessions) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		store, ok := storeFor(w, r, sessions)
		if !ok {
			return
		}
		var body struct {
			LossReasonID string `json:"loss_reason_id"`
		}
		if err := decodeBody(w, r, &body); err != nil {
			WriteError(w, err)
			return
		}
		lost, err := store.Finalize(r.Context(), chi.URLParam(r, "id"), model.StatusLost, body.LossReasonID)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteData(w, http.StatusOK, lost)
	}
}

func handleConvert(sessions *pipeline.Sessions) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		store, ok := storeFor(w, r, sessions)
		if !ok {
			return
		}
		var body struct {
			CustomerID string `json:"customer_id"`
		}
		if err := decodeBody(w, r, &body); err != nil {
			WriteError(w, err)
			return
		}
		if body.CustomerID == "" {
			WriteError(w, required("customer_id"))
			return
		}
		res := store.ConvertToSale(r.Context(), chi.URLParam(r, "id"), body.CustomerID)
		if res == nil {
			WriteError(w, model.NewBackendRejectedError(0, "The opportunity could not be converted to a sale"))
			return
		}
		WriteData(w, http.StatusCreated, res)
	}
}

func handleListActivities(sessions *pipeline.Sessions) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		store, ok := storeFor(w, r, sessions)
		if !ok {
			return
		}
		acts := store.ListActivities(r.Context(), chi.URLParam(r, "id"))
		if acts == nil {
			WriteError(w, model.NewBackendRejectedError(0, "The activities could not be loaded"))
			return
		}
		WriteData(w, http.StatusOK, acts)
	}
}

func handleAddActivity(sessions *pipeline.Sessions) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		store, ok := storeFor(w, r, sessions)
		if !ok {
			return
		}
		var in model.ActivityInput
		if err := decodeBody(w, r, &in); err != nil {
			WriteError(w, err)
			return
		}
		if err := in.Validate(); err != nil {
			WriteError(w, err)
			return
		}
		act := store.AddActivity(r.Context(), chi.URLParam(r, "id"), in)
		if act == nil {
			WriteError(w, model.NewBackendRejectedError(0, "The activity could not be added"))
			return
		}
		WriteData(w, http.StatusCreated, act)
	}
}

// handleDeleteOpportunity reports the remote outcome; the opportunity leaves
// the cached list either way.
func handleDeleteOpportunity(sessions *pipeline.Sessions) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		store, ok := storeFor(w, r, sessions)
		if !ok {
			return
		}
		if err := store.DeleteDeal(r.Context(), chi.URLParam(r, "id")); err != nil {
			WriteError(w, err)
			return
		}
		WriteMessage(w, http.StatusOK, "Opportunity deleted")
	}
}

func handleDrop(sessions *pipeline.Sessions) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		store, ok := storeFor(w, r, sessions)
		if !ok {
			return
		}
		var body struct {
			Column        string `json:"column"`
			OpportunityID string `json:"opportunity_id"`
		}
		if err := decodeBody(w, r, &body); err != nil {
			WriteError(w, err)
			return
		}
		var details []model.FieldError
		if body.Column == "" {
			details = append(details, model.FieldError{Field: "column", Code: "REQUIRED", Message: "column is required"})
		}
		if body.OpportunityID == "" {
			details = append(details, model.FieldError{Field: "opportunity_id", Code: "REQUIRED", Message: "opportunity_id is required"})
		}
		if len(details) > 0 {
			WriteValidationError(w, details)
			return
		}
		if err := pipeline.Drop(r.Context(), store, body.Column, body.OpportunityID); err != nil {
			WriteError(w, err)
			return
		}
		WriteData(w, http.StatusOK, store.Board())
	}
}

func handleSyncProposals(sessions *pipeline.Sessions) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		store, ok := storeFor(w, r, sessions)
		if !ok {
			return
		}
		res, err := store.SyncProposals(r.Context())
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteData(w, http.StatusOK, res)
	}
}
