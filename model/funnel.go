package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"time"
)

// OpportunityStatus is the lifecycle status of an opportunity.
type OpportunityStatus string

const (
	StatusOpen OpportunityStatus = "open"
	StatusWon  OpportunityStatus = "won"
	StatusLost OpportunityStatus = "lost"
)

// IsValid reports whether s is a known status.
func (s OpportunityStatus) IsValid() bool {
	switch s {
	case StatusOpen, StatusWon, StatusLost:
		return true
	}
	return false
}

// ActivityType classifies an opportunity activity.
type ActivityType string

const (
	ActivityTask    ActivityType = "task"
	ActivityCall    ActivityType = "call"
	ActivityMessage ActivityType = "message"
)

// IsValid reports whether t is a known activity type.
func (t ActivityType) IsValid() bool {
	switch t {
	case ActivityTask, ActivityCall, ActivityMessage:
		return true
	}
	return false
}

// HistoryAction names the kind of change recorded in an opportunity's history.
type HistoryAction string

const (
	HistoryCreated       HistoryAction = "created"
	HistoryUpdated       HistoryAction = "updated"
	HistoryStageChanged  HistoryAction = "stage_changed"
	HistoryStatusChanged HistoryAction = "status_changed"
	HistoryConverted     HistoryAction = "converted"
)

// ViewMode selects how the pipeline is presented.
type ViewMode string

const (
	ViewKanban ViewMode = "kanban"
	ViewList   ViewMode = "list"
)

// IsValid reports whether m is a known view mode.
func (m ViewMode) IsValid() bool {
	return m == ViewKanban || m == ViewList
}

// PipelineStage is a named, ordered column of the sales funnel. Stages flagged
// IsWon or IsLost are terminal and never shown as working columns.
type PipelineStage struct {
	ID        string     `json:"_id"`
	Name      string     `json:"name"`
	Order     int        `json:"order"`
	Color     string     `json:"color"`
	IsWon     bool       `json:"isWon"`
	IsLost    bool       `json:"isLost"`
	IsDeleted bool       `json:"isDeleted,omitempty"`
	DeletedAt *time.Time `json:"deletedAt,omitempty"`
	CreatedAt time.Time  `json:"createdAt"`
	UpdatedAt time.Time  `json:"updatedAt"`
}

// IsTerminal reports whether the stage finalizes an opportunity.
func (s PipelineStage) IsTerminal() bool {
	return s.IsWon || s.IsLost
}

// LossReason is a catalog entry explaining why an opportunity was lost.
type LossReason struct {
	ID        string     `json:"_id"`
	Name      string     `json:"name"`
	Order     int        `json:"order"`
	IsDeleted bool       `json:"isDeleted,omitempty"`
	DeletedAt *time.Time `json:"deletedAt,omitempty"`
	CreatedAt time.Time  `json:"createdAt"`
	UpdatedAt time.Time  `json:"updatedAt"`
}

// UserSummary is the populated subset of a user document.
type UserSummary struct {
	ID    string `json:"_id"`
	Name  string `json:"name,omitempty"`
	Email string `json:"email,omitempty"`
	Role  string `json:"role,omitempty"`
}

// ClientContact is the primary contact of a client.
type ClientContact struct {
	Nome     string `json:"nome,omitempty"`
	Email    string `json:"email,omitempty"`
	Telefone string `json:"telefone,omitempty"`
}

// ClientSummary is the populated subset of a client document.
type ClientSummary struct {
	ID           string          `json:"_id"`
	RazaoSocial  string          `json:"razaoSocial,omitempty"`
	NomeFantasia string          `json:"nomeFantasia,omitempty"`
	Contato      *ClientContact  `json:"contato,omitempty"`
	Endereco     json.RawMessage `json:"endereco,omitempty"`
}

// DisplayName returns the trade name when present, otherwise the legal name.
func (c ClientSummary) DisplayName() string {
	if c.NomeFantasia != "" {
		return c.NomeFantasia
	}
	return c.RazaoSocial
}

// OpportunityActivity is a task, call or message scheduled on an opportunity.
type OpportunityActivity struct {
	ID          string           `json:"_id"`
	Opportunity string           `json:"opportunity"`
	Type        ActivityType     `json:"type"`
	Title       string           `json:"title"`
	DueAt       *time.Time       `json:"due_at"`
	CompletedAt *time.Time       `json:"completed_at"`
	Notes       string           `json:"notes,omitempty"`
	CreatedBy   Ref[UserSummary] `json:"createdBy"`
	IsDeleted   bool             `json:"isDeleted,omitempty"`
	CreatedAt   time.Time        `json:"createdAt"`
	UpdatedAt   time.Time        `json:"updatedAt"`
}

// OpportunityHistoryEntry is one audit record. Read-only.
type OpportunityHistoryEntry struct {
	ID          string           `json:"_id"`
	Opportunity string           `json:"opportunity"`
	User        Ref[UserSummary] `json:"user"`
	Action      HistoryAction    `json:"action"`
	Field       string           `json:"field,omitempty"`
	OldValue    any              `json:"oldValue,omitempty"`
	NewValue    any              `json:"newValue,omitempty"`
	CreatedAt   time.Time        `json:"createdAt"`
}

// Opportunity is a deal progressing through the pipeline stages.
type Opportunity struct {
	ID                string                    `json:"_id"`
	Client            Ref[ClientSummary]        `json:"client"`
	ResponsibleUser   Ref[UserSummary]          `json:"responsible_user"`
	Stage             Ref[PipelineStage]        `json:"stage"`
	Title             string                    `json:"title"`
	EstimatedValue    float64                   `json:"estimated_value"`
	WinProbability    int                       `json:"win_probability"`
	ExpectedCloseDate *time.Time                `json:"expected_close_date"`
	LeadSource        string                    `json:"lead_source"`
	Description       string                    `json:"description,omitempty"`
	NextActivityAt    *time.Time                `json:"next_activity_at"`
	Status            OpportunityStatus         `json:"status"`
	LossReason        *Ref[LossReason]          `json:"loss_reason,omitempty"`
	ConvertedSale     *string                   `json:"converted_sale,omitempty"`
	Activities        []OpportunityActivity     `json:"activities,omitempty"`
	History           []OpportunityHistoryEntry `json:"history,omitempty"`
	CreatedAt         time.Time                 `json:"createdAt"`
	UpdatedAt         time.Time                 `json:"updatedAt"`
}

// StageID returns the id of the stage the opportunity currently sits in.
func (o *Opportunity) StageID() string {
	return o.Stage.ID
}

// Clone returns a deep copy of o. Embedded references, timestamps and the
// activity and history entries are all copied.
func (o Opportunity) Clone() Opportunity {
	c := o
	c.Client = o.Client.cloneWith(ClientSummary.clone)
	c.ResponsibleUser = o.ResponsibleUser.cloneWith(UserSummary.clone)
	c.Stage = o.Stage.cloneWith(PipelineStage.Clone)
	c.ExpectedCloseDate = clonePtr(o.ExpectedCloseDate)
	c.NextActivityAt = clonePtr(o.NextActivityAt)
	c.ConvertedSale = clonePtr(o.ConvertedSale)
	if o.LossReason != nil {
		lr := o.LossReason.cloneWith(LossReason.Clone)
		c.LossReason = &lr
	}
	if o.Activities != nil {
		c.Activities = make([]OpportunityActivity, len(o.Activities))
		for i, a := range o.Activities {
			c.Activities[i] = a.clone()
		}
	}
	if o.History != nil {
		c.History = make([]OpportunityHistoryEntry, len(o.History))
		for i, h := range o.History {
			c.History[i] = h.clone()
		}
	}
	return c
}

// Clone returns a copy of s that does not share DeletedAt.
func (s PipelineStage) Clone() PipelineStage {
	s.DeletedAt = clonePtr(s.DeletedAt)
	return s
}

// Clone returns a copy of r that does not share DeletedAt.
func (r LossReason) Clone() LossReason {
	r.DeletedAt = clonePtr(r.DeletedAt)
	return r
}

func (u UserSummary) clone() UserSummary { return u }

func (c ClientSummary) clone() ClientSummary {
	c.Contato = clonePtr(c.Contato)
	if c.Endereco != nil {
		c.Endereco = append(json.RawMessage(nil), c.Endereco...)
	}
	return c
}

func (a OpportunityActivity) clone() OpportunityActivity {
	a.DueAt = clonePtr(a.DueAt)
	a.CompletedAt = clonePtr(a.CompletedAt)
	a.CreatedBy = a.CreatedBy.cloneWith(UserSummary.clone)
	return a
}

func (h OpportunityHistoryEntry) clone() OpportunityHistoryEntry {
	h.User = h.User.cloneWith(UserSummary.clone)
	h.OldValue = cloneJSONValue(h.OldValue)
	h.NewValue = cloneJSONValue(h.NewValue)
	return h
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

// cloneJSONValue copies the maps and slices of a decoded JSON value.
func cloneJSONValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		m := make(map[string]any, len(t))
		for k, e := range t {
			m[k] = cloneJSONValue(e)
		}
		return m
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneJSONValue(e)
		}
		return out
	case json.RawMessage:
		return append(json.RawMessage(nil), t...)
	}
	return v
}

// Validate checks the status rules of an opportunity: a lost
// opportunity carries a loss reason and an open one is never converted.
func (o *Opportunity) Validate() error {
	var errs []error
	if o.ID == "" {
		errs = append(errs, errors.New("_id is required"))
	}
	if !o.Status.IsValid() {
		errs = append(errs, fmt.Errorf("status %q is invalid", o.Status))
	}
	if o.Status == StatusLost && (o.LossReason == nil || o.LossReason.IsZero()) {
		errs = append(errs, errors.New("lost opportunity requires a loss_reason"))
	}
	if o.Status == StatusOpen && o.ConvertedSale != nil && *o.ConvertedSale != "" {
		errs = append(errs, errors.New("open opportunity cannot reference a converted sale"))
	}
	if o.WinProbability < 0 || o.WinProbability > 100 {
		errs = append(errs, fmt.Errorf("win_probability %d out of range", o.WinProbability))
	}
	return errors.Join(errs...)
}

// FunnelFilters narrows the opportunity list. Empty fields are unset.
type FunnelFilters struct {
	SellerID string            `json:"sellerId,omitempty"`
	StageID  string            `json:"stageId,omitempty"`
	Status   OpportunityStatus `json:"status,omitempty"`
	DateFrom string            `json:"dateFrom,omitempty"`
	DateTo   string            `json:"dateTo,omitempty"`
	Search   string            `json:"search,omitempty"`
}

// Query encodes the filters as the list endpoint's query parameters.
func (f FunnelFilters) Query() url.Values {
	q := url.Values{}
	set := func(k, v string) {
		if v != "" {
			q.Set(k, v)
		}
	}
	set("seller", f.SellerID)
	set("stage", f.StageID)
	set("status", string(f.Status))
	set("dateFrom", f.DateFrom)
	set("dateTo", f.DateTo)
	set("search", f.Search)
	return q
}

// FiltersPatch is a partial filter update. Nil fields are left unchanged; an
// empty string clears the field.
type FiltersPatch struct {
	SellerID *string            `json:"sellerId,omitempty"`
	StageID  *string            `json:"stageId,omitempty"`
	Status   *OpportunityStatus `json:"status,omitempty"`
	DateFrom *string            `json:"dateFrom,omitempty"`
	DateTo   *string            `json:"dateTo,omitempty"`
	Search   *string            `json:"search,omitempty"`
}

// Apply merges the patch into f and returns the result.
func (p FiltersPatch) Apply(f FunnelFilters) FunnelFilters {
	if p.SellerID != nil {
		f.SellerID = *p.SellerID
	}
	if p.StageID != nil {
		f.StageID = *p.StageID
	}
	if p.Status != nil {
		f.Status = *p.Status
	}
	if p.DateFrom != nil {
		f.DateFrom = *p.DateFrom
	}
	if p.DateTo != nil {
		f.DateTo = *p.DateTo
	}
	if p.Search != nil {
		f.Search = *p.Search
	}
	return f
}

// CreateOpportunityInput is the body of a create request.
type CreateOpportunityInput struct {
	ClientID          string     `json:"client_id"`
	StageID           string     `json:"stage_id"`
	Title             string     `json:"title"`
	EstimatedValue    float64    `json:"estimated_value"`
	ResponsibleUserID string     `json:"responsible_user_id,omitempty"`
	WinProbability    *int       `json:"win_probability,omitempty"`
	ExpectedCloseDate *time.Time `json:"expected_close_date,omitempty"`
	LeadSource        string     `json:"lead_source,omitempty"`
	Description       string     `json:"description,omitempty"`
	NextActivityAt    *time.Time `json:"next_activity_at,omitempty"`
}

// Validate checks the mandatory fields.
func (in CreateOpportunityInput) Validate() error {
	var details []FieldError
	if in.ClientID == "" {
		details = append(details, FieldError{Field: "client_id", Code: "REQUIRED", Message: "client_id is required"})
	}
	if in.StageID == "" {
		details = append(details, FieldError{Field: "stage_id", Code: "REQUIRED", Message: "stage_id is required"})
	}
	if in.Title == "" {
		details = append(details, FieldError{Field: "title", Code: "REQUIRED", Message: "title is required"})
	}
	if in.EstimatedValue < 0 {
		details = append(details, FieldError{Field: "estimated_value", Code: "MIN", Message: "estimated_value must not be negative"})
	}
	if in.WinProbability != nil && (*in.WinProbability < 0 || *in.WinProbability > 100) {
		details = append(details, FieldError{Field: "win_probability", Code: "RANGE", Message: "win_probability must be between 0 and 100"})
	}
	if len(details) > 0 {
		return NewValidationError(details)
	}
	return nil
}

// UpdateOpportunityInput is a partial update. Nil fields are not sent.
type UpdateOpportunityInput struct {
	ClientID          *string    `json:"client_id,omitempty"`
	StageID           *string    `json:"stage_id,omitempty"`
	Title             *string    `json:"title,omitempty"`
	EstimatedValue    *float64   `json:"estimated_value,omitempty"`
	ResponsibleUserID *string    `json:"responsible_user_id,omitempty"`
	WinProbability    *int       `json:"win_probability,omitempty"`
	ExpectedCloseDate *time.Time `json:"expected_close_date,omitempty"`
	LeadSource        *string    `json:"lead_source,omitempty"`
	Description       *string    `json:"description,omitempty"`
	NextActivityAt    *time.Time `json:"next_activity_at,omitempty"`
}

// ActivityInput is the body of an add-activity request.
type ActivityInput struct {
	Type  ActivityType `json:"type"`
	Title string       `json:"title"`
	DueAt *time.Time   `json:"due_at,omitempty"`
	Notes string       `json:"notes,omitempty"`
}

// Validate checks the activity type and title.
func (in ActivityInput) Validate() error {
	var details []FieldError
	if !in.Type.IsValid() {
		details = append(details, FieldError{Field: "type", Code: "ENUM", Message: "type must be task, call or message"})
	}
	if in.Title == "" {
		details = append(details, FieldError{Field: "title", Code: "REQUIRED", Message: "title is required"})
	}
	if len(details) > 0 {
		return NewValidationError(details)
	}
	return nil
}

// ConvertResult identifies the sale created from an opportunity.
type ConvertResult struct {
	SaleID     string `json:"saleId"`
	SaleNumber string `json:"saleNumber"`
}

// SaleRef is the sale summary returned by the convert endpoint.
type SaleRef struct {
	ID         string `json:"_id"`
	SaleNumber string `json:"saleNumber"`
}

// ConvertResponse is the payload of a successful conversion.
type ConvertResponse struct {
	Opportunity *Opportunity `json:"opportunity"`
	Sale        *SaleRef     `json:"sale"`
}

// SyncResult reports the outcome of a proposals-to-funnel synchronisation.
type SyncResult struct {
	Total           int      `json:"total"`
	Created         int      `json:"created"`
	Updated         int      `json:"updated"`
	SkippedNoClient int      `json:"skippedNoClient"`
	Errors          []string `json:"errors,omitempty"`
}

// Snapshot is the last-known-good pipeline data of one subject.
type Snapshot struct {
	Stages        []PipelineStage `json:"stages"`
	Opportunities []Opportunity   `json:"opportunities"`
	LossReasons   []LossReason    `json:"loss_reasons"`
	Filters       FunnelFilters   `json:"filters"`
	ViewMode      ViewMode        `json:"view_mode"`
	TakenAt       time.Time       `json:"taken_at"`
}
