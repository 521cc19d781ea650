package pipeline

import (
	"context"
	"fmt"
	"regexp"
	"sort"

	"github.com/pitabwire/funnel/model"
)

// Drop targets that are not stages.
const (
	ColumnWon  = "won"
	ColumnLost = "lost"
)

var (
	proposalSentRe = regexp.MustCompile(`(?i)proposta\s*enviada`)
	negotiationRe  = regexp.MustCompile(`(?i)negocia`)
)

// Column is one working stage of the kanban board.
type Column struct {
	Key           string              `json:"key"`
	Name          string              `json:"name"`
	DisplayName   string              `json:"displayName"`
	Color         string              `json:"color,omitempty"`
	Order         int                 `json:"order"`
	Opportunities []model.Opportunity `json:"opportunities"`
	TotalValue    float64             `json:"totalValue"`
}

// Board is the kanban view of a store: one column per working stage plus the
// won and lost lists.
type Board struct {
	Columns []Column            `json:"columns"`
	Won     []model.Opportunity `json:"won"`
	Lost    []model.Opportunity `json:"lost"`
}

// Column returns the column with the given key.
func (b Board) Column(key string) (Column, bool) {
	for _, c := range b.Columns {
		if c.Key == key {
			return c, true
		}
	}
	return Column{}, false
}

// StageDisplayName returns the board label of a stage name.
func StageDisplayName(name string) string {
	switch {
	case proposalSentRe.MatchString(name):
		return "Propostas criadas"
	case negotiationRe.MatchString(name):
		return "Negociação / Aguardando pagamento"
	}
	return name
}

// BuildBoard partitions opportunities into columns. Terminal and deleted
// stages never become columns. Open opportunities whose stage is unknown get
// a column of their own, keyed by the stage id.
func BuildBoard(stages []model.PipelineStage, opportunities []model.Opportunity) Board {
	working := make([]model.PipelineStage, 0, len(stages))
	terminal := make(map[string]bool)
	for _, s := range stages {
		if s.IsTerminal() || s.IsDeleted {
			terminal[s.ID] = true
			continue
		}
		working = append(working, s)
	}
	sort.SliceStable(working, func(i, j int) bool {
		if working[i].Order != working[j].Order {
			return working[i].Order < working[j].Order
		}
		return working[i].Name < working[j].Name
	})

	b := Board{
		Columns: make([]Column, 0, len(working)),
		Won:     []model.Opportunity{},
		Lost:    []model.Opportunity{},
	}
	index := make(map[string]int, len(working))
	for _, s := range working {
		index[s.ID] = len(b.Columns)
		b.Columns = append(b.Columns, Column{
			Key:           s.ID,
			Name:          s.Name,
			DisplayName:   StageDisplayName(s.Name),
			Color:         s.Color,
			Order:         s.Order,
			Opportunities: []model.Opportunity{},
		})
	}

	for _, o := range opportunities {
		switch o.Status {
		case model.StatusWon:
			b.Won = append(b.Won, o.Clone())
			continue
		case model.StatusLost:
			b.Lost = append(b.Lost, o.Clone())
			continue
		case model.StatusOpen:
		default:
			continue
		}

		sid := o.StageID()
		if terminal[sid] {
			continue
		}
		i, ok := index[sid]
		if !ok {
			i = len(b.Columns)
			index[sid] = i
			b.Columns = append(b.Columns, Column{Key: sid, Opportunities: []model.Opportunity{}})
		}
		b.Columns[i].Opportunities = append(b.Columns[i].Opportunities, o.Clone())
		b.Columns[i].TotalValue += o.EstimatedValue
	}
	return b
}

// Drop applies the board's drag-and-drop gesture: dropping on the won or
// lost column finalizes the opportunity, dropping on a stage column moves it.
// Dropping on its own column, or on the status it already has, does nothing.
// Dropping on lost uses the first known loss reason and fails with
// ErrNoLossReason when there is none.
func Drop(ctx context.Context, store *Store, columnKey, opportunityID string) error {
	state := store.State()

	var opp *model.Opportunity
	for i := range state.Opportunities {
		if state.Opportunities[i].ID == opportunityID {
			opp = &state.Opportunities[i]
			break
		}
	}
	if opp == nil {
		return &model.ErrorEnvelope{
			Code:    model.ErrDealNotFound,
			Message: fmt.Sprintf("opportunity %q is not on the board", opportunityID),
		}
	}

	if columnKey == opp.StageID() {
		return nil
	}

	switch columnKey {
	case ColumnWon:
		if opp.Status == model.StatusWon {
			return nil
		}
		return store.MarkWon(ctx, opp.ID)
	case ColumnLost:
		if opp.Status == model.StatusLost {
			return nil
		}
		if len(state.LossReasons) == 0 {
			return ErrNoLossReason
		}
		return store.MarkLost(ctx, opp.ID, state.LossReasons[0].ID)
	}
	return store.MoveDeal(ctx, opp.ID, columnKey)
}
