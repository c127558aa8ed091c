package evaluate

import (
	"context"
	"math"
	"sort"
	"strings"

	"holderbot/internal/accuracy"
	"holderbot/internal/domain"
)

// FillPlan lists the empty form fields that can be filled automatically.
func (r *Runner) FillPlan(ctx context.Context, threshold float64) ([]domain.FillAction, error) {
	records, err := r.CollectRecords(ctx)
	if err != nil {
		return nil, err
	}
	return PlanFills(accuracy.Annotate(records, r.Mapper), threshold), nil
}

// PlanFills proposes a value for every attribute whose form value is
// empty and whose suggestion is confident enough. The score is the
// mapping confidence times the model confidence, so an answer without a
// model confidence is never filled.
func PlanFills(batch []accuracy.Annotated, threshold float64) []domain.FillAction {
	var actions []domain.FillAction
	for _, a := range batch {
		conf := a.Record.Confidence
		if strings.TrimSpace(a.Record.ID) == "" || conf == nil || math.IsNaN(*conf) {
			continue
		}
		for _, attr := range domain.Attributes() {
			if a.Outcome(attr) != accuracy.OutcomeNoTruth {
				continue
			}
			res := a.Results[attr]
			if !res.Mapped() {
				continue
			}
			score := res.Confidence * math.Min(1, math.Max(0, *conf))
			if score < threshold {
				continue
			}
			actions = append(actions, domain.FillAction{
				HolderID:   a.Record.ID,
				Attribute:  attr.String(),
				Label:      res.Label,
				Confidence: score,
				RawValue:   strings.TrimSpace(a.Record.Predicted.Get(attr)),
			})
		}
	}
	sort.SliceStable(actions, func(i, j int) bool {
		if actions[i].HolderID != actions[j].HolderID {
			return actions[i].HolderID < actions[j].HolderID
		}
		return actions[i].Attribute < actions[j].Attribute
	})
	return actions
}
