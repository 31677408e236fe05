// Package ranking turns a rate row into ordered recommendations.
//
// The policy puts the user's stated delivery intent first, the cheapest
// option second and budget analysis third. An explicit urgency is never
// replaced by a cheaper tier; an over-budget intent pick is flagged with a
// separate budget_warning entry instead.
package ranking

import (
	"fmt"

	"github.com/tributary-ai/shipping-assistant/internal/types"
)

// DefaultHighValueThreshold is the top price above which a supervisor review is required
const DefaultHighValueThreshold = 1000.0

// UrgencyTiers maps an urgency to the service tiers that satisfy it
var UrgencyTiers = map[types.Urgency][]types.ServiceTier{
	types.UrgencyOvernight: {types.TierFirstOvernight, types.TierPriorityOvernight, types.TierStandardOvernight},
	types.UrgencyFirst:     {types.TierFirstOvernight},
	types.UrgencyPriority:  {types.TierPriorityOvernight},
	types.UrgencyTwoDay:    {types.TierTwoDayAM, types.TierTwoDay},
	types.UrgencyExpress:   {types.TierExpressSaver},
}

var urgencyLabels = map[types.Urgency]string{
	types.UrgencyOvernight: "overnight",
	types.UrgencyFirst:     "first overnight",
	types.UrgencyPriority:  "priority overnight",
	types.UrgencyTwoDay:    "2-day",
	types.UrgencyExpress:   "express saver",
}

// Ranking is the ranked outcome for one rate row
type Ranking struct {
	Options            []types.RateOption     `json:"options"`
	Recommendations    []types.Recommendation `json:"recommendations"`
	BudgetAnalysis     *types.BudgetAnalysis  `json:"budget_analysis,omitempty"`
	SupervisorRequired bool                   `json:"supervisor_required"`
}

// Top returns the first recommendation
func (r Ranking) Top() (types.Recommendation, bool) {
	if len(r.Recommendations) == 0 {
		return types.Recommendation{}, false
	}
	return r.Recommendations[0], true
}

// Ranker applies the ranking policy
type Ranker struct {
	HighValueThreshold float64
}

// NewRanker creates a ranker; a non-positive threshold selects the default
func NewRanker(highValueThreshold float64) Ranker {
	if highValueThreshold <= 0 {
		highValueThreshold = DefaultHighValueThreshold
	}
	return Ranker{HighValueThreshold: highValueThreshold}
}

// Rank ranks a row with the default high-value threshold
func Rank(row types.RateRow, budget *float64, urgency types.Urgency) Ranking {
	return NewRanker(0).Rank(row, budget, urgency)
}

// Rank orders the options of row. A nil budget means no constraint and never
// takes part in price arithmetic.
func (rk Ranker) Rank(row types.RateRow, budget *float64, urgency types.Urgency) Ranking {
	options := row.Options()
	ranking := Ranking{Options: options}

	if budget != nil {
		ranking.BudgetAnalysis = analyzeBudget(options, *budget)
	}
	if len(options) == 0 {
		return ranking
	}

	var recs []types.Recommendation

	intent, hasIntent := intentPick(options, urgency)
	if hasIntent {
		label := urgencyLabels[urgency]
		recs = append(recs, recommend(intent, types.RationaleUserIntent,
			fmt.Sprintf("Best %s option as you requested - %s", label, intent.DeliveryWindow)))

		if budget != nil && intent.Price > *budget {
			recs = append(recs, recommend(intent, types.RationaleBudgetWarning,
				fmt.Sprintf("Note: %s service costs $%.2f, which exceeds your $%.2f budget", label, intent.Price, *budget)))
		}
	}

	// Cheapest is derived with a full scan; table order is not trusted
	cheapest := cheapestOf(options)
	if !hasIntent || cheapest.Service != intent.Service {
		switch {
		case budget != nil && cheapest.Price <= *budget:
			recs = append(recs, recommend(cheapest, types.RationaleBudgetFit,
				fmt.Sprintf("Best option within your $%.2f budget - lowest price at $%.2f (%s)", *budget, cheapest.Price, cheapest.DeliveryWindow)))
		case hasIntent:
			recs = append(recs, recommend(cheapest, types.RationaleAlternative,
				fmt.Sprintf("Lowest price option at $%.2f (%s)", cheapest.Price, cheapest.DeliveryWindow)))
		default:
			recs = append(recs, recommend(cheapest, types.RationaleCheapest,
				fmt.Sprintf("Lowest price option at $%.2f (%s)", cheapest.Price, cheapest.DeliveryWindow)))
		}
	}

	if budget != nil && cheapest.Price > *budget {
		recs = append(recs, recommend(cheapest, types.RationaleOverBudget,
			fmt.Sprintf("All options exceed your $%.2f budget. Cheapest is $%.2f, $%.2f over",
				*budget, cheapest.Price, cheapest.Price-*budget)))
	}

	ranking.Recommendations = recs
	ranking.SupervisorRequired = recs[0].Price > rk.HighValueThreshold
	return ranking
}

func intentPick(options []types.RateOption, urgency types.Urgency) (types.RateOption, bool) {
	if !urgency.HasPreference() {
		return types.RateOption{}, false
	}

	allowed := make(map[types.ServiceTier]bool)
	for _, tier := range UrgencyTiers[urgency] {
		allowed[tier] = true
	}

	var subset []types.RateOption
	for _, o := range options {
		if allowed[o.Service] {
			subset = append(subset, o)
		}
	}
	if len(subset) == 0 {
		return types.RateOption{}, false
	}
	return cheapestOf(subset), true
}

// cheapestOf returns the lowest-priced option; ties keep the earlier option
func cheapestOf(options []types.RateOption) types.RateOption {
	best := options[0]
	for _, o := range options[1:] {
		if o.Price < best.Price {
			best = o
		}
	}
	return best
}

func analyzeBudget(options []types.RateOption, budget float64) *types.BudgetAnalysis {
	analysis := &types.BudgetAnalysis{Budget: budget}
	for _, o := range options {
		if o.Price <= budget {
			analysis.WithinBudget++
		} else {
			analysis.OverBudget++
		}
	}
	if len(options) > 0 {
		price := cheapestOf(options).Price
		analysis.CheapestOption = &price
	}
	analysis.Sufficient = analysis.WithinBudget > 0
	return analysis
}

func recommend(o types.RateOption, kind types.RationaleKind, explanation string) types.Recommendation {
	return types.Recommendation{
		Service:        o.Service,
		ServiceName:    o.ServiceName,
		Price:          o.Price,
		DeliveryWindow: o.DeliveryWindow,
		Rationale:      kind,
		Explanation:    explanation,
	}
}
