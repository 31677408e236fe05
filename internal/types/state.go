package types

import (
	"time"
)

// Weight sources
const (
	WeightSourceExplicit = "explicit"
	WeightSourceDatabase = "database"
	WeightSourceLLM      = "llm"
	WeightSourceDefault  = "default"
)

// ShippingRequestState is the record carried through one pipeline pass.
// Stages never mutate a state they received; they return an updated copy via With.
type ShippingRequestState struct {
	RequestID string `json:"request_id"`
	RawQuery  string `json:"raw_query"`

	// Parsed parameters
	Origin          string   `json:"origin"`
	Destination     string   `json:"destination"`
	Zone            int      `json:"zone"` // 0 = unresolved
	ZoneExplanation string   `json:"zone_explanation,omitempty"`
	WeightLbs       float64  `json:"weight_lbs"`
	WeightSource    string   `json:"weight_source,omitempty"`
	ItemDescription string   `json:"item_description,omitempty"`
	Budget          *float64 `json:"budget_usd"` // nil = no constraint
	Urgency         Urgency  `json:"urgency"`

	// Lookup and ranking
	RateRows           []RateRow        `json:"rate_rows,omitempty"`
	Recommendations    []Recommendation `json:"recommendations,omitempty"`
	BudgetAnalysis     *BudgetAnalysis  `json:"budget_analysis,omitempty"`
	SupervisorRequired bool             `json:"supervisor_required"`

	// Terminal conditions
	NeedsClarification   bool        `json:"needs_clarification"`
	ClarificationMessage string      `json:"clarification_message,omitempty"`
	Blocked              bool        `json:"blocked"`
	BlockReason          BlockReason `json:"block_reason,omitempty"`
	BlockMessage         string      `json:"block_message,omitempty"`

	// Reflection and escalation
	Reflection     *string             `json:"reflection,omitempty"`
	ChainOfThought *string             `json:"chain_of_thought,omitempty"`
	Escalated      bool                `json:"escalated"`
	Supervisor     *SupervisorDecision `json:"supervisor,omitempty"`

	// Observability only
	Timing map[string]float64 `json:"timing_ms"`
}

// NewState creates the initial state for a query
func NewState(requestID, rawQuery string) ShippingRequestState {
	return ShippingRequestState{
		RequestID: requestID,
		RawQuery:  rawQuery,
		Urgency:   UrgencyStandard,
		Timing:    make(map[string]float64),
	}
}

// Clone returns a deep copy of the state
func (s ShippingRequestState) Clone() ShippingRequestState {
	c := s
	if s.Budget != nil {
		c.Budget = Budget(*s.Budget)
	}
	if s.RateRows != nil {
		c.RateRows = append([]RateRow(nil), s.RateRows...)
	}
	if s.Recommendations != nil {
		c.Recommendations = append([]Recommendation(nil), s.Recommendations...)
	}
	if s.BudgetAnalysis != nil {
		ba := *s.BudgetAnalysis
		if ba.CheapestOption != nil {
			ba.CheapestOption = Budget(*ba.CheapestOption)
		}
		c.BudgetAnalysis = &ba
	}
	if s.Reflection != nil {
		r := *s.Reflection
		c.Reflection = &r
	}
	if s.ChainOfThought != nil {
		cot := *s.ChainOfThought
		c.ChainOfThought = &cot
	}
	if s.Supervisor != nil {
		d := *s.Supervisor
		c.Supervisor = &d
	}
	c.Timing = make(map[string]float64, len(s.Timing))
	for k, v := range s.Timing {
		c.Timing[k] = v
	}
	return c
}

// With applies update to a copy of the state and returns the copy
func (s ShippingRequestState) With(update func(*ShippingRequestState)) ShippingRequestState {
	c := s.Clone()
	update(&c)
	return c
}

// WithTiming records the elapsed time of a stage
func (s ShippingRequestState) WithTiming(stage string, elapsed time.Duration) ShippingRequestState {
	return s.With(func(c *ShippingRequestState) {
		c.Timing[stage] = float64(elapsed.Microseconds()) / 1000.0
	})
}

// WithBlock marks the state as terminally blocked
func (s ShippingRequestState) WithBlock(reason BlockReason, message string) ShippingRequestState {
	return s.With(func(c *ShippingRequestState) {
		c.Blocked = true
		c.BlockReason = reason
		c.BlockMessage = message
	})
}

// WithClarification marks the state as waiting on the user
func (s ShippingRequestState) WithClarification(message string) ShippingRequestState {
	return s.With(func(c *ShippingRequestState) {
		c.NeedsClarification = true
		c.ClarificationMessage = message
	})
}

// TopRecommendation returns the first recommendation, if any
func (s ShippingRequestState) TopRecommendation() (Recommendation, bool) {
	if len(s.Recommendations) == 0 {
		return Recommendation{}, false
	}
	return s.Recommendations[0], true
}

// Outcome classifies the final state of a request
type Outcome string

const (
	OutcomeRecommended   Outcome = "recommended"
	OutcomeBlocked       Outcome = "blocked"
	OutcomeClarification Outcome = "clarification"
	OutcomeNoRates       Outcome = "no_rates"
	OutcomeReflection    Outcome = "reflection"
)

// Result is returned to the chat layer for every processed query
type Result struct {
	RequestID string               `json:"request_id"`
	SessionID string               `json:"session_id,omitempty"`
	Outcome   Outcome              `json:"outcome"`
	Message   string               `json:"message"`
	State     ShippingRequestState `json:"state"`
	TotalMs   float64              `json:"total_ms"`
}
