package types

import (
	"fmt"
	"strings"
)

// Rate table domain
const (
	MinZone     = 2
	MaxZone     = 8
	DefaultZone = 5
	MinWeight   = 1
	MaxWeight   = 150
)

// Urgency is the delivery-speed preference extracted from a query
type Urgency string

const (
	UrgencyOvernight Urgency = "overnight"
	UrgencyFirst     Urgency = "first"
	UrgencyPriority  Urgency = "priority"
	UrgencyTwoDay    Urgency = "two_day"
	UrgencyExpress   Urgency = "express"
	UrgencyCheapest  Urgency = "cheapest"
	UrgencyStandard  Urgency = "standard"
)

// ParseUrgency normalizes the labels a model may answer with.
// Unrecognized labels map to UrgencyStandard.
func ParseUrgency(label string) Urgency {
	switch strings.ToLower(strings.TrimSpace(label)) {
	case "overnight", "next-day", "next day", "nextday":
		return UrgencyOvernight
	case "first", "first overnight", "first_overnight":
		return UrgencyFirst
	case "priority", "priority overnight", "priority_overnight":
		return UrgencyPriority
	case "two_day", "2-day", "2day", "2 day", "two-day", "two day":
		return UrgencyTwoDay
	case "express", "saver", "express saver", "3-day", "3 day", "economy":
		return UrgencyExpress
	case "cheapest":
		return UrgencyCheapest
	default:
		return UrgencyStandard
	}
}

// HasPreference reports whether the urgency restricts the allowed service tiers
func (u Urgency) HasPreference() bool {
	return u != "" && u != UrgencyStandard && u != UrgencyCheapest
}

// ServiceTier identifies one of the six fixed delivery options
type ServiceTier string

const (
	TierExpressSaver      ServiceTier = "Express_Saver"
	TierTwoDay            ServiceTier = "2Day"
	TierTwoDayAM          ServiceTier = "2Day_AM"
	TierStandardOvernight ServiceTier = "Standard_Overnight"
	TierPriorityOvernight ServiceTier = "Priority_Overnight"
	TierFirstOvernight    ServiceTier = "First_Overnight"
)

// ServiceTiers lists every tier ordered cheapest to most expensive
var ServiceTiers = []ServiceTier{
	TierExpressSaver,
	TierTwoDay,
	TierTwoDayAM,
	TierStandardOvernight,
	TierPriorityOvernight,
	TierFirstOvernight,
}

type tierInfo struct {
	displayName    string
	deliveryWindow string
}

var tierInfos = map[ServiceTier]tierInfo{
	TierFirstOvernight:    {"First Overnight", "1 business day by 8:00 AM"},
	TierPriorityOvernight: {"Priority Overnight", "1 business day by 10:30 AM"},
	TierStandardOvernight: {"Standard Overnight", "1 business day by 3:00 PM"},
	TierTwoDayAM:          {"2Day AM", "2 business days by 10:30 AM"},
	TierTwoDay:            {"2Day", "2 business days by 4:30 PM"},
	TierExpressSaver:      {"Express Saver", "3 business days by 4:30 PM"},
}

// DisplayName returns the human readable service name
func (t ServiceTier) DisplayName() string {
	if info, ok := tierInfos[t]; ok {
		return info.displayName
	}
	return string(t)
}

// DeliveryWindow returns the committed delivery time of the tier
func (t ServiceTier) DeliveryWindow() string {
	return tierInfos[t].deliveryWindow
}

// Valid reports whether t is one of the six known tiers
func (t ServiceTier) Valid() bool {
	_, ok := tierInfos[t]
	return ok
}

// RateRow holds the six tier prices for one (zone, weight) pair
type RateRow struct {
	Zone              int     `json:"zone"`
	Weight            int     `json:"weight"`
	ExpressSaver      float64 `json:"express_saver"`
	TwoDay            float64 `json:"two_day"`
	TwoDayAM          float64 `json:"two_day_am"`
	StandardOvernight float64 `json:"standard_overnight"`
	PriorityOvernight float64 `json:"priority_overnight"`
	FirstOvernight    float64 `json:"first_overnight"`
}

// Price returns the price of a tier in this row
func (r RateRow) Price(tier ServiceTier) (float64, bool) {
	switch tier {
	case TierExpressSaver:
		return r.ExpressSaver, true
	case TierTwoDay:
		return r.TwoDay, true
	case TierTwoDayAM:
		return r.TwoDayAM, true
	case TierStandardOvernight:
		return r.StandardOvernight, true
	case TierPriorityOvernight:
		return r.PriorityOvernight, true
	case TierFirstOvernight:
		return r.FirstOvernight, true
	default:
		return 0, false
	}
}

// Options expands the row into priced options in tier order.
// Tiers without a positive price are not offered.
func (r RateRow) Options() []RateOption {
	options := make([]RateOption, 0, len(ServiceTiers))
	for _, tier := range ServiceTiers {
		price, _ := r.Price(tier)
		if price <= 0 {
			continue
		}
		options = append(options, RateOption{
			Service:        tier,
			ServiceName:    tier.DisplayName(),
			Price:          price,
			DeliveryWindow: tier.DeliveryWindow(),
		})
	}
	return options
}

// Validate checks the domain bounds and the tier price ordering
func (r RateRow) Validate() error {
	if r.Zone < MinZone || r.Zone > MaxZone {
		return fmt.Errorf("zone %d outside [%d,%d]", r.Zone, MinZone, MaxZone)
	}
	if r.Weight < MinWeight || r.Weight > MaxWeight {
		return fmt.Errorf("weight %d outside [%d,%d]", r.Weight, MinWeight, MaxWeight)
	}

	prev := 0.0
	for _, tier := range ServiceTiers {
		price, _ := r.Price(tier)
		if price <= 0 {
			return fmt.Errorf("zone %d weight %d: %s has no price", r.Zone, r.Weight, tier)
		}
		if price < prev {
			return fmt.Errorf("zone %d weight %d: %s price %.2f below cheaper tier price %.2f",
				r.Zone, r.Weight, tier, price, prev)
		}
		prev = price
	}
	return nil
}

// RateOption is a single priced service from a rate row
type RateOption struct {
	Service        ServiceTier `json:"service"`
	ServiceName    string      `json:"service_name"`
	Price          float64     `json:"price"`
	DeliveryWindow string      `json:"delivery_window"`
}

// RationaleKind explains why a recommendation was produced
type RationaleKind string

const (
	RationaleUserIntent    RationaleKind = "user_intent"
	RationaleBudgetFit     RationaleKind = "budget_fit"
	RationaleCheapest      RationaleKind = "cheapest"
	RationaleAlternative   RationaleKind = "alternative"
	RationaleOverBudget    RationaleKind = "over_budget"
	RationaleBudgetWarning RationaleKind = "budget_warning"
)

type Recommendation struct {
	Service        ServiceTier   `json:"service"`
	ServiceName    string        `json:"service_name"`
	Price          float64       `json:"price"`
	DeliveryWindow string        `json:"delivery_window"`
	Rationale      RationaleKind `json:"rationale"`
	Explanation    string        `json:"explanation"`
}

// BudgetAnalysis summarizes how the available options fit a stated budget
type BudgetAnalysis struct {
	Budget         float64  `json:"budget"`
	WithinBudget   int      `json:"options_within_budget"`
	OverBudget     int      `json:"options_over_budget"`
	CheapestOption *float64 `json:"cheapest_option"`
	Sufficient     bool     `json:"budget_sufficient"`
}

// BlockReason names the terminal condition that stopped a request
type BlockReason string

const (
	BlockProhibitedItem        BlockReason = "prohibited_item"
	BlockPerishableRestricted  BlockReason = "perishable_restricted"
	BlockInjectionDetected     BlockReason = "injection_detected"
	BlockOffTopic              BlockReason = "off_topic"
	BlockClassifierUnavailable BlockReason = "classifier_unavailable" // gate failing closed
)

// SupervisorDecision is attached to a response after an escalation review
type SupervisorDecision struct {
	Decision       string `json:"decision"`
	Reasoning      string `json:"reasoning"`
	FinalMessage   string `json:"final_message"`
	ReviewedBy     string `json:"reviewed_by"`
	ReviewComplete bool   `json:"review_complete"`
	Trigger        string `json:"trigger"`
}

// Budget returns a pointer to v, for building states and tests
func Budget(v float64) *float64 {
	return &v
}
