// Package parser turns a free-text shipping query into structured request fields.
package parser

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tributary-ai/shipping-assistant/internal/llmjson"
	"github.com/tributary-ai/shipping-assistant/internal/location"
	"github.com/tributary-ai/shipping-assistant/internal/providers"
	"github.com/tributary-ai/shipping-assistant/internal/routing"
	"github.com/tributary-ai/shipping-assistant/internal/types"
)

// Outcome is the kind of result a parse produced
type Outcome string

const (
	OutcomeParsed        Outcome = "parsed"
	OutcomeClarification Outcome = "clarification"
	OutcomeBlocked       Outcome = "blocked"
)

// Extraction records how the model extraction step went
type Extraction string

const (
	ExtractionOK        Extraction = "ok"
	ExtractionMalformed Extraction = "malformed"
	ExtractionTimeout   Extraction = "timeout"
	ExtractionSkipped   Extraction = "skipped"
)

// Missing field names used in clarifications
const (
	FieldDestination = "destination"
	FieldWeight      = "weight"
)

const (
	DefaultOrigin    = "San Francisco, CA"
	DefaultWeightLbs = 10.0

	parserSystemPrompt = "You are a shipping request parser. Return only valid JSON."

	prohibitedMessage = "I cannot process this request. Shipping living beings (humans, animals, pets) is " +
		"strictly prohibited by FedEx and all major carriers. If you need to transport pets, please use " +
		"specialized pet transportation services. For livestock, contact agricultural or livestock transport " +
		"companies. I can only help with shipping legal, non-living items. Please rephrase your query with a valid item."

	perishableMessageFormat = "I noticed you want to ship %s. Unfortunately, FedEx has specific restrictions on " +
		"shipping perishable items. Perishable foods, fresh produce, and temperature-sensitive items typically " +
		"require special packaging (like FedEx Cold Shipping Solutions) and may have additional restrictions. " +
		"Please contact FedEx directly at 1-800-463-3339 for specialized perishable shipping options, or visit " +
		"a FedEx location for proper packaging and handling requirements."
)

var (
	zonePattern     = regexp.MustCompile(`(?i)\bzone\s+(\d+)\b`)
	currencyPattern = regexp.MustCompile(`(?i)\$\s*\d|\d\s*(?:dollars?|usd|bucks)\b|\busd\s*\d`)
	numberPattern   = regexp.MustCompile(`-?\d+(?:\.\d+)?`)
)

// Request holds the fields extracted from a query. Pointer fields are nil
// when the user did not state them.
type Request struct {
	Origin          string        `json:"origin"`
	Destination     string        `json:"destination"`
	Zone            int           `json:"zone,omitempty"`
	WeightLbs       *float64      `json:"weight_lbs"`
	Budget          *float64      `json:"budget_usd"`
	Urgency         types.Urgency `json:"urgency"`
	ItemDescription string        `json:"item_description,omitempty"`
}

// DescribesShipment reports whether the query named a destination, zone or
// weight of its own
func (r Request) DescribesShipment() bool {
	return r.Destination != "" || r.Zone != 0 || r.WeightLbs != nil
}

// ParseResult is the outcome of parsing one query
type ParseResult struct {
	Outcome      Outcome           `json:"outcome"`
	Extraction   Extraction        `json:"extraction"`
	Request      Request           `json:"request"`
	Missing      []string          `json:"missing,omitempty"`
	Message      string            `json:"message,omitempty"`
	BlockReason  types.BlockReason `json:"block_reason,omitempty"`
	MatchedTerms []string          `json:"matched_terms,omitempty"`
}

// Apply copies the parse outcome into a pipeline state
func (r ParseResult) Apply(s types.ShippingRequestState) types.ShippingRequestState {
	switch r.Outcome {
	case OutcomeBlocked:
		return s.WithBlock(r.BlockReason, r.Message)
	case OutcomeClarification:
		s = s.WithClarification(r.Message)
	}

	return s.With(func(c *types.ShippingRequestState) {
		c.Origin = r.Request.Origin
		c.Destination = r.Request.Destination
		c.Zone = r.Request.Zone
		c.Urgency = r.Request.Urgency
		c.ItemDescription = r.Request.ItemDescription
		if r.Request.Budget != nil {
			c.Budget = types.Budget(*r.Request.Budget)
		}
		if r.Request.WeightLbs != nil {
			c.WeightLbs = *r.Request.WeightLbs
			c.WeightSource = types.WeightSourceExplicit
		}
	})
}

// Config holds parser settings
type Config struct {
	DefaultOrigin string        `yaml:"default_origin"`
	Timeout       time.Duration `yaml:"timeout"`
}

// Parser extracts shipping parameters from queries
type Parser struct {
	llm    providers.Completer
	config Config
	logger *logrus.Logger
}

// NewParser creates a parser. llm may be nil, in which case extraction is
// skipped and only the deterministic rules apply.
func NewParser(llm providers.Completer, config Config, logger *logrus.Logger) *Parser {
	if config.DefaultOrigin == "" {
		config.DefaultOrigin = DefaultOrigin
	}
	return &Parser{
		llm:    llm,
		config: config,
		logger: logger,
	}
}

// Parse runs the prohibited-item filter, then model extraction, then the
// deterministic overrides and the missing-field check. Only an unreachable
// model backend or a cancelled context is returned as an error.
func (p *Parser) Parse(ctx context.Context, query string) (ParseResult, error) {
	if blocked, ok := ScreenItems(query); ok {
		p.logger.WithFields(logrus.Fields{
			"reason": blocked.BlockReason,
			"terms":  blocked.MatchedTerms,
		}).Warn("Restricted item detected")
		return blocked, nil
	}

	req, extraction, err := p.extract(ctx, query)
	if err != nil {
		return ParseResult{}, err
	}

	p.applyRules(query, &req)

	result := ParseResult{
		Outcome:    OutcomeParsed,
		Extraction: extraction,
		Request:    req,
	}

	if req.Destination == "" {
		result.Missing = append(result.Missing, FieldDestination)
		if req.WeightLbs == nil && req.ItemDescription == "" {
			result.Missing = append(result.Missing, FieldWeight)
		}
		result.Outcome = OutcomeClarification
		result.Message = clarificationMessage(req, result.Missing)
	}

	p.logger.WithFields(logrus.Fields{
		"outcome":     result.Outcome,
		"extraction":  result.Extraction,
		"origin":      req.Origin,
		"destination": req.Destination,
		"urgency":     req.Urgency,
		"has_budget":  req.Budget != nil,
	}).Debug("Query parsed")

	return result, nil
}

// ScreenItems runs the living-being and perishable filters. They are keyword
// tables with no model involved, so callers may run them ahead of any LLM call.
func ScreenItems(query string) (ParseResult, bool) {
	if terms := ProhibitedTerms(query); len(terms) > 0 {
		return ParseResult{
			Outcome:      OutcomeBlocked,
			Extraction:   ExtractionSkipped,
			Message:      prohibitedMessage,
			BlockReason:  types.BlockProhibitedItem,
			MatchedTerms: terms,
		}, true
	}

	if terms := PerishableTerms(query); len(terms) > 0 {
		return ParseResult{
			Outcome:      OutcomeBlocked,
			Extraction:   ExtractionSkipped,
			Message:      fmt.Sprintf(perishableMessageFormat, strings.Join(terms, ", ")),
			BlockReason:  types.BlockPerishableRestricted,
			MatchedTerms: terms,
		}, true
	}

	return ParseResult{}, false
}

// extracted mirrors the JSON the model is asked to return
type extracted struct {
	Origin          *string    `json:"origin"`
	Destination     *string    `json:"destination"`
	Weight          flexNumber `json:"weight"`
	Budget          flexNumber `json:"budget"`
	Urgency         *string    `json:"urgency"`
	ItemDescription *string    `json:"item_description"`
}

func (p *Parser) extract(ctx context.Context, query string) (Request, Extraction, error) {
	fallback := Request{Origin: p.config.DefaultOrigin, Urgency: types.UrgencyStandard}

	if p.llm == nil {
		return fallback, ExtractionSkipped, nil
	}

	callCtx := ctx
	if p.config.Timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, p.config.Timeout)
		defer cancel()
	}

	answer, err := p.llm.Complete(callCtx, parserSystemPrompt, buildParsePrompt(query))
	if err != nil {
		switch {
		case errors.Is(err, routing.ErrBackendUnavailable):
			return Request{}, "", fmt.Errorf("failed to parse request: %w", err)
		case ctx.Err() != nil:
			return Request{}, "", ctx.Err()
		case errors.Is(err, context.DeadlineExceeded):
			p.logger.WithError(err).Warn("Parser timed out, using defaults")
			return fallback, ExtractionTimeout, nil
		default:
			p.logger.WithError(err).Warn("Parser call failed, using defaults")
			return fallback, ExtractionMalformed, nil
		}
	}

	var raw extracted
	if err := llmjson.Decode(answer, &raw); err != nil {
		p.logger.WithError(err).Warn("Failed to parse LLM response, using defaults")
		return fallback, ExtractionMalformed, nil
	}

	req := fallback
	if s := clean(raw.Origin); s != "" {
		req.Origin = s
	}
	req.Destination = clean(raw.Destination)
	req.ItemDescription = clean(raw.ItemDescription)
	if raw.Urgency != nil {
		req.Urgency = types.ParseUrgency(*raw.Urgency)
	}
	if raw.Weight.Value != nil && *raw.Weight.Value > 0 {
		req.WeightLbs = raw.Weight.Value
	}
	// A budget needs an explicit currency amount in the query itself
	if raw.Budget.Value != nil && *raw.Budget.Value > 0 {
		if currencyPattern.MatchString(query) {
			req.Budget = raw.Budget.Value
		} else {
			p.logger.WithField("budget", *raw.Budget.Value).Debug("Dropping budget with no amount in query")
		}
	}

	return req, ExtractionOK, nil
}

// applyRules runs the deterministic overrides on top of the extraction
func (p *Parser) applyRules(query string, req *Request) {
	if urgency, ok := UrgencyFromKeywords(query, req.Budget != nil); ok {
		req.Urgency = urgency
	}
	if req.Urgency == "" {
		req.Urgency = types.UrgencyStandard
	}

	if m := zonePattern.FindStringSubmatch(query); m != nil {
		zone, _ := strconv.Atoi(m[1])
		if zone >= types.MinZone && zone <= types.MaxZone {
			req.Zone = zone
			if req.Destination == "" {
				req.Destination = fmt.Sprintf("Zone %d", zone)
			}
		} else {
			p.logger.WithField("zone", zone).Warn("Ignoring zone outside rate table")
		}
	}

	if canonical, ok := location.Canonical(req.Destination); ok {
		req.Destination = canonical
	}
	if canonical, ok := location.Canonical(req.Origin); ok {
		req.Origin = canonical
	}
}

func clarificationMessage(req Request, missing []string) string {
	questions := map[string]string{
		FieldDestination: "Where would you like to ship your package to?",
		FieldWeight:      "Could you tell me the approximate weight of your package?",
	}

	asks := make([]string, 0, len(missing))
	for _, field := range missing {
		asks = append(asks, questions[field])
	}

	intro := "I'd be happy to help with your shipping needs. "
	if req.Origin != "" {
		intro = fmt.Sprintf("I see you want to ship from %s. ", req.Origin)
	}
	return intro + strings.Join(asks, " ")
}

func buildParsePrompt(query string) string {
	return fmt.Sprintf(`Parse this shipping request and extract key information.

User Request: "%s"

Extract these parameters:
- origin: Origin city and state (if not mentioned, use null)
- destination: Destination city and state (required)
- weight: Package weight in pounds (if not mentioned, use null)
- budget: Maximum budget in USD (ONLY if explicitly mentioned, otherwise null)
- urgency: Delivery speed preference (see rules below)
- item_description: Description of items being shipped (if mentioned)

URGENCY DETECTION RULES (respect the user's delivery preference):
- "overnight", "next day", "next-day", "tomorrow", "urgent", "ASAP", "rush" -> "overnight"
- "first overnight", "by 8am", "earliest" -> "first"
- "priority overnight", "by 10:30am" -> "priority"
- "2 day", "2-day", "two day", "in 2 days" -> "two_day"
- "3 day", "express saver", "by end of week" -> "express"
- "cheapest", "lowest cost", "budget", "economical" -> "cheapest"
- If NO delivery preference mentioned -> "standard"

IMPORTANT RULES:
1. Recognize airport codes: SFO = "San Francisco, CA", LAX = "Los Angeles, CA", JFK/NYC = "New York, NY", DEN = "Denver, CO", ORD = "Chicago, IL", BOS = "Boston, MA", SEA = "Seattle, WA", PHX = "Phoenix, AZ", ATL = "Atlanta, GA", DFW = "Dallas, TX", MIA = "Miami, FL"
2. Recognize city nicknames: "Big Apple" = "New York, NY", "Windy City" = "Chicago, IL", etc.
3. Always include state abbreviation with city (e.g., "Denver, CO" not just "Denver")
4. Only set budget if user explicitly mentions a dollar amount ($60, 60 dollars, etc.)
5. If they say "cheapest" or "best rate" without a number, set urgency to "cheapest" and budget to null
6. Extract item descriptions like "chocolates", "wine bottles", "TV" etc.
7. If the user names a shipping zone such as "Zone 5", use it as the destination

Return ONLY valid JSON with exactly these keys, no additional text:
{"origin": null, "destination": "...", "weight": null, "budget": null, "urgency": "standard", "item_description": null}`, query)
}

// flexNumber accepts a JSON number, a numeric string such as "$1,200" or
// "5 lbs", or a null-like value
type flexNumber struct {
	Value *float64
}

func (f *flexNumber) UnmarshalJSON(data []byte) error {
	f.Value = nil

	var n float64
	if err := json.Unmarshal(data, &n); err == nil {
		f.Value = &n
		return nil
	}

	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		// null, booleans and objects carry no number
		return nil
	}

	s = strings.ReplaceAll(strings.TrimSpace(s), ",", "")
	switch strings.ToLower(s) {
	case "", "none", "null", "n/a", "unknown":
		return nil
	}
	if m := numberPattern.FindString(s); m != "" {
		if v, err := strconv.ParseFloat(m, 64); err == nil {
			f.Value = &v
		}
	}
	return nil
}

func clean(s *string) string {
	if s == nil {
		return ""
	}
	v := strings.TrimSpace(*s)
	switch strings.ToLower(v) {
	case "none", "null", "unknown", "n/a", "...":
		return ""
	}
	return v
}
