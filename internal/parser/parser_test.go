package parser

import (
	"context"
	"fmt"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tributary-ai/shipping-assistant/internal/providers/mock"
	"github.com/tributary-ai/shipping-assistant/internal/routing"
	"github.com/tributary-ai/shipping-assistant/internal/types"
)

func TestParser_ProhibitedItems(t *testing.T) {
	tests := []struct {
		name       string
		query      string
		wantReason types.BlockReason
		wantTerms  []string
	}{
		{"Pet", "Ship my cat to Fremont, CA", types.BlockProhibitedItem, []string{"cat"}},
		{"Plural", "Can I send two dogs to Texas overnight for $200?", types.BlockProhibitedItem, []string{"dog"}},
		{"Person", "ship a person to Boston", types.BlockProhibitedItem, []string{"person"}},
		{"Fish is a living being first", "send fresh fish to Miami", types.BlockProhibitedItem, []string{"fish"}},
		{"Perishable", "Send mangoes to Denver", types.BlockPerishableRestricted, []string{"mango", "mangoes"}},
		{"Multi word perishable", "ship ice cream to LA", types.BlockPerishableRestricted, []string{"ice cream"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			llm := mock.NewCompleter().Default(`{"destination": "Denver, CO"}`)
			parser := createTestParser(t, llm)

			result, err := parser.Parse(context.Background(), tt.query)
			require.NoError(t, err)

			assert.Equal(t, OutcomeBlocked, result.Outcome)
			assert.Equal(t, tt.wantReason, result.BlockReason)
			assert.Equal(t, tt.wantTerms, result.MatchedTerms)
			assert.NotEmpty(t, result.Message)
			assert.Equal(t, 0, llm.CallCount(), "blocked queries must never reach the model")
		})
	}
}

func TestParser_WholeWordMatching(t *testing.T) {
	llm := mock.NewCompleter().Default(`{"destination": "New York, NY", "weight": 5}`)
	parser := createTestParser(t, llm)

	for _, query := range []string{
		"Ship a catalog to Manhattan",
		"Send 5 lbs of scattered documents to New York",
		"I need to ship a carpet sample to the Big Apple",
	} {
		t.Run(query, func(t *testing.T) {
			result, err := parser.Parse(context.Background(), query)
			require.NoError(t, err)
			assert.NotEqual(t, OutcomeBlocked, result.Outcome)
		})
	}
}

func TestParser_Extraction(t *testing.T) {
	tests := []struct {
		name       string
		query      string
		answer     string
		wantDest   string
		wantOrigin string
		wantWeight *float64
		wantBudget *float64
		wantUrg    types.Urgency
		wantItem   string
	}{
		{
			name:       "Full request",
			query:      "Send 10 lbs to Denver, budget $100",
			answer:     `{"origin": null, "destination": "Denver, CO", "weight": 10, "budget": 100, "urgency": "standard", "item_description": null}`,
			wantDest:   "Denver, CO",
			wantOrigin: DefaultOrigin,
			wantWeight: types.Budget(10),
			wantBudget: types.Budget(100),
			wantUrg:    types.UrgencyStandard,
		},
		{
			name:       "Strings and fences",
			query:      "ship 2.5 pounds from Boston to Seattle for under 40 dollars",
			answer:     "```json\n{\"origin\": \"Boston, MA\", \"destination\": \"Seattle, WA\", \"weight\": \"2.5 lbs\", \"budget\": \"$40\", \"urgency\": \"standard\"}\n```",
			wantDest:   "Seattle, WA",
			wantOrigin: "Boston, MA",
			wantWeight: types.Budget(2.5),
			wantBudget: types.Budget(40),
			wantUrg:    types.UrgencyStandard,
		},
		{
			name:       "Cheapest never becomes a budget",
			query:      "what's the cheapest rate to Denver",
			answer:     `{"destination": "Denver, CO", "weight": null, "budget": 0, "urgency": "cheapest"}`,
			wantDest:   "Denver, CO",
			wantOrigin: DefaultOrigin,
			wantUrg:    types.UrgencyCheapest,
		},
		{
			name:       "Hallucinated budget without an amount is dropped",
			query:      "best rate to Denver please",
			answer:     `{"destination": "Denver, CO", "budget": 50, "urgency": "standard"}`,
			wantDest:   "Denver, CO",
			wantOrigin: DefaultOrigin,
			wantUrg:    types.UrgencyCheapest,
		},
		{
			name:       "Keyword table overrides model urgency",
			query:      "Overnight delivery of 5 lbs to New York",
			answer:     `{"destination": "New York, NY", "weight": 5, "urgency": "standard"}`,
			wantDest:   "New York, NY",
			wantOrigin: DefaultOrigin,
			wantWeight: types.Budget(5),
			wantUrg:    types.UrgencyOvernight,
		},
		{
			name:       "Airport code is canonicalized",
			query:      "2-day shipping of a laptop to JFK",
			answer:     `{"destination": "JFK", "urgency": "2-day", "item_description": "laptop"}`,
			wantDest:   "New York, NY",
			wantOrigin: DefaultOrigin,
			wantUrg:    types.UrgencyTwoDay,
			wantItem:   "laptop",
		},
		{
			name:       "Null-like strings",
			query:      "send my guitar to Austin, TX",
			answer:     `{"origin": "None", "destination": "Austin, TX", "weight": "None", "budget": "null", "urgency": "standard", "item_description": "guitar"}`,
			wantDest:   "Austin, TX",
			wantOrigin: DefaultOrigin,
			wantUrg:    types.UrgencyStandard,
			wantItem:   "guitar",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			llm := mock.NewCompleter().On("Parse this shipping request", tt.answer)
			parser := createTestParser(t, llm)

			result, err := parser.Parse(context.Background(), tt.query)
			require.NoError(t, err)

			assert.Equal(t, OutcomeParsed, result.Outcome)
			assert.Equal(t, ExtractionOK, result.Extraction)
			assert.Equal(t, tt.wantDest, result.Request.Destination)
			assert.Equal(t, tt.wantOrigin, result.Request.Origin)
			assert.Equal(t, tt.wantWeight, result.Request.WeightLbs)
			assert.Equal(t, tt.wantBudget, result.Request.Budget)
			assert.Equal(t, tt.wantUrg, result.Request.Urgency)
			assert.Equal(t, tt.wantItem, result.Request.ItemDescription)
		})
	}
}

func TestParser_ZoneInQuery(t *testing.T) {
	llm := mock.NewCompleter().On("Parse this shipping request",
		`{"destination": null, "weight": 10, "budget": 50, "urgency": "standard"}`)
	parser := createTestParser(t, llm)

	result, err := parser.Parse(context.Background(), "Send 10 lbs to Zone 5, budget $50")
	require.NoError(t, err)

	assert.Equal(t, OutcomeParsed, result.Outcome)
	assert.Equal(t, 5, result.Request.Zone)
	assert.Equal(t, "Zone 5", result.Request.Destination)
	assert.Equal(t, types.Budget(50), result.Request.Budget)
	assert.Equal(t, types.UrgencyStandard, result.Request.Urgency, "a stated budget amount is not a cheapest request")

	t.Run("Out of range zone is ignored", func(t *testing.T) {
		result, err := parser.Parse(context.Background(), "Send 10 lbs to zone 12")
		require.NoError(t, err)
		assert.Equal(t, 0, result.Request.Zone)
		assert.Equal(t, OutcomeClarification, result.Outcome)
	})
}

func TestParser_Clarification(t *testing.T) {
	tests := []struct {
		name        string
		answer      string
		wantMissing []string
		wantMessage string
	}{
		{
			name:        "No destination and nothing to weigh",
			answer:      `{"origin": "Boston, MA", "destination": null, "weight": null}`,
			wantMissing: []string{FieldDestination, FieldWeight},
			wantMessage: "I see you want to ship from Boston, MA. Where would you like to ship your package to? " +
				"Could you tell me the approximate weight of your package?",
		},
		{
			name:        "Weight can be estimated from the item",
			answer:      `{"destination": "", "item_description": "laptop"}`,
			wantMissing: []string{FieldDestination},
			wantMessage: "I see you want to ship from San Francisco, CA. Where would you like to ship your package to?",
		},
		{
			name:        "Explicit weight",
			answer:      `{"destination": "unknown", "weight": 4}`,
			wantMissing: []string{FieldDestination},
			wantMessage: "I see you want to ship from San Francisco, CA. Where would you like to ship your package to?",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			parser := createTestParser(t, mock.NewCompleter().On("Parse this shipping request", tt.answer))

			result, err := parser.Parse(context.Background(), "I want to ship something")
			require.NoError(t, err)

			assert.Equal(t, OutcomeClarification, result.Outcome)
			assert.Equal(t, tt.wantMissing, result.Missing)
			assert.Equal(t, tt.wantMessage, result.Message)
		})
	}
}

func TestParser_ExtractionFailures(t *testing.T) {
	tests := []struct {
		name           string
		llm            *mock.Completer
		wantExtraction Extraction
	}{
		{"Malformed JSON", mock.NewCompleter().Default("Sure! The destination is Denver."), ExtractionMalformed},
		{"Broken JSON", mock.NewCompleter().Default(`{"destination": "Denver, CO",`), ExtractionMalformed},
		{"Timeout", mock.NewCompleter().OnError("Parse", context.DeadlineExceeded), ExtractionTimeout},
		{"Content failure", mock.NewCompleter().OnError("Parse", fmt.Errorf("empty completion")), ExtractionMalformed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			parser := createTestParser(t, tt.llm)

			result, err := parser.Parse(context.Background(), "Overnight 10 lbs to Denver")
			require.NoError(t, err)

			assert.Equal(t, tt.wantExtraction, result.Extraction)
			assert.Equal(t, OutcomeClarification, result.Outcome)
			assert.Equal(t, DefaultOrigin, result.Request.Origin)
			assert.Empty(t, result.Request.Destination)
			assert.Nil(t, result.Request.WeightLbs)
			assert.Nil(t, result.Request.Budget)
			// Deterministic keyword rules still apply to the raw query
			assert.Equal(t, types.UrgencyOvernight, result.Request.Urgency)
		})
	}
}

func TestParser_BackendUnavailable(t *testing.T) {
	llm := mock.NewCompleter().OnError("Parse", fmt.Errorf("%w: all providers failed", routing.ErrBackendUnavailable))
	parser := createTestParser(t, llm)

	_, err := parser.Parse(context.Background(), "Send 10 lbs to Denver")
	assert.ErrorIs(t, err, routing.ErrBackendUnavailable)
}

func TestParser_CancelledContext(t *testing.T) {
	parser := createTestParser(t, mock.NewCompleter().Default(`{"destination": "Denver, CO"}`))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := parser.Parse(ctx, "Send 10 lbs to Denver")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestParser_NoModel(t *testing.T) {
	parser := NewParser(nil, Config{}, quietLogger())

	result, err := parser.Parse(context.Background(), "Send 10 lbs to zone 3 by 8am")
	require.NoError(t, err)

	assert.Equal(t, ExtractionSkipped, result.Extraction)
	assert.Equal(t, OutcomeParsed, result.Outcome)
	assert.Equal(t, 3, result.Request.Zone)
	assert.Equal(t, types.UrgencyFirst, result.Request.Urgency)
}

func TestParseResult_Apply(t *testing.T) {
	base := types.NewState("req-1", "query")

	t.Run("Parsed", func(t *testing.T) {
		result := ParseResult{
			Outcome: OutcomeParsed,
			Request: Request{
				Origin:      DefaultOrigin,
				Destination: "Denver, CO",
				WeightLbs:   types.Budget(12),
				Budget:      types.Budget(80),
				Urgency:     types.UrgencyTwoDay,
			},
		}

		state := result.Apply(base)
		assert.Equal(t, "Denver, CO", state.Destination)
		assert.Equal(t, 12.0, state.WeightLbs)
		assert.Equal(t, types.WeightSourceExplicit, state.WeightSource)
		require.NotNil(t, state.Budget)
		assert.Equal(t, 80.0, *state.Budget)
		assert.Equal(t, types.UrgencyTwoDay, state.Urgency)
		assert.Nil(t, base.Budget, "the input state is not modified")
	})

	t.Run("Blocked", func(t *testing.T) {
		result := ParseResult{Outcome: OutcomeBlocked, BlockReason: types.BlockProhibitedItem, Message: "no"}

		state := result.Apply(base)
		assert.True(t, state.Blocked)
		assert.Equal(t, types.BlockProhibitedItem, state.BlockReason)
		assert.Empty(t, state.Destination)
	})

	t.Run("Clarification", func(t *testing.T) {
		result := ParseResult{Outcome: OutcomeClarification, Message: "Where to?", Request: Request{Origin: DefaultOrigin}}

		state := result.Apply(base)
		assert.True(t, state.NeedsClarification)
		assert.Equal(t, "Where to?", state.ClarificationMessage)
		assert.Nil(t, state.Budget)
	})
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return logger
}

func createTestParser(t *testing.T, llm *mock.Completer) *Parser {
	t.Helper()
	return NewParser(llm, Config{}, quietLogger())
}
