// Package reflection narrates how a recommendation was reached when the user
// asks for verification.
package reflection

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/sirupsen/logrus"

	"github.com/tributary-ai/shipping-assistant/internal/providers"
	"github.com/tributary-ai/shipping-assistant/internal/types"
)

const (
	NothingToReflectOn = "No recommendation to reflect on."
	FallbackReflection = "Recommendation appears reasonable based on available data."

	systemPrompt = "You are a FedEx shipping analyst reviewing a rate recommendation."
)

// EscalationKeywords in the user-facing reflection request a supervisor review
var EscalationKeywords = []string{
	"supervisor",
	"escalate",
	"concern",
	"issue",
	"review needed",
}

// A keyword directly after one of these words is not an escalation ("no concerns")
var negations = map[string]bool{
	"no":      true,
	"without": true,
	"any":     true,
	"zero":    true,
}

// Reflection is the outcome of the reflection stage
type Reflection struct {
	ChainOfThought string `json:"chain_of_thought"`
	Text           string `json:"reflection"`
	Escalate       bool   `json:"escalate"`
	Degraded       bool   `json:"degraded,omitempty"`
}

// Config holds reflection settings
type Config struct {
	Timeout time.Duration `yaml:"timeout"`
}

// Reflector runs the two-stage reflection
type Reflector struct {
	llm    providers.Completer
	config Config
	logger *logrus.Logger
}

// NewReflector creates a reflector
func NewReflector(llm providers.Completer, config Config, logger *logrus.Logger) *Reflector {
	return &Reflector{
		llm:    llm,
		config: config,
		logger: logger,
	}
}

// Reflect narrates the decisions recorded in state, then condenses them into
// a short confirmation. It never fails: model errors degrade to a static
// reassurance.
func (r *Reflector) Reflect(ctx context.Context, question string, state types.ShippingRequestState) Reflection {
	top, ok := state.TopRecommendation()
	if !ok {
		return Reflection{Text: NothingToReflectOn}
	}
	if r.llm == nil {
		return Reflection{Text: FallbackReflection, Degraded: true}
	}

	chain, err := r.complete(ctx, buildChainOfThoughtPrompt(question, state, top))
	if err != nil {
		r.logger.WithError(err).Warn("Chain-of-thought generation failed")
		return Reflection{Text: FallbackReflection, Degraded: true}
	}

	text, err := r.complete(ctx, buildFinalPrompt(chain))
	if err != nil {
		r.logger.WithError(err).Warn("Reflection generation failed")
		return Reflection{ChainOfThought: chain, Text: FallbackReflection, Degraded: true}
	}

	reflection := Reflection{
		ChainOfThought: chain,
		Text:           text,
		Escalate:       NeedsEscalation(text),
	}
	if reflection.Escalate {
		r.logger.WithField("request_id", state.RequestID).Warn("Reflection suggests supervisor review")
	}
	return reflection
}

func (r *Reflector) complete(ctx context.Context, prompt string) (string, error) {
	callCtx := ctx
	if r.config.Timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, r.config.Timeout)
		defer cancel()
	}

	answer, err := r.llm.Complete(callCtx, systemPrompt, prompt)
	if err != nil {
		return "", err
	}
	answer = strings.TrimSpace(answer)
	if answer == "" {
		return "", fmt.Errorf("empty reflection response")
	}
	return answer, nil
}

// NeedsEscalation reports whether text contains an escalation keyword that
// is not negated by the word before it.
func NeedsEscalation(text string) bool {
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})

	for _, keyword := range EscalationKeywords {
		parts := strings.Fields(keyword)
		for i := 0; i+len(parts) <= len(words); i++ {
			if !matchesAt(words, i, parts) {
				continue
			}
			if i > 0 && negations[words[i-1]] {
				continue
			}
			return true
		}
	}
	return false
}

func matchesAt(words []string, i int, parts []string) bool {
	for j, part := range parts {
		w := words[i+j]
		if w != part && w != part+"s" && w != part+"d" {
			return false
		}
	}
	return true
}

func buildChainOfThoughtPrompt(question string, s types.ShippingRequestState, top types.Recommendation) string {
	budget := "No budget specified"
	if s.Budget != nil {
		budget = fmt.Sprintf("$%.2f", *s.Budget)
	}

	var rows strings.Builder
	for _, row := range s.RateRows {
		fmt.Fprintf(&rows, "   - Zone %d, %d lbs:", row.Zone, row.Weight)
		for _, o := range row.Options() {
			fmt.Fprintf(&rows, " %s $%.2f;", o.ServiceName, o.Price)
		}
		rows.WriteString("\n")
	}
	if rows.Len() == 0 {
		rows.WriteString("   - No rows returned\n")
	}

	var recs strings.Builder
	for _, rec := range s.Recommendations {
		fmt.Fprintf(&recs, "   - [%s] %s $%.2f: %s\n", rec.Rationale, rec.ServiceName, rec.Price, rec.Explanation)
	}

	return fmt.Sprintf(`You are analyzing how the FedEx shipping system made its recommendation.
Show your complete thought process step-by-step, using only the values below.

User's original question:
%q

Follow-up question:
%q

1. Parameter extraction:
   - Origin: %s
   - Destination: %s
   - Zone: %d (%s)
   - Weight: %.1f lbs (source: %s)
   - Budget: %s
   - Urgency: %s

2. Rate lookup (zone %d, weight rounded to whole pounds):
%s
3. Ranking:
%s
4. Recommendation made:
   - Service: %s
   - Cost: $%.2f
   - Delivery: %s
   - Reasoning: %s

Think through step-by-step:
1. Was the user's question understood correctly?
2. Were origin/destination extracted properly?
3. Was the zone mapping correct?
4. Was the rate lookup appropriate for the request?
5. Was the best service selected from the results?
6. Does the recommendation meet the user's needs (budget, urgency)?
7. Are there any concerns or issues?

Provide a detailed step-by-step analysis (5-8 sentences).
Start with "Let me trace through how this recommendation was made:"`,
		s.RawQuery, question,
		s.Origin, s.Destination, s.Zone, s.ZoneExplanation,
		s.WeightLbs, s.WeightSource, budget, s.Urgency,
		s.Zone, rows.String(), recs.String(),
		top.ServiceName, top.Price, top.DeliveryWindow, top.Explanation)
}

func buildFinalPrompt(chain string) string {
	return fmt.Sprintf(`Based on your detailed analysis:

%s

Now provide a clear, concise reflection for the user.

The user asked for verification:
- Clearly state if the recommendation is correct
- Explain why it is the best choice
- If something looks wrong, say that a supervisor review is needed

Format: 2-3 clear sentences.`, chain)
}
