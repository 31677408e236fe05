// Package weight estimates package weights from item descriptions.
package weight

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/tributary-ai/shipping-assistant/internal/llmjson"
	"github.com/tributary-ai/shipping-assistant/internal/providers"
	"github.com/tributary-ai/shipping-assistant/internal/routing"
	"github.com/tributary-ai/shipping-assistant/internal/types"
)

const (
	// DefaultWeightLbs is used when the model gives no usable estimate
	DefaultWeightLbs = 5.0

	lbsToKg = 0.453592

	estimatorSystemPrompt = "You are a shipping expert. Return only valid JSON."
)

// Confidence of an estimate
type Confidence string

const (
	ConfidenceHigh   Confidence = "high"
	ConfidenceMedium Confidence = "medium"
	ConfidenceLow    Confidence = "low"
)

func parseConfidence(s string) Confidence {
	switch Confidence(strings.ToLower(strings.TrimSpace(s))) {
	case ConfidenceHigh:
		return ConfidenceHigh
	case ConfidenceLow:
		return ConfidenceLow
	default:
		return ConfidenceMedium
	}
}

// Estimate is the weight estimate for a single item
type Estimate struct {
	Description string     `json:"description"`
	WeightLbs   float64    `json:"weight_lbs"`
	WeightKg    float64    `json:"weight_kg"`
	Confidence  Confidence `json:"confidence"`
	Source      string     `json:"source"`
	MatchedKey  string     `json:"matched_key,omitempty"`
	Reasoning   string     `json:"reasoning"`
}

// Item is one line of a multi-item shipment
type Item struct {
	Description string `json:"description"`
	Quantity    int    `json:"quantity"`
}

// ItemEstimate is the estimate for one line of a multi-item shipment
type ItemEstimate struct {
	Description    string     `json:"item"`
	Quantity       int        `json:"quantity"`
	UnitWeightLbs  float64    `json:"unit_weight_lbs"`
	TotalWeightLbs float64    `json:"total_weight_lbs"`
	Confidence     Confidence `json:"confidence"`
	Source         string     `json:"source"`
}

// Total is the aggregate estimate for a multi-item shipment
type Total struct {
	TotalWeightLbs float64        `json:"total_weight_lbs"`
	TotalWeightKg  float64        `json:"total_weight_kg"`
	Items          []ItemEstimate `json:"items"`
	Reasoning      string         `json:"reasoning"`
}

// Config holds estimator settings
type Config struct {
	// MaxConcurrent bounds parallel model calls in EstimateItems
	MaxConcurrent int `yaml:"max_concurrent"`
}

// Estimator resolves item descriptions to weights
type Estimator struct {
	llm    providers.Completer
	config Config
	logger *logrus.Logger
}

// NewEstimator creates an estimator. llm may be nil, in which case table
// misses fall back to the default weight.
func NewEstimator(llm providers.Completer, config Config, logger *logrus.Logger) *Estimator {
	if config.MaxConcurrent <= 0 {
		config.MaxConcurrent = 4
	}
	return &Estimator{
		llm:    llm,
		config: config,
		logger: logger,
	}
}

// Estimate returns the weight of a single item. Only an unreachable model
// backend is returned as an error; malformed answers degrade to the default.
func (e *Estimator) Estimate(ctx context.Context, description string) (Estimate, error) {
	description = strings.TrimSpace(description)

	if est, ok := Lookup(description); ok {
		e.logger.WithFields(logrus.Fields{
			"item":   description,
			"match":  est.MatchedKey,
			"weight": est.WeightLbs,
		}).Debug("Weight found in common items table")
		if lbs := clamp(est.WeightLbs); lbs != est.WeightLbs {
			est.WeightLbs, est.WeightKg = lbs, round2(lbs*lbsToKg)
		}
		return est, nil
	}

	return e.estimateWithLLM(ctx, description)
}

// Lookup checks the common items table. A key matches when either string
// contains the other. The table weight is returned unclamped so that small
// items still add up correctly in multi-item totals.
func Lookup(description string) (Estimate, bool) {
	item := strings.ToLower(strings.TrimSpace(description))
	if item == "" {
		return Estimate{}, false
	}

	for _, cw := range commonWeights {
		if strings.Contains(item, cw.key) || (len(item) >= 3 && strings.Contains(cw.key, item)) {
			return newEstimate(description, cw.weight, ConfidenceHigh, types.WeightSourceDatabase,
				fmt.Sprintf("'%s' is typically around %.1f lbs based on common item database.", description, cw.weight),
				cw.key), true
		}
	}
	return Estimate{}, false
}

type llmEstimate struct {
	WeightLbs  *float64 `json:"weight_lbs"`
	Confidence string   `json:"confidence"`
	Reasoning  string   `json:"reasoning"`
}

func (e *Estimator) estimateWithLLM(ctx context.Context, description string) (Estimate, error) {
	fallback := newEstimate(description, DefaultWeightLbs, ConfidenceLow, types.WeightSourceDefault,
		fmt.Sprintf("Unable to estimate precisely for '%s', using default 5 lbs", description), "")

	if e.llm == nil {
		return fallback, nil
	}

	answer, err := e.llm.Complete(ctx, estimatorSystemPrompt, buildEstimatePrompt(description))
	if err != nil {
		if errors.Is(err, routing.ErrBackendUnavailable) {
			return Estimate{}, fmt.Errorf("failed to estimate weight: %w", err)
		}
		e.logger.WithError(err).WithField("item", description).Warn("LLM weight estimation failed, using default")
		return fallback, nil
	}

	var parsed llmEstimate
	if err := llmjson.Decode(answer, &parsed); err != nil {
		e.logger.WithError(err).WithField("item", description).Warn("Malformed weight estimate, using default")
		return fallback, nil
	}

	weight := DefaultWeightLbs
	if parsed.WeightLbs != nil && !math.IsNaN(*parsed.WeightLbs) && !math.IsInf(*parsed.WeightLbs, 0) {
		weight = *parsed.WeightLbs
	}
	reasoning := parsed.Reasoning
	if reasoning == "" {
		reasoning = "Estimated based on item description"
	}

	clamped := clamp(weight)
	if clamped != weight {
		e.logger.WithFields(logrus.Fields{
			"item":    description,
			"weight":  weight,
			"clamped": clamped,
		}).Warn("Estimated weight outside rate table range")
		reasoning = fmt.Sprintf("%s (adjusted from %.1f lbs to fit %d-%d lbs)",
			reasoning, weight, types.MinWeight, types.MaxWeight)
	}

	return newEstimate(description, clamped, parseConfidence(parsed.Confidence), types.WeightSourceLLM, reasoning, ""), nil
}

// EstimateItems sums quantity-weighted estimates. Table hits resolve
// immediately; the rest are estimated concurrently.
func (e *Estimator) EstimateItems(ctx context.Context, items []Item) (Total, error) {
	estimates := make([]Estimate, len(items))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.config.MaxConcurrent)

	for i, item := range items {
		if est, ok := Lookup(item.Description); ok {
			estimates[i] = est
			continue
		}
		i, description := i, item.Description
		g.Go(func() error {
			est, err := e.estimateWithLLM(gctx, strings.TrimSpace(description))
			if err != nil {
				return err
			}
			estimates[i] = est
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Total{}, err
	}

	total := Total{Items: make([]ItemEstimate, 0, len(items))}
	sum := 0.0
	for i, item := range items {
		quantity := item.Quantity
		if quantity <= 0 {
			quantity = 1
		}
		lineWeight := estimates[i].WeightLbs * float64(quantity)
		sum += lineWeight

		total.Items = append(total.Items, ItemEstimate{
			Description:    item.Description,
			Quantity:       quantity,
			UnitWeightLbs:  estimates[i].WeightLbs,
			TotalWeightLbs: round2(lineWeight),
			Confidence:     estimates[i].Confidence,
			Source:         estimates[i].Source,
		})
	}

	total.TotalWeightLbs = round2(sum)
	total.TotalWeightKg = round2(sum * lbsToKg)
	total.Reasoning = fmt.Sprintf("Total estimated weight for %d item(s): %.2f lbs", len(items), total.TotalWeightLbs)
	return total, nil
}

func buildEstimatePrompt(description string) string {
	return fmt.Sprintf(`You are a shipping expert. Estimate the weight of this item in pounds (lbs).

Item: "%s"

Consider:
1. Standard product weights for this category
2. Packaging weight (add 10-20%% for standard shipping box)
3. Common variations in size/model

Respond in this exact JSON format:
{
    "weight_lbs": <number>,
    "confidence": "<high/medium/low>",
    "reasoning": "<brief explanation>"
}

Examples:
- "laptop" -> {"weight_lbs": 5.0, "confidence": "high", "reasoning": "Standard laptop weighs 4-6 lbs with packaging"}
- "vintage vase" -> {"weight_lbs": 8.0, "confidence": "medium", "reasoning": "Ceramic vases vary widely, estimating medium size with protective packaging"}
- "handmade craft item" -> {"weight_lbs": 3.0, "confidence": "low", "reasoning": "Handmade items vary significantly, using generic small package estimate"}

Return ONLY the JSON, no additional text.`, description)
}

func newEstimate(description string, lbs float64, confidence Confidence, source, reasoning, key string) Estimate {
	return Estimate{
		Description: description,
		WeightLbs:   lbs,
		WeightKg:    round2(lbs * lbsToKg),
		Confidence:  confidence,
		Source:      source,
		MatchedKey:  key,
		Reasoning:   reasoning,
	}
}

func clamp(lbs float64) float64 {
	return math.Max(types.MinWeight, math.Min(types.MaxWeight, lbs))
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
