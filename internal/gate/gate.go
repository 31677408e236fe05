// Package gate screens raw queries before any parsing happens.
package gate

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tributary-ai/shipping-assistant/internal/parser"
	"github.com/tributary-ai/shipping-assistant/internal/providers"
	"github.com/tributary-ai/shipping-assistant/internal/routing"
	"github.com/tributary-ai/shipping-assistant/internal/security"
	"github.com/tributary-ai/shipping-assistant/internal/telemetry"
	"github.com/tributary-ai/shipping-assistant/internal/types"
)

// FailMode decides what happens when the topic classifier cannot answer
type FailMode string

const (
	FailClosed FailMode = "closed"
	FailOpen   FailMode = "open"
)

// Check names the screen that produced a verdict
type Check string

const (
	CheckInjection Check = "injection"
	CheckItems     Check = "items"
	CheckTopic     Check = "topic"
	CheckDisabled  Check = "disabled"
)

const (
	InjectionMessage   = "I'm sorry, but I can't process that request. Please ask a shipping-related question."
	OffTopicMessage    = "I'm a shipping assistant. I can help you with shipping rates, zones, and delivery options. How can I help you with shipping today?"
	UnavailableMessage = "I couldn't verify your request right now. Please try again in a moment."

	classifierSystemPrompt = "You are a query classifier. Respond only YES or NO."
)

// Verdict is the gate's decision on one query
type Verdict struct {
	Pass     bool              `json:"pass"`
	Reason   types.BlockReason `json:"reason,omitempty"`
	Message  string            `json:"message,omitempty"`
	Check    Check             `json:"check"`
	Matched  string            `json:"matched,omitempty"`
	Degraded bool              `json:"degraded,omitempty"`
}

// Config holds gate settings
type Config struct {
	Enabled  bool          `yaml:"enabled"`
	FailMode FailMode      `yaml:"fail_mode"`
	Timeout  time.Duration `yaml:"timeout"`
}

// Gate runs the injection screen and the topic classifier
type Gate struct {
	llm      providers.Completer
	screener *security.InjectionScreener
	config   Config
	recorder *telemetry.Recorder
	logger   *logrus.Logger
}

// NewGate creates a gate. A nil screener uses the default injection patterns.
func NewGate(llm providers.Completer, screener *security.InjectionScreener, config Config, recorder *telemetry.Recorder, logger *logrus.Logger) *Gate {
	if screener == nil {
		screener = security.NewInjectionScreener(nil)
	}
	if config.FailMode == "" {
		config.FailMode = FailClosed
	}
	return &Gate{
		llm:      llm,
		screener: screener,
		config:   config,
		recorder: recorder,
		logger:   logger,
	}
}

// Validate screens a query. The injection check and the restricted-item
// filter are deterministic and run before any model call, so their blocks
// hold whatever the classifier would say. Only an unreachable backend in
// fail-closed mode or a cancelled context is returned as an error.
func (g *Gate) Validate(ctx context.Context, query string) (Verdict, error) {
	if !g.config.Enabled {
		return Verdict{Pass: true, Check: CheckDisabled}, nil
	}

	if verdict, hit := g.screen(query); hit {
		g.report(ctx, verdict)
		return verdict, nil
	}

	if blocked, hit := parser.ScreenItems(query); hit {
		verdict := Verdict{
			Reason:  blocked.BlockReason,
			Message: blocked.Message,
			Check:   CheckItems,
			Matched: strings.Join(blocked.MatchedTerms, ", "),
		}
		g.report(ctx, verdict)
		return verdict, nil
	}

	verdict, err := g.classify(ctx, query)
	if err != nil {
		return Verdict{}, err
	}
	g.report(ctx, verdict)
	return verdict, nil
}

// Screen runs only the injection check. Follow-up turns about an earlier
// recommendation are screened this way since they carry no shipping terms
// of their own for the topic classifier.
func (g *Gate) Screen(ctx context.Context, query string) Verdict {
	if !g.config.Enabled {
		return Verdict{Pass: true, Check: CheckDisabled}
	}
	verdict, hit := g.screen(query)
	if !hit {
		verdict = Verdict{Pass: true, Check: CheckInjection}
	}
	g.report(ctx, verdict)
	return verdict
}

func (g *Gate) screen(query string) (Verdict, bool) {
	pattern, hit := g.screener.Screen(query)
	if !hit {
		return Verdict{}, false
	}
	return Verdict{
		Reason:  types.BlockInjectionDetected,
		Message: InjectionMessage,
		Check:   CheckInjection,
		Matched: pattern,
	}, true
}

func (g *Gate) classify(ctx context.Context, query string) (Verdict, error) {
	if g.llm == nil {
		return Verdict{Pass: true, Check: CheckTopic, Degraded: true}, nil
	}

	callCtx := ctx
	if g.config.Timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, g.config.Timeout)
		defer cancel()
	}

	answer, err := g.llm.Complete(callCtx, classifierSystemPrompt, buildClassifierPrompt(query))
	if err != nil {
		if ctx.Err() != nil {
			return Verdict{}, ctx.Err()
		}
		return g.classifierFailed(err)
	}

	if isYes(answer) {
		return Verdict{Pass: true, Check: CheckTopic}, nil
	}
	return Verdict{
		Reason:  types.BlockOffTopic,
		Message: OffTopicMessage,
		Check:   CheckTopic,
	}, nil
}

func (g *Gate) classifierFailed(err error) (Verdict, error) {
	g.logger.WithError(err).WithField("fail_mode", g.config.FailMode).Warn("Topic classifier failed")

	if g.config.FailMode == FailOpen {
		return Verdict{Pass: true, Check: CheckTopic, Degraded: true}, nil
	}
	if errors.Is(err, routing.ErrBackendUnavailable) {
		return Verdict{}, fmt.Errorf("failed to classify query: %w", err)
	}
	return Verdict{
		Reason:   types.BlockClassifierUnavailable,
		Message:  UnavailableMessage,
		Check:    CheckTopic,
		Degraded: true,
	}, nil
}

func (g *Gate) report(ctx context.Context, v Verdict) {
	fields := logrus.Fields{
		"check": v.Check,
		"pass":  v.Pass,
	}
	if v.Reason != "" {
		fields["reason"] = v.Reason
	}
	if v.Matched != "" {
		fields["matched"] = v.Matched
	}

	if v.Pass {
		g.logger.WithFields(fields).Debug("Query passed gate")
	} else {
		g.logger.WithFields(fields).Warn("Query blocked by gate")
	}

	details := map[string]interface{}{"check": string(v.Check), "pass": v.Pass}
	if v.Reason != "" {
		details["reason"] = string(v.Reason)
	}
	g.recorder.Reason(ctx, "gate", fmt.Sprintf("%s check pass=%t", v.Check, v.Pass), details)
}

// isYes accepts answers such as "YES", "Yes." or "yes - shipping question"
func isYes(answer string) bool {
	fields := strings.Fields(strings.ToUpper(answer))
	if len(fields) == 0 {
		return false
	}
	return strings.TrimFunc(fields[0], func(r rune) bool { return r < 'A' || r > 'Z' }) == "YES"
}

func buildClassifierPrompt(query string) string {
	return fmt.Sprintf(`Determine if this query is related to shipping services.

Query: %q

Shipping-related queries include:
- Asking about shipping rates or prices
- Asking about delivery times
- Asking about zones
- Asking about package weight/dimensions
- Comparing shipping options
- Asking about FedEx services

Respond with ONLY "YES" or "NO".`, query)
}
