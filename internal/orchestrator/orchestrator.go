// Package orchestrator runs a shipping query through the assistant pipeline:
// gate, parser, location and weight resolution, rate lookup, ranking, and the
// optional reflection and supervisor stages.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/tributary-ai/shipping-assistant/internal/gate"
	"github.com/tributary-ai/shipping-assistant/internal/location"
	"github.com/tributary-ai/shipping-assistant/internal/parser"
	"github.com/tributary-ai/shipping-assistant/internal/ranking"
	"github.com/tributary-ai/shipping-assistant/internal/rates"
	"github.com/tributary-ai/shipping-assistant/internal/reflection"
	"github.com/tributary-ai/shipping-assistant/internal/session"
	"github.com/tributary-ai/shipping-assistant/internal/supervisor"
	"github.com/tributary-ai/shipping-assistant/internal/telemetry"
	"github.com/tributary-ai/shipping-assistant/internal/types"
	"github.com/tributary-ai/shipping-assistant/internal/weight"
)

// Stage names used for timing and telemetry
const (
	StageGate       = "gate"
	StageParse      = "parse"
	StageLocation   = "location"
	StageWeight     = "weight"
	StageRates      = "rates"
	StageRanking    = "ranking"
	StageReflection = "reflection"
	StageSupervisor = "supervisor"
)

// Config holds pipeline settings
type Config struct {
	DefaultWeightLbs  float64 `yaml:"default_weight_lbs"`
	ReflectionEnabled bool    `yaml:"reflection_enabled"`
}

// Dependencies are the stage components. Parser, Resolver, Estimator and
// Rates are required; the rest are optional.
type Dependencies struct {
	Gate      *gate.Gate
	Parser    *parser.Parser
	Resolver  *location.Resolver
	Estimator *weight.Estimator
	Rates     rates.Repository
	Ranker    *ranking.Ranker
	Reflector *reflection.Reflector
	Reviewer  supervisor.Reviewer
	Sessions  *session.Store
	Recorder  *telemetry.Recorder
}

// Orchestrator sequences the pipeline stages. It is safe for concurrent use;
// per-request data lives in the state value threaded through the stages.
type Orchestrator struct {
	config    Config
	gate      *gate.Gate
	parser    *parser.Parser
	resolver  *location.Resolver
	estimator *weight.Estimator
	rates     rates.Repository
	ranker    ranking.Ranker
	reflector *reflection.Reflector
	reviewer  supervisor.Reviewer
	sessions  *session.Store
	recorder  *telemetry.Recorder
	logger    *logrus.Logger
}

// NewOrchestrator wires the stages together
func NewOrchestrator(config Config, deps Dependencies, logger *logrus.Logger) (*Orchestrator, error) {
	switch {
	case deps.Parser == nil:
		return nil, errors.New("orchestrator requires a parser")
	case deps.Resolver == nil:
		return nil, errors.New("orchestrator requires a location resolver")
	case deps.Estimator == nil:
		return nil, errors.New("orchestrator requires a weight estimator")
	case deps.Rates == nil:
		return nil, errors.New("orchestrator requires a rate repository")
	}

	if config.DefaultWeightLbs <= 0 {
		config.DefaultWeightLbs = parser.DefaultWeightLbs
	}

	ranker := ranking.NewRanker(0)
	if deps.Ranker != nil {
		ranker = *deps.Ranker
	}
	if deps.Reviewer == nil {
		deps.Reviewer = supervisor.NewAutoApprover("", logger)
	}
	if deps.Sessions == nil {
		deps.Sessions = session.NewStore(session.Config{}, logger)
	}
	if !config.ReflectionEnabled {
		deps.Reflector = nil
	}

	logger.WithFields(logrus.Fields{
		"gate":       deps.Gate != nil,
		"reflection": deps.Reflector != nil,
		"threshold":  ranker.HighValueThreshold,
	}).Info("Pipeline orchestrator initialized")

	return &Orchestrator{
		config:    config,
		gate:      deps.Gate,
		parser:    deps.Parser,
		resolver:  deps.Resolver,
		estimator: deps.Estimator,
		rates:     deps.Rates,
		ranker:    ranker,
		reflector: deps.Reflector,
		reviewer:  deps.Reviewer,
		sessions:  deps.Sessions,
		recorder:  deps.Recorder,
		logger:    logger,
	}, nil
}

// Sessions exposes the session store for the HTTP layer
func (o *Orchestrator) Sessions() *session.Store {
	return o.sessions
}

// ProcessRequest runs one query. Blocked, clarification and no-rate outcomes
// are reported on the Result; only an unreachable backend or a cancelled
// context is returned as an error.
func (o *Orchestrator) ProcessRequest(ctx context.Context, sessionID, query string) (types.Result, error) {
	start := time.Now()

	requestID := telemetry.RequestIDFrom(ctx)
	if requestID == "" {
		requestID = uuid.NewString()
		ctx = telemetry.WithRequestID(ctx, requestID)
	}
	info := o.sessions.GetOrCreate(sessionID)
	ctx = telemetry.WithSessionID(ctx, info.ID)

	o.recorder.Input(ctx, query)
	if err := o.sessions.AddMessage(info.ID, session.RoleUser, query, map[string]string{"request_id": requestID}); err != nil {
		o.logger.WithError(err).WithField("session_id", info.ID).Warn("Failed to record user message")
	}

	prev, hasPrev, _ := o.sessions.LastState(info.ID)
	hasPrev = hasPrev && len(prev.Recommendations) > 0

	req := request{
		query:           query,
		state:           types.NewState(requestID, query),
		reflective:      parser.IsReflectionRequest(query),
		wantsSupervisor: parser.IsSupervisorRequest(query),
		refersBack:      parser.IsFollowUp(query, true),
		prev:            prev,
		hasPrev:         hasPrev,
	}

	var (
		outcome types.Outcome
		state   types.ShippingRequestState
		err     error
	)
	if req.isFollowUp() {
		outcome, state, err = o.followUp(ctx, req)
	} else {
		outcome, state, err = o.pipeline(ctx, req)
	}
	if err != nil {
		o.recorder.Fail(ctx, "pipeline", err)
		o.logger.WithError(err).WithFields(logrus.Fields{
			"request_id": requestID,
			"session_id": info.ID,
		}).Error("Request failed")
		return types.Result{}, err
	}

	result := types.Result{
		RequestID: requestID,
		SessionID: info.ID,
		Outcome:   outcome,
		Message:   renderMessage(outcome, state),
		State:     state,
		TotalMs:   float64(time.Since(start).Microseconds()) / 1000.0,
	}
	o.finish(ctx, result)
	return result, nil
}

// request bundles the per-query inputs of one pipeline pass
type request struct {
	query           string
	state           types.ShippingRequestState
	reflective      bool
	wantsSupervisor bool
	refersBack      bool
	prev            types.ShippingRequestState
	hasPrev         bool
}

// isFollowUp reports whether the query asks about an earlier recommendation
// rather than describing a new shipment
func (r request) isFollowUp() bool {
	return r.refersBack && (r.reflective || r.wantsSupervisor)
}

func (o *Orchestrator) pipeline(ctx context.Context, req request) (types.Outcome, types.ShippingRequestState, error) {
	state, blocked, err := o.validate(ctx, req.state, req.query)
	if err != nil || blocked {
		return types.OutcomeBlocked, state, err
	}

	started := time.Now()
	o.recorder.StageStart(ctx, StageParse, req.query)
	parsed, err := o.parser.Parse(ctx, req.query)
	if err != nil {
		return "", state, err
	}
	return o.recommend(ctx, req, state, parsed, started)
}

// validate runs the full gate. blocked reports a terminal verdict already
// applied to the returned state.
func (o *Orchestrator) validate(ctx context.Context, state types.ShippingRequestState, query string) (types.ShippingRequestState, bool, error) {
	if o.gate == nil {
		return state, false, nil
	}

	started := time.Now()
	verdict, err := o.gate.Validate(ctx, query)
	if err != nil {
		return state, false, err
	}
	state = o.timed(ctx, state, StageGate, string(verdict.Check), started)
	if !verdict.Pass {
		return state.WithBlock(verdict.Reason, verdict.Message), true, nil
	}
	return state, false, nil
}

// recommend takes a parse result through location, weight, rates, ranking,
// reflection and supervisor review
func (o *Orchestrator) recommend(ctx context.Context, req request, state types.ShippingRequestState, parsed parser.ParseResult, parseStarted time.Time) (types.Outcome, types.ShippingRequestState, error) {
	if parsed.Outcome == parser.OutcomeClarification && req.hasPrev && parser.IsFollowUp(req.query, true) {
		parsed = inheritPrevious(parsed, req.prev)
		o.recorder.Reason(ctx, StageParse, "missing fields inherited from previous request", nil)
	}
	state = parsed.Apply(state)
	state = o.timed(ctx, state, StageParse, string(parsed.Outcome), parseStarted)

	switch parsed.Outcome {
	case parser.OutcomeBlocked:
		return types.OutcomeBlocked, state, nil
	case parser.OutcomeClarification:
		return types.OutcomeClarification, state, nil
	}

	var err error
	// Location
	if state, err = o.resolveZone(ctx, state); err != nil {
		return "", state, err
	}

	// Weight
	if state, err = o.resolveWeight(ctx, state); err != nil {
		return "", state, err
	}
	if err := ctx.Err(); err != nil {
		return "", state, err
	}

	// Rates
	started := time.Now()
	o.recorder.ToolCall(ctx, StageRates, "rate_lookup", fmt.Sprintf("zone=%d weight=%g", state.Zone, state.WeightLbs))
	row, found, err := o.rates.Lookup(ctx, state.Zone, state.WeightLbs)
	if err != nil {
		return "", state, fmt.Errorf("failed to look up rates: %w", err)
	}
	o.recorder.ToolResult(ctx, StageRates, "rate_lookup", fmt.Sprintf("found=%t", found), time.Since(started))
	state = state.WithTiming(StageRates, time.Since(started))
	if !found {
		o.logger.WithFields(logrus.Fields{
			"zone":   state.Zone,
			"weight": state.WeightLbs,
		}).Info("No rates found")
		return types.OutcomeNoRates, state, nil
	}

	// Ranking
	started = time.Now()
	ranked := o.ranker.Rank(row, state.Budget, state.Urgency)
	state = state.With(func(c *types.ShippingRequestState) {
		c.RateRows = []types.RateRow{row}
		c.Recommendations = ranked.Recommendations
		c.BudgetAnalysis = ranked.BudgetAnalysis
		c.SupervisorRequired = ranked.SupervisorRequired
	})
	if top, ok := ranked.Top(); ok {
		o.recorder.Reason(ctx, StageRanking, top.Explanation, map[string]interface{}{
			"service":   string(top.Service),
			"price":     top.Price,
			"rationale": string(top.Rationale),
		})
	}
	state = o.timed(ctx, state, StageRanking, fmt.Sprintf("%d recommendations", len(ranked.Recommendations)), started)

	// Reflection and supervisor
	escalate := false
	if req.reflective {
		state, escalate = o.reflect(ctx, req.query, state)
	}

	state, err = o.escalate(ctx, state, escalationReason(state.SupervisorRequired, escalate, req.wantsSupervisor))
	if err != nil {
		return "", state, err
	}
	return types.OutcomeRecommended, state, nil
}

// followUp answers a question about the session's previous recommendation.
// A query that also names a destination, zone or weight is handled as a new
// shipment instead. Reflection with nothing to reflect on degrades to a fixed
// message.
func (o *Orchestrator) followUp(ctx context.Context, req request) (types.Outcome, types.ShippingRequestState, error) {
	state := req.state

	if o.gate != nil {
		started := time.Now()
		verdict := o.gate.Screen(ctx, req.query)
		state = o.timed(ctx, state, StageGate, string(verdict.Check), started)
		if !verdict.Pass {
			return types.OutcomeBlocked, state.WithBlock(verdict.Reason, verdict.Message), nil
		}
	}

	// Verification wording can ride along with a new shipment, so the query
	// is parsed before it is treated as a question about the last answer
	started := time.Now()
	o.recorder.StageStart(ctx, StageParse, req.query)
	parsed, err := o.parser.Parse(ctx, req.query)
	switch {
	case err != nil && ctx.Err() != nil:
		return "", state, ctx.Err()
	case err != nil:
		o.logger.WithError(err).Warn("Follow-up parse failed, answering about the previous recommendation")
	case parsed.Outcome == parser.OutcomeBlocked:
		return types.OutcomeBlocked, o.timed(ctx, parsed.Apply(state), StageParse, string(parsed.Outcome), started), nil
	case parsed.Request.DescribesShipment():
		o.recorder.Reason(ctx, StageParse, "follow-up wording carries new shipment details", nil)
		return o.newShipment(ctx, req, state, parsed, started)
	}

	if !req.hasPrev {
		if req.reflective {
			return types.OutcomeReflection, state.With(func(c *types.ShippingRequestState) {
				text := reflection.NothingToReflectOn
				c.Reflection = &text
			}), nil
		}
		if err != nil {
			return o.pipeline(ctx, req)
		}
		return o.newShipment(ctx, req, state, parsed, started)
	}

	o.recorder.Handoff(ctx, "chat", StageReflection, "follow-up on previous recommendation")
	timing := state.Timing
	// RawQuery stays the original request until reflection has narrated it
	state = req.prev.With(func(c *types.ShippingRequestState) {
		c.RequestID = req.state.RequestID
		c.Reflection = nil
		c.ChainOfThought = nil
		c.Escalated = false
		c.Supervisor = nil
		c.Timing = timing
	})

	escalate := false
	outcome := types.OutcomeRecommended
	if req.reflective && o.reflector != nil {
		state, escalate = o.reflect(ctx, req.query, state)
		outcome = types.OutcomeReflection
	}

	state, err = o.escalate(ctx, state, escalationReason(false, escalate, req.wantsSupervisor))
	if err != nil {
		return "", state, err
	}
	return outcome, state.With(func(c *types.ShippingRequestState) { c.RawQuery = req.query }), nil
}

// newShipment finishes a query that was parsed before the topic classifier ran
func (o *Orchestrator) newShipment(ctx context.Context, req request, state types.ShippingRequestState, parsed parser.ParseResult, parseStarted time.Time) (types.Outcome, types.ShippingRequestState, error) {
	state, blocked, err := o.validate(ctx, state, req.query)
	if err != nil || blocked {
		return types.OutcomeBlocked, state, err
	}
	return o.recommend(ctx, req, state, parsed, parseStarted)
}

// resolveZone maps the destination to a zone unless the query named one
func (o *Orchestrator) resolveZone(ctx context.Context, state types.ShippingRequestState) (types.ShippingRequestState, error) {
	started := time.Now()

	if state.Zone != 0 {
		return o.timed(ctx, state.With(func(c *types.ShippingRequestState) {
			c.ZoneExplanation = fmt.Sprintf("Zone %d specified directly", c.Zone)
		}), StageLocation, "zone given", started), nil
	}

	o.recorder.ToolCall(ctx, StageLocation, "resolve_location", state.Destination)
	res, err := o.resolver.Resolve(ctx, state.Destination)
	if err != nil {
		return state, fmt.Errorf("failed to resolve destination: %w", err)
	}
	o.recorder.ToolResult(ctx, StageLocation, "resolve_location", res.Explanation, time.Since(started))

	state = state.With(func(c *types.ShippingRequestState) {
		c.Destination = res.Label()
		c.Zone = res.Zone
		c.ZoneExplanation = res.Explanation
	})
	return o.timed(ctx, state, StageLocation, fmt.Sprintf("zone %d (%s)", res.Zone, res.ZoneSource), started), nil
}

// resolveWeight keeps an explicit weight, else estimates from the item
// description, else falls back to the default weight
func (o *Orchestrator) resolveWeight(ctx context.Context, state types.ShippingRequestState) (types.ShippingRequestState, error) {
	started := time.Now()

	switch {
	case state.WeightSource == types.WeightSourceExplicit:
	case state.ItemDescription != "":
		o.recorder.ToolCall(ctx, StageWeight, "estimate_weight", state.ItemDescription)
		est, err := o.estimator.Estimate(ctx, state.ItemDescription)
		if err != nil {
			return state, err
		}
		o.recorder.ToolResult(ctx, StageWeight, "estimate_weight",
			fmt.Sprintf("%g lbs (%s, %s)", est.WeightLbs, est.Confidence, est.Source), time.Since(started))
		state = state.With(func(c *types.ShippingRequestState) {
			c.WeightLbs = est.WeightLbs
			c.WeightSource = est.Source
		})
	default:
		state = state.With(func(c *types.ShippingRequestState) {
			c.WeightLbs = o.config.DefaultWeightLbs
			c.WeightSource = types.WeightSourceDefault
		})
	}

	return o.timed(ctx, state, StageWeight, fmt.Sprintf("%g lbs (%s)", state.WeightLbs, state.WeightSource), started), nil
}

func (o *Orchestrator) reflect(ctx context.Context, question string, state types.ShippingRequestState) (types.ShippingRequestState, bool) {
	if o.reflector == nil {
		return state, false
	}

	started := time.Now()
	o.recorder.StageStart(ctx, StageReflection, question)
	ref := o.reflector.Reflect(ctx, question, state)
	o.recorder.Reflect(ctx, StageReflection, ref.Text)

	state = state.With(func(c *types.ShippingRequestState) {
		text := ref.Text
		c.Reflection = &text
		if ref.ChainOfThought != "" {
			chain := ref.ChainOfThought
			c.ChainOfThought = &chain
		}
	})
	return o.timed(ctx, state, StageReflection, ref.Text, started), ref.Escalate
}

// escalate attaches a supervisor decision when reason is set. A reviewer
// failure leaves the recommendation unreviewed rather than failing the request.
func (o *Orchestrator) escalate(ctx context.Context, state types.ShippingRequestState, reason supervisor.Reason) (types.ShippingRequestState, error) {
	if reason == "" {
		return state, nil
	}

	started := time.Now()
	o.recorder.Handoff(ctx, StageRanking, StageSupervisor, string(reason))
	decision, err := o.reviewer.Review(ctx, supervisor.Escalation{Reason: reason, State: state})
	if err != nil {
		if ctx.Err() != nil {
			return state, ctx.Err()
		}
		o.logger.WithError(err).WithField("reason", reason).Warn("Supervisor review failed")
		return state.WithTiming(StageSupervisor, time.Since(started)), nil
	}

	state = state.With(func(c *types.ShippingRequestState) {
		c.Escalated = true
		c.Supervisor = &decision
	})
	return o.timed(ctx, state, StageSupervisor, decision.Decision, started), nil
}

// timed records stage timing on the state and emits the stage-end event
func (o *Orchestrator) timed(ctx context.Context, state types.ShippingRequestState, stage, output string, started time.Time) types.ShippingRequestState {
	elapsed := time.Since(started)
	o.recorder.StageEnd(ctx, stage, output, elapsed)
	return state.WithTiming(stage, elapsed)
}

func (o *Orchestrator) finish(ctx context.Context, result types.Result) {
	metadata := map[string]string{
		"request_id": result.RequestID,
		"outcome":    string(result.Outcome),
	}
	if err := o.sessions.AddMessage(result.SessionID, session.RoleAssistant, result.Message, metadata); err != nil {
		o.logger.WithError(err).WithField("session_id", result.SessionID).Warn("Failed to record assistant message")
	}
	if result.Outcome == types.OutcomeRecommended && len(result.State.Recommendations) > 0 {
		if err := o.sessions.SetLastState(result.SessionID, result.State); err != nil {
			o.logger.WithError(err).WithField("session_id", result.SessionID).Warn("Failed to store recommendation")
		}
	}

	o.recorder.Output(ctx, result.Message, time.Duration(result.TotalMs*float64(time.Millisecond)))

	fields := logrus.Fields{
		"request_id": result.RequestID,
		"session_id": result.SessionID,
		"outcome":    result.Outcome,
		"total_ms":   result.TotalMs,
	}
	if top, ok := result.State.TopRecommendation(); ok {
		fields["service"] = top.Service
		fields["price"] = top.Price
	}
	o.logger.WithFields(fields).Info("Request completed")
}

// Close stops background resources owned by the pipeline
func (o *Orchestrator) Close() error {
	o.recorder.Stop()
	if err := o.rates.Close(); err != nil {
		return fmt.Errorf("failed to close rate repository: %w", err)
	}
	return nil
}

// inheritPrevious fills fields a follow-up left out from the previous request
func inheritPrevious(parsed parser.ParseResult, prev types.ShippingRequestState) parser.ParseResult {
	req := parsed.Request
	if req.Destination == "" {
		req.Destination = prev.Destination
		if strings.HasPrefix(prev.Destination, "Zone ") {
			req.Zone = prev.Zone
		}
	}
	if req.WeightLbs == nil && req.ItemDescription == "" && prev.WeightLbs > 0 {
		w := prev.WeightLbs
		req.WeightLbs = &w
	}
	if req.Budget == nil && prev.Budget != nil {
		req.Budget = types.Budget(*prev.Budget)
	}

	parsed.Request = req
	if req.Destination != "" {
		parsed.Outcome = parser.OutcomeParsed
		parsed.Missing = nil
		parsed.Message = ""
	}
	return parsed
}

// escalationReason picks the first applicable trigger
func escalationReason(highValue, reflectionConcern, userRequest bool) supervisor.Reason {
	switch {
	case highValue:
		return supervisor.ReasonHighValue
	case reflectionConcern:
		return supervisor.ReasonReflectionConcern
	case userRequest:
		return supervisor.ReasonUserRequest
	default:
		return ""
	}
}
