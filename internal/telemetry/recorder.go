// Package telemetry records pipeline trajectory events asynchronously.
package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// EventType names a trajectory step
type EventType string

const (
	AgentStart  EventType = "agent_start"
	AgentEnd    EventType = "agent_end"
	ToolCall    EventType = "tool_call"
	ToolResult  EventType = "tool_result"
	Reasoning   EventType = "reasoning"
	Reflection  EventType = "reflection"
	Error       EventType = "error"
	Transfer    EventType = "transfer"
	UserInput   EventType = "user_input"
	AgentOutput EventType = "agent_output"

	HTTPRequest EventType = "request"
	AuthFailure EventType = "auth_failure"
	RateLimited EventType = "rate_limited"
)

// Event is one trajectory step
type Event struct {
	ID         string                 `json:"id"`
	Timestamp  time.Time              `json:"timestamp"`
	Type       EventType              `json:"type"`
	RequestID  string                 `json:"request_id,omitempty"`
	SessionID  string                 `json:"session_id,omitempty"`
	ClientIP   string                 `json:"client_ip,omitempty"`
	Stage      string                 `json:"stage"`
	Input      string                 `json:"input,omitempty"`
	Output     string                 `json:"output,omitempty"`
	DurationMs float64                `json:"duration_ms,omitempty"`
	Details    map[string]interface{} `json:"details,omitempty"`
}

// Config holds telemetry configuration
type Config struct {
	Enabled         bool          `yaml:"enabled"`
	BufferSize      int           `yaml:"buffer_size"`
	BatchSize       int           `yaml:"batch_size"`
	FlushInterval   time.Duration `yaml:"flush_interval"`
	TrajectoryDir   string        `yaml:"trajectory_dir"`
	MaxSummaryLen   int           `yaml:"max_summary_length"`
	SensitiveFields []string      `yaml:"sensitive_fields"`
}

// Recorder buffers events and writes them to the log and to a daily JSONL
// file. A nil *Recorder is valid and records nothing.
type Recorder struct {
	config   Config
	logger   *logrus.Logger
	buffer   chan Event
	stopChan chan struct{}
	wg       sync.WaitGroup

	mu         sync.RWMutex
	stopped    bool
	eventCount int64
	dropped    int64

	file     *os.File
	fileDate string
	now      func() time.Time
}

// NewRecorder creates a recorder and starts its writer when enabled
func NewRecorder(config Config, logger *logrus.Logger) (*Recorder, error) {
	if config.BufferSize <= 0 {
		config.BufferSize = 1000
	}
	if config.BatchSize <= 0 {
		config.BatchSize = 100
	}
	if config.FlushInterval <= 0 {
		config.FlushInterval = 5 * time.Second
	}
	if config.MaxSummaryLen <= 0 {
		config.MaxSummaryLen = 200
	}

	if config.Enabled && config.TrajectoryDir != "" {
		if err := os.MkdirAll(config.TrajectoryDir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create trajectory directory: %w", err)
		}
	}

	r := &Recorder{
		config:   config,
		logger:   logger,
		buffer:   make(chan Event, config.BufferSize),
		stopChan: make(chan struct{}),
		now:      time.Now,
	}

	if config.Enabled {
		r.wg.Add(1)
		go r.run()
	}

	return r, nil
}

// Record queues an event. It never blocks: when the buffer is full the event is dropped.
func (r *Recorder) Record(ctx context.Context, event Event) {
	if r == nil {
		return
	}

	r.mu.RLock()
	active := r.config.Enabled && !r.stopped
	r.mu.RUnlock()
	if !active {
		return
	}

	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = r.now().UTC()
	}
	if event.RequestID == "" {
		event.RequestID = RequestIDFrom(ctx)
	}
	if event.SessionID == "" {
		event.SessionID = SessionIDFrom(ctx)
	}
	if event.ClientIP == "" {
		event.ClientIP = ClientIPFrom(ctx)
	}
	event.Input = r.truncate(event.Input)
	event.Output = r.truncate(event.Output)
	event.Details = r.sanitizeDetails(event.Details)

	select {
	case r.buffer <- event:
		r.mu.Lock()
		r.eventCount++
		r.mu.Unlock()
	default:
		r.mu.Lock()
		r.dropped++
		r.mu.Unlock()
		r.logger.Warn("Telemetry buffer full, dropping event")
	}
}

// StageStart records the start of a pipeline stage
func (r *Recorder) StageStart(ctx context.Context, stage, input string) {
	r.Record(ctx, Event{Type: AgentStart, Stage: stage, Input: input})
}

// StageEnd records the end of a pipeline stage
func (r *Recorder) StageEnd(ctx context.Context, stage, output string, elapsed time.Duration) {
	r.Record(ctx, Event{Type: AgentEnd, Stage: stage, Output: output, DurationMs: millis(elapsed)})
}

// ToolCall records a call into a helper such as the location resolver
func (r *Recorder) ToolCall(ctx context.Context, stage, tool, input string) {
	r.Record(ctx, Event{Type: ToolCall, Stage: stage, Input: input, Details: map[string]interface{}{"tool": tool}})
}

// ToolResult records the result of a helper call
func (r *Recorder) ToolResult(ctx context.Context, stage, tool, output string, elapsed time.Duration) {
	r.Record(ctx, Event{Type: ToolResult, Stage: stage, Output: output, DurationMs: millis(elapsed),
		Details: map[string]interface{}{"tool": tool}})
}

// Reason records an intermediate decision
func (r *Recorder) Reason(ctx context.Context, stage, reasoning string, details map[string]interface{}) {
	r.Record(ctx, Event{Type: Reasoning, Stage: stage, Output: reasoning, Details: details})
}

// Reflect records reflection output
func (r *Recorder) Reflect(ctx context.Context, stage, reflection string) {
	r.Record(ctx, Event{Type: Reflection, Stage: stage, Output: reflection})
}

// Fail records an error raised in a stage
func (r *Recorder) Fail(ctx context.Context, stage string, err error) {
	r.Record(ctx, Event{Type: Error, Stage: stage, Output: err.Error()})
}

// Handoff records control passing from one stage to another
func (r *Recorder) Handoff(ctx context.Context, from, to, reason string) {
	r.Record(ctx, Event{Type: Transfer, Stage: from, Output: reason, Details: map[string]interface{}{"to": to}})
}

// Input records the user's query
func (r *Recorder) Input(ctx context.Context, query string) {
	r.Record(ctx, Event{Type: UserInput, Stage: "user", Input: query})
}

// Output records the final response
func (r *Recorder) Output(ctx context.Context, output string, elapsed time.Duration) {
	r.Record(ctx, Event{Type: AgentOutput, Stage: "system", Output: output, DurationMs: millis(elapsed)})
}

// EventCount returns the number of queued events
func (r *Recorder) EventCount() int64 {
	if r == nil {
		return 0
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.eventCount
}

// DroppedCount returns the number of events dropped on a full buffer
func (r *Recorder) DroppedCount() int64 {
	if r == nil {
		return 0
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.dropped
}

// Stop flushes pending events and closes the trajectory file
func (r *Recorder) Stop() {
	if r == nil {
		return
	}

	r.mu.Lock()
	if !r.config.Enabled || r.stopped {
		r.mu.Unlock()
		return
	}
	r.stopped = true
	r.mu.Unlock()

	close(r.stopChan)
	r.wg.Wait()

	if r.file != nil {
		r.file.Close()
		r.file = nil
	}
}

func (r *Recorder) run() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.config.FlushInterval)
	defer ticker.Stop()

	batch := make([]Event, 0, r.config.BatchSize)

	for {
		select {
		case event := <-r.buffer:
			batch = append(batch, event)
			if len(batch) >= r.config.BatchSize {
				r.flush(batch)
				batch = batch[:0]
			}

		case <-ticker.C:
			if len(batch) > 0 {
				r.flush(batch)
				batch = batch[:0]
			}

		case <-r.stopChan:
			// Drain whatever was queued before Stop
			for {
				select {
				case event := <-r.buffer:
					batch = append(batch, event)
				default:
					r.flush(batch)
					return
				}
			}
		}
	}
}

func (r *Recorder) flush(events []Event) {
	for _, event := range events {
		r.logEvent(event)
		if r.config.TrajectoryDir != "" {
			if err := r.appendEvent(event); err != nil {
				r.logger.WithError(err).Warn("Failed to write trajectory event")
			}
		}
	}
}

func (r *Recorder) logEvent(event Event) {
	fields := logrus.Fields{
		"trajectory": true,
		"event_type": event.Type,
		"stage":      event.Stage,
		"request_id": event.RequestID,
	}
	if event.SessionID != "" {
		fields["session_id"] = event.SessionID
	}
	if event.DurationMs > 0 {
		fields["duration_ms"] = event.DurationMs
	}
	for key, value := range event.Details {
		fields["detail_"+key] = value
	}

	entry := r.logger.WithFields(fields)

	switch event.Type {
	case Error:
		entry.Error(event.Output)
	case AuthFailure, RateLimited, Transfer:
		entry.Warn(summary(event))
	case Reasoning:
		entry.Debug(event.Output)
	default:
		entry.Info(summary(event))
	}
}

// appendEvent writes one JSON line to trajectory_YYYYMMDD.jsonl, rotating daily
func (r *Recorder) appendEvent(event Event) error {
	date := event.Timestamp.Format("20060102")
	if r.file == nil || r.fileDate != date {
		if r.file != nil {
			r.file.Close()
		}
		path := filepath.Join(r.config.TrajectoryDir, fmt.Sprintf("trajectory_%s.jsonl", date))
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			r.file = nil
			return fmt.Errorf("failed to open trajectory file: %w", err)
		}
		r.file, r.fileDate = f, date
	}

	line, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	_, err = r.file.Write(append(line, '\n'))
	return err
}

func (r *Recorder) truncate(s string) string {
	if len(s) <= r.config.MaxSummaryLen {
		return s
	}
	return s[:r.config.MaxSummaryLen] + "..."
}

func (r *Recorder) sanitizeDetails(details map[string]interface{}) map[string]interface{} {
	if details == nil {
		return nil
	}

	sanitized := make(map[string]interface{}, len(details))
	for key, value := range details {
		if r.isSensitiveField(key) {
			sanitized[key] = "***REDACTED***"
		} else {
			sanitized[key] = value
		}
	}
	return sanitized
}

func (r *Recorder) isSensitiveField(field string) bool {
	lower := strings.ToLower(field)
	for _, sensitive := range []string{"password", "token", "secret", "api_key", "api-key", "authorization", "credential"} {
		if strings.Contains(lower, sensitive) {
			return true
		}
	}
	for _, sensitive := range r.config.SensitiveFields {
		if strings.EqualFold(field, sensitive) {
			return true
		}
	}
	return false
}

func summary(event Event) string {
	switch {
	case event.Output != "" && event.Input != "":
		return fmt.Sprintf("[%s] %s -> %s", event.Stage, event.Input, event.Output)
	case event.Output != "":
		return fmt.Sprintf("[%s] %s", event.Stage, event.Output)
	case event.Input != "":
		return fmt.Sprintf("[%s] %s", event.Stage, event.Input)
	default:
		return fmt.Sprintf("[%s] %s", event.Stage, event.Type)
	}
}

func millis(d time.Duration) float64 {
	return float64(d.Microseconds()) / 1000.0
}
