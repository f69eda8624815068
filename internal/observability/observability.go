// Package observability implements the Observability Pipeline of spec
// §4.I: a content-free event log and hour-bucketed metric counters with
// threshold alerting. It wraps internal/logging the way
// networking.SnapshotMetrics wraps a mutex-guarded counter map, and its
// windowing/alert/purge semantics follow metrics_service.py and
// logging_service.py.
package observability

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"relay.example/messaging-relay/internal/config"
	"relay.example/messaging-relay/internal/logging"
)

// EventType enumerates the closed set of loggable event types (§6).
type EventType string

const (
	EventDeviceProvisioned             EventType = "device_provisioned"
	EventDeviceRevoked                 EventType = "device_revoked"
	EventMessageAttempted              EventType = "message_attempted"
	EventPolicyEnforced                EventType = "policy_enforced"
	EventSystemStart                   EventType = "system_start"
	EventSystemStop                    EventType = "system_stop"
	EventDeliveryFailed                EventType = "delivery_failed"
	EventConversationCreated           EventType = "conversation_created"
	EventConversationParticipantJoined EventType = "conversation_participant_joined"
	EventConversationParticipantLeft   EventType = "conversation_participant_left"
	EventConversationClosed            EventType = "conversation_closed"
)

var validEventTypes = map[EventType]struct{}{
	EventDeviceProvisioned: {}, EventDeviceRevoked: {}, EventMessageAttempted: {},
	EventPolicyEnforced: {}, EventSystemStart: {}, EventSystemStop: {},
	EventDeliveryFailed: {}, EventConversationCreated: {},
	EventConversationParticipantJoined: {}, EventConversationParticipantLeft: {},
	EventConversationClosed: {},
}

// forbiddenSubstrings names the content-free schema's banned key fragments
// (§4.I): no log event or metric may carry payload bytes.
var forbiddenSubstrings = []string{"content", "plaintext", "payload", "key", "secret", "password"}

const maxStringValueLen = 1000

// SchemaViolationError reports a programming error: a caller tried to log
// data the content-free schema forbids. Per §4.I this must never be
// silently downgraded to a runtime fallback.
type SchemaViolationError struct {
	Field  string
	Reason string
}

func (e *SchemaViolationError) Error() string {
	return fmt.Sprintf("observability: schema violation on field %q: %s", e.Field, e.Reason)
}

// validateData enforces the content-free schema on a log/metric data map.
func validateData(data map[string]any) error {
	for k, v := range data {
		lower := strings.ToLower(k)
		for _, bad := range forbiddenSubstrings {
			if strings.Contains(lower, bad) {
				return &SchemaViolationError{Field: k, Reason: fmt.Sprintf("key contains forbidden fragment %q", bad)}
			}
		}
		if s, ok := v.(string); ok && len(s) > maxStringValueLen {
			return &SchemaViolationError{Field: k, Reason: "string value exceeds 1000 characters"}
		}
	}
	return nil
}

// LogRecord is a single operational or audit log entry (§3 "Log Event").
type LogRecord struct {
	EventType      EventType
	Timestamp      time.Time
	Classification string
	Data           map[string]any
}

// Alert is emitted when a windowed metric crosses its threshold.
type Alert struct {
	AlertType    string
	Threshold    int64
	ActualValue  int64
	WindowStart  time.Time
	Timestamp    time.Time
}

// AlertSink receives alerts as they fire. One alert is emitted per
// triggering increment; §4.I explicitly forbids deduplicating within a
// window.
type AlertSink interface {
	Alert(Alert)
}

// Pipeline implements the Observability Pipeline.
type Pipeline struct {
	mu      sync.Mutex
	logs    []LogRecord
	metrics map[time.Time]map[string]int64

	logger    *logging.Logger
	alertSink AlertSink
	now       func() time.Time
	retention time.Duration
}

// Option configures optional Pipeline behaviour.
type Option func(*Pipeline)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) {
		if now != nil {
			p.now = now
		}
	}
}

// WithAlertSink registers a sink for threshold alerts.
func WithAlertSink(sink AlertSink) Option {
	return func(p *Pipeline) { p.alertSink = sink }
}

// New constructs an Observability Pipeline with a 90-day log retention
// (§4.I).
func New(logger *logging.Logger, opts ...Option) *Pipeline {
	if logger == nil {
		logger = logging.L()
	}
	p := &Pipeline{
		metrics:   make(map[time.Time]map[string]int64),
		logger:    logger,
		now:       time.Now,
		retention: config.LogRetention,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

func windowStart(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), 0, 0, 0, t.UTC().Location())
}

// Log records a typed event after validating it against the content-free
// schema. classification mirrors the GLOSSARY's data-classification tags
// (e.g. "Internal", "Audit").
func (p *Pipeline) Log(eventType EventType, classification string, data map[string]any) error {
	if _, ok := validEventTypes[eventType]; !ok {
		return fmt.Errorf("observability: unknown event type %q", eventType)
	}
	if err := validateData(data); err != nil {
		return err
	}
	record := LogRecord{
		EventType:      eventType,
		Timestamp:      p.now(),
		Classification: classification,
		Data:           data,
	}
	p.mu.Lock()
	p.logs = append(p.logs, record)
	p.mu.Unlock()

	fields := make([]logging.Field, 0, len(data)+1)
	fields = append(fields, logging.String("classification", classification))
	for k, v := range data {
		fields = append(fields, logging.Field{Key: k, Value: v})
	}
	p.logger.Info(string(eventType), fields...)
	return nil
}

// RecordMetric increments a windowed counter and re-checks the alert
// threshold after every increment (§4.I: "do not deduplicate
// within-window").
func (p *Pipeline) RecordMetric(name string, delta int64) {
	now := p.now()
	window := windowStart(now)

	p.mu.Lock()
	bucket, ok := p.metrics[window]
	if !ok {
		bucket = make(map[string]int64)
		p.metrics[window] = bucket
	}
	bucket[name] += delta
	value := bucket[name]
	p.mu.Unlock()

	if name == "failed_deliveries" && value >= config.FailedDeliveryAlertThreshold {
		p.fireAlert(Alert{
			AlertType:   "failed_deliveries_threshold",
			Threshold:   config.FailedDeliveryAlertThreshold,
			ActualValue: value,
			WindowStart: window,
			Timestamp:   now,
		})
	}
}

func (p *Pipeline) fireAlert(a Alert) {
	p.logger.Warn("observability_alert",
		logging.String("alert_type", a.AlertType),
		logging.Int64("threshold", a.Threshold),
		logging.Int64("actual_value", a.ActualValue),
	)
	if p.alertSink != nil {
		p.alertSink.Alert(a)
	}
}

// MetricValue returns the current value of name in the window containing t.
func (p *Pipeline) MetricValue(name string, t time.Time) int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	bucket, ok := p.metrics[windowStart(t)]
	if !ok {
		return 0
	}
	return bucket[name]
}

// Purge removes log entries and metric windows older than the retention
// period, returning the counts removed.
func (p *Pipeline) Purge() (logsPurged, windowsPurged int) {
	cutoff := p.now().Add(-p.retention)

	p.mu.Lock()
	defer p.mu.Unlock()

	kept := p.logs[:0:0]
	for _, rec := range p.logs {
		if rec.Timestamp.After(cutoff) {
			kept = append(kept, rec)
		} else {
			logsPurged++
		}
	}
	p.logs = kept

	cutoffWindow := windowStart(cutoff)
	for window := range p.metrics {
		if window.Before(cutoffWindow) {
			delete(p.metrics, window)
			windowsPurged++
		}
	}
	return logsPurged, windowsPurged
}

// RunPurger blocks, running Purge on interval until stop is closed.
func (p *Pipeline) RunPurger(stop <-chan struct{}, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			logsPurged, windowsPurged := p.Purge()
			if logsPurged > 0 || windowsPurged > 0 {
				p.logger.Debug("observability_purge",
					logging.Int("logs_purged", logsPurged),
					logging.Int("windows_purged", windowsPurged))
			}
		}
	}
}
