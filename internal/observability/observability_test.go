package observability

import (
	"testing"
	"time"

	"relay.example/messaging-relay/internal/logging"
)

func newPipeline(now time.Time) (*Pipeline, *recordingSink) {
	sink := &recordingSink{}
	clock := now
	p := New(logging.NewTestLogger(),
		WithClock(func() time.Time { return clock }),
		WithAlertSink(sink),
	)
	return p, sink
}

type recordingSink struct {
	alerts []Alert
}

func (s *recordingSink) Alert(a Alert) { s.alerts = append(s.alerts, a) }

func TestLogRejectsUnknownEventType(t *testing.T) {
	p, _ := newPipeline(time.Now())
	if err := p.Log(EventType("not_a_real_event"), "Internal", nil); err == nil {
		t.Fatalf("expected error for unknown event type")
	}
}

func TestLogRejectsPayloadBearingKeys(t *testing.T) {
	p, _ := newPipeline(time.Now())
	err := p.Log(EventMessageAttempted, "Internal", map[string]any{"message_payload": "abc"})
	if err == nil {
		t.Fatalf("expected schema violation error")
	}
	if _, ok := err.(*SchemaViolationError); !ok {
		t.Fatalf("expected *SchemaViolationError, got %T", err)
	}
}

func TestLogRejectsOversizedStringValues(t *testing.T) {
	p, _ := newPipeline(time.Now())
	long := make([]byte, maxStringValueLen+1)
	for i := range long {
		long[i] = 'a'
	}
	err := p.Log(EventPolicyEnforced, "Internal", map[string]any{"reason": string(long)})
	if err == nil {
		t.Fatalf("expected schema violation for oversized value")
	}
}

func TestLogAcceptsCleanEvent(t *testing.T) {
	p, _ := newPipeline(time.Now())
	err := p.Log(EventConversationCreated, "Internal", map[string]any{"participant_count": 3})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestRecordMetricFiresAlertAtThreshold(t *testing.T) {
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	p, sink := newPipeline(base)

	for i := 0; i < 4; i++ {
		p.RecordMetric("failed_deliveries", 1)
	}
	if len(sink.alerts) != 0 {
		t.Fatalf("expected no alert below threshold, got %d", len(sink.alerts))
	}

	p.RecordMetric("failed_deliveries", 1)
	if len(sink.alerts) != 1 {
		t.Fatalf("expected exactly one alert at threshold, got %d", len(sink.alerts))
	}

	p.RecordMetric("failed_deliveries", 1)
	if len(sink.alerts) != 2 {
		t.Fatalf("expected a second alert on the next qualifying increment (no dedup), got %d", len(sink.alerts))
	}
}

func TestRecordMetricWindowsByHour(t *testing.T) {
	base := time.Date(2026, 1, 1, 12, 30, 0, 0, time.UTC)
	p, _ := newPipeline(base)
	p.RecordMetric("failed_deliveries", 3)

	if got := p.MetricValue("failed_deliveries", base); got != 3 {
		t.Fatalf("expected 3 in current window, got %d", got)
	}
	nextHour := base.Add(time.Hour)
	if got := p.MetricValue("failed_deliveries", nextHour); got != 0 {
		t.Fatalf("expected 0 in a different hour window, got %d", got)
	}
}

func TestPurgeRemovesOldLogsAndWindows(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := base
	p := New(logging.NewTestLogger(), WithClock(func() time.Time { return clock }))

	if err := p.Log(EventSystemStart, "Internal", nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	p.RecordMetric("failed_deliveries", 1)

	clock = base.Add(91 * 24 * time.Hour)
	if err := p.Log(EventSystemStop, "Internal", nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	logsPurged, windowsPurged := p.Purge()
	if logsPurged != 1 {
		t.Fatalf("expected 1 stale log purged, got %d", logsPurged)
	}
	if windowsPurged != 1 {
		t.Fatalf("expected 1 stale metric window purged, got %d", windowsPurged)
	}
}

func TestPurgeKeepsRecentEntries(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	p, _ := newPipeline(base)
	if err := p.Log(EventSystemStart, "Internal", nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	logsPurged, windowsPurged := p.Purge()
	if logsPurged != 0 || windowsPurged != 0 {
		t.Fatalf("expected nothing purged, got logs=%d windows=%d", logsPurged, windowsPurged)
	}
}
