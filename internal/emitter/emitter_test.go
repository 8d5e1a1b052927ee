package emitter

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// recordingStream captures published payloads and can be made to fail.
type recordingStream struct {
	mu        sync.Mutex
	published []publishCall
	failNext  bool
}

type publishCall struct {
	topic   string
	key     string
	payload []byte
}

func (s *recordingStream) Publish(ctx context.Context, topic, key string, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failNext {
		s.failNext = false
		return errors.New("broker unavailable")
	}
	s.published = append(s.published, publishCall{topic, key, payload})
	return nil
}

func (s *recordingStream) Subscribe(ctx context.Context, topic, group string, handler domain.MessageHandler) (domain.Subscription, error) {
	return nil, errors.New("not implemented")
}

func (s *recordingStream) Ping(ctx context.Context) error { return nil }
func (s *recordingStream) Close() error                   { return nil }

func (s *recordingStream) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.published)
}

func testAlert(txID string) *domain.Alert {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	return domain.NewAlert(domain.ReasonLargeAmount, &domain.Transaction{
		ID:        txID,
		UserID:    "u1",
		Amount:    15_000,
		Currency:  "USD",
		Location:  "NYC",
		Timestamp: now,
	}, now)
}

func TestEmitPublishesWireShape(t *testing.T) {
	stream := &recordingStream{}
	e := New(stream, domain.EmitterConfig{}, nil)

	if err := e.Emit(context.Background(), testAlert("tx-1")); err != nil {
		t.Fatalf("emit failed: %v", err)
	}

	if stream.count() != 1 {
		t.Fatalf("expected 1 publish, got %d", stream.count())
	}

	call := stream.published[0]
	if call.topic != domain.TopicAlerts {
		t.Errorf("topic = %s, want %s", call.topic, domain.TopicAlerts)
	}
	if call.key != "u1" {
		t.Errorf("key = %s, want u1", call.key)
	}

	var wire struct {
		UserID      string              `json:"userId"`
		Reason      string              `json:"reason"`
		Transaction *domain.Transaction `json:"transaction"`
		Timestamp   time.Time           `json:"timestamp"`
	}
	if err := json.Unmarshal(call.payload, &wire); err != nil {
		t.Fatalf("alert payload is not valid JSON: %v", err)
	}
	if wire.UserID != "u1" || wire.Reason != "LargeAmount" {
		t.Errorf("unexpected wire fields: %+v", wire)
	}
	if wire.Transaction == nil || wire.Transaction.ID != "tx-1" {
		t.Error("originating transaction should be embedded verbatim")
	}
	if wire.Timestamp.IsZero() {
		t.Error("detection timestamp missing")
	}
}

func TestEmitPublishFailureSurfaces(t *testing.T) {
	stream := &recordingStream{failNext: true}
	e := New(stream, domain.EmitterConfig{}, nil)

	if err := e.Emit(context.Background(), testAlert("tx-1")); err == nil {
		t.Fatal("expected publish failure to surface")
	}

	// Retry after the transient failure succeeds; no retry policy lives
	// in the emitter, the caller simply calls again.
	if err := e.Emit(context.Background(), testAlert("tx-1")); err != nil {
		t.Fatalf("retry failed: %v", err)
	}
	if stream.count() != 1 {
		t.Errorf("expected exactly 1 successful publish, got %d", stream.count())
	}
}

func TestEmitDedup(t *testing.T) {
	stream := &recordingStream{}
	e := New(stream, domain.EmitterConfig{Dedup: true, DedupSize: 100}, nil)

	ctx := context.Background()
	alert := testAlert("tx-1")

	e.Emit(ctx, alert)
	e.Emit(ctx, alert)

	if stream.count() != 1 {
		t.Errorf("duplicate should be suppressed, got %d publishes", stream.count())
	}

	// Different reason for the same transaction is a distinct alert.
	other := testAlert("tx-1")
	other.Reason = domain.ReasonLocationChange
	e.Emit(ctx, other)

	if stream.count() != 2 {
		t.Errorf("distinct reason should publish, got %d", stream.count())
	}
}

func TestEmitDedupDoesNotRememberFailures(t *testing.T) {
	stream := &recordingStream{failNext: true}
	e := New(stream, domain.EmitterConfig{Dedup: true, DedupSize: 100}, nil)

	ctx := context.Background()
	alert := testAlert("tx-1")

	if err := e.Emit(ctx, alert); err == nil {
		t.Fatal("expected first emit to fail")
	}

	// The failed attempt must not have poisoned the dedup set.
	if err := e.Emit(ctx, alert); err != nil {
		t.Fatalf("retry failed: %v", err)
	}
	if stream.count() != 1 {
		t.Errorf("expected the retry to publish, got %d", stream.count())
	}
}

func TestDedupSetEviction(t *testing.T) {
	s := newDedupSet(3)

	for _, k := range []string{"a", "b", "c"} {
		s.add(k)
	}
	s.add("d") // evicts "a"

	if s.contains("a") {
		t.Error("oldest key should have been evicted")
	}
	for _, k := range []string{"b", "c", "d"} {
		if !s.contains(k) {
			t.Errorf("key %s should still be present", k)
		}
	}
}
