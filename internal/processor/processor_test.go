package processor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/emitter"
	"github.com/opensource-finance/kestrel/internal/rules"
	"github.com/opensource-finance/kestrel/internal/state"
)

var testBase = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func testRules() domain.RulesConfig {
	return domain.RulesConfig{
		LargeAmountThreshold:  10_000,
		RapidWindow:           30 * time.Second,
		RetriggerWhileSliding: true,
	}
}

// pipeline wires a processor against the in-process stream and memory store,
// with a collector subscribed to both the alerts and dead-letter topics.
type pipeline struct {
	stream    domain.Stream
	store     domain.StateStore
	processor *Processor

	mu     sync.Mutex
	alerts []domain.Alert
	dead   [][]byte
}

func newPipeline(t *testing.T, store domain.StateStore, cfg domain.ProcessorConfig) *pipeline {
	t.Helper()

	stream := bus.NewChannelStream(4, 64)
	t.Cleanup(func() { stream.Close() })

	pl := &pipeline{stream: stream, store: store}

	ev := rules.NewEvaluator(testRules())
	em := emitter.New(stream, domain.EmitterConfig{}, nil)
	pl.processor = New(stream, store, ev, em, cfg, nil)

	ctx := context.Background()
	if err := pl.processor.Start(ctx); err != nil {
		t.Fatalf("failed to start processor: %v", err)
	}
	t.Cleanup(func() { pl.processor.Stop() })

	_, err := stream.Subscribe(ctx, domain.TopicAlerts, domain.GroupAlerts, func(ctx context.Context, msg *domain.Message) error {
		var alert domain.Alert
		if err := json.Unmarshal(msg.Payload, &alert); err != nil {
			return err
		}
		pl.mu.Lock()
		pl.alerts = append(pl.alerts, alert)
		pl.mu.Unlock()
		return nil
	})
	if err != nil {
		t.Fatalf("failed to subscribe to alerts: %v", err)
	}

	_, err = stream.Subscribe(ctx, domain.TopicDeadLetter, "dlq-test", func(ctx context.Context, msg *domain.Message) error {
		pl.mu.Lock()
		pl.dead = append(pl.dead, msg.Payload)
		pl.mu.Unlock()
		return nil
	})
	if err != nil {
		t.Fatalf("failed to subscribe to dead letters: %v", err)
	}

	return pl
}

func (pl *pipeline) publish(t *testing.T, userID string, payload []byte) {
	t.Helper()
	if err := pl.stream.Publish(context.Background(), domain.TopicTransactions, userID, payload); err != nil {
		t.Fatalf("publish failed: %v", err)
	}
}

func (pl *pipeline) publishTx(t *testing.T, tx *domain.Transaction) {
	t.Helper()
	payload, err := json.Marshal(tx)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	pl.publish(t, tx.UserID, payload)
}

func (pl *pipeline) waitAlerts(t *testing.T, n int) []domain.Alert {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		pl.mu.Lock()
		if len(pl.alerts) >= n {
			out := append([]domain.Alert(nil), pl.alerts...)
			pl.mu.Unlock()
			return out
		}
		pl.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
	}
	pl.mu.Lock()
	defer pl.mu.Unlock()
	t.Fatalf("timed out waiting for %d alerts, have %d", n, len(pl.alerts))
	return nil
}

func (pl *pipeline) waitDead(t *testing.T, n int) [][]byte {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		pl.mu.Lock()
		if len(pl.dead) >= n {
			out := append([][]byte(nil), pl.dead...)
			pl.mu.Unlock()
			return out
		}
		pl.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d dead letters", n)
	return nil
}

// settle waits until the quiet period passes with no new alerts or dead
// letters, so negative assertions are meaningful.
func (pl *pipeline) settle() (alerts int, dead int) {
	time.Sleep(200 * time.Millisecond)
	pl.mu.Lock()
	defer pl.mu.Unlock()
	return len(pl.alerts), len(pl.dead)
}

func tx(id, userID string, amount float64, location string, ts time.Time) *domain.Transaction {
	return &domain.Transaction{
		ID:        id,
		UserID:    userID,
		Amount:    amount,
		Currency:  "USD",
		Location:  location,
		Timestamp: ts,
	}
}

func TestFirstEventLargeAmount(t *testing.T) {
	pl := newPipeline(t, state.NewMemoryStore(), domain.ProcessorConfig{MaxRetries: 3, RetryInitialWait: time.Millisecond})

	pl.publishTx(t, tx("tx-1", "u1", 15_000, "NYC", testBase))

	alerts := pl.waitAlerts(t, 1)
	if alerts[0].Reason != domain.ReasonLargeAmount {
		t.Errorf("reason = %s, want LargeAmount", alerts[0].Reason)
	}
	if alerts[0].UserID != "u1" || alerts[0].Transaction.ID != "tx-1" {
		t.Errorf("alert identity wrong: %+v", alerts[0])
	}

	// First event for a user can never fire the history rules.
	if n, _ := pl.settle(); n != 1 {
		t.Errorf("expected exactly 1 alert, got %d", n)
	}
}

func TestRapidSuccessionScenario(t *testing.T) {
	pl := newPipeline(t, state.NewMemoryStore(), domain.ProcessorConfig{MaxRetries: 3, RetryInitialWait: time.Millisecond})

	// Five transactions spanning 29 seconds. Only the fifth fills the
	// history within the window.
	for i := 0; i < 5; i++ {
		ts := testBase.Add(time.Duration(i*29/4) * time.Second)
		pl.publishTx(t, tx(fmt.Sprintf("tx-%d", i), "u1", 100, "NYC", ts))
	}

	alerts := pl.waitAlerts(t, 1)
	rapid := 0
	for _, a := range alerts {
		if a.Reason == domain.ReasonRapidSuccession {
			rapid++
			if a.Transaction.ID != "tx-4" {
				t.Errorf("rapid alert fired on %s, want tx-4", a.Transaction.ID)
			}
		}
	}
	if n, _ := pl.settle(); n != 1 || rapid != 1 {
		t.Errorf("expected exactly 1 RapidSuccession alert, got %d alerts (%d rapid)", n, rapid)
	}
}

func TestLocationChangeScenario(t *testing.T) {
	pl := newPipeline(t, state.NewMemoryStore(), domain.ProcessorConfig{MaxRetries: 3, RetryInitialWait: time.Millisecond})

	pl.publishTx(t, tx("tx-1", "u1", 100, "NYC", testBase))
	pl.publishTx(t, tx("tx-2", "u1", 100, "LON", testBase.Add(time.Hour)))

	alerts := pl.waitAlerts(t, 1)
	if alerts[0].Reason != domain.ReasonLocationChange {
		t.Errorf("reason = %s, want LocationChange", alerts[0].Reason)
	}
	if alerts[0].Transaction.Location != "LON" {
		t.Errorf("alert should carry the new location, got %s", alerts[0].Transaction.Location)
	}
}

func TestMalformedEventDeadLettered(t *testing.T) {
	pl := newPipeline(t, state.NewMemoryStore(), domain.ProcessorConfig{MaxRetries: 3, RetryInitialWait: time.Millisecond})

	raw := []byte(`{"id":"tx-1","userId":"","amount":100,"currency":"USD","location":"NYC","timestamp":"2025-06-01T12:00:00Z"}`)
	pl.publish(t, "u1", raw)

	dead := pl.waitDead(t, 1)

	var envelope struct {
		Payload       json.RawMessage `json:"payload"`
		FailureReason string          `json:"failureReason"`
		FailedAt      string          `json:"failedAt"`
	}
	if err := json.Unmarshal(dead[0], &envelope); err != nil {
		t.Fatalf("dead-letter envelope is not valid JSON: %v", err)
	}
	if string(envelope.Payload) != string(raw) {
		t.Error("original payload should be preserved verbatim")
	}
	if envelope.FailureReason == "" || envelope.FailedAt == "" {
		t.Errorf("envelope missing failure context: %+v", envelope)
	}

	if n, _ := pl.settle(); n != 0 {
		t.Errorf("malformed event must not produce alerts, got %d", n)
	}
}

func TestUnparsableEventDeadLettered(t *testing.T) {
	pl := newPipeline(t, state.NewMemoryStore(), domain.ProcessorConfig{MaxRetries: 3, RetryInitialWait: time.Millisecond})

	pl.publish(t, "u1", []byte(`{not json`))
	dead := pl.waitDead(t, 1)

	var envelope map[string]any
	if err := json.Unmarshal(dead[0], &envelope); err != nil {
		t.Fatalf("envelope is not valid JSON: %v", err)
	}
	if envelope["payload"] != "{not json" {
		t.Errorf("non-JSON payload should be carried as a string, got %v", envelope["payload"])
	}
}

// flakyStore fails the first N Put calls, then behaves like the wrapped store.
type flakyStore struct {
	domain.StateStore
	mu       sync.Mutex
	failPuts int
	putCalls int
}

func (s *flakyStore) Put(ctx context.Context, userID string, st domain.UserState) error {
	s.mu.Lock()
	s.putCalls++
	fail := s.putCalls <= s.failPuts
	s.mu.Unlock()
	if fail {
		return errors.New("store unavailable")
	}
	return s.StateStore.Put(ctx, userID, st)
}

func TestTransientStoreFailureRetried(t *testing.T) {
	flaky := &flakyStore{StateStore: state.NewMemoryStore(), failPuts: 2}
	pl := newPipeline(t, flaky, domain.ProcessorConfig{MaxRetries: 5, RetryInitialWait: time.Millisecond})

	pl.publishTx(t, tx("tx-1", "u1", 15_000, "NYC", testBase))

	alerts := pl.waitAlerts(t, 1)
	if alerts[0].Reason != domain.ReasonLargeAmount {
		t.Errorf("reason = %s, want LargeAmount", alerts[0].Reason)
	}

	flaky.mu.Lock()
	calls := flaky.putCalls
	flaky.mu.Unlock()
	if calls != 3 {
		t.Errorf("expected 3 Put attempts (2 failures + 1 success), got %d", calls)
	}

	// The retries all belong to one event: exactly one alert overall.
	if n, _ := pl.settle(); n != 1 {
		t.Errorf("expected exactly 1 alert despite retries, got %d", n)
	}
}

func TestRetriesExhaustedRequestsRedelivery(t *testing.T) {
	// Fails 8 Puts; with MaxRetries 1 the handler gives up twice and the
	// stream redelivers until the store recovers.
	flaky := &flakyStore{StateStore: state.NewMemoryStore(), failPuts: 8}
	pl := newPipeline(t, flaky, domain.ProcessorConfig{MaxRetries: 1, RetryInitialWait: time.Millisecond})

	pl.publishTx(t, tx("tx-1", "u1", 15_000, "NYC", testBase))

	pl.waitAlerts(t, 1)

	flaky.mu.Lock()
	calls := flaky.putCalls
	flaky.mu.Unlock()
	if calls != 9 {
		t.Errorf("expected 9 Put attempts across redeliveries, got %d", calls)
	}
}

func TestStatePersistedBeforeAck(t *testing.T) {
	store := state.NewMemoryStore()
	pl := newPipeline(t, store, domain.ProcessorConfig{MaxRetries: 3, RetryInitialWait: time.Millisecond})

	pl.publishTx(t, tx("tx-1", "u1", 100, "NYC", testBase))
	pl.publishTx(t, tx("tx-2", "u1", 100, "NYC", testBase.Add(time.Second)))

	// Location set by tx-1 must survive into tx-2's evaluation without
	// firing (same location), so the stored state ends at NYC with two
	// timestamps.
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		st, err := store.Get(context.Background(), "u1")
		if err != nil {
			t.Fatalf("get failed: %v", err)
		}
		if len(st.RecentTimestamps) == 2 {
			if st.LastLocation != "NYC" {
				t.Errorf("last location = %s, want NYC", st.LastLocation)
			}
			if !st.RecentTimestamps[0].Equal(testBase.Add(time.Second)) {
				t.Error("history should be newest-first")
			}
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("state never reached 2 recorded timestamps")
}

func TestIndependentUsersDoNotInterfere(t *testing.T) {
	pl := newPipeline(t, state.NewMemoryStore(), domain.ProcessorConfig{MaxRetries: 3, RetryInitialWait: time.Millisecond})

	pl.publishTx(t, tx("a-1", "alice", 100, "NYC", testBase))
	pl.publishTx(t, tx("b-1", "bob", 100, "LON", testBase))
	pl.publishTx(t, tx("a-2", "alice", 100, "NYC", testBase.Add(time.Second)))
	pl.publishTx(t, tx("b-2", "bob", 100, "LON", testBase.Add(time.Second)))

	// Same locations per user throughout: no alerts at all.
	if n, _ := pl.settle(); n != 0 {
		t.Errorf("expected no alerts for stable users, got %d", n)
	}
}
