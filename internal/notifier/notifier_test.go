package notifier

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/domain"
)

func publishAlert(t *testing.T, stream domain.Stream, alert *domain.Alert) {
	t.Helper()
	payload, err := json.Marshal(alert)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	if err := stream.Publish(context.Background(), domain.TopicAlerts, alert.UserID, payload); err != nil {
		t.Fatalf("publish failed: %v", err)
	}
}

func testAlert() *domain.Alert {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	return domain.NewAlert(domain.ReasonLargeAmount, &domain.Transaction{
		ID:        "tx-1",
		UserID:    "u1",
		Amount:    15_000,
		Currency:  "USD",
		Location:  "NYC",
		Timestamp: now,
	}, now)
}

func TestNotifierDeliversToSink(t *testing.T) {
	stream := bus.NewChannelStream(2, 16)
	defer stream.Close()

	var mu sync.Mutex
	var delivered []*domain.Alert

	n := New(stream, SinkFunc(func(ctx context.Context, alert *domain.Alert) error {
		mu.Lock()
		delivered = append(delivered, alert)
		mu.Unlock()
		return nil
	}), nil)

	if err := n.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	defer n.Stop()

	publishAlert(t, stream, testAlert())

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		if len(delivered) == 1 {
			got := delivered[0]
			mu.Unlock()
			if got.UserID != "u1" || got.Reason != domain.ReasonLargeAmount {
				t.Errorf("unexpected alert: %+v", got)
			}
			return
		}
		mu.Unlock()
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("alert never reached the sink")
}

func TestNotifierRetriesSinkFailure(t *testing.T) {
	stream := bus.NewChannelStream(2, 16)
	defer stream.Close()

	var mu sync.Mutex
	attempts := 0

	n := New(stream, SinkFunc(func(ctx context.Context, alert *domain.Alert) error {
		mu.Lock()
		defer mu.Unlock()
		attempts++
		if attempts < 3 {
			return errors.New("pager unreachable")
		}
		return nil
	}), nil)

	if err := n.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	defer n.Stop()

	publishAlert(t, stream, testAlert())

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		done := attempts >= 3
		mu.Unlock()
		if done {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("expected 3 delivery attempts, got %d", attempts)
}

func TestNotifierDropsUndecodableAlert(t *testing.T) {
	stream := bus.NewChannelStream(2, 16)
	defer stream.Close()

	var mu sync.Mutex
	delivered := 0

	n := New(stream, SinkFunc(func(ctx context.Context, alert *domain.Alert) error {
		mu.Lock()
		delivered++
		mu.Unlock()
		return nil
	}), nil)

	if err := n.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	defer n.Stop()

	if err := stream.Publish(context.Background(), domain.TopicAlerts, "u1", []byte("{broken")); err != nil {
		t.Fatalf("publish failed: %v", err)
	}
	publishAlert(t, stream, testAlert())

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		count := delivered
		mu.Unlock()
		if count == 1 {
			return // broken message was dropped, good one got through
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("valid alert following a broken one never arrived")
}
