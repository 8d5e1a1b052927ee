// Package bus provides stream implementations for Kestrel.
package bus

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// ChannelStream implements Stream using Go channels. Used as the Community
// tier stream and throughout the tests.
//
// Each (topic, group) subscription owns a fixed set of partitions, one
// goroutine per partition. A published key always hashes to the same
// partition, which is what realizes the per-key ordering guarantee: all of
// one user's events flow through one goroutine, in order. A handler error
// blocks that partition and redelivers the same message with backoff, so
// ordering survives retries too.
type ChannelStream struct {
	mu         sync.RWMutex
	partitions int
	bufferSize int
	groups     map[string]*channelGroup
	closed     bool
}

type channelGroup struct {
	topic    string
	group    string
	handler  domain.MessageHandler
	chans    []chan *domain.Message
	ctx      context.Context
	cancel   context.CancelFunc
	parent   *ChannelStream
	draining sync.WaitGroup
}

// NewChannelStream creates a channel-based stream.
func NewChannelStream(partitions, bufferSize int) *ChannelStream {
	if partitions <= 0 {
		partitions = 8
	}
	if bufferSize <= 0 {
		bufferSize = 1000
	}
	return &ChannelStream{
		partitions: partitions,
		bufferSize: bufferSize,
		groups:     make(map[string]*channelGroup),
	}
}

// Publish routes the payload to every group subscribed to the topic,
// selecting each group's partition by key hash. Blocks when a partition's
// buffer is full rather than dropping: losing messages would break the
// at-least-once contract.
func (s *ChannelStream) Publish(ctx context.Context, topic string, key string, payload []byte) error {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return fmt.Errorf("stream is closed")
	}

	var targets []*channelGroup
	for _, g := range s.groups {
		if g.topic == topic {
			targets = append(targets, g)
		}
	}
	s.mu.RUnlock()

	msg := &domain.Message{
		ID:        uuid.New().String(),
		Topic:     topic,
		Key:       key,
		Payload:   payload,
		Metadata:  make(map[string]string),
		Timestamp: time.Now().UnixNano(),
		Attempt:   1,
	}

	for _, g := range targets {
		ch := g.chans[partitionFor(key, len(g.chans))]
		select {
		case ch <- msg:
		case <-g.ctx.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return nil
}

// Subscribe registers the single handler for a (topic, group) pair and
// starts its partition goroutines.
func (s *ChannelStream) Subscribe(ctx context.Context, topic string, group string, handler domain.MessageHandler) (domain.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, fmt.Errorf("stream is closed")
	}

	key := topic + ":" + group
	if _, exists := s.groups[key]; exists {
		return nil, fmt.Errorf("group %s already subscribed to %s", group, topic)
	}

	gctx, cancel := context.WithCancel(ctx)
	g := &channelGroup{
		topic:   topic,
		group:   group,
		handler: handler,
		chans:   make([]chan *domain.Message, s.partitions),
		ctx:     gctx,
		cancel:  cancel,
		parent:  s,
	}

	for i := range g.chans {
		g.chans[i] = make(chan *domain.Message, s.bufferSize)
		g.draining.Add(1)
		go g.consumePartition(g.chans[i])
	}

	s.groups[key] = g
	return g, nil
}

// consumePartition delivers messages in order, redelivering on handler error.
func (g *channelGroup) consumePartition(ch chan *domain.Message) {
	defer g.draining.Done()

	for {
		select {
		case <-g.ctx.Done():
			return
		case msg := <-ch:
			if msg == nil {
				return
			}
			g.deliver(msg)
		}
	}
}

// deliver retries one message until the handler accepts it or the
// subscription ends. The backoff doubles up to a one second cap.
func (g *channelGroup) deliver(msg *domain.Message) {
	wait := 10 * time.Millisecond
	const maxWait = time.Second

	for {
		err := g.handler(g.ctx, msg)
		if err == nil {
			return
		}

		slog.Warn("handler failed, redelivering",
			"topic", g.topic,
			"group", g.group,
			"message_id", msg.ID,
			"attempt", msg.Attempt,
			"error", err,
		)

		select {
		case <-g.ctx.Done():
			return
		case <-time.After(wait):
		}

		msg.Attempt++
		if wait < maxWait {
			wait *= 2
		}
	}
}

// Ping checks stream health.
func (s *ChannelStream) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return fmt.Errorf("stream is closed")
	}
	return nil
}

// Close stops all subscriptions.
func (s *ChannelStream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	groups := s.groups
	s.groups = make(map[string]*channelGroup)
	s.mu.Unlock()

	for _, g := range groups {
		g.cancel()
		g.draining.Wait()
	}
	return nil
}

// partitionFor maps a key to a stable partition index.
func partitionFor(key string, partitions int) int {
	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32() % uint32(partitions))
}

// Unsubscribe stops the group's partition goroutines.
func (g *channelGroup) Unsubscribe() error {
	g.cancel()
	g.parent.mu.Lock()
	delete(g.parent.groups, g.topic+":"+g.group)
	g.parent.mu.Unlock()
	return nil
}

// Topic returns the subscribed topic.
func (g *channelGroup) Topic() string {
	return g.topic
}
