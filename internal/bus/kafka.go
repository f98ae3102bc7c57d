package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	kafkago "github.com/segmentio/kafka-go"

	"github.com/opensource-finance/fraudwatch/internal/domain"
)

const defaultKafkaGroup = "fraudwatch"

// KafkaBus implements EventBus on Kafka. Each topic gets a lazily created
// writer; each subscription owns a consumer-group reader.
type KafkaBus struct {
	mu            sync.Mutex
	brokers       []string
	groupID       string
	writers       map[string]*kafkago.Writer
	subscriptions map[*kafkaSubscription]struct{}
	closed        bool
}

type kafkaSubscription struct {
	topic  string
	reader *kafkago.Reader
	cancel context.CancelFunc
	done   chan struct{}
	bus    *KafkaBus
}

// NewKafkaBus creates a Kafka bus. Connections are opened on first use.
func NewKafkaBus(cfg domain.EventBusConfig) (*KafkaBus, error) {
	if len(cfg.KafkaBrokers) == 0 {
		return nil, fmt.Errorf("kafka bus needs at least one broker")
	}
	group := cfg.KafkaGroupID
	if group == "" {
		group = defaultKafkaGroup
	}
	return &KafkaBus{
		brokers:       cfg.KafkaBrokers,
		groupID:       group,
		writers:       make(map[string]*kafkago.Writer),
		subscriptions: make(map[*kafkaSubscription]struct{}),
	}, nil
}

// Publish writes a message envelope keyed by message id.
func (b *KafkaBus) Publish(ctx context.Context, topic string, payload []byte) error {
	w, err := b.writer(topic)
	if err != nil {
		return err
	}

	msg := newMessage(topic, payload)
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	if err := w.WriteMessages(ctx, kafkago.Message{Key: []byte(msg.ID), Value: data}); err != nil {
		return fmt.Errorf("kafka publish to %s: %w", topic, err)
	}
	return nil
}

func (b *KafkaBus) writer(topic string) (*kafkago.Writer, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrClosed
	}
	if w, ok := b.writers[topic]; ok {
		return w, nil
	}

	w := &kafkago.Writer{
		Addr:                   kafkago.TCP(b.brokers...),
		Topic:                  topic,
		Balancer:               &kafkago.LeastBytes{},
		BatchTimeout:           10 * time.Millisecond,
		RequiredAcks:           kafkago.RequireAll,
		AllowAutoTopicCreation: true,
	}
	b.writers[topic] = w
	return w, nil
}

// Subscribe starts a consumer-group reader for the topic. Offsets are
// committed only after the handler succeeds.
func (b *KafkaBus) Subscribe(ctx context.Context, topic string, handler domain.MessageHandler) (domain.Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrClosed
	}

	reader := kafkago.NewReader(kafkago.ReaderConfig{
		Brokers:  b.brokers,
		Topic:    topic,
		GroupID:  b.groupID,
		MinBytes: 1,
		MaxBytes: 10 * 1024 * 1024,
	})

	subCtx, cancel := context.WithCancel(ctx)
	sub := &kafkaSubscription{
		topic:  topic,
		reader: reader,
		cancel: cancel,
		done:   make(chan struct{}),
		bus:    b,
	}
	b.subscriptions[sub] = struct{}{}

	go sub.run(subCtx, handler)
	return sub, nil
}

func (s *kafkaSubscription) run(ctx context.Context, handler domain.MessageHandler) {
	defer close(s.done)

	for {
		m, err := s.reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return
			}
			slog.Error("kafka fetch failed", "topic", s.topic, "error", err)
			return
		}

		var msg domain.Message
		if err := json.Unmarshal(m.Value, &msg); err != nil {
			slog.Error("failed to unmarshal kafka message",
				"topic", m.Topic,
				"offset", m.Offset,
				"error", err,
			)
		} else if err := handler(ctx, &msg); err != nil {
			slog.Error("handler error",
				"topic", m.Topic,
				"partition", m.Partition,
				"offset", m.Offset,
				"error", err,
			)
			continue
		}

		if err := s.reader.CommitMessages(ctx, m); err != nil {
			slog.Warn("kafka commit failed", "topic", m.Topic, "offset", m.Offset, "error", err)
		}
	}
}

// Ping dials the first reachable broker.
func (b *KafkaBus) Ping(ctx context.Context) error {
	var lastErr error
	for _, broker := range b.brokers {
		conn, err := kafkago.DialContext(ctx, "tcp", broker)
		if err != nil {
			lastErr = err
			continue
		}
		return conn.Close()
	}
	return fmt.Errorf("no kafka broker reachable: %w", lastErr)
}

// Close stops all readers and flushes all writers.
func (b *KafkaBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := b.subscriptions
	writers := b.writers
	b.subscriptions = make(map[*kafkaSubscription]struct{})
	b.writers = make(map[string]*kafkago.Writer)
	b.mu.Unlock()

	var firstErr error
	for sub := range subs {
		if err := sub.stop(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	for topic, w := range writers {
		if err := w.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("closing writer for topic %s: %w", topic, err)
		}
	}
	return firstErr
}

func (s *kafkaSubscription) stop() error {
	s.cancel()
	<-s.done
	return s.reader.Close()
}

// Unsubscribe stops the reader and leaves the consumer group.
func (s *kafkaSubscription) Unsubscribe() error {
	s.bus.mu.Lock()
	_, ok := s.bus.subscriptions[s]
	delete(s.bus.subscriptions, s)
	s.bus.mu.Unlock()

	if !ok {
		return nil
	}
	return s.stop()
}

// Topic returns the subscribed topic.
func (s *kafkaSubscription) Topic() string {
	return s.topic
}
