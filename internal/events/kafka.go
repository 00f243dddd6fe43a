package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"tally.org/internal/ledger"
	"tally.org/internal/obs"
)

// DefaultTopic receives every committed ledger change.
const DefaultTopic = "tally.ledger"

// messageWriter is the subset of *kafka.Writer the publisher uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaOptions tunes the publisher and its circuit breaker.
type KafkaOptions struct {
	Brokers      []string
	Topic        string
	WriteTimeout time.Duration
	// Breaker opens after this many consecutive failures and stays open for OpenFor.
	MaxFailures uint32
	OpenFor     time.Duration
	Logger      *zap.Logger
}

// Kafka publishes changes as JSON messages. Writes go through a circuit breaker so
// an unavailable broker costs one fast failure per change instead of a timeout.
type Kafka struct {
	w       messageWriter
	cb      *gobreaker.CircuitBreaker
	topic   string
	timeout time.Duration
	log     *zap.Logger
}

var _ ledger.Notifier = (*Kafka)(nil)

// NewKafka builds a publisher over a kafka-go Writer.
func NewKafka(opts KafkaOptions) (*Kafka, error) {
	if len(opts.Brokers) == 0 {
		return nil, errors.New("kafka: no brokers configured")
	}
	if opts.Topic == "" {
		opts.Topic = DefaultTopic
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(opts.Brokers...),
		Topic:        opts.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		BatchTimeout: 10 * time.Millisecond,
	}
	return newKafka(w, opts), nil
}

func newKafka(w messageWriter, opts KafkaOptions) *Kafka {
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 2 * time.Second
	}
	if opts.MaxFailures == 0 {
		opts.MaxFailures = 5
	}
	if opts.OpenFor <= 0 {
		opts.OpenFor = 30 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = obs.Logger()
	}
	log := opts.Logger.With(zap.String("sink", "kafka"), zap.String("topic", opts.Topic))
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "kafka-" + opts.Topic,
		MaxRequests: 1,
		Timeout:     opts.OpenFor,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= opts.MaxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("circuit breaker state changed", zap.String("breaker", name),
				zap.String("from", from.String()), zap.String("to", to.String()))
		},
	})
	return &Kafka{w: w, cb: cb, topic: opts.Topic, timeout: opts.WriteTimeout, log: log}
}

// Publish writes one change. The message key is constant so all changes land on
// one partition in commit order.
func (k *Kafka) Publish(ctx context.Context, c ledger.Change) error {
	payload, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("encode change: %w", err)
	}
	msg := kafka.Message{
		Key:   []byte("balance"),
		Value: payload,
		Time:  c.OccurredAt,
		Headers: []kafka.Header{
			{Key: "op", Value: []byte(c.Op)},
		},
	}
	_, err = k.cb.Execute(func() (interface{}, error) {
		wctx, cancel := context.WithTimeout(ctx, k.timeout)
		defer cancel()
		return nil, k.w.WriteMessages(wctx, msg)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("kafka unavailable (circuit breaker %s): %w", k.cb.State(), err)
	}
	return err
}

// Notify publishes detached from the request: the change is already committed.
func (k *Kafka) Notify(ctx context.Context, c ledger.Change) {
	err := k.Publish(context.WithoutCancel(ctx), c)
	obs.EventPublished("kafka", err)
	if err != nil {
		k.log.Error("publish ledger change failed", zap.String("op", c.Op), zap.Strings("ids", c.IDs), zap.Error(err))
	}
}

// State reports the breaker state, for readiness details.
func (k *Kafka) State() string { return k.cb.State().String() }

func (k *Kafka) Close() error { return k.w.Close() }
