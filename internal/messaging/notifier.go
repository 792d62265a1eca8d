// Package messaging publishes notification operations to Kafka.
package messaging

import (
	"context"
	"errors"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/Aidin1998/tiergate/internal/orderqueue"
	"github.com/Aidin1998/tiergate/internal/scheduler"
)

// Header keys set on every published notification
const (
	HeaderOperationID = "operation-id"
	HeaderAccountID   = "account-id"
	HeaderTier        = "tier"
	HeaderKind        = "kind"
	HeaderEnqueuedAt  = "enqueued-at"
)

// MessageWriter is the subset of *kafka.Writer the notifier needs
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Config contains configuration for the Kafka connection
type Config struct {
	Brokers      []string
	Topic        string
	WriteTimeout time.Duration
}

// NewWriter creates a synchronous writer. Messages are keyed by account so one
// account's notifications stay on one partition.
func NewWriter(cfg Config) *kafka.Writer {
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	return &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		WriteTimeout: cfg.WriteTimeout,
		Compression:  kafka.Snappy,
		BatchTimeout: 10 * time.Millisecond,
	}
}

// Notifier handles the notification kind by publishing each operation's
// payload as one Kafka message.
type Notifier struct {
	writer MessageWriter
	clock  clockwork.Clock
	logger *zap.Logger
}

// NewNotifier creates a notifier over w
func NewNotifier(w MessageWriter, clock clockwork.Clock, logger *zap.Logger) *Notifier {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Notifier{writer: w, clock: clock, logger: logger}
}

var _ scheduler.Handler = (*Notifier)(nil)

// Handle publishes the group in one write. Per-message failures reported by
// the writer become per-item results; any other error fails the group.
func (n *Notifier) Handle(ctx context.Context, ops []orderqueue.Operation) ([]scheduler.Result, error) {
	msgs := make([]kafka.Message, len(ops))
	now := n.clock.Now()
	for i, op := range ops {
		msgs[i] = toMessage(op, now)
	}

	err := n.writer.WriteMessages(ctx, msgs...)
	results := make([]scheduler.Result, len(ops))
	for i, op := range ops {
		results[i] = scheduler.Result{OperationID: op.ID}
	}
	if err == nil {
		return results, nil
	}

	var writeErrs kafka.WriteErrors
	if !errors.As(err, &writeErrs) || len(writeErrs) != len(ops) {
		n.logger.Error("Failed to publish batch",
			zap.Error(err),
			zap.Int("message_count", len(msgs)))
		return nil, err
	}

	n.logger.Warn("Some notifications failed to publish",
		zap.Int("failed", writeErrs.Count()),
		zap.Int("message_count", len(msgs)))
	for i := range results {
		results[i].Err = writeErrs[i]
	}
	return results, nil
}

// Close closes the underlying writer
func (n *Notifier) Close() error {
	return n.writer.Close()
}

func toMessage(op orderqueue.Operation, now time.Time) kafka.Message {
	return kafka.Message{
		Key:   []byte(op.AccountID),
		Value: op.Payload,
		Time:  now,
		Headers: []kafka.Header{
			{Key: HeaderOperationID, Value: []byte(op.ID)},
			{Key: HeaderAccountID, Value: []byte(op.AccountID)},
			{Key: HeaderTier, Value: []byte(op.Tier.String())},
			{Key: HeaderKind, Value: []byte(op.Kind)},
			{Key: HeaderEnqueuedAt, Value: []byte(op.EnqueuedAt.UTC().Format(time.RFC3339Nano))},
		},
	}
}

// Probe dials the first reachable broker and reads the cluster controller
func Probe(brokers []string) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		var errList []error
		for _, broker := range brokers {
			conn, err := kafka.DialContext(ctx, "tcp", broker)
			if err != nil {
				errList = append(errList, err)
				continue
			}
			_, err = conn.Controller()
			_ = conn.Close()
			if err == nil {
				return nil
			}
			errList = append(errList, err)
		}
		if len(errList) == 0 {
			return errors.New("no kafka brokers configured")
		}
		return errors.Join(errList...)
	}
}
