package bus

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/twmb/franz-go/pkg/kgo"

	"platformdriver/internal/logging"
)

// KafkaBus is a Publisher/Subscriber backed by franz-go. Publish sends
// one record per message, topic taken verbatim from Message.Topic.
// Subscribe starts a background poll loop consuming every topic in
// topicFilter (comma-separated; franz-go has no server-side wildcard
// subscription, unlike MQTT).
type KafkaBus struct {
	client *kgo.Client
	logger *slog.Logger
	cancel []context.CancelFunc
}

var _ Publisher = (*KafkaBus)(nil)
var _ Subscriber = (*KafkaBus)(nil)

// DialKafka connects to the brokers listed in params["brokers"]
// (comma-separated).
func DialKafka(params map[string]string, logger *slog.Logger) (*KafkaBus, error) {
	logger = logging.Default(logger).With("component", "bus", "transport", "kafka")

	brokersParam := params["brokers"]
	if brokersParam == "" {
		return nil, fmt.Errorf("kafka bus: missing brokers param")
	}
	brokers := strings.Split(brokersParam, ",")

	client, err := kgo.NewClient(kgo.SeedBrokers(brokers...))
	if err != nil {
		return nil, fmt.Errorf("kafka client: %w", err)
	}
	return &KafkaBus{client: client, logger: logger}, nil
}

func (b *KafkaBus) Publish(ctx context.Context, msg Message) error {
	headers := make([]kgo.RecordHeader, 0, len(msg.Headers))
	for k, v := range msg.Headers {
		headers = append(headers, kgo.RecordHeader{Key: k, Value: []byte(v)})
	}
	rec := &kgo.Record{Topic: msg.Topic, Value: msg.Payload, Headers: headers}

	result := b.client.ProduceSync(ctx, rec)
	if err := result.FirstErr(); err != nil {
		return fmt.Errorf("kafka produce %s: %w", msg.Topic, err)
	}
	return nil
}

// Subscribe starts consuming topicFilter (a comma-separated topic
// list) in a background goroutine until ctx is cancelled or the
// returned unsubscribe func is called.
func (b *KafkaBus) Subscribe(ctx context.Context, topicFilter string, handler Handler) (func() error, error) {
	topics := strings.Split(topicFilter, ",")
	b.client.AddConsumeTopics(topics...)

	subCtx, cancel := context.WithCancel(ctx)
	b.cancel = append(b.cancel, cancel)

	go func() {
		for {
			fetches := b.client.PollFetches(subCtx)
			if subCtx.Err() != nil {
				return
			}
			fetches.EachError(func(topic string, partition int32, err error) {
				b.logger.Warn("kafka fetch error", "topic", topic, "partition", partition, "error", err)
			})
			fetches.EachRecord(func(rec *kgo.Record) {
				hdrs := make(map[string]string, len(rec.Headers))
				for _, h := range rec.Headers {
					hdrs[h.Key] = string(h.Value)
				}
				handler(subCtx, Message{Topic: rec.Topic, Headers: hdrs, Payload: rec.Value})
			})
		}
	}()

	return func() error {
		cancel()
		return nil
	}, nil
}

func (b *KafkaBus) Close() error {
	for _, cancel := range b.cancel {
		cancel()
	}
	b.client.Close()
	return nil
}

// NewKafkaFactory returns a bus Factory producing a KafkaBus per call.
func NewKafkaFactory() Factory {
	return func(params map[string]string, logger *slog.Logger) (Publisher, Subscriber, error) {
		b, err := DialKafka(params, logger)
		if err != nil {
			return nil, nil, err
		}
		return b, b, nil
	}
}
