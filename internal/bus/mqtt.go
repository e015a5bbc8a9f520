package bus

import (
	"context"
	"fmt"
	"log/slog"
	"net"

	"github.com/eclipse/paho.golang/paho"
	"github.com/google/uuid"

	"platformdriver/internal/logging"
)

// MQTTBus is a Publisher/Subscriber backed by an MQTT v5 broker
// connection via paho.golang.
type MQTTBus struct {
	client *paho.Client
	logger *slog.Logger
}

var _ Publisher = (*MQTTBus)(nil)
var _ Subscriber = (*MQTTBus)(nil)

// DialMQTT opens a connection to params["broker"] (host:port) and
// performs the MQTT CONNECT handshake. params["client_id"] is
// optional.
func DialMQTT(ctx context.Context, params map[string]string, logger *slog.Logger) (*MQTTBus, error) {
	logger = logging.Default(logger).With("component", "bus", "transport", "mqtt")

	broker := params["broker"]
	if broker == "" {
		return nil, fmt.Errorf("mqtt bus: missing broker param")
	}
	conn, err := net.Dial("tcp", broker)
	if err != nil {
		return nil, fmt.Errorf("mqtt dial %s: %w", broker, err)
	}

	client := paho.NewClient(paho.ClientConfig{Conn: conn})

	cp := &paho.Connect{
		KeepAlive:  30,
		ClientID:   params["client_id"],
		CleanStart: true,
	}
	if cp.ClientID == "" {
		cp.ClientID = "platformdriver-" + uuid.NewString()
	}

	ca, err := client.Connect(ctx, cp)
	if err != nil {
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}
	if ca.ReasonCode != 0 {
		return nil, fmt.Errorf("mqtt connect refused: reason code %d", ca.ReasonCode)
	}

	logger.Info("mqtt connected", "broker", broker)
	return &MQTTBus{client: client, logger: logger}, nil
}

func (b *MQTTBus) Publish(ctx context.Context, msg Message) error {
	props := &paho.PublishProperties{}
	for k, v := range msg.Headers {
		props.User.Add(k, v)
	}
	_, err := b.client.Publish(ctx, &paho.Publish{
		Topic:      msg.Topic,
		Payload:    msg.Payload,
		QoS:        0,
		Properties: props,
	})
	if err != nil {
		return fmt.Errorf("mqtt publish %s: %w", msg.Topic, err)
	}
	return nil
}

func (b *MQTTBus) Subscribe(ctx context.Context, topicFilter string, handler Handler) (func() error, error) {
	receiver := func(p *paho.Publish) {
		headers := make(map[string]string)
		if p.Properties != nil {
			for _, kv := range p.Properties.User {
				headers[kv.Key] = kv.Value
			}
		}
		handler(ctx, Message{Topic: p.Topic, Headers: headers, Payload: p.Payload})
	}
	unregister := b.client.AddOnPublishReceived(func(pr paho.PublishReceived) (bool, error) {
		receiver(pr.Packet)
		return true, nil
	})

	_, err := b.client.Subscribe(ctx, &paho.Subscribe{
		Subscriptions: []paho.SubscribeOptions{{Topic: topicFilter, QoS: 0}},
	})
	if err != nil {
		unregister()
		return nil, fmt.Errorf("mqtt subscribe %s: %w", topicFilter, err)
	}

	return func() error {
		unregister()
		_, err := b.client.Unsubscribe(context.Background(), &paho.Unsubscribe{Topics: []string{topicFilter}})
		return err
	}, nil
}

func (b *MQTTBus) Close() error {
	return b.client.Disconnect(&paho.Disconnect{ReasonCode: 0})
}

// NewMQTTFactory returns a bus Factory that dials a new MQTT connection
// per call: one client per Driver Agent pool.
func NewMQTTFactory() Factory {
	return func(params map[string]string, logger *slog.Logger) (Publisher, Subscriber, error) {
		b, err := DialMQTT(context.Background(), params, logger)
		if err != nil {
			return nil, nil, err
		}
		return b, b, nil
	}
}
