package messaging

import (
	"errors"
	"fmt"

	cmap "github.com/orcaman/concurrent-map/v2"
	"github.com/rs/zerolog"

	"github.com/edgekit/cloudlink/pkg/mqtt"
)

// ErrNotConnected is returned when publish or subscribe is attempted while
// the connection is not in the connected state.
var ErrNotConnected = errors.New("not connected to broker")

// MessageHandler is invoked for every inbound message on a subscribed topic.
// Handlers run sequentially on the connection event loop and must not block.
type MessageHandler func(topic string, payload []byte)

// ConnectionState is the read-only view of the supervisor's state the facade
// needs to guard its operations.
type ConnectionState interface {
	IsConnected() bool
}

// Subscription is a fixed (topic, qos, handler) registration.
type Subscription struct {
	Topic   string
	QOS     byte
	Handler MessageHandler
}

// Facade exposes publish/subscribe on the single logical connection and
// routes inbound messages to the registered handlers.
type Facade struct {
	transport mqtt.Transport
	conn      ConnectionState
	subs      cmap.ConcurrentMap[string, Subscription]
	logger    zerolog.Logger
}

// NewFacade creates a Facade over the given transport.
func NewFacade(transport mqtt.Transport, logger zerolog.Logger) *Facade {
	return &Facade{
		transport: transport,
		subs:      cmap.New[Subscription](),
		logger:    logger,
	}
}

// BindConnectionState wires the facade to the supervisor's state. Must be
// called before any publish or subscribe.
func (f *Facade) BindConnectionState(conn ConnectionState) {
	f.conn = conn
}

// Register records a subscription without touching the wire. Registered
// subscriptions are subscribed on every successful connect, so they survive
// reconnects.
func (f *Facade) Register(topic string, qos byte, handler MessageHandler) {
	f.subs.Set(topic, Subscription{Topic: topic, QOS: qos, Handler: handler})
}

// Subscribe registers the subscription and immediately subscribes on the
// wire. Fails with ErrNotConnected while the connection is down.
func (f *Facade) Subscribe(topic string, qos byte, handler MessageHandler) error {
	if f.conn == nil || !f.conn.IsConnected() {
		return ErrNotConnected
	}

	f.Register(topic, qos, handler)
	return f.transport.Subscribe(topic, qos)
}

// Publish sends one message to the broker. Fails with ErrNotConnected while
// the connection is down; transport errors are surfaced verbatim.
func (f *Facade) Publish(topic string, payload []byte, qos byte) error {
	if f.conn == nil || !f.conn.IsConnected() {
		return ErrNotConnected
	}

	if err := f.transport.Publish(topic, qos, payload); err != nil {
		return fmt.Errorf("failed to publish to %q: %w", topic, err)
	}

	f.logger.Debug().Str("topic", topic).Int("bytes", len(payload)).Msg("Published message")
	return nil
}

// SubscribeAll subscribes every registered subscription on the wire. The
// supervisor calls this after each successful connect.
func (f *Facade) SubscribeAll() error {
	for item := range f.subs.IterBuffered() {
		sub := item.Val
		if err := f.transport.Subscribe(sub.Topic, sub.QOS); err != nil {
			return fmt.Errorf("failed to subscribe to %q: %w", sub.Topic, err)
		}
		f.logger.Info().Str("topic", sub.Topic).Uint8("qos", sub.QOS).Msg("Subscribed to topic")
	}
	return nil
}

// Dispatch routes one inbound message to its registered handler. Messages on
// unregistered topics are logged and dropped.
func (f *Facade) Dispatch(topic string, payload []byte) {
	sub, ok := f.subs.Get(topic)
	if !ok {
		f.logger.Warn().Str("topic", topic).Msg("Dropping message on unregistered topic")
		return
	}
	sub.Handler(topic, payload)
}
