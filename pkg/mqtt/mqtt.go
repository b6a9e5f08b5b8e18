package mqtt

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"

	"github.com/edgekit/cloudlink/pkg/file"
)

const defaultPublishTimeout = 10 * time.Second

// Transport is the abstract connection object the supervisor drives.
// Connect is asynchronous: its outcome arrives as Events on the sink channel.
type Transport interface {
	Connect(params ConnectParams) error
	Publish(topic string, qos byte, payload []byte) error
	Subscribe(topic string, qos byte) error
	Disconnect(quiesce uint)
}

var _ Transport = (*PahoTransport)(nil)

// PahoTransport implements Transport on top of eclipse/paho.mqtt.golang.
// All connection-state changes and inbound messages are forwarded to the
// events channel; automatic reconnection is disabled because reconnects are
// owned by the connection supervisor.
type PahoTransport struct {
	broker    string
	events    chan<- Event
	tlsConfig *tls.Config
	client    mqtt.Client
	logger    zerolog.Logger
}

// NewPahoTransport creates a transport that reports into the events channel.
func NewPahoTransport(broker string, events chan<- Event, logger zerolog.Logger) *PahoTransport {
	return &PahoTransport{
		broker: broker,
		events: events,
		logger: logger,
	}
}

// InitTLS sets up the root CA pool from a PEM file, like a device provisioned
// with a broker CA certificate.
func (t *PahoTransport) InitTLS(caCertPath string, fileOps file.FileOperations) error {
	caCert, err := fileOps.ReadFileRaw(caCertPath)
	if err != nil {
		return fmt.Errorf("failed to read CA certificate: %w", err)
	}

	caCertPool := x509.NewCertPool()
	if !caCertPool.AppendCertsFromPEM(caCert) {
		return fmt.Errorf("failed to append CA certificate")
	}

	t.tlsConfig = &tls.Config{
		RootCAs: caCertPool,
	}
	return nil
}

// Connect starts a connect attempt with the given parameters. The result is
// delivered asynchronously as EventOpened or EventOpenFailed.
func (t *PahoTransport) Connect(params ConnectParams) error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(t.broker)
	opts.SetClientID(params.ClientID)
	opts.SetUsername(params.Username)
	opts.SetPassword(params.Password)
	opts.SetConnectTimeout(params.ConnectTimeout)
	opts.SetKeepAlive(params.KeepAlive)
	opts.SetAutoReconnect(false)
	if t.tlsConfig != nil {
		opts.SetTLSConfig(t.tlsConfig)
	}

	opts.SetOnConnectHandler(func(_ mqtt.Client) {
		t.events <- Event{Kind: EventOpened}
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		t.events <- Event{Kind: EventClosed, Err: err}
	})

	t.client = mqtt.NewClient(opts)

	token := t.client.Connect()
	go func() {
		token.Wait()
		if err := token.Error(); err != nil {
			t.events <- Event{Kind: EventOpenFailed, Err: err}
		}
	}()

	return nil
}

// Publish sends a message and waits for the broker acknowledgement.
func (t *PahoTransport) Publish(topic string, qos byte, payload []byte) error {
	token := t.client.Publish(topic, qos, false, payload)
	if !token.WaitTimeout(defaultPublishTimeout) {
		return fmt.Errorf("publish to %q timed out after %v", topic, defaultPublishTimeout)
	}
	return token.Error()
}

// Subscribe registers a topic on the wire. Inbound messages arrive as
// EventMessage on the events channel.
func (t *PahoTransport) Subscribe(topic string, qos byte) error {
	token := t.client.Subscribe(topic, qos, func(_ mqtt.Client, msg mqtt.Message) {
		t.events <- Event{Kind: EventMessage, Topic: msg.Topic(), Payload: msg.Payload()}
	})
	token.Wait()
	return token.Error()
}

// Disconnect closes the connection gracefully. A nil-error EventClosed is
// emitted because paho does not invoke the connection-lost handler for a
// client-initiated disconnect.
func (t *PahoTransport) Disconnect(quiesce uint) {
	if t.client == nil {
		return
	}
	t.client.Disconnect(quiesce)
	t.events <- Event{Kind: EventClosed}
}
