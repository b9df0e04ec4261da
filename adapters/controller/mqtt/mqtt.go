package mqtt

import (
	"context"
	"crypto/tls"
	"errors"
	"os"
	"sync"
	"time"

	pmqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
	uuid "github.com/satori/go.uuid"

	"github.com/Go-routine-4595/plant-monitor/adapters/controller"
)

// MqttConf holds the configuration for the MQTT feed source.
type MqttConf struct {
	Connection string `yaml:"Connection"`
	Topic      string `yaml:"Topic"`
	LogLevel   int    `yaml:"LogLevel"`
}

// Mqtt subscribes to the reading feed topic and implements the consumer's
// Source port. Automatic reconnection is disabled: the stream consumer owns
// the retry policy, and a lost connection surfaces as a closed message
// channel.
type Mqtt struct {
	Topic    string
	MgtUrl   string
	logger   zerolog.Logger
	ClientID uuid.UUID

	mu     sync.Mutex
	client pmqtt.Client
	msgs   chan controller.Message
	once   *sync.Once
}

// NewMqtt builds the source; no connection is made until Open.
func NewMqtt(conf MqttConf) *Mqtt {
	cid := uuid.NewV4()
	return &Mqtt{
		Topic:    conf.Topic,
		MgtUrl:   conf.Connection,
		ClientID: cid,
		logger:   createLogger(conf.LogLevel),
	}
}

// createLogger initializes a zerolog.Logger with standard settings.
func createLogger(logLevel int) zerolog.Logger {
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
		Level(zerolog.InfoLevel+zerolog.Level(logLevel)).
		With().Timestamp().Int("pid", os.Getpid()).Logger()
}

// Open connects to the broker and subscribes to the feed topic. The
// returned channel closes when the connection is lost.
func (m *Mqtt) Open(ctx context.Context) (<-chan controller.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	msgs := make(chan controller.Message, 64)
	once := &sync.Once{}
	closeStream := func() {
		once.Do(func() { close(msgs) })
	}

	opt := pmqtt.NewClientOptions().
		AddBroker(m.MgtUrl).
		SetClientID("plant-monitor-" + m.ClientID.String()).
		SetCleanSession(true).
		SetAutoReconnect(false).
		SetTLSConfig(&tls.Config{
			InsecureSkipVerify: true,
		}).
		SetOnConnectHandler(func(client pmqtt.Client) {
			m.logger.Info().Msg("Connected to mqtt broker")
		}).
		SetConnectionLostHandler(func(client pmqtt.Client, err error) {
			m.logger.Warn().Err(err).Msg("Connection Lost")
			closeStream()
		})

	client := pmqtt.NewClient(opt)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		m.logger.Error().Err(token.Error()).Msg("Error connecting to mqtt broker")
		return nil, errors.Join(token.Error(), errors.New("error connecting to mqtt broker"))
	}

	token := client.Subscribe(m.Topic, 1, func(_ pmqtt.Client, msg pmqtt.Message) {
		select {
		case msgs <- controller.Message(msg.Payload()):
		default:
			m.logger.Warn().Str("topic", msg.Topic()).Msg("feed message dropped, consumer behind")
		}
	})
	if token.Wait() && token.Error() != nil {
		client.Disconnect(250)
		m.logger.Error().Err(token.Error()).Str("topic", m.Topic).Msg("Error subscribing to topic")
		return nil, errors.Join(token.Error(), errors.New("error subscribing to feed topic"))
	}

	m.logger.Info().Str("topic", m.Topic).Msg("subscribed to reading feed")
	m.client = client
	m.msgs = msgs
	m.once = once
	return msgs, nil
}

// Close terminates the active subscription, if any.
func (m *Mqtt) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.client != nil {
		m.client.Disconnect(250)
		m.client = nil
		m.logger.Info().Msg("Disconnected from mqtt broker")
	}
	if m.once != nil {
		m.once.Do(func() { close(m.msgs) })
		m.once = nil
	}
}
