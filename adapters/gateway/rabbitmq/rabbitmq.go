package rabbitmq

import (
	"context"
	"encoding/json"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/streadway/amqp"

	"github.com/Go-routine-4595/plant-monitor/model"
)

type RabbitMQConfig struct {
	ConnectionString string `yaml:"ConnectionString"`
	QueueName        string `yaml:"QueueName"`
}

// RabbitMQ forwards fleet snapshots and alerts to an AMQP queue. Messages
// are queued on an internal channel so a broker outage never blocks the
// live path; the publisher goroutine reconnects on failure.
type RabbitMQ struct {
	ConnectionString string
	QueueName        string
	msgs             chan []byte
	logger           zerolog.Logger
	conn             *amqp.Connection
	ch               *amqp.Channel
}

// envelope distinguishes snapshot and alert payloads on the wire.
type envelope struct {
	Kind     string               `json:"kind"`
	Snapshot *model.FleetSnapshot `json:"snapshot,omitempty"`
	Alert    *model.Alert         `json:"alert,omitempty"`
}

func NewRabbitMQ(config RabbitMQConfig) *RabbitMQ {
	return &RabbitMQ{
		msgs:             make(chan []byte, 16),
		ConnectionString: config.ConnectionString,
		QueueName:        config.QueueName,
		logger:           zerolog.New(os.Stdout).Level(zerolog.Level(zerolog.DebugLevel)).With().Timestamp().Logger(),
	}
}

func (r *RabbitMQ) SendSnapshot(snapshot model.FleetSnapshot) error {
	return r.enqueue(envelope{Kind: "snapshot", Snapshot: &snapshot})
}

func (r *RabbitMQ) SendAlert(alert model.Alert) error {
	return r.enqueue(envelope{Kind: "alert", Alert: &alert})
}

func (r *RabbitMQ) enqueue(e envelope) error {
	msg, err := json.Marshal(e)
	if err != nil {
		return err
	}
	select {
	case r.msgs <- msg:
	default:
		r.logger.Warn().Str("kind", e.Kind).Msg("publish queue full, message dropped")
	}
	return nil
}

// connect establishes a new connection and channel
func (r *RabbitMQ) connect() error {
	var (
		err error
	)
	r.conn, err = amqp.Dial(r.ConnectionString)
	if err != nil {
		return err
	}

	r.ch, err = r.conn.Channel()
	if err != nil {
		return err
	}

	_, err = r.ch.QueueDeclare(
		r.QueueName, // name
		true,        // durable
		false,       // delete when unused
		false,       // exclusive
		false,       // no-wait
		nil,         // arguments
	)
	if err != nil {
		return err
	}

	return nil
}

// reconnect handles reconnection logic
func (r *RabbitMQ) reconnect(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		r.logger.Info().Msg("Attempting to reconnect to RabbitMQ...")
		err := r.connect()
		if err == nil {
			r.logger.Info().Msg("Successfully reconnected to RabbitMQ...")
			break
		}
		r.logger.Error().Err(err).Msg("Reconnect failed")
		t := time.NewTimer(5 * time.Second)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}
}

// Start the publisher goroutine.
func (r *RabbitMQ) Start(ctx context.Context, wg *sync.WaitGroup) {
	var err error

	err = r.connect()
	if err != nil {
		r.logger.Fatal().Err(err).Msg("Failed to connect to RabbitMQ")
	}
	go r.publishLoop(ctx, wg)
}

// Close gracefully shuts down the connection and channel
func (r *RabbitMQ) Close() error {
	var err error

	err = r.conn.Close()
	if err != nil {
		return err
	}

	return nil
}

func (r *RabbitMQ) publishLoop(ctx context.Context, wg *sync.WaitGroup) {
	var (
		err error
	)
	wg.Add(1)
	defer wg.Done()

	for {
		select {
		case <-ctx.Done():
			// disconnect gracefully and leave
			r.Close()
			r.logger.Info().Msg("Received interrupt signal, closing connection")
			return
		case msg := <-r.msgs:
			err = r.ch.Publish(
				"",          // Exchange
				r.QueueName, // Routing key (queue name)
				false,       // Mandatory
				false,       // Immediate
				amqp.Publishing{
					ContentType: "application/json",
					Body:        msg,
				},
			)
			if err != nil {
				r.logger.Error().Err(err).Msg("Failed to publish a message")
				r.reconnect(ctx)
			}
		}
	}
}
