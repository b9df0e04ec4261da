// Package controller maintains the live subscription to the reading feed.
// One consumer goroutine owns the whole subscription lifecycle, so at most
// one subscription attempt is ever in flight, and reconnection retries
// forever until the context is cancelled.
package controller

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/Go-routine-4595/plant-monitor/model"
)

// State of the consumer's connection state machine.
type State int32

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	}
	return "unknown"
}

// Message is one raw payload delivered by a Source.
type Message []byte

// Source is a transport that yields raw feed messages. The returned channel
// closes on transport failure or stream termination; the consumer then
// tears the source down and schedules one reconnect.
type Source interface {
	Open(ctx context.Context) (<-chan Message, error)
	Close()
}

// Handler receives parsed reading batches in arrival order.
type Handler func(batch model.ReadingBatch)

// Backoff returns the delay before reconnection attempt n (n starts at 1).
type Backoff func(attempt int) time.Duration

// FixedBackoff always waits the same delay between attempts.
func FixedBackoff(d time.Duration) Backoff {
	return func(int) time.Duration { return d }
}

// ExponentialBackoff doubles the delay per attempt up to max.
func ExponentialBackoff(base, max time.Duration) Backoff {
	return func(attempt int) time.Duration {
		d := base
		for i := 1; i < attempt; i++ {
			d *= 2
			if d >= max {
				return max
			}
		}
		if d > max {
			return max
		}
		return d
	}
}

// ControllerConfig is the consumer section of the service configuration.
type ControllerConfig struct {
	ReconnectSeconds  int    `yaml:"ReconnectSeconds"`
	BackoffPolicy     string `yaml:"BackoffPolicy"`
	MaxBackoffSeconds int    `yaml:"MaxBackoffSeconds"`
	LogLevel          int    `yaml:"LogLevel"`
}

// BackoffFromConfig builds the reconnect policy. The observed behavior is a
// fixed 5 second delay; exponential is available for deployments that need
// to avoid reconnect herds.
func BackoffFromConfig(conf ControllerConfig) Backoff {
	delay := 5 * time.Second
	if conf.ReconnectSeconds > 0 {
		delay = time.Duration(conf.ReconnectSeconds) * time.Second
	}
	if conf.BackoffPolicy == "exponential" {
		limit := 5 * time.Minute
		if conf.MaxBackoffSeconds > 0 {
			limit = time.Duration(conf.MaxBackoffSeconds) * time.Second
		}
		return ExponentialBackoff(delay, limit)
	}
	return FixedBackoff(delay)
}

// Consumer is the reconnecting stream consumer.
type Consumer struct {
	source  Source
	handler Handler
	backoff Backoff
	logger  zerolog.Logger
	state   atomic.Int32
	now     func() time.Time
}

// NewConsumer wires a source to a batch handler.
func NewConsumer(conf ControllerConfig, source Source, handler Handler) *Consumer {
	return &Consumer{
		source:  source,
		handler: handler,
		backoff: BackoffFromConfig(conf),
		logger:  createLogger(conf.LogLevel).With().Str("component", "consumer").Logger(),
		now:     time.Now,
	}
}

// createLogger initializes a zerolog.Logger with standard settings.
func createLogger(logLevel int) zerolog.Logger {
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
		Level(zerolog.InfoLevel+zerolog.Level(logLevel)).
		With().Timestamp().Int("pid", os.Getpid()).Logger()
}

// State reports the current connection state.
func (c *Consumer) State() State {
	return State(c.state.Load())
}

func (c *Consumer) setState(s State) {
	old := State(c.state.Swap(int32(s)))
	if old != s {
		c.logger.Info().Str("from", old.String()).Str("to", s.String()).Msg("consumer state change")
	}
}

// Start launches the consumer goroutine. It returns immediately; the
// consumer runs until ctx is cancelled.
func (c *Consumer) Start(ctx context.Context, wg *sync.WaitGroup) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.run(ctx)
	}()
}

func (c *Consumer) run(ctx context.Context) {
	attempt := 0
	for {
		if ctx.Err() != nil {
			c.setState(Disconnected)
			return
		}

		c.setState(Connecting)
		msgs, err := c.source.Open(ctx)
		if err != nil {
			terr := &model.TransportError{Err: err}
			c.logger.Error().Err(terr).Msg("subscription failed")
			c.setState(Disconnected)
			attempt++
			if !c.wait(ctx, c.backoff(attempt)) {
				return
			}
			continue
		}

		if !c.consume(ctx, msgs, &attempt) {
			c.setState(Disconnected)
			return
		}

		// Transport failure or stream termination: tear down, wait once,
		// then go back to Connecting.
		c.source.Close()
		c.setState(Disconnected)
		attempt++
		if !c.wait(ctx, c.backoff(attempt)) {
			return
		}
	}
}

// consume reads messages until the stream ends. It returns false when the
// context was cancelled and the consumer must stop for good.
func (c *Consumer) consume(ctx context.Context, msgs <-chan Message, attempt *int) bool {
	for {
		select {
		case <-ctx.Done():
			c.source.Close()
			return false
		case m, ok := <-msgs:
			if !ok {
				c.logger.Warn().Msg("stream terminated")
				return true
			}
			batch, err := c.parse(m)
			if err != nil {
				// Malformed payloads are dropped and reported; only
				// transport failures trigger reconnection.
				c.logger.Error().Err(err).Msg("malformed message dropped")
				continue
			}
			if c.State() != Connected {
				c.setState(Connected)
				*attempt = 0
			}
			c.handler(batch)
		}
	}
}

// wait sleeps for the reconnect delay, interruptible by cancellation.
func (c *Consumer) wait(ctx context.Context, d time.Duration) bool {
	c.logger.Info().Dur("delay", d).Msg("scheduling reconnect")
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// parse decodes one feed payload: a JSON object mapping device id to a
// number, a numeric string, or "N/A"/null for an unreachable device.
func (c *Consumer) parse(m Message) (model.ReadingBatch, error) {
	var raw map[string]any
	if err := json.Unmarshal(m, &raw); err != nil {
		return model.ReadingBatch{}, &model.ParseError{Payload: m, Err: err}
	}

	now := c.now()
	batch := model.ReadingBatch{Received: now}
	for id, v := range raw {
		value, err := parseValue(v)
		if err != nil {
			return model.ReadingBatch{}, &model.ParseError{Payload: m, Err: fmt.Errorf("device %q: %w", id, err)}
		}
		batch.Readings = append(batch.Readings, model.Reading{
			DeviceID:  id,
			Value:     value,
			Timestamp: now,
		})
	}
	// JSON object iteration order is random; keep batches deterministic.
	sort.Slice(batch.Readings, func(i, j int) bool {
		return batch.Readings[i].DeviceID < batch.Readings[j].DeviceID
	})
	return batch, nil
}

func parseValue(v any) (*float64, error) {
	switch val := v.(type) {
	case nil:
		return nil, nil
	case float64:
		f := val
		return &f, nil
	case string:
		if val == "N/A" {
			return nil, nil
		}
		f, err := strconv.ParseFloat(val, 64)
		if err != nil {
			return nil, fmt.Errorf("value %q is not numeric", val)
		}
		return &f, nil
	default:
		return nil, fmt.Errorf("unsupported value type %T", v)
	}
}
