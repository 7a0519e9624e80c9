// Package dispatcher implements the Event Dispatcher: a topic-exchange
// consumer that decodes inbound messages, routes decoded Push events to a
// handler, and manages ack/reject/requeue and graceful shutdown (spec
// §4.1).
package dispatcher

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"github.com/mozilla-conduit/git-hg-sync/internal/events"
	"github.com/mozilla-conduit/git-hg-sync/pkg/log"
	"github.com/mozilla-conduit/git-hg-sync/pkg/metrics"
)

// Handler processes one decoded Push event. A returned error causes the
// delivery to be requeued; a nil return causes an ack.
type Handler func(ctx context.Context, push events.Push) error

// Config holds the broker connection and topology settings (spec §6).
type Config struct {
	AMQPURL    string
	Exchange   string
	RoutingKey string
	Queue      string
	Heartbeat  time.Duration
	OneShot    bool
	PIDFile    string
}

// Dispatcher owns the broker connection and the consume loop.
type Dispatcher struct {
	cfg     Config
	handler Handler

	conn *amqp.Connection
	ch   *amqp.Channel

	stopping atomic.Bool
}

// New returns a Dispatcher that will route decoded Push events to
// handler. The handler is injected once, before Run, rather than the
// Dispatcher holding a back-reference to its owner (spec §9 "Cyclic
// references to the Dispatcher from the handler").
func New(cfg Config, handler Handler) *Dispatcher {
	return &Dispatcher{cfg: cfg, handler: handler}
}

// Connect dials the broker and declares the durable, non-exclusive
// topic-exchange/queue pair shared among replicas (spec §4.1, §6).
func (d *Dispatcher) Connect() error {
	amqpCfg := amqp.Config{Heartbeat: d.cfg.Heartbeat}
	conn, err := amqp.DialConfig(d.cfg.AMQPURL, amqpCfg)
	if err != nil {
		return fmt.Errorf("dialing broker: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("opening channel: %w", err)
	}

	if err := ch.ExchangeDeclare(d.cfg.Exchange, "topic", true, false, false, false, nil); err != nil {
		conn.Close()
		return fmt.Errorf("declaring exchange %s: %w", d.cfg.Exchange, err)
	}
	if _, err := ch.QueueDeclare(d.cfg.Queue, true, false, false, false, nil); err != nil {
		conn.Close()
		return fmt.Errorf("declaring queue %s: %w", d.cfg.Queue, err)
	}
	if err := ch.QueueBind(d.cfg.Queue, d.cfg.RoutingKey, d.cfg.Exchange, false, nil); err != nil {
		conn.Close()
		return fmt.Errorf("binding queue %s to %s: %w", d.cfg.Queue, d.cfg.Exchange, err)
	}
	if err := ch.Qos(1, 0, false); err != nil {
		conn.Close()
		return fmt.Errorf("setting prefetch: %w", err)
	}

	d.conn = conn
	d.ch = ch
	return nil
}

// Close releases the broker connection.
func (d *Dispatcher) Close() error {
	if d.ch != nil {
		d.ch.Close()
	}
	if d.conn != nil {
		return d.conn.Close()
	}
	return nil
}

// Run blocks on the consume loop until a stop condition is reached: a
// graceful shutdown signal, one-shot completion, or ctx cancellation
// (spec §4.1 "Lifecycle").
func (d *Dispatcher) Run(ctx context.Context) error {
	logger := log.WithComponent("dispatcher")

	deliveries, err := d.ch.Consume(d.cfg.Queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("starting consumer on %s: %w", d.cfg.Queue, err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	stopCh := make(chan struct{})
	go func() {
		for range sigCh {
			if d.stopping.Swap(true) {
				logger.Warn().Msg("second shutdown signal received, exiting immediately")
				d.removePIDFile()
				os.Exit(1)
			}
			logger.Info().Msg("shutdown signal received, finishing current message")
			close(stopCh)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			d.removePIDFile()
			return ctx.Err()

		case <-stopCh:
			d.removePIDFile()
			return nil

		case delivery, ok := <-deliveries:
			if !ok {
				d.removePIDFile()
				return fmt.Errorf("consumer channel closed")
			}

			d.handleDelivery(ctx, delivery, logger)

			if d.stopping.Load() || d.cfg.OneShot {
				d.removePIDFile()
				return nil
			}
		}
	}
}

func (d *Dispatcher) handleDelivery(ctx context.Context, delivery amqp.Delivery, logger zerolog.Logger) {
	push, err := decode(delivery.Body)
	if err != nil {
		logger.Warn().Err(err).Msg("rejecting malformed message")
		metrics.PushEventsTotal.WithLabelValues("rejected").Inc()
		_ = delivery.Reject(false)
		return
	}

	if err := d.handler(ctx, push); err != nil {
		logger.Error().Err(err).Str("repo", push.RepoURL).Msg("handler failed, requeueing")
		metrics.PushEventsTotal.WithLabelValues("requeued").Inc()
		_ = delivery.Reject(true)
		return
	}

	metrics.PushEventsTotal.WithLabelValues("accepted").Inc()
	_ = delivery.Ack(false)
}

func (d *Dispatcher) removePIDFile() {
	if d.cfg.PIDFile == "" {
		return
	}
	_ = os.Remove(d.cfg.PIDFile)
}

// WritePIDFile records the current process id at cfg.PIDFile, if set.
func WritePIDFile(path string) error {
	if path == "" {
		return nil
	}
	return os.WriteFile(path, []byte(fmt.Sprintf("%d\n", os.Getpid())), 0o644)
}
