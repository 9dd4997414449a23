package queue

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

const dialBackoff = 3 * time.Second

// AMQP is a RabbitMQ client holding one connection with separate
// channels for publishing and consuming. Publish is safe for
// concurrent use; Consume is meant to be run once per instance.
type AMQP struct {
	conn     *amqp.Connection
	pubCh    *amqp.Channel
	subCh    *amqp.Channel
	prefetch int

	mu       sync.Mutex
	declared map[string]bool
}

// Dial connects to the broker, retrying on failure since the broker
// commonly comes up after the worker in containerized deployments.
func Dial(ctx context.Context, cfg Config) (*AMQP, error) {
	attempts := cfg.DialAttempts
	if attempts <= 0 {
		attempts = 10
	}

	var (
		conn *amqp.Connection
		err  error
	)
	for i := 1; i <= attempts; i++ {
		conn, err = amqp.Dial(cfg.URL)
		if err == nil {
			break
		}
		zap.L().Warn("queue: broker not ready",
			zap.Int("attempt", i),
			zap.Int("max_attempts", attempts),
			zap.Error(err),
		)
		select {
		case <-ctx.Done():
			return nil, eris.Wrap(ctx.Err(), "queue: dial cancelled")
		case <-time.After(dialBackoff):
		}
	}
	if err != nil {
		return nil, eris.Wrapf(err, "queue: dial %d attempts exhausted", attempts)
	}

	pubCh, err := conn.Channel()
	if err != nil {
		conn.Close() //nolint:errcheck
		return nil, eris.Wrap(err, "queue: open publish channel")
	}
	subCh, err := conn.Channel()
	if err != nil {
		conn.Close() //nolint:errcheck
		return nil, eris.Wrap(err, "queue: open consume channel")
	}

	prefetch := cfg.Prefetch
	if prefetch <= 0 {
		prefetch = 1
	}

	return &AMQP{
		conn:     conn,
		pubCh:    pubCh,
		subCh:    subCh,
		prefetch: prefetch,
		declared: make(map[string]bool),
	}, nil
}

// Publish declares the queue once, then sends v as a persistent JSON
// message.
func (a *AMQP) Publish(ctx context.Context, queue string, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return eris.Wrapf(err, "queue: encode message for %s", queue)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.declare(queue); err != nil {
		return err
	}

	err = a.pubCh.PublishWithContext(ctx, "", queue, false, false, amqp.Publishing{
		DeliveryMode: amqp.Persistent,
		ContentType:  "application/json",
		Body:         body,
	})
	if err != nil {
		return eris.Wrapf(err, "queue: publish to %s", queue)
	}
	return nil
}

// Consume delivers messages from the queue to h until ctx is cancelled
// or the broker closes the channel. Every delivery is acknowledged;
// handler failures are logged, not redelivered.
func (a *AMQP) Consume(ctx context.Context, queue string, h Handler) error {
	if _, err := a.subCh.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		return eris.Wrapf(err, "queue: declare %s", queue)
	}
	if err := a.subCh.Qos(a.prefetch, 0, false); err != nil {
		return eris.Wrap(err, "queue: set prefetch")
	}

	deliveries, err := a.subCh.Consume(queue, "", false, false, false, false, nil)
	if err != nil {
		return eris.Wrapf(err, "queue: consume %s", queue)
	}

	log := zap.L().With(zap.String("component", "queue.consumer"), zap.String("queue", queue))
	log.Info("consuming")

	for {
		select {
		case <-ctx.Done():
			log.Info("consumer stopped")
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return eris.Errorf("queue: channel for %s closed by broker", queue)
			}
			if err := h(ctx, d.Body); err != nil {
				log.Error("handler failed", zap.Error(err))
			}
			if err := d.Ack(false); err != nil {
				log.Error("ack failed", zap.Error(err))
			}
		}
	}
}

// Ping verifies the connection is still open.
func (a *AMQP) Ping(context.Context) error {
	if a.conn == nil || a.conn.IsClosed() {
		return eris.New("queue: connection closed")
	}
	return nil
}

// Close tears down the channels and connection.
func (a *AMQP) Close() error {
	a.pubCh.Close() //nolint:errcheck
	a.subCh.Close() //nolint:errcheck
	if err := a.conn.Close(); err != nil {
		return eris.Wrap(err, "queue: close connection")
	}
	return nil
}

// declare is called with a.mu held.
func (a *AMQP) declare(queue string) error {
	if a.declared[queue] {
		return nil
	}
	if _, err := a.pubCh.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		return eris.Wrapf(err, "queue: declare %s", queue)
	}
	a.declared[queue] = true
	return nil
}
