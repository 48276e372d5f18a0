package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

// confirmTimeout bounds the wait for a publisher confirm
const confirmTimeout = 5 * time.Second

// RabbitMQ represents a RabbitMQ connection with a consume channel and a
// confirm-mode publish channel
type RabbitMQ struct {
	conn       *amqp.Connection
	channel    *amqp.Channel
	pubChannel *amqp.Channel
	pubMutex   sync.Mutex
	exchange   string
	logger     zerolog.Logger
}

// NewRabbitMQ creates a new RabbitMQ connection publishing to exchange
func NewRabbitMQ(url, exchange string, logger zerolog.Logger) (*RabbitMQ, error) {
	// Connect to RabbitMQ
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open a channel: %w", err)
	}

	pubChannel, err := conn.Channel()
	if err != nil {
		channel.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to open a publish channel: %w", err)
	}

	// Enable publish confirmations
	if err := pubChannel.Confirm(false); err != nil {
		pubChannel.Close()
		channel.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to enable publish confirmations: %w", err)
	}

	return &RabbitMQ{
		conn:       conn,
		channel:    channel,
		pubChannel: pubChannel,
		exchange:   exchange,
		logger:     logger.With().Str("component", "rabbitmq").Logger(),
	}, nil
}

// DeclareTopology declares the durable topic exchange and one durable queue
// per name, bound with its own name as routing key
func (r *RabbitMQ) DeclareTopology(queues ...string) error {
	err := r.channel.ExchangeDeclare(
		r.exchange, // name
		"topic",    // kind
		true,       // durable
		false,      // auto-deleted
		false,      // internal
		false,      // no-wait
		nil,        // arguments
	)
	if err != nil {
		return fmt.Errorf("failed to declare exchange %s: %w", r.exchange, err)
	}

	for _, name := range queues {
		if name == "" {
			continue
		}
		_, err := r.channel.QueueDeclare(
			name,  // name
			true,  // durable
			false, // delete when unused
			false, // exclusive
			false, // no-wait
			nil,   // arguments
		)
		if err != nil {
			return fmt.Errorf("failed to declare queue %s: %w", name, err)
		}
		if err := r.channel.QueueBind(name, name, r.exchange, false, nil); err != nil {
			return fmt.Errorf("failed to bind queue %s: %w", name, err)
		}
	}
	return nil
}

// Publish sends msg as a persistent JSON message and waits for the broker confirm
func (r *RabbitMQ) Publish(ctx context.Context, routingKey string, msg any) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("%w: failed to marshal message: %v", ErrPublish, err)
	}

	r.pubMutex.Lock()
	confirm, err := r.pubChannel.PublishWithDeferredConfirmWithContext(
		ctx,
		r.exchange, // exchange
		routingKey, // routing key
		false,      // mandatory
		false,      // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			Body:         body,
			DeliveryMode: amqp.Persistent, // Make message persistent
			MessageId:    uuid.NewString(),
			Timestamp:    time.Now(),
		},
	)
	r.pubMutex.Unlock()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPublish, err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, confirmTimeout)
	defer cancel()

	// Wait for confirmation
	acked, err := confirm.WaitContext(waitCtx)
	if err != nil {
		return fmt.Errorf("%w: waiting for confirmation: %v", ErrPublish, err)
	}
	if !acked {
		return fmt.Errorf("%w: broker nacked message", ErrPublish)
	}
	return nil
}

// Consume delivers messages from queueName to handler one at a time until ctx
// is cancelled. The in-flight message always reaches a decision before
// Consume returns.
func (r *RabbitMQ) Consume(ctx context.Context, queueName string, handler Handler) error {
	// Set prefetch count
	err := r.channel.Qos(
		1,     // prefetch count
		0,     // prefetch size
		false, // global
	)
	if err != nil {
		return fmt.Errorf("failed to set QoS: %w", err)
	}

	tag := "txt2img-" + uuid.NewString()
	msgs, err := r.channel.Consume(
		queueName, // queue
		tag,       // consumer
		false,     // auto-ack
		false,     // exclusive
		false,     // no-local
		false,     // no-wait
		nil,       // args
	)
	if err != nil {
		return fmt.Errorf("failed to register consumer: %w", err)
	}

	r.logger.Info().Str("queue", queueName).Str("consumer", tag).Msg("consuming")
	return consumeDeliveries(ctx, msgs, handler, r.logger, func() {
		if err := r.channel.Cancel(tag, false); err != nil {
			r.logger.Warn().Err(err).Msg("failed to cancel consumer")
		}
	})
}

// consumeDeliveries is the pull loop shared by Consume and tests. stop is
// called once when ctx is cancelled so the broker stops sending.
func consumeDeliveries(ctx context.Context, msgs <-chan amqp.Delivery, handler Handler, logger zerolog.Logger, stop func()) error {
	// handlers finish their job even after shutdown was requested
	jobCtx := context.WithoutCancel(ctx)

	for {
		if ctx.Err() != nil {
			stop()
			return nil
		}

		select {
		case <-ctx.Done():
			stop()
			return nil
		case msg, ok := <-msgs:
			if !ok {
				return ErrConsumerClosed
			}
			if ctx.Err() != nil {
				// arrived together with the shutdown signal; hand it back untouched
				if err := msg.Nack(false, true); err != nil {
					logger.Warn().Err(err).Msg("failed to return delivery on shutdown")
				}
				stop()
				return nil
			}
			settle(jobCtx, msg, handler, logger)
		}
	}
}

func settle(ctx context.Context, msg amqp.Delivery, handler Handler, logger zerolog.Logger) {
	d := Delivery{
		ID:          Fingerprint(msg.Body),
		Body:        msg.Body,
		Redelivered: msg.Redelivered,
	}

	decision := safeHandle(ctx, logger, handler, d)

	var err error
	switch decision {
	case Requeue:
		// Nack and requeue the message
		err = msg.Nack(false, true)
	default:
		err = msg.Ack(false)
	}
	if err != nil {
		logger.Error().Err(err).
			Str("delivery_id", d.ID).
			Stringer("decision", decision).
			Msg("failed to settle delivery")
		return
	}
	logger.Debug().Str("delivery_id", d.ID).Stringer("decision", decision).Msg("delivery settled")
}

// Close closes the RabbitMQ channels and connection
func (r *RabbitMQ) Close() {
	if r.pubChannel != nil {
		r.pubChannel.Close()
	}
	if r.channel != nil {
		r.channel.Close()
	}
	if r.conn != nil {
		r.conn.Close()
	}
}
