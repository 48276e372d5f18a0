package queue

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var (
	// ErrPublish is returned when the broker does not confirm a published message
	ErrPublish = errors.New("publish failed")

	// ErrConsumerClosed is returned when the broker closes the delivery stream
	ErrConsumerClosed = errors.New("consumer closed by broker")
)

// Decision tells the consumer what to do with a delivery once it is handled
type Decision int

const (
	// Ack acknowledges a successfully processed message
	Ack Decision = iota
	// Requeue withholds the acknowledgement so the broker redelivers
	Requeue
	// Drop acknowledges a message that will never succeed
	Drop
)

func (d Decision) String() string {
	switch d {
	case Ack:
		return "ack"
	case Requeue:
		return "requeue"
	case Drop:
		return "drop"
	default:
		return fmt.Sprintf("decision(%d)", int(d))
	}
}

// Delivery is one inbound message handed to a Handler
type Delivery struct {
	// ID is a stable fingerprint of the body; redeliveries share it
	ID          string
	Body        []byte
	Redelivered bool
}

// Handler processes one delivery and returns a terminal decision
type Handler func(ctx context.Context, d Delivery) Decision

// Fingerprint returns the hex SHA-256 of a message body
func Fingerprint(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

// safeHandle runs handler and turns a panic into Requeue
func safeHandle(ctx context.Context, logger zerolog.Logger, handler Handler, d Delivery) (decision Decision) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error().
				Str("delivery_id", d.ID).
				Interface("panic", r).
				Msg("handler panicked, requeueing message")
			decision = Requeue
		}
	}()
	return handler(ctx, d)
}

// WithDrainTimeout derives a context from job that is cancelled grace after
// shutdown is done. It bounds how long an in-flight job may run once the
// worker has been asked to stop.
func WithDrainTimeout(job, shutdown context.Context, grace time.Duration) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(job)

	var mutex sync.Mutex
	var timer *time.Timer
	stopped := false
	stop := context.AfterFunc(shutdown, func() {
		mutex.Lock()
		defer mutex.Unlock()
		if !stopped {
			timer = time.AfterFunc(grace, cancel)
		}
	})

	return ctx, func() {
		stop()
		mutex.Lock()
		stopped = true
		if timer != nil {
			timer.Stop()
		}
		mutex.Unlock()
		cancel()
	}
}
