package worker

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"txt2img/pkg/cache"
	"txt2img/pkg/messaging"
	"txt2img/pkg/queue"
	"txt2img/pkg/storage"
	"txt2img/pkg/synth"
)

// Publisher sends a message to a destination (routing key or topic)
type Publisher interface {
	Publish(ctx context.Context, destination string, msg any) error
}

// Observer receives pipeline measurements
type Observer interface {
	JobStarted()
	JobFinished(outcome string)
	ObserveStage(stage string, d time.Duration, err error)
	DeadLettered()
}

// Options holds the routing and storage settings of the pipeline
type Options struct {
	OutboundRoutingKey   string
	DeadLetterRoutingKey string
	FailureRoutingKey    string
	ArtifactPrefix       string
	LinkTTL              time.Duration
	MaxAttempts          int
}

// Option customizes a Pipeline
type Option func(*Pipeline)

// WithAttemptTracker sets where redelivery attempts are counted
func WithAttemptTracker(t cache.AttemptTracker) Option {
	return func(p *Pipeline) { p.attempts = t }
}

// WithStatusStore records job states in s
func WithStatusStore(s cache.StatusStore) Option {
	return func(p *Pipeline) { p.status = s }
}

// WithObserver reports measurements to o
func WithObserver(o Observer) Option {
	return func(p *Pipeline) { p.observer = o }
}

// Pipeline turns one GenerationRequest into a stored image and a CompletionEvent
type Pipeline struct {
	engine    synth.Engine
	store     storage.Store
	publisher Publisher
	attempts  cache.AttemptTracker
	status    cache.StatusStore
	observer  Observer
	opts      Options
	logger    zerolog.Logger
}

// result is what a single run of the state machine produced
type result struct {
	decision  queue.Decision
	req       messaging.GenerationRequest
	link      string
	duplicate bool
	err       error
}

// NewPipeline creates a pipeline. The engine is wrapped so that at most one
// synthesis runs at a time unless it reports itself concurrency safe.
func NewPipeline(engine synth.Engine, store storage.Store, publisher Publisher, opts Options, logger zerolog.Logger, options ...Option) *Pipeline {
	if opts.LinkTTL <= 0 {
		opts.LinkTTL = storage.DefaultLinkTTL
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 5
	}
	p := &Pipeline{
		engine:    synth.Serialized(engine),
		store:     store,
		publisher: publisher,
		attempts:  cache.NewInMemoryAttempts(24 * time.Hour),
		observer:  nopObserver{},
		opts:      opts,
		logger:    logger.With().Str("component", "pipeline").Logger(),
	}
	for _, o := range options {
		o(p)
	}
	return p
}

// Handle runs one delivery to a terminal decision. It never panics on bad
// input and every stage error is mapped to Ack, Drop or Requeue here.
func (p *Pipeline) Handle(ctx context.Context, d queue.Delivery) queue.Decision {
	logger := p.logger.With().
		Str("job_id", uuid.NewString()).
		Str("delivery_id", shortID(d.ID)).
		Bool("redelivered", d.Redelivered).
		Logger()

	p.observer.JobStarted()
	res := p.run(ctx, d, logger)
	if res.req.Correlated() {
		logger = logger.With().Int64("chat_id", res.req.ChatID).Int64("message_id", res.req.MessageID).Logger()
	}

	switch res.decision {
	case queue.Ack:
		p.forget(ctx, d, logger)
		if res.duplicate {
			logger.Info().Str("link", res.link).Msg("duplicate of completed job acknowledged")
		} else {
			logger.Info().Str("link", res.link).Msg("job completed")
		}
		p.observer.JobFinished("ack")
		return queue.Ack

	case queue.Drop:
		logger.Error().Err(res.err).Msg("job failed permanently, dropping message")
		decision := p.giveUp(ctx, d, res, 0, p.opts.MaxAttempts, logger)
		p.observer.JobFinished(decision.String())
		return decision

	default:
		n, err := p.attempts.Incr(ctx, d.ID)
		if err != nil {
			logger.Warn().Err(err).Msg("failed to count attempt")
		}
		if n >= p.opts.MaxAttempts {
			logger.Error().Err(res.err).Int("attempts", n).Msg("retry limit reached, dead-lettering message")
			// the dead-letter copy gets another MaxAttempts deliveries of its own
			decision := p.giveUp(ctx, d, res, n, 2*p.opts.MaxAttempts, logger)
			if decision == queue.Drop {
				p.observer.JobFinished("dead_letter")
			} else {
				p.observer.JobFinished(decision.String())
			}
			return decision
		}
		p.setStatus(ctx, res.req, cache.JobStatus{State: cache.StateRequeued, Error: errString(res.err)}, logger)
		logger.Warn().Err(res.err).Int("attempts", n).Msg("job failed, requeueing message")
		p.observer.JobFinished("requeue")
		return queue.Requeue
	}
}

// run walks Received → Synthesizing → Storing → Publishing
func (p *Pipeline) run(ctx context.Context, d queue.Delivery, logger zerolog.Logger) result {
	// Received
	req, err := messaging.DecodeRequest(d.Body)
	if err != nil {
		return result{decision: queue.Drop, req: req, err: err}
	}
	if link, ok := p.alreadyCompleted(ctx, req, logger); ok {
		return result{decision: queue.Ack, req: req, link: link, duplicate: true}
	}
	p.setStatus(ctx, req, cache.JobStatus{State: cache.StateReceived}, logger)

	// Synthesizing
	p.setStatus(ctx, req, cache.JobStatus{State: cache.StateSynthesizing}, logger)
	start := time.Now()
	img, err := p.engine.Synthesize(ctx, req.Prompt)
	p.observer.ObserveStage("synthesize", time.Since(start), err)
	if err != nil {
		return result{decision: classify(err), req: req, err: fmt.Errorf("synthesize: %w", err)}
	}
	logger.Debug().Int("bytes", len(img)).Dur("took", time.Since(start)).Msg("image synthesized")

	// Storing
	p.setStatus(ctx, req, cache.JobStatus{State: cache.StateStoring}, logger)
	key := storage.ArtifactKey(p.opts.ArtifactPrefix, req.Prompt)
	start = time.Now()
	link, err := p.storeArtifact(ctx, key, img, req)
	p.observer.ObserveStage("store", time.Since(start), err)
	if err != nil {
		return result{decision: queue.Requeue, req: req, err: fmt.Errorf("store %s: %w", key, err)}
	}
	logger.Debug().Str("key", key).Msg("artifact stored")

	// Publishing
	p.setStatus(ctx, req, cache.JobStatus{State: cache.StatePublishing}, logger)
	event := messaging.CompletionEvent{
		Key:       link,
		ChatID:    req.ChatID,
		MessageID: req.MessageID,
	}
	start = time.Now()
	err = p.publisher.Publish(ctx, p.opts.OutboundRoutingKey, event)
	p.observer.ObserveStage("publish", time.Since(start), err)
	if err != nil {
		return result{decision: queue.Requeue, req: req, err: fmt.Errorf("publish: %w", err)}
	}

	// Acked
	p.setStatus(ctx, req, cache.JobStatus{State: cache.StateAcked, Link: link}, logger)
	return result{decision: queue.Ack, req: req, link: link}
}

func (p *Pipeline) storeArtifact(ctx context.Context, key string, img []byte, req messaging.GenerationRequest) (string, error) {
	meta := map[string]string{
		"prompt":     req.Prompt,
		"chat-id":    strconv.FormatInt(req.ChatID, 10),
		"message-id": strconv.FormatInt(req.MessageID, 10),
	}
	if err := p.store.Put(ctx, key, img, meta); err != nil {
		return "", err
	}
	return p.store.IssueLink(ctx, key, p.opts.LinkTTL)
}

// giveUp dead-letters and notifies for a message that will not be retried.
// It returns Requeue when the dead-letter copy could not be written and the
// delivery count is still below limit, Drop otherwise.
func (p *Pipeline) giveUp(ctx context.Context, d queue.Delivery, res result, attempts, limit int, logger zerolog.Logger) queue.Decision {
	reason := errString(res.err)

	if p.opts.DeadLetterRoutingKey != "" {
		dl := messaging.DeadLetter{Reason: reason, Attempts: attempts, Body: d.Body}
		if err := p.publisher.Publish(ctx, p.opts.DeadLetterRoutingKey, dl); err != nil {
			if attempts == 0 {
				n, incrErr := p.attempts.Incr(ctx, d.ID)
				if incrErr != nil {
					logger.Warn().Err(incrErr).Msg("failed to count attempt")
				}
				attempts = n
			}
			if attempts < limit {
				logger.Error().Err(err).Int("attempts", attempts).Msg("failed to dead-letter message, requeueing")
				return queue.Requeue
			}
			logger.Error().Err(err).Int("attempts", attempts).Msg("dead-letter route unavailable, dropping message")
		} else {
			p.observer.DeadLettered()
		}
	}

	if p.opts.FailureRoutingKey != "" && res.req.Correlated() {
		ev := messaging.FailureEvent{ChatID: res.req.ChatID, MessageID: res.req.MessageID, Reason: reason}
		if err := p.publisher.Publish(ctx, p.opts.FailureRoutingKey, ev); err != nil {
			logger.Warn().Err(err).Msg("failed to publish failure event")
		}
	}

	p.setStatus(ctx, res.req, cache.JobStatus{State: cache.StateFailed, Error: reason}, logger)
	p.forget(ctx, d, logger)
	return queue.Drop
}

// alreadyCompleted detects a redelivery of a job whose event was already
// published and returns the link issued for it
func (p *Pipeline) alreadyCompleted(ctx context.Context, req messaging.GenerationRequest, logger zerolog.Logger) (string, bool) {
	if p.status == nil || !req.Correlated() {
		return "", false
	}
	st, ok, err := p.status.GetStatus(ctx, cache.JobKey(req.ChatID, req.MessageID))
	if err != nil {
		logger.Warn().Err(err).Msg("failed to read job status")
		return "", false
	}
	if ok && st.State == cache.StateAcked {
		return st.Link, true
	}
	return "", false
}

func (p *Pipeline) setStatus(ctx context.Context, req messaging.GenerationRequest, st cache.JobStatus, logger zerolog.Logger) {
	if p.status == nil || !req.Correlated() {
		return
	}
	if err := p.status.SetStatus(ctx, cache.JobKey(req.ChatID, req.MessageID), st); err != nil {
		logger.Warn().Err(err).Str("state", st.State).Msg("failed to record job status")
	}
}

func (p *Pipeline) forget(ctx context.Context, d queue.Delivery, logger zerolog.Logger) {
	if err := p.attempts.Reset(ctx, d.ID); err != nil {
		logger.Warn().Err(err).Msg("failed to reset attempts")
	}
}

// classify maps a stage error to a decision: permanent errors drop the
// message, anything else is assumed recoverable.
func classify(err error) queue.Decision {
	switch {
	case errors.Is(err, messaging.ErrPoisonMessage),
		errors.Is(err, messaging.ErrValidation),
		errors.Is(err, synth.ErrEngineContent):
		return queue.Drop
	default:
		return queue.Requeue
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

type nopObserver struct{}

func (nopObserver) JobStarted() {}
func (nopObserver) JobFinished(string) {}
func (nopObserver) ObserveStage(string, time.Duration, error) {}
func (nopObserver) DeadLettered() {}
