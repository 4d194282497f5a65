// Package worker runs the periodic update loops and consumes trigger
// messages from the task queue.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"time"

	"github.com/segmentio/kafka-go"

	"token-price-tracker/internal/scheduler"
	"token-price-tracker/internal/transform"
)

// Trigger types accepted on the queue.
const (
	TriggerRunPass     = "run_pass"
	TriggerDrainBuffer = "drain_buffer"
	// TriggerUpdateTokens is the legacy name for run_pass kept for old
	// producers.
	TriggerUpdateTokens = "update_tokens"
	TriggerClassifyAll  = "classify_all"
	TriggerBulkRecover  = "bulk_recover"
)

// ErrUnknownTrigger marks a trigger type no handler exists for. Like a
// malformed payload it never becomes valid, so the consumer acks and
// drops it instead of retrying.
var ErrUnknownTrigger = errors.New("unknown trigger type")

// Retry pacing for a trigger whose handler keeps failing. Offset
// commits are watermarks, so the consumer retries in place rather than
// skipping ahead and silently dropping the message.
const (
	defaultRetryBase = time.Second
	maxRetryDelay    = time.Minute
)

// Trigger is one queued unit of work. Handlers are idempotent, so a
// redelivered trigger is safe.
type Trigger struct {
	Type        string `json:"type"`
	BatchSize   int    `json:"batch_size,omitempty"`
	MinFailures int    `json:"min_failures,omitempty"`
	Chain       string `json:"chain,omitempty"`
}

// Passer runs update passes and reclassification.
type Passer interface {
	RunPass(ctx context.Context, nowMs int64) (scheduler.PassStats, error)
	ReclassifyAll(ctx context.Context, nowMs int64) (int, error)
}

// Drainer drains the snapshot buffer.
type Drainer interface {
	Drain(ctx context.Context, batchSize int) (transform.DrainStats, error)
}

// Recoverer bulk-recovers failing tokens.
type Recoverer interface {
	BulkRecover(ctx context.Context, minFailures int, chain string) (int, error)
}

// Config holds the worker loop settings.
type Config struct {
	PassInterval     time.Duration
	DrainInterval    time.Duration
	RecoveryInterval time.Duration
	DrainBatchSize   int
	MinFailures      int
}

// Worker ties the scheduler, transformer and recovery service to the
// trigger sources.
type Worker struct {
	sched     Passer
	drainer   Drainer
	recovery  Recoverer
	cfg       Config
	reader    *kafka.Reader
	logger    *log.Logger
	retryBase time.Duration
}

// Option configures Worker.
type Option func(*Worker)

// WithKafkaReader attaches a queue consumer. Without one the worker
// runs on its internal tickers only.
func WithKafkaReader(r *kafka.Reader) Option {
	return func(w *Worker) {
		w.reader = r
	}
}

// WithLogger sets the worker logger.
func WithLogger(l *log.Logger) Option {
	return func(w *Worker) {
		w.logger = l
	}
}

// NewKafkaReader builds a reader with the settings the worker expects.
func NewKafkaReader(brokers []string, topic, groupID string) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:     brokers,
		Topic:       topic,
		GroupID:     groupID,
		MinBytes:    1,
		MaxBytes:    1e6,
		MaxWait:     time.Second,
		StartOffset: kafka.LastOffset,
	})
}

// New creates a Worker.
func New(sched Passer, drainer Drainer, recovery Recoverer, cfg Config, opts ...Option) *Worker {
	if cfg.PassInterval <= 0 {
		cfg.PassInterval = 60 * time.Second
	}
	if cfg.DrainInterval <= 0 {
		cfg.DrainInterval = 30 * time.Second
	}
	if cfg.RecoveryInterval <= 0 {
		cfg.RecoveryInterval = 10 * time.Minute
	}
	if cfg.DrainBatchSize <= 0 {
		cfg.DrainBatchSize = transform.DefaultBatchSize
	}
	if cfg.MinFailures <= 0 {
		cfg.MinFailures = 10
	}

	w := &Worker{
		sched:     sched,
		drainer:   drainer,
		recovery:  recovery,
		cfg:       cfg,
		logger:    log.New(io.Discard, "", 0),
		retryBase: defaultRetryBase,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run blocks until ctx is done. With a queue reader attached, triggers
// come from the queue; otherwise the internal tickers fire them.
func (w *Worker) Run(ctx context.Context) error {
	if w.reader != nil {
		return w.consumeLoop(ctx)
	}
	return w.tickerLoop(ctx)
}

func (w *Worker) tickerLoop(ctx context.Context) error {
	pass := time.NewTicker(w.cfg.PassInterval)
	drain := time.NewTicker(w.cfg.DrainInterval)
	recover := time.NewTicker(w.cfg.RecoveryInterval)
	defer pass.Stop()
	defer drain.Stop()
	defer recover.Stop()

	w.logger.Printf("[worker] ticker loop: pass=%s drain=%s recovery=%s",
		w.cfg.PassInterval, w.cfg.DrainInterval, w.cfg.RecoveryInterval)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-pass.C:
			if err := w.Handle(ctx, Trigger{Type: TriggerRunPass}); err != nil {
				w.logger.Printf("[worker] pass: %v", err)
			}
		case <-drain.C:
			if err := w.Handle(ctx, Trigger{Type: TriggerDrainBuffer}); err != nil {
				w.logger.Printf("[worker] drain: %v", err)
			}
		case <-recover.C:
			if err := w.Handle(ctx, Trigger{Type: TriggerBulkRecover}); err != nil {
				w.logger.Printf("[worker] recovery: %v", err)
			}
		}
	}
}

func (w *Worker) consumeLoop(ctx context.Context) error {
	defer w.reader.Close()
	w.logger.Printf("[worker] consuming triggers from %s", w.reader.Config().Topic)

	for {
		msg, err := w.reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return ctx.Err()
			}
			w.logger.Printf("[worker] fetch message: %v", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
			}
			continue
		}

		var trig Trigger
		if err := json.Unmarshal(msg.Value, &trig); err != nil {
			// A malformed trigger never becomes valid; ack and drop it.
			w.logger.Printf("[worker] malformed trigger at offset %d: %v", msg.Offset, err)
			if err := w.reader.CommitMessages(ctx, msg); err != nil {
				w.logger.Printf("[worker] commit: %v", err)
			}
			continue
		}

		if err := w.handleWithRetry(ctx, trig); err != nil {
			if errors.Is(err, ctx.Err()) {
				return ctx.Err()
			}
			// Never valid; ack and drop like a malformed payload.
			w.logger.Printf("[worker] dropping trigger at offset %d: %v", msg.Offset, err)
		}
		if err := w.reader.CommitMessages(ctx, msg); err != nil {
			w.logger.Printf("[worker] commit: %v", err)
		}
	}
}

// handleWithRetry runs one trigger until it succeeds, backing off
// between attempts. Committing the next message would also commit this
// one, so a failing trigger blocks the partition instead of being
// lost. Unknown trigger types and context cancellation return the
// error to the caller.
func (w *Worker) handleWithRetry(ctx context.Context, trig Trigger) error {
	delay := w.retryBase
	for attempt := 1; ; attempt++ {
		err := w.Handle(ctx, trig)
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrUnknownTrigger) {
			return err
		}
		w.logger.Printf("[worker] trigger %s attempt %d: %v", trig.Type, attempt, err)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if delay > maxRetryDelay {
			delay = maxRetryDelay
		}
	}
}

// Handle dispatches one trigger.
func (w *Worker) Handle(ctx context.Context, trig Trigger) error {
	nowMs := time.Now().UnixMilli()

	switch trig.Type {
	case TriggerRunPass, TriggerUpdateTokens:
		_, err := w.sched.RunPass(ctx, nowMs)
		return err
	case TriggerDrainBuffer:
		batch := trig.BatchSize
		if batch <= 0 {
			batch = w.cfg.DrainBatchSize
		}
		_, err := w.drainer.Drain(ctx, batch)
		return err
	case TriggerClassifyAll:
		_, err := w.sched.ReclassifyAll(ctx, nowMs)
		return err
	case TriggerBulkRecover:
		min := trig.MinFailures
		if min <= 0 {
			min = w.cfg.MinFailures
		}
		_, err := w.recovery.BulkRecover(ctx, min, trig.Chain)
		return err
	default:
		return fmt.Errorf("%w: %q", ErrUnknownTrigger, trig.Type)
	}
}
