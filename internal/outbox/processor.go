package outbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/jcmexdev/saga-outbox/internal/retry"
)

const tracerName = "github.com/jcmexdev/saga-outbox/internal/outbox"

// Result counts the outcome of one ProcessOnce call.
type Result struct {
	Fetched           int
	Attempted         int
	Skipped           int
	Published         int
	Failed            int
	StateUpdateFailed int
}

// Processor drains one batch of pending entries per call.
type Processor struct {
	owner   string
	repo    Repository
	pub     Publisher
	cfg     Config
	policy  retry.Policy
	logger  *slog.Logger
	tracer  trace.Tracer
	sleep   retry.Sleeper
	metrics processorMetrics

	meterProvider metric.MeterProvider
}

// ProcessorOption configures a Processor.
type ProcessorOption func(*Processor)

func WithLogger(logger *slog.Logger) ProcessorOption {
	return func(p *Processor) {
		if logger != nil {
			p.logger = logger
		}
	}
}

func WithTracer(tracer trace.Tracer) ProcessorOption {
	return func(p *Processor) {
		if tracer != nil {
			p.tracer = tracer
		}
	}
}

func WithMeterProvider(provider metric.MeterProvider) ProcessorOption {
	return func(p *Processor) { p.meterProvider = provider }
}

// WithOwner sets the claim owner this processor writes on MarkProcessing.
// Every processor sharing a repository needs a distinct owner.
func WithOwner(owner string) ProcessorOption {
	return func(p *Processor) {
		if owner != "" {
			p.owner = owner
		}
	}
}

// WithSleeper replaces the backoff wait, mostly for tests.
func WithSleeper(sleep retry.Sleeper) ProcessorOption {
	return func(p *Processor) {
		if sleep != nil {
			p.sleep = sleep
		}
	}
}

func NewProcessor(repo Repository, pub Publisher, cfg Config, opts ...ProcessorOption) (*Processor, error) {
	if repo == nil {
		return nil, ErrRepositoryRequired
	}
	if pub == nil {
		return nil, ErrPublisherRequired
	}

	cfg = cfg.Normalize()
	p := &Processor{
		owner:  uuid.NewString(),
		repo:   repo,
		pub:    pub,
		cfg:    cfg,
		policy: cfg.RetryPolicy(),
		logger: slog.Default(),
		tracer: otel.Tracer(tracerName),
		sleep:  retry.Sleep,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	p.logger = p.logger.With("component", "outbox.processor", "owner", p.owner)

	m, err := newProcessorMetrics(p.meterProvider)
	if err != nil {
		return nil, fmt.Errorf("outbox: init metrics: %w", err)
	}
	p.metrics = m
	return p, nil
}

func (p *Processor) Config() Config { return p.cfg }

// Owner is the claim owner this processor writes.
func (p *Processor) Owner() string { return p.owner }

// ProcessOnce fetches pending entries and publishes up to BatchSize of them
// in the order storage returned them. Cancellation is observed between
// entries. Errors never escape: they end up in entry state and logs.
func (p *Processor) ProcessOnce(ctx context.Context) Result {
	start := time.Now()
	ctx, span := p.tracer.Start(ctx, "outbox.process_once")
	defer span.End()

	var res Result
	defer func() {
		p.metrics.record(ctx, res, time.Since(start).Seconds())
		span.SetAttributes(
			attribute.Int("outbox.fetched", res.Fetched),
			attribute.Int("outbox.published", res.Published),
			attribute.Int("outbox.failed", res.Failed),
		)
	}()

	entries, err := p.repo.GetPending(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "get pending")
		p.logger.ErrorContext(ctx, "failed to fetch pending outbox entries", "error", err)
		return res
	}
	res.Fetched = len(entries)
	if len(entries) == 0 {
		return res
	}

	if len(entries) > p.cfg.BatchSize {
		entries = entries[:p.cfg.BatchSize]
	}

	for _, entry := range entries {
		if ctx.Err() != nil {
			p.logger.InfoContext(ctx, "outbox processing cancelled", "remaining", len(entries)-res.Attempted-res.Skipped)
			break
		}
		if entry == nil {
			continue
		}

		if entry.AttemptCount >= p.cfg.MaxRetryAttempts {
			if entry.Status == StatusProcessing && p.failAbandoned(ctx, entry) {
				res.Failed++
				continue
			}
			p.logger.DebugContext(ctx, "skipping exhausted outbox entry",
				"idempotency_key", entry.IdempotencyKey, "attempt_count", entry.AttemptCount)
			res.Skipped++
			continue
		}

		switch p.processEntry(ctx, entry) {
		case entryPublished:
			res.Attempted++
			res.Published++
		case entryStateUpdateFailed:
			res.Attempted++
			res.Published++
			res.StateUpdateFailed++
		case entryFailed:
			res.Attempted++
			res.Failed++
		case entrySkipped:
			res.Skipped++
		}
	}

	if res.Published > 0 || res.Failed > 0 {
		p.logger.InfoContext(ctx, "outbox batch processed",
			"fetched", res.Fetched, "published", res.Published, "failed", res.Failed, "skipped", res.Skipped)
	}
	return res
}

type entryOutcome int

const (
	entryPublished entryOutcome = iota
	entryStateUpdateFailed
	entryFailed
	entrySkipped
)

func (p *Processor) processEntry(ctx context.Context, entry *Entry) (outcome entryOutcome) {
	key := entry.IdempotencyKey
	logger := p.logger.With("idempotency_key", key, "message_type", entry.MessageType, "correlation_id", entry.CorrelationID)

	// State marks outlive a cancelled batch so the entry never stays claimed.
	markCtx := context.WithoutCancel(ctx)

	defer func() {
		if r := recover(); r != nil {
			logger.ErrorContext(ctx, "outbox entry processing panicked", "panic", r)
			p.markFailed(markCtx, logger, key, fmt.Sprintf("panic: %v", r))
			outcome = entryFailed
		}
	}()

	claimed := false
	err := p.policy.DoWith(ctx, p.sleep, func(ctx context.Context, attempt int) error {
		if err := p.repo.MarkProcessing(ctx, key, p.owner); err != nil {
			return fmt.Errorf("claim: %w", err)
		}
		claimed = true

		if err := p.publish(ctx, entry, attempt); err != nil {
			logger.WarnContext(ctx, "outbox publish attempt failed", "attempt", attempt, "error", err)
			return err
		}
		return nil
	})

	if err == nil {
		if merr := p.repo.MarkPublished(markCtx, key, p.cfg.PublishedTTLSeconds); merr != nil {
			logger.ErrorContext(ctx, "outbox entry published but failed to persist PUBLISHED state; entry may be republished",
				"error", merr)
			return entryStateUpdateFailed
		}
		return entryPublished
	}

	if errors.Is(err, ErrNotClaimable) {
		if claimed {
			logger.WarnContext(ctx, "outbox entry claim lease lost to another processor", "error", err)
		} else {
			logger.DebugContext(ctx, "outbox entry claimed elsewhere, skipping")
		}
		return entrySkipped
	}

	logger.ErrorContext(ctx, "outbox entry exhausted publish attempts", "error", err)
	p.markFailed(markCtx, logger, key, err.Error())
	return entryFailed
}

// failAbandoned closes out an exhausted entry whose holder died while it
// was Processing: the lapsed claim is taken over and the entry marked
// Failed so it stops showing up as in flight. It reports whether the entry
// was marked.
func (p *Processor) failAbandoned(ctx context.Context, entry *Entry) bool {
	key := entry.IdempotencyKey
	logger := p.logger.With("idempotency_key", key, "previous_owner", entry.ClaimedBy)
	markCtx := context.WithoutCancel(ctx)

	if err := p.repo.MarkProcessing(markCtx, key, p.owner); err != nil {
		logger.DebugContext(ctx, "abandoned outbox entry not claimable", "error", err)
		return false
	}
	logger.WarnContext(ctx, "outbox entry abandoned after exhausting attempts", "attempt_count", entry.AttemptCount)
	p.markFailed(markCtx, logger, key, fmt.Sprintf("claim by %s expired after %d attempts", entry.ClaimedBy, entry.AttemptCount))
	return true
}

func (p *Processor) publish(ctx context.Context, entry *Entry, attempt int) error {
	ctx, span := p.tracer.Start(ctx, "outbox.publish", trace.WithAttributes(
		attribute.String("outbox.idempotency_key", entry.IdempotencyKey),
		attribute.String("outbox.message_type", entry.MessageType),
		attribute.Int("outbox.attempt", attempt),
	))
	defer span.End()

	if err := p.pub.Publish(ctx, entry); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return nil
}

func (p *Processor) markFailed(ctx context.Context, logger *slog.Logger, key, errText string) {
	if err := p.repo.MarkFailed(ctx, key, errText); err != nil {
		logger.ErrorContext(ctx, "failed to mark outbox entry failed", "error", err)
	}
}
