// Package ingest runs the consume, handle, commit cycle for the routing and
// worker status topics.
//
// Offsets are committed only once a message has been fully handled or
// deliberately set aside (archived as poison or dead-lettered), so a crash at
// any point leads to redelivery rather than loss. Handlers are idempotent.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ILLUVRSE/contact-center/routing/internal/apperr"
	"github.com/ILLUVRSE/contact-center/routing/internal/archive"
	"github.com/ILLUVRSE/contact-center/routing/internal/events"
	"github.com/ILLUVRSE/contact-center/routing/internal/metrics"
)

type Consumer interface {
	Fetch(ctx context.Context) (events.Message, error)
	Commit(ctx context.Context, msg events.Message) error
	Close() error
}

// Handler processes one message. The kind of the returned error (see apperr)
// decides what the loop does with the offset.
type Handler interface {
	Handle(ctx context.Context, msg events.Message) error
}

// Exhauster is implemented by handlers that need to act when a message still
// reports NotAvailable or Conflict after the last attempt. The message is
// committed only after Exhausted succeeds.
type Exhauster interface {
	Exhausted(ctx context.Context, msg events.Message, attempts int, cause error) error
}

type Config struct {
	// Name labels logs and metrics, e.g. "router".
	Name string

	// MaxAttempts bounds retries of NotAvailable/Conflict outcomes. Defaults to 3.
	MaxAttempts int

	RetryBackoff    time.Duration
	RetryBackoffMax time.Duration

	// HandlerTimeout bounds one handler call. Defaults to 30s.
	HandlerTimeout time.Duration
}

type Loop struct {
	consumer Consumer
	handler  Handler
	archiver archive.Archiver
	cfg      Config
	logger   *slog.Logger
	metrics  *metrics.Metrics
	sleep    func(ctx context.Context, d time.Duration) error
}

func NewLoop(c Consumer, h Handler, a archive.Archiver, cfg Config, logger *slog.Logger, m *metrics.Metrics) *Loop {
	if cfg.Name == "" {
		cfg.Name = "ingest"
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 200 * time.Millisecond
	}
	if cfg.RetryBackoffMax <= 0 {
		cfg.RetryBackoffMax = 5 * time.Second
	}
	if cfg.HandlerTimeout <= 0 {
		cfg.HandlerTimeout = 30 * time.Second
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if a == nil {
		a = archive.NewLogArchiver(logger)
	}
	return &Loop{
		consumer: c,
		handler:  h,
		archiver: a,
		cfg:      cfg,
		logger:   logger.With("component", "ingest", "ingestor", cfg.Name),
		metrics:  m,
		sleep:    sleepCtx,
	}
}

// Run polls and processes messages one at a time until ctx is cancelled. A
// message in flight when ctx is cancelled is finished and committed first.
// Run returns a non-nil error only for Fatal handler outcomes. The consumer is
// closed before Run returns.
func (l *Loop) Run(ctx context.Context) error {
	defer func() {
		if err := l.consumer.Close(); err != nil {
			l.logger.Warn("close consumer", "error", err)
		}
	}()
	l.logger.Info("ingestor started")

	var fetchDelay time.Duration
	for {
		if ctx.Err() != nil {
			l.logger.Info("ingestor stopping")
			return nil
		}
		msg, err := l.consumer.Fetch(ctx)
		if err != nil {
			if errors.Is(err, events.ErrPollTimeout) {
				continue
			}
			if ctx.Err() != nil {
				continue
			}
			fetchDelay = jitterBackoff(fetchDelay, l.cfg.RetryBackoff, l.cfg.RetryBackoffMax)
			l.logger.Warn("fetch failed", "error", err, "retry_in", fetchDelay)
			_ = l.sleep(ctx, fetchDelay)
			continue
		}
		fetchDelay = 0

		if err := l.process(ctx, msg); err != nil {
			return err
		}
	}
}

func (l *Loop) process(ctx context.Context, msg events.Message) error {
	// Handling and committing are detached from shutdown; only the waits
	// between retries observe ctx.
	work := context.WithoutCancel(ctx)
	log := l.logger.With("topic", msg.Topic, "partition", msg.Partition, "offset", msg.Offset)

	var delay time.Duration
	for attempt := 1; ; attempt++ {
		err := l.handle(work, msg)
		kind := apperr.KindOf(err)
		switch kind {
		case apperr.KindNone:
			l.commit(work, log, msg, "processed")
			return nil

		case apperr.KindPoison:
			log.Warn("poison message", "error", err)
			if aerr := l.archiver.Archive(work, archive.Record{Ingestor: l.cfg.Name, Message: msg, Reason: err.Error()}); aerr != nil {
				log.Error("archive poison message failed", "error", aerr)
			}
			l.commit(work, log, msg, "poison")
			return nil

		case apperr.KindFatal:
			log.Error("fatal handler error", "error", err)
			l.metrics.IngestResult(l.cfg.Name, "fatal")
			return fmt.Errorf("%s ingestor: %w", l.cfg.Name, err)

		case apperr.KindNotAvailable, apperr.KindConflict:
			if attempt >= l.cfg.MaxAttempts {
				if !l.exhaust(ctx, work, log, msg, attempt, err) {
					return nil
				}
				l.commit(work, log, msg, "exhausted")
				return nil
			}
		}

		delay = jitterBackoff(delay, l.cfg.RetryBackoff, l.cfg.RetryBackoffMax)
		log.Info("retrying message", "attempt", attempt, "kind", kind.String(), "error", err, "retry_in", delay)
		l.metrics.IngestResult(l.cfg.Name, "retry")
		if l.sleep(ctx, delay) != nil {
			// Left uncommitted; it is redelivered after restart.
			log.Info("shutdown during retry, message not committed")
			return nil
		}
	}
}

func (l *Loop) handle(ctx context.Context, msg events.Message) error {
	hctx, cancel := context.WithTimeout(ctx, l.cfg.HandlerTimeout)
	defer cancel()
	return l.handler.Handle(hctx, msg)
}

// exhaust runs the handler's Exhausted hook until it succeeds. It reports
// false if shutdown interrupted it.
func (l *Loop) exhaust(ctx, work context.Context, log *slog.Logger, msg events.Message, attempts int, cause error) bool {
	ex, ok := l.handler.(Exhauster)
	if !ok {
		log.Warn("giving up on message", "attempts", attempts, "error", cause)
		return true
	}
	var delay time.Duration
	for {
		hctx, cancel := context.WithTimeout(work, l.cfg.HandlerTimeout)
		err := ex.Exhausted(hctx, msg, attempts, cause)
		cancel()
		if err == nil {
			log.Warn("message dead-lettered", "attempts", attempts, "error", cause)
			return true
		}
		delay = jitterBackoff(delay, l.cfg.RetryBackoff, l.cfg.RetryBackoffMax)
		log.Error("dead-letter failed", "error", err, "retry_in", delay)
		if l.sleep(ctx, delay) != nil {
			return false
		}
	}
}

func (l *Loop) commit(ctx context.Context, log *slog.Logger, msg events.Message, result string) {
	if err := l.consumer.Commit(ctx, msg); err != nil {
		log.Error("commit failed", "error", err)
		l.metrics.IngestResult(l.cfg.Name, "commit_failed")
		return
	}
	l.metrics.IngestResult(l.cfg.Name, result)
}
