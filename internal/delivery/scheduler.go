package delivery

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/driplab/drip/internal/observability"
	"github.com/driplab/drip/internal/pacing"
	"github.com/driplab/drip/internal/reliability"
)

// SchedulerConfig tunes per-chunk timing and the retry budget.
type SchedulerConfig struct {
	// FirstMessageDelay is added before the first chunk only, so the
	// response does not land instantly after the user finishes typing.
	FirstMessageDelay time.Duration
	RetryCount        int
	RetryBackoffBase  time.Duration
	RetryBackoffCap   time.Duration
	DispatchTimeout   time.Duration
}

func (c SchedulerConfig) withDefaults() SchedulerConfig {
	if c.RetryCount < 0 {
		c.RetryCount = 0
	}
	if c.RetryBackoffBase <= 0 {
		c.RetryBackoffBase = 200 * time.Millisecond
	}
	if c.RetryBackoffCap <= 0 {
		c.RetryBackoffCap = 5 * time.Second
	}
	if c.DispatchTimeout <= 0 {
		c.DispatchTimeout = 10 * time.Second
	}
	return c
}

// Scheduler walks a plan chunk by chunk: idle, show typing, wait the
// estimated delay, dispatch, repeat. Cancellation is honored only between
// chunks; a chunk that began dispatching always finishes or fails whole.
type Scheduler struct {
	registry *Registry
	sink     Sink
	typing   *pacing.TypingController
	metrics  *observability.Metrics
	logger   *zap.Logger
	cfg      SchedulerConfig
}

func NewScheduler(registry *Registry, sink Sink, typing *pacing.TypingController, metrics *observability.Metrics, logger *zap.Logger, cfg SchedulerConfig) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		registry: registry,
		sink:     sink,
		typing:   typing,
		metrics:  metrics,
		logger:   logger,
		cfg:      cfg.withDefaults(),
	}
}

// Start registers a session for the plan and begins releasing chunks in the
// background. Under reply-safe policy an active session for the chat is
// cancelled first and Start waits for it to reach a terminal status; under
// answer-safe policy a busy chat rejects the submission with ErrChatBusy.
func (s *Scheduler) Start(ctx context.Context, plan Plan) (*Session, error) {
	if plan.Policy == ModeReplySafe {
		if cur, ok := s.registry.Active(plan.ChatID); ok {
			if cur.Cancel("superseded by reply-safe submission") {
				s.logger.Info("cancelling active delivery",
					zap.String("chat_id", plan.ChatID),
					zap.String("session_id", cur.ID))
			}
			select {
			case <-cur.Done():
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}

	sess := newSession(plan)
	if err := s.registry.Begin(sess); err != nil {
		return nil, err
	}

	s.metrics.ActiveDeliveries.Inc()
	s.metrics.DeliveryEvents.WithLabelValues("started").Inc()
	s.logger.Info("delivery started",
		zap.String("chat_id", plan.ChatID),
		zap.String("session_id", sess.ID),
		zap.String("request_id", plan.RequestID),
		zap.String("policy", string(plan.Policy)),
		zap.Int("chunks", len(plan.Chunks)))

	go s.run(ctx, sess)
	return sess, nil
}

func (s *Scheduler) run(ctx context.Context, sess *Session) {
	var lastSent time.Time
	for i, chunk := range sess.Plan.Chunks {
		if s.interrupted(ctx, sess) {
			s.terminate(sess, StatusCancelled, nil)
			return
		}

		idle := s.typing.Idle()
		if i == 0 {
			idle += s.cfg.FirstMessageDelay
		}
		if !s.wait(ctx, sess, idle) {
			s.terminate(sess, StatusCancelled, nil)
			return
		}

		sess.setStatus(StatusTypingShown)
		if err := s.typing.Show(ctx, s.sink, sess.Plan.ChatID); err != nil {
			// Indicator failures never abort the delivery.
			s.metrics.DeliveryEvents.WithLabelValues("typing_error").Inc()
			s.logger.Warn("typing indicator failed",
				zap.String("chat_id", sess.Plan.ChatID), zap.Error(err))
		}
		if i == 0 {
			s.metrics.ObservePacingStage("submit_to_first_typing", time.Since(sess.StartedAt))
		}

		if !s.wait(ctx, sess, chunk.EstimatedDelay) {
			s.hideTyping(ctx, sess)
			s.terminate(sess, StatusCancelled, nil)
			return
		}

		sess.setStatus(StatusSending)
		dispatchStart := time.Now()
		err := s.dispatch(ctx, sess, chunk)
		s.metrics.ObservePacingStage("dispatch_attempt", time.Since(dispatchStart))
		s.hideTyping(ctx, sess)
		if err != nil {
			s.terminate(sess, StatusFailed, err)
			return
		}

		now := time.Now()
		if !lastSent.IsZero() {
			s.metrics.ObserveInterChunkGap(now.Sub(lastSent))
		}
		lastSent = now
		s.metrics.ChunksDelivered.Inc()
		sess.advance(i)
	}
	s.terminate(sess, StatusCompleted, nil)
}

// dispatch sends one chunk with the configured retry budget. Transient
// failures are retried with capped exponential backoff; a permanent failure
// or an exhausted budget fails the session. The session cancel flag is
// deliberately not consulted here: once a chunk began sending it runs to a
// verdict.
func (s *Scheduler) dispatch(ctx context.Context, sess *Session, chunk Chunk) error {
	var lastErr error
	for attempt := 0; attempt <= s.cfg.RetryCount; attempt++ {
		if attempt > 0 {
			backoff := reliability.ExponentialBackoff(attempt-1, s.cfg.RetryBackoffBase, s.cfg.RetryBackoffCap)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
			s.metrics.DispatchRetries.Inc()
		}

		attemptCtx, cancel := context.WithTimeout(ctx, s.cfg.DispatchTimeout)
		err := s.sink.SendChunk(attemptCtx, sess.Plan.ChatID, chunk)
		cancel()
		if err == nil {
			return nil
		}
		lastErr = err

		kind := reliability.Classify(err)
		s.metrics.DispatchErrors.WithLabelValues(kind.String()).Inc()
		s.logger.Warn("chunk dispatch failed",
			zap.String("chat_id", sess.Plan.ChatID),
			zap.String("session_id", sess.ID),
			zap.Int("chunk", chunk.Index),
			zap.Int("attempt", attempt),
			zap.String("kind", kind.String()),
			zap.Error(err))
		if kind == reliability.KindPermanent {
			break
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return fmt.Errorf("dispatch chunk %d: %w", chunk.Index, lastErr)
}

// wait sleeps for d unless the session is cancelled or the context ends
// first, returning false in those cases. A non-positive d only runs the
// cancellation check.
func (s *Scheduler) wait(ctx context.Context, sess *Session, d time.Duration) bool {
	if d <= 0 {
		return !s.interrupted(ctx, sess)
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-sess.Cancelled():
		return false
	case <-ctx.Done():
		return false
	}
}

func (s *Scheduler) interrupted(ctx context.Context, sess *Session) bool {
	return sess.cancelRequested() || ctx.Err() != nil
}

func (s *Scheduler) hideTyping(ctx context.Context, sess *Session) {
	if err := s.typing.Hide(ctx, s.sink, sess.Plan.ChatID); err != nil {
		s.logger.Debug("typing hide failed",
			zap.String("chat_id", sess.Plan.ChatID), zap.Error(err))
	}
}

// terminate releases the chat before closing Done, so a superseding
// submission waiting on Done never races the registry slot.
func (s *Scheduler) terminate(sess *Session, st Status, err error) {
	s.registry.Finish(sess.Plan.ChatID, sess.ID)
	s.metrics.ActiveDeliveries.Dec()
	sess.finish(st, err)
	res := sess.Result()
	s.metrics.DeliveryEvents.WithLabelValues(string(st)).Inc()
	if st == StatusCancelled {
		if lat := sess.cancelLatency(); lat > 0 {
			s.metrics.ObservePacingStage("cancel_to_terminal", lat)
		}
	}
	log := s.logger.Info
	if st == StatusFailed {
		log = s.logger.Error
	}
	fields := []zap.Field{
		zap.String("chat_id", sess.Plan.ChatID),
		zap.String("session_id", sess.ID),
		zap.String("status", string(st)),
		zap.Int("delivered", res.DeliveredCount),
		zap.Int("total", len(sess.Plan.Chunks)),
		zap.Error(err),
	}
	if reason := sess.CancelReason(); reason != "" {
		fields = append(fields, zap.String("cancel_reason", reason))
	}
	log("delivery finished", fields...)
}
