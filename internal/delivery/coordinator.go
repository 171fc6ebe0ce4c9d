package delivery

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/driplab/drip/internal/observability"
)

// deepQueueThreshold is the per-chat deferred backlog depth past which the
// coordinator flags the chat as falling behind.
const deepQueueThreshold = 16

// TurnFunc handles one user message as a fresh conversational turn,
// typically by generating a response and submitting it for delivery.
// replyTo is non-empty when the eventual response must be tagged as a reply
// to the interrupting message. The coordinator invokes it from the inbound
// message path, so implementations hand long-running work off to their own
// goroutines.
type TurnFunc func(ctx context.Context, evt InterruptEvent, replyTo string)

// Coordinator routes inbound user messages around in-flight deliveries.
// Under reply-safe policy the active delivery is cancelled (exactly once)
// and the new turn runs immediately; under answer-safe policy the message
// is deferred and replayed, in arrival order, once the delivery ends. No
// message is ever dropped.
type Coordinator struct {
	registry *Registry
	metrics  *observability.Metrics
	logger   *zap.Logger
	handle   TurnFunc

	mu       sync.Mutex
	deferred map[string][]InterruptEvent
	draining map[string]bool
}

func NewCoordinator(registry *Registry, metrics *observability.Metrics, logger *zap.Logger, handle TurnFunc) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		registry: registry,
		metrics:  metrics,
		logger:   logger,
		handle:   handle,
		deferred: make(map[string][]InterruptEvent),
		draining: make(map[string]bool),
	}
}

// QueueDepth reports the deferred backlog for a chat.
func (c *Coordinator) QueueDepth(chatID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.deferred[chatID])
}

// OnInterrupt processes one inbound user message. It blocks only for the
// reply-safe immediate turn; deferred messages are drained on a background
// goroutine per chat.
func (c *Coordinator) OnInterrupt(ctx context.Context, evt InterruptEvent) {
	c.mu.Lock()
	if c.draining[evt.ChatID] {
		// A drain is in progress; enqueue behind the messages already
		// deferred so per-chat arrival order is preserved.
		c.enqueueLocked(evt)
		c.mu.Unlock()
		return
	}

	active, ok := c.registry.Active(evt.ChatID)
	if !ok {
		c.mu.Unlock()
		c.handle(ctx, evt, "")
		return
	}

	switch active.Plan.Policy {
	case ModeReplySafe:
		c.mu.Unlock()
		if active.Cancel("interrupted by user message") {
			c.metrics.DeliveryEvents.WithLabelValues("interrupt_cancel").Inc()
			c.logger.Info("interrupt cancelled active delivery",
				zap.String("chat_id", evt.ChatID),
				zap.String("session_id", active.ID),
				zap.String("message_id", evt.MessageID))
		}
		c.handle(ctx, evt, evt.MessageID)
	default:
		c.enqueueLocked(evt)
		c.draining[evt.ChatID] = true
		c.mu.Unlock()
		c.metrics.DeliveryEvents.WithLabelValues("interrupt_deferred").Inc()
		c.logger.Info("interrupt deferred until delivery completes",
			zap.String("chat_id", evt.ChatID),
			zap.String("session_id", active.ID),
			zap.String("message_id", evt.MessageID))
		go c.drain(ctx, evt.ChatID)
	}
}

func (c *Coordinator) enqueueLocked(evt InterruptEvent) {
	c.deferred[evt.ChatID] = append(c.deferred[evt.ChatID], evt)
	if len(c.deferred[evt.ChatID]) > deepQueueThreshold {
		c.metrics.ObservePacingIndicator("interrupt_queue_deep")
	}
}

// drain replays the deferred backlog for one chat. Each replayed turn may
// itself start a new delivery; the drain waits that delivery out before the
// next message, so replay stays strictly sequential.
func (c *Coordinator) drain(ctx context.Context, chatID string) {
	for {
		if active, ok := c.registry.Active(chatID); ok {
			select {
			case <-active.Done():
			case <-ctx.Done():
				c.abandon(chatID)
				return
			}
		}

		c.mu.Lock()
		queue := c.deferred[chatID]
		if len(queue) == 0 {
			delete(c.deferred, chatID)
			c.draining[chatID] = false
			c.mu.Unlock()
			return
		}
		evt := queue[0]
		c.deferred[chatID] = queue[1:]
		c.mu.Unlock()

		if ctx.Err() != nil {
			c.requeueFront(chatID, evt)
			c.abandon(chatID)
			return
		}
		c.metrics.DeliveryEvents.WithLabelValues("interrupt_replayed").Inc()
		c.handle(ctx, evt, "")
	}
}

func (c *Coordinator) requeueFront(chatID string, evt InterruptEvent) {
	c.mu.Lock()
	c.deferred[chatID] = append([]InterruptEvent{evt}, c.deferred[chatID]...)
	c.mu.Unlock()
}

// abandon logs the backlog lost to shutdown; in-process state does not
// survive a restart.
func (c *Coordinator) abandon(chatID string) {
	c.mu.Lock()
	n := len(c.deferred[chatID])
	c.draining[chatID] = false
	c.mu.Unlock()
	if n > 0 {
		c.logger.Warn("shutdown with deferred interrupts pending",
			zap.String("chat_id", chatID), zap.Int("pending", n))
	}
}
