package pacing

import (
	"context"
	"time"
)

// IndicatorSink is the slice of the platform sink the typing controller
// needs. The controller itself keeps no state beyond its idle interval.
type IndicatorSink interface {
	SetTyping(ctx context.Context, chatID string, typing bool) error
}

// TypingController brackets each chunk release with a composing signal,
// after an optional idle period with the indicator hidden.
type TypingController struct {
	idle time.Duration
}

func NewTypingController(idle time.Duration) *TypingController {
	if idle < 0 {
		idle = 0
	}
	return &TypingController{idle: idle}
}

// Idle is the configured quiet period before the indicator appears.
func (c *TypingController) Idle() time.Duration { return c.idle }

// Show turns the composing signal on. Indicator failures are advisory: the
// error is returned for accounting but must not abort the delivery.
func (c *TypingController) Show(ctx context.Context, sink IndicatorSink, chatID string) error {
	return sink.SetTyping(ctx, chatID, true)
}

// Hide turns the composing signal off.
func (c *TypingController) Hide(ctx context.Context, sink IndicatorSink, chatID string) error {
	return sink.SetTyping(ctx, chatID, false)
}
