package delivery

import (
	"context"
	"time"
)

// ModePolicy governs what an inbound user message does to an in-flight
// delivery for the same chat.
type ModePolicy string

const (
	// ModeReplySafe cancels the active delivery; the next response is
	// tagged as a reply to the interrupting message.
	ModeReplySafe ModePolicy = "reply_safe"
	// ModeAnswerSafe lets the active delivery finish; the new message is
	// queued and processed afterwards as an independent turn.
	ModeAnswerSafe ModePolicy = "answer_safe"
)

// Status is the lifecycle state of a delivery session.
type Status string

const (
	StatusPending     Status = "pending"
	StatusTypingShown Status = "typing_shown"
	StatusSending     Status = "sending"
	StatusCompleted   Status = "completed"
	StatusCancelled   Status = "cancelled"
	StatusFailed      Status = "failed"
)

// Terminal reports whether no further transitions can happen.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusCancelled, StatusFailed:
		return true
	default:
		return false
	}
}

// Chunk is one unit of text released as a single outbound message. Chunks
// of one plan are totally ordered and immutable once built. ReplyTo is set
// only on the first chunk of a reply-tagged plan.
type Chunk struct {
	Index          int
	Text           string
	EstimatedDelay time.Duration
	ReplyTo        string
}

// Plan is the immutable delivery program for one generated response.
type Plan struct {
	ChatID        string
	RequestID     string
	Policy        ModePolicy
	ReplyTo       string
	Chunks        []Chunk
	SplitFellBack bool
}

// Sink is the external platform adapter the scheduler dispatches through.
type Sink interface {
	SendChunk(ctx context.Context, chatID string, chunk Chunk) error
	SetTyping(ctx context.Context, chatID string, typing bool) error
}

// Result is the terminal outcome of a session. DeliveredCount is the number
// of chunks that reached the sink before the session ended, for every
// terminal status, so callers can report partial deliveries.
type Result struct {
	Status         Status
	DeliveredCount int
	Err            error
}

// InterruptEvent is an inbound user message observed while (or between)
// deliveries, produced by the platform feed collaborator.
type InterruptEvent struct {
	ChatID      string
	MessageID   string
	Text        string
	ArrivalTime time.Time
}

// ChatContext is what the mode selector sees about a chat when a response
// is submitted.
type ChatContext struct {
	ChatID            string
	ReplyToMessageID  string
	InterruptionCount int
}
