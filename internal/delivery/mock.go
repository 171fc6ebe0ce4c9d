package delivery

import (
	"context"
	"sync"
	"time"
)

// SentChunk is one successful dispatch recorded by CapturingSink.
type SentChunk struct {
	ChatID string
	Chunk  Chunk
	At     time.Time
}

// TypingChange is one typing indicator transition recorded by CapturingSink.
type TypingChange struct {
	ChatID string
	Typing bool
	At     time.Time
}

// CapturingSink is an in-memory Sink used by tests and by the service's
// mock platform mode. Failures can be scripted per chunk index; each
// scripted error is consumed by one attempt, so a chunk can fail twice and
// then succeed.
type CapturingSink struct {
	mu        sync.Mutex
	sent      []SentChunk
	typing    []TypingChange
	failures  map[int][]error
	typingErr error
}

func NewCapturingSink() *CapturingSink {
	return &CapturingSink{failures: make(map[int][]error)}
}

// FailChunk scripts errs to be returned, in order, by successive send
// attempts for the chunk at index.
func (s *CapturingSink) FailChunk(index int, errs ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[index] = append(s.failures[index], errs...)
}

// FailTyping makes every SetTyping call return err until reset with nil.
func (s *CapturingSink) FailTyping(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.typingErr = err
}

func (s *CapturingSink) SendChunk(ctx context.Context, chatID string, chunk Chunk) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if queued := s.failures[chunk.Index]; len(queued) > 0 {
		err := queued[0]
		s.failures[chunk.Index] = queued[1:]
		return err
	}
	s.sent = append(s.sent, SentChunk{ChatID: chatID, Chunk: chunk, At: time.Now()})
	return nil
}

func (s *CapturingSink) SetTyping(ctx context.Context, chatID string, typing bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.typingErr != nil {
		return s.typingErr
	}
	s.typing = append(s.typing, TypingChange{ChatID: chatID, Typing: typing, At: time.Now()})
	return nil
}

// Sent returns a copy of the successful dispatches in order.
func (s *CapturingSink) Sent() []SentChunk {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]SentChunk, len(s.sent))
	copy(out, s.sent)
	return out
}

// Typing returns a copy of the indicator transitions in order.
func (s *CapturingSink) Typing() []TypingChange {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]TypingChange, len(s.typing))
	copy(out, s.typing)
	return out
}
