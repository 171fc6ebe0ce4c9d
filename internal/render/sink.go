package render

import (
	"context"

	"go.uber.org/zap"

	"github.com/driplab/drip/internal/delivery"
)

// Sink decorates a delivery sink with markdown-to-chat-HTML conversion of
// each chunk. A conversion failure is not fatal: the original text is
// forwarded unmodified so the message still reaches the user.
type Sink struct {
	next   delivery.Sink
	conv   *Converter
	logger *zap.Logger
}

func NewSink(next delivery.Sink, logger *zap.Logger) *Sink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sink{next: next, conv: NewConverter(), logger: logger}
}

func (s *Sink) SendChunk(ctx context.Context, chatID string, chunk delivery.Chunk) error {
	html, err := s.conv.ToChatHTML(chunk.Text)
	if err != nil {
		s.logger.Warn("markdown conversion failed, sending raw text",
			zap.String("chat_id", chatID), zap.Int("chunk", chunk.Index), zap.Error(err))
	} else {
		chunk.Text = html
	}
	return s.next.SendChunk(ctx, chatID, chunk)
}

func (s *Sink) SetTyping(ctx context.Context, chatID string, typing bool) error {
	return s.next.SetTyping(ctx, chatID, typing)
}
