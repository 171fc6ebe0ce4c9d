package httpapi

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/driplab/drip/internal/delivery"
	"github.com/driplab/drip/internal/observability"
	"github.com/driplab/drip/internal/protocol"
	"github.com/driplab/drip/internal/reliability"
)

var (
	errNoAdapter       = errors.New("no platform adapter connected")
	errOutboundFull    = errors.New("bridge outbound queue full")
	errAdapterDetached = errors.New("platform adapter disconnected mid-dispatch")
	errChunkRejected   = errors.New("adapter rejected chunk")
)

// BridgeHub owns the websocket to the platform adapter and exposes it as a
// delivery sink. One adapter connection is active at a time; a new
// connection replaces the old one. Chunk dispatches block until the adapter
// acknowledges with a dispatch_result frame or the context expires.
type BridgeHub struct {
	logger  *zap.Logger
	metrics *observability.Metrics

	// onUserMessage receives inbound chat messages; wired to the
	// interrupt coordinator.
	onUserMessage func(context.Context, delivery.InterruptEvent)

	mu      sync.Mutex
	conn    *bridgeConn
	waiters map[ackKey]chan protocol.DispatchResult
}

type ackKey struct {
	chatID string
	seq    int
}

type bridgeConn struct {
	ws       *websocket.Conn
	outbound chan any
	done     chan struct{}
}

func NewBridgeHub(metrics *observability.Metrics, logger *zap.Logger) *BridgeHub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BridgeHub{
		logger:  logger,
		metrics: metrics,
		waiters: make(map[ackKey]chan protocol.DispatchResult),
	}
}

// SetUserMessageHandler wires inbound user messages; must be called before
// the first adapter connects.
func (h *BridgeHub) SetUserMessageHandler(fn func(context.Context, delivery.InterruptEvent)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onUserMessage = fn
}

// Connected reports whether an adapter is currently attached.
func (h *BridgeHub) Connected() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.conn != nil
}

// SendChunk implements delivery.Sink. Errors are tagged for the retry
// classifier: adapter absence and queue pressure are transient, an
// explicit non-retryable rejection is permanent.
func (h *BridgeHub) SendChunk(ctx context.Context, chatID string, chunk delivery.Chunk) error {
	frame := protocol.ChunkDelivery{
		Type:    protocol.TypeChunkDelivery,
		ChatID:  chatID,
		Seq:     chunk.Index,
		Text:    chunk.Text,
		ReplyTo: chunk.ReplyTo,
	}

	key := ackKey{chatID: chatID, seq: chunk.Index}
	ack := make(chan protocol.DispatchResult, 1)

	h.mu.Lock()
	conn := h.conn
	if conn == nil {
		h.mu.Unlock()
		return &reliability.TransientError{Err: errNoAdapter}
	}
	h.waiters[key] = ack
	h.mu.Unlock()
	defer h.dropWaiter(key)

	select {
	case conn.outbound <- frame:
	default:
		return &reliability.TransientError{Err: errOutboundFull}
	}

	select {
	case res := <-ack:
		if res.OK {
			return nil
		}
		reason := fmt.Errorf("%w: %s (%s)", errChunkRejected, res.Code, res.Detail)
		if res.Retryable {
			return &reliability.TransientError{Err: reason}
		}
		return &reliability.PermanentError{Err: reason}
	case <-conn.done:
		return &reliability.TransientError{Err: errAdapterDetached}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SetTyping implements delivery.Sink. Typing frames are fire-and-forget.
func (h *BridgeHub) SetTyping(_ context.Context, chatID string, typing bool) error {
	return h.enqueue(protocol.TypingState{
		Type:   protocol.TypeTypingState,
		ChatID: chatID,
		Typing: typing,
	})
}

// AnnounceTurn broadcasts a cleared user message to the response
// generator. Used as the coordinator's turn handler.
func (h *BridgeHub) AnnounceTurn(_ context.Context, evt delivery.InterruptEvent, replyTo string) {
	err := h.enqueue(protocol.TurnRequest{
		Type:      protocol.TypeTurnRequest,
		ChatID:    evt.ChatID,
		MessageID: evt.MessageID,
		Text:      evt.Text,
		ReplyTo:   replyTo,
	})
	if err != nil {
		h.logger.Warn("turn request not announced",
			zap.String("chat_id", evt.ChatID),
			zap.String("message_id", evt.MessageID),
			zap.Error(err))
	}
}

// NotifyDeliveryEnd reports a session's terminal outcome to the adapter.
func (h *BridgeHub) NotifyDeliveryEnd(snap delivery.SessionSnapshot) {
	_ = h.enqueue(protocol.DeliveryEnd{
		Type:      protocol.TypeDeliveryEnd,
		ChatID:    snap.ChatID,
		SessionID: snap.SessionID,
		Status:    string(snap.Status),
		Delivered: snap.DeliveredCount,
		Total:     snap.TotalChunks,
	})
}

func (h *BridgeHub) enqueue(frame any) error {
	h.mu.Lock()
	conn := h.conn
	h.mu.Unlock()
	if conn == nil {
		return errNoAdapter
	}
	select {
	case conn.outbound <- frame:
		return nil
	default:
		return errOutboundFull
	}
}

func (h *BridgeHub) dropWaiter(key ackKey) {
	h.mu.Lock()
	delete(h.waiters, key)
	h.mu.Unlock()
}

// Run services one adapter connection until it closes. Called from the
// websocket handler; blocks for the connection's lifetime.
func (h *BridgeHub) Run(ctx context.Context, ws *websocket.Conn) {
	conn := &bridgeConn{
		ws:       ws,
		outbound: make(chan any, 256),
		done:     make(chan struct{}),
	}

	h.mu.Lock()
	old := h.conn
	h.conn = conn
	h.mu.Unlock()
	if old != nil {
		// The replaced connection's writer exits via its done channel.
		close(old.done)
		_ = old.ws.Close()
		h.logger.Info("previous adapter connection replaced")
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for {
			select {
			case <-ctx.Done():
				return
			case <-conn.done:
				return
			case frame := <-conn.outbound:
				_ = ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
				if err := ws.WriteJSON(frame); err != nil {
					h.logger.Warn("bridge write failed", zap.Error(err))
					cancel()
					return
				}
			}
		}
	}()

	ws.SetReadLimit(1 << 20)
	_ = ws.SetReadDeadline(time.Now().Add(120 * time.Second))
	ws.SetPongHandler(func(string) error {
		_ = ws.SetReadDeadline(time.Now().Add(120 * time.Second))
		return nil
	})

	for {
		msgType, data, err := ws.ReadMessage()
		if err != nil {
			break
		}
		if msgType != websocket.TextMessage {
			continue
		}
		parsed, err := protocol.ParseAdapterMessage(data)
		if err != nil {
			h.enqueueError("invalid_adapter_message", err)
			continue
		}
		switch msg := parsed.(type) {
		case protocol.AdapterHello:
			h.logger.Info("adapter connected",
				zap.String("adapter", msg.Adapter),
				zap.String("platform", msg.Platform))
		case protocol.UserMessage:
			h.handleUserMessage(ctx, msg)
		case protocol.DispatchResult:
			h.resolveAck(msg)
		}
	}

	h.detach(conn)
	cancel()
	<-writerDone
}

func (h *BridgeHub) handleUserMessage(ctx context.Context, msg protocol.UserMessage) {
	h.mu.Lock()
	fn := h.onUserMessage
	h.mu.Unlock()
	if fn == nil {
		h.logger.Warn("user message dropped, no handler wired",
			zap.String("chat_id", msg.ChatID))
		return
	}
	evt := delivery.InterruptEvent{
		ChatID:      msg.ChatID,
		MessageID:   msg.MessageID,
		Text:        msg.Text,
		ArrivalTime: time.UnixMilli(msg.TSMs),
	}
	if msg.TSMs == 0 {
		evt.ArrivalTime = time.Now()
	}
	// Deliver inline so events for one chat reach the coordinator in the
	// order the adapter sent them. The coordinator never blocks here: it
	// only enqueues, cancels, or hands off to its drain goroutine.
	fn(ctx, evt)
}

func (h *BridgeHub) resolveAck(res protocol.DispatchResult) {
	key := ackKey{chatID: res.ChatID, seq: res.Seq}
	h.mu.Lock()
	ack, ok := h.waiters[key]
	h.mu.Unlock()
	if !ok {
		return
	}
	select {
	case ack <- res:
	default:
	}
}

func (h *BridgeHub) enqueueError(code string, err error) {
	_ = h.enqueue(protocol.ErrorEvent{
		Type:   protocol.TypeErrorEvent,
		Code:   code,
		Source: "bridge",
		Detail: err.Error(),
	})
}

func (h *BridgeHub) detach(conn *bridgeConn) {
	h.mu.Lock()
	if h.conn == conn {
		h.conn = nil
	}
	h.mu.Unlock()
	select {
	case <-conn.done:
	default:
		close(conn.done)
	}
}
