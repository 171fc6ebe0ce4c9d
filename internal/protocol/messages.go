package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// MessageType identifies websocket payload variants on the bridge socket.
type MessageType string

const (
	TypeAdapterHello   MessageType = "adapter_hello"
	TypeUserMessage    MessageType = "user_message"
	TypeChunkDelivery  MessageType = "chunk_delivery"
	TypeTypingState    MessageType = "typing_state"
	TypeDeliveryEnd    MessageType = "delivery_end"
	TypeDispatchResult MessageType = "dispatch_result"
	TypeTurnRequest    MessageType = "turn_request"
	TypeErrorEvent     MessageType = "error_event"
)

var ErrUnsupportedType = errors.New("unsupported message type")

type Envelope struct {
	Type MessageType `json:"type"`
}

// AdapterHello is the first frame a platform adapter sends after the
// upgrade, naming itself for logs.
type AdapterHello struct {
	Type     MessageType `json:"type"`
	Adapter  string      `json:"adapter"`
	Platform string      `json:"platform,omitempty"`
}

// UserMessage is an inbound chat message relayed by the adapter. It feeds
// the interrupt coordinator.
type UserMessage struct {
	Type      MessageType `json:"type"`
	ChatID    string      `json:"chat_id"`
	MessageID string      `json:"message_id"`
	Text      string      `json:"text"`
	TSMs      int64       `json:"ts_ms"`
}

// ChunkDelivery carries one response chunk outbound to the adapter.
type ChunkDelivery struct {
	Type      MessageType `json:"type"`
	ChatID    string      `json:"chat_id"`
	RequestID string      `json:"request_id,omitempty"`
	Seq       int         `json:"seq"`
	Text      string      `json:"text"`
	ReplyTo   string      `json:"reply_to,omitempty"`
}

// TypingState toggles the platform typing indicator for a chat.
type TypingState struct {
	Type   MessageType `json:"type"`
	ChatID string      `json:"chat_id"`
	Typing bool        `json:"typing"`
}

// DeliveryEnd reports the terminal outcome of a delivery session.
type DeliveryEnd struct {
	Type      MessageType `json:"type"`
	ChatID    string      `json:"chat_id"`
	SessionID string      `json:"session_id"`
	Status    string      `json:"status"`
	Delivered int         `json:"delivered"`
	Total     int         `json:"total"`
}

// DispatchResult is the adapter's acknowledgement of one ChunkDelivery.
// A negative result fails that chunk's dispatch attempt.
type DispatchResult struct {
	Type      MessageType `json:"type"`
	ChatID    string      `json:"chat_id"`
	Seq       int         `json:"seq"`
	OK        bool        `json:"ok"`
	Code      string      `json:"code,omitempty"`
	Retryable bool        `json:"retryable"`
	Detail    string      `json:"detail,omitempty"`
}

// TurnRequest announces a user message cleared for processing: either it
// arrived on an idle chat, or it was deferred behind a delivery and has now
// been replayed. The response generator consumes these and submits the
// resulting response, carrying ReplyTo through when set.
type TurnRequest struct {
	Type      MessageType `json:"type"`
	ChatID    string      `json:"chat_id"`
	MessageID string      `json:"message_id"`
	Text      string      `json:"text"`
	ReplyTo   string      `json:"reply_to,omitempty"`
}

type ErrorEvent struct {
	Type   MessageType `json:"type"`
	ChatID string      `json:"chat_id,omitempty"`
	Code   string      `json:"code"`
	Source string      `json:"source"`
	Detail string      `json:"detail"`
}

// ParseAdapterMessage decodes an inbound frame from the platform adapter.
func ParseAdapterMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeAdapterHello:
		var msg AdapterHello
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.Adapter == "" {
			return nil, errors.New("invalid adapter_hello")
		}
		return msg, nil
	case TypeUserMessage:
		var msg UserMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.ChatID == "" || msg.MessageID == "" {
			return nil, errors.New("invalid user_message")
		}
		return msg, nil
	case TypeDispatchResult:
		var msg DispatchResult
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.ChatID == "" {
			return nil, errors.New("invalid dispatch_result")
		}
		return msg, nil
	default:
		return nil, ErrUnsupportedType
	}
}
