package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/driplab/drip/internal/config"
	"github.com/driplab/drip/internal/delivery"
	"github.com/driplab/drip/internal/observability"
	"github.com/driplab/drip/internal/pacing"
	"github.com/driplab/drip/internal/reliability"
	"github.com/driplab/drip/internal/splitter"
)

func newBridgeStack(t *testing.T) (*httptest.Server, *BridgeHub) {
	t.Helper()
	metrics := observability.NewMetrics(fmt.Sprintf("drip_test_bridge_%d_%d", time.Now().UnixNano(), metricsSeq.Add(1)))
	hub := NewBridgeHub(metrics, nil)
	registry := delivery.NewRegistry(time.Minute)
	sched := delivery.NewScheduler(registry, hub, pacing.NewTypingController(0), metrics, nil, delivery.SchedulerConfig{
		RetryCount:      0,
		DispatchTimeout: 2 * time.Second,
	})
	defaults := delivery.Profile{
		SplitMode: splitter.ModeSimple,
		SplitCfg:  splitter.Config{MaxChunkLen: 200, MinChunkLen: 0},
		Delay:     pacing.DelaySpec{Strategy: pacing.StrategyConstant},
	}
	pipe := delivery.NewPipeline(sched, defaults, nil, metrics, nil)
	coord := delivery.NewCoordinator(registry, metrics, nil, hub.AnnounceTurn)
	hub.SetUserMessageHandler(func(_ context.Context, evt delivery.InterruptEvent) {
		coord.OnInterrupt(context.Background(), evt)
	})
	cfg := config.Config{AllowAnyOrigin: true, ConvertMarkdown: false}
	srv := New(context.Background(), cfg, pipe, registry, coord, hub, metrics, nil)
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return ts, hub
}

func dialBridge(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/bridge/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial bridge: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	var frame map[string]any
	if err := json.Unmarshal(data, &frame); err != nil {
		t.Fatalf("decode frame %s: %v", data, err)
	}
	return frame
}

func writeFrame(t *testing.T, conn *websocket.Conn, frame any) {
	t.Helper()
	_ = conn.SetWriteDeadline(time.Now().Add(3 * time.Second))
	if err := conn.WriteJSON(frame); err != nil {
		t.Fatalf("write frame: %v", err)
	}
}

func TestBridgeDeliversChunksThroughAdapter(t *testing.T) {
	ts, _ := newBridgeStack(t)
	conn := dialBridge(t, ts)

	writeFrame(t, conn, map[string]any{"type": "adapter_hello", "adapter": "test-adapter"})

	body, _ := json.Marshal(map[string]string{"chat_id": "chat-1", "text": "Quick reply."})
	res, err := http.Post(ts.URL+"/v1/responses", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("submit error = %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusAccepted {
		t.Fatalf("submit status = %d, want %d", res.StatusCode, http.StatusAccepted)
	}

	var sawTypingOn, sawChunk, sawEnd bool
	for i := 0; i < 10 && !sawEnd; i++ {
		frame := readFrame(t, conn)
		switch frame["type"] {
		case "typing_state":
			if frame["typing"] == true {
				sawTypingOn = true
			}
		case "chunk_delivery":
			sawChunk = true
			if frame["text"] != "Quick reply." {
				t.Fatalf("chunk text = %v, want %q", frame["text"], "Quick reply.")
			}
			writeFrame(t, conn, map[string]any{
				"type":    "dispatch_result",
				"chat_id": "chat-1",
				"seq":     int(frame["seq"].(float64)),
				"ok":      true,
			})
		case "delivery_end":
			sawEnd = true
			if frame["status"] != "completed" {
				t.Fatalf("delivery_end status = %v, want completed", frame["status"])
			}
			if frame["delivered"] != float64(1) {
				t.Fatalf("delivered = %v, want 1", frame["delivered"])
			}
		}
	}
	if !sawTypingOn || !sawChunk || !sawEnd {
		t.Fatalf("missing frames: typing=%v chunk=%v end=%v", sawTypingOn, sawChunk, sawEnd)
	}
}

func TestBridgeRejectedChunkFailsDelivery(t *testing.T) {
	ts, _ := newBridgeStack(t)
	conn := dialBridge(t, ts)

	body, _ := json.Marshal(map[string]string{"chat_id": "chat-2", "text": "Doomed reply."})
	res, err := http.Post(ts.URL+"/v1/responses", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("submit error = %v", err)
	}
	res.Body.Close()

	var sawEnd bool
	for i := 0; i < 10 && !sawEnd; i++ {
		frame := readFrame(t, conn)
		switch frame["type"] {
		case "chunk_delivery":
			writeFrame(t, conn, map[string]any{
				"type":      "dispatch_result",
				"chat_id":   "chat-2",
				"seq":       int(frame["seq"].(float64)),
				"ok":        false,
				"code":      "chat_not_found",
				"retryable": false,
			})
		case "delivery_end":
			sawEnd = true
			if frame["status"] != "failed" {
				t.Fatalf("delivery_end status = %v, want failed", frame["status"])
			}
		}
	}
	if !sawEnd {
		t.Fatalf("never saw delivery_end")
	}
}

func TestBridgeUserMessageProducesTurnRequest(t *testing.T) {
	ts, _ := newBridgeStack(t)
	conn := dialBridge(t, ts)

	writeFrame(t, conn, map[string]any{
		"type":       "user_message",
		"chat_id":    "chat-3",
		"message_id": "m42",
		"text":       "are you there?",
	})

	for i := 0; i < 10; i++ {
		frame := readFrame(t, conn)
		if frame["type"] != "turn_request" {
			continue
		}
		if frame["chat_id"] != "chat-3" || frame["message_id"] != "m42" {
			t.Fatalf("unexpected turn_request: %+v", frame)
		}
		return
	}
	t.Fatalf("never saw turn_request")
}

func TestBridgeSendChunkWithoutAdapterIsTransient(t *testing.T) {
	hub := NewBridgeHub(nil, nil)
	err := hub.SendChunk(context.Background(), "chat-1", delivery.Chunk{Index: 0, Text: "hi"})
	if err == nil {
		t.Fatalf("expected error with no adapter attached")
	}
	if reliability.Classify(err) != reliability.KindTransient {
		t.Fatalf("Classify(%v) = permanent, want transient", err)
	}
}

func TestBridgeKeepsPerChatMessageOrder(t *testing.T) {
	ts, hub := newBridgeStack(t)

	var mu sync.Mutex
	var received []string
	hub.SetUserMessageHandler(func(_ context.Context, evt delivery.InterruptEvent) {
		mu.Lock()
		received = append(received, evt.MessageID)
		mu.Unlock()
	})

	conn := dialBridge(t, ts)
	writeFrame(t, conn, map[string]any{"type": "adapter_hello", "adapter": "test-adapter"})

	const n = 50
	want := make([]string, 0, n)
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("msg-%03d", i)
		want = append(want, id)
		writeFrame(t, conn, map[string]any{
			"type":       "user_message",
			"chat_id":    "chat-order",
			"message_id": id,
			"text":       "again",
		})
	}

	deadline := time.Now().Add(3 * time.Second)
	for {
		mu.Lock()
		done := len(received) == n
		mu.Unlock()
		if done {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("handler saw %d of %d messages", len(received), n)
		}
		time.Sleep(5 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	for i, id := range received {
		if id != want[i] {
			t.Fatalf("message %d arrived as %s, want %s (full order: %v)", i, id, want[i], received)
		}
	}
}
